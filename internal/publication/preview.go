// File path: internal/publication/preview.go
package publication

import (
	"context"
	"sort"
	"time"

	"github.com/railforge/tracklayout/internal/changes"
	"github.com/railforge/tracklayout/internal/layout"
	"github.com/railforge/tracklayout/internal/store"
)

// publishedView overlays the unit's draft rows onto the store's history as if
// they were already official at the publication moment, so calculated changes
// can be derived before any row moves.
type publishedView struct {
	store  store.Store
	branch layout.Branch
	moment time.Time
	drafts map[layout.Ref]layout.Asset
}

func newPublishedView(st store.Store, branch layout.Branch, moment time.Time, candidates Candidates, unit []layout.Ref) *publishedView {
	drafts := make(map[layout.Ref]layout.Asset, len(unit))
	for _, ref := range unit {
		if cand := candidates.Find(ref); cand != nil {
			drafts[ref] = cand.Asset
		}
	}
	return &publishedView{store: st, branch: branch, moment: moment, drafts: drafts}
}

func (v *publishedView) overlays(branch layout.Branch, moment time.Time) bool {
	return branch == v.branch && !moment.Before(v.moment)
}

func (v *publishedView) FetchAtMoment(ctx context.Context, kind layout.AssetKind, id layout.AssetID, branch layout.Branch, moment time.Time) (layout.Asset, error) {
	if v.overlays(branch, moment) {
		if asset, ok := v.drafts[layout.Ref{Kind: kind, ID: id}]; ok {
			return asset, nil
		}
	}
	return v.store.FetchAtMoment(ctx, kind, id, branch, moment)
}

func (v *publishedView) ListAtMoment(ctx context.Context, kind layout.AssetKind, branch layout.Branch, moment time.Time) ([]layout.Asset, error) {
	assets, err := v.store.ListAtMoment(ctx, kind, branch, moment)
	if err != nil || !v.overlays(branch, moment) {
		return assets, err
	}
	merged := make(map[layout.AssetID]layout.Asset, len(assets))
	for _, asset := range assets {
		merged[asset.AssetID()] = asset
	}
	for ref, asset := range v.drafts {
		if ref.Kind == kind {
			merged[asset.AssetID()] = asset
		}
	}
	ids := make([]layout.AssetID, 0, len(merged))
	for id := range merged {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]layout.Asset, 0, len(ids))
	for _, id := range ids {
		out = append(out, merged[id])
	}
	return out, nil
}

var _ changes.LayoutSource = (*publishedView)(nil)
