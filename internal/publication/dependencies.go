// File path: internal/publication/dependencies.go
package publication

import (
	"context"
	"fmt"
	"sort"

	"github.com/railforge/tracklayout/internal/layout"
	"github.com/railforge/tracklayout/internal/store"
)

// ResolveDependencies expands a requested ref set to the smallest consistent
// publication unit: a fixed-point closure over the dependency edges between
// pending candidates. Requested refs must themselves be candidates; pulled-in
// dependencies are only ever other candidates, since an asset without a draft
// needs no publishing.
func ResolveDependencies(ctx context.Context, st store.Store, splits store.SplitStore, candidates Candidates, requested []layout.Ref) ([]layout.Ref, error) {
	branch := candidates.Branch
	officialCtx := layout.Official(branch)
	set := make(map[layout.Ref]struct{})
	var queue []layout.Ref
	add := func(ref layout.Ref) {
		if _, ok := set[ref]; ok {
			return
		}
		if candidates.Find(ref) == nil {
			return
		}
		set[ref] = struct{}{}
		queue = append(queue, ref)
	}

	for _, ref := range requested {
		if candidates.Find(ref) == nil {
			return nil, fmt.Errorf("%s on %s: %w", ref, branch, ErrNotCandidate)
		}
		add(ref)
	}

	officialExists := func(ref layout.Ref) (bool, error) {
		asset, err := st.Fetch(ctx, ref.Kind, ref.ID, officialCtx)
		if err != nil {
			return false, err
		}
		return asset != nil && !asset.AssetState().Deleted(), nil
	}

	for len(queue) > 0 {
		ref := queue[0]
		queue = queue[1:]
		cand := candidates.Find(ref)

		// Declared dependencies pull in their own pending candidates whenever
		// the dependency is not already official on the branch.
		for _, dep := range cand.Asset.Dependencies() {
			exists, err := officialExists(dep)
			if err != nil {
				return nil, fmt.Errorf("resolve %s dependency %s: %w", ref, dep, err)
			}
			if !exists {
				add(dep)
			}
		}

		switch ref.Kind {
		case layout.KindTrackNumber:
			// A track number and its reference line are inseparable on first
			// publish.
			exists, err := officialExists(ref)
			if err != nil {
				return nil, err
			}
			if !exists {
				if rl := candidateReferenceLine(candidates, ref.ID); rl != nil {
					add(rl.Ref)
				}
			}
		case layout.KindLocationTrack, layout.KindKmPost:
			// Addressable assets need their track number's reference line in
			// the target context.
			tnID := trackNumberOf(cand.Asset)
			if tnID == "" {
				break
			}
			if rl := candidateReferenceLine(candidates, tnID); rl != nil {
				exists, err := officialExists(rl.Ref)
				if err != nil {
					return nil, err
				}
				if !exists {
					add(rl.Ref)
				}
			}
		}

		// Split members publish together: source, targets and the switches
		// relinked in the process.
		if ref.Kind == layout.KindLocationTrack && splits != nil {
			split, err := splits.PendingSplitForTrack(ctx, branch, ref.ID)
			if err != nil {
				return nil, fmt.Errorf("resolve %s split: %w", ref, err)
			}
			if split != nil {
				for _, trackID := range split.Tracks() {
					add(layout.Ref{Kind: layout.KindLocationTrack, ID: trackID})
				}
				for _, switchID := range split.RelinkedSwitchIDs {
					add(layout.Ref{Kind: layout.KindSwitch, ID: switchID})
				}
			}
		}
	}

	return publicationOrder(set), nil
}

func candidateReferenceLine(candidates Candidates, trackNumberID layout.AssetID) *Candidate {
	for _, cand := range candidates.ofKind(layout.KindReferenceLine) {
		if line, ok := cand.Asset.(*layout.ReferenceLine); ok && line.TrackNumberID == trackNumberID {
			found := cand
			return &found
		}
	}
	return nil
}

func trackNumberOf(asset layout.Asset) layout.AssetID {
	switch a := asset.(type) {
	case *layout.ReferenceLine:
		return a.TrackNumberID
	case *layout.LocationTrack:
		return a.TrackNumberID
	case *layout.KmPost:
		return a.TrackNumberID
	}
	return ""
}

// publicationOrder sorts refs parents-first, ids ascending within a kind.
func publicationOrder(set map[layout.Ref]struct{}) []layout.Ref {
	kindRank := make(map[layout.AssetKind]int)
	for i, kind := range layout.AssetKinds() {
		kindRank[kind] = i
	}
	refs := make([]layout.Ref, 0, len(set))
	for ref := range set {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if kindRank[refs[i].Kind] != kindRank[refs[j].Kind] {
			return kindRank[refs[i].Kind] < kindRank[refs[j].Kind]
		}
		return refs[i].ID < refs[j].ID
	})
	return refs
}
