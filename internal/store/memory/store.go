// File path: internal/store/memory/store.go
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/railforge/tracklayout/internal/common"
	"github.com/railforge/tracklayout/internal/layout"
	"github.com/railforge/tracklayout/internal/store"
)

// Store is the in-memory implementation of store.Store, store.PublicationLog
// and store.SplitStore. Rows are held per physical context; published
// versions accumulate as append-only per-branch history. Stored assets are
// treated as immutable: callers must not mutate an asset after handing it in.
type Store struct {
	mu         sync.RWMutex
	rows       map[layout.Context]map[layout.AssetKind]map[layout.AssetID]*row
	history    map[layout.Branch]map[layout.AssetKind]map[layout.AssetID][]historyEntry
	versionSeq map[layout.Ref]int
	changeTime time.Time

	publications map[string]store.Publication
	pubOrder     []string
	splits       map[string]store.Split

	clock func() time.Time
}

type row struct {
	asset   layout.Asset
	version int
}

type historyEntry struct {
	asset   layout.Asset
	version int
	moment  time.Time
}

// Option adjusts store construction.
type Option func(*Store)

// WithClock overrides the time source used for change tracking.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewStore constructs an empty in-memory store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		rows:         make(map[layout.Context]map[layout.AssetKind]map[layout.AssetID]*row),
		history:      make(map[layout.Branch]map[layout.AssetKind]map[layout.AssetID][]historyEntry),
		versionSeq:   make(map[layout.Ref]int),
		publications: make(map[string]store.Publication),
		splits:       make(map[string]store.Split),
		clock:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) rowIn(pctx layout.Context, kind layout.AssetKind, id layout.AssetID) *row {
	byKind, ok := s.rows[pctx]
	if !ok {
		return nil
	}
	return byKind[kind][id]
}

// Fetch resolves the asset visible in the context through the overlay chain.
func (s *Store) Fetch(_ context.Context, kind layout.AssetKind, id layout.AssetID, lctx layout.Context) (layout.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, pctx := range store.ResolutionOrder(lctx) {
		if r := s.rowIn(pctx, kind, id); r != nil {
			return r.asset, nil
		}
	}
	return nil, nil
}

// FetchExact returns the physical row in the exact context only.
func (s *Store) FetchExact(_ context.Context, kind layout.AssetKind, id layout.AssetID, lctx layout.Context) (layout.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r := s.rowIn(lctx, kind, id); r != nil {
		return r.asset, nil
	}
	return nil, fmt.Errorf("%s/%s in %s: %w", kind, id, lctx, store.ErrNotFound)
}

// FetchVersion returns the row version of the physical row, or nil.
func (s *Store) FetchVersion(_ context.Context, kind layout.AssetKind, id layout.AssetID, lctx layout.Context) (*layout.RowVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.rowIn(lctx, kind, id)
	if r == nil {
		return nil, nil
	}
	v := layout.RowVersion{Kind: kind, ID: id, Context: lctx, Version: r.version}
	return &v, nil
}

// FetchAtMoment returns the official state of the asset as it stood at the
// moment, preferring the branch's own history and falling back to main.
func (s *Store) FetchAtMoment(_ context.Context, kind layout.AssetKind, id layout.AssetID, branch layout.Branch, moment time.Time) (layout.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.assetAtMoment(kind, id, branch, moment), nil
}

func (s *Store) assetAtMoment(kind layout.AssetKind, id layout.AssetID, branch layout.Branch, moment time.Time) layout.Asset {
	if entry := latestEntry(s.history[branch], kind, id, moment); entry != nil {
		return entry.asset
	}
	if !branch.IsMain() {
		if entry := latestEntry(s.history[layout.MainBranch()], kind, id, moment); entry != nil {
			return entry.asset
		}
	}
	return nil
}

func latestEntry(byKind map[layout.AssetKind]map[layout.AssetID][]historyEntry, kind layout.AssetKind, id layout.AssetID, moment time.Time) *historyEntry {
	if byKind == nil {
		return nil
	}
	entries := byKind[kind][id]
	for i := len(entries) - 1; i >= 0; i-- {
		if !entries[i].moment.After(moment) {
			return &entries[i]
		}
	}
	return nil
}

// List returns the overlay-resolved assets of a kind, ordered by id.
func (s *Store) List(_ context.Context, kind layout.AssetKind, lctx layout.Context) ([]layout.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	resolved := make(map[layout.AssetID]layout.Asset)
	for _, pctx := range store.ResolutionOrder(lctx) {
		byKind, ok := s.rows[pctx]
		if !ok {
			continue
		}
		for id, r := range byKind[kind] {
			if _, seen := resolved[id]; !seen {
				resolved[id] = r.asset
			}
		}
	}
	return sortedAssets(resolved), nil
}

// ListExact returns only the physical rows of the exact context.
func (s *Store) ListExact(_ context.Context, kind layout.AssetKind, lctx layout.Context) ([]layout.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byKind, ok := s.rows[lctx]
	if !ok {
		return nil, nil
	}
	assets := make(map[layout.AssetID]layout.Asset, len(byKind[kind]))
	for id, r := range byKind[kind] {
		assets[id] = r.asset
	}
	return sortedAssets(assets), nil
}

// ListAtMoment returns the official assets of a kind as they stood at the
// moment on the branch, ordered by id.
func (s *Store) ListAtMoment(_ context.Context, kind layout.AssetKind, branch layout.Branch, moment time.Time) ([]layout.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make(map[layout.AssetID]struct{})
	collect := func(b layout.Branch) {
		byKind, ok := s.history[b]
		if !ok {
			return
		}
		for id := range byKind[kind] {
			ids[id] = struct{}{}
		}
	}
	collect(branch)
	if !branch.IsMain() {
		collect(layout.MainBranch())
	}
	resolved := make(map[layout.AssetID]layout.Asset)
	for id := range ids {
		if asset := s.assetAtMoment(kind, id, branch, moment); asset != nil {
			resolved[id] = asset
		}
	}
	return sortedAssets(resolved), nil
}

// SaveDraft inserts or replaces the draft row of the asset on the branch.
func (s *Store) SaveDraft(_ context.Context, branch layout.Branch, asset layout.Asset) (layout.RowVersion, error) {
	if asset == nil {
		return layout.RowVersion{}, fmt.Errorf("save draft: nil asset")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pctx := layout.Draft(branch)
	ref := layout.Ref{Kind: asset.AssetKind(), ID: asset.AssetID()}
	s.versionSeq[ref]++
	version := s.versionSeq[ref]
	byKind, ok := s.rows[pctx]
	if !ok {
		byKind = make(map[layout.AssetKind]map[layout.AssetID]*row)
		s.rows[pctx] = byKind
	}
	byID, ok := byKind[ref.Kind]
	if !ok {
		byID = make(map[layout.AssetID]*row)
		byKind[ref.Kind] = byID
	}
	byID[ref.ID] = &row{asset: asset, version: version}
	s.changeTime = s.clock()
	return layout.RowVersion{Kind: ref.Kind, ID: ref.ID, Context: pctx, Version: version}, nil
}

// DeleteDraft removes the draft row of the asset on the branch.
func (s *Store) DeleteDraft(_ context.Context, kind layout.AssetKind, id layout.AssetID, branch layout.Branch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pctx := layout.Draft(branch)
	byKind, ok := s.rows[pctx]
	if !ok || byKind[kind][id] == nil {
		return fmt.Errorf("%s/%s on %s: %w", kind, id, branch, store.ErrNoDraft)
	}
	delete(byKind[kind], id)
	s.changeTime = s.clock()
	return nil
}

// PromoteDrafts atomically turns the named draft rows into official rows
// effective at the moment. Either every named ref is promoted or none is.
func (s *Store) PromoteDrafts(_ context.Context, branch layout.Branch, refs []layout.Ref, moment time.Time) ([]layout.RowVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	drafts, err := s.collectDrafts(branch, refs)
	if err != nil {
		return nil, err
	}
	versions := s.promoteLocked(branch, refs, drafts, moment)
	common.Logger().Debug("store: drafts promoted",
		"branch", branch.String(), "count", len(refs), "moment", moment)
	return versions, nil
}

// collectDrafts verifies every ref has a draft row before any row moves.
func (s *Store) collectDrafts(branch layout.Branch, refs []layout.Ref) ([]*row, error) {
	draftCtx := layout.Draft(branch)
	drafts := make([]*row, len(refs))
	for i, ref := range refs {
		r := s.rowIn(draftCtx, ref.Kind, ref.ID)
		if r == nil {
			return nil, fmt.Errorf("promote %s on %s: %w", ref, branch, store.ErrNoDraft)
		}
		drafts[i] = r
	}
	return drafts, nil
}

func (s *Store) promoteLocked(branch layout.Branch, refs []layout.Ref, drafts []*row, moment time.Time) []layout.RowVersion {
	draftCtx := layout.Draft(branch)
	officialCtx := layout.Official(branch)
	versions := make([]layout.RowVersion, 0, len(refs))
	for i, ref := range refs {
		s.versionSeq[ref]++
		version := s.versionSeq[ref]
		byKind, ok := s.rows[officialCtx]
		if !ok {
			byKind = make(map[layout.AssetKind]map[layout.AssetID]*row)
			s.rows[officialCtx] = byKind
		}
		byID, ok := byKind[ref.Kind]
		if !ok {
			byID = make(map[layout.AssetID]*row)
			byKind[ref.Kind] = byID
		}
		byID[ref.ID] = &row{asset: drafts[i].asset, version: version}
		s.appendHistory(branch, ref, drafts[i].asset, version, moment)
		delete(s.rows[draftCtx][ref.Kind], ref.ID)
		versions = append(versions, layout.RowVersion{Kind: ref.Kind, ID: ref.ID, Context: officialCtx, Version: version})
	}
	if moment.After(s.changeTime) {
		s.changeTime = moment
	}
	return versions
}

// CommitPublication promotes the unit's drafts, records the publication and
// marks the named splits done under one lock. Every precondition is checked
// before any row moves, so a failure leaves the store untouched.
func (s *Store) CommitPublication(_ context.Context, refs []layout.Ref, pub store.Publication, splitIDs []string) (store.Publication, error) {
	if pub.ID == "" {
		return store.Publication{}, fmt.Errorf("commit publication: empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	drafts, err := s.collectDrafts(pub.Branch, refs)
	if err != nil {
		return store.Publication{}, fmt.Errorf("commit publication %s: %w", pub.ID, err)
	}
	for _, id := range splitIDs {
		if _, ok := s.splits[id]; !ok {
			return store.Publication{}, fmt.Errorf("commit publication %s: split %s: %w", pub.ID, id, store.ErrNotFound)
		}
	}

	pub.Versions = s.promoteLocked(pub.Branch, refs, drafts, pub.PublishedAt)
	if _, exists := s.publications[pub.ID]; !exists {
		s.pubOrder = append(s.pubOrder, pub.ID)
	}
	s.publications[pub.ID] = pub
	for _, id := range splitIDs {
		split := s.splits[id]
		split.Done = true
		s.splits[id] = split
	}
	common.Logger().Debug("store: publication committed",
		"branch", pub.Branch.String(), "publication", pub.ID, "count", len(refs))
	return pub, nil
}

func (s *Store) appendHistory(branch layout.Branch, ref layout.Ref, asset layout.Asset, version int, moment time.Time) {
	byKind, ok := s.history[branch]
	if !ok {
		byKind = make(map[layout.AssetKind]map[layout.AssetID][]historyEntry)
		s.history[branch] = byKind
	}
	byID, ok := byKind[ref.Kind]
	if !ok {
		byID = make(map[layout.AssetID][]historyEntry)
		byKind[ref.Kind] = byID
	}
	byID[ref.ID] = append(byID[ref.ID], historyEntry{asset: asset, version: version, moment: moment})
}

// ChangeTime returns the moment of the latest mutation.
func (s *Store) ChangeTime(_ context.Context) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.changeTime, nil
}

// SavePublication records a committed publication.
func (s *Store) SavePublication(_ context.Context, pub store.Publication) error {
	if pub.ID == "" {
		return fmt.Errorf("save publication: empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.publications[pub.ID]; !exists {
		s.pubOrder = append(s.pubOrder, pub.ID)
	}
	s.publications[pub.ID] = pub
	return nil
}

// Publication returns the publication with the given id.
func (s *Store) Publication(_ context.Context, id string) (*store.Publication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pub, ok := s.publications[id]
	if !ok {
		return nil, fmt.Errorf("publication %s: %w", id, store.ErrNotFound)
	}
	return &pub, nil
}

// ListPublications returns the branch's publications in commit order.
func (s *Store) ListPublications(_ context.Context, branch layout.Branch) ([]store.Publication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var pubs []store.Publication
	for _, id := range s.pubOrder {
		if pub := s.publications[id]; pub.Branch == branch {
			pubs = append(pubs, pub)
		}
	}
	return pubs, nil
}

// SetParentPublication links an inherited design publication to the main
// publication created by its merge.
func (s *Store) SetParentPublication(_ context.Context, id, parentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pub, ok := s.publications[id]
	if !ok {
		return fmt.Errorf("publication %s: %w", id, store.ErrNotFound)
	}
	pub.ParentID = parentID
	s.publications[id] = pub
	return nil
}

// SaveSplit inserts or replaces a split record.
func (s *Store) SaveSplit(_ context.Context, split store.Split) error {
	if split.ID == "" {
		return fmt.Errorf("save split: empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.splits[split.ID] = split
	return nil
}

// PendingSplitForTrack returns the not-yet-done split the track participates
// in on the branch, or nil.
func (s *Store) PendingSplitForTrack(_ context.Context, branch layout.Branch, trackID layout.AssetID) (*store.Split, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, split := range s.splits {
		if split.Branch == branch && !split.Done && split.Contains(trackID) {
			found := split
			return &found, nil
		}
	}
	return nil, nil
}

// ListSplits returns the branch's splits ordered by creation time.
func (s *Store) ListSplits(_ context.Context, branch layout.Branch) ([]store.Split, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var splits []store.Split
	for _, split := range s.splits {
		if split.Branch == branch {
			splits = append(splits, split)
		}
	}
	sort.Slice(splits, func(i, j int) bool {
		if !splits[i].CreatedAt.Equal(splits[j].CreatedAt) {
			return splits[i].CreatedAt.Before(splits[j].CreatedAt)
		}
		return splits[i].ID < splits[j].ID
	})
	return splits, nil
}

// DeleteSplit removes a split record.
func (s *Store) DeleteSplit(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.splits[id]; !ok {
		return fmt.Errorf("split %s: %w", id, store.ErrNotFound)
	}
	delete(s.splits, id)
	return nil
}

func sortedAssets(byID map[layout.AssetID]layout.Asset) []layout.Asset {
	if len(byID) == 0 {
		return nil
	}
	ids := make([]layout.AssetID, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	assets := make([]layout.Asset, 0, len(ids))
	for _, id := range ids {
		assets = append(assets, byID[id])
	}
	return assets
}

var (
	_ store.Store          = (*Store)(nil)
	_ store.Committer      = (*Store)(nil)
	_ store.PublicationLog = (*Store)(nil)
	_ store.SplitStore     = (*Store)(nil)
)
