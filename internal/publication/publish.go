// File path: internal/publication/publish.go
package publication

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/railforge/tracklayout/internal/changes"
	"github.com/railforge/tracklayout/internal/common"
	"github.com/railforge/tracklayout/internal/common/telemetry"
	"github.com/railforge/tracklayout/internal/extid"
	"github.com/railforge/tracklayout/internal/layout"
	"github.com/railforge/tracklayout/internal/store"
)

// Manager drives the publication life cycle: candidate collection, dependency
// closure, validation, the atomic draft promotion, the calculated-changes
// record and design-to-main merges. Publishes on one branch are serialized by
// a per-branch lock.
type Manager struct {
	store     store.Store
	log       store.PublicationLog
	splits    store.SplitStore
	validator *Validator
	engine    *changes.Engine
	oids      extid.Provider
	clock     func() time.Time

	mu          sync.Mutex
	branchLocks map[layout.Branch]*sync.Mutex
}

// ManagerOption adjusts manager construction.
type ManagerOption func(*Manager)

// WithOidProvider sets the external identifier collaborator used at
// design-branch publication.
func WithOidProvider(provider extid.Provider) ManagerOption {
	return func(m *Manager) {
		if provider != nil {
			m.oids = provider
		}
	}
}

// WithManagerClock overrides the publication time source.
func WithManagerClock(clock func() time.Time) ManagerOption {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// NewManager wires a publication manager over its collaborators.
func NewManager(st store.Store, log store.PublicationLog, splits store.SplitStore, validator *Validator, engine *changes.Engine, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:       st,
		log:         log,
		splits:      splits,
		validator:   validator,
		engine:      engine,
		oids:        extid.NoopProvider(),
		clock:       time.Now,
		branchLocks: make(map[layout.Branch]*sync.Mutex),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m *Manager) branchLock(branch layout.Branch) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.branchLocks[branch]
	if !ok {
		lock = &sync.Mutex{}
		m.branchLocks[branch] = lock
	}
	return lock
}

// PublishRequest names what to publish. Nil Refs publishes every pending
// candidate on the branch.
type PublishRequest struct {
	Branch  layout.Branch
	Refs    []layout.Ref
	Message string
	Cause   store.PublicationCause
}

// PublishResult reports the outcome. A blocked validation leaves
// PublicationID empty and carries the full issue list.
type PublishResult struct {
	PublicationID string              `json:"publicationId,omitempty"`
	Versions      []layout.RowVersion `json:"versions,omitempty"`
	Validation    ValidationResult    `json:"validation"`
}

// Publish validates and commits a draft set: the refs are closed over their
// dependencies, validated as one unit, atomically promoted to official, and
// the derived calculated changes are persisted with the publication record.
func (m *Manager) Publish(ctx context.Context, req PublishRequest) (*PublishResult, error) {
	lock := m.branchLock(req.Branch)
	lock.Lock()
	defer lock.Unlock()
	return m.publishLocked(ctx, req)
}

func (m *Manager) publishLocked(ctx context.Context, req PublishRequest) (*PublishResult, error) {
	started := time.Now()
	logger := common.Logger()
	committer, ok := m.store.(store.Committer)
	if !ok {
		return nil, fmt.Errorf("publish on %s: store cannot commit atomically", req.Branch)
	}
	if err := telemetry.CheckMemoryBudget("publication"); err != nil {
		return nil, fmt.Errorf("publish on %s: %w", req.Branch, err)
	}
	candidates, err := CollectCandidates(ctx, m.store, req.Branch)
	if err != nil {
		return nil, err
	}
	requested := req.Refs
	if requested == nil {
		requested = candidates.Refs()
	}
	if len(requested) == 0 {
		return nil, fmt.Errorf("publish on %s: no candidates", req.Branch)
	}
	unit, err := ResolveDependencies(ctx, m.store, m.splits, candidates, requested)
	if err != nil {
		return nil, err
	}

	validation, err := m.validator.Validate(ctx, candidates, unit)
	if err != nil {
		return nil, err
	}
	if validation.Blocked() {
		logger.Info("publication: blocked by validation",
			"branch", req.Branch.String(), "assets", len(unit), "flagged", len(validation.Issues))
		return &PublishResult{Validation: validation}, nil
	}

	// Identifier issuance happens before any row moves; a registry failure
	// aborts the publish with nothing half-migrated.
	if !req.Branch.IsMain() {
		if err := m.assignOids(ctx, req.Branch, candidates, unit); err != nil {
			return nil, fmt.Errorf("publish on %s: %w", req.Branch, err)
		}
	}

	// Calculated changes are derived from a view that overlays the unit's
	// drafts as already-official rows, so nothing has to be promoted before
	// the record is complete. Promotion, record and split completion then
	// land in one store transaction.
	moment := m.clock()
	startMoment := m.previousPublication(ctx, req.Branch)
	preview := newPublishedView(m.store, req.Branch, moment, candidates, unit)
	calc, err := m.engine.WithSource(preview).Between(ctx, changeRequest(req.Branch, unit, candidates, startMoment, moment))
	if err != nil {
		return nil, fmt.Errorf("publish on %s: calculated changes: %w", req.Branch, err)
	}
	splitIDs, err := m.pendingSplitIDs(ctx, req.Branch, unit)
	if err != nil {
		return nil, err
	}

	pub := store.Publication{
		ID:          uuid.NewString(),
		Branch:      req.Branch,
		Message:     req.Message,
		Cause:       req.Cause,
		PublishedAt: moment,
		Changes:     calc,
	}
	pub, err = committer.CommitPublication(ctx, unit, pub, splitIDs)
	if err != nil {
		return nil, fmt.Errorf("publish on %s: %w", req.Branch, err)
	}

	telemetry.RecordPublication(string(req.Cause), len(pub.Versions), time.Since(started))
	logger.Info("publication: committed",
		"branch", req.Branch.String(), "publication", pub.ID,
		"assets", len(pub.Versions), "cause", string(req.Cause))
	return &PublishResult{PublicationID: pub.ID, Versions: pub.Versions, Validation: validation}, nil
}

// assignOids issues external identifiers for unit members that never had one.
// Reference lines carry no identifier of their own.
func (m *Manager) assignOids(ctx context.Context, branch layout.Branch, candidates Candidates, unit []layout.Ref) error {
	for _, ref := range unit {
		cand := candidates.Find(ref)
		if cand == nil {
			continue
		}
		current, assignable := oidOf(cand.Asset)
		if !assignable || current != "" {
			continue
		}
		oid, err := m.oids.AssignOid(ctx, ref.Kind, ref.ID)
		if err != nil {
			return fmt.Errorf("assign oid for %s: %w", ref, err)
		}
		if oid == "" {
			continue
		}
		updated := withOid(cand.Asset, oid)
		if _, err := m.store.SaveDraft(ctx, branch, updated); err != nil {
			return fmt.Errorf("record oid for %s: %w", ref, err)
		}
		cand.Asset = updated
	}
	return nil
}

func (m *Manager) previousPublication(ctx context.Context, branch layout.Branch) time.Time {
	pubs, err := m.log.ListPublications(ctx, branch)
	if err != nil || len(pubs) == 0 {
		return time.Time{}
	}
	return pubs[len(pubs)-1].PublishedAt
}

// pendingSplitIDs lists the splits the unit's location tracks participate in,
// deduplicated, for the commit to mark done.
func (m *Manager) pendingSplitIDs(ctx context.Context, branch layout.Branch, unit []layout.Ref) ([]string, error) {
	if m.splits == nil {
		return nil, nil
	}
	seen := make(map[string]struct{})
	var ids []string
	for _, ref := range unit {
		if ref.Kind != layout.KindLocationTrack {
			continue
		}
		split, err := m.splits.PendingSplitForTrack(ctx, branch, ref.ID)
		if err != nil {
			return nil, fmt.Errorf("finish splits on %s: %w", branch, err)
		}
		if split == nil {
			continue
		}
		if _, done := seen[split.ID]; done {
			continue
		}
		seen[split.ID] = struct{}{}
		ids = append(ids, split.ID)
	}
	return ids, nil
}

// changeRequest maps a published unit onto the calculated-changes request:
// reference line and km post edits surface through their track number.
func changeRequest(branch layout.Branch, unit []layout.Ref, candidates Candidates, start, end time.Time) changes.Request {
	req := changes.Request{Branch: branch, StartMoment: start, EndMoment: end}
	tnSeen := make(map[layout.AssetID]struct{})
	addTN := func(id layout.AssetID) {
		if id == "" {
			return
		}
		if _, ok := tnSeen[id]; ok {
			return
		}
		tnSeen[id] = struct{}{}
		req.TrackNumberIDs = append(req.TrackNumberIDs, id)
	}
	for _, ref := range unit {
		switch ref.Kind {
		case layout.KindTrackNumber:
			addTN(ref.ID)
		case layout.KindReferenceLine, layout.KindKmPost:
			if cand := candidates.Find(ref); cand != nil {
				addTN(trackNumberOf(cand.Asset))
			}
		case layout.KindLocationTrack:
			req.LocationTrackIDs = append(req.LocationTrackIDs, ref.ID)
		case layout.KindSwitch:
			req.SwitchIDs = append(req.SwitchIDs, ref.ID)
		}
	}
	return req
}

// Merge re-plays a design branch's published state as main drafts and pushes
// them through the regular publish path. Design publications without a parent
// are linked to the resulting main publication.
func (m *Manager) Merge(ctx context.Context, designID layout.DesignID, message string) (*PublishResult, error) {
	design := layout.DesignBranch(designID)
	main := layout.MainBranch()
	designLock := m.branchLock(design)
	designLock.Lock()
	defer designLock.Unlock()

	var refs []layout.Ref
	for _, kind := range layout.AssetKinds() {
		rows, err := m.store.ListExact(ctx, kind, layout.Official(design))
		if err != nil {
			return nil, fmt.Errorf("merge %s: %w", design, err)
		}
		for _, asset := range rows {
			if _, err := m.store.SaveDraft(ctx, main, asset); err != nil {
				return nil, fmt.Errorf("merge %s: replay %s/%s: %w", design, kind, asset.AssetID(), err)
			}
			refs = append(refs, layout.Ref{Kind: kind, ID: asset.AssetID()})
		}
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("merge %s: no published design changes", design)
	}

	mainLock := m.branchLock(main)
	mainLock.Lock()
	defer mainLock.Unlock()
	result, err := m.publishLocked(ctx, PublishRequest{
		Branch:  main,
		Refs:    refs,
		Message: message,
		Cause:   store.CauseManual,
	})
	if err != nil || result.PublicationID == "" {
		return result, err
	}

	pubs, err := m.log.ListPublications(ctx, design)
	if err != nil {
		return nil, fmt.Errorf("merge %s: list publications: %w", design, err)
	}
	for _, pub := range pubs {
		if pub.ParentID != "" {
			continue
		}
		if err := m.log.SetParentPublication(ctx, pub.ID, result.PublicationID); err != nil {
			return nil, fmt.Errorf("merge %s: link publication %s: %w", design, pub.ID, err)
		}
	}
	common.Logger().Info("publication: design merged",
		"design", design.String(), "publication", result.PublicationID, "assets", len(refs))
	return result, nil
}

// Revert discards the draft rows of the refs and their dependency closure.
// Split records touching a reverted track are deleted outright.
func (m *Manager) Revert(ctx context.Context, branch layout.Branch, refs []layout.Ref) ([]layout.Ref, error) {
	lock := m.branchLock(branch)
	lock.Lock()
	defer lock.Unlock()

	candidates, err := CollectCandidates(ctx, m.store, branch)
	if err != nil {
		return nil, err
	}
	unit, err := ResolveDependencies(ctx, m.store, m.splits, candidates, refs)
	if err != nil {
		return nil, err
	}

	if m.splits != nil {
		seen := make(map[string]struct{})
		for _, ref := range unit {
			if ref.Kind != layout.KindLocationTrack {
				continue
			}
			split, err := m.splits.PendingSplitForTrack(ctx, branch, ref.ID)
			if err != nil {
				return nil, fmt.Errorf("revert on %s: %w", branch, err)
			}
			if split == nil {
				continue
			}
			if _, done := seen[split.ID]; done {
				continue
			}
			seen[split.ID] = struct{}{}
			if err := m.splits.DeleteSplit(ctx, split.ID); err != nil {
				return nil, fmt.Errorf("revert split %s: %w", split.ID, err)
			}
		}
	}

	for _, ref := range unit {
		if err := m.store.DeleteDraft(ctx, ref.Kind, ref.ID, branch); err != nil {
			return nil, fmt.Errorf("revert %s on %s: %w", ref, branch, err)
		}
	}
	common.Logger().Info("publication: drafts reverted",
		"branch", branch.String(), "assets", len(unit))
	return unit, nil
}

func oidOf(asset layout.Asset) (layout.Oid, bool) {
	switch a := asset.(type) {
	case *layout.TrackNumber:
		return a.Oid, true
	case *layout.LocationTrack:
		return a.Oid, true
	case *layout.Switch:
		return a.Oid, true
	case *layout.KmPost:
		return a.Oid, true
	}
	return "", false
}

func withOid(asset layout.Asset, oid layout.Oid) layout.Asset {
	switch a := asset.(type) {
	case *layout.TrackNumber:
		clone := *a
		clone.Oid = oid
		return &clone
	case *layout.LocationTrack:
		clone := *a
		clone.Oid = oid
		return &clone
	case *layout.Switch:
		clone := *a
		clone.Oid = oid
		return &clone
	case *layout.KmPost:
		clone := *a
		clone.Oid = oid
		return &clone
	}
	return asset
}
