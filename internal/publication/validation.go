// File path: internal/publication/validation.go
package publication

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/railforge/tracklayout/internal/common"
	"github.com/railforge/tracklayout/internal/common/telemetry"
	"github.com/railforge/tracklayout/internal/geocoding"
	"github.com/railforge/tracklayout/internal/layout"
	"github.com/railforge/tracklayout/internal/store"
)

// Severity grades a validation issue.
type Severity string

const (
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
	SeverityFatal   Severity = "FATAL"
)

// Issue is one validation finding. Key is a stable, localizable identifier;
// Params carry the values the message needs.
type Issue struct {
	Severity Severity          `json:"severity"`
	Key      string            `json:"key"`
	Params   map[string]string `json:"params,omitempty"`
}

// AssetIssues groups the issues found for one asset.
type AssetIssues struct {
	Ref    layout.Ref `json:"ref"`
	Issues []Issue    `json:"issues"`
}

// Status is the terminal state of a validation run.
type Status string

const (
	StatusPass    Status = "PASS"
	StatusBlocked Status = "BLOCKED"
)

// ValidationResult aggregates a whole run. Warnings alone still pass; any
// error or fatal blocks.
type ValidationResult struct {
	Status Status        `json:"status"`
	Issues []AssetIssues `json:"issues,omitempty"`
}

// Blocked reports whether the unit may not be published.
func (r ValidationResult) Blocked() bool { return r.Status == StatusBlocked }

// IssuesFor returns the issues recorded for one asset.
func (r ValidationResult) IssuesFor(ref layout.Ref) []Issue {
	for _, ai := range r.Issues {
		if ai.Ref == ref {
			return ai.Issues
		}
	}
	return nil
}

// HasIssue reports whether any asset carries an issue with the key.
func (r ValidationResult) HasIssue(key string) bool {
	for _, ai := range r.Issues {
		for _, issue := range ai.Issues {
			if issue.Key == key {
				return true
			}
		}
	}
	return false
}

// Validation issue keys.
const (
	KeyDuplicateNameOfficial     = "duplicate-name-official"
	KeyDuplicateNameDraft        = "duplicate-name-draft"
	KeyTrackNumberNotPublished   = "track-number-not-published"
	KeyTrackNumberDeleted        = "track-number-deleted"
	KeyReferenceLineMissing      = "reference-line-missing"
	KeyGeometryMissing           = "geometry-missing"
	KeyNoGeocodingContext        = "no-geocoding-context"
	KeyDuplicateOfNotPublished   = "duplicate-of-not-published"
	KeyDuplicateOfDeleted        = "duplicate-of-deleted"
	KeySwitchNotPublished        = "switch-not-published"
	KeySwitchAlignmentNotLinked  = "switch-alignment-not-connected"
	KeySwitchAlignmentDuplicates = "switch-alignment-duplicate-only"
	KeySwitchAlignmentOverLinked = "switch-alignment-multiply-connected"
	KeySwitchFrontJointNotLinked = "switch-front-joint-not-connected"
	KeySwitchFrontJointDuplicate = "switch-front-joint-duplicate-only"
	KeySplitMissingTracks        = "split-missing-location-tracks"
	KeySplitGeometryChanged      = "split-geometry-changed"
)

// Validator runs structural, topological and naming checks over a candidate
// unit before it may be published.
type Validator struct {
	store      store.Store
	splits     store.SplitStore
	resolution float64
}

// ValidatorOption adjusts validator construction.
type ValidatorOption func(*Validator)

// WithValidationResolution overrides the address sampling interval.
func WithValidationResolution(resolution float64) ValidatorOption {
	return func(v *Validator) {
		if resolution > 0 {
			v.resolution = resolution
		}
	}
}

// NewValidator builds a validator over the given store and split records.
func NewValidator(st store.Store, splits store.SplitStore, opts ...ValidatorOption) *Validator {
	v := &Validator{store: st, splits: splits, resolution: 1}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// unitView resolves assets the way the publication unit will see them after
// commit: selected drafts overlay the branch's official state. Lookups are
// cached for the lifetime of one validation run.
type unitView struct {
	ctx      context.Context
	store    store.Store
	branch   layout.Branch
	selected map[layout.Ref]*Candidate

	mu       sync.Mutex
	assets   map[layout.Ref]layout.Asset
	lists    map[layout.AssetKind][]layout.Asset
	contexts map[layout.AssetID]*geocoding.Context
}

func newUnitView(ctx context.Context, st store.Store, candidates Candidates, selected []layout.Ref) *unitView {
	sel := make(map[layout.Ref]*Candidate, len(selected))
	for _, ref := range selected {
		sel[ref] = candidates.Find(ref)
	}
	return &unitView{
		ctx:      ctx,
		store:    st,
		branch:   candidates.Branch,
		selected: sel,
		assets:   make(map[layout.Ref]layout.Asset),
		lists:    make(map[layout.AssetKind][]layout.Asset),
		contexts: make(map[layout.AssetID]*geocoding.Context),
	}
}

func (u *unitView) asset(kind layout.AssetKind, id layout.AssetID) (layout.Asset, error) {
	ref := layout.Ref{Kind: kind, ID: id}
	if cand, ok := u.selected[ref]; ok && cand != nil {
		return cand.Asset, nil
	}
	u.mu.Lock()
	cached, ok := u.assets[ref]
	u.mu.Unlock()
	if ok {
		return cached, nil
	}
	asset, err := u.store.Fetch(u.ctx, kind, id, layout.Official(u.branch))
	if err != nil {
		return nil, err
	}
	u.mu.Lock()
	u.assets[ref] = asset
	u.mu.Unlock()
	return asset, nil
}

// list returns every asset of the kind the unit will see, selected drafts
// replacing their official rows.
func (u *unitView) list(kind layout.AssetKind) ([]layout.Asset, error) {
	u.mu.Lock()
	cached, ok := u.lists[kind]
	u.mu.Unlock()
	if ok {
		return cached, nil
	}
	official, err := u.store.List(u.ctx, kind, layout.Official(u.branch))
	if err != nil {
		return nil, err
	}
	byID := make(map[layout.AssetID]layout.Asset, len(official))
	for _, asset := range official {
		byID[asset.AssetID()] = asset
	}
	for ref, cand := range u.selected {
		if ref.Kind == kind && cand != nil {
			byID[ref.ID] = cand.Asset
		}
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
	u.mu.Lock()
	u.lists[kind] = assets
	u.mu.Unlock()
	return assets, nil
}

// geocodingContext builds the unit's addressing for a track number, nil when
// the track number has no usable reference line.
func (u *unitView) geocodingContext(trackNumberID layout.AssetID) (*geocoding.Context, error) {
	u.mu.Lock()
	cached, ok := u.contexts[trackNumberID]
	u.mu.Unlock()
	if ok {
		return cached, nil
	}
	gctx, err := u.buildGeocodingContext(trackNumberID)
	if err != nil {
		return nil, err
	}
	u.mu.Lock()
	u.contexts[trackNumberID] = gctx
	u.mu.Unlock()
	return gctx, nil
}

func (u *unitView) buildGeocodingContext(trackNumberID layout.AssetID) (*geocoding.Context, error) {
	lines, err := u.list(layout.KindReferenceLine)
	if err != nil {
		return nil, err
	}
	var refLine *layout.ReferenceLine
	for _, asset := range lines {
		if line, ok := asset.(*layout.ReferenceLine); ok && line.TrackNumberID == trackNumberID {
			refLine = line
			break
		}
	}
	if refLine == nil {
		return nil, nil
	}
	posts, err := u.list(layout.KindKmPost)
	if err != nil {
		return nil, err
	}
	var kmPosts []layout.KmPost
	for _, asset := range posts {
		if post, ok := asset.(*layout.KmPost); ok && post.TrackNumberID == trackNumberID && !post.State.Deleted() {
			kmPosts = append(kmPosts, *post)
		}
	}
	gctx, err := geocoding.NewContext(refLine, kmPosts)
	if err != nil {
		return nil, nil
	}
	return gctx, nil
}

// validateParallelism bounds the per-asset validation fan-out.
const validateParallelism = 8

// Validate runs every check over the selected subset of the candidates.
func (v *Validator) Validate(ctx context.Context, candidates Candidates, selected []layout.Ref) (ValidationResult, error) {
	ctx, finish := telemetry.StartSpan(ctx, "publication.validate")
	view := newUnitView(ctx, v.store, candidates, selected)
	collector := &issueCollector{byRef: make(map[layout.Ref][]Issue)}

	if err := v.checkDuplicateNames(view, collector); err != nil {
		return ValidationResult{}, err
	}
	if err := v.checkSplits(ctx, view, collector); err != nil {
		return ValidationResult{}, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(validateParallelism)
	for ref, cand := range view.selected {
		if cand == nil {
			continue
		}
		ref, cand := ref, cand
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			issues, err := v.validateAsset(view, cand)
			if err != nil {
				return fmt.Errorf("validate %s: %w", ref, err)
			}
			collector.add(ref, issues...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ValidationResult{}, err
	}

	result := collector.result()
	finish("assets", len(view.selected), "flagged", len(result.Issues))
	common.Logger().Debug("publication: validation finished",
		"branch", candidates.Branch.String(), "assets", len(view.selected),
		"status", string(result.Status), "flagged", len(result.Issues))
	return result, nil
}

type issueCollector struct {
	mu    sync.Mutex
	byRef map[layout.Ref][]Issue
}

func (c *issueCollector) add(ref layout.Ref, issues ...Issue) {
	if len(issues) == 0 {
		return
	}
	c.mu.Lock()
	c.byRef[ref] = append(c.byRef[ref], issues...)
	c.mu.Unlock()
}

func (c *issueCollector) result() ValidationResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	refs := make([]layout.Ref, 0, len(c.byRef))
	for ref := range c.byRef {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Kind != refs[j].Kind {
			return refs[i].Kind < refs[j].Kind
		}
		return refs[i].ID < refs[j].ID
	})
	result := ValidationResult{Status: StatusPass}
	counts := make(map[Severity]int)
	for _, ref := range refs {
		issues := c.byRef[ref]
		result.Issues = append(result.Issues, AssetIssues{Ref: ref, Issues: issues})
		for _, issue := range issues {
			counts[issue.Severity]++
			if issue.Severity != SeverityWarning {
				result.Status = StatusBlocked
			}
		}
	}
	for severity, count := range counts {
		telemetry.RecordValidationIssues(string(severity), count)
	}
	return result
}

// checkDuplicateNames flags a selected draft colliding with an official name
// and two selected drafts claiming the same name, as distinct findings.
func (v *Validator) checkDuplicateNames(view *unitView, collector *issueCollector) error {
	for _, kind := range []layout.AssetKind{layout.KindTrackNumber, layout.KindLocationTrack, layout.KindSwitch} {
		official, err := view.store.List(view.ctx, kind, layout.Official(view.branch))
		if err != nil {
			return fmt.Errorf("duplicate name check %s: %w", kind, err)
		}
		officialNames := make(map[string]layout.AssetID, len(official))
		for _, asset := range official {
			if !asset.AssetState().Deleted() {
				officialNames[asset.AssetName()] = asset.AssetID()
			}
		}
		draftNames := make(map[string][]layout.Ref)
		for ref, cand := range view.selected {
			if ref.Kind != kind || cand == nil || cand.Asset.AssetState().Deleted() {
				continue
			}
			name := cand.Asset.AssetName()
			draftNames[name] = append(draftNames[name], ref)
			if officialID, ok := officialNames[name]; ok && officialID != ref.ID {
				// The colliding official may itself be deleted within this
				// unit, which resolves the clash.
				if other, deleted := view.selected[layout.Ref{Kind: kind, ID: officialID}]; !deleted || other == nil || !other.Asset.AssetState().Deleted() {
					collector.add(ref, Issue{
						Severity: SeverityFatal,
						Key:      KeyDuplicateNameOfficial,
						Params:   map[string]string{"name": name, "conflictingId": string(officialID)},
					})
				}
			}
		}
		for name, refs := range draftNames {
			if len(refs) < 2 {
				continue
			}
			for _, ref := range refs {
				collector.add(ref, Issue{
					Severity: SeverityFatal,
					Key:      KeyDuplicateNameDraft,
					Params:   map[string]string{"name": name},
				})
			}
		}
	}
	return nil
}

// checkSplits enforces the atomicity and frozen-geometry invariants of every
// split the unit touches.
func (v *Validator) checkSplits(ctx context.Context, view *unitView, collector *issueCollector) error {
	if v.splits == nil {
		return nil
	}
	seen := make(map[string]struct{})
	for ref := range view.selected {
		if ref.Kind != layout.KindLocationTrack {
			continue
		}
		split, err := v.splits.PendingSplitForTrack(ctx, view.branch, ref.ID)
		if err != nil {
			return fmt.Errorf("split check %s: %w", ref, err)
		}
		if split == nil {
			continue
		}
		if _, done := seen[split.ID]; done {
			continue
		}
		seen[split.ID] = struct{}{}
		sourceRef := layout.Ref{Kind: layout.KindLocationTrack, ID: split.SourceTrackID}

		var missing []string
		for _, trackID := range split.Tracks() {
			if _, ok := view.selected[layout.Ref{Kind: layout.KindLocationTrack, ID: trackID}]; !ok {
				missing = append(missing, string(trackID))
			}
		}
		for _, switchID := range split.RelinkedSwitchIDs {
			if _, ok := view.selected[layout.Ref{Kind: layout.KindSwitch, ID: switchID}]; !ok {
				missing = append(missing, string(switchID))
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			collector.add(sourceRef, Issue{
				Severity: SeverityFatal,
				Key:      KeySplitMissingTracks,
				Params:   map[string]string{"splitId": split.ID, "missing": joinIDs(missing)},
			})
		}

		if err := v.checkSplitGeometry(view, split, collector); err != nil {
			return err
		}
	}
	return nil
}

// checkSplitGeometry verifies that no participating track's geometry moved
// since the split was recorded.
func (v *Validator) checkSplitGeometry(view *unitView, split *store.Split, collector *issueCollector) error {
	verify := func(trackID layout.AssetID, want string) error {
		if want == "" {
			return nil
		}
		asset, err := view.asset(layout.KindLocationTrack, trackID)
		if err != nil {
			return err
		}
		track, _ := asset.(*layout.LocationTrack)
		if track == nil {
			return nil
		}
		if track.Geometry.Fingerprint() != want {
			collector.add(layout.Ref{Kind: layout.KindLocationTrack, ID: trackID}, Issue{
				Severity: SeverityFatal,
				Key:      KeySplitGeometryChanged,
				Params:   map[string]string{"splitId": split.ID},
			})
		}
		return nil
	}
	if err := verify(split.SourceTrackID, split.SourceFingerprint); err != nil {
		return err
	}
	for trackID, want := range split.TargetFingerprints {
		if err := verify(trackID, want); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) validateAsset(view *unitView, cand *Candidate) ([]Issue, error) {
	switch asset := cand.Asset.(type) {
	case *layout.TrackNumber:
		return v.validateTrackNumber(view, asset)
	case *layout.ReferenceLine:
		return v.validateReferenceLine(view, asset)
	case *layout.KmPost:
		return v.validateKmPost(view, asset)
	case *layout.LocationTrack:
		return v.validateLocationTrack(view, asset)
	case *layout.Switch:
		return v.validateSwitch(view, asset)
	}
	return nil, fmt.Errorf("unknown asset kind %s", cand.Ref.Kind)
}

func (v *Validator) validateTrackNumber(view *unitView, tn *layout.TrackNumber) ([]Issue, error) {
	if tn.State.Deleted() {
		return nil, nil
	}
	gctx, err := view.geocodingContext(tn.ID)
	if err != nil {
		return nil, err
	}
	if gctx == nil {
		return []Issue{{Severity: SeverityError, Key: KeyReferenceLineMissing, Params: map[string]string{"trackNumber": tn.Number}}}, nil
	}
	var issues []Issue
	for _, diag := range gctx.Diagnostics() {
		issues = append(issues, Issue{Severity: SeverityWarning, Key: diag.Code, Params: diag.Params})
	}
	return issues, nil
}

func (v *Validator) validateReferenceLine(view *unitView, line *layout.ReferenceLine) ([]Issue, error) {
	var issues []Issue
	if line.Geometry.Empty() {
		issues = append(issues, Issue{Severity: SeverityError, Key: KeyGeometryMissing})
	}
	parent, err := v.parentIssue(view, line.TrackNumberID)
	if err != nil {
		return nil, err
	}
	issues = append(issues, parent...)
	return issues, nil
}

func (v *Validator) validateKmPost(view *unitView, post *layout.KmPost) ([]Issue, error) {
	if post.State.Deleted() {
		return nil, nil
	}
	return v.parentIssue(view, post.TrackNumberID)
}

func (v *Validator) validateLocationTrack(view *unitView, track *layout.LocationTrack) ([]Issue, error) {
	if track.State.Deleted() {
		return nil, nil
	}
	issues, err := v.parentIssue(view, track.TrackNumberID)
	if err != nil {
		return nil, err
	}

	if track.DuplicateOf != "" {
		target, err := view.asset(layout.KindLocationTrack, track.DuplicateOf)
		if err != nil {
			return nil, err
		}
		switch {
		case target == nil:
			issues = append(issues, Issue{Severity: SeverityError, Key: KeyDuplicateOfNotPublished,
				Params: map[string]string{"duplicateOf": string(track.DuplicateOf)}})
		case target.AssetState().Deleted():
			issues = append(issues, Issue{Severity: SeverityError, Key: KeyDuplicateOfDeleted,
				Params: map[string]string{"duplicateOf": string(track.DuplicateOf)}})
		}
	}

	for _, switchID := range track.LinkedSwitchIDs() {
		sw, err := view.asset(layout.KindSwitch, switchID)
		if err != nil {
			return nil, err
		}
		if sw == nil || sw.AssetState().Deleted() {
			issues = append(issues, Issue{Severity: SeverityError, Key: KeySwitchNotPublished,
				Params: map[string]string{"switchId": string(switchID)}})
		}
	}

	gctx, err := view.geocodingContext(track.TrackNumberID)
	if err != nil {
		return nil, err
	}
	if gctx == nil {
		issues = append(issues, Issue{Severity: SeverityError, Key: KeyNoGeocodingContext,
			Params: map[string]string{"trackNumberId": string(track.TrackNumberID)}})
		return issues, nil
	}
	if !track.Geometry.Empty() {
		addresses := gctx.AlignmentAddresses(track.Geometry, v.resolution)
		for _, diag := range geocoding.CheckAddressGeometry(addresses) {
			issues = append(issues, Issue{Severity: SeverityWarning, Key: diag.Code, Params: diag.Params})
		}
	}
	return issues, nil
}

// validateSwitch checks alignment connectivity: every alignment side needs
// exactly one connecting non-duplicate track, and the front joint must have
// a track continuing from it. A topological-only continuation is acceptable,
// a duplicate-only one is not.
func (v *Validator) validateSwitch(view *unitView, sw *layout.Switch) ([]Issue, error) {
	if sw.State.Deleted() {
		return nil, nil
	}
	assets, err := view.list(layout.KindLocationTrack)
	if err != nil {
		return nil, err
	}
	var tracks []*layout.LocationTrack
	for _, asset := range assets {
		if track, ok := asset.(*layout.LocationTrack); ok && !track.State.Deleted() {
			tracks = append(tracks, track)
		}
	}

	var issues []Issue
	for i, alignment := range sw.Alignments {
		if len(alignment.Joints) == 0 {
			continue
		}
		for _, joint := range []layout.JointNumber{alignment.Joints[0], alignment.Joints[len(alignment.Joints)-1]} {
			direct, duplicate := 0, 0
			for _, track := range tracks {
				if !segmentLinksJoint(track, sw.ID, joint) {
					continue
				}
				if track.DuplicateOf != "" {
					duplicate++
				} else {
					direct++
				}
			}
			if direct == 1 {
				continue
			}
			key := KeySwitchAlignmentNotLinked
			switch {
			case direct > 1:
				key = KeySwitchAlignmentOverLinked
			case duplicate > 0:
				key = KeySwitchAlignmentDuplicates
			}
			issues = append(issues, Issue{Severity: SeverityError, Key: key,
				Params: map[string]string{"alignment": fmt.Sprintf("%d", i), "joint": fmt.Sprintf("%d", joint)}})
		}
	}

	front, frontDuplicate := 0, 0
	for _, track := range tracks {
		if !track.LinksJoint(sw.ID, sw.PresentationJoint) {
			continue
		}
		if track.DuplicateOf != "" {
			frontDuplicate++
		} else {
			front++
		}
	}
	if front == 0 {
		key := KeySwitchFrontJointNotLinked
		if frontDuplicate > 0 {
			key = KeySwitchFrontJointDuplicate
		}
		issues = append(issues, Issue{Severity: SeverityError, Key: key,
			Params: map[string]string{"joint": fmt.Sprintf("%d", sw.PresentationJoint)}})
	}
	return issues, nil
}

func segmentLinksJoint(track *layout.LocationTrack, switchID layout.AssetID, joint layout.JointNumber) bool {
	for _, link := range track.SwitchLinks {
		if link.SwitchID == switchID && (link.StartJoint == joint || link.EndJoint == joint) {
			return true
		}
	}
	return false
}

// parentIssue checks that the asset's track number will exist, undeleted, in
// the target context.
func (v *Validator) parentIssue(view *unitView, trackNumberID layout.AssetID) ([]Issue, error) {
	tn, err := view.asset(layout.KindTrackNumber, trackNumberID)
	if err != nil {
		return nil, err
	}
	switch {
	case tn == nil:
		return []Issue{{Severity: SeverityError, Key: KeyTrackNumberNotPublished,
			Params: map[string]string{"trackNumberId": string(trackNumberID)}}}, nil
	case tn.AssetState().Deleted():
		return []Issue{{Severity: SeverityError, Key: KeyTrackNumberDeleted,
			Params: map[string]string{"trackNumberId": string(trackNumberID)}}}, nil
	}
	return nil, nil
}

func joinIDs(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		out += id
	}
	return out
}
