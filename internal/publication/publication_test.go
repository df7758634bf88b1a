// File path: internal/publication/publication_test.go
package publication

import (
	"context"
	"testing"
	"time"

	"github.com/paulmach/orb"

	"github.com/railforge/tracklayout/internal/changes"
	"github.com/railforge/tracklayout/internal/extid"
	"github.com/railforge/tracklayout/internal/layout"
	"github.com/railforge/tracklayout/internal/store"
	"github.com/railforge/tracklayout/internal/store/memory"
)

type env struct {
	store   *memory.Store
	manager *Manager
	oids    *extid.FakeProvider
	now     time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{now: time.Unix(10000, 0)}
	clock := func() time.Time {
		e.now = e.now.Add(time.Minute)
		return e.now
	}
	e.store = memory.NewStore(memory.WithClock(clock))
	e.oids = extid.NewFakeProvider("")
	validator := NewValidator(e.store, e.store, WithValidationResolution(100))
	engine := changes.NewEngine(e.store, changes.WithResolution(100))
	e.manager = NewManager(e.store, e.store, e.store, validator, engine,
		WithOidProvider(e.oids), WithManagerClock(clock))
	return e
}

func straightLine(t *testing.T, from, to float64) layout.Alignment {
	t.Helper()
	seg, err := layout.NewSegment([]orb.Point{{from, 0}, {to, 0}})
	if err != nil {
		t.Fatalf("segment: %v", err)
	}
	a, err := layout.NewAlignment(seg)
	if err != nil {
		t.Fatalf("alignment: %v", err)
	}
	return a
}

func (e *env) draft(t *testing.T, branch layout.Branch, asset layout.Asset) {
	t.Helper()
	if _, err := e.store.SaveDraft(context.Background(), branch, asset); err != nil {
		t.Fatalf("SaveDraft %s/%s: %v", asset.AssetKind(), asset.AssetID(), err)
	}
}

// draftNetwork saves a publishable track number, reference line and location
// track as drafts on the branch.
func (e *env) draftNetwork(t *testing.T, branch layout.Branch, number string) {
	t.Helper()
	e.draft(t, branch, &layout.TrackNumber{ID: "tn-1", Number: number, State: layout.StateInUse})
	e.draft(t, branch, &layout.ReferenceLine{
		ID:            "rl-1",
		TrackNumberID: "tn-1",
		StartAddress:  layout.TrackMeter{Km: layout.KmNumber{Number: 0}},
		Geometry:      straightLine(t, 0, 2000),
	})
	e.draft(t, branch, &layout.LocationTrack{
		ID:            "lt-1",
		TrackNumberID: "tn-1",
		Name:          number + " main track",
		State:         layout.StateInUse,
		Geometry:      straightLine(t, 0, 1000),
	})
}

func ref(kind layout.AssetKind, id layout.AssetID) layout.Ref {
	return layout.Ref{Kind: kind, ID: id}
}

func TestResolveDependenciesPullsParents(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	main := layout.MainBranch()
	e.draftNetwork(t, main, "001")

	candidates, err := CollectCandidates(ctx, e.store, main)
	if err != nil {
		t.Fatalf("CollectCandidates: %v", err)
	}
	if len(candidates.All) != 3 {
		t.Fatalf("expected 3 candidates, got %+v", candidates.All)
	}
	for _, cand := range candidates.All {
		if cand.Operation != OperationCreate {
			t.Fatalf("expected CREATE, got %+v", cand)
		}
	}

	unit, err := ResolveDependencies(ctx, e.store, e.store, candidates, []layout.Ref{ref(layout.KindLocationTrack, "lt-1")})
	if err != nil {
		t.Fatalf("ResolveDependencies: %v", err)
	}
	want := []layout.Ref{
		ref(layout.KindTrackNumber, "tn-1"),
		ref(layout.KindReferenceLine, "rl-1"),
		ref(layout.KindLocationTrack, "lt-1"),
	}
	if len(unit) != len(want) {
		t.Fatalf("unit = %v, want %v", unit, want)
	}
	for i := range want {
		if unit[i] != want[i] {
			t.Fatalf("unit = %v, want %v", unit, want)
		}
	}

	if _, err := ResolveDependencies(ctx, e.store, e.store, candidates, []layout.Ref{ref(layout.KindSwitch, "sw-9")}); err == nil {
		t.Fatal("expected error for non-candidate ref")
	}
}

func TestValidationDuplicateNames(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	main := layout.MainBranch()

	e.draftNetwork(t, main, "001")
	if _, err := e.manager.Publish(ctx, PublishRequest{Branch: main, Message: "seed", Cause: store.CauseManual}); err != nil {
		t.Fatalf("seed publish: %v", err)
	}

	e.draft(t, main, &layout.TrackNumber{ID: "tn-2", Number: "001", State: layout.StateInUse})
	e.draft(t, main, &layout.TrackNumber{ID: "tn-3", Number: "002", State: layout.StateInUse})
	e.draft(t, main, &layout.TrackNumber{ID: "tn-4", Number: "002", State: layout.StateInUse})

	candidates, err := CollectCandidates(ctx, e.store, main)
	if err != nil {
		t.Fatalf("CollectCandidates: %v", err)
	}
	validator := NewValidator(e.store, e.store)
	result, err := validator.Validate(ctx, candidates, candidates.Refs())
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !result.Blocked() {
		t.Fatal("expected blocked validation")
	}
	if !result.HasIssue(KeyDuplicateNameOfficial) {
		t.Fatalf("expected %s, got %+v", KeyDuplicateNameOfficial, result.Issues)
	}
	if !result.HasIssue(KeyDuplicateNameDraft) {
		t.Fatalf("expected %s, got %+v", KeyDuplicateNameDraft, result.Issues)
	}
	for _, issue := range result.IssuesFor(ref(layout.KindTrackNumber, "tn-2")) {
		if issue.Key == KeyDuplicateNameDraft {
			t.Fatal("official collision must not double as a draft collision")
		}
	}
}

func TestValidationSplitMissingTracks(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	main := layout.MainBranch()
	e.draftNetwork(t, main, "001")
	if _, err := e.manager.Publish(ctx, PublishRequest{Branch: main, Message: "seed", Cause: store.CauseManual}); err != nil {
		t.Fatalf("seed publish: %v", err)
	}

	source := &layout.LocationTrack{
		ID: "lt-1", TrackNumberID: "tn-1", Name: "001 main track",
		State: layout.StateDeleted, Geometry: straightLine(t, 0, 1000),
	}
	target := &layout.LocationTrack{
		ID: "lt-2", TrackNumberID: "tn-1", Name: "001 south",
		State: layout.StateInUse, Geometry: straightLine(t, 0, 500),
	}
	e.draft(t, main, source)
	e.draft(t, main, target)
	split := store.Split{
		ID:                "split-1",
		Branch:            main,
		SourceTrackID:     "lt-1",
		TargetTrackIDs:    []layout.AssetID{"lt-2"},
		SourceFingerprint: source.Geometry.Fingerprint(),
		TargetFingerprints: map[layout.AssetID]string{
			"lt-2": target.Geometry.Fingerprint(),
		},
		CreatedAt: time.Unix(10000, 0),
	}
	if err := e.store.SaveSplit(ctx, split); err != nil {
		t.Fatalf("SaveSplit: %v", err)
	}

	candidates, err := CollectCandidates(ctx, e.store, main)
	if err != nil {
		t.Fatalf("CollectCandidates: %v", err)
	}
	validator := NewValidator(e.store, e.store)

	partial, err := validator.Validate(ctx, candidates, []layout.Ref{ref(layout.KindLocationTrack, "lt-1")})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !partial.Blocked() || !partial.HasIssue(KeySplitMissingTracks) {
		t.Fatalf("expected %s, got %+v", KeySplitMissingTracks, partial.Issues)
	}

	full, err := validator.Validate(ctx, candidates, []layout.Ref{
		ref(layout.KindLocationTrack, "lt-1"), ref(layout.KindLocationTrack, "lt-2"),
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if full.HasIssue(KeySplitMissingTracks) {
		t.Fatalf("complete unit must satisfy the split, got %+v", full.Issues)
	}
}

// turnout builds a two-joint switch whose single alignment runs 1-2 with the
// presentation joint at 1.
func turnout(id layout.AssetID, name string) *layout.Switch {
	return &layout.Switch{
		ID: id, Name: name, State: layout.StateInUse,
		Joints: []layout.SwitchJoint{
			{Number: 1, Location: orb.Point{500, 0}},
			{Number: 2, Location: orb.Point{600, 0}},
		},
		Alignments:        []layout.SwitchAlignment{{Joints: []layout.JointNumber{1, 2}}},
		PresentationJoint: 1,
	}
}

// throughTrack builds a track whose single segment links both joints of the
// switch.
func throughTrack(t *testing.T, id layout.AssetID, name string, switchID layout.AssetID) *layout.LocationTrack {
	t.Helper()
	return &layout.LocationTrack{
		ID: id, TrackNumberID: "tn-1", Name: name,
		State:    layout.StateInUse,
		Geometry: straightLine(t, 400, 700),
		SwitchLinks: map[int]layout.SegmentSwitchLink{
			0: {SwitchID: switchID, StartJoint: 1, EndJoint: 2},
		},
	}
}

func TestValidationSwitchNotConnected(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	main := layout.MainBranch()
	e.draftNetwork(t, main, "001")
	if _, err := e.manager.Publish(ctx, PublishRequest{Branch: main, Message: "seed", Cause: store.CauseManual}); err != nil {
		t.Fatalf("seed publish: %v", err)
	}

	e.draft(t, main, turnout("sw-1", "V001"))
	e.draft(t, main, throughTrack(t, "lt-2", "001 through", "sw-1"))
	candidates, err := CollectCandidates(ctx, e.store, main)
	if err != nil {
		t.Fatalf("CollectCandidates: %v", err)
	}
	validator := NewValidator(e.store, e.store)

	alone, err := validator.Validate(ctx, candidates, []layout.Ref{ref(layout.KindSwitch, "sw-1")})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !alone.Blocked() || !alone.HasIssue(KeySwitchAlignmentNotLinked) {
		t.Fatalf("expected %s, got %+v", KeySwitchAlignmentNotLinked, alone.Issues)
	}
	if !alone.HasIssue(KeySwitchFrontJointNotLinked) {
		t.Fatalf("expected %s, got %+v", KeySwitchFrontJointNotLinked, alone.Issues)
	}

	connected, err := validator.Validate(ctx, candidates, []layout.Ref{
		ref(layout.KindSwitch, "sw-1"), ref(layout.KindLocationTrack, "lt-2"),
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	for _, key := range []string{KeySwitchAlignmentNotLinked, KeySwitchFrontJointNotLinked} {
		if connected.HasIssue(key) {
			t.Fatalf("connected switch must not raise %s, got %+v", key, connected.Issues)
		}
	}
}

func TestValidationSwitchDuplicateOnly(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	main := layout.MainBranch()
	e.draftNetwork(t, main, "001")
	if _, err := e.manager.Publish(ctx, PublishRequest{Branch: main, Message: "seed", Cause: store.CauseManual}); err != nil {
		t.Fatalf("seed publish: %v", err)
	}

	dup := throughTrack(t, "lt-2", "001 dup", "sw-1")
	dup.DuplicateOf = "lt-1"
	e.draft(t, main, turnout("sw-1", "V001"))
	e.draft(t, main, dup)
	candidates, err := CollectCandidates(ctx, e.store, main)
	if err != nil {
		t.Fatalf("CollectCandidates: %v", err)
	}
	validator := NewValidator(e.store, e.store)

	result, err := validator.Validate(ctx, candidates, []layout.Ref{
		ref(layout.KindSwitch, "sw-1"), ref(layout.KindLocationTrack, "lt-2"),
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !result.HasIssue(KeySwitchAlignmentDuplicates) {
		t.Fatalf("expected %s, got %+v", KeySwitchAlignmentDuplicates, result.Issues)
	}
	if !result.HasIssue(KeySwitchFrontJointDuplicate) {
		t.Fatalf("expected %s, got %+v", KeySwitchFrontJointDuplicate, result.Issues)
	}
	if result.HasIssue(KeySwitchAlignmentNotLinked) || result.HasIssue(KeySwitchFrontJointNotLinked) {
		t.Fatalf("duplicate continuation must not report a missing one, got %+v", result.Issues)
	}
}

func TestValidationSwitchMultiplyConnected(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	main := layout.MainBranch()
	e.draftNetwork(t, main, "001")
	if _, err := e.manager.Publish(ctx, PublishRequest{Branch: main, Message: "seed", Cause: store.CauseManual}); err != nil {
		t.Fatalf("seed publish: %v", err)
	}

	e.draft(t, main, turnout("sw-1", "V001"))
	e.draft(t, main, throughTrack(t, "lt-2", "001 east", "sw-1"))
	e.draft(t, main, throughTrack(t, "lt-3", "001 west", "sw-1"))
	candidates, err := CollectCandidates(ctx, e.store, main)
	if err != nil {
		t.Fatalf("CollectCandidates: %v", err)
	}
	validator := NewValidator(e.store, e.store)

	result, err := validator.Validate(ctx, candidates, []layout.Ref{
		ref(layout.KindSwitch, "sw-1"),
		ref(layout.KindLocationTrack, "lt-2"),
		ref(layout.KindLocationTrack, "lt-3"),
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !result.HasIssue(KeySwitchAlignmentOverLinked) {
		t.Fatalf("expected %s, got %+v", KeySwitchAlignmentOverLinked, result.Issues)
	}
	if result.HasIssue(KeySwitchAlignmentNotLinked) {
		t.Fatalf("over-connected joint must not double as unconnected, got %+v", result.Issues)
	}
}

func TestValidationSplitGeometryChanged(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	main := layout.MainBranch()
	e.draftNetwork(t, main, "001")
	if _, err := e.manager.Publish(ctx, PublishRequest{Branch: main, Message: "seed", Cause: store.CauseManual}); err != nil {
		t.Fatalf("seed publish: %v", err)
	}

	source := &layout.LocationTrack{
		ID: "lt-1", TrackNumberID: "tn-1", Name: "001 main track",
		State: layout.StateDeleted, Geometry: straightLine(t, 0, 1100),
	}
	target := &layout.LocationTrack{
		ID: "lt-2", TrackNumberID: "tn-1", Name: "001 south",
		State: layout.StateInUse, Geometry: straightLine(t, 0, 500),
	}
	e.draft(t, main, source)
	e.draft(t, main, target)
	if err := e.store.SaveSplit(ctx, store.Split{
		ID: "split-1", Branch: main, SourceTrackID: "lt-1",
		TargetTrackIDs:    []layout.AssetID{"lt-2"},
		SourceFingerprint: straightLine(t, 0, 1000).Fingerprint(),
		TargetFingerprints: map[layout.AssetID]string{
			"lt-2": target.Geometry.Fingerprint(),
		},
		CreatedAt: time.Unix(10000, 0),
	}); err != nil {
		t.Fatalf("SaveSplit: %v", err)
	}

	candidates, err := CollectCandidates(ctx, e.store, main)
	if err != nil {
		t.Fatalf("CollectCandidates: %v", err)
	}
	validator := NewValidator(e.store, e.store)
	result, err := validator.Validate(ctx, candidates, []layout.Ref{
		ref(layout.KindLocationTrack, "lt-1"), ref(layout.KindLocationTrack, "lt-2"),
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !result.Blocked() || !result.HasIssue(KeySplitGeometryChanged) {
		t.Fatalf("expected %s, got %+v", KeySplitGeometryChanged, result.Issues)
	}
	var found bool
	for _, issue := range result.IssuesFor(ref(layout.KindLocationTrack, "lt-1")) {
		if issue.Key == KeySplitGeometryChanged && issue.Severity == SeverityFatal {
			found = true
		}
	}
	if !found {
		t.Fatalf("drifted source geometry must flag fatally, got %+v", result.Issues)
	}
}

func TestValidationDuplicateOfTargets(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	main := layout.MainBranch()
	e.draftNetwork(t, main, "001")
	if _, err := e.manager.Publish(ctx, PublishRequest{Branch: main, Message: "seed", Cause: store.CauseManual}); err != nil {
		t.Fatalf("seed publish: %v", err)
	}

	e.draft(t, main, &layout.LocationTrack{
		ID: "lt-1", TrackNumberID: "tn-1", Name: "001 main track",
		State: layout.StateDeleted, Geometry: straightLine(t, 0, 1000),
	})
	e.draft(t, main, &layout.LocationTrack{
		ID: "lt-2", TrackNumberID: "tn-1", Name: "001 north",
		State: layout.StateInUse, Geometry: straightLine(t, 0, 500),
		DuplicateOf: "lt-9",
	})
	e.draft(t, main, &layout.LocationTrack{
		ID: "lt-3", TrackNumberID: "tn-1", Name: "001 south",
		State: layout.StateInUse, Geometry: straightLine(t, 500, 1000),
		DuplicateOf: "lt-1",
	})

	candidates, err := CollectCandidates(ctx, e.store, main)
	if err != nil {
		t.Fatalf("CollectCandidates: %v", err)
	}
	validator := NewValidator(e.store, e.store)
	result, err := validator.Validate(ctx, candidates, []layout.Ref{
		ref(layout.KindLocationTrack, "lt-1"),
		ref(layout.KindLocationTrack, "lt-2"),
		ref(layout.KindLocationTrack, "lt-3"),
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !result.HasIssue(KeyDuplicateOfNotPublished) {
		t.Fatalf("expected %s for an absent target, got %+v", KeyDuplicateOfNotPublished, result.Issues)
	}
	if !result.HasIssue(KeyDuplicateOfDeleted) {
		t.Fatalf("expected %s for a deleted target, got %+v", KeyDuplicateOfDeleted, result.Issues)
	}
}

func TestValidationNoGeocodingContext(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	main := layout.MainBranch()

	e.draft(t, main, &layout.TrackNumber{ID: "tn-1", Number: "001", State: layout.StateInUse})
	e.draft(t, main, &layout.LocationTrack{
		ID: "lt-1", TrackNumberID: "tn-1", Name: "001 main track",
		State: layout.StateInUse, Geometry: straightLine(t, 0, 1000),
	})

	candidates, err := CollectCandidates(ctx, e.store, main)
	if err != nil {
		t.Fatalf("CollectCandidates: %v", err)
	}
	validator := NewValidator(e.store, e.store)
	result, err := validator.Validate(ctx, candidates, []layout.Ref{
		ref(layout.KindTrackNumber, "tn-1"), ref(layout.KindLocationTrack, "lt-1"),
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !result.Blocked() || !result.HasIssue(KeyReferenceLineMissing) {
		t.Fatalf("expected %s, got %+v", KeyReferenceLineMissing, result.Issues)
	}
	if !result.HasIssue(KeyNoGeocodingContext) {
		t.Fatalf("expected %s, got %+v", KeyNoGeocodingContext, result.Issues)
	}
}

func TestPublishLifecycle(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	main := layout.MainBranch()
	e.draftNetwork(t, main, "001")

	result, err := e.manager.Publish(ctx, PublishRequest{Branch: main, Message: "initial layout", Cause: store.CauseManual})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if result.PublicationID == "" || result.Validation.Blocked() {
		t.Fatalf("expected committed publication, got %+v", result)
	}
	if len(result.Versions) != 3 {
		t.Fatalf("expected 3 promoted versions, got %+v", result.Versions)
	}

	official, err := e.store.Fetch(ctx, layout.KindLocationTrack, "lt-1", layout.Official(main))
	if err != nil || official == nil {
		t.Fatalf("official track = %v, %v", official, err)
	}
	candidates, err := CollectCandidates(ctx, e.store, main)
	if err != nil || len(candidates.All) != 0 {
		t.Fatalf("drafts must be consumed, got %+v, %v", candidates.All, err)
	}

	pub, err := e.store.Publication(ctx, result.PublicationID)
	if err != nil {
		t.Fatalf("Publication: %v", err)
	}
	if pub.Message != "initial layout" || pub.Cause != store.CauseManual {
		t.Fatalf("unexpected record %+v", pub)
	}
	if len(pub.Changes.Direct.TrackNumbers) != 1 || len(pub.Changes.Direct.LocationTracks) != 1 {
		t.Fatalf("expected direct changes for track number and track, got %+v", pub.Changes)
	}
	tnChange := pub.Changes.Direct.TrackNumbers[0]
	if tnChange.ID != "tn-1" || len(tnChange.ChangedKm) == 0 || !tnChange.StartPointChanged {
		t.Fatalf("unexpected track number change %+v", tnChange)
	}
}

func TestPublishBlockedKeepsDrafts(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	main := layout.MainBranch()
	e.draftNetwork(t, main, "001")
	if _, err := e.manager.Publish(ctx, PublishRequest{Branch: main, Message: "seed", Cause: store.CauseManual}); err != nil {
		t.Fatalf("seed publish: %v", err)
	}

	e.draft(t, main, &layout.TrackNumber{ID: "tn-2", Number: "001", State: layout.StateInUse})
	result, err := e.manager.Publish(ctx, PublishRequest{Branch: main, Message: "collision", Cause: store.CauseManual})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if result.PublicationID != "" || !result.Validation.Blocked() {
		t.Fatalf("expected blocked publish, got %+v", result)
	}
	draft, err := e.store.Fetch(ctx, layout.KindTrackNumber, "tn-2", layout.Draft(main))
	if err != nil || draft == nil {
		t.Fatalf("blocked publish must keep the draft, got %v, %v", draft, err)
	}
}

func TestDesignPublishAndMerge(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	design := layout.DesignBranch("d1")
	e.draftNetwork(t, design, "001")

	designResult, err := e.manager.Publish(ctx, PublishRequest{Branch: design, Message: "design work", Cause: store.CauseManual})
	if err != nil {
		t.Fatalf("design publish: %v", err)
	}
	if designResult.PublicationID == "" {
		t.Fatalf("design publish blocked: %+v", designResult.Validation)
	}

	official, err := e.store.Fetch(ctx, layout.KindTrackNumber, "tn-1", layout.Official(design))
	if err != nil || official == nil {
		t.Fatalf("design official = %v, %v", official, err)
	}
	designOid := official.(*layout.TrackNumber).Oid
	if designOid == "" {
		t.Fatal("design publish must assign an oid")
	}

	mergeResult, err := e.manager.Merge(ctx, "d1", "merge d1")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if mergeResult.PublicationID == "" {
		t.Fatalf("merge blocked: %+v", mergeResult.Validation)
	}

	merged, err := e.store.Fetch(ctx, layout.KindTrackNumber, "tn-1", layout.Official(layout.MainBranch()))
	if err != nil || merged == nil {
		t.Fatalf("merged official = %v, %v", merged, err)
	}
	if merged.(*layout.TrackNumber).Oid != designOid {
		t.Fatalf("merge must carry the design oid, got %q want %q", merged.(*layout.TrackNumber).Oid, designOid)
	}

	designPub, err := e.store.Publication(ctx, designResult.PublicationID)
	if err != nil {
		t.Fatalf("design publication: %v", err)
	}
	if designPub.ParentID != mergeResult.PublicationID {
		t.Fatalf("design publication parent = %q, want %q", designPub.ParentID, mergeResult.PublicationID)
	}
}

func TestRevertClosureAndSplitCleanup(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	main := layout.MainBranch()
	e.draftNetwork(t, main, "001")
	if _, err := e.manager.Publish(ctx, PublishRequest{Branch: main, Message: "seed", Cause: store.CauseManual}); err != nil {
		t.Fatalf("seed publish: %v", err)
	}

	source := &layout.LocationTrack{
		ID: "lt-1", TrackNumberID: "tn-1", Name: "001 main track",
		State: layout.StateDeleted, Geometry: straightLine(t, 0, 1000),
	}
	target := &layout.LocationTrack{
		ID: "lt-2", TrackNumberID: "tn-1", Name: "001 south",
		State: layout.StateInUse, Geometry: straightLine(t, 0, 500),
	}
	e.draft(t, main, source)
	e.draft(t, main, target)
	if err := e.store.SaveSplit(ctx, store.Split{
		ID: "split-1", Branch: main, SourceTrackID: "lt-1",
		TargetTrackIDs: []layout.AssetID{"lt-2"}, CreatedAt: time.Unix(10000, 0),
	}); err != nil {
		t.Fatalf("SaveSplit: %v", err)
	}

	reverted, err := e.manager.Revert(ctx, main, []layout.Ref{ref(layout.KindLocationTrack, "lt-2")})
	if err != nil {
		t.Fatalf("Revert: %v", err)
	}
	if len(reverted) != 2 {
		t.Fatalf("expected both split members reverted, got %v", reverted)
	}
	for _, id := range []layout.AssetID{"lt-1", "lt-2"} {
		version, err := e.store.FetchVersion(ctx, layout.KindLocationTrack, id, layout.Draft(main))
		if err != nil || version != nil {
			t.Fatalf("draft %s must be gone, got %v, %v", id, version, err)
		}
	}
	splits, err := e.store.ListSplits(ctx, main)
	if err != nil || len(splits) != 0 {
		t.Fatalf("split record must be deleted, got %v, %v", splits, err)
	}
}
