// File path: internal/store/memory/store_test.go
package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/railforge/tracklayout/internal/layout"
	"github.com/railforge/tracklayout/internal/store"
)

func trackNumber(id layout.AssetID, number string) *layout.TrackNumber {
	return &layout.TrackNumber{ID: id, Number: number, State: layout.StateInUse}
}

func ref(kind layout.AssetKind, id layout.AssetID) layout.Ref {
	return layout.Ref{Kind: kind, ID: id}
}

func mustSaveDraft(t *testing.T, s *Store, branch layout.Branch, asset layout.Asset) layout.RowVersion {
	t.Helper()
	version, err := s.SaveDraft(context.Background(), branch, asset)
	if err != nil {
		t.Fatalf("SaveDraft: %v", err)
	}
	return version
}

func mustPromote(t *testing.T, s *Store, branch layout.Branch, moment time.Time, refs ...layout.Ref) []layout.RowVersion {
	t.Helper()
	versions, err := s.PromoteDrafts(context.Background(), branch, refs, moment)
	if err != nil {
		t.Fatalf("PromoteDrafts: %v", err)
	}
	return versions
}

func TestDraftLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	main := layout.MainBranch()

	version := mustSaveDraft(t, s, main, trackNumber("tn-1", "001"))
	if version.Version != 1 || version.Context != layout.Draft(main) {
		t.Fatalf("unexpected version %+v", version)
	}

	asset, err := s.Fetch(ctx, layout.KindTrackNumber, "tn-1", layout.Draft(main))
	if err != nil || asset == nil || asset.AssetName() != "001" {
		t.Fatalf("draft fetch = %v, %v", asset, err)
	}
	official, err := s.Fetch(ctx, layout.KindTrackNumber, "tn-1", layout.Official(main))
	if err != nil || official != nil {
		t.Fatalf("official view must not see the draft, got %v, %v", official, err)
	}

	if _, err := s.FetchExact(ctx, layout.KindTrackNumber, "tn-1", layout.Official(main)); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.DeleteDraft(ctx, layout.KindTrackNumber, "tn-1", main); err != nil {
		t.Fatalf("DeleteDraft: %v", err)
	}
	if err := s.DeleteDraft(ctx, layout.KindTrackNumber, "tn-1", main); !errors.Is(err, store.ErrNoDraft) {
		t.Fatalf("expected ErrNoDraft, got %v", err)
	}
}

func TestPromoteDrafts(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	main := layout.MainBranch()
	moment := time.Unix(5000, 0)

	mustSaveDraft(t, s, main, trackNumber("tn-1", "001"))
	versions := mustPromote(t, s, main, moment, ref(layout.KindTrackNumber, "tn-1"))
	if len(versions) != 1 || versions[0].Version != 2 || versions[0].Context != layout.Official(main) {
		t.Fatalf("unexpected versions %+v", versions)
	}

	official, err := s.Fetch(ctx, layout.KindTrackNumber, "tn-1", layout.Official(main))
	if err != nil || official == nil {
		t.Fatalf("official fetch = %v, %v", official, err)
	}
	if err := s.DeleteDraft(ctx, layout.KindTrackNumber, "tn-1", main); !errors.Is(err, store.ErrNoDraft) {
		t.Fatalf("draft must be consumed on promote, got %v", err)
	}

	before, err := s.FetchAtMoment(ctx, layout.KindTrackNumber, "tn-1", main, moment.Add(-time.Second))
	if err != nil || before != nil {
		t.Fatalf("moment before promote = %v, %v", before, err)
	}
	after, err := s.FetchAtMoment(ctx, layout.KindTrackNumber, "tn-1", main, moment)
	if err != nil || after == nil {
		t.Fatalf("moment at promote = %v, %v", after, err)
	}
}

func TestPromoteDraftsIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	main := layout.MainBranch()

	mustSaveDraft(t, s, main, trackNumber("tn-1", "001"))
	_, err := s.PromoteDrafts(ctx, main, []layout.Ref{
		ref(layout.KindTrackNumber, "tn-1"),
		ref(layout.KindTrackNumber, "tn-2"),
	}, time.Unix(5000, 0))
	if !errors.Is(err, store.ErrNoDraft) {
		t.Fatalf("expected ErrNoDraft, got %v", err)
	}

	official, err := s.Fetch(ctx, layout.KindTrackNumber, "tn-1", layout.Official(main))
	if err != nil || official != nil {
		t.Fatalf("failed promote must not publish anything, got %v, %v", official, err)
	}
	draft, err := s.Fetch(ctx, layout.KindTrackNumber, "tn-1", layout.Draft(main))
	if err != nil || draft == nil {
		t.Fatalf("failed promote must keep the draft, got %v, %v", draft, err)
	}
}

func TestCommitPublication(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	main := layout.MainBranch()
	moment := time.Unix(5000, 0)

	mustSaveDraft(t, s, main, trackNumber("tn-1", "001"))
	if err := s.SaveSplit(ctx, store.Split{
		ID: "s1", Branch: main, SourceTrackID: "lt-1",
		TargetTrackIDs: []layout.AssetID{"lt-2"}, CreatedAt: moment,
	}); err != nil {
		t.Fatalf("SaveSplit: %v", err)
	}

	pub, err := s.CommitPublication(ctx, []layout.Ref{ref(layout.KindTrackNumber, "tn-1")}, store.Publication{
		ID: "p1", Branch: main, Message: "commit", Cause: store.CauseManual, PublishedAt: moment,
	}, []string{"s1"})
	if err != nil {
		t.Fatalf("CommitPublication: %v", err)
	}
	if len(pub.Versions) != 1 || pub.Versions[0].Context != layout.Official(main) {
		t.Fatalf("unexpected versions %+v", pub.Versions)
	}

	official, err := s.Fetch(ctx, layout.KindTrackNumber, "tn-1", layout.Official(main))
	if err != nil || official == nil {
		t.Fatalf("official fetch = %v, %v", official, err)
	}
	recorded, err := s.Publication(ctx, "p1")
	if err != nil || len(recorded.Versions) != 1 {
		t.Fatalf("Publication = %+v, %v", recorded, err)
	}
	pending, err := s.PendingSplitForTrack(ctx, main, "lt-1")
	if err != nil || pending != nil {
		t.Fatalf("committed split must not be pending, got %v, %v", pending, err)
	}
}

func TestCommitPublicationIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	main := layout.MainBranch()
	moment := time.Unix(5000, 0)

	mustSaveDraft(t, s, main, trackNumber("tn-1", "001"))
	if err := s.SaveSplit(ctx, store.Split{
		ID: "s1", Branch: main, SourceTrackID: "lt-1",
		TargetTrackIDs: []layout.AssetID{"lt-2"}, CreatedAt: moment,
	}); err != nil {
		t.Fatalf("SaveSplit: %v", err)
	}

	_, err := s.CommitPublication(ctx, []layout.Ref{
		ref(layout.KindTrackNumber, "tn-1"),
		ref(layout.KindTrackNumber, "tn-2"),
	}, store.Publication{
		ID: "p1", Branch: main, Message: "commit", Cause: store.CauseManual, PublishedAt: moment,
	}, []string{"s1"})
	if !errors.Is(err, store.ErrNoDraft) {
		t.Fatalf("expected ErrNoDraft, got %v", err)
	}

	official, err := s.Fetch(ctx, layout.KindTrackNumber, "tn-1", layout.Official(main))
	if err != nil || official != nil {
		t.Fatalf("failed commit must not publish anything, got %v, %v", official, err)
	}
	draft, err := s.Fetch(ctx, layout.KindTrackNumber, "tn-1", layout.Draft(main))
	if err != nil || draft == nil {
		t.Fatalf("failed commit must keep the draft, got %v, %v", draft, err)
	}
	if _, err := s.Publication(ctx, "p1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("failed commit must not record a publication, got %v", err)
	}
	pending, err := s.PendingSplitForTrack(ctx, main, "lt-1")
	if err != nil || pending == nil {
		t.Fatalf("failed commit must leave the split pending, got %v, %v", pending, err)
	}
}

func TestDesignOverlayResolution(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	main := layout.MainBranch()
	design := layout.DesignBranch("d1")
	moment := time.Unix(5000, 0)

	mustSaveDraft(t, s, main, trackNumber("tn-1", "main official"))
	mustSaveDraft(t, s, main, trackNumber("tn-2", "main only"))
	mustPromote(t, s, main, moment,
		ref(layout.KindTrackNumber, "tn-1"), ref(layout.KindTrackNumber, "tn-2"))
	mustSaveDraft(t, s, main, trackNumber("tn-1", "main draft"))
	mustSaveDraft(t, s, design, trackNumber("tn-1", "design draft"))

	asset, err := s.Fetch(ctx, layout.KindTrackNumber, "tn-1", layout.Draft(design))
	if err != nil || asset == nil || asset.AssetName() != "design draft" {
		t.Fatalf("design draft view = %v, %v", asset, err)
	}
	asset, err = s.Fetch(ctx, layout.KindTrackNumber, "tn-1", layout.Official(design))
	if err != nil || asset == nil || asset.AssetName() != "main official" {
		t.Fatalf("design official view must fall back to main official, got %v, %v", asset, err)
	}
	asset, err = s.Fetch(ctx, layout.KindTrackNumber, "tn-2", layout.Draft(design))
	if err != nil || asset == nil || asset.AssetName() != "main only" {
		t.Fatalf("design view must see untouched main assets, got %v, %v", asset, err)
	}

	mustPromote(t, s, design, moment.Add(time.Hour), ref(layout.KindTrackNumber, "tn-1"))
	asset, err = s.Fetch(ctx, layout.KindTrackNumber, "tn-1", layout.Official(design))
	if err != nil || asset == nil || asset.AssetName() != "design draft" {
		t.Fatalf("design official must override main after promote, got %v, %v", asset, err)
	}

	listed, err := s.List(ctx, layout.KindTrackNumber, layout.Draft(design))
	if err != nil || len(listed) != 2 {
		t.Fatalf("design list = %v, %v", listed, err)
	}
}

func TestListAtMomentFallsBackToMain(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	main := layout.MainBranch()
	design := layout.DesignBranch("d1")
	m1 := time.Unix(1000, 0)
	m2 := time.Unix(2000, 0)

	mustSaveDraft(t, s, main, trackNumber("tn-1", "main v1"))
	mustSaveDraft(t, s, main, trackNumber("tn-2", "main only"))
	mustPromote(t, s, main, m1,
		ref(layout.KindTrackNumber, "tn-1"), ref(layout.KindTrackNumber, "tn-2"))
	mustSaveDraft(t, s, design, trackNumber("tn-1", "design v1"))
	mustPromote(t, s, design, m2, ref(layout.KindTrackNumber, "tn-1"))

	assets, err := s.ListAtMoment(ctx, layout.KindTrackNumber, design, m2)
	if err != nil || len(assets) != 2 {
		t.Fatalf("ListAtMoment = %v, %v", assets, err)
	}
	if assets[0].AssetName() != "design v1" || assets[1].AssetName() != "main only" {
		t.Fatalf("unexpected resolution %v / %v", assets[0].AssetName(), assets[1].AssetName())
	}

	earlier, err := s.ListAtMoment(ctx, layout.KindTrackNumber, design, m1)
	if err != nil || len(earlier) != 2 {
		t.Fatalf("ListAtMoment before design promote = %v, %v", earlier, err)
	}
	if earlier[0].AssetName() != "main v1" {
		t.Fatalf("design history must fall back to main before its promote, got %v", earlier[0].AssetName())
	}
}

func TestChangeTimeTracksMutations(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(100, 0)
	s := NewStore(WithClock(func() time.Time { return now }))
	main := layout.MainBranch()

	mustSaveDraft(t, s, main, trackNumber("tn-1", "001"))
	changed, err := s.ChangeTime(ctx)
	if err != nil || !changed.Equal(now) {
		t.Fatalf("ChangeTime = %v, %v", changed, err)
	}

	moment := time.Unix(200, 0)
	mustPromote(t, s, main, moment, ref(layout.KindTrackNumber, "tn-1"))
	changed, err = s.ChangeTime(ctx)
	if err != nil || !changed.Equal(moment) {
		t.Fatalf("ChangeTime after promote = %v, %v", changed, err)
	}
}

func TestPublicationLog(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	main := layout.MainBranch()
	design := layout.DesignBranch("d1")

	pubs := []store.Publication{
		{ID: "p1", Branch: main, Message: "first", Cause: store.CauseManual, PublishedAt: time.Unix(1000, 0)},
		{ID: "p2", Branch: design, Message: "design", Cause: store.CauseManual, PublishedAt: time.Unix(2000, 0)},
		{ID: "p3", Branch: main, Message: "second", Cause: store.CauseCalculatedChange, PublishedAt: time.Unix(3000, 0)},
	}
	for _, pub := range pubs {
		if err := s.SavePublication(ctx, pub); err != nil {
			t.Fatalf("SavePublication %s: %v", pub.ID, err)
		}
	}

	mainPubs, err := s.ListPublications(ctx, main)
	if err != nil || len(mainPubs) != 2 {
		t.Fatalf("ListPublications = %v, %v", mainPubs, err)
	}
	if mainPubs[0].ID != "p1" || mainPubs[1].ID != "p3" {
		t.Fatalf("unexpected order %v", mainPubs)
	}

	if err := s.SetParentPublication(ctx, "p2", "p3"); err != nil {
		t.Fatalf("SetParentPublication: %v", err)
	}
	pub, err := s.Publication(ctx, "p2")
	if err != nil || pub.ParentID != "p3" {
		t.Fatalf("Publication = %+v, %v", pub, err)
	}
	if _, err := s.Publication(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSplitStore(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	main := layout.MainBranch()

	split := store.Split{
		ID:             "s1",
		Branch:         main,
		SourceTrackID:  "lt-1",
		TargetTrackIDs: []layout.AssetID{"lt-2", "lt-3"},
		CreatedAt:      time.Unix(1000, 0),
	}
	if err := s.SaveSplit(ctx, split); err != nil {
		t.Fatalf("SaveSplit: %v", err)
	}

	for _, trackID := range []layout.AssetID{"lt-1", "lt-2", "lt-3"} {
		pending, err := s.PendingSplitForTrack(ctx, main, trackID)
		if err != nil || pending == nil || pending.ID != "s1" {
			t.Fatalf("PendingSplitForTrack(%s) = %v, %v", trackID, pending, err)
		}
	}
	pending, err := s.PendingSplitForTrack(ctx, main, "lt-9")
	if err != nil || pending != nil {
		t.Fatalf("unrelated track must have no pending split, got %v, %v", pending, err)
	}

	split.Done = true
	if err := s.SaveSplit(ctx, split); err != nil {
		t.Fatalf("SaveSplit update: %v", err)
	}
	pending, err = s.PendingSplitForTrack(ctx, main, "lt-1")
	if err != nil || pending != nil {
		t.Fatalf("done split must not be pending, got %v, %v", pending, err)
	}

	listed, err := s.ListSplits(ctx, main)
	if err != nil || len(listed) != 1 {
		t.Fatalf("ListSplits = %v, %v", listed, err)
	}
	if err := s.DeleteSplit(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSplit: %v", err)
	}
	if err := s.DeleteSplit(ctx, "s1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
