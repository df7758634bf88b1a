// File path: internal/store/types.go
package store

import (
	"context"
	"errors"
	"time"

	"github.com/railforge/tracklayout/internal/changes"
	"github.com/railforge/tracklayout/internal/layout"
)

// ErrNotFound is returned when a caller names an asset row that does not
// exist in the requested context.
var ErrNotFound = errors.New("asset not found")

// ErrNoDraft is returned when a publish or revert names an asset with no
// draft row on the branch.
var ErrNoDraft = errors.New("no draft row")

// Store is the versioned layout asset store. Every asset occupies at most one
// official and one draft row per branch; published versions are append-only
// history, draft rows are consumed on publish or revert.
type Store interface {
	// Fetch resolves the asset visible in the given context, applying the
	// draft-over-official and design-over-main overlays. Absent assets yield
	// (nil, nil).
	Fetch(ctx context.Context, kind layout.AssetKind, id layout.AssetID, lctx layout.Context) (layout.Asset, error)
	// FetchExact returns only the physical row in the exact context, without
	// overlay resolution.
	FetchExact(ctx context.Context, kind layout.AssetKind, id layout.AssetID, lctx layout.Context) (layout.Asset, error)
	// FetchVersion returns the row version of the physical row in the exact
	// context, or nil when absent.
	FetchVersion(ctx context.Context, kind layout.AssetKind, id layout.AssetID, lctx layout.Context) (*layout.RowVersion, error)
	// FetchAtMoment returns the official state of the asset on the branch as
	// it stood at the moment, falling back to main history on design
	// branches. Absent is (nil, nil), never an error.
	FetchAtMoment(ctx context.Context, kind layout.AssetKind, id layout.AssetID, branch layout.Branch, moment time.Time) (layout.Asset, error)
	// List returns the overlay-resolved assets of a kind in a context.
	List(ctx context.Context, kind layout.AssetKind, lctx layout.Context) ([]layout.Asset, error)
	// ListExact returns only the physical rows in the exact context.
	ListExact(ctx context.Context, kind layout.AssetKind, lctx layout.Context) ([]layout.Asset, error)
	// ListAtMoment returns the official assets of a kind on the branch as
	// they stood at the moment.
	ListAtMoment(ctx context.Context, kind layout.AssetKind, branch layout.Branch, moment time.Time) ([]layout.Asset, error)

	// SaveDraft inserts or replaces the draft row of the asset on the branch.
	SaveDraft(ctx context.Context, branch layout.Branch, asset layout.Asset) (layout.RowVersion, error)
	// DeleteDraft removes the draft row, reporting ErrNoDraft when absent.
	DeleteDraft(ctx context.Context, kind layout.AssetKind, id layout.AssetID, branch layout.Branch) error
	// PromoteDrafts atomically turns the named draft rows into official rows
	// effective at the moment, deleting the consumed drafts. Either every
	// named ref is promoted or none is.
	PromoteDrafts(ctx context.Context, branch layout.Branch, refs []layout.Ref, moment time.Time) ([]layout.RowVersion, error)

	// ChangeTime returns the moment of the latest mutation.
	ChangeTime(ctx context.Context) (time.Time, error)
}

// Committer commits one publication in a single transaction: the unit's draft
// rows are promoted to official rows effective at pub.PublishedAt, the
// publication record is written with the resulting row versions filled in,
// and the named splits are marked done. On error nothing is persisted.
type Committer interface {
	CommitPublication(ctx context.Context, refs []layout.Ref, pub Publication, splitIDs []string) (Publication, error)
}

// ResolutionOrder lists the physical contexts a logical context sees, most
// specific first. A design draft sees the design's own rows over main's
// official rows; main drafts never leak into design views.
func ResolutionOrder(lctx layout.Context) []layout.Context {
	if lctx.Branch.IsMain() {
		if lctx.State == layout.StateDraft {
			return []layout.Context{layout.Draft(lctx.Branch), layout.Official(lctx.Branch)}
		}
		return []layout.Context{layout.Official(lctx.Branch)}
	}
	main := layout.MainBranch()
	if lctx.State == layout.StateDraft {
		return []layout.Context{
			layout.Draft(lctx.Branch),
			layout.Official(lctx.Branch),
			layout.Official(main),
		}
	}
	return []layout.Context{layout.Official(lctx.Branch), layout.Official(main)}
}

// PublicationCause records why a publication exists.
type PublicationCause string

const (
	CauseManual           PublicationCause = "MANUAL"
	CauseCalculatedChange PublicationCause = "CALCULATED_CHANGE"
)

// Publication is the immutable record of one committed change set.
type Publication struct {
	ID          string                    `json:"id"`
	Branch      layout.Branch             `json:"branch"`
	Message     string                    `json:"message"`
	Cause       PublicationCause          `json:"cause"`
	PublishedAt time.Time                 `json:"publishedAt"`
	ParentID    string                    `json:"parentId,omitempty"`
	Versions    []layout.RowVersion       `json:"versions"`
	Changes     changes.CalculatedChanges `json:"calculatedChanges"`
}

// PublicationLog persists committed publications.
type PublicationLog interface {
	SavePublication(ctx context.Context, pub Publication) error
	Publication(ctx context.Context, id string) (*Publication, error)
	ListPublications(ctx context.Context, branch layout.Branch) ([]Publication, error)
	// SetParentPublication links an inherited design publication to the main
	// publication created by its merge.
	SetParentPublication(ctx context.Context, id, parentID string) error
}

// Split records an in-progress replacement of one source location track by
// several target tracks plus the switches relinked in the process. Members
// must publish or revert together.
type Split struct {
	ID                 string                    `json:"id"`
	Branch             layout.Branch             `json:"branch"`
	SourceTrackID      layout.AssetID            `json:"sourceTrackId"`
	TargetTrackIDs     []layout.AssetID          `json:"targetTrackIds"`
	RelinkedSwitchIDs  []layout.AssetID          `json:"relinkedSwitchIds,omitempty"`
	SourceFingerprint  string                    `json:"sourceFingerprint"`
	TargetFingerprints map[layout.AssetID]string `json:"targetFingerprints,omitempty"`
	Done               bool                      `json:"done"`
	CreatedAt          time.Time                 `json:"createdAt"`
}

// Tracks lists the source and every target track of the split.
func (s Split) Tracks() []layout.AssetID {
	out := make([]layout.AssetID, 0, len(s.TargetTrackIDs)+1)
	out = append(out, s.SourceTrackID)
	out = append(out, s.TargetTrackIDs...)
	return out
}

// Contains reports whether the track participates in the split.
func (s Split) Contains(trackID layout.AssetID) bool {
	for _, id := range s.Tracks() {
		if id == trackID {
			return true
		}
	}
	return false
}

// SplitStore persists split records.
type SplitStore interface {
	SaveSplit(ctx context.Context, split Split) error
	// PendingSplitForTrack returns the not-yet-done split the track
	// participates in, or nil.
	PendingSplitForTrack(ctx context.Context, branch layout.Branch, trackID layout.AssetID) (*Split, error)
	ListSplits(ctx context.Context, branch layout.Branch) ([]Split, error)
	DeleteSplit(ctx context.Context, id string) error
}
