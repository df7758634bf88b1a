// File path: internal/changes/types.go
package changes

import (
	"context"
	"time"

	"github.com/paulmach/orb"

	"github.com/railforge/tracklayout/internal/layout"
)

// TrackNumberChange records the addressing impact of a track number (through
// its reference line) between two moments.
type TrackNumberChange struct {
	ID                layout.AssetID    `json:"id"`
	ChangedKm         []layout.KmNumber `json:"changedKmNumbers"`
	StartPointChanged bool              `json:"isStartChanged"`
	EndPointChanged   bool              `json:"isEndChanged"`
}

// LocationTrackChange records the addressing impact of one location track.
type LocationTrackChange struct {
	ID                layout.AssetID    `json:"id"`
	TrackNumberID     layout.AssetID    `json:"trackNumberId"`
	ChangedKm         []layout.KmNumber `json:"changedKmNumbers"`
	StartPointChanged bool              `json:"isStartChanged"`
	EndPointChanged   bool              `json:"isEndChanged"`
}

// SwitchJointChange records one affected switch joint: its resolved address
// and location, or the removal of its track link.
type SwitchJointChange struct {
	Number          layout.JointNumber `json:"number"`
	IsRemoved       bool               `json:"isRemoved"`
	Address         layout.TrackMeter  `json:"address"`
	Point           orb.Point          `json:"point"`
	LocationTrackID layout.AssetID     `json:"locationTrackId,omitempty"`
	TrackNumberID   layout.AssetID     `json:"trackNumberId,omitempty"`
}

// SwitchChange groups the joint changes of one switch.
type SwitchChange struct {
	ID     layout.AssetID      `json:"id"`
	Joints []SwitchJointChange `json:"joints"`
}

// ChangeSet is one section (direct or indirect) of calculated changes.
type ChangeSet struct {
	TrackNumbers   []TrackNumberChange   `json:"trackNumbers"`
	LocationTracks []LocationTrackChange `json:"locationTracks"`
	Switches       []SwitchChange        `json:"switches"`
}

// Empty reports whether the section carries no change records.
func (s ChangeSet) Empty() bool {
	return len(s.TrackNumbers) == 0 && len(s.LocationTracks) == 0 && len(s.Switches) == 0
}

// CalculatedChanges is the closed change set derived from a group of directly
// edited entities: the direct records plus everything the cascade reached.
type CalculatedChanges struct {
	Direct   ChangeSet `json:"direct"`
	Indirect ChangeSet `json:"indirect"`
}

// Empty reports whether both sections are empty.
func (c CalculatedChanges) Empty() bool {
	return c.Direct.Empty() && c.Indirect.Empty()
}

// Request names the directly changed entities and the moment window to
// compare.
type Request struct {
	Branch           layout.Branch    `json:"branch"`
	TrackNumberIDs   []layout.AssetID `json:"trackNumberIds"`
	LocationTrackIDs []layout.AssetID `json:"locationTrackIds"`
	SwitchIDs        []layout.AssetID `json:"switchIds"`
	StartMoment      time.Time        `json:"startMoment"`
	EndMoment        time.Time        `json:"endMoment"`
}

// EmptyRequest reports whether no entity is named at all.
func (r Request) EmptyRequest() bool {
	return len(r.TrackNumberIDs) == 0 && len(r.LocationTrackIDs) == 0 && len(r.SwitchIDs) == 0
}

// LayoutSource is the versioned read surface the cascade engine consumes. A
// missing entity at a moment is a valid nil result, never an error.
type LayoutSource interface {
	FetchAtMoment(ctx context.Context, kind layout.AssetKind, id layout.AssetID, branch layout.Branch, moment time.Time) (layout.Asset, error)
	ListAtMoment(ctx context.Context, kind layout.AssetKind, branch layout.Branch, moment time.Time) ([]layout.Asset, error)
}
