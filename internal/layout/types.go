// File path: internal/layout/types.go
package layout

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// KmNumber identifies a kilometre along a track number's reference line. The
// optional extension letter distinguishes inserted kilometres ("0006A") from
// plain ones ("0006").
type KmNumber struct {
	Number    int
	Extension string
}

var kmNumberPattern = regexp.MustCompile(`^(\d{1,4})([A-Z]{0,2})$`)

// ParseKmNumber parses the canonical "0006" / "0006A" form.
func ParseKmNumber(raw string) (KmNumber, error) {
	match := kmNumberPattern.FindStringSubmatch(strings.TrimSpace(raw))
	if match == nil {
		return KmNumber{}, fmt.Errorf("invalid km number %q", raw)
	}
	number, err := strconv.Atoi(match[1])
	if err != nil {
		return KmNumber{}, fmt.Errorf("invalid km number %q: %w", raw, err)
	}
	return KmNumber{Number: number, Extension: match[2]}, nil
}

func (k KmNumber) String() string {
	return fmt.Sprintf("%04d%s", k.Number, k.Extension)
}

// Compare orders km numbers by number, then extension ("0006" < "0006A").
func (k KmNumber) Compare(other KmNumber) int {
	if k.Number != other.Number {
		if k.Number < other.Number {
			return -1
		}
		return 1
	}
	return strings.Compare(k.Extension, other.Extension)
}

func (k KmNumber) Less(other KmNumber) bool { return k.Compare(other) < 0 }

// TrackMeter is a linear address: a kilometre number plus metres within that
// kilometre. Metres may carry sub-metre precision.
type TrackMeter struct {
	Km     KmNumber
	Meters float64
}

func (t TrackMeter) String() string {
	return fmt.Sprintf("%s+%07.3f", t.Km, t.Meters)
}

// Compare orders addresses by km number first, metres second.
func (t TrackMeter) Compare(other TrackMeter) int {
	if c := t.Km.Compare(other.Km); c != 0 {
		return c
	}
	switch {
	case t.Meters < other.Meters:
		return -1
	case t.Meters > other.Meters:
		return 1
	default:
		return 0
	}
}

func (t TrackMeter) Less(other TrackMeter) bool { return t.Compare(other) < 0 }

// LayoutState is the lifecycle state of a layout asset.
type LayoutState string

const (
	StateInUse    LayoutState = "IN_USE"
	StateNotInUse LayoutState = "NOT_IN_USE"
	StateDeleted  LayoutState = "DELETED"
)

// Deleted reports whether the state marks the asset as removed from the layout.
func (s LayoutState) Deleted() bool { return s == StateDeleted }

// PublicationState is the row state within a branch: official rows are the
// published truth, draft rows are work in progress.
type PublicationState string

const (
	StateOfficial PublicationState = "OFFICIAL"
	StateDraft    PublicationState = "DRAFT"
)

// DesignID names a design branch. The empty value denotes the main branch.
type DesignID string

// Branch identifies the main branch or a design overlay of it.
type Branch struct {
	Design DesignID
}

// MainBranch returns the main layout branch.
func MainBranch() Branch { return Branch{} }

// DesignBranch returns the design branch with the given identifier.
func DesignBranch(id DesignID) Branch { return Branch{Design: id} }

func (b Branch) IsMain() bool { return b.Design == "" }

func (b Branch) String() string {
	if b.IsMain() {
		return "main"
	}
	return "design:" + string(b.Design)
}

// ParseBranch parses the String form of a branch.
func ParseBranch(raw string) (Branch, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "main" {
		return MainBranch(), nil
	}
	if id, ok := strings.CutPrefix(raw, "design:"); ok && id != "" {
		return DesignBranch(DesignID(id)), nil
	}
	return Branch{}, fmt.Errorf("invalid branch %q", raw)
}

// Context identifies one of the (at most two) rows an asset may occupy within
// a branch.
type Context struct {
	Branch Branch
	State  PublicationState
}

func Official(branch Branch) Context { return Context{Branch: branch, State: StateOfficial} }
func Draft(branch Branch) Context    { return Context{Branch: branch, State: StateDraft} }

func (c Context) String() string {
	return fmt.Sprintf("%s/%s", c.Branch, strings.ToLower(string(c.State)))
}

// AssetKind enumerates the layout asset families sharing draft/publish
// plumbing.
type AssetKind string

const (
	KindTrackNumber   AssetKind = "track-number"
	KindReferenceLine AssetKind = "reference-line"
	KindLocationTrack AssetKind = "location-track"
	KindSwitch        AssetKind = "switch"
	KindKmPost        AssetKind = "km-post"
)

// AssetKinds lists every kind in publication order: parents before dependents.
func AssetKinds() []AssetKind {
	return []AssetKind{KindTrackNumber, KindReferenceLine, KindKmPost, KindLocationTrack, KindSwitch}
}

// AssetID identifies a layout asset across all contexts and versions.
type AssetID string

// Ref names one asset without pinning a context or version.
type Ref struct {
	Kind AssetKind `json:"kind"`
	ID   AssetID   `json:"id"`
}

func (r Ref) String() string { return fmt.Sprintf("%s/%s", r.Kind, r.ID) }

// RowVersion pins one immutable row of an asset: identity, context and a
// monotonically increasing version number.
type RowVersion struct {
	Kind    AssetKind `json:"kind"`
	ID      AssetID   `json:"id"`
	Context Context   `json:"context"`
	Version int       `json:"version"`
}

func (v RowVersion) Ref() Ref { return Ref{Kind: v.Kind, ID: v.ID} }

// Oid is an external identifier issued for an asset when it is first published
// on a design branch or merged to main.
type Oid string

// Asset unifies the five layout asset families for draft/publish plumbing.
type Asset interface {
	AssetKind() AssetKind
	AssetID() AssetID
	AssetName() string
	AssetState() LayoutState
	// Dependencies lists the assets this one cannot be published without.
	Dependencies() []Ref
}
