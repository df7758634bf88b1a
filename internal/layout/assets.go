// File path: internal/layout/assets.go
package layout

import (
	"github.com/paulmach/orb"
)

// TrackNumber is the root of one linear addressing system. It owns exactly one
// reference line that carries the km-addressing origin.
type TrackNumber struct {
	ID          AssetID     `json:"id"`
	Number      string      `json:"number"`
	Description string      `json:"description,omitempty"`
	State       LayoutState `json:"state"`
	Oid         Oid         `json:"oid,omitempty"`
}

func (t *TrackNumber) AssetKind() AssetKind    { return KindTrackNumber }
func (t *TrackNumber) AssetID() AssetID        { return t.ID }
func (t *TrackNumber) AssetName() string       { return t.Number }
func (t *TrackNumber) AssetState() LayoutState { return t.State }
func (t *TrackNumber) Dependencies() []Ref     { return nil }

// ReferenceLine is the addressing geometry of one track number.
type ReferenceLine struct {
	ID            AssetID    `json:"id"`
	TrackNumberID AssetID    `json:"trackNumberId"`
	StartAddress  TrackMeter `json:"startAddress"`
	Geometry      Alignment  `json:"geometry"`
}

func (r *ReferenceLine) AssetKind() AssetKind    { return KindReferenceLine }
func (r *ReferenceLine) AssetID() AssetID        { return r.ID }
func (r *ReferenceLine) AssetName() string       { return string(r.ID) }
func (r *ReferenceLine) AssetState() LayoutState { return StateInUse }

func (r *ReferenceLine) Dependencies() []Ref {
	return []Ref{{Kind: KindTrackNumber, ID: r.TrackNumberID}}
}

// KmPost marks the start of a kilometre on or near the reference line.
type KmPost struct {
	ID            AssetID     `json:"id"`
	TrackNumberID AssetID     `json:"trackNumberId"`
	Km            KmNumber    `json:"km"`
	Location      orb.Point   `json:"location"`
	State         LayoutState `json:"state"`
	Oid           Oid         `json:"oid,omitempty"`
}

func (k *KmPost) AssetKind() AssetKind    { return KindKmPost }
func (k *KmPost) AssetID() AssetID        { return k.ID }
func (k *KmPost) AssetName() string       { return k.Km.String() }
func (k *KmPost) AssetState() LayoutState { return k.State }

func (k *KmPost) Dependencies() []Ref {
	return []Ref{{Kind: KindTrackNumber, ID: k.TrackNumberID}}
}

// JointNumber numbers a switch joint. Joint 1 is conventionally the front
// (presentation) joint of common switch types.
type JointNumber int

// TopologyLink declares a switch connection at a track end without a segment
// passing through the joint.
type TopologyLink struct {
	SwitchID AssetID     `json:"switchId"`
	Joint    JointNumber `json:"joint"`
}

// SegmentSwitchLink ties a run of track geometry to a switch's joints.
type SegmentSwitchLink struct {
	SwitchID   AssetID     `json:"switchId"`
	StartJoint JointNumber `json:"startJoint"`
	EndJoint   JointNumber `json:"endJoint"`
}

// LocationTrack is an addressable track belonging to one track number.
type LocationTrack struct {
	ID            AssetID     `json:"id"`
	TrackNumberID AssetID     `json:"trackNumberId"`
	Name          string      `json:"name"`
	Description   string      `json:"description,omitempty"`
	State         LayoutState `json:"state"`
	DuplicateOf   AssetID     `json:"duplicateOf,omitempty"`
	Geometry      Alignment   `json:"geometry"`
	// SwitchLinks pairs each geometry segment index with an optional switch
	// attachment. Indexes outside the map carry no link.
	SwitchLinks   map[int]SegmentSwitchLink `json:"switchLinks,omitempty"`
	TopologyStart *TopologyLink             `json:"topologyStart,omitempty"`
	TopologyEnd   *TopologyLink             `json:"topologyEnd,omitempty"`
	Oid           Oid                       `json:"oid,omitempty"`
}

func (l *LocationTrack) AssetKind() AssetKind    { return KindLocationTrack }
func (l *LocationTrack) AssetID() AssetID        { return l.ID }
func (l *LocationTrack) AssetName() string       { return l.Name }
func (l *LocationTrack) AssetState() LayoutState { return l.State }

func (l *LocationTrack) Dependencies() []Ref {
	refs := []Ref{{Kind: KindTrackNumber, ID: l.TrackNumberID}}
	if l.DuplicateOf != "" {
		refs = append(refs, Ref{Kind: KindLocationTrack, ID: l.DuplicateOf})
	}
	return refs
}

// LinkedSwitchIDs returns every switch the track references, through segments
// or topology ends, without duplicates.
func (l *LocationTrack) LinkedSwitchIDs() []AssetID {
	seen := make(map[AssetID]struct{})
	var ids []AssetID
	add := func(id AssetID) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, link := range l.SwitchLinks {
		add(link.SwitchID)
	}
	if l.TopologyStart != nil {
		add(l.TopologyStart.SwitchID)
	}
	if l.TopologyEnd != nil {
		add(l.TopologyEnd.SwitchID)
	}
	return ids
}

// LinksSwitch reports whether the track references the given switch at all.
func (l *LocationTrack) LinksSwitch(id AssetID) bool {
	for _, linked := range l.LinkedSwitchIDs() {
		if linked == id {
			return true
		}
	}
	return false
}

// LinksJoint reports whether the track references the given joint of a switch.
func (l *LocationTrack) LinksJoint(switchID AssetID, joint JointNumber) bool {
	for _, link := range l.SwitchLinks {
		if link.SwitchID == switchID && (link.StartJoint == joint || link.EndJoint == joint) {
			return true
		}
	}
	if l.TopologyStart != nil && l.TopologyStart.SwitchID == switchID && l.TopologyStart.Joint == joint {
		return true
	}
	if l.TopologyEnd != nil && l.TopologyEnd.SwitchID == switchID && l.TopologyEnd.Joint == joint {
		return true
	}
	return false
}

// SwitchJoint is one numbered point of a switch.
type SwitchJoint struct {
	Number   JointNumber `json:"number"`
	Location orb.Point   `json:"location"`
}

// SwitchAlignment names an ordered joint run a route through the switch must
// follow, e.g. 1-5-2 and 1-3 for a simple turnout.
type SwitchAlignment struct {
	Joints []JointNumber `json:"joints"`
}

// Switch is a named point device whose joints are referenced by track segments
// and topology links.
type Switch struct {
	ID                AssetID           `json:"id"`
	Name              string            `json:"name"`
	State             LayoutState       `json:"state"`
	Joints            []SwitchJoint     `json:"joints"`
	Alignments        []SwitchAlignment `json:"alignments,omitempty"`
	PresentationJoint JointNumber       `json:"presentationJoint"`
	Oid               Oid               `json:"oid,omitempty"`
}

func (s *Switch) AssetKind() AssetKind    { return KindSwitch }
func (s *Switch) AssetID() AssetID        { return s.ID }
func (s *Switch) AssetName() string       { return s.Name }
func (s *Switch) AssetState() LayoutState { return s.State }
func (s *Switch) Dependencies() []Ref     { return nil }

// Joint returns the joint with the given number, if present.
func (s *Switch) Joint(number JointNumber) (SwitchJoint, bool) {
	for _, j := range s.Joints {
		if j.Number == number {
			return j, true
		}
	}
	return SwitchJoint{}, false
}
