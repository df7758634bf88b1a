// File path: internal/geocoding/diff.go
package geocoding

import (
	"sort"

	"github.com/paulmach/orb/planar"

	"github.com/railforge/tracklayout/internal/layout"
)

const (
	// pointEpsilon is the geometric tolerance below which two sampled points
	// are the same point.
	pointEpsilon = 0.001
	// metersTolerance is the address tolerance below which two track meter
	// values on the same kilometre are the same address.
	metersTolerance = 0.001
)

// KilometerDiff reports which kilometres of a track's linear addressing
// changed between two geometry snapshots.
type KilometerDiff struct {
	ChangedKm         []layout.KmNumber `json:"changedKmNumbers"`
	StartPointChanged bool              `json:"startPointChanged"`
	EndPointChanged   bool              `json:"endPointChanged"`
}

// IsChanged reports whether the diff carries any change at all.
func (d KilometerDiff) IsChanged() bool {
	return len(d.ChangedKm) > 0 || d.StartPointChanged || d.EndPointChanged
}

type kmSet map[layout.KmNumber]struct{}

func (s kmSet) add(km layout.KmNumber) { s[km] = struct{}{} }

// addRange adds every kilometre between two addresses, inclusive. Extension
// kilometres are only known from the endpoint addresses themselves; the plain
// numbers in between are enumerated.
func (s kmSet) addRange(min, max layout.TrackMeter) {
	s.add(min.Km)
	s.add(max.Km)
	for n := min.Km.Number + 1; n < max.Km.Number; n++ {
		s.add(layout.KmNumber{Number: n})
	}
}

func (s kmSet) sorted() []layout.KmNumber {
	out := make([]layout.KmNumber, 0, len(s))
	for km := range s {
		out = append(out, km)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	if len(out) == 0 {
		return nil
	}
	return out
}

// ResolveChangedGeometryKilometers diffs two address samples of the same
// track. A nil side represents a track that did not exist at that moment and
// yields a full add/remove diff. The changed-kilometre computation treats each
// side as the half-open address interval [start, end): the end point only
// contributes to the end-changed flag.
func ResolveChangedGeometryKilometers(oldAddr, newAddr *AlignmentAddresses) KilometerDiff {
	if oldAddr == nil && newAddr == nil {
		return KilometerDiff{}
	}
	if oldAddr == nil {
		return fullDiff(newAddr)
	}
	if newAddr == nil {
		return fullDiff(oldAddr)
	}

	diff := KilometerDiff{
		StartPointChanged: addressPointChanged(oldAddr.Start, newAddr.Start),
		EndPointChanged:   addressPointChanged(oldAddr.End, newAddr.End),
	}

	oldSeq := halfOpenSequence(oldAddr)
	newSeq := halfOpenSequence(newAddr)
	changed := make(kmSet)
	walkSequences(oldSeq, newSeq, changed)
	diff.ChangedKm = changed.sorted()
	return diff
}

func fullDiff(addr *AlignmentAddresses) KilometerDiff {
	changed := make(kmSet)
	for _, p := range halfOpenSequence(addr) {
		changed.add(p.Address.Km)
	}
	return KilometerDiff{
		ChangedKm:         changed.sorted(),
		StartPointChanged: true,
		EndPointChanged:   true,
	}
}

// halfOpenSequence returns the start point followed by the mid points. The end
// point is deliberately excluded: a kilometre touched only by the closing
// endpoint is not a changed kilometre.
func halfOpenSequence(addr *AlignmentAddresses) []AddressPoint {
	seq := make([]AddressPoint, 0, len(addr.MidPoints)+1)
	seq = append(seq, addr.Start)
	seq = append(seq, addr.MidPoints...)
	return seq
}

func addressPointChanged(oldP, newP AddressPoint) bool {
	if oldP.Intersect != newP.Intersect {
		return true
	}
	return planar.Distance(oldP.Point, newP.Point) > pointEpsilon
}

func pointsMatch(a, b AddressPoint) bool {
	if a.Address.Km != b.Address.Km {
		return false
	}
	if delta := a.Address.Meters - b.Address.Meters; delta > metersTolerance || delta < -metersTolerance {
		return false
	}
	return planar.Distance(a.Point, b.Point) <= pointEpsilon
}

// walkSequences runs a longest-common-subsequence-style walk over the two
// address-ordered sequences. Both sequences are monotonic in address, so a
// two-pointer merge finds the maximal matching; every maximal unmatched run is
// one added or removed range whose address extent marks its kilometres as
// changed. A point pair sharing geometry but addressed to different
// kilometres (a moved kilometre boundary) marks both kilometres.
func walkSequences(oldSeq, newSeq []AddressPoint, changed kmSet) {
	oldMatched := make([]bool, len(oldSeq))
	newMatched := make([]bool, len(newSeq))

	i, j := 0, 0
	for i < len(oldSeq) && j < len(newSeq) {
		o, n := oldSeq[i], newSeq[j]
		if pointsMatch(o, n) {
			oldMatched[i] = true
			newMatched[j] = true
			i++
			j++
			continue
		}
		if o.Address.Km != n.Address.Km && planar.Distance(o.Point, n.Point) <= pointEpsilon {
			// Same physical point readdressed to another kilometre: the
			// boundary itself moved, so both kilometres changed. The pair
			// still anchors the walk.
			changed.add(o.Address.Km)
			changed.add(n.Address.Km)
			oldMatched[i] = true
			newMatched[j] = true
			i++
			j++
			continue
		}
		switch cmp := o.Address.Compare(n.Address); {
		case cmp < 0:
			i++
		case cmp > 0:
			j++
		default:
			// Same address, different geometry: both sides changed here.
			i++
			j++
		}
	}

	collectRuns(oldSeq, oldMatched, changed)
	collectRuns(newSeq, newMatched, changed)
}

func collectRuns(seq []AddressPoint, matched []bool, changed kmSet) {
	for i := 0; i < len(seq); {
		if matched[i] {
			i++
			continue
		}
		start := i
		for i < len(seq) && !matched[i] {
			i++
		}
		changed.addRange(seq[start].Address, seq[i-1].Address)
	}
}
