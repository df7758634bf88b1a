// File path: internal/layout/geometry.go
package layout

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/minio/highwayhash"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// continuityTolerance is the maximum gap allowed between consecutive segments
// of one alignment, in layout coordinate units.
const continuityTolerance = 0.001

// Segment is an ordered, continuous run of points. Along-track m-values are
// derived from the point geometry, never stored.
type Segment struct {
	Points []orb.Point `json:"points"`
}

// NewSegment validates and wraps a point run.
func NewSegment(points []orb.Point) (Segment, error) {
	if len(points) < 2 {
		return Segment{}, fmt.Errorf("segment requires at least 2 points, got %d", len(points))
	}
	for i, p := range points {
		if math.IsNaN(p[0]) || math.IsNaN(p[1]) || math.IsInf(p[0], 0) || math.IsInf(p[1], 0) {
			return Segment{}, fmt.Errorf("segment point %d is not finite", i)
		}
	}
	return Segment{Points: points}, nil
}

// Length returns the planar length of the segment.
func (s Segment) Length() float64 {
	var total float64
	for i := 1; i < len(s.Points); i++ {
		total += planar.Distance(s.Points[i-1], s.Points[i])
	}
	return total
}

// Alignment is a continuous chain of segments forming one track geometry.
type Alignment struct {
	Segments []Segment `json:"segments"`
}

// NewAlignment validates segment continuity and wraps the chain.
func NewAlignment(segments ...Segment) (Alignment, error) {
	if len(segments) == 0 {
		return Alignment{}, fmt.Errorf("alignment requires at least one segment")
	}
	for i := 1; i < len(segments); i++ {
		prevEnd := segments[i-1].Points[len(segments[i-1].Points)-1]
		start := segments[i].Points[0]
		if planar.Distance(prevEnd, start) > continuityTolerance {
			return Alignment{}, fmt.Errorf("segment %d starts %.4f away from previous segment end", i, planar.Distance(prevEnd, start))
		}
	}
	return Alignment{Segments: segments}, nil
}

// Empty reports whether the alignment carries no geometry.
func (a Alignment) Empty() bool { return len(a.Segments) == 0 }

// Start returns the first point of the alignment.
func (a Alignment) Start() orb.Point { return a.Segments[0].Points[0] }

// End returns the last point of the alignment.
func (a Alignment) End() orb.Point {
	last := a.Segments[len(a.Segments)-1]
	return last.Points[len(last.Points)-1]
}

// Length returns the planar length of the whole alignment.
func (a Alignment) Length() float64 {
	var total float64
	for _, s := range a.Segments {
		total += s.Length()
	}
	return total
}

// AllPoints flattens the segment chain, dropping duplicated segment joints.
func (a Alignment) AllPoints() []orb.Point {
	var points []orb.Point
	for si, s := range a.Segments {
		start := 0
		if si > 0 {
			start = 1
		}
		points = append(points, s.Points[start:]...)
	}
	return points
}

// PointAtM returns the point at the given along-track distance, clamped to the
// alignment's extent.
func (a Alignment) PointAtM(m float64) orb.Point {
	if m <= 0 {
		return a.Start()
	}
	remaining := m
	points := a.AllPoints()
	for i := 1; i < len(points); i++ {
		edge := planar.Distance(points[i-1], points[i])
		if remaining <= edge && edge > 0 {
			t := remaining / edge
			return orb.Point{
				points[i-1][0] + (points[i][0]-points[i-1][0])*t,
				points[i-1][1] + (points[i][1]-points[i-1][1])*t,
			}
		}
		remaining -= edge
	}
	return a.End()
}

// ProjectM projects a point onto the alignment and returns its along-track
// distance plus the perpendicular offset. The m-value is clamped to [0, length].
func (a Alignment) ProjectM(p orb.Point) (m float64, offset float64) {
	points := a.AllPoints()
	best := math.Inf(1)
	var bestM float64
	var walked float64
	for i := 1; i < len(points); i++ {
		segM, dist := projectOnEdge(points[i-1], points[i], p)
		if dist < best {
			best = dist
			bestM = walked + segM
		}
		walked += planar.Distance(points[i-1], points[i])
	}
	return bestM, best
}

func projectOnEdge(a, b, p orb.Point) (m float64, dist float64) {
	dx, dy := b[0]-a[0], b[1]-a[1]
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return 0, planar.Distance(a, p)
	}
	t := ((p[0]-a[0])*dx + (p[1]-a[1])*dy) / lenSq
	t = math.Max(0, math.Min(1, t))
	proj := orb.Point{a[0] + dx*t, a[1] + dy*t}
	return t * math.Sqrt(lenSq), planar.Distance(proj, p)
}

var fingerprintKey = make([]byte, 32)

// Fingerprint returns a stable hash of the alignment geometry, used to detect
// geometry edits made after a split was recorded.
func (a Alignment) Fingerprint() string {
	h, err := highwayhash.New64(fingerprintKey)
	if err != nil {
		panic(err)
	}
	buf := make([]byte, 8)
	for _, s := range a.Segments {
		for _, p := range s.Points {
			binary.LittleEndian.PutUint64(buf, math.Float64bits(p[0]))
			h.Write(buf)
			binary.LittleEndian.PutUint64(buf, math.Float64bits(p[1]))
			h.Write(buf)
		}
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
