// File path: internal/geocoding/context.go
package geocoding

import (
	"fmt"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/railforge/tracklayout/internal/common/telemetry"
	"github.com/railforge/tracklayout/internal/layout"
)

// IntersectType records whether the reference line fully covers an addressed
// point or the point had to be projected past either end of the line.
type IntersectType string

const (
	IntersectBefore IntersectType = "BEFORE"
	IntersectWithin IntersectType = "WITHIN"
	IntersectAfter  IntersectType = "AFTER"
)

const (
	// maxKmPostOffset is how far a km post may sit from the reference line
	// before it is rejected from the addressing model.
	maxKmPostOffset = 200.0
	// defaultResolution is the along-track sampling interval for mid points.
	defaultResolution = 1.0
)

// Diagnostic is a machine-readable geocoding sanity finding. Codes feed
// publication validation localization keys directly.
type Diagnostic struct {
	Code   string            `json:"code"`
	Params map[string]string `json:"params,omitempty"`
}

const (
	DiagKmPostFarFromLine  = "km-post-far-from-line"
	DiagKmPostOutsideLine  = "km-post-outside-line"
	DiagKmPostsOutOfOrder  = "km-posts-out-of-order"
	DiagKmPostBeforeStart  = "km-post-before-start-address"
	DiagStretchedAddresses = "stretched-address-points"
	DiagZigZagAddresses    = "zig-zag-address-points"
)

type kmAnchor struct {
	km         layout.KmNumber
	m          float64
	baseMeters float64
}

// Context maps spatial points to track meter addresses. It is a pure lookup
// derived from one reference line geometry and its km posts; once built it is
// immutable and safe for concurrent use.
type Context struct {
	TrackNumberID layout.AssetID
	StartAddress  layout.TrackMeter
	Line          layout.Alignment

	anchors     []kmAnchor
	diagnostics []Diagnostic
}

// NewContext derives a geocoding context from a reference line and the km
// posts of its track number. Posts that cannot participate in addressing are
// skipped and reported as diagnostics rather than failing the build.
func NewContext(refLine *layout.ReferenceLine, kmPosts []layout.KmPost) (*Context, error) {
	if refLine == nil {
		return nil, fmt.Errorf("reference line required")
	}
	if refLine.Geometry.Empty() {
		return nil, fmt.Errorf("reference line %s has no geometry", refLine.ID)
	}
	ctx := &Context{
		TrackNumberID: refLine.TrackNumberID,
		StartAddress:  refLine.StartAddress,
		Line:          refLine.Geometry,
	}
	ctx.anchors = append(ctx.anchors, kmAnchor{
		km:         refLine.StartAddress.Km,
		m:          0,
		baseMeters: refLine.StartAddress.Meters,
	})
	length := refLine.Geometry.Length()

	posts := append([]layout.KmPost(nil), kmPosts...)
	sort.Slice(posts, func(i, j int) bool { return posts[i].Km.Less(posts[j].Km) })
	for _, post := range posts {
		if post.State.Deleted() {
			continue
		}
		if !refLine.StartAddress.Km.Less(post.Km) {
			ctx.diagnose(DiagKmPostBeforeStart, map[string]string{"kmNumber": post.Km.String()})
			continue
		}
		m, offset := refLine.Geometry.ProjectM(post.Location)
		if offset > maxKmPostOffset {
			ctx.diagnose(DiagKmPostFarFromLine, map[string]string{"kmNumber": post.Km.String()})
			continue
		}
		if m <= 0 || m >= length {
			ctx.diagnose(DiagKmPostOutsideLine, map[string]string{"kmNumber": post.Km.String()})
			continue
		}
		if last := ctx.anchors[len(ctx.anchors)-1]; m <= last.m {
			ctx.diagnose(DiagKmPostsOutOfOrder, map[string]string{"kmNumber": post.Km.String()})
			continue
		}
		ctx.anchors = append(ctx.anchors, kmAnchor{km: post.Km, m: m})
	}
	telemetry.RecordGeocodingContext()
	return ctx, nil
}

func (c *Context) diagnose(code string, params map[string]string) {
	c.diagnostics = append(c.diagnostics, Diagnostic{Code: code, Params: params})
}

// Diagnostics returns the sanity findings collected while building the
// context.
func (c *Context) Diagnostics() []Diagnostic {
	return append([]Diagnostic(nil), c.diagnostics...)
}

// AddressAtM returns the track meter address at the given distance along the
// reference line.
func (c *Context) AddressAtM(m float64) layout.TrackMeter {
	anchor := c.anchors[0]
	for _, a := range c.anchors[1:] {
		if a.m > m {
			break
		}
		anchor = a
	}
	return layout.TrackMeter{Km: anchor.km, Meters: anchor.baseMeters + (m - anchor.m)}
}

// Address maps a spatial point to its track meter address. The intersect type
// reports whether the point projects inside the reference line's extent.
func (c *Context) Address(p orb.Point) (layout.TrackMeter, IntersectType) {
	m, _ := c.Line.ProjectM(p)
	intersect := IntersectWithin
	if m <= 0 && beyondStart(c.Line, p) {
		intersect = IntersectBefore
	} else if m >= c.Line.Length() && beyondEnd(c.Line, p) {
		intersect = IntersectAfter
	}
	return c.AddressAtM(m), intersect
}

func beyondStart(line layout.Alignment, p orb.Point) bool {
	points := line.AllPoints()
	a, b := points[0], points[1]
	return (p[0]-a[0])*(b[0]-a[0])+(p[1]-a[1])*(b[1]-a[1]) < 0
}

func beyondEnd(line layout.Alignment, p orb.Point) bool {
	points := line.AllPoints()
	a, b := points[len(points)-2], points[len(points)-1]
	return (p[0]-b[0])*(b[0]-a[0])+(p[1]-b[1])*(b[1]-a[1]) > 0
}

// AddressPoint is one sampled (point, address) pair of an alignment.
type AddressPoint struct {
	Point     orb.Point         `json:"point"`
	Address   layout.TrackMeter `json:"address"`
	Intersect IntersectType     `json:"intersect"`
}

// AlignmentAddresses is the derived addressing of one track geometry: start
// and end points plus ordered mid points sampled along the track.
type AlignmentAddresses struct {
	Start     AddressPoint   `json:"start"`
	End       AddressPoint   `json:"end"`
	MidPoints []AddressPoint `json:"midPoints"`
}

// AlignmentAddresses samples the given track geometry against this context.
// Mid points are taken at every resolution interval of track length; a
// non-positive resolution uses the default one metre.
func (c *Context) AlignmentAddresses(track layout.Alignment, resolution float64) *AlignmentAddresses {
	if track.Empty() {
		return nil
	}
	if resolution <= 0 {
		resolution = defaultResolution
	}
	addresses := &AlignmentAddresses{
		Start: c.addressPoint(track.Start()),
		End:   c.addressPoint(track.End()),
	}
	length := track.Length()
	for m := resolution; m < length; m += resolution {
		addresses.MidPoints = append(addresses.MidPoints, c.addressPoint(track.PointAtM(m)))
	}
	return addresses
}

func (c *Context) addressPoint(p orb.Point) AddressPoint {
	address, intersect := c.Address(p)
	return AddressPoint{Point: p, Address: address, Intersect: intersect}
}

// CheckAddressGeometry inspects sampled addresses for stretched or zig-zagging
// sections where the addressing no longer follows the track geometry.
func CheckAddressGeometry(addresses *AlignmentAddresses) []Diagnostic {
	if addresses == nil || len(addresses.MidPoints) < 2 {
		return nil
	}
	var diags []Diagnostic
	const (
		maxStretchRatio = 1.5
		minStretchRatio = 0.5
	)
	points := addresses.MidPoints
	for i := 1; i < len(points); i++ {
		prev, cur := points[i-1], points[i]
		geomDist := planar.Distance(prev.Point, cur.Point)
		addrDist := addressDelta(prev.Address, cur.Address)
		if addrDist < 0 {
			diags = append(diags, Diagnostic{Code: DiagZigZagAddresses, Params: map[string]string{
				"address": cur.Address.String(),
			}})
			continue
		}
		if geomDist == 0 || addrDist == 0 {
			continue
		}
		ratio := addrDist / geomDist
		if ratio > maxStretchRatio || ratio < minStretchRatio {
			diags = append(diags, Diagnostic{Code: DiagStretchedAddresses, Params: map[string]string{
				"address": cur.Address.String(),
			}})
		}
	}
	for i := 2; i < len(points); i++ {
		a, b, p := points[i-2].Point, points[i-1].Point, points[i].Point
		v1 := orb.Point{b[0] - a[0], b[1] - a[1]}
		v2 := orb.Point{p[0] - b[0], p[1] - b[1]}
		if v1[0]*v2[0]+v1[1]*v2[1] < 0 {
			diags = append(diags, Diagnostic{Code: DiagZigZagAddresses, Params: map[string]string{
				"address": points[i].Address.String(),
			}})
		}
	}
	return diags
}

// addressDelta approximates the metre distance between two addresses assuming
// nominal thousand-metre kilometres. Negative when b precedes a.
func addressDelta(a, b layout.TrackMeter) float64 {
	sign := 1.0
	if b.Less(a) {
		a, b = b, a
		sign = -1
	}
	if a.Km == b.Km {
		return sign * (b.Meters - a.Meters)
	}
	km := float64(b.Km.Number - a.Km.Number)
	if km < 0 {
		km = 0
	}
	return sign * (km*1000 - a.Meters + b.Meters)
}
