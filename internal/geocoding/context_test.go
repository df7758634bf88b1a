// File path: internal/geocoding/context_test.go
package geocoding

import (
	"testing"
	"time"

	"github.com/paulmach/orb"

	"github.com/railforge/tracklayout/internal/layout"
)

func timeAt(sec int64) time.Time { return time.Unix(sec, 0) }

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

func km(number int) layout.KmNumber { return layout.KmNumber{Number: number} }

// testContext builds a context over a straight reference line from x=0 to
// x=length with a km post at every kilometre boundary.
func testContext(t *testing.T, length float64) *Context {
	t.Helper()
	refLine := &layout.ReferenceLine{
		ID:            "rl-1",
		TrackNumberID: "tn-1",
		StartAddress:  layout.TrackMeter{Km: km(0)},
		Geometry:      straightLine(t, 0, length),
	}
	var posts []layout.KmPost
	for x := 1000.0; x < length; x += 1000 {
		posts = append(posts, layout.KmPost{
			ID:            layout.AssetID(layout.TrackMeter{Km: km(int(x / 1000))}.String()),
			TrackNumberID: "tn-1",
			Km:            km(int(x / 1000)),
			Location:      orb.Point{x, 0},
			State:         layout.StateInUse,
		})
	}
	ctx, err := NewContext(refLine, posts)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	if diags := ctx.Diagnostics(); len(diags) != 0 {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}
	return ctx
}

func TestAddressAtM(t *testing.T) {
	ctx := testContext(t, 5000)
	cases := []struct {
		m    float64
		want layout.TrackMeter
	}{
		{m: 0, want: layout.TrackMeter{Km: km(0), Meters: 0}},
		{m: 500, want: layout.TrackMeter{Km: km(0), Meters: 500}},
		{m: 1000, want: layout.TrackMeter{Km: km(1), Meters: 0}},
		{m: 2750, want: layout.TrackMeter{Km: km(2), Meters: 750}},
		{m: 4999, want: layout.TrackMeter{Km: km(4), Meters: 999}},
	}
	for _, tc := range cases {
		if got := ctx.AddressAtM(tc.m); got != tc.want {
			t.Fatalf("AddressAtM(%v) = %s, want %s", tc.m, got, tc.want)
		}
	}
}

func TestAddressIntersectTypes(t *testing.T) {
	ctx := testContext(t, 5000)
	if _, intersect := ctx.Address(orb.Point{2500, 30}); intersect != IntersectWithin {
		t.Fatalf("point beside the line should be WITHIN, got %s", intersect)
	}
	if _, intersect := ctx.Address(orb.Point{-100, 0}); intersect != IntersectBefore {
		t.Fatalf("point before the line should be BEFORE, got %s", intersect)
	}
	if _, intersect := ctx.Address(orb.Point{5200, 10}); intersect != IntersectAfter {
		t.Fatalf("point after the line should be AFTER, got %s", intersect)
	}
}

func TestStartAddressOffset(t *testing.T) {
	refLine := &layout.ReferenceLine{
		ID:            "rl-2",
		TrackNumberID: "tn-2",
		StartAddress:  layout.TrackMeter{Km: km(6), Meters: 200},
		Geometry:      straightLine(t, 0, 2000),
	}
	ctx, err := NewContext(refLine, []layout.KmPost{
		{ID: "kp-7", TrackNumberID: "tn-2", Km: km(7), Location: orb.Point{800, 0}, State: layout.StateInUse},
	})
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	if got := ctx.AddressAtM(500); got != (layout.TrackMeter{Km: km(6), Meters: 700}) {
		t.Fatalf("AddressAtM(500) = %s", got)
	}
	if got := ctx.AddressAtM(900); got != (layout.TrackMeter{Km: km(7), Meters: 100}) {
		t.Fatalf("AddressAtM(900) = %s", got)
	}
}

func TestContextDiagnostics(t *testing.T) {
	refLine := &layout.ReferenceLine{
		ID:            "rl-3",
		TrackNumberID: "tn-3",
		StartAddress:  layout.TrackMeter{Km: km(2)},
		Geometry:      straightLine(t, 0, 3000),
	}
	posts := []layout.KmPost{
		// Before the start address.
		{ID: "kp-1", Km: km(1), Location: orb.Point{500, 0}, State: layout.StateInUse},
		// Fine.
		{ID: "kp-3", Km: km(3), Location: orb.Point{1000, 0}, State: layout.StateInUse},
		// Projects before km 3's post: out of order.
		{ID: "kp-4", Km: km(4), Location: orb.Point{800, 0}, State: layout.StateInUse},
		// Too far from the line.
		{ID: "kp-5", Km: km(5), Location: orb.Point{2000, 5000}, State: layout.StateInUse},
		// Beyond the line end.
		{ID: "kp-6", Km: km(6), Location: orb.Point{3100, 0}, State: layout.StateInUse},
	}
	ctx, err := NewContext(refLine, posts)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	codes := make(map[string]int)
	for _, d := range ctx.Diagnostics() {
		codes[d.Code]++
	}
	for _, want := range []string{DiagKmPostBeforeStart, DiagKmPostsOutOfOrder, DiagKmPostFarFromLine, DiagKmPostOutsideLine} {
		if codes[want] != 1 {
			t.Fatalf("expected one %s diagnostic, got %v", want, codes)
		}
	}
	// The surviving post still anchors addressing.
	if got := ctx.AddressAtM(1200); got != (layout.TrackMeter{Km: km(3), Meters: 200}) {
		t.Fatalf("AddressAtM(1200) = %s", got)
	}
}

func TestNewContextRequiresGeometry(t *testing.T) {
	if _, err := NewContext(nil, nil); err == nil {
		t.Fatalf("expected error for nil reference line")
	}
	if _, err := NewContext(&layout.ReferenceLine{ID: "rl"}, nil); err == nil {
		t.Fatalf("expected error for empty geometry")
	}
}

func TestAlignmentAddressesSampling(t *testing.T) {
	ctx := testContext(t, 5000)
	track := straightLine(t, 1000, 3000)
	addr := ctx.AlignmentAddresses(track, 100)
	if addr.Start.Address != (layout.TrackMeter{Km: km(1)}) {
		t.Fatalf("start address = %s", addr.Start.Address)
	}
	if addr.End.Address != (layout.TrackMeter{Km: km(3)}) {
		t.Fatalf("end address = %s", addr.End.Address)
	}
	if len(addr.MidPoints) != 19 {
		t.Fatalf("expected 19 mid points, got %d", len(addr.MidPoints))
	}
	for i := 1; i < len(addr.MidPoints); i++ {
		if !addr.MidPoints[i-1].Address.Less(addr.MidPoints[i].Address) {
			t.Fatalf("mid point addresses not ordered at %d", i)
		}
	}
}

func TestCheckAddressGeometry(t *testing.T) {
	ctx := testContext(t, 5000)
	straight := ctx.AlignmentAddresses(straightLine(t, 0, 2000), 100)
	if diags := CheckAddressGeometry(straight); len(diags) != 0 {
		t.Fatalf("straight addressing should be clean, got %v", diags)
	}

	// A hard reversal in the sampled geometry zig-zags.
	zigzag := &AlignmentAddresses{
		Start: straight.Start,
		End:   straight.End,
		MidPoints: []AddressPoint{
			{Point: orb.Point{100, 0}, Address: layout.TrackMeter{Km: km(0), Meters: 100}, Intersect: IntersectWithin},
			{Point: orb.Point{200, 0}, Address: layout.TrackMeter{Km: km(0), Meters: 200}, Intersect: IntersectWithin},
			{Point: orb.Point{120, 0}, Address: layout.TrackMeter{Km: km(0), Meters: 201}, Intersect: IntersectWithin},
		},
	}
	found := false
	for _, d := range CheckAddressGeometry(zigzag) {
		if d.Code == DiagZigZagAddresses {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected zig-zag diagnostic")
	}

	// Address distance far exceeding geometric distance stretches.
	stretched := &AlignmentAddresses{
		Start: straight.Start,
		End:   straight.End,
		MidPoints: []AddressPoint{
			{Point: orb.Point{100, 0}, Address: layout.TrackMeter{Km: km(0), Meters: 100}, Intersect: IntersectWithin},
			{Point: orb.Point{110, 0}, Address: layout.TrackMeter{Km: km(0), Meters: 400}, Intersect: IntersectWithin},
		},
	}
	found = false
	for _, d := range CheckAddressGeometry(stretched) {
		if d.Code == DiagStretchedAddresses {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected stretched diagnostic")
	}
}

func TestContextCache(t *testing.T) {
	cache := NewContextCache()
	builds := 0
	key := NewCacheKey("tn-1", layout.MainBranch(), timeAt(1))
	build := func() (*Context, error) {
		builds++
		return nil, nil
	}
	for i := 0; i < 3; i++ {
		if _, err := cache.Get(key, build); err != nil {
			t.Fatalf("cache get: %v", err)
		}
	}
	if builds != 1 {
		t.Fatalf("expected one build, got %d", builds)
	}
	other := NewCacheKey("tn-1", layout.MainBranch(), timeAt(2))
	if _, err := cache.Get(other, build); err != nil {
		t.Fatalf("cache get: %v", err)
	}
	if builds != 2 || cache.Len() != 2 {
		t.Fatalf("expected distinct entry per moment, builds=%d len=%d", builds, cache.Len())
	}
}
