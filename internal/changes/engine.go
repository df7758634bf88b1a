// File path: internal/changes/engine.go
package changes

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/paulmach/orb/planar"

	"github.com/railforge/tracklayout/internal/common"
	"github.com/railforge/tracklayout/internal/common/telemetry"
	"github.com/railforge/tracklayout/internal/geocoding"
	"github.com/railforge/tracklayout/internal/layout"
)

const jointMoveTolerance = 0.001

// Engine derives the closed set of calculated changes from a set of directly
// edited entities by cascading through the layout dependency graph: track
// number edits reach their location tracks, location track edits reach the
// switches their geometry or topology references.
type Engine struct {
	source     LayoutSource
	resolution float64
}

// Option adjusts engine construction.
type Option func(*Engine)

// WithResolution overrides the along-track address sampling interval.
func WithResolution(resolution float64) Option {
	return func(e *Engine) {
		if resolution > 0 {
			e.resolution = resolution
		}
	}
}

// NewEngine builds a cascade engine over the given versioned source.
func NewEngine(source LayoutSource, opts ...Option) *Engine {
	e := &Engine{source: source, resolution: 1}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithSource returns a copy of the engine reading from the given source,
// keeping its configuration.
func (e *Engine) WithSource(source LayoutSource) *Engine {
	clone := *e
	clone.source = source
	return &clone
}

// Between computes direct and indirect changes for the request's entities
// over its moment window. An empty request yields an empty result without
// touching the source.
func (e *Engine) Between(ctx context.Context, req Request) (CalculatedChanges, error) {
	if req.EmptyRequest() {
		return CalculatedChanges{}, nil
	}
	ctx, finish := telemetry.StartSpan(ctx, "changes.between")
	logger := common.Logger()
	r := &run{
		engine: e,
		req:    req,
		cache:  geocoding.NewContextCache(),
	}

	tnDirect := make(map[layout.AssetID]*TrackNumberChange)
	for _, id := range dedupIDs(req.TrackNumberIDs) {
		change, err := r.trackNumberChange(ctx, id)
		if err != nil {
			return CalculatedChanges{}, fmt.Errorf("track number %s: %w", id, err)
		}
		tnDirect[id] = change
	}

	ltDirect := make(map[layout.AssetID]*LocationTrackChange)
	for _, id := range dedupIDs(req.LocationTrackIDs) {
		change, err := r.locationTrackChange(ctx, id)
		if err != nil {
			return CalculatedChanges{}, fmt.Errorf("location track %s: %w", id, err)
		}
		ltDirect[id] = change
	}

	swDirect := make(map[layout.AssetID]*SwitchChange)
	for _, id := range dedupIDs(req.SwitchIDs) {
		change, err := r.switchChange(ctx, id)
		if err != nil {
			return CalculatedChanges{}, fmt.Errorf("switch %s: %w", id, err)
		}
		swDirect[id] = change
	}

	// Track number changes cascade to every location track of the number.
	ltIndirect := make(map[layout.AssetID]*LocationTrackChange)
	for tnID, tnChange := range tnDirect {
		if !tnChange.isChanged() {
			continue
		}
		trackIDs, err := r.tracksOfNumber(ctx, tnID)
		if err != nil {
			return CalculatedChanges{}, err
		}
		for _, trackID := range trackIDs {
			if _, direct := ltDirect[trackID]; direct {
				continue
			}
			change, err := r.locationTrackChange(ctx, trackID)
			if err != nil {
				return CalculatedChanges{}, fmt.Errorf("location track %s: %w", trackID, err)
			}
			if !change.isChanged() {
				continue
			}
			if existing, ok := ltIndirect[trackID]; ok {
				existing.merge(change)
			} else {
				ltIndirect[trackID] = change
			}
		}
	}

	// Location track changes cascade to the joints of their linked switches.
	swIndirect := make(map[layout.AssetID]*SwitchChange)
	cascadeTracks := make([]*LocationTrackChange, 0, len(ltDirect)+len(ltIndirect))
	for _, change := range ltDirect {
		cascadeTracks = append(cascadeTracks, change)
	}
	for _, change := range ltIndirect {
		cascadeTracks = append(cascadeTracks, change)
	}
	for _, ltChange := range cascadeTracks {
		if !ltChange.isChanged() {
			continue
		}
		joints, err := r.affectedJoints(ctx, ltChange)
		if err != nil {
			return CalculatedChanges{}, fmt.Errorf("location track %s joints: %w", ltChange.ID, err)
		}
		for swID, entries := range joints {
			if direct, ok := swDirect[swID]; ok {
				direct.mergeJoints(entries)
				continue
			}
			if indirect, ok := swIndirect[swID]; ok {
				indirect.mergeJoints(entries)
				continue
			}
			swIndirect[swID] = &SwitchChange{ID: swID, Joints: entries}
		}
	}

	result := CalculatedChanges{
		Direct: ChangeSet{
			TrackNumbers:   sortedTrackNumbers(tnDirect),
			LocationTracks: sortedLocationTracks(ltDirect),
			Switches:       sortedSwitches(swDirect),
		},
		Indirect: ChangeSet{
			LocationTracks: sortedLocationTracks(ltIndirect),
			Switches:       sortedSwitches(swIndirect),
		},
	}
	entities := len(req.TrackNumberIDs) + len(req.LocationTrackIDs) + len(req.SwitchIDs)
	telemetry.RecordCalculatedChanges(entities, telemetry.SpanDuration(ctx))
	finish("entities", entities)
	logger.Debug("changes: cascade resolved",
		"branch", req.Branch.String(),
		"directTracks", len(result.Direct.LocationTracks),
		"indirectTracks", len(result.Indirect.LocationTracks),
		"indirectSwitches", len(result.Indirect.Switches),
		"contexts", r.cache.Len())
	return result, nil
}

type run struct {
	engine *Engine
	req    Request
	cache  *geocoding.ContextCache
}

// contextAt builds (or recalls) the geocoding context of a track number at a
// moment. A track number with no addressable reference line yields nil.
func (r *run) contextAt(ctx context.Context, trackNumberID layout.AssetID, moment time.Time) (*geocoding.Context, error) {
	key := geocoding.NewCacheKey(trackNumberID, r.req.Branch, moment)
	return r.cache.Get(key, func() (*geocoding.Context, error) {
		asset, err := r.engine.source.FetchAtMoment(ctx, layout.KindTrackNumber, trackNumberID, r.req.Branch, moment)
		if err != nil {
			return nil, err
		}
		trackNumber, _ := asset.(*layout.TrackNumber)
		if trackNumber == nil || trackNumber.State.Deleted() {
			return nil, nil
		}
		refLine, err := r.referenceLineFor(ctx, trackNumberID, moment)
		if err != nil || refLine == nil {
			return nil, err
		}
		kmPosts, err := r.kmPostsFor(ctx, trackNumberID, moment)
		if err != nil {
			return nil, err
		}
		gctx, err := geocoding.NewContext(refLine, kmPosts)
		if err != nil {
			return nil, nil
		}
		return gctx, nil
	})
}

func (r *run) referenceLineFor(ctx context.Context, trackNumberID layout.AssetID, moment time.Time) (*layout.ReferenceLine, error) {
	assets, err := r.engine.source.ListAtMoment(ctx, layout.KindReferenceLine, r.req.Branch, moment)
	if err != nil {
		return nil, err
	}
	for _, asset := range assets {
		if line, ok := asset.(*layout.ReferenceLine); ok && line.TrackNumberID == trackNumberID {
			return line, nil
		}
	}
	return nil, nil
}

func (r *run) kmPostsFor(ctx context.Context, trackNumberID layout.AssetID, moment time.Time) ([]layout.KmPost, error) {
	assets, err := r.engine.source.ListAtMoment(ctx, layout.KindKmPost, r.req.Branch, moment)
	if err != nil {
		return nil, err
	}
	var posts []layout.KmPost
	for _, asset := range assets {
		if post, ok := asset.(*layout.KmPost); ok && post.TrackNumberID == trackNumberID && !post.State.Deleted() {
			posts = append(posts, *post)
		}
	}
	return posts, nil
}

func (r *run) trackAt(ctx context.Context, id layout.AssetID, moment time.Time) (*layout.LocationTrack, error) {
	asset, err := r.engine.source.FetchAtMoment(ctx, layout.KindLocationTrack, id, r.req.Branch, moment)
	if err != nil {
		return nil, err
	}
	track, _ := asset.(*layout.LocationTrack)
	return track, nil
}

func (r *run) switchAt(ctx context.Context, id layout.AssetID, moment time.Time) (*layout.Switch, error) {
	asset, err := r.engine.source.FetchAtMoment(ctx, layout.KindSwitch, id, r.req.Branch, moment)
	if err != nil {
		return nil, err
	}
	sw, _ := asset.(*layout.Switch)
	return sw, nil
}

// trackAddresses samples a location track against its track number's
// addressing at the moment. Deleted and unaddressable tracks yield nil.
func (r *run) trackAddresses(ctx context.Context, track *layout.LocationTrack, moment time.Time) (*geocoding.AlignmentAddresses, error) {
	if track == nil || track.State.Deleted() || track.Geometry.Empty() {
		return nil, nil
	}
	gctx, err := r.contextAt(ctx, track.TrackNumberID, moment)
	if err != nil || gctx == nil {
		return nil, err
	}
	return gctx.AlignmentAddresses(track.Geometry, r.engine.resolution), nil
}

func (r *run) trackNumberChange(ctx context.Context, id layout.AssetID) (*TrackNumberChange, error) {
	startAddr, err := r.referenceAddresses(ctx, id, r.req.StartMoment)
	if err != nil {
		return nil, err
	}
	endAddr, err := r.referenceAddresses(ctx, id, r.req.EndMoment)
	if err != nil {
		return nil, err
	}
	diff := geocoding.ResolveChangedGeometryKilometers(startAddr, endAddr)
	return &TrackNumberChange{
		ID:                id,
		ChangedKm:         diff.ChangedKm,
		StartPointChanged: diff.StartPointChanged,
		EndPointChanged:   diff.EndPointChanged,
	}, nil
}

// referenceAddresses samples the reference line's own geometry against its
// addressing, giving the track number's addressing footprint at the moment.
func (r *run) referenceAddresses(ctx context.Context, trackNumberID layout.AssetID, moment time.Time) (*geocoding.AlignmentAddresses, error) {
	gctx, err := r.contextAt(ctx, trackNumberID, moment)
	if err != nil || gctx == nil {
		return nil, err
	}
	return gctx.AlignmentAddresses(gctx.Line, r.engine.resolution), nil
}

func (r *run) locationTrackChange(ctx context.Context, id layout.AssetID) (*LocationTrackChange, error) {
	startTrack, err := r.trackAt(ctx, id, r.req.StartMoment)
	if err != nil {
		return nil, err
	}
	endTrack, err := r.trackAt(ctx, id, r.req.EndMoment)
	if err != nil {
		return nil, err
	}
	startAddr, err := r.trackAddresses(ctx, startTrack, r.req.StartMoment)
	if err != nil {
		return nil, err
	}
	endAddr, err := r.trackAddresses(ctx, endTrack, r.req.EndMoment)
	if err != nil {
		return nil, err
	}
	diff := geocoding.ResolveChangedGeometryKilometers(startAddr, endAddr)
	change := &LocationTrackChange{
		ID:                id,
		ChangedKm:         diff.ChangedKm,
		StartPointChanged: diff.StartPointChanged,
		EndPointChanged:   diff.EndPointChanged,
	}
	if endTrack != nil {
		change.TrackNumberID = endTrack.TrackNumberID
	} else if startTrack != nil {
		change.TrackNumberID = startTrack.TrackNumberID
	}

	// A topology link edit changes the endpoint even when the geometry is
	// untouched; the changed kilometre is the endpoint's own.
	if topologyLinkChanged(topologyStart(startTrack), topologyStart(endTrack)) {
		change.StartPointChanged = true
		if addr, ok := endpointAddress(startAddr, endAddr, true); ok {
			change.ChangedKm = addKm(change.ChangedKm, addr.Km)
		}
	}
	if topologyLinkChanged(topologyEnd(startTrack), topologyEnd(endTrack)) {
		change.EndPointChanged = true
		if addr, ok := endpointAddress(startAddr, endAddr, false); ok {
			change.ChangedKm = addKm(change.ChangedKm, addr.Km)
		}
	}
	return change, nil
}

func topologyStart(track *layout.LocationTrack) *layout.TopologyLink {
	if track == nil {
		return nil
	}
	return track.TopologyStart
}

func topologyEnd(track *layout.LocationTrack) *layout.TopologyLink {
	if track == nil {
		return nil
	}
	return track.TopologyEnd
}

func topologyLinkChanged(before, after *layout.TopologyLink) bool {
	if before == nil && after == nil {
		return false
	}
	if before == nil || after == nil {
		return true
	}
	return *before != *after
}

func endpointAddress(startAddr, endAddr *geocoding.AlignmentAddresses, start bool) (layout.TrackMeter, bool) {
	pick := func(a *geocoding.AlignmentAddresses) (layout.TrackMeter, bool) {
		if a == nil {
			return layout.TrackMeter{}, false
		}
		if start {
			return a.Start.Address, true
		}
		return a.End.Address, true
	}
	if addr, ok := pick(endAddr); ok {
		return addr, true
	}
	return pick(startAddr)
}

// switchChange compares a switch's joint set between the two moments,
// independent of addressing: added, moved and removed joints.
func (r *run) switchChange(ctx context.Context, id layout.AssetID) (*SwitchChange, error) {
	startSwitch, err := r.switchAt(ctx, id, r.req.StartMoment)
	if err != nil {
		return nil, err
	}
	endSwitch, err := r.switchAt(ctx, id, r.req.EndMoment)
	if err != nil {
		return nil, err
	}
	change := &SwitchChange{ID: id}
	if startSwitch == nil && endSwitch == nil {
		return change, nil
	}
	endAlive := endSwitch != nil && !endSwitch.State.Deleted()
	for _, number := range jointNumberUnion(startSwitch, endSwitch) {
		var startJoint, endJoint layout.SwitchJoint
		var startOK, endOK bool
		if startSwitch != nil && !startSwitch.State.Deleted() {
			startJoint, startOK = startSwitch.Joint(number)
		}
		if endAlive {
			endJoint, endOK = endSwitch.Joint(number)
		}
		switch {
		case startOK && !endOK:
			entry := SwitchJointChange{Number: number, IsRemoved: true, Point: startJoint.Location}
			r.fillJointTrackInfo(ctx, id, number, r.req.StartMoment, &entry)
			change.Joints = append(change.Joints, entry)
		case endOK && (!startOK || planar.Distance(startJoint.Location, endJoint.Location) > jointMoveTolerance):
			entry := SwitchJointChange{Number: number, Point: endJoint.Location}
			r.fillJointTrackInfo(ctx, id, number, r.req.EndMoment, &entry)
			change.Joints = append(change.Joints, entry)
		}
	}
	sortJoints(change.Joints)
	return change, nil
}

func jointNumberUnion(a, b *layout.Switch) []layout.JointNumber {
	seen := make(map[layout.JointNumber]struct{})
	var numbers []layout.JointNumber
	add := func(sw *layout.Switch) {
		if sw == nil {
			return
		}
		for _, j := range sw.Joints {
			if _, ok := seen[j.Number]; ok {
				continue
			}
			seen[j.Number] = struct{}{}
			numbers = append(numbers, j.Number)
		}
	}
	add(a)
	add(b)
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	return numbers
}

// fillJointTrackInfo resolves the track and address context of a joint at a
// moment, best effort: a joint no track links stays without them.
func (r *run) fillJointTrackInfo(ctx context.Context, switchID layout.AssetID, number layout.JointNumber, moment time.Time, entry *SwitchJointChange) {
	assets, err := r.engine.source.ListAtMoment(ctx, layout.KindLocationTrack, r.req.Branch, moment)
	if err != nil {
		return
	}
	for _, asset := range assets {
		track, ok := asset.(*layout.LocationTrack)
		if !ok || track.State.Deleted() || !track.LinksJoint(switchID, number) {
			continue
		}
		entry.LocationTrackID = track.ID
		entry.TrackNumberID = track.TrackNumberID
		if gctx, err := r.contextAt(ctx, track.TrackNumberID, moment); err == nil && gctx != nil {
			address, _ := gctx.Address(entry.Point)
			entry.Address = address
		}
		return
	}
}

func (r *run) tracksOfNumber(ctx context.Context, trackNumberID layout.AssetID) ([]layout.AssetID, error) {
	seen := make(map[layout.AssetID]struct{})
	var ids []layout.AssetID
	for _, moment := range []time.Time{r.req.StartMoment, r.req.EndMoment} {
		assets, err := r.engine.source.ListAtMoment(ctx, layout.KindLocationTrack, r.req.Branch, moment)
		if err != nil {
			return nil, err
		}
		for _, asset := range assets {
			track, ok := asset.(*layout.LocationTrack)
			if !ok || track.TrackNumberID != trackNumberID {
				continue
			}
			if _, dup := seen[track.ID]; dup {
				continue
			}
			seen[track.ID] = struct{}{}
			ids = append(ids, track.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// affectedJoints resolves the switch joint changes a location track change
// implies: joints the track links whose address falls into the changed
// kilometres, newly linked joints, and links removed since the start moment.
func (r *run) affectedJoints(ctx context.Context, ltChange *LocationTrackChange) (map[layout.AssetID][]SwitchJointChange, error) {
	startTrack, err := r.trackAt(ctx, ltChange.ID, r.req.StartMoment)
	if err != nil {
		return nil, err
	}
	endTrack, err := r.trackAt(ctx, ltChange.ID, r.req.EndMoment)
	if err != nil {
		return nil, err
	}
	changedKm := make(map[layout.KmNumber]struct{}, len(ltChange.ChangedKm))
	for _, km := range ltChange.ChangedKm {
		changedKm[km] = struct{}{}
	}

	result := make(map[layout.AssetID][]SwitchJointChange)
	for _, switchID := range switchIDUnion(startTrack, endTrack) {
		sw, err := r.switchAt(ctx, switchID, r.req.EndMoment)
		if err != nil {
			return nil, err
		}
		if sw == nil {
			if sw, err = r.switchAt(ctx, switchID, r.req.StartMoment); err != nil {
				return nil, err
			}
		}
		if sw == nil {
			continue
		}
		for _, joint := range sw.Joints {
			linkedStart := trackLinksJoint(startTrack, switchID, joint.Number)
			linkedEnd := trackLinksJoint(endTrack, switchID, joint.Number)
			switch {
			case linkedEnd:
				entry := SwitchJointChange{
					Number:          joint.Number,
					Point:           joint.Location,
					LocationTrackID: ltChange.ID,
					TrackNumberID:   ltChange.TrackNumberID,
				}
				inChangedKm := false
				if gctx, err := r.contextAt(ctx, ltChange.TrackNumberID, r.req.EndMoment); err == nil && gctx != nil {
					address, _ := gctx.Address(joint.Location)
					entry.Address = address
					_, inChangedKm = changedKm[address.Km]
				}
				if inChangedKm || !linkedStart {
					result[switchID] = append(result[switchID], entry)
				}
			case linkedStart && joint.Number != sw.PresentationJoint:
				entry := SwitchJointChange{
					Number:          joint.Number,
					IsRemoved:       true,
					Point:           joint.Location,
					LocationTrackID: ltChange.ID,
					TrackNumberID:   ltChange.TrackNumberID,
				}
				if gctx, err := r.contextAt(ctx, ltChange.TrackNumberID, r.req.StartMoment); err == nil && gctx != nil {
					address, _ := gctx.Address(joint.Location)
					entry.Address = address
				}
				result[switchID] = append(result[switchID], entry)
			}
		}
	}
	return result, nil
}

func trackLinksJoint(track *layout.LocationTrack, switchID layout.AssetID, joint layout.JointNumber) bool {
	if track == nil || track.State.Deleted() {
		return false
	}
	return track.LinksJoint(switchID, joint)
}

func switchIDUnion(a, b *layout.LocationTrack) []layout.AssetID {
	seen := make(map[layout.AssetID]struct{})
	var ids []layout.AssetID
	add := func(track *layout.LocationTrack) {
		if track == nil {
			return
		}
		for _, id := range track.LinkedSwitchIDs() {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	add(a)
	add(b)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (c *TrackNumberChange) isChanged() bool {
	return len(c.ChangedKm) > 0 || c.StartPointChanged || c.EndPointChanged
}

func (c *LocationTrackChange) isChanged() bool {
	return len(c.ChangedKm) > 0 || c.StartPointChanged || c.EndPointChanged
}

func (c *LocationTrackChange) merge(other *LocationTrackChange) {
	for _, km := range other.ChangedKm {
		c.ChangedKm = addKm(c.ChangedKm, km)
	}
	c.StartPointChanged = c.StartPointChanged || other.StartPointChanged
	c.EndPointChanged = c.EndPointChanged || other.EndPointChanged
}

func (c *SwitchChange) mergeJoints(entries []SwitchJointChange) {
	for _, entry := range entries {
		replaced := false
		for i, existing := range c.Joints {
			if existing.Number == entry.Number && existing.LocationTrackID == entry.LocationTrackID {
				c.Joints[i] = entry
				replaced = true
				break
			}
		}
		if !replaced {
			c.Joints = append(c.Joints, entry)
		}
	}
	sortJoints(c.Joints)
}

func sortJoints(joints []SwitchJointChange) {
	sort.Slice(joints, func(i, j int) bool {
		if joints[i].Number != joints[j].Number {
			return joints[i].Number < joints[j].Number
		}
		return joints[i].LocationTrackID < joints[j].LocationTrackID
	})
}

func addKm(kms []layout.KmNumber, km layout.KmNumber) []layout.KmNumber {
	for _, existing := range kms {
		if existing == km {
			return kms
		}
	}
	kms = append(kms, km)
	sort.Slice(kms, func(i, j int) bool { return kms[i].Less(kms[j]) })
	return kms
}

func dedupIDs(ids []layout.AssetID) []layout.AssetID {
	seen := make(map[layout.AssetID]struct{}, len(ids))
	var out []layout.AssetID
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func sortedTrackNumbers(m map[layout.AssetID]*TrackNumberChange) []TrackNumberChange {
	out := make([]TrackNumberChange, 0, len(m))
	for _, c := range m {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) == 0 {
		return nil
	}
	return out
}

func sortedLocationTracks(m map[layout.AssetID]*LocationTrackChange) []LocationTrackChange {
	out := make([]LocationTrackChange, 0, len(m))
	for _, c := range m {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) == 0 {
		return nil
	}
	return out
}

func sortedSwitches(m map[layout.AssetID]*SwitchChange) []SwitchChange {
	out := make([]SwitchChange, 0, len(m))
	for _, c := range m {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) == 0 {
		return nil
	}
	return out
}
