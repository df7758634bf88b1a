// File path: internal/api/layout_handler.go
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	chi "github.com/go-chi/chi/v5"

	"github.com/railforge/tracklayout/internal/changes"
	"github.com/railforge/tracklayout/internal/geocoding"
	"github.com/railforge/tracklayout/internal/layout"
)

// handleAddressChanges diffs the linear addressing of one location track
// between two moments: which kilometres changed and whether the endpoints
// moved.
func (s *Server) handleAddressChanges(w http.ResponseWriter, r *http.Request) {
	branch, err := layout.ParseBranch(chi.URLParam(r, "branch"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	trackID := layout.AssetID(strings.TrimSpace(r.URL.Query().Get("track")))
	if trackID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("track query parameter required"))
		return
	}
	from, err := parseMoment(r.URL.Query().Get("from"), time.Time{})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	to, err := parseMoment(r.URL.Query().Get("to"), time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	before, err := s.trackAddresses(r, branch, trackID, from)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	after, err := s.trackAddresses(r, branch, trackID, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	diff := geocoding.ResolveChangedGeometryKilometers(before, after)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"locationTrackId": trackID,
		"startMoment":     from,
		"endMoment":       to,
		"diff":            diff,
	})
}

// trackAddresses samples the track's addressing at the moment, or nil when
// the track or its addressing context did not exist then.
func (s *Server) trackAddresses(r *http.Request, branch layout.Branch, trackID layout.AssetID, moment time.Time) (*geocoding.AlignmentAddresses, error) {
	ctx := r.Context()
	asset, err := s.store.FetchAtMoment(ctx, layout.KindLocationTrack, trackID, branch, moment)
	if err != nil {
		return nil, err
	}
	track, ok := asset.(*layout.LocationTrack)
	if !ok || track == nil || track.State.Deleted() {
		return nil, nil
	}

	lines, err := s.store.ListAtMoment(ctx, layout.KindReferenceLine, branch, moment)
	if err != nil {
		return nil, err
	}
	var refLine *layout.ReferenceLine
	for _, candidate := range lines {
		if line, ok := candidate.(*layout.ReferenceLine); ok && line.TrackNumberID == track.TrackNumberID {
			refLine = line
			break
		}
	}
	if refLine == nil {
		return nil, nil
	}

	postAssets, err := s.store.ListAtMoment(ctx, layout.KindKmPost, branch, moment)
	if err != nil {
		return nil, err
	}
	var posts []layout.KmPost
	for _, candidate := range postAssets {
		if post, ok := candidate.(*layout.KmPost); ok && post.TrackNumberID == track.TrackNumberID && !post.State.Deleted() {
			posts = append(posts, *post)
		}
	}

	gctx, err := geocoding.NewContext(refLine, posts)
	if err != nil {
		return nil, nil
	}
	return gctx.AlignmentAddresses(track.Geometry, s.resolution), nil
}

// handleChangesBetween runs the cascade engine over a named change set.
func (s *Server) handleChangesBetween(w http.ResponseWriter, r *http.Request) {
	var req changes.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.EndMoment.IsZero() {
		req.EndMoment = time.Now()
	}
	result, err := s.engine.Between(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func parseMoment(raw string, fallback time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	moment, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid moment %q: %w", raw, err)
	}
	return moment, nil
}
