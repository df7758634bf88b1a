// File path: internal/api/publication_handler.go
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	chi "github.com/go-chi/chi/v5"

	"github.com/railforge/tracklayout/internal/layout"
	"github.com/railforge/tracklayout/internal/publication"
	"github.com/railforge/tracklayout/internal/store"
)

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	branch, err := layout.ParseBranch(r.URL.Query().Get("branch"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	candidates, err := publication.CollectCandidates(r.Context(), s.store, branch)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, candidates)
}

type validateRequest struct {
	Branch string       `json:"branch"`
	Refs   []layout.Ref `json:"refs,omitempty"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	branch, err := layout.ParseBranch(req.Branch)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx := r.Context()
	candidates, err := publication.CollectCandidates(ctx, s.store, branch)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	requested := req.Refs
	if len(requested) == 0 {
		requested = candidates.Refs()
	}
	unit, err := publication.ResolveDependencies(ctx, s.store, s.splits, candidates, requested)
	if err != nil {
		if errors.Is(err, publication.ErrNotCandidate) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	result, err := s.validator.Validate(ctx, candidates, unit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"unit":       unit,
		"validation": result,
	})
}

type publishRequest struct {
	Branch  string       `json:"branch"`
	Refs    []layout.Ref `json:"refs,omitempty"`
	Message string       `json:"message"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	branch, err := layout.ParseBranch(req.Branch)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := s.manager.Publish(r.Context(), publication.PublishRequest{
		Branch:  branch,
		Refs:    req.Refs,
		Message: req.Message,
		Cause:   store.CauseManual,
	})
	if err != nil {
		if errors.Is(err, publication.ErrNotCandidate) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	status := http.StatusOK
	if result.Validation.Blocked() {
		status = http.StatusConflict
	}
	writeJSON(w, status, result)
}

type mergeRequest struct {
	DesignID string `json:"designId"`
	Message  string `json:"message"`
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	var req mergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	designID := layout.DesignID(strings.TrimSpace(req.DesignID))
	if designID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("designId required"))
		return
	}
	result, err := s.manager.Merge(r.Context(), designID, req.Message)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	status := http.StatusOK
	if result.Validation.Blocked() {
		status = http.StatusConflict
	}
	writeJSON(w, status, result)
}

type revertRequest struct {
	Branch string       `json:"branch"`
	Refs   []layout.Ref `json:"refs"`
}

func (s *Server) handleRevert(w http.ResponseWriter, r *http.Request) {
	var req revertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	branch, err := layout.ParseBranch(req.Branch)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Refs) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("refs required"))
		return
	}
	reverted, err := s.manager.Revert(r.Context(), branch, req.Refs)
	if err != nil {
		if errors.Is(err, publication.ErrNotCandidate) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reverted": reverted})
}

func (s *Server) handleListPublications(w http.ResponseWriter, r *http.Request) {
	branch, err := layout.ParseBranch(r.URL.Query().Get("branch"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pubs, err := s.log.ListPublications(r.Context(), branch)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"publications": pubs})
}

func (s *Server) handlePublication(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pub, err := s.log.Publication(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, pub)
}

func (s *Server) handleListSplits(w http.ResponseWriter, r *http.Request) {
	branch, err := layout.ParseBranch(r.URL.Query().Get("branch"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	splits, err := s.splits.ListSplits(r.Context(), branch)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"splits": splits})
}
