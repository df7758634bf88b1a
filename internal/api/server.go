// File path: internal/api/server.go
package api

import (
	"encoding/json"
	"expvar"
	"fmt"
	"net/http"
	"strconv"
	"time"

	chi "github.com/go-chi/chi/v5"

	"github.com/railforge/tracklayout/internal/changes"
	"github.com/railforge/tracklayout/internal/common"
	"github.com/railforge/tracklayout/internal/publication"
	"github.com/railforge/tracklayout/internal/store"
)

// Server exposes the layout store, the cascade engine and the publication
// pipeline over HTTP.
type Server struct {
	router    chi.Router
	store     store.Store
	log       store.PublicationLog
	splits    store.SplitStore
	manager   *publication.Manager
	validator *publication.Validator
	engine    *changes.Engine

	resolution float64
}

// Config controls optional server behavior.
type Config struct {
	// AddressResolution is the sampling interval in metres used by the
	// address-changes endpoint.
	AddressResolution float64
}

// DefaultConfig returns the standard configuration used when no overrides are
// provided.
func DefaultConfig() Config {
	return Config{AddressResolution: 1}
}

// Merge overlays non-zero configuration values from the override onto the
// base configuration.
func (c Config) Merge(override Config) Config {
	result := c
	if override.AddressResolution > 0 {
		result.AddressResolution = override.AddressResolution
	}
	return result
}

func NewServer(st store.Store, log store.PublicationLog, splits store.SplitStore, manager *publication.Manager, validator *publication.Validator, engine *changes.Engine, cfg *Config) (*Server, error) {
	logger := common.Logger()
	if st == nil {
		return nil, fmt.Errorf("layout store required")
	}
	if manager == nil {
		return nil, fmt.Errorf("publication manager required")
	}
	if validator == nil {
		return nil, fmt.Errorf("validator required")
	}
	if engine == nil {
		return nil, fmt.Errorf("change engine required")
	}
	configuration := DefaultConfig()
	if cfg != nil {
		configuration = configuration.Merge(*cfg)
	}
	srv := &Server{
		router:     chi.NewRouter(),
		store:      st,
		log:        log,
		splits:     splits,
		manager:    manager,
		validator:  validator,
		engine:     engine,
		resolution: configuration.AddressResolution,
	}
	srv.routes()
	logger.Info("api: server ready", "resolution", configuration.AddressResolution)
	return srv, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	logger := common.Logger()
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("request", "method", r.Method, "path", r.URL.Path, "dur", time.Since(start), "remote", r.RemoteAddr)
		})
	})

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	s.router.Handle("/debug/vars", expvar.Handler())
	s.router.Get("/api/logs", s.handleLogs)

	s.router.Get("/api/layout/{branch}/address-changes", s.handleAddressChanges)
	s.router.Post("/api/changes/between", s.handleChangesBetween)
	s.router.Get("/api/publications/candidates", s.handleCandidates)
	s.router.Post("/api/publications/validate", s.handleValidate)
	s.router.Post("/api/publications", s.handlePublish)
	s.router.Post("/api/publications/merge", s.handleMerge)
	s.router.Post("/api/publications/revert", s.handleRevert)
	s.router.Get("/api/publications", s.handleListPublications)
	s.router.Get("/api/publications/{id}", s.handlePublication)
	s.router.Get("/api/splits", s.handleListSplits)
}

// handleLogs returns the most recent captured log entries, oldest first. An
// optional limit query bounds the count from the tail.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	entries := common.LogEntries()
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		if limit < len(entries) {
			entries = entries[len(entries)-limit:]
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(entries),
		"entries": entries,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	logger := common.Logger()
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "status", status, "error", err)
	} else {
		logger.Warn("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
