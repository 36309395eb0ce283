// Package api exposes a small read-only status surface for operators:
// liveness, loop counters, and the current failure ledger.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ignite/yaf2m/internal/store"
)

// StatsSource reports loop counters. Satisfied by *worker.Worker.
type StatsSource interface {
	Stats() map[string]interface{}
}

// Server serves the status endpoints.
type Server struct {
	db    *sql.DB
	store *store.Store
	stats StatsSource
}

// NewServer builds the status server.
func NewServer(db *sql.DB, st *store.Store, stats StatsSource) *Server {
	return &Server{db: db, store: st, stats: stats}
}

// Router returns the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Get("/failures", s.handleFailures)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Stats())
}

func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	failing, err := s.store.FailingGroups(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	type row struct {
		URLsHash  string    `json:"urls_hash"`
		FailCount int       `json:"fail_count"`
		Error     string    `json:"error"`
		FailTime  time.Time `json:"fail_time"`
	}
	rows := make([]row, 0, len(failing))
	for _, f := range failing {
		rows = append(rows, row{
			URLsHash:  f.URLsHash.String(),
			FailCount: f.FailCount,
			Error:     f.Error,
			FailTime:  f.FailTime,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"failures": rows})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
