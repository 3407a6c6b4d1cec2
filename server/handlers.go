package server

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	dbpkg "github.com/onnwee/stream-herald/db"
	"github.com/onnwee/stream-herald/monitor"
	"github.com/onnwee/stream-herald/subs"
)

// Handlers carries the dependencies of the operational endpoints.
type Handlers struct {
	db    *sql.DB
	repo  *dbpkg.Repo
	store *subs.Store
	rec   *monitor.Reconciler
}

func NewHandlers(database *sql.DB, store *subs.Store, rec *monitor.Reconciler) *Handlers {
	return &Handlers{db: database, repo: &dbpkg.Repo{DB: database}, store: store, rec: rec}
}

// HandleHealthz responds to liveness probes by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probes. Ready means the database is
// reachable; the poller tolerates transient upstream failures on its own.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":       "not_ready",
			"failed_check": "database",
			"error":        err.Error(),
		})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

type statusResponse struct {
	TrackedChannels int       `json:"tracked_channels"`
	LiveChannels    []string  `json:"live_channels"`
	LastCycle       time.Time `json:"last_cycle,omitempty"`
}

// HandleStatus summarizes the poller: how many channels are watched, which
// are live, and when the last cycle completed.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		TrackedChannels: h.store.ChannelCount(),
		LiveChannels:    h.rec.LiveChannels(),
	}
	// Heartbeat is best-effort; a db hiccup should not fail the endpoint.
	if last, err := h.repo.LastCycle(r.Context()); err == nil {
		resp.LastCycle = last
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
