package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"golang-tick-streamer/internal/fanout"
	"golang-tick-streamer/internal/ingest"
	"golang-tick-streamer/internal/logger"
	"golang-tick-streamer/internal/storage"
	"golang-tick-streamer/internal/subscription"
	"golang-tick-streamer/internal/upstream"
)

// Server bundles the HTTP surface: the viewer stream plus health, stats and
// latest-tick endpoints.
type Server struct {
	ws        *WebSocketHandler
	hub       *fanout.Hub
	manager   *upstream.Manager
	registry  *subscription.Registry
	recorder  *ingest.Recorder
	journal   *storage.Journal
	snapshots *storage.SnapshotCache // nil when disabled
	log       *logger.Entry
}

// NewServer wires the HTTP surface to the core components. snapshots may be
// nil.
func NewServer(hub *fanout.Hub, manager *upstream.Manager, registry *subscription.Registry, recorder *ingest.Recorder, journal *storage.Journal, snapshots *storage.SnapshotCache, log *logger.Log) *Server {
	return &Server{
		ws:        NewWebSocketHandler(hub, log),
		hub:       hub,
		manager:   manager,
		registry:  registry,
		recorder:  recorder,
		journal:   journal,
		snapshots: snapshots,
		log:       log.WithComponent("api"),
	}
}

// Routes returns the configured mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/stream", s.ws.HandleViewerStream)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/latest/", s.handleLatest)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status":    "healthy",
		"feed":      s.manager.State().String(),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	processed, dropped := s.recorder.Stats()

	writeJSON(w, map[string]interface{}{
		"feed_state":        s.manager.State().String(),
		"subscribed_keys":   s.registry.Size(),
		"viewers":           s.hub.ViewerCount(),
		"batches_processed": processed,
		"batches_dropped":   dropped,
		"journal_appends":   s.journal.Appends(),
		"journal_path":      s.journal.Path(),
		"snapshot_cache":    s.snapshots != nil,
		"timestamp":         time.Now().Format(time.RFC3339),
	})
}

// handleLatest serves the Redis snapshot for one instrument key, e.g.
// GET /api/latest/NSE_EQ|INE002A01018.
func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	if s.snapshots == nil {
		http.Error(w, "snapshot cache disabled", http.StatusNotFound)
		return
	}

	key := strings.TrimPrefix(r.URL.Path, "/api/latest/")
	if key == "" {
		http.Error(w, "missing instrument key", http.StatusBadRequest)
		return
	}

	snapshot, err := s.snapshots.GetLatest(key)
	if err != nil {
		s.log.WithError(err).Warn("snapshot read failed")
		http.Error(w, "snapshot cache unavailable", http.StatusServiceUnavailable)
		return
	}
	if snapshot == nil {
		http.Error(w, "no snapshot for instrument", http.StatusNotFound)
		return
	}

	writeJSON(w, snapshot)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}
