// Package httpapi exposes a minimal read-only admin/progress surface over
// a running (or completed) pipeline: run status, the latest ProgressEvent,
// and a websocket stream of progress updates as they happen. Modeled on
// the chi-router-plus-handler-methods shape used across the corpus's HTTP
// services (route registration on *chi.Mux, one method per endpoint on a
// Server struct).
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/tachyon-beep/elspeth-sub005/internal/audit/model"
)

// ProgressSource answers the questions this surface needs about a run:
// its terminal/current status and its latest progress snapshot. The
// orchestrator package does not depend on httpapi — cmd/elspethd wires a
// concrete implementation (ProgressRegistry, in registry.go) into both.
type ProgressSource interface {
	RunStatus(runID string) (model.RunStatus, bool)
	LatestProgress(runID string) (model.ProgressEvent, bool)
	Subscribe(runID string) (<-chan model.ProgressEvent, func())
}

// Server wraps a chi.Mux exposing the progress/admin endpoints.
type Server struct {
	router  *chi.Mux
	source  ProgressSource
	log     *logrus.Entry
	metrics bool
}

// New constructs a Server. metricsEnabled mounts /metrics via
// promhttp.Handler; disable it when a separate metrics port is preferred.
func New(source ProgressSource, log *logrus.Entry, metricsEnabled bool) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{router: chi.NewRouter(), source: source, log: log, metrics: metricsEnabled}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.logRequests)

	s.router.Get("/healthz", s.handleHealth)
	if s.metrics {
		s.router.Handle("/metrics", promhttp.Handler())
	}
	s.router.Route("/runs/{runID}", func(r chi.Router) {
		r.Get("/", s.handleRunStatus)
		r.Get("/progress", s.handleProgress)
		r.Get("/progress/ws", s.handleProgressWS)
	})
}

// ServeHTTP satisfies http.Handler so Server can be passed directly to
// http.Server.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("httpapi: request handled")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	status, ok := s.source.RunStatus(runID)
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": string(status)})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	progress, ok := s.source.LatestProgress(runID)
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Progress is read-only operational data served to operators on a
	// trusted admin surface, not browser-facing content that needs
	// origin-locked CORS; same-origin checks are left to a reverse proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleProgressWS streams every ProgressEvent the run produces until the
// run reaches a terminal status or the client disconnects.
func (s *Server) handleProgressWS(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, ok := s.source.RunStatus(runID); !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("httpapi: websocket upgrade failed")
		return
	}
	defer conn.Close()

	ch, unsubscribe := s.source.Subscribe(runID)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.drainClientReads(conn, cancel)

	if progress, ok := s.source.LatestProgress(runID); ok {
		if err := conn.WriteJSON(progress); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}

// drainClientReads discards inbound frames (this endpoint is send-only)
// so gorilla/websocket's control-frame handling (ping/pong, close) keeps
// working, and cancels ctx once the client disconnects.
func (s *Server) drainClientReads(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
