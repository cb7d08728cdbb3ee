// Package httpapi exposes the control plane, the health and ranking
// endpoints and the outbound streaming channels over one mux router.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/marketscan/scanner/internal/bus"
	"github.com/marketscan/scanner/internal/control"
	"github.com/marketscan/scanner/internal/market"
)

// StateSource mirrors the adapter health view without importing the
// adapter's internals.
type StateSource interface {
	SnapshotState() market.AdapterState
}

// Server wires the HTTP surface. Construct with NewServer, then serve
// Handler() on whatever listener the entrypoint owns.
type Server struct {
	plane      *control.Plane
	frames     *bus.Broadcast
	state      StateSource
	adminToken string
	registry   *prometheus.Registry
	upgrader   websocket.Upgrader
}

// NewServer builds the HTTP surface over the control plane and frame bus.
func NewServer(plane *control.Plane, frames *bus.Broadcast, state StateSource, adminToken string, registry *prometheus.Registry) *Server {
	return &Server{
		plane:      plane,
		frames:     frames,
		state:      state,
		adminToken: adminToken,
		registry:   registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler assembles the router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.requestID)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/rankings", s.handleRankings).Methods(http.MethodGet)
	r.HandleFunc("/ws/rankings", s.handleWebSocket)
	r.HandleFunc("/events", s.handleSSE).Methods(http.MethodGet)
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	admin := r.PathPrefix("/control").Subrouter()
	admin.Use(s.requireAdmin)
	admin.HandleFunc("/pause", s.handlePause).Methods(http.MethodPost)
	admin.HandleFunc("/resume", s.handleResume).Methods(http.MethodPost)
	admin.HandleFunc("/force-scan", s.handleForceScan).Methods(http.MethodPost)
	admin.HandleFunc("/breaker", s.handleBreaker).Methods(http.MethodPost)
	admin.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	return r
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		log.Debug().Str("request_id", id).Str("method", r.Method).Str("path", r.URL.Path).
			Msg("http request")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}
		if s.adminToken == "" || r.Header.Get("X-Admin-Token") != s.adminToken {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "admin token required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type actorRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

type breakerRequest struct {
	State  string `json:"state"`
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func decodeActor(r *http.Request) actorRequest {
	var req actorRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Actor == "" {
		req.Actor = "api"
	}
	return req
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.plane.Health()
	ctl := s.plane.State(20)

	var adapterState market.AdapterState
	if s.state != nil {
		adapterState = s.state.SnapshotState()
	}
	status := "ok"
	if health.FailureStreak > 0 || adapterState.State == market.BreakerOpen {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  status,
		"sla":     health.SLAStatus(),
		"health":  health,
		"control": ctl,
		"adapter": adapterState,
	})
}

// handleRankings returns the last good frame, 204 before the first cycle.
func (s *Server) handleRankings(w http.ResponseWriter, r *http.Request) {
	frame := s.frames.LastFrame()
	if frame == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, frame)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	req := decodeActor(r)
	s.plane.Pause(req.Actor, req.Reason)
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	req := decodeActor(r)
	s.plane.Resume(req.Actor, req.Reason)
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (s *Server) handleForceScan(w http.ResponseWriter, r *http.Request) {
	req := decodeActor(r)
	result := s.plane.ForceScan(req.Actor, req.Reason)
	status := http.StatusOK
	if !result.Queued {
		status = http.StatusConflict
	}
	writeJSON(w, status, result)
}

func (s *Server) handleBreaker(w http.ResponseWriter, r *http.Request) {
	var req breakerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if req.State != control.BreakerOpen && req.State != control.BreakerClosed {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid state %q", req.State)})
		return
	}
	if req.Actor == "" {
		req.Actor = "api"
	}
	breaker := s.plane.SetManualBreaker(req.State, req.Actor, req.Reason)
	writeJSON(w, http.StatusOK, breaker)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.plane.State(20))
}

// handleWebSocket streams each published frame as one JSON text message.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.frames.Subscribe()
	defer sub.Close()

	// reader goroutine surfaces client close
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case frame, ok := <-sub.C:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(frame); err != nil {
				log.Debug().Err(err).Msg("websocket write failed, dropping client")
				return
			}
		}
	}
}

// handleSSE streams frames as `data: <json>` events.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := s.frames.Subscribe()
	defer sub.Close()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-sub.C:
			if !ok {
				return
			}
			payload, err := json.Marshal(frame)
			if err != nil {
				log.Error().Err(err).Msg("failed to encode SSE frame")
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}
