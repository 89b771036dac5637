// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/OniSong/Error.EXE/internal/router"
	"github.com/OniSong/Error.EXE/internal/telemetry"
	"github.com/OniSong/Error.EXE/internal/util"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = "127.0.0.1:8787"

	// MaxQueryBytes is the largest accepted query.
	MaxQueryBytes = 32 * 1024

	// maxRequestBodySize leaves room for JSON escaping around a full query.
	maxRequestBodySize = 2*MaxQueryBytes + 1024

	// DefaultRequestTimeout bounds a single /v1/route call.
	DefaultRequestTimeout = 3 * time.Minute

	// healthProbeTimeout bounds the availability snapshot behind /health.
	healthProbeTimeout = 5 * time.Second
)

// ErrServerRunning is returned by Start when the server is already serving.
var ErrServerRunning = errors.New("server already running")

// ============================================================================
// SERVER
// ============================================================================

// Router is the routing surface the API exposes. *router.Router satisfies it.
type Router interface {
	RouteSync(ctx context.Context, query string) (string, error)
	ClearFailureState()
	FailureCount() int
	InFlight() int
	Snapshot(ctx context.Context) (router.Availability, error)
}

// Config configures the HTTP API.
type Config struct {
	Addr              string
	BearerToken       string
	RequestsPerSecond float64 // 0 disables rate limiting
	Burst             int
	RequestTimeout    time.Duration
	Version           string
}

// Server is the HTTP API in front of a Router.
type Server struct {
	cfg     Config
	mux     *http.ServeMux
	handler http.Handler

	router   Router
	stats    *telemetry.Stats
	gatherer prometheus.Gatherer

	mu     sync.Mutex
	server *http.Server
}

// New creates a Server. stats and gatherer may be nil, in which case /stats
// and /metrics answer 404.
func New(cfg Config, rt Router, stats *telemetry.Stats, gatherer prometheus.Gatherer) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	s := &Server{
		cfg:      cfg,
		mux:      http.NewServeMux(),
		router:   rt,
		stats:    stats,
		gatherer: gatherer,
	}
	s.setupRoutes()

	var limiter *RateLimiter
	if cfg.RequestsPerSecond > 0 {
		limiter = NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst)
	}
	s.handler = Chain(
		RecoveryMiddleware(),
		SecurityHeadersMiddleware(),
		LoggingMiddleware(),
		RateLimitMiddleware(limiter),
		AuthMiddleware(cfg.BearerToken),
	)(s.mux)

	return s
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.cfg.Addr
}

// ============================================================================
// ROUTES
// ============================================================================

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("POST /v1/route", s.handleRoute)
	s.mux.HandleFunc("POST /v1/reset", s.handleReset)

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /stats", s.handleStats)

	if s.gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

// ============================================================================
// ROUTE HANDLERS
// ============================================================================

// RouteRequest is the body of POST /v1/route.
type RouteRequest struct {
	Query string `json:"query"`
}

// RouteResponse is the reply of POST /v1/route.
type RouteResponse struct {
	Response string `json:"response"`
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("query exceeds %d bytes", MaxQueryBytes))
			return
		}
		log.Debug().Err(err).Msg("failed to read route request body")
		writeError(w, http.StatusBadRequest, "invalid request format")
		return
	}

	// The decoder would silently replace invalid bytes with U+FFFD.
	if !utf8.Valid(body) {
		writeError(w, http.StatusBadRequest, "query must be valid UTF-8")
		return
	}

	var req RouteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		log.Debug().Err(err).Msg("invalid route request body")
		writeError(w, http.StatusBadRequest, "invalid request format")
		return
	}

	switch {
	case strings.TrimSpace(req.Query) == "":
		writeError(w, http.StatusBadRequest, "query must not be empty")
		return
	case len(req.Query) > MaxQueryBytes:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("query exceeds %d bytes", MaxQueryBytes))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	resp, err := s.router.RouteSync(ctx, req.Query)
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		log.Warn().Err(err).Str("query", util.TruncateRunes(req.Query, 30)).Msg("route request not answered")
		writeError(w, status, "no response available")
		return
	}

	writeJSON(w, http.StatusOK, RouteResponse{Response: resp})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.router.ClearFailureState()
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// HEALTH AND STATS
// ============================================================================

// HealthResponse is the reply of GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Online        bool   `json:"online"`
	HasLocalModel bool   `json:"has_local_model"`
	HasAPIKey     bool   `json:"has_api_key"`
	FailureCount  int    `json:"failure_count"`
	InFlight      int    `json:"in_flight"`
	ProbeError    string `json:"probe_error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
	defer cancel()

	avail, err := s.router.Snapshot(ctx)
	health := HealthResponse{
		Status:        "ok",
		Version:       s.cfg.Version,
		Online:        avail.Online,
		HasLocalModel: avail.HasLocalModel,
		HasAPIKey:     avail.HasAPIKey,
		FailureCount:  s.router.FailureCount(),
		InFlight:      s.router.InFlight(),
	}
	if err != nil {
		health.Status = "degraded"
		health.ProbeError = err.Error()
	}
	writeJSON(w, http.StatusOK, health)
}

// StatsResponse is the reply of GET /stats.
type StatsResponse struct {
	telemetry.Snapshot
	FailureCount int `json:"failure_count"`
	InFlight     int `json:"in_flight"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeError(w, http.StatusNotFound, "stats not enabled")
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{
		Snapshot:     s.stats.Snapshot(),
		FailureCount: s.router.FailureCount(),
		InFlight:     s.router.InFlight(),
	})
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.server != nil {
		s.mu.Unlock()
		ln.Close()
		return ErrServerRunning
	}
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      s.cfg.RequestTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	log.Info().
		Str("addr", ln.Addr().String()).
		Str("version", s.cfg.Version).
		Bool("auth", s.cfg.BearerToken != "").
		Msg("http server started")

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for active requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	log.Info().Msg("http server shutting down")
	return srv.Shutdown(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody describes a failed request.
type ErrorBody struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorBody{Message: message, Code: status}})
}
