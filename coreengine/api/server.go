// Package api exposes the orchestrator over HTTP.
//
// Routes:
//
//	POST   /api/v1/query                    run one turn
//	GET    /api/v1/sessions/{id}/history    read a session's history
//	DELETE /api/v1/sessions/{id}/history    forget a session
//	GET    /api/v1/sessions/{id}/events     websocket stream of turn events
//	GET    /api/v1/database/stats           employee database summary
//	GET    /health                          backend health
//	GET    /metrics                         Prometheus metrics
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/jeeves-cluster-organization/queryrouter/commbus"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/backends"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/observability"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/ratelimit"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/runtime"
)

const maxRequestBytes = 1 << 20

// Runner executes turns. *runtime.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, req runtime.TurnRequest) *runtime.TurnResponse
}

// Sessions reads and clears session history. *history.Manager satisfies it.
type Sessions interface {
	Get(ctx context.Context, sessionID string) ([]envelope.HistoryEntry, error)
	Clear(ctx context.Context, sessionID string) error
}

// StatsSource summarizes the employee database. *backends.Registry
// satisfies it.
type StatsSource interface {
	Stats(ctx context.Context) (*backends.DatabaseStats, error)
}

// Options configure a Server.
type Options struct {
	AllowedOrigins []string
	// JWTSecret enables bearer authentication on /api routes when set.
	JWTSecret string
	// Limits apply per client to POST /api/v1/query.
	Limits ratelimit.Limits
	// HealthTimeout bounds a /health probe.
	HealthTimeout time.Duration
	// Stats serves /api/v1/database/stats; nil answers 503.
	Stats StatsSource
}

// Server is the HTTP surface.
type Server struct {
	runner   Runner
	sessions Sessions
	bus      commbus.CommBus
	limiter  *ratelimit.Limiter
	opts     Options
	logger   observability.Logger
	router   *mux.Router
	upgrader websocket.Upgrader
}

// NewServer creates a Server. bus may be nil, which disables /health
// reporting and the event stream.
func NewServer(runner Runner, sessions Sessions, bus commbus.CommBus, opts Options, logger observability.Logger) *Server {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 5 * time.Second
	}
	s := &Server{
		runner:   runner,
		sessions: sessions,
		bus:      bus,
		limiter:  ratelimit.New(opts.Limits),
		opts:     opts,
		logger:   logger.Bind("component", "api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(opts.AllowedOrigins),
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := mux.NewRouter()
	r.Use(s.instrument)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.MethodNotAllowedHandler = http.HandlerFunc(s.methodNotAllowed)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.MethodNotAllowedHandler = http.HandlerFunc(s.methodNotAllowed)
	v1.Use(s.authenticate)
	v1.Handle("/query", s.rateLimit(http.HandlerFunc(s.handleQuery))).Methods("POST")
	v1.HandleFunc("/sessions/{id}/history", s.handleGetHistory).Methods("GET")
	v1.HandleFunc("/sessions/{id}/history", s.handleClearHistory).Methods("DELETE")
	v1.HandleFunc("/sessions/{id}/events", s.handleEvents).Methods("GET")
	v1.HandleFunc("/database/stats", s.handleStats).Methods("GET")

	s.router = r
}

// Limiter exposes the query rate limiter.
func (s *Server) Limiter() *ratelimit.Limiter { return s.limiter }

// Handler returns the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	origins := s.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Remaining"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go s.limiter.RunSweeper(sweepCtx, time.Minute)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http_server_started", "address", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		s.logger.Info("http_shutdown_initiated", "reason", ctx.Err().Error())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		s.logger.Info("http_shutdown_completed")
		return nil
	}
}

// =============================================================================
// HANDLERS
// =============================================================================

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req runtime.TurnRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	resp := s.runner.Run(r.Context(), req)
	s.writeJSON(w, http.StatusOK, resp)
}

type historyResponse struct {
	SessionID string                  `json:"session_id"`
	History   []envelope.HistoryEntry `json:"history"`
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	entries, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		s.logger.Warn("history_read_failed", "session_id", id, "error", err.Error())
		s.writeError(w, http.StatusServiceUnavailable, "history store unavailable")
		return
	}
	if entries == nil {
		entries = []envelope.HistoryEntry{}
	}
	s.writeJSON(w, http.StatusOK, historyResponse{SessionID: id, History: entries})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.sessions.Clear(r.Context(), id); err != nil {
		s.logger.Warn("history_clear_failed", "session_id", id, "error", err.Error())
		s.writeError(w, http.StatusServiceUnavailable, "history store unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.opts.Stats == nil {
		s.writeError(w, http.StatusServiceUnavailable, "database stats unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.HealthTimeout)
	defer cancel()

	stats, err := s.opts.Stats.Stats(ctx)
	if err != nil {
		s.logger.Warn("database_stats_failed", "error", err.Error())
		code := http.StatusInternalServerError
		msg := err.Error()
		if backends.IsTransient(err) {
			code = http.StatusServiceUnavailable
			msg = backends.BackendSQL + " unavailable"
		}
		s.writeError(w, code, msg)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, &commbus.HealthCheckResponse{Status: commbus.HealthStatusUnhealthy})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.HealthTimeout)
	defer cancel()

	result, err := s.bus.QuerySync(ctx, &commbus.HealthCheckRequest{Component: r.URL.Query().Get("component")})
	resp, ok := result.(*commbus.HealthCheckResponse)
	if err != nil || !ok || resp == nil {
		msg := "health check unavailable"
		if err != nil {
			msg = err.Error()
		}
		s.writeError(w, http.StatusServiceUnavailable, msg)
		return
	}

	code := http.StatusOK
	if resp.Status == commbus.HealthStatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed on %s", r.Method, r.URL.Path))
}

// =============================================================================
// RESPONSES
// =============================================================================

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response_encode_failed", "error", err.Error())
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, errorResponse{Error: msg})
}
