// Package api provides the HTTP surface of the netdash daemon: REST routes
// to start, cancel, and inspect scan sessions, a websocket endpoint pushing
// re-render updates to dashboard clients, and the metrics endpoint.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	gorillahandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/probelab/netdash/internal/config"
	"github.com/probelab/netdash/internal/errors"
	"github.com/probelab/netdash/internal/logging"
	"github.com/probelab/netdash/internal/metrics"
	"github.com/probelab/netdash/internal/record"
	"github.com/probelab/netdash/internal/session"
)

const shutdownTimeout = 10 * time.Second

// Server is the netdash API server.
type Server struct {
	config  config.APIConfig
	engine  *session.Engine
	logger  *logging.Logger
	metrics *metrics.Registry
	router  *mux.Router
	hub     *Hub
	http    *http.Server
}

// NewServer creates an API server over the given engine. Wire the returned
// server's Hub into the engine's OnUpdate callback so websocket clients see
// every state change.
func NewServer(cfg config.APIConfig, engine *session.Engine, logger *logging.Logger, m *metrics.Registry) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Server{
		config:  cfg,
		engine:  engine,
		logger:  logger.WithComponent("api"),
		metrics: m,
		router:  mux.NewRouter(),
		hub:     NewHub(logger),
	}
	s.setupRoutes()
	return s
}

// Hub returns the websocket update hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Router returns the route tree, without the CORS wrapper Start applies.
func (s *Server) Router() http.Handler {
	return s.router
}

// setupRoutes registers all API routes and middleware.
func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(gorillahandlers.RecoveryHandler(
		gorillahandlers.RecoveryLogger(&recoveryLogger{s.logger}),
	))

	api := s.router.PathPrefix("/api/v1").Subrouter()

	tools := api.PathPrefix("/tools/{tool}").Subrouter()
	tools.HandleFunc("/scan", s.handleStartScan).Methods(http.MethodPost)
	tools.HandleFunc("/scan", s.handleCancelScan).Methods(http.MethodDelete)
	tools.HandleFunc("/session", s.handleSession).Methods(http.MethodGet)
	tools.HandleFunc("/records", s.handleRecords).Methods(http.MethodGet)
	tools.HandleFunc("/devices", s.handleDevices).Methods(http.MethodGet)

	api.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)
	api.HandleFunc("/updates", s.hub.HandleUpdates).Methods(http.MethodGet)

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
}

// Start runs the server until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	var handler http.Handler = s.router
	if s.config.EnableCORS {
		handler = gorillahandlers.CORS(
			gorillahandlers.AllowedOrigins(s.config.CORSOrigins),
			gorillahandlers.AllowedMethods([]string{"GET", "POST", "DELETE", "OPTIONS"}),
			gorillahandlers.AllowedHeaders([]string{"Content-Type"}),
		)(handler)
	}

	addr := fmt.Sprintf("%s:%d", s.config.ListenAddr, s.config.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server listening", "addr", addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.hub.Close()
	return s.http.Shutdown(shutdownCtx)
}

// handleStartScan starts a new session for the tool in the path. The body is
// the scan spec; its tool field is overridden by the path.
func (s *Server) handleStartScan(w http.ResponseWriter, r *http.Request) {
	tool, ok := s.toolFromPath(w, r)
	if !ok {
		return
	}

	var spec session.ScanSpec
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	spec.Tool = tool

	snap, err := s.engine.Start(spec)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, snap)
}

// handleCancelScan aborts the tool's in-flight session. Records accumulated
// so far stay available on the records endpoint.
func (s *Server) handleCancelScan(w http.ResponseWriter, r *http.Request) {
	tool, ok := s.toolFromPath(w, r)
	if !ok {
		return
	}
	if err := s.engine.Cancel(tool); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.Session(tool))
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	tool, ok := s.toolFromPath(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.Session(tool))
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	tool, ok := s.toolFromPath(w, r)
	if !ok {
		return
	}
	records := s.engine.Records(tool)
	tagged, err := record.EncodeRecords(records)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"tool":    tool,
		"count":   len(tagged),
		"records": tagged,
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	tool, ok := s.toolFromPath(w, r)
	if !ok {
		return
	}
	devices := s.engine.Devices(tool)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"tool":    tool,
		"count":   len(devices),
		"devices": devices,
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Sessions())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// toolFromPath extracts and validates the tool path variable, writing a 404
// on unknown tools.
func (s *Server) toolFromPath(w http.ResponseWriter, r *http.Request) (session.ToolKind, bool) {
	tool := session.ToolKind(mux.Vars(r)["tool"])
	if !tool.Valid() {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown tool %q", string(tool)))
		return "", false
	}
	return tool, true
}

// writeEngineError maps engine error codes to HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.GetCode(err) {
	case errors.CodeValidation:
		status = http.StatusBadRequest
	case errors.CodeSessionUnknown:
		status = http.StatusNotFound
	case errors.CodeSessionActive:
		status = http.StatusConflict
	case errors.CodeRateLimited:
		status = http.StatusTooManyRequests
	}
	s.writeError(w, status, err.Error())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{
		"error":  message,
		"status": status,
	})
}

// loggingMiddleware records one log line and one metrics observation per
// request.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		elapsed := time.Since(start)
		if s.metrics != nil {
			s.metrics.HTTPRequest(r.Method, route, rec.status, elapsed)
		}
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack delegates to the wrapped writer so the websocket upgrade on the
// updates route still works behind the logging middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// recoveryLogger adapts our logger to gorilla's recovery handler.
type recoveryLogger struct {
	logger *logging.Logger
}

func (l *recoveryLogger) Println(v ...interface{}) {
	l.logger.Error("panic in http handler", "detail", fmt.Sprint(v...))
}
