// Package api exposes the HTTP interface for the deka service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/itpcc/deka-supremecourt/internal/deka"
	"github.com/itpcc/deka-supremecourt/internal/metrics"
)

// maxBodyBytes caps the size of a query payload.
const maxBodyBytes = 1 << 20

// Querier answers one request synchronously.
type Querier interface {
	Query(ctx context.Context, req deka.Request) (deka.Response, error)
}

// QuerierFunc adapts a function to Querier.
type QuerierFunc func(ctx context.Context, req deka.Request) (deka.Response, error)

// Query calls f.
func (f QuerierFunc) Query(ctx context.Context, req deka.Request) (deka.Response, error) {
	return f(ctx, req)
}

// Config controls the HTTP surface.
type Config struct {
	// APIKey guards /v1 when set.
	APIKey string
	// QueryTimeout bounds one POST /v1/cases call, queueing included.
	QueryTimeout time.Duration
	// Ready reports whether the service can take queries. Nil means always ready.
	Ready func() error
}

// Server wires HTTP handlers to the dispatcher.
type Server struct {
	router  chi.Router
	querier Querier
	idGen   deka.IDGenerator
	clock   deka.Clock
	cfg     Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	querier Querier,
	idGen deka.IDGenerator,
	clock deka.Clock,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 3 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		querier: querier,
		idGen:   idGen,
		clock:   clock,
		cfg:     cfg,
		logger:  logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Post("/cases", s.queryCases)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Ready != nil {
		if err := s.cfg.Ready(); err != nil {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// queryCases takes the same {"message", "info"} payload as the relay and
// answers with the same response object.
func (s *Server) queryCases(w http.ResponseWriter, r *http.Request) {
	var payload deka.Payload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid payload: %v", err))
		return
	}
	id, err := s.idGen.NewID()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "generate request id")
		return
	}
	req := deka.Request{
		ID:       id,
		Origin:   deka.OriginAPI,
		Envelope: payload.Message,
		Query:    payload.Info,
		Received: s.clock.Now(),
	}
	if err := req.Query.Validate(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, deka.Failed(req, err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.QueryTimeout)
	defer cancel()
	resp, err := s.querier.Query(ctx, req)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusGatewayTimeout
		case errors.Is(err, deka.ErrShuttingDown):
			status = http.StatusServiceUnavailable
		}
		s.writeJSON(w, status, deka.Failed(req, err))
		return
	}
	w.Header().Set("X-Deka-Request-ID", req.ID)
	s.writeJSON(w, statusFor(resp), resp)
}

func statusFor(resp deka.Response) int {
	switch {
	case resp.IsOkay():
		return http.StatusOK
	case errors.Is(resp.Err, deka.ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.Is(resp.Err, deka.ErrShuttingDown), errors.Is(resp.Err, deka.ErrSessionUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(resp.Err, deka.ErrAutomationTimeout), errors.Is(resp.Err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("http_request_id", reqID),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
