// Package server provides the HTTP API for submitting recordings and reading
// validation results.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/revalidate/internal/intake"
	"github.com/jonathan/revalidate/internal/server/ratelimit"
	"github.com/jonathan/revalidate/internal/types"
)

// DefaultMaxRequestBody bounds a whole upload batch.
const DefaultMaxRequestBody int64 = 256 << 20

// multipartMemory is the part of a batch kept in memory; the rest spills to disk.
const multipartMemory = 32 << 20

// Store is the persistence the HTTP surface reads from.
type Store interface {
	GetRequest(ctx context.Context, id uuid.UUID) (*types.ValidationRequest, error)
	DeleteRequest(ctx context.Context, id uuid.UUID) (bool, error)
	GetJob(ctx context.Context, id uuid.UUID) (*types.Job, error)
	DeleteJob(ctx context.Context, id uuid.UUID) (bool, error)
	ListInputs(ctx context.Context, jobID uuid.UUID) ([]types.Input, error)
	GetBlob(ctx context.Context, id uuid.UUID) (*types.Blob, error)
	GetLog(ctx context.Context, id int64) (string, bool, error)
}

// Submitter accepts upload batches.
type Submitter interface {
	Submit(ctx context.Context, files []intake.Upload, override *intake.MapOverride) (*types.ValidationRequest, error)
}

// Server represents the HTTP server
type Server struct {
	httpServer  *http.Server
	store       Store
	intake      Submitter
	rateLimiter *ratelimit.Limiter
	logger      *zap.Logger
	maxBody     int64
}

// Config holds server configuration
type Config struct {
	Port           int
	MaxRequestBody int64
	RateLimit      *ratelimit.Config
}

// New creates a new server instance
func New(cfg Config, s Store, submitter Submitter, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &Server{
		store:       s,
		intake:      submitter,
		rateLimiter: ratelimit.NewLimiter(cfg.RateLimit),
		logger:      logger.Named("http"),
		maxBody:     cfg.MaxRequestBody,
	}
	if srv.maxBody <= 0 {
		srv.maxBody = DefaultMaxRequestBody
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /validate", srv.handleValidate)
	mux.HandleFunc("GET /requests/{id}", srv.handleGetRequest)
	mux.HandleFunc("DELETE /requests/{id}", srv.handleDeleteRequest)
	mux.HandleFunc("GET /results/{id}", srv.handleGetResult)
	mux.HandleFunc("DELETE /results/{id}", srv.handleDeleteResult)
	mux.HandleFunc("GET /results/{id}/replay", srv.handleDownload(fileReplay))
	mux.HandleFunc("GET /results/{id}/ghost", srv.handleDownload(fileGhost))
	mux.HandleFunc("GET /results/{id}/inputs", srv.handleListInputs)
	mux.HandleFunc("GET /results/{id}/distros/{distro}/log", srv.handleGetLog)
	mux.HandleFunc("GET /health", srv.handleHealth)

	srv.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.withRateLimit(srv.withLogging(srv.withCORS(mux))),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute, // large batches on slow links
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

// Handler returns the fully wrapped router.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	defer s.rateLimiter.Stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// withCORS adds CORS headers
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, If-None-Match, If-Modified-Since")
		w.Header().Set("Access-Control-Expose-Headers", "ETag, Last-Modified, Retry-After")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// withRateLimit rejects clients over their budget with 429.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, info := s.rateLimiter.Allow(clientID(r), r.URL.Path, r.Method)
		if info.Limit > 0 {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetTime.Unix(), 10))
		}
		if !allowed {
			s.rateLimitResponse(w, r, info)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

// withLogging adds request logging
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr),
			zap.Int("status", rec.status),
			zap.Int("bytes", rec.bytes),
			zap.Duration("duration", time.Since(start)))
	})
}

// clientID identifies a client by the IP of RemoteAddr.
func clientID(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func (s *Server) rateLimitResponse(w http.ResponseWriter, r *http.Request, info ratelimit.Info) {
	response := map[string]any{
		"error":    "rate_limit_exceeded",
		"message":  "Rate limit exceeded. Please try again later.",
		"limit":    info.Limit,
		"reset_at": info.ResetTime.Format(time.RFC3339),
	}
	if info.RetryAfter > 0 {
		seconds := int(info.RetryAfter.Round(time.Second).Seconds())
		response["retry_after"] = seconds
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}

	s.logger.Warn("rate limit exceeded",
		zap.String("client", clientID(r)),
		zap.String("path", r.URL.Path),
		zap.Int("limit", info.Limit))
	s.jsonResponse(w, http.StatusTooManyRequests, response)
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// jsonResponse writes a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", zap.Error(err))
	}
}

// errorResponse writes an error JSON response
func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}
