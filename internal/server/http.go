package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	orchestration "github.com/koscakluka/ema-surgery/core"
	"github.com/koscakluka/ema-surgery/core/video"
	"github.com/koscakluka/ema-surgery/internal/config"
	"github.com/koscakluka/ema-surgery/internal/metrics"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Option func(*Server)

// WithMetrics records HTTP requests and serves the registry on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLibrary enables the video endpoints and serves the videos under the
// library's URL prefix.
func WithLibrary(library *video.Library) Option {
	return func(s *Server) { s.library = library }
}

// WithSpeechEnabled sets the speech output state new sessions start with.
func WithSpeechEnabled(enabled bool) Option {
	return func(s *Server) { s.speechEnabled = enabled }
}

// Server exposes the session socket and the REST API.
type Server struct {
	server          *http.Server
	orchestrator    *orchestration.Orchestrator
	library         *video.Library
	metrics         *metrics.Metrics
	upgrader        websocket.Upgrader
	speechEnabled   bool
	shutdownTimeout time.Duration
}

func New(cfg config.HTTPConfig, orchestrator *orchestration.Orchestrator, opts ...Option) *Server {
	s := &Server{
		orchestrator:    orchestrator,
		shutdownTimeout: cfg.ShutdownTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.setupRoutes(mux)
	return otelhttp.NewHandler(mux, "ema-surgery")
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.withMetrics("/health", s.handleHealth))

	// The socket hijacks the connection, so it is not wrapped.
	mux.HandleFunc("GET /ws", s.handleSession)

	mux.HandleFunc("POST /api/post-op", s.withMetrics("/api/post-op", s.handlePostOp))
	mux.HandleFunc("GET /api/post-op", s.withMetrics("/api/post-op", s.handleCurrentPostOp))

	if s.library != nil {
		mux.HandleFunc("GET /api/videos", s.withMetrics("/api/videos", s.handleListVideos))
		mux.HandleFunc("POST /api/videos/select", s.withMetrics("/api/videos/select", s.handleSelectVideo))
		mux.HandleFunc("POST /api/videos/upload", s.withMetrics("/api/videos/upload", s.handleUploadVideo))

		prefix := s.library.Source("")
		mux.Handle("GET "+prefix, http.StripPrefix(prefix, http.FileServer(http.Dir(s.library.Dir()))))
	}

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

// withMetrics wraps an HTTP handler with metrics collection
func (s *Server) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	if s.metrics == nil {
		return handler
	}
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		s.metrics.RecordHTTPRequest(r.Method, endpoint, fmt.Sprintf("%d", ww.statusCode), duration)
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// ListenAndServe serves until Shutdown. A graceful shutdown is not an error.
func (s *Server) ListenAndServe() error {
	logger.Info("starting HTTP server", "address", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests,
// bounded by the configured shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("stopping HTTP server")
	if s.shutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.shutdownTimeout)
		defer cancel()
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.orchestrator.Sessions(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warn("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
