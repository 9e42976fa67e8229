// Package delivery is the viewer-facing HTTP surface: HTTP-FLV and HLS
// playback, health, and metrics. Streams hosted on other replicas are
// attached transparently through the relay manager.
package delivery

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"relaycast/internal/hls"
	"relaycast/internal/observability/logging"
	"relaycast/internal/observability/metrics"
	"relaycast/internal/relay"
	"relaycast/internal/registry"
	"relaycast/internal/stream"
)

// Config wires the delivery server into the replica.
type Config struct {
	Directory *stream.Directory
	// Relay attaches streams hosted elsewhere; nil disables cross-replica
	// playback.
	Relay *relay.Manager
	// HLS serves playlists and segments; nil disables HLS routes.
	HLS      *hls.Service
	Registry registry.Registry
	Metrics  *metrics.Recorder
	Logger   *slog.Logger
}

// Server is the viewer HTTP surface.
type Server struct {
	cfg    Config
	logger *slog.Logger
	router chi.Router
}

// NewServer builds the router with the standard middleware stack.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Directory == nil {
		return nil, errors.New("delivery: directory is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		logger: logging.WithComponent(cfg.Logger, "delivery"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware(s.logger))
	r.Use(logging.RequestLogger(s.logger))
	r.Use(cfg.Metrics.Middleware)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	r.Get("/streams", s.handleStreams)
	r.Get("/{key}.flv", s.handleFLV)
	if cfg.HLS != nil {
		r.Get("/{key}/index.m3u8", s.handlePlaylist)
		r.Get("/{key}/{sequence}.ts", s.handleSegment)
	}
	s.router = r
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// requestIDMiddleware annotates the request context with a request id and a
// context-aware logger, echoing the id back to the client.
func requestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
			if requestID == "" {
				requestID = newRequestID()
			}
			ctx := logging.ContextWithRequestID(r.Context(), requestID)
			ctx = logging.ContextWithLogger(ctx, logging.WithContext(ctx, logger))
			w.Header().Set("X-Request-Id", requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func newRequestID() string {
	var buffer [16]byte
	if _, err := rand.Read(buffer[:]); err == nil {
		return hex.EncodeToString(buffer[:])
	}
	return fmt.Sprintf("%d", time.Now().UnixNano())
}

// streamKey extracts and validates the key URL parameter.
func streamKey(r *http.Request) (stream.Key, error) {
	return stream.ParseKey(chi.URLParam(r, "key"))
}
