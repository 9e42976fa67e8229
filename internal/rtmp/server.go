// Package rtmp implements the ingest edge: the RTMP handshake, chunk and
// AMF0 codecs, and the publish/play session state machine that feeds and
// drains the per-stream hubs.
package rtmp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"relaycast/internal/auth"
	"relaycast/internal/observability/logging"
	"relaycast/internal/observability/metrics"
	"relaycast/internal/registry"
	"relaycast/internal/stream"
)

// Config wires an ingest server to the rest of the replica.
type Config struct {
	// Node identifies this replica in the publisher registry.
	Node      string
	Directory *stream.Directory
	Registry  registry.Registry
	Auth      auth.Authenticator
	Metrics   *metrics.Recorder
	Logger    *slog.Logger
	// Heartbeat is the registry refresh cadence for live publishers.
	// Defaults to the registry's default policy interval.
	Heartbeat time.Duration
	Hub       stream.HubConfig
}

// Server accepts RTMP connections and runs one session per connection.
type Server struct {
	node      string
	directory *stream.Directory
	registry  registry.Registry
	auth      auth.Authenticator
	metrics   *metrics.Recorder
	logger    *slog.Logger
	heartbeat time.Duration
	hubConfig stream.HubConfig
}

// NewServer validates the wiring and returns a server ready to Serve.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Directory == nil {
		return nil, errors.New("rtmp: directory is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("rtmp: registry is required")
	}
	if cfg.Node == "" {
		return nil, errors.New("rtmp: node name is required")
	}
	authenticator := cfg.Auth
	if authenticator == nil {
		authenticator = auth.AllowAll{}
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = registry.DefaultPolicy.HeartbeatInterval
	}
	return &Server{
		node:      cfg.Node,
		directory: cfg.Directory,
		registry:  cfg.Registry,
		auth:      authenticator,
		metrics:   recorder,
		logger:    logging.WithComponent(logger, "rtmp"),
		heartbeat: heartbeat,
		hubConfig: cfg.Hub,
	}, nil
}

// Serve accepts connections until the listener closes or ctx is cancelled.
// Each connection runs in its own goroutine; cancelling ctx closes the
// listener and every active session's connection.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		lis.Close()
	}()
	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go s.serveConn(ctx, conn)
	}
}

// ServeConn runs a single connection to completion. Exposed so tests can
// drive sessions over in-memory pipes.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	s.serveConn(ctx, conn)
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	sess := newSession(s, conn)
	if err := sess.run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, net.ErrClosed) {
		sess.logger.Warn("session ended with error", "error", err)
	}
}
