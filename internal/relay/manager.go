package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"relaycast/internal/observability/logging"
	"relaycast/internal/observability/metrics"
	"relaycast/internal/registry"
	"relaycast/internal/stream"
)

// DialFunc opens a client connection to another replica's relay endpoint.
type DialFunc func(ctx context.Context, target string) (*grpc.ClientConn, error)

func defaultDial(ctx context.Context, target string) (*grpc.ClientConn, error) {
	return grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

// ManagerConfig wires the puller into the replica.
type ManagerConfig struct {
	// Node is this replica's registry identity, which doubles as its
	// advertised relay endpoint. A publisher entry naming another node is
	// dialled directly.
	Node      string
	Directory *stream.Directory
	Registry  registry.Registry
	Metrics   *metrics.Recorder
	Logger    *slog.Logger
	Hub       stream.HubConfig
	Backoff   Backoff
	// GracePeriod keeps a relay session alive after its last subscriber
	// leaves, absorbing quick reconnects.
	GracePeriod time.Duration
	Dial        DialFunc
}

// Manager owns at most one relay session per stream key. Delivery attaches
// through it when a stream is live somewhere else in the cluster; sessions
// are refcounted and torn down a grace period after the last viewer leaves.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger
	group  singleflight.Group

	mu       sync.Mutex
	sessions map[stream.Key]*session
	closed   bool
}

// session is one active pull of a remote stream.
type session struct {
	key    stream.Key
	hub    *stream.Hub
	cancel context.CancelFunc

	refs       int
	graceTimer *time.Timer
	done       chan struct{}
}

// NewManager validates the wiring and returns the puller manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Directory == nil {
		return nil, errors.New("relay: directory is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("relay: registry is required")
	}
	if cfg.Node == "" {
		return nil, errors.New("relay: node name is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dial == nil {
		cfg.Dial = defaultDial
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 10 * time.Second
	}
	cfg.Backoff = cfg.Backoff.withDefaults()
	return &Manager{
		cfg:      cfg,
		logger:   logging.WithComponent(cfg.Logger, "relay"),
		sessions: make(map[stream.Key]*session),
	}, nil
}

// Attach returns a hub carrying the stream, pulling it from the hosting
// replica if needed. The release function must be called when the viewer
// detaches. ErrStreamNotFound when no publisher is live anywhere.
func (m *Manager) Attach(ctx context.Context, key stream.Key) (*stream.Hub, func(), error) {
	// Served locally (native publisher or existing relay hub)?
	if hub, ok := m.cfg.Directory.Get(key); ok {
		if sess := m.sessionFor(key, hub); sess != nil {
			return hub, m.retain(sess), nil
		}
		return hub, func() {}, nil
	}

	// Collapse concurrent attaches for the same key into one session
	// creation.
	v, err, _ := m.group.Do(key.String(), func() (any, error) {
		if hub, ok := m.cfg.Directory.Get(key); ok {
			return hub, nil
		}
		return m.startSession(ctx, key)
	})
	if err != nil {
		return nil, nil, err
	}
	switch res := v.(type) {
	case *session:
		return res.hub, m.retain(res), nil
	case *stream.Hub:
		if sess := m.sessionFor(key, res); sess != nil {
			return res, m.retain(sess), nil
		}
		return res, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("relay: unexpected attach result %T", v)
	}
}

// sessionFor returns the live relay session backing hub, if any.
func (m *Manager) sessionFor(key stream.Key, hub *stream.Hub) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[key]; ok && sess.hub == hub {
		return sess
	}
	return nil
}

// startSession resolves the publisher and begins pulling.
func (m *Manager) startSession(ctx context.Context, key stream.Key) (*session, error) {
	pub, live, err := m.cfg.Registry.Lookup(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("registry lookup: %w", err)
	}
	if !live {
		return nil, stream.ErrStreamNotFound
	}
	if pub.Node == m.cfg.Node {
		// The registry names us but the hub is gone: the publisher is
		// tearing down.
		return nil, stream.ErrStreamNotFound
	}

	hub, err := m.cfg.Directory.Create(key, m.cfg.Hub)
	if err != nil {
		if hub, ok := m.cfg.Directory.Get(key); ok {
			if sess := m.sessionFor(key, hub); sess != nil {
				return sess, nil
			}
		}
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sess := &session{
		key:    key,
		hub:    hub,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		m.cfg.Directory.Remove(key, hub)
		return nil, errors.New("relay: manager closed")
	}
	m.sessions[key] = sess
	m.mu.Unlock()

	m.cfg.Metrics.RelayStarted()
	go m.run(runCtx, sess, pub.Node)
	return sess, nil
}

// retain bumps the refcount and returns the matching release.
func (m *Manager) retain(sess *session) func() {
	m.mu.Lock()
	sess.refs++
	if sess.graceTimer != nil {
		sess.graceTimer.Stop()
		sess.graceTimer = nil
	}
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { m.releaseRef(sess) })
	}
}

func (m *Manager) releaseRef(sess *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess.refs--
	if sess.refs > 0 || m.sessions[sess.key] != sess {
		return
	}
	// Last viewer left: tear down after the grace period unless someone
	// re-attaches.
	sess.graceTimer = time.AfterFunc(m.cfg.GracePeriod, func() {
		m.mu.Lock()
		idle := m.sessions[sess.key] == sess && sess.refs == 0
		m.mu.Unlock()
		if idle {
			sess.cancel()
		}
	})
}

// run pulls the stream until it ends at the source, retrying transport
// failures with backoff for as long as the registry still names a live
// publisher elsewhere.
func (m *Manager) run(ctx context.Context, sess *session, source string) {
	logger := m.logger.With("stream", sess.key.String(), "source", source)
	logger.Info("relay session started")
	defer func() {
		m.mu.Lock()
		if m.sessions[sess.key] == sess {
			delete(m.sessions, sess.key)
		}
		m.mu.Unlock()
		m.cfg.Directory.Remove(sess.key, sess.hub)
		m.cfg.Metrics.RelayStopped()
		close(sess.done)
		logger.Info("relay session ended")
	}()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		delivered, err := m.pullOnce(ctx, sess, source)
		if err == nil {
			// Clean end of stream at the source.
			return
		}
		if ctx.Err() != nil {
			return
		}
		if delivered > 0 {
			attempt = 0
		}
		attempt++

		// Only retry while the registry still promises a publisher.
		lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		pub, live, lookupErr := m.cfg.Registry.Lookup(lookupCtx, sess.key)
		cancel()
		if lookupErr == nil && (!live || pub.Node == m.cfg.Node) {
			logger.Info("publisher gone, ending relay", "error", err)
			return
		}
		if lookupErr == nil && pub.Node != source {
			logger.Info("publisher moved", "from", source, "to", pub.Node)
			source = pub.Node
			attempt = 1
		}

		delay := m.cfg.Backoff.Delay(attempt)
		logger.Warn("relay pull failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		m.cfg.Metrics.ObserveRelayRetry()
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// pullOnce runs a single pull RPC, publishing every received frame. It
// returns the number of frames delivered plus nil on a clean remote end.
func (m *Manager) pullOnce(ctx context.Context, sess *session, source string) (int, error) {
	conn, err := m.cfg.Dial(ctx, source)
	if err != nil {
		return 0, fmt.Errorf("dial %s: %w", source, err)
	}
	defer conn.Close()

	recv, err := pullFrames(ctx, conn, sess.key)
	if err != nil {
		return 0, fmt.Errorf("open pull: %w", err)
	}
	delivered := 0
	for {
		frame, err := recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				// The source completed the RPC: clean end of stream.
				return delivered, nil
			}
			return delivered, err
		}
		sess.hub.Publish(frame)
		m.cfg.Metrics.ObserveFrame(frame.Kind.String())
		delivered++
	}
}

// Close cancels every session and waits for their teardown.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()
	for _, sess := range sessions {
		sess.cancel()
	}
	for _, sess := range sessions {
		<-sess.done
	}
}
