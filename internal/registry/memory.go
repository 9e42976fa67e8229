package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"relaycast/internal/stream"
)

// Memory is an in-process Registry for tests and single-node deployments.
// Expiry is checked lazily on every read so correctness does not depend on
// sweep timing; Run only reclaims memory for keys nobody touches again.
type Memory struct {
	policy Policy
	logger *slog.Logger
	clock  func() time.Time

	mu      sync.Mutex
	entries map[string]Publisher
}

// MemoryConfig configures the in-memory driver.
type MemoryConfig struct {
	Policy Policy
	Logger *slog.Logger
	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// NewMemory constructs the in-memory driver.
func NewMemory(cfg MemoryConfig) *Memory {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Memory{
		policy:  cfg.Policy.WithDefaults(),
		logger:  logger,
		clock:   clock,
		entries: make(map[string]Publisher),
	}
}

func (m *Memory) Register(ctx context.Context, key stream.Key, node string) (Publisher, error) {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.entries[key.String()]; ok && !current.Expired(now, m.policy.TTL) {
		if current.Node != node {
			return Publisher{}, ErrAlreadyPublishing
		}
		current.LastHeartbeat = now
		m.entries[key.String()] = current
		return current, nil
	}
	entry := Publisher{Key: key, Node: node, StartedAt: now, LastHeartbeat: now}
	m.entries[key.String()] = entry
	return entry, nil
}

func (m *Memory) Heartbeat(ctx context.Context, key stream.Key, node string) error {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.entries[key.String()]
	if !ok || current.Expired(now, m.policy.TTL) || current.Node != node {
		return ErrNotOwner
	}
	current.LastHeartbeat = now
	m.entries[key.String()] = current
	return nil
}

func (m *Memory) Lookup(ctx context.Context, key stream.Key) (Publisher, bool, error) {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.entries[key.String()]
	if !ok || current.Expired(now, m.policy.TTL) {
		return Publisher{}, false, nil
	}
	return current, true, nil
}

func (m *Memory) Unregister(ctx context.Context, key stream.Key, node string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.entries[key.String()]
	if !ok {
		return nil
	}
	if current.Node == node {
		delete(m.entries, key.String())
	}
	return nil
}

// Run sweeps expired entries until the context is cancelled.
func (m *Memory) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.policy.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Memory) sweep() {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, entry := range m.entries {
		if entry.Expired(now, m.policy.TTL) {
			delete(m.entries, key)
			m.logger.Info("expired publisher removed", "stream", key, "node", entry.Node)
		}
	}
}
