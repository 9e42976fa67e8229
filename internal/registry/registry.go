// Package registry implements the cluster-wide publisher directory: the
// mapping from a stream key to the replica currently hosting its live
// publisher, kept alive by heartbeats and expired by TTL.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relaycast/internal/stream"
)

var (
	// ErrAlreadyPublishing is returned by Register when a live, unexpired
	// entry for the key exists on a different node.
	ErrAlreadyPublishing = errors.New("stream already has a publisher")
	// ErrNotOwner is returned by Heartbeat when the caller is not the
	// registered publisher for the key.
	ErrNotOwner = errors.New("node does not own the stream")
)

// Publisher describes the replica currently hosting a stream's live feed.
type Publisher struct {
	Key           stream.Key `json:"key"`
	Node          string     `json:"node"`
	StartedAt     time.Time  `json:"startedAt"`
	LastHeartbeat time.Time  `json:"lastHeartbeat"`
	// Codec carries opaque protocol metadata (codec/profile) advertised by
	// the publisher, forwarded to pullers so they can prime decoders.
	Codec string `json:"codec,omitempty"`
}

// Expired reports whether the entry has outlived the TTL at the given time.
func (p Publisher) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(p.LastHeartbeat) > ttl
}

// Registry is the distributed directory capability. Implementations must be
// safe for concurrent use, and every replica's Lookup must converge to the
// same view within one heartbeat interval of propagation delay.
type Registry interface {
	// Register claims the key for node. A live entry on another node fails
	// with ErrAlreadyPublishing; re-registering from the owning node
	// refreshes the entry.
	Register(ctx context.Context, key stream.Key, node string) (Publisher, error)
	// Heartbeat refreshes the entry's liveness. Fails with ErrNotOwner when
	// the caller no longer owns the key (including after TTL takeover).
	Heartbeat(ctx context.Context, key stream.Key, node string) error
	// Lookup returns the current publisher for the key, if one is live.
	Lookup(ctx context.Context, key stream.Key) (Publisher, bool, error)
	// Unregister removes the entry. Absent entries are a no-op; entries
	// owned by another node are left untouched.
	Unregister(ctx context.Context, key stream.Key, node string) error
}

// Sweeper is implemented by drivers that need a background pass to remove
// expired entries. Drivers backed by stores with native expiry do not.
type Sweeper interface {
	Run(ctx context.Context) error
}

// Policy bundles the heartbeat cadence shared by all drivers.
type Policy struct {
	// HeartbeatInterval is how often a publisher refreshes its entry.
	HeartbeatInterval time.Duration
	// TTL is the silence after which an entry is considered stale. Must be
	// at least twice the heartbeat interval so one missed beat does not
	// drop a healthy publisher.
	TTL time.Duration
	// SweepInterval is how often expired entries are collected.
	SweepInterval time.Duration
}

// DefaultPolicy is used when no explicit policy is configured.
var DefaultPolicy = Policy{
	HeartbeatInterval: 5 * time.Second,
	TTL:               15 * time.Second,
	SweepInterval:     5 * time.Second,
}

// Validate enforces the TTL safety margin over the heartbeat interval.
func (p Policy) Validate() error {
	if p.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if p.TTL < 2*p.HeartbeatInterval {
		return fmt.Errorf("ttl %s must be at least twice the heartbeat interval %s", p.TTL, p.HeartbeatInterval)
	}
	if p.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	return nil
}

// WithDefaults fills unset fields from DefaultPolicy. Callers that accept
// operator-supplied values should resolve defaults first and then Validate,
// so a TTL shorter than two heartbeats is rejected instead of silently
// expiring healthy publishers.
func (p Policy) WithDefaults() Policy {
	if p.HeartbeatInterval <= 0 {
		p.HeartbeatInterval = DefaultPolicy.HeartbeatInterval
	}
	if p.TTL <= 0 {
		p.TTL = DefaultPolicy.TTL
	}
	if p.SweepInterval <= 0 {
		p.SweepInterval = DefaultPolicy.SweepInterval
	}
	return p
}
