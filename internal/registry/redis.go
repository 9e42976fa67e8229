package registry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"relaycast/internal/stream"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisConfig configures the Redis-backed registry driver.
type RedisConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	MasterName   string
	KeyPrefix    string
	Policy       Policy
	Logger       *slog.Logger
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	TLS          RedisTLSConfig
}

// NewRedis initialises a registry backed by Redis. Entries expire natively
// through key TTLs, so no sweeper is required and every replica's lookup
// converges as soon as Redis applies the write.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "relaycast:publisher:"
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		client: client,
		prefix: prefix,
		policy: cfg.Policy.WithDefaults(),
		logger: logger,
	}, nil
}

// Redis stores one key per stream with the serialized Publisher as value and
// the registry TTL as the key's native expiry.
type Redis struct {
	client redis.UniversalClient
	prefix string
	policy Policy
	logger *slog.Logger
}

func (r *Redis) key(key stream.Key) string {
	return r.prefix + key.String()
}

func (r *Redis) Register(ctx context.Context, key stream.Key, node string) (Publisher, error) {
	now := time.Now().UTC()
	entry := Publisher{Key: key, Node: node, StartedAt: now, LastHeartbeat: now}
	payload, err := json.Marshal(entry)
	if err != nil {
		return Publisher{}, fmt.Errorf("marshal publisher: %w", err)
	}
	ok, err := r.client.SetNX(ctx, r.key(key), payload, r.policy.TTL).Result()
	if err != nil {
		return Publisher{}, fmt.Errorf("register %s: %w", key, err)
	}
	if ok {
		return entry, nil
	}
	current, found, err := r.Lookup(ctx, key)
	if err != nil {
		return Publisher{}, err
	}
	if found && current.Node != node {
		return Publisher{}, ErrAlreadyPublishing
	}
	// Same node re-registering (or the entry expired between SET and GET):
	// overwrite and keep the original start time when known.
	if found {
		entry.StartedAt = current.StartedAt
		if payload, err = json.Marshal(entry); err != nil {
			return Publisher{}, fmt.Errorf("marshal publisher: %w", err)
		}
	}
	if err := r.client.Set(ctx, r.key(key), payload, r.policy.TTL).Err(); err != nil {
		return Publisher{}, fmt.Errorf("register %s: %w", key, err)
	}
	return entry, nil
}

func (r *Redis) Heartbeat(ctx context.Context, key stream.Key, node string) error {
	current, found, err := r.Lookup(ctx, key)
	if err != nil {
		return err
	}
	if !found || current.Node != node {
		return ErrNotOwner
	}
	current.LastHeartbeat = time.Now().UTC()
	payload, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("marshal publisher: %w", err)
	}
	// SET XX keeps the takeover window no wider than the gap between the
	// ownership check and this write.
	ok, err := r.client.SetXX(ctx, r.key(key), payload, r.policy.TTL).Result()
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", key, err)
	}
	if !ok {
		return ErrNotOwner
	}
	return nil
}

func (r *Redis) Lookup(ctx context.Context, key stream.Key) (Publisher, bool, error) {
	payload, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Publisher{}, false, nil
		}
		return Publisher{}, false, fmt.Errorf("lookup %s: %w", key, err)
	}
	var entry Publisher
	if err := json.Unmarshal(payload, &entry); err != nil {
		return Publisher{}, false, fmt.Errorf("decode publisher %s: %w", key, err)
	}
	return entry, true, nil
}

func (r *Redis) Unregister(ctx context.Context, key stream.Key, node string) error {
	current, found, err := r.Lookup(ctx, key)
	if err != nil {
		return err
	}
	if !found || current.Node != node {
		return nil
	}
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("unregister %s: %w", key, err)
	}
	return nil
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
