package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"relaycast/internal/stream"
)

const publishersSchema = `
CREATE TABLE IF NOT EXISTS publishers (
    stream_key     TEXT PRIMARY KEY,
    node           TEXT NOT NULL,
    started_at     TIMESTAMPTZ NOT NULL,
    last_heartbeat TIMESTAMPTZ NOT NULL,
    codec          TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS publishers_last_heartbeat_idx ON publishers (last_heartbeat);
`

// PostgresConfig configures the Postgres-backed registry driver.
type PostgresConfig struct {
	DSN      string
	Policy   Policy
	Logger   *slog.Logger
	MaxConns int32
	AppName  string
}

// NewPostgres initialises a registry backed by Postgres. Expiry is evaluated
// by timestamp comparison inside each statement, so reads never observe a
// stale publisher even between sweeps; Run garbage-collects expired rows.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if name := strings.TrimSpace(cfg.AppName); name != "" {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = name
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, publishersSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure publishers schema: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{pool: pool, policy: cfg.Policy.WithDefaults(), logger: logger}, nil
}

// Postgres stores one row per stream key and treats rows older than the TTL
// as absent.
type Postgres struct {
	pool   *pgxpool.Pool
	policy Policy
	logger *slog.Logger
}

func (p *Postgres) ttlSeconds() float64 {
	return p.policy.TTL.Seconds()
}

func (p *Postgres) Register(ctx context.Context, key stream.Key, node string) (Publisher, error) {
	const query = `
INSERT INTO publishers (stream_key, node, started_at, last_heartbeat)
VALUES ($1, $2, now(), now())
ON CONFLICT (stream_key) DO UPDATE
SET node = EXCLUDED.node,
    started_at = CASE
        WHEN publishers.node = EXCLUDED.node
             AND publishers.last_heartbeat > now() - make_interval(secs => $3)
        THEN publishers.started_at
        ELSE EXCLUDED.started_at
    END,
    last_heartbeat = now()
WHERE publishers.node = EXCLUDED.node
   OR publishers.last_heartbeat <= now() - make_interval(secs => $3)
RETURNING stream_key, node, started_at, last_heartbeat, codec`
	entry, err := p.scanOne(ctx, query, key.String(), node, p.ttlSeconds())
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Publisher{}, ErrAlreadyPublishing
		}
		return Publisher{}, fmt.Errorf("register %s: %w", key, err)
	}
	return entry, nil
}

func (p *Postgres) Heartbeat(ctx context.Context, key stream.Key, node string) error {
	const query = `
UPDATE publishers
SET last_heartbeat = now()
WHERE stream_key = $1
  AND node = $2
  AND last_heartbeat > now() - make_interval(secs => $3)`
	tag, err := p.pool.Exec(ctx, query, key.String(), node, p.ttlSeconds())
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotOwner
	}
	return nil
}

func (p *Postgres) Lookup(ctx context.Context, key stream.Key) (Publisher, bool, error) {
	const query = `
SELECT stream_key, node, started_at, last_heartbeat, codec
FROM publishers
WHERE stream_key = $1
  AND last_heartbeat > now() - make_interval(secs => $2)`
	entry, err := p.scanOne(ctx, query, key.String(), p.ttlSeconds())
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Publisher{}, false, nil
		}
		return Publisher{}, false, fmt.Errorf("lookup %s: %w", key, err)
	}
	return entry, true, nil
}

func (p *Postgres) Unregister(ctx context.Context, key stream.Key, node string) error {
	const query = `DELETE FROM publishers WHERE stream_key = $1 AND node = $2`
	if _, err := p.pool.Exec(ctx, query, key.String(), node); err != nil {
		return fmt.Errorf("unregister %s: %w", key, err)
	}
	return nil
}

// Run deletes expired rows until the context is cancelled.
func (p *Postgres) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.policy.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			const query = `DELETE FROM publishers WHERE last_heartbeat <= now() - make_interval(secs => $1)`
			tag, err := p.pool.Exec(ctx, query, p.ttlSeconds())
			if err != nil {
				p.logger.Warn("publisher sweep failed", "error", err)
				continue
			}
			if removed := tag.RowsAffected(); removed > 0 {
				p.logger.Info("expired publishers removed", "count", removed)
			}
		}
	}
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) scanOne(ctx context.Context, query string, args ...any) (Publisher, error) {
	row := p.pool.QueryRow(ctx, query, args...)
	var (
		rawKey string
		entry  Publisher
	)
	if err := row.Scan(&rawKey, &entry.Node, &entry.StartedAt, &entry.LastHeartbeat, &entry.Codec); err != nil {
		return Publisher{}, err
	}
	key, err := stream.ParseKey(rawKey)
	if err != nil {
		return Publisher{}, err
	}
	entry.Key = key
	return entry, nil
}
