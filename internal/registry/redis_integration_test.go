package registry_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"relaycast/internal/registry"
	"relaycast/internal/testsupport/redisstub"
)

func startRedisRegistry(t *testing.T, useTLS bool) (*registry.Redis, *redisstub.Server) {
	t.Helper()
	srv, err := redisstub.Start(redisstub.Options{Password: "secret", EnableTLS: useTLS})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})

	cfg := registry.RedisConfig{
		Addr:      srv.Addr(),
		Password:  "secret",
		KeyPrefix: "test:publisher:",
		Policy: registry.Policy{
			HeartbeatInterval: 100 * time.Millisecond,
			TTL:               time.Second,
			SweepInterval:     100 * time.Millisecond,
		},
	}
	if useTLS {
		dir := t.TempDir()
		caPath := filepath.Join(dir, "ca.pem")
		if err := os.WriteFile(caPath, srv.CertPEM(), 0o600); err != nil {
			t.Fatalf("write ca: %v", err)
		}
		cfg.TLS = registry.RedisTLSConfig{CAFile: caPath, ServerName: "127.0.0.1"}
	}

	reg, err := registry.NewRedis(cfg)
	if err != nil {
		t.Fatalf("new redis registry: %v", err)
	}
	t.Cleanup(func() {
		_ = reg.Close()
	})
	return reg, srv
}

func TestRedisRegistryLifecyclePlain(t *testing.T) {
	runRedisRegistryLifecycle(t, false)
}

func TestRedisRegistryLifecycleTLS(t *testing.T) {
	runRedisRegistryLifecycle(t, true)
}

func runRedisRegistryLifecycle(t *testing.T, useTLS bool) {
	t.Helper()
	reg, srv := startRedisRegistry(t, useTLS)
	ctx := context.Background()
	key := mustKey(t, "room1:media1")

	entry, err := reg.Register(ctx, key, "node-a:9000")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if entry.Node != "node-a:9000" {
		t.Fatalf("unexpected node %q", entry.Node)
	}

	if _, err := reg.Register(ctx, key, "node-b:9000"); !errors.Is(err, registry.ErrAlreadyPublishing) {
		t.Fatalf("expected ErrAlreadyPublishing, got %v", err)
	}

	if err := reg.Heartbeat(ctx, key, "node-b:9000"); !errors.Is(err, registry.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := reg.Heartbeat(ctx, key, "node-a:9000"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	got, found, err := reg.Lookup(ctx, key)
	if err != nil || !found {
		t.Fatalf("lookup: found=%v err=%v", found, err)
	}
	if got.Node != "node-a:9000" || got.Key != key {
		t.Fatalf("unexpected lookup result %+v", got)
	}

	// Force the native key TTL to elapse: a crashed publisher is detected
	// purely through expiry, freeing the key for takeover.
	srv.Expire("test:publisher:"+key.String(), time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	if _, found, err := reg.Lookup(ctx, key); err != nil || found {
		t.Fatalf("expected expired entry to vanish, found=%v err=%v", found, err)
	}
	if _, err := reg.Register(ctx, key, "node-b:9000"); err != nil {
		t.Fatalf("takeover after expiry: %v", err)
	}

	if err := reg.Unregister(ctx, key, "node-b:9000"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if _, found, _ := reg.Lookup(ctx, key); found {
		t.Fatalf("expected entry removed")
	}
	// Unregistering an absent entry is a no-op.
	if err := reg.Unregister(ctx, key, "node-b:9000"); err != nil {
		t.Fatalf("unregister absent: %v", err)
	}
}

func TestRedisConstructionIsLazy(t *testing.T) {
	// The go-redis universal client only dials on first use, so driver
	// construction must succeed without a reachable server and surface
	// connection problems from the first operation instead.
	reg, err := registry.NewRedis(registry.RedisConfig{Addr: "127.0.0.1:1"})
	if err != nil {
		t.Fatalf("new redis registry: %v", err)
	}
	defer reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, _, err := reg.Lookup(ctx, mustKey(t, "room:media")); err == nil {
		t.Fatal("expected lookup against an unreachable server to fail")
	}
}
