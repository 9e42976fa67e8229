package relay

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"relaycast/internal/observability/metrics"
	"relaycast/internal/registry"
	"relaycast/internal/stream"
)

const sourceNode = "replica-a"

// cluster is two replicas sharing one registry: a source hosting the
// publisher hub behind a bufconn relay server, and a puller manager.
type cluster struct {
	registry  registry.Registry
	sourceDir *stream.Directory
	pullerDir *stream.Directory
	manager   *Manager
}

func newCluster(t *testing.T, grace time.Duration) *cluster {
	t.Helper()
	reg := registry.NewMemory(registry.MemoryConfig{})

	sourceDir := stream.NewDirectory()
	relaySrv, err := NewServer(ServerConfig{Directory: sourceDir, Metrics: metrics.New()})
	if err != nil {
		t.Fatalf("new relay server: %v", err)
	}
	lis := bufconn.Listen(1 << 20)
	grpcSrv := NewGRPCServer(relaySrv)
	go grpcSrv.Serve(lis)
	t.Cleanup(grpcSrv.Stop)

	pullerDir := stream.NewDirectory()
	manager, err := NewManager(ManagerConfig{
		Node:        "replica-b",
		Directory:   pullerDir,
		Registry:    reg,
		Metrics:     metrics.New(),
		Backoff:     Backoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond},
		GracePeriod: grace,
		Dial: func(ctx context.Context, target string) (*grpc.ClientConn, error) {
			return grpc.NewClient("passthrough:///"+target,
				grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
					return lis.DialContext(ctx)
				}),
				grpc.WithTransportCredentials(insecure.NewCredentials()))
		},
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(manager.Close)
	return &cluster{registry: reg, sourceDir: sourceDir, pullerDir: pullerDir, manager: manager}
}

// publishAt registers the key on the source node and feeds its hub.
func (c *cluster) publishAt(t *testing.T, key stream.Key) *stream.Hub {
	t.Helper()
	hub, err := c.sourceDir.Create(key, stream.HubConfig{})
	if err != nil {
		t.Fatalf("create source hub: %v", err)
	}
	if _, err := c.registry.Register(context.Background(), key, sourceNode); err != nil {
		t.Fatalf("register source: %v", err)
	}
	return hub
}

func relayTestKey(t *testing.T) stream.Key {
	t.Helper()
	key, err := stream.ParseKey("room:media")
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func keyframe(ts uint32) stream.Frame {
	return stream.Frame{Kind: stream.KindVideo, Keyframe: true, Timestamp: ts, Payload: []byte{0x17, 0x01, 0x00, 0x00, 0x00, 0xAA}}
}

func TestManagerPullsRemoteStream(t *testing.T) {
	c := newCluster(t, time.Minute)
	key := relayTestKey(t)
	source := c.publishAt(t, key)
	source.Publish(keyframe(0))
	source.Publish(stream.Frame{Kind: stream.KindVideo, Timestamp: 40, Payload: []byte{0x27, 0x01, 0x00, 0x00, 0x00, 0xBB}})

	hub, release, err := c.manager.Attach(context.Background(), key)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer release()

	sub, err := hub.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	// Snapshot plus live must replay the source's GOP in order.
	received := append([]stream.Frame{}, sub.Snapshot()...)
	deadline := time.After(5 * time.Second)
	for len(received) < 2 {
		select {
		case frame, ok := <-sub.Frames():
			if !ok {
				t.Fatal("relay hub closed early")
			}
			received = append(received, frame)
		case <-deadline:
			t.Fatalf("only %d frames arrived", len(received))
		}
	}
	if !received[0].Keyframe || received[0].Timestamp != 0 {
		t.Errorf("first frame = %+v, want the keyframe", received[0])
	}
	if received[1].Timestamp != 40 {
		t.Errorf("second frame ts = %d, want 40", received[1].Timestamp)
	}

	// The relayed hub is a first-class directory citizen.
	if _, ok := c.pullerDir.Get(key); !ok {
		t.Error("relay hub not registered in the puller directory")
	}
}

func TestManagerSharesOneSessionAcrossViewers(t *testing.T) {
	c := newCluster(t, time.Minute)
	key := relayTestKey(t)
	source := c.publishAt(t, key)
	source.Publish(keyframe(0))

	hub1, release1, err := c.manager.Attach(context.Background(), key)
	if err != nil {
		t.Fatalf("first attach: %v", err)
	}
	defer release1()
	hub2, release2, err := c.manager.Attach(context.Background(), key)
	if err != nil {
		t.Fatalf("second attach: %v", err)
	}
	defer release2()

	if hub1 != hub2 {
		t.Error("two attaches produced two sessions")
	}
}

func TestManagerEndOfStreamClosesHub(t *testing.T) {
	c := newCluster(t, time.Minute)
	key := relayTestKey(t)
	source := c.publishAt(t, key)
	source.Publish(keyframe(0))

	hub, release, err := c.manager.Attach(context.Background(), key)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer release()
	sub, err := hub.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	// End the stream at the source; the registry entry goes with it.
	c.sourceDir.Remove(key, source)
	if err := c.registry.Unregister(context.Background(), key, sourceNode); err != nil {
		t.Fatalf("unregister: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-sub.Frames():
			if !ok {
				// End-of-stream propagated; the hub must also leave the
				// directory.
				waitForCondition(t, "directory cleanup", func() bool {
					_, ok := c.pullerDir.Get(key)
					return !ok
				})
				return
			}
		case <-deadline:
			t.Fatal("end of stream never reached the relay subscriber")
		}
	}
}

func TestManagerUnknownStream(t *testing.T) {
	c := newCluster(t, time.Minute)
	_, _, err := c.manager.Attach(context.Background(), relayTestKey(t))
	if !errors.Is(err, stream.ErrStreamNotFound) {
		t.Fatalf("err = %v, want ErrStreamNotFound", err)
	}
}

func TestManagerGracePeriodTeardown(t *testing.T) {
	c := newCluster(t, 30*time.Millisecond)
	key := relayTestKey(t)
	source := c.publishAt(t, key)
	source.Publish(keyframe(0))

	_, release, err := c.manager.Attach(context.Background(), key)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	release()

	waitForCondition(t, "grace teardown", func() bool {
		c.manager.mu.Lock()
		defer c.manager.mu.Unlock()
		return len(c.manager.sessions) == 0
	})
	waitForCondition(t, "hub removal", func() bool {
		_, ok := c.pullerDir.Get(key)
		return !ok
	})
}

func TestManagerReattachWithinGraceKeepsSession(t *testing.T) {
	c := newCluster(t, 500*time.Millisecond)
	key := relayTestKey(t)
	source := c.publishAt(t, key)
	source.Publish(keyframe(0))

	hub1, release1, err := c.manager.Attach(context.Background(), key)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	release1()

	hub2, release2, err := c.manager.Attach(context.Background(), key)
	if err != nil {
		t.Fatalf("re-attach: %v", err)
	}
	defer release2()
	if hub1 != hub2 {
		t.Error("re-attach within the grace period created a new session")
	}
}

func waitForCondition(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
