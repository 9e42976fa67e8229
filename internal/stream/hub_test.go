package stream_test

import (
	"sync/atomic"
	"testing"
	"time"

	"relaycast/internal/stream"
)

func mustKey(t *testing.T, raw string) stream.Key {
	t.Helper()
	key, err := stream.ParseKey(raw)
	if err != nil {
		t.Fatalf("parse key %q: %v", raw, err)
	}
	return key
}

func collect(t *testing.T, sub *stream.Subscriber, n int) []stream.Frame {
	t.Helper()
	frames := make([]stream.Frame, 0, n)
	timeout := time.After(2 * time.Second)
	for len(frames) < n {
		select {
		case frame, ok := <-sub.Frames():
			if !ok {
				t.Fatalf("stream ended after %d of %d frames", len(frames), n)
			}
			frames = append(frames, frame)
		case <-timeout:
			t.Fatalf("timed out waiting for %d frames, got %d", n, len(frames))
		}
	}
	return frames
}

func TestHubSnapshotThenLiveOrdering(t *testing.T) {
	hub := stream.NewHub(mustKey(t, "room1:media1"), stream.HubConfig{})
	defer hub.Close()

	hub.Publish(videoFrame(0, true))
	for i := 1; i <= 5; i++ {
		hub.Publish(videoFrame(uint32(i*40), false))
	}

	sub, err := hub.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	snapshot := sub.Snapshot()
	if len(snapshot) != 6 {
		t.Fatalf("expected keyframe plus 5 deltas in snapshot, got %d frames", len(snapshot))
	}
	if !snapshot[0].Keyframe {
		t.Fatalf("snapshot must start with a keyframe")
	}
	for i, frame := range snapshot {
		if frame.Timestamp != uint32(i*40) {
			t.Fatalf("snapshot out of order at %d: ts %d", i, frame.Timestamp)
		}
	}

	hub.Publish(videoFrame(240, false))
	live := collect(t, sub, 1)
	if live[0].Timestamp != 240 {
		t.Fatalf("expected live frame to follow the snapshot, got ts %d", live[0].Timestamp)
	}
}

func TestHubSequenceHeadersPrecedeGop(t *testing.T) {
	hub := stream.NewHub(mustKey(t, "room1:media1"), stream.HubConfig{})
	defer hub.Close()

	hub.Publish(stream.Frame{Kind: stream.KindMetadata, Payload: []byte("onMetaData")})
	hub.Publish(stream.Frame{Kind: stream.KindVideo, Payload: []byte{0x17, 0x00, 0x00, 0x00, 0x00}})
	hub.Publish(stream.Frame{Kind: stream.KindAudio, Payload: []byte{0xaf, 0x00, 0x12}})
	hub.Publish(videoFrame(0, true))

	sub, err := hub.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	snapshot := sub.Snapshot()
	if len(snapshot) != 4 {
		t.Fatalf("expected metadata, two sequence headers and the keyframe, got %d frames", len(snapshot))
	}
	if snapshot[0].Kind != stream.KindMetadata {
		t.Fatalf("expected metadata first, got %v", snapshot[0].Kind)
	}
	if !snapshot[3].Keyframe {
		t.Fatalf("expected GOP keyframe last, got %+v", snapshot[3])
	}
}

func TestHubCloseSignalsEndOfStream(t *testing.T) {
	hub := stream.NewHub(mustKey(t, "room1:media1"), stream.HubConfig{})

	sub, err := hub.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	hub.Close()

	select {
	case _, ok := <-sub.Frames():
		if ok {
			t.Fatalf("expected closed channel, got frame")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for end-of-stream")
	}

	if _, err := hub.Subscribe(); err == nil {
		t.Fatalf("expected subscribe after close to fail")
	}
}

func TestHubDropsOldestWhenSubscriberStalls(t *testing.T) {
	var reported atomic.Uint64
	hub := stream.NewHub(mustKey(t, "room1:media1"), stream.HubConfig{
		SubscriberBuffer: 4,
		OnDrop:           func(n uint64) { reported.Add(n) },
	})
	defer hub.Close()

	sub, err := hub.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	hub.Publish(videoFrame(0, true))
	for i := 1; i <= 9; i++ {
		hub.Publish(videoFrame(uint32(i*40), false))
	}

	frames := collect(t, sub, 4)
	if hub.Dropped() != 6 {
		t.Fatalf("expected 6 dropped frames, got %d", hub.Dropped())
	}
	// Every drop is forwarded to the instrumentation hook.
	if reported.Load() != hub.Dropped() {
		t.Fatalf("hook saw %d drops, hub counted %d", reported.Load(), hub.Dropped())
	}
	// The queue keeps the newest frames.
	if frames[len(frames)-1].Timestamp != 360 {
		t.Fatalf("expected newest frame retained, got ts %d", frames[len(frames)-1].Timestamp)
	}
}

func TestDirectoryLifecycle(t *testing.T) {
	dir := stream.NewDirectory()
	key := mustKey(t, "room1:media1")

	hub, err := dir.Create(key, stream.HubConfig{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := dir.Create(key, stream.HubConfig{}); err == nil {
		t.Fatalf("expected duplicate create to fail")
	}

	got, ok := dir.Get(key)
	if !ok || got != hub {
		t.Fatalf("expected to find the created hub")
	}

	dir.Remove(key, hub)
	if _, ok := dir.Get(key); ok {
		t.Fatalf("expected hub removed")
	}
	// Removing again is a no-op.
	dir.Remove(key, hub)

	if _, err := hub.Subscribe(); err == nil {
		t.Fatalf("expected removed hub to be closed")
	}
}
