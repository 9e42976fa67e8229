package stream_test

import (
	"testing"
	"time"

	"relaycast/internal/stream"
)

func videoFrame(ts uint32, keyframe bool) stream.Frame {
	payload := []byte{0x27, 0x01, 0x00, 0x00, 0x00}
	if keyframe {
		payload[0] = 0x17
	}
	return stream.Frame{Kind: stream.KindVideo, Keyframe: keyframe, Timestamp: ts, Payload: payload}
}

func audioFrame(ts uint32) stream.Frame {
	return stream.Frame{Kind: stream.KindAudio, Timestamp: ts, Payload: []byte{0xaf, 0x01, 0x21}}
}

func TestGopCacheSnapshotStartsWithKeyframe(t *testing.T) {
	cache := stream.NewGopCache(stream.GopCacheConfig{})

	if got := cache.Snapshot(); len(got) != 0 {
		t.Fatalf("expected empty snapshot before first keyframe, got %d frames", len(got))
	}

	cache.Push(videoFrame(0, false))
	cache.Push(audioFrame(10))
	if got := cache.Snapshot(); len(got) != 0 {
		t.Fatalf("expected delta frames before a keyframe to be discarded, got %d frames", len(got))
	}

	cache.Push(videoFrame(100, true))
	cache.Push(videoFrame(140, false))
	cache.Push(audioFrame(150))

	snapshot := cache.Snapshot()
	if len(snapshot) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(snapshot))
	}
	if !snapshot[0].Keyframe {
		t.Fatalf("first snapshot frame must be a keyframe")
	}
}

func TestGopCacheKeyframeReplacesGeneration(t *testing.T) {
	cache := stream.NewGopCache(stream.GopCacheConfig{})

	cache.Push(videoFrame(0, true))
	cache.Push(videoFrame(40, false))
	old := cache.Snapshot()

	cache.Push(videoFrame(1000, true))
	cache.Push(videoFrame(1040, false))

	fresh := cache.Snapshot()
	if len(fresh) != 2 {
		t.Fatalf("expected new generation with 2 frames, got %d", len(fresh))
	}
	if fresh[0].Timestamp != 1000 {
		t.Fatalf("expected new generation to start at the latest keyframe, got ts %d", fresh[0].Timestamp)
	}
	// The old snapshot stays intact for readers that captured it.
	if len(old) != 2 || old[0].Timestamp != 0 {
		t.Fatalf("old snapshot mutated: %+v", old)
	}
}

func TestGopCacheBoundedByFrameCount(t *testing.T) {
	cache := stream.NewGopCache(stream.GopCacheConfig{MaxFrames: 4})

	cache.Push(videoFrame(0, true))
	for i := 1; i < 10; i++ {
		cache.Push(videoFrame(uint32(i*40), false))
	}
	if got := len(cache.Snapshot()); got != 4 {
		t.Fatalf("expected snapshot capped at 4 frames, got %d", got)
	}
}

func TestGopCacheBoundedByDuration(t *testing.T) {
	cache := stream.NewGopCache(stream.GopCacheConfig{MaxDuration: time.Second})

	cache.Push(videoFrame(0, true))
	cache.Push(videoFrame(500, false))
	cache.Push(videoFrame(1500, false)) // beyond the 1s span, dropped
	cache.Push(videoFrame(1600, false))

	if got := len(cache.Snapshot()); got != 2 {
		t.Fatalf("expected snapshot capped at 2 frames, got %d", got)
	}

	// A fresh keyframe reopens the cache.
	cache.Push(videoFrame(2000, true))
	cache.Push(videoFrame(2040, false))
	if got := len(cache.Snapshot()); got != 2 {
		t.Fatalf("expected new generation after keyframe, got %d frames", got)
	}
}
