package stream

import (
	"sync/atomic"
	"time"
)

const (
	defaultMaxGopFrames   = 4096
	defaultMaxGopDuration = 10 * time.Second
)

// GopCacheConfig bounds the frames retained for a single group of pictures.
type GopCacheConfig struct {
	// MaxFrames caps the number of frames kept within one generation.
	MaxFrames int
	// MaxDuration caps the buffered timestamp span within one generation.
	MaxDuration time.Duration
}

// GopCache retains the frames produced since the most recent video keyframe
// so a newly attaching viewer can start decoding immediately instead of
// waiting for the next keyframe.
//
// A video keyframe starts a fresh generation which replaces the previous one
// atomically; readers holding a snapshot of the old generation are unaffected.
// Delta frames are appended until either bound is reached, after which they
// are dropped until the next keyframe. The first frame of a non-empty
// snapshot is therefore always a keyframe.
type GopCache struct {
	maxFrames   int
	maxDuration uint32 // milliseconds
	gen         atomic.Pointer[gopGeneration]
}

type gopGeneration struct {
	frames []Frame
	full   bool
}

// NewGopCache constructs a cache with the provided bounds, substituting
// defaults for non-positive values.
func NewGopCache(cfg GopCacheConfig) *GopCache {
	if cfg.MaxFrames <= 0 {
		cfg.MaxFrames = defaultMaxGopFrames
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = defaultMaxGopDuration
	}
	return &GopCache{
		maxFrames:   cfg.MaxFrames,
		maxDuration: uint32(cfg.MaxDuration / time.Millisecond),
	}
}

// Push records a frame. Only the owning ingest task may call Push; readers
// may call Snapshot concurrently.
func (c *GopCache) Push(frame Frame) {
	if frame.Kind == KindVideo && frame.Keyframe {
		next := &gopGeneration{frames: make([]Frame, 1, 64)}
		next.frames[0] = frame
		c.gen.Store(next)
		return
	}
	current := c.gen.Load()
	if current == nil || current.full {
		return
	}
	if len(current.frames) >= c.maxFrames || c.spanExceeded(current, frame) {
		c.gen.Store(&gopGeneration{frames: current.frames, full: true})
		return
	}
	// Readers copy the slice header on Load, so appending through a fresh
	// generation struct never mutates a frame a snapshot can observe.
	next := &gopGeneration{frames: append(current.frames, frame)}
	c.gen.Store(next)
}

func (c *GopCache) spanExceeded(g *gopGeneration, frame Frame) bool {
	first := g.frames[0].Timestamp
	if frame.Timestamp < first {
		return false
	}
	return frame.Timestamp-first > c.maxDuration
}

// Snapshot returns a point-in-time view of the current generation. The
// returned slice is immutable and safe to iterate after further pushes. It is
// empty until the first keyframe arrives.
func (c *GopCache) Snapshot() []Frame {
	current := c.gen.Load()
	if current == nil {
		return nil
	}
	return current.frames
}

// Reset drops the current generation. Called when the owning session ends.
func (c *GopCache) Reset() {
	c.gen.Store(nil)
}
