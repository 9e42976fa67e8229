package stream

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

const defaultSubscriberBuffer = 256

// HubConfig configures a per-stream fan-out hub.
type HubConfig struct {
	Gop GopCacheConfig
	// SubscriberBuffer is the per-subscriber frame queue capacity. When a
	// slow subscriber falls behind, the oldest queued frame is dropped to
	// make room for the newest.
	SubscriberBuffer int
	// OnDrop is called with 1 for every frame discarded from a full
	// subscriber queue. Wired to the dropped-frame counter; may be nil.
	// Must not block: it runs on the publish path.
	OnDrop func(n uint64)
	Logger *slog.Logger
}

// Hub owns the live fan-out for one stream key: the GOP cache, the cached
// codec sequence headers, and the set of attached subscribers. Exactly one
// producer (an ingest session or a relay puller) publishes into a hub; any
// number of delivery sessions subscribe.
type Hub struct {
	key    Key
	cache  *GopCache
	logger *slog.Logger
	buffer int
	onDrop func(n uint64)

	metadata atomic.Pointer[Frame]
	videoSeq atomic.Pointer[Frame]
	audioSeq atomic.Pointer[Frame]

	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	closed bool

	dropped atomic.Uint64
}

// NewHub constructs a hub for the given stream key.
func NewHub(key Key, cfg HubConfig) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	buffer := cfg.SubscriberBuffer
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{
		key:    key,
		cache:  NewGopCache(cfg.Gop),
		logger: logger.With("stream", key.String()),
		buffer: buffer,
		onDrop: cfg.OnDrop,
		subs:   make(map[*Subscriber]struct{}),
	}
}

// Key returns the stream key this hub fans out.
func (h *Hub) Key() Key {
	return h.key
}

// Publish pushes one frame into the GOP cache and forwards it to every
// attached subscriber in production order. Only the owning producer task may
// call Publish.
func (h *Hub) Publish(frame Frame) {
	frame.Key = h.key
	switch {
	case frame.Kind == KindMetadata:
		f := frame
		h.metadata.Store(&f)
	case frame.SequenceHeader() && frame.Kind == KindVideo:
		f := frame
		h.videoSeq.Store(&f)
	case frame.SequenceHeader() && frame.Kind == KindAudio:
		f := frame
		h.audioSeq.Store(&f)
	default:
		h.cache.Push(frame)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for sub := range h.subs {
		sub.push(frame)
	}
}

// Subscribe attaches a viewer. The returned subscriber carries a snapshot of
// the cached headers and current GOP taken atomically with the attachment,
// so the live channel continues exactly where the snapshot ends.
func (h *Hub) Subscribe() (*Subscriber, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	sub := &Subscriber{
		hub:      h,
		frames:   make(chan Frame, h.buffer),
		snapshot: h.attachSnapshot(),
	}
	h.subs[sub] = struct{}{}
	return sub, nil
}

// attachSnapshot is called with h.mu held so the snapshot and the live feed
// never overlap or leave a gap.
func (h *Hub) attachSnapshot() []Frame {
	gop := h.cache.Snapshot()
	frames := make([]Frame, 0, len(gop)+3)
	if meta := h.metadata.Load(); meta != nil {
		frames = append(frames, *meta)
	}
	if seq := h.videoSeq.Load(); seq != nil {
		frames = append(frames, *seq)
	}
	if seq := h.audioSeq.Load(); seq != nil {
		frames = append(frames, *seq)
	}
	return append(frames, gop...)
}

func (h *Hub) unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	close(sub.frames)
}

// Subscribers returns the number of attached viewers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns the cumulative number of frames discarded because a
// subscriber could not keep up.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close signals end-of-stream to every subscriber and drops the GOP cache.
// Further Publish and Subscribe calls are rejected. Close is idempotent.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.frames)
	}
	h.cache.Reset()
	h.metadata.Store(nil)
	h.videoSeq.Store(nil)
	h.audioSeq.Store(nil)
}

// Subscriber is one viewer's read-only attachment to a hub. Frames arrive in
// production order; the channel is closed when the stream ends or the
// subscriber is detached.
type Subscriber struct {
	hub      *Hub
	frames   chan Frame
	snapshot []Frame
	once     sync.Once
}

// Snapshot returns the frames to deliver before the live channel: cached
// metadata, sequence headers, then the GOP starting at its keyframe.
func (s *Subscriber) Snapshot() []Frame {
	return s.snapshot
}

// Frames is the live feed following the snapshot. Closed on end-of-stream.
func (s *Subscriber) Frames() <-chan Frame {
	return s.frames
}

// Close detaches the subscriber from the hub. Safe to call more than once
// and after the hub itself has closed.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		s.hub.unsubscribe(s)
	})
}

// push delivers a frame with a bounded queue. When the queue is full the
// oldest frame is dropped so the subscriber converges on the newest frames
// after a stall.
func (s *Subscriber) push(frame Frame) {
	for {
		select {
		case s.frames <- frame:
			return
		default:
		}
		select {
		case <-s.frames:
			s.hub.dropped.Add(1)
			if s.hub.onDrop != nil {
				s.hub.onDrop(1)
			}
		default:
		}
	}
}
