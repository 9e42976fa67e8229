package hls

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"relaycast/internal/observability/metrics"
	"relaycast/internal/stream"
)

// RemuxerConfig tunes segmenting for one stream.
type RemuxerConfig struct {
	// MinSegmentDuration is the shortest segment the remuxer will cut; the
	// boundary falls on the first keyframe at or past it.
	MinSegmentDuration time.Duration
	// MaxSegmentDuration is the hard cap: the segment is cut even without a
	// keyframe once it is reached.
	MaxSegmentDuration time.Duration
	// WindowSize is the number of segments kept in the live playlist.
	WindowSize int
	Storage    SegmentStorage
	Metrics    *metrics.Recorder
	Logger     *slog.Logger
}

func (c RemuxerConfig) withDefaults() RemuxerConfig {
	if c.MinSegmentDuration <= 0 {
		c.MinSegmentDuration = 2 * time.Second
	}
	if c.MaxSegmentDuration < c.MinSegmentDuration {
		c.MaxSegmentDuration = 3 * c.MinSegmentDuration
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 6
	}
	if c.Storage == nil {
		c.Storage = NewMemoryStorage()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Default()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Remuxer packages one stream's frame feed into MPEG-TS segments. It is
// driven by a single goroutine: Write for every frame in order, then Finish
// exactly once.
//
// The remuxer idles until the codec configuration and a keyframe arrive,
// buffers transport packets until a segment boundary, then flushes: store
// the media, swap the playlist window, and kick off deletion of evicted
// segments. A storage failure drops the segment but still consumes its
// sequence number, so the playlist shows a discontinuity instead of
// stalling the stream.
type Remuxer struct {
	key      stream.Key
	cfg      RemuxerConfig
	logger   *slog.Logger
	muxer    *tsMuxer
	playlist *Playlist

	sequence uint64
	buf      bytes.Buffer
	open     bool
	startTS  uint32
	lastTS   uint32

	// failedDeletes carries names whose storage delete failed, retried on
	// the next flush cycle.
	failedDeletes chan string
}

// NewRemuxer creates the remuxer and its playlist for one stream key.
func NewRemuxer(key stream.Key, cfg RemuxerConfig) *Remuxer {
	cfg = cfg.withDefaults()
	return &Remuxer{
		key:           key,
		cfg:           cfg,
		logger:        cfg.Logger.With("stream", key.String(), "component", "hls"),
		muxer:         newTSMuxer(),
		playlist:      NewPlaylist(key, cfg.WindowSize),
		failedDeletes: make(chan string, 4*cfg.WindowSize),
	}
}

// Playlist exposes the live playlist for delivery.
func (r *Remuxer) Playlist() *Playlist {
	return r.playlist
}

// Write consumes one frame in production order.
func (r *Remuxer) Write(ctx context.Context, frame stream.Frame) error {
	switch frame.Kind {
	case stream.KindMetadata:
		return nil
	case stream.KindVideo:
		if frame.SequenceHeader() {
			if err := r.muxer.SetVideoConfig(frame.Payload); err != nil {
				return fmt.Errorf("video config: %w", err)
			}
			return nil
		}
		return r.writeVideo(ctx, frame)
	case stream.KindAudio:
		if frame.SequenceHeader() {
			if err := r.muxer.SetAudioConfig(frame.Payload); err != nil {
				return fmt.Errorf("audio config: %w", err)
			}
			return nil
		}
		return r.writeAudio(frame)
	default:
		return nil
	}
}

func (r *Remuxer) writeVideo(ctx context.Context, frame stream.Frame) error {
	if !r.open {
		if !frame.Keyframe || !r.muxer.haveVideoCfg {
			// Idle until a segment can start on a decodable keyframe.
			return nil
		}
		r.openSegment(frame.Timestamp)
	} else if r.boundary(frame) {
		if err := r.flush(ctx, frame.Timestamp); err != nil {
			return err
		}
		r.openSegment(frame.Timestamp)
	}
	r.lastTS = frame.Timestamp
	if err := r.muxer.WriteVideo(&r.buf, frame.Timestamp, frame.Payload, frame.Keyframe); err != nil {
		return fmt.Errorf("mux video: %w", err)
	}
	return nil
}

func (r *Remuxer) writeAudio(frame stream.Frame) error {
	if !r.open {
		return nil
	}
	r.lastTS = frame.Timestamp
	if err := r.muxer.WriteAudio(&r.buf, frame.Timestamp, frame.Payload); err != nil {
		return fmt.Errorf("mux audio: %w", err)
	}
	return nil
}

// boundary reports whether the incoming video frame should start a new
// segment: a keyframe past the minimum duration, or any frame past the cap.
func (r *Remuxer) boundary(frame stream.Frame) bool {
	elapsed := time.Duration(frame.Timestamp-r.startTS) * time.Millisecond
	if frame.Keyframe && elapsed >= r.cfg.MinSegmentDuration {
		return true
	}
	return elapsed >= r.cfg.MaxSegmentDuration
}

func (r *Remuxer) openSegment(timestamp uint32) {
	r.buf.Reset()
	r.muxer.WriteInit(&r.buf)
	r.open = true
	r.startTS = timestamp
	r.lastTS = timestamp
}

// Finish flushes any partial segment and ends the playlist.
func (r *Remuxer) Finish(ctx context.Context) error {
	var err error
	if r.open && r.buf.Len() > 0 {
		err = r.flush(ctx, r.lastTS)
	}
	r.open = false
	r.playlist.End()
	return err
}

// SegmentNames lists the storage objects currently referenced by the
// playlist window, used for teardown cleanup.
func (r *Remuxer) SegmentNames() []string {
	segments := r.playlist.Segments()
	names := make([]string, 0, len(segments))
	for _, seg := range segments {
		names = append(names, segmentName(r.key, seg.Sequence))
	}
	return names
}

func (r *Remuxer) flush(ctx context.Context, endTS uint32) error {
	data := make([]byte, r.buf.Len())
	copy(data, r.buf.Bytes())
	r.buf.Reset()

	seq := r.sequence
	r.sequence++
	duration := float64(endTS-r.startTS) / 1000
	if duration <= 0 {
		duration = r.cfg.MinSegmentDuration.Seconds()
	}
	name := segmentName(r.key, seq)

	if err := r.cfg.Storage.Put(ctx, name, data); err != nil {
		// The sequence number is consumed either way; the playlist shows a
		// discontinuity and the stream keeps going.
		r.logger.Error("segment store failed, dropping segment",
			"sequence", seq, "error", err)
		r.cfg.Metrics.ObserveSegmentPutError()
		return nil
	}
	r.cfg.Metrics.ObserveSegmentWritten()

	evicted := r.playlist.Append(Segment{Key: r.key, Sequence: seq, Duration: duration})

	names := make([]string, 0, len(evicted)+len(r.failedDeletes))
	for _, seg := range evicted {
		names = append(names, segmentName(r.key, seg.Sequence))
	}
drain:
	for {
		select {
		case name := <-r.failedDeletes:
			r.cfg.Metrics.ObserveSegmentDeleteRetry()
			names = append(names, name)
		default:
			break drain
		}
	}
	if len(names) > 0 {
		go r.deleteSegments(names)
	}
	return nil
}

// deleteSegments removes evicted media off the hot path. Failures are
// re-queued for the next flush cycle.
func (r *Remuxer) deleteSegments(names []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, name := range names {
		if err := r.cfg.Storage.Delete(ctx, name); err != nil {
			r.logger.Warn("segment delete failed, will retry", "object", name, "error", err)
			select {
			case r.failedDeletes <- name:
			default:
			}
			continue
		}
		r.cfg.Metrics.ObserveSegmentEvicted()
	}
}

func segmentName(key stream.Key, sequence uint64) string {
	return fmt.Sprintf("%s/%d.ts", key.String(), sequence)
}
