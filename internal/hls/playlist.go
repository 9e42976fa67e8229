// Package hls turns the per-stream frame feed into MPEG-TS segments and a
// sliding-window live playlist served over HTTP.
package hls

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"

	"relaycast/internal/stream"
)

// Segment is one finished media segment.
type Segment struct {
	Key      stream.Key
	Sequence uint64
	// Duration in seconds.
	Duration float64
}

// window is the immutable playlist state swapped atomically on every flush.
type window struct {
	segments []Segment
	ended    bool
}

// Playlist is the sliding window of live segments for one stream. Readers
// get a point-in-time snapshot; the remuxer swaps whole windows so a reader
// never observes a half-applied append/evict.
type Playlist struct {
	key  stream.Key
	size int
	win  atomic.Pointer[window]
}

// NewPlaylist creates an empty playlist holding at most size segments.
func NewPlaylist(key stream.Key, size int) *Playlist {
	if size <= 0 {
		size = 6
	}
	p := &Playlist{key: key, size: size}
	p.win.Store(&window{})
	return p
}

// Append adds a segment, evicting from the front beyond the window size, and
// returns the evicted segments for asynchronous storage cleanup.
func (p *Playlist) Append(seg Segment) []Segment {
	current := p.win.Load()
	segments := make([]Segment, 0, len(current.segments)+1)
	segments = append(segments, current.segments...)
	segments = append(segments, seg)
	var evicted []Segment
	if len(segments) > p.size {
		cut := len(segments) - p.size
		evicted = segments[:cut]
		segments = segments[cut:]
	}
	p.win.Store(&window{segments: segments, ended: current.ended})
	return evicted
}

// End marks the stream finished; the rendered playlist gains ENDLIST.
func (p *Playlist) End() {
	current := p.win.Load()
	p.win.Store(&window{segments: current.segments, ended: true})
}

// Segments returns the current window, oldest first.
func (p *Playlist) Segments() []Segment {
	return p.win.Load().segments
}

// Ended reports whether the stream has finished.
func (p *Playlist) Ended() bool {
	return p.win.Load().ended
}

// Render produces the M3U8 document for the current window. An empty window
// renders a minimal valid playlist at media sequence 0.
func (p *Playlist) Render() string {
	win := p.win.Load()

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")

	if len(win.segments) == 0 {
		b.WriteString("#EXT-X-TARGETDURATION:1\n")
		b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
		if win.ended {
			b.WriteString("#EXT-X-ENDLIST\n")
		}
		return b.String()
	}

	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", targetDuration(win.segments))
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", win.segments[0].Sequence)

	previous := win.segments[0].Sequence
	for i, seg := range win.segments {
		if i > 0 && seg.Sequence != previous+1 {
			// A dropped segment leaves a hole in the sequence numbering;
			// players must be told not to treat it as a timeline jump.
			b.WriteString("#EXT-X-DISCONTINUITY\n")
		}
		previous = seg.Sequence
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", seg.Duration)
		fmt.Fprintf(&b, "%d.ts\n", seg.Sequence)
	}

	if win.ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String()
}

// targetDuration is the ceiling of the longest segment duration, at least 1.
func targetDuration(segments []Segment) int {
	max := 0.0
	for _, seg := range segments {
		if seg.Duration > max {
			max = seg.Duration
		}
	}
	if max <= 0 {
		return 1
	}
	return int(math.Ceil(max))
}
