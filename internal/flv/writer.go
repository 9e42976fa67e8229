// Package flv frames media payloads into the FLV container used by the
// HTTP progressive-FLV delivery protocol.
package flv

import (
	"encoding/binary"
	"fmt"
	"io"

	"relaycast/internal/stream"
)

const (
	TagTypeAudio    = 8
	TagTypeVideo    = 9
	TagTypeMetadata = 18

	headerFlagVideo = 0x01
	headerFlagAudio = 0x04
)

// Writer emits an FLV byte stream: the file header followed by one tag per
// frame, each trailed by its previous-tag-size field.
type Writer struct {
	w           io.Writer
	wroteHeader bool
}

// NewWriter wraps w. The FLV header is emitted lazily before the first tag.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteHeader emits the 9-byte FLV header plus the leading zero
// previous-tag-size. Calling it more than once is a no-op.
func (fw *Writer) WriteHeader() error {
	if fw.wroteHeader {
		return nil
	}
	header := []byte{
		'F', 'L', 'V', 0x01,
		headerFlagVideo | headerFlagAudio,
		0x00, 0x00, 0x00, 0x09, // header size
		0x00, 0x00, 0x00, 0x00, // previous tag size 0
	}
	if _, err := fw.w.Write(header); err != nil {
		return fmt.Errorf("write flv header: %w", err)
	}
	fw.wroteHeader = true
	return nil
}

// WriteFrame emits one frame as an FLV tag.
func (fw *Writer) WriteFrame(frame stream.Frame) error {
	if err := fw.WriteHeader(); err != nil {
		return err
	}
	var tagType byte
	switch frame.Kind {
	case stream.KindVideo:
		tagType = TagTypeVideo
	case stream.KindAudio:
		tagType = TagTypeAudio
	case stream.KindMetadata:
		tagType = TagTypeMetadata
	default:
		return fmt.Errorf("unsupported frame kind %v", frame.Kind)
	}
	size := len(frame.Payload)
	if size > 0xFFFFFF {
		return fmt.Errorf("frame payload %d exceeds flv tag size limit", size)
	}

	var tag [11]byte
	tag[0] = tagType
	tag[1] = byte(size >> 16)
	tag[2] = byte(size >> 8)
	tag[3] = byte(size)
	ts := frame.Timestamp
	tag[4] = byte(ts >> 16)
	tag[5] = byte(ts >> 8)
	tag[6] = byte(ts)
	tag[7] = byte(ts >> 24) // extended timestamp byte
	// tag[8:11] is the stream ID, always zero.
	if _, err := fw.w.Write(tag[:]); err != nil {
		return fmt.Errorf("write flv tag header: %w", err)
	}
	if _, err := fw.w.Write(frame.Payload); err != nil {
		return fmt.Errorf("write flv tag body: %w", err)
	}
	var prevSize [4]byte
	binary.BigEndian.PutUint32(prevSize[:], uint32(11+size))
	if _, err := fw.w.Write(prevSize[:]); err != nil {
		return fmt.Errorf("write flv previous tag size: %w", err)
	}
	return nil
}
