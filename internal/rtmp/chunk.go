package rtmp

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// message is one reassembled RTMP message.
type message struct {
	typeID    uint8
	streamID  uint32
	timestamp uint32
	payload   []byte
}

// chunkStreamState tracks the running header values for one chunk stream so
// compressed header formats can be expanded.
type chunkStreamState struct {
	timestamp   uint32
	delta       uint32
	length      uint32
	typeID      uint8
	streamID    uint32
	extended    bool
	assembled   []byte
	bytesNeeded uint32
}

// chunkReader demultiplexes interleaved chunk streams into complete
// messages, applying chunk-size negotiation as it goes.
type chunkReader struct {
	r         *bufio.Reader
	chunkSize uint32
	streams   map[uint32]*chunkStreamState
}

func newChunkReader(r io.Reader) *chunkReader {
	return &chunkReader{
		r:         bufio.NewReader(r),
		chunkSize: defaultChunkSize,
		streams:   make(map[uint32]*chunkStreamState),
	}
}

// Read returns the next complete message, transparently consuming
// SetChunkSize control messages.
func (cr *chunkReader) Read() (*message, error) {
	for {
		msg, err := cr.readChunk()
		if err != nil {
			return nil, err
		}
		if msg == nil {
			continue
		}
		if msg.typeID == msgSetChunkSize {
			if len(msg.payload) < 4 {
				return nil, fmt.Errorf("%w: short set chunk size payload", ErrProtocol)
			}
			size := binary.BigEndian.Uint32(msg.payload) & 0x7FFFFFFF
			if size == 0 {
				return nil, fmt.Errorf("%w: zero chunk size", ErrProtocol)
			}
			cr.chunkSize = size
			continue
		}
		return msg, nil
	}
}

// readChunk consumes one chunk, returning the finished message when the
// chunk completes one.
func (cr *chunkReader) readChunk() (*message, error) {
	format, csid, err := cr.readBasicHeader()
	if err != nil {
		return nil, err
	}
	state, ok := cr.streams[csid]
	if !ok {
		if format != fmtFull {
			return nil, fmt.Errorf("%w: chunk stream %d started with format %d", ErrProtocol, csid, format)
		}
		state = &chunkStreamState{}
		cr.streams[csid] = state
	}

	var header [11]byte
	switch format {
	case fmtFull:
		if _, err := io.ReadFull(cr.r, header[:11]); err != nil {
			return nil, fmt.Errorf("%w: read message header: %v", ErrProtocol, err)
		}
		state.timestamp = uint24(header[0:3])
		state.delta = 0
		state.length = uint24(header[3:6])
		state.typeID = header[6]
		state.streamID = binary.LittleEndian.Uint32(header[7:11])
		state.extended = state.timestamp == extendedTimestamp
		if err := cr.readExtendedTimestamp(state, true); err != nil {
			return nil, err
		}
	case fmtMedium:
		if _, err := io.ReadFull(cr.r, header[:7]); err != nil {
			return nil, fmt.Errorf("%w: read message header: %v", ErrProtocol, err)
		}
		state.delta = uint24(header[0:3])
		state.length = uint24(header[3:6])
		state.typeID = header[6]
		state.extended = state.delta == extendedTimestamp
		if err := cr.readExtendedTimestamp(state, false); err != nil {
			return nil, err
		}
		state.timestamp += state.delta
	case fmtShort:
		if _, err := io.ReadFull(cr.r, header[:3]); err != nil {
			return nil, fmt.Errorf("%w: read message header: %v", ErrProtocol, err)
		}
		state.delta = uint24(header[0:3])
		state.extended = state.delta == extendedTimestamp
		if err := cr.readExtendedTimestamp(state, false); err != nil {
			return nil, err
		}
		state.timestamp += state.delta
	case fmtNone:
		if state.extended {
			var scratch [4]byte
			if _, err := io.ReadFull(cr.r, scratch[:]); err != nil {
				return nil, fmt.Errorf("%w: read extended timestamp: %v", ErrProtocol, err)
			}
		}
		if len(state.assembled) == 0 {
			state.timestamp += state.delta
		}
	}

	if state.length > maxMessageSize {
		return nil, fmt.Errorf("%w: message length %d too large", ErrProtocol, state.length)
	}
	if len(state.assembled) == 0 {
		state.assembled = make([]byte, 0, state.length)
		state.bytesNeeded = state.length
	}
	take := cr.chunkSize
	if take > state.bytesNeeded {
		take = state.bytesNeeded
	}
	fragment := make([]byte, take)
	if _, err := io.ReadFull(cr.r, fragment); err != nil {
		return nil, fmt.Errorf("%w: read chunk payload: %v", ErrProtocol, err)
	}
	state.assembled = append(state.assembled, fragment...)
	state.bytesNeeded -= take
	if state.bytesNeeded > 0 {
		return nil, nil
	}
	msg := &message{
		typeID:    state.typeID,
		streamID:  state.streamID,
		timestamp: state.timestamp,
		payload:   state.assembled,
	}
	state.assembled = nil
	return msg, nil
}

func (cr *chunkReader) readExtendedTimestamp(state *chunkStreamState, absolute bool) error {
	if !state.extended {
		return nil
	}
	var scratch [4]byte
	if _, err := io.ReadFull(cr.r, scratch[:]); err != nil {
		return fmt.Errorf("%w: read extended timestamp: %v", ErrProtocol, err)
	}
	value := binary.BigEndian.Uint32(scratch[:])
	if absolute {
		state.timestamp = value
	} else {
		state.delta = value
	}
	return nil
}

func (cr *chunkReader) readBasicHeader() (uint8, uint32, error) {
	first, err := cr.r.ReadByte()
	if err != nil {
		return 0, 0, err
	}
	format := first >> 6
	csid := uint32(first & 0x3F)
	switch csid {
	case 0:
		b, err := cr.r.ReadByte()
		if err != nil {
			return 0, 0, fmt.Errorf("%w: read basic header: %v", ErrProtocol, err)
		}
		csid = 64 + uint32(b)
	case 1:
		var scratch [2]byte
		if _, err := io.ReadFull(cr.r, scratch[:]); err != nil {
			return 0, 0, fmt.Errorf("%w: read basic header: %v", ErrProtocol, err)
		}
		csid = 64 + uint32(scratch[0]) + 256*uint32(scratch[1])
	}
	return format, csid, nil
}

// chunkWriter serialises messages into chunks. For simplicity every message
// is written with a full (format 0) header and format-3 continuations, which
// every client accepts.
type chunkWriter struct {
	w         *bufio.Writer
	chunkSize uint32
}

func newChunkWriter(w io.Writer) *chunkWriter {
	return &chunkWriter{w: bufio.NewWriter(w), chunkSize: defaultChunkSize}
}

// SetChunkSize announces and adopts a new outbound chunk size.
func (cw *chunkWriter) SetChunkSize(size uint32) error {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, size)
	if err := cw.Write(&message{typeID: msgSetChunkSize, payload: payload}); err != nil {
		return err
	}
	cw.chunkSize = size
	return nil
}

// Write emits one message on the chunk stream appropriate for its type.
func (cw *chunkWriter) Write(msg *message) error {
	csid := chunkStreamFor(msg.typeID)
	ts := msg.timestamp
	extended := ts >= extendedTimestamp

	header := make([]byte, 0, 18)
	header = append(header, byte(fmtFull<<6)|byte(csid))
	if extended {
		header = appendUint24(header, extendedTimestamp)
	} else {
		header = appendUint24(header, ts)
	}
	header = appendUint24(header, uint32(len(msg.payload)))
	header = append(header, msg.typeID)
	var streamID [4]byte
	binary.LittleEndian.PutUint32(streamID[:], msg.streamID)
	header = append(header, streamID[:]...)
	if extended {
		var scratch [4]byte
		binary.BigEndian.PutUint32(scratch[:], ts)
		header = append(header, scratch[:]...)
	}
	if _, err := cw.w.Write(header); err != nil {
		return fmt.Errorf("write chunk header: %w", err)
	}

	payload := msg.payload
	for len(payload) > 0 {
		take := int(cw.chunkSize)
		if take > len(payload) {
			take = len(payload)
		}
		if _, err := cw.w.Write(payload[:take]); err != nil {
			return fmt.Errorf("write chunk payload: %w", err)
		}
		payload = payload[take:]
		if len(payload) > 0 {
			continuation := []byte{byte(fmtNone<<6) | byte(csid)}
			if extended {
				var scratch [4]byte
				binary.BigEndian.PutUint32(scratch[:], ts)
				continuation = append(continuation, scratch[:]...)
			}
			if _, err := cw.w.Write(continuation); err != nil {
				return fmt.Errorf("write chunk continuation: %w", err)
			}
		}
	}
	return cw.w.Flush()
}

func chunkStreamFor(typeID uint8) uint32 {
	switch typeID {
	case msgAudio:
		return chunkStreamAudio
	case msgVideo:
		return chunkStreamVideo
	case msgDataAMF0:
		return chunkStreamData
	case msgCommandAMF0:
		return chunkStreamCommand
	default:
		return chunkStreamProtocol
	}
}

func uint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

func appendUint24(dst []byte, v uint32) []byte {
	return append(dst, byte(v>>16), byte(v>>8), byte(v))
}
