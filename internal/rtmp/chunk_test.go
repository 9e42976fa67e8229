package rtmp

import (
	"bytes"
	"errors"
	"testing"
)

func TestChunkRoundTripLargeMessage(t *testing.T) {
	payload := make([]byte, 5000)
	for i := range payload {
		payload[i] = byte(i)
	}
	var wire bytes.Buffer
	cw := newChunkWriter(&wire)
	sent := &message{typeID: msgVideo, streamID: 1, timestamp: 1234, payload: payload}
	if err := cw.Write(sent); err != nil {
		t.Fatalf("write: %v", err)
	}

	cr := newChunkReader(&wire)
	got, err := cr.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.typeID != sent.typeID || got.streamID != sent.streamID || got.timestamp != sent.timestamp {
		t.Errorf("header = %d/%d/%d, want %d/%d/%d",
			got.typeID, got.streamID, got.timestamp,
			sent.typeID, sent.streamID, sent.timestamp)
	}
	if !bytes.Equal(got.payload, payload) {
		t.Error("payload changed across the wire")
	}
}

func TestChunkReaderHonoursSetChunkSize(t *testing.T) {
	payload := make([]byte, 3000)
	var wire bytes.Buffer
	cw := newChunkWriter(&wire)
	if err := cw.SetChunkSize(1024); err != nil {
		t.Fatalf("set chunk size: %v", err)
	}
	if err := cw.Write(&message{typeID: msgAudio, payload: payload}); err != nil {
		t.Fatalf("write: %v", err)
	}

	cr := newChunkReader(&wire)
	got, err := cr.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got.payload) != len(payload) {
		t.Fatalf("payload length = %d, want %d", len(got.payload), len(payload))
	}
	if cr.chunkSize != 1024 {
		t.Errorf("reader chunk size = %d, want 1024", cr.chunkSize)
	}
}

func TestChunkInterleavedStreams(t *testing.T) {
	// Hand-build two interleaved chunk streams: message A on csid 4 split in
	// two chunks with a csid 6 message between the fragments.
	var wire bytes.Buffer

	a := bytes.Repeat([]byte{0xAA}, 200)
	b := []byte{0xBB, 0xBB}

	writeHeader := func(format byte, csid byte, ts, length uint32, typeID byte) {
		wire.WriteByte(format<<6 | csid)
		if format == fmtNone {
			return
		}
		wire.Write([]byte{byte(ts >> 16), byte(ts >> 8), byte(ts)})
		wire.Write([]byte{byte(length >> 16), byte(length >> 8), byte(length)})
		wire.WriteByte(typeID)
		wire.Write([]byte{0, 0, 0, 0})
	}

	writeHeader(fmtFull, 4, 10, uint32(len(a)), msgAudio)
	wire.Write(a[:defaultChunkSize])
	writeHeader(fmtFull, 6, 20, uint32(len(b)), msgVideo)
	wire.Write(b)
	wire.WriteByte(fmtNone<<6 | 4)
	wire.Write(a[defaultChunkSize:])

	cr := newChunkReader(&wire)
	first, err := cr.Read()
	if err != nil {
		t.Fatalf("read first: %v", err)
	}
	if first.typeID != msgVideo || !bytes.Equal(first.payload, b) {
		t.Fatalf("first message = type %d len %d, want the interleaved video", first.typeID, len(first.payload))
	}
	second, err := cr.Read()
	if err != nil {
		t.Fatalf("read second: %v", err)
	}
	if second.typeID != msgAudio || !bytes.Equal(second.payload, a) {
		t.Fatalf("second message = type %d len %d, want the reassembled audio", second.typeID, len(second.payload))
	}
	if second.timestamp != 10 {
		t.Errorf("timestamp = %d, want 10", second.timestamp)
	}
}

func TestChunkTimestampDeltas(t *testing.T) {
	var wire bytes.Buffer

	writeHeader := func(format byte, csid byte, ts, length uint32, typeID byte) {
		wire.WriteByte(format<<6 | csid)
		wire.Write([]byte{byte(ts >> 16), byte(ts >> 8), byte(ts)})
		if format <= fmtMedium {
			wire.Write([]byte{byte(length >> 16), byte(length >> 8), byte(length)})
			wire.WriteByte(typeID)
		}
		if format == fmtFull {
			wire.Write([]byte{0, 0, 0, 0})
		}
	}

	writeHeader(fmtFull, 4, 1000, 1, msgAudio)
	wire.WriteByte(0x01)
	writeHeader(fmtShort, 4, 40, 0, 0) // delta-only header
	wire.WriteByte(0x02)
	writeHeader(fmtShort, 4, 40, 0, 0)
	wire.WriteByte(0x03)

	cr := newChunkReader(&wire)
	want := []uint32{1000, 1040, 1080}
	for i, ts := range want {
		msg, err := cr.Read()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if msg.timestamp != ts {
			t.Errorf("message %d timestamp = %d, want %d", i, msg.timestamp, ts)
		}
	}
}

func TestChunkRejectsContinuationWithoutStart(t *testing.T) {
	var wire bytes.Buffer
	wire.WriteByte(fmtShort<<6 | 4)
	wire.Write([]byte{0, 0, 40})

	cr := newChunkReader(&wire)
	if _, err := cr.Read(); !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want ErrProtocol", err)
	}
}

func TestChunkRejectsOversizedMessage(t *testing.T) {
	var wire bytes.Buffer
	wire.WriteByte(fmtFull<<6 | 4)
	wire.Write([]byte{0, 0, 0})          // timestamp
	wire.Write([]byte{0xFF, 0xFF, 0xFF}) // length beyond the message cap
	wire.WriteByte(msgVideo)
	wire.Write([]byte{0, 0, 0, 0})

	cr := newChunkReader(&wire)
	if _, err := cr.Read(); !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want ErrProtocol", err)
	}
}

func TestChunkRejectsTruncatedPayload(t *testing.T) {
	var wire bytes.Buffer
	wire.WriteByte(fmtFull<<6 | 4)
	wire.Write([]byte{0, 0, 0})   // timestamp
	wire.Write([]byte{0, 0, 100}) // length
	wire.WriteByte(msgVideo)
	wire.Write([]byte{0, 0, 0, 0})
	wire.Write([]byte{0xAA, 0xBB}) // only 2 of 100 payload bytes

	cr := newChunkReader(&wire)
	if _, err := cr.Read(); !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want ErrProtocol", err)
	}
}
