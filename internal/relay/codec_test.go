package relay

import (
	"bytes"
	"testing"

	"relaycast/internal/stream"
)

func TestWireCodecRoundTrip(t *testing.T) {
	codec := wireCodec{}

	req := &pullRequest{Key: "room:media"}
	data, err := codec.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	decodedReq := new(pullRequest)
	if err := codec.Unmarshal(data, decodedReq); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if decodedReq.Key != req.Key {
		t.Errorf("key = %q, want %q", decodedReq.Key, req.Key)
	}

	frame := stream.Frame{
		Kind:      stream.KindVideo,
		Keyframe:  true,
		Timestamp: 123456,
		Payload:   []byte{0x17, 0x01, 0xAA, 0xBB},
	}
	data, err = codec.Marshal(frameToWire(frame))
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	decoded := new(frameMessage)
	if err := codec.Unmarshal(data, decoded); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	got := decoded.toFrame()
	if got.Kind != frame.Kind || got.Keyframe != frame.Keyframe || got.Timestamp != frame.Timestamp {
		t.Errorf("frame header changed: %+v", got)
	}
	if !bytes.Equal(got.Payload, frame.Payload) {
		t.Errorf("payload = %x, want %x", got.Payload, frame.Payload)
	}
}

func TestWireCodecRejectsForeignTypes(t *testing.T) {
	codec := wireCodec{}
	if _, err := codec.Marshal("nope"); err == nil {
		t.Error("marshal string must fail")
	}
	if err := codec.Unmarshal([]byte{1}, &struct{}{}); err == nil {
		t.Error("unmarshal into struct must fail")
	}
}

func TestWireMessagesRejectTruncation(t *testing.T) {
	if err := new(pullRequest).unmarshalWire([]byte{0}); err == nil {
		t.Error("short pull request accepted")
	}
	if err := new(pullRequest).unmarshalWire([]byte{0, 10, 'a'}); err == nil {
		t.Error("truncated key accepted")
	}
	if err := new(frameMessage).unmarshalWire([]byte{1, 0, 0}); err == nil {
		t.Error("short frame accepted")
	}
}
