// Package relay moves live frames between replicas: a gRPC server-streaming
// pull endpoint on the publisher's node and a refcounted puller that
// materializes a local hub on every other node.
package relay

import (
	"encoding/binary"
	"fmt"

	"relaycast/internal/stream"
)

// The wire messages are hand-encoded: two fixed shapes, no schema evolution
// across the cluster boundary, and no exposure outside the replica mesh.

// wireMessage is implemented by both relay RPC messages.
type wireMessage interface {
	marshalWire() []byte
	unmarshalWire(data []byte) error
}

// pullRequest opens a pull for one stream key.
type pullRequest struct {
	Key string
}

func (r *pullRequest) marshalWire() []byte {
	buf := make([]byte, 2+len(r.Key))
	binary.BigEndian.PutUint16(buf, uint16(len(r.Key)))
	copy(buf[2:], r.Key)
	return buf
}

func (r *pullRequest) unmarshalWire(data []byte) error {
	if len(data) < 2 {
		return fmt.Errorf("pull request too short: %d bytes", len(data))
	}
	size := int(binary.BigEndian.Uint16(data))
	if len(data) < 2+size {
		return fmt.Errorf("pull request key truncated")
	}
	r.Key = string(data[2 : 2+size])
	return nil
}

// frameMessage carries one frame of the pulled stream.
type frameMessage struct {
	Kind      uint8
	Keyframe  bool
	Timestamp uint32
	Payload   []byte
}

func frameToWire(frame stream.Frame) *frameMessage {
	return &frameMessage{
		Kind:      uint8(frame.Kind),
		Keyframe:  frame.Keyframe,
		Timestamp: frame.Timestamp,
		Payload:   frame.Payload,
	}
}

func (m *frameMessage) toFrame() stream.Frame {
	return stream.Frame{
		Kind:      stream.FrameKind(m.Kind),
		Keyframe:  m.Keyframe,
		Timestamp: m.Timestamp,
		Payload:   m.Payload,
	}
}

func (m *frameMessage) marshalWire() []byte {
	buf := make([]byte, 6+len(m.Payload))
	buf[0] = m.Kind
	if m.Keyframe {
		buf[1] = 1
	}
	binary.BigEndian.PutUint32(buf[2:], m.Timestamp)
	copy(buf[6:], m.Payload)
	return buf
}

func (m *frameMessage) unmarshalWire(data []byte) error {
	if len(data) < 6 {
		return fmt.Errorf("frame message too short: %d bytes", len(data))
	}
	m.Kind = data[0]
	m.Keyframe = data[1] != 0
	m.Timestamp = binary.BigEndian.Uint32(data[2:])
	m.Payload = make([]byte, len(data)-6)
	copy(m.Payload, data[6:])
	return nil
}

// wireCodec plugs the hand-rolled encoding into grpc via ForceCodec.
type wireCodec struct{}

func (wireCodec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("relay codec cannot marshal %T", v)
	}
	return msg.marshalWire(), nil
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("relay codec cannot unmarshal into %T", v)
	}
	return msg.unmarshalWire(data)
}

func (wireCodec) Name() string { return "relaycast-wire" }
