package rtmp

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"relaycast/internal/auth"
	"relaycast/internal/observability/logging"
	"relaycast/internal/registry"
	"relaycast/internal/stream"
)

// session drives one accepted RTMP connection through handshake, the
// connect/createStream command exchange, and then either a publish loop
// feeding a hub or a play loop draining one.
type session struct {
	srv    *Server
	conn   net.Conn
	reader *chunkReader
	writer *chunkWriter
	logger *slog.Logger

	app       string
	streamSet bool
}

func newSession(srv *Server, conn net.Conn) *session {
	return &session{
		srv:    srv,
		conn:   conn,
		reader: newChunkReader(conn),
		writer: newChunkWriter(conn),
		logger: srv.logger.With("remote", conn.RemoteAddr().String()),
	}
}

func (s *session) run(ctx context.Context) error {
	if err := serverHandshake(s.conn); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	for {
		msg, err := s.reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		switch msg.typeID {
		case msgCommandAMF0:
			done, err := s.handleCommand(ctx, msg)
			if err != nil || done {
				return err
			}
		case msgAck, msgWindowAckSize, msgUserControl:
			// Flow-control chatter from the peer; nothing to do.
		default:
			s.logger.Debug("ignoring pre-stream message", "type", msg.typeID)
		}
	}
}

// handleCommand dispatches one AMF0 command. It returns done=true once the
// connection has been handed to a publish or play loop and that loop has
// finished.
func (s *session) handleCommand(ctx context.Context, msg *message) (bool, error) {
	values, err := decodeAMF(bytes.NewReader(msg.payload))
	if err != nil {
		return false, fmt.Errorf("decode command: %w", err)
	}
	if len(values) < 2 {
		return false, fmt.Errorf("%w: command with %d fields", ErrProtocol, len(values))
	}
	name, ok := values[0].(string)
	if !ok {
		return false, fmt.Errorf("%w: command name is not a string", ErrProtocol)
	}
	txn, _ := values[1].(float64)

	switch name {
	case "connect":
		return false, s.handleConnect(txn, values)
	case "createStream":
		return false, s.handleCreateStream(txn)
	case "releaseStream", "FCPublish", "FCUnpublish", "getStreamLength", "deleteStream":
		return false, nil
	case "publish":
		return true, s.handlePublish(ctx, msg.streamID, values)
	case "play":
		return true, s.handlePlay(ctx, msg.streamID, values)
	default:
		s.logger.Debug("ignoring command", "command", name)
		return false, nil
	}
}

func (s *session) handleConnect(txn float64, values []any) error {
	if len(values) >= 3 {
		if obj, ok := values[2].(amfObjectValue); ok {
			if app, ok := obj["app"].(string); ok {
				s.app = strings.Trim(app, "/")
			}
		}
	}

	ack := make([]byte, 4)
	binary.BigEndian.PutUint32(ack, defaultWindowSize)
	if err := s.writer.Write(&message{typeID: msgWindowAckSize, payload: ack}); err != nil {
		return err
	}
	bandwidth := make([]byte, 5)
	binary.BigEndian.PutUint32(bandwidth, defaultWindowSize)
	bandwidth[4] = 2 // dynamic limit
	if err := s.writer.Write(&message{typeID: msgSetPeerBandwidth, payload: bandwidth}); err != nil {
		return err
	}
	if err := s.writer.SetChunkSize(serverChunkSize); err != nil {
		return err
	}
	return s.writeCommand(0, "_result", txn,
		amfObjectValue{"fmsVer": "FMS/3,5,7,7009", "capabilities": 31.0},
		amfObjectValue{
			"level":          "status",
			"code":           "NetConnection.Connect.Success",
			"description":    "Connection succeeded.",
			"objectEncoding": 0.0,
		})
}

func (s *session) handleCreateStream(txn float64) error {
	if s.streamSet {
		return s.writeCommand(0, "_error", txn, nil, amfObjectValue{
			"level":       "error",
			"code":        "NetConnection.CreateStream.Failed",
			"description": "Stream already created.",
		})
	}
	s.streamSet = true
	return s.writeCommand(0, "_result", txn, nil, 1.0)
}

// streamTarget resolves the publish/play name plus connect app into a stream
// key and the credential string carried in the name's query suffix.
func (s *session) streamTarget(values []any) (stream.Key, string, error) {
	if len(values) < 4 {
		return stream.Key{}, "", fmt.Errorf("%w: missing stream name", ErrProtocol)
	}
	name, ok := values[3].(string)
	if !ok {
		return stream.Key{}, "", fmt.Errorf("%w: stream name is not a string", ErrProtocol)
	}
	credentials := ""
	if idx := strings.IndexByte(name, '?'); idx >= 0 {
		credentials = name[idx+1:]
		name = name[:idx]
	}
	raw := name
	if !strings.Contains(name, ":") && s.app != "" {
		raw = s.app + ":" + name
	}
	key, err := stream.ParseKey(raw)
	if err != nil {
		return stream.Key{}, "", err
	}
	return key, credentials, nil
}

func (s *session) handlePublish(ctx context.Context, streamID uint32, values []any) error {
	key, credentials, err := s.streamTarget(values)
	if err != nil {
		return s.rejectStream(streamID, "NetStream.Publish.BadName", err)
	}
	logger := s.logger.With("stream", key.String())
	ctx = logging.ContextWithStreamKey(ctx, key.String())

	if err := s.srv.auth.Authenticate(ctx, key, credentials); err != nil {
		logger.Warn("publish rejected", "error", err)
		return s.rejectStream(streamID, "NetStream.Publish.BadName", auth.ErrUnauthorized)
	}

	hub, err := s.srv.directory.Create(key, s.srv.hubConfig)
	if err != nil {
		logger.Warn("publish rejected, stream already live locally", "error", err)
		return s.rejectStream(streamID, "NetStream.Publish.BadName", err)
	}
	pub, err := s.srv.registry.Register(ctx, key, s.srv.node)
	if err != nil {
		s.srv.directory.Remove(key, hub)
		logger.Warn("publish rejected by registry", "error", err)
		return s.rejectStream(streamID, "NetStream.Publish.BadName", err)
	}

	s.srv.metrics.PublisherStarted()
	logger.Info("publish started", "node", pub.Node)

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	lost := make(chan struct{})
	go s.heartbeatLoop(heartbeatCtx, key, lost, logger)

	defer func() {
		stopHeartbeat()
		unregCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.registry.Unregister(unregCtx, key, s.srv.node); err != nil {
			logger.Warn("unregister failed", "error", err)
		}
		s.srv.directory.Remove(key, hub)
		s.srv.metrics.PublisherStopped()
		logger.Info("publish ended")
	}()

	if err := s.writeStreamBegin(streamID); err != nil {
		return err
	}
	if err := s.writeStatus(streamID, "NetStream.Publish.Start", "Publishing "+key.String()); err != nil {
		return err
	}
	return s.publishLoop(ctx, hub, lost)
}

// publishLoop reads media messages until the connection closes, the context
// is cancelled, or the registry fences this node out.
func (s *session) publishLoop(ctx context.Context, hub *stream.Hub, lost <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-lost:
			return registry.ErrNotOwner
		default:
		}
		msg, err := s.reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		frame, ok := frameFromMessage(msg)
		if !ok {
			if msg.typeID == msgCommandAMF0 {
				if values, err := decodeAMF(bytes.NewReader(msg.payload)); err == nil && len(values) > 0 {
					if name, _ := values[0].(string); name == "deleteStream" || name == "FCUnpublish" {
						return nil
					}
				}
			}
			continue
		}
		hub.Publish(frame)
		s.srv.metrics.ObserveFrame(frame.Kind.String())
	}
}

// heartbeatLoop refreshes the registry entry until cancelled. Losing
// ownership closes lost so the publish loop terminates the session.
func (s *session) heartbeatLoop(ctx context.Context, key stream.Key, lost chan<- struct{}, logger *slog.Logger) {
	ticker := time.NewTicker(s.srv.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := s.srv.registry.Heartbeat(ctx, key, s.srv.node); err != nil {
			if errors.Is(err, registry.ErrNotOwner) {
				logger.Error("publisher fenced out, dropping session", "error", err)
				close(lost)
				s.conn.Close()
				return
			}
			logger.Warn("heartbeat failed", "error", err)
		}
	}
}

func (s *session) handlePlay(ctx context.Context, streamID uint32, values []any) error {
	key, _, err := s.streamTarget(values)
	if err != nil {
		return s.rejectStream(streamID, "NetStream.Play.StreamNotFound", err)
	}
	logger := s.logger.With("stream", key.String())

	hub, ok := s.srv.directory.Get(key)
	if !ok {
		logger.Info("play rejected, stream not live")
		return s.rejectStream(streamID, "NetStream.Play.StreamNotFound", stream.ErrStreamNotFound)
	}
	sub, err := hub.Subscribe()
	if err != nil {
		return s.rejectStream(streamID, "NetStream.Play.StreamNotFound", err)
	}
	defer sub.Close()

	s.srv.metrics.ViewerAttached("rtmp")
	defer s.srv.metrics.ViewerDetached("rtmp")
	logger.Info("play started")
	defer logger.Info("play ended")

	if err := s.writeStreamBegin(streamID); err != nil {
		return err
	}
	if err := s.writeStatus(streamID, "NetStream.Play.Start", "Playing "+key.String()); err != nil {
		return err
	}

	// Drain the peer in the background so its acks and pings do not stall
	// the TCP window while we write frames.
	go func() {
		for {
			if _, err := s.reader.Read(); err != nil {
				s.conn.Close()
				return
			}
		}
	}()

	for _, frame := range sub.Snapshot() {
		if err := s.writeFrame(streamID, frame); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-sub.Frames():
			if !ok {
				return nil
			}
			if err := s.writeFrame(streamID, frame); err != nil {
				return err
			}
		}
	}
}

// frameFromMessage maps a media message onto the hub frame model. Metadata
// arrives wrapped in @setDataFrame by most encoders; the wrapper is stripped
// so subscribers see a bare onMetaData payload.
func frameFromMessage(msg *message) (stream.Frame, bool) {
	switch msg.typeID {
	case msgAudio:
		return stream.Frame{
			Kind:      stream.KindAudio,
			Timestamp: msg.timestamp,
			Payload:   msg.payload,
		}, true
	case msgVideo:
		keyframe := len(msg.payload) > 0 && msg.payload[0]>>4 == 1
		return stream.Frame{
			Kind:      stream.KindVideo,
			Keyframe:  keyframe,
			Timestamp: msg.timestamp,
			Payload:   msg.payload,
		}, true
	case msgDataAMF0:
		payload := msg.payload
		r := bytes.NewReader(payload)
		if value, err := decodeAMFValue(r); err == nil {
			if name, ok := value.(string); ok && name == "@setDataFrame" {
				payload = payload[len(payload)-r.Len():]
			}
		}
		return stream.Frame{
			Kind:      stream.KindMetadata,
			Timestamp: msg.timestamp,
			Payload:   payload,
		}, true
	default:
		return stream.Frame{}, false
	}
}

func (s *session) writeFrame(streamID uint32, frame stream.Frame) error {
	var typeID uint8
	switch frame.Kind {
	case stream.KindAudio:
		typeID = msgAudio
	case stream.KindVideo:
		typeID = msgVideo
	case stream.KindMetadata:
		typeID = msgDataAMF0
	default:
		return fmt.Errorf("unknown frame kind %d", frame.Kind)
	}
	return s.writer.Write(&message{
		typeID:    typeID,
		streamID:  streamID,
		timestamp: frame.Timestamp,
		payload:   frame.Payload,
	})
}

func (s *session) writeStreamBegin(streamID uint32) error {
	payload := make([]byte, 6)
	binary.BigEndian.PutUint16(payload, eventStreamBegin)
	binary.BigEndian.PutUint32(payload[2:], streamID)
	return s.writer.Write(&message{typeID: msgUserControl, payload: payload})
}

func (s *session) writeStatus(streamID uint32, code, description string) error {
	return s.writeCommand(streamID, "onStatus", 0, nil, amfObjectValue{
		"level":       "status",
		"code":        code,
		"description": description,
	})
}

// rejectStream reports a failure to the peer and then returns the cause so
// the session terminates.
func (s *session) rejectStream(streamID uint32, code string, cause error) error {
	if err := s.writeCommand(streamID, "onStatus", 0, nil, amfObjectValue{
		"level":       "error",
		"code":        code,
		"description": cause.Error(),
	}); err != nil {
		return err
	}
	return cause
}

func (s *session) writeCommand(streamID uint32, name string, txn float64, args ...any) error {
	var buf bytes.Buffer
	values := append([]any{name, txn}, args...)
	if err := encodeAMF(&buf, values...); err != nil {
		return err
	}
	return s.writer.Write(&message{
		typeID:   msgCommandAMF0,
		streamID: streamID,
		payload:  buf.Bytes(),
	})
}
