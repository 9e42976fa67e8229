package rtmp

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"relaycast/internal/auth"
	"relaycast/internal/observability/metrics"
	"relaycast/internal/registry"
	"relaycast/internal/stream"
)

// testClient drives the client half of an RTMP session over a pipe.
type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *chunkReader
	writer *chunkWriter
}

func dialTestServer(t *testing.T, srv *Server) *testClient {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.ServeConn(ctx, serverConn)

	if err := clientHandshake(clientConn); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	return &testClient{
		t:      t,
		conn:   clientConn,
		reader: newChunkReader(clientConn),
		writer: newChunkWriter(clientConn),
	}
}

func (c *testClient) command(streamID uint32, name string, txn float64, args ...any) {
	c.t.Helper()
	var buf bytes.Buffer
	values := append([]any{name, txn}, args...)
	if err := encodeAMF(&buf, values...); err != nil {
		c.t.Fatalf("encode %s: %v", name, err)
	}
	if err := c.writer.Write(&message{typeID: msgCommandAMF0, streamID: streamID, payload: buf.Bytes()}); err != nil {
		c.t.Fatalf("write %s: %v", name, err)
	}
}

// awaitCommand reads messages until a command with the given name arrives and
// returns its decoded fields.
func (c *testClient) awaitCommand(name string) []any {
	c.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	c.conn.SetReadDeadline(deadline)
	defer c.conn.SetReadDeadline(time.Time{})
	for {
		msg, err := c.reader.Read()
		if err != nil {
			c.t.Fatalf("awaiting %s: %v", name, err)
		}
		if msg.typeID != msgCommandAMF0 {
			continue
		}
		values, err := decodeAMF(bytes.NewReader(msg.payload))
		if err != nil {
			c.t.Fatalf("decode command: %v", err)
		}
		if got, _ := values[0].(string); got == name {
			return values
		}
	}
}

func (c *testClient) connect(app string) {
	c.t.Helper()
	c.command(0, "connect", 1, amfObjectValue{"app": app})
	c.awaitCommand("_result")
}

func (c *testClient) createStream() {
	c.t.Helper()
	c.command(0, "createStream", 2)
	c.awaitCommand("_result")
}

// statusCode extracts the code field of an onStatus command.
func statusCode(t *testing.T, values []any) string {
	t.Helper()
	if len(values) < 4 {
		t.Fatalf("onStatus with %d fields", len(values))
	}
	info, ok := values[3].(amfObjectValue)
	if !ok {
		t.Fatalf("onStatus info is %T", values[3])
	}
	code, _ := info["code"].(string)
	return code
}

func (c *testClient) media(typeID uint8, ts uint32, payload []byte) {
	c.t.Helper()
	if err := c.writer.Write(&message{typeID: typeID, streamID: 1, timestamp: ts, payload: payload}); err != nil {
		c.t.Fatalf("write media: %v", err)
	}
}

func newTestRTMPServer(t *testing.T, authenticator auth.Authenticator) (*Server, *stream.Directory, registry.Registry) {
	t.Helper()
	directory := stream.NewDirectory()
	reg := registry.NewMemory(registry.MemoryConfig{})
	srv, err := NewServer(Config{
		Node:      "node-a",
		Directory: directory,
		Registry:  reg,
		Auth:      authenticator,
		Metrics:   metrics.New(),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv, directory, reg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPublishCreatesHubAndRegisters(t *testing.T) {
	srv, directory, reg := newTestRTMPServer(t, auth.AllowAll{})
	client := dialTestServer(t, srv)

	client.connect("room")
	client.createStream()
	client.command(1, "publish", 3, nil, "media", "live")
	if code := statusCode(t, client.awaitCommand("onStatus")); code != "NetStream.Publish.Start" {
		t.Fatalf("publish status = %s", code)
	}

	key := mustParseKey(t, "room:media")
	hub, ok := directory.Get(key)
	if !ok {
		t.Fatal("publish did not create a hub")
	}
	pub, live, err := reg.Lookup(context.Background(), key)
	if err != nil || !live {
		t.Fatalf("lookup after publish: live=%v err=%v", live, err)
	}
	if pub.Node != "node-a" {
		t.Errorf("registered node = %s, want node-a", pub.Node)
	}

	sub, err := hub.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	client.media(msgVideo, 0, []byte{0x17, 0x00, 0x00, 0x00, 0x00}) // avc sequence header
	client.media(msgVideo, 40, []byte{0x17, 0x01, 0x00, 0x00, 0x00, 0xDE})
	client.media(msgAudio, 40, []byte{0xAF, 0x01, 0x11})

	for i := 0; i < 3; i++ {
		select {
		case frame := <-sub.Frames():
			if i == 0 && (frame.Kind != stream.KindVideo || !frame.SequenceHeader()) {
				t.Errorf("first frame = %v, want video sequence header", frame.Kind)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("frame %d never reached the hub", i)
		}
	}

	// Disconnecting the publisher tears down the hub and the registry entry.
	client.conn.Close()
	waitFor(t, "hub teardown", func() bool {
		_, ok := directory.Get(key)
		return !ok
	})
	waitFor(t, "registry teardown", func() bool {
		_, live, err := reg.Lookup(context.Background(), key)
		return err == nil && !live
	})
}

func TestPublishRejectsBadCredentials(t *testing.T) {
	static, err := auth.NewStatic(map[string]string{"room:media": "s3cret"})
	if err != nil {
		t.Fatalf("new static: %v", err)
	}
	srv, directory, _ := newTestRTMPServer(t, static)
	client := dialTestServer(t, srv)

	client.connect("room")
	client.createStream()
	client.command(1, "publish", 3, nil, "media?wrong", "live")
	if code := statusCode(t, client.awaitCommand("onStatus")); code != "NetStream.Publish.BadName" {
		t.Fatalf("status = %s, want NetStream.Publish.BadName", code)
	}
	if directory.Len() != 0 {
		t.Error("rejected publish left a hub behind")
	}
}

func TestPublishAcceptsCredentialQuery(t *testing.T) {
	static, err := auth.NewStatic(map[string]string{"room:media": "s3cret"})
	if err != nil {
		t.Fatalf("new static: %v", err)
	}
	srv, _, _ := newTestRTMPServer(t, static)
	client := dialTestServer(t, srv)

	client.connect("room")
	client.createStream()
	client.command(1, "publish", 3, nil, "media?s3cret", "live")
	if code := statusCode(t, client.awaitCommand("onStatus")); code != "NetStream.Publish.Start" {
		t.Fatalf("status = %s, want NetStream.Publish.Start", code)
	}
}

func TestSecondPublisherRejected(t *testing.T) {
	srv, _, _ := newTestRTMPServer(t, auth.AllowAll{})

	first := dialTestServer(t, srv)
	first.connect("room")
	first.createStream()
	first.command(1, "publish", 3, nil, "media", "live")
	if code := statusCode(t, first.awaitCommand("onStatus")); code != "NetStream.Publish.Start" {
		t.Fatalf("first publish status = %s", code)
	}

	second := dialTestServer(t, srv)
	second.connect("room")
	second.createStream()
	second.command(1, "publish", 3, nil, "media", "live")
	if code := statusCode(t, second.awaitCommand("onStatus")); code != "NetStream.Publish.BadName" {
		t.Fatalf("second publish status = %s", code)
	}
}

func TestPlayDeliversSnapshotThenLive(t *testing.T) {
	srv, directory, _ := newTestRTMPServer(t, auth.AllowAll{})

	publisher := dialTestServer(t, srv)
	publisher.connect("room")
	publisher.createStream()
	publisher.command(1, "publish", 3, nil, "media", "live")
	publisher.awaitCommand("onStatus")

	publisher.media(msgVideo, 0, []byte{0x17, 0x00, 0x00, 0x00, 0x00})
	publisher.media(msgVideo, 0, []byte{0x17, 0x01, 0xAA})
	publisher.media(msgVideo, 40, []byte{0x27, 0x01, 0xBB})

	key := mustParseKey(t, "room:media")
	waitFor(t, "gop to fill", func() bool {
		hub, ok := directory.Get(key)
		return ok && len(mustSubscribeSnapshot(t, hub)) >= 3
	})

	viewer := dialTestServer(t, srv)
	viewer.connect("room")
	viewer.createStream()
	viewer.command(1, "play", 3, nil, "media")
	if code := statusCode(t, viewer.awaitCommand("onStatus")); code != "NetStream.Play.Start" {
		t.Fatalf("play status = %s", code)
	}

	var frames []*message
	deadline := time.Now().Add(5 * time.Second)
	viewer.conn.SetReadDeadline(deadline)
	for len(frames) < 3 {
		msg, err := viewer.reader.Read()
		if err != nil {
			t.Fatalf("read play frame: %v", err)
		}
		if msg.typeID == msgVideo || msg.typeID == msgAudio {
			frames = append(frames, msg)
		}
	}
	if frames[0].payload[1] != 0x00 {
		t.Error("playback did not start with the sequence header")
	}
	if !bytes.Equal(frames[1].payload, []byte{0x17, 0x01, 0xAA}) {
		t.Errorf("second frame = %x, want the keyframe", frames[1].payload)
	}
}

func TestPlayUnknownStreamRejected(t *testing.T) {
	srv, _, _ := newTestRTMPServer(t, auth.AllowAll{})
	viewer := dialTestServer(t, srv)
	viewer.connect("room")
	viewer.createStream()
	viewer.command(1, "play", 3, nil, "nope")
	if code := statusCode(t, viewer.awaitCommand("onStatus")); code != "NetStream.Play.StreamNotFound" {
		t.Fatalf("status = %s, want NetStream.Play.StreamNotFound", code)
	}
}

func mustParseKey(t *testing.T, raw string) stream.Key {
	t.Helper()
	key, err := stream.ParseKey(raw)
	if err != nil {
		t.Fatalf("parse key %q: %v", raw, err)
	}
	return key
}

func mustSubscribeSnapshot(t *testing.T, hub *stream.Hub) []stream.Frame {
	t.Helper()
	sub, err := hub.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	return sub.Snapshot()
}
