package rtmp

import (
	"bytes"
	"crypto/rand"
	"io"
	"net"
	"testing"
)

func TestSimpleHandshake(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	errs := make(chan error, 1)
	go func() { errs <- serverHandshake(server) }()

	if err := clientHandshake(client); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	if err := <-errs; err != nil {
		t.Fatalf("server handshake: %v", err)
	}
}

func TestDigestHandshake(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	errs := make(chan error, 1)
	go func() { errs <- serverHandshake(server) }()

	// Build a C1 carrying a valid client digest at scheme base 8.
	c1 := make([]byte, handshakeSize)
	copy(c1[4:8], []byte{9, 0, 124, 2})
	if _, err := rand.Read(c1[8:]); err != nil {
		t.Fatal(err)
	}
	offset := digestOffset(c1, 8)
	copy(c1[offset:], makeDigest(c1, handshakeClientPartialKey, offset))

	if _, err := client.Write([]byte{0x03}); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Write(c1); err != nil {
		t.Fatal(err)
	}
	s0s1s2 := make([]byte, 1+2*handshakeSize)
	if _, err := io.ReadFull(client, s0s1s2); err != nil {
		t.Fatalf("read s0s1s2: %v", err)
	}
	if s0s1s2[0] != 0x03 {
		t.Fatalf("s0 = %#x, want 0x03", s0s1s2[0])
	}

	// S1 must carry a digest signed with the server partial key.
	s1 := s0s1s2[1 : 1+handshakeSize]
	s1Offset := digestOffset(s1, 8)
	want := makeDigest(s1, handshakeServerPartialKey, s1Offset)
	if !bytes.Equal(s1[s1Offset:s1Offset+32], want) {
		t.Error("s1 digest does not verify against the server key")
	}

	// S2's tail must sign its own random body with a key derived from the
	// client digest.
	s2 := s0s1s2[1+handshakeSize:]
	responseKey := makeDigest(c1[offset:offset+32], handshakeServerKey, -1)
	if !bytes.Equal(s2[handshakeSize-32:], makeDigest(s2[:handshakeSize-32], responseKey, -1)) {
		t.Error("s2 digest does not verify against the client digest")
	}

	if _, err := client.Write(s1); err != nil {
		t.Fatal(err)
	}
	if err := <-errs; err != nil {
		t.Fatalf("server handshake: %v", err)
	}
}

func TestServerHandshakeRejectsBadVersion(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	errs := make(chan error, 1)
	go func() { errs <- serverHandshake(server) }()

	payload := make([]byte, 1+handshakeSize)
	payload[0] = 0x06
	if _, err := client.Write(payload); err != nil {
		t.Fatal(err)
	}
	if err := <-errs; err == nil {
		t.Fatal("expected handshake failure for version 0x06")
	}
}
