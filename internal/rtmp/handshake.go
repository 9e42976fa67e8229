package rtmp

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
)

// Adobe handshake HMAC keys. Clients that embed a digest in C1 expect the
// server to answer with a matching digest; plain clients get a simple echo.
var (
	handshakeClientKey = []byte("Genuine Adobe Flash Player 001" +
		"\xF0\xEE\xC2\x4A\x80\x68\xBE\xE8\x2E\x00\xD0\xD1" +
		"\x02\x9E\x7E\x57\x6E\xEC\x5D\x2D\x29\x80\x6F\xAB" +
		"\x93\xB8\xE6\x36\xCF\xEB\x31\xAE")
	handshakeServerKey = []byte("Genuine Adobe Flash Media Server 001" +
		"\xF0\xEE\xC2\x4A\x80\x68\xBE\xE8\x2E\x00\xD0\xD1" +
		"\x02\x9E\x7E\x57\x6E\xEC\x5D\x2D\x29\x80\x6F\xAB" +
		"\x93\xB8\xE6\x36\xCF\xEB\x31\xAE")
	handshakeClientPartialKey = handshakeClientKey[:30]
	handshakeServerPartialKey = handshakeServerKey[:36]
	handshakeServerVersion    = []byte{0x0D, 0x0E, 0x0A, 0x0D}
)

const handshakeSize = 1536

// serverHandshake performs the RTMP server-side handshake: read C0+C1, send
// S0+S1+S2, read C2. A wrong protocol version or a short read fails with
// ErrProtocol.
func serverHandshake(rw io.ReadWriter) error {
	c0c1 := make([]byte, 1+handshakeSize)
	if _, err := io.ReadFull(rw, c0c1); err != nil {
		return fmt.Errorf("%w: read c0c1: %v", ErrProtocol, err)
	}
	if c0c1[0] != 0x03 {
		return fmt.Errorf("%w: unsupported rtmp version %#x", ErrProtocol, c0c1[0])
	}
	c1 := c0c1[1:]

	s1 := make([]byte, handshakeSize)
	copy(s1[4:8], handshakeServerVersion)
	if _, err := rand.Read(s1[8:]); err != nil {
		return fmt.Errorf("handshake random: %w", err)
	}

	s2 := make([]byte, handshakeSize)
	if digest, ok := findClientDigest(c1); ok {
		// Digest handshake: sign S1 with the server key and answer the
		// client digest in the tail of S2.
		offset := digestOffset(s1, 8)
		copy(s1[offset:], makeDigest(s1, handshakeServerPartialKey, offset))
		responseKey := makeDigest(digest, handshakeServerKey, -1)
		if _, err := rand.Read(s2[:handshakeSize-32]); err != nil {
			return fmt.Errorf("handshake random: %w", err)
		}
		copy(s2[handshakeSize-32:], makeDigest(s2[:handshakeSize-32], responseKey, -1))
	} else {
		// Simple handshake: echo C1.
		copy(s2, c1)
	}

	if _, err := rw.Write([]byte{0x03}); err != nil {
		return fmt.Errorf("write s0: %w", err)
	}
	if _, err := rw.Write(s1); err != nil {
		return fmt.Errorf("write s1: %w", err)
	}
	if _, err := rw.Write(s2); err != nil {
		return fmt.Errorf("write s2: %w", err)
	}
	if _, err := io.ReadFull(rw, make([]byte, handshakeSize)); err != nil {
		return fmt.Errorf("%w: read c2: %v", ErrProtocol, err)
	}
	return nil
}

// findClientDigest locates and verifies the HMAC digest embedded in C1,
// trying both documented offset bases.
func findClientDigest(c1 []byte) ([]byte, bool) {
	for _, base := range []int{8, 772} {
		offset := digestOffset(c1, base)
		if offset+32 > len(c1) {
			continue
		}
		expected := makeDigest(c1, handshakeClientPartialKey, offset)
		if bytes.Equal(c1[offset:offset+32], expected) {
			return c1[offset : offset+32], true
		}
	}
	return nil, false
}

// digestOffset derives the digest position from the four pointer bytes at
// base: (sum % 728) + base + 4.
func digestOffset(buf []byte, base int) int {
	offset := 0
	for i := 0; i < 4; i++ {
		offset += int(buf[base+i])
	}
	return (offset % 728) + base + 4
}

// makeDigest computes the handshake HMAC over buf, skipping the 32 bytes at
// offset when offset is non-negative.
func makeDigest(buf, key []byte, offset int) []byte {
	mac := hmac.New(sha256.New, key)
	if offset >= 0 && offset+32 <= len(buf) {
		mac.Write(buf[:offset])
		mac.Write(buf[offset+32:])
	} else {
		mac.Write(buf)
	}
	return mac.Sum(nil)
}

// clientHandshake performs the simple client-side handshake used by the
// relay puller's RTMP probe and by tests.
func clientHandshake(rw io.ReadWriter) error {
	c1 := make([]byte, handshakeSize)
	if _, err := rand.Read(c1[8:]); err != nil {
		return fmt.Errorf("handshake random: %w", err)
	}
	if _, err := rw.Write([]byte{0x03}); err != nil {
		return fmt.Errorf("write c0: %w", err)
	}
	if _, err := rw.Write(c1); err != nil {
		return fmt.Errorf("write c1: %w", err)
	}
	s0s1s2 := make([]byte, 1+2*handshakeSize)
	if _, err := io.ReadFull(rw, s0s1s2); err != nil {
		return fmt.Errorf("%w: read s0s1s2: %v", ErrProtocol, err)
	}
	if s0s1s2[0] != 0x03 {
		return fmt.Errorf("%w: unsupported rtmp version %#x", ErrProtocol, s0s1s2[0])
	}
	if _, err := rw.Write(s0s1s2[1 : 1+handshakeSize]); err != nil {
		return fmt.Errorf("write c2: %w", err)
	}
	return nil
}
