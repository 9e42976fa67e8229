// Package auth defines the publisher authentication capability consumed by
// the RTMP ingest path. Implementations decide whether the credentials
// presented alongside a stream key may publish that stream.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"relaycast/internal/stream"
)

// ErrUnauthorized rejects a publisher. It is surfaced to the client and
// never retried, since replaying bad credentials cannot succeed.
var ErrUnauthorized = errors.New("publisher not authorized")

// Authenticator validates publisher credentials for a stream key.
// Implementations must be safe for concurrent use.
type Authenticator interface {
	Authenticate(ctx context.Context, key stream.Key, credentials string) error
}

// AllowAll accepts every publisher. Used in tests and closed-network
// deployments where an upstream proxy enforces access.
type AllowAll struct{}

// Authenticate implements Authenticator by always allowing.
func (AllowAll) Authenticate(ctx context.Context, key stream.Key, credentials string) error {
	return nil
}

const (
	secretHashIterations = 120_000
	secretHashSaltLength = 16
	secretHashKeyLength  = 32
)

// Static authenticates against PBKDF2-hashed secrets held in memory, one per
// stream key. Keys without a configured secret are rejected.
type Static struct {
	mu      sync.RWMutex
	secrets map[string]string
}

// NewStatic builds a Static authenticator from plaintext secrets, hashing
// each one immediately so the plaintext is never retained.
func NewStatic(secrets map[string]string) (*Static, error) {
	hashed := make(map[string]string, len(secrets))
	for rawKey, secret := range secrets {
		key, err := stream.ParseKey(rawKey)
		if err != nil {
			return nil, fmt.Errorf("static auth key: %w", err)
		}
		encoded, err := hashSecret(secret)
		if err != nil {
			return nil, fmt.Errorf("hash secret for %s: %w", key, err)
		}
		hashed[key.String()] = encoded
	}
	return &Static{secrets: hashed}, nil
}

// SetSecret installs or replaces the secret for a stream key.
func (s *Static) SetSecret(key stream.Key, secret string) error {
	encoded, err := hashSecret(secret)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.secrets[key.String()] = encoded
	s.mu.Unlock()
	return nil
}

// Authenticate implements Authenticator.
func (s *Static) Authenticate(ctx context.Context, key stream.Key, credentials string) error {
	s.mu.RLock()
	encoded, ok := s.secrets[key.String()]
	s.mu.RUnlock()
	if !ok {
		return ErrUnauthorized
	}
	if err := verifySecret(encoded, credentials); err != nil {
		return ErrUnauthorized
	}
	return nil
}

func hashSecret(secret string) (string, error) {
	if secret == "" {
		return "", errors.New("secret is required")
	}
	salt := make([]byte, secretHashSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(secret), salt, secretHashIterations, secretHashKeyLength, sha256.New)
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedKey := base64.RawStdEncoding.EncodeToString(derived)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s", secretHashIterations, encodedSalt, encodedKey), nil
}

func verifySecret(encodedHash, candidate string) error {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 5 {
		return fmt.Errorf("verify secret: invalid hash format")
	}
	if parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return fmt.Errorf("verify secret: unsupported hash identifier")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return fmt.Errorf("verify secret: invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return fmt.Errorf("verify secret: invalid salt encoding")
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("verify secret: invalid key encoding")
	}
	derived := pbkdf2.Key([]byte(candidate), salt, iterations, len(expected), sha256.New)
	if subtle.ConstantTimeCompare(derived, expected) != 1 {
		return ErrUnauthorized
	}
	return nil
}
