// Package secrets provides secure storage for the keys that sign firmware
// delivery URLs.
//
// The primary implementation uses 1Password Connect for production
// environments, with a local file-based fallback for development.
//
// Rotation keeps the outgoing key under PreviousKeyName so URLs signed
// shortly before a rotation still verify until they expire.
package secrets

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
)

// SigningKeySize is the length in bytes of a generated signing secret.
const SigningKeySize = 32

// SigningKey is a symmetric key used to MAC delivery URLs.
type SigningKey struct {
	ID        string     `json:"id"` // short fingerprint, embedded in signed URLs
	Name      string     `json:"name"`
	Secret    []byte     `json:"-"` // never serialized to JSON
	CreatedAt time.Time  `json:"created_at"`
	RotatedAt *time.Time `json:"rotated_at,omitempty"`
}

// KeyStore provides secure storage and retrieval of signing keys.
type KeyStore interface {
	// GetOrCreateSigningKey returns the current signing key, creating one if
	// it doesn't exist.
	GetOrCreateSigningKey(ctx context.Context) (*SigningKey, error)

	// GetKey retrieves a named key. Returns nil if the key doesn't exist.
	GetKey(ctx context.Context, name string) (*SigningKey, error)

	// RotateKey creates a new current key and keeps the old one as the
	// previous key.
	RotateKey(ctx context.Context) (*SigningKey, error)

	// Close releases any resources held by the key store.
	Close() error
}

// Key names.
const (
	DefaultKeyName  = "fwrollout-url-signing"
	PreviousKeyName = DefaultKeyName + "-previous"
)

// GenerateSigningKey creates a new random signing key.
func GenerateSigningKey(name string) (*SigningKey, error) {
	secret := make([]byte, SigningKeySize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generating signing secret: %w", err)
	}

	return &SigningKey{
		ID:        Fingerprint(secret),
		Name:      name,
		Secret:    secret,
		CreatedAt: time.Now(),
	}, nil
}

// Fingerprint returns a short public identifier for secret.
func Fingerprint(secret []byte) string {
	sum := blake2b.Sum256(secret)
	return hex.EncodeToString(sum[:6])
}
