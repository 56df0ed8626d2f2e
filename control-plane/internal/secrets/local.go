package secrets

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LocalKeyStore stores signing keys on the local filesystem.
// This is intended for development and testing only.
//
// Keys are stored in a directory with the following structure:
//
//	<base_dir>/
//	  <key_name>.json  (metadata)
//	  <key_name>.key   (hex-encoded secret)
type LocalKeyStore struct {
	baseDir string
	logger  *slog.Logger

	mu       sync.Mutex
	keyCache map[string]*SigningKey
}

// keyMetadata is the JSON structure stored alongside keys.
type keyMetadata struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	RotatedAt *time.Time `json:"rotated_at,omitempty"`
}

// NewLocalKeyStore creates a new local filesystem-backed key store.
// If baseDir is empty, it defaults to ~/.fwrollout/keys.
func NewLocalKeyStore(baseDir string, logger *slog.Logger) (*LocalKeyStore, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".fwrollout", "keys")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}

	logger.Info("using local key store", "path", baseDir)

	return &LocalKeyStore{
		baseDir:  baseDir,
		logger:   logger,
		keyCache: make(map[string]*SigningKey),
	}, nil
}

// GetOrCreateSigningKey returns the current signing key, creating one if it doesn't exist.
func (ks *LocalKeyStore) GetOrCreateSigningKey(ctx context.Context) (*SigningKey, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	key, err := ks.getLocked(DefaultKeyName)
	if err != nil {
		return nil, fmt.Errorf("loading key: %w", err)
	}
	if key != nil {
		return key, nil
	}

	ks.logger.Info("creating new URL signing key", "name", DefaultKeyName)

	key, err = GenerateSigningKey(DefaultKeyName)
	if err != nil {
		return nil, err
	}
	if err := ks.saveKey(key); err != nil {
		return nil, fmt.Errorf("saving key: %w", err)
	}
	ks.keyCache[key.Name] = key

	ks.logger.Info("created new URL signing key",
		"name", DefaultKeyName,
		"key_id", key.ID,
		"path", ks.baseDir)

	return key, nil
}

// GetKey retrieves a named key. Returns nil if the key doesn't exist.
func (ks *LocalKeyStore) GetKey(ctx context.Context, name string) (*SigningKey, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.getLocked(name)
}

// RotateKey creates a new key and keeps the old one as the previous key.
func (ks *LocalKeyStore) RotateKey(ctx context.Context) (*SigningKey, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	oldKey, err := ks.loadKey(DefaultKeyName)
	if err != nil {
		return nil, fmt.Errorf("loading old key: %w", err)
	}

	if oldKey != nil {
		previous := *oldKey
		previous.Name = PreviousKeyName
		if err := ks.saveKey(&previous); err != nil {
			ks.logger.Warn("failed to keep previous key", "error", err)
		} else {
			ks.keyCache[previous.Name] = &previous
		}
	}

	newKey, err := GenerateSigningKey(DefaultKeyName)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	newKey.RotatedAt = &now

	if err := ks.saveKey(newKey); err != nil {
		return nil, fmt.Errorf("saving new key: %w", err)
	}
	ks.keyCache[newKey.Name] = newKey

	ks.logger.Info("rotated URL signing key", "key_id", newKey.ID)
	return newKey, nil
}

// Close releases any resources.
func (ks *LocalKeyStore) Close() error {
	ks.mu.Lock()
	ks.keyCache = make(map[string]*SigningKey)
	ks.mu.Unlock()
	return nil
}

func (ks *LocalKeyStore) getLocked(name string) (*SigningKey, error) {
	if cached, ok := ks.keyCache[name]; ok {
		return cached, nil
	}
	key, err := ks.loadKey(name)
	if err != nil {
		return nil, err
	}
	if key != nil {
		ks.keyCache[name] = key
	}
	return key, nil
}

// loadKey loads a key from disk by name.
func (ks *LocalKeyStore) loadKey(name string) (*SigningKey, error) {
	metadataPath := filepath.Join(ks.baseDir, name+".json")
	secretPath := filepath.Join(ks.baseDir, name+".key")

	if _, err := os.Stat(metadataPath); os.IsNotExist(err) {
		return nil, nil
	}

	metadataBytes, err := os.ReadFile(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("reading metadata: %w", err)
	}
	var meta keyMetadata
	if err := json.Unmarshal(metadataBytes, &meta); err != nil {
		return nil, fmt.Errorf("parsing metadata: %w", err)
	}

	secretHex, err := os.ReadFile(secretPath)
	if err != nil {
		return nil, fmt.Errorf("reading secret: %w", err)
	}
	secret, err := hex.DecodeString(strings.TrimSpace(string(secretHex)))
	if err != nil {
		return nil, fmt.Errorf("decoding secret: %w", err)
	}

	return &SigningKey{
		ID:        meta.ID,
		Name:      meta.Name,
		Secret:    secret,
		CreatedAt: meta.CreatedAt,
		RotatedAt: meta.RotatedAt,
	}, nil
}

// saveKey saves a key to disk.
func (ks *LocalKeyStore) saveKey(key *SigningKey) error {
	metadataPath := filepath.Join(ks.baseDir, key.Name+".json")
	secretPath := filepath.Join(ks.baseDir, key.Name+".key")

	meta := keyMetadata{
		ID:        key.ID,
		Name:      key.Name,
		CreatedAt: key.CreatedAt,
		RotatedAt: key.RotatedAt,
	}
	metadataBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}

	// Secret first so a metadata file never points at a missing secret.
	if err := os.WriteFile(secretPath, []byte(hex.EncodeToString(key.Secret)), 0600); err != nil {
		return fmt.Errorf("writing secret: %w", err)
	}
	if err := os.WriteFile(metadataPath, metadataBytes, 0600); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}
	return nil
}
