package secrets

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/1Password/connect-sdk-go/connect"
	"github.com/1Password/connect-sdk-go/onepassword"
)

// vaultClient is the subset of connect.Client the key store uses.
type vaultClient interface {
	GetItemsByTitle(title string, vaultQuery string) ([]onepassword.Item, error)
	GetItem(itemQuery string, vaultQuery string) (*onepassword.Item, error)
	CreateItem(item *onepassword.Item, vaultQuery string) (*onepassword.Item, error)
	UpdateItem(item *onepassword.Item, vaultQuery string) (*onepassword.Item, error)
}

// OnePasswordKeyStore stores signing keys in 1Password using the Connect API.
type OnePasswordKeyStore struct {
	client  vaultClient
	vaultID string
	logger  *slog.Logger

	// Cache to avoid repeated API calls
	mu       sync.RWMutex
	keyCache map[string]*SigningKey
}

// OnePasswordConfig holds configuration for 1Password Connect.
type OnePasswordConfig struct {
	Host    string `yaml:"host"`     // OP_CONNECT_HOST
	Token   string `yaml:"token"`    // OP_CONNECT_TOKEN
	VaultID string `yaml:"vault_id"` // OP_VAULT_ID
}

func (c OnePasswordConfig) complete() bool {
	return c.Host != "" && c.Token != "" && c.VaultID != ""
}

// NewOnePasswordKeyStore creates a new 1Password-backed key store.
func NewOnePasswordKeyStore(cfg OnePasswordConfig, logger *slog.Logger) (*OnePasswordKeyStore, error) {
	if !cfg.complete() {
		return nil, fmt.Errorf("1Password configuration incomplete: host, token, and vault_id are required")
	}

	client := connect.NewClientWithUserAgent(cfg.Host, cfg.Token, "fwrollout-control-plane")
	return newOnePasswordKeyStore(client, cfg.VaultID, logger), nil
}

func newOnePasswordKeyStore(client vaultClient, vaultID string, logger *slog.Logger) *OnePasswordKeyStore {
	return &OnePasswordKeyStore{
		client:   client,
		vaultID:  vaultID,
		logger:   logger,
		keyCache: make(map[string]*SigningKey),
	}
}

// GetOrCreateSigningKey returns the current signing key, creating one if it doesn't exist.
func (ks *OnePasswordKeyStore) GetOrCreateSigningKey(ctx context.Context) (*SigningKey, error) {
	key, err := ks.GetKey(ctx, DefaultKeyName)
	if err != nil {
		return nil, fmt.Errorf("checking for existing key: %w", err)
	}
	if key != nil {
		return key, nil
	}

	ks.logger.Info("creating new URL signing key", "name", DefaultKeyName)

	key, err = GenerateSigningKey(DefaultKeyName)
	if err != nil {
		return nil, err
	}
	if err := ks.saveKeyInVault(key); err != nil {
		return nil, fmt.Errorf("storing key in 1Password: %w", err)
	}
	ks.cache(key)

	ks.logger.Info("created new URL signing key", "name", DefaultKeyName, "key_id", key.ID)
	return key, nil
}

// GetKey retrieves a named key, consulting the cache first.
func (ks *OnePasswordKeyStore) GetKey(ctx context.Context, name string) (*SigningKey, error) {
	ks.mu.RLock()
	if cached, ok := ks.keyCache[name]; ok {
		ks.mu.RUnlock()
		return cached, nil
	}
	ks.mu.RUnlock()

	key, err := ks.getKeyFromVault(name)
	if err != nil {
		return nil, err
	}
	if key != nil {
		ks.cache(key)
	}
	return key, nil
}

// RotateKey creates a new key and keeps the old one as the previous key.
func (ks *OnePasswordKeyStore) RotateKey(ctx context.Context) (*SigningKey, error) {
	oldKey, err := ks.getKeyFromVault(DefaultKeyName)
	if err != nil {
		return nil, fmt.Errorf("getting old key: %w", err)
	}

	newKey, err := GenerateSigningKey(DefaultKeyName)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	newKey.RotatedAt = &now

	if oldKey != nil {
		previous := *oldKey
		previous.Name = PreviousKeyName
		if err := ks.saveKeyInVault(&previous); err != nil {
			ks.logger.Warn("failed to keep previous key", "error", err)
		} else {
			ks.cache(&previous)
		}
	}

	if err := ks.saveKeyInVault(newKey); err != nil {
		return nil, fmt.Errorf("updating key in 1Password: %w", err)
	}
	ks.cache(newKey)

	ks.logger.Info("rotated URL signing key", "key_id", newKey.ID)
	return newKey, nil
}

// Close releases any resources.
func (ks *OnePasswordKeyStore) Close() error {
	ks.mu.Lock()
	ks.keyCache = make(map[string]*SigningKey)
	ks.mu.Unlock()
	return nil
}

func (ks *OnePasswordKeyStore) cache(key *SigningKey) {
	ks.mu.Lock()
	ks.keyCache[key.Name] = key
	ks.mu.Unlock()
}

// getKeyFromVault retrieves a key from 1Password by name.
func (ks *OnePasswordKeyStore) getKeyFromVault(name string) (*SigningKey, error) {
	items, err := ks.client.GetItemsByTitle(name, ks.vaultID)
	if err != nil {
		if isNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing items: %w", err)
	}
	if len(items) == 0 {
		return nil, nil
	}

	// Get the full item (including fields)
	item, err := ks.client.GetItem(items[0].ID, ks.vaultID)
	if err != nil {
		return nil, fmt.Errorf("getting item: %w", err)
	}
	return itemToKey(item)
}

// saveKeyInVault creates or replaces the item titled key.Name.
func (ks *OnePasswordKeyStore) saveKeyInVault(key *SigningKey) error {
	items, err := ks.client.GetItemsByTitle(key.Name, ks.vaultID)
	if err != nil && !isNotFoundError(err) {
		return fmt.Errorf("finding item: %w", err)
	}

	item := keyToItem(key, ks.vaultID)
	if len(items) == 0 {
		_, err = ks.client.CreateItem(item, ks.vaultID)
	} else {
		item.ID = items[0].ID
		_, err = ks.client.UpdateItem(item, ks.vaultID)
	}
	if err != nil {
		return fmt.Errorf("saving item: %w", err)
	}
	return nil
}

// keyToItem converts a SigningKey to a 1Password item.
func keyToItem(key *SigningKey, vaultID string) *onepassword.Item {
	metadata := map[string]any{
		"key_id":     key.ID,
		"created_at": key.CreatedAt.Format(time.RFC3339),
	}
	if key.RotatedAt != nil {
		metadata["rotated_at"] = key.RotatedAt.Format(time.RFC3339)
	}
	metadataJSON, _ := json.Marshal(metadata)

	return &onepassword.Item{
		Title:    key.Name,
		Category: onepassword.Password,
		Vault:    onepassword.ItemVault{ID: vaultID},
		Fields: []*onepassword.ItemField{
			{
				ID:      "password",
				Label:   "secret",
				Type:    "CONCEALED",
				Purpose: "PASSWORD",
				Value:   base64.StdEncoding.EncodeToString(key.Secret),
			},
			{
				ID:    "key_id",
				Label: "key id",
				Type:  "STRING",
				Value: key.ID,
			},
			{
				ID:      "notesPlain",
				Label:   "notesPlain",
				Type:    "STRING",
				Value:   string(metadataJSON),
				Purpose: "NOTES",
			},
		},
	}
}

// itemToKey converts a 1Password item to a SigningKey.
func itemToKey(item *onepassword.Item) (*SigningKey, error) {
	key := &SigningKey{Name: item.Title}

	for _, field := range item.Fields {
		switch field.ID {
		case "password":
			secret, err := base64.StdEncoding.DecodeString(field.Value)
			if err != nil {
				return nil, fmt.Errorf("decoding secret of %s: %w", item.Title, err)
			}
			key.Secret = secret
		case "key_id":
			key.ID = field.Value
		case "notesPlain":
			var metadata map[string]any
			if err := json.Unmarshal([]byte(field.Value), &metadata); err == nil {
				if cat, ok := metadata["created_at"].(string); ok {
					if t, err := time.Parse(time.RFC3339, cat); err == nil {
						key.CreatedAt = t
					}
				}
				if rat, ok := metadata["rotated_at"].(string); ok {
					if t, err := time.Parse(time.RFC3339, rat); err == nil {
						key.RotatedAt = &t
					}
				}
			}
		}
	}

	if len(key.Secret) == 0 {
		return nil, fmt.Errorf("item %s has no secret", item.Title)
	}
	if key.ID == "" {
		key.ID = Fingerprint(key.Secret)
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = item.CreatedAt
	}
	return key, nil
}

// isNotFoundError checks if an error is a "not found" error from 1Password.
// The SDK does not expose typed errors for this, so match on the message.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "404") || strings.Contains(msg, "no items")
}
