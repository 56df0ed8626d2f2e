package secrets

import (
	"fmt"
	"log/slog"
)

// Config holds configuration for the secrets backend.
type Config struct {
	// Backend specifies which backend to use: "1password", "local", or "auto".
	// "auto" (default) uses 1Password if configured, otherwise local.
	Backend string `yaml:"backend"`

	// 1Password Connect configuration
	OnePassword OnePasswordConfig `yaml:"onepassword"`

	// Local storage directory (default: ~/.fwrollout/keys)
	LocalKeyDir string `yaml:"local_key_dir"`
}

// NewKeyStore creates a KeyStore based on configuration.
func NewKeyStore(cfg Config, logger *slog.Logger) (KeyStore, error) {
	logger = logger.With("component", "secrets")

	backend := cfg.Backend
	if backend == "" {
		backend = "auto"
	}

	switch backend {
	case "1password":
		return NewOnePasswordKeyStore(cfg.OnePassword, logger)

	case "local":
		return NewLocalKeyStore(cfg.LocalKeyDir, logger)

	case "auto":
		if cfg.OnePassword.complete() {
			ks, err := NewOnePasswordKeyStore(cfg.OnePassword, logger)
			if err != nil {
				logger.Warn("failed to initialize 1Password, falling back to local storage",
					"error", err)
				return NewLocalKeyStore(cfg.LocalKeyDir, logger)
			}
			return ks, nil
		}
		logger.Info("1Password Connect not configured, using local key storage")
		return NewLocalKeyStore(cfg.LocalKeyDir, logger)

	default:
		return nil, fmt.Errorf("unknown secrets backend: %s", backend)
	}
}
