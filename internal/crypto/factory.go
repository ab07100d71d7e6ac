package crypto

import (
	"fmt"

	"keep/internal/config"
	"keep/internal/keep"
)

// NewManagerFromConfig creates a CryptoManager based on the encryption
// config type.
func NewManagerFromConfig(cfg config.EncryptionConfig) (keep.CryptoManager, error) {
	switch cfg.Type {
	case "", "aead":
		return NewAEADManager(cfg.MaxPlaintext), nil
	case "age":
		return NewAgeManager(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %s", cfg.Type)
	}
}
