package vault

import (
	"context"
	"fmt"

	"keep/internal/config"
	"keep/internal/keep"
)

// NewVaultFromConfig creates a Vault implementation based on the vault
// config type.
func NewVaultFromConfig(ctx context.Context, cfg config.VaultConfig) (keep.Vault, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Type {
	case "memory":
		return NewMemoryVault(cfg.Name), nil
	case "s3":
		return NewS3Vault(ctx, cfg)
	case "local":
		return NewLocalVault(cfg.Name, cfg.LocalRoot)
	default:
		return nil, fmt.Errorf("unknown vault type: %s", cfg.Type)
	}
}
