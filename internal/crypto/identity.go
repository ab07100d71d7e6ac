package crypto

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"keep/internal/keep"
)

// SaveIdentity persists the identity file alongside the vault root.
// Identities are immutable: overwriting an existing one is refused so two
// vaults can never be merged silently.
func SaveIdentity(ctx context.Context, v keep.Vault, identity *keep.VaultIdentity) error {
	existing, err := LoadIdentity(ctx, v)
	if err != nil && !errors.Is(err, keep.ErrObjectNotFound) {
		return err
	}
	if existing != nil {
		return fmt.Errorf("vault already has an identity (%s)", existing.ID)
	}

	data, err := json.MarshalIndent(identity, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding identity: %w", err)
	}

	if _, err := v.Put(ctx, keep.IdentityKey, bytes.NewReader(data), int64(len(data))); err != nil {
		return fmt.Errorf("writing identity file: %w", err)
	}
	return nil
}

// LoadIdentity reads the identity file from the vault.
// Returns ErrObjectNotFound (wrapped) when the vault has no identity.
func LoadIdentity(ctx context.Context, v keep.Vault) (*keep.VaultIdentity, error) {
	var buf bytes.Buffer
	if err := v.Get(ctx, keep.IdentityKey, &buf); err != nil {
		if errors.Is(err, keep.ErrObjectNotFound) {
			return nil, fmt.Errorf("vault has no identity file: %w", keep.ErrObjectNotFound)
		}
		return nil, fmt.Errorf("reading identity file: %w", err)
	}

	var identity keep.VaultIdentity
	if err := json.Unmarshal(buf.Bytes(), &identity); err != nil {
		return nil, fmt.Errorf("%w: identity file undecodable: %v", keep.ErrCorruptHeader, err)
	}
	if identity.FormatVersion != 1 {
		return nil, fmt.Errorf("%w: identity format version %d unsupported", keep.ErrCorruptHeader, identity.FormatVersion)
	}
	return &identity, nil
}
