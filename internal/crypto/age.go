package crypto

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"filippo.io/age"
	"github.com/google/uuid"

	"keep/internal/keep"
)

// AgeManager implements keep.CryptoManager using filippo.io/age X25519 keys.
// The recipient (public key) lives in the identity file in plaintext, so
// backups can be encrypted without unlocking. The private key is encrypted
// with the user's password using age's scrypt-based passphrase encryption
// and doubles as the verification token: decrypting it proves the password.
type AgeManager struct {
	mu        sync.RWMutex
	recipient age.Recipient
	identity  age.Identity
	disabled  bool
}

var _ keep.CryptoManager = (*AgeManager)(nil)

// NewAgeManager creates a locked manager with no identity attached.
func NewAgeManager() *AgeManager {
	return &AgeManager{}
}

// CreateIdentity generates a new X25519 key pair, stores the recipient in
// plaintext, and encrypts the private key with the password.
func (m *AgeManager) CreateIdentity(password string) (*keep.VaultIdentity, error) {
	if password == "" {
		return nil, fmt.Errorf("%w: empty password", keep.ErrKeyDerivationFailed)
	}

	ident, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating key pair: %w", err)
	}

	scryptRecipient, err := age.NewScryptRecipient(password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", keep.ErrKeyDerivationFailed, err)
	}

	var token bytes.Buffer
	w, err := age.Encrypt(&token, scryptRecipient)
	if err != nil {
		return nil, fmt.Errorf("encrypting private key: %w", err)
	}
	if _, err := io.WriteString(w, ident.String()+"\n"); err != nil {
		return nil, fmt.Errorf("writing private key: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing private key: %w", err)
	}

	m.mu.Lock()
	m.recipient = ident.Recipient()
	m.identity = ident
	m.disabled = false
	m.mu.Unlock()

	return &keep.VaultIdentity{
		FormatVersion:     1,
		ID:                uuid.New().String(),
		Scheme:            "age",
		VerificationToken: token.Bytes(),
		Recipient:         ident.Recipient().String(),
	}, nil
}

// AdoptIdentity parses the stored recipient so Encrypt works before Unlock.
func (m *AgeManager) AdoptIdentity(identity *keep.VaultIdentity) error {
	if identity.Scheme != "age" {
		return fmt.Errorf("identity scheme %q does not match age manager", identity.Scheme)
	}

	recipients, err := age.ParseRecipients(bytes.NewReader([]byte(identity.Recipient)))
	if err != nil {
		return fmt.Errorf("%w: parsing recipient: %v", keep.ErrCorruptHeader, err)
	}
	if len(recipients) == 0 {
		return fmt.Errorf("%w: no recipient in identity", keep.ErrCorruptHeader)
	}

	m.mu.Lock()
	m.recipient = recipients[0]
	m.mu.Unlock()
	return nil
}

// Unlock decrypts the private key with the password. A wrong password fails
// with ErrInvalidPassword; success retains the identity for the session.
func (m *AgeManager) Unlock(password string, identity *keep.VaultIdentity) error {
	if err := m.AdoptIdentity(identity); err != nil {
		return err
	}

	scryptIdentity, err := age.NewScryptIdentity(password)
	if err != nil {
		return fmt.Errorf("%w: %v", keep.ErrKeyDerivationFailed, err)
	}

	r, err := age.Decrypt(bytes.NewReader(identity.VerificationToken), scryptIdentity)
	if err != nil {
		return keep.ErrInvalidPassword
	}

	keyData, err := io.ReadAll(r)
	if err != nil {
		return keep.ErrInvalidPassword
	}

	identities, err := age.ParseIdentities(bytes.NewReader(keyData))
	if err != nil || len(identities) == 0 {
		return fmt.Errorf("%w: private key unreadable after decryption", keep.ErrCorruptData)
	}

	m.mu.Lock()
	m.identity = identities[0]
	m.disabled = false
	m.mu.Unlock()
	return nil
}

// Lock drops the unlocked private key.
func (m *AgeManager) Lock() {
	m.mu.Lock()
	m.identity = nil
	m.mu.Unlock()
}

// DisableEncryption drops key material and switches to plaintext mode.
func (m *AgeManager) DisableEncryption() {
	m.mu.Lock()
	m.identity = nil
	m.recipient = nil
	m.disabled = true
	m.mu.Unlock()
}

// Unlocked reports whether the private key is held.
func (m *AgeManager) Unlocked() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.identity != nil
}

// EncryptionEnabled reports whether writes are encrypted.
func (m *AgeManager) EncryptionEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.disabled
}

// Encrypt seals plaintext to the vault recipient. Only the public key is
// needed, so this works on a locked vault.
func (m *AgeManager) Encrypt(plaintext []byte) ([]byte, error) {
	m.mu.RLock()
	recipient := m.recipient
	disabled := m.disabled
	m.mu.RUnlock()

	if disabled {
		return plaintext, nil
	}
	if recipient == nil {
		return nil, keep.ErrNoKeyConfigured
	}

	var out bytes.Buffer
	w, err := age.Encrypt(&out, recipient)
	if err != nil {
		return nil, fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("encrypting data: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing encryption: %w", err)
	}
	return out.Bytes(), nil
}

// Decrypt opens ciphertext with the unlocked private key.
func (m *AgeManager) Decrypt(ciphertext []byte) ([]byte, error) {
	m.mu.RLock()
	ident := m.identity
	disabled := m.disabled
	m.mu.RUnlock()

	if !bytes.HasPrefix(ciphertext, []byte("age-encryption.org/")) {
		if disabled {
			return ciphertext, nil
		}
		return nil, fmt.Errorf("%w: not an age file", keep.ErrCorruptHeader)
	}
	if ident == nil {
		return nil, keep.ErrNoKeyConfigured
	}

	// Past the prefix check, decryption failures mean a wrong key or a
	// tampered payload, not a malformed header.
	r, err := age.Decrypt(bytes.NewReader(ciphertext), ident)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", keep.ErrCorruptData, err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return nil, keep.ErrCorruptData
	}
	return plain, nil
}
