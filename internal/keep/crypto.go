package keep

// VaultIdentity is the persisted identity of an encrypted vault.
// It is created once, stored alongside the vault root, and never mutated.
// Everything in it is public: the salt and verification token are safe to
// store in plaintext, and the token is what makes password verification
// possible without decrypting real data.
type VaultIdentity struct {
	// FormatVersion allows future key-derivation parameter changes to
	// remain decodable.
	FormatVersion int `json:"format_version"`

	// ID is a random identifier for this vault.
	ID string `json:"id"`

	// Scheme names the encryption backend that created this identity
	// ("aead" or "age").
	Scheme string `json:"scheme"`

	// Salt is the random KDF salt (aead scheme) or empty (age scheme).
	Salt []byte `json:"salt,omitempty"`

	// VerificationToken is the ciphertext of a fixed known plaintext under
	// the derived key (aead scheme), or the passphrase-encrypted private
	// key (age scheme).
	VerificationToken []byte `json:"verification_token"`

	// Recipient is the public encryption key (age scheme only).
	Recipient string `json:"recipient,omitempty"`
}

// IdentityKey is the vault object key under which the identity file is stored.
const IdentityKey = "keep/identity.json"

// CryptoManager owns vault identity and session key material.
// The derived key lives in memory only for the lifetime of the session;
// Lock and DisableEncryption zeroize it, and that is immediately visible to
// every consumer.
type CryptoManager interface {
	// CreateIdentity derives a key from password with a fresh random salt,
	// produces the verification token, retains the key for the session, and
	// returns the new identity.
	CreateIdentity(password string) (*VaultIdentity, error)

	// AdoptIdentity attaches a previously persisted identity to the manager
	// without unlocking it. Backends that can encrypt before unlock (age)
	// take their public key from here; Unlock still verifies the password.
	AdoptIdentity(identity *VaultIdentity) error

	// Unlock re-derives the key from password and identity.Salt and checks
	// it against the verification token. Fails with ErrInvalidPassword when
	// the password is wrong. On success the key is retained for the session.
	Unlock(password string, identity *VaultIdentity) error

	// Lock zeroizes the session key. Subsequent Encrypt/Decrypt calls fail
	// with ErrNoKeyConfigured until the vault is unlocked again.
	Lock()

	// DisableEncryption zeroizes the session key and switches to plaintext
	// mode: Encrypt and Decrypt become identity functions. This is one-way
	// until a new identity is created.
	DisableEncryption()

	// Unlocked reports whether a session key is currently held.
	Unlocked() bool

	// EncryptionEnabled reports whether writes are encrypted at all.
	EncryptionEnabled() bool

	// Encrypt produces a self-describing ciphertext for plaintext.
	Encrypt(plaintext []byte) ([]byte, error)

	// Decrypt reverses Encrypt. Fails with ErrCorruptHeader for malformed
	// headers, ErrFileTooLarge for oversized declared plaintext,
	// ErrCorruptData when authentication fails, and ErrNoKeyConfigured when
	// no key is held.
	Decrypt(ciphertext []byte) ([]byte, error)
}
