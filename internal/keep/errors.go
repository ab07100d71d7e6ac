package keep

import "errors"

// Crypto layer errors.
var (
	// ErrNoKeyConfigured is returned when an operation needs a session key
	// but the vault is locked or encryption is disabled.
	ErrNoKeyConfigured = errors.New("no encryption key configured")

	// ErrCorruptHeader is returned when an encrypted object's header is
	// malformed, truncated, or of an unsupported format version.
	ErrCorruptHeader = errors.New("corrupt or unsupported object header")

	// ErrCorruptData is returned when authenticated decryption fails.
	// This covers both tampered ciphertext and decryption with a key derived
	// from the wrong password.
	ErrCorruptData = errors.New("corrupt data: authentication failed")

	// ErrFileTooLarge is returned when an object header declares a plaintext
	// size above the configured ceiling.
	ErrFileTooLarge = errors.New("declared plaintext size exceeds limit")

	// ErrInvalidPassword is returned when a password fails verification
	// against a vault identity.
	ErrInvalidPassword = errors.New("invalid password")

	// ErrKeyDerivationFailed is returned when the key derivation function
	// rejects its parameters.
	ErrKeyDerivationFailed = errors.New("key derivation failed")
)

// Ledger errors.
var (
	// ErrLedgerUnavailable is returned when the ledger store cannot be
	// opened or written after retries.
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrLedgerCorrupt is returned when the ledger fails integrity or schema
	// checks on open. This is fatal to the vault session; the ledger is
	// never auto-repaired.
	ErrLedgerCorrupt = errors.New("ledger corrupt")
)

// Vault backend errors.
var (
	// ErrVaultUnreachable is returned for network failures, missing buckets,
	// or missing local vault roots.
	ErrVaultUnreachable = errors.New("vault unreachable")

	// ErrVaultAuthFailed is returned when the vault rejects the configured
	// credentials.
	ErrVaultAuthFailed = errors.New("vault authentication failed")

	// ErrVaultWriteDenied is returned when credentials are valid but lack
	// write permission.
	ErrVaultWriteDenied = errors.New("vault write denied")

	// ErrObjectNotFound is returned by Get for a key that does not exist.
	ErrObjectNotFound = errors.New("object not found")
)

// Watcher precondition errors.
var (
	// ErrSourceMissing is returned when a watcher's source tree does not exist.
	ErrSourceMissing = errors.New("source missing")

	// ErrDestinationMissing is returned when a watcher has no usable vault.
	ErrDestinationMissing = errors.New("destination missing")
)
