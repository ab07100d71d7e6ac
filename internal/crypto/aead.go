package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"

	"keep/internal/keep"
)

// Object header layout: magic(4) | version(1) | nonce(12) | plaintext size
// as big-endian uint64(8), followed by the GCM ciphertext+tag. The header
// carries everything needed to decrypt later without external state.
const (
	headerMagic   = "KPV1"
	headerVersion = 1
	nonceSize     = 12
	headerSize    = 4 + 1 + nonceSize + 8
)

// argon2id parameters for format version 1.
const (
	kdfTime    = 1
	kdfMemory  = 64 * 1024
	kdfThreads = 4
	keySize    = 32
	saltSize   = 16
)

// verificationPlaintext is the fixed known plaintext whose ciphertext is
// stored as the identity's verification token.
const verificationPlaintext = "keep-vault-verification-v1"

// DefaultMaxPlaintext caps the declared plaintext size accepted by Decrypt,
// protecting against memory exhaustion from a forged header.
const DefaultMaxPlaintext = 1 << 30

// AEADManager implements keep.CryptoManager with an argon2id password KDF
// and AES-256-GCM. The derived key is held in memory only; Lock and
// DisableEncryption zeroize it.
type AEADManager struct {
	mu           sync.RWMutex
	key          []byte
	disabled     bool
	maxPlaintext int64
}

var _ keep.CryptoManager = (*AEADManager)(nil)

// NewAEADManager creates a locked manager. maxPlaintext <= 0 selects
// DefaultMaxPlaintext.
func NewAEADManager(maxPlaintext int64) *AEADManager {
	if maxPlaintext <= 0 {
		maxPlaintext = DefaultMaxPlaintext
	}
	return &AEADManager{maxPlaintext: maxPlaintext}
}

// CreateIdentity derives a fresh key from password under a random salt,
// encrypts the verification plaintext, and retains the key for the session.
func (m *AEADManager) CreateIdentity(password string) (*keep.VaultIdentity, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	key, err := deriveKey(password, salt)
	if err != nil {
		return nil, err
	}

	token, err := sealWithKey(key, []byte(verificationPlaintext))
	if err != nil {
		zeroize(key)
		return nil, fmt.Errorf("producing verification token: %w", err)
	}

	m.mu.Lock()
	zeroize(m.key)
	m.key = key
	m.disabled = false
	m.mu.Unlock()

	return &keep.VaultIdentity{
		FormatVersion:     headerVersion,
		ID:                uuid.New().String(),
		Scheme:            "aead",
		Salt:              salt,
		VerificationToken: token,
	}, nil
}

// AdoptIdentity validates that the identity was produced by this scheme.
// The AEAD manager needs nothing else before Unlock.
func (m *AEADManager) AdoptIdentity(identity *keep.VaultIdentity) error {
	if identity.Scheme != "aead" {
		return fmt.Errorf("identity scheme %q does not match aead manager", identity.Scheme)
	}
	if identity.FormatVersion != headerVersion {
		return fmt.Errorf("%w: identity format version %d", keep.ErrCorruptHeader, identity.FormatVersion)
	}
	return nil
}

// Unlock re-derives the key and checks it against the verification token.
// A password is correct iff decrypting the token reproduces the known
// plaintext exactly.
func (m *AEADManager) Unlock(password string, identity *keep.VaultIdentity) error {
	if err := m.AdoptIdentity(identity); err != nil {
		return err
	}

	key, err := deriveKey(password, identity.Salt)
	if err != nil {
		return err
	}

	plain, err := openWithKey(key, identity.VerificationToken, int64(len(verificationPlaintext)))
	if err != nil || !bytes.Equal(plain, []byte(verificationPlaintext)) {
		zeroize(key)
		return keep.ErrInvalidPassword
	}

	m.mu.Lock()
	zeroize(m.key)
	m.key = key
	m.disabled = false
	m.mu.Unlock()
	return nil
}

// Lock zeroizes the session key.
func (m *AEADManager) Lock() {
	m.mu.Lock()
	zeroize(m.key)
	m.key = nil
	m.mu.Unlock()
}

// DisableEncryption zeroizes the key and switches to plaintext mode.
// One-way until a new identity is created.
func (m *AEADManager) DisableEncryption() {
	m.mu.Lock()
	zeroize(m.key)
	m.key = nil
	m.disabled = true
	m.mu.Unlock()
}

// Unlocked reports whether a session key is held.
func (m *AEADManager) Unlocked() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.key != nil
}

// EncryptionEnabled reports whether writes are encrypted.
func (m *AEADManager) EncryptionEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.disabled
}

// sessionKey copies out the current key and mode under the lock. The key
// bytes are cloned, not aliased: Lock zeroizes the backing array, and that
// must not corrupt a seal or open already in flight.
func (m *AEADManager) sessionKey() (key []byte, disabled bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return bytes.Clone(m.key), m.disabled
}

// Encrypt seals plaintext under the session key. In plaintext mode the
// input is returned unchanged.
func (m *AEADManager) Encrypt(plaintext []byte) ([]byte, error) {
	key, disabled := m.sessionKey()
	if disabled {
		return plaintext, nil
	}
	if key == nil {
		return nil, keep.ErrNoKeyConfigured
	}
	return sealWithKey(key, plaintext)
}

// Decrypt reverses Encrypt. Objects without the format header are treated
// as plaintext when encryption is disabled.
func (m *AEADManager) Decrypt(ciphertext []byte) ([]byte, error) {
	key, disabled := m.sessionKey()
	if !hasHeaderMagic(ciphertext) {
		if disabled {
			return ciphertext, nil
		}
		return nil, fmt.Errorf("%w: missing header magic", keep.ErrCorruptHeader)
	}
	if key == nil {
		return nil, keep.ErrNoKeyConfigured
	}
	return openWithKey(key, ciphertext, m.maxPlaintext)
}

// deriveKey runs argon2id with the format-version-1 parameters.
func deriveKey(password string, salt []byte) ([]byte, error) {
	if len(salt) != saltSize {
		return nil, fmt.Errorf("%w: salt must be %d bytes, got %d", keep.ErrKeyDerivationFailed, saltSize, len(salt))
	}
	if password == "" {
		return nil, fmt.Errorf("%w: empty password", keep.ErrKeyDerivationFailed)
	}
	return argon2.IDKey([]byte(password), salt, kdfTime, kdfMemory, kdfThreads, keySize), nil
}

// sealWithKey encrypts plaintext under key with a fresh random nonce and
// prepends the self-describing header.
func sealWithKey(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating gcm: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	out := make([]byte, headerSize, headerSize+len(plaintext)+aead.Overhead())
	copy(out[0:4], headerMagic)
	out[4] = headerVersion
	copy(out[5:5+nonceSize], nonce)
	binary.BigEndian.PutUint64(out[5+nonceSize:headerSize], uint64(len(plaintext)))

	return aead.Seal(out, nonce, plaintext, out[:headerSize]), nil
}

// openWithKey parses the header and authenticates/decrypts the payload.
func openWithKey(key, data []byte, maxPlaintext int64) ([]byte, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: truncated header", keep.ErrCorruptHeader)
	}
	if string(data[0:4]) != headerMagic {
		return nil, fmt.Errorf("%w: bad magic", keep.ErrCorruptHeader)
	}
	if data[4] != headerVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", keep.ErrCorruptHeader, data[4])
	}

	declared := binary.BigEndian.Uint64(data[5+nonceSize : headerSize])
	if maxPlaintext > 0 && declared > uint64(maxPlaintext) {
		return nil, fmt.Errorf("%w: declared %d bytes", keep.ErrFileTooLarge, declared)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating gcm: %w", err)
	}

	nonce := data[5 : 5+nonceSize]
	plain, err := aead.Open(nil, nonce, data[headerSize:], data[:headerSize])
	if err != nil {
		return nil, keep.ErrCorruptData
	}
	if uint64(len(plain)) != declared {
		return nil, fmt.Errorf("%w: declared size mismatch", keep.ErrCorruptData)
	}
	return plain, nil
}

func hasHeaderMagic(data []byte) bool {
	return len(data) >= 4 && string(data[0:4]) == headerMagic
}

func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
