// Package cryptocore provides the primitive operations the control and
// audit services are built on: PBKDF2 key derivation, AES-CBC payload
// encryption, HMAC signing, one-way hashing, and short-lived bearer
// tokens rooted in a persisted master key.
package cryptocore

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultIterations is the PBKDF2 iteration count used when the
	// caller does not specify one.
	DefaultIterations = 10000

	// KeySize is the symmetric key length in bytes (AES-256).
	KeySize = 32

	saltSize = 16
)

// DefaultTokenTTL bounds the lifetime of issued bearer tokens.
const DefaultTokenTTL = time.Hour

// Service owns the process master key and performs all operations that
// require it: at-rest sealing, audit signing, and token issuance.
// Session-scoped operations (command signatures, payload encryption)
// use the package-level functions with the session key instead.
type Service struct {
	masterKey []byte
	tokenTTL  time.Duration
	log       zerolog.Logger
}

// NewService loads or creates the master key through the given store.
func NewService(store *KeyStore, logger zerolog.Logger) (*Service, error) {
	key, err := store.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("load master key: %w", err)
	}
	return &Service{
		masterKey: key,
		tokenTTL:  DefaultTokenTTL,
		log:       logger.With().Str("component", "cryptocore").Logger(),
	}, nil
}

// NewServiceWithKey builds a service around an explicit master key.
// Intended for tests and embedded use without a key file.
func NewServiceWithKey(key []byte, logger zerolog.Logger) (*Service, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(key))
	}
	return &Service{
		masterKey: append([]byte(nil), key...),
		tokenTTL:  DefaultTokenTTL,
		log:       logger.With().Str("component", "cryptocore").Logger(),
	}, nil
}

// SetTokenTTL overrides the bearer token lifetime.
func (s *Service) SetTokenTTL(ttl time.Duration) {
	if ttl > 0 {
		s.tokenTTL = ttl
	}
}

// DeriveKey stretches a password into a 256-bit key using
// PBKDF2-SHA256. Deterministic for identical inputs.
func DeriveKey(password, salt []byte, iterations int) []byte {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return pbkdf2.Key(password, salt, iterations, KeySize, sha256.New)
}

// NewSessionKey returns a fresh random symmetric key.
func NewSessionKey() ([]byte, error) {
	return randBytes(KeySize)
}

// Seal encrypts plaintext under the master key. Used for locally
// encrypted data at rest, such as high-severity audit metadata.
func (s *Service) Seal(plaintext []byte) (*Envelope, error) {
	return Encrypt(plaintext, s.masterKey)
}

// Open reverses Seal. Loss of the master key surfaces here as a
// decryption failure, never a panic.
func (s *Service) Open(env *Envelope) ([]byte, error) {
	return Decrypt(env, s.masterKey)
}

// Sign produces a base64 HMAC-SHA256 signature over message using the
// master key. Used for audit entry signatures.
func (s *Service) Sign(message []byte) string {
	return SignBase64(message, s.masterKey)
}

// Verify checks a master-key signature produced by Sign.
func (s *Service) Verify(message []byte, signature string) bool {
	return VerifyBase64(message, s.masterKey, signature)
}

func randBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}
	return b, nil
}

// Zero overwrites key material in place. Callers drop their reference
// afterwards.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
