// Package cryptox implements the encryption service protecting sensitive
// record fields at rest: AES-256-GCM with a fresh random nonce per call,
// and argon2id key derivation when the vault is password-protected.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/argon2"

	"qrkeeper/internal/common"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32

	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 12

	// SaltSize is the size of the random argon2 salt.
	SaltSize = 16

	argon2Time    = 1
	argon2Memory  = 64 * 1024
	argon2Threads = 4
)

// GenerateKey returns a fresh random 256-bit key.
func GenerateKey() []byte {
	return common.GenerateRandByteArray(KeySize)
}

// DeriveKey derives a 256-bit key from a password and salt using argon2id.
func DeriveKey(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, argon2Time, argon2Memory, argon2Threads, KeySize)
}

// MakeVerifier returns a hash of the key suitable for persisting next to the
// salt, so a wrong password is rejected before any record is touched.
func MakeVerifier(key []byte) []byte {
	h := sha256.Sum256(key)
	return h[:]
}

// Service holds the symmetric key and performs all encrypt/decrypt calls.
// It is safe for concurrent use: the AEAD is stateless and nonces are drawn
// from crypto/rand per call.
type Service struct {
	key  []byte
	aead cipher.AEAD
}

// NewService builds a Service around the given 256-bit key.
func NewService(key []byte) (*Service, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("cryptox: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptox: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptox: %w", err)
	}
	return &Service{key: key, aead: aead}, nil
}

// Encrypt seals plaintext with a fresh random nonce. The ciphertext and
// nonce are returned separately.
func (s *Service) Encrypt(plaintext []byte) (ciphertext, nonce []byte, err error) {
	nonce = common.GenerateRandByteArray(NonceSize)
	ciphertext = s.aead.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Decrypt opens ciphertext with the given nonce.
func (s *Service) Decrypt(ciphertext, nonce []byte) ([]byte, error) {
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("cryptox: %w: %w", common.ErrDecryptFailed, err)
	}
	return plaintext, nil
}

// EncryptForStorage seals plaintext and returns a single opaque string:
// base64(nonce || ciphertext). The nonce prefix makes the string
// self-contained for later retrieval.
func (s *Service) EncryptForStorage(plaintext string) (string, error) {
	ciphertext, nonce, err := s.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	buf := make([]byte, 0, len(nonce)+len(ciphertext))
	buf = append(buf, nonce...)
	buf = append(buf, ciphertext...)
	return base64.StdEncoding.EncodeToString(buf), nil
}

// DecryptFromStorage reverses EncryptForStorage.
func (s *Service) DecryptFromStorage(enc string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return "", fmt.Errorf("cryptox: %w: bad base64: %w", common.ErrDecryptFailed, err)
	}
	if len(raw) < NonceSize {
		return "", fmt.Errorf("cryptox: %w: value too short", common.ErrDecryptFailed)
	}
	plaintext, err := s.Decrypt(raw[NonceSize:], raw[:NonceSize])
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Wipe zeroes the key material. The Service must not be used afterwards.
func (s *Service) Wipe() {
	common.WipeByteArray(s.key)
}
