package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Algorithm selects the AEAD cipher used for payload encryption.
type Algorithm string

const (
	// AlgorithmAESGCM is AES-256-GCM, the default on hardware with AES support.
	AlgorithmAESGCM Algorithm = "aes-256-gcm"
	// AlgorithmChaCha20Poly1305 performs better on hardware without AES acceleration.
	AlgorithmChaCha20Poly1305 Algorithm = "chacha20-poly1305"
)

// DataKeySize is the size of a per-record data encryption key. Both supported
// algorithms take 256-bit keys.
const DataKeySize = 32

var (
	// ErrIntegrity is returned when an authentication tag does not verify.
	// The partially decrypted buffer is discarded, never returned.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrUnwrap is returned when a wrap provider rejects its ciphertext.
	ErrUnwrap = errors.New("key unwrap failed")

	// ErrUnsupportedMethod is returned for wrap method tags this build does not know.
	ErrUnsupportedMethod = errors.New("unsupported wrap method")
)

// GenerateDataKey returns a fresh random 256-bit data key.
func GenerateDataKey() ([]byte, error) {
	key := make([]byte, DataKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	return key, nil
}

// NewAEAD constructs the AEAD cipher for the given algorithm and key.
func NewAEAD(key []byte, alg Algorithm) (cipher.AEAD, error) {
	if len(key) != DataKeySize {
		return nil, fmt.Errorf("invalid key size %d, expected %d", len(key), DataKeySize)
	}

	switch alg {
	case AlgorithmAESGCM, "":
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create AES cipher: %w", err)
		}
		return cipher.NewGCM(block)
	case AlgorithmChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("unknown AEAD algorithm: %s", alg)
	}
}

// Encrypt performs authenticated encryption of plaintext under key with a fresh
// random nonce. The returned ciphertext carries the authentication tag so that
// decryption can verify integrity before releasing any plaintext.
func Encrypt(plaintext, key []byte, alg Algorithm) (nonce, ciphertext []byte, err error) {
	aead, err := NewAEAD(key, alg)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext = aead.Seal(nil, nonce, plaintext, nil)
	return nonce, ciphertext, nil
}

// Decrypt verifies and decrypts ciphertext produced by Encrypt. A tag mismatch
// yields ErrIntegrity and no plaintext.
func Decrypt(nonce, ciphertext, key []byte, alg Algorithm) ([]byte, error) {
	aead, err := NewAEAD(key, alg)
	if err != nil {
		return nil, err
	}

	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce size %d: %w", len(nonce), ErrIntegrity)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		// Never leak whether the key or the ciphertext was at fault.
		return nil, ErrIntegrity
	}
	return plaintext, nil
}
