package crypto

import "context"

// KeyManager abstracts external Key Management Systems (KMS) that wrap and unwrap
// per-record data encryption keys (DEKs).
//
// Implementations must never expose plaintext master keys and must ensure that all
// cryptographic operations happen within the KMS (for example via KMIP, AWS KMS,
// Vault Transit, etc). Absence of a configured KeyManager is a valid state: the
// wrap chain falls to the next tier. A configured KeyManager that fails is a hard
// error, never a fallthrough.
type KeyManager interface {
	// Provider returns a short identifier (e.g. "cosmian-kmip") used for
	// diagnostics and wrap metadata.
	Provider() string

	// WrapKey encrypts the provided plaintext DEK and returns an envelope suitable
	// for persisting on the custody record.
	WrapKey(ctx context.Context, plaintext []byte) (*KeyEnvelope, error)

	// UnwrapKey decrypts the ciphertext contained in the given envelope and
	// returns the plaintext DEK.
	UnwrapKey(ctx context.Context, envelope *KeyEnvelope) ([]byte, error)

	// HealthCheck verifies that the KMS is accessible and operational. This should
	// be a lightweight operation that doesn't perform actual encryption/decryption.
	HealthCheck(ctx context.Context) error

	// Close releases any underlying resources.
	Close(ctx context.Context) error
}

// KeyEnvelope captures the information required to unwrap a DEK.
type KeyEnvelope struct {
	KeyID      string
	Provider   string
	Ciphertext []byte
}
