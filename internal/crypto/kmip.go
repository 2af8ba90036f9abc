package crypto

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ovh/kmip-go/kmipclient"
)

// KMIPOptions configures the KMIP-backed KeyManager.
type KMIPOptions struct {
	Endpoint  string
	KeyID     string // unique identifier of the wrapping key inside the KMS
	TLSConfig *tls.Config
	Timeout   time.Duration
	Provider  string // diagnostic label, defaults to "kmip"
}

// KMIPManager wraps and unwraps DEKs through a KMIP server (Cosmian KMS and
// compatible). The wrapping key never leaves the KMS; only Encrypt/Decrypt
// operations are issued.
type KMIPManager struct {
	client   *kmipclient.Client
	keyID    string
	provider string
	timeout  time.Duration
}

// NewKMIPManager dials the KMIP endpoint and returns a ready manager.
func NewKMIPManager(opts KMIPOptions) (*KMIPManager, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("kmip endpoint is required")
	}
	if opts.KeyID == "" {
		return nil, fmt.Errorf("kmip wrapping key id is required")
	}
	if opts.Provider == "" {
		opts.Provider = "kmip"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	client, err := kmipclient.Dial(opts.Endpoint, kmipclient.WithTlsConfig(opts.TLSConfig))
	if err != nil {
		return nil, fmt.Errorf("failed to dial KMIP endpoint %s: %w", opts.Endpoint, err)
	}

	return &KMIPManager{
		client:   client,
		keyID:    opts.KeyID,
		provider: opts.Provider,
		timeout:  opts.Timeout,
	}, nil
}

// Provider returns the diagnostic label of this manager.
func (m *KMIPManager) Provider() string {
	return m.provider
}

// WrapKey encrypts the DEK inside the KMS under the configured wrapping key.
func (m *KMIPManager) WrapKey(ctx context.Context, plaintext []byte) (*KeyEnvelope, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	resp, err := m.client.Encrypt(m.keyID).Data(plaintext).ExecContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("kmip encrypt failed: %w", err)
	}

	return &KeyEnvelope{
		KeyID:      m.keyID,
		Provider:   m.provider,
		Ciphertext: resp.Data,
	}, nil
}

// UnwrapKey decrypts the envelope ciphertext inside the KMS.
func (m *KMIPManager) UnwrapKey(ctx context.Context, envelope *KeyEnvelope) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	keyID := envelope.KeyID
	if keyID == "" {
		keyID = m.keyID
	}

	resp, err := m.client.Decrypt(keyID).Data(envelope.Ciphertext).ExecContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("kmip decrypt failed: %w", err)
	}
	return resp.Data, nil
}

// HealthCheck issues a Get on the wrapping key to verify the KMS is reachable
// and the key still exists.
func (m *KMIPManager) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if _, err := m.client.Get(m.keyID).ExecContext(ctx); err != nil {
		return fmt.Errorf("kmip health check failed: %w", err)
	}
	return nil
}

// Close closes the underlying KMIP connection.
func (m *KMIPManager) Close(ctx context.Context) error {
	return m.client.Close()
}
