package crypto

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKeyManager reverses bytes, which is enough to prove the chain routes
// wrap and unwrap through the manager.
type fakeKeyManager struct {
	failWrap   bool
	failUnwrap bool
}

func (f *fakeKeyManager) Provider() string { return "fake" }

func (f *fakeKeyManager) WrapKey(_ context.Context, plaintext []byte) (*KeyEnvelope, error) {
	if f.failWrap {
		return nil, errors.New("kms down")
	}
	return &KeyEnvelope{KeyID: "k1", Provider: "fake", Ciphertext: reverse(plaintext)}, nil
}

func (f *fakeKeyManager) UnwrapKey(_ context.Context, env *KeyEnvelope) ([]byte, error) {
	if f.failUnwrap {
		return nil, errors.New("kms down")
	}
	return reverse(env.Ciphertext), nil
}

func (f *fakeKeyManager) HealthCheck(context.Context) error { return nil }
func (f *fakeKeyManager) Close(context.Context) error       { return nil }

func reverse(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		out[len(in)-1-i] = b
	}
	return out
}

func mustRSAKeyPEM(t *testing.T) (publicPEM, privatePEM []byte) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	publicPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	privatePEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	return publicPEM, privatePEM
}

func TestWrapChainKMSTier(t *testing.T) {
	chain, err := NewWrapChain(WrapChainOptions{KeyManager: &fakeKeyManager{}})
	require.NoError(t, err)

	dataKey, err := GenerateDataKey()
	require.NoError(t, err)

	wrapped, meta, err := chain.Wrap(context.Background(), dataKey)
	require.NoError(t, err)
	assert.Equal(t, MethodKMS, meta.Method)
	assert.Equal(t, "k1", meta.KeyRef)
	assert.Equal(t, "fake", meta.Provider)
	assert.NotEqual(t, dataKey, wrapped)

	unwrapped, err := chain.Unwrap(context.Background(), wrapped, meta)
	require.NoError(t, err)
	assert.Equal(t, dataKey, unwrapped)
}

func TestWrapChainConfiguredKMSFailureIsHard(t *testing.T) {
	// A failing KMS must never silently downgrade to a weaker tier, even with a
	// custodian key available.
	pubPEM, privPEM := mustRSAKeyPEM(t)
	chain, err := NewWrapChain(WrapChainOptions{
		KeyManager:          &fakeKeyManager{failWrap: true},
		CustodianPublicPEM:  pubPEM,
		CustodianPrivatePEM: privPEM,
	})
	require.NoError(t, err)

	dataKey, err := GenerateDataKey()
	require.NoError(t, err)

	_, meta, err := chain.Wrap(context.Background(), dataKey)
	require.Error(t, err)
	assert.Empty(t, meta.Method)
}

func TestWrapChainAsymmetricTier(t *testing.T) {
	pubPEM, privPEM := mustRSAKeyPEM(t)
	chain, err := NewWrapChain(WrapChainOptions{
		CustodianPublicPEM:  pubPEM,
		CustodianPrivatePEM: privPEM,
	})
	require.NoError(t, err)

	dataKey, err := GenerateDataKey()
	require.NoError(t, err)

	wrapped, meta, err := chain.Wrap(context.Background(), dataKey)
	require.NoError(t, err)
	assert.Equal(t, MethodAsymmetric, meta.Method)
	assert.NotEmpty(t, meta.KeyID)

	unwrapped, err := chain.Unwrap(context.Background(), wrapped, meta)
	require.NoError(t, err)
	assert.Equal(t, dataKey, unwrapped)
}

func TestWrapChainPrivateKeyOnly(t *testing.T) {
	// The public half is derived from the private key when only the latter is
	// configured.
	_, privPEM := mustRSAKeyPEM(t)
	chain, err := NewWrapChain(WrapChainOptions{CustodianPrivatePEM: privPEM})
	require.NoError(t, err)

	dataKey, err := GenerateDataKey()
	require.NoError(t, err)

	wrapped, meta, err := chain.Wrap(context.Background(), dataKey)
	require.NoError(t, err)
	assert.Equal(t, MethodAsymmetric, meta.Method)

	unwrapped, err := chain.Unwrap(context.Background(), wrapped, meta)
	require.NoError(t, err)
	assert.Equal(t, dataKey, unwrapped)
}

func TestWrapChainInsecureDevTier(t *testing.T) {
	chain, err := NewWrapChain(WrapChainOptions{})
	require.NoError(t, err)

	dataKey, err := GenerateDataKey()
	require.NoError(t, err)

	wrapped, meta, err := chain.Wrap(context.Background(), dataKey)
	require.NoError(t, err)
	assert.Equal(t, MethodInsecureDev, meta.Method)
	// Reversible obfuscation, not encryption.
	assert.NotEqual(t, dataKey, wrapped)

	unwrapped, err := chain.Unwrap(context.Background(), wrapped, meta)
	require.NoError(t, err)
	assert.Equal(t, dataKey, unwrapped)
}

func TestWrapChainUnknownMethod(t *testing.T) {
	chain, err := NewWrapChain(WrapChainOptions{})
	require.NoError(t, err)

	_, err = chain.Unwrap(context.Background(), []byte("opaque"), WrapMeta{Method: "post-quantum-v9"})
	assert.ErrorIs(t, err, ErrUnsupportedMethod)
}

func TestWrapChainUnwrapWithoutTier(t *testing.T) {
	chain, err := NewWrapChain(WrapChainOptions{})
	require.NoError(t, err)

	t.Run("kms record without kms", func(t *testing.T) {
		_, err := chain.Unwrap(context.Background(), []byte("x"), WrapMeta{Method: MethodKMS})
		assert.ErrorIs(t, err, ErrUnwrap)
	})

	t.Run("asymmetric record without private key", func(t *testing.T) {
		_, err := chain.Unwrap(context.Background(), []byte("x"), WrapMeta{Method: MethodAsymmetric})
		assert.ErrorIs(t, err, ErrUnwrap)
	})
}

func TestWrapChainKMSRejection(t *testing.T) {
	chain, err := NewWrapChain(WrapChainOptions{KeyManager: &fakeKeyManager{failUnwrap: true}})
	require.NoError(t, err)

	_, err = chain.Unwrap(context.Background(), []byte("x"), WrapMeta{Method: MethodKMS, KeyRef: "k1"})
	assert.ErrorIs(t, err, ErrUnwrap)
}

func TestWrapForPublicKeyGranteeFlow(t *testing.T) {
	chain, err := NewWrapChain(WrapChainOptions{})
	require.NoError(t, err)

	granteePub, granteePriv := mustRSAKeyPEM(t)
	dataKey, err := GenerateDataKey()
	require.NoError(t, err)

	wrapped, meta, err := chain.WrapForPublicKey(dataKey, granteePub)
	require.NoError(t, err)
	assert.Equal(t, MethodAsymmetric, meta.Method)

	// Only the grantee's private key reconstructs the data key; the chain has
	// no tier that can.
	_, err = chain.Unwrap(context.Background(), wrapped, meta)
	assert.ErrorIs(t, err, ErrUnwrap)

	unwrapped, err := UnwrapWithPrivateKey(wrapped, granteePriv)
	require.NoError(t, err)
	assert.Equal(t, dataKey, unwrapped)
}

func TestWrapForPublicKeyRejectsGarbage(t *testing.T) {
	chain, err := NewWrapChain(WrapChainOptions{})
	require.NoError(t, err)

	_, _, err = chain.WrapForPublicKey([]byte("key"), []byte("not a pem block"))
	assert.Error(t, err)
}

func TestPublicKeyFingerprintStable(t *testing.T) {
	pubPEM, _ := mustRSAKeyPEM(t)
	pub, err := ParseRSAPublicKey(pubPEM)
	require.NoError(t, err)

	fp1 := PublicKeyFingerprint(pub)
	fp2 := PublicKeyFingerprint(pub)
	assert.Equal(t, fp1, fp2)
	assert.Len(t, fp1, 32)
}
