package crypto

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"

	"github.com/sirupsen/logrus"
)

// WrapMethod tags how a stored wrapped key was produced. The tag is persisted
// next to the wrapped key and is required to reverse it.
type WrapMethod string

const (
	// MethodKMS delegates wrapping to a configured KeyManager.
	MethodKMS WrapMethod = "kms"
	// MethodAsymmetric is RSA-OAEP-SHA256 under a custodian or grantee public key.
	MethodAsymmetric WrapMethod = "rsa-oaep-sha256"
	// MethodInsecureDev is a reversible placeholder that keeps the chain operable
	// with no KMS and no custodian key configured. NOT cryptographically sound.
	// Never deploy it outside development.
	MethodInsecureDev WrapMethod = "insecure-dev"
)

// WrapMeta travels with a wrapped key and must never be mutated after creation:
// editing it silently orphans the stored key.
type WrapMeta struct {
	Method   WrapMethod `json:"method"`
	KeyRef   string     `json:"key_ref,omitempty"`  // KMS wrapping key identifier
	Provider string     `json:"provider,omitempty"` // KMS provider label
	KeyID    string     `json:"key_id,omitempty"`   // asymmetric public key fingerprint
}

// WrapChain turns a raw data key into storable wrapped bytes plus a method tag,
// trying tiers in strict priority order: KMS, then custodian RSA, then the
// insecure dev placeholder. A tier that is configured but failing is a hard
// error; the chain only falls through tiers that are absent. An unintended
// downgrade is a security regression, so this is enforced explicitly.
type WrapChain struct {
	kms           KeyManager
	custodianPub  *rsa.PublicKey
	custodianPriv *rsa.PrivateKey
	custodianID   string
	logger        *logrus.Logger
}

// WrapChainOptions configures the chain. All tiers are optional; with none
// configured the chain degrades to the insecure dev placeholder and logs a
// warning on every wrap.
type WrapChainOptions struct {
	KeyManager          KeyManager
	CustodianPublicPEM  []byte
	CustodianPrivatePEM []byte
	Logger              *logrus.Logger
}

// NewWrapChain builds the chain from whichever tiers are configured.
func NewWrapChain(opts WrapChainOptions) (*WrapChain, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}

	c := &WrapChain{kms: opts.KeyManager, logger: logger}

	if len(opts.CustodianPublicPEM) > 0 {
		pub, err := ParseRSAPublicKey(opts.CustodianPublicPEM)
		if err != nil {
			return nil, fmt.Errorf("failed to parse custodian public key: %w", err)
		}
		c.custodianPub = pub
		c.custodianID = PublicKeyFingerprint(pub)
	}

	if len(opts.CustodianPrivatePEM) > 0 {
		priv, err := ParseRSAPrivateKey(opts.CustodianPrivatePEM)
		if err != nil {
			return nil, fmt.Errorf("failed to parse custodian private key: %w", err)
		}
		c.custodianPriv = priv
		if c.custodianPub == nil {
			c.custodianPub = &priv.PublicKey
			c.custodianID = PublicKeyFingerprint(c.custodianPub)
		}
	}

	return c, nil
}

// Wrap protects dataKey with the strongest configured tier. A configured KMS
// that errors fails the call outright rather than downgrading to RSA or the
// dev placeholder.
func (c *WrapChain) Wrap(ctx context.Context, dataKey []byte) ([]byte, WrapMeta, error) {
	if c.kms != nil {
		env, err := c.kms.WrapKey(ctx, dataKey)
		if err != nil {
			return nil, WrapMeta{}, fmt.Errorf("configured KMS failed to wrap key: %w", err)
		}
		return env.Ciphertext, WrapMeta{
			Method:   MethodKMS,
			KeyRef:   env.KeyID,
			Provider: env.Provider,
		}, nil
	}

	if c.custodianPub != nil {
		wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, c.custodianPub, dataKey, nil)
		if err != nil {
			return nil, WrapMeta{}, fmt.Errorf("configured custodian key failed to wrap key: %w", err)
		}
		return wrapped, WrapMeta{Method: MethodAsymmetric, KeyID: c.custodianID}, nil
	}

	c.logger.Warn("no KMS or custodian key configured; using insecure-dev key wrapping (development only)")
	return devObfuscate(dataKey), WrapMeta{Method: MethodInsecureDev}, nil
}

// WrapForPublicKey wraps dataKey under an arbitrary RSA public key, e.g. a
// grantee's. The result always carries the asymmetric method tag regardless of
// how the parent record's key is wrapped.
func (c *WrapChain) WrapForPublicKey(dataKey, publicPEM []byte) ([]byte, WrapMeta, error) {
	pub, err := ParseRSAPublicKey(publicPEM)
	if err != nil {
		return nil, WrapMeta{}, fmt.Errorf("failed to parse grantee public key: %w", err)
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, dataKey, nil)
	if err != nil {
		return nil, WrapMeta{}, fmt.Errorf("failed to wrap key for grantee: %w", err)
	}
	return wrapped, WrapMeta{Method: MethodAsymmetric, KeyID: PublicKeyFingerprint(pub)}, nil
}

// Unwrap reverses Wrap by dispatching on the method tag. Unknown tags fail with
// ErrUnsupportedMethod so records wrapped by a newer build fail loudly instead
// of decoding garbage.
func (c *WrapChain) Unwrap(ctx context.Context, wrapped []byte, meta WrapMeta) ([]byte, error) {
	switch meta.Method {
	case MethodKMS:
		if c.kms == nil {
			return nil, fmt.Errorf("record is KMS-wrapped but no KMS is configured: %w", ErrUnwrap)
		}
		key, err := c.kms.UnwrapKey(ctx, &KeyEnvelope{
			KeyID:      meta.KeyRef,
			Provider:   meta.Provider,
			Ciphertext: wrapped,
		})
		if err != nil {
			return nil, fmt.Errorf("kms rejected wrapped key: %w", ErrUnwrap)
		}
		return key, nil

	case MethodAsymmetric:
		if c.custodianPriv == nil {
			return nil, fmt.Errorf("no custodian private key available: %w", ErrUnwrap)
		}
		key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, c.custodianPriv, wrapped, nil)
		if err != nil {
			return nil, fmt.Errorf("custodian key rejected wrapped key: %w", ErrUnwrap)
		}
		return key, nil

	case MethodInsecureDev:
		return devObfuscate(wrapped), nil

	default:
		return nil, fmt.Errorf("wrap method %q: %w", meta.Method, ErrUnsupportedMethod)
	}
}

// UnwrapWithPrivateKey reverses WrapForPublicKey. It runs client-side: the
// service returns the grantee's wrapped copy and only the grantee's own private
// key ever reconstructs the data key.
func UnwrapWithPrivateKey(wrapped []byte, privatePEM []byte) ([]byte, error) {
	priv, err := ParseRSAPrivateKey(privatePEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("private key rejected wrapped key: %w", ErrUnwrap)
	}
	return key, nil
}

// devObfuscate is its own inverse. It only exists so the chain stays operable
// in unconfigured development environments.
func devObfuscate(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		out[i] = b ^ 0x5c
	}
	return out
}

// ParseRSAPublicKey parses a PEM-encoded PKIX or PKCS1 RSA public key.
func ParseRSAPublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is not RSA")
		}
		return rsaPub, nil
	}

	return x509.ParsePKCS1PublicKey(block.Bytes)
}

// ParseRSAPrivateKey parses a PEM-encoded PKCS8 or PKCS1 RSA private key.
func ParseRSAPrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	if priv, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaPriv, ok := priv.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is not RSA")
		}
		return rsaPriv, nil
	}

	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

// PublicKeyFingerprint returns a short stable identifier for an RSA public key:
// hex SHA-256 over the PKIX DER encoding, truncated to 16 bytes.
func PublicKeyFingerprint(pub *rsa.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:16])
}
