package custody

import (
	"errors"

	"github.com/touristsafe/custody/internal/crypto"
)

// Error Contract:
// Every operation in this package returns one of the sentinel errors below,
// possibly wrapped with context via fmt.Errorf("...: %w", err). Callers branch
// with errors.Is and must not parse error strings.
var (
	// ErrValidation marks malformed, caller-correctable input.
	ErrValidation = errors.New("validation failed")

	// ErrForbidden marks an authorization denial, including resolving a revoked grant.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidStateTransition marks a decide() on a record that is not Submitted.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrIntegrity marks an AEAD authentication failure. No plaintext is ever
	// returned alongside this error. Aliased so callers of this package match
	// failures raised inside internal/crypto.
	ErrIntegrity = crypto.ErrIntegrity

	// ErrUnwrap marks a key-wrap provider rejecting its ciphertext (wrong key,
	// corrupted wrapped key, revoked KMS key). Logged with full context
	// server-side, surfaced opaquely to callers.
	ErrUnwrap = crypto.ErrUnwrap

	// ErrUnsupportedMethod marks a wrap method tag this build does not know.
	// A record wrapped by a newer method fails loudly instead of decoding garbage.
	ErrUnsupportedMethod = crypto.ErrUnsupportedMethod

	// ErrUnavailable marks a transient external-dependency failure, eligible for
	// retry with backoff at the call site.
	ErrUnavailable = errors.New("dependency unavailable")

	// ErrNotFound marks a missing record, grant, or blob.
	ErrNotFound = errors.New("not found")
)
