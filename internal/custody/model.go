package custody

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/touristsafe/custody/internal/crypto"
)

// State is the review state of a custody record.
type State string

const (
	// StateSubmitted is the only creatable state.
	StateSubmitted State = "SUBMITTED"
	// StateApproved is terminal.
	StateApproved State = "APPROVED"
	// StateRejected is terminal.
	StateRejected State = "REJECTED"
)

// AttestationStatus tracks whether the ledger anchor for a record has landed.
// Anchoring is best-effort and never blocks or invalidates persistence.
type AttestationStatus string

const (
	AttestationPending   AttestationStatus = "PENDING"
	AttestationConfirmed AttestationStatus = "CONFIRMED"
)

// CustodyRecord is one KYC submission. BlobID, WrappedKey, WrapMeta and Nonce
// are write-once: rewraps for grantees produce AccessGrant rows and never touch
// the parent record.
type CustodyRecord struct {
	ID         uuid.UUID
	SubjectRef string // digits-only phone; hashed before it ever reaches the ledger
	BlobID     string // content address of the ciphertext in the blob store
	WrappedKey []byte
	WrapMeta   crypto.WrapMeta
	Nonce      []byte
	Algorithm  crypto.Algorithm // AEAD cipher the ciphertext was sealed with
	State      State

	Reviewer     string
	DecisionNote string
	SubmittedAt  time.Time
	DecidedAt    *time.Time // set iff State is Approved or Rejected

	Attestation AttestationStatus
	AnchorTxRef string
}

// Decided reports whether the record has reached a terminal review state.
func (r *CustodyRecord) Decided() bool {
	return r.State == StateApproved || r.State == StateRejected
}

// AccessGrant is an independently wrapped copy of a record's data key issued to
// a third party. WrappedKeyForGrantee unwraps to the same data key as the parent
// record's WrappedKey but is a different ciphertext under the grantee's own
// public key. Revocation retires a grant logically; rows are only removed when
// the parent record is deleted.
type AccessGrant struct {
	ID              uuid.UUID
	CustodyRecordID uuid.UUID
	GranteeID       string
	WrappedKey      []byte // data key wrapped under the grantee's public key
	WrapMeta        crypto.WrapMeta
	Revoked         bool
	CreatedBy       string
	CreatedAt       time.Time
}

// NormalizeSubjectRef reduces a subject identifier to its digits. Phone numbers
// arrive in arbitrary formats; lookups and ownership checks use this form.
func NormalizeSubjectRef(s string) string {
	var b strings.Builder
	for _, ch := range s {
		if ch >= '0' && ch <= '9' {
			b.WriteRune(ch)
		}
	}
	return b.String()
}
