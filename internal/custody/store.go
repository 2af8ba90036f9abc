package custody

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists custody records and access grants.
//
// Error contract: methods return ErrNotFound for missing entities,
// ErrInvalidStateTransition when a decision races or repeats, and wrapped
// infrastructure errors otherwise. Decide must be an atomic compare-and-set on
// the record state so two concurrent reviewers cannot both succeed.
type Store interface {
	CreateRecord(ctx context.Context, rec *CustodyRecord) error
	GetRecord(ctx context.Context, id uuid.UUID) (*CustodyRecord, error)
	// Decide transitions a Submitted record to the given terminal state.
	Decide(ctx context.Context, id uuid.UUID, state State, reviewer, note string, decidedAt time.Time) error
	// DeleteRecord hard-deletes the record and cascades its grants.
	DeleteRecord(ctx context.Context, id uuid.UUID) error
	// SetAttestation updates the anchoring audit metadata.
	SetAttestation(ctx context.Context, id uuid.UUID, status AttestationStatus, txRef string) error
	// ListAttestationPending returns records whose ledger anchor has not landed.
	ListAttestationPending(ctx context.Context, limit int) ([]*CustodyRecord, error)

	CreateGrant(ctx context.Context, grant *AccessGrant) error
	GetGrant(ctx context.Context, id uuid.UUID) (*AccessGrant, error)
	// RevokeGrant marks the grant revoked. Revoking twice is a no-op success.
	RevokeGrant(ctx context.Context, id uuid.UUID) error
	ListGrants(ctx context.Context, recordID uuid.UUID) ([]*AccessGrant, error)
}
