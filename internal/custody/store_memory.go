package custody

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps custody records and grants in memory for tests and
// development. All methods copy on the way in and out so callers can never
// mutate stored state behind the lock.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*CustodyRecord
	grants  map[uuid.UUID]*AccessGrant
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[uuid.UUID]*CustodyRecord),
		grants:  make(map[uuid.UUID]*AccessGrant),
	}
}

func (s *MemoryStore) CreateRecord(_ context.Context, rec *CustodyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("record %s already exists", rec.ID)
	}
	cp := *rec
	s.records[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) GetRecord(_ context.Context, id uuid.UUID) (*CustodyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("custody record %s: %w", id, ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) Decide(_ context.Context, id uuid.UUID, state State, reviewer, note string, decidedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("custody record %s: %w", id, ErrNotFound)
	}
	// Compare-and-set under the write lock: the second of two racing reviewers
	// observes a non-Submitted state and fails here.
	if rec.State != StateSubmitted {
		return fmt.Errorf("record %s is %s: %w", id, rec.State, ErrInvalidStateTransition)
	}

	rec.State = state
	rec.Reviewer = reviewer
	rec.DecisionNote = note
	rec.DecidedAt = &decidedAt
	return nil
}

func (s *MemoryStore) DeleteRecord(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return fmt.Errorf("custody record %s: %w", id, ErrNotFound)
	}
	delete(s.records, id)
	for gid, g := range s.grants {
		if g.CustodyRecordID == id {
			delete(s.grants, gid)
		}
	}
	return nil
}

func (s *MemoryStore) SetAttestation(_ context.Context, id uuid.UUID, status AttestationStatus, txRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("custody record %s: %w", id, ErrNotFound)
	}
	rec.Attestation = status
	rec.AnchorTxRef = txRef
	return nil
}

func (s *MemoryStore) ListAttestationPending(_ context.Context, limit int) ([]*CustodyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []*CustodyRecord
	for _, rec := range s.records {
		if rec.Attestation == AttestationPending {
			cp := *rec
			pending = append(pending, &cp)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].SubmittedAt.Before(pending[j].SubmittedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (s *MemoryStore) CreateGrant(_ context.Context, grant *AccessGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[grant.CustodyRecordID]; !ok {
		return fmt.Errorf("custody record %s: %w", grant.CustodyRecordID, ErrNotFound)
	}
	cp := *grant
	s.grants[grant.ID] = &cp
	return nil
}

func (s *MemoryStore) GetGrant(_ context.Context, id uuid.UUID) (*AccessGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.grants[id]
	if !ok {
		return nil, fmt.Errorf("access grant %s: %w", id, ErrNotFound)
	}
	cp := *g
	return &cp, nil
}

func (s *MemoryStore) RevokeGrant(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[id]
	if !ok {
		return fmt.Errorf("access grant %s: %w", id, ErrNotFound)
	}
	g.Revoked = true
	return nil
}

func (s *MemoryStore) ListGrants(_ context.Context, recordID uuid.UUID) ([]*AccessGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var grants []*AccessGrant
	for _, g := range s.grants {
		if g.CustodyRecordID == recordID {
			cp := *g
			grants = append(grants, &cp)
		}
	}
	sort.Slice(grants, func(i, j int) bool {
		return grants[i].CreatedAt.Before(grants[j].CreatedAt)
	})
	return grants, nil
}
