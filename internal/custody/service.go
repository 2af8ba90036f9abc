package custody

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/touristsafe/custody/internal/audit"
	"github.com/touristsafe/custody/internal/blob"
	"github.com/touristsafe/custody/internal/crypto"
	"github.com/touristsafe/custody/internal/ledger"
	"github.com/touristsafe/custody/internal/metrics"
	"github.com/touristsafe/custody/internal/policy"
)

// Service orchestrates the custody flow: encrypt, wrap, store, anchor, review,
// grant. All dependencies are injected; the service holds no ambient state.
type Service struct {
	store       Store
	blobs       blob.Store
	chain       *crypto.WrapChain
	anchor      ledger.Anchor
	auditLog    audit.Logger
	metrics     *metrics.Metrics
	logger      *logrus.Logger
	tracer      trace.Tracer
	algorithm   crypto.Algorithm
	subjectSalt string
}

// ServiceOptions wires the service's collaborators.
type ServiceOptions struct {
	Store       Store
	Blobs       blob.Store
	Chain       *crypto.WrapChain
	Anchor      ledger.Anchor
	Audit       audit.Logger
	Metrics     *metrics.Metrics
	Logger      *logrus.Logger
	Algorithm   crypto.Algorithm
	SubjectSalt string
}

// NewService constructs the custody service.
func NewService(opts ServiceOptions) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	anchor := opts.Anchor
	if anchor == nil {
		anchor = ledger.NoopAnchor{}
	}
	alg := opts.Algorithm
	if alg == "" {
		alg = crypto.DefaultAlgorithm()
	}

	return &Service{
		store:       opts.Store,
		blobs:       opts.Blobs,
		chain:       opts.Chain,
		anchor:      anchor,
		auditLog:    opts.Audit,
		metrics:     opts.Metrics,
		logger:      logger,
		tracer:      otel.Tracer("custody"),
		algorithm:   alg,
		subjectSalt: opts.SubjectSalt,
	}
}

// Submit encrypts a sanitized KYC payload under a fresh data key, wraps the
// key, stores the ciphertext, persists the custody record and then attempts a
// best-effort ledger anchor. The record is durable before anchoring starts and
// an anchoring failure leaves it attestation-pending for the retry worker.
func (s *Service) Submit(ctx context.Context, subjectRef string, raw Payload) (*CustodyRecord, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "custody.Submit")
	defer span.End()

	subject := NormalizeSubjectRef(subjectRef)
	if subject == "" {
		return nil, fmt.Errorf("subject reference is required: %w", ErrValidation)
	}

	payload, err := SanitizePayload(raw)
	if err != nil {
		return nil, err
	}
	plaintext, err := payload.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	dataKey, err := crypto.GenerateDataKey()
	if err != nil {
		return nil, err
	}
	defer zero(dataKey)

	nonce, ciphertext, err := crypto.Encrypt(plaintext, dataKey, s.algorithm)
	if err != nil {
		return nil, err
	}

	wrapped, meta, err := s.chain.Wrap(ctx, dataKey)
	s.recordWrap("wrap", string(meta.Method), err)
	if err != nil {
		// A configured stronger tier failing is a hard stop, never a downgrade.
		s.logger.WithError(err).Error("key wrap failed")
		return nil, err
	}

	blobStart := time.Now()
	blobID, err := s.blobs.Put(ctx, ciphertext)
	s.recordBlob("put", err, blobStart)
	if err != nil {
		return nil, fmt.Errorf("failed to store ciphertext: %w", ErrUnavailable)
	}

	rec := &CustodyRecord{
		ID:          uuid.New(),
		SubjectRef:  subject,
		BlobID:      blobID,
		WrappedKey:  wrapped,
		WrapMeta:    meta,
		Nonce:       nonce,
		Algorithm:   s.algorithm,
		State:       StateSubmitted,
		SubmittedAt: time.Now().UTC(),
		Attestation: AttestationPending,
	}
	if err := s.store.CreateRecord(ctx, rec); err != nil {
		// No record points at the blob, so reclaim it. Best-effort: a leftover
		// ciphertext is unreadable without the wrapped key.
		if derr := s.blobs.Delete(ctx, blobID); derr != nil {
			s.logger.WithError(derr).WithField("blob_id", blobID).Warn("failed to delete orphaned ciphertext blob")
		}
		s.auditOp(audit.EventTypeSubmit, rec.ID.String(), "", "", string(meta.Method), err, start)
		return nil, fmt.Errorf("failed to persist custody record: %w", err)
	}

	// Record is durable; anchoring is strictly best-effort from here.
	s.tryAnchor(ctx, rec)

	s.auditOp(audit.EventTypeSubmit, rec.ID.String(), "", "", string(meta.Method), nil, start)
	s.recordOp("submit", nil, start)
	s.logger.WithFields(logrus.Fields{
		"record_id":   rec.ID,
		"blob_id":     blobID,
		"wrap_method": meta.Method,
		"attestation": rec.Attestation,
	}).Info("KYC submission stored")

	return rec, nil
}

// tryAnchor attempts one synchronous anchor and updates attestation metadata.
// Failure is recorded, never raised.
func (s *Service) tryAnchor(ctx context.Context, rec *CustodyRecord) {
	subjectHash := ledger.SubjectHash(rec.SubjectRef, s.subjectSalt)
	meta := map[string]string{"submitted_at": rec.SubmittedAt.Format(time.RFC3339)}

	txRef, err := s.anchor.Anchor(ctx, subjectHash, rec.BlobID, meta)
	if s.metrics != nil {
		s.metrics.RecordAnchorAttempt(err)
	}
	if err != nil {
		s.logger.WithError(err).WithField("record_id", rec.ID).
			Warn("ledger anchoring failed, leaving record attestation-pending")
		s.auditOp(audit.EventTypeAnchor, rec.ID.String(), "", "", "", err, time.Now())
		return
	}

	if err := s.store.SetAttestation(ctx, rec.ID, AttestationConfirmed, txRef); err != nil {
		s.logger.WithError(err).WithField("record_id", rec.ID).Warn("failed to persist attestation")
		return
	}
	rec.Attestation = AttestationConfirmed
	rec.AnchorTxRef = txRef
	s.auditOp(audit.EventTypeAnchor, rec.ID.String(), "", "", "", nil, time.Now())
}

// FetchPlaintext authorizes the caller, fetches and verifies the ciphertext,
// unwraps the data key and decrypts. Unwrap detail is logged server-side and
// surfaced opaquely.
func (s *Service) FetchPlaintext(ctx context.Context, recordID uuid.UUID, actor policy.Actor) (Payload, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "custody.FetchPlaintext")
	defer span.End()

	rec, err := s.store.GetRecord(ctx, recordID)
	if err != nil {
		return Payload{}, err
	}
	if policy.Decide(actor, rec.SubjectRef, policy.OpViewPlaintext) != policy.Allow {
		s.auditOp(audit.EventTypeView, recordID.String(), "", actor.Identity, "", ErrForbidden, start)
		return Payload{}, fmt.Errorf("view plaintext: %w", ErrForbidden)
	}

	blobStart := time.Now()
	ciphertext, err := s.blobs.Get(ctx, rec.BlobID)
	s.recordBlob("get", err, blobStart)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return Payload{}, fmt.Errorf("ciphertext blob missing: %w", ErrNotFound)
		}
		return Payload{}, fmt.Errorf("failed to fetch ciphertext: %w", ErrUnavailable)
	}

	dataKey, err := s.unwrapRecordKey(ctx, rec)
	if err != nil {
		s.auditOp(audit.EventTypeView, recordID.String(), "", actor.Identity, string(rec.WrapMeta.Method), err, start)
		return Payload{}, err
	}
	defer zero(dataKey)

	// Decrypt with the cipher recorded at submission time. The process default
	// is hardware-dependent and may differ across restarts or hosts.
	plaintext, err := crypto.Decrypt(rec.Nonce, ciphertext, dataKey, rec.Algorithm)
	if err != nil {
		s.logger.WithError(err).WithField("record_id", recordID).Error("ciphertext failed integrity check")
		s.auditOp(audit.EventTypeView, recordID.String(), "", actor.Identity, string(rec.WrapMeta.Method), err, start)
		return Payload{}, err
	}

	s.auditOp(audit.EventTypeView, recordID.String(), "", actor.Identity, string(rec.WrapMeta.Method), nil, start)
	s.recordOp("view_plaintext", nil, start)
	return DecodePayload(plaintext)
}

// GetMetadata returns the non-sensitive record fields after a ViewMetadata
// policy check. Key material and the nonce are stripped from the copy.
func (s *Service) GetMetadata(ctx context.Context, recordID uuid.UUID, actor policy.Actor) (*CustodyRecord, error) {
	rec, err := s.store.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if policy.Decide(actor, rec.SubjectRef, policy.OpViewMetadata) != policy.Allow {
		return nil, fmt.Errorf("view metadata: %w", ErrForbidden)
	}

	cp := *rec
	cp.WrappedKey = nil
	cp.Nonce = nil
	return &cp, nil
}

// Decide transitions a Submitted record to Approved or Rejected. The store's
// compare-and-set guarantees that of two racing reviewers exactly one succeeds.
func (s *Service) Decide(ctx context.Context, recordID uuid.UUID, approved bool, reviewer, note string, actor policy.Actor) (*CustodyRecord, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "custody.Decide")
	defer span.End()

	rec, err := s.store.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if policy.Decide(actor, rec.SubjectRef, policy.OpDecide) != policy.Allow {
		s.auditOp(audit.EventTypeDecide, recordID.String(), "", actor.Identity, "", ErrForbidden, start)
		return nil, fmt.Errorf("decide: %w", ErrForbidden)
	}
	if reviewer == "" {
		return nil, fmt.Errorf("reviewer is required: %w", ErrValidation)
	}

	state := StateRejected
	if approved {
		state = StateApproved
	}

	err = s.store.Decide(ctx, recordID, state, reviewer, note, time.Now().UTC())
	s.auditOp(audit.EventTypeDecide, recordID.String(), "", actor.Identity, "", err, start)
	s.recordOp("decide", err, start)
	if err != nil {
		return nil, err
	}

	return s.store.GetRecord(ctx, recordID)
}

// Grant mints a grantee-specific wrapped copy of the record's data key. The
// parent record is never mutated; repeated grants for the same grantee coexist
// until explicitly revoked.
func (s *Service) Grant(ctx context.Context, recordID uuid.UUID, granteeID string, granteePublicKey []byte, actor policy.Actor) (*AccessGrant, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "custody.Grant")
	defer span.End()

	if granteeID == "" || len(granteePublicKey) == 0 {
		return nil, fmt.Errorf("grantee id and public key are required: %w", ErrValidation)
	}

	rec, err := s.store.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if policy.Decide(actor, rec.SubjectRef, policy.OpGrantAccess) != policy.Allow {
		s.auditOp(audit.EventTypeGrant, recordID.String(), "", actor.Identity, "", ErrForbidden, start)
		return nil, fmt.Errorf("grant access: %w", ErrForbidden)
	}

	// An unwrap failure here is a configuration or integrity problem on our
	// side, not a client error.
	dataKey, err := s.unwrapRecordKey(ctx, rec)
	if err != nil {
		s.auditOp(audit.EventTypeGrant, recordID.String(), "", actor.Identity, string(rec.WrapMeta.Method), err, start)
		return nil, err
	}
	defer zero(dataKey)

	wrapped, meta, err := s.chain.WrapForPublicKey(dataKey, granteePublicKey)
	s.recordWrap("wrap", string(crypto.MethodAsymmetric), err)
	if err != nil {
		return nil, fmt.Errorf("invalid grantee public key: %w", ErrValidation)
	}

	grant := &AccessGrant{
		ID:              uuid.New(),
		CustodyRecordID: recordID,
		GranteeID:       granteeID,
		WrappedKey:      wrapped,
		WrapMeta:        meta,
		CreatedBy:       actor.Identity,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.store.CreateGrant(ctx, grant); err != nil {
		return nil, fmt.Errorf("failed to persist access grant: %w", err)
	}

	s.auditOp(audit.EventTypeGrant, recordID.String(), grant.ID.String(), actor.Identity, string(meta.Method), nil, start)
	s.recordOp("grant", nil, start)
	return grant, nil
}

// Revoke retires a grant. Revoking an already-revoked grant is a no-op success.
func (s *Service) Revoke(ctx context.Context, grantID uuid.UUID, actor policy.Actor) error {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "custody.Revoke")
	defer span.End()

	grant, err := s.store.GetGrant(ctx, grantID)
	if err != nil {
		return err
	}
	rec, err := s.store.GetRecord(ctx, grant.CustodyRecordID)
	if err != nil {
		return err
	}
	if policy.Decide(actor, rec.SubjectRef, policy.OpRevokeAccess) != policy.Allow {
		s.auditOp(audit.EventTypeRevoke, rec.ID.String(), grantID.String(), actor.Identity, "", ErrForbidden, start)
		return fmt.Errorf("revoke access: %w", ErrForbidden)
	}

	err = s.store.RevokeGrant(ctx, grantID)
	s.auditOp(audit.EventTypeRevoke, rec.ID.String(), grantID.String(), actor.Identity, "", err, start)
	s.recordOp("revoke", err, start)
	return err
}

// ResolveGranteeKey returns the grantee's wrapped copy of the data key. The
// revocation check runs on every call, not only at issuance, and the server
// never unwraps on the grantee's behalf: only the grantee's own private key
// reconstructs the data key.
func (s *Service) ResolveGranteeKey(ctx context.Context, grantID uuid.UUID, actor policy.Actor) ([]byte, crypto.WrapMeta, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "custody.ResolveGranteeKey")
	defer span.End()

	grant, err := s.store.GetGrant(ctx, grantID)
	if err != nil {
		return nil, crypto.WrapMeta{}, err
	}

	if grant.Revoked {
		s.auditOp(audit.EventTypeResolveKey, grant.CustodyRecordID.String(), grantID.String(), actor.Identity, "", ErrForbidden, start)
		return nil, crypto.WrapMeta{}, fmt.Errorf("grant is revoked: %w", ErrForbidden)
	}

	// Only the grantee themselves or a custody operator may fetch the copy.
	if actor.Identity != grant.GranteeID &&
		actor.Role != policy.RoleAdmin && actor.Role != policy.RoleVerifier {
		s.auditOp(audit.EventTypeResolveKey, grant.CustodyRecordID.String(), grantID.String(), actor.Identity, "", ErrForbidden, start)
		return nil, crypto.WrapMeta{}, fmt.Errorf("resolve grantee key: %w", ErrForbidden)
	}

	s.auditOp(audit.EventTypeResolveKey, grant.CustodyRecordID.String(), grantID.String(), actor.Identity, string(grant.WrapMeta.Method), nil, start)
	s.recordOp("resolve_grantee_key", nil, start)
	return grant.WrappedKey, grant.WrapMeta, nil
}

// ListGrants returns a record's grants after a metadata policy check.
func (s *Service) ListGrants(ctx context.Context, recordID uuid.UUID, actor policy.Actor) ([]*AccessGrant, error) {
	rec, err := s.store.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if policy.Decide(actor, rec.SubjectRef, policy.OpViewMetadata) != policy.Allow {
		return nil, fmt.Errorf("list grants: %w", ErrForbidden)
	}
	return s.store.ListGrants(ctx, recordID)
}

// Delete hard-deletes a record, its grants (cascade) and its ciphertext blob.
// Only admins may delete.
func (s *Service) Delete(ctx context.Context, recordID uuid.UUID, actor policy.Actor) error {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "custody.Delete")
	defer span.End()

	if actor.Role != policy.RoleAdmin {
		return fmt.Errorf("delete record: %w", ErrForbidden)
	}

	rec, err := s.store.GetRecord(ctx, recordID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteRecord(ctx, recordID); err != nil {
		return err
	}
	// Blob removal is best-effort: the pointer row is gone, the ciphertext is
	// unreadable without the wrapped key either way.
	if err := s.blobs.Delete(ctx, rec.BlobID); err != nil {
		s.logger.WithError(err).WithField("blob_id", rec.BlobID).Warn("failed to delete ciphertext blob")
	}

	s.auditOp(audit.EventTypeDelete, recordID.String(), "", actor.Identity, "", nil, start)
	s.recordOp("delete", nil, start)
	return nil
}

// ListAttestationPending implements ledger.PendingSource.
func (s *Service) ListAttestationPending(ctx context.Context, limit int) ([]ledger.PendingRecord, error) {
	records, err := s.store.ListAttestationPending(ctx, limit)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.SetAttestationsPending(len(records))
	}

	pending := make([]ledger.PendingRecord, 0, len(records))
	for _, rec := range records {
		pending = append(pending, ledger.PendingRecord{
			ID:          rec.ID.String(),
			SubjectHash: ledger.SubjectHash(rec.SubjectRef, s.subjectSalt),
			BlobID:      rec.BlobID,
			SubmittedAt: rec.SubmittedAt,
		})
	}
	return pending, nil
}

// ConfirmAttestation implements ledger.PendingSource.
func (s *Service) ConfirmAttestation(ctx context.Context, id, txRef string) error {
	recordID, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid record id %q: %w", id, err)
	}
	if err := s.store.SetAttestation(ctx, recordID, AttestationConfirmed, txRef); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordAnchorAttempt(nil)
	}
	return nil
}

// unwrapRecordKey recovers a record's data key through the wrap chain, logging
// provider detail server-side and returning only the opaque sentinel.
func (s *Service) unwrapRecordKey(ctx context.Context, rec *CustodyRecord) ([]byte, error) {
	dataKey, err := s.chain.Unwrap(ctx, rec.WrappedKey, rec.WrapMeta)
	s.recordWrap("unwrap", string(rec.WrapMeta.Method), err)
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"record_id":   rec.ID,
			"wrap_method": rec.WrapMeta.Method,
		}).Error("failed to unwrap record data key")
		if errors.Is(err, ErrUnsupportedMethod) {
			return nil, fmt.Errorf("record %s: %w", rec.ID, ErrUnsupportedMethod)
		}
		return nil, fmt.Errorf("record %s: %w", rec.ID, ErrUnwrap)
	}
	return dataKey, nil
}

func (s *Service) auditOp(eventType audit.EventType, recordID, grantID, actor, method string, err error, start time.Time) {
	if s.auditLog == nil {
		return
	}
	s.auditLog.LogOperation(eventType, recordID, grantID, actor, "", method, err == nil, err, time.Since(start), nil)
}

func (s *Service) recordOp(op string, err error, start time.Time) {
	if s.metrics != nil {
		s.metrics.RecordCustodyOperation(op, err, time.Since(start))
	}
}

func (s *Service) recordWrap(direction, method string, err error) {
	if s.metrics != nil {
		s.metrics.RecordWrapOperation(direction, method, err)
	}
}

func (s *Service) recordBlob(op string, err error, start time.Time) {
	if s.metrics != nil {
		s.metrics.RecordBlobOperation(op, err, time.Since(start))
	}
}

// zero wipes key material once it is no longer needed.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
