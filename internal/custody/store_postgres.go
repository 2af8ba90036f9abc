package custody

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/touristsafe/custody/internal/crypto"
)

// Schema creates the custody tables. Grants cascade-delete with their parent
// record; grant rows are otherwise never removed, only marked revoked.
const Schema = `
CREATE TABLE IF NOT EXISTS custody_records (
	id            UUID PRIMARY KEY,
	subject_ref   TEXT NOT NULL,
	blob_id       TEXT NOT NULL,
	wrapped_key   BYTEA NOT NULL,
	wrap_meta     JSONB NOT NULL,
	nonce         BYTEA NOT NULL,
	algorithm     TEXT NOT NULL DEFAULT '',
	state         TEXT NOT NULL,
	reviewer      TEXT NOT NULL DEFAULT '',
	decision_note TEXT NOT NULL DEFAULT '',
	submitted_at  TIMESTAMPTZ NOT NULL,
	decided_at    TIMESTAMPTZ,
	attestation   TEXT NOT NULL,
	anchor_tx_ref TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS custody_records_subject_idx ON custody_records (subject_ref);
CREATE INDEX IF NOT EXISTS custody_records_attestation_idx ON custody_records (attestation);

CREATE TABLE IF NOT EXISTS access_grants (
	id                UUID PRIMARY KEY,
	custody_record_id UUID NOT NULL REFERENCES custody_records(id) ON DELETE CASCADE,
	grantee_id        TEXT NOT NULL,
	wrapped_key       BYTEA NOT NULL,
	wrap_meta         JSONB NOT NULL,
	revoked           BOOLEAN NOT NULL DEFAULT FALSE,
	created_by        TEXT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS access_grants_record_idx ON access_grants (custody_record_id);
`

// PostgresStore persists custody records and grants in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres opens a PostgreSQL-backed store and ensures the schema exists.
func NewPostgres(ctx context.Context, dsn string, maxOpen, maxIdle int) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

// Ping verifies database connectivity, used by the readiness probe.
func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *PostgresStore) CreateRecord(ctx context.Context, rec *CustodyRecord) error {
	meta, err := json.Marshal(rec.WrapMeta)
	if err != nil {
		return fmt.Errorf("failed to encode wrap meta: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO custody_records
			(id, subject_ref, blob_id, wrapped_key, wrap_meta, nonce, algorithm, state, submitted_at, attestation, anchor_tx_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.SubjectRef, rec.BlobID, rec.WrappedKey, meta, rec.Nonce,
		string(rec.Algorithm), string(rec.State), rec.SubmittedAt, string(rec.Attestation), rec.AnchorTxRef,
	)
	if err != nil {
		return fmt.Errorf("failed to insert custody record: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, id uuid.UUID) (*CustodyRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, subject_ref, blob_id, wrapped_key, wrap_meta, nonce, algorithm, state,
		       reviewer, decision_note, submitted_at, decided_at, attestation, anchor_tx_ref
		FROM custody_records WHERE id = $1`, id)
	return scanRecord(row)
}

func (s *PostgresStore) Decide(ctx context.Context, id uuid.UUID, state State, reviewer, note string, decidedAt time.Time) error {
	// Single-statement compare-and-set: only a Submitted record transitions, so
	// of two racing reviewers exactly one sees a row updated.
	res, err := s.db.ExecContext(ctx, `
		UPDATE custody_records
		SET state = $2, reviewer = $3, decision_note = $4, decided_at = $5
		WHERE id = $1 AND state = $6`,
		id, string(state), reviewer, note, decidedAt, string(StateSubmitted),
	)
	if err != nil {
		return fmt.Errorf("failed to decide custody record: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	// Distinguish a missing record from a lost race.
	if _, err := s.GetRecord(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("record %s already decided: %w", id, ErrInvalidStateTransition)
}

func (s *PostgresStore) DeleteRecord(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM custody_records WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete custody record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("custody record %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) SetAttestation(ctx context.Context, id uuid.UUID, status AttestationStatus, txRef string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE custody_records SET attestation = $2, anchor_tx_ref = $3 WHERE id = $1`,
		id, string(status), txRef,
	)
	if err != nil {
		return fmt.Errorf("failed to update attestation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("custody record %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListAttestationPending(ctx context.Context, limit int) ([]*CustodyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject_ref, blob_id, wrapped_key, wrap_meta, nonce, algorithm, state,
		       reviewer, decision_note, submitted_at, decided_at, attestation, anchor_tx_ref
		FROM custody_records WHERE attestation = $1
		ORDER BY submitted_at ASC LIMIT $2`,
		string(AttestationPending), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending attestations: %w", err)
	}
	defer rows.Close()

	var records []*CustodyRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *PostgresStore) CreateGrant(ctx context.Context, grant *AccessGrant) error {
	meta, err := json.Marshal(grant.WrapMeta)
	if err != nil {
		return fmt.Errorf("failed to encode wrap meta: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO access_grants
			(id, custody_record_id, grantee_id, wrapped_key, wrap_meta, revoked, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		grant.ID, grant.CustodyRecordID, grant.GranteeID, grant.WrappedKey, meta,
		grant.Revoked, grant.CreatedBy, grant.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert access grant: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetGrant(ctx context.Context, id uuid.UUID) (*AccessGrant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, custody_record_id, grantee_id, wrapped_key, wrap_meta, revoked, created_by, created_at
		FROM access_grants WHERE id = $1`, id)
	return scanGrant(row)
}

func (s *PostgresStore) RevokeGrant(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE access_grants SET revoked = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to revoke access grant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("access grant %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListGrants(ctx context.Context, recordID uuid.UUID) ([]*AccessGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, custody_record_id, grantee_id, wrapped_key, wrap_meta, revoked, created_by, created_at
		FROM access_grants WHERE custody_record_id = $1 ORDER BY created_at ASC`, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to list access grants: %w", err)
	}
	defer rows.Close()

	var grants []*AccessGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*CustodyRecord, error) {
	var (
		rec       CustodyRecord
		metaJSON  []byte
		algorithm string
		state     string
		attest    string
		decidedAt sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.SubjectRef, &rec.BlobID, &rec.WrappedKey, &metaJSON,
		&rec.Nonce, &algorithm, &state, &rec.Reviewer, &rec.DecisionNote, &rec.SubmittedAt,
		&decidedAt, &attest, &rec.AnchorTxRef)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("custody record: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to scan custody record: %w", err)
	}

	var meta crypto.WrapMeta
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode wrap meta: %w", err)
	}
	rec.WrapMeta = meta
	rec.Algorithm = crypto.Algorithm(algorithm)
	rec.State = State(state)
	rec.Attestation = AttestationStatus(attest)
	if decidedAt.Valid {
		t := decidedAt.Time
		rec.DecidedAt = &t
	}
	return &rec, nil
}

func scanGrant(row rowScanner) (*AccessGrant, error) {
	var (
		g        AccessGrant
		metaJSON []byte
	)
	err := row.Scan(&g.ID, &g.CustodyRecordID, &g.GranteeID, &g.WrappedKey, &metaJSON,
		&g.Revoked, &g.CreatedBy, &g.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("access grant: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to scan access grant: %w", err)
	}

	var meta crypto.WrapMeta
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode wrap meta: %w", err)
	}
	g.WrapMeta = meta
	return &g, nil
}
