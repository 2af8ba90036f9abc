package ledger

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// PendingRecord is one custody record awaiting ledger attestation.
type PendingRecord struct {
	ID          string
	SubjectHash [32]byte
	BlobID      string
	SubmittedAt time.Time
}

// PendingSource lists records whose anchoring has not landed yet and confirms
// the ones the worker manages to anchor.
type PendingSource interface {
	ListAttestationPending(ctx context.Context, limit int) ([]PendingRecord, error)
	ConfirmAttestation(ctx context.Context, id, txRef string) error
}

// Worker retries ledger anchoring out-of-band. Custody persistence never waits
// on it; a record stays attestation-pending until an anchor attempt succeeds.
type Worker struct {
	anchor     Anchor
	source     PendingSource
	logger     *logrus.Logger
	interval   time.Duration
	maxBackoff time.Duration
	batchSize  int
}

// NewWorker builds an anchoring retry worker.
func NewWorker(anchor Anchor, source PendingSource, logger *logrus.Logger, interval, maxBackoff time.Duration) *Worker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if maxBackoff <= 0 {
		maxBackoff = 10 * time.Minute
	}
	return &Worker{
		anchor:     anchor,
		source:     source,
		logger:     logger,
		interval:   interval,
		maxBackoff: maxBackoff,
		batchSize:  50,
	}
}

// Run processes pending attestations until ctx is cancelled. The sweep interval
// doubles after a fully failed pass and resets after any success, capped at
// maxBackoff.
func (w *Worker) Run(ctx context.Context) {
	delay := w.interval
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			anchored, attempted := w.sweep(ctx)
			if attempted > 0 && anchored == 0 {
				delay *= 2
				if delay > w.maxBackoff {
					delay = w.maxBackoff
				}
			} else {
				delay = w.interval
			}
			timer.Reset(delay)
		}
	}
}

// sweep attempts one anchoring pass and returns (anchored, attempted).
func (w *Worker) sweep(ctx context.Context) (int, int) {
	pending, err := w.source.ListAttestationPending(ctx, w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to list attestation-pending records")
		return 0, 0
	}

	anchored := 0
	for _, rec := range pending {
		meta := map[string]string{"submitted_at": rec.SubmittedAt.UTC().Format(time.RFC3339)}
		txRef, err := w.anchor.Anchor(ctx, rec.SubjectHash, rec.BlobID, meta)
		if err != nil {
			w.logger.WithError(err).WithField("record_id", rec.ID).Warn("ledger anchoring retry failed")
			continue
		}
		if err := w.source.ConfirmAttestation(ctx, rec.ID, txRef); err != nil {
			w.logger.WithError(err).WithField("record_id", rec.ID).Warn("failed to confirm attestation")
			continue
		}
		anchored++
	}

	if len(pending) > 0 {
		w.logger.WithFields(logrus.Fields{
			"pending":  len(pending),
			"anchored": anchored,
		}).Info("attestation sweep complete")
	}
	return anchored, len(pending)
}
