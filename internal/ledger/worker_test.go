package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu        sync.Mutex
	pending   []PendingRecord
	confirmed map[string]string
}

func newFakeSource(pending ...PendingRecord) *fakeSource {
	return &fakeSource{pending: pending, confirmed: make(map[string]string)}
}

func (f *fakeSource) ListAttestationPending(_ context.Context, limit int) ([]PendingRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.pending
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]PendingRecord(nil), out...), nil
}

func (f *fakeSource) ConfirmAttestation(_ context.Context, id, txRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmed[id] = txRef
	kept := f.pending[:0]
	for _, rec := range f.pending {
		if rec.ID != id {
			kept = append(kept, rec)
		}
	}
	f.pending = kept
	return nil
}

type scriptedAnchor struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (a *scriptedAnchor) Anchor(context.Context, [32]byte, string, map[string]string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.calls <= a.failures {
		return "", errors.New("ledger gateway unreachable")
	}
	return "tx-ok", nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestWorkerSweepAnchorsPending(t *testing.T) {
	source := newFakeSource(
		PendingRecord{ID: "rec-1", SubjectHash: SubjectHash("111", "s"), BlobID: "b1", SubmittedAt: time.Now()},
		PendingRecord{ID: "rec-2", SubjectHash: SubjectHash("222", "s"), BlobID: "b2", SubmittedAt: time.Now()},
	)
	worker := NewWorker(&scriptedAnchor{}, source, quietLogger(), time.Second, time.Minute)

	anchored, attempted := worker.sweep(context.Background())
	assert.Equal(t, 2, anchored)
	assert.Equal(t, 2, attempted)
	assert.Equal(t, "tx-ok", source.confirmed["rec-1"])
	assert.Equal(t, "tx-ok", source.confirmed["rec-2"])
	assert.Empty(t, source.pending)
}

func TestWorkerSweepKeepsFailed(t *testing.T) {
	source := newFakeSource(
		PendingRecord{ID: "rec-1", SubmittedAt: time.Now()},
	)
	// First attempt fails, the record stays queued for the next sweep.
	anchor := &scriptedAnchor{failures: 1}
	worker := NewWorker(anchor, source, quietLogger(), time.Second, time.Minute)

	anchored, attempted := worker.sweep(context.Background())
	assert.Equal(t, 0, anchored)
	assert.Equal(t, 1, attempted)
	require.Len(t, source.pending, 1)

	anchored, attempted = worker.sweep(context.Background())
	assert.Equal(t, 1, anchored)
	assert.Equal(t, 1, attempted)
	assert.Empty(t, source.pending)
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	source := newFakeSource(
		PendingRecord{ID: "rec-1", SubmittedAt: time.Now()},
	)
	worker := NewWorker(&scriptedAnchor{}, source, quietLogger(), 10*time.Millisecond, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		source.mu.Lock()
		defer source.mu.Unlock()
		return len(source.confirmed) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancellation")
	}
}
