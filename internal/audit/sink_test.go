package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchSinkFlushesOnSizeAndClose(t *testing.T) {
	sink := &captureSink{}
	batch := NewBatchSink(sink, 2, time.Hour, 0, 0)

	require.NoError(t, batch.WriteEvent(&Event{RecordID: "rec-1"}))
	require.NoError(t, batch.WriteEvent(&Event{RecordID: "rec-2"}))

	// Size-triggered flush is asynchronous.
	require.Eventually(t, func() bool {
		return len(sink.get()) == 2
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, batch.WriteEvent(&Event{RecordID: "rec-3"}))
	require.NoError(t, batch.Close())
	assert.Len(t, sink.get(), 3)
}

type flakyBatchWriter struct {
	mu       sync.Mutex
	failures int
	batches  [][]*Event
}

func (f *flakyBatchWriter) WriteEvent(event *Event) error {
	return f.WriteBatch([]*Event{event})
}

func (f *flakyBatchWriter) WriteBatch(events []*Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("collector unavailable")
	}
	f.batches = append(f.batches, events)
	return nil
}

func TestBatchSinkRetries(t *testing.T) {
	writer := &flakyBatchWriter{failures: 2}
	batch := NewBatchSink(writer, 10, time.Hour, 3, time.Millisecond)

	require.NoError(t, batch.WriteEvent(&Event{RecordID: "rec-1"}))
	require.NoError(t, batch.Close())

	writer.mu.Lock()
	defer writer.mu.Unlock()
	require.Len(t, writer.batches, 1)
	assert.Equal(t, "rec-1", writer.batches[0][0].RecordID)
}

func TestHTTPSinkWriteBatch(t *testing.T) {
	var received []*Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
	}))
	defer srv.Close()

	sink := NewHTTPSink(srv.URL, map[string]string{"X-Api-Key": "secret"})
	err := sink.WriteBatch([]*Event{
		{EventType: EventTypeSubmit, RecordID: "rec-1"},
		{EventType: EventTypeDecide, RecordID: "rec-1"},
	})
	require.NoError(t, err)
	require.Len(t, received, 2)
	assert.Equal(t, EventTypeSubmit, received[0].EventType)
}

func TestHTTPSinkServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := NewHTTPSink(srv.URL, nil)
	assert.Error(t, sink.WriteEvent(&Event{RecordID: "rec-1"}))
}

func TestFileSinkAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink := NewFileSink(path)

	require.NoError(t, sink.WriteEvent(&Event{EventType: EventTypeSubmit, RecordID: "rec-1"}))
	require.NoError(t, sink.WriteEvent(&Event{EventType: EventTypeRevoke, RecordID: "rec-2"}))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		lines = append(lines, e)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "rec-1", lines[0].RecordID)
	assert.Equal(t, EventTypeRevoke, lines[1].EventType)
}
