// Package audit records an append-only trail of custody operations. Events
// carry identifiers and outcomes only; subject references are stored hashed and
// payload plaintext or key material never enters an event.
package audit

import (
	"fmt"
	"sync"
	"time"

	"github.com/touristsafe/custody/internal/config"
)

// EventType represents the type of audit event.
type EventType string

const (
	EventTypeSubmit     EventType = "submit"
	EventTypeView       EventType = "view_plaintext"
	EventTypeDecide     EventType = "decide"
	EventTypeGrant      EventType = "grant"
	EventTypeRevoke     EventType = "revoke"
	EventTypeResolveKey EventType = "resolve_grantee_key"
	EventTypeUnwrap     EventType = "unwrap"
	EventTypeAnchor     EventType = "anchor"
	EventTypeDelete     EventType = "delete"
)

// Event is a single audit log entry.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType EventType              `json:"event_type"`
	RecordID  string                 `json:"record_id,omitempty"`
	GrantID   string                 `json:"grant_id,omitempty"`
	Actor     string                 `json:"actor,omitempty"`
	Role      string                 `json:"role,omitempty"`
	Method    string                 `json:"method,omitempty"` // wrap method involved, if any
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration_ms"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log records an event.
	Log(event *Event) error

	// LogOperation records a custody operation outcome.
	LogOperation(eventType EventType, recordID, grantID, actor, role, method string, success bool, err error, duration time.Duration, metadata map[string]interface{})

	// GetEvents returns the buffered events (for querying and tests).
	GetEvents() []*Event

	// Close flushes and closes the underlying sink.
	Close() error
}

// EventWriter is an interface for writing audit events to a sink.
type EventWriter interface {
	WriteEvent(event *Event) error
}

type auditLogger struct {
	mu         sync.Mutex
	events     []*Event
	maxEvents  int
	writer     EventWriter
	redactKeys []string
}

// NewLogger creates a new audit logger with an in-memory ring buffer of
// maxEvents entries plus the given sink.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	return NewLoggerWithRedaction(maxEvents, writer, nil)
}

// NewLoggerWithRedaction creates a new audit logger that replaces the values of
// the given metadata keys before an event is written anywhere.
func NewLoggerWithRedaction(maxEvents int, writer EventWriter, redactKeys []string) Logger {
	if writer == nil {
		writer = &StdoutSink{}
	}
	return &auditLogger{
		events:     make([]*Event, 0, maxEvents),
		maxEvents:  maxEvents,
		writer:     writer,
		redactKeys: redactKeys,
	}
}

// NewLoggerFromConfig creates a new audit logger from configuration.
func NewLoggerFromConfig(cfg config.AuditConfig) (Logger, error) {
	var writer EventWriter

	switch cfg.Sink.Type {
	case "http":
		writer = NewHTTPSink(cfg.Sink.Endpoint, cfg.Sink.Headers)
	case "file":
		writer = NewFileSink(cfg.Sink.FilePath)
	case "stdout", "":
		writer = &StdoutSink{}
	default:
		return nil, fmt.Errorf("unknown sink type: %s", cfg.Sink.Type)
	}

	if cfg.Sink.BatchSize > 0 || cfg.Sink.FlushInterval > 0 {
		writer = NewBatchSink(writer, cfg.Sink.BatchSize, cfg.Sink.FlushInterval, cfg.Sink.RetryCount, cfg.Sink.RetryBackoff)
	}

	return NewLoggerWithRedaction(cfg.MaxEvents, writer, cfg.RedactMetadataKeys), nil
}

func (l *auditLogger) Log(event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != nil {
		// Sink failures must never fail the custody operation being audited;
		// the in-memory buffer still retains the event.
		_ = l.writer.WriteEvent(event)
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
	return nil
}

func (l *auditLogger) LogOperation(eventType EventType, recordID, grantID, actor, role, method string, success bool, err error, duration time.Duration, metadata map[string]interface{}) {
	event := &Event{
		Timestamp: time.Now(),
		EventType: eventType,
		RecordID:  recordID,
		GrantID:   grantID,
		Actor:     actor,
		Role:      role,
		Method:    method,
		Success:   success,
		Duration:  duration,
		Metadata:  l.redactMetadata(metadata),
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

func (l *auditLogger) GetEvents() []*Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*Event, len(l.events))
	copy(events, l.events)
	return events
}

func (l *auditLogger) Close() error {
	if closer, ok := l.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// redactMetadata replaces sensitive metadata values before persistence.
func (l *auditLogger) redactMetadata(metadata map[string]interface{}) map[string]interface{} {
	if len(l.redactKeys) == 0 || len(metadata) == 0 {
		return metadata
	}

	needsRedaction := false
	for _, k := range l.redactKeys {
		if _, ok := metadata[k]; ok {
			needsRedaction = true
			break
		}
	}
	if !needsRedaction {
		return metadata
	}

	clone := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		clone[k] = v
	}
	for _, key := range l.redactKeys {
		if _, ok := clone[key]; ok {
			clone[key] = "[REDACTED]"
		}
	}
	return clone
}
