package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeEncrypt represents preparing an encrypted envelope.
	EventTypeEncrypt EventType = "encrypt"
	// EventTypeDecrypt represents decoding an envelope.
	EventTypeDecrypt EventType = "decrypt"
	// EventTypeUpload represents submitting an envelope to the backend.
	EventTypeUpload EventType = "upload"
	// EventTypeJobFinished represents a processing job reaching a terminal status.
	EventTypeJobFinished EventType = "job_finished"
)

// AuditEvent represents a single audit log event.
type AuditEvent struct {
	Timestamp      time.Time              `json:"timestamp"`
	EventType      EventType              `json:"event_type"`
	Operation      string                 `json:"operation"`
	Source         string                 `json:"source,omitempty"`
	DocumentID     string                 `json:"document_id,omitempty"`
	JobID          string                 `json:"job_id,omitempty"`
	RequestID      string                 `json:"request_id,omitempty"`
	KeyFingerprint string                 `json:"key_fingerprint,omitempty"`
	Algorithm      string                 `json:"algorithm,omitempty"`
	Status         string                 `json:"status,omitempty"`
	Success        bool                   `json:"success"`
	Error          string                 `json:"error,omitempty"`
	Duration       time.Duration          `json:"duration_ms"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log logs an audit event.
	Log(event *AuditEvent) error

	// LogEncrypt logs an envelope preparation.
	LogEncrypt(source, fingerprint, algorithm string, success bool, err error, duration time.Duration, metadata map[string]interface{})

	// LogDecrypt logs an envelope decode.
	LogDecrypt(source, fingerprint, algorithm string, success bool, err error, duration time.Duration, metadata map[string]interface{})

	// LogUpload logs a backend submission.
	LogUpload(documentID, requestID, fingerprint string, success bool, err error, duration time.Duration)

	// LogJobFinished logs a terminal job status.
	LogJobFinished(documentID, jobID, status, errorDetails string)
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// auditLogger implements the Logger interface.
type auditLogger struct {
	mu        sync.Mutex
	events    []*AuditEvent
	maxEvents int
	writer    EventWriter
}

// NewLogger creates a new audit logger keeping the last maxEvents in memory.
// A nil writer writes JSON lines to stderr.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	if writer == nil {
		writer = NewStreamWriter(os.Stderr)
	}
	if maxEvents <= 0 {
		maxEvents = 1000
	}

	return &auditLogger{
		events:    make([]*AuditEvent, 0, maxEvents),
		maxEvents: maxEvents,
		writer:    writer,
	}
}

// Log stores the event and forwards it to the writer. The event is kept in
// memory even when the writer fails.
func (l *auditLogger) Log(event *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}

	if err := l.writer.WriteEvent(event); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return nil
}

func (l *auditLogger) LogEncrypt(source, fingerprint, algorithm string, success bool, err error, duration time.Duration, metadata map[string]interface{}) {
	l.logCrypto(EventTypeEncrypt, source, fingerprint, algorithm, success, err, duration, metadata)
}

func (l *auditLogger) LogDecrypt(source, fingerprint, algorithm string, success bool, err error, duration time.Duration, metadata map[string]interface{}) {
	l.logCrypto(EventTypeDecrypt, source, fingerprint, algorithm, success, err, duration, metadata)
}

func (l *auditLogger) logCrypto(eventType EventType, source, fingerprint, algorithm string, success bool, err error, duration time.Duration, metadata map[string]interface{}) {
	event := &AuditEvent{
		Timestamp:      time.Now(),
		EventType:      eventType,
		Operation:      string(eventType),
		Source:         source,
		KeyFingerprint: fingerprint,
		Algorithm:      algorithm,
		Success:        success,
		Duration:       duration,
		Metadata:       metadata,
	}

	if err != nil {
		event.Error = err.Error()
	}

	_ = l.Log(event)
}

func (l *auditLogger) LogUpload(documentID, requestID, fingerprint string, success bool, err error, duration time.Duration) {
	event := &AuditEvent{
		Timestamp:      time.Now(),
		EventType:      EventTypeUpload,
		Operation:      "upload",
		DocumentID:     documentID,
		RequestID:      requestID,
		KeyFingerprint: fingerprint,
		Success:        success,
		Duration:       duration,
	}

	if err != nil {
		event.Error = err.Error()
	}

	_ = l.Log(event)
}

func (l *auditLogger) LogJobFinished(documentID, jobID, status, errorDetails string) {
	_ = l.Log(&AuditEvent{
		Timestamp:  time.Now(),
		EventType:  EventTypeJobFinished,
		Operation:  "job_finished",
		DocumentID: documentID,
		JobID:      jobID,
		Status:     status,
		Success:    status == "completed",
		Error:      errorDetails,
	})
}

// GetEvents returns all audit events (for testing/querying).
func (l *auditLogger) GetEvents() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

// StreamWriter writes events as JSON lines to an io.Writer.
type StreamWriter struct {
	mu  sync.Mutex
	out io.Writer
}

// NewStreamWriter creates a StreamWriter over out.
func NewStreamWriter(out io.Writer) *StreamWriter {
	return &StreamWriter{out: out}
}

func (w *StreamWriter) WriteEvent(event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.out.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// FileWriter appends JSON lines to a file.
type FileWriter struct {
	*StreamWriter
	file *os.File
}

// NewFileWriter opens path for appending, creating parent directories.
func NewFileWriter(path string) (*FileWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	return &FileWriter{StreamWriter: NewStreamWriter(f), file: f}, nil
}

// Close closes the underlying file.
func (w *FileWriter) Close() error {
	return w.file.Close()
}

// nopLogger discards events.
type nopLogger struct{}

// NewNopLogger returns a Logger that discards everything.
func NewNopLogger() Logger { return nopLogger{} }

func (nopLogger) Log(*AuditEvent) error { return nil }
func (nopLogger) LogEncrypt(string, string, string, bool, error, time.Duration, map[string]interface{}) {
}
func (nopLogger) LogDecrypt(string, string, string, bool, error, time.Duration, map[string]interface{}) {
}
func (nopLogger) LogUpload(string, string, string, bool, error, time.Duration) {}
func (nopLogger) LogJobFinished(string, string, string, string)                 {}
