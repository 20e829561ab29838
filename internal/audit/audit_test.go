package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestLogger(maxEvents int) (*auditLogger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return NewLogger(maxEvents, NewStreamWriter(buf)).(*auditLogger), buf
}

func TestAuditLogger_LogEncrypt(t *testing.T) {
	logger, _ := newTestLogger(100)

	logger.LogEncrypt("receipt.jpg", "ABCDEvwxyz", "XOR", true, nil, 100*time.Millisecond, nil)

	events := logger.GetEvents()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	event := events[0]
	if event.EventType != EventTypeEncrypt {
		t.Fatalf("expected event type %s, got %s", EventTypeEncrypt, event.EventType)
	}
	if event.Source != "receipt.jpg" {
		t.Fatalf("expected source receipt.jpg, got %s", event.Source)
	}
	if event.KeyFingerprint != "ABCDEvwxyz" {
		t.Fatalf("expected fingerprint ABCDEvwxyz, got %s", event.KeyFingerprint)
	}
	if !event.Success {
		t.Fatal("expected success to be true")
	}
}

func TestAuditLogger_LogDecrypt(t *testing.T) {
	logger, _ := newTestLogger(100)

	logger.LogDecrypt("1700000000000.enc", "ABCDEvwxyz", "ChaCha20-Poly1305", true, nil, 50*time.Millisecond,
		map[string]interface{}{"strategy": "envelope-json"})

	event := logger.GetEvents()[0]
	if event.EventType != EventTypeDecrypt {
		t.Fatalf("expected event type %s, got %s", EventTypeDecrypt, event.EventType)
	}
	if event.Algorithm != "ChaCha20-Poly1305" {
		t.Fatalf("expected algorithm ChaCha20-Poly1305, got %s", event.Algorithm)
	}
	if event.Metadata["strategy"] != "envelope-json" {
		t.Fatalf("expected strategy metadata, got %v", event.Metadata)
	}
}

func TestAuditLogger_LogUploadAndJob(t *testing.T) {
	logger, buf := newTestLogger(100)

	logger.LogUpload("doc-1", "req-1", "ABCDEvwxyz", true, nil, time.Second)
	logger.LogJobFinished("doc-1", "job-1", "failed", "unreadable image")

	events := logger.GetEvents()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].EventType != EventTypeUpload || events[0].RequestID != "req-1" {
		t.Fatalf("unexpected upload event: %+v", events[0])
	}
	job := events[1]
	if job.EventType != EventTypeJobFinished || job.Success || job.Error != "unreadable image" {
		t.Fatalf("unexpected job event: %+v", job)
	}

	scanner := bufio.NewScanner(buf)
	lines := 0
	for scanner.Scan() {
		var decoded AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
			t.Fatalf("invalid JSON line: %v", err)
		}
		lines++
	}
	if lines != 2 {
		t.Fatalf("expected 2 JSON lines, got %d", lines)
	}
}

func TestAuditLogger_MaxEvents(t *testing.T) {
	logger, _ := newTestLogger(5)

	for i := 0; i < 10; i++ {
		logger.LogEncrypt("file", "fp", "XOR", true, nil, time.Millisecond, nil)
	}

	events := logger.GetEvents()
	if len(events) != 5 {
		t.Fatalf("expected 5 events (max), got %d", len(events))
	}
}

func TestAuditLogger_LogError(t *testing.T) {
	logger, _ := newTestLogger(100)

	logger.LogEncrypt("file", "fp", "XOR", false, &testError{msg: "test error"}, time.Millisecond, nil)

	event := logger.GetEvents()[0]
	if event.Success {
		t.Fatal("expected success to be false")
	}
	if event.Error != "test error" {
		t.Fatalf("expected error 'test error', got %s", event.Error)
	}
}

func TestAuditLogger_WriterFailureKeepsEvent(t *testing.T) {
	logger := NewLogger(10, failingWriter{}).(*auditLogger)

	err := logger.Log(&AuditEvent{EventType: EventTypeUpload})
	if err == nil {
		t.Fatal("expected writer error to be returned")
	}
	if len(logger.GetEvents()) != 1 {
		t.Fatal("expected event to be buffered despite writer failure")
	}
	if logger.GetEvents()[0].Timestamp.IsZero() {
		t.Fatal("expected timestamp to be filled in")
	}
}

func TestFileWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "events.jsonl")
	w, err := NewFileWriter(path)
	if err != nil {
		t.Fatalf("NewFileWriter failed: %v", err)
	}

	logger := NewLogger(10, w)
	logger.LogUpload("doc-9", "req-9", "fp", true, nil, time.Millisecond)
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read audit file: %v", err)
	}
	if !bytes.Contains(data, []byte(`"document_id":"doc-9"`)) {
		t.Fatalf("audit file missing event: %s", data)
	}
}

func TestNopLogger(t *testing.T) {
	l := NewNopLogger()
	if err := l.Log(&AuditEvent{}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	l.LogEncrypt("", "", "", true, nil, 0, nil)
	l.LogJobFinished("", "", "", "")
}

type failingWriter struct{}

func (failingWriter) WriteEvent(*AuditEvent) error { return errors.New("disk full") }

type testError struct {
	msg string
}

func (e *testError) Error() string {
	return e.msg
}
