// Package lifecycle drives one document from image selection through
// encryption, upload and server-side processing to a terminal state.
package lifecycle

import (
	"errors"
	"fmt"
)

// State is a step of the upload lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StatePicking    State = "picking"
	StateCropping   State = "cropping"
	StatePreviewing State = "previewing"
	StateEncrypting State = "encrypting"
	StateUploading  State = "uploading"
	StatePolling    State = "polling"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// IsTerminal reports whether the upload has finished.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// InFlight reports whether an upload is being encrypted, sent or processed.
func (s State) InFlight() bool {
	return s == StateEncrypting || s == StateUploading || s == StatePolling
}

var (
	// ErrValidation is a recoverable input problem; the state does not change.
	ErrValidation = errors.New("validation error")
	// ErrInvalidTransition is returned when an operation is not allowed in
	// the current state.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrUploadInProgress is returned when a second upload is started while
	// one is in flight.
	ErrUploadInProgress = errors.New("upload already in progress")
	// ErrCanceled is returned by Confirm when Cancel interrupted it.
	ErrCanceled = errors.New("upload canceled")
	// ErrProcessingFailed is the terminal error of a job the server failed.
	ErrProcessingFailed = errors.New("processing failed")
	// ErrPollTimeout is the terminal error when polling gives up.
	ErrPollTimeout = errors.New("processing status timed out")
)

func transitionError(op string, from State) error {
	return fmt.Errorf("%w: %s not allowed in state %s", ErrInvalidTransition, op, from)
}

// NoticeKind classifies user-facing notices.
type NoticeKind string

const (
	NoticeInfo       NoticeKind = "info"
	NoticeProgress   NoticeKind = "progress"
	NoticeSuccess    NoticeKind = "success"
	NoticeError      NoticeKind = "error"
	NoticeValidation NoticeKind = "validation"
)

// Notice is a message for the user. Success and error notices for an upload
// are terminal and fire exactly once.
type Notice struct {
	Kind       NoticeKind
	Message    string
	State      State
	DocumentID string
	Progress   int
	Err        error
}

// Terminal reports whether n ends an upload.
func (n Notice) Terminal() bool {
	return n.State.IsTerminal() && (n.Kind == NoticeSuccess || n.Kind == NoticeError)
}

// Notifier receives notices. Notify is called without the controller lock
// held and may query the controller.
type Notifier interface {
	Notify(Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

type nopNotifier struct{}

func (nopNotifier) Notify(Notice) {}

// Snapshot is a point-in-time copy of the controller's observable state.
type Snapshot struct {
	State          State
	SourceURI      string
	CroppedURI     string
	EnvelopeURI    string
	DocumentID     string
	JobID          string
	RequestID      string
	KeyFingerprint string
	Progress       int
	LastError      error
}
