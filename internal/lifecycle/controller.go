package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/secure-ocr-client/internal/audit"
	"github.com/kenneth/secure-ocr-client/internal/backend"
	"github.com/kenneth/secure-ocr-client/internal/crop"
	"github.com/kenneth/secure-ocr-client/internal/metrics"
	"github.com/kenneth/secure-ocr-client/internal/secure"
	"github.com/kenneth/secure-ocr-client/internal/store"
)

const (
	DefaultPollInterval    = 3 * time.Second
	DefaultPollTimeout     = 10 * time.Minute
	DefaultMaxPollFailures = 3
)

// Preparer encrypts a source image into an upload envelope.
type Preparer interface {
	Prepare(ctx context.Context, sourcePath string) (*secure.PreparedFile, error)
}

// History records uploads in the local store.
type History interface {
	Save(ctx context.Context, rec *store.UploadRecord) error
	UpdateStatus(ctx context.Context, documentID, status, errorDetails string) error
	MarkArchived(ctx context.Context, documentID string) error
}

// Archiver keeps a copy of the uploaded envelope.
type Archiver interface {
	Put(ctx context.Context, documentID, path string, metadata map[string]string) error
}

// Options configures a Controller. Preparer and Backend are required.
type Options struct {
	Preparer Preparer
	Backend  backend.Client
	Cropper  crop.ImageCropper
	Notifier Notifier
	History  History
	Archive  Archiver

	PollInterval    time.Duration
	PollTimeout     time.Duration
	MaxPollFailures int
	MinCropSize     int
	RetainTempFiles bool

	Logger  *logrus.Logger
	Metrics *metrics.Metrics
	Audit   audit.Logger
	Now     func() time.Time
}

// Controller is the upload state machine. All methods are safe for
// concurrent use; at most one upload is in flight at a time.
type Controller struct {
	opts Options

	mu         sync.Mutex
	state      State
	source     string
	imageSize  crop.Size
	cropped    string
	prepared   *secure.PreparedFile
	documentID string
	jobID      string
	requestID  string
	progress   int
	lastErr    error

	// gen identifies the current attempt. Callbacks from an older attempt
	// compare against it and drop their results.
	gen          uint64
	cancel       context.CancelFunc
	timer        *time.Timer
	done         chan struct{}
	failures     int
	pollDeadline time.Time
	uploadStart  time.Time
}

// New creates a Controller in the Idle state.
func New(opts Options) (*Controller, error) {
	if opts.Preparer == nil {
		return nil, errors.New("lifecycle: preparer is required")
	}
	if opts.Backend == nil {
		return nil, errors.New("lifecycle: backend client is required")
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.MaxPollFailures <= 0 {
		opts.MaxPollFailures = DefaultMaxPollFailures
	}
	if opts.MinCropSize <= 0 {
		opts.MinCropSize = crop.DefaultMinSize
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Audit == nil {
		opts.Audit = audit.NewNopLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Controller{opts: opts, state: StateIdle}, nil
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns a copy of the observable state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		State:      c.state,
		SourceURI:  c.source,
		CroppedURI: c.cropped,
		DocumentID: c.documentID,
		JobID:      c.jobID,
		RequestID:  c.requestID,
		Progress:   c.progress,
		LastError:  c.lastErr,
	}
	if c.prepared != nil {
		s.EnvelopeURI = c.prepared.URI
		s.KeyFingerprint = string(c.prepared.KeyFingerprint)
	}
	return s
}

// RequestPick starts a new selection. Allowed from Idle and terminal states.
func (c *Controller) RequestPick() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.state.InFlight():
		return ErrUploadInProgress
	case c.state != StateIdle && !c.state.IsTerminal():
		return transitionError("pick", c.state)
	}

	c.resetLocked()
	c.state = StatePicking
	return nil
}

// ImageSelected records the picked image. A zero size is read from the file.
func (c *Controller) ImageSelected(uri string, size crop.Size) error {
	if uri == "" {
		return fmt.Errorf("%w: no image selected", ErrValidation)
	}
	if !size.Valid() {
		detected, err := crop.ImageSize(uri)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrValidation, err)
		}
		size = detected
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StatePicking {
		return transitionError("image selection", c.state)
	}
	c.source = uri
	c.imageSize = size
	c.state = StateCropping
	return nil
}

// ConfirmCrop maps selection from container (screen) coordinates to image
// pixels and crops the image. Selections below the minimum size are rejected
// with a validation notice and the state stays Cropping.
func (c *Controller) ConfirmCrop(ctx context.Context, selection crop.Rect, container crop.Size) error {
	c.mu.Lock()
	if c.state != StateCropping {
		state := c.state
		c.mu.Unlock()
		return transitionError("crop", state)
	}
	gen, source, imageSize := c.gen, c.source, c.imageSize
	c.mu.Unlock()

	tr, err := crop.Contain(container, imageSize)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	region := tr.RectToImage(selection)
	if err := crop.Validate(region, c.opts.MinCropSize); err != nil {
		c.notify(Notice{Kind: NoticeValidation, Message: "Crop area too small", State: StateCropping, Err: err})
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if c.opts.Cropper == nil {
		return errors.New("lifecycle: no image cropper configured")
	}

	cropped, err := c.opts.Cropper.Crop(ctx, source, region)
	if err != nil {
		c.notify(Notice{Kind: NoticeError, Message: "Failed to crop image", State: StateCropping, Err: err})
		return fmt.Errorf("failed to crop image: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.state != StateCropping {
		os.Remove(cropped)
		return ErrCanceled
	}
	c.removeCroppedLocked()
	c.cropped = cropped
	c.state = StatePreviewing
	c.opts.Logger.WithFields(logrus.Fields{
		"source": filepath.Base(source),
		"x":      int(region.X),
		"y":      int(region.Y),
		"width":  int(region.Width),
		"height": int(region.Height),
	}).Debug("Cropped image")
	return nil
}

// SkipCrop uses the whole image.
func (c *Controller) SkipCrop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateCropping {
		return transitionError("skip crop", c.state)
	}
	c.state = StatePreviewing
	return nil
}

// Confirm encrypts the previewed image, submits it and starts polling. It
// returns once the upload is accepted; use Wait for the terminal state. An
// encryption failure returns to Previewing, a rejected upload is terminal.
func (c *Controller) Confirm(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.state.InFlight():
		c.mu.Unlock()
		return ErrUploadInProgress
	case c.state != StatePreviewing:
		state := c.state
		c.mu.Unlock()
		return transitionError("confirm", state)
	}

	c.gen++
	gen := c.gen
	attemptCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})
	c.state = StateEncrypting
	c.lastErr = nil
	c.progress = 0
	c.uploadStart = time.Now()
	image := c.imagePathLocked()
	c.mu.Unlock()

	c.opts.Metrics.IncrementActiveUploads()

	// The caller's context bounds encryption and submission only; polling
	// outlives Confirm and is stopped by Cancel.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	prepared, err := c.opts.Preparer.Prepare(attemptCtx, image)
	if err != nil {
		return c.encryptionFailed(gen, err)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		prepared.Release()
		return ErrCanceled
	}
	c.prepared = prepared
	c.state = StateUploading
	c.mu.Unlock()

	file := backend.NewUploadFile(prepared.URI, backend.UploadMetadata{
		IsEncrypted:       true,
		KeyFingerprint:    string(prepared.KeyFingerprint),
		EncryptionVersion: prepared.EncryptionVersion,
	}, c.opts.Now())

	start := time.Now()
	result, err := c.opts.Backend.Upload(attemptCtx, file)
	var documentID, requestID string
	if result != nil {
		documentID, requestID = result.DocumentID, result.RequestID
	}
	c.opts.Audit.LogUpload(documentID, requestID, string(prepared.KeyFingerprint), err == nil, err, time.Since(start))

	if err != nil {
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return ErrCanceled
		}
		notice := c.finishLocked(StateFailed, fmt.Errorf("failed to upload document: %w", err), "Upload failed")
		c.mu.Unlock()
		c.notify(notice)
		return err
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		c.opts.Logger.WithField("document_id", result.DocumentID).Warn("Upload canceled after the server accepted it")
		return ErrCanceled
	}
	c.documentID = result.DocumentID
	c.jobID = result.JobID
	c.requestID = result.RequestID
	c.state = StatePolling
	c.failures = 0
	c.pollDeadline = time.Now().Add(c.opts.PollTimeout)
	source := filepath.Base(c.source)
	c.mu.Unlock()

	c.record(ctx, result, prepared, source)

	c.mu.Lock()
	if c.gen != gen || c.state != StatePolling {
		c.mu.Unlock()
		return ErrCanceled
	}
	c.timer = time.AfterFunc(c.opts.PollInterval, func() { c.poll(attemptCtx, gen) })
	c.mu.Unlock()

	c.notify(Notice{Kind: NoticeInfo, Message: "Document uploaded, processing", State: StatePolling, DocumentID: result.DocumentID})
	return nil
}

// record stores the history row and archives the envelope. Both are
// best-effort.
func (c *Controller) record(ctx context.Context, result *backend.UploadResult, prepared *secure.PreparedFile, source string) {
	ctx = context.WithoutCancel(ctx)
	logger := c.opts.Logger.WithField("document_id", result.DocumentID)

	if c.opts.History != nil {
		err := c.opts.History.Save(ctx, &store.UploadRecord{
			DocumentID:        result.DocumentID,
			JobID:             result.JobID,
			SourceName:        source,
			KeyFingerprint:    string(prepared.KeyFingerprint),
			EncryptionVersion: prepared.EncryptionVersion,
			Status:            string(backend.JobQueued),
		})
		if err != nil {
			logger.WithError(err).Warn("Failed to record upload history")
		}
	}

	if c.opts.Archive != nil {
		err := c.opts.Archive.Put(ctx, result.DocumentID, prepared.URI, map[string]string{
			"key-fingerprint":    string(prepared.KeyFingerprint),
			"encryption-version": prepared.EncryptionVersion,
		})
		if err != nil {
			logger.WithError(err).Warn("Failed to archive envelope")
			return
		}
		if c.opts.History != nil {
			if err := c.opts.History.MarkArchived(ctx, result.DocumentID); err != nil {
				logger.WithError(err).Warn("Failed to mark upload archived")
			}
		}
	}
}

func (c *Controller) encryptionFailed(gen uint64, err error) error {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return ErrCanceled
	}
	c.state = StatePreviewing
	c.lastErr = err
	c.cancel()
	c.cancel = nil
	c.settleLocked()
	c.mu.Unlock()

	c.opts.Metrics.DecrementActiveUploads()
	c.notify(Notice{Kind: NoticeError, Message: "Failed to encrypt file", State: StatePreviewing, Err: err})
	return err
}

// poll runs one status request and arms the next one after it settles.
func (c *Controller) poll(ctx context.Context, gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state != StatePolling {
		c.mu.Unlock()
		return
	}
	documentID := c.documentID
	c.mu.Unlock()

	job, err := c.opts.Backend.JobStatus(ctx, documentID)

	c.mu.Lock()
	if c.gen != gen || c.state != StatePolling {
		c.mu.Unlock()
		return
	}

	logger := c.opts.Logger.WithField("document_id", documentID)
	var notice Notice
	switch {
	case err != nil:
		c.failures++
		c.opts.Metrics.RecordPoll("error")
		logger.WithError(err).WithField("failures", c.failures).Warn("Job status request failed")
		if c.failures >= c.opts.MaxPollFailures {
			notice = c.finishLocked(StateFailed, fmt.Errorf("failed to get processing status: %w", err), "Could not get processing status")
		}
	case job.Status == backend.JobCompleted:
		c.opts.Metrics.RecordPoll("ok")
		c.progress = 100
		notice = c.finishLocked(StateCompleted, nil, "Document processed successfully")
	case job.Status == backend.JobFailed:
		c.opts.Metrics.RecordPoll("ok")
		msg := job.ErrorDetails
		if msg == "" {
			msg = "Document processing failed"
		}
		notice = c.finishLocked(StateFailed, fmt.Errorf("%w: %s", ErrProcessingFailed, msg), msg)
	default:
		c.opts.Metrics.RecordPoll("ok")
		c.failures = 0
		c.progress = job.Progress
		notice = Notice{Kind: NoticeProgress, State: StatePolling, DocumentID: documentID, Progress: job.Progress}
	}

	if c.state == StatePolling {
		if time.Now().After(c.pollDeadline) {
			notice = c.finishLocked(StateFailed, ErrPollTimeout, "Processing is taking too long")
		} else {
			c.timer = time.AfterFunc(c.opts.PollInterval, func() { c.poll(ctx, gen) })
		}
	}
	c.mu.Unlock()

	if notice.Kind != "" {
		c.notify(notice)
	}
}

// finishLocked moves the attempt to a terminal state and returns the single
// terminal notice for it.
func (c *Controller) finishLocked(state State, err error, message string) Notice {
	c.state = state
	c.lastErr = err
	c.stopPollingLocked()

	status := string(backend.JobCompleted)
	details := ""
	kind := NoticeSuccess
	if state == StateFailed {
		status = string(backend.JobFailed)
		kind = NoticeError
		if err != nil {
			details = err.Error()
		}
	}

	c.opts.Metrics.DecrementActiveUploads()
	if c.documentID != "" {
		c.opts.Metrics.RecordJobFinished(status)
		c.opts.Audit.LogJobFinished(c.documentID, c.jobID, status, details)
		if c.opts.History != nil {
			if herr := c.opts.History.UpdateStatus(context.Background(), c.documentID, status, details); herr != nil {
				c.opts.Logger.WithError(herr).WithField("document_id", c.documentID).Warn("Failed to update upload history")
			}
		}
	}

	fields := logrus.Fields{
		"document_id": c.documentID,
		"job_id":      c.jobID,
		"status":      status,
		"duration_ms": time.Since(c.uploadStart).Milliseconds(),
	}
	if err != nil {
		c.opts.Logger.WithFields(fields).WithError(err).Error("Upload finished")
	} else {
		c.opts.Logger.WithFields(fields).Info("Upload finished")
	}

	if !c.opts.RetainTempFiles {
		c.releaseTempLocked()
	}
	c.settleLocked()

	return Notice{Kind: kind, Message: message, State: state, DocumentID: c.documentID, Progress: c.progress, Err: err}
}

// Cancel aborts whatever is happening and returns to Idle. Temp files are
// released.
func (c *Controller) Cancel() {
	c.mu.Lock()
	inFlight := c.state.InFlight()
	documentID := c.documentID
	if inFlight {
		c.opts.Metrics.DecrementActiveUploads()
	}
	c.resetLocked()
	c.mu.Unlock()

	if inFlight {
		c.opts.Logger.WithField("document_id", documentID).Info("Upload canceled")
		c.notify(Notice{Kind: NoticeInfo, Message: "Upload canceled", State: StateIdle, DocumentID: documentID})
	}
}

// Wait blocks until the current attempt settles (terminal state, back to
// Previewing after an encryption error, or canceled) and returns the
// resulting snapshot.
func (c *Controller) Wait(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return c.Snapshot(), ctx.Err()
		}
	}
	return c.Snapshot(), nil
}

func (c *Controller) resetLocked() {
	c.gen++
	c.stopPollingLocked()
	c.releaseTempLocked()
	c.settleLocked()

	c.state = StateIdle
	c.source = ""
	c.imageSize = crop.Size{}
	c.documentID = ""
	c.jobID = ""
	c.requestID = ""
	c.progress = 0
	c.lastErr = nil
	c.failures = 0
}

func (c *Controller) stopPollingLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Controller) settleLocked() {
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
}

func (c *Controller) releaseTempLocked() {
	if c.prepared != nil {
		if err := c.prepared.Release(); err != nil {
			c.opts.Logger.WithError(err).Warn("Failed to remove envelope")
		}
		c.prepared = nil
	}
	c.removeCroppedLocked()
}

func (c *Controller) removeCroppedLocked() {
	if c.cropped == "" {
		return
	}
	if err := os.Remove(c.cropped); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.opts.Logger.WithError(err).Warn("Failed to remove cropped image")
	}
	c.cropped = ""
}

func (c *Controller) imagePathLocked() string {
	if c.cropped != "" {
		return c.cropped
	}
	return c.source
}

func (c *Controller) notify(n Notice) {
	c.opts.Notifier.Notify(n)
}
