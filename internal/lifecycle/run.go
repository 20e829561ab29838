package lifecycle

import (
	"context"
	"errors"

	"github.com/kenneth/secure-ocr-client/internal/crop"
)

// CropRequest is a selection drawn over an image shown in a container.
type CropRequest struct {
	Selection crop.Rect
	Container crop.Size
}

// RunRequest describes one unattended upload.
type RunRequest struct {
	Path string
	// Size is the image size in pixels. Zero means read it from the file.
	Size crop.Size
	// Crop is optional; nil uploads the whole image.
	Crop *CropRequest
	// Detach returns as soon as the server accepts the upload.
	Detach bool
}

// Run drives one pick, crop, confirm cycle and waits for the job to settle.
// Canceling ctx while waiting cancels the upload.
func (c *Controller) Run(ctx context.Context, req RunRequest) (Snapshot, error) {
	if err := c.RequestPick(); err != nil {
		return c.Snapshot(), err
	}
	if err := c.ImageSelected(req.Path, req.Size); err != nil {
		c.Cancel()
		return c.Snapshot(), err
	}

	var err error
	if req.Crop != nil {
		err = c.ConfirmCrop(ctx, req.Crop.Selection, req.Crop.Container)
	} else {
		err = c.SkipCrop()
	}
	if err != nil {
		c.Cancel()
		return c.Snapshot(), err
	}

	if err := c.Confirm(ctx); err != nil {
		if c.State() == StatePreviewing {
			c.Cancel()
		}
		return c.Snapshot(), err
	}
	if req.Detach {
		return c.Snapshot(), nil
	}

	snap, err := c.Wait(ctx)
	if err != nil {
		c.Cancel()
		return c.Snapshot(), err
	}
	switch snap.State {
	case StateFailed:
		if snap.LastError != nil {
			return snap, snap.LastError
		}
		return snap, ErrProcessingFailed
	case StateIdle:
		return snap, ErrCanceled
	}
	return snap, nil
}

// IsValidation reports whether err is a user input problem rather than a
// pipeline failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// Close stops background polling without reporting a cancellation. The
// server-side job is unaffected. Retained temp files stay on disk.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.InFlight() {
		c.opts.Metrics.DecrementActiveUploads()
	}
	if c.opts.RetainTempFiles {
		c.prepared = nil
		c.cropped = ""
	}
	c.resetLocked()
}
