// Package api serves the local status endpoints exposed in watch mode.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/secure-ocr-client/internal/backend"
	"github.com/kenneth/secure-ocr-client/internal/lifecycle"
	"github.com/kenneth/secure-ocr-client/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// HistoryReader lists recorded uploads.
type HistoryReader interface {
	Get(ctx context.Context, documentID string) (*store.UploadRecord, error)
	List(ctx context.Context, limit int) ([]*store.UploadRecord, error)
}

// StatusSource exposes the controller currently driving uploads.
type StatusSource interface {
	Snapshot() lifecycle.Snapshot
}

// Handler handles HTTP requests for the local status API.
type Handler struct {
	logger  *logrus.Logger
	history HistoryReader
	jobs    backend.Client
	status  StatusSource
	ready   func(context.Context) error
}

// Options wires the handler's collaborators. Nil collaborators disable the
// routes that need them.
type Options struct {
	Logger  *logrus.Logger
	History HistoryReader
	Jobs    backend.Client
	Status  StatusSource
	// Ready is probed by /ready, typically a database ping.
	Ready func(context.Context) error
}

// NewHandler creates a new API handler.
func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Handler{
		logger:  opts.Logger,
		history: opts.History,
		jobs:    opts.Jobs,
		status:  opts.Status,
		ready:   opts.Ready,
	}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.handleHealth).Methods("GET")
	r.HandleFunc("/ready", h.handleReady).Methods("GET")
	r.HandleFunc("/live", h.handleHealth).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", h.handleStatus).Methods("GET")
	api.HandleFunc("/uploads", h.handleListUploads).Methods("GET")
	api.HandleFunc("/uploads/{documentId}", h.handleGetUpload).Methods("GET")
	api.HandleFunc("/uploads/{documentId}/job", h.handleGetJob).Methods("GET")
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.ready(ctx); err != nil {
			h.logger.WithError(err).Warn("Readiness check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		writeError(w, r, &Error{Code: "NotConfigured", Message: "no upload controller is running", HTTPStatus: http.StatusNotFound})
		return
	}
	writeJSON(w, http.StatusOK, newSnapshotResponse(h.status.Snapshot()))
}

func (h *Handler) handleListUploads(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, r, &Error{Code: "NotConfigured", Message: "upload history is disabled", HTTPStatus: http.StatusNotFound})
		return
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, &Error{Code: "InvalidArgument", Message: "limit must be a positive integer", HTTPStatus: http.StatusBadRequest})
			return
		}
		limit = min(n, maxListLimit)
	}

	records, err := h.history.List(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err, "Failed to list uploads")
		return
	}

	out := make([]uploadResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, newUploadResponse(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetUpload(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, r, &Error{Code: "NotConfigured", Message: "upload history is disabled", HTTPStatus: http.StatusNotFound})
		return
	}

	documentID := mux.Vars(r)["documentId"]
	rec, err := h.history.Get(r.Context(), documentID)
	if err != nil {
		h.fail(w, r, err, "Failed to read upload")
		return
	}
	writeJSON(w, http.StatusOK, newUploadResponse(rec))
}

func (h *Handler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		writeError(w, r, &Error{Code: "NotConfigured", Message: "backend is not configured", HTTPStatus: http.StatusNotFound})
		return
	}

	documentID := mux.Vars(r)["documentId"]
	job, err := h.jobs.JobStatus(r.Context(), documentID)
	if err != nil {
		h.fail(w, r, err, "Failed to fetch job status")
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{
		DocumentID:   job.DocumentID,
		Status:       string(job.Status),
		Progress:     job.Progress,
		ErrorDetails: job.ErrorDetails,
	})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error, msg string) {
	apiErr := TranslateError(err)
	if apiErr.HTTPStatus >= http.StatusInternalServerError {
		h.logger.WithError(err).WithField("path", r.URL.Path).Error(msg)
	}
	writeError(w, r, apiErr)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
