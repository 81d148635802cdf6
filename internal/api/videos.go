package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/coursehub/backend/internal/auth"
	apperrors "github.com/coursehub/backend/internal/errors"
	"github.com/coursehub/backend/internal/ingest"
	"github.com/coursehub/backend/internal/status"
)

// multipartMemory is how much of a multipart body is held in memory before
// spilling to temporary files.
const multipartMemory = 32 << 20

// Ingester accepts uploads and re-submissions.
type Ingester interface {
	Submit(ctx context.Context, in ingest.SubmitInput) (*ingest.SubmitResult, error)
	Resubmit(ctx context.Context, videoID string) (string, error)
}

type VideoHandlers struct {
	ingest         Ingester
	status         *status.Service
	maxUploadBytes int64
}

func NewVideoHandlers(ingester Ingester, statusService *status.Service, maxUploadBytes int64) *VideoHandlers {
	return &VideoHandlers{
		ingest:         ingester,
		status:         statusService,
		maxUploadBytes: maxUploadBytes,
	}
}

// EnqueueResponse is returned when a processing job is accepted.
type EnqueueResponse struct {
	JobID string `json:"jobId"`
}

// Upload handles POST /api/v1/chapters/{id}/videos
func (h *VideoHandlers) Upload(w http.ResponseWriter, r *http.Request) error {
	user := auth.GetUserFromContext(r.Context())
	if user == nil {
		return apperrors.Unauthorized("user not authenticated")
	}

	if h.maxUploadBytes > 0 {
		// Leave room for the other form fields.
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+1<<20)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperrors.FileTooLarge(h.maxUploadBytes)
		}
		return apperrors.BadRequest("expected a multipart/form-data body")
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		return apperrors.ValidationError("file is required")
	}
	defer file.Close()

	orderIndex := 0
	if raw := r.FormValue("order_index"); raw != "" {
		orderIndex, err = strconv.Atoi(raw)
		if err != nil || orderIndex < 0 {
			return apperrors.ValidationError("order_index must be a non-negative integer")
		}
	}

	result, err := h.ingest.Submit(r.Context(), ingest.SubmitInput{
		ChapterID:   r.PathValue("id"),
		UserID:      user.UserID,
		Title:       r.FormValue("title"),
		Description: r.FormValue("description"),
		OrderIndex:  orderIndex,
		File:        file,
		Size:        header.Size,
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
	})
	if err != nil {
		return err
	}

	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusAccepted, result)
	return nil
}

// Enqueue handles POST /api/v1/videos/{id}/enqueue
func (h *VideoHandlers) Enqueue(w http.ResponseWriter, r *http.Request) error {
	jobID, err := h.ingest.Resubmit(r.Context(), r.PathValue("id"))
	if err != nil {
		return err
	}
	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusAccepted, EnqueueResponse{JobID: jobID})
	return nil
}

// GetStatus handles GET /api/v1/videos/{id}/status
func (h *VideoHandlers) GetStatus(w http.ResponseWriter, r *http.Request) error {
	st, err := h.status.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		return err
	}
	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, st)
	return nil
}

// ListStatuses handles GET /api/v1/chapters/{id}/videos/status
func (h *VideoHandlers) ListStatuses(w http.ResponseWriter, r *http.Request) error {
	statuses, err := h.status.ListStatuses(r.Context(), r.PathValue("id"))
	if err != nil {
		return err
	}
	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, statuses)
	return nil
}
