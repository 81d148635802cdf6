package api

import (
	"errors"
	"net/http"

	apperrors "github.com/coursehub/backend/internal/errors"
	"github.com/coursehub/backend/internal/jobqueue"
	"github.com/coursehub/backend/internal/status"
)

type JobHandlers struct {
	jobs status.JobLookup
}

func NewJobHandlers(jobs status.JobLookup) *JobHandlers {
	return &JobHandlers{jobs: jobs}
}

// GetJob handles GET /api/v1/jobs/{id}
func (h *JobHandlers) GetJob(w http.ResponseWriter, r *http.Request) error {
	snap, err := h.jobs.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, jobqueue.ErrJobNotFound) {
			return apperrors.JobNotFound()
		}
		return err
	}
	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, snap)
	return nil
}
