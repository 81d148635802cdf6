package video

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("video not found")
	ErrInvalidTransition = errors.New("invalid video status transition")
)

// Store persists the status fields of video assets.
//
// The Mark methods are idempotent: repeating a write that already landed
// returns changed=false and no error, so a job that crashed after its
// write can safely run again. A write that would break the state machine
// returns ErrInvalidTransition.
type Store interface {
	Create(ctx context.Context, a *Asset) error
	Get(ctx context.Context, id string) (*Asset, error)
	ListByChapter(ctx context.Context, chapterID string) ([]*Asset, error)

	MarkProcessing(ctx context.Context, id, jobID string) (bool, error)
	MarkReady(ctx context.Context, id, jobID string, meta ReadyMetadata) (bool, error)
	MarkFailed(ctx context.Context, id, jobID, message string) (bool, error)
}

func invalid(a *Asset, target Status) error {
	return fmt.Errorf("%w: video %s is %s, cannot become %s", ErrInvalidTransition, a.ID, a.Status, target)
}

// ApplyProcessing moves a PENDING asset to PROCESSING under jobID.
// Re-applying with the same jobID is a no-op.
func ApplyProcessing(a *Asset, jobID string, now time.Time) (bool, error) {
	switch {
	case a.Status == StatusPending:
		a.Status = StatusProcessing
		a.ProcessingJobID = &jobID
		a.ErrorMessage = nil
		a.UpdatedAt = now
		return true, nil
	case a.Status == StatusProcessing && a.JobID() == jobID:
		return false, nil
	}
	return false, invalid(a, StatusProcessing)
}

// ApplyReady moves a PROCESSING asset owned by jobID to READY.
// An asset that is already READY is left untouched.
func ApplyReady(a *Asset, jobID string, meta ReadyMetadata, now time.Time) (bool, error) {
	switch {
	case a.Status == StatusProcessing && a.JobID() == jobID:
		a.Status = StatusReady
		a.EmbedURL = meta.EmbedURL
		a.ExternalPlaybackURL = meta.PlaybackURL
		a.Duration = meta.Duration
		a.ProcessingJobID = nil
		a.ErrorMessage = nil
		a.ProcessedAt = &now
		a.UpdatedAt = now
		return true, nil
	case a.Status == StatusReady:
		return false, nil
	}
	return false, invalid(a, StatusReady)
}

// ApplyFailed moves a PENDING or PROCESSING asset to FAILED. When jobID is
// set and the asset is owned by a different job the write is rejected.
func ApplyFailed(a *Asset, jobID, message string, now time.Time) (bool, error) {
	owned := jobID == "" || a.ProcessingJobID == nil || a.JobID() == jobID
	switch {
	case (a.Status == StatusPending || a.Status == StatusProcessing) && owned:
		a.Status = StatusFailed
		a.ErrorMessage = &message
		a.ProcessingJobID = nil
		a.UpdatedAt = now
		return true, nil
	case a.Status == StatusFailed:
		return false, nil
	}
	return false, invalid(a, StatusFailed)
}
