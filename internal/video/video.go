package video

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/coursehub/backend/internal/errors"
)

// Status is the lifecycle state of a VideoAsset.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusReady      Status = "READY"
	StatusFailed     Status = "FAILED"
)

// JobName is the queue name processing jobs are dispatched under.
const JobName = "process-video"

// EventStatusUpdate is the websocket event emitted on every transition.
const EventStatusUpdate = "VIDEO_STATUS_UPDATE"

// Valid reports whether s is one of the four lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusReady, StatusFailed:
		return true
	}
	return false
}

// IsTerminal returns true for READY and FAILED.
func (s Status) IsTerminal() bool {
	return s == StatusReady || s == StatusFailed
}

// CanTransitionTo reports whether moving from s to next is allowed.
// PENDING may fail without ever being claimed (malformed payload).
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusFailed
	case StatusProcessing:
		return next == StatusReady || next == StatusFailed
	}
	return false
}

// Asset is the persisted video record. Only the status fields are written
// by the pipeline; everything else belongs to the content tree.
type Asset struct {
	ID          string `json:"id"`
	ChapterID   string `json:"chapterId"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	OrderIndex  int    `json:"orderIndex"`
	UploadedBy  string `json:"uploadedBy,omitempty"`

	ExternalAssetID     string `json:"externalAssetId"`
	ExternalPlaybackURL string `json:"externalPlaybackUrl,omitempty"`
	EmbedURL            string `json:"embedUrl"`
	Duration            int    `json:"duration"`

	Status          Status     `json:"status"`
	ProcessingJobID *string    `json:"processingJobId"`
	ErrorMessage    *string    `json:"errorMessage"`
	ProcessedAt     *time.Time `json:"processedAt"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy so callers cannot alias stored pointers.
func (a *Asset) Clone() *Asset {
	c := *a
	if a.ProcessingJobID != nil {
		id := *a.ProcessingJobID
		c.ProcessingJobID = &id
	}
	if a.ErrorMessage != nil {
		msg := *a.ErrorMessage
		c.ErrorMessage = &msg
	}
	if a.ProcessedAt != nil {
		t := *a.ProcessedAt
		c.ProcessedAt = &t
	}
	return &c
}

// JobID returns the attached processing job id or "".
func (a *Asset) JobID() string {
	if a.ProcessingJobID == nil {
		return ""
	}
	return *a.ProcessingJobID
}

// ProcessingPayload is the body of a process-video job.
type ProcessingPayload struct {
	VideoID         string `json:"videoId"`
	ExternalAssetID string `json:"externalAssetId"`
	Title           string `json:"title"`
	ChapterID       string `json:"chapterId"`

	// UserID is the uploader, used to address websocket events. Older
	// payloads omit it and fall back to broadcast.
	UserID string `json:"userId,omitempty"`
}

// Validate rejects payloads missing a required field.
func (p ProcessingPayload) Validate() error {
	var missing []string
	if strings.TrimSpace(p.VideoID) == "" {
		missing = append(missing, "videoId")
	}
	if strings.TrimSpace(p.ExternalAssetID) == "" {
		missing = append(missing, "externalAssetId")
	}
	if strings.TrimSpace(p.ChapterID) == "" {
		missing = append(missing, "chapterId")
	}
	if len(missing) > 0 {
		return apperrors.ValidationError(fmt.Sprintf("job payload missing %s", strings.Join(missing, ", ")))
	}
	return nil
}

// ReadyMetadata is what the provider reports once transcoding completes.
type ReadyMetadata struct {
	EmbedURL    string
	PlaybackURL string
	Duration    int
}

// StatusEvent is the payload of VIDEO_STATUS_UPDATE.
type StatusEvent struct {
	VideoID      string `json:"videoId"`
	Status       Status `json:"status"`
	Progress     int    `json:"progress"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// ProcessingEvent is emitted when a job claims the video.
func ProcessingEvent(videoID string) StatusEvent {
	return StatusEvent{VideoID: videoID, Status: StatusProcessing, Progress: 0}
}

// ReadyEvent is emitted when the video becomes playable.
func ReadyEvent(videoID string) StatusEvent {
	return StatusEvent{VideoID: videoID, Status: StatusReady, Progress: 100}
}

// FailedEvent is emitted when the video reaches FAILED.
func FailedEvent(videoID, message string) StatusEvent {
	return StatusEvent{VideoID: videoID, Status: StatusFailed, Progress: 0, ErrorMessage: message}
}
