// Package ingest accepts uploaded videos: it hands the file to the hosting
// provider, records the video and enqueues its processing job.
package ingest

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/coursehub/backend/internal/errors"
	"github.com/coursehub/backend/internal/jobqueue"
	"github.com/coursehub/backend/internal/logger"
	"github.com/coursehub/backend/internal/metrics"
	"github.com/coursehub/backend/internal/provider"
	"github.com/coursehub/backend/internal/storage"
	"github.com/coursehub/backend/internal/video"
)

// Stager keeps a copy of the upload so a failed provider transfer can be
// restarted from byte 0.
type Stager interface {
	Stage(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, int64, error)
	Remove(ctx context.Context, key string) error
}

// Uploader transfers a file to the hosting provider.
type Uploader interface {
	SubmitUpload(ctx context.Context, r io.Reader, size int64, title, description string) (*provider.UploadResult, error)
}

// Enqueuer dispatches processing jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, data any, opts jobqueue.Options) (*jobqueue.Handle, error)
}

// Config tunes submission.
type Config struct {
	// MaxUploadBytes rejects larger files; zero means no limit.
	MaxUploadBytes int64
	MaxAttempts    int
	Backoff        time.Duration
	UploadRetry    *apperrors.RetryConfig
}

// Service runs the submission flow.
type Service struct {
	videos   video.Store
	uploader Uploader
	stager   Stager
	queue    Enqueuer
	cfg      Config
	metrics  *metrics.Metrics
	log      *logger.Logger
}

// NewService creates a Service. stager may be nil, in which case the file
// is streamed to the provider once with no retry.
func NewService(videos video.Store, uploader Uploader, stager Stager, queue Enqueuer, cfg Config, m *metrics.Metrics, log *logger.Logger) *Service {
	if cfg.UploadRetry == nil {
		cfg.UploadRetry = apperrors.UploadRetryConfig()
	}
	if m == nil {
		m = metrics.Default()
	}
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		videos:   videos,
		uploader: uploader,
		stager:   stager,
		queue:    queue,
		cfg:      cfg,
		metrics:  m,
		log:      log.WithComponent("ingest"),
	}
}

// SubmitInput is one uploaded file plus its metadata.
type SubmitInput struct {
	ChapterID   string
	UserID      string
	Title       string
	Description string
	OrderIndex  int

	File        io.Reader
	Size        int64
	Filename    string
	ContentType string
}

// SubmitResult is the accepted video and its processing job.
type SubmitResult struct {
	Video *video.Asset `json:"video"`
	JobID string       `json:"jobId"`
}

func (s *Service) validate(in *SubmitInput) error {
	in.Title = strings.TrimSpace(in.Title)
	switch {
	case in.ChapterID == "":
		return apperrors.ValidationError("chapter id is required")
	case in.Title == "":
		return apperrors.ValidationError("title is required")
	case in.File == nil:
		return apperrors.ValidationError("file is required")
	case in.Size <= 0:
		return apperrors.ValidationError("file is empty")
	case s.cfg.MaxUploadBytes > 0 && in.Size > s.cfg.MaxUploadBytes:
		return apperrors.FileTooLarge(s.cfg.MaxUploadBytes)
	}
	return nil
}

// Submit uploads the file, records the video as PENDING and enqueues its
// processing job. The video row is written only once the provider has
// confirmed the asset. When the enqueue fails the video stays PENDING with
// no job and the QueueUnavailable error carries its id for a resubmit.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	if err := s.validate(&in); err != nil {
		return nil, err
	}

	videoID := uuid.New().String()
	fields := map[string]interface{}{
		"video_id":   videoID,
		"chapter_id": in.ChapterID,
		"size":       in.Size,
	}

	start := time.Now()
	upload, err := s.upload(ctx, videoID, in)
	s.metrics.RecordUpload(err == nil, time.Since(start))
	if err != nil {
		s.log.Error(ctx, "provider upload failed", err, fields)
		return nil, err
	}
	fields["external_asset_id"] = upload.ExternalAssetID

	asset := &video.Asset{
		ID:              videoID,
		ChapterID:       in.ChapterID,
		Title:           in.Title,
		Description:     in.Description,
		OrderIndex:      in.OrderIndex,
		UploadedBy:      in.UserID,
		ExternalAssetID: upload.ExternalAssetID,
		EmbedURL:        upload.EmbedURL,
		Status:          video.StatusPending,
	}
	if err := s.videos.Create(ctx, asset); err != nil {
		s.log.Error(ctx, "failed to record video", err, fields)
		return nil, apperrors.DatabaseError("failed to record video").WithCause(err)
	}
	s.log.Info(ctx, "video recorded", fields)

	jobID, err := s.enqueue(ctx, asset)
	if err != nil {
		s.log.Error(ctx, "failed to enqueue processing job", err, fields)
		if appErr, ok := apperrors.As(err); ok {
			return nil, appErr.WithDetails(map[string]any{"videoId": videoID})
		}
		return nil, err
	}

	fields["job_id"] = jobID
	s.log.Info(ctx, "processing job enqueued", fields)

	return &SubmitResult{Video: asset, JobID: jobID}, nil
}

// upload stages the file and sends it to the provider, re-reading the
// staged copy from the start on every attempt. Only transient failures are
// retried.
func (s *Service) upload(ctx context.Context, videoID string, in SubmitInput) (*provider.UploadResult, error) {
	if s.stager == nil {
		return s.uploader.SubmitUpload(ctx, in.File, in.Size, in.Title, in.Description)
	}

	key := storage.StagingKey(videoID, in.Filename)
	if err := s.stager.Stage(ctx, key, in.File, in.Size, in.ContentType); err != nil {
		return nil, err
	}
	defer func() {
		// The staged copy is only needed for this call.
		if err := s.stager.Remove(context.WithoutCancel(ctx), key); err != nil {
			s.log.WarnErr(ctx, "failed to remove staged upload", err, map[string]interface{}{"key": key})
		}
	}()

	attempt := 0
	return apperrors.RetryWithResult(ctx, s.cfg.UploadRetry, func(ctx context.Context) (*provider.UploadResult, error) {
		attempt++
		if attempt > 1 {
			s.log.Warn(ctx, "retrying provider upload from byte 0", map[string]interface{}{
				"video_id": videoID,
				"attempt":  attempt,
			})
		}

		body, size, err := s.stager.Open(ctx, key)
		if err != nil {
			return nil, err
		}
		defer body.Close()

		return s.uploader.SubmitUpload(ctx, body, size, in.Title, in.Description)
	})
}

func (s *Service) enqueue(ctx context.Context, asset *video.Asset) (string, error) {
	payload := video.ProcessingPayload{
		VideoID:         asset.ID,
		ExternalAssetID: asset.ExternalAssetID,
		Title:           asset.Title,
		ChapterID:       asset.ChapterID,
		UserID:          asset.UploadedBy,
	}

	handle, err := s.queue.Enqueue(ctx, video.JobName, payload, jobqueue.Options{
		MaxAttempts: s.cfg.MaxAttempts,
		Backoff:     jobqueue.Backoff{Type: jobqueue.BackoffExponential, Delay: s.cfg.Backoff},
		DedupKey:    asset.ID,
	})
	if err != nil {
		return "", err
	}
	return handle.ID, nil
}

// Resubmit enqueues a new processing job for a PENDING video, typically one
// whose original enqueue failed. A video with a live job is rejected with
// JobAlreadyActive; READY and FAILED videos need a fresh upload.
func (s *Service) Resubmit(ctx context.Context, videoID string) (string, error) {
	asset, err := s.videos.Get(ctx, videoID)
	if err != nil {
		if errors.Is(err, video.ErrNotFound) {
			return "", apperrors.VideoNotFound()
		}
		return "", apperrors.DatabaseError("failed to load video").WithCause(err)
	}

	if asset.Status != video.StatusPending {
		if asset.Status == video.StatusProcessing {
			return "", apperrors.JobAlreadyActive()
		}
		return "", apperrors.Conflict("video is " + string(asset.Status) + "; upload the file again to reprocess it")
	}

	jobID, err := s.enqueue(ctx, asset)
	if err != nil {
		if errors.Is(err, jobqueue.ErrDuplicateJob) {
			return "", apperrors.JobAlreadyActive()
		}
		return "", err
	}

	s.log.Info(ctx, "processing job re-enqueued", map[string]interface{}{
		"video_id": videoID,
		"job_id":   jobID,
	})
	return jobID, nil
}
