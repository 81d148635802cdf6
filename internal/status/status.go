// Package status merges the persisted video status with the live state of
// its processing job.
package status

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "github.com/coursehub/backend/internal/errors"
	"github.com/coursehub/backend/internal/jobqueue"
	"github.com/coursehub/backend/internal/logger"
	"github.com/coursehub/backend/internal/video"
)

const (
	DefaultLookupTimeout = 2 * time.Second
	DefaultConcurrency   = 8
)

// JobLookup returns the live snapshot of a job.
type JobLookup interface {
	GetJob(ctx context.Context, id string) (*jobqueue.Snapshot, error)
}

// VideoStatus is one video with its job snapshot, when one is live.
type VideoStatus struct {
	Video     *video.Asset       `json:"video"`
	JobStatus *jobqueue.Snapshot `json:"jobStatus"`
}

// Config bounds live lookups.
type Config struct {
	LookupTimeout time.Duration
	Concurrency   int
}

// Service answers status queries.
type Service struct {
	videos video.Store
	jobs   JobLookup
	cfg    Config
	log    *logger.Logger
}

// NewService creates a Service.
func NewService(videos video.Store, jobs JobLookup, cfg Config, log *logger.Logger) *Service {
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = DefaultLookupTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		videos: videos,
		jobs:   jobs,
		cfg:    cfg,
		log:    log.WithComponent("status"),
	}
}

// GetStatus returns the video and, when a job is attached and still known
// to the queue, its snapshot. Lookup failures leave JobStatus nil.
func (s *Service) GetStatus(ctx context.Context, videoID string) (*VideoStatus, error) {
	asset, err := s.videos.Get(ctx, videoID)
	if err != nil {
		if errors.Is(err, video.ErrNotFound) {
			return nil, apperrors.VideoNotFound()
		}
		return nil, apperrors.DatabaseError("failed to load video").WithCause(err)
	}

	return &VideoStatus{Video: asset, JobStatus: s.lookup(ctx, asset)}, nil
}

// ListStatuses returns every video of a chapter in order. Lookups run
// concurrently, each under its own timeout, and a failed lookup only
// drops that entry's JobStatus.
func (s *Service) ListStatuses(ctx context.Context, chapterID string) ([]*VideoStatus, error) {
	assets, err := s.videos.ListByChapter(ctx, chapterID)
	if err != nil {
		return nil, apperrors.DatabaseError("failed to list videos").WithCause(err)
	}

	out := make([]*VideoStatus, len(assets))
	sem := make(chan struct{}, s.cfg.Concurrency)
	var wg sync.WaitGroup

	for i, asset := range assets {
		out[i] = &VideoStatus{Video: asset}
		if asset.JobID() == "" {
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(entry *VideoStatus) {
			defer wg.Done()
			defer func() { <-sem }()
			entry.JobStatus = s.lookup(ctx, entry.Video)
		}(out[i])
	}

	wg.Wait()
	return out, nil
}

func (s *Service) lookup(ctx context.Context, asset *video.Asset) *jobqueue.Snapshot {
	jobID := asset.JobID()
	if jobID == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.LookupTimeout)
	defer cancel()

	snap, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, jobqueue.ErrJobNotFound) {
			return nil
		}
		s.log.Error(ctx, "job status lookup failed", err, map[string]interface{}{
			"video_id": asset.ID,
			"job_id":   jobID,
		})
		return nil
	}
	return snap
}
