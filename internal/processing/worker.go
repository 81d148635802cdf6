// Package processing drives a video from PENDING to READY or FAILED once the
// provider has its file.
package processing

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/coursehub/backend/internal/errors"
	"github.com/coursehub/backend/internal/jobqueue"
	"github.com/coursehub/backend/internal/logger"
	"github.com/coursehub/backend/internal/metrics"
	"github.com/coursehub/backend/internal/notify"
	"github.com/coursehub/backend/internal/provider"
	"github.com/coursehub/backend/internal/video"
	"github.com/coursehub/backend/internal/websocket"
)

const (
	DefaultPollInterval = 10 * time.Second
	DefaultMaxWait      = 2 * time.Hour

	// transcodingProgress is reported while the provider is still working.
	// The provider exposes no percentage.
	transcodingProgress = 50
)

// Provider reports the transcode state of an uploaded asset.
type Provider interface {
	TranscodeStatus(ctx context.Context, assetID string) (*provider.TranscodeStatus, error)
}

// Config controls polling.
type Config struct {
	PollInterval time.Duration

	// MaxWait bounds the time from the first claim until the provider must
	// have finished. Past it the video fails.
	MaxWait time.Duration

	WriteRetry *apperrors.RetryConfig
}

// Worker handles process-video jobs.
type Worker struct {
	videos      video.Store
	provider    Provider
	broadcaster websocket.Broadcaster
	notifier    notify.Notifier
	cfg         Config
	metrics     *metrics.Metrics
	log         *logger.Logger
	now         func() time.Time
}

// NewWorker creates a Worker. notifier may be nil.
func NewWorker(videos video.Store, p Provider, b websocket.Broadcaster, n notify.Notifier, cfg Config, m *metrics.Metrics, log *logger.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	if cfg.WriteRetry == nil {
		cfg.WriteRetry = apperrors.TerminalWriteRetryConfig()
	}
	cfg.WriteRetry = skipRejectedWrites(cfg.WriteRetry)
	if n == nil {
		n = notify.Nop{}
	}
	if m == nil {
		m = metrics.Default()
	}
	if log == nil {
		log = logger.Default()
	}
	return &Worker{
		videos:      videos,
		provider:    p,
		broadcaster: b,
		notifier:    n,
		cfg:         cfg,
		metrics:     m,
		log:         log.WithComponent("processing"),
		now:         time.Now,
	}
}

// Register attaches the worker to pool under the process-video job name.
func (w *Worker) Register(pool *jobqueue.WorkerPool) {
	pool.RegisterWorker(video.JobName, w)
}

func decodePayload(job *jobqueue.Job) (video.ProcessingPayload, error) {
	var p video.ProcessingPayload
	if err := job.Decode(&p); err != nil {
		return p, apperrors.ValidationError("job payload is not valid JSON").WithCause(err)
	}
	return p, p.Validate()
}

// Process runs one poll of the provider. A video still transcoding is
// requeued with RetryAfter so the wait never holds a worker.
func (w *Worker) Process(ctx context.Context, job *jobqueue.Job) error {
	p, err := decodePayload(job)
	if err != nil {
		return jobqueue.Permanent(err)
	}
	fields := map[string]interface{}{
		"video_id":          p.VideoID,
		"external_asset_id": p.ExternalAssetID,
		"poll":              job.Polls + 1,
	}

	asset, err := w.videos.Get(ctx, p.VideoID)
	if err != nil {
		if errors.Is(err, video.ErrNotFound) {
			return jobqueue.Permanent(apperrors.VideoNotFound())
		}
		return fmt.Errorf("load video: %w", err)
	}

	if asset.Status.IsTerminal() {
		w.log.Info(ctx, "video already terminal, nothing to do", fields)
		return nil
	}

	changed, err := w.videos.MarkProcessing(ctx, p.VideoID, job.ID)
	if err != nil {
		if errors.Is(err, video.ErrInvalidTransition) {
			return jobqueue.Permanent(apperrors.Conflict(err.Error()))
		}
		return fmt.Errorf("mark processing: %w", err)
	}
	if changed {
		w.log.Info(ctx, "video processing", fields)
		w.emit(ctx, p, video.ProcessingEvent(p.VideoID))
	}

	status, err := w.provider.TranscodeStatus(ctx, p.ExternalAssetID)
	if err != nil {
		return err
	}

	switch status.State {
	case provider.TranscodeComplete:
		return w.complete(ctx, p, job, status, fields)

	case provider.TranscodeFailed:
		return apperrors.ProviderProcessing("provider reported transcoding failed")

	default:
		if err := job.UpdateProgress(ctx, transcodingProgress); err != nil {
			w.log.WarnErr(ctx, "failed to record progress", err, fields)
		}
		if job.ProcessedAt != nil {
			if waited := w.now().Sub(*job.ProcessedAt); waited > w.cfg.MaxWait {
				return apperrors.ProviderProcessing(fmt.Sprintf("provider did not finish transcoding within %s", w.cfg.MaxWait))
			}
		}
		w.log.Debug(ctx, "still transcoding", fields)
		return jobqueue.RetryAfter(w.cfg.PollInterval)
	}
}

func (w *Worker) complete(ctx context.Context, p video.ProcessingPayload, job *jobqueue.Job, status *provider.TranscodeStatus, fields map[string]interface{}) error {
	meta := video.ReadyMetadata{
		EmbedURL:    status.EmbedURL,
		PlaybackURL: status.PlaybackURL,
		Duration:    status.Duration,
	}

	changed, err := apperrors.RetryWithResult(ctx, w.cfg.WriteRetry, func(ctx context.Context) (bool, error) {
		return w.videos.MarkReady(ctx, p.VideoID, job.ID, meta)
	})
	if err != nil {
		if errors.Is(err, video.ErrInvalidTransition) {
			// Someone else settled the video; there is nothing left to do.
			w.log.WarnErr(ctx, "video changed underneath the job", err, fields)
			return nil
		}
		// Retried by the queue; the next attempt polls again and repeats
		// the write.
		return fmt.Errorf("mark ready: %w", err)
	}

	if changed {
		w.log.Info(ctx, "video ready", fields)
		w.emit(ctx, p, video.ReadyEvent(p.VideoID))
	}
	return nil
}

// Failed marks the video FAILED once the job gives up.
func (w *Worker) Failed(ctx context.Context, job *jobqueue.Job, cause error) error {
	p, err := decodePayload(job)
	if p.VideoID == "" {
		// Nothing to mark without a video id.
		return err
	}

	message := failureMessage(cause)
	fields := map[string]interface{}{
		"video_id": p.VideoID,
		"attempts": job.AttemptsMade,
	}

	changed, err := apperrors.RetryWithResult(ctx, w.cfg.WriteRetry, func(ctx context.Context) (bool, error) {
		return w.videos.MarkFailed(ctx, p.VideoID, job.ID, message)
	})
	if err != nil {
		if errors.Is(err, video.ErrNotFound) {
			return nil
		}
		if errors.Is(err, video.ErrInvalidTransition) {
			w.log.WarnErr(ctx, "video can no longer fail", err, fields)
			return nil
		}
		return fmt.Errorf("mark failed: %w", err)
	}

	if changed {
		w.log.Warn(ctx, "video failed", fields)
		w.emit(ctx, p, video.FailedEvent(p.VideoID, message))
	}
	return nil
}

// skipRejectedWrites stops retrying a status write the store refused.
func skipRejectedWrites(base *apperrors.RetryConfig) *apperrors.RetryConfig {
	cfg := *base
	retryIf := base.RetryIf
	cfg.RetryIf = func(err error) bool {
		if errors.Is(err, video.ErrInvalidTransition) || errors.Is(err, video.ErrNotFound) {
			return false
		}
		if retryIf == nil {
			return !apperrors.IsClientError(err)
		}
		return retryIf(err)
	}
	return &cfg
}

func failureMessage(err error) string {
	if appErr, ok := apperrors.As(err); ok {
		return appErr.Message
	}
	return err.Error()
}

// emit delivers one status event to the uploader, or to everyone when the
// uploader is unknown, and hands it to the notifier.
func (w *Worker) emit(ctx context.Context, p video.ProcessingPayload, ev video.StatusEvent) {
	w.metrics.RecordTransition(string(ev.Status))

	if w.broadcaster != nil {
		if p.UserID != "" {
			if !w.broadcaster.SendToUser(ctx, p.UserID, video.EventStatusUpdate, ev) {
				w.log.Debug(ctx, "uploader not connected, event dropped", map[string]interface{}{
					"video_id": p.VideoID,
					"status":   string(ev.Status),
				})
			}
		} else {
			w.broadcaster.Broadcast(ctx, video.EventStatusUpdate, ev)
		}
	}

	err := w.notifier.Notify(ctx, notify.Event{
		VideoID:      p.VideoID,
		ChapterID:    p.ChapterID,
		UserID:       p.UserID,
		Title:        p.Title,
		Status:       ev.Status,
		ErrorMessage: ev.ErrorMessage,
		OccurredAt:   w.now().UTC(),
	})
	if err != nil {
		w.metrics.RecordNotifyFailure()
		w.log.WarnErr(ctx, "failed to publish status notification", err, map[string]interface{}{"video_id": p.VideoID})
	}
}

var _ jobqueue.Handler = (*Worker)(nil)
