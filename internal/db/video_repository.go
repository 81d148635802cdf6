package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coursehub/backend/internal/video"
)

var ErrVideoExists = errors.New("video already exists")

// VideoRepository is the Postgres video.Store.
type VideoRepository struct {
	db  *DB
	now func() time.Time
}

func NewVideoRepository(db *DB) *VideoRepository {
	return &VideoRepository{db: db, now: time.Now}
}

var _ video.Store = (*VideoRepository)(nil)

const videoColumns = `
	id, chapter_id, title, description, order_index, uploaded_by,
	external_asset_id, external_playback_url, embed_url, duration,
	status, processing_job_id, error_message, processed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVideo(row rowScanner) (*video.Asset, error) {
	var (
		a           video.Asset
		status      string
		jobID       sql.NullString
		errMsg      sql.NullString
		processedAt sql.NullTime
	)
	err := row.Scan(
		&a.ID, &a.ChapterID, &a.Title, &a.Description, &a.OrderIndex, &a.UploadedBy,
		&a.ExternalAssetID, &a.ExternalPlaybackURL, &a.EmbedURL, &a.Duration,
		&status, &jobID, &errMsg, &processedAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, video.ErrNotFound
		}
		return nil, err
	}

	a.Status = video.Status(status)
	if jobID.Valid {
		a.ProcessingJobID = &jobID.String
	}
	if errMsg.Valid {
		a.ErrorMessage = &errMsg.String
	}
	if processedAt.Valid {
		t := processedAt.Time
		a.ProcessedAt = &t
	}
	return &a, nil
}

func (r *VideoRepository) Create(ctx context.Context, a *video.Asset) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = video.StatusPending
	}
	now := r.now()
	a.CreatedAt = now
	a.UpdatedAt = now

	query := `
		INSERT INTO videos (id, chapter_id, title, description, order_index, uploaded_by,
			external_asset_id, external_playback_url, embed_url, duration,
			status, processing_job_id, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	_, err := r.db.ExecContext(ctx, query,
		a.ID, a.ChapterID, a.Title, a.Description, a.OrderIndex, a.UploadedBy,
		a.ExternalAssetID, a.ExternalPlaybackURL, a.EmbedURL, a.Duration,
		string(a.Status), a.ProcessingJobID, a.ErrorMessage, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrVideoExists
		}
		return fmt.Errorf("insert video: %w", err)
	}
	return nil
}

func (r *VideoRepository) Get(ctx context.Context, id string) (*video.Asset, error) {
	query := `SELECT ` + videoColumns + ` FROM videos WHERE id = $1`
	return scanVideo(r.db.QueryRowContext(ctx, query, id))
}

func (r *VideoRepository) ListByChapter(ctx context.Context, chapterID string) ([]*video.Asset, error) {
	query := `SELECT ` + videoColumns + `
		FROM videos
		WHERE chapter_id = $1
		ORDER BY order_index ASC, created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, chapterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var videos []*video.Asset
	for rows.Next() {
		a, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		videos = append(videos, a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return videos, nil
}

func (r *VideoRepository) MarkProcessing(ctx context.Context, id, jobID string) (bool, error) {
	return r.transition(ctx, id, func(a *video.Asset, now time.Time) (bool, error) {
		return video.ApplyProcessing(a, jobID, now)
	})
}

func (r *VideoRepository) MarkReady(ctx context.Context, id, jobID string, meta video.ReadyMetadata) (bool, error) {
	return r.transition(ctx, id, func(a *video.Asset, now time.Time) (bool, error) {
		return video.ApplyReady(a, jobID, meta, now)
	})
}

func (r *VideoRepository) MarkFailed(ctx context.Context, id, jobID, message string) (bool, error) {
	return r.transition(ctx, id, func(a *video.Asset, now time.Time) (bool, error) {
		return video.ApplyFailed(a, jobID, message, now)
	})
}

// transition locks the row, applies the state machine rule in Go and writes
// the status fields back, all in one transaction. Nothing is written when
// the rule reports no change.
func (r *VideoRepository) transition(ctx context.Context, id string, apply func(*video.Asset, time.Time) (bool, error)) (changed bool, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil || !changed {
			tx.Rollback()
		}
	}()

	query := `SELECT ` + videoColumns + ` FROM videos WHERE id = $1 FOR UPDATE`
	a, err := scanVideo(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		return false, err
	}

	changed, err = apply(a, r.now())
	if err != nil || !changed {
		return false, err
	}

	update := `
		UPDATE videos
		SET status = $2, processing_job_id = $3, error_message = $4, processed_at = $5,
			embed_url = $6, external_playback_url = $7, duration = $8, updated_at = $9
		WHERE id = $1
	`
	_, err = tx.ExecContext(ctx, update,
		a.ID, string(a.Status), a.ProcessingJobID, a.ErrorMessage, a.ProcessedAt,
		a.EmbedURL, a.ExternalPlaybackURL, a.Duration, a.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("update video status: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit video status: %w", err)
	}
	return true, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
