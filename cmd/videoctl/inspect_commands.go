package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/coursehub/backend/internal/db"
	"github.com/coursehub/backend/internal/jobqueue"
	"github.com/coursehub/backend/internal/status"
	"github.com/coursehub/backend/internal/video"
)

func newJobCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "job <id>",
		Short: "Show the live state of a processing job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withQueue(cmd.Context(), func(q *jobqueue.Queue) error {
				snap, err := q.GetJob(cmd.Context(), args[0])
				if errors.Is(err, jobqueue.ErrJobNotFound) {
					return fmt.Errorf("job %s not found (it may have expired)", args[0])
				}
				if err != nil {
					return err
				}
				return emit(cmd, ctx, snap,
					[]string{"Job", "Status", "Progress", "Attempts", "Failure"},
					[][]string{jobRow(snap)},
					[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft})
			})
		},
	}
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <video-id>",
		Short: "Show a video's status merged with its job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withDB(cmd.Context(), func(database *db.DB) error {
				return ctx.withQueue(cmd.Context(), func(q *jobqueue.Queue) error {
					cfg, _ := ctx.ensureConfig()
					svc := status.NewService(db.NewVideoRepository(database), q, status.Config{
						LookupTimeout: cfg.Provider.LookupTimeout.Duration,
					}, nil)

					st, err := svc.GetStatus(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					return emit(cmd, ctx, st,
						[]string{"Video", "Title", "Status", "Job", "Progress", "Error"},
						[][]string{statusRow(st)},
						[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft})
				})
			})
		},
	}
}

type queueOutput struct {
	Queue string `json:"queue"`
	*jobqueue.Counts
}

func newQueueCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show processing queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withQueue(cmd.Context(), func(q *jobqueue.Queue) error {
				counts, err := q.Counts(cmd.Context(), video.JobName)
				if err != nil {
					return err
				}
				rows := [][]string{
					{"waiting", strconv.FormatInt(counts.Waiting, 10)},
					{"active", strconv.FormatInt(counts.Active, 10)},
					{"delayed", strconv.FormatInt(counts.Delayed, 10)},
				}
				return emit(cmd, ctx, queueOutput{Queue: video.JobName, Counts: counts},
					[]string{"State", "Jobs"}, rows,
					[]columnAlignment{alignLeft, alignRight})
			})
		},
	}
}

func jobRow(snap *jobqueue.Snapshot) []string {
	return []string{
		snap.ID,
		string(snap.State),
		strconv.Itoa(snap.Progress) + "%",
		strconv.Itoa(snap.AttemptsMade),
		snap.FailedReason,
	}
}

func statusRow(st *status.VideoStatus) []string {
	row := []string{st.Video.ID, st.Video.Title, string(st.Video.Status), st.Video.JobID(), "-", ""}
	if st.JobStatus != nil {
		row[4] = strconv.Itoa(st.JobStatus.Progress) + "%"
	}
	if st.Video.ErrorMessage != nil {
		row[5] = *st.Video.ErrorMessage
	}
	return row
}
