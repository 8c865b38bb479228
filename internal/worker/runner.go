// Package worker runs the replay pipeline for exactly one job.
//
// The worker drives the job from JOB_ADDED to FINISHED with direct store
// writes. On any stage error it marks the job failed itself and returns the
// error; the dispatcher only learns the outcome through the store.
package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"replaytasker/internal/apperrors"
	"replaytasker/internal/replay"
	"replaytasker/pkg/backoff"
)

// Store is the subset of the job store the worker writes to.
type Store interface {
	Get(ctx context.Context, id string) (*replay.Job, error)
	Transition(ctx context.Context, id string, status replay.Status) error
	MarkFailed(ctx context.Context, id string) error
	MarkCreated(ctx context.Context, id string) error
	SetArchiveFilename(ctx context.Context, id, filename string) error
	SetYouTube(ctx context.Context, id, youtubeID string, uploaded bool) error
	AddDescription(ctx context.Context, id, text string) error
	AddAnnotations(ctx context.Context, id string, annotations []replay.Annotation) error
	AddActive(ctx context.Context, rec replay.ActiveRecord) error
	ClearActive(ctx context.Context, id string) error
}

// minYouTubeID is the shortest reference accepted as a real upload id.
const minYouTubeID = 4

// Runner processes one job through every pipeline stage.
type Runner struct {
	cfg    Config
	store  Store
	stages Stages
	logger *slog.Logger

	job    *replay.Job
	status replay.Status
}

// NewRunner creates a runner for cfg.JobID.
func NewRunner(cfg Config, st Store, stages Stages) (*Runner, error) {
	if cfg.JobID == "" {
		return nil, apperrors.Validation("JOB_ID", "job id is required")
	}
	if st == nil {
		return nil, errors.New("worker requires a store")
	}
	noop := &Command{}
	if stages.Capture == nil {
		stages.Capture = noop
	}
	if stages.Detect == nil {
		stages.Detect = noop
	}
	if stages.Thumbnail == nil {
		stages.Thumbnail = noop
	}
	if stages.Archive == nil {
		stages.Archive = noop
	}
	if stages.YouTube == nil {
		stages.YouTube = noop
	}
	return &Runner{
		cfg:    cfg.withDefaults(),
		store:  st,
		stages: stages,
		logger: slog.With("component", "worker", "jobId", cfg.JobID),
	}, nil
}

// Run executes the pipeline. A job that is not eligible is refused without
// any store write.
func (r *Runner) Run(ctx context.Context) error {
	job, err := r.store.Get(ctx, r.cfg.JobID)
	if err != nil {
		return fmt.Errorf("loading job: %w", err)
	}
	if !job.Eligible() {
		return apperrors.Conflict("job", job.ID,
			fmt.Sprintf("job %s is not eligible (status %s, failed %t, created %t)", job.ID, job.Status, job.Failed, job.Created))
	}
	r.job = job
	r.status = job.Status

	r.logger.Info("Worker starting", "game", job.Match.Game, "playerRequested", job.PlayerRequested)
	start := time.Now()

	if err := r.pipeline(ctx); err != nil {
		r.fail(ctx, err)
		return err
	}

	r.logger.Info("Worker finished", "duration", time.Since(start).Round(time.Second))
	return nil
}

func (r *Runner) pipeline(ctx context.Context) error {
	job := r.job

	if err := r.advance(ctx, replay.StatusJobAdded); err != nil {
		return err
	}
	if err := r.store.AddActive(ctx, replay.ActiveRecord{JobID: job.ID, StartTime: time.Now(), Length: job.Match.Length}); err != nil {
		return fmt.Errorf("recording active job: %w", err)
	}

	if err := r.advance(ctx, replay.StatusRecording); err != nil {
		return err
	}
	if err := r.stages.Capture.Capture(ctx, job); err != nil {
		return err
	}
	if err := r.advance(ctx, replay.StatusRecorded); err != nil {
		return err
	}

	annotations, err := r.stages.Detect.Detect(ctx, job)
	if err != nil {
		return err
	}
	if len(annotations) > 0 {
		if err := r.store.AddAnnotations(ctx, job.ID, annotations); err != nil {
			return fmt.Errorf("storing annotations: %w", err)
		}
	}
	footer, err := r.readFooter()
	if err != nil {
		return err
	}
	description := Describe(job, annotations, footer)
	if err := r.store.AddDescription(ctx, job.ID, description); err != nil {
		return fmt.Errorf("storing description: %w", err)
	}
	if err := r.advance(ctx, replay.StatusDescriptionCreated); err != nil {
		return err
	}

	terms, err := readTerms(r.cfg.BadWordsFile)
	if err != nil {
		return err
	}
	if err := replay.Moderate(job.ID, job.Match, terms); err != nil {
		return err
	}
	if err := r.advance(ctx, replay.StatusBadWordsChecked); err != nil {
		return err
	}

	if err := r.stages.Thumbnail.Thumbnail(ctx, job); err != nil {
		return err
	}
	if err := r.advance(ctx, replay.StatusThumbnailCreated); err != nil {
		return err
	}

	up := Upload{Title: Title(job), Description: description}
	if err := r.publishArchive(ctx, up); err != nil {
		return err
	}
	if err := r.publishYouTube(ctx, up); err != nil {
		return err
	}

	if err := replay.ValidateTransition(job.ID, r.status, replay.StatusFinished); err != nil {
		return err
	}
	if err := r.store.MarkCreated(ctx, job.ID); err != nil {
		return fmt.Errorf("marking created: %w", err)
	}
	r.status = replay.StatusFinished
	if err := r.store.ClearActive(ctx, job.ID); err != nil {
		r.logger.Warn("Failed to clear active record", "error", err)
	}
	return nil
}

func (r *Runner) publishArchive(ctx context.Context, up Upload) error {
	if err := r.advance(ctx, replay.StatusUploadingToIA); err != nil {
		return err
	}
	var ref string
	err := backoff.Retry(ctx, r.cfg.ArchiveRetry, nil, func(ctx context.Context) error {
		var perr error
		ref, perr = r.stages.Archive.Publish(ctx, r.job, up)
		if perr != nil {
			r.logger.Warn("Archive upload attempt failed", "error", perr)
		}
		return perr
	})
	if err != nil {
		return err
	}
	if ref == "" {
		ref = r.job.ID + ".mp4"
	}
	if err := r.store.SetArchiveFilename(ctx, r.job.ID, ref); err != nil {
		return fmt.Errorf("storing archive filename: %w", err)
	}
	return r.advance(ctx, replay.StatusUploadedToIA)
}

// publishYouTube never fails the job on an upload error; the archive copy
// stands in and the probe checks the archive thumbnail instead.
func (r *Runner) publishYouTube(ctx context.Context, up Upload) error {
	if err := r.advance(ctx, replay.StatusUploadingToYouTube); err != nil {
		return err
	}
	ref, err := r.stages.YouTube.Publish(ctx, r.job, up)
	uploaded := err == nil && len(ref) >= minYouTubeID
	if err != nil {
		r.logger.Warn("YouTube upload failed, continuing", "error", err)
	}
	if !uploaded {
		ref = ""
	}
	if err := r.store.SetYouTube(ctx, r.job.ID, ref, uploaded); err != nil {
		return fmt.Errorf("storing youtube reference: %w", err)
	}
	return r.advance(ctx, replay.StatusUploadedToYouTube)
}

// advance validates and writes the next status.
func (r *Runner) advance(ctx context.Context, to replay.Status) error {
	if err := replay.ValidateTransition(r.job.ID, r.status, to); err != nil {
		return err
	}
	if err := r.store.Transition(ctx, r.job.ID, to); err != nil {
		return fmt.Errorf("writing status %s: %w", to, err)
	}
	r.logger.Info("Status updated", "from", r.status, "to", to)
	r.status = to
	return nil
}

// fail records the failure even when ctx is already cancelled.
func (r *Runner) fail(ctx context.Context, cause error) {
	ctx = context.WithoutCancel(ctx)
	logger := r.logger.With("status", r.status, "error", cause)
	if errors.Is(cause, apperrors.ErrModeration) {
		logger.Warn("Job rejected by moderation")
	} else {
		logger.Error("Job failed")
	}

	if err := r.store.MarkFailed(ctx, r.job.ID); err != nil {
		logger.Error("Failed to mark job failed", "markError", err)
	}
	if err := r.store.ClearActive(ctx, r.job.ID); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		logger.Warn("Failed to clear active record", "clearError", err)
	}
	r.status = replay.StatusFailed
}

func (r *Runner) readFooter() (string, error) {
	if r.cfg.DescriptionAppendFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(r.cfg.DescriptionAppendFile)
	if err != nil {
		return "", fmt.Errorf("reading description append file: %w", err)
	}
	return strings.TrimRight(string(data), "\n"), nil
}

// readTerms loads the disallowed terms, one per line. A missing file is an error.
func readTerms(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading bad words file: %w", err)
	}
	defer f.Close()

	var terms []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if t := strings.TrimSpace(sc.Text()); t != "" {
			terms = append(terms, t)
		}
	}
	return terms, sc.Err()
}
