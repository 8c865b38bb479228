package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"replaytasker/internal/apperrors"
	"replaytasker/internal/events"
	"replaytasker/internal/replay"
	"replaytasker/internal/store"
)

// Service manages jobs on behalf of operators.
//
// Requeue and delete hold the job in the dispatcher while they write, so no
// worker can be launched for it mid-change. A job with a live worker can not
// be requeued or deleted until the worker is gone.
type Service struct {
	store   Store
	workers Workers
	events  events.Sink
	logger  *slog.Logger
}

// NewService creates a new job service. workers and sink may be nil.
func NewService(st Store, workers Workers, sink events.Sink) *Service {
	return &Service{
		store:   st,
		workers: workers,
		events:  sink,
		logger:  slog.With("component", "jobs"),
	}
}

// Create validates and enqueues a new job.
func (s *Service) Create(ctx context.Context, req *Request) (*Response, error) {
	job := &replay.Job{
		ID:              req.ID,
		PlayerRequested: req.PlayerRequested,
		DateAdded:       req.DateAdded,
		Match:           req.Match,
	}
	if err := replay.ValidateNew(job); err != nil {
		return nil, err
	}

	logger := s.logger.With("jobId", job.ID)
	if err := s.store.Enqueue(ctx, job); err != nil {
		if !errors.Is(err, apperrors.ErrConflict) {
			logger.Error("Job enqueue failed", "error", err)
		}
		return nil, err
	}

	logger.Info("Job enqueued", "game", job.Match.Game, "playerRequested", job.PlayerRequested)
	s.emit(events.TypeEnqueued, job.ID, map[string]any{
		"game":            job.Match.Game,
		"playerRequested": job.PlayerRequested,
	})

	return &Response{ID: job.ID, Status: job.Status}, nil
}

// Get returns a job with its description, annotations and live worker.
func (s *Service) Get(ctx context.Context, jobID string) (*Detail, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	detail := &Detail{Job: *job, Annotations: []replay.Annotation{}}

	desc, err := s.store.GetDescription(ctx, jobID)
	switch {
	case err == nil:
		detail.Description = desc.Text
	case !errors.Is(err, apperrors.ErrNotFound):
		return nil, err
	}

	annotations, err := s.store.ListAnnotations(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if len(annotations) > 0 {
		detail.Annotations = annotations
	}

	detail.Worker = s.worker(jobID)
	return detail, nil
}

// List returns up to limit jobs in a named view.
func (s *Service) List(ctx context.Context, viewName string, limit int) (*ListResponse, error) {
	if viewName == "" {
		viewName = string(store.ViewQueued)
	}
	view, err := store.ParseView(viewName)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = store.DefaultLimit
	}
	if limit > store.MaxLimit {
		return nil, apperrors.Validation("limit", "limit exceeds maximum of 1000")
	}

	jobs, err := s.store.List(ctx, view, limit)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []replay.Job{}
	}
	return &ListResponse{View: view, Limit: limit, Jobs: jobs}, nil
}

// Requeue returns a job to ADDED, keeping its fail count.
func (s *Service) Requeue(ctx context.Context, jobID string) error {
	release, err := s.hold(jobID, "requeue")
	if err != nil {
		return err
	}
	defer release()
	logger := s.logger.With("jobId", jobID)
	if err := s.store.Requeue(ctx, jobID); err != nil {
		logger.Warn("Job requeue failed", "error", err)
		return err
	}
	logger.Info("Job requeued by operator")
	s.emit(events.TypeRequeued, jobID, map[string]any{"reason": "operator"})
	return nil
}

// Prioritize sets the player-requested flag.
func (s *Service) Prioritize(ctx context.Context, jobID string, requested bool) error {
	if err := s.store.SetPlayerRequested(ctx, jobID, requested); err != nil {
		return err
	}
	s.logger.Info("Job priority updated", "jobId", jobID, "playerRequested", requested)
	return nil
}

// Delete removes a job and its associated rows.
func (s *Service) Delete(ctx context.Context, jobID string) error {
	release, err := s.hold(jobID, "delete")
	if err != nil {
		return err
	}
	defer release()
	logger := s.logger.With("jobId", jobID)
	if err := s.store.Delete(ctx, jobID); err != nil {
		logger.Warn("Job delete failed", "error", err)
		return err
	}
	logger.Info("Job deleted by operator")
	s.emit(events.TypeDeleted, jobID, map[string]any{"reason": "operator"})
	return nil
}

// Stats returns the aggregate counts.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	counts, err := s.store.Counts(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{Counts: counts}
	if s.workers != nil {
		snap := s.workers.Snapshot()
		stats.Workers = len(snap.Workers)
		stats.MaxInstances = snap.MaxInstances
		stats.Reconciled = snap.Reconciled
		stats.Sweeps = snap.Sweeps
	}
	return stats, nil
}

func (s *Service) worker(jobID string) *replay.Instance {
	if s.workers == nil {
		return nil
	}
	for _, w := range s.workers.Snapshot().Workers {
		if w.JobID == jobID {
			return &w
		}
	}
	return nil
}

// hold keeps the dispatcher from launching the job until release is called.
func (s *Service) hold(jobID, action string) (func(), error) {
	if s.workers == nil {
		return func() {}, nil
	}
	release, err := s.workers.Hold(jobID)
	if err != nil {
		return nil, fmt.Errorf("cannot %s job %s: %w", action, jobID, err)
	}
	return release, nil
}

func (s *Service) emit(eventType, jobID string, data map[string]any) {
	if s.events != nil {
		s.events.Publish(events.Build(eventType, jobID, data))
	}
}
