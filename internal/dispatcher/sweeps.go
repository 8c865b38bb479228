package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"replaytasker/internal/apperrors"
	"replaytasker/internal/events"
	"replaytasker/internal/replay"
	"replaytasker/internal/store"
	"replaytasker/pkg/backoff"
)

// Reconcile rebuilds the handle table from the platform's live instances and
// removes scratch directories that no live worker owns.
func (d *Dispatcher) Reconcile(ctx context.Context) error {
	live, err := d.deps.Platform.ListLive(ctx)
	if err != nil {
		return fmt.Errorf("listing live workers: %w", err)
	}

	owned := make(map[string]bool, len(live))
	for _, inst := range live {
		owned[inst.ScratchPath] = true
	}
	d.handles.reset(live)
	if n := d.handles.strayCount(); n > 0 {
		d.logger.Warn("Multiple live workers for one job", "extra", n)
	}

	paths, err := d.deps.Scratch.List()
	if err != nil {
		return fmt.Errorf("listing scratch: %w", err)
	}
	var removed int
	for _, path := range paths {
		if owned[path] {
			continue
		}
		if err := d.deps.Scratch.Remove(path); err != nil {
			d.logger.Warn("Failed to remove orphaned scratch", "path", path, "error", err)
			continue
		}
		removed++
	}

	d.mu.Lock()
	d.reconciled = true
	d.mu.Unlock()

	d.logger.Info("Reconciled with platform", "workers", len(live), "orphansRemoved", removed)
	return nil
}

// Liveness drops every handle and stray whose worker is gone and reclaims its scratch.
// If the platform cannot be listed nothing is dropped. Job status is never touched.
func (d *Dispatcher) Liveness(ctx context.Context) error {
	live, err := d.deps.Platform.ListLive(ctx)
	if err != nil {
		return fmt.Errorf("listing live workers: %w", err)
	}

	alive := make(map[string]bool, len(live))
	for _, inst := range live {
		alive[inst.InstanceID] = true
	}

	for _, h := range d.handles.list() {
		if alive[h.InstanceID] {
			continue
		}
		logger := d.logger.With("jobId", h.JobID, "instanceId", h.InstanceID)
		if err := d.deps.Scratch.Remove(h.ScratchPath); err != nil {
			logger.Warn("Failed to remove scratch", "path", h.ScratchPath, "error", err)
		}
		d.handles.drop(h)
		logger.Info("Worker reclaimed", "runtime", time.Since(h.StartedAt).Round(time.Second))

		if d.deps.Metrics != nil {
			d.deps.Metrics.RecordReclaimed(ctx)
		}
		d.emit(events.TypeReclaimed, h.JobID, map[string]any{"instanceId": h.InstanceID})
	}
	return nil
}

// Dispatch launches a worker for the next eligible job when below the instance cap.
func (d *Dispatcher) Dispatch(ctx context.Context) error {
	if n := d.handles.len(); n >= d.cfg.MaxInstances {
		d.logger.Debug("At capacity, skipping dispatch", "workers", n, "maxInstances", d.cfg.MaxInstances)
		return nil
	}

	job, err := d.deps.Store.NextEligible(ctx, d.cfg.Selection, d.handles.jobIDs())
	if err != nil {
		return fmt.Errorf("selecting next job: %w", err)
	}
	if job == nil {
		return nil
	}
	return d.launch(ctx, job)
}

// launch allocates scratch, reserves the job and starts its worker.
// On failure every resource is given back and the job stays ADDED.
func (d *Dispatcher) launch(ctx context.Context, job *replay.Job) error {
	instanceID := uuid.NewString()
	logger := d.logger.With("jobId", job.ID, "instanceId", instanceID)

	if err := d.handles.reserve(job.ID); err != nil {
		return err
	}

	scratch, err := d.deps.Scratch.Allocate(instanceID)
	if err != nil {
		d.handles.release(job.ID)
		return fmt.Errorf("allocating scratch: %w", err)
	}

	req := replay.LaunchRequest{InstanceID: instanceID, JobID: job.ID, ScratchPath: scratch}
	var inst replay.Instance
	err = backoff.Retry(ctx, d.cfg.Launch, apperrors.Retryable, func(ctx context.Context) error {
		var lerr error
		inst, lerr = d.deps.Platform.Launch(ctx, req)
		if lerr != nil {
			logger.Warn("Launch attempt failed", "error", lerr)
		}
		return lerr
	})
	if err != nil {
		if rerr := d.deps.Scratch.Remove(scratch); rerr != nil {
			logger.Warn("Failed to remove scratch after launch failure", "path", scratch, "error", rerr)
		}
		d.handles.release(job.ID)
		if d.deps.Metrics != nil {
			d.deps.Metrics.RecordLaunch(ctx, false)
		}
		d.emit(events.TypeLaunchFailed, job.ID, map[string]any{"instanceId": instanceID, "error": err.Error()})
		return fmt.Errorf("launching worker for %s: %w", job.ID, err)
	}

	if inst.InstanceID == "" {
		inst.InstanceID = instanceID
	}
	if inst.JobID == "" {
		inst.JobID = job.ID
	}
	if inst.ScratchPath == "" {
		inst.ScratchPath = scratch
	}
	if inst.StartedAt.IsZero() {
		inst.StartedAt = time.Now()
	}
	d.handles.commit(inst)

	logger.Info("Worker launched", "playerRequested", job.PlayerRequested, "failCount", job.FailCount)
	if d.deps.Metrics != nil {
		d.deps.Metrics.RecordLaunch(ctx, true)
	}
	d.emit(events.TypeWorkerLaunched, job.ID, map[string]any{
		"instanceId":      instanceID,
		"playerRequested": job.PlayerRequested,
	})
	return nil
}

// RetrySweep requeues failed jobs that still have retry budget and deletes
// the rest. It is the only place jobs are abandoned.
func (d *Dispatcher) RetrySweep(ctx context.Context) error {
	var errs []error
	var requeued, abandoned int

	for {
		jobs, err := d.deps.Store.List(ctx, store.ViewFailed, d.cfg.BatchSize)
		if err != nil {
			errs = append(errs, fmt.Errorf("listing failed jobs: %w", err))
			break
		}

		progress := 0
		for i := range jobs {
			job := &jobs[i]
			action, err := d.escalate(ctx, job)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			progress++
			switch action {
			case replay.ActionRequeue:
				requeued++
			case replay.ActionAbandon:
				abandoned++
			}
		}

		// Handled jobs leave the failed view, so the next page starts fresh.
		if len(jobs) < d.cfg.BatchSize || progress == 0 {
			break
		}
	}

	if requeued > 0 || abandoned > 0 {
		d.logger.Info("Retry sweep complete", "requeued", requeued, "abandoned", abandoned)
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) escalate(ctx context.Context, job *replay.Job) (replay.Action, error) {
	logger := d.logger.With("jobId", job.ID, "failCount", job.FailCount)

	action, reason := replay.Escalate(job, d.cfg.MaxFails)
	switch action {
	case replay.ActionRequeue:
		if err := d.deps.Store.Requeue(ctx, job.ID); err != nil {
			logger.Warn("Failed to requeue job", "error", err)
			return action, fmt.Errorf("requeue %s: %w", job.ID, err)
		}
		logger.Info("Job requeued")
		d.emit(events.TypeRequeued, job.ID, map[string]any{"failCount": job.FailCount})
	case replay.ActionAbandon:
		if err := d.deps.Store.Delete(ctx, job.ID); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			logger.Warn("Failed to delete job", "error", err)
			return action, fmt.Errorf("delete %s: %w", job.ID, err)
		}
		logger.Warn("Job abandoned", "reason", reason)
		d.emit(events.TypeAbandoned, job.ID, map[string]any{"failCount": job.FailCount, "maxFails": d.cfg.MaxFails})
	default:
		return action, nil
	}

	if d.deps.Metrics != nil {
		d.deps.Metrics.RecordEscalation(ctx, action.String())
	}
	return action, nil
}

// PublishSweep probes the backend for every finished job not yet confirmed and
// marks the ones that answer 200. Probe errors leave the job for the next sweep.
func (d *Dispatcher) PublishSweep(ctx context.Context) error {
	if d.deps.Probe == nil {
		return nil
	}

	var errs []error
	var checked, confirmed int
	offset := 0
	for {
		jobs, err := d.deps.Store.ListPage(ctx, store.ViewUnprocessed, offset, d.cfg.BatchSize)
		if err != nil {
			errs = append(errs, fmt.Errorf("listing unprocessed jobs: %w", err))
			break
		}

		pageConfirmed := 0
		for i := range jobs {
			job := &jobs[i]
			if d.confirmPublished(ctx, job, &errs) {
				pageConfirmed++
			}
		}
		checked += len(jobs)
		confirmed += pageConfirmed

		// Confirmed jobs leave the view; the rest stay ahead of the next page.
		offset += len(jobs) - pageConfirmed
		if len(jobs) < d.cfg.BatchSize || ctx.Err() != nil {
			break
		}
	}

	if confirmed > 0 {
		d.logger.Info("Publish sweep complete", "checked", checked, "confirmed", confirmed)
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) confirmPublished(ctx context.Context, job *replay.Job, errs *[]error) bool {
	logger := d.logger.With("jobId", job.ID)

	status, err := d.deps.Probe.Check(ctx, job)
	if err != nil {
		logger.Debug("Publish probe failed", "error", err)
		return false
	}
	if status != http.StatusOK {
		logger.Debug("Publish not confirmed", "status", status)
		return false
	}
	if err := d.deps.Store.MarkProcessed(ctx, job.ID); err != nil {
		*errs = append(*errs, fmt.Errorf("mark processed %s: %w", job.ID, err))
		return false
	}
	d.emit(events.TypeProcessed, job.ID, map[string]any{"youtubeUploaded": job.YouTubeUploaded})
	return true
}

// StuckSweep fails jobs that have sat in an intermediate stage for longer
// than StuckAfter without a live worker, handing them to the retry policy.
func (d *Dispatcher) StuckSweep(ctx context.Context) error {
	if d.cfg.StuckAfter <= 0 {
		return nil
	}

	jobs, err := d.deps.Store.ListStuck(ctx, time.Now().Add(-d.cfg.StuckAfter), d.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("listing stuck jobs: %w", err)
	}

	var errs []error
	for i := range jobs {
		job := &jobs[i]
		if _, live := d.handles.get(job.ID); live {
			continue
		}
		if err := d.deps.Store.MarkFailed(ctx, job.ID); err != nil {
			errs = append(errs, fmt.Errorf("mark failed %s: %w", job.ID, err))
			continue
		}
		d.logger.Warn("Stuck job failed", "jobId", job.ID, "status", job.Status, "updatedAt", job.UpdatedAt)
		d.emit(events.TypeStuck, job.ID, map[string]any{"status": string(job.Status)})
	}
	return errors.Join(errs...)
}
