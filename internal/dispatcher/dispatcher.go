// Package dispatcher runs the control loop that launches workers for eligible
// replay jobs, reclaims the resources of finished ones and applies the retry policy.
//
// The loop is a single goroutine. Each tick runs whichever sweeps are due, one
// after another, so no two sweeps ever overlap and the handle table has exactly
// one writer. Job state is never inferred from worker exits: workers report
// through the store and the dispatcher only reads it.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"replaytasker/internal/apperrors"
	"replaytasker/internal/events"
	"replaytasker/internal/replay"
	"replaytasker/internal/store"
	"replaytasker/pkg/backoff"
)

// Sweep names, used in logs, metrics and snapshots.
const (
	SweepReconcile = "reconcile"
	SweepLiveness  = "liveness"
	SweepDispatch  = "dispatch"
	SweepRetry     = "retry"
	SweepPublish   = "publish"
	SweepStuck     = "stuck"
)

// Store is the subset of the job store the dispatcher uses.
type Store interface {
	NextEligible(ctx context.Context, sel replay.Selection, exclude []string) (*replay.Job, error)
	List(ctx context.Context, view store.View, limit int) ([]replay.Job, error)
	ListPage(ctx context.Context, view store.View, offset, limit int) ([]replay.Job, error)
	ListStuck(ctx context.Context, before time.Time, limit int) ([]replay.Job, error)
	Requeue(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
	MarkProcessed(ctx context.Context, id string) error
}

// Scratch allocates and reclaims per-worker scratch directories.
type Scratch interface {
	Allocate(instanceID string) (string, error)
	Remove(path string) error
	List() ([]string, error)
}

// Prober confirms that a finished job is visible on its publishing backend.
type Prober interface {
	Check(ctx context.Context, job *replay.Job) (int, error)
}

// MetricsRecorder is an optional interface for recording dispatcher metrics.
type MetricsRecorder interface {
	RecordSweep(ctx context.Context, sweep string, durationSeconds float64, success bool)
	RecordLaunch(ctx context.Context, success bool)
	RecordReclaimed(ctx context.Context)
	RecordEscalation(ctx context.Context, action string)
	RecordLiveWorkers(ctx context.Context, n int64)
}

// Deps are the collaborators of the dispatcher. Probe, Events and Metrics are optional.
type Deps struct {
	Store    Store
	Platform replay.Platform
	Scratch  Scratch
	Probe    Prober
	Events   events.Sink
	Metrics  MetricsRecorder
}

// SweepStatus is the outcome of the most recent run of one sweep.
type SweepStatus struct {
	LastRun   time.Time     `json:"lastRun"`
	Duration  time.Duration `json:"duration"`
	LastError string        `json:"lastError,omitempty"`
	Runs      int64         `json:"runs"`
}

// Snapshot is a point-in-time view of the dispatcher for operators.
type Snapshot struct {
	Workers      []replay.Instance      `json:"workers"`
	MaxInstances int                    `json:"maxInstances"`
	Reconciled   bool                   `json:"reconciled"`
	Sweeps       map[string]SweepStatus `json:"sweeps"`
}

// Dispatcher owns the handle table and runs the sweeps.
type Dispatcher struct {
	cfg     Config
	deps    Deps
	handles *handleTable
	logger  *slog.Logger

	mu         sync.RWMutex
	sweeps     map[string]SweepStatus
	reconciled bool
}

// New creates a dispatcher. Call Run to start the loop.
func New(cfg Config, deps Deps) (*Dispatcher, error) {
	if deps.Store == nil || deps.Platform == nil || deps.Scratch == nil {
		return nil, errors.New("dispatcher requires a store, a platform and scratch storage")
	}
	cfg = cfg.withDefaults()
	return &Dispatcher{
		cfg:     cfg,
		deps:    deps,
		handles: newHandleTable(),
		logger:  slog.With("component", "dispatcher"),
		sweeps:  make(map[string]SweepStatus),
	}, nil
}

// schedule tracks when a periodic sweep is next due.
type schedule struct {
	min, max time.Duration
	next     time.Time
}

func (s *schedule) due(now time.Time) bool {
	return !now.Before(s.next)
}

func (s *schedule) advance(now time.Time) {
	s.next = now.Add(backoff.Jitter(s.min, s.max))
}

// Run blocks until ctx is cancelled. Every sweep is due on the first tick.
// Liveness, stuck and dispatch wait until reconcile succeeds.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("Dispatcher started",
		"maxInstances", d.cfg.MaxInstances,
		"maxFails", d.cfg.MaxFails,
		"priorityFirst", d.cfg.Selection.PriorityFirst,
		"order", d.cfg.Selection.Order,
		"stuckAfter", d.cfg.StuckAfter,
	)

	liveness := &schedule{min: d.cfg.LivenessMin, max: d.cfg.LivenessMax}
	dispatch := &schedule{min: d.cfg.DispatchMin, max: d.cfg.DispatchMax}
	retry := &schedule{min: d.cfg.RetryInterval, max: d.cfg.RetryInterval}
	publish := &schedule{min: d.cfg.PublishInterval, max: d.cfg.PublishInterval}

	ticker := time.NewTicker(d.cfg.Tick)
	defer ticker.Stop()

	for {
		d.tick(ctx, liveness, dispatch, retry, publish)

		select {
		case <-ctx.Done():
			d.logger.Info("Dispatcher stopped", "workers", d.handles.len())
			return nil
		case <-ticker.C:
		}
	}
}

// tick runs the due sweeps in order. Sweeps that read or change the handle
// table wait for a successful reconcile; retry and publish only need the store.
func (d *Dispatcher) tick(ctx context.Context, liveness, dispatch, retry, publish *schedule) {
	reconciled := d.isReconciled()
	if !reconciled {
		reconciled = d.runSweep(ctx, SweepReconcile, d.Reconcile) == nil
	}

	now := time.Now()
	if reconciled && liveness.due(now) {
		d.runSweep(ctx, SweepLiveness, d.Liveness)
		liveness.advance(now)
	}
	if retry.due(now) {
		if reconciled && d.cfg.StuckAfter > 0 {
			d.runSweep(ctx, SweepStuck, d.StuckSweep)
		}
		d.runSweep(ctx, SweepRetry, d.RetrySweep)
		retry.advance(now)
	}
	if reconciled && dispatch.due(now) {
		d.runSweep(ctx, SweepDispatch, d.Dispatch)
		dispatch.advance(now)
	}
	if publish.due(now) && d.deps.Probe != nil {
		d.runSweep(ctx, SweepPublish, d.PublishSweep)
		publish.advance(now)
	}
}

// runSweep runs one sweep under a deadline and a recover boundary.
// A failing or panicking sweep is logged and recorded; the loop carries on.
func (d *Dispatcher) runSweep(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.SweepTimeout)
	defer cancel()

	start := time.Now()
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("sweep %s panicked: %v", name, r)
				d.logger.Error("Sweep panicked", "sweep", name, "panic", r, "stack", string(debug.Stack()))
			}
		}()
		err = fn(ctx)
	}()
	elapsed := time.Since(start)

	if err != nil {
		d.logger.Warn("Sweep failed", "sweep", name, "duration", elapsed, "error", err)
	} else {
		d.logger.Debug("Sweep complete", "sweep", name, "duration", elapsed)
	}

	d.mu.Lock()
	st := d.sweeps[name]
	st.LastRun = start
	st.Duration = elapsed
	st.Runs++
	st.LastError = ""
	if err != nil {
		st.LastError = err.Error()
	}
	d.sweeps[name] = st
	d.mu.Unlock()

	if d.deps.Metrics != nil {
		d.deps.Metrics.RecordSweep(ctx, name, elapsed.Seconds(), err == nil)
		d.deps.Metrics.RecordLiveWorkers(ctx, int64(d.handles.len()))
	}
	return err
}

// Snapshot returns the current workers and sweep outcomes.
// Safe to call from any goroutine.
func (d *Dispatcher) Snapshot() Snapshot {
	d.mu.RLock()
	sweeps := make(map[string]SweepStatus, len(d.sweeps))
	for k, v := range d.sweeps {
		sweeps[k] = v
	}
	reconciled := d.reconciled
	d.mu.RUnlock()

	return Snapshot{
		Workers:      d.handles.list(),
		MaxInstances: d.cfg.MaxInstances,
		Reconciled:   reconciled,
		Sweeps:       sweeps,
	}
}

// Hold keeps the dispatcher away from a job while an operator changes it.
// It fails with a conflict while a worker for the job is live or being
// launched. Call the returned func once the change is done.
func (d *Dispatcher) Hold(jobID string) (func(), error) {
	if err := d.handles.reserve(jobID); err != nil {
		if inst, _ := d.handles.get(jobID); inst != nil {
			return nil, apperrors.Conflict("job", jobID, "worker "+inst.InstanceID+" is live")
		}
		return nil, apperrors.Conflict("job", jobID, "a worker is being launched")
	}
	var once sync.Once
	return func() { once.Do(func() { d.handles.releaseHold(jobID) }) }, nil
}

func (d *Dispatcher) isReconciled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.reconciled
}

func (d *Dispatcher) emit(eventType, jobID string, data map[string]any) {
	if d.deps.Events == nil {
		return
	}
	d.deps.Events.Publish(events.Build(eventType, jobID, data))
}
