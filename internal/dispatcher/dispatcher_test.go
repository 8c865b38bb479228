package dispatcher

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"replaytasker/internal/apperrors"
	"replaytasker/internal/events"
	"replaytasker/internal/replay"
	"replaytasker/internal/scratch"
	"replaytasker/internal/store"
	"replaytasker/internal/testutil"
	"replaytasker/pkg/backoff"
	"replaytasker/pkg/cloudevent"
)

// fakePlatform keeps "containers" in a map; tests end workers with kill.
type fakePlatform struct {
	mu        sync.Mutex
	live      map[string]replay.Instance
	launches  int
	launchErr error
	listErr   error
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{live: make(map[string]replay.Instance)}
}

func (p *fakePlatform) Launch(ctx context.Context, req replay.LaunchRequest) (replay.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.launches++
	if p.launchErr != nil {
		return replay.Instance{}, p.launchErr
	}
	inst := replay.Instance{
		InstanceID:  req.InstanceID,
		JobID:       req.JobID,
		ScratchPath: req.ScratchPath,
		ContainerID: "c-" + req.InstanceID,
		StartedAt:   time.Now(),
	}
	p.live[req.InstanceID] = inst
	return inst, nil
}

func (p *fakePlatform) ListLive(ctx context.Context) ([]replay.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listErr != nil {
		return nil, p.listErr
	}
	out := make([]replay.Instance, 0, len(p.live))
	for _, inst := range p.live {
		out = append(out, inst)
	}
	return out, nil
}

func (p *fakePlatform) Ready(ctx context.Context) error { return nil }
func (p *fakePlatform) Close() error                    { return nil }

func (p *fakePlatform) kill(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, inst := range p.live {
		if inst.JobID == jobID {
			delete(p.live, id)
		}
	}
}

func (p *fakePlatform) liveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

func (p *fakePlatform) launchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.launches
}

type probeFunc func(ctx context.Context, job *replay.Job) (int, error)

func (f probeFunc) Check(ctx context.Context, job *replay.Job) (int, error) { return f(ctx, job) }

type recorder struct {
	mu     sync.Mutex
	events []*cloudevent.CloudEvent
}

func (r *recorder) Publish(ev *cloudevent.CloudEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *recorder) count(eventType string) int {
	n := 0
	for _, t := range r.types() {
		if t == eventType {
			n++
		}
	}
	return n
}

type harness struct {
	d        *Dispatcher
	store    *store.SQLStore
	platform *fakePlatform
	scratch  *scratch.Local
	events   *recorder
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	st, err := store.Open(context.Background(), store.Config{
		URL:   ":memory:",
		Retry: backoff.Policy{MaxAttempts: 1},
	})
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sc, err := scratch.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{store: st, platform: newFakePlatform(), scratch: sc, events: &recorder{}}
	if cfg.Launch.MaxAttempts == 0 {
		cfg.Launch = backoff.Policy{MaxAttempts: 2, Backoff: backoff.Config{Initial: time.Millisecond, Max: time.Millisecond}}
	}
	h.d, err = New(cfg, Deps{Store: st, Platform: h.platform, Scratch: sc, Events: h.events})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return h
}

var baseTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func (h *harness) enqueue(t *testing.T, id string, offset time.Duration, playerRequested bool) {
	t.Helper()
	err := h.store.Enqueue(context.Background(), &replay.Job{
		ID:              id,
		PlayerRequested: playerRequested,
		DateAdded:       baseTime.Add(offset),
		Match:           replay.Match{P1: "alice", P2: "bob", Game: "sfiii3nr1", Length: 90},
	})
	if err != nil {
		t.Fatalf("Enqueue(%s) error = %v", id, err)
	}
}

func (h *harness) job(t *testing.T, id string) *replay.Job {
	t.Helper()
	j, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return j
}

func TestNew_RequiresDeps(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, Deps{}); err == nil {
		t.Error("expected error without collaborators")
	}
}

func TestDispatch_LaunchesUpToCap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{MaxInstances: 2})
	h.enqueue(t, "A@1", 0, false)
	h.enqueue(t, "B@1", time.Minute, false)
	h.enqueue(t, "C@1", 2*time.Minute, false)

	for range 3 {
		if err := h.d.Dispatch(ctx); err != nil {
			t.Fatalf("Dispatch() error = %v", err)
		}
	}

	snap := h.d.Snapshot()
	if len(snap.Workers) != 2 || h.platform.launchCount() != 2 {
		t.Fatalf("expected 2 workers, got %d (launches %d)", len(snap.Workers), h.platform.launchCount())
	}
	// Default order is newest first
	if snap.Workers[0].JobID != "C@1" || snap.Workers[1].JobID != "B@1" {
		t.Errorf("unexpected selection order: %+v", snap.Workers)
	}
	for _, w := range snap.Workers {
		if _, err := os.Stat(w.ScratchPath); err != nil {
			t.Errorf("scratch for %s missing: %v", w.JobID, err)
		}
	}
	if h.events.count(events.TypeWorkerLaunched) != 2 {
		t.Errorf("events = %v", h.events.types())
	}
	// The dispatcher never writes job status
	if st := h.job(t, "C@1").Status; st != replay.StatusAdded {
		t.Errorf("status = %s, want ADDED", st)
	}
}

func TestDispatch_PlayerRequestedFirst(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Selection: replay.Selection{PriorityFirst: true, Order: replay.OrderNewest}})
	h.enqueue(t, "old-player@1", 0, true)
	h.enqueue(t, "newest@1", time.Hour, false)

	if err := h.d.Dispatch(context.Background()); err != nil {
		t.Fatal(err)
	}
	if w := h.d.Snapshot().Workers; len(w) != 1 || w[0].JobID != "old-player@1" {
		t.Errorf("expected player requested job first, got %+v", w)
	}
}

func TestDispatch_NothingEligible(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	if err := h.d.Dispatch(context.Background()); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if h.platform.launchCount() != 0 {
		t.Error("nothing should be launched")
	}
}

func TestDispatch_LaunchFailureReleasesEverything(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.enqueue(t, "A@1", 0, false)
	h.platform.launchErr = apperrors.Launch("docker.startContainer", errors.New("boom"))

	err := h.d.Dispatch(ctx)
	if !errors.Is(err, apperrors.ErrLaunch) {
		t.Fatalf("expected launch error, got %v", err)
	}
	if h.platform.launchCount() != 2 {
		t.Errorf("expected 2 attempts, got %d", h.platform.launchCount())
	}
	if h.d.handles.len() != 0 {
		t.Error("reservation must be released")
	}
	if paths, _ := h.scratch.List(); len(paths) != 0 {
		t.Errorf("scratch not removed: %v", paths)
	}
	if st := h.job(t, "A@1").Status; st != replay.StatusAdded {
		t.Errorf("status = %s, want ADDED", st)
	}
	if h.events.count(events.TypeLaunchFailed) != 1 {
		t.Errorf("events = %v", h.events.types())
	}

	// The job is picked again once the platform recovers
	h.platform.mu.Lock()
	h.platform.launchErr = nil
	h.platform.mu.Unlock()
	if err := h.d.Dispatch(ctx); err != nil {
		t.Fatal(err)
	}
	if h.d.handles.len() != 1 {
		t.Error("expected a worker after recovery")
	}
}

func TestDispatch_NonRetryableLaunchErrorNotRetried(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.enqueue(t, "A@1", 0, false)
	h.platform.launchErr = apperrors.Validation("image", "bad image")

	if err := h.d.Dispatch(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if h.platform.launchCount() != 1 {
		t.Errorf("expected a single attempt, got %d", h.platform.launchCount())
	}
}

func TestLiveness_ReclaimsFinishedWorkers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{MaxInstances: 2})
	h.enqueue(t, "A@1", 0, false)
	h.enqueue(t, "B@1", time.Minute, false)
	h.d.Dispatch(ctx)
	h.d.Dispatch(ctx)

	// Worker for A wrote its own progress then exited
	if err := h.store.Transition(ctx, "A@1", replay.StatusRecording); err != nil {
		t.Fatal(err)
	}
	handle, _ := h.d.handles.get("A@1")
	h.platform.kill("A@1")

	if err := h.d.Liveness(ctx); err != nil {
		t.Fatalf("Liveness() error = %v", err)
	}

	if _, ok := h.d.handles.get("A@1"); ok {
		t.Error("handle for A@1 should be dropped")
	}
	if _, ok := h.d.handles.get("B@1"); !ok {
		t.Error("handle for B@1 should be kept")
	}
	if _, err := os.Stat(handle.ScratchPath); !os.IsNotExist(err) {
		t.Errorf("scratch should be removed, stat err = %v", err)
	}
	if st := h.job(t, "A@1").Status; st != replay.StatusRecording {
		t.Errorf("liveness must not touch status, got %s", st)
	}
	if h.events.count(events.TypeReclaimed) != 1 {
		t.Errorf("events = %v", h.events.types())
	}
}

func TestLiveness_ListFailureDropsNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.enqueue(t, "A@1", 0, false)
	h.d.Dispatch(ctx)

	h.platform.mu.Lock()
	h.platform.live = map[string]replay.Instance{}
	h.platform.listErr = errors.New("daemon down")
	h.platform.mu.Unlock()

	if err := h.d.Liveness(ctx); err == nil {
		t.Fatal("expected error")
	}
	if h.d.handles.len() != 1 {
		t.Error("no handle may be dropped when the platform cannot be listed")
	}
}

func TestCapHoldsAcrossInterleavings(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	const maxInstances = 3
	h := newHarness(t, Config{MaxInstances: maxInstances})
	for i := range 20 {
		h.enqueue(t, "job-"+string(rune('a'+i))+"@1", time.Duration(i)*time.Minute, i%4 == 0)
	}

	r := rand.New(rand.NewPCG(1, 2))
	for step := range 200 {
		switch r.IntN(3) {
		case 0:
			if err := h.d.Dispatch(ctx); err != nil {
				t.Fatalf("step %d: Dispatch() error = %v", step, err)
			}
		case 1:
			if ids := h.d.handles.jobIDs(); len(ids) > 0 {
				h.platform.kill(ids[r.IntN(len(ids))])
			}
		case 2:
			if err := h.d.Liveness(ctx); err != nil {
				t.Fatalf("step %d: Liveness() error = %v", step, err)
			}
		}
		if n := h.d.handles.len(); n > maxInstances {
			t.Fatalf("step %d: %d handles exceed cap %d", step, n, maxInstances)
		}
		if n := h.platform.liveCount(); n > maxInstances {
			t.Fatalf("step %d: %d live workers exceed cap %d", step, n, maxInstances)
		}
	}
}

func TestRetrySweep_RequeuesAndAbandons(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{MaxFails: 2})
	h.enqueue(t, "A@1", 0, false)
	h.enqueue(t, "B@1", time.Minute, false)
	h.enqueue(t, "C@1", 2*time.Minute, false)

	if err := h.store.AddDescription(ctx, "A@1", "partial"); err != nil {
		t.Fatal(err)
	}
	h.store.MarkFailed(ctx, "A@1")
	h.store.MarkFailed(ctx, "B@1")
	h.store.Requeue(ctx, "B@1")
	h.store.MarkFailed(ctx, "B@1")

	if err := h.d.RetrySweep(ctx); err != nil {
		t.Fatalf("RetrySweep() error = %v", err)
	}

	a := h.job(t, "A@1")
	if a.Status != replay.StatusAdded || a.Failed || a.Created || a.FailCount != 1 {
		t.Errorf("A@1 not requeued correctly: %+v", a)
	}
	if _, err := h.store.GetDescription(ctx, "A@1"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("description should be cleared, got %v", err)
	}
	if _, err := h.store.Get(ctx, "B@1"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("B@1 should be abandoned, got %v", err)
	}
	if h.job(t, "C@1").Status != replay.StatusAdded {
		t.Error("C@1 must be untouched")
	}
	if h.events.count(events.TypeRequeued) != 1 || h.events.count(events.TypeAbandoned) != 1 {
		t.Errorf("events = %v", h.events.types())
	}
}

func TestRetrySweep_Paginates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{BatchSize: 2})
	for i := range 5 {
		id := "job-" + string(rune('a'+i)) + "@1"
		h.enqueue(t, id, time.Duration(i)*time.Minute, false)
		h.store.MarkFailed(ctx, id)
	}

	if err := h.d.RetrySweep(ctx); err != nil {
		t.Fatal(err)
	}
	counts, err := h.store.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Failed != 0 || counts.Pending != 5 {
		t.Errorf("expected all 5 requeued, got %+v", counts)
	}
}

func TestFailThenRequeueScenario(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{MaxFails: 5})
	h.enqueue(t, "A@1", 0, false)

	if err := h.d.Dispatch(ctx); err != nil {
		t.Fatal(err)
	}
	// The worker fails the job and exits
	h.store.Transition(ctx, "A@1", replay.StatusJobAdded)
	h.store.MarkFailed(ctx, "A@1")
	h.platform.kill("A@1")

	if err := h.d.Liveness(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.d.RetrySweep(ctx); err != nil {
		t.Fatal(err)
	}
	if j := h.job(t, "A@1"); j.Status != replay.StatusAdded || j.FailCount != 1 || j.Failed {
		t.Errorf("unexpected job after retry: %+v", j)
	}
	if err := h.d.Dispatch(ctx); err != nil {
		t.Fatal(err)
	}
	if h.platform.launchCount() != 2 {
		t.Errorf("expected relaunch, launches = %d", h.platform.launchCount())
	}
}

func TestPublishSweep(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{})
	for i, id := range []string{"ok@1", "missing@1", "err@1"} {
		h.enqueue(t, id, time.Duration(i)*time.Minute, false)
		h.store.MarkCreated(ctx, id)
	}
	h.d.deps.Probe = probeFunc(func(ctx context.Context, job *replay.Job) (int, error) {
		switch job.ID {
		case "ok@1":
			return http.StatusOK, nil
		case "missing@1":
			return http.StatusNotFound, nil
		default:
			return 0, errors.New("timeout")
		}
	})

	if err := h.d.PublishSweep(ctx); err != nil {
		t.Fatalf("PublishSweep() error = %v", err)
	}
	if !h.job(t, "ok@1").VideoProcessed {
		t.Error("ok@1 should be confirmed")
	}
	if h.job(t, "missing@1").VideoProcessed || h.job(t, "err@1").VideoProcessed {
		t.Error("unconfirmed jobs must stay unprocessed")
	}
	if h.events.count(events.TypeProcessed) != 1 {
		t.Errorf("events = %v", h.events.types())
	}
}

func TestPublishSweep_Paginates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{BatchSize: 2})
	ids := []string{"a@1", "b@1", "c@1", "d@1", "e@1"}
	for i, id := range ids {
		h.enqueue(t, id, time.Duration(i)*time.Minute, false)
		h.store.MarkCreated(ctx, id)
	}

	var mu sync.Mutex
	probed := map[string]int{}
	h.d.deps.Probe = probeFunc(func(ctx context.Context, job *replay.Job) (int, error) {
		mu.Lock()
		probed[job.ID]++
		mu.Unlock()
		// Only every other job is visible yet
		if job.ID == "a@1" || job.ID == "c@1" || job.ID == "e@1" {
			return http.StatusOK, nil
		}
		return http.StatusNotFound, nil
	})

	if err := h.d.PublishSweep(ctx); err != nil {
		t.Fatalf("PublishSweep() error = %v", err)
	}
	for _, id := range ids {
		if probed[id] != 1 {
			t.Errorf("%s probed %d times, want 1", id, probed[id])
		}
	}
	if h.events.count(events.TypeProcessed) != 3 {
		t.Errorf("events = %v", h.events.types())
	}
	left, err := h.store.List(ctx, store.ViewUnprocessed, 10)
	if err != nil || len(left) != 2 {
		t.Errorf("unprocessed left = %d, %v", len(left), err)
	}
}

func TestStuckSweep(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{StuckAfter: 10 * time.Millisecond})
	h.enqueue(t, "stuck@1", 0, false)
	h.enqueue(t, "live@1", time.Minute, false)
	h.store.Transition(ctx, "stuck@1", replay.StatusRecording)
	h.store.Transition(ctx, "live@1", replay.StatusRecording)
	h.d.handles.commit(replay.Instance{InstanceID: "i-live", JobID: "live@1"})

	time.Sleep(50 * time.Millisecond)
	if err := h.d.StuckSweep(ctx); err != nil {
		t.Fatalf("StuckSweep() error = %v", err)
	}

	if j := h.job(t, "stuck@1"); !j.Failed || j.FailCount != 1 || j.Status != replay.StatusFailed {
		t.Errorf("stuck@1 should be failed: %+v", j)
	}
	if h.job(t, "live@1").Failed {
		t.Error("a job with a live worker is never stuck")
	}
	if h.events.count(events.TypeStuck) != 1 {
		t.Errorf("events = %v", h.events.types())
	}
}

func TestStuckSweep_DisabledByDefault(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.enqueue(t, "A@1", 0, false)
	h.store.Transition(ctx, "A@1", replay.StatusRecording)

	if err := h.d.StuckSweep(ctx); err != nil {
		t.Fatal(err)
	}
	if h.job(t, "A@1").Failed {
		t.Error("stuck sweep must be a no-op when disabled")
	}
}

func TestReconcile_RebuildsHandlesAndRemovesOrphans(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{})

	kept, err := h.scratch.Allocate("i-survivor")
	if err != nil {
		t.Fatal(err)
	}
	orphan, err := h.scratch.Allocate("i-crashed")
	if err != nil {
		t.Fatal(err)
	}
	h.platform.live["i-survivor"] = replay.Instance{InstanceID: "i-survivor", JobID: "A@1", ScratchPath: kept, StartedAt: time.Now()}

	if err := h.d.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	snap := h.d.Snapshot()
	if !snap.Reconciled || len(snap.Workers) != 1 || snap.Workers[0].JobID != "A@1" {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if _, err := os.Stat(kept); err != nil {
		t.Errorf("owned scratch removed: %v", err)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Errorf("orphaned scratch kept, stat err = %v", err)
	}
}

func TestReconcile_KeepsExtraWorkersForOneJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{MaxInstances: 2})
	h.enqueue(t, "B@1", 0, false)

	first, err := h.scratch.Allocate("i-first")
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.scratch.Allocate("i-second")
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	h.platform.live["i-first"] = replay.Instance{InstanceID: "i-first", JobID: "A@1", ScratchPath: first, StartedAt: now.Add(-time.Minute)}
	h.platform.live["i-second"] = replay.Instance{InstanceID: "i-second", JobID: "A@1", ScratchPath: second, StartedAt: now}

	if err := h.d.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	if n := len(h.d.Snapshot().Workers); n != 2 {
		t.Fatalf("workers = %d, want both instances", n)
	}
	// Both instances hold capacity, so nothing else goes out.
	if err := h.d.Dispatch(ctx); err != nil {
		t.Fatal(err)
	}
	if h.platform.launchCount() != 0 {
		t.Errorf("launched past the cap with a duplicate worker live")
	}

	// The later duplicate exits: its scratch is reclaimed and the first stays tracked.
	h.platform.mu.Lock()
	delete(h.platform.live, "i-second")
	h.platform.mu.Unlock()
	if err := h.d.Liveness(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(second); !os.IsNotExist(err) {
		t.Errorf("duplicate's scratch kept, stat err = %v", err)
	}
	if inst, _ := h.d.handles.get("A@1"); inst == nil || inst.InstanceID != "i-first" {
		t.Errorf("handle for A@1 = %+v", inst)
	}

	// Once the remaining worker exits the slot frees up for B@1.
	h.platform.kill("A@1")
	if err := h.d.Liveness(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(first); !os.IsNotExist(err) {
		t.Errorf("scratch kept, stat err = %v", err)
	}
	if err := h.d.Dispatch(ctx); err != nil {
		t.Fatal(err)
	}
	if h.platform.launchCount() != 1 {
		t.Errorf("launches = %d, want 1", h.platform.launchCount())
	}
}

func TestHold_KeepsDispatchAway(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{MaxInstances: 2})
	h.enqueue(t, "A@1", 0, false)

	release, err := h.d.Hold("A@1")
	if err != nil {
		t.Fatalf("Hold() error = %v", err)
	}
	if _, err := h.d.Hold("A@1"); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("second hold should conflict, got %v", err)
	}
	if err := h.d.Dispatch(ctx); err != nil {
		t.Fatal(err)
	}
	if h.platform.launchCount() != 0 {
		t.Fatal("held job was launched")
	}

	release()
	release()
	if err := h.d.Dispatch(ctx); err != nil {
		t.Fatal(err)
	}
	if h.platform.launchCount() != 1 {
		t.Fatalf("launches = %d after release", h.platform.launchCount())
	}
	if _, err := h.d.Hold("A@1"); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("hold on a live job should conflict, got %v", err)
	}
}

func TestTick_PlatformDownStillRunsStoreSweeps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{MaxFails: 5})
	h.platform.listErr = errors.New("daemon down")
	h.d.deps.Probe = probeFunc(func(ctx context.Context, job *replay.Job) (int, error) {
		return http.StatusOK, nil
	})
	h.enqueue(t, "failed@1", 0, false)
	h.store.MarkFailed(ctx, "failed@1")
	h.enqueue(t, "done@1", time.Minute, false)
	h.store.MarkCreated(ctx, "done@1")

	hour := time.Hour
	liveness := &schedule{min: hour, max: hour}
	dispatch := &schedule{min: hour, max: hour}
	retry := &schedule{min: hour, max: hour}
	publish := &schedule{min: hour, max: hour}
	h.d.tick(ctx, liveness, dispatch, retry, publish)

	if j := h.job(t, "failed@1"); j.Failed || j.Status != replay.StatusAdded {
		t.Errorf("retry sweep did not run while the platform was down: %+v", j)
	}
	if !h.job(t, "done@1").VideoProcessed {
		t.Error("publish sweep did not run while the platform was down")
	}
	snap := h.d.Snapshot()
	if snap.Reconciled || snap.Sweeps[SweepDispatch].Runs != 0 || snap.Sweeps[SweepLiveness].Runs != 0 {
		t.Errorf("platform sweeps ran before reconcile: %+v", snap.Sweeps)
	}
	if h.platform.launchCount() != 0 {
		t.Error("dispatched without a reconcile")
	}

	// The daemon comes back: reconcile succeeds and the deferred dispatch runs.
	h.platform.mu.Lock()
	h.platform.listErr = nil
	h.platform.mu.Unlock()
	h.d.tick(ctx, liveness, dispatch, retry, publish)
	if !h.d.Snapshot().Reconciled || h.platform.launchCount() != 1 {
		t.Errorf("reconciled=%v launches=%d", h.d.Snapshot().Reconciled, h.platform.launchCount())
	}
}

func TestRunSweep_RecoversPanics(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	err := h.d.runSweep(context.Background(), "boom", func(context.Context) error {
		panic("kaboom")
	})
	if err == nil {
		t.Fatal("expected error from panicking sweep")
	}
	st := h.d.Snapshot().Sweeps["boom"]
	if st.Runs != 1 || st.LastError == "" {
		t.Errorf("sweep status not recorded: %+v", st)
	}

	if err := h.d.runSweep(context.Background(), "boom", func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if st := h.d.Snapshot().Sweeps["boom"]; st.Runs != 2 || st.LastError != "" {
		t.Errorf("last error should clear on success: %+v", st)
	}
}

func TestRun_DispatchesAndStops(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{
		Tick:        10 * time.Millisecond,
		LivenessMin: 10 * time.Millisecond,
		LivenessMax: 10 * time.Millisecond,
		DispatchMin: 10 * time.Millisecond,
		DispatchMax: 10 * time.Millisecond,
	})
	h.enqueue(t, "A@1", 0, false)
	h.enqueue(t, "B@1", time.Minute, false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.d.Run(ctx) }()

	testutil.MustWaitFor(t, func() bool {
		return len(h.d.Snapshot().Workers) == 1
	}, testutil.WithTimeout(5*time.Second), testutil.WithInterval(5*time.Millisecond))

	// Once the first worker exits, liveness frees the slot and the next job goes out
	h.platform.kill(h.d.Snapshot().Workers[0].JobID)
	testutil.MustWaitForValue(t, h.platform.launchCount, 2,
		testutil.WithTimeout(5*time.Second), testutil.WithInterval(5*time.Millisecond), testutil.Describing("launches"))

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}

	snap := h.d.Snapshot()
	for _, name := range []string{SweepReconcile, SweepLiveness, SweepDispatch, SweepRetry} {
		if snap.Sweeps[name].Runs == 0 {
			t.Errorf("sweep %s never ran", name)
		}
	}
}
