//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"replaytasker/internal/api"
	"replaytasker/internal/dispatcher"
	"replaytasker/internal/events"
	"replaytasker/internal/health"
	"replaytasker/internal/job"
	"replaytasker/internal/livefeed"
	"replaytasker/internal/notify"
	"replaytasker/internal/observability"
	"replaytasker/internal/orchestrator/docker"
	"replaytasker/internal/scratch"
	"replaytasker/internal/store"
	"replaytasker/internal/testutil"
	"replaytasker/pkg/cloudevent"
)

const testAPIKey = "e2e-secret"

// webhook records the lifecycle events the notifier delivers.
type webhook struct {
	mu     sync.Mutex
	events []cloudevent.CloudEvent
}

func (h *webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var ev cloudevent.CloudEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (h *webhook) has(eventType, jobID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ev := range h.events {
		if ev.Type == eventType && ev.Subject == jobID {
			return true
		}
	}
	return false
}

type stack struct {
	URL         string
	Store       *store.SQLStore
	Dispatcher  *dispatcher.Dispatcher
	Notifier    *notify.Notifier
	Webhook     *webhook
	ScratchRoot string
}

type stackOption func(*dispatcher.Config)

// withDispatchInterval spaces dispatch rounds out. The first round still runs at startup.
func withDispatchInterval(d time.Duration) stackOption {
	return func(c *dispatcher.Config) {
		c.DispatchMin, c.DispatchMax = d, d
	}
}

// newStack wires the tasker the way cmd/tasker does, against a real Docker daemon.
// Workers run E2E_WORKER_IMAGE with E2E_WORKER_COMMAND (default: alpine sleeping briefly).
// It returns once the dispatcher has reconciled and completed its first dispatch round.
func newStack(t testing.TB, opts ...stackOption) *stack {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	metrics, _, err := observability.NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	st, err := store.Open(ctx, store.Config{
		URL:     "sqlite3://" + filepath.Join(dir, "replays.db"),
		Observe: metrics.ObserveStore,
	})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	scratchRoot := filepath.Join(dir, "scratch")
	platform, err := docker.NewPlatform(docker.Config{
		Image:       envOr("E2E_WORKER_IMAGE", "alpine:latest"),
		Command:     envOr("E2E_WORKER_COMMAND", "sleep 2"),
		CPUs:        1,
		MemoryMB:    64,
		ScratchRoot: scratchRoot,
	})
	if err != nil {
		t.Fatalf("Failed to create Docker platform: %v", err)
	}
	t.Cleanup(func() { platform.Close() })
	if err := platform.Ready(ctx); err != nil {
		t.Skipf("Docker daemon not reachable: %v", err)
	}

	scratchDirs, err := scratch.NewLocal(scratchRoot)
	if err != nil {
		t.Fatalf("Failed to create scratch storage: %v", err)
	}

	hook := &webhook{}
	hookServer := httptest.NewServer(hook)
	t.Cleanup(hookServer.Close)

	notifier, err := notify.New(notify.Config{URL: hookServer.URL, Workers: 2, HTTPTimeout: 2 * time.Second}, metrics)
	if err != nil {
		t.Fatalf("Failed to create notifier: %v", err)
	}

	bus := &events.Bus{}
	bus.Attach(notifier)

	dcfg := dispatcher.Config{
		MaxInstances: 2,
		LivenessMin:  200 * time.Millisecond,
		LivenessMax:  400 * time.Millisecond,
		DispatchMin:  200 * time.Millisecond,
		DispatchMax:  400 * time.Millisecond,
		Tick:         100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&dcfg)
	}
	d, err := dispatcher.New(dcfg, dispatcher.Deps{
		Store:    st,
		Platform: platform,
		Scratch:  scratchDirs,
		Events:   bus,
		Metrics:  metrics,
	})
	if err != nil {
		t.Fatalf("Failed to create dispatcher: %v", err)
	}

	feed := livefeed.New(func() any { return d.Snapshot() })
	bus.Attach(feed)

	checker := health.NewChecker(
		health.Dependency{Name: "store", Checker: health.CheckFunc(st.Ping), Critical: true},
		health.Dependency{Name: "platform", Checker: platform},
	)

	server := httptest.NewServer(api.NewRouter(api.RouterConfig{
		JobService:    job.NewService(st, d, bus),
		Workers:       d,
		Metrics:       metrics,
		HealthChecker: checker,
		Notify:        notifier,
		LiveFeed:      feed,
		APIKey:        testAPIKey,
	}))

	loopCtx, stopLoop := context.WithCancel(ctx)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = d.Run(loopCtx)
	}()

	t.Cleanup(func() {
		stopLoop()
		<-loopDone
		feed.Close()
		server.Close()
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = notifier.Close(closeCtx)
	})

	testutil.MustWaitFor(t, func() bool {
		return d.Snapshot().Sweeps[dispatcher.SweepDispatch].Runs > 0
	}, testutil.WithTimeout(30*time.Second))

	return &stack{
		URL:         server.URL,
		Store:       st,
		Dispatcher:  d,
		Notifier:    notifier,
		Webhook:     hook,
		ScratchRoot: scratchRoot,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// call performs an authenticated JSON request and decodes the answer into out when non-nil.
func call(t testing.TB, method, url string, body, out any) int {
	t.Helper()
	var data []byte
	if body != nil {
		var err error
		if data, err = json.Marshal(body); err != nil {
			t.Fatalf("marshal: %v", err)
		}
	}

	req, err := http.NewRequest(method, url, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode
}
