// tasker runs the dispatcher loop and the admin API over the replay job store.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"replaytasker/internal/api"
	"replaytasker/internal/apperrors"
	"replaytasker/internal/config"
	"replaytasker/internal/dispatcher"
	"replaytasker/internal/events"
	"replaytasker/internal/health"
	"replaytasker/internal/job"
	"replaytasker/internal/leader"
	"replaytasker/internal/livefeed"
	"replaytasker/internal/notify"
	"replaytasker/internal/observability"
	"replaytasker/internal/orchestrator/docker"
	"replaytasker/internal/probe"
	"replaytasker/internal/scratch"
	"replaytasker/internal/store"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Warn("Failed to load .env file", "error", err)
	}

	svcCfg := config.LoadServiceConfig()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: svcCfg.LogLevel})))

	if err := run(svcCfg); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(svcCfg *config.ServiceConfig) error {
	ctx := context.Background()

	// Load configuration
	platformCfg := docker.LoadConfigFromEnv()
	dispatcherCfg := dispatcher.LoadConfigFromEnv()
	notifyCfg := notify.LoadConfigFromEnv()
	probeCfg := probe.LoadConfigFromEnv()

	// Only one dispatcher may run against a store
	if svcCfg.LockDir != "" {
		lock, err := leader.Acquire(svcCfg.LockDir)
		if err != nil {
			return err
		}
		defer lock.Release()
		slog.Info("Dispatcher lock acquired", "dir", svcCfg.LockDir)
	}

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Open the job store; failing here is the one fatal startup error
	st, err := store.Open(ctx, store.Config{
		URL:     svcCfg.DatabaseURL,
		Timeout: svcCfg.StoreTimeout,
		Observe: metrics.ObserveStore,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	if err := metrics.RegisterJobCounts(jobCounts(st)); err != nil {
		return err
	}

	// Worker platform and scratch storage
	platform, err := docker.NewPlatform(platformCfg)
	if err != nil {
		return err
	}
	defer platform.Close()

	// A misnamed worker network would fail every launch; refuse to start.
	// An unreachable daemon is tolerated and retried by the dispatcher.
	if err := platform.CheckNetworks(ctx); err != nil {
		if errors.Is(err, apperrors.ErrValidation) {
			return err
		}
		slog.Warn("Could not verify worker networks", "error", err)
	}

	scratchDirs, err := scratch.NewLocal(platformCfg.ScratchRoot)
	if err != nil {
		return err
	}

	// Lifecycle event fan-out: websocket live feed and optional webhook
	bus := &events.Bus{}
	var notifier *notify.Notifier
	if notifyCfg.Enabled() {
		notifier, err = notify.New(notifyCfg, metrics)
		if err != nil {
			return err
		}
		bus.Attach(notifier)
		slog.Info("Webhook notifications enabled", "types", notifyCfg.Types)
	}

	prober := probe.New(probeCfg)
	d, err := dispatcher.New(dispatcherCfg, dispatcher.Deps{
		Store:    st,
		Platform: platform,
		Scratch:  scratchDirs,
		Probe:    prober,
		Events:   bus,
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}

	feed := livefeed.New(func() any { return d.Snapshot() })
	bus.Attach(feed)

	// Health: the store is critical; the platform, the publish probe and the first reconcile only degrade
	healthChecker := health.NewChecker(
		health.Dependency{Name: "store", Checker: health.CheckFunc(st.Ping), Critical: true},
		health.Dependency{Name: "platform", Checker: platform},
		health.Dependency{Name: "probe", Checker: prober},
		health.Dependency{Name: "dispatcher", Checker: health.CheckFunc(func(context.Context) error {
			if !d.Snapshot().Reconciled {
				return errors.New("waiting for first reconcile")
			}
			return nil
		})},
	)

	routerCfg := api.RouterConfig{
		JobService:    job.NewService(st, d, bus),
		Workers:       d,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		LiveFeed:      feed,
		APIKey:        svcCfg.APIKey,
	}
	if notifier != nil {
		routerCfg.Notify = notifier
	}
	router := api.NewRouter(routerCfg)

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server and loop errors
	serverErr := make(chan error, 3)

	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start the dispatcher loop
	loopCtx, stopLoop := context.WithCancel(ctx)
	defer stopLoop()
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := d.Run(loopCtx); err != nil {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Service component failed", "error", err)
		stopLoop()
		<-loopDone
		feed.Close()
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Stop dispatching; the current sweep finishes first
	stopLoop()
	<-loopDone
	slog.Info("Dispatcher stopped")

	// Phase 2: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 3: Graceful shutdown - close live feed clients, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	feed.Close()
	shutdown(25 * time.Second)

	// Phase 4: Drain webhook notifications
	if notifier != nil {
		slog.Info("Draining webhook notifier")
		notifyCtx, notifyCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer notifyCancel()
		if err := notifier.Close(notifyCtx); err != nil {
			slog.Warn("Notifier shutdown error", "error", err)
		}
		stats := notifier.Stats()
		slog.Info("Notifier stats",
			"delivered", stats.Delivered,
			"failed", stats.Failed,
			"dropped", stats.Dropped,
		)
	}

	// Workers are self-contained containers writing to the store; the next
	// dispatcher reconciles them on startup.
	slog.Info("Running workers will continue independently")
	slog.Info("Shutdown complete")
	return nil
}

// jobCounts feeds the jobs{state} gauge from the store's aggregate counts.
func jobCounts(st *store.SQLStore) func(ctx context.Context) (map[string]int64, error) {
	return func(ctx context.Context) (map[string]int64, error) {
		c, err := st.Counts(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]int64{
			"all":      int64(c.All),
			"failed":   int64(c.Failed),
			"broken":   int64(c.Broken),
			"pending":  int64(c.Pending),
			"finished": int64(c.Finished),
			"active":   int64(c.Active),
		}, nil
	}
}
