package dispatcher

import (
	"time"

	"replaytasker/internal/config"
	"replaytasker/internal/replay"
	"replaytasker/pkg/backoff"
)

// Config holds the dispatcher's scheduling and policy settings.
type Config struct {
	MaxInstances int // live worker cap (default: 1)
	MaxFails     int // failures before a job is abandoned (default: 5)
	Selection    replay.Selection

	LivenessMin time.Duration // liveness sweep interval window (default: 10s..30s)
	LivenessMax time.Duration
	DispatchMin time.Duration // dispatch interval window (default: 30s..60s)
	DispatchMax time.Duration

	RetryInterval   time.Duration // retry/escalation sweep (default: 1h)
	PublishInterval time.Duration // publish-confirmation sweep (default: 1h)
	StuckAfter      time.Duration // 0 disables the stuck sweep

	Launch       backoff.Policy // platform launch attempts
	BatchSize    int            // page size for store sweeps (default: 1000)
	Tick         time.Duration  // loop granularity (default: 1s)
	SweepTimeout time.Duration  // upper bound for one sweep (default: 5m)
}

// LoadConfigFromEnv loads dispatcher configuration from environment variables.
func LoadConfigFromEnv() Config {
	order := replay.ParseOrder(config.GetEnv("SELECTION_ORDER", string(replay.OrderNewest)))
	if config.GetBoolEnv("RANDOM_REPLAY", false) {
		order = replay.OrderRandom
	}

	cfg := Config{
		MaxInstances: config.GetIntEnv("MAX_INSTANCES", 1),
		MaxFails:     config.GetIntEnv("MAX_FAILS", 5),
		Selection: replay.Selection{
			PriorityFirst: config.GetBoolEnv("PLAYER_REPLAY_FIRST", true),
			Order:         order,
		},
		LivenessMin:     config.GetDurationEnv("LIVENESS_INTERVAL_MIN", 10*time.Second),
		LivenessMax:     config.GetDurationEnv("LIVENESS_INTERVAL_MAX", 30*time.Second),
		DispatchMin:     config.GetDurationEnv("DISPATCH_INTERVAL_MIN", 30*time.Second),
		DispatchMax:     config.GetDurationEnv("DISPATCH_INTERVAL_MAX", 60*time.Second),
		RetryInterval:   config.GetDurationEnv("RETRY_SWEEP_INTERVAL", time.Hour),
		PublishInterval: config.GetDurationEnv("PUBLISH_SWEEP_INTERVAL", time.Hour),
		StuckAfter:      config.GetDurationEnv("STUCK_AFTER", 0),
		Launch: backoff.Policy{
			MaxAttempts: config.GetIntEnv("LAUNCH_ATTEMPTS", 2),
			Backoff:     backoff.Config{Initial: 2 * time.Second, Max: 10 * time.Second},
		},
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.MaxInstances <= 0 {
		c.MaxInstances = 1
	}
	if c.MaxFails <= 0 {
		c.MaxFails = 5
	}
	if c.Selection.Order == "" {
		c.Selection.Order = replay.OrderNewest
	}
	if c.LivenessMin <= 0 {
		c.LivenessMin = 10 * time.Second
	}
	if c.LivenessMax <= 0 {
		c.LivenessMax = 30 * time.Second
	}
	if c.LivenessMax < c.LivenessMin {
		c.LivenessMax = c.LivenessMin
	}
	if c.DispatchMin <= 0 {
		c.DispatchMin = 30 * time.Second
	}
	if c.DispatchMax <= 0 {
		c.DispatchMax = 60 * time.Second
	}
	if c.DispatchMax < c.DispatchMin {
		c.DispatchMax = c.DispatchMin
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Hour
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = time.Hour
	}
	if c.StuckAfter < 0 {
		c.StuckAfter = 0
	}
	if c.Launch.MaxAttempts <= 0 {
		c.Launch.MaxAttempts = 2
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.SweepTimeout <= 0 {
		c.SweepTimeout = 5 * time.Minute
	}
	return c
}
