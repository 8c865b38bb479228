// Package probe confirms that published replays are visible on their backend
// by fetching the thumbnail the backend generates once processing is done.
package probe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"replaytasker/internal/config"
	"replaytasker/internal/replay"
	"replaytasker/pkg/backoff"
	"replaytasker/pkg/circuitbreaker"
)

// Default thumbnail locations. {youtubeId} and {archiveId} are substituted per job.
const (
	DefaultYouTubeURL = "https://img.youtube.com/vi/{youtubeId}/0.jpg"
	DefaultArchiveURL = "https://archive.org/download/{archiveId}/__ia_thumb.jpg"
)

// Config configures the probe.
type Config struct {
	YouTubeURL string
	ArchiveURL string
	Timeout    time.Duration // per request (default: 10s)
	Retry      backoff.Policy
	Breaker    circuitbreaker.Config
}

// LoadConfigFromEnv loads probe configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		YouTubeURL: config.GetEnv("PROBE_YOUTUBE_URL", DefaultYouTubeURL),
		ArchiveURL: config.GetEnv("PROBE_ARCHIVE_URL", DefaultArchiveURL),
		Timeout:    config.GetDurationEnv("PROBE_TIMEOUT", 10*time.Second),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.YouTubeURL == "" {
		c.YouTubeURL = DefaultYouTubeURL
	}
	if c.ArchiveURL == "" {
		c.ArchiveURL = DefaultArchiveURL
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = backoff.Policy{
			MaxAttempts: 2,
			Backoff:     backoff.Config{Initial: 500 * time.Millisecond, Max: 2 * time.Second},
		}
	}
	return c
}

// Checker probes publishing backends over HTTP with one circuit breaker per host.
type Checker struct {
	client   *http.Client
	cfg      Config
	breakers *circuitbreaker.Registry
	logger   *slog.Logger
}

// New creates a Checker.
func New(cfg Config) *Checker {
	cfg = cfg.withDefaults()
	logger := slog.With("component", "probe")
	return &Checker{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		breakers: circuitbreaker.NewRegistry(cfg.Breaker, func(host string, from, to circuitbreaker.State) {
			logger.Info("Probe circuit state changed", "host", host, "from", from.String(), "to", to.String())
		}),
		logger: logger,
	}
}

// Ready fails while any backend's circuit is open.
func (c *Checker) Ready(context.Context) error {
	if open := c.breakers.Open(); len(open) > 0 {
		return fmt.Errorf("probe circuit open for %s", strings.Join(open, ", "))
	}
	return nil
}

// URLFor returns the thumbnail URL that proves the job is published:
// the YouTube thumbnail when the upload succeeded, otherwise the archive one.
func (c *Checker) URLFor(job *replay.Job) string {
	if job.YouTubeUploaded && job.YouTubeID != "" {
		return strings.ReplaceAll(c.cfg.YouTubeURL, "{youtubeId}", url.PathEscape(job.YouTubeID))
	}
	return strings.ReplaceAll(c.cfg.ArchiveURL, "{archiveId}", url.PathEscape(ArchiveID(job.ID)))
}

// ArchiveID maps a job id to its archive item identifier.
func ArchiveID(jobID string) string {
	return strings.ReplaceAll(jobID, "@", "-")
}

// Check fetches the job's thumbnail and returns the HTTP status.
// Only transport failures and 5xx answers are errors; a 404 is a valid "not yet".
func (c *Checker) Check(ctx context.Context, job *replay.Job) (int, error) {
	target := c.URLFor(job)
	host := target
	if u, err := url.Parse(target); err == nil && u.Host != "" {
		host = u.Host
	}

	var status int
	err := c.breakers.Get(host).Do(func() error {
		return backoff.Retry(ctx, c.cfg.Retry, nil, func(ctx context.Context) error {
			s, err := c.get(ctx, target)
			if err != nil {
				return err
			}
			status = s
			if s >= http.StatusInternalServerError {
				return fmt.Errorf("probe %s: HTTP %d", host, s)
			}
			return nil
		})
	}, nil)
	if err != nil {
		return status, err
	}

	c.logger.Debug("Probe complete", "jobId", job.ID, "url", target, "status", status)
	return status, nil
}

func (c *Checker) get(ctx context.Context, target string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	return resp.StatusCode, nil
}
