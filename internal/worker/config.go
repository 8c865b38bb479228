package worker

import (
	"time"

	"replaytasker/internal/config"
	"replaytasker/pkg/backoff"
)

// Config holds configuration for one worker run.
type Config struct {
	JobID                 string
	ScratchDir            string
	DatabaseURL           string
	BadWordsFile          string
	DescriptionAppendFile string

	CaptureCmd   string
	DetectCmd    string
	ThumbnailCmd string
	ArchiveCmd   string
	YouTubeCmd   string
	StageTimeout time.Duration

	ArchiveRetry backoff.Policy
}

// LoadConfigFromEnv loads worker configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		JobID:                 config.GetEnv("JOB_ID", ""),
		ScratchDir:            config.GetEnv("SCRATCH_DIR", "/scratch"),
		DatabaseURL:           config.GetEnv("DATABASE_URL", "sqlite3://replays.db"),
		BadWordsFile:          config.GetEnv("BAD_WORDS_FILE", "/config/bad_words.txt"),
		DescriptionAppendFile: config.GetEnv("DESCRIPTION_APPEND_FILE", ""),
		CaptureCmd:            config.GetEnv("CAPTURE_CMD", ""),
		DetectCmd:             config.GetEnv("DETECT_CMD", ""),
		ThumbnailCmd:          config.GetEnv("THUMBNAIL_CMD", ""),
		ArchiveCmd:            config.GetEnv("ARCHIVE_CMD", ""),
		YouTubeCmd:            config.GetEnv("YOUTUBE_CMD", ""),
		StageTimeout:          config.GetDurationEnv("STAGE_TIMEOUT", 2*time.Hour),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.StageTimeout <= 0 {
		c.StageTimeout = 2 * time.Hour
	}
	if c.ArchiveRetry.MaxAttempts <= 0 {
		c.ArchiveRetry = backoff.Policy{
			MaxAttempts: 3,
			JitterMin:   30 * time.Second,
			JitterMax:   60 * time.Second,
		}
	}
	return c
}

// Stages builds the shell-command stages described by the config.
func (c Config) Stages() Stages {
	cmd := func(name, script string) *Command {
		return &Command{Name: name, Script: script, ScratchDir: c.ScratchDir, Timeout: c.StageTimeout}
	}
	return Stages{
		Capture:   cmd("capture", c.CaptureCmd),
		Detect:    cmd("detect", c.DetectCmd),
		Thumbnail: cmd("thumbnail", c.ThumbnailCmd),
		Archive:   cmd("archive", c.ArchiveCmd),
		YouTube:   cmd("youtube", c.YouTubeCmd),
	}
}
