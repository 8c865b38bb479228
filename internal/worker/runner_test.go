package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"replaytasker/internal/apperrors"
	"replaytasker/internal/replay"
	"replaytasker/internal/store"
	"replaytasker/pkg/backoff"
)

type captureFunc func(ctx context.Context, job *replay.Job) error

func (f captureFunc) Capture(ctx context.Context, job *replay.Job) error   { return f(ctx, job) }
func (f captureFunc) Thumbnail(ctx context.Context, job *replay.Job) error { return f(ctx, job) }

type detectFunc func(ctx context.Context, job *replay.Job) ([]replay.Annotation, error)

func (f detectFunc) Detect(ctx context.Context, job *replay.Job) ([]replay.Annotation, error) {
	return f(ctx, job)
}

type publishFunc func(ctx context.Context, job *replay.Job, up Upload) (string, error)

func (f publishFunc) Publish(ctx context.Context, job *replay.Job, up Upload) (string, error) {
	return f(ctx, job, up)
}

func newTestStore(t *testing.T) *store.SQLStore {
	t.Helper()
	s, err := store.Open(context.Background(), store.Config{
		URL:   ":memory:",
		Retry: backoff.Policy{MaxAttempts: 1},
	})
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueueJob(t *testing.T, s *store.SQLStore, id string) {
	t.Helper()
	err := s.Enqueue(context.Background(), &replay.Job{
		ID: id,
		Match: replay.Match{
			P1: "alice", P2: "bob", P1Loc: "US", P2Loc: "JP", P1Rank: 4, P2Rank: 6,
			Game: "sfiii3nr1", DateReplay: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), Length: 90,
		},
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func testConfig(t *testing.T, id string) Config {
	return Config{
		JobID:        id,
		ScratchDir:   t.TempDir(),
		BadWordsFile: writeFile(t, "bad_words.txt", "badword\n\n"),
		ArchiveRetry: backoff.Policy{MaxAttempts: 2, Backoff: backoff.Config{Initial: time.Millisecond, Max: time.Millisecond}},
	}
}

func happyStages() Stages {
	ok := captureFunc(func(context.Context, *replay.Job) error { return nil })
	return Stages{
		Capture:   ok,
		Thumbnail: ok,
		Detect: detectFunc(func(context.Context, *replay.Job) ([]replay.Annotation, error) {
			return []replay.Annotation{{P1Char: "Ryu", P2Char: "Ken", VidTime: "0:00", Game: "sfiii3nr1"}}, nil
		}),
		Archive: publishFunc(func(context.Context, *replay.Job, Upload) (string, error) { return "A@1.mp4", nil }),
		YouTube: publishFunc(func(context.Context, *replay.Job, Upload) (string, error) { return "dQw4w9WgXcQ", nil }),
	}
}

func TestRunner_HappyPath(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	enqueueJob(t, s, "A@1")

	r, err := NewRunner(testConfig(t, "A@1"), s, happyStages())
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	job, _ := s.Get(ctx, "A@1")
	if job.Status != replay.StatusFinished || !job.Created || job.Failed {
		t.Errorf("unexpected final job %+v", job)
	}
	if job.ArchiveFilename != "A@1.mp4" || job.YouTubeID != "dQw4w9WgXcQ" || !job.YouTubeUploaded {
		t.Errorf("publish refs not stored: %+v", job)
	}
	desc, err := s.GetDescription(ctx, "A@1")
	if err != nil || !strings.Contains(desc.Text, "Fightcade replay id: A@1") {
		t.Errorf("description = %+v, %v", desc, err)
	}
	if ann, _ := s.ListAnnotations(ctx, "A@1"); len(ann) != 1 {
		t.Errorf("annotations = %v", ann)
	}
	if active, _ := s.ListActive(ctx); len(active) != 0 {
		t.Errorf("active record not cleared: %v", active)
	}
}

func TestRunner_ModerationRejects(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	enqueueJob(t, s, "A@1")

	cfg := testConfig(t, "A@1")
	cfg.BadWordsFile = writeFile(t, "bad_words.txt", "BO\n")
	stages := happyStages()
	thumbnailed := false
	stages.Thumbnail = captureFunc(func(context.Context, *replay.Job) error { thumbnailed = true; return nil })

	r, _ := NewRunner(cfg, s, stages)
	err := r.Run(ctx)
	if !errors.Is(err, apperrors.ErrModeration) {
		t.Fatalf("expected moderation error, got %v", err)
	}
	if thumbnailed {
		t.Error("no stage may run after rejection")
	}
	job, _ := s.Get(ctx, "A@1")
	if job.Status != replay.StatusFailed || !job.Failed || job.FailCount != 1 {
		t.Errorf("unexpected job %+v", job)
	}
}

func TestRunner_MissingBadWordsFileFails(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	enqueueJob(t, s, "A@1")
	cfg := testConfig(t, "A@1")
	cfg.BadWordsFile = filepath.Join(t.TempDir(), "missing.txt")

	r, _ := NewRunner(cfg, s, happyStages())
	if err := r.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if job, _ := s.Get(context.Background(), "A@1"); !job.Failed {
		t.Error("job should be failed")
	}
}

func TestRunner_StageErrorMarksFailed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	enqueueJob(t, s, "A@1")
	stages := happyStages()
	stages.Capture = captureFunc(func(context.Context, *replay.Job) error { return errors.New("emulator crashed") })

	r, _ := NewRunner(testConfig(t, "A@1"), s, stages)
	if err := r.Run(ctx); err == nil {
		t.Fatal("expected error")
	}
	job, _ := s.Get(ctx, "A@1")
	if job.Status != replay.StatusFailed || job.FailCount != 1 {
		t.Errorf("unexpected job %+v", job)
	}
	if active, _ := s.ListActive(ctx); len(active) != 0 {
		t.Errorf("active record not cleared: %v", active)
	}
}

func TestRunner_YouTubeFailureIsNotFatal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	enqueueJob(t, s, "A@1")
	stages := happyStages()
	stages.YouTube = publishFunc(func(context.Context, *replay.Job, Upload) (string, error) {
		return "", errors.New("quota exceeded")
	})

	r, _ := NewRunner(testConfig(t, "A@1"), s, stages)
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	job, _ := s.Get(ctx, "A@1")
	if job.Status != replay.StatusFinished || job.YouTubeUploaded || job.YouTubeID != "" {
		t.Errorf("unexpected job %+v", job)
	}
}

func TestRunner_ArchiveRetried(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	enqueueJob(t, s, "A@1")
	stages := happyStages()
	attempts := 0
	stages.Archive = publishFunc(func(context.Context, *replay.Job, Upload) (string, error) {
		attempts++
		if attempts == 1 {
			return "", errors.New("403 from archive")
		}
		return "", nil
	})

	r, _ := NewRunner(testConfig(t, "A@1"), s, stages)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
	if job, _ := s.Get(context.Background(), "A@1"); job.ArchiveFilename != "A@1.mp4" {
		t.Errorf("default archive filename not used: %q", job.ArchiveFilename)
	}
}

func TestRunner_RefusesIneligibleJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	enqueueJob(t, s, "A@1")
	s.MarkFailed(ctx, "A@1")

	r, _ := NewRunner(testConfig(t, "A@1"), s, happyStages())
	if err := r.Run(ctx); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if job, _ := s.Get(ctx, "A@1"); job.FailCount != 1 || job.Status != replay.StatusFailed {
		t.Errorf("refusal must not write: %+v", job)
	}
}

func TestRunner_UnknownJob(t *testing.T) {
	t.Parallel()
	r, _ := NewRunner(testConfig(t, "nope@1"), newTestStore(t), happyStages())
	if err := r.Run(context.Background()); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestNewRunner_RequiresJobID(t *testing.T) {
	t.Parallel()
	if _, err := NewRunner(Config{}, newTestStore(t), Stages{}); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}
