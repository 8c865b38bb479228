package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"replaytasker/internal/replay"
)

// Capturer runs the emulator and encodes the replay into the scratch directory.
type Capturer interface {
	Capture(ctx context.Context, job *replay.Job) error
}

// Detector finds the character pairings shown in the encoded video.
type Detector interface {
	Detect(ctx context.Context, job *replay.Job) ([]replay.Annotation, error)
}

// Thumbnailer renders the video thumbnail.
type Thumbnailer interface {
	Thumbnail(ctx context.Context, job *replay.Job) error
}

// Upload is what gets published next to the video.
type Upload struct {
	Title       string
	Description string
}

// Publisher uploads the video to one backend and returns its external reference.
type Publisher interface {
	Publish(ctx context.Context, job *replay.Job, up Upload) (string, error)
}

// Stages are the external collaborators a Runner drives.
type Stages struct {
	Capture   Capturer
	Detect    Detector
	Thumbnail Thumbnailer
	Archive   Publisher
	YouTube   Publisher
}

// Command runs one stage as a shell script with the job in its environment.
// An empty Script is a stage that does nothing.
type Command struct {
	Name       string
	Script     string
	ScratchDir string
	Timeout    time.Duration
}

const descriptionFile = "description.txt"

func (c *Command) run(ctx context.Context, job *replay.Job, extra ...string) ([]byte, error) {
	if c.Script == "" {
		return nil, nil
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", c.Script)
	cmd.Dir = c.ScratchDir
	cmd.Env = append(append(os.Environ(), jobEnv(job, c.ScratchDir)...), extra...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s stage: %w: %s", c.Name, err, lastLine(stderr.String()))
	}
	return stdout.Bytes(), nil
}

func jobEnv(job *replay.Job, scratchDir string) []string {
	m := job.Match
	return []string{
		"JOB_ID=" + job.ID,
		"SCRATCH_DIR=" + scratchDir,
		"P1=" + m.P1,
		"P2=" + m.P2,
		"P1_LOC=" + m.P1Loc,
		"P2_LOC=" + m.P2Loc,
		"P1_RANK=" + strconv.Itoa(m.P1Rank),
		"P2_RANK=" + strconv.Itoa(m.P2Rank),
		"GAME=" + m.Game,
		"EMULATOR=" + m.Emulator,
		"DATE_REPLAY=" + m.DateReplay.Format(replayDate),
		"LENGTH=" + strconv.Itoa(m.Length),
		"PLAYER_REQUESTED=" + strconv.FormatBool(job.PlayerRequested),
	}
}

// Capture implements Capturer.
func (c *Command) Capture(ctx context.Context, job *replay.Job) error {
	_, err := c.run(ctx, job)
	return err
}

// Thumbnail implements Thumbnailer.
func (c *Command) Thumbnail(ctx context.Context, job *replay.Job) error {
	_, err := c.run(ctx, job)
	return err
}

// Detect implements Detector. The script prints a JSON array of annotations.
func (c *Command) Detect(ctx context.Context, job *replay.Job) ([]replay.Annotation, error) {
	out, err := c.run(ctx, job)
	if err != nil || len(bytes.TrimSpace(out)) == 0 {
		return nil, err
	}
	var annotations []replay.Annotation
	if err := json.Unmarshal(out, &annotations); err != nil {
		return nil, fmt.Errorf("%s stage: invalid output: %w", c.Name, err)
	}
	for i := range annotations {
		if annotations[i].Game == "" {
			annotations[i].Game = job.Match.Game
		}
	}
	return annotations, nil
}

// Publish implements Publisher. The description is handed over as a file in
// the scratch directory; the last line the script prints is the reference.
func (c *Command) Publish(ctx context.Context, job *replay.Job, up Upload) (string, error) {
	if c.Script == "" {
		return "", nil
	}
	path := filepath.Join(c.ScratchDir, descriptionFile)
	if err := os.WriteFile(path, []byte(up.Description), 0o644); err != nil {
		return "", fmt.Errorf("%s stage: writing description: %w", c.Name, err)
	}
	out, err := c.run(ctx, job, "TITLE="+up.Title, "DESCRIPTION_FILE="+path)
	if err != nil {
		return "", err
	}
	return lastLine(string(out)), nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
