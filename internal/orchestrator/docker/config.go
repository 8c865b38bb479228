package docker

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/mount"

	"replaytasker/internal/config"
)

// Config holds configuration for the Docker worker platform.
type Config struct {
	Image        string   // Worker image
	Command      string   // Run through /bin/sh -c; empty uses the image entrypoint
	CPUs         float64  // CPU limit per worker
	MemoryMB     int      // Memory limit per worker
	Networks     []string // First is the network mode, the rest are connected after create
	Mounts       []string // Extra bind mounts, "src:dst[:ro|rw]" (read-only unless rw)
	ScratchMount string   // Where the scratch directory appears inside the worker
	ScratchRoot  string   // Scratch root as seen by the dispatcher
	HostScratch  string   // Scratch root as seen by the Docker daemon (defaults to ScratchRoot)
	DatabaseURL  string   // Job store URL handed to the worker
	Env          []string // KEY=VALUE pairs, or bare KEY to pass through the dispatcher's value
}

func (c Config) withDefaults() Config {
	if c.Image == "" {
		c.Image = "replaytasker/worker:latest"
	}
	if c.CPUs <= 0 {
		c.CPUs = 2
	}
	if c.MemoryMB <= 0 {
		c.MemoryMB = 4096
	}
	if len(c.Networks) == 0 {
		c.Networks = []string{"bridge"}
	}
	if c.ScratchMount == "" {
		c.ScratchMount = "/scratch"
	}
	if c.HostScratch == "" {
		c.HostScratch = c.ScratchRoot
	}
	return c
}

// LoadConfigFromEnv loads platform configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		Image:        config.GetEnv("WORKER_IMAGE", "replaytasker/worker:latest"),
		Command:      config.GetEnv("WORKER_COMMAND", "replay-worker"),
		CPUs:         float64(config.GetIntEnv("WORKER_CPUS", 2)),
		MemoryMB:     config.GetIntEnv("WORKER_MEMORY_MB", 4096),
		Networks:     config.GetListEnv("WORKER_NETWORKS", []string{"bridge"}),
		Mounts:       config.GetListEnv("WORKER_MOUNTS", nil),
		ScratchMount: config.GetEnv("WORKER_SCRATCH_MOUNT", "/scratch"),
		ScratchRoot:  config.GetEnv("SCRATCH_ROOT", "/avi_storage_temp"),
		HostScratch:  config.GetEnv("HOST_SCRATCH_ROOT", ""),
		DatabaseURL:  config.GetEnv("WORKER_DATABASE_URL", config.GetEnv("DATABASE_URL", "")),
		Env:          config.GetListEnv("WORKER_ENV", nil),
	}
}

// parseMounts turns "src:dst[:mode]" specs into bind mounts.
func parseMounts(specs []string) ([]mount.Mount, error) {
	mounts := make([]mount.Mount, 0, len(specs))
	for _, spec := range specs {
		parts := strings.Split(spec, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid mount %q: want src:dst[:ro|rw]", spec)
		}
		readOnly := true
		if len(parts) == 3 {
			switch parts[2] {
			case "ro":
			case "rw":
				readOnly = false
			default:
				return nil, fmt.Errorf("invalid mount mode %q in %q", parts[2], spec)
			}
		}
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   parts[0],
			Target:   parts[1],
			ReadOnly: readOnly,
		})
	}
	return mounts, nil
}

// hostPath maps a dispatcher-side scratch path to the daemon-side path.
func (c Config) hostPath(scratchPath string) (string, error) {
	rel, err := filepath.Rel(c.ScratchRoot, scratchPath)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("scratch path %q is outside %q", scratchPath, c.ScratchRoot)
	}
	return filepath.Join(c.HostScratch, rel), nil
}
