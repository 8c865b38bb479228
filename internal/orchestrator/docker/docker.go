// Package docker implements replay.Platform using the Docker API.
// Workers run directly on the host Docker daemon, one container per instance.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"replaytasker/internal/apperrors"
	"replaytasker/internal/replay"
)

// Container labels carrying worker identity.
const (
	LabelManagedBy = "managed-by"
	LabelInstance  = "replay.instance"
	LabelJob       = "replay.job"
	LabelScratch   = "replay.scratch"

	managedByValue = "replay-tasker"
)

// Platform implements replay.Platform using Docker.
type Platform struct {
	client *client.Client
	cfg    Config
	mounts []mount.Mount
	logger *slog.Logger
}

// NewPlatform creates a new Docker platform.
func NewPlatform(cfg Config) (*Platform, error) {
	cfg = cfg.withDefaults()
	if cfg.ScratchRoot == "" {
		return nil, fmt.Errorf("scratch root is required")
	}

	mounts, err := parseMounts(cfg.Mounts)
	if err != nil {
		return nil, err
	}

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Platform{
		client: dockerClient,
		cfg:    cfg,
		mounts: mounts,
		logger: slog.With("component", "docker"),
	}, nil
}

// Launch creates and starts a worker container for one job.
// On any failure the container is removed again and an apperrors.ErrLaunch error is returned.
func (p *Platform) Launch(ctx context.Context, req replay.LaunchRequest) (replay.Instance, error) {
	logger := p.logger.With("jobId", req.JobID, "instanceId", req.InstanceID)

	// Pull with a detached context so a short dispatch deadline doesn't abort a large pull
	pullCtx := context.WithoutCancel(ctx)
	if err := p.pullImageIfNeeded(pullCtx, p.cfg.Image); err != nil {
		return replay.Instance{}, apperrors.Launch("docker.pullImage", err)
	}

	containerConfig, hostConfig, err := p.containerSpec(req)
	if err != nil {
		return replay.Instance{}, apperrors.Launch("docker.containerSpec", err)
	}

	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName(req.InstanceID))
	if err != nil {
		return replay.Instance{}, apperrors.Launch("docker.createContainer", err)
	}

	success := false
	defer func() {
		if !success {
			p.removeContainer(context.WithoutCancel(ctx), resp.ID)
		}
	}()

	for _, name := range p.cfg.Networks[1:] {
		if err := p.client.NetworkConnect(ctx, name, resp.ID, &network.EndpointSettings{}); err != nil {
			return replay.Instance{}, apperrors.Launch("docker.connectNetwork", err)
		}
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return replay.Instance{}, apperrors.Launch("docker.startContainer", err)
	}
	success = true

	logger.Info("Worker container started", "containerId", resp.ID)
	return replay.Instance{
		InstanceID:  req.InstanceID,
		JobID:       req.JobID,
		ScratchPath: req.ScratchPath,
		ContainerID: resp.ID,
		StartedAt:   time.Now(),
	}, nil
}

// ListLive returns the worker containers that have not terminated.
func (p *Platform) ListLive(ctx context.Context) ([]replay.Instance, error) {
	containers, err := p.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", LabelManagedBy+"="+managedByValue),
		),
	})
	if err != nil {
		return nil, apperrors.Internal("docker.listContainers", err)
	}

	live := make([]replay.Instance, 0, len(containers))
	for _, c := range containers {
		if c.State == "exited" || c.State == "dead" || c.State == "removing" {
			continue
		}
		instanceID := c.Labels[LabelInstance]
		if instanceID == "" {
			continue
		}
		live = append(live, replay.Instance{
			InstanceID:  instanceID,
			JobID:       c.Labels[LabelJob],
			ScratchPath: c.Labels[LabelScratch],
			ContainerID: c.ID,
			StartedAt:   time.Unix(c.Created, 0),
		})
	}
	return live, nil
}

// Ready checks if the Docker daemon is reachable and responsive.
func (p *Platform) Ready(ctx context.Context) error {
	_, err := p.client.Ping(ctx)
	return err
}

// CheckNetworks verifies that every configured worker network exists.
// A missing network is a configuration error; an unreachable daemon is Unavailable.
func (p *Platform) CheckNetworks(ctx context.Context) error {
	return checkNetworks(ctx, p.cfg.Networks, func(ctx context.Context, name string) error {
		_, err := p.client.NetworkInspect(ctx, name, network.InspectOptions{})
		return err
	})
}

func checkNetworks(ctx context.Context, names []string, inspect func(context.Context, string) error) error {
	for _, name := range names {
		// Network modes that do not name a network
		if name == "default" || strings.HasPrefix(name, "container:") {
			continue
		}
		if err := inspect(ctx, name); err != nil {
			if cerrdefs.IsNotFound(err) {
				return apperrors.Validation("WORKER_NETWORKS", fmt.Sprintf("docker network %q does not exist", name))
			}
			return apperrors.Unavailable("docker.inspectNetwork", err)
		}
	}
	return nil
}

// Close releases the Docker client. Running workers are left alone.
func (p *Platform) Close() error {
	return p.client.Close()
}

func containerName(instanceID string) string {
	return "replay-worker-" + instanceID
}

// containerSpec builds the container and host configuration for one worker.
func (p *Platform) containerSpec(req replay.LaunchRequest) (*container.Config, *container.HostConfig, error) {
	source, err := p.cfg.hostPath(req.ScratchPath)
	if err != nil {
		return nil, nil, err
	}

	env := []string{
		"JOB_ID=" + req.JobID,
		"INSTANCE_ID=" + req.InstanceID,
		"SCRATCH_DIR=" + p.cfg.ScratchMount,
	}
	if p.cfg.DatabaseURL != "" {
		env = append(env, "DATABASE_URL="+p.cfg.DatabaseURL)
	}
	for _, kv := range p.cfg.Env {
		if strings.Contains(kv, "=") {
			env = append(env, kv)
		} else if v := os.Getenv(kv); v != "" {
			env = append(env, kv+"="+v)
		}
	}

	var cmd []string
	if p.cfg.Command != "" {
		cmd = []string{"/bin/sh", "-c", p.cfg.Command}
	}

	containerConfig := &container.Config{
		Image:    p.cfg.Image,
		Cmd:      cmd,
		Env:      env,
		Hostname: req.InstanceID,
		Labels: map[string]string{
			LabelManagedBy: managedByValue,
			LabelInstance:  req.InstanceID,
			LabelJob:       req.JobID,
			LabelScratch:   req.ScratchPath,
		},
	}

	mounts := make([]mount.Mount, 0, len(p.mounts)+1)
	mounts = append(mounts, mount.Mount{
		Type:   mount.TypeBind,
		Source: source,
		Target: p.cfg.ScratchMount,
	})
	mounts = append(mounts, p.mounts...)

	hostConfig := &container.HostConfig{
		AutoRemove:  true,
		NetworkMode: container.NetworkMode(p.cfg.Networks[0]),
		Mounts:      mounts,
		Resources: container.Resources{
			NanoCPUs: int64(p.cfg.CPUs * 1e9),
			Memory:   int64(p.cfg.MemoryMB) * 1024 * 1024,
		},
	}

	return containerConfig, hostConfig, nil
}

func (p *Platform) pullImageIfNeeded(ctx context.Context, imageName string) error {
	_, err := p.client.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}

	reader, err := p.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (p *Platform) removeContainer(ctx context.Context, containerID string) {
	if containerID == "" {
		return
	}
	if err := p.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		p.logger.Warn("Failed to remove worker container", "containerId", containerID, "error", err)
	}
}

// Verify Platform implements replay.Platform
var _ replay.Platform = (*Platform)(nil)
