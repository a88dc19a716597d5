package blastbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerConfig tunes the Docker runtime.
type DockerConfig struct {
	// Image is the sandbox image, e.g. "alpine:3.19".
	Image string
	// MemoryBytes is the container memory cap.
	MemoryBytes int64
	// NanoCPUs is the CPU cap in billionths of a CPU.
	NanoCPUs int64
	// DefaultTimeout applies when a RunSpec has none.
	DefaultTimeout time.Duration
}

// DockerRuntime runs commands in throwaway Docker containers. Each run
// gets a fresh container: no network, read-only rootfs, tmpfs /tmp, and
// the workspace bind-mounted read-write at /workspace.
type DockerRuntime struct {
	cfg    DockerConfig
	logger *slog.Logger
}

// NewDockerRuntime builds a runtime against the local Docker socket.
func NewDockerRuntime(cfg DockerConfig) *DockerRuntime {
	if cfg.Image == "" {
		cfg.Image = "alpine:3.19"
	}
	if cfg.MemoryBytes <= 0 {
		cfg.MemoryBytes = 256 << 20
	}
	if cfg.NanoCPUs <= 0 {
		cfg.NanoCPUs = 500_000_000
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	return &DockerRuntime{
		cfg:    cfg,
		logger: slog.Default().With("component", "blastbox"),
	}
}

func (d *DockerRuntime) Available(ctx context.Context) bool {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return false
	}
	defer cli.Close()
	_, err = cli.Ping(ctx)
	return err == nil
}

func (d *DockerRuntime) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer cli.Close()
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeout
	}

	hostConfig := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		AutoRemove:     false,
		Resources: container.Resources{
			NanoCPUs: d.cfg.NanoCPUs,
			Memory:   d.cfg.MemoryBytes,
		},
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=64m",
		},
	}
	if spec.WorkspaceDir != "" {
		hostConfig.Binds = []string{spec.WorkspaceDir + ":/workspace:rw"}
	}

	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image:      d.cfg.Image,
		Cmd:        []string{"sh", "-c", spec.Command},
		WorkingDir: "/workspace",
		Env:        spec.Env,
		Tty:        false,
	}, hostConfig, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	containerID := resp.ID
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := cli.ContainerRemove(rmCtx, containerID, types.ContainerRemoveOptions{Force: true}); err != nil {
			d.logger.Warn("sandbox cleanup failed", "container", containerID[:12], "error", err)
		}
	}()

	start := time.Now()
	if err := cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("start sandbox: %w", err)
	}

	result := &RunResult{ExitCode: -1}
	waitCh, errCh := cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case wr := <-waitCh:
		result.ExitCode = int(wr.StatusCode)
	case err := <-errCh:
		return nil, fmt.Errorf("wait sandbox: %w", err)
	case <-time.After(timeout):
		// Hard kill on budget exhaustion. The run still produces evidence.
		result.TimedOut = true
		killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := cli.ContainerKill(killCtx, containerID, "KILL"); err != nil {
			d.logger.Warn("sandbox kill failed", "container", containerID[:12], "error", err)
		}
		cancel()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	result.Duration = time.Since(start)

	stdout, stderr, truncated, err := d.collectLogs(ctx, cli, containerID)
	if err != nil {
		d.logger.Warn("sandbox log capture failed", "container", containerID[:12], "error", err)
	}
	result.Stdout = stdout
	result.Stderr = stderr
	result.Truncated = truncated

	if inspect, err := cli.ContainerInspect(ctx, containerID); err == nil && inspect.State != nil {
		result.OOMKilled = inspect.State.OOMKilled
	}

	d.logger.Info("sandbox run finished",
		"container", containerID[:12],
		"exit_code", result.ExitCode,
		"timed_out", result.TimedOut,
		"oom_killed", result.OOMKilled,
		"duration_ms", result.DurationMS())
	return result, nil
}

// collectLogs demultiplexes the container log stream into capped stdout
// and stderr buffers.
func (d *DockerRuntime) collectLogs(ctx context.Context, cli *client.Client, containerID string) (string, string, bool, error) {
	logs, err := cli.ContainerLogs(ctx, containerID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", false, err
	}
	defer logs.Close()

	outBuf := newCappedBuffer(MaxStreamBytes)
	errBuf := newCappedBuffer(MaxStreamBytes)
	if _, err := stdcopy.StdCopy(outBuf, errBuf, logs); err != nil && err != io.EOF {
		return outBuf.String(), errBuf.String(), outBuf.truncated || errBuf.truncated, err
	}
	return outBuf.String(), errBuf.String(), outBuf.truncated || errBuf.truncated, nil
}

// cappedBuffer keeps the first max bytes and silently drops the rest.
type cappedBuffer struct {
	max       int
	buf       []byte
	truncated bool
}

func newCappedBuffer(max int) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.max - len(c.buf)
	if room <= 0 {
		c.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		c.buf = append(c.buf, p[:room]...)
		c.truncated = true
		return len(p), nil
	}
	c.buf = append(c.buf, p...)
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	return string(c.buf)
}
