// -----------------------------------------------------------------------
// Docker executor - Worker runtimes as containers
// -----------------------------------------------------------------------

package executor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/forge/internal/common"
	"github.com/ternarybob/forge/internal/interfaces"
	"github.com/ternarybob/forge/internal/models"
)

// DockerOptions configure the containerized executor.
type DockerOptions struct {
	NamePrefix string
	Network    string

	// Host paths mounted into every worker container.
	HostWorkspace string
	HostSourceDir string
	// Container-side mount points.
	ContainerWorkspace string
	ContainerSourceDir string

	JobDBPath   string
	CacheDBPath string
	LogLevel    string
}

// DockerExecutor runs workers as containers through the docker CLI. The
// executor id is the container id, so liveness is observable via inspect
// from any orchestrator instance.
type DockerExecutor struct {
	logger arbor.ILogger
	opts   DockerOptions

	mu      sync.Mutex
	started map[string]string // container id -> name

	networkOnce sync.Once
	networkErr  error
}

// NewDockerExecutor builds the containerized executor.
func NewDockerExecutor(logger arbor.ILogger, opts DockerOptions) *DockerExecutor {
	if opts.NamePrefix == "" {
		opts.NamePrefix = "forge"
	}
	if opts.ContainerWorkspace == "" {
		opts.ContainerWorkspace = "/workspace"
	}
	if opts.ContainerSourceDir == "" {
		opts.ContainerSourceDir = "/source"
	}
	return &DockerExecutor{
		logger:  logger,
		opts:    opts,
		started: make(map[string]string),
	}
}

// StartWorker creates and starts a worker container, returning its id.
func (e *DockerExecutor) StartWorker(ctx context.Context, workerType models.JobType, index int, config models.WorkerConfig) (string, error) {
	if config.Image == "" {
		return "", fmt.Errorf("no container image configured for %s workers", workerType)
	}
	if err := e.ensureNetwork(ctx); err != nil {
		return "", err
	}

	name := fmt.Sprintf("%s-%s-%d", e.opts.NamePrefix, workerType, index)
	// A leftover container from a crashed session blocks the name.
	_, _ = runDocker(ctx, "rm", "-f", name)

	args := []string{"run", "-d", "--name", name}
	if e.opts.Network != "" {
		args = append(args, "--network", e.opts.Network)
	}
	if config.MemoryLimitMB > 0 {
		args = append(args, "--memory", strconv.Itoa(config.MemoryLimitMB)+"m")
	}
	args = append(args, "-v", e.opts.HostWorkspace+":"+e.opts.ContainerWorkspace)
	if e.opts.HostSourceDir != "" {
		args = append(args, "-v", e.opts.HostSourceDir+":"+e.opts.ContainerSourceDir+":ro")
	}

	for _, kv := range [][2]string{
		{common.EnvWorkerType, string(workerType)},
		{common.EnvJobDB, e.opts.JobDBPath},
		{common.EnvCacheDB, e.opts.CacheDBPath},
		{common.EnvWorkspace, e.opts.ContainerWorkspace},
		{common.EnvSourceData, e.containerSourceOrEmpty()},
		{common.EnvHostWorkspace, e.opts.HostWorkspace},
		{common.EnvContainerWorkspace, e.opts.ContainerWorkspace},
		{common.EnvLogLevel, e.opts.LogLevel},
	} {
		if kv[1] != "" {
			args = append(args, "-e", kv[0]+"="+kv[1])
		}
	}
	args = append(args, config.Image)

	out, err := runDocker(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("failed to start worker container %s: %w", name, err)
	}
	// The short id is what the worker inside the container sees as its
	// hostname and self-registers under; every docker subcommand accepts it.
	containerID := shortID(strings.TrimSpace(out))

	e.mu.Lock()
	e.started[containerID] = name
	e.mu.Unlock()

	e.logger.Info().
		Str("container", name).
		Str("executor_id", containerID).
		Msg("Worker container started")
	return containerID, nil
}

func (e *DockerExecutor) containerSourceOrEmpty() string {
	if e.opts.HostSourceDir == "" {
		return ""
	}
	return e.opts.ContainerSourceDir
}

// ensureNetwork creates the worker network if it does not exist yet.
func (e *DockerExecutor) ensureNetwork(ctx context.Context) error {
	if e.opts.Network == "" {
		return nil
	}
	e.networkOnce.Do(func() {
		if _, err := runDocker(ctx, "network", "inspect", e.opts.Network); err == nil {
			return
		}
		if _, err := runDocker(ctx, "network", "create", e.opts.Network); err != nil {
			e.networkErr = fmt.Errorf("failed to create network %s: %w", e.opts.Network, err)
		}
	})
	return e.networkErr
}

// StopWorker stops and removes the container.
func (e *DockerExecutor) StopWorker(ctx context.Context, executorID string) bool {
	if _, err := runDocker(ctx, "stop", "--time", "5", executorID); err != nil {
		if e.IsWorkerRunning(ctx, executorID) {
			return false
		}
	}
	_ = runDocker2(ctx, "rm", "-f", executorID)
	e.mu.Lock()
	delete(e.started, executorID)
	e.mu.Unlock()
	return true
}

// IsWorkerRunning inspects the container state.
func (e *DockerExecutor) IsWorkerRunning(ctx context.Context, executorID string) bool {
	out, err := runDocker(ctx, "inspect", "-f", "{{.State.Running}}", executorID)
	return err == nil && strings.TrimSpace(out) == "true"
}

// GetWorkerStats samples container CPU and memory via docker stats.
func (e *DockerExecutor) GetWorkerStats(ctx context.Context, executorID string) (*interfaces.WorkerStats, error) {
	if !e.IsWorkerRunning(ctx, executorID) {
		return &interfaces.WorkerStats{Alive: false}, nil
	}
	out, err := runDocker(ctx, "stats", "--no-stream", "--format",
		"{{.CPUPerc}} {{.MemUsage}}", executorID)
	if err != nil {
		return nil, fmt.Errorf("failed to sample container stats: %w", err)
	}

	stats := &interfaces.WorkerStats{Alive: true}
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) >= 1 {
		if cpu, err := strconv.ParseFloat(strings.TrimSuffix(fields[0], "%"), 64); err == nil {
			stats.CPUPercent = cpu
		}
	}
	if len(fields) >= 2 {
		stats.MemoryMB = parseMemoryMB(fields[1])
	}
	return stats, nil
}

// Cleanup removes every container this executor started.
func (e *DockerExecutor) Cleanup(ctx context.Context) {
	e.mu.Lock()
	ids := make([]string, 0, len(e.started))
	for id := range e.started {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.StopWorker(ctx, id)
	}
}

// GetContainerLogs tails the container's combined output.
func (e *DockerExecutor) GetContainerLogs(ctx context.Context, executorID string, tail int) (string, error) {
	args := []string{"logs"}
	if tail > 0 {
		args = append(args, "--tail", strconv.Itoa(tail))
	}
	args = append(args, executorID)
	out, err := runDockerCombined(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("failed to read container logs: %w", err)
	}
	return out, nil
}

// -----------------------------------------------------------------------
// docker CLI plumbing
// -----------------------------------------------------------------------

func runDocker(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("docker %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// runDocker2 is runDocker with the result discarded; used for best-effort
// cleanup commands.
func runDocker2(ctx context.Context, args ...string) error {
	_, err := runDocker(ctx, args...)
	return err
}

// runDockerCombined merges stdout and stderr; docker logs writes the
// container's stderr stream to stderr.
func runDockerCombined(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("docker %s: %w", args[0], err)
	}
	return string(out), nil
}

// parseMemoryMB parses docker's "123.4MiB" style usage field.
func parseMemoryMB(usage string) float64 {
	usage = strings.SplitN(usage, "/", 2)[0]
	usage = strings.TrimSpace(usage)
	for _, unit := range []struct {
		suffix string
		factor float64 // to MiB
	}{
		{"GiB", 1024}, {"MiB", 1}, {"KiB", 1.0 / 1024},
		{"GB", 953.674}, {"MB", 0.953674}, {"kB", 0.000953674},
		{"B", 1.0 / (1024 * 1024)},
	} {
		if strings.HasSuffix(usage, unit.suffix) {
			v, err := strconv.ParseFloat(strings.TrimSuffix(usage, unit.suffix), 64)
			if err != nil {
				return 0
			}
			return v * unit.factor
		}
	}
	return 0
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
