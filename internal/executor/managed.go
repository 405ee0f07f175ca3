// -----------------------------------------------------------------------
// Managed executor - Worker runtimes as child processes
// -----------------------------------------------------------------------

package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/forge/internal/common"
	"github.com/ternarybob/forge/internal/interfaces"
	"github.com/ternarybob/forge/internal/models"
)

// ManagedOptions configure the subprocess executor.
type ManagedOptions struct {
	// WorkerBin is the forge-worker binary. Empty resolves to
	// "forge-worker" beside the current executable, then PATH.
	WorkerBin string
	LogDir    string

	JobDBPath   string
	CacheDBPath string
	Workspace   string
	SourceDir   string
	PlantUMLJar string
	DrawioBin   string
	LogLevel    string
}

// ManagedExecutor runs workers as child processes. The executor id is
// "pid:starttime" so liveness is observable from the OS process table by
// any orchestrator instance, not just the one that spawned the child.
type ManagedExecutor struct {
	logger arbor.ILogger
	opts   ManagedOptions

	mu       sync.Mutex
	started  map[string]*exec.Cmd // executor id -> locally spawned child
	logPaths map[string]string    // executor id -> worker log file
}

// NewManagedExecutor builds the subprocess executor.
func NewManagedExecutor(logger arbor.ILogger, opts ManagedOptions) *ManagedExecutor {
	return &ManagedExecutor{
		logger:   logger,
		opts:     opts,
		started:  make(map[string]*exec.Cmd),
		logPaths: make(map[string]string),
	}
}

// StartWorker spawns a forge-worker child and returns its executor id.
// The child is placed in its own session so its signals do not reach the
// orchestrator's group, and its output goes to a per-worker log file.
func (e *ManagedExecutor) StartWorker(ctx context.Context, workerType models.JobType, index int, config models.WorkerConfig) (string, error) {
	bin, err := e.workerBinary()
	if err != nil {
		return "", err
	}

	logPath := ""
	if e.opts.LogDir != "" {
		if err := os.MkdirAll(e.opts.LogDir, 0755); err != nil {
			return "", fmt.Errorf("failed to create worker log directory: %w", err)
		}
		logPath = filepath.Join(e.opts.LogDir, fmt.Sprintf("%s-%d.log", workerType, index))
	}

	cmd := exec.Command(bin)
	cmd.Env = append(os.Environ(), e.workerEnv(workerType)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if logPath != "" {
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return "", fmt.Errorf("failed to open worker log file: %w", err)
		}
		cmd.Stdout = logFile
		cmd.Stderr = logFile
		defer logFile.Close()
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start worker process: %w", err)
	}

	// Reap the child when it exits so it never lingers as a zombie.
	common.SafeGo(e.logger, "worker-reaper", func() { _ = cmd.Wait() })

	executorID, err := executorIDForPID(cmd.Process.Pid)
	if err != nil {
		_ = cmd.Process.Kill()
		return "", fmt.Errorf("failed to observe started worker: %w", err)
	}

	e.mu.Lock()
	e.started[executorID] = cmd
	if logPath != "" {
		e.logPaths[executorID] = logPath
	}
	e.mu.Unlock()

	e.logger.Info().
		Str("worker_type", string(workerType)).
		Int("index", index).
		Str("executor_id", executorID).
		Str("log", logPath).
		Msg("Managed worker started")
	return executorID, nil
}

func (e *ManagedExecutor) workerBinary() (string, error) {
	if e.opts.WorkerBin != "" {
		return e.opts.WorkerBin, nil
	}
	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), "forge-worker")
		if _, err := os.Stat(sibling); err == nil {
			return sibling, nil
		}
	}
	bin, err := exec.LookPath("forge-worker")
	if err != nil {
		return "", fmt.Errorf("forge-worker binary not found: %w", err)
	}
	return bin, nil
}

func (e *ManagedExecutor) workerEnv(workerType models.JobType) []string {
	env := []string{
		common.EnvWorkerType + "=" + string(workerType),
		common.EnvJobDB + "=" + e.opts.JobDBPath,
		common.EnvWorkspace + "=" + e.opts.Workspace,
	}
	if e.opts.CacheDBPath != "" {
		env = append(env, common.EnvCacheDB+"="+e.opts.CacheDBPath)
	}
	if e.opts.SourceDir != "" {
		env = append(env, common.EnvSourceData+"="+e.opts.SourceDir)
	}
	if e.opts.PlantUMLJar != "" {
		env = append(env, common.EnvPlantUMLJar+"="+e.opts.PlantUMLJar)
	}
	if e.opts.DrawioBin != "" {
		env = append(env, common.EnvDrawioBin+"="+e.opts.DrawioBin)
	}
	if e.opts.LogLevel != "" {
		env = append(env, common.EnvLogLevel+"="+e.opts.LogLevel)
	}
	return env
}

// StopWorker terminates a worker, returning true if it is gone. SIGTERM
// first for a clean dead-mark, SIGKILL after a bounded wait.
func (e *ManagedExecutor) StopWorker(ctx context.Context, executorID string) bool {
	proc, ok := observableProcess(executorID)
	if !ok {
		e.forget(executorID)
		return true
	}

	_ = proc.SendSignal(syscall.SIGTERM)

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline:
			_ = proc.Kill()
			e.forget(executorID)
			return true
		case <-tick.C:
			if _, alive := observableProcess(executorID); !alive {
				e.forget(executorID)
				return true
			}
		}
	}
}

func (e *ManagedExecutor) forget(executorID string) {
	e.mu.Lock()
	delete(e.started, executorID)
	e.mu.Unlock()
}

// IsWorkerRunning checks the OS process table, not in-process state, so a
// worker started by a previous orchestrator session is still observable.
func (e *ManagedExecutor) IsWorkerRunning(ctx context.Context, executorID string) bool {
	_, alive := observableProcess(executorID)
	return alive
}

// GetWorkerStats samples CPU and memory for hang detection.
func (e *ManagedExecutor) GetWorkerStats(ctx context.Context, executorID string) (*interfaces.WorkerStats, error) {
	proc, alive := observableProcess(executorID)
	if !alive {
		return &interfaces.WorkerStats{Alive: false}, nil
	}

	stats := &interfaces.WorkerStats{Alive: true}
	if cpu, err := proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		stats.MemoryMB = float64(mem.RSS) / (1024 * 1024)
	}
	return stats, nil
}

// Cleanup stops every worker this executor started.
func (e *ManagedExecutor) Cleanup(ctx context.Context) {
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

// GetContainerLogs returns the tail of the worker's log file; managed
// workers have no container log stream. The log path is recorded at
// StartWorker time, so concurrent workers never quote each other's logs.
func (e *ManagedExecutor) GetContainerLogs(ctx context.Context, executorID string, tail int) (string, error) {
	if _, _, ok := parseExecutorID(executorID); !ok {
		return "", fmt.Errorf("malformed executor id: %s", executorID)
	}

	e.mu.Lock()
	logPath, ok := e.logPaths[executorID]
	e.mu.Unlock()
	if !ok {
		// A worker from a previous orchestrator session; its log path was
		// never recorded here.
		return "", fmt.Errorf("no log file recorded for worker %s", executorID)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		return "", fmt.Errorf("failed to read worker log: %w", err)
	}
	return tailLines(string(data), tail), nil
}

// -----------------------------------------------------------------------
// Executor id helpers
// -----------------------------------------------------------------------

// executorIDForPID builds the "pid:starttime" sentinel. The start time
// guards against PID reuse.
func executorIDForPID(pid int) (string, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return "", err
	}
	created, err := proc.CreateTime()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d:%d", pid, created), nil
}

func parseExecutorID(executorID string) (pid int, created int64, ok bool) {
	parts := strings.SplitN(executorID, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	pid, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}
	created, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return pid, created, true
}

// observableProcess resolves an executor id to a live process whose start
// time matches the sentinel.
func observableProcess(executorID string) (*process.Process, bool) {
	pid, created, ok := parseExecutorID(executorID)
	if !ok {
		return nil, false
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, false
	}
	actual, err := proc.CreateTime()
	if err != nil || actual != created {
		return nil, false
	}
	running, err := proc.IsRunning()
	if err != nil || !running {
		return nil, false
	}
	return proc, true
}

func tailLines(s string, n int) string {
	if n <= 0 {
		return s
	}
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n") + "\n"
}
