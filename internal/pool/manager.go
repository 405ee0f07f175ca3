// -----------------------------------------------------------------------
// Pool Manager - Parallel worker startup and health monitoring
// -----------------------------------------------------------------------

package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"

	"github.com/ternarybob/forge/internal/common"
	"github.com/ternarybob/forge/internal/interfaces"
	"github.com/ternarybob/forge/internal/models"
)

// hungCPUThreshold: a busy worker below this CPU while its heartbeat is
// stale is doing no work.
const hungCPUThreshold = 1.0

// ManagerOptions tune startup and monitoring.
type ManagerOptions struct {
	StartConcurrency    int           // default 10
	RegistrationTimeout time.Duration // default 20s
	StaleThreshold      time.Duration // default 30s
	MonitorInterval     time.Duration // default 10s
	StopTimeout         time.Duration // default 10s
}

func (o *ManagerOptions) applyDefaults() {
	if o.StartConcurrency <= 0 {
		o.StartConcurrency = 10
	}
	if o.RegistrationTimeout <= 0 {
		o.RegistrationTimeout = 20 * time.Second
	}
	if o.StaleThreshold <= 0 {
		o.StaleThreshold = 30 * time.Second
	}
	if o.MonitorInterval <= 0 {
		o.MonitorInterval = 10 * time.Second
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 10 * time.Second
	}
}

// ManagedWorker describes a worker this session started: the DB row id
// plus the executor handle.
type ManagedWorker struct {
	WorkerID   string
	ExecutorID string
	Type       models.JobType
}

// StartReport summarizes a pool startup, which may partially fail.
type StartReport struct {
	Started  []ManagedWorker
	Failures []error
}

// Manager starts workers in bounded parallel batches, tracks them, and
// runs the background health monitor.
type Manager struct {
	logger   arbor.ILogger
	store    interfaces.JobStore
	executor interfaces.WorkerExecutor
	opts     ManagerOptions

	monitorStop chan struct{}
	monitorDone chan struct{}
	monitorOnce sync.Once
}

// NewManager builds a pool manager.
func NewManager(logger arbor.ILogger, store interfaces.JobStore, executor interfaces.WorkerExecutor, opts ManagerOptions) *Manager {
	opts.applyDefaults()
	return &Manager{
		logger:   logger,
		store:    store,
		executor: executor,
		opts:     opts,
	}
}

// PurgeStaleWorkers deletes worker rows whose runtime is no longer
// observable. Returns the number purged. Called before startup so dead
// sessions do not inflate healthy counts.
func (m *Manager) PurgeStaleWorkers(ctx context.Context) (int, error) {
	workers, err := m.store.ListWorkers(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list workers: %w", err)
	}
	purged := 0
	for _, w := range workers {
		if m.executor.IsWorkerRunning(ctx, w.ExecutorID) {
			continue
		}
		if err := m.store.DeleteWorker(ctx, w.ID); err != nil {
			m.logger.Warn().Err(err).Str("worker_id", w.ID).Msg("Failed to purge stale worker")
			continue
		}
		purged++
	}
	if purged > 0 {
		m.logger.Info().Int("count", purged).Msg("Purged stale worker rows")
	}
	return purged, nil
}

// StartPools starts count workers for each pool config with bounded
// concurrency. Partial failure is tolerated; the report carries both the
// started workers and the per-start errors.
func (m *Manager) StartPools(ctx context.Context, pools []models.WorkerConfig, deficits map[models.JobType]int) *StartReport {
	report := &StartReport{}
	var mu sync.Mutex

	m.event(ctx, models.EventPoolStarting, "", "")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.StartConcurrency)

	for _, pool := range pools {
		count := pool.Count
		if deficits != nil {
			count = deficits[pool.Type]
		}
		for i := 0; i < count; i++ {
			pool, i := pool, i
			g.Go(func() error {
				worker, err := m.startOne(gctx, pool, i)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					report.Failures = append(report.Failures, err)
					// Startup failures do not cancel sibling starts.
					return nil
				}
				report.Started = append(report.Started, *worker)
				return nil
			})
		}
	}
	_ = g.Wait()

	m.event(ctx, models.EventPoolStarted, "",
		fmt.Sprintf("started=%d failed=%d", len(report.Started), len(report.Failures)))
	m.logger.Info().
		Int("started", len(report.Started)).
		Int("failed", len(report.Failures)).
		Msg("Worker pools started")
	return report
}

// startOne launches a runtime and waits for its self-registration row.
func (m *Manager) startOne(ctx context.Context, config models.WorkerConfig, index int) (*ManagedWorker, error) {
	executorID, err := m.executor.StartWorker(ctx, config.Type, index, config)
	if err != nil {
		m.event(ctx, models.EventWorkerFailed, "",
			fmt.Sprintf("type=%s index=%d: %v", config.Type, index, err))
		return nil, fmt.Errorf("failed to start %s worker %d: %w", config.Type, index, err)
	}

	workerID, err := m.awaitRegistration(ctx, executorID)
	if err != nil {
		m.executor.StopWorker(ctx, executorID)
		m.event(ctx, models.EventWorkerFailed, "",
			fmt.Sprintf("type=%s index=%d executor=%s: %v", config.Type, index, executorID, err))
		return nil, fmt.Errorf("%s worker %d did not register: %w", config.Type, index, err)
	}

	m.event(ctx, models.EventWorkerStarted, workerID, string(config.Type))
	return &ManagedWorker{
		WorkerID:   workerID,
		ExecutorID: executorID,
		Type:       config.Type,
	}, nil
}

// awaitRegistration polls the workers table for the row the child
// self-registers under the executor id.
func (m *Manager) awaitRegistration(ctx context.Context, executorID string) (string, error) {
	deadline := time.After(m.opts.RegistrationTimeout)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline:
			return "", fmt.Errorf("registration timeout after %s", m.opts.RegistrationTimeout)
		case <-tick.C:
			workers, err := m.store.ListWorkers(ctx)
			if err != nil {
				continue
			}
			for _, w := range workers {
				if w.ExecutorID == executorID {
					return w.ID, nil
				}
			}
		}
	}
}

// -----------------------------------------------------------------------
// Health monitor
// -----------------------------------------------------------------------

// StartMonitor launches the background health monitor. Idempotent.
func (m *Manager) StartMonitor(ctx context.Context) {
	m.monitorOnce.Do(func() {
		m.monitorStop = make(chan struct{})
		m.monitorDone = make(chan struct{})
		common.SafeGoWithContext(ctx, m.logger, "pool-health-monitor", func() {
			defer close(m.monitorDone)
			ticker := time.NewTicker(m.opts.MonitorInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-m.monitorStop:
					return
				case <-ticker.C:
					m.checkHealth(ctx)
				}
			}
		})
	})
}

// StopMonitor stops and joins the monitor goroutine.
func (m *Manager) StopMonitor() {
	if m.monitorStop == nil {
		return
	}
	select {
	case <-m.monitorStop:
	default:
		close(m.monitorStop)
	}
	select {
	case <-m.monitorDone:
	case <-time.After(5 * time.Second):
	}
}

// checkHealth classifies workers whose heartbeat went stale. A stale
// heartbeat is evidence, not proof: the runtime is consulted before any
// status change, and transient check errors change nothing.
func (m *Manager) checkHealth(ctx context.Context) {
	workers, err := m.store.ListWorkers(ctx, models.WorkerStatusIdle, models.WorkerStatusBusy)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Health check failed to list workers")
		return
	}

	for _, w := range workers {
		if w.HeartbeatFresh(m.opts.StaleThreshold) {
			continue
		}

		if !m.executor.IsWorkerRunning(ctx, w.ExecutorID) {
			m.logger.Warn().
				Str("worker_id", w.ID).
				Str("worker_type", string(w.Type)).
				Msg("Worker runtime gone, marking dead")
			if err := m.store.UpdateWorkerStatus(ctx, w.ID, models.WorkerStatusDead); err != nil {
				m.logger.Warn().Err(err).Str("worker_id", w.ID).Msg("Failed to mark worker dead")
				continue
			}
			m.event(ctx, models.EventWorkerFailed, w.ID, "runtime not observable")
			// Its in-flight job is now claimable again.
			if _, err := m.store.ResetHungJobs(ctx); err != nil {
				m.logger.Warn().Err(err).Msg("Failed to reset jobs of dead worker")
			}
			continue
		}

		if w.Status != models.WorkerStatusBusy {
			continue
		}
		stats, err := m.executor.GetWorkerStats(ctx, w.ExecutorID)
		if err != nil {
			// Transient; retry next cycle.
			m.logger.Debug().Err(err).Str("worker_id", w.ID).Msg("Stats sample failed")
			continue
		}
		if stats.Alive && stats.CPUPercent < hungCPUThreshold {
			m.logger.Warn().
				Str("worker_id", w.ID).
				Str("cpu", fmt.Sprintf("%.2f%%", stats.CPUPercent)).
				Msg("Busy worker idle at CPU level, marking hung")
			if err := m.store.UpdateWorkerStatus(ctx, w.ID, models.WorkerStatusHung); err != nil {
				m.logger.Warn().Err(err).Str("worker_id", w.ID).Msg("Failed to mark worker hung")
			}
		}
	}
}

// -----------------------------------------------------------------------
// Shutdown
// -----------------------------------------------------------------------

// StopWorkers stops the given workers: executor stop, dead mark, event.
// Used for both session shutdown and explicit stop commands.
func (m *Manager) StopWorkers(ctx context.Context, workers []ManagedWorker) {
	if len(workers) == 0 {
		return
	}
	m.event(ctx, models.EventPoolStopping, "", fmt.Sprintf("count=%d", len(workers)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.StartConcurrency)
	for _, w := range workers {
		w := w
		g.Go(func() error {
			stopCtx, cancel := context.WithTimeout(gctx, m.opts.StopTimeout)
			defer cancel()
			if !m.executor.StopWorker(stopCtx, w.ExecutorID) {
				m.logger.Warn().Str("worker_id", w.WorkerID).Msg("Worker did not stop cleanly")
			}
			if err := m.store.UpdateWorkerStatus(ctx, w.WorkerID, models.WorkerStatusDead); err != nil {
				m.logger.Warn().Err(err).Str("worker_id", w.WorkerID).Msg("Failed to mark stopped worker dead")
			}
			m.event(ctx, models.EventWorkerStopped, w.WorkerID, "")
			return nil
		})
	}
	_ = g.Wait()

	m.executor.Cleanup(ctx)
	m.event(ctx, models.EventPoolStopped, "", "")
	m.logger.Info().Int("count", len(workers)).Msg("Worker pools stopped")
}

// event appends to the audit log; failures are logged, never propagated.
func (m *Manager) event(ctx context.Context, eventType, workerID, detail string) {
	err := m.store.AddWorkerEvent(ctx, &models.WorkerEvent{
		EventType: eventType,
		WorkerID:  workerID,
		Detail:    detail,
	})
	if err != nil {
		m.logger.Debug().Err(err).Str("event", eventType).Msg("Failed to record worker event")
	}
}
