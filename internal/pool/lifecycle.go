// -----------------------------------------------------------------------
// Lifecycle - Session-level worker policy above the pool
// -----------------------------------------------------------------------

package pool

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/forge/internal/interfaces"
	"github.com/ternarybob/forge/internal/models"
)

// LifecyclePolicy is the configured session behavior.
type LifecyclePolicy struct {
	AutoStart    bool
	AutoStop     bool
	ReuseWorkers bool
	// Freshness bounds how old a heartbeat may be for a worker to count
	// as healthy when reuse is considered.
	Freshness time.Duration
}

// Lifecycle decides when workers start and stop for a build session.
// Healthy counts always come from the store, never process memory, so two
// concurrent orchestrators cannot double-count.
type Lifecycle struct {
	logger  arbor.ILogger
	store   interfaces.JobStore
	manager *Manager
	policy  LifecyclePolicy
}

// NewLifecycle builds the session lifecycle manager.
func NewLifecycle(logger arbor.ILogger, store interfaces.JobStore, manager *Manager, policy LifecyclePolicy) *Lifecycle {
	if policy.Freshness <= 0 {
		policy.Freshness = 30 * time.Second
	}
	return &Lifecycle{
		logger:  logger,
		store:   store,
		manager: manager,
		policy:  policy,
	}
}

// ShouldStartWorkers reports whether this session needs to start workers
// for the given pools.
func (l *Lifecycle) ShouldStartWorkers(ctx context.Context, pools []models.WorkerConfig) (bool, error) {
	if !l.policy.AutoStart {
		return false, nil
	}
	if !l.policy.ReuseWorkers {
		return true, nil
	}
	deficits, err := l.deficits(ctx, pools)
	if err != nil {
		return false, err
	}
	for _, d := range deficits {
		if d > 0 {
			return true, nil
		}
	}
	return false, nil
}

// StartManagedWorkers starts workers for the session. Under reuse, only
// the deficit beyond already-healthy workers is started.
func (l *Lifecycle) StartManagedWorkers(ctx context.Context, pools []models.WorkerConfig) (*StartReport, error) {
	if _, err := l.manager.PurgeStaleWorkers(ctx); err != nil {
		l.logger.Warn().Err(err).Msg("Stale worker purge failed, continuing")
	}

	var deficits map[models.JobType]int
	if l.policy.ReuseWorkers {
		var err error
		deficits, err = l.deficits(ctx, pools)
		if err != nil {
			return nil, err
		}
		total := 0
		for t, d := range deficits {
			if d > 0 {
				l.logger.Info().
					Str("worker_type", string(t)).
					Int("deficit", d).
					Msg("Starting workers to cover deficit")
			}
			total += d
		}
		if total == 0 {
			l.logger.Info().Msg("Healthy workers already cover every pool, reusing")
			return &StartReport{}, nil
		}
	}

	return l.manager.StartPools(ctx, pools, deficits), nil
}

// StopManagedWorkers stops only the workers this session started, and
// only when auto_stop is configured.
func (l *Lifecycle) StopManagedWorkers(ctx context.Context, workers []ManagedWorker) {
	if !l.policy.AutoStop {
		l.logger.Info().Int("count", len(workers)).Msg("auto_stop disabled, leaving workers running")
		return
	}
	l.manager.StopWorkers(ctx, workers)
}

// StartPersistentWorkers starts the full configured counts regardless of
// reuse policy, for long-lived worker services that outlive any build.
func (l *Lifecycle) StartPersistentWorkers(ctx context.Context, pools []models.WorkerConfig) (*StartReport, error) {
	if _, err := l.manager.PurgeStaleWorkers(ctx); err != nil {
		l.logger.Warn().Err(err).Msg("Stale worker purge failed, continuing")
	}
	return l.manager.StartPools(ctx, pools, nil), nil
}

// StopPersistentWorkers stops long-lived workers unconditionally.
func (l *Lifecycle) StopPersistentWorkers(ctx context.Context, workers []ManagedWorker) {
	l.manager.StopWorkers(ctx, workers)
}

// deficits computes configured count minus healthy count per type,
// floored at zero.
func (l *Lifecycle) deficits(ctx context.Context, pools []models.WorkerConfig) (map[models.JobType]int, error) {
	deficits := make(map[models.JobType]int, len(pools))
	for _, pool := range pools {
		healthy, err := l.store.CountHealthyWorkers(ctx, pool.Type, l.policy.Freshness)
		if err != nil {
			return nil, err
		}
		deficit := pool.Count - healthy
		if deficit < 0 {
			deficit = 0
		}
		deficits[pool.Type] = deficit
	}
	return deficits, nil
}
