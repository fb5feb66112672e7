package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/stellarlinkco/keepsake/internal/cron"
)

const (
	jobPruneVectors = "__internal:vectors:prune"
	jobPurgeTasks   = "__internal:tasks:purge"

	staleTaskAge = 24 * time.Hour
)

// ensureMaintenanceJobs keeps the built-in jobs in the job list, following the
// schedules in config.
func (g *Gateway) ensureMaintenanceJobs() error {
	jobs := []struct {
		name string
		expr string
	}{
		{jobPruneVectors, g.cfg.Maintenance.PruneSchedule},
		{jobPurgeTasks, g.cfg.Maintenance.PurgeSchedule},
	}
	for _, j := range jobs {
		sched := cron.Schedule{Kind: cron.KindCron, Expr: j.expr}
		if _, err := g.cron.EnsureJob(j.name, sched, cron.Payload{Task: j.name}); err != nil {
			return fmt.Errorf("ensure %s: %w", j.name, err)
		}
	}
	return nil
}

func (g *Gateway) runMaintenance(ctx context.Context, job cron.CronJob) (string, error) {
	st := g.core.Store
	switch job.Payload.Task {
	case jobPruneVectors:
		n, err := st.PruneVectors(ctx, g.cfg.Maintenance.VectorRetention)
		if err != nil {
			return "", fmt.Errorf("prune vectors: %w", err)
		}
		return fmt.Sprintf("pruned %d vectors", n), nil
	case jobPurgeTasks:
		n, err := st.PurgeStaleTasks(ctx, g.now().Add(-staleTaskAge), g.worker.MaxAttempts())
		if err != nil {
			return "", fmt.Errorf("purge tasks: %w", err)
		}
		return fmt.Sprintf("purged %d tasks", n), nil
	default:
		return "", fmt.Errorf("unknown maintenance task %q", job.Payload.Task)
	}
}
