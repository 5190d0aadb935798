package scheduler

import (
	"context"
	"fmt"
	"time"

	"giftflow/internal/config"
	"giftflow/internal/entity"
	"giftflow/internal/metrics"
)

// Maintenance is the repository surface the periodic tasks mutate.
type Maintenance interface {
	ReapExpired(ctx context.Context, leaseTimeout time.Duration) (requeued, failed int64, err error)
	CountByStatus(ctx context.Context) (map[entity.JobStatus]int64, error)
	DeleteExpiredListItems(ctx context.Context) (int64, error)
	DeleteReadNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RegisterDefaults wires the three standard tasks according to config.
func RegisterDefaults(s *Scheduler, repo Maintenance, cfg config.Config) error {
	reapEvery := fmt.Sprintf("@every %ds", int(cfg.ReapInterval.Seconds()))

	if err := s.Register(Task{
		Name:     "lease-reaper",
		Schedule: reapEvery,
		Enabled:  cfg.SchedulerEnabled,
		Run: func(ctx context.Context) (int64, error) {
			requeued, failed, err := repo.ReapExpired(ctx, cfg.LeaseTimeout)
			if err != nil {
				return 0, err
			}
			metrics.LeasesReaped.Add(float64(requeued))
			metrics.LeasesExhausted.Add(float64(failed))

			// Piggyback the queue-depth sample on the reap tick.
			if counts, err := repo.CountByStatus(ctx); err == nil {
				for _, st := range []entity.JobStatus{
					entity.StatusPending, entity.StatusProcessing,
					entity.StatusCompleted, entity.StatusFailed, entity.StatusCancelled,
				} {
					metrics.QueueDepth.WithLabelValues(string(st)).Set(float64(counts[st]))
				}
			}
			return requeued + failed, nil
		},
	}); err != nil {
		return fmt.Errorf("register lease-reaper: %w", err)
	}

	if err := s.Register(Task{
		Name:     "artifact-cleaner",
		Schedule: cfg.CleanupSchedule,
		Enabled:  cfg.SchedulerEnabled && cfg.ArtifactCleanupEnabled,
		Run: func(ctx context.Context) (int64, error) {
			return repo.DeleteExpiredListItems(ctx)
		},
	}); err != nil {
		return fmt.Errorf("register artifact-cleaner: %w", err)
	}

	if err := s.Register(Task{
		Name:     "notification-pruner",
		Schedule: cfg.NotificationCleanupSchedule,
		Enabled:  cfg.SchedulerEnabled && cfg.NotificationCleanupEnabled,
		Run: func(ctx context.Context) (int64, error) {
			cutoff := time.Now().AddDate(0, 0, -cfg.NotificationRetentionDays)
			return repo.DeleteReadNotificationsBefore(ctx, cutoff)
		},
	}); err != nil {
		return fmt.Errorf("register notification-pruner: %w", err)
	}

	return nil
}
