package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"giftflow/internal/config"
	"giftflow/internal/entity"
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestRunTask_RecordsOutcome(t *testing.T) {
	s := New(discard())

	calls := 0
	require.NoError(t, s.Register(Task{
		Name:     "counter",
		Schedule: "@every 1h",
		Enabled:  true,
		Run: func(ctx context.Context) (int64, error) {
			calls++
			return 7, nil
		},
	}))

	// Drive the task directly instead of waiting on cron.
	s.runTask(s.tasks[0])
	s.runTask(s.tasks[0])

	assert.Equal(t, 2, calls)

	st := s.Status()
	require.Len(t, st, 1)
	assert.Equal(t, "counter", st[0].Name)
	assert.Equal(t, int64(2), st[0].Runs)
	assert.NotNil(t, st[0].LastRun)
	assert.Empty(t, st[0].LastErr)
}

func TestRunTask_KeepsLastError(t *testing.T) {
	s := New(discard())

	require.NoError(t, s.Register(Task{
		Name:     "flaky",
		Schedule: "@every 1h",
		Enabled:  true,
		Run: func(ctx context.Context) (int64, error) {
			return 0, errors.New("db gone")
		},
	}))

	s.runTask(s.tasks[0])

	st := s.Status()
	require.Len(t, st, 1)
	assert.Equal(t, "db gone", st[0].LastErr)
}

func TestRegister_DisabledTaskNeverScheduled(t *testing.T) {
	s := New(discard())

	ran := false
	require.NoError(t, s.Register(Task{
		Name:     "off",
		Schedule: "@every 1ms",
		Enabled:  false,
		Run: func(ctx context.Context) (int64, error) {
			ran = true
			return 0, nil
		},
	}))

	s.Start()
	time.Sleep(30 * time.Millisecond)
	s.Stop()

	assert.False(t, ran)
	// Disabled tasks still show up for operators.
	st := s.Status()
	require.Len(t, st, 1)
	assert.False(t, st[0].Enabled)
}

func TestRegister_BadScheduleRejected(t *testing.T) {
	s := New(discard())
	err := s.Register(Task{
		Name:     "broken",
		Schedule: "not a schedule",
		Enabled:  true,
		Run:      func(ctx context.Context) (int64, error) { return 0, nil },
	})
	assert.Error(t, err)
}

type fakeMaintenance struct {
	requeued, failed int64
	items, notifs    int64
	notifCutoff      time.Time
}

func (f *fakeMaintenance) ReapExpired(ctx context.Context, leaseTimeout time.Duration) (int64, int64, error) {
	return f.requeued, f.failed, nil
}

func (f *fakeMaintenance) CountByStatus(ctx context.Context) (map[entity.JobStatus]int64, error) {
	return map[entity.JobStatus]int64{entity.StatusPending: 9}, nil
}

func (f *fakeMaintenance) DeleteExpiredListItems(ctx context.Context) (int64, error) {
	return f.items, nil
}

func (f *fakeMaintenance) DeleteReadNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	f.notifCutoff = cutoff
	return f.notifs, nil
}

func TestRegisterDefaults(t *testing.T) {
	s := New(discard())
	cfg := config.Config{
		SchedulerEnabled:            true,
		ArtifactCleanupEnabled:      true,
		NotificationCleanupEnabled:  true,
		NotificationRetentionDays:   30,
		ReapInterval:                30 * time.Second,
		LeaseTimeout:                5 * time.Minute,
		CleanupSchedule:             "0 2 * * *",
		NotificationCleanupSchedule: "0 3 * * 0",
	}
	repo := &fakeMaintenance{requeued: 2, failed: 1, items: 5, notifs: 3}

	require.NoError(t, RegisterDefaults(s, repo, cfg))
	require.Len(t, s.tasks, 3)

	names := make([]string, 0, 3)
	for _, st := range s.tasks {
		names = append(names, st.task.Name)
		s.runTask(st)
	}
	assert.Equal(t, []string{"lease-reaper", "artifact-cleaner", "notification-pruner"}, names)

	// Pruner computes the cutoff from the retention window.
	wantCutoff := time.Now().AddDate(0, 0, -30)
	assert.WithinDuration(t, wantCutoff, repo.notifCutoff, time.Minute)

	for _, st := range s.Status() {
		assert.Empty(t, st.LastErr, st.Name)
		assert.Equal(t, int64(1), st.Runs, st.Name)
	}
}
