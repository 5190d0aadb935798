// Package scheduler runs the periodic maintenance tasks: the lease
// reaper, the artifact cleaner and the notification pruner. Every
// task action is a conditional database update, so running the
// scheduler on multiple nodes reclaims leases safely; cleanup tasks
// at worst duplicate cheap DELETE work.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is one named periodic job. Run returns the number of rows it
// acted on.
type Task struct {
	Name     string
	Schedule string
	Enabled  bool
	Run      func(ctx context.Context) (int64, error)
}

type taskState struct {
	task    Task
	lastRun time.Time
	lastErr error
	runs    int64
	mu      sync.Mutex
}

type Scheduler struct {
	cron  *cron.Cron
	log   *slog.Logger
	tasks []*taskState
}

func New(log *slog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(),
		log:  log,
	}
}

// Register adds a task. Disabled tasks are kept for the status report
// but never scheduled.
func (s *Scheduler) Register(task Task) error {
	st := &taskState{task: task}
	s.tasks = append(s.tasks, st)

	if !task.Enabled {
		s.log.Info("periodic task disabled", "task", task.Name)
		return nil
	}

	_, err := s.cron.AddFunc(task.Schedule, func() {
		s.runTask(st)
	})
	return err
}

func (s *Scheduler) runTask(st *taskState) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	start := time.Now()
	n, err := st.task.Run(ctx)

	st.mu.Lock()
	st.lastRun = start
	st.lastErr = err
	st.runs++
	st.mu.Unlock()

	if err != nil {
		s.log.Error("periodic task failed",
			"task", st.task.Name,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return
	}
	s.log.Info("periodic task ran",
		"task", st.task.Name,
		"affected", n,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for running tasks to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// TaskStatus is a point-in-time snapshot for operators.
type TaskStatus struct {
	Name    string     `json:"name"`
	Enabled bool       `json:"enabled"`
	Runs    int64      `json:"runs"`
	LastRun *time.Time `json:"lastRun,omitempty"`
	LastErr string     `json:"lastError,omitempty"`
}

func (s *Scheduler) Status() []TaskStatus {
	out := make([]TaskStatus, 0, len(s.tasks))
	for _, st := range s.tasks {
		st.mu.Lock()
		ts := TaskStatus{
			Name:    st.task.Name,
			Enabled: st.task.Enabled,
			Runs:    st.runs,
		}
		if !st.lastRun.IsZero() {
			t := st.lastRun
			ts.LastRun = &t
		}
		if st.lastErr != nil {
			ts.LastErr = st.lastErr.Error()
		}
		st.mu.Unlock()
		out = append(out, ts)
	}
	return out
}
