package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"giftflow/internal/entity"
	"giftflow/internal/metrics"
	"giftflow/internal/repository/postgresql"
)

// Pool is the scheduler inside a worker process: it claims jobs up to
// the concurrency limit, runs each on its own goroutine, and tracks
// in-flight ids so shutdown can drain and voluntarily hand leases
// back.
type Pool struct {
	store        JobStore
	processor    *Processor
	workerID     string
	concurrency  int
	pollInterval time.Duration
	drainTimeout time.Duration
	log          *slog.Logger

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
	wg       sync.WaitGroup
}

func NewPool(store JobStore, processor *Processor, concurrency int, pollInterval, drainTimeout time.Duration, log *slog.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = 2
	}
	workerID := "worker-" + uuid.NewString()
	return &Pool{
		store:        store,
		processor:    processor,
		workerID:     workerID,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		drainTimeout: drainTimeout,
		log:          log.With("worker_id", workerID),
	}
}

func (p *Pool) WorkerID() string { return p.workerID }

// Run claims and processes jobs until ctx is cancelled, then drains.
func (p *Pool) Run(ctx context.Context) {
	p.inflight = make(map[uuid.UUID]struct{})
	sem := make(chan struct{}, p.concurrency)

	p.log.Info("worker pool started", "concurrency", p.concurrency)

	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		case sem <- struct{}{}:
		}

		job, err := p.store.Claim(ctx, p.workerID)
		if err != nil {
			<-sem
			if errors.Is(err, postgresql.ErrNoJobs) {
				p.sleep(ctx)
				continue
			}
			if ctx.Err() != nil {
				p.drain()
				return
			}
			p.log.Error("claim failed", "error", err)
			p.sleep(ctx)
			continue
		}

		metrics.JobsClaimed.WithLabelValues(string(job.Kind)).Inc()
		p.track(job)

		p.wg.Add(1)
		go func(job *entity.Job) {
			defer p.wg.Done()
			defer func() { <-sem }()
			defer p.untrack(job.ID)
			p.processor.Process(ctx, job, p.workerID)
		}(job)
	}
}

func (p *Pool) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.pollInterval):
	}
}

func (p *Pool) track(job *entity.Job) {
	p.mu.Lock()
	p.inflight[job.ID] = struct{}{}
	p.mu.Unlock()
}

func (p *Pool) untrack(id uuid.UUID) {
	p.mu.Lock()
	delete(p.inflight, id)
	p.mu.Unlock()
}

// drain waits up to drainTimeout for in-flight jobs to reach a stage
// boundary (the cancelled worker context makes the processor release
// each lease), then force-releases whatever is still tracked.
func (p *Pool) drain() {
	p.log.Info("worker pool draining", "inflight", p.inflightCount())

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.drainTimeout):
		p.log.Warn("drain timeout, force-releasing remaining leases")
		p.releaseRemaining()
	}

	p.log.Info("worker pool stopped")
}

func (p *Pool) inflightCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

func (p *Pool) releaseRemaining() {
	p.mu.Lock()
	ids := make([]uuid.UUID, 0, len(p.inflight))
	for id := range p.inflight {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, id := range ids {
		if err := p.store.ReleaseLease(ctx, id, p.workerID); err != nil && !errors.Is(err, postgresql.ErrLeaseLost) {
			p.log.Error("force release failed", "job_id", id.String(), "error", err)
		}
	}
}
