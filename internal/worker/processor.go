package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"giftflow/internal/entity"
	"giftflow/internal/extractor"
	"giftflow/internal/fault"
	"giftflow/internal/metrics"
	"giftflow/internal/repository/postgresql"
)

// Порт job store + lease manager (реализация: postgresql.JobRepository).
type JobStore interface {
	Claim(ctx context.Context, workerID string) (*entity.Job, error)
	RenewLease(ctx context.Context, id uuid.UUID, workerID string) error
	UpdateProgress(ctx context.Context, id uuid.UUID, workerID string, progress int, stage string) (bool, error)
	FinalizeSuccess(ctx context.Context, id uuid.UUID, workerID string, result json.RawMessage) error
	FinalizeFailure(ctx context.Context, id uuid.UUID, workerID, errText string, retryable bool) error
	FinalizeCancelled(ctx context.Context, id uuid.UUID, workerID string) error
	ReleaseLease(ctx context.Context, id uuid.UUID, workerID string) error
}

type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

type Extractor interface {
	ParseItem(ctx context.Context, html string) (*extractor.Item, error)
}

type ImageProcessor interface {
	DownloadAndStore(ctx context.Context, url string, ownerID uuid.UUID, recordType string) (int64, error)
}

type BlobGetter interface {
	GetByID(ctx context.Context, id int64) (*entity.Blob, error)
}

// Stage is one named step of a pipeline, atomic from the loop's
// perspective. Progress is the nominal percentage reached once the
// stage completes.
type Stage struct {
	Name     string
	Progress int
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

type Processor struct {
	store        JobStore
	fetcher      Fetcher
	extractor    Extractor
	images       ImageProcessor
	blobs        BlobGetter
	leaseTimeout time.Duration
	log          *slog.Logger
}

func NewProcessor(store JobStore, f Fetcher, ex Extractor, img ImageProcessor, blobs BlobGetter, leaseTimeout time.Duration, log *slog.Logger) *Processor {
	return &Processor{
		store:        store,
		fetcher:      f,
		extractor:    ex,
		images:       img,
		blobs:        blobs,
		leaseTimeout: leaseTimeout,
		log:          log,
	}
}

// Process drives one claimed job through its pipeline. At every stage
// boundary it refreshes the lease, writes the progress integer and
// observes the cancellation flag; on any stage error it maps the
// fault kind to exactly one finalize decision. Finalize writes run on
// a context that survives worker shutdown.
func (p *Processor) Process(ctx context.Context, job *entity.Job, workerID string) {
	start := time.Now()
	log := p.log.With("job_id", job.ID.String(), "kind", string(job.Kind))

	pipe, err := p.pipelineFor(job)
	if err != nil {
		// Unknown kind or unreadable input: nothing to retry.
		p.finalizeFailure(ctx, job, workerID, err.Error(), false, log)
		return
	}

	// Long stages must not outlive the lease; renew in the
	// background at a third of the lease timeout.
	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()
	go p.renewLoop(jobCtx, cancelJob, job.ID, workerID, log)

	progress := 0
	for _, stage := range pipe.stages {
		cancelRequested, err := p.store.UpdateProgress(jobCtx, job.ID, workerID, progress, stage.Name)
		if err != nil {
			if errors.Is(err, postgresql.ErrLeaseLost) {
				log.Warn("lease lost, discarding job state", "stage", stage.Name)
				return
			}
			if ctx.Err() != nil {
				p.release(job, workerID, log)
				return
			}
			p.finalizeFailure(ctx, job, workerID, "internal error before stage "+stage.Name, true, log)
			return
		}
		if cancelRequested {
			p.finalizeCancelled(ctx, job, workerID, log)
			return
		}

		stageStart := time.Now()
		err = p.runStage(jobCtx, stage)
		metrics.StageDuration.WithLabelValues(string(job.Kind), stage.Name).Observe(time.Since(stageStart).Seconds())
		if err != nil {
			p.handleStageError(ctx, job, workerID, stage.Name, err, log)
			return
		}
		progress = stage.Progress
	}

	result, err := pipe.result()
	if err != nil {
		p.finalizeFailure(ctx, job, workerID, err.Error(), false, log)
		return
	}

	if err := p.store.FinalizeSuccess(context.WithoutCancel(ctx), job.ID, workerID, result); err != nil {
		if errors.Is(err, postgresql.ErrLeaseLost) {
			log.Warn("lease lost at finalize, result discarded")
			return
		}
		log.Error("finalize success failed", "error", err)
		return
	}

	metrics.JobsFinished.WithLabelValues(string(job.Kind), "completed").Inc()
	log.Info("job completed",
		"retry_count", job.RetryCount,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (p *Processor) runStage(ctx context.Context, stage Stage) error {
	if stage.Timeout <= 0 {
		return stage.Run(ctx)
	}
	stageCtx, cancel := context.WithTimeout(ctx, stage.Timeout)
	defer cancel()
	return stage.Run(stageCtx)
}

func (p *Processor) handleStageError(ctx context.Context, job *entity.Job, workerID, stageName string, err error, log *slog.Logger) {
	// Worker shutdown: hand the job back untouched.
	if ctx.Err() != nil {
		p.release(job, workerID, log)
		return
	}

	switch fault.KindOf(err) {
	case fault.KindLeaseLost:
		log.Warn("lease lost mid-stage, discarding job state", "stage", stageName)
	case fault.KindCancelled:
		p.finalizeCancelled(ctx, job, workerID, log)
	case fault.KindPermanent:
		log.Warn("stage failed permanently", "stage", stageName, "error", err)
		p.finalizeFailure(ctx, job, workerID, err.Error(), false, log)
	default:
		log.Warn("stage failed, retryable", "stage", stageName, "error", err)
		p.finalizeFailure(ctx, job, workerID, err.Error(), true, log)
	}
}

func (p *Processor) finalizeFailure(ctx context.Context, job *entity.Job, workerID, msg string, retryable bool, log *slog.Logger) {
	if err := p.store.FinalizeFailure(context.WithoutCancel(ctx), job.ID, workerID, msg, retryable); err != nil {
		if errors.Is(err, postgresql.ErrLeaseLost) {
			log.Warn("lease lost before failure write, state discarded")
			return
		}
		log.Error("finalize failure write failed", "error", err)
		return
	}
	outcome := "failed"
	if retryable && job.RetryCount < job.MaxRetries {
		outcome = "rescheduled"
	}
	metrics.JobsFinished.WithLabelValues(string(job.Kind), outcome).Inc()
}

func (p *Processor) finalizeCancelled(ctx context.Context, job *entity.Job, workerID string, log *slog.Logger) {
	if err := p.store.FinalizeCancelled(context.WithoutCancel(ctx), job.ID, workerID); err != nil {
		if errors.Is(err, postgresql.ErrLeaseLost) {
			log.Warn("lease lost before cancel write, state discarded")
			return
		}
		log.Error("finalize cancelled write failed", "error", err)
		return
	}
	metrics.JobsFinished.WithLabelValues(string(job.Kind), "cancelled").Inc()
	log.Info("job cancelled")
}

func (p *Processor) release(job *entity.Job, workerID string, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.ReleaseLease(ctx, job.ID, workerID); err != nil && !errors.Is(err, postgresql.ErrLeaseLost) {
		log.Error("release lease failed", "error", err)
		return
	}
	log.Info("released lease on shutdown")
}

// renewLoop refreshes locked_at every leaseTimeout/3. Losing the
// lease cancels the job context so the running stage stops doing work
// another worker now owns.
func (p *Processor) renewLoop(ctx context.Context, cancelJob context.CancelFunc, id uuid.UUID, workerID string, log *slog.Logger) {
	interval := p.leaseTimeout / 3
	if interval <= 0 {
		interval = 100 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.store.RenewLease(ctx, id, workerID); err != nil {
				if errors.Is(err, postgresql.ErrLeaseLost) {
					log.Warn("lease lost during renewal")
					cancelJob()
					return
				}
				log.Error("lease renewal failed", "error", err)
			}
		}
	}
}
