package postgresql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"giftflow/internal/entity"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrNoJobs    = errors.New("no jobs available")
	ErrLeaseLost = errors.New("lease lost")
	ErrNotOwner  = errors.New("not owner")
	ErrTerminal  = errors.New("job in terminal state")
)

const jobColumns = `
id, owner_id, kind, status, progress, input, result, error, metadata,
queued_at, locked_at, locked_by, max_retries, retry_count, created_at, updated_at`

type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*entity.Job, error) {
	var (
		job                     entity.Job
		kind, status            string
		input, result, metadata []byte
	)
	err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&kind,
		&status,
		&job.Progress,
		&input,
		&result,
		&job.Error,
		&metadata,
		&job.QueuedAt,
		&job.LockedAt,
		&job.LockedBy,
		&job.MaxRetries,
		&job.RetryCount,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Kind = entity.JobKind(kind)
	job.Status = entity.JobStatus(status)
	job.Input = json.RawMessage(input)
	if result != nil {
		job.Result = json.RawMessage(result)
	}
	if metadata != nil {
		job.Metadata = json.RawMessage(metadata)
	}
	return &job, nil
}

func (r *JobRepository) Create(ctx context.Context, ownerID uuid.UUID, kind entity.JobKind, input json.RawMessage, maxRetries int) (uuid.UUID, error) {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}

	const q = `
INSERT INTO jobs (owner_id, kind, status, progress, input, queued_at, max_retries, retry_count)
VALUES ($1, $2, 'pending', 0, $3, now(), $4, 0)
RETURNING id;
`
	var id uuid.UUID
	if err := r.pool.QueryRow(ctx, q, ownerID, string(kind), input, maxRetries).Scan(&id); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1;`

	job, err := scanJob(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

func (r *JobRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID, status entity.JobStatus, limit, offset int) ([]*entity.Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	q := `SELECT ` + jobColumns + ` FROM jobs WHERE owner_id = $1`
	args := []any{ownerID}
	if status != "" {
		q += ` AND status = $2`
		args = append(args, string(status))
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d;`, limit, offset)

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*entity.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Claim atomically leases the oldest eligible pending job. The CTE
// locks a single candidate row with SKIP LOCKED so concurrent workers
// never pick the same job, then the UPDATE flips it to processing.
func (r *JobRepository) Claim(ctx context.Context, workerID string) (*entity.Job, error) {
	q := `
WITH candidate AS (
	SELECT id FROM jobs
	WHERE status = 'pending' AND queued_at <= now()
	ORDER BY queued_at ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
UPDATE jobs SET
	status = 'processing',
	locked_at = now(),
	locked_by = $1,
	updated_at = now()
FROM candidate
WHERE jobs.id = candidate.id AND jobs.status = 'pending'
RETURNING ` + jobColumns2("jobs") + `;`

	job, err := scanJob(r.pool.QueryRow(ctx, q, workerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoJobs
		}
		return nil, err
	}
	return job, nil
}

// jobColumns2 qualifies the shared column list with a table alias for
// statements that join against a CTE.
func jobColumns2(table string) string {
	return table + `.id, ` + table + `.owner_id, ` + table + `.kind, ` + table + `.status, ` +
		table + `.progress, ` + table + `.input, ` + table + `.result, ` + table + `.error, ` +
		table + `.metadata, ` + table + `.queued_at, ` + table + `.locked_at, ` + table + `.locked_by, ` +
		table + `.max_retries, ` + table + `.retry_count, ` + table + `.created_at, ` + table + `.updated_at`
}

// RenewLease refreshes locked_at. Fails with ErrLeaseLost when the
// caller no longer holds the lease.
func (r *JobRepository) RenewLease(ctx context.Context, id uuid.UUID, workerID string) error {
	const q = `
UPDATE jobs SET locked_at = now(), updated_at = now()
WHERE id = $1 AND status = 'processing' AND locked_by = $2;
`
	tag, err := r.pool.Exec(ctx, q, id, workerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// UpdateProgress bumps progress (never backwards), records the stage
// name, refreshes the lease, and reports whether cancellation has been
// requested so the worker observes cancels at stage boundaries.
func (r *JobRepository) UpdateProgress(ctx context.Context, id uuid.UUID, workerID string, progress int, stage string) (bool, error) {
	const q = `
UPDATE jobs SET
	progress = GREATEST(progress, $3),
	metadata = jsonb_set(COALESCE(metadata, '{}'::jsonb), '{lastStage}', to_jsonb($4::text)),
	locked_at = now(),
	updated_at = now()
WHERE id = $1 AND status = 'processing' AND locked_by = $2
RETURNING COALESCE((metadata->>'cancelRequested')::boolean, false);
`
	var cancelRequested bool
	err := r.pool.QueryRow(ctx, q, id, workerID, progress, stage).Scan(&cancelRequested)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrLeaseLost
		}
		return false, err
	}
	return cancelRequested, nil
}

// FinalizeSuccess writes the full result and completes the job. The
// result overwrites any previous one; retried pipelines rebuild it
// from scratch.
func (r *JobRepository) FinalizeSuccess(ctx context.Context, id uuid.UUID, workerID string, result json.RawMessage) error {
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	const q = `
UPDATE jobs SET
	status = 'completed',
	progress = 100,
	result = $3,
	error = NULL,
	locked_at = NULL,
	locked_by = NULL,
	updated_at = now()
WHERE id = $1 AND status = 'processing' AND locked_by = $2;
`
	tag, err := r.pool.Exec(ctx, q, id, workerID, result)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// FinalizeFailure either reschedules the job (retryable, retries
// remaining) or fails it terminally. The decision happens inside the
// statement so a racing reaper cannot double-count the attempt.
// error stays NULL on the pending branch; the attempt's detail lands
// in metadata.lastError either way.
func (r *JobRepository) FinalizeFailure(ctx context.Context, id uuid.UUID, workerID, errText string, retryable bool) error {
	const q = `
UPDATE jobs SET
	status = CASE WHEN $4::boolean AND retry_count < max_retries THEN 'pending' ELSE 'failed' END,
	retry_count = CASE WHEN $4::boolean AND retry_count < max_retries THEN retry_count + 1 ELSE retry_count END,
	queued_at = CASE WHEN $4::boolean AND retry_count < max_retries THEN now() ELSE queued_at END,
	error = CASE WHEN $4::boolean AND retry_count < max_retries THEN NULL ELSE $3 END,
	metadata = jsonb_set(COALESCE(metadata, '{}'::jsonb), '{lastError}', to_jsonb($3::text)),
	locked_at = NULL,
	locked_by = NULL,
	updated_at = now()
WHERE id = $1 AND status = 'processing' AND locked_by = $2;
`
	tag, err := r.pool.Exec(ctx, q, id, workerID, errText, retryable)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// FinalizeCancelled moves a processing job to its cancelled terminal
// state after the worker observed the cooperative cancel flag.
func (r *JobRepository) FinalizeCancelled(ctx context.Context, id uuid.UUID, workerID string) error {
	const q = `
UPDATE jobs SET
	status = 'cancelled',
	locked_at = NULL,
	locked_by = NULL,
	updated_at = now()
WHERE id = $1 AND status = 'processing' AND locked_by = $2;
`
	tag, err := r.pool.Exec(ctx, q, id, workerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ReleaseLease is the voluntary shutdown path: the job goes back to
// pending with retry_count untouched and a fresh queued_at.
func (r *JobRepository) ReleaseLease(ctx context.Context, id uuid.UUID, workerID string) error {
	const q = `
UPDATE jobs SET
	status = 'pending',
	queued_at = now(),
	locked_at = NULL,
	locked_by = NULL,
	updated_at = now()
WHERE id = $1 AND status = 'processing' AND locked_by = $2;
`
	tag, err := r.pool.Exec(ctx, q, id, workerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// RequestCancel implements owner-driven cancellation. Pending jobs
// cancel instantly; processing jobs get a persisted flag the worker
// reads between stages; cancelling an already-cancelled job is a
// no-op. Runs in a short row-locking transaction.
func (r *JobRepository) RequestCancel(ctx context.Context, id, ownerID uuid.UUID) (entity.JobStatus, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	var (
		rowOwner uuid.UUID
		status   string
	)
	err = tx.QueryRow(ctx,
		`SELECT owner_id, status FROM jobs WHERE id = $1 FOR UPDATE;`, id,
	).Scan(&rowOwner, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	if rowOwner != ownerID {
		return "", ErrNotOwner
	}

	switch entity.JobStatus(status) {
	case entity.StatusPending:
		_, err = tx.Exec(ctx, `
UPDATE jobs SET status = 'cancelled', locked_at = NULL, locked_by = NULL, updated_at = now()
WHERE id = $1;`, id)
		if err != nil {
			return "", err
		}
		if err := tx.Commit(ctx); err != nil {
			return "", err
		}
		return entity.StatusCancelled, nil

	case entity.StatusProcessing:
		_, err = tx.Exec(ctx, `
UPDATE jobs SET
	metadata = jsonb_set(COALESCE(metadata, '{}'::jsonb), '{cancelRequested}', 'true'::jsonb),
	updated_at = now()
WHERE id = $1;`, id)
		if err != nil {
			return "", err
		}
		if err := tx.Commit(ctx); err != nil {
			return "", err
		}
		return entity.StatusProcessing, nil

	case entity.StatusCancelled:
		return entity.StatusCancelled, nil

	default:
		return entity.JobStatus(status), ErrTerminal
	}
}

// ReapExpired handles jobs whose lease is older than leaseTimeout.
// Jobs with retries left go back to pending with retry_count + 1;
// exhausted ones fail terminally. Safe to run from multiple nodes:
// both statements are conditional updates.
func (r *JobRepository) ReapExpired(ctx context.Context, leaseTimeout time.Duration) (requeued, failed int64, err error) {
	cutoff := time.Now().Add(-leaseTimeout)

	tagFail, err := r.pool.Exec(ctx, `
UPDATE jobs SET
	status = 'failed',
	error = 'lease expired, retries exhausted',
	locked_at = NULL,
	locked_by = NULL,
	updated_at = now()
WHERE status = 'processing' AND locked_at < $1 AND retry_count >= max_retries;`, cutoff)
	if err != nil {
		return 0, 0, err
	}

	tagRequeue, err := r.pool.Exec(ctx, `
UPDATE jobs SET
	status = 'pending',
	retry_count = retry_count + 1,
	queued_at = now(),
	error = NULL,
	metadata = jsonb_set(COALESCE(metadata, '{}'::jsonb), '{lastError}', to_jsonb('lease expired'::text)),
	locked_at = NULL,
	locked_by = NULL,
	updated_at = now()
WHERE status = 'processing' AND locked_at < $1 AND retry_count < max_retries;`, cutoff)
	if err != nil {
		return 0, tagFail.RowsAffected(), err
	}

	return tagRequeue.RowsAffected(), tagFail.RowsAffected(), nil
}

// CountByStatus returns the queue-depth snapshot for the operator
// status endpoint and the metrics collector.
func (r *JobRepository) CountByStatus(ctx context.Context) (map[entity.JobStatus]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, count(*) FROM jobs GROUP BY status;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[entity.JobStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[entity.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

func (r *JobRepository) ActiveWorkers(ctx context.Context) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx,
		`SELECT count(DISTINCT locked_by) FROM jobs WHERE status = 'processing';`,
	).Scan(&n)
	return n, err
}

// DeleteExpiredListItems removes list items past their deleteOnDate.
func (r *JobRepository) DeleteExpiredListItems(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM list_items WHERE delete_on_date IS NOT NULL AND delete_on_date <= now();`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeleteReadNotificationsBefore prunes read notifications older than
// the cutoff.
func (r *JobRepository) DeleteReadNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM notifications WHERE read = TRUE AND created_at < $1;`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
