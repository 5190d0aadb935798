package postgresql

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"giftflow/internal/entity"
)

// Integration tests against a real Postgres. Claim, reap and the
// failure CASE live in SQL, so only a database can exercise them.
func testRepo(t *testing.T) (*JobRepository, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping integration test")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	schema, err := os.ReadFile(filepath.Join("..", "..", "..", "sql", "schema.sql"))
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	if _, err := pool.Exec(ctx, string(schema)); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	if _, err := pool.Exec(ctx, "TRUNCATE jobs"); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return NewJobRepository(pool), pool
}

func enqueueN(t *testing.T, repo *JobRepository, n, maxRetries int) map[uuid.UUID]bool {
	t.Helper()
	ids := make(map[uuid.UUID]bool, n)
	for i := 0; i < n; i++ {
		id, err := repo.Create(context.Background(), uuid.New(), entity.KindURLFetch,
			json.RawMessage(`{"url":"https://example.com/x"}`), maxRetries)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids[id] = true
	}
	return ids
}

// expireLease backdates the lease so the reaper sees it as expired.
func expireLease(t *testing.T, pool *pgxpool.Pool, id uuid.UUID) {
	t.Helper()
	_, err := pool.Exec(context.Background(),
		`UPDATE jobs SET locked_at = now() - interval '1 hour' WHERE id = $1`, id)
	if err != nil {
		t.Fatalf("expire lease: %v", err)
	}
}

func TestClaim_ConcurrentWorkersNeverDoubleClaim(t *testing.T) {
	repo, _ := testRepo(t)
	ctx := context.Background()

	const jobs = 20
	const workers = 8
	pending := enqueueN(t, repo, jobs, 3)

	var mu sync.Mutex
	claimed := make(map[uuid.UUID]string)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				job, err := repo.Claim(ctx, workerID)
				if errors.Is(err, ErrNoJobs) {
					return
				}
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				mu.Lock()
				if prev, dup := claimed[job.ID]; dup {
					t.Errorf("job %s claimed by both %s and %s", job.ID, prev, workerID)
				}
				claimed[job.ID] = workerID
				mu.Unlock()
			}
		}("worker-" + uuid.NewString())
	}
	wg.Wait()

	if len(claimed) != jobs {
		t.Fatalf("expected %d claimed jobs, got %d", jobs, len(claimed))
	}
	for id, workerID := range claimed {
		if !pending[id] {
			t.Fatalf("claimed unknown job %s", id)
		}
		job, err := repo.GetByID(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if job.Status != entity.StatusProcessing {
			t.Fatalf("job %s status %s, want processing", id, job.Status)
		}
		if job.LockedBy == nil || *job.LockedBy != workerID {
			t.Fatalf("job %s locked_by %v, want %s", id, job.LockedBy, workerID)
		}
	}

	if _, err := repo.Claim(ctx, "worker-late"); !errors.Is(err, ErrNoJobs) {
		t.Fatalf("expected ErrNoJobs on emptied queue, got %v", err)
	}
}

func TestFinalizeFailure_RetryableReschedulesWithNullError(t *testing.T) {
	repo, _ := testRepo(t)
	ctx := context.Background()
	enqueueN(t, repo, 1, 2)

	const workerID = "w1"
	for attempt := 1; attempt <= 2; attempt++ {
		job, err := repo.Claim(ctx, workerID)
		if err != nil {
			t.Fatalf("claim attempt %d: %v", attempt, err)
		}
		if err := repo.FinalizeFailure(ctx, job.ID, workerID, "provider timeout", true); err != nil {
			t.Fatalf("finalize attempt %d: %v", attempt, err)
		}

		got, err := repo.GetByID(ctx, job.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != entity.StatusPending {
			t.Fatalf("attempt %d: status %s, want pending", attempt, got.Status)
		}
		if got.RetryCount != attempt {
			t.Fatalf("attempt %d: retry_count %d", attempt, got.RetryCount)
		}
		// A pending job never carries an error.
		if got.Error != nil {
			t.Fatalf("attempt %d: pending job has error %q", attempt, *got.Error)
		}
		var meta map[string]any
		if err := json.Unmarshal(got.Metadata, &meta); err != nil {
			t.Fatalf("metadata: %v", err)
		}
		if meta["lastError"] != "provider timeout" {
			t.Fatalf("metadata.lastError = %v", meta["lastError"])
		}
	}

	// Third attempt: retries exhausted, terminal failure.
	job, err := repo.Claim(ctx, workerID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := repo.FinalizeFailure(ctx, job.ID, workerID, "provider timeout", true); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	got, err := repo.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != entity.StatusFailed {
		t.Fatalf("status %s, want failed", got.Status)
	}
	if got.Error == nil || *got.Error != "provider timeout" {
		t.Fatalf("failed job error = %v", got.Error)
	}
	if got.RetryCount > got.MaxRetries {
		t.Fatalf("retry_count %d exceeds max_retries %d", got.RetryCount, got.MaxRetries)
	}
}

func TestFinalizeFailure_PermanentFailsImmediately(t *testing.T) {
	repo, _ := testRepo(t)
	ctx := context.Background()
	enqueueN(t, repo, 1, 3)

	job, err := repo.Claim(ctx, "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := repo.FinalizeFailure(ctx, job.ID, "w1", "content blocked", false); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	got, err := repo.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != entity.StatusFailed {
		t.Fatalf("status %s, want failed", got.Status)
	}
	if got.RetryCount != 0 {
		t.Fatalf("permanent failure must not consume a retry, retry_count=%d", got.RetryCount)
	}
	if got.Error == nil || *got.Error != "content blocked" {
		t.Fatalf("error = %v", got.Error)
	}
}

func TestReapExpired_RequeuesThenExhausts(t *testing.T) {
	repo, pool := testRepo(t)
	ctx := context.Background()
	enqueueN(t, repo, 1, 1)

	// First expiry: a retry remains, job goes back to pending clean.
	job, err := repo.Claim(ctx, "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	expireLease(t, pool, job.ID)

	requeued, failed, err := repo.ReapExpired(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if requeued != 1 || failed != 0 {
		t.Fatalf("reap #1: requeued=%d failed=%d", requeued, failed)
	}
	got, err := repo.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != entity.StatusPending || got.RetryCount != 1 {
		t.Fatalf("after reap #1: status=%s retry_count=%d", got.Status, got.RetryCount)
	}
	if got.Error != nil {
		t.Fatalf("requeued job has error %q", *got.Error)
	}

	// Second expiry: retries exhausted, terminal failure.
	if _, err := repo.Claim(ctx, "w2"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	expireLease(t, pool, job.ID)

	requeued, failed, err = repo.ReapExpired(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if requeued != 0 || failed != 1 {
		t.Fatalf("reap #2: requeued=%d failed=%d", requeued, failed)
	}
	got, err = repo.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != entity.StatusFailed {
		t.Fatalf("status %s, want failed", got.Status)
	}
	if got.Error == nil || *got.Error != "lease expired, retries exhausted" {
		t.Fatalf("error = %v", got.Error)
	}

	// Further reaper iterations leave the terminal row alone and the
	// retry bound holds no matter how often they run.
	for i := 0; i < 3; i++ {
		requeued, failed, err = repo.ReapExpired(ctx, 30*time.Minute)
		if err != nil {
			t.Fatalf("reap #%d: %v", i+3, err)
		}
		if requeued != 0 || failed != 0 {
			t.Fatalf("reap #%d acted on a terminal job", i+3)
		}
	}
	got, err = repo.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RetryCount > got.MaxRetries {
		t.Fatalf("retry_count %d exceeds max_retries %d", got.RetryCount, got.MaxRetries)
	}
}
