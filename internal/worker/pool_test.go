package worker

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"giftflow/internal/entity"
	"giftflow/internal/extractor"
)

func TestPool_ProcessesClaimedJobsAndStops(t *testing.T) {
	store := &fakeStore{claimJobs: []*entity.Job{urlFetchJob(), urlFetchJob()}}
	ex := &fakeExtractor{item: &extractor.Item{Name: str("A")}}

	p := newTestProcessor(store, &fakeFetcher{html: "<p>x</p>"}, ex, &fakeImages{id: 1}, &fakeBlobs{})
	pool := NewPool(store, p, 2, 5*time.Millisecond, time.Second, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	// Both jobs drain from the fake queue and finish.
	deadline := time.After(2 * time.Second)
	for {
		store.mu.Lock()
		finished := store.completed && len(store.claimJobs) == 0
		store.mu.Unlock()
		if finished {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("jobs not processed in time")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("pool did not stop after context cancel")
	}

	if pool.inflightCount() != 0 {
		t.Fatalf("inflight registry not empty after drain")
	}
}

func TestPool_WorkerIDIsStable(t *testing.T) {
	store := &fakeStore{}
	p := newTestProcessor(store, &fakeFetcher{}, &fakeExtractor{}, &fakeImages{}, &fakeBlobs{})
	pool := NewPool(store, p, 0, time.Millisecond, time.Second, slog.New(slog.DiscardHandler))

	if pool.WorkerID() == "" {
		t.Fatalf("worker id must be set")
	}
	if pool.WorkerID() != pool.WorkerID() {
		t.Fatalf("worker id must be stable")
	}
}
