package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/google/uuid"

	"giftflow/internal/entity"
	"giftflow/internal/repository/postgresql"
)

var (
	ErrNotFound  = errors.New("job not found")
	ErrForbidden = errors.New("forbidden")
	ErrConflict  = errors.New("job already finished")
)

// ValidationError is surfaced as a 400 before anything is enqueued.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// Порт репозитория jobs (реализация: postgresql.JobRepository).
type JobRepository interface {
	Create(ctx context.Context, ownerID uuid.UUID, kind entity.JobKind, input json.RawMessage, maxRetries int) (uuid.UUID, error)
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID, status entity.JobStatus, limit, offset int) ([]*entity.Job, error)
	RequestCancel(ctx context.Context, id, ownerID uuid.UUID) (entity.JobStatus, error)
	CountByStatus(ctx context.Context) (map[entity.JobStatus]int64, error)
	ActiveWorkers(ctx context.Context) (int64, error)
}

// Порт для загруженных байтов (реализация: postgresql.BlobRepository).
type BlobStore interface {
	Save(ctx context.Context, ownerID uuid.UUID, recordType, contentType string, data []byte, metadata json.RawMessage) (int64, error)
	GetByID(ctx context.Context, id int64) (*entity.Blob, error)
}

type JobService struct {
	repo       JobRepository
	blobs      BlobStore
	maxRetries int
}

func NewJobService(repo JobRepository, blobs BlobStore, maxRetries int) *JobService {
	return &JobService{repo: repo, blobs: blobs, maxRetries: maxRetries}
}

type SubmitRequest struct {
	OwnerID uuid.UUID
	Kind    entity.JobKind
	Input   json.RawMessage
}

// Submit validates kind and input, then enqueues a pending job.
func (s *JobService) Submit(ctx context.Context, req SubmitRequest) (uuid.UUID, error) {
	if !req.Kind.Valid() {
		return uuid.Nil, validationf("unknown job kind: %s", req.Kind)
	}
	if len(req.Input) == 0 {
		return uuid.Nil, validationf("input is required")
	}

	switch req.Kind {
	case entity.KindURLFetch:
		var in entity.URLFetchInput
		if err := json.Unmarshal(req.Input, &in); err != nil {
			return uuid.Nil, validationf("invalid input json")
		}
		u, err := url.Parse(in.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return uuid.Nil, validationf("input.url must be an absolute http(s) url")
		}

	case entity.KindCSVImport:
		var in entity.CSVImportInput
		if err := json.Unmarshal(req.Input, &in); err != nil {
			return uuid.Nil, validationf("invalid input json")
		}
		if in.UploadID <= 0 {
			return uuid.Nil, validationf("input.uploadId is required")
		}
		blob, err := s.blobs.GetByID(ctx, in.UploadID)
		if err != nil {
			if errors.Is(err, postgresql.ErrNotFound) {
				return uuid.Nil, validationf("upload %d not found", in.UploadID)
			}
			return uuid.Nil, err
		}
		if blob.OwnerID != req.OwnerID {
			return uuid.Nil, ErrForbidden
		}
	}

	return s.repo.Create(ctx, req.OwnerID, req.Kind, req.Input, s.maxRetries)
}

// Get returns the job if the viewer owns it (or is an operator).
func (s *JobService) Get(ctx context.Context, id, viewerID uuid.UUID, operator bool) (*entity.Job, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, postgresql.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if job.OwnerID != viewerID && !operator {
		return nil, ErrForbidden
	}
	return job, nil
}

func (s *JobService) ListMine(ctx context.Context, ownerID uuid.UUID, status entity.JobStatus, limit, offset int) ([]*entity.Job, error) {
	if status != "" {
		switch status {
		case entity.StatusPending, entity.StatusProcessing, entity.StatusCompleted, entity.StatusFailed, entity.StatusCancelled:
		default:
			return nil, validationf("unknown status filter: %s", status)
		}
	}
	return s.repo.ListByOwner(ctx, ownerID, status, limit, offset)
}

// Cancel requests cancellation. Pending jobs cancel instantly; for
// processing jobs the worker observes the flag at the next stage
// boundary. Repeating a cancel is a no-op.
func (s *JobService) Cancel(ctx context.Context, id, ownerID uuid.UUID) error {
	_, err := s.repo.RequestCancel(ctx, id, ownerID)
	if err != nil {
		switch {
		case errors.Is(err, postgresql.ErrNotFound):
			return ErrNotFound
		case errors.Is(err, postgresql.ErrNotOwner):
			return ErrForbidden
		case errors.Is(err, postgresql.ErrTerminal):
			return ErrConflict
		}
		return err
	}
	return nil
}

// SaveUpload stores raw CSV bytes and returns the blob id referenced
// from csv_wishlist_import inputs.
func (s *JobService) SaveUpload(ctx context.Context, ownerID uuid.UUID, contentType string, data []byte) (int64, error) {
	if len(data) == 0 {
		return 0, validationf("empty upload")
	}
	if contentType == "" {
		contentType = "text/csv"
	}
	return s.blobs.Save(ctx, ownerID, entity.RecordTypeCSVUpload, contentType, data, nil)
}

type ProcessorStatus struct {
	ActiveWorkers int64 `json:"activeWorkers"`
	Pending       int64 `json:"pending"`
	Processing    int64 `json:"processing"`
	Failed        int64 `json:"failed"`
}

// Status returns the operator snapshot of the queue.
func (s *JobService) Status(ctx context.Context) (*ProcessorStatus, error) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	workers, err := s.repo.ActiveWorkers(ctx)
	if err != nil {
		return nil, err
	}
	return &ProcessorStatus{
		ActiveWorkers: workers,
		Pending:       counts[entity.StatusPending],
		Processing:    counts[entity.StatusProcessing],
		Failed:        counts[entity.StatusFailed],
	}, nil
}
