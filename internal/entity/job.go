package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further state transitions are allowed.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type JobKind string

const (
	KindURLFetch  JobKind = "url_fetch"
	KindCSVImport JobKind = "csv_wishlist_import"
)

func (k JobKind) Valid() bool {
	switch k {
	case KindURLFetch, KindCSVImport:
		return true
	}
	return false
}

// Job is one durable unit of asynchronous work. A row is only ever
// mutated by the worker named in LockedBy while Status is processing;
// everyone else goes through conditional updates.
type Job struct {
	ID         uuid.UUID       `json:"id"`
	OwnerID    uuid.UUID       `json:"owner_id"`
	Kind       JobKind         `json:"kind"`
	Input      json.RawMessage `json:"input"`
	Status     JobStatus       `json:"status"`
	Progress   int             `json:"progress"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *string         `json:"error,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	QueuedAt   time.Time       `json:"queued_at"`
	LockedAt   *time.Time      `json:"locked_at,omitempty"`
	LockedBy   *string         `json:"locked_by,omitempty"`
	MaxRetries int             `json:"max_retries"`
	RetryCount int             `json:"retry_count"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// URLFetchInput is the input payload for url_fetch jobs.
type URLFetchInput struct {
	URL string `json:"url"`
}

// CSVImportInput references previously uploaded bytes by blob id.
type CSVImportInput struct {
	UploadID int64 `json:"uploadId"`
}

// ItemResult is the result payload for url_fetch jobs. Every field may
// be absent; ImageID is nil when image processing failed or no image
// URL was extracted.
type ItemResult struct {
	Name      *string `json:"name"`
	Price     *string `json:"price"`
	ImageURL  *string `json:"imageUrl"`
	LinkLabel *string `json:"linkLabel"`
	ImageID   *int64  `json:"imageId"`
}

// CSVImportResult is the result payload for csv_wishlist_import jobs.
type CSVImportResult struct {
	Items   []CSVItem `json:"items"`
	Skipped int       `json:"skipped"`
}

type CSVItem struct {
	Name  string `json:"name"`
	Price string `json:"price"`
	URL   string `json:"url"`
}
