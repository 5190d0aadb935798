package postgresql

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"giftflow/internal/entity"
)

// BlobRepository stores raw bytes: normalized item images written by
// the image processor and CSV uploads consumed by the import pipeline.
type BlobRepository struct {
	pool *pgxpool.Pool
}

func NewBlobRepository(pool *pgxpool.Pool) *BlobRepository {
	return &BlobRepository{pool: pool}
}

func (r *BlobRepository) Save(ctx context.Context, ownerID uuid.UUID, recordType, contentType string, data []byte, metadata json.RawMessage) (int64, error) {
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}

	const q = `
INSERT INTO blobs (owner_id, record_type, content_type, bytes, metadata)
VALUES ($1, $2, $3, $4, $5)
RETURNING id;
`
	var id int64
	if err := r.pool.QueryRow(ctx, q, ownerID, recordType, contentType, data, metadata).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *BlobRepository) GetByID(ctx context.Context, id int64) (*entity.Blob, error) {
	const q = `
SELECT id, owner_id, record_type, content_type, bytes, metadata, created_at
FROM blobs
WHERE id = $1;
`
	var (
		blob     entity.Blob
		metadata []byte
	)
	err := r.pool.QueryRow(ctx, q, id).Scan(
		&blob.ID,
		&blob.OwnerID,
		&blob.RecordType,
		&blob.ContentType,
		&blob.Bytes,
		&metadata,
		&blob.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if metadata != nil {
		blob.Metadata = json.RawMessage(metadata)
	}
	return &blob, nil
}
