package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Blob record types.
const (
	RecordTypeItemImage = "item_image"
	RecordTypeCSVUpload = "csv_upload"
)

// Blob stores raw bytes (normalized item images, CSV uploads) keyed by
// a serial id handed back to whoever asked for the write.
type Blob struct {
	ID          int64           `json:"id"`
	OwnerID     uuid.UUID       `json:"owner_id"`
	RecordType  string          `json:"record_type"`
	ContentType string          `json:"content_type"`
	Bytes       []byte          `json:"-"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}
