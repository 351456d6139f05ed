package domain

import (
	"time"

	"github.com/google/uuid"
)

// RowError captures a row that could not be committed during an upload run.
// RowNumber is the 1-based data row within the file, or 0 when the problem
// was discovered while reconciling a batch.
type RowError struct {
	ID        int64     `json:"id"`
	UploadID  uuid.UUID `json:"upload_id"`
	RowNumber int       `json:"row_number"`
	Message   string    `json:"error"`
	RawData   *string   `json:"raw_data,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
