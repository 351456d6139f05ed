package domain

import (
	"time"

	"github.com/google/uuid"
)

// UploadStatus is the lifecycle state of an upload run.
type UploadStatus string

const (
	UploadStatusProcessing          UploadStatus = "Processing"
	UploadStatusCompleted           UploadStatus = "Completed"
	UploadStatusCompletedWithErrors UploadStatus = "CompletedWithErrors"
	UploadStatusFailed              UploadStatus = "Failed"
)

// Terminal reports whether the status can no longer change.
func (s UploadStatus) Terminal() bool {
	return s != UploadStatusProcessing
}

// UploadRun records one execution of the ingestion pipeline over one file.
type UploadRun struct {
	ID            uuid.UUID    `json:"upload_id"`
	FileName      string       `json:"file_name"`
	UploadedBy    *string      `json:"uploaded_by,omitempty"`
	UploadedAt    time.Time    `json:"uploaded_at"`
	Status        UploadStatus `json:"status"`
	TotalRecords  int          `json:"total_records"`
	FailedRecords int          `json:"failed_records"`
	Remarks       *string      `json:"remarks,omitempty"`
}

// NewUploadRun creates a run in the Processing state with zeroed counters.
func NewUploadRun(fileName string, uploadedBy *string, now time.Time) UploadRun {
	return UploadRun{
		ID:         uuid.New(),
		FileName:   fileName,
		UploadedBy: uploadedBy,
		UploadedAt: now.UTC(),
		Status:     UploadStatusProcessing,
	}
}
