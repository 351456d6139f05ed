package ingestion

import (
	"github.com/rpattn/pricing/internal/domain"

	"github.com/google/uuid"
)

// runAccumulator is the bookkeeping owned by a single run: counters plus the
// row errors not yet written to storage.
type runAccumulator struct {
	uploadID   uuid.UUID
	total      int
	failed     int
	inserted   int
	errorCount int
	pending    []domain.RowError
}

func newRunAccumulator(uploadID uuid.UUID) *runAccumulator {
	return &runAccumulator{uploadID: uploadID}
}

func (a *runAccumulator) rowSeen() {
	a.total++
}

// reject records a row that will not be committed.
func (a *runAccumulator) reject(rowErr domain.RowError) {
	a.rejectRows(rowErr, 1)
}

// rejectRows records one error that accounts for several failed rows.
func (a *runAccumulator) rejectRows(rowErr domain.RowError, rows int) {
	a.pending = append(a.pending, rowErr)
	a.errorCount++
	a.failed += rows
}

func (a *runAccumulator) accept(rows int) {
	a.inserted += rows
}

// takePending returns the buffered errors and clears the buffer.
func (a *runAccumulator) takePending() []domain.RowError {
	pending := a.pending
	a.pending = nil
	return pending
}

// status is the terminal status implied by the errors recorded so far.
func (a *runAccumulator) status() domain.UploadStatus {
	if a.errorCount > 0 {
		return domain.UploadStatusCompletedWithErrors
	}
	return domain.UploadStatusCompleted
}

func (a *runAccumulator) summary(status domain.UploadStatus) Summary {
	return Summary{
		UploadID:     a.uploadID,
		Status:       status,
		TotalRows:    a.total,
		InsertedRows: a.inserted,
		FailedRows:   a.failed,
		ErrorCount:   a.errorCount,
	}
}
