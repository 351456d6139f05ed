package repository

import (
	"context"

	"github.com/rpattn/pricing/internal/domain"

	"github.com/google/uuid"
)

// UploadRunRepository persists the lifecycle of upload runs.
type UploadRunRepository interface {
	Create(ctx context.Context, run domain.UploadRun) (domain.UploadRun, error)
	// Finalize moves a Processing run to its terminal status. It returns
	// ErrRunStatusConflict when the run has already left Processing.
	Finalize(ctx context.Context, id uuid.UUID, result RunResult) error
	GetByID(ctx context.Context, id uuid.UUID) (domain.UploadRun, error)
	ListRecent(ctx context.Context, limit int) ([]domain.UploadRun, error)
}

// RunResult is the final state written to an upload run.
type RunResult struct {
	Status        domain.UploadStatus
	TotalRecords  int
	FailedRecords int
	Remarks       *string
}

// RowErrorRepository stores the per-row failures of a run.
type RowErrorRepository interface {
	InsertBatch(ctx context.Context, rowErrors []domain.RowError) error
	// ListByUpload returns errors ordered by row number, then insertion order.
	ListByUpload(ctx context.Context, uploadID uuid.UUID) ([]domain.RowError, error)
}

// PricingRepository answers the existence checks of reconciliation and
// bulk-inserts accepted price records.
type PricingRepository interface {
	ExistingStoreIDs(ctx context.Context, storeIDs []int32) (map[int32]struct{}, error)
	ExistingSKUs(ctx context.Context, skus []string) (map[string]struct{}, error)
	ExistingPriceKeys(ctx context.Context, keys []domain.NaturalKey) (map[domain.NaturalKey]struct{}, error)
	// InsertPriceRecords commits all records or none of them.
	InsertPriceRecords(ctx context.Context, records []domain.PriceRecord) error
}
