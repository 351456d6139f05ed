package repository

import (
	"context"
	"fmt"

	"github.com/rpattn/pricing/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

var rowErrorCopyColumns = []string{"upload_id", "row_number", "error", "raw_data", "created_at"}

type rowErrorRepository struct {
	pool *pgxpool.Pool
}

// NewRowErrorRepository wires a repository backed by pgxpool.
func NewRowErrorRepository(pool *pgxpool.Pool) RowErrorRepository {
	return &rowErrorRepository{pool: pool}
}

func (r *rowErrorRepository) InsertBatch(ctx context.Context, rowErrors []domain.RowError) error {
	if r.pool == nil {
		return fmt.Errorf("row error repository not initialized")
	}
	if len(rowErrors) == 0 {
		return nil
	}

	_, err := r.pool.CopyFrom(
		ctx,
		pgx.Identifier{"upload_errors"},
		rowErrorCopyColumns,
		pgx.CopyFromSlice(len(rowErrors), func(i int) ([]any, error) {
			e := rowErrors[i]
			return []any{e.UploadID, int32(e.RowNumber), e.Message, e.RawData, e.CreatedAt}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("insert row errors: %w", err)
	}
	return nil
}

func (r *rowErrorRepository) ListByUpload(ctx context.Context, uploadID uuid.UUID) ([]domain.RowError, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("row error repository not initialized")
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT id, upload_id, row_number, error, raw_data, created_at
		 FROM upload_errors
		 WHERE upload_id = $1
		 ORDER BY row_number ASC, id ASC`,
		uploadID,
	)
	if err != nil {
		return nil, fmt.Errorf("list row errors: %w", err)
	}
	defer rows.Close()

	rowErrors := []domain.RowError{}
	for rows.Next() {
		var (
			entry     domain.RowError
			rowNumber int32
			rawData   pgtype.Text
			createdAt pgtype.Timestamptz
		)
		if scanErr := rows.Scan(&entry.ID, &entry.UploadID, &rowNumber, &entry.Message, &rawData, &createdAt); scanErr != nil {
			return nil, fmt.Errorf("scan row error: %w", scanErr)
		}
		entry.RowNumber = int(rowNumber)
		if rawData.Valid {
			value := rawData.String
			entry.RawData = &value
		}
		if createdAt.Valid {
			entry.CreatedAt = createdAt.Time
		}
		rowErrors = append(rowErrors, entry)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("iterate row errors: %w", rowsErr)
	}
	return rowErrors, nil
}
