package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/rpattn/pricing/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uploadRunColumns = `upload_id, file_name, uploaded_by, uploaded_at, status, total_records, failed_records, remarks`

type uploadRunRepository struct {
	pool *pgxpool.Pool
}

// NewUploadRunRepository wires a repository backed by pgxpool.
func NewUploadRunRepository(pool *pgxpool.Pool) UploadRunRepository {
	return &uploadRunRepository{pool: pool}
}

func (r *uploadRunRepository) Create(ctx context.Context, run domain.UploadRun) (domain.UploadRun, error) {
	if r.pool == nil {
		return domain.UploadRun{}, fmt.Errorf("upload run repository not initialized")
	}
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Status == "" {
		run.Status = domain.UploadStatusProcessing
	}

	row := r.pool.QueryRow(
		ctx,
		`INSERT INTO upload_history (`+uploadRunColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+uploadRunColumns,
		run.ID,
		run.FileName,
		run.UploadedBy,
		run.UploadedAt,
		string(run.Status),
		run.TotalRecords,
		run.FailedRecords,
		run.Remarks,
	)
	created, err := scanUploadRun(row)
	if err != nil {
		return domain.UploadRun{}, fmt.Errorf("insert upload run: %w", err)
	}
	return created, nil
}

func (r *uploadRunRepository) Finalize(ctx context.Context, id uuid.UUID, result RunResult) error {
	if r.pool == nil {
		return fmt.Errorf("upload run repository not initialized")
	}
	tag, err := r.pool.Exec(
		ctx,
		`UPDATE upload_history
		 SET status = $2, total_records = $3, failed_records = $4, remarks = $5
		 WHERE upload_id = $1 AND status = $6`,
		id,
		string(result.Status),
		result.TotalRecords,
		result.FailedRecords,
		result.Remarks,
		string(domain.UploadStatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("finalize upload run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRunStatusConflict
	}
	return nil
}

func (r *uploadRunRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.UploadRun, error) {
	if r.pool == nil {
		return domain.UploadRun{}, fmt.Errorf("upload run repository not initialized")
	}
	row := r.pool.QueryRow(ctx, `SELECT `+uploadRunColumns+` FROM upload_history WHERE upload_id = $1`, id)
	run, err := scanUploadRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.UploadRun{}, ErrNotFound
	}
	if err != nil {
		return domain.UploadRun{}, fmt.Errorf("get upload run: %w", err)
	}
	return run, nil
}

func (r *uploadRunRepository) ListRecent(ctx context.Context, limit int) ([]domain.UploadRun, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("upload run repository not initialized")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(
		ctx,
		`SELECT `+uploadRunColumns+` FROM upload_history ORDER BY uploaded_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list upload runs: %w", err)
	}
	defer rows.Close()

	runs := []domain.UploadRun{}
	for rows.Next() {
		run, scanErr := scanUploadRun(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan upload run: %w", scanErr)
		}
		runs = append(runs, run)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("iterate upload runs: %w", rowsErr)
	}
	return runs, nil
}

func scanUploadRun(row pgx.Row) (domain.UploadRun, error) {
	var (
		run        domain.UploadRun
		status     string
		uploadedBy pgtype.Text
		uploadedAt pgtype.Timestamptz
		remarks    pgtype.Text
	)
	if err := row.Scan(
		&run.ID,
		&run.FileName,
		&uploadedBy,
		&uploadedAt,
		&status,
		&run.TotalRecords,
		&run.FailedRecords,
		&remarks,
	); err != nil {
		return domain.UploadRun{}, err
	}
	run.Status = domain.UploadStatus(status)
	if uploadedBy.Valid {
		value := uploadedBy.String
		run.UploadedBy = &value
	}
	if uploadedAt.Valid {
		run.UploadedAt = uploadedAt.Time
	}
	if remarks.Valid {
		value := remarks.String
		run.Remarks = &value
	}
	return run, nil
}
