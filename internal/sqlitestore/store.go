// Package sqlitestore implements the pricing repositories on an embedded
// SQLite database for local runs and tests.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rpattn/pricing/internal/domain"
	"github.com/rpattn/pricing/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS stores (
    store_id    INTEGER PRIMARY KEY CHECK (store_id > 0),
    store_name  TEXT NOT NULL,
    country     TEXT NOT NULL,
    region      TEXT,
    created_at  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS products (
    sku           TEXT PRIMARY KEY,
    product_name  TEXT NOT NULL,
    category      TEXT,
    created_at    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS upload_history (
    upload_id       TEXT PRIMARY KEY,
    file_name       TEXT NOT NULL,
    uploaded_by     TEXT,
    uploaded_at     TEXT NOT NULL,
    status          TEXT NOT NULL,
    total_records   INTEGER NOT NULL DEFAULT 0,
    failed_records  INTEGER NOT NULL DEFAULT 0,
    remarks         TEXT
);
CREATE TABLE IF NOT EXISTS pricing_records (
    pricing_record_id  INTEGER PRIMARY KEY AUTOINCREMENT,
    store_id           INTEGER NOT NULL REFERENCES stores (store_id),
    sku                TEXT NOT NULL REFERENCES products (sku),
    price              TEXT NOT NULL,
    price_date         TEXT NOT NULL,
    upload_batch_id    TEXT REFERENCES upload_history (upload_id),
    created_at         TEXT NOT NULL,
    updated_at         TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_pricing_records_store_sku_date
    ON pricing_records (store_id, sku, price_date);
CREATE TABLE IF NOT EXISTS upload_errors (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    upload_id   TEXT NOT NULL REFERENCES upload_history (upload_id) ON DELETE CASCADE,
    row_number  INTEGER NOT NULL,
    error       TEXT NOT NULL,
    raw_data    TEXT,
    created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS ix_upload_errors_upload ON upload_errors (upload_id, row_number, id);
`

const timestampLayout = time.RFC3339Nano

// Store owns one SQLite database holding reference data, price records and
// upload history.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema. An
// empty path or ":memory:" yields a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps an in-memory database alive and serializes writers.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000", schema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("initialise sqlite schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) UploadRuns() repository.UploadRunRepository {
	return &uploadRunRepository{db: s.db}
}

func (s *Store) RowErrors() repository.RowErrorRepository {
	return &rowErrorRepository{db: s.db}
}

func (s *Store) Pricing() repository.PricingRepository {
	return &pricingRepository{db: s.db}
}

// SeedCatalog upserts reference stores and products.
func (s *Store) SeedCatalog(ctx context.Context, stores []domain.Store, products []domain.Product) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(timestampLayout)
		for _, store := range stores {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO stores (store_id, store_name, country, region, created_at)
				 VALUES (?, ?, ?, ?, ?)
				 ON CONFLICT (store_id) DO UPDATE SET store_name = excluded.store_name, country = excluded.country, region = excluded.region`,
				store.StoreID, store.StoreName, store.Country, nullableString(store.Region), now,
			); err != nil {
				return fmt.Errorf("seed store %d: %w", store.StoreID, err)
			}
		}
		for _, product := range products {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO products (sku, product_name, category, created_at)
				 VALUES (?, ?, ?, ?)
				 ON CONFLICT (sku) DO UPDATE SET product_name = excluded.product_name, category = excluded.category`,
				product.SKU, product.ProductName, nullableString(product.Category), now,
			); err != nil {
				return fmt.Errorf("seed product %s: %w", product.SKU, err)
			}
		}
		return nil
	})
}

// ListPriceRecords returns every committed price record ordered by id.
func (s *Store) ListPriceRecords(ctx context.Context) ([]domain.PriceRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pricing_record_id, store_id, sku, price, price_date, upload_batch_id, created_at, updated_at
		 FROM pricing_records ORDER BY pricing_record_id`)
	if err != nil {
		return nil, fmt.Errorf("list price records: %w", err)
	}
	defer rows.Close()

	records := []domain.PriceRecord{}
	for rows.Next() {
		var (
			record    domain.PriceRecord
			price     string
			priceDate string
			uploadID  sql.NullString
			createdAt string
			updatedAt sql.NullString
		)
		if err := rows.Scan(&record.ID, &record.StoreID, &record.SKU, &price, &priceDate, &uploadID, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan price record: %w", err)
		}
		if record.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse price %q: %w", price, err)
		}
		if record.PriceDate, err = time.Parse(domain.DateLayout, priceDate); err != nil {
			return nil, fmt.Errorf("parse price date %q: %w", priceDate, err)
		}
		if uploadID.Valid {
			id, err := uuid.Parse(uploadID.String)
			if err != nil {
				return nil, fmt.Errorf("parse upload id: %w", err)
			}
			record.UploadID = &id
		}
		record.CreatedAt = parseTimestamp(createdAt)
		if updatedAt.Valid {
			value := parseTimestamp(updatedAt.String)
			record.UpdatedAt = &value
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate price records: %w", err)
	}
	return records, nil
}

func withTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction error: %v, rollback error: %v", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type uploadRunRepository struct {
	db *sql.DB
}

func (r *uploadRunRepository) Create(ctx context.Context, run domain.UploadRun) (domain.UploadRun, error) {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Status == "" {
		run.Status = domain.UploadStatusProcessing
	}
	if run.UploadedAt.IsZero() {
		run.UploadedAt = time.Now().UTC()
	}
	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO upload_history (upload_id, file_name, uploaded_by, uploaded_at, status, total_records, failed_records, remarks)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID.String(), run.FileName, nullableString(run.UploadedBy), run.UploadedAt.UTC().Format(timestampLayout),
		string(run.Status), run.TotalRecords, run.FailedRecords, nullableString(run.Remarks),
	); err != nil {
		return domain.UploadRun{}, fmt.Errorf("insert upload run: %w", err)
	}
	return run, nil
}

func (r *uploadRunRepository) Finalize(ctx context.Context, id uuid.UUID, result repository.RunResult) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE upload_history
		 SET status = ?, total_records = ?, failed_records = ?, remarks = ?
		 WHERE upload_id = ? AND status = ?`,
		string(result.Status), result.TotalRecords, result.FailedRecords, nullableString(result.Remarks),
		id.String(), string(domain.UploadStatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("finalize upload run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize upload run: %w", err)
	}
	if affected == 0 {
		return repository.ErrRunStatusConflict
	}
	return nil
}

func (r *uploadRunRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.UploadRun, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT upload_id, file_name, uploaded_by, uploaded_at, status, total_records, failed_records, remarks
		 FROM upload_history WHERE upload_id = ?`, id.String())
	run, err := scanUploadRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.UploadRun{}, repository.ErrNotFound
	}
	if err != nil {
		return domain.UploadRun{}, fmt.Errorf("get upload run: %w", err)
	}
	return run, nil
}

func (r *uploadRunRepository) ListRecent(ctx context.Context, limit int) ([]domain.UploadRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT upload_id, file_name, uploaded_by, uploaded_at, status, total_records, failed_records, remarks
		 FROM upload_history ORDER BY uploaded_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list upload runs: %w", err)
	}
	defer rows.Close()

	runs := []domain.UploadRun{}
	for rows.Next() {
		run, err := scanUploadRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan upload run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate upload runs: %w", err)
	}
	return runs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUploadRun(row rowScanner) (domain.UploadRun, error) {
	var (
		run        domain.UploadRun
		id         string
		uploadedBy sql.NullString
		uploadedAt string
		status     string
		remarks    sql.NullString
	)
	if err := row.Scan(&id, &run.FileName, &uploadedBy, &uploadedAt, &status, &run.TotalRecords, &run.FailedRecords, &remarks); err != nil {
		return domain.UploadRun{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return domain.UploadRun{}, fmt.Errorf("parse upload id: %w", err)
	}
	run.ID = parsed
	run.Status = domain.UploadStatus(status)
	run.UploadedAt = parseTimestamp(uploadedAt)
	if uploadedBy.Valid {
		value := uploadedBy.String
		run.UploadedBy = &value
	}
	if remarks.Valid {
		value := remarks.String
		run.Remarks = &value
	}
	return run, nil
}

type rowErrorRepository struct {
	db *sql.DB
}

func (r *rowErrorRepository) InsertBatch(ctx context.Context, rowErrors []domain.RowError) error {
	if len(rowErrors) == 0 {
		return nil
	}
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO upload_errors (upload_id, row_number, error, raw_data, created_at) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare row error insert: %w", err)
		}
		defer stmt.Close()

		for _, e := range rowErrors {
			createdAt := e.CreatedAt
			if createdAt.IsZero() {
				createdAt = time.Now()
			}
			if _, err := stmt.ExecContext(ctx,
				e.UploadID.String(), e.RowNumber, e.Message, nullableString(e.RawData), createdAt.UTC().Format(timestampLayout),
			); err != nil {
				return fmt.Errorf("insert row errors: %w", err)
			}
		}
		return nil
	})
}

func (r *rowErrorRepository) ListByUpload(ctx context.Context, uploadID uuid.UUID) ([]domain.RowError, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, upload_id, row_number, error, raw_data, created_at
		 FROM upload_errors WHERE upload_id = ?
		 ORDER BY row_number ASC, id ASC`, uploadID.String())
	if err != nil {
		return nil, fmt.Errorf("list row errors: %w", err)
	}
	defer rows.Close()

	rowErrors := []domain.RowError{}
	for rows.Next() {
		var (
			entry     domain.RowError
			id        string
			rawData   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&entry.ID, &id, &entry.RowNumber, &entry.Message, &rawData, &createdAt); err != nil {
			return nil, fmt.Errorf("scan row error: %w", err)
		}
		entry.UploadID = uploadID
		if rawData.Valid {
			value := rawData.String
			entry.RawData = &value
		}
		entry.CreatedAt = parseTimestamp(createdAt)
		rowErrors = append(rowErrors, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate row errors: %w", err)
	}
	return rowErrors, nil
}

type pricingRepository struct {
	db *sql.DB
}

func (r *pricingRepository) ExistingStoreIDs(ctx context.Context, storeIDs []int32) (map[int32]struct{}, error) {
	found := make(map[int32]struct{}, len(storeIDs))
	if len(storeIDs) == 0 {
		return found, nil
	}
	args := make([]any, len(storeIDs))
	for i, id := range storeIDs {
		args[i] = id
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT store_id FROM stores WHERE store_id IN (`+placeholders(len(args), 1)+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("query stores: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int32
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan store: %w", err)
		}
		found[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stores: %w", err)
	}
	return found, nil
}

func (r *pricingRepository) ExistingSKUs(ctx context.Context, skus []string) (map[string]struct{}, error) {
	found := make(map[string]struct{}, len(skus))
	if len(skus) == 0 {
		return found, nil
	}
	args := make([]any, len(skus))
	for i, sku := range skus {
		args[i] = sku
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT sku FROM products WHERE sku IN (`+placeholders(len(args), 1)+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sku string
		if err := rows.Scan(&sku); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		found[sku] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}
	return found, nil
}

func (r *pricingRepository) ExistingPriceKeys(ctx context.Context, keys []domain.NaturalKey) (map[domain.NaturalKey]struct{}, error) {
	found := make(map[domain.NaturalKey]struct{}, len(keys))
	if len(keys) == 0 {
		return found, nil
	}
	args := make([]any, 0, len(keys)*3)
	for _, key := range keys {
		args = append(args, key.StoreID, key.SKU, key.Date.Format(domain.DateLayout))
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT store_id, sku, price_date FROM pricing_records
		 WHERE (store_id, sku, price_date) IN (VALUES `+placeholders(len(keys), 3)+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("query price keys: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			storeID int32
			sku     string
			date    string
		)
		if err := rows.Scan(&storeID, &sku, &date); err != nil {
			return nil, fmt.Errorf("scan price key: %w", err)
		}
		parsed, err := time.Parse(domain.DateLayout, date)
		if err != nil {
			return nil, fmt.Errorf("parse price date %q: %w", date, err)
		}
		found[domain.NewNaturalKey(storeID, sku, parsed)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate price keys: %w", err)
	}
	return found, nil
}

func (r *pricingRepository) InsertPriceRecords(ctx context.Context, records []domain.PriceRecord) error {
	if len(records) == 0 {
		return nil
	}
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO pricing_records (store_id, sku, price, price_date, upload_batch_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare price record insert: %w", err)
		}
		defer stmt.Close()

		for _, rec := range records {
			var uploadID any
			if rec.UploadID != nil {
				uploadID = rec.UploadID.String()
			}
			createdAt := rec.CreatedAt
			if createdAt.IsZero() {
				createdAt = time.Now()
			}
			if _, err := stmt.ExecContext(ctx,
				rec.StoreID, rec.SKU, rec.Price.String(), domain.TruncateDay(rec.PriceDate).Format(domain.DateLayout),
				uploadID, createdAt.UTC().Format(timestampLayout),
			); err != nil {
				return classifyWriteError(err)
			}
		}
		return nil
	})
}

// classifyWriteError maps SQLite unique-constraint failures onto
// repository.ErrDuplicateKey.
func classifyWriteError(err error) error {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) && isUniqueViolation(sqliteErr) {
		return fmt.Errorf("insert price records: %w: %s", repository.ErrDuplicateKey, sqliteErr.Error())
	}
	return fmt.Errorf("insert price records: %w", err)
}

func isUniqueViolation(err *sqlite.Error) bool {
	code := err.Code()
	if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
		return true
	}
	return code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// placeholders renders groups of "?" for an IN list; width > 1 yields row values.
func placeholders(groups, width int) string {
	group := strings.TrimSuffix(strings.Repeat("?, ", width), ", ")
	if width > 1 {
		group = "(" + group + ")"
	}
	return strings.TrimSuffix(strings.Repeat(group+", ", groups), ", ")
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func parseTimestamp(value string) time.Time {
	parsed, err := time.Parse(timestampLayout, value)
	if err != nil {
		return time.Time{}
	}
	return parsed
}
