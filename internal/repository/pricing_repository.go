package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/rpattn/pricing/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var priceRecordCopyColumns = []string{"store_id", "sku", "price", "price_date", "upload_batch_id", "created_at"}

type pricingRepository struct {
	pool *pgxpool.Pool
}

// NewPricingRepository wires a repository backed by pgxpool.
func NewPricingRepository(pool *pgxpool.Pool) PricingRepository {
	return &pricingRepository{pool: pool}
}

func (r *pricingRepository) ExistingStoreIDs(ctx context.Context, storeIDs []int32) (map[int32]struct{}, error) {
	found := make(map[int32]struct{}, len(storeIDs))
	if len(storeIDs) == 0 {
		return found, nil
	}
	if r.pool == nil {
		return nil, fmt.Errorf("pricing repository not initialized")
	}

	rows, err := r.pool.Query(ctx, `SELECT store_id FROM stores WHERE store_id = ANY($1::int[])`, storeIDs)
	if err != nil {
		return nil, fmt.Errorf("query stores: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int32])
	if err != nil {
		return nil, fmt.Errorf("collect stores: %w", err)
	}
	for _, id := range ids {
		found[id] = struct{}{}
	}
	return found, nil
}

func (r *pricingRepository) ExistingSKUs(ctx context.Context, skus []string) (map[string]struct{}, error) {
	found := make(map[string]struct{}, len(skus))
	if len(skus) == 0 {
		return found, nil
	}
	if r.pool == nil {
		return nil, fmt.Errorf("pricing repository not initialized")
	}

	rows, err := r.pool.Query(ctx, `SELECT sku FROM products WHERE sku = ANY($1::text[])`, skus)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	values, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect products: %w", err)
	}
	for _, sku := range values {
		found[sku] = struct{}{}
	}
	return found, nil
}

func (r *pricingRepository) ExistingPriceKeys(ctx context.Context, keys []domain.NaturalKey) (map[domain.NaturalKey]struct{}, error) {
	found := make(map[domain.NaturalKey]struct{}, len(keys))
	if len(keys) == 0 {
		return found, nil
	}
	if r.pool == nil {
		return nil, fmt.Errorf("pricing repository not initialized")
	}

	storeIDs := make([]int32, len(keys))
	skus := make([]string, len(keys))
	dates := make([]pgtype.Date, len(keys))
	for i, key := range keys {
		storeIDs[i] = key.StoreID
		skus[i] = key.SKU
		dates[i] = pgtype.Date{Time: key.Date, Valid: true}
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT p.store_id, p.sku, p.price_date
		 FROM pricing_records p
		 JOIN unnest($1::int[], $2::text[], $3::date[]) AS k(store_id, sku, price_date)
		   ON p.store_id = k.store_id AND p.sku = k.sku AND p.price_date = k.price_date`,
		storeIDs,
		skus,
		dates,
	)
	if err != nil {
		return nil, fmt.Errorf("query price keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			storeID int32
			sku     string
			date    pgtype.Date
		)
		if scanErr := rows.Scan(&storeID, &sku, &date); scanErr != nil {
			return nil, fmt.Errorf("scan price key: %w", scanErr)
		}
		found[domain.NewNaturalKey(storeID, sku, date.Time)] = struct{}{}
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("iterate price keys: %w", rowsErr)
	}
	return found, nil
}

func (r *pricingRepository) InsertPriceRecords(ctx context.Context, records []domain.PriceRecord) error {
	if len(records) == 0 {
		return nil
	}
	if r.pool == nil {
		return fmt.Errorf("pricing repository not initialized")
	}

	_, err := r.pool.CopyFrom(
		ctx,
		pgx.Identifier{"pricing_records"},
		priceRecordCopyColumns,
		pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
			rec := records[i]
			createdAt := rec.CreatedAt
			if createdAt.IsZero() {
				createdAt = time.Now().UTC()
			}
			return []any{
				rec.StoreID,
				rec.SKU,
				toNumeric(rec.Price),
				pgtype.Date{Time: domain.TruncateDay(rec.PriceDate), Valid: true},
				rec.UploadID,
				createdAt,
			}, nil
		}),
	)
	if err != nil {
		return classifyWriteError("insert price records", err)
	}
	return nil
}

func toNumeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}
