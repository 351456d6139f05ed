package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rpattn/pricing/internal/domain"
	"github.com/rpattn/pricing/internal/repository"
)

// reconciler checks a batch against reference data and persisted records,
// then inserts what survives.
type reconciler struct {
	repo   repository.PricingRepository
	logger *slog.Logger
	now    func() time.Time
}

// reconcile records rejected candidates on acc and returns only
// infrastructure faults: lookup failures and context cancellation.
func (r *reconciler) reconcile(ctx context.Context, batch []candidate, acc *runAccumulator) error {
	if len(batch) == 0 {
		return nil
	}

	storeIDs, skus, keys := distinctKeys(batch)

	knownStores, err := r.repo.ExistingStoreIDs(ctx, storeIDs)
	if err != nil {
		return fmt.Errorf("look up stores: %w", err)
	}
	knownSKUs, err := r.repo.ExistingSKUs(ctx, skus)
	if err != nil {
		return fmt.Errorf("look up products: %w", err)
	}
	existing, err := r.repo.ExistingPriceKeys(ctx, keys)
	if err != nil {
		return fmt.Errorf("look up price records: %w", err)
	}

	seen := make(map[domain.NaturalKey]struct{}, len(existing)+len(batch))
	for key := range existing {
		seen[key] = struct{}{}
	}

	now := r.now()
	accepted := make([]domain.PriceRecord, 0, len(batch))
	for _, c := range batch {
		record := c.Record
		key := record.Key()
		if _, ok := knownStores[record.StoreID]; !ok {
			acc.reject(newRowError(acc.uploadID, 0, fmt.Sprintf("Unknown StoreId %d", record.StoreID), c.Raw, now))
			continue
		}
		if _, ok := knownSKUs[record.SKU]; !ok {
			acc.reject(newRowError(acc.uploadID, 0, fmt.Sprintf("Unknown SKU %s", record.SKU), c.Raw, now))
			continue
		}
		if _, ok := seen[key]; ok {
			acc.reject(newRowError(acc.uploadID, 0, "Duplicate record for "+key.String(), c.Raw, now))
			continue
		}
		seen[key] = struct{}{}
		accepted = append(accepted, record)
	}

	if len(accepted) == 0 {
		return nil
	}

	if err := r.repo.InsertPriceRecords(ctx, accepted); err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return err
		}
		r.logger.Warn("storage rejected batch",
			"upload_id", acc.uploadID,
			"records", len(accepted),
			"error", err,
		)
		message := fmt.Sprintf("Storage rejected batch of %d records: %v", len(accepted), err)
		acc.rejectRows(newRowError(acc.uploadID, 0, message, "", now), len(accepted))
		return nil
	}

	acc.accept(len(accepted))
	return nil
}

func distinctKeys(batch []candidate) ([]int32, []string, []domain.NaturalKey) {
	storeSet := make(map[int32]struct{}, len(batch))
	skuSet := make(map[string]struct{}, len(batch))
	keySet := make(map[domain.NaturalKey]struct{}, len(batch))

	var (
		storeIDs []int32
		skus     []string
		keys     []domain.NaturalKey
	)
	for _, c := range batch {
		if _, ok := storeSet[c.Record.StoreID]; !ok {
			storeSet[c.Record.StoreID] = struct{}{}
			storeIDs = append(storeIDs, c.Record.StoreID)
		}
		if _, ok := skuSet[c.Record.SKU]; !ok {
			skuSet[c.Record.SKU] = struct{}{}
			skus = append(skus, c.Record.SKU)
		}
		key := c.Record.Key()
		if _, ok := keySet[key]; !ok {
			keySet[key] = struct{}{}
			keys = append(keys, key)
		}
	}
	return storeIDs, skus, keys
}
