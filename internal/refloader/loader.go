// Package refloader caches store and product existence for the lifetime of a
// single upload run.
package refloader

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rpattn/pricing/internal/repository"

	"github.com/graph-gophers/dataloader"
)

// Loader answers ExistingStoreIDs and ExistingSKUs from a per-run cache and
// delegates everything else to the wrapped repository. Price-key lookups are
// never cached since the run itself inserts new keys.
type Loader struct {
	repository.PricingRepository

	stores *dataloader.Loader
	skus   *dataloader.Loader
}

// New wraps repo; capacity caps how many keys go into one lookup.
func New(repo repository.PricingRepository, capacity int) *Loader {
	opts := []dataloader.Option{dataloader.WithWait(time.Millisecond)}
	if capacity > 0 {
		opts = append(opts, dataloader.WithBatchCapacity(capacity))
	}

	storeFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		ids := make([]int32, len(keys))
		for i, k := range keys {
			id, err := strconv.ParseInt(k.String(), 10, 32)
			if err != nil {
				return failAll(len(keys), fmt.Errorf("invalid store key %q: %w", k.String(), err))
			}
			ids[i] = int32(id)
		}

		found, err := repo.ExistingStoreIDs(ctx, ids)
		if err != nil {
			return failAll(len(keys), err)
		}

		results := make([]*dataloader.Result, len(keys))
		for i, id := range ids {
			_, ok := found[id]
			results[i] = &dataloader.Result{Data: ok}
		}
		return results
	}

	skuFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		skus := keys.Keys()

		found, err := repo.ExistingSKUs(ctx, skus)
		if err != nil {
			return failAll(len(keys), err)
		}

		results := make([]*dataloader.Result, len(keys))
		for i, sku := range skus {
			_, ok := found[sku]
			results[i] = &dataloader.Result{Data: ok}
		}
		return results
	}

	return &Loader{
		PricingRepository: repo,
		stores:            dataloader.NewBatchedLoader(storeFn, opts...),
		skus:              dataloader.NewBatchedLoader(skuFn, opts...),
	}
}

func (l *Loader) ExistingStoreIDs(ctx context.Context, storeIDs []int32) (map[int32]struct{}, error) {
	keys := make([]string, len(storeIDs))
	for i, id := range storeIDs {
		keys[i] = strconv.FormatInt(int64(id), 10)
	}

	exists, err := l.load(ctx, l.stores, keys)
	if err != nil {
		return nil, err
	}

	found := make(map[int32]struct{}, len(storeIDs))
	for i, id := range storeIDs {
		if exists[i] {
			found[id] = struct{}{}
		}
	}
	return found, nil
}

func (l *Loader) ExistingSKUs(ctx context.Context, skus []string) (map[string]struct{}, error) {
	exists, err := l.load(ctx, l.skus, skus)
	if err != nil {
		return nil, err
	}

	found := make(map[string]struct{}, len(skus))
	for i, sku := range skus {
		if exists[i] {
			found[sku] = struct{}{}
		}
	}
	return found, nil
}

func (l *Loader) load(ctx context.Context, loader *dataloader.Loader, keys []string) ([]bool, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	values, errs := loader.LoadMany(ctx, dataloader.NewKeysFromStrings(keys))()
	for _, err := range errs {
		if err != nil {
			// Failed lookups must not stick in the cache for the rest of the run.
			loader.ClearAll()
			return nil, err
		}
	}

	exists := make([]bool, len(keys))
	for i, value := range values {
		exists[i], _ = value.(bool)
	}
	return exists, nil
}

func failAll(n int, err error) []*dataloader.Result {
	results := make([]*dataloader.Result, n)
	for i := range results {
		results[i] = &dataloader.Result{Error: err}
	}
	return results
}
