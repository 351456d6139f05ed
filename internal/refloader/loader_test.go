package refloader

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/rpattn/pricing/internal/domain"
	"github.com/rpattn/pricing/internal/repository"

	"github.com/google/go-cmp/cmp"
)

type stubPricingRepo struct {
	mu         sync.Mutex
	stores     map[int32]struct{}
	skus       map[string]struct{}
	storeCalls [][]int32
	skuCalls   [][]string
	storeErr   error
	keyLookups int
}

var _ repository.PricingRepository = (*stubPricingRepo)(nil)

func (s *stubPricingRepo) ExistingStoreIDs(_ context.Context, ids []int32) (map[int32]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	requested := append([]int32(nil), ids...)
	sort.Slice(requested, func(i, j int) bool { return requested[i] < requested[j] })
	s.storeCalls = append(s.storeCalls, requested)
	if s.storeErr != nil {
		return nil, s.storeErr
	}
	found := map[int32]struct{}{}
	for _, id := range ids {
		if _, ok := s.stores[id]; ok {
			found[id] = struct{}{}
		}
	}
	return found, nil
}

func (s *stubPricingRepo) ExistingSKUs(_ context.Context, skus []string) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	requested := append([]string(nil), skus...)
	sort.Strings(requested)
	s.skuCalls = append(s.skuCalls, requested)
	found := map[string]struct{}{}
	for _, sku := range skus {
		if _, ok := s.skus[sku]; ok {
			found[sku] = struct{}{}
		}
	}
	return found, nil
}

func (s *stubPricingRepo) ExistingPriceKeys(context.Context, []domain.NaturalKey) (map[domain.NaturalKey]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keyLookups++
	return map[domain.NaturalKey]struct{}{}, nil
}

func (s *stubPricingRepo) InsertPriceRecords(context.Context, []domain.PriceRecord) error {
	return nil
}

func TestLoader_CachesStoreExistenceAcrossBatches(t *testing.T) {
	repo := &stubPricingRepo{stores: map[int32]struct{}{1: {}, 2: {}}}
	loader := New(repo, 10)
	ctx := context.Background()

	first, err := loader.ExistingStoreIDs(ctx, []int32{1, 3})
	if err != nil {
		t.Fatalf("first lookup: %v", err)
	}
	if diff := cmp.Diff(map[int32]struct{}{1: {}}, first); diff != "" {
		t.Fatalf("unexpected first result (-want +got):\n%s", diff)
	}

	second, err := loader.ExistingStoreIDs(ctx, []int32{1, 2, 3})
	if err != nil {
		t.Fatalf("second lookup: %v", err)
	}
	if diff := cmp.Diff(map[int32]struct{}{1: {}, 2: {}}, second); diff != "" {
		t.Fatalf("unexpected second result (-want +got):\n%s", diff)
	}

	want := [][]int32{{1, 3}, {2}}
	if diff := cmp.Diff(want, repo.storeCalls); diff != "" {
		t.Fatalf("unexpected repository calls (-want +got):\n%s", diff)
	}
}

func TestLoader_CachesSKUExistence(t *testing.T) {
	repo := &stubPricingRepo{skus: map[string]struct{}{"A1": {}}}
	loader := New(repo, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		found, err := loader.ExistingSKUs(ctx, []string{"A1", "B2"})
		if err != nil {
			t.Fatalf("lookup %d: %v", i, err)
		}
		if _, ok := found["A1"]; !ok || len(found) != 1 {
			t.Fatalf("lookup %d: unexpected result %v", i, found)
		}
	}
	if len(repo.skuCalls) != 1 {
		t.Fatalf("expected a single repository call, got %d", len(repo.skuCalls))
	}
}

func TestLoader_DoesNotCacheFailures(t *testing.T) {
	repo := &stubPricingRepo{stores: map[int32]struct{}{1: {}}, storeErr: errors.New("connection reset")}
	loader := New(repo, 10)
	ctx := context.Background()

	if _, err := loader.ExistingStoreIDs(ctx, []int32{1}); err == nil {
		t.Fatalf("expected lookup error")
	}

	repo.storeErr = nil
	found, err := loader.ExistingStoreIDs(ctx, []int32{1})
	if err != nil {
		t.Fatalf("retry lookup: %v", err)
	}
	if _, ok := found[1]; !ok {
		t.Fatalf("expected store 1 after retry, got %v", found)
	}
}

func TestLoader_PassesThroughPriceKeys(t *testing.T) {
	repo := &stubPricingRepo{}
	loader := New(repo, 10)
	for i := 0; i < 2; i++ {
		if _, err := loader.ExistingPriceKeys(context.Background(), nil); err != nil {
			t.Fatalf("price key lookup: %v", err)
		}
	}
	if repo.keyLookups != 2 {
		t.Fatalf("expected price key lookups to bypass the cache, got %d calls", repo.keyLookups)
	}
}
