package ingestion

import (
	"context"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rpattn/pricing/internal/domain"
	"github.com/rpattn/pricing/internal/repository"

	"github.com/google/uuid"
)

type stubRunRepo struct {
	mu        sync.Mutex
	runs      map[uuid.UUID]domain.UploadRun
	finalized int
	createErr error
}

var _ repository.UploadRunRepository = (*stubRunRepo)(nil)

func newStubRunRepo() *stubRunRepo {
	return &stubRunRepo{runs: map[uuid.UUID]domain.UploadRun{}}
}

func (s *stubRunRepo) Create(_ context.Context, run domain.UploadRun) (domain.UploadRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return domain.UploadRun{}, s.createErr
	}
	s.runs[run.ID] = run
	return run, nil
}

func (s *stubRunRepo) Finalize(_ context.Context, id uuid.UUID, result repository.RunResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok || run.Status != domain.UploadStatusProcessing {
		return repository.ErrRunStatusConflict
	}
	run.Status = result.Status
	run.TotalRecords = result.TotalRecords
	run.FailedRecords = result.FailedRecords
	run.Remarks = result.Remarks
	s.runs[id] = run
	s.finalized++
	return nil
}

func (s *stubRunRepo) GetByID(_ context.Context, id uuid.UUID) (domain.UploadRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return domain.UploadRun{}, repository.ErrNotFound
	}
	return run, nil
}

func (s *stubRunRepo) ListRecent(_ context.Context, limit int) ([]domain.UploadRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := make([]domain.UploadRun, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
		if len(runs) == limit {
			break
		}
	}
	return runs, nil
}

func (s *stubRunRepo) get(id uuid.UUID) domain.UploadRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id]
}

// errInvalidEncoding mirrors Postgres refusing text that is not valid UTF-8.
var errInvalidEncoding = errors.New(`invalid byte sequence for encoding "UTF8" (SQLSTATE 22021)`)

type stubRowErrorRepo struct {
	mu      sync.Mutex
	batches [][]domain.RowError
	// strictUTF8 rejects batches holding invalid UTF-8.
	strictUTF8 bool
}

var _ repository.RowErrorRepository = (*stubRowErrorRepo)(nil)

func (s *stubRowErrorRepo) InsertBatch(_ context.Context, rowErrors []domain.RowError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.strictUTF8 {
		for _, e := range rowErrors {
			if !utf8.ValidString(e.Message) || (e.RawData != nil && !utf8.ValidString(*e.RawData)) {
				return errInvalidEncoding
			}
		}
	}
	s.batches = append(s.batches, append([]domain.RowError(nil), rowErrors...))
	return nil
}

func (s *stubRowErrorRepo) ListByUpload(_ context.Context, uploadID uuid.UUID) ([]domain.RowError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RowError
	for _, batch := range s.batches {
		for _, e := range batch {
			if e.UploadID == uploadID {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func (s *stubRowErrorRepo) all() []domain.RowError {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RowError
	for _, batch := range s.batches {
		out = append(out, batch...)
	}
	return out
}

func (s *stubRowErrorRepo) messages() []string {
	var out []string
	for _, e := range s.all() {
		out = append(out, e.Message)
	}
	return out
}

// stubPricingRepo keeps reference data and committed records in memory.
type stubPricingRepo struct {
	mu          sync.Mutex
	stores      map[int32]struct{}
	skus        map[string]struct{}
	records     map[domain.NaturalKey]domain.PriceRecord
	insertCalls [][]domain.PriceRecord
	lookups     int

	lookupErr  error
	insertErr  error
	strictUTF8 bool
	// beforeInsert runs ahead of every insert, outside the lock.
	beforeInsert func(records []domain.PriceRecord)
}

var _ repository.PricingRepository = (*stubPricingRepo)(nil)

func newStubPricingRepo(storeIDs []int32, skus []string) *stubPricingRepo {
	repo := &stubPricingRepo{
		stores:  map[int32]struct{}{},
		skus:    map[string]struct{}{},
		records: map[domain.NaturalKey]domain.PriceRecord{},
	}
	for _, id := range storeIDs {
		repo.stores[id] = struct{}{}
	}
	for _, sku := range skus {
		repo.skus[sku] = struct{}{}
	}
	return repo
}

func (s *stubPricingRepo) ExistingStoreIDs(ctx context.Context, ids []int32) (map[int32]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	if s.lookupErr != nil {
		return nil, s.lookupErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	found := map[int32]struct{}{}
	for _, id := range ids {
		if _, ok := s.stores[id]; ok {
			found[id] = struct{}{}
		}
	}
	return found, nil
}

func (s *stubPricingRepo) ExistingSKUs(ctx context.Context, skus []string) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	found := map[string]struct{}{}
	for _, sku := range skus {
		if s.strictUTF8 && !utf8.ValidString(sku) {
			return nil, errInvalidEncoding
		}
		if _, ok := s.skus[sku]; ok {
			found[sku] = struct{}{}
		}
	}
	return found, nil
}

func (s *stubPricingRepo) ExistingPriceKeys(ctx context.Context, keys []domain.NaturalKey) (map[domain.NaturalKey]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	found := map[domain.NaturalKey]struct{}{}
	for _, key := range keys {
		if _, ok := s.records[key]; ok {
			found[key] = struct{}{}
		}
	}
	return found, nil
}

func (s *stubPricingRepo) InsertPriceRecords(ctx context.Context, records []domain.PriceRecord) error {
	if s.beforeInsert != nil {
		s.beforeInsert(records)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	s.insertCalls = append(s.insertCalls, append([]domain.PriceRecord(nil), records...))
	if s.insertErr != nil {
		return s.insertErr
	}
	for _, rec := range records {
		if _, exists := s.records[rec.Key()]; exists {
			return repository.ErrDuplicateKey
		}
	}
	for _, rec := range records {
		s.records[rec.Key()] = rec
	}
	return nil
}

func (s *stubPricingRepo) seed(storeID int32, sku string, date time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := domain.NewNaturalKey(storeID, sku, date)
	s.records[key] = domain.PriceRecord{StoreID: storeID, SKU: sku, PriceDate: key.Date}
}

func (s *stubPricingRepo) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func fixedClock() func() time.Time {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return now }
}
