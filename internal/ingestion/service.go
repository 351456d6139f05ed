package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rpattn/pricing/internal/domain"
	"github.com/rpattn/pricing/internal/refloader"
	"github.com/rpattn/pricing/internal/repository"

	"github.com/google/uuid"
)

// DefaultErrorBatchSize bounds how many row errors are written per insert.
const DefaultErrorBatchSize = 500

// Service runs price file uploads through parsing, validation, reconciliation
// and persistence, and tracks each run's lifecycle.
type Service struct {
	runs      repository.UploadRunRepository
	rowErrors repository.RowErrorRepository
	pricing   repository.PricingRepository
	logger    *slog.Logger

	batchSize      int
	errorBatchSize int
	jobTimeout     time.Duration
	referenceCache bool
	now            func() time.Time

	workers       sync.WaitGroup
	workerCancels sync.Map // map[uuid.UUID]context.CancelFunc
}

type Option func(*Service)

func WithBatchSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

func WithErrorBatchSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.errorBatchSize = size
		}
	}
}

// WithJobTimeout bounds background runs started with Start.
func WithJobTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		if timeout > 0 {
			s.jobTimeout = timeout
		}
	}
}

// WithReferenceCache toggles the per-run store/SKU existence cache.
func WithReferenceCache(enabled bool) Option {
	return func(s *Service) {
		s.referenceCache = enabled
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates a new ingestion service.
func NewService(
	runs repository.UploadRunRepository,
	rowErrors repository.RowErrorRepository,
	pricing repository.PricingRepository,
	opts ...Option,
) *Service {
	service := &Service{
		runs:           runs,
		rowErrors:      rowErrors,
		pricing:        pricing,
		logger:         slog.Default(),
		batchSize:      DefaultBatchSize,
		errorBatchSize: DefaultErrorBatchSize,
		jobTimeout:     30 * time.Minute,
		referenceCache: true,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

// Request describes one file to ingest.
type Request struct {
	FileName   string
	UploadedBy string
	// Data is read to EOF. Runs started with Start close it afterwards when it
	// implements io.Closer.
	Data io.Reader
}

// Summary reports the outcome of a run.
type Summary struct {
	UploadID     uuid.UUID           `json:"uploadId"`
	Status       domain.UploadStatus `json:"status"`
	TotalRows    int                 `json:"totalRows"`
	InsertedRows int                 `json:"insertedRows"`
	FailedRows   int                 `json:"failedRows"`
	ErrorCount   int                 `json:"errorCount"`
}

// Ingest runs the pipeline to completion on the caller's goroutine. When ctx
// is cancelled the run is left in Processing and the context error is returned.
func (s *Service) Ingest(ctx context.Context, req Request) (Summary, error) {
	run, err := s.begin(ctx, req)
	if err != nil {
		return Summary{}, err
	}
	return s.process(ctx, run, req.Data)
}

// Start durably creates the run and processes it in the background.
func (s *Service) Start(ctx context.Context, req Request) (uuid.UUID, error) {
	run, err := s.begin(ctx, req)
	if err != nil {
		closeData(req.Data)
		return uuid.Nil, err
	}
	s.launchWorker(run, req.Data)
	return run.ID, nil
}

// Cancel stops a background run. It reports whether a worker was running.
func (s *Service) Cancel(id uuid.UUID) bool {
	cancel, ok := s.workerCancels.LoadAndDelete(id)
	if !ok {
		return false
	}
	if fn, okCast := cancel.(context.CancelFunc); okCast {
		fn()
	}
	return true
}

// Shutdown cancels every background run and waits for the workers to exit.
func (s *Service) Shutdown(ctx context.Context) error {
	s.workerCancels.Range(func(key, value any) bool {
		if fn, ok := value.(context.CancelFunc); ok {
			fn()
		}
		return true
	})

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) GetRun(ctx context.Context, id uuid.UUID) (domain.UploadRun, error) {
	if id == uuid.Nil {
		return domain.UploadRun{}, errors.New("upload ID is required")
	}
	return s.runs.GetByID(ctx, id)
}

func (s *Service) ListRuns(ctx context.Context, limit int) ([]domain.UploadRun, error) {
	return s.runs.ListRecent(ctx, limit)
}

// ListErrors returns the row errors of a run ordered by row number.
func (s *Service) ListErrors(ctx context.Context, id uuid.UUID) ([]domain.RowError, error) {
	if _, err := s.GetRun(ctx, id); err != nil {
		return nil, err
	}
	return s.rowErrors.ListByUpload(ctx, id)
}

func (s *Service) begin(ctx context.Context, req Request) (domain.UploadRun, error) {
	if req.Data == nil {
		return domain.UploadRun{}, errors.New("upload data is required")
	}
	fileName := strings.TrimSpace(req.FileName)
	if fileName == "" {
		return domain.UploadRun{}, errors.New("file name is required")
	}
	var uploadedBy *string
	if value := strings.TrimSpace(req.UploadedBy); value != "" {
		uploadedBy = &value
	}

	run, err := s.runs.Create(ctx, domain.NewUploadRun(fileName, uploadedBy, s.now()))
	if err != nil {
		return domain.UploadRun{}, fmt.Errorf("create upload run: %w", err)
	}
	s.logger.Info("upload run started", "upload_id", run.ID, "file_name", run.FileName)
	return run, nil
}

func (s *Service) process(ctx context.Context, run domain.UploadRun, data io.Reader) (summary Summary, err error) {
	started := s.now()
	acc := newRunAccumulator(run.ID)
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("panic while processing upload", "upload_id", run.ID, "panic", rec)
			summary, err = s.fail(ctx, acc, fmt.Errorf("panic: %v", rec))
		}
	}()

	reader, err := newRowReader(run.FileName, data)
	if err != nil {
		return s.halt(ctx, acc, err)
	}
	defer func() { _ = reader.Close() }()

	pricing := s.pricing
	if s.referenceCache {
		pricing = refloader.New(s.pricing, s.batchSize)
	}
	engine := &reconciler{repo: pricing, logger: s.logger, now: s.now}
	batch := newBatcher(s.batchSize)

	for rowNumber := 1; ; rowNumber++ {
		if err := ctx.Err(); err != nil {
			return s.abandon(acc, err)
		}

		row, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return s.halt(ctx, acc, err)
		}

		acc.rowSeen()
		result := validateRow(row, rowNumber, run.ID, s.now())
		if result.Err != nil {
			acc.reject(*result.Err)
		} else if batch.add(*result.Candidate) {
			if err := engine.reconcile(ctx, batch.drain(), acc); err != nil {
				return s.halt(ctx, acc, err)
			}
		}

		if len(acc.pending) >= s.errorBatchSize {
			if err := s.persistErrors(ctx, acc); err != nil {
				return s.halt(ctx, acc, err)
			}
		}
	}

	if err := engine.reconcile(ctx, batch.drain(), acc); err != nil {
		return s.halt(ctx, acc, err)
	}
	if err := s.persistErrors(ctx, acc); err != nil {
		return s.halt(ctx, acc, err)
	}

	status := acc.status()
	if err := s.runs.Finalize(ctx, run.ID, repository.RunResult{
		Status:        status,
		TotalRecords:  acc.total,
		FailedRecords: acc.failed,
	}); err != nil {
		return s.halt(ctx, acc, fmt.Errorf("finalize upload run: %w", err))
	}

	s.logger.Info("upload run finished",
		"upload_id", run.ID,
		"status", status,
		"total", acc.total,
		"inserted", acc.inserted,
		"failed", acc.failed,
		"errors", acc.errorCount,
		"elapsed", s.now().Sub(started),
	)
	return acc.summary(status), nil
}

// halt ends a run early: as a cancellation when ctx is done, otherwise as a
// failure.
func (s *Service) halt(ctx context.Context, acc *runAccumulator, cause error) (Summary, error) {
	if err := ctx.Err(); err != nil {
		return s.abandon(acc, err)
	}
	return s.fail(ctx, acc, cause)
}

// abandon leaves the run in Processing. Batches already inserted stay.
func (s *Service) abandon(acc *runAccumulator, cause error) (Summary, error) {
	s.logger.Warn("upload run cancelled",
		"upload_id", acc.uploadID,
		"rows_seen", acc.total,
		"inserted", acc.inserted,
		"reason", cause,
	)
	return acc.summary(domain.UploadStatusProcessing), fmt.Errorf("upload %s cancelled: %w", acc.uploadID, cause)
}

func (s *Service) fail(ctx context.Context, acc *runAccumulator, cause error) (Summary, error) {
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	if err := s.persistErrors(ctx, acc); err != nil {
		s.logger.Warn("persisting row errors of failed run", "upload_id", acc.uploadID, "error", err)
	}

	remarks := truncateError(cause)
	if err := s.runs.Finalize(ctx, acc.uploadID, repository.RunResult{
		Status:        domain.UploadStatusFailed,
		TotalRecords:  acc.total,
		FailedRecords: acc.failed,
		Remarks:       &remarks,
	}); err != nil {
		s.logger.Error("failed to mark upload run as failed",
			"upload_id", acc.uploadID,
			"error", err,
			"cause", cause,
		)
	} else {
		s.logger.Error("upload run failed", "upload_id", acc.uploadID, "error", cause)
	}
	return acc.summary(domain.UploadStatusFailed), cause
}

func (s *Service) persistErrors(ctx context.Context, acc *runAccumulator) error {
	pending := acc.takePending()
	for start := 0; start < len(pending); start += s.errorBatchSize {
		end := min(start+s.errorBatchSize, len(pending))
		if err := s.rowErrors.InsertBatch(ctx, pending[start:end]); err != nil {
			return fmt.Errorf("persist row errors: %w", err)
		}
	}
	return nil
}

func (s *Service) launchWorker(run domain.UploadRun, data io.Reader) {
	baseCtx, baseCancel := context.WithCancel(context.Background())
	ctx := baseCtx
	cancelFunc := baseCancel
	if s.jobTimeout > 0 {
		timeoutCtx, timeoutCancel := context.WithTimeout(baseCtx, s.jobTimeout)
		ctx = timeoutCtx
		cancelFunc = func() {
			timeoutCancel()
			baseCancel()
		}
	}
	s.workerCancels.Store(run.ID, cancelFunc)
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		defer func() {
			cancelFunc()
			s.workerCancels.Delete(run.ID)
			closeData(data)
		}()
		if _, err := s.process(ctx, run, data); err != nil {
			s.logger.Debug("background upload run ended with error", "upload_id", run.ID, "error", err)
		}
	}()
}

func closeData(data io.Reader) {
	if closer, ok := data.(io.Closer); ok {
		_ = closer.Close()
	}
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}
	const maxLen = 512
	msg := err.Error()
	if len(msg) > maxLen {
		return msg[:maxLen]
	}
	return msg
}
