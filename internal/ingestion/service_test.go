package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/rpattn/pricing/internal/domain"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

const priceHeader = "StoreId,SKU,Price,PriceDate\n"

type serviceFixture struct {
	runs      *stubRunRepo
	rowErrors *stubRowErrorRepo
	pricing   *stubPricingRepo
	service   *Service
}

func newServiceFixture(opts ...Option) *serviceFixture {
	f := &serviceFixture{
		runs:      newStubRunRepo(),
		rowErrors: &stubRowErrorRepo{},
		pricing:   newStubPricingRepo([]int32{1, 2}, []string{"A1", "B2", "C3"}),
	}
	base := []Option{
		WithClock(fixedClock()),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	f.service = NewService(f.runs, f.rowErrors, f.pricing, append(base, opts...)...)
	return f
}

func (f *serviceFixture) ingest(t *testing.T, data string) (Summary, error) {
	t.Helper()
	return f.service.Ingest(context.Background(), Request{FileName: "prices.csv", UploadedBy: "ops", Data: strings.NewReader(data)})
}

func TestIngest_HeaderOnlyFileCompletes(t *testing.T) {
	f := newServiceFixture()
	summary, err := f.ingest(t, priceHeader)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	run := f.runs.get(summary.UploadID)
	if run.Status != domain.UploadStatusCompleted || run.TotalRecords != 0 || run.FailedRecords != 0 {
		t.Fatalf("unexpected run %+v", run)
	}
	if run.UploadedBy == nil || *run.UploadedBy != "ops" {
		t.Fatalf("expected uploader to be recorded")
	}
	if f.pricing.lookups != 0 {
		t.Fatalf("expected no reconciliation for an empty file")
	}
}

func TestIngest_DuplicateWithinRun(t *testing.T) {
	f := newServiceFixture()
	summary, err := f.ingest(t, priceHeader+
		"1,A1,9.99,01-01-2024\n"+
		"1,A1,9.99,01-01-2024\n")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	want := Summary{
		UploadID:     summary.UploadID,
		Status:       domain.UploadStatusCompletedWithErrors,
		TotalRows:    2,
		InsertedRows: 1,
		FailedRows:   1,
		ErrorCount:   1,
	}
	if diff := cmp.Diff(want, summary); diff != "" {
		t.Fatalf("unexpected summary (-want +got):\n%s", diff)
	}

	run := f.runs.get(summary.UploadID)
	if run.Status != domain.UploadStatusCompletedWithErrors || run.TotalRecords != 2 || run.FailedRecords != 1 {
		t.Fatalf("unexpected run %+v", run)
	}
	if f.pricing.count() != 1 {
		t.Fatalf("expected one persisted record, got %d", f.pricing.count())
	}
	if diff := cmp.Diff([]string{"Duplicate record for StoreId=1, SKU=A1, PriceDate=2024-01-01"}, f.rowErrors.messages()); diff != "" {
		t.Fatalf("unexpected row errors (-want +got):\n%s", diff)
	}
}

func TestIngest_InvalidStoreIDCounted(t *testing.T) {
	f := newServiceFixture()
	summary, err := f.ingest(t, priceHeader+"abc,A1,9.99,01-01-2024\n")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if summary.TotalRows != 1 || summary.FailedRows != 1 || summary.InsertedRows != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	rowErrors := f.rowErrors.all()
	if len(rowErrors) != 1 || rowErrors[0].Message != "Invalid StoreId" || rowErrors[0].RowNumber != 1 {
		t.Fatalf("unexpected row errors %+v", rowErrors)
	}
	if rowErrors[0].RawData == nil || *rowErrors[0].RawData != "abc,A1,9.99,01-01-2024" {
		t.Fatalf("expected raw row text on error")
	}
	if len(f.pricing.insertCalls) != 0 {
		t.Fatalf("expected no inserts")
	}
}

func TestIngest_EmptyFileFailsRun(t *testing.T) {
	f := newServiceFixture()
	summary, err := f.ingest(t, "")
	if !errors.Is(err, ErrInvalidHeader) {
		t.Fatalf("expected ErrInvalidHeader, got %v", err)
	}
	run := f.runs.get(summary.UploadID)
	if run.Status != domain.UploadStatusFailed || run.TotalRecords != 0 || run.FailedRecords != 0 {
		t.Fatalf("unexpected run %+v", run)
	}
	if run.Remarks == nil || !strings.Contains(*run.Remarks, "file is empty") {
		t.Fatalf("expected failure remarks, got %v", run.Remarks)
	}
	if len(f.rowErrors.all()) != 0 {
		t.Fatalf("expected no row errors for a header failure")
	}
}

func TestIngest_MixedRowsRowNumbersAndOrder(t *testing.T) {
	f := newServiceFixture()
	summary, err := f.ingest(t, priceHeader+
		"1,A1,9.99,01-01-2024\n"+
		"\n"+
		"2,,1.00,01-01-2024\n"+
		"2,B2,-1,01-01-2024\n"+
		"7,B2,1.00,01-01-2024\n"+
		"2,C3,abc,01-01-2024\n"+
		"2,C3,2.00,2024-01-01\n"+
		"2,C3,2.00,1-1-2024\n")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if summary.TotalRows != 7 || summary.InsertedRows != 2 || summary.FailedRows != 5 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	type rowErr struct {
		Row     int
		Message string
	}
	var got []rowErr
	for _, e := range f.rowErrors.all() {
		got = append(got, rowErr{e.RowNumber, e.Message})
	}
	want := []rowErr{
		{2, "SKU is empty"},
		{3, "Price must be non-negative"},
		{5, "Invalid Price"},
		{6, invalidPriceDateMessage},
		{0, "Unknown StoreId 7"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected row errors (-want +got):\n%s", diff)
	}
}

func TestIngest_BatchBoundaries(t *testing.T) {
	f := newServiceFixture(WithBatchSize(2))

	var b strings.Builder
	b.WriteString(priceHeader)
	for day := 1; day <= 5; day++ {
		fmt.Fprintf(&b, "1,A1,1.00,%02d-01-2024\n", day)
	}
	// repeats a key committed by the first batch
	b.WriteString("1,A1,1.00,01-01-2024\n")

	summary, err := f.ingest(t, b.String())
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if summary.TotalRows != 6 || summary.InsertedRows != 5 || summary.FailedRows != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	var sizes []int
	for _, call := range f.pricing.insertCalls {
		sizes = append(sizes, len(call))
	}
	if diff := cmp.Diff([]int{2, 2, 1}, sizes); diff != "" {
		t.Fatalf("unexpected insert batches (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Duplicate record for StoreId=1, SKU=A1, PriceDate=2024-01-01"}, f.rowErrors.messages()); diff != "" {
		t.Fatalf("unexpected row errors (-want +got):\n%s", diff)
	}
}

func TestIngest_RerunIsIdempotent(t *testing.T) {
	f := newServiceFixture()
	data := priceHeader + "1,A1,9.99,01-01-2024\n2,B2,1.00,02-01-2024\n"

	first, err := f.ingest(t, data)
	if err != nil || first.Status != domain.UploadStatusCompleted {
		t.Fatalf("first run: %+v %v", first, err)
	}
	second, err := f.ingest(t, data)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Status != domain.UploadStatusCompletedWithErrors || second.InsertedRows != 0 || second.FailedRows != 2 {
		t.Fatalf("unexpected rerun summary %+v", second)
	}
	if f.pricing.count() != 2 {
		t.Fatalf("expected rerun to insert nothing, have %d records", f.pricing.count())
	}
}

func TestIngest_ErrorsPersistedInChunks(t *testing.T) {
	f := newServiceFixture(WithErrorBatchSize(2))

	var b strings.Builder
	b.WriteString(priceHeader)
	for i := 0; i < 5; i++ {
		b.WriteString("x,A1,1.00,01-01-2024\n")
	}
	if _, err := f.ingest(t, b.String()); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	var sizes []int
	for _, batch := range f.rowErrors.batches {
		sizes = append(sizes, len(batch))
	}
	if diff := cmp.Diff([]int{2, 2, 1}, sizes); diff != "" {
		t.Fatalf("unexpected error batches (-want +got):\n%s", diff)
	}
}

func TestIngest_LookupFailureFailsRun(t *testing.T) {
	f := newServiceFixture()
	f.pricing.lookupErr = errors.New("connection refused")

	summary, err := f.ingest(t, priceHeader+"1,A1,9.99,01-01-2024\nx,A1,1,01-01-2024\n")
	if err == nil {
		t.Fatalf("expected infrastructure error")
	}
	run := f.runs.get(summary.UploadID)
	if run.Status != domain.UploadStatusFailed || run.Remarks == nil || !strings.Contains(*run.Remarks, "connection refused") {
		t.Fatalf("unexpected run %+v", run)
	}
	if run.TotalRecords != 2 || run.FailedRecords != 1 {
		t.Fatalf("expected counts so far to be recorded, got %+v", run)
	}
	if diff := cmp.Diff([]string{"Invalid StoreId"}, f.rowErrors.messages()); diff != "" {
		t.Fatalf("expected pending row errors to be kept (-want +got):\n%s", diff)
	}
}

func TestIngest_InvalidUTF8RowsDoNotFailRun(t *testing.T) {
	f := newServiceFixture()
	f.pricing.strictUTF8 = true
	f.rowErrors.strictUTF8 = true

	summary, err := f.ingest(t, priceHeader+
		"1,A1,1.00,01-01-2024\n"+
		"1,CAF\xC9,1.00,01-01-2024\n"+
		"abc,CAF\xC9,1.00,01-01-2024\n"+
		"2,B2,1.00,01-01-2024\n")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if summary.Status != domain.UploadStatusCompletedWithErrors || summary.TotalRows != 4 || summary.InsertedRows != 2 || summary.FailedRows != 2 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	rowErrors := f.rowErrors.all()
	if len(rowErrors) != 2 {
		t.Fatalf("expected 2 row errors, got %+v", rowErrors)
	}
	for i, e := range rowErrors {
		if e.RowNumber != i+2 || e.Message != "Malformed row: invalid UTF-8 in column SKU" {
			t.Fatalf("unexpected row error %+v", e)
		}
	}
	if raw := rowErrors[0].RawData; raw == nil || *raw != "1,CAF\uFFFD,1.00,01-01-2024" {
		t.Fatalf("expected replacement character in raw data, got %v", raw)
	}
}

func TestIngest_CancellationLeavesRunProcessing(t *testing.T) {
	f := newServiceFixture(WithBatchSize(1))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inserts := 0
	f.pricing.beforeInsert = func([]domain.PriceRecord) {
		inserts++
		if inserts == 2 {
			cancel()
		}
	}

	data := priceHeader + "1,A1,1.00,01-01-2024\nx,A1,1.00,02-01-2024\n1,A1,1.00,03-01-2024\n1,A1,1.00,04-01-2024\n"
	summary, err := f.service.Ingest(ctx, Request{FileName: "prices.csv", Data: strings.NewReader(data)})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if summary.Status != domain.UploadStatusProcessing {
		t.Fatalf("expected summary to report Processing, got %s", summary.Status)
	}
	run := f.runs.get(summary.UploadID)
	if run.Status != domain.UploadStatusProcessing || f.runs.finalized != 0 {
		t.Fatalf("cancelled run must not be finalized, got %+v", run)
	}
	if f.pricing.count() != 1 {
		t.Fatalf("expected the first committed batch to remain, have %d records", f.pricing.count())
	}
	if len(f.rowErrors.all()) != 0 {
		t.Fatalf("cancelled run must not persist pending row errors")
	}
}

func TestStart_ProcessesInBackground(t *testing.T) {
	f := newServiceFixture()
	data := &closeTracker{Reader: strings.NewReader(priceHeader + "1,A1,9.99,01-01-2024\n")}

	id, err := f.service.Start(context.Background(), Request{FileName: "prices.csv", Data: data})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.service.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	run, err := f.service.GetRun(context.Background(), id)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.UploadStatusCompleted && run.Status != domain.UploadStatusProcessing {
		t.Fatalf("unexpected status %s", run.Status)
	}
	if !data.closed {
		t.Fatalf("expected upload data to be closed after the run")
	}
	if f.service.Cancel(id) {
		t.Fatalf("expected no worker to remain after shutdown")
	}
}

func TestStart_WaitsForCompletion(t *testing.T) {
	f := newServiceFixture()
	release := make(chan struct{})
	f.pricing.beforeInsert = func([]domain.PriceRecord) { <-release }

	id, err := f.service.Start(context.Background(), Request{
		FileName: "prices.csv",
		Data:     strings.NewReader(priceHeader + "1,A1,9.99,01-01-2024\n"),
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if run := f.runs.get(id); run.Status != domain.UploadStatusProcessing {
		t.Fatalf("expected run to be observable while in flight, got %s", run.Status)
	}
	close(release)

	deadline := time.Now().Add(5 * time.Second)
	for f.runs.get(id).Status == domain.UploadStatusProcessing {
		if time.Now().After(deadline) {
			t.Fatalf("background run did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := f.runs.get(id).Status; got != domain.UploadStatusCompleted {
		t.Fatalf("expected Completed, got %s", got)
	}
}

func TestStart_PanicFailsRunWithCountsSoFar(t *testing.T) {
	f := newServiceFixture(WithBatchSize(1))
	inserts := 0
	f.pricing.beforeInsert = func([]domain.PriceRecord) {
		inserts++
		if inserts == 2 {
			panic("driver exploded")
		}
	}

	id, err := f.service.Start(context.Background(), Request{
		FileName: "prices.csv",
		Data:     strings.NewReader(priceHeader + "1,A1,1.00,01-01-2024\nx,A1,1.00,02-01-2024\n1,A1,1.00,03-01-2024\n"),
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for f.runs.get(id).Status == domain.UploadStatusProcessing {
		if time.Now().After(deadline) {
			t.Fatalf("background run did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}

	run := f.runs.get(id)
	if run.Status != domain.UploadStatusFailed || run.Remarks == nil || !strings.Contains(*run.Remarks, "driver exploded") {
		t.Fatalf("unexpected run %+v", run)
	}
	if run.TotalRecords != 3 || run.FailedRecords != 1 {
		t.Fatalf("expected counts up to the panic, got total=%d failed=%d", run.TotalRecords, run.FailedRecords)
	}
	if diff := cmp.Diff([]string{"Invalid StoreId"}, f.rowErrors.messages()); diff != "" {
		t.Fatalf("expected pending row errors to be kept (-want +got):\n%s", diff)
	}
}

func TestStart_RejectsMissingData(t *testing.T) {
	f := newServiceFixture()
	if _, err := f.service.Start(context.Background(), Request{FileName: "prices.csv"}); err == nil {
		t.Fatalf("expected error for missing data")
	}
	if len(f.runs.runs) != 0 {
		t.Fatalf("expected no run to be created")
	}
}

func TestListErrors_UnknownRun(t *testing.T) {
	f := newServiceFixture()
	if _, err := f.service.ListErrors(context.Background(), uuid.New()); err == nil {
		t.Fatalf("expected not found error")
	}
}

type closeTracker struct {
	io.Reader
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}

func TestIngest_ReferenceCacheSharesLookupsAcrossBatches(t *testing.T) {
	data := priceHeader + "1,A1,1.00,01-01-2024\n1,A1,1.00,02-01-2024\n1,A1,1.00,03-01-2024\n"

	cached := newServiceFixture(WithBatchSize(1))
	if _, err := cached.ingest(t, data); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if cached.pricing.lookups != 1 {
		t.Fatalf("expected one store lookup with the cache, got %d", cached.pricing.lookups)
	}

	direct := newServiceFixture(WithBatchSize(1), WithReferenceCache(false))
	if _, err := direct.ingest(t, data); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if direct.pricing.lookups != 3 {
		t.Fatalf("expected a store lookup per batch without the cache, got %d", direct.pricing.lookups)
	}
}

func TestCancel_UnknownRun(t *testing.T) {
	f := newServiceFixture()
	if f.service.Cancel(uuid.New()) {
		t.Fatalf("expected false for a run with no worker")
	}
}
