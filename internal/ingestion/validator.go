package ingestion

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rpattn/pricing/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	maxSKULength = 100
	// maxPriceScale matches the price column, NUMERIC(18, 4).
	maxPriceScale = 4
)

var (
	maxPrice = decimal.NewFromInt(10_000_000)

	// Optional sign, digits with optional comma grouping and an optional
	// fraction. Currency symbols and exponents do not match.
	pricePattern = regexp.MustCompile(`^[+-]?(\d{1,3}(,\d{3})+|\d*)(\.\d*)?$`)
)

type dateFormat struct {
	layout string
	label  string
}

// priceDateFormats is tried in order; the first layout that parses wins.
var priceDateFormats = []dateFormat{
	{layout: "02-01-2006", label: "dd-MM-yyyy"},
	{layout: "2-1-2006", label: "d-M-yyyy"},
}

var invalidPriceDateMessage = func() string {
	labels := make([]string, len(priceDateFormats))
	for i, format := range priceDateFormats {
		labels[i] = format.label
	}
	return fmt.Sprintf("Invalid PriceDate (expected formats: %s)", strings.Join(labels, ","))
}()

// candidate is a row that passed field validation but not yet reconciliation.
type candidate struct {
	Record    domain.PriceRecord
	RowNumber int
	Raw       string
}

// validation holds exactly one of Candidate or Err.
type validation struct {
	Candidate *candidate
	Err       *domain.RowError
}

func validateRow(row rawRow, rowNumber int, uploadID uuid.UUID, now time.Time) (result validation) {
	defer recoverValidation(&result, row, rowNumber, uploadID, now)
	return checkRow(row, rowNumber, uploadID, now)
}

// recoverValidation converts a panic raised while checking a row into a row error.
func recoverValidation(result *validation, row rawRow, rowNumber int, uploadID uuid.UUID, now time.Time) {
	if rec := recover(); rec != nil {
		*result = rejectRow(row, rowNumber, uploadID, now, fmt.Sprint(rec))
	}
}

func checkRow(row rawRow, rowNumber int, uploadID uuid.UUID, now time.Time) validation {
	if row.Err != nil {
		return rejectRow(row, rowNumber, uploadID, now, "Malformed row: "+row.Err.Error())
	}

	storeID, ok := parseStoreID(row.Fields[columnStoreID])
	if !ok {
		return rejectRow(row, rowNumber, uploadID, now, "Invalid StoreId")
	}

	sku := strings.TrimSpace(row.Fields[columnSKU])
	if sku == "" {
		return rejectRow(row, rowNumber, uploadID, now, "SKU is empty")
	}
	if utf8.RuneCountInString(sku) > maxSKULength {
		return rejectRow(row, rowNumber, uploadID, now, fmt.Sprintf("SKU exceeds %d characters", maxSKULength))
	}

	price, ok := parsePrice(row.Fields[columnPrice])
	if !ok {
		return rejectRow(row, rowNumber, uploadID, now, "Invalid Price")
	}
	if price.IsNegative() {
		return rejectRow(row, rowNumber, uploadID, now, "Price must be non-negative")
	}
	if price.GreaterThan(maxPrice) {
		return rejectRow(row, rowNumber, uploadID, now, "Price exceeds maximum of "+maxPrice.String())
	}
	if !price.Equal(price.Truncate(maxPriceScale)) {
		return rejectRow(row, rowNumber, uploadID, now, fmt.Sprintf("Price exceeds %d decimal places", maxPriceScale))
	}

	priceDate, ok := parsePriceDate(row.Fields[columnPriceDate])
	if !ok {
		return rejectRow(row, rowNumber, uploadID, now, invalidPriceDateMessage)
	}

	id := uploadID
	return validation{Candidate: &candidate{
		Record: domain.PriceRecord{
			StoreID:   storeID,
			SKU:       sku,
			Price:     price,
			PriceDate: priceDate,
			UploadID:  &id,
			CreatedAt: now.UTC(),
		},
		RowNumber: rowNumber,
		Raw:       row.Raw,
	}}
}

func rejectRow(row rawRow, rowNumber int, uploadID uuid.UUID, now time.Time, message string) validation {
	rowErr := newRowError(uploadID, rowNumber, message, row.Raw, now)
	return validation{Err: &rowErr}
}

func newRowError(uploadID uuid.UUID, rowNumber int, message, raw string, now time.Time) domain.RowError {
	rowErr := domain.RowError{
		UploadID:  uploadID,
		RowNumber: rowNumber,
		Message:   message,
		CreatedAt: now.UTC(),
	}
	if raw != "" {
		rowErr.RawData = &raw
	}
	return rowErr
}

func parseStoreID(value string) (int32, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(value), 10, 32)
	if err != nil || id <= 0 {
		return 0, false
	}
	return int32(id), true
}

func parsePrice(value string) (decimal.Decimal, bool) {
	value = strings.TrimSpace(value)
	if !pricePattern.MatchString(value) || !strings.ContainsAny(value, "0123456789") {
		return decimal.Zero, false
	}
	value = strings.TrimPrefix(strings.ReplaceAll(value, ",", ""), "+")
	price, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, false
	}
	return price, true
}

func parsePriceDate(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	for _, format := range priceDateFormats {
		if parsed, err := time.Parse(format.layout, value); err == nil {
			return domain.TruncateDay(parsed), true
		}
	}
	return time.Time{}, false
}
