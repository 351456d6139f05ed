package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DateLayout is the canonical day-precision rendering of a price date.
const DateLayout = "2006-01-02"

// PriceRecord is a committed price for one SKU at one store on one day.
type PriceRecord struct {
	ID        int64           `json:"pricing_record_id"`
	StoreID   int32           `json:"store_id"`
	SKU       string          `json:"sku"`
	Price     decimal.Decimal `json:"price"`
	PriceDate time.Time       `json:"price_date"`
	UploadID  *uuid.UUID      `json:"upload_batch_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt *time.Time      `json:"updated_at,omitempty"`
}

// Key returns the natural key of the record.
func (p PriceRecord) Key() NaturalKey {
	return NewNaturalKey(p.StoreID, p.SKU, p.PriceDate)
}

// NaturalKey is the (store, SKU, effective date) triple that must be unique
// among price records. It is comparable and safe to use as a map key.
type NaturalKey struct {
	StoreID int32
	SKU     string
	Date    time.Time
}

// NewNaturalKey builds a key with the date truncated to a UTC day.
func NewNaturalKey(storeID int32, sku string, date time.Time) NaturalKey {
	return NaturalKey{StoreID: storeID, SKU: sku, Date: TruncateDay(date)}
}

func (k NaturalKey) String() string {
	return fmt.Sprintf("StoreId=%d, SKU=%s, PriceDate=%s", k.StoreID, k.SKU, k.Date.Format(DateLayout))
}

// TruncateDay drops the time of day and normalizes to UTC so that equal
// calendar days compare equal with ==.
func TruncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
