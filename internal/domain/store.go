package domain

import "time"

// Store is reference data; the pipeline only checks that a store exists.
type Store struct {
	StoreID   int32     `json:"store_id"`
	StoreName string    `json:"store_name"`
	Country   string    `json:"country"`
	Region    *string   `json:"region,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Product is reference data keyed by SKU.
type Product struct {
	SKU         string    `json:"sku"`
	ProductName string    `json:"product_name"`
	Category    *string   `json:"category,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
