package types

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrInvalidProduct is returned when a product fails validation,
	// e.g. an empty id or a negative quantity.
	ErrInvalidProduct = errors.New("invalid product")
)

// ProductStatus is derived from the quantity against the minimum
// stock threshold, never stored.
type ProductStatus string

const (
	OutOfStock  ProductStatus = "OUT_OF_STOCK"
	LowStock    ProductStatus = "LOW_STOCK"
	Overstocked ProductStatus = "OVERSTOCKED"
	Normal      ProductStatus = "NORMAL"
)

// Product is a single row on the branch inventory. The id is
// immutable after creation and the quantity can never go below
// zero.
type Product struct {
	ID          string  `json:"id" toml:"id"`
	Name        string  `json:"name" toml:"name"`
	Description string  `json:"description,omitempty" toml:"description"`
	Category    string  `json:"category,omitempty" toml:"category"`
	Price       float64 `json:"price" toml:"price"`
	Quantity    int     `json:"quantity" toml:"quantity"`
	MinStock    int     `json:"min_stock" toml:"min_stock"`

	// Wall clock milliseconds of the last mutation.
	UpdatedAt int64 `json:"updated_at" toml:"-"`
}

// Status derives the stock situation for the product.
func (p Product) Status() ProductStatus {
	switch {
	case p.Quantity == 0:
		return OutOfStock
	case p.Quantity <= p.MinStock:
		return LowStock
	case p.Quantity > 3*p.MinStock:
		return Overstocked
	default:
		return Normal
	}
}

// Validate verifies the product can be stored.
func (p Product) Validate() error {
	if p.ID == "" || p.Price < 0 || p.Quantity < 0 || p.MinStock < 0 {
		return ErrInvalidProduct
	}
	return nil
}

// ReplenishmentNeeded computes how many units should be requested
// from peers so the quantity reaches twice the minimum stock.
func (p Product) ReplenishmentNeeded() int {
	needed := 2*p.MinStock - p.Quantity
	if needed < 0 {
		return 0
	}
	return needed
}

// EncodeProduct turns a product into a payload value that survives
// the JSON round trip of the wire format.
func EncodeProduct(p Product) map[string]interface{} {
	data, _ := json.Marshal(p)
	var out map[string]interface{}
	_ = json.Unmarshal(data, &out)
	return out
}

// DecodeProduct is the inverse of EncodeProduct.
func DecodeProduct(raw map[string]interface{}) (Product, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return Product{}, err
	}
	var p Product
	if err := json.Unmarshal(data, &p); err != nil {
		return Product{}, err
	}
	return p, p.Validate()
}

// NowMillis is the wall clock stamp written into updated_at and
// carried by heartbeats.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
