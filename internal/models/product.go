package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product types.
const (
	ProductNormal = "normal"
	ProductMeal   = "meal"
)

// Product is a stocked item sold during sessions. Meal-type products
// carry no fixed amount; the charge is set per meal record.
type Product struct {
	ID          int             `json:"id" db:"id"`
	Name        string          `json:"name" db:"name"`
	Unit        string          `json:"unit" db:"unit"`
	Price       decimal.Decimal `json:"price" db:"price"`
	CostPrice   decimal.Decimal `json:"cost_price" db:"cost_price"`
	Stock       int             `json:"stock" db:"stock"` // may go negative
	IsActive    bool            `json:"is_active" db:"is_active"`
	ProductType string          `json:"product_type" db:"product_type"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}
