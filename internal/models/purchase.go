package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Supplier is a goods vendor the parlor restocks from.
type Supplier struct {
	ID        int       `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Contact   string    `json:"contact,omitempty" db:"contact"`
	Phone     string    `json:"phone,omitempty" db:"phone"`
	Address   string    `json:"address,omitempty" db:"address"`
	Notes     string    `json:"notes,omitempty" db:"notes"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Purchase is one restocking order from a supplier. Its items raise
// product stock and re-average the cost price.
type Purchase struct {
	ID           int             `json:"id" db:"id"`
	SupplierID   int             `json:"supplier_id" db:"supplier_id"`
	SupplierName string          `json:"supplier_name,omitempty" db:"-"`
	TotalAmount  decimal.Decimal `json:"total_amount" db:"total_amount"`
	Notes        string          `json:"notes,omitempty" db:"notes"`
	PurchaseDate time.Time       `json:"purchase_date" db:"purchase_date"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	Items        []PurchaseItem  `json:"items,omitempty" db:"-"`
}

// PurchaseItem is one product line of a purchase.
type PurchaseItem struct {
	ID          int             `json:"id" db:"id"`
	PurchaseID  int             `json:"purchase_id" db:"purchase_id"`
	ProductID   int             `json:"product_id" db:"product_id"`
	ProductName string          `json:"product_name,omitempty" db:"-"`
	Quantity    int             `json:"quantity" db:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price" db:"unit_price"`
	TotalPrice  decimal.Decimal `json:"total_price" db:"total_price"`
}
