package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Customer holds the running ledger position for one patron.
// Balance is signed: negative means the customer owes the house,
// positive means prepaid credit.
type Customer struct {
	ID             int             `json:"id" db:"id"`
	Name           string          `json:"name" db:"name"`
	Phone          string          `json:"phone" db:"phone"`
	InitialBalance decimal.Decimal `json:"initial_balance" db:"initial_balance"`
	Balance        decimal.Decimal `json:"balance" db:"balance"`
	Version        int             `json:"version" db:"version"` // for optimistic locking
	IsDeleted      bool            `json:"is_deleted" db:"is_deleted"`
	DeletedAt      *time.Time      `json:"deleted_at,omitempty" db:"deleted_at"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}
