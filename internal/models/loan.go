package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// LoanStatus is the closed set of loan lifecycle states.
type LoanStatus string

const (
	LoanActive      LoanStatus = "active"
	LoanRepaid      LoanStatus = "repaid"
	LoanTransferred LoanStatus = "transferred"
)

// Valid reports whether s is one of the known statuses.
func (s LoanStatus) Valid() bool {
	switch s {
	case LoanActive, LoanRepaid, LoanTransferred:
		return true
	}
	return false
}

func (s LoanStatus) String() string { return string(s) }

// ParseLoanStatus converts a stored string into a LoanStatus.
func ParseLoanStatus(v string) (LoanStatus, error) {
	s := LoanStatus(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown loan status %q", v)
	}
	return s, nil
}

// Loan is a discrete debt instance owed by a customer. RemainingAmount
// decreases as repayments reference it; a transferred loan is frozen
// from further allocation.
type Loan struct {
	ID              int             `json:"id" db:"id"`
	CustomerID      int             `json:"customer_id" db:"customer_id"`
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	RemainingAmount decimal.Decimal `json:"remaining_amount" db:"remaining_amount"`
	Status          LoanStatus      `json:"status" db:"status"`
	PaymentMethod   string          `json:"payment_method" db:"payment_method"`
	Description     string          `json:"description,omitempty" db:"description"`
	SessionID       *int            `json:"session_id,omitempty" db:"session_id"`
	TransferFromID  *int            `json:"transfer_from_id,omitempty" db:"transfer_from_id"`
	Seq             int             `json:"seq" db:"seq"` // per-customer creation sequence
	Version         int             `json:"version" db:"version"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// Repayment is a payment against a customer's debt. Amount is signed:
// positive repays debt, negative is a refund paid out to the customer.
// LoanID is nil when the payment was applied to the general balance.
type Repayment struct {
	ID            int             `json:"id" db:"id"`
	CustomerID    int             `json:"customer_id" db:"customer_id"`
	LoanID        *int            `json:"loan_id,omitempty" db:"loan_id"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	PaymentMethod string          `json:"payment_method" db:"payment_method"`
	Description   string          `json:"description,omitempty" db:"description"`
	SessionID     *int            `json:"session_id,omitempty" db:"session_id"`
	Seq           int             `json:"seq" db:"seq"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Transfer links the two loans a debt move touches. NewLoanID is
// backfilled after the destination loan is created.
type Transfer struct {
	ID             int             `json:"id" db:"id"`
	FromCustomerID int             `json:"from_customer_id" db:"from_customer_id"`
	ToCustomerID   int             `json:"to_customer_id" db:"to_customer_id"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	OriginalLoanID int             `json:"original_loan_id" db:"original_loan_id"`
	NewLoanID      *int            `json:"new_loan_id,omitempty" db:"new_loan_id"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}
