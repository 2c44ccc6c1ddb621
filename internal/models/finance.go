package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Payment methods accepted at the counter.
const (
	PayCash     = "cash"
	PayWeChat   = "wechat"
	PayAlipay   = "alipay"
	PayTransfer = "transfer"
)

// ValidPaymentMethod reports whether m is an accepted payment method.
func ValidPaymentMethod(m string) bool {
	switch m {
	case PayCash, PayWeChat, PayAlipay, PayTransfer:
		return true
	}
	return false
}

// OtherIncome is a one-off income outside room sessions.
type OtherIncome struct {
	ID            int             `json:"id" db:"id"`
	Name          string          `json:"name" db:"name"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	PaymentMethod string          `json:"payment_method" db:"payment_method"`
	Description   string          `json:"description,omitempty" db:"description"`
	IncomeDate    time.Time       `json:"income_date" db:"income_date"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// OtherExpense is a one-off expense outside room sessions.
type OtherExpense struct {
	ID            int             `json:"id" db:"id"`
	Name          string          `json:"name" db:"name"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	PaymentMethod string          `json:"payment_method" db:"payment_method"`
	Description   string          `json:"description,omitempty" db:"description"`
	ExpenseDate   time.Time       `json:"expense_date" db:"expense_date"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Cash transfer directions between the cash drawer and the bank.
const (
	BankToCash = "bank_to_cash"
	CashToBank = "cash_to_bank"
)

// CashTransfer is a manual move between the bank account and the cash
// drawer. bank_to_cash increases drawer cash, cash_to_bank decreases it.
type CashTransfer struct {
	ID           int             `json:"id" db:"id"`
	TransferType string          `json:"transfer_type" db:"transfer_type"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	Description  string          `json:"description,omitempty" db:"description"`
	TransferDate time.Time       `json:"transfer_date" db:"transfer_date"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// SystemConfig is a key/value configuration row (e.g. initial_cash).
type SystemConfig struct {
	ID          int       `json:"id" db:"id"`
	Key         string    `json:"key" db:"key"`
	Value       string    `json:"value" db:"value"`
	Description string    `json:"description,omitempty" db:"description"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}
