package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Room/session lifecycle states.
const (
	RoomIdle  = "idle"
	RoomInUse = "in_use"

	SessionInProgress = "in_progress"
	SessionSettled    = "settled"
)

// Room is one billable table/room.
type Room struct {
	ID        int       `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Status    string    `json:"status" db:"status"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Session is one billable occupancy of a room. The table fee is the
// session's sole revenue figure; product and meal consumption is
// accounted as cost recovered through the fee.
type Session struct {
	ID                    int             `json:"id" db:"id"`
	RoomID                int             `json:"room_id" db:"room_id"`
	StartTime             time.Time       `json:"start_time" db:"start_time"`
	EndTime               *time.Time      `json:"end_time,omitempty" db:"end_time"`
	Status                string          `json:"status" db:"status"`
	TableFee              decimal.Decimal `json:"table_fee" db:"table_fee"`
	TableFeePaymentMethod string          `json:"table_fee_payment_method" db:"table_fee_payment_method"`
	TotalRevenue          decimal.Decimal `json:"total_revenue" db:"total_revenue"`
	TotalCost             decimal.Decimal `json:"total_cost" db:"total_cost"`
	TotalProfit           decimal.Decimal `json:"total_profit" db:"total_profit"`
	DeletedAt             *time.Time      `json:"deleted_at,omitempty" db:"deleted_at"`
	CreatedAt             time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at" db:"updated_at"`
}

// SessionCustomer records a customer's membership in a session.
type SessionCustomer struct {
	ID         int        `json:"id" db:"id"`
	SessionID  int        `json:"session_id" db:"session_id"`
	CustomerID int        `json:"customer_id" db:"customer_id"`
	JoinedAt   time.Time  `json:"joined_at" db:"joined_at"`
	LeftAt     *time.Time `json:"left_at,omitempty" db:"left_at"`
}

// Consumption is one product charge inside a session. Negative stock
// is permitted; quantity edits adjust stock by the difference.
type Consumption struct {
	ID            int             `json:"id" db:"id"`
	SessionID     int             `json:"session_id" db:"session_id"`
	CustomerID    *int            `json:"customer_id,omitempty" db:"customer_id"`
	ProductID     int             `json:"product_id" db:"product_id"`
	Quantity      int             `json:"quantity" db:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price" db:"unit_price"`
	TotalPrice    decimal.Decimal `json:"total_price" db:"total_price"`
	CostPrice     decimal.Decimal `json:"cost_price" db:"cost_price"`
	TotalCost     decimal.Decimal `json:"total_cost" db:"total_cost"`
	PaymentMethod string          `json:"payment_method" db:"payment_method"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// MealRecord is a catered-meal charge. Its cost equals its amount: the
// meal is a pass-through expense, not a margined product.
type MealRecord struct {
	ID            int             `json:"id" db:"id"`
	SessionID     int             `json:"session_id" db:"session_id"`
	CustomerID    *int            `json:"customer_id,omitempty" db:"customer_id"`
	ProductID     int             `json:"product_id" db:"product_id"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	CostPrice     decimal.Decimal `json:"cost_price" db:"cost_price"`
	PaymentMethod string          `json:"payment_method" db:"payment_method"`
	Description   string          `json:"description,omitempty" db:"description"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// SessionResult stores a manual per-customer win/loss figure captured
// at settlement. Reporting-only; never part of the balance invariant.
type SessionResult struct {
	ID         int             `json:"id" db:"id"`
	SessionID  int             `json:"session_id" db:"session_id"`
	CustomerID int             `json:"customer_id" db:"customer_id"`
	NetWinLoss decimal.Decimal `json:"net_win_loss" db:"net_win_loss"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// RoomMove records an in-progress session changing rooms.
type RoomMove struct {
	ID         int       `json:"id" db:"id"`
	SessionID  int       `json:"session_id" db:"session_id"`
	FromRoomID int       `json:"from_room_id" db:"from_room_id"`
	ToRoomID   int       `json:"to_room_id" db:"to_room_id"`
	MovedAt    time.Time `json:"moved_at" db:"moved_at"`
}

// Effect kinds recorded in the session effect log.
const (
	EffectLoan        = "loan"
	EffectRepayment   = "repayment"
	EffectConsumption = "consumption"
	EffectMeal        = "meal"
)

// SessionEffect is one row of the compensating-reversal log. Every
// session mutation that touches a balance, a loan's remaining amount
// or product stock appends the exact deltas it applied; soft-delete
// replays the log inverted, restore replays it forward. Edits append
// additional delta rows rather than rewriting history, so replay stays
// exact even after child rows change.
type SessionEffect struct {
	ID             int             `json:"id" db:"id"`
	SessionID      int             `json:"session_id" db:"session_id"`
	Kind           string          `json:"kind" db:"kind"`
	EntryID        int             `json:"entry_id" db:"entry_id"`
	CustomerID     *int            `json:"customer_id,omitempty" db:"customer_id"`
	LoanID         *int            `json:"loan_id,omitempty" db:"loan_id"`
	ProductID      *int            `json:"product_id,omitempty" db:"product_id"`
	BalanceDelta   decimal.Decimal `json:"balance_delta" db:"balance_delta"`
	RemainingDelta decimal.Decimal `json:"remaining_delta" db:"remaining_delta"`
	StockDelta     int             `json:"stock_delta" db:"stock_delta"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}
