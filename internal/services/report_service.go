package services

import (
	"database/sql"
	"net/http"

	"github.com/parlorbooks/backend/internal/models"
	"github.com/shopspring/decimal"
)

// ReportService serves read-only aggregations over committed history.
// It never mutates ledger state.
type ReportService struct {
	db       *sql.DB
	cashflow *CashFlowService
}

func NewReportService(db *sql.DB, cashflow *CashFlowService) *ReportService {
	return &ReportService{db: db, cashflow: cashflow}
}

// PaymentBucket is the per-method breakdown of money movement.
type PaymentBucket struct {
	Total        decimal.Decimal `json:"total"`
	Loans        decimal.Decimal `json:"loans"`
	Repayments   decimal.Decimal `json:"repayments"`
	RoomIncome   decimal.Decimal `json:"room_income"`
	OtherIncome  decimal.Decimal `json:"other_income"`
	OtherExpense decimal.Decimal `json:"other_expense"`
}

type paymentStatsResponse struct {
	InitialCash decimal.Decimal          `json:"initial_cash"`
	Methods     map[string]PaymentBucket `json:"methods"`
}

// GetPaymentStatistics totals money movement per payment method over a
// date range. Room income covers table fees plus product and meal
// charges of settled sessions; loans and expenses reduce a bucket,
// everything else increases it. Soft-deleted sessions are excluded.
func (s *ReportService) GetPaymentStatistics(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseRange(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	buckets := map[string]*PaymentBucket{
		models.PayCash:     {},
		models.PayWeChat:   {},
		models.PayAlipay:   {},
		models.PayTransfer: {},
	}

	sumInto := func(query string, assign func(b *PaymentBucket, v decimal.Decimal), args ...any) error {
		rows, err := s.db.Query(query, args...)
		if err != nil {
			return Internalf(err, "failed to aggregate payment statistics")
		}
		defer rows.Close()
		for rows.Next() {
			var method string
			var v decimal.Decimal
			if err := rows.Scan(&method, &v); err != nil {
				return Internalf(err, "failed to scan payment aggregate")
			}
			if b, ok := buckets[method]; ok {
				assign(b, v)
			}
		}
		return rows.Err()
	}

	// Transfer-received loans move no money at the counter.
	err = sumInto(`
		SELECT l.payment_method, COALESCE(SUM(l.amount), 0)
		FROM loans l
		WHERE l.created_at >= $1 AND l.created_at < $2 AND l.transfer_from_id IS NULL
		AND NOT EXISTS (SELECT 1 FROM sessions s WHERE s.id = l.session_id AND s.deleted_at IS NOT NULL)
		GROUP BY l.payment_method`,
		func(b *PaymentBucket, v decimal.Decimal) { b.Loans = v }, from, to)
	if err != nil {
		WriteError(w, err)
		return
	}

	err = sumInto(`
		SELECT r.payment_method, COALESCE(SUM(r.amount), 0)
		FROM repayments r
		WHERE r.created_at >= $1 AND r.created_at < $2
		AND NOT EXISTS (SELECT 1 FROM sessions s WHERE s.id = r.session_id AND s.deleted_at IS NOT NULL)
		GROUP BY r.payment_method`,
		func(b *PaymentBucket, v decimal.Decimal) { b.Repayments = v }, from, to)
	if err != nil {
		WriteError(w, err)
		return
	}

	err = sumInto(`
		SELECT table_fee_payment_method, COALESCE(SUM(table_fee), 0)
		FROM sessions
		WHERE status = $3 AND deleted_at IS NULL AND start_time >= $1 AND start_time < $2
		GROUP BY table_fee_payment_method`,
		func(b *PaymentBucket, v decimal.Decimal) { b.RoomIncome = b.RoomIncome.Add(v) }, from, to, models.SessionSettled)
	if err != nil {
		WriteError(w, err)
		return
	}

	err = sumInto(`
		SELECT c.payment_method, COALESCE(SUM(c.total_price), 0)
		FROM consumptions c
		JOIN sessions s ON s.id = c.session_id
		WHERE s.status = $3 AND s.deleted_at IS NULL AND s.start_time >= $1 AND s.start_time < $2
		GROUP BY c.payment_method`,
		func(b *PaymentBucket, v decimal.Decimal) { b.RoomIncome = b.RoomIncome.Add(v) }, from, to, models.SessionSettled)
	if err != nil {
		WriteError(w, err)
		return
	}

	err = sumInto(`
		SELECT m.payment_method, COALESCE(SUM(m.amount), 0)
		FROM meal_records m
		JOIN sessions s ON s.id = m.session_id
		WHERE s.status = $3 AND s.deleted_at IS NULL AND s.start_time >= $1 AND s.start_time < $2
		GROUP BY m.payment_method`,
		func(b *PaymentBucket, v decimal.Decimal) { b.RoomIncome = b.RoomIncome.Add(v) }, from, to, models.SessionSettled)
	if err != nil {
		WriteError(w, err)
		return
	}

	err = sumInto(`
		SELECT payment_method, COALESCE(SUM(amount), 0)
		FROM other_incomes
		WHERE income_date >= $1 AND income_date < $2
		GROUP BY payment_method`,
		func(b *PaymentBucket, v decimal.Decimal) { b.OtherIncome = v }, from, to)
	if err != nil {
		WriteError(w, err)
		return
	}

	err = sumInto(`
		SELECT payment_method, COALESCE(SUM(amount), 0)
		FROM other_expenses
		WHERE expense_date >= $1 AND expense_date < $2
		GROUP BY payment_method`,
		func(b *PaymentBucket, v decimal.Decimal) { b.OtherExpense = v }, from, to)
	if err != nil {
		WriteError(w, err)
		return
	}

	initial, err := s.cashflow.initialCash()
	if err != nil {
		WriteError(w, err)
		return
	}

	out := map[string]PaymentBucket{}
	for method, b := range buckets {
		b.Total = b.Repayments.Add(b.RoomIncome).Add(b.OtherIncome).Sub(b.Loans).Sub(b.OtherExpense)
		if method == models.PayCash {
			b.Total = b.Total.Add(initial)
		}
		out[method] = *b
	}

	WriteJSON(w, http.StatusOK, paymentStatsResponse{
		InitialCash: initial,
		Methods:     out,
	})
}

type categoryStatsResponse struct {
	RoomIncome   decimal.Decimal `json:"room_income"`
	RoomCost     decimal.Decimal `json:"room_cost"`
	RoomProfit   decimal.Decimal `json:"room_profit"`
	OtherIncome  decimal.Decimal `json:"other_income"`
	OtherExpense decimal.Decimal `json:"other_expense"`
	TotalIncome  decimal.Decimal `json:"total_income"`
	TotalExpense decimal.Decimal `json:"total_expense"`
	TotalProfit  decimal.Decimal `json:"total_profit"`
}

// GetCategoryStatistics summarizes income and expense by category:
// room business (fees vs accumulated cost) versus one-off incomes and
// expenses.
func (s *ReportService) GetCategoryStatistics(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseRange(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	var resp categoryStatsResponse
	err = s.db.QueryRow(`
		SELECT COALESCE(SUM(total_revenue), 0), COALESCE(SUM(total_cost), 0)
		FROM sessions
		WHERE status = $3 AND deleted_at IS NULL AND start_time >= $1 AND start_time < $2`,
		from, to, models.SessionSettled).Scan(&resp.RoomIncome, &resp.RoomCost)
	if err != nil {
		WriteError(w, Internalf(err, "failed to aggregate room statistics"))
		return
	}

	err = s.db.QueryRow(`SELECT COALESCE(SUM(amount), 0) FROM other_incomes WHERE income_date >= $1 AND income_date < $2`,
		from, to).Scan(&resp.OtherIncome)
	if err != nil {
		WriteError(w, Internalf(err, "failed to aggregate other income"))
		return
	}
	err = s.db.QueryRow(`SELECT COALESCE(SUM(amount), 0) FROM other_expenses WHERE expense_date >= $1 AND expense_date < $2`,
		from, to).Scan(&resp.OtherExpense)
	if err != nil {
		WriteError(w, Internalf(err, "failed to aggregate other expense"))
		return
	}

	resp.RoomProfit = resp.RoomIncome.Sub(resp.RoomCost)
	resp.TotalIncome = resp.RoomIncome.Add(resp.OtherIncome)
	resp.TotalExpense = resp.RoomCost.Add(resp.OtherExpense)
	resp.TotalProfit = resp.TotalIncome.Sub(resp.TotalExpense)
	WriteJSON(w, http.StatusOK, resp)
}
