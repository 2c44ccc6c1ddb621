package services

import (
	"database/sql"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/parlorbooks/backend/internal/models"
	"github.com/shopspring/decimal"
)

// CashEvent is one entry in the reconstructed cash timeline. Amount is
// signed; RunningBalance is the drawer balance after the event.
type CashEvent struct {
	Type           string          `json:"type"`
	ID             int             `json:"id"`
	Timestamp      time.Time       `json:"timestamp"`
	Amount         decimal.Decimal `json:"amount"`
	Description    string          `json:"description,omitempty"`
	RunningBalance decimal.Decimal `json:"running_balance"`
}

// CashFlowService rebuilds the chronological cash-drawer timeline from
// every committed event that moved physical cash.
type CashFlowService struct {
	db *sql.DB
}

func NewCashFlowService(db *sql.DB) *CashFlowService {
	return &CashFlowService{db: db}
}

// StampRunningBalances orders events ascending by (timestamp, id) and
// runs a prefix sum from startingBalance, stamping each event with the
// balance after it. Pure: the input slice is sorted and stamped in
// place and returned.
func StampRunningBalances(events []CashEvent, startingBalance decimal.Decimal) []CashEvent {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].ID < events[j].ID
	})
	running := startingBalance
	for i := range events {
		running = running.Add(events[i].Amount)
		events[i].RunningBalance = running
	}
	return events
}

// sortDescending orders stamped events newest first for display.
func sortDescending(events []CashEvent) []CashEvent {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.After(events[j].Timestamp)
		}
		return events[i].ID > events[j].ID
	})
	return events
}

// initialCash reads the configured drawer float, defaulting to zero.
func (s *CashFlowService) initialCash() (decimal.Decimal, error) {
	var raw string
	err := s.db.QueryRow(`SELECT value FROM system_configs WHERE key = 'initial_cash'`).Scan(&raw)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, Internalf(err, "failed to read initial cash config")
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, Internalf(err, "initial cash config is not a number")
	}
	return v, nil
}

// collectEvents gathers every qualifying cash event in [from, to).
// Entries belonging to soft-deleted sessions are excluded: their
// balance effects have been reversed and their cash never counted.
func (s *CashFlowService) collectEvents(from, to time.Time) ([]CashEvent, error) {
	events := []CashEvent{}

	// Cash loans hand money out of the drawer.
	rows, err := s.db.Query(`
		SELECT l.id, l.created_at, l.amount, l.description
		FROM loans l
		WHERE l.payment_method = $1 AND l.created_at >= $2 AND l.created_at < $3
		AND l.transfer_from_id IS NULL
		AND NOT EXISTS (SELECT 1 FROM sessions s WHERE s.id = l.session_id AND s.deleted_at IS NOT NULL)`,
		models.PayCash, from, to)
	if err != nil {
		return nil, Internalf(err, "failed to collect loan events")
	}
	if err := appendRows(rows, &events, "loan", true); err != nil {
		return nil, err
	}

	// Cash repayments are already signed: positive in, refunds out.
	rows, err = s.db.Query(`
		SELECT r.id, r.created_at, r.amount, r.description
		FROM repayments r
		WHERE r.payment_method = $1 AND r.created_at >= $2 AND r.created_at < $3
		AND NOT EXISTS (SELECT 1 FROM sessions s WHERE s.id = r.session_id AND s.deleted_at IS NOT NULL)`,
		models.PayCash, from, to)
	if err != nil {
		return nil, Internalf(err, "failed to collect repayment events")
	}
	if err := appendRows(rows, &events, "repayment", false); err != nil {
		return nil, err
	}

	// Table fees of settled sessions paid in cash.
	rows, err = s.db.Query(`
		SELECT id, end_time, table_fee, ''
		FROM sessions
		WHERE status = $1 AND deleted_at IS NULL AND table_fee_payment_method = $2
		AND end_time IS NOT NULL AND end_time >= $3 AND end_time < $4
		AND table_fee <> 0`,
		models.SessionSettled, models.PayCash, from, to)
	if err != nil {
		return nil, Internalf(err, "failed to collect table fee events")
	}
	if err := appendRows(rows, &events, "table_fee", false); err != nil {
		return nil, err
	}

	rows, err = s.db.Query(`
		SELECT id, income_date, amount, name
		FROM other_incomes
		WHERE payment_method = $1 AND income_date >= $2 AND income_date < $3`,
		models.PayCash, from, to)
	if err != nil {
		return nil, Internalf(err, "failed to collect income events")
	}
	if err := appendRows(rows, &events, "other_income", false); err != nil {
		return nil, err
	}

	rows, err = s.db.Query(`
		SELECT id, expense_date, amount, name
		FROM other_expenses
		WHERE payment_method = $1 AND expense_date >= $2 AND expense_date < $3`,
		models.PayCash, from, to)
	if err != nil {
		return nil, Internalf(err, "failed to collect expense events")
	}
	if err := appendRows(rows, &events, "other_expense", true); err != nil {
		return nil, err
	}

	rows, err = s.db.Query(`
		SELECT id, transfer_date, CASE WHEN transfer_type = $1 THEN amount ELSE -amount END, description
		FROM cash_transfers
		WHERE transfer_date >= $2 AND transfer_date < $3`,
		models.BankToCash, from, to)
	if err != nil {
		return nil, Internalf(err, "failed to collect cash transfer events")
	}
	if err := appendRows(rows, &events, "cash_transfer", false); err != nil {
		return nil, err
	}

	return events, nil
}

// appendRows drains one event query into the slice, negating amounts
// for outflow types.
func appendRows(rows *sql.Rows, events *[]CashEvent, eventType string, negate bool) error {
	defer rows.Close()
	for rows.Next() {
		var e CashEvent
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Amount, &e.Description); err != nil {
			return Internalf(err, "failed to scan %s event", eventType)
		}
		e.Type = eventType
		if negate {
			e.Amount = e.Amount.Neg()
		}
		*events = append(*events, e)
	}
	return rows.Err()
}

// sumEventAmounts totals the signed amounts of an event slice.
func sumEventAmounts(events []CashEvent) decimal.Decimal {
	sum := decimal.Zero
	for _, e := range events {
		sum = sum.Add(e.Amount)
	}
	return sum
}

type cashFlowResponse struct {
	StartingBalance decimal.Decimal `json:"starting_balance"`
	EndingBalance   decimal.Decimal `json:"ending_balance"`
	Total           int             `json:"total"`
	Page            int             `json:"page"`
	PageSize        int             `json:"page_size"`
	Events          []CashEvent     `json:"events"`
}

// GetCashFlow reconstructs the drawer timeline for a date range.
// Query params: start, end (RFC 3339 or YYYY-MM-DD), page, page_size.
// Running balances are computed oldest-first; presentation is
// newest-first, hence the two passes.
func (s *CashFlowService) GetCashFlow(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseRange(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}

	initial, err := s.initialCash()
	if err != nil {
		WriteError(w, err)
		return
	}

	// Everything strictly before the range start moves the opening
	// balance; the epoch is the effective beginning of history.
	before, err := s.collectEvents(time.Unix(0, 0).UTC(), from)
	if err != nil {
		WriteError(w, err)
		return
	}
	startingBalance := initial.Add(sumEventAmounts(before))

	events, err := s.collectEvents(from, to)
	if err != nil {
		WriteError(w, err)
		return
	}

	events = StampRunningBalances(events, startingBalance)
	endingBalance := startingBalance
	if len(events) > 0 {
		endingBalance = events[len(events)-1].RunningBalance
	}
	events = sortDescending(events)

	total := len(events)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	WriteJSON(w, http.StatusOK, cashFlowResponse{
		StartingBalance: startingBalance,
		EndingBalance:   endingBalance,
		Total:           total,
		Page:            page,
		PageSize:        pageSize,
		Events:          events[start:end],
	})
}

// parseRange reads start/end query params. Missing start means the
// epoch; missing end means now.
func parseRange(r *http.Request) (time.Time, time.Time, error) {
	from := time.Unix(0, 0).UTC()
	to := time.Now().UTC()

	if v := r.URL.Query().Get("start"); v != "" {
		t, err := parseTimeParam(v)
		if err != nil {
			return from, to, Validationf("invalid start date %q", v)
		}
		from = t
	}
	if v := r.URL.Query().Get("end"); v != "" {
		t, err := parseTimeParam(v)
		if err != nil {
			return from, to, Validationf("invalid end date %q", v)
		}
		// A bare date as the end means the whole day inclusive.
		if len(v) == len("2006-01-02") {
			t = t.Add(24 * time.Hour)
		}
		to = t
	}
	if !from.Before(to) {
		return from, to, Validationf("start must be before end")
	}
	return from, to, nil
}

func parseTimeParam(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02", v)
}
