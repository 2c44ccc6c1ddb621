package services

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlorbooks/backend/internal/models"
)

func intp(v int) *int { return &v }

func TestSumEffects(t *testing.T) {
	effects := []models.SessionEffect{
		// Loan of 500: balance down, remaining untouched (new loan).
		{Kind: models.EffectLoan, EntryID: 10, CustomerID: intp(1), LoanID: intp(10), BalanceDelta: dec("-500")},
		// Repayment of 200 against loan 10.
		{Kind: models.EffectRepayment, EntryID: 20, CustomerID: intp(1), LoanID: intp(10), BalanceDelta: dec("200"), RemainingDelta: dec("-200")},
		// Second customer borrowed 100.
		{Kind: models.EffectLoan, EntryID: 11, CustomerID: intp(2), LoanID: intp(11), BalanceDelta: dec("-100")},
		// Two beers sold.
		{Kind: models.EffectConsumption, EntryID: 30, ProductID: intp(5), StockDelta: -2},
		// Consumption edited down by one.
		{Kind: models.EffectConsumption, EntryID: 30, ProductID: intp(5), StockDelta: 1},
	}

	totals := SumEffects(effects)

	assert.True(t, totals.Balance[1].Equal(dec("-300")))
	assert.True(t, totals.Balance[2].Equal(dec("-100")))
	assert.True(t, totals.Remaining[10].Equal(dec("-200")))
	assert.Equal(t, -1, totals.Stock[5])
}

func TestEffectTotals_InvertedRoundTrip(t *testing.T) {
	effects := []models.SessionEffect{
		{Kind: models.EffectLoan, EntryID: 10, CustomerID: intp(1), LoanID: intp(10), BalanceDelta: dec("-500")},
		{Kind: models.EffectRepayment, EntryID: 20, CustomerID: intp(1), LoanID: intp(10), BalanceDelta: dec("350"), RemainingDelta: dec("-350")},
		{Kind: models.EffectConsumption, EntryID: 30, ProductID: intp(5), StockDelta: -3},
		{Kind: models.EffectMeal, EntryID: 40},
	}

	totals := SumEffects(effects)
	inverted := totals.Inverted()

	// Applying forward then inverted totals nets to zero everywhere:
	// a delete followed by a restore leaves every balance, loan and
	// stock level exactly where it started.
	for id, d := range totals.Balance {
		assert.True(t, d.Add(inverted.Balance[id]).IsZero(), "balance for customer %d", id)
	}
	for id, d := range totals.Remaining {
		assert.True(t, d.Add(inverted.Remaining[id]).IsZero(), "remaining for loan %d", id)
	}
	for id, d := range totals.Stock {
		assert.Zero(t, d+inverted.Stock[id], "stock for product %d", id)
	}

	// Inverting twice restores the original totals.
	again := inverted.Inverted()
	for id, d := range totals.Balance {
		assert.True(t, d.Equal(again.Balance[id]))
	}
}

func TestSumEffects_MealsLeaveLedgerAlone(t *testing.T) {
	// Meal records carry no balance or stock movement; a session full
	// of meals reverses to nothing.
	effects := []models.SessionEffect{
		{Kind: models.EffectMeal, EntryID: 40},
		{Kind: models.EffectMeal, EntryID: 41},
	}
	totals := SumEffects(effects)
	assert.Empty(t, totals.Balance)
	assert.Empty(t, totals.Remaining)
	assert.Empty(t, totals.Stock)
}

func TestSettlementMath(t *testing.T) {
	// Table fee 200, consumptions cost 45, meals cost 30.
	tableFee := dec("200")
	totalCost := dec("45").Add(dec("30"))
	profit := tableFee.Sub(totalCost)
	assert.True(t, profit.Equal(dec("125")))

	// A free game with purchases runs at a loss.
	assert.True(t, decimal.Zero.Sub(totalCost).IsNegative())
}

func newSessionService(t *testing.T) (*SessionService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSessionService(db, NewLedgerService(db)), mock
}

func TestSessionService_CreateRoom(t *testing.T) {
	t.Run("duplicate name conflicts", func(t *testing.T) {
		service, mock := newSessionService(t)

		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("Room A").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		req := httptest.NewRequest("POST", "/rooms", bytes.NewBufferString(`{"name":"Room A"}`))
		w := httptest.NewRecorder()
		service.CreateRoom(w, req)

		assert.Equal(t, http.StatusConflict, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing name fails validation", func(t *testing.T) {
		service, _ := newSessionService(t)

		req := httptest.NewRequest("POST", "/rooms", bytes.NewBufferString(`{"name":""}`))
		w := httptest.NewRecorder()
		service.CreateRoom(w, req)

		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})
}

func TestSessionService_DeleteRoom_KeepsHistory(t *testing.T) {
	service, mock := newSessionService(t)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(3).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	r := chi.NewRouter()
	r.Delete("/rooms/{roomID}", service.DeleteRoom)

	req := httptest.NewRequest("DELETE", "/rooms/3", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionService_StartSession_RoomInUse(t *testing.T) {
	service, mock := newSessionService(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM rooms").
		WithArgs(2).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(models.RoomInUse))

	req := httptest.NewRequest("POST", "/sessions", bytes.NewBufferString(`{"room_id":2}`))
	w := httptest.NewRecorder()
	service.StartSession(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func sessionRow(id, roomID int, status, tableFee string, deletedAt *time.Time) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "room_id", "start_time", "end_time", "status", "table_fee", "table_fee_payment_method",
		"total_revenue", "total_cost", "total_profit", "deleted_at", "created_at", "updated_at",
	}).AddRow(id, roomID, now, nil, status, tableFee, "cash", "0", "0", "0", deletedAt, now, now)
}

func TestSessionService_Settle(t *testing.T) {
	t.Run("sums costs and frees the room", func(t *testing.T) {
		service, mock := newSessionService(t)

		// Table fee 200, consumptions 45, meals 30: profit 125.
		mock.ExpectBegin()
		mock.ExpectQuery("FROM sessions").
			WithArgs(5).
			WillReturnRows(sessionRow(5, 2, models.SessionInProgress, "200", nil))
		mock.ExpectQuery("FROM consumptions").
			WithArgs(5).
			WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("45"))
		mock.ExpectQuery("FROM meal_records").
			WithArgs(5).
			WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("30"))
		mock.ExpectExec("UPDATE sessions").
			WithArgs(models.SessionSettled, "75", "125", 5).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs(2, models.SessionInProgress).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectExec("UPDATE rooms").
			WithArgs(models.RoomIdle, 2).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		r := chi.NewRouter()
		r.Post("/sessions/{sessionID}/settle", service.Settle)

		req := httptest.NewRequest("POST", "/sessions/5/settle", bytes.NewBufferString(`{}`))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("settling twice is rejected", func(t *testing.T) {
		service, mock := newSessionService(t)

		mock.ExpectBegin()
		mock.ExpectQuery("FROM sessions").
			WithArgs(5).
			WillReturnRows(sessionRow(5, 2, models.SessionSettled, "200", nil))
		mock.ExpectRollback()

		r := chi.NewRouter()
		r.Post("/sessions/{sessionID}/settle", service.Settle)

		req := httptest.NewRequest("POST", "/sessions/5/settle", bytes.NewBufferString(`{}`))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func effectRows() *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "session_id", "kind", "entry_id", "customer_id", "loan_id", "product_id",
		"balance_delta", "remaining_delta", "stock_delta", "created_at",
	}).
		// Loan of 100 taken during the session.
		AddRow(1, 5, models.EffectLoan, 10, 1, 10, nil, "-100", "0", 0, now).
		// Two beers sold.
		AddRow(2, 5, models.EffectConsumption, 31, nil, nil, 3, "0", "0", -2, now)
}

func TestSessionService_SoftDeleteAndRestore_ReplayEffects(t *testing.T) {
	t.Run("delete replays inverted", func(t *testing.T) {
		service, mock := newSessionService(t)

		mock.ExpectBegin()
		mock.ExpectQuery("FROM sessions").
			WithArgs(5).
			WillReturnRows(sessionRow(5, 2, models.SessionSettled, "200", nil))
		mock.ExpectQuery("FROM session_effects").
			WithArgs(5).
			WillReturnRows(effectRows())
		// The loan's balance debit comes back...
		mock.ExpectExec("UPDATE customers").
			WithArgs("100", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		// ...and the beers go back on the shelf.
		mock.ExpectExec("UPDATE products").
			WithArgs(2, 3).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE sessions").
			WithArgs(5).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs(2, models.SessionInProgress).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectExec("UPDATE rooms").
			WithArgs(models.RoomIdle, 2).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		r := chi.NewRouter()
		r.Delete("/sessions/{sessionID}", service.SoftDelete)

		req := httptest.NewRequest("DELETE", "/sessions/5", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("restore replays forward", func(t *testing.T) {
		service, mock := newSessionService(t)
		deletedAt := time.Now()

		mock.ExpectBegin()
		mock.ExpectQuery("FROM sessions").
			WithArgs(5).
			WillReturnRows(sessionRow(5, 2, models.SessionSettled, "200", &deletedAt))
		mock.ExpectQuery("FROM session_effects").
			WithArgs(5).
			WillReturnRows(effectRows())
		mock.ExpectExec("UPDATE customers").
			WithArgs("-100", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE products").
			WithArgs(-2, 3).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE sessions").
			WithArgs(5).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		r := chi.NewRouter()
		r.Post("/sessions/{sessionID}/restore", service.Restore)

		req := httptest.NewRequest("POST", "/sessions/5/restore", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
