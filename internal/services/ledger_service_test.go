package services

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlorbooks/backend/internal/models"
)

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func TestSplitRepayment(t *testing.T) {
	tests := []struct {
		name      string
		amount    string
		remaining string
		loanRepay string
		extra     string
	}{
		{"exact", "200", "200", "200", "0"},
		{"partial", "150", "200", "150", "0"},
		{"overpay", "300", "200", "200", "100"},
		{"tiny remaining", "100", "0.01", "0.01", "99.99"},
		{"nothing remaining", "50", "0", "0", "50"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loanRepay, extra := splitRepayment(dec(tt.amount), dec(tt.remaining))
			assert.True(t, loanRepay.Equal(dec(tt.loanRepay)), "loanRepay = %s", loanRepay)
			assert.True(t, extra.Equal(dec(tt.extra)), "extra = %s", extra)
		})
	}
}

func TestLedgerService_CreateLoanTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, name, balance, version").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "balance", "version"}).
			AddRow(1, "Lao Wang", "0", 1))
	mock.ExpectQuery("SELECT(.|\n)+COALESCE").
		WillReturnRows(sqlmock.NewRows([]string{"loan_max", "repay_max"}).AddRow(2, 3))
	mock.ExpectQuery("INSERT INTO loans").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(10))
	mock.ExpectExec("UPDATE customers").
		WillReturnResult(sqlmock.NewResult(0, 1))

	tx, err := db.Begin()
	require.NoError(t, err)

	loan, newBalance, err := service.CreateLoanTx(tx, 1, dec("500"), models.PayCash, "table 3", nil)
	require.NoError(t, err)
	assert.Equal(t, 10, loan.ID)
	assert.Equal(t, 4, loan.Seq, "seq continues the shared loan/repayment counter")
	assert.True(t, loan.RemainingAmount.Equal(dec("500")))
	assert.True(t, newBalance.Equal(dec("-500")), "balance = %s", newBalance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerService_CreateLoanTx_RejectsNonPositive(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)
	mock.ExpectBegin()
	tx, err := db.Begin()
	require.NoError(t, err)

	_, _, err = service.CreateLoanTx(tx, 1, dec("0"), models.PayCash, "", nil)
	var appErr *AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, KindValidation, appErr.Kind)
}

func TestLedgerService_AllocateRepaymentTx_FIFOOverpay(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, name, balance, version").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "balance", "version"}).
			AddRow(1, "Lao Wang", "-500", 3))
	// Oldest active loan: 200 outstanding.
	mock.ExpectQuery("FROM loans l").
		WillReturnRows(sqlmock.NewRows([]string{"id", "customer_id", "amount", "remaining_amount", "status", "session_id", "seq", "version"}).
			AddRow(10, 1, "200", "200", "active", nil, 1, 1))
	mock.ExpectExec("UPDATE loans").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT(.|\n)+COALESCE").
		WillReturnRows(sqlmock.NewRows([]string{"loan_max", "repay_max"}).AddRow(2, 0))
	mock.ExpectQuery("INSERT INTO repayments").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(20))
	mock.ExpectExec("UPDATE customers").
		WillReturnResult(sqlmock.NewResult(0, 1))

	tx, err := db.Begin()
	require.NoError(t, err)

	result, err := service.AllocateRepaymentTx(tx, 1, dec("300"), nil, models.PayCash, "", nil)
	require.NoError(t, err)
	assert.Equal(t, 20, result.RepaymentID)
	require.NotNil(t, result.LoanID)
	assert.Equal(t, 10, *result.LoanID)
	assert.True(t, result.LoanRepay.Equal(dec("200")))
	assert.True(t, result.ExtraRepay.Equal(dec("100")))
	assert.True(t, result.NewBalance.Equal(dec("-200")), "balance moves by the full amount")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerService_AllocateRepaymentTx_NoActiveLoan(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, name, balance, version").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "balance", "version"}).
			AddRow(1, "Lao Wang", "-80", 2))
	mock.ExpectQuery("FROM loans l").
		WillReturnRows(sqlmock.NewRows([]string{"id", "customer_id", "amount", "remaining_amount", "status", "session_id", "seq", "version"}))
	mock.ExpectQuery("SELECT(.|\n)+COALESCE").
		WillReturnRows(sqlmock.NewRows([]string{"loan_max", "repay_max"}).AddRow(0, 0))
	mock.ExpectQuery("INSERT INTO repayments").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(21))
	mock.ExpectExec("UPDATE customers").
		WillReturnResult(sqlmock.NewResult(0, 1))

	tx, err := db.Begin()
	require.NoError(t, err)

	result, err := service.AllocateRepaymentTx(tx, 1, dec("50"), nil, models.PayWeChat, "", nil)
	require.NoError(t, err)
	assert.Nil(t, result.LoanID)
	assert.True(t, result.LoanRepay.IsZero())
	assert.True(t, result.ExtraRepay.Equal(dec("50")))
	assert.True(t, result.NewBalance.Equal(dec("-30")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerService_AllocateRepaymentTx_Refund(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, name, balance, version").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "balance", "version"}).
			AddRow(1, "Lao Wang", "100", 5))
	mock.ExpectQuery("SELECT(.|\n)+COALESCE").
		WillReturnRows(sqlmock.NewRows([]string{"loan_max", "repay_max"}).AddRow(4, 4))
	mock.ExpectQuery("INSERT INTO repayments").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(22))
	mock.ExpectExec("UPDATE customers").
		WillReturnResult(sqlmock.NewResult(0, 1))

	tx, err := db.Begin()
	require.NoError(t, err)

	// Negative amount pays cash back out; no loan is touched.
	result, err := service.AllocateRepaymentTx(tx, 1, dec("-60"), nil, models.PayCash, "refund", nil)
	require.NoError(t, err)
	assert.Nil(t, result.LoanID)
	assert.True(t, result.ExtraRepay.Equal(dec("-60")))
	assert.True(t, result.NewBalance.Equal(dec("40")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerService_AllocateRepaymentTx_RejectsForeignLoan(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, name, balance, version").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "balance", "version"}).
			AddRow(1, "Lao Wang", "-500", 1))
	mock.ExpectQuery("FROM loans").
		WillReturnRows(sqlmock.NewRows([]string{"id", "customer_id", "amount", "remaining_amount", "status", "session_id", "seq", "version"}).
			AddRow(10, 2, "200", "200", "active", nil, 1, 1))

	tx, err := db.Begin()
	require.NoError(t, err)

	loanID := 10
	_, err = service.AllocateRepaymentTx(tx, 1, dec("100"), &loanID, models.PayCash, "", nil)
	var appErr *AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, KindValidation, appErr.Kind)
}

func TestLedgerService_DeleteLoanTx_OnlyTailAndUntouched(t *testing.T) {
	t.Run("rejects superseded entry", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		service := NewLedgerService(db)

		mock.ExpectBegin()
		mock.ExpectQuery("FROM loans").
			WillReturnRows(sqlmock.NewRows([]string{"id", "customer_id", "amount", "remaining_amount", "status", "session_id", "seq", "version"}).
				AddRow(10, 1, "200", "200", "active", nil, 3, 1))
		mock.ExpectQuery("SELECT(.|\n)+COALESCE").
			WillReturnRows(sqlmock.NewRows([]string{"loan_max", "repay_max"}).AddRow(3, 5))

		tx, err := db.Begin()
		require.NoError(t, err)

		err = service.DeleteLoanTx(tx, 10, nil)
		var appErr *AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, KindInvalidState, appErr.Kind)
	})

	t.Run("rejects partially repaid loan", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		service := NewLedgerService(db)

		mock.ExpectBegin()
		mock.ExpectQuery("FROM loans").
			WillReturnRows(sqlmock.NewRows([]string{"id", "customer_id", "amount", "remaining_amount", "status", "session_id", "seq", "version"}).
				AddRow(10, 1, "200", "150", "active", nil, 5, 2))
		mock.ExpectQuery("SELECT(.|\n)+COALESCE").
			WillReturnRows(sqlmock.NewRows([]string{"loan_max", "repay_max"}).AddRow(5, 4))

		tx, err := db.Begin()
		require.NoError(t, err)

		err = service.DeleteLoanTx(tx, 10, nil)
		var appErr *AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, KindInvalidState, appErr.Kind)
	})

	t.Run("reverses the balance debit", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		service := NewLedgerService(db)

		mock.ExpectBegin()
		mock.ExpectQuery("FROM loans").
			WillReturnRows(sqlmock.NewRows([]string{"id", "customer_id", "amount", "remaining_amount", "status", "session_id", "seq", "version"}).
				AddRow(10, 1, "200", "200", "active", nil, 5, 1))
		mock.ExpectQuery("SELECT(.|\n)+COALESCE").
			WillReturnRows(sqlmock.NewRows([]string{"loan_max", "repay_max"}).AddRow(5, 4))
		mock.ExpectQuery("SELECT id, name, balance, version").
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "balance", "version"}).
				AddRow(1, "Lao Wang", "-200", 2))
		mock.ExpectExec("DELETE FROM loans").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE customers").
			WithArgs(sqlmock.AnyArg(), 1, 2).
			WillReturnResult(sqlmock.NewResult(0, 1))

		tx, err := db.Begin()
		require.NoError(t, err)

		require.NoError(t, service.DeleteLoanTx(tx, 10, nil))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_ConcurrentBalanceWriteConflicts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, name, balance, version").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "balance", "version"}).
			AddRow(1, "Lao Wang", "0", 1))
	mock.ExpectQuery("SELECT(.|\n)+COALESCE").
		WillReturnRows(sqlmock.NewRows([]string{"loan_max", "repay_max"}).AddRow(0, 0))
	mock.ExpectQuery("INSERT INTO loans").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(10))
	// Version check misses: somebody else won the race.
	mock.ExpectExec("UPDATE customers").
		WillReturnResult(sqlmock.NewResult(0, 0))

	tx, err := db.Begin()
	require.NoError(t, err)

	_, _, err = service.CreateLoanTx(tx, 1, dec("500"), models.PayCash, "", nil)
	var appErr *AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, KindConflict, appErr.Kind)
}

func TestLedgerService_DeleteRepaymentTx_RecomputesRemaining(t *testing.T) {
	// History: loan of 100, repayment of 30 (remaining 70), then an
	// over-repayment of 90 that zeroed the loan. Deleting the 90 must
	// leave remaining = 100 - 30 = 70, not the over-payment's split.
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM repayments").
		WillReturnRows(sqlmock.NewRows([]string{"id", "customer_id", "loan_id", "amount", "session_id", "seq"}).
			AddRow(21, 1, 10, "90", nil, 3))
	mock.ExpectQuery("SELECT(.|\n)+COALESCE").
		WillReturnRows(sqlmock.NewRows([]string{"loan_max", "repay_max"}).AddRow(1, 3))
	mock.ExpectQuery("SELECT id, name, balance, version").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "balance", "version"}).
			AddRow(1, "Lao Wang", "20", 5))
	mock.ExpectQuery("FROM loans").
		WillReturnRows(sqlmock.NewRows([]string{"id", "customer_id", "amount", "remaining_amount", "status", "session_id", "seq", "version"}).
			AddRow(10, 1, "100", "0", "repaid", nil, 1, 4))
	mock.ExpectExec("DELETE FROM repayments").
		WithArgs(21).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Only the 30 survives.
	mock.ExpectQuery("SELECT COALESCE\\(SUM\\(amount\\), 0\\) FROM repayments").
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("30"))
	mock.ExpectExec("UPDATE loans").
		WithArgs("70", "active", 10, 4).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE customers").
		WithArgs(sqlmock.AnyArg(), 1, 5).
		WillReturnResult(sqlmock.NewResult(0, 1))

	tx, err := db.Begin()
	require.NoError(t, err)

	require.NoError(t, service.DeleteRepaymentTx(tx, 21, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}
