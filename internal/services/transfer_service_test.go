package services

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTransferService(t *testing.T) (*TransferService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewTransferService(db, NewLedgerService(db)), mock
}

func TestTransferService_TransferDebt(t *testing.T) {
	service, mock := newTransferService(t)

	mock.ExpectBegin()
	// Customers are locked in ascending id order.
	mock.ExpectQuery("SELECT id, name, balance, version").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "balance", "version"}).
			AddRow(2, "Lao Wang", "-300", 4))
	mock.ExpectQuery("SELECT id, name, balance, version").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "balance", "version"}).
			AddRow(3, "Xiao Li", "50", 1))
	mock.ExpectQuery("FROM loans l").
		WillReturnRows(sqlmock.NewRows([]string{"id", "customer_id", "amount", "remaining_amount", "status", "session_id", "seq", "version"}).
			AddRow(10, 2, "300", "300", "active", nil, 1, 1))
	// Source loan frozen first.
	mock.ExpectExec("UPDATE loans").
		WithArgs(sqlmock.AnyArg(), "transferred", 10, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO transfers").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectQuery("SELECT(.|\n)+COALESCE").
		WillReturnRows(sqlmock.NewRows([]string{"loan_max", "repay_max"}).AddRow(0, 0))
	mock.ExpectQuery("INSERT INTO loans").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))
	mock.ExpectExec("UPDATE transfers SET new_loan_id").
		WithArgs(11, 7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Source is credited, destination debited, net debt unchanged.
	mock.ExpectExec("UPDATE customers").
		WithArgs(sqlmock.AnyArg(), 2, 4).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE customers").
		WithArgs(sqlmock.AnyArg(), 3, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	transfer, err := service.TransferDebt(2, 3, dec("100"), "moved after game")
	require.NoError(t, err)
	assert.Equal(t, 7, transfer.ID)
	assert.Equal(t, 10, transfer.OriginalLoanID)
	require.NotNil(t, transfer.NewLoanID)
	assert.Equal(t, 11, *transfer.NewLoanID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransferService_TransferDebt_Preconditions(t *testing.T) {
	t.Run("same customer", func(t *testing.T) {
		service, _ := newTransferService(t)
		_, err := service.TransferDebt(2, 2, dec("100"), "")
		var appErr *AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, KindValidation, appErr.Kind)
	})

	t.Run("non-positive amount", func(t *testing.T) {
		service, _ := newTransferService(t)
		_, err := service.TransferDebt(2, 3, dec("-5"), "")
		var appErr *AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, KindValidation, appErr.Kind)
	})

	t.Run("source has no debt", func(t *testing.T) {
		service, mock := newTransferService(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, name, balance, version").
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "balance", "version"}).
				AddRow(2, "Lao Wang", "150", 1))
		mock.ExpectQuery("SELECT id, name, balance, version").
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "balance", "version"}).
				AddRow(3, "Xiao Li", "0", 1))
		mock.ExpectRollback()

		_, err := service.TransferDebt(2, 3, dec("100"), "")
		var appErr *AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, KindInvalidState, appErr.Kind)
	})

	t.Run("debt smaller than amount", func(t *testing.T) {
		service, mock := newTransferService(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, name, balance, version").
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "balance", "version"}).
				AddRow(2, "Lao Wang", "-60", 1))
		mock.ExpectQuery("SELECT id, name, balance, version").
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "balance", "version"}).
				AddRow(3, "Xiao Li", "0", 1))
		mock.ExpectRollback()

		_, err := service.TransferDebt(2, 3, dec("100"), "")
		var appErr *AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, KindConflict, appErr.Kind)
	})

	t.Run("no active loan", func(t *testing.T) {
		service, mock := newTransferService(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, name, balance, version").
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "balance", "version"}).
				AddRow(2, "Lao Wang", "-300", 1))
		mock.ExpectQuery("SELECT id, name, balance, version").
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "balance", "version"}).
				AddRow(3, "Xiao Li", "0", 1))
		mock.ExpectQuery("FROM loans l").
			WillReturnRows(sqlmock.NewRows([]string{"id", "customer_id", "amount", "remaining_amount", "status", "session_id", "seq", "version"}))
		mock.ExpectRollback()

		_, err := service.TransferDebt(2, 3, dec("100"), "")
		var appErr *AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, KindConflict, appErr.Kind)
	})

	t.Run("loan remaining smaller than amount", func(t *testing.T) {
		service, mock := newTransferService(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, name, balance, version").
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "balance", "version"}).
				AddRow(2, "Lao Wang", "-300", 1))
		mock.ExpectQuery("SELECT id, name, balance, version").
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "balance", "version"}).
				AddRow(3, "Xiao Li", "0", 1))
		mock.ExpectQuery("FROM loans l").
			WillReturnRows(sqlmock.NewRows([]string{"id", "customer_id", "amount", "remaining_amount", "status", "session_id", "seq", "version"}).
				AddRow(10, 2, "300", "40", "active", nil, 1, 1))
		mock.ExpectRollback()

		_, err := service.TransferDebt(2, 3, dec("100"), "")
		var appErr *AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, KindConflict, appErr.Kind)
	})
}
