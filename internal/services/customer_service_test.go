package services

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCustomerService(t *testing.T) (*CustomerService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ledger := NewLedgerService(db)
	return NewCustomerService(db, ledger, NewTransferService(db, ledger)), mock
}

func TestCustomerService_CreateCustomer_NameReuseAfterSoftDelete(t *testing.T) {
	service, mock := newCustomerService(t)

	// A soft-deleted customer still holds the name in the table, but
	// the live-row check ignores it, so the insert must go through.
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("Lao Wang").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("INSERT INTO customers").
		WithArgs("Lao Wang", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow(2, time.Now(), time.Now()))

	req := httptest.NewRequest(http.MethodPost, "/customers",
		strings.NewReader(`{"name": "Lao Wang"}`))
	rec := httptest.NewRecorder()
	service.CreateCustomer(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCustomerService_CreateCustomer_LiveDuplicateRejected(t *testing.T) {
	service, mock := newCustomerService(t)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("Lao Wang").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	req := httptest.NewRequest(http.MethodPost, "/customers",
		strings.NewReader(`{"name": "Lao Wang"}`))
	rec := httptest.NewRecorder()
	service.CreateCustomer(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}
