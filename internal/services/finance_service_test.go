package services

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFinanceService(t *testing.T) (*FinanceService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewFinanceService(db), mock
}

func TestFinanceService_UpdateCashTransfer(t *testing.T) {
	t.Run("rewrites every field", func(t *testing.T) {
		service, mock := newFinanceService(t)

		mock.ExpectExec("UPDATE cash_transfers").
			WithArgs("cash_to_bank", "500", "evening drop", sqlmock.AnyArg(), 9).
			WillReturnResult(sqlmock.NewResult(0, 1))

		r := chi.NewRouter()
		r.Put("/cash-transfers/{transferID}", service.UpdateCashTransfer)

		body := `{"transfer_type": "cash_to_bank", "amount": "500", "description": "evening drop"}`
		req := httptest.NewRequest("PUT", "/cash-transfers/9", bytes.NewBufferString(body))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown transfer is 404", func(t *testing.T) {
		service, mock := newFinanceService(t)

		mock.ExpectExec("UPDATE cash_transfers").
			WillReturnResult(sqlmock.NewResult(0, 0))

		r := chi.NewRouter()
		r.Put("/cash-transfers/{transferID}", service.UpdateCashTransfer)

		body := `{"transfer_type": "bank_to_cash", "amount": "100"}`
		req := httptest.NewRequest("PUT", "/cash-transfers/99", bytes.NewBufferString(body))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-positive amount fails validation", func(t *testing.T) {
		service, _ := newFinanceService(t)

		r := chi.NewRouter()
		r.Put("/cash-transfers/{transferID}", service.UpdateCashTransfer)

		body := `{"transfer_type": "bank_to_cash", "amount": "0"}`
		req := httptest.NewRequest("PUT", "/cash-transfers/9", bytes.NewBufferString(body))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})
}
