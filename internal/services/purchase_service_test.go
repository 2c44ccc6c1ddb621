package services

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWeightedAverageCost(t *testing.T) {
	tests := []struct {
		name      string
		oldStock  int
		oldCost   string
		qty       int
		unitPrice string
		want      string
	}{
		{"empty stock takes new price", 0, "8", 5, "12", "12"},
		{"negative stock takes new price", -3, "8", 5, "12", "12"},
		{"restock averages by quantity", 10, "8", 5, "12", "9.33"},
		{"same price is a fixed point", 10, "8", 5, "8", "8"},
		{"large restock dominates", 1, "100", 99, "1", "1.99"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := weightedAverageCost(tt.oldStock, dec(tt.oldCost), tt.qty, dec(tt.unitPrice))
			assert.True(t, dec(tt.want).Equal(got), "want %s, got %s", tt.want, got)
		})
	}
}

func newPurchaseService(t *testing.T) (*PurchaseService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPurchaseService(db), mock
}

func TestPurchaseService_CreatePurchase_RestocksAndReaverages(t *testing.T) {
	service, mock := newPurchaseService(t)

	// Product 3 holds 10 units at cost 8; buying 5 more at 12 moves
	// the cost to (10*8 + 5*12) / 15 = 9.33.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT name, is_active FROM suppliers").
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"name", "is_active"}).AddRow("Wholesale Wang", true))
	mock.ExpectQuery("INSERT INTO purchases").
		WithArgs(1, "60", "", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(7, time.Now()))
	mock.ExpectQuery("SELECT stock, cost_price, is_active").
		WithArgs(3).
		WillReturnRows(sqlmock.NewRows([]string{"stock", "cost_price", "is_active"}).AddRow(10, "8", true))
	mock.ExpectQuery("INSERT INTO purchase_items").
		WithArgs(7, 3, 5, "12", "60").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(21))
	mock.ExpectExec("UPDATE products").
		WithArgs(5, "9.33", 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	body := `{"supplier_id": 1, "items": [{"product_id": 3, "quantity": 5, "unit_price": "12"}]}`
	req := httptest.NewRequest("POST", "/purchases", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	service.CreatePurchase(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPurchaseService_CreatePurchase_InactiveSupplier(t *testing.T) {
	service, mock := newPurchaseService(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT name, is_active FROM suppliers").
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"name", "is_active"}).AddRow("Wholesale Wang", false))
	mock.ExpectRollback()

	body := `{"supplier_id": 1, "items": [{"product_id": 3, "quantity": 5, "unit_price": "12"}]}`
	req := httptest.NewRequest("POST", "/purchases", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	service.CreatePurchase(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPurchaseService_CreatePurchase_RequiresItems(t *testing.T) {
	service, _ := newPurchaseService(t)

	req := httptest.NewRequest("POST", "/purchases", bytes.NewBufferString(`{"supplier_id": 1, "items": []}`))
	w := httptest.NewRecorder()
	service.CreatePurchase(w, req)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestPurchaseService_DeletePurchase_RollsBackStock(t *testing.T) {
	service, mock := newPurchaseService(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT product_id, quantity FROM purchase_items").
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"product_id", "quantity"}).
			AddRow(3, 5).
			AddRow(4, 2))
	mock.ExpectExec("UPDATE products").
		WithArgs(5, 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE products").
		WithArgs(2, 4).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM purchases").
		WithArgs(7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	r := chi.NewRouter()
	r.Delete("/purchases/{purchaseID}", service.DeletePurchase)

	req := httptest.NewRequest("DELETE", "/purchases/7", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func newSupplierService(t *testing.T) (*SupplierService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSupplierService(db), mock
}

func TestSupplierService_DeleteSupplier_BlockedByPurchases(t *testing.T) {
	service, mock := newSupplierService(t)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	r := chi.NewRouter()
	r.Delete("/suppliers/{supplierID}", service.DeleteSupplier)

	req := httptest.NewRequest("DELETE", "/suppliers/1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSupplierService_CreateSupplier_DuplicateName(t *testing.T) {
	service, mock := newSupplierService(t)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("Wholesale Wang").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	req := httptest.NewRequest("POST", "/suppliers", bytes.NewBufferString(`{"name": "Wholesale Wang"}`))
	w := httptest.NewRecorder()
	service.CreateSupplier(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}
