package services

import (
	"database/sql"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/parlorbooks/backend/internal/models"
	"github.com/shopspring/decimal"
)

// CustomerService exposes customer accounts and their ledger over HTTP.
type CustomerService struct {
	db        *sql.DB
	ledger    *LedgerService
	transfers *TransferService
	validator *ValidationHelper
}

func NewCustomerService(db *sql.DB, ledger *LedgerService, transfers *TransferService) *CustomerService {
	return &CustomerService{
		db:        db,
		ledger:    ledger,
		transfers: transfers,
		validator: NewValidationHelper(),
	}
}

func urlParamInt(r *http.Request, name string) (int, error) {
	v, err := strconv.Atoi(chi.URLParam(r, name))
	if err != nil {
		return 0, Validationf("invalid %s", name)
	}
	return v, nil
}

type createCustomerRequest struct {
	Name           string          `json:"name" validate:"required,max=100"`
	Phone          string          `json:"phone" validate:"max=20"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
}

// CreateCustomer opens a new customer account. Names are unique among
// non-deleted customers.
func (s *CustomerService) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req createCustomerRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if err := s.validator.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusUnprocessableEntity, err)
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		WriteError(w, Validationf("name must not be blank"))
		return
	}

	var exists bool
	err := s.db.QueryRow(`SELECT EXISTS (SELECT 1 FROM customers WHERE name = $1 AND is_deleted = FALSE)`, name).Scan(&exists)
	if err != nil {
		WriteError(w, Internalf(err, "failed to check customer name"))
		return
	}
	if exists {
		WriteError(w, Conflictf("customer %q already exists", name))
		return
	}

	c := models.Customer{
		Name:           name,
		Phone:          req.Phone,
		InitialBalance: req.InitialBalance,
		Balance:        req.InitialBalance,
		Version:        1,
	}
	err = s.db.QueryRow(`
		INSERT INTO customers (name, phone, initial_balance, balance, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 1, NOW(), NOW())
		RETURNING id, created_at, updated_at`,
		name, req.Phone, req.InitialBalance, req.InitialBalance).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		WriteError(w, Internalf(err, "failed to create customer"))
		return
	}

	log.Printf("[CUSTOMER] Created customer %d (%s)", c.ID, name)
	WriteJSON(w, http.StatusCreated, c)
}

// ListCustomers returns non-deleted customers, optionally filtered by
// a name substring (?search=) and sorted by name.
func (s *CustomerService) ListCustomers(w http.ResponseWriter, r *http.Request) {
	search := strings.TrimSpace(r.URL.Query().Get("search"))

	query := `
		SELECT id, name, phone, initial_balance, balance, version, is_deleted, deleted_at, created_at, updated_at
		FROM customers
		WHERE is_deleted = FALSE`
	args := []any{}
	if search != "" {
		query += ` AND name ILIKE $1`
		args = append(args, "%"+search+"%")
	}
	query += ` ORDER BY name ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		WriteError(w, Internalf(err, "failed to list customers"))
		return
	}
	defer rows.Close()

	customers := []models.Customer{}
	for rows.Next() {
		var c models.Customer
		if err := rows.Scan(&c.ID, &c.Name, &c.Phone, &c.InitialBalance, &c.Balance, &c.Version, &c.IsDeleted, &c.DeletedAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
			WriteError(w, Internalf(err, "failed to scan customer"))
			return
		}
		customers = append(customers, c)
	}
	WriteJSON(w, http.StatusOK, customers)
}

func (s *CustomerService) getCustomer(id int) (*models.Customer, error) {
	var c models.Customer
	err := s.db.QueryRow(`
		SELECT id, name, phone, initial_balance, balance, version, is_deleted, deleted_at, created_at, updated_at
		FROM customers
		WHERE id = $1 AND is_deleted = FALSE`, id).Scan(
		&c.ID, &c.Name, &c.Phone, &c.InitialBalance, &c.Balance, &c.Version, &c.IsDeleted, &c.DeletedAt, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, NotFoundf("customer %d not found", id)
	}
	if err != nil {
		return nil, Internalf(err, "failed to load customer %d", id)
	}
	return &c, nil
}

// GetCustomer returns one customer by id.
func (s *CustomerService) GetCustomer(w http.ResponseWriter, r *http.Request) {
	id, err := urlParamInt(r, "id")
	if err != nil {
		WriteError(w, err)
		return
	}
	c, err := s.getCustomer(id)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, c)
}

type updateCustomerRequest struct {
	Name  string `json:"name" validate:"required,max=100"`
	Phone string `json:"phone" validate:"max=20"`
}

// UpdateCustomer renames a customer or changes their phone. Balance is
// never writable directly; only ledger operations move it.
func (s *CustomerService) UpdateCustomer(w http.ResponseWriter, r *http.Request) {
	id, err := urlParamInt(r, "id")
	if err != nil {
		WriteError(w, err)
		return
	}
	var req updateCustomerRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if err := s.validator.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusUnprocessableEntity, err)
		return
	}

	name := strings.TrimSpace(req.Name)
	var exists bool
	err = s.db.QueryRow(`SELECT EXISTS (SELECT 1 FROM customers WHERE name = $1 AND id <> $2 AND is_deleted = FALSE)`, name, id).Scan(&exists)
	if err != nil {
		WriteError(w, Internalf(err, "failed to check customer name"))
		return
	}
	if exists {
		WriteError(w, Conflictf("customer %q already exists", name))
		return
	}

	result, err := s.db.Exec(`
		UPDATE customers SET name = $1, phone = $2, updated_at = NOW()
		WHERE id = $3 AND is_deleted = FALSE`, name, req.Phone, id)
	if err != nil {
		WriteError(w, Internalf(err, "failed to update customer %d", id))
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		WriteError(w, NotFoundf("customer %d not found", id))
		return
	}

	c, err := s.getCustomer(id)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, c)
}

// DeleteCustomer soft-deletes a customer account. Only an account with
// a zero balance can be deleted; outstanding debt or credit must be
// cleared first.
func (s *CustomerService) DeleteCustomer(w http.ResponseWriter, r *http.Request) {
	id, err := urlParamInt(r, "id")
	if err != nil {
		WriteError(w, err)
		return
	}
	if err := s.deleteCustomer(id); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"message": "customer deleted"})
}

func (s *CustomerService) deleteCustomer(id int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return Internalf(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	c, err := s.ledger.lockCustomer(tx, id)
	if err != nil {
		return err
	}
	if !c.Balance.IsZero() {
		return InvalidStatef("customer %d has a non-zero balance and cannot be deleted", id)
	}

	if _, err := tx.Exec(`
		UPDATE customers SET is_deleted = TRUE, deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1`, id); err != nil {
		return Internalf(err, "failed to delete customer %d", id)
	}
	if err := tx.Commit(); err != nil {
		return Internalf(err, "failed to commit customer delete")
	}

	log.Printf("[CUSTOMER] Deleted customer %d", id)
	return nil
}

type batchDeleteRequest struct {
	IDs []int `json:"ids" validate:"required,min=1"`
}

// BatchDeleteCustomers deletes several zero-balance customers. The
// batch is best-effort per customer; the response reports which ids
// were skipped and why.
func (s *CustomerService) BatchDeleteCustomers(w http.ResponseWriter, r *http.Request) {
	var req batchDeleteRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if err := s.validator.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusUnprocessableEntity, err)
		return
	}

	deleted := []int{}
	skipped := map[string]string{}
	for _, id := range req.IDs {
		if err := s.deleteCustomer(id); err != nil {
			skipped[strconv.Itoa(id)] = err.Error()
			continue
		}
		deleted = append(deleted, id)
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"deleted": deleted,
		"skipped": skipped,
	})
}

// GetCustomerLoans lists a customer's loans, newest first.
func (s *CustomerService) GetCustomerLoans(w http.ResponseWriter, r *http.Request) {
	id, err := urlParamInt(r, "id")
	if err != nil {
		WriteError(w, err)
		return
	}
	if _, err := s.getCustomer(id); err != nil {
		WriteError(w, err)
		return
	}

	rows, err := s.db.Query(`
		SELECT id, customer_id, amount, remaining_amount, status, payment_method, description, session_id, transfer_from_id, seq, version, created_at, updated_at
		FROM loans
		WHERE customer_id = $1
		ORDER BY id DESC`, id)
	if err != nil {
		WriteError(w, Internalf(err, "failed to list loans"))
		return
	}
	defer rows.Close()

	loans := []models.Loan{}
	for rows.Next() {
		var l models.Loan
		var status string
		if err := rows.Scan(&l.ID, &l.CustomerID, &l.Amount, &l.RemainingAmount, &status, &l.PaymentMethod, &l.Description, &l.SessionID, &l.TransferFromID, &l.Seq, &l.Version, &l.CreatedAt, &l.UpdatedAt); err != nil {
			WriteError(w, Internalf(err, "failed to scan loan"))
			return
		}
		l.Status = models.LoanStatus(status)
		loans = append(loans, l)
	}
	WriteJSON(w, http.StatusOK, loans)
}

// GetCustomerRepayments lists a customer's repayments, newest first.
func (s *CustomerService) GetCustomerRepayments(w http.ResponseWriter, r *http.Request) {
	id, err := urlParamInt(r, "id")
	if err != nil {
		WriteError(w, err)
		return
	}
	if _, err := s.getCustomer(id); err != nil {
		WriteError(w, err)
		return
	}

	rows, err := s.db.Query(`
		SELECT id, customer_id, loan_id, amount, payment_method, description, session_id, seq, created_at
		FROM repayments
		WHERE customer_id = $1
		ORDER BY id DESC`, id)
	if err != nil {
		WriteError(w, Internalf(err, "failed to list repayments"))
		return
	}
	defer rows.Close()

	repayments := []models.Repayment{}
	for rows.Next() {
		var rp models.Repayment
		if err := rows.Scan(&rp.ID, &rp.CustomerID, &rp.LoanID, &rp.Amount, &rp.PaymentMethod, &rp.Description, &rp.SessionID, &rp.Seq, &rp.CreatedAt); err != nil {
			WriteError(w, Internalf(err, "failed to scan repayment"))
			return
		}
		repayments = append(repayments, rp)
	}
	WriteJSON(w, http.StatusOK, repayments)
}

type createLoanRequest struct {
	Amount        decimal.Decimal `json:"amount" validate:"required"`
	PaymentMethod string          `json:"payment_method" validate:"required"`
	Description   string          `json:"description"`
}

// CreateLoan records a standalone (non-session) loan for a customer.
func (s *CustomerService) CreateLoan(w http.ResponseWriter, r *http.Request) {
	id, err := urlParamInt(r, "id")
	if err != nil {
		WriteError(w, err)
		return
	}
	var req createLoanRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if err := s.validator.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusUnprocessableEntity, err)
		return
	}
	if !models.ValidPaymentMethod(req.PaymentMethod) {
		WriteError(w, Validationf("unknown payment method %q", req.PaymentMethod))
		return
	}

	tx, err := s.db.Begin()
	if err != nil {
		WriteError(w, Internalf(err, "failed to begin transaction"))
		return
	}
	defer tx.Rollback()

	loan, _, err := s.ledger.CreateLoanTx(tx, id, req.Amount, req.PaymentMethod, req.Description, nil)
	if err != nil {
		WriteError(w, err)
		return
	}
	if err := tx.Commit(); err != nil {
		WriteError(w, Internalf(err, "failed to commit loan"))
		return
	}
	WriteJSON(w, http.StatusCreated, loan)
}

type repaymentRequest struct {
	Amount        decimal.Decimal `json:"amount" validate:"required"`
	LoanID        *int            `json:"loan_id"`
	PaymentMethod string          `json:"payment_method" validate:"required"`
	Description   string          `json:"description"`
}

// RecordRepayment records a standalone repayment (or refund, when the
// amount is negative) and returns the allocation breakdown.
func (s *CustomerService) RecordRepayment(w http.ResponseWriter, r *http.Request) {
	id, err := urlParamInt(r, "id")
	if err != nil {
		WriteError(w, err)
		return
	}
	var req repaymentRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if err := s.validator.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusUnprocessableEntity, err)
		return
	}
	if !models.ValidPaymentMethod(req.PaymentMethod) {
		WriteError(w, Validationf("unknown payment method %q", req.PaymentMethod))
		return
	}

	tx, err := s.db.Begin()
	if err != nil {
		WriteError(w, Internalf(err, "failed to begin transaction"))
		return
	}
	defer tx.Rollback()

	result, err := s.ledger.AllocateRepaymentTx(tx, id, req.Amount, req.LoanID, req.PaymentMethod, req.Description, nil)
	if err != nil {
		WriteError(w, err)
		return
	}
	if err := tx.Commit(); err != nil {
		WriteError(w, Internalf(err, "failed to commit repayment"))
		return
	}
	WriteJSON(w, http.StatusCreated, result)
}

type editEntryRequest struct {
	Amount        decimal.Decimal `json:"amount" validate:"required"`
	PaymentMethod string          `json:"payment_method"`
}

// UpdateLoan edits the most recent ledger entry when it is this loan.
func (s *CustomerService) UpdateLoan(w http.ResponseWriter, r *http.Request) {
	loanID, err := urlParamInt(r, "loanID")
	if err != nil {
		WriteError(w, err)
		return
	}
	var req editEntryRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if req.PaymentMethod != "" && !models.ValidPaymentMethod(req.PaymentMethod) {
		WriteError(w, Validationf("unknown payment method %q", req.PaymentMethod))
		return
	}

	tx, err := s.db.Begin()
	if err != nil {
		WriteError(w, Internalf(err, "failed to begin transaction"))
		return
	}
	defer tx.Rollback()

	if err := s.ledger.EditLoanTx(tx, loanID, req.Amount, req.PaymentMethod, nil); err != nil {
		WriteError(w, err)
		return
	}
	if err := tx.Commit(); err != nil {
		WriteError(w, Internalf(err, "failed to commit loan edit"))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"message": "loan updated"})
}

// DeleteLoan deletes the most recent ledger entry when it is this loan.
func (s *CustomerService) DeleteLoan(w http.ResponseWriter, r *http.Request) {
	loanID, err := urlParamInt(r, "loanID")
	if err != nil {
		WriteError(w, err)
		return
	}

	tx, err := s.db.Begin()
	if err != nil {
		WriteError(w, Internalf(err, "failed to begin transaction"))
		return
	}
	defer tx.Rollback()

	if err := s.ledger.DeleteLoanTx(tx, loanID, nil); err != nil {
		WriteError(w, err)
		return
	}
	if err := tx.Commit(); err != nil {
		WriteError(w, Internalf(err, "failed to commit loan delete"))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"message": "loan deleted"})
}

// UpdateRepayment edits the most recent ledger entry when it is this
// repayment.
func (s *CustomerService) UpdateRepayment(w http.ResponseWriter, r *http.Request) {
	repaymentID, err := urlParamInt(r, "repaymentID")
	if err != nil {
		WriteError(w, err)
		return
	}
	var req editEntryRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if req.PaymentMethod != "" && !models.ValidPaymentMethod(req.PaymentMethod) {
		WriteError(w, Validationf("unknown payment method %q", req.PaymentMethod))
		return
	}

	tx, err := s.db.Begin()
	if err != nil {
		WriteError(w, Internalf(err, "failed to begin transaction"))
		return
	}
	defer tx.Rollback()

	if err := s.ledger.EditRepaymentTx(tx, repaymentID, req.Amount, req.PaymentMethod, nil); err != nil {
		WriteError(w, err)
		return
	}
	if err := tx.Commit(); err != nil {
		WriteError(w, Internalf(err, "failed to commit repayment edit"))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"message": "repayment updated"})
}

// DeleteRepayment deletes the most recent ledger entry when it is this
// repayment.
func (s *CustomerService) DeleteRepayment(w http.ResponseWriter, r *http.Request) {
	repaymentID, err := urlParamInt(r, "repaymentID")
	if err != nil {
		WriteError(w, err)
		return
	}

	tx, err := s.db.Begin()
	if err != nil {
		WriteError(w, Internalf(err, "failed to begin transaction"))
		return
	}
	defer tx.Rollback()

	if err := s.ledger.DeleteRepaymentTx(tx, repaymentID, nil); err != nil {
		WriteError(w, err)
		return
	}
	if err := tx.Commit(); err != nil {
		WriteError(w, Internalf(err, "failed to commit repayment delete"))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"message": "repayment deleted"})
}

type transferDebtRequest struct {
	ToCustomerID int             `json:"to_customer_id" validate:"required"`
	Amount       decimal.Decimal `json:"amount" validate:"required"`
	Description  string          `json:"description"`
}

// TransferDebt moves debt from this customer onto another.
func (s *CustomerService) TransferDebt(w http.ResponseWriter, r *http.Request) {
	fromID, err := urlParamInt(r, "id")
	if err != nil {
		WriteError(w, err)
		return
	}
	var req transferDebtRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if err := s.validator.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusUnprocessableEntity, err)
		return
	}

	transfer, err := s.transfers.TransferDebt(fromID, req.ToCustomerID, req.Amount, req.Description)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, transfer)
}

// ListTransfers returns debt transfer history.
func (s *CustomerService) ListTransfers(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	transfers, err := s.transfers.ListTransfers(limit, offset)
	if err != nil {
		WriteError(w, err)
		return
	}
	if transfers == nil {
		transfers = []models.Transfer{}
	}
	WriteJSON(w, http.StatusOK, transfers)
}
