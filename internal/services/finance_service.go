package services

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/parlorbooks/backend/internal/models"
	"github.com/shopspring/decimal"
)

// FinanceService covers the money movements outside room sessions:
// one-off incomes and expenses, bank/cash drawer transfers, and the
// system configuration keys the reports depend on.
type FinanceService struct {
	db        *sql.DB
	validator *ValidationHelper
}

func NewFinanceService(db *sql.DB) *FinanceService {
	return &FinanceService{db: db, validator: NewValidationHelper()}
}

// ---- other incomes ----

type incomeRequest struct {
	Name          string          `json:"name" validate:"required,max=100"`
	Amount        decimal.Decimal `json:"amount" validate:"required"`
	PaymentMethod string          `json:"payment_method" validate:"required"`
	Description   string          `json:"description"`
	IncomeDate    *time.Time      `json:"income_date"`
}

func (s *FinanceService) CreateIncome(w http.ResponseWriter, r *http.Request) {
	var req incomeRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if err := s.validator.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusUnprocessableEntity, err)
		return
	}
	if !req.Amount.IsPositive() {
		WriteError(w, Validationf("income amount must be positive"))
		return
	}
	if !models.ValidPaymentMethod(req.PaymentMethod) {
		WriteError(w, Validationf("unknown payment method %q", req.PaymentMethod))
		return
	}

	date := time.Now().UTC()
	if req.IncomeDate != nil {
		date = *req.IncomeDate
	}

	income := models.OtherIncome{
		Name:          req.Name,
		Amount:        req.Amount,
		PaymentMethod: req.PaymentMethod,
		Description:   req.Description,
		IncomeDate:    date,
	}
	err := s.db.QueryRow(`
		INSERT INTO other_incomes (name, amount, payment_method, description, income_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		RETURNING id, created_at, updated_at`,
		req.Name, req.Amount, req.PaymentMethod, req.Description, date).Scan(&income.ID, &income.CreatedAt, &income.UpdatedAt)
	if err != nil {
		WriteError(w, Internalf(err, "failed to create income"))
		return
	}
	WriteJSON(w, http.StatusCreated, income)
}

func (s *FinanceService) ListIncomes(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.Query(`
		SELECT id, name, amount, payment_method, description, income_date, created_at, updated_at
		FROM other_incomes ORDER BY income_date DESC, id DESC`)
	if err != nil {
		WriteError(w, Internalf(err, "failed to list incomes"))
		return
	}
	defer rows.Close()

	incomes := []models.OtherIncome{}
	for rows.Next() {
		var in models.OtherIncome
		if err := rows.Scan(&in.ID, &in.Name, &in.Amount, &in.PaymentMethod, &in.Description, &in.IncomeDate, &in.CreatedAt, &in.UpdatedAt); err != nil {
			WriteError(w, Internalf(err, "failed to scan income"))
			return
		}
		incomes = append(incomes, in)
	}
	WriteJSON(w, http.StatusOK, incomes)
}

func (s *FinanceService) UpdateIncome(w http.ResponseWriter, r *http.Request) {
	id, err := urlParamInt(r, "incomeID")
	if err != nil {
		WriteError(w, err)
		return
	}
	var req incomeRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if err := s.validator.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusUnprocessableEntity, err)
		return
	}
	if !req.Amount.IsPositive() {
		WriteError(w, Validationf("income amount must be positive"))
		return
	}
	if !models.ValidPaymentMethod(req.PaymentMethod) {
		WriteError(w, Validationf("unknown payment method %q", req.PaymentMethod))
		return
	}

	date := time.Now().UTC()
	if req.IncomeDate != nil {
		date = *req.IncomeDate
	}
	result, err := s.db.Exec(`
		UPDATE other_incomes
		SET name = $1, amount = $2, payment_method = $3, description = $4, income_date = $5, updated_at = NOW()
		WHERE id = $6`,
		req.Name, req.Amount, req.PaymentMethod, req.Description, date, id)
	if err != nil {
		WriteError(w, Internalf(err, "failed to update income %d", id))
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		WriteError(w, NotFoundf("income %d not found", id))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"message": "income updated"})
}

func (s *FinanceService) DeleteIncome(w http.ResponseWriter, r *http.Request) {
	id, err := urlParamInt(r, "incomeID")
	if err != nil {
		WriteError(w, err)
		return
	}
	result, err := s.db.Exec(`DELETE FROM other_incomes WHERE id = $1`, id)
	if err != nil {
		WriteError(w, Internalf(err, "failed to delete income %d", id))
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		WriteError(w, NotFoundf("income %d not found", id))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"message": "income deleted"})
}

// ---- other expenses ----

type expenseRequest struct {
	Name          string          `json:"name" validate:"required,max=100"`
	Amount        decimal.Decimal `json:"amount" validate:"required"`
	PaymentMethod string          `json:"payment_method" validate:"required"`
	Description   string          `json:"description"`
	ExpenseDate   *time.Time      `json:"expense_date"`
}

func (s *FinanceService) CreateExpense(w http.ResponseWriter, r *http.Request) {
	var req expenseRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if err := s.validator.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusUnprocessableEntity, err)
		return
	}
	if !req.Amount.IsPositive() {
		WriteError(w, Validationf("expense amount must be positive"))
		return
	}
	if !models.ValidPaymentMethod(req.PaymentMethod) {
		WriteError(w, Validationf("unknown payment method %q", req.PaymentMethod))
		return
	}

	date := time.Now().UTC()
	if req.ExpenseDate != nil {
		date = *req.ExpenseDate
	}

	expense := models.OtherExpense{
		Name:          req.Name,
		Amount:        req.Amount,
		PaymentMethod: req.PaymentMethod,
		Description:   req.Description,
		ExpenseDate:   date,
	}
	err := s.db.QueryRow(`
		INSERT INTO other_expenses (name, amount, payment_method, description, expense_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		RETURNING id, created_at, updated_at`,
		req.Name, req.Amount, req.PaymentMethod, req.Description, date).Scan(&expense.ID, &expense.CreatedAt, &expense.UpdatedAt)
	if err != nil {
		WriteError(w, Internalf(err, "failed to create expense"))
		return
	}
	WriteJSON(w, http.StatusCreated, expense)
}

func (s *FinanceService) ListExpenses(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.Query(`
		SELECT id, name, amount, payment_method, description, expense_date, created_at, updated_at
		FROM other_expenses ORDER BY expense_date DESC, id DESC`)
	if err != nil {
		WriteError(w, Internalf(err, "failed to list expenses"))
		return
	}
	defer rows.Close()

	expenses := []models.OtherExpense{}
	for rows.Next() {
		var ex models.OtherExpense
		if err := rows.Scan(&ex.ID, &ex.Name, &ex.Amount, &ex.PaymentMethod, &ex.Description, &ex.ExpenseDate, &ex.CreatedAt, &ex.UpdatedAt); err != nil {
			WriteError(w, Internalf(err, "failed to scan expense"))
			return
		}
		expenses = append(expenses, ex)
	}
	WriteJSON(w, http.StatusOK, expenses)
}

func (s *FinanceService) UpdateExpense(w http.ResponseWriter, r *http.Request) {
	id, err := urlParamInt(r, "expenseID")
	if err != nil {
		WriteError(w, err)
		return
	}
	var req expenseRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if err := s.validator.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusUnprocessableEntity, err)
		return
	}
	if !req.Amount.IsPositive() {
		WriteError(w, Validationf("expense amount must be positive"))
		return
	}
	if !models.ValidPaymentMethod(req.PaymentMethod) {
		WriteError(w, Validationf("unknown payment method %q", req.PaymentMethod))
		return
	}

	date := time.Now().UTC()
	if req.ExpenseDate != nil {
		date = *req.ExpenseDate
	}
	result, err := s.db.Exec(`
		UPDATE other_expenses
		SET name = $1, amount = $2, payment_method = $3, description = $4, expense_date = $5, updated_at = NOW()
		WHERE id = $6`,
		req.Name, req.Amount, req.PaymentMethod, req.Description, date, id)
	if err != nil {
		WriteError(w, Internalf(err, "failed to update expense %d", id))
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		WriteError(w, NotFoundf("expense %d not found", id))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"message": "expense updated"})
}

func (s *FinanceService) DeleteExpense(w http.ResponseWriter, r *http.Request) {
	id, err := urlParamInt(r, "expenseID")
	if err != nil {
		WriteError(w, err)
		return
	}
	result, err := s.db.Exec(`DELETE FROM other_expenses WHERE id = $1`, id)
	if err != nil {
		WriteError(w, Internalf(err, "failed to delete expense %d", id))
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		WriteError(w, NotFoundf("expense %d not found", id))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"message": "expense deleted"})
}

// ---- bank/cash transfers ----

type cashTransferRequest struct {
	TransferType string          `json:"transfer_type" validate:"required,oneof=bank_to_cash cash_to_bank"`
	Amount       decimal.Decimal `json:"amount" validate:"required"`
	Description  string          `json:"description"`
	TransferDate *time.Time      `json:"transfer_date"`
}

func (s *FinanceService) CreateCashTransfer(w http.ResponseWriter, r *http.Request) {
	var req cashTransferRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if err := s.validator.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusUnprocessableEntity, err)
		return
	}
	if !req.Amount.IsPositive() {
		WriteError(w, Validationf("transfer amount must be positive"))
		return
	}

	date := time.Now().UTC()
	if req.TransferDate != nil {
		date = *req.TransferDate
	}

	ct := models.CashTransfer{
		TransferType: req.TransferType,
		Amount:       req.Amount,
		Description:  req.Description,
		TransferDate: date,
	}
	err := s.db.QueryRow(`
		INSERT INTO cash_transfers (transfer_type, amount, description, transfer_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		RETURNING id, created_at, updated_at`,
		req.TransferType, req.Amount, req.Description, date).Scan(&ct.ID, &ct.CreatedAt, &ct.UpdatedAt)
	if err != nil {
		WriteError(w, Internalf(err, "failed to create cash transfer"))
		return
	}
	WriteJSON(w, http.StatusCreated, ct)
}

func (s *FinanceService) ListCashTransfers(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.Query(`
		SELECT id, transfer_type, amount, description, transfer_date, created_at, updated_at
		FROM cash_transfers ORDER BY transfer_date DESC, id DESC`)
	if err != nil {
		WriteError(w, Internalf(err, "failed to list cash transfers"))
		return
	}
	defer rows.Close()

	transfers := []models.CashTransfer{}
	for rows.Next() {
		var ct models.CashTransfer
		if err := rows.Scan(&ct.ID, &ct.TransferType, &ct.Amount, &ct.Description, &ct.TransferDate, &ct.CreatedAt, &ct.UpdatedAt); err != nil {
			WriteError(w, Internalf(err, "failed to scan cash transfer"))
			return
		}
		transfers = append(transfers, ct)
	}
	WriteJSON(w, http.StatusOK, transfers)
}

func (s *FinanceService) UpdateCashTransfer(w http.ResponseWriter, r *http.Request) {
	id, err := urlParamInt(r, "transferID")
	if err != nil {
		WriteError(w, err)
		return
	}
	var req cashTransferRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if err := s.validator.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusUnprocessableEntity, err)
		return
	}
	if !req.Amount.IsPositive() {
		WriteError(w, Validationf("transfer amount must be positive"))
		return
	}

	date := time.Now().UTC()
	if req.TransferDate != nil {
		date = *req.TransferDate
	}

	result, err := s.db.Exec(`
		UPDATE cash_transfers
		SET transfer_type = $1, amount = $2, description = $3, transfer_date = $4, updated_at = NOW()
		WHERE id = $5`,
		req.TransferType, req.Amount, req.Description, date, id)
	if err != nil {
		WriteError(w, Internalf(err, "failed to update cash transfer %d", id))
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		WriteError(w, NotFoundf("cash transfer %d not found", id))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"message": "cash transfer updated"})
}

func (s *FinanceService) DeleteCashTransfer(w http.ResponseWriter, r *http.Request) {
	id, err := urlParamInt(r, "transferID")
	if err != nil {
		WriteError(w, err)
		return
	}
	result, err := s.db.Exec(`DELETE FROM cash_transfers WHERE id = $1`, id)
	if err != nil {
		WriteError(w, Internalf(err, "failed to delete cash transfer %d", id))
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		WriteError(w, NotFoundf("cash transfer %d not found", id))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"message": "cash transfer deleted"})
}

// ---- system config ----

type configRequest struct {
	Value       string `json:"value" validate:"required"`
	Description string `json:"description"`
}

// GetConfig reads one configuration key.
func (s *FinanceService) GetConfig(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		WriteError(w, Validationf("key is required"))
		return
	}

	var cfg models.SystemConfig
	err := s.db.QueryRow(`
		SELECT id, key, value, description, created_at, updated_at
		FROM system_configs WHERE key = $1`, key).Scan(
		&cfg.ID, &cfg.Key, &cfg.Value, &cfg.Description, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err == sql.ErrNoRows {
		WriteError(w, NotFoundf("config %q not found", key))
		return
	}
	if err != nil {
		WriteError(w, Internalf(err, "failed to load config %q", key))
		return
	}
	WriteJSON(w, http.StatusOK, cfg)
}

// SetConfig upserts one configuration key, e.g. initial_cash.
func (s *FinanceService) SetConfig(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		WriteError(w, Validationf("key is required"))
		return
	}
	var req configRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if err := s.validator.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusUnprocessableEntity, err)
		return
	}
	if key == "initial_cash" {
		if _, err := decimal.NewFromString(req.Value); err != nil {
			WriteError(w, Validationf("initial_cash must be a decimal number"))
			return
		}
	}

	var cfg models.SystemConfig
	err := s.db.QueryRow(`
		INSERT INTO system_configs (key, value, description, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, description = EXCLUDED.description, updated_at = NOW()
		RETURNING id, key, value, description, created_at, updated_at`,
		key, req.Value, req.Description).Scan(&cfg.ID, &cfg.Key, &cfg.Value, &cfg.Description, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		WriteError(w, Internalf(err, "failed to set config %q", key))
		return
	}
	WriteJSON(w, http.StatusOK, cfg)
}
