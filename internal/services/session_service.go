package services

import (
	"database/sql"
	"log"
	"net/http"

	"github.com/parlorbooks/backend/internal/models"
	"github.com/shopspring/decimal"
)

// SessionService drives the billable-session state machine: start,
// charge, settle, soft-delete/restore/reset. Every mutation that
// touches a balance, a loan's remaining amount or product stock is
// recorded in the session effect log, so reversal replays stored
// deltas instead of re-deriving them from child rows.
type SessionService struct {
	db        *sql.DB
	ledger    *LedgerService
	validator *ValidationHelper
	audit     *AuditLogger
}

func NewSessionService(db *sql.DB, ledger *LedgerService) *SessionService {
	return &SessionService{
		db:        db,
		ledger:    ledger,
		validator: NewValidationHelper(),
		audit:     NewAuditLogger(),
	}
}

// ---- rooms ----

type roomRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}

func (s *SessionService) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req roomRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if err := s.validator.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusUnprocessableEntity, err)
		return
	}

	var exists bool
	if err := s.db.QueryRow(`SELECT EXISTS (SELECT 1 FROM rooms WHERE name = $1)`, req.Name).Scan(&exists); err != nil {
		WriteError(w, Internalf(err, "failed to check room name"))
		return
	}
	if exists {
		WriteError(w, Conflictf("room %q already exists", req.Name))
		return
	}

	room := models.Room{Name: req.Name, Status: models.RoomIdle}
	err := s.db.QueryRow(`
		INSERT INTO rooms (name, status, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		RETURNING id, created_at, updated_at`,
		req.Name, models.RoomIdle).Scan(&room.ID, &room.CreatedAt, &room.UpdatedAt)
	if err != nil {
		WriteError(w, Internalf(err, "failed to create room"))
		return
	}
	WriteJSON(w, http.StatusCreated, room)
}

func (s *SessionService) ListRooms(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.Query(`
		SELECT id, name, status, created_at, updated_at
		FROM rooms ORDER BY name ASC`)
	if err != nil {
		WriteError(w, Internalf(err, "failed to list rooms"))
		return
	}
	defer rows.Close()

	rooms := []models.Room{}
	for rows.Next() {
		var room models.Room
		if err := rows.Scan(&room.ID, &room.Name, &room.Status, &room.CreatedAt, &room.UpdatedAt); err != nil {
			WriteError(w, Internalf(err, "failed to scan room"))
			return
		}
		rooms = append(rooms, room)
	}
	WriteJSON(w, http.StatusOK, rooms)
}

func (s *SessionService) UpdateRoom(w http.ResponseWriter, r *http.Request) {
	id, err := urlParamInt(r, "roomID")
	if err != nil {
		WriteError(w, err)
		return
	}
	var req roomRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if err := s.validator.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusUnprocessableEntity, err)
		return
	}

	var exists bool
	if err := s.db.QueryRow(`SELECT EXISTS (SELECT 1 FROM rooms WHERE name = $1 AND id <> $2)`, req.Name, id).Scan(&exists); err != nil {
		WriteError(w, Internalf(err, "failed to check room name"))
		return
	}
	if exists {
		WriteError(w, Conflictf("room %q already exists", req.Name))
		return
	}

	result, err := s.db.Exec(`UPDATE rooms SET name = $1, updated_at = NOW() WHERE id = $2`, req.Name, id)
	if err != nil {
		WriteError(w, Internalf(err, "failed to update room %d", id))
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		WriteError(w, NotFoundf("room %d not found", id))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"message": "room updated"})
}

// DeleteRoom removes a room that has never hosted a session.
func (s *SessionService) DeleteRoom(w http.ResponseWriter, r *http.Request) {
	id, err := urlParamInt(r, "roomID")
	if err != nil {
		WriteError(w, err)
		return
	}

	var hasSessions bool
	if err := s.db.QueryRow(`SELECT EXISTS (SELECT 1 FROM sessions WHERE room_id = $1)`, id).Scan(&hasSessions); err != nil {
		WriteError(w, Internalf(err, "failed to check room history"))
		return
	}
	if hasSessions {
		WriteError(w, InvalidStatef("room %d has session history and cannot be deleted", id))
		return
	}

	result, err := s.db.Exec(`DELETE FROM rooms WHERE id = $1`, id)
	if err != nil {
		WriteError(w, Internalf(err, "failed to delete room %d", id))
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		WriteError(w, NotFoundf("room %d not found", id))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"message": "room deleted"})
}

// ---- session lifecycle ----

type startSessionRequest struct {
	RoomID int `json:"room_id" validate:"required"`
}

// StartSession opens a new in-progress session in an idle room.
func (s *SessionService) StartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if err := s.validator.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusUnprocessableEntity, err)
		return
	}

	tx, err := s.db.Begin()
	if err != nil {
		WriteError(w, Internalf(err, "failed to begin transaction"))
		return
	}
	defer tx.Rollback()

	var roomStatus string
	err = tx.QueryRow(`SELECT status FROM rooms WHERE id = $1 FOR UPDATE`, req.RoomID).Scan(&roomStatus)
	if err == sql.ErrNoRows {
		WriteError(w, NotFoundf("room %d not found", req.RoomID))
		return
	}
	if err != nil {
		WriteError(w, Internalf(err, "failed to lock room %d", req.RoomID))
		return
	}
	if roomStatus != models.RoomIdle {
		WriteError(w, InvalidStatef("room %d is already in use", req.RoomID))
		return
	}

	session := models.Session{
		RoomID:                req.RoomID,
		Status:                models.SessionInProgress,
		TableFeePaymentMethod: models.PayCash,
	}
	err = tx.QueryRow(`
		INSERT INTO sessions (room_id, start_time, status, created_at, updated_at)
		VALUES ($1, NOW(), $2, NOW(), NOW())
		RETURNING id, start_time, created_at, updated_at`,
		req.RoomID, models.SessionInProgress).Scan(&session.ID, &session.StartTime, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		WriteError(w, Internalf(err, "failed to create session"))
		return
	}

	if _, err := tx.Exec(`UPDATE rooms SET status = $1, updated_at = NOW() WHERE id = $2`, models.RoomInUse, req.RoomID); err != nil {
		WriteError(w, Internalf(err, "failed to mark room in use"))
		return
	}
	if err := tx.Commit(); err != nil {
		WriteError(w, Internalf(err, "failed to commit session start"))
		return
	}

	log.Printf("[SESSION] Started session %d in room %d", session.ID, req.RoomID)
	WriteJSON(w, http.StatusCreated, session)
}

func scanSession(row interface{ Scan(...any) error }) (*models.Session, error) {
	var sess models.Session
	err := row.Scan(&sess.ID, &sess.RoomID, &sess.StartTime, &sess.EndTime, &sess.Status,
		&sess.TableFee, &sess.TableFeePaymentMethod, &sess.TotalRevenue, &sess.TotalCost,
		&sess.TotalProfit, &sess.DeletedAt, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

const sessionColumns = `id, room_id, start_time, end_time, status, table_fee, table_fee_payment_method, total_revenue, total_cost, total_profit, deleted_at, created_at, updated_at`

func (s *SessionService) lockSession(tx *sql.Tx, id int) (*models.Session, error) {
	sess, err := scanSession(tx.QueryRow(
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, id))
	if err == sql.ErrNoRows {
		return nil, NotFoundf("session %d not found", id)
	}
	if err != nil {
		return nil, Internalf(err, "failed to lock session %d", id)
	}
	return sess, nil
}

// requireChargeable enforces the charge-entry rule: charges normally
// require an in-progress session, but settled sessions accept
// supplemental entries. Deleted sessions accept nothing.
func requireChargeable(sess *models.Session) error {
	if sess.DeletedAt != nil {
		return InvalidStatef("session %d is deleted", sess.ID)
	}
	if sess.Status != models.SessionInProgress && sess.Status != models.SessionSettled {
		return InvalidStatef("session %d does not accept charges", sess.ID)
	}
	return nil
}

// ListSessions returns sessions filtered by ?status= and, with
// ?include_deleted=true, soft-deleted ones as well.
func (s *SessionService) ListSessions(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	includeDeleted := r.URL.Query().Get("include_deleted") == "true"

	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	args := []any{}
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	if status != "" {
		args = append(args, status)
		query += ` AND status = $1`
	}
	query += ` ORDER BY id DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		WriteError(w, Internalf(err, "failed to list sessions"))
		return
	}
	defer rows.Close()

	sessions := []models.Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			WriteError(w, Internalf(err, "failed to scan session"))
			return
		}
		sessions = append(sessions, *sess)
	}
	WriteJSON(w, http.StatusOK, sessions)
}

// sessionDetail is the full read model for one session.
type sessionDetail struct {
	models.Session
	Customers    []models.SessionCustomer `json:"customers"`
	Consumptions []models.Consumption     `json:"consumptions"`
	Meals        []models.MealRecord      `json:"meals"`
	Results      []models.SessionResult   `json:"results"`
	RoomMoves    []models.RoomMove        `json:"room_moves"`
}

// GetSession returns one session with all child records.
func (s *SessionService) GetSession(w http.ResponseWriter, r *http.Request) {
	id, err := urlParamInt(r, "sessionID")
	if err != nil {
		WriteError(w, err)
		return
	}

	sess, err := scanSession(s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		WriteError(w, NotFoundf("session %d not found", id))
		return
	}
	if err != nil {
		WriteError(w, Internalf(err, "failed to load session %d", id))
		return
	}

	detail := sessionDetail{
		Session:      *sess,
		Customers:    []models.SessionCustomer{},
		Consumptions: []models.Consumption{},
		Meals:        []models.MealRecord{},
		Results:      []models.SessionResult{},
		RoomMoves:    []models.RoomMove{},
	}

	rows, err := s.db.Query(`
		SELECT id, session_id, customer_id, joined_at, left_at
		FROM session_customers WHERE session_id = $1 ORDER BY id`, id)
	if err != nil {
		WriteError(w, Internalf(err, "failed to load session customers"))
		return
	}
	for rows.Next() {
		var sc models.SessionCustomer
		if err := rows.Scan(&sc.ID, &sc.SessionID, &sc.CustomerID, &sc.JoinedAt, &sc.LeftAt); err != nil {
			rows.Close()
			WriteError(w, Internalf(err, "failed to scan session customer"))
			return
		}
		detail.Customers = append(detail.Customers, sc)
	}
	rows.Close()

	rows, err = s.db.Query(`
		SELECT id, session_id, customer_id, product_id, quantity, unit_price, total_price, cost_price, total_cost, payment_method, created_at
		FROM consumptions WHERE session_id = $1 ORDER BY id`, id)
	if err != nil {
		WriteError(w, Internalf(err, "failed to load consumptions"))
		return
	}
	for rows.Next() {
		var c models.Consumption
		if err := rows.Scan(&c.ID, &c.SessionID, &c.CustomerID, &c.ProductID, &c.Quantity, &c.UnitPrice, &c.TotalPrice, &c.CostPrice, &c.TotalCost, &c.PaymentMethod, &c.CreatedAt); err != nil {
			rows.Close()
			WriteError(w, Internalf(err, "failed to scan consumption"))
			return
		}
		detail.Consumptions = append(detail.Consumptions, c)
	}
	rows.Close()

	rows, err = s.db.Query(`
		SELECT id, session_id, customer_id, product_id, amount, cost_price, payment_method, description, created_at
		FROM meal_records WHERE session_id = $1 ORDER BY id`, id)
	if err != nil {
		WriteError(w, Internalf(err, "failed to load meal records"))
		return
	}
	for rows.Next() {
		var m models.MealRecord
		if err := rows.Scan(&m.ID, &m.SessionID, &m.CustomerID, &m.ProductID, &m.Amount, &m.CostPrice, &m.PaymentMethod, &m.Description, &m.CreatedAt); err != nil {
			rows.Close()
			WriteError(w, Internalf(err, "failed to scan meal record"))
			return
		}
		detail.Meals = append(detail.Meals, m)
	}
	rows.Close()

	rows, err = s.db.Query(`
		SELECT id, session_id, customer_id, net_win_loss, created_at
		FROM session_results WHERE session_id = $1 ORDER BY id`, id)
	if err != nil {
		WriteError(w, Internalf(err, "failed to load session results"))
		return
	}
	for rows.Next() {
		var res models.SessionResult
		if err := rows.Scan(&res.ID, &res.SessionID, &res.CustomerID, &res.NetWinLoss, &res.CreatedAt); err != nil {
			rows.Close()
			WriteError(w, Internalf(err, "failed to scan session result"))
			return
		}
		detail.Results = append(detail.Results, res)
	}
	rows.Close()

	rows, err = s.db.Query(`
		SELECT id, session_id, from_room_id, to_room_id, moved_at
		FROM room_moves WHERE session_id = $1 ORDER BY id`, id)
	if err != nil {
		WriteError(w, Internalf(err, "failed to load room moves"))
		return
	}
	for rows.Next() {
		var mv models.RoomMove
		if err := rows.Scan(&mv.ID, &mv.SessionID, &mv.FromRoomID, &mv.ToRoomID, &mv.MovedAt); err != nil {
			rows.Close()
			WriteError(w, Internalf(err, "failed to scan room move"))
			return
		}
		detail.RoomMoves = append(detail.RoomMoves, mv)
	}
	rows.Close()

	WriteJSON(w, http.StatusOK, detail)
}

type sessionCustomerRequest struct {
	CustomerID int `json:"customer_id" validate:"required"`
}

// AddCustomer joins a customer to an in-progress session.
func (s *SessionService) AddCustomer(w http.ResponseWriter, r *http.Request) {
	sessionID, err := urlParamInt(r, "sessionID")
	if err != nil {
		WriteError(w, err)
		return
	}
	var req sessionCustomerRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if err := s.validator.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusUnprocessableEntity, err)
		return
	}

	tx, err := s.db.Begin()
	if err != nil {
		WriteError(w, Internalf(err, "failed to begin transaction"))
		return
	}
	defer tx.Rollback()

	sess, err := s.lockSession(tx, sessionID)
	if err != nil {
		WriteError(w, err)
		return
	}
	if sess.DeletedAt != nil || sess.Status != models.SessionInProgress {
		WriteError(w, InvalidStatef("session %d is not in progress", sessionID))
		return
	}
	if _, err := s.ledger.lockCustomer(tx, req.CustomerID); err != nil {
		WriteError(w, err)
		return
	}

	var member bool
	if err := tx.QueryRow(`SELECT EXISTS (SELECT 1 FROM session_customers WHERE session_id = $1 AND customer_id = $2)`,
		sessionID, req.CustomerID).Scan(&member); err != nil {
		WriteError(w, Internalf(err, "failed to check session membership"))
		return
	}
	if member {
		WriteError(w, Conflictf("customer %d is already in session %d", req.CustomerID, sessionID))
		return
	}

	var sc models.SessionCustomer
	sc.SessionID = sessionID
	sc.CustomerID = req.CustomerID
	err = tx.QueryRow(`
		INSERT INTO session_customers (session_id, customer_id, joined_at)
		VALUES ($1, $2, NOW())
		RETURNING id, joined_at`, sessionID, req.CustomerID).Scan(&sc.ID, &sc.JoinedAt)
	if err != nil {
		WriteError(w, Internalf(err, "failed to add customer to session"))
		return
	}
	if err := tx.Commit(); err != nil {
		WriteError(w, Internalf(err, "failed to commit"))
		return
	}
	WriteJSON(w, http.StatusCreated, sc)
}

// RemoveCustomer removes a customer from an in-progress session. A
// customer with recorded charges cannot be removed.
func (s *SessionService) RemoveCustomer(w http.ResponseWriter, r *http.Request) {
	sessionID, err := urlParamInt(r, "sessionID")
	if err != nil {
		WriteError(w, err)
		return
	}
	customerID, err := urlParamInt(r, "customerID")
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

	sess, err := s.lockSession(tx, sessionID)
	if err != nil {
		WriteError(w, err)
		return
	}
	if sess.DeletedAt != nil || sess.Status != models.SessionInProgress {
		WriteError(w, InvalidStatef("session %d is not in progress", sessionID))
		return
	}

	var hasEntries bool
	err = tx.QueryRow(`
		SELECT EXISTS (SELECT 1 FROM loans WHERE session_id = $1 AND customer_id = $2)
			OR EXISTS (SELECT 1 FROM repayments WHERE session_id = $1 AND customer_id = $2)
			OR EXISTS (SELECT 1 FROM consumptions WHERE session_id = $1 AND customer_id = $2)
			OR EXISTS (SELECT 1 FROM meal_records WHERE session_id = $1 AND customer_id = $2)`,
		sessionID, customerID).Scan(&hasEntries)
	if err != nil {
		WriteError(w, Internalf(err, "failed to check customer entries"))
		return
	}
	if hasEntries {
		WriteError(w, InvalidStatef("customer %d has charges in session %d", customerID, sessionID))
		return
	}

	result, err := tx.Exec(`DELETE FROM session_customers WHERE session_id = $1 AND customer_id = $2`, sessionID, customerID)
	if err != nil {
		WriteError(w, Internalf(err, "failed to remove customer from session"))
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		WriteError(w, NotFoundf("customer %d is not in session %d", customerID, sessionID))
		return
	}
	if err := tx.Commit(); err != nil {
		WriteError(w, Internalf(err, "failed to commit"))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"message": "customer removed"})
}

type sessionLoanRequest struct {
	CustomerID    int             `json:"customer_id" validate:"required"`
	Amount        decimal.Decimal `json:"amount" validate:"required"`
	PaymentMethod string          `json:"payment_method" validate:"required"`
	Description   string          `json:"description"`
}

// RecordLoan records a loan against a session member. Settled sessions
// accept this as a supplemental entry.
func (s *SessionService) RecordLoan(w http.ResponseWriter, r *http.Request) {
	sessionID, err := urlParamInt(r, "sessionID")
	if err != nil {
		WriteError(w, err)
		return
	}
	var req sessionLoanRequest
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

	sess, err := s.lockSession(tx, sessionID)
	if err != nil {
		WriteError(w, err)
		return
	}
	if err := requireChargeable(sess); err != nil {
		WriteError(w, err)
		return
	}
	if err := s.requireMember(tx, sessionID, req.CustomerID); err != nil {
		WriteError(w, err)
		return
	}

	loan, _, err := s.ledger.CreateLoanTx(tx, req.CustomerID, req.Amount, req.PaymentMethod, req.Description, &sessionID)
	if err != nil {
		WriteError(w, err)
		return
	}
	if err := tx.Commit(); err != nil {
		WriteError(w, Internalf(err, "failed to commit session loan"))
		return
	}
	WriteJSON(w, http.StatusCreated, loan)
}

type sessionRepaymentRequest struct {
	CustomerID    int             `json:"customer_id" validate:"required"`
	Amount        decimal.Decimal `json:"amount" validate:"required"`
	LoanID        *int            `json:"loan_id"`
	PaymentMethod string          `json:"payment_method" validate:"required"`
	Description   string          `json:"description"`
}

// RecordRepayment records a repayment inside a session, allocated the
// same way as a standalone repayment.
func (s *SessionService) RecordRepayment(w http.ResponseWriter, r *http.Request) {
	sessionID, err := urlParamInt(r, "sessionID")
	if err != nil {
		WriteError(w, err)
		return
	}
	var req sessionRepaymentRequest
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

	sess, err := s.lockSession(tx, sessionID)
	if err != nil {
		WriteError(w, err)
		return
	}
	if err := requireChargeable(sess); err != nil {
		WriteError(w, err)
		return
	}
	if err := s.requireMember(tx, sessionID, req.CustomerID); err != nil {
		WriteError(w, err)
		return
	}

	result, err := s.ledger.AllocateRepaymentTx(tx, req.CustomerID, req.Amount, req.LoanID, req.PaymentMethod, req.Description, &sessionID)
	if err != nil {
		WriteError(w, err)
		return
	}
	if err := tx.Commit(); err != nil {
		WriteError(w, Internalf(err, "failed to commit session repayment"))
		return
	}
	WriteJSON(w, http.StatusCreated, result)
}

func (s *SessionService) requireMember(tx *sql.Tx, sessionID, customerID int) error {
	var member bool
	err := tx.QueryRow(`SELECT EXISTS (SELECT 1 FROM session_customers WHERE session_id = $1 AND customer_id = $2)`,
		sessionID, customerID).Scan(&member)
	if err != nil {
		return Internalf(err, "failed to check session membership")
	}
	if !member {
		return Validationf("customer %d is not in session %d", customerID, sessionID)
	}
	return nil
}

// ---- consumptions ----

type consumptionRequest struct {
	CustomerID    *int   `json:"customer_id"`
	ProductID     int    `json:"product_id" validate:"required"`
	Quantity      int    `json:"quantity" validate:"required,gt=0"`
	PaymentMethod string `json:"payment_method" validate:"required"`
}

// AddConsumption charges a product to the session and decrements its
// stock. Stock may go negative; the house sells from the open crate
// before the delivery is booked.
func (s *SessionService) AddConsumption(w http.ResponseWriter, r *http.Request) {
	sessionID, err := urlParamInt(r, "sessionID")
	if err != nil {
		WriteError(w, err)
		return
	}
	var req consumptionRequest
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

	sess, err := s.lockSession(tx, sessionID)
	if err != nil {
		WriteError(w, err)
		return
	}
	if err := requireChargeable(sess); err != nil {
		WriteError(w, err)
		return
	}

	var p models.Product
	err = tx.QueryRow(`
		SELECT id, name, price, cost_price, stock, is_active, product_type
		FROM products WHERE id = $1 FOR UPDATE`, req.ProductID).Scan(
		&p.ID, &p.Name, &p.Price, &p.CostPrice, &p.Stock, &p.IsActive, &p.ProductType)
	if err == sql.ErrNoRows {
		WriteError(w, NotFoundf("product %d not found", req.ProductID))
		return
	}
	if err != nil {
		WriteError(w, Internalf(err, "failed to lock product %d", req.ProductID))
		return
	}
	if !p.IsActive {
		WriteError(w, InvalidStatef("product %d is inactive", req.ProductID))
		return
	}
	if p.ProductType != models.ProductNormal {
		WriteError(w, Validationf("product %d is not a stocked product", req.ProductID))
		return
	}

	qty := decimal.NewFromInt(int64(req.Quantity))
	c := models.Consumption{
		SessionID:     sessionID,
		CustomerID:    req.CustomerID,
		ProductID:     req.ProductID,
		Quantity:      req.Quantity,
		UnitPrice:     p.Price,
		TotalPrice:    p.Price.Mul(qty),
		CostPrice:     p.CostPrice,
		TotalCost:     p.CostPrice.Mul(qty),
		PaymentMethod: req.PaymentMethod,
	}
	err = tx.QueryRow(`
		INSERT INTO consumptions (session_id, customer_id, product_id, quantity, unit_price, total_price, cost_price, total_cost, payment_method, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		RETURNING id, created_at`,
		sessionID, req.CustomerID, req.ProductID, req.Quantity, c.UnitPrice, c.TotalPrice, c.CostPrice, c.TotalCost, req.PaymentMethod).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		WriteError(w, Internalf(err, "failed to insert consumption"))
		return
	}

	if _, err := tx.Exec(`UPDATE products SET stock = stock - $1, updated_at = NOW() WHERE id = $2`, req.Quantity, req.ProductID); err != nil {
		WriteError(w, Internalf(err, "failed to adjust stock"))
		return
	}

	productID := req.ProductID
	if err := s.ledger.appendEffect(tx, sessionID, models.SessionEffect{
		Kind:       models.EffectConsumption,
		EntryID:    c.ID,
		ProductID:  &productID,
		StockDelta: -req.Quantity,
	}); err != nil {
		WriteError(w, err)
		return
	}

	if err := tx.Commit(); err != nil {
		WriteError(w, Internalf(err, "failed to commit consumption"))
		return
	}
	WriteJSON(w, http.StatusCreated, c)
}

type updateConsumptionRequest struct {
	Quantity int `json:"quantity" validate:"required,gt=0"`
}

// UpdateConsumption changes a charge's quantity, adjusting stock by
// the difference and recomputing the row's totals.
func (s *SessionService) UpdateConsumption(w http.ResponseWriter, r *http.Request) {
	sessionID, err := urlParamInt(r, "sessionID")
	if err != nil {
		WriteError(w, err)
		return
	}
	consumptionID, err := urlParamInt(r, "consumptionID")
	if err != nil {
		WriteError(w, err)
		return
	}
	var req updateConsumptionRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if err := s.validator.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusUnprocessableEntity, err)
		return
	}

	tx, err := s.db.Begin()
	if err != nil {
		WriteError(w, Internalf(err, "failed to begin transaction"))
		return
	}
	defer tx.Rollback()

	sess, err := s.lockSession(tx, sessionID)
	if err != nil {
		WriteError(w, err)
		return
	}
	if err := requireChargeable(sess); err != nil {
		WriteError(w, err)
		return
	}

	var c models.Consumption
	err = tx.QueryRow(`
		SELECT id, session_id, product_id, quantity, unit_price, cost_price
		FROM consumptions WHERE id = $1 AND session_id = $2 FOR UPDATE`,
		consumptionID, sessionID).Scan(&c.ID, &c.SessionID, &c.ProductID, &c.Quantity, &c.UnitPrice, &c.CostPrice)
	if err == sql.ErrNoRows {
		WriteError(w, NotFoundf("consumption %d not found in session %d", consumptionID, sessionID))
		return
	}
	if err != nil {
		WriteError(w, Internalf(err, "failed to lock consumption %d", consumptionID))
		return
	}

	stockDelta := c.Quantity - req.Quantity // applied to stock
	qty := decimal.NewFromInt(int64(req.Quantity))
	if _, err := tx.Exec(`
		UPDATE consumptions
		SET quantity = $1, total_price = $2, total_cost = $3
		WHERE id = $4`,
		req.Quantity, c.UnitPrice.Mul(qty), c.CostPrice.Mul(qty), consumptionID); err != nil {
		WriteError(w, Internalf(err, "failed to update consumption %d", consumptionID))
		return
	}
	if _, err := tx.Exec(`UPDATE products SET stock = stock + $1, updated_at = NOW() WHERE id = $2`, stockDelta, c.ProductID); err != nil {
		WriteError(w, Internalf(err, "failed to adjust stock"))
		return
	}

	if stockDelta != 0 {
		productID := c.ProductID
		if err := s.ledger.appendEffect(tx, sessionID, models.SessionEffect{
			Kind:       models.EffectConsumption,
			EntryID:    consumptionID,
			ProductID:  &productID,
			StockDelta: stockDelta,
		}); err != nil {
			WriteError(w, err)
			return
		}
	}

	if err := tx.Commit(); err != nil {
		WriteError(w, Internalf(err, "failed to commit consumption update"))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"message": "consumption updated"})
}

// DeleteConsumption removes a charge, restoring the entry's net stock
// effect and dropping its effect rows.
func (s *SessionService) DeleteConsumption(w http.ResponseWriter, r *http.Request) {
	sessionID, err := urlParamInt(r, "sessionID")
	if err != nil {
		WriteError(w, err)
		return
	}
	consumptionID, err := urlParamInt(r, "consumptionID")
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

	sess, err := s.lockSession(tx, sessionID)
	if err != nil {
		WriteError(w, err)
		return
	}
	if err := requireChargeable(sess); err != nil {
		WriteError(w, err)
		return
	}

	var productID int
	err = tx.QueryRow(`SELECT product_id FROM consumptions WHERE id = $1 AND session_id = $2 FOR UPDATE`,
		consumptionID, sessionID).Scan(&productID)
	if err == sql.ErrNoRows {
		WriteError(w, NotFoundf("consumption %d not found in session %d", consumptionID, sessionID))
		return
	}
	if err != nil {
		WriteError(w, Internalf(err, "failed to lock consumption %d", consumptionID))
		return
	}

	// The entry's net stock effect is the sum of its logged deltas.
	var netStock int
	err = tx.QueryRow(`
		SELECT COALESCE(SUM(stock_delta), 0) FROM session_effects
		WHERE session_id = $1 AND kind = $2 AND entry_id = $3`,
		sessionID, models.EffectConsumption, consumptionID).Scan(&netStock)
	if err != nil {
		WriteError(w, Internalf(err, "failed to sum consumption effects"))
		return
	}

	if _, err := tx.Exec(`UPDATE products SET stock = stock - $1, updated_at = NOW() WHERE id = $2`, netStock, productID); err != nil {
		WriteError(w, Internalf(err, "failed to restore stock"))
		return
	}
	if _, err := tx.Exec(`DELETE FROM session_effects WHERE session_id = $1 AND kind = $2 AND entry_id = $3`,
		sessionID, models.EffectConsumption, consumptionID); err != nil {
		WriteError(w, Internalf(err, "failed to drop consumption effects"))
		return
	}
	if _, err := tx.Exec(`DELETE FROM consumptions WHERE id = $1`, consumptionID); err != nil {
		WriteError(w, Internalf(err, "failed to delete consumption %d", consumptionID))
		return
	}

	if err := tx.Commit(); err != nil {
		WriteError(w, Internalf(err, "failed to commit consumption delete"))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"message": "consumption deleted"})
}

// ---- meal records ----

type mealRequest struct {
	CustomerID    *int            `json:"customer_id"`
	ProductID     int             `json:"product_id" validate:"required"`
	Amount        decimal.Decimal `json:"amount" validate:"required"`
	PaymentMethod string          `json:"payment_method" validate:"required"`
	Description   string          `json:"description"`
}

// AddMeal records a catered-meal charge. The meal's cost equals its
// amount: a pass-through expense, not a margined sale. Meals never
// touch stock or balances, so no effect rows are logged.
func (s *SessionService) AddMeal(w http.ResponseWriter, r *http.Request) {
	sessionID, err := urlParamInt(r, "sessionID")
	if err != nil {
		WriteError(w, err)
		return
	}
	var req mealRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if err := s.validator.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusUnprocessableEntity, err)
		return
	}
	if !req.Amount.IsPositive() {
		WriteError(w, Validationf("meal amount must be positive"))
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

	sess, err := s.lockSession(tx, sessionID)
	if err != nil {
		WriteError(w, err)
		return
	}
	if err := requireChargeable(sess); err != nil {
		WriteError(w, err)
		return
	}

	var productType string
	err = tx.QueryRow(`SELECT product_type FROM products WHERE id = $1 AND is_active = TRUE`, req.ProductID).Scan(&productType)
	if err == sql.ErrNoRows {
		WriteError(w, NotFoundf("product %d not found", req.ProductID))
		return
	}
	if err != nil {
		WriteError(w, Internalf(err, "failed to load product %d", req.ProductID))
		return
	}
	if productType != models.ProductMeal {
		WriteError(w, Validationf("product %d is not a meal product", req.ProductID))
		return
	}

	m := models.MealRecord{
		SessionID:     sessionID,
		CustomerID:    req.CustomerID,
		ProductID:     req.ProductID,
		Amount:        req.Amount,
		CostPrice:     req.Amount,
		PaymentMethod: req.PaymentMethod,
		Description:   req.Description,
	}
	err = tx.QueryRow(`
		INSERT INTO meal_records (session_id, customer_id, product_id, amount, cost_price, payment_method, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING id, created_at`,
		sessionID, req.CustomerID, req.ProductID, req.Amount, req.Amount, req.PaymentMethod, req.Description).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		WriteError(w, Internalf(err, "failed to insert meal record"))
		return
	}

	if err := tx.Commit(); err != nil {
		WriteError(w, Internalf(err, "failed to commit meal record"))
		return
	}
	WriteJSON(w, http.StatusCreated, m)
}

type updateMealRequest struct {
	Amount      decimal.Decimal `json:"amount" validate:"required"`
	Description string          `json:"description"`
}

func (s *SessionService) UpdateMeal(w http.ResponseWriter, r *http.Request) {
	sessionID, err := urlParamInt(r, "sessionID")
	if err != nil {
		WriteError(w, err)
		return
	}
	mealID, err := urlParamInt(r, "mealID")
	if err != nil {
		WriteError(w, err)
		return
	}
	var req updateMealRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if !req.Amount.IsPositive() {
		WriteError(w, Validationf("meal amount must be positive"))
		return
	}

	tx, err := s.db.Begin()
	if err != nil {
		WriteError(w, Internalf(err, "failed to begin transaction"))
		return
	}
	defer tx.Rollback()

	sess, err := s.lockSession(tx, sessionID)
	if err != nil {
		WriteError(w, err)
		return
	}
	if err := requireChargeable(sess); err != nil {
		WriteError(w, err)
		return
	}

	// Cost tracks amount on meals.
	result, err := tx.Exec(`
		UPDATE meal_records SET amount = $1, cost_price = $1, description = $2
		WHERE id = $3 AND session_id = $4`,
		req.Amount, req.Description, mealID, sessionID)
	if err != nil {
		WriteError(w, Internalf(err, "failed to update meal record %d", mealID))
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		WriteError(w, NotFoundf("meal record %d not found in session %d", mealID, sessionID))
		return
	}
	if err := tx.Commit(); err != nil {
		WriteError(w, Internalf(err, "failed to commit meal update"))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"message": "meal record updated"})
}

func (s *SessionService) DeleteMeal(w http.ResponseWriter, r *http.Request) {
	sessionID, err := urlParamInt(r, "sessionID")
	if err != nil {
		WriteError(w, err)
		return
	}
	mealID, err := urlParamInt(r, "mealID")
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

	sess, err := s.lockSession(tx, sessionID)
	if err != nil {
		WriteError(w, err)
		return
	}
	if err := requireChargeable(sess); err != nil {
		WriteError(w, err)
		return
	}

	result, err := tx.Exec(`DELETE FROM meal_records WHERE id = $1 AND session_id = $2`, mealID, sessionID)
	if err != nil {
		WriteError(w, Internalf(err, "failed to delete meal record %d", mealID))
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		WriteError(w, NotFoundf("meal record %d not found in session %d", mealID, sessionID))
		return
	}
	if err := tx.Commit(); err != nil {
		WriteError(w, Internalf(err, "failed to commit meal delete"))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"message": "meal record deleted"})
}

// ---- room move / table fee / settle ----

type moveRoomRequest struct {
	ToRoomID int `json:"to_room_id" validate:"required"`
}

// MoveRoom relocates an in-progress session to another idle room.
func (s *SessionService) MoveRoom(w http.ResponseWriter, r *http.Request) {
	sessionID, err := urlParamInt(r, "sessionID")
	if err != nil {
		WriteError(w, err)
		return
	}
	var req moveRoomRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if err := s.validator.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusUnprocessableEntity, err)
		return
	}

	tx, err := s.db.Begin()
	if err != nil {
		WriteError(w, Internalf(err, "failed to begin transaction"))
		return
	}
	defer tx.Rollback()

	sess, err := s.lockSession(tx, sessionID)
	if err != nil {
		WriteError(w, err)
		return
	}
	if sess.DeletedAt != nil || sess.Status != models.SessionInProgress {
		WriteError(w, InvalidStatef("session %d is not in progress", sessionID))
		return
	}
	if sess.RoomID == req.ToRoomID {
		WriteError(w, Validationf("session %d is already in room %d", sessionID, req.ToRoomID))
		return
	}

	var targetStatus string
	err = tx.QueryRow(`SELECT status FROM rooms WHERE id = $1 FOR UPDATE`, req.ToRoomID).Scan(&targetStatus)
	if err == sql.ErrNoRows {
		WriteError(w, NotFoundf("room %d not found", req.ToRoomID))
		return
	}
	if err != nil {
		WriteError(w, Internalf(err, "failed to lock room %d", req.ToRoomID))
		return
	}
	if targetStatus != models.RoomIdle {
		WriteError(w, InvalidStatef("room %d is already in use", req.ToRoomID))
		return
	}

	if _, err := tx.Exec(`
		INSERT INTO room_moves (session_id, from_room_id, to_room_id, moved_at)
		VALUES ($1, $2, $3, NOW())`, sessionID, sess.RoomID, req.ToRoomID); err != nil {
		WriteError(w, Internalf(err, "failed to record room move"))
		return
	}
	if _, err := tx.Exec(`UPDATE sessions SET room_id = $1, updated_at = NOW() WHERE id = $2`, req.ToRoomID, sessionID); err != nil {
		WriteError(w, Internalf(err, "failed to move session"))
		return
	}
	if err := s.releaseRoomIfFree(tx, sess.RoomID); err != nil {
		WriteError(w, err)
		return
	}
	if _, err := tx.Exec(`UPDATE rooms SET status = $1, updated_at = NOW() WHERE id = $2`, models.RoomInUse, req.ToRoomID); err != nil {
		WriteError(w, Internalf(err, "failed to occupy room %d", req.ToRoomID))
		return
	}

	if err := tx.Commit(); err != nil {
		WriteError(w, Internalf(err, "failed to commit room move"))
		return
	}
	log.Printf("[SESSION] Moved session %d from room %d to room %d", sessionID, sess.RoomID, req.ToRoomID)
	WriteJSON(w, http.StatusOK, map[string]string{"message": "session moved"})
}

type tableFeeRequest struct {
	TableFee      decimal.Decimal `json:"table_fee" validate:"required"`
	PaymentMethod string          `json:"payment_method" validate:"required"`
}

// SetTableFee records the session's sole revenue figure. Only allowed
// while the session is in progress.
func (s *SessionService) SetTableFee(w http.ResponseWriter, r *http.Request) {
	sessionID, err := urlParamInt(r, "sessionID")
	if err != nil {
		WriteError(w, err)
		return
	}
	var req tableFeeRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if req.TableFee.IsNegative() {
		WriteError(w, Validationf("table fee must not be negative"))
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

	sess, err := s.lockSession(tx, sessionID)
	if err != nil {
		WriteError(w, err)
		return
	}
	if sess.DeletedAt != nil || sess.Status != models.SessionInProgress {
		WriteError(w, InvalidStatef("table fee can only be set while in progress"))
		return
	}

	if _, err := tx.Exec(`
		UPDATE sessions SET table_fee = $1, table_fee_payment_method = $2, updated_at = NOW()
		WHERE id = $3`, req.TableFee, req.PaymentMethod, sessionID); err != nil {
		WriteError(w, Internalf(err, "failed to set table fee"))
		return
	}
	if err := tx.Commit(); err != nil {
		WriteError(w, Internalf(err, "failed to commit table fee"))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"message": "table fee set"})
}

type settleRequest struct {
	Results []struct {
		CustomerID int             `json:"customer_id" validate:"required"`
		NetWinLoss decimal.Decimal `json:"net_win_loss"`
	} `json:"results"`
}

// Settle closes an in-progress session. Profit is the table fee minus
// accumulated cost; optional per-customer win/loss figures are stored
// for reporting only.
func (s *SessionService) Settle(w http.ResponseWriter, r *http.Request) {
	sessionID, err := urlParamInt(r, "sessionID")
	if err != nil {
		WriteError(w, err)
		return
	}
	var req settleRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}

	tx, err := s.db.Begin()
	if err != nil {
		WriteError(w, Internalf(err, "failed to begin transaction"))
		return
	}
	defer tx.Rollback()

	sess, err := s.lockSession(tx, sessionID)
	if err != nil {
		WriteError(w, err)
		return
	}
	if sess.DeletedAt != nil {
		WriteError(w, InvalidStatef("session %d is deleted", sessionID))
		return
	}
	if sess.Status != models.SessionInProgress {
		WriteError(w, InvalidStatef("session %d is already settled", sessionID))
		return
	}

	var consumptionCost, mealCost decimal.Decimal
	if err := tx.QueryRow(`SELECT COALESCE(SUM(total_cost), 0) FROM consumptions WHERE session_id = $1`, sessionID).Scan(&consumptionCost); err != nil {
		WriteError(w, Internalf(err, "failed to sum consumption cost"))
		return
	}
	if err := tx.QueryRow(`SELECT COALESCE(SUM(cost_price), 0) FROM meal_records WHERE session_id = $1`, sessionID).Scan(&mealCost); err != nil {
		WriteError(w, Internalf(err, "failed to sum meal cost"))
		return
	}

	totalCost := consumptionCost.Add(mealCost)
	profit := sess.TableFee.Sub(totalCost)

	if _, err := tx.Exec(`
		UPDATE sessions
		SET status = $1, end_time = NOW(), total_revenue = table_fee, total_cost = $2, total_profit = $3, updated_at = NOW()
		WHERE id = $4`,
		models.SessionSettled, totalCost, profit, sessionID); err != nil {
		WriteError(w, Internalf(err, "failed to settle session %d", sessionID))
		return
	}

	for _, res := range req.Results {
		if err := s.requireMember(tx, sessionID, res.CustomerID); err != nil {
			WriteError(w, err)
			return
		}
		if _, err := tx.Exec(`
			INSERT INTO session_results (session_id, customer_id, net_win_loss, created_at)
			VALUES ($1, $2, $3, NOW())`, sessionID, res.CustomerID, res.NetWinLoss); err != nil {
			WriteError(w, Internalf(err, "failed to record session result"))
			return
		}
	}

	if err := s.releaseRoomIfFree(tx, sess.RoomID); err != nil {
		WriteError(w, err)
		return
	}
	if err := tx.Commit(); err != nil {
		WriteError(w, Internalf(err, "failed to commit settlement"))
		return
	}

	log.Printf("[SESSION] Settled session %d: fee=%s cost=%s profit=%s",
		sessionID, sess.TableFee.String(), totalCost.String(), profit.String())
	s.audit.LogSession(sessionID, "SETTLED", map[string]string{
		"table_fee": sess.TableFee.String(),
		"cost":      totalCost.String(),
		"profit":    profit.String(),
	})
	WriteJSON(w, http.StatusOK, map[string]any{
		"session_id":   sessionID,
		"total_cost":   totalCost,
		"total_profit": profit,
	})
}

// releaseRoomIfFree returns a room to idle when no live in-progress
// session occupies it.
func (s *SessionService) releaseRoomIfFree(tx *sql.Tx, roomID int) error {
	var busy bool
	err := tx.QueryRow(`
		SELECT EXISTS (
			SELECT 1 FROM sessions
			WHERE room_id = $1 AND status = $2 AND deleted_at IS NULL
		)`, roomID, models.SessionInProgress).Scan(&busy)
	if err != nil {
		return Internalf(err, "failed to check room %d occupancy", roomID)
	}
	if !busy {
		if _, err := tx.Exec(`UPDATE rooms SET status = $1, updated_at = NOW() WHERE id = $2`, models.RoomIdle, roomID); err != nil {
			return Internalf(err, "failed to release room %d", roomID)
		}
	}
	return nil
}

// ---- soft-delete / restore / reset ----

// SoftDelete reverses a settled session's every balance, loan and
// stock effect by replaying the effect log inverted, then flags the
// session deleted. Child rows are kept so restore can round-trip.
func (s *SessionService) SoftDelete(w http.ResponseWriter, r *http.Request) {
	sessionID, err := urlParamInt(r, "sessionID")
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

	sess, err := s.lockSession(tx, sessionID)
	if err != nil {
		WriteError(w, err)
		return
	}
	if sess.DeletedAt != nil {
		WriteError(w, InvalidStatef("session %d is already deleted", sessionID))
		return
	}
	if sess.Status != models.SessionSettled {
		WriteError(w, InvalidStatef("only settled sessions can be deleted"))
		return
	}

	if err := s.replayEffects(tx, sessionID, true); err != nil {
		WriteError(w, err)
		return
	}
	if _, err := tx.Exec(`UPDATE sessions SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1`, sessionID); err != nil {
		WriteError(w, Internalf(err, "failed to flag session %d deleted", sessionID))
		return
	}
	if err := s.releaseRoomIfFree(tx, sess.RoomID); err != nil {
		WriteError(w, err)
		return
	}
	if err := tx.Commit(); err != nil {
		WriteError(w, Internalf(err, "failed to commit session delete"))
		return
	}

	log.Printf("[SESSION] Soft-deleted session %d", sessionID)
	s.audit.LogSession(sessionID, "SOFT_DELETED", nil)
	WriteJSON(w, http.StatusOK, map[string]any{"deleted_session_id": sessionID})
}

// Restore reapplies a soft-deleted session's effects by replaying the
// effect log forward and clears the deletion flag.
func (s *SessionService) Restore(w http.ResponseWriter, r *http.Request) {
	sessionID, err := urlParamInt(r, "sessionID")
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

	sess, err := s.lockSession(tx, sessionID)
	if err != nil {
		WriteError(w, err)
		return
	}
	if sess.DeletedAt == nil {
		WriteError(w, InvalidStatef("session %d is not deleted", sessionID))
		return
	}

	if err := s.replayEffects(tx, sessionID, false); err != nil {
		WriteError(w, err)
		return
	}
	if _, err := tx.Exec(`UPDATE sessions SET deleted_at = NULL, updated_at = NOW() WHERE id = $1`, sessionID); err != nil {
		WriteError(w, Internalf(err, "failed to restore session %d", sessionID))
		return
	}
	if sess.Status == models.SessionInProgress {
		if _, err := tx.Exec(`UPDATE rooms SET status = $1, updated_at = NOW() WHERE id = $2`, models.RoomInUse, sess.RoomID); err != nil {
			WriteError(w, Internalf(err, "failed to occupy room %d", sess.RoomID))
			return
		}
	}
	if err := tx.Commit(); err != nil {
		WriteError(w, Internalf(err, "failed to commit session restore"))
		return
	}

	log.Printf("[SESSION] Restored session %d", sessionID)
	s.audit.LogSession(sessionID, "RESTORED", nil)
	WriteJSON(w, http.StatusOK, map[string]any{"restored_session_id": sessionID})
}

// Reset abandons an in-progress session: the same reversal as a
// soft-delete, but the row itself is hard-deleted along with every
// child record.
func (s *SessionService) Reset(w http.ResponseWriter, r *http.Request) {
	sessionID, err := urlParamInt(r, "sessionID")
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

	sess, err := s.lockSession(tx, sessionID)
	if err != nil {
		WriteError(w, err)
		return
	}
	if sess.DeletedAt != nil || sess.Status != models.SessionInProgress {
		WriteError(w, InvalidStatef("only in-progress sessions can be reset"))
		return
	}

	if err := s.hardDeleteSession(tx, sessionID, sess.RoomID); err != nil {
		WriteError(w, err)
		return
	}
	if err := tx.Commit(); err != nil {
		WriteError(w, Internalf(err, "failed to commit session reset"))
		return
	}

	log.Printf("[SESSION] Reset session %d", sessionID)
	s.audit.LogSession(sessionID, "RESET", nil)
	WriteJSON(w, http.StatusOK, map[string]any{"reset_session_id": sessionID})
}

// DeleteLastSettled finds the room's most recently ended settled
// session, reverses it and hard-deletes the row. Soft-deleted rows are
// never eligible.
func (s *SessionService) DeleteLastSettled(w http.ResponseWriter, r *http.Request) {
	roomID, err := urlParamInt(r, "roomID")
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

	var sessionID int
	err = tx.QueryRow(`
		SELECT id FROM sessions
		WHERE room_id = $1 AND status = $2 AND deleted_at IS NULL
		ORDER BY end_time DESC, id DESC
		LIMIT 1
		FOR UPDATE`, roomID, models.SessionSettled).Scan(&sessionID)
	if err == sql.ErrNoRows {
		WriteError(w, NotFoundf("room %d has no settled session", roomID))
		return
	}
	if err != nil {
		WriteError(w, Internalf(err, "failed to find last settled session"))
		return
	}

	if err := s.hardDeleteSession(tx, sessionID, roomID); err != nil {
		WriteError(w, err)
		return
	}
	if err := tx.Commit(); err != nil {
		WriteError(w, Internalf(err, "failed to commit session delete"))
		return
	}

	log.Printf("[SESSION] Hard-deleted last settled session %d of room %d", sessionID, roomID)
	s.audit.LogSession(sessionID, "HARD_DELETED", nil)
	WriteJSON(w, http.StatusOK, map[string]any{"deleted_session_id": sessionID})
}

// hardDeleteSession reverses the session's effects and removes the
// session row with all children.
func (s *SessionService) hardDeleteSession(tx *sql.Tx, sessionID, roomID int) error {
	if err := s.replayEffects(tx, sessionID, true); err != nil {
		return err
	}
	// Loans and repayments reference the session without a cascade;
	// clear them first, then the session (children cascade).
	if _, err := tx.Exec(`DELETE FROM repayments WHERE session_id = $1`, sessionID); err != nil {
		return Internalf(err, "failed to delete session repayments")
	}
	if _, err := tx.Exec(`DELETE FROM loans WHERE session_id = $1`, sessionID); err != nil {
		return Internalf(err, "failed to delete session loans")
	}
	if _, err := tx.Exec(`DELETE FROM sessions WHERE id = $1`, sessionID); err != nil {
		return Internalf(err, "failed to delete session %d", sessionID)
	}
	return s.releaseRoomIfFree(tx, roomID)
}

// replayEffects applies the session's logged deltas forward (restore)
// or inverted (delete/reset). Deltas are aggregated per entity first so
// replay is a fixed, order-independent set of updates.
func (s *SessionService) replayEffects(tx *sql.Tx, sessionID int, inverse bool) error {
	rows, err := tx.Query(`
		SELECT id, session_id, kind, entry_id, customer_id, loan_id, product_id, balance_delta, remaining_delta, stock_delta, created_at
		FROM session_effects
		WHERE session_id = $1
		ORDER BY id ASC`, sessionID)
	if err != nil {
		return Internalf(err, "failed to load session effects")
	}
	defer rows.Close()

	var effects []models.SessionEffect
	for rows.Next() {
		var e models.SessionEffect
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Kind, &e.EntryID, &e.CustomerID, &e.LoanID, &e.ProductID, &e.BalanceDelta, &e.RemainingDelta, &e.StockDelta, &e.CreatedAt); err != nil {
			return Internalf(err, "failed to scan session effect")
		}
		effects = append(effects, e)
	}
	if err := rows.Err(); err != nil {
		return Internalf(err, "failed to read session effects")
	}

	totals := SumEffects(effects)
	if inverse {
		totals = totals.Inverted()
	}

	for customerID, delta := range totals.Balance {
		if delta.IsZero() {
			continue
		}
		if _, err := tx.Exec(`
			UPDATE customers SET balance = balance + $1, version = version + 1, updated_at = NOW()
			WHERE id = $2`, delta, customerID); err != nil {
			return Internalf(err, "failed to replay balance for customer %d", customerID)
		}
	}
	for loanID, delta := range totals.Remaining {
		if delta.IsZero() {
			continue
		}
		if _, err := tx.Exec(`
			UPDATE loans SET remaining_amount = remaining_amount + $1, version = version + 1, updated_at = NOW()
			WHERE id = $2`, delta, loanID); err != nil {
			return Internalf(err, "failed to replay remaining for loan %d", loanID)
		}
		// Transferred loans stay frozen regardless of remaining.
		if _, err := tx.Exec(`
			UPDATE loans
			SET status = CASE WHEN remaining_amount <= 0 THEN 'repaid' ELSE 'active' END
			WHERE id = $1 AND status <> 'transferred'`, loanID); err != nil {
			return Internalf(err, "failed to replay status for loan %d", loanID)
		}
	}
	for productID, delta := range totals.Stock {
		if delta == 0 {
			continue
		}
		if _, err := tx.Exec(`
			UPDATE products SET stock = stock + $1, updated_at = NOW()
			WHERE id = $2`, delta, productID); err != nil {
			return Internalf(err, "failed to replay stock for product %d", productID)
		}
	}
	return nil
}

// EffectTotals is the net delta set of a session's effect log, keyed
// by entity id.
type EffectTotals struct {
	Balance   map[int]decimal.Decimal // customer id -> balance delta
	Remaining map[int]decimal.Decimal // loan id -> remaining delta
	Stock     map[int]int             // product id -> stock delta
}

// SumEffects aggregates an effect slice into net per-entity deltas.
func SumEffects(effects []models.SessionEffect) EffectTotals {
	t := EffectTotals{
		Balance:   map[int]decimal.Decimal{},
		Remaining: map[int]decimal.Decimal{},
		Stock:     map[int]int{},
	}
	for _, e := range effects {
		if e.CustomerID != nil && !e.BalanceDelta.IsZero() {
			t.Balance[*e.CustomerID] = t.Balance[*e.CustomerID].Add(e.BalanceDelta)
		}
		if e.LoanID != nil && !e.RemainingDelta.IsZero() {
			t.Remaining[*e.LoanID] = t.Remaining[*e.LoanID].Add(e.RemainingDelta)
		}
		if e.ProductID != nil && e.StockDelta != 0 {
			t.Stock[*e.ProductID] += e.StockDelta
		}
	}
	return t
}

// Inverted returns the totals with every delta negated.
func (t EffectTotals) Inverted() EffectTotals {
	inv := EffectTotals{
		Balance:   map[int]decimal.Decimal{},
		Remaining: map[int]decimal.Decimal{},
		Stock:     map[int]int{},
	}
	for id, d := range t.Balance {
		inv.Balance[id] = d.Neg()
	}
	for id, d := range t.Remaining {
		inv.Remaining[id] = d.Neg()
	}
	for id, d := range t.Stock {
		inv.Stock[id] = -d
	}
	return inv
}
