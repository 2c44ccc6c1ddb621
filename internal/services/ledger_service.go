package services

import (
	"database/sql"

	"github.com/parlorbooks/backend/internal/models"
	"github.com/shopspring/decimal"
)

// LedgerService owns the per-customer balance bookkeeping: loan
// creation, repayment allocation and the mutable-tail edit/delete
// rules. Methods suffixed Tx operate inside a caller-supplied
// transaction so the session lifecycle can compose them with its own
// effects.
type LedgerService struct {
	db    *sql.DB
	audit *AuditLogger
}

func NewLedgerService(db *sql.DB) *LedgerService {
	return &LedgerService{db: db, audit: NewAuditLogger()}
}

// AllocationResult reports how a repayment was split.
type AllocationResult struct {
	RepaymentID int             `json:"repayment_id"`
	LoanID      *int            `json:"loan_id,omitempty"`
	LoanRepay   decimal.Decimal `json:"loan_repay"`
	ExtraRepay  decimal.Decimal `json:"extra_repay"`
	NewBalance  decimal.Decimal `json:"new_balance"`
}

// splitRepayment divides a positive repayment between the targeted
// loan and the general balance.
func splitRepayment(amount, remaining decimal.Decimal) (loanRepay, extra decimal.Decimal) {
	if amount.LessThanOrEqual(remaining) {
		return amount, decimal.Zero
	}
	return remaining, amount.Sub(remaining)
}

// lockCustomer loads a customer row FOR UPDATE.
func (s *LedgerService) lockCustomer(tx *sql.Tx, customerID int) (*models.Customer, error) {
	var c models.Customer
	err := tx.QueryRow(`
		SELECT id, name, balance, version
		FROM customers
		WHERE id = $1 AND is_deleted = FALSE
		FOR UPDATE`, customerID).Scan(&c.ID, &c.Name, &c.Balance, &c.Version)
	if err == sql.ErrNoRows {
		return nil, NotFoundf("customer %d not found", customerID)
	}
	if err != nil {
		return nil, Internalf(err, "failed to lock customer %d", customerID)
	}
	return &c, nil
}

// updateCustomerBalance writes the new balance with an optimistic
// version check against writers outside this transaction.
func (s *LedgerService) updateCustomerBalance(tx *sql.Tx, customerID int, newBalance decimal.Decimal, version int) error {
	result, err := tx.Exec(`
		UPDATE customers
		SET balance = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND version = $3`,
		newBalance, customerID, version)
	if err != nil {
		return Internalf(err, "failed to update balance for customer %d", customerID)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return Internalf(err, "failed to update balance for customer %d", customerID)
	}
	if rows == 0 {
		return Conflictf("customer %d was modified concurrently", customerID)
	}
	return nil
}

func (s *LedgerService) lockLoan(tx *sql.Tx, loanID int) (*models.Loan, error) {
	var l models.Loan
	var status string
	err := tx.QueryRow(`
		SELECT id, customer_id, amount, remaining_amount, status, session_id, seq, version
		FROM loans
		WHERE id = $1
		FOR UPDATE`, loanID).Scan(
		&l.ID, &l.CustomerID, &l.Amount, &l.RemainingAmount, &status, &l.SessionID, &l.Seq, &l.Version)
	if err == sql.ErrNoRows {
		return nil, NotFoundf("loan %d not found", loanID)
	}
	if err != nil {
		return nil, Internalf(err, "failed to lock loan %d", loanID)
	}
	l.Status, err = models.ParseLoanStatus(status)
	if err != nil {
		return nil, Internalf(err, "loan %d has corrupt status", loanID)
	}
	return &l, nil
}

// lockOldestActiveLoan finds the FIFO allocation target: the active
// loan with remaining debt created earliest. Ordering is by id, the
// creation sequence, never by timestamp. Loans belonging to a
// soft-deleted session are suspended until the session is restored.
// Returns nil when the customer has no outstanding loan.
func (s *LedgerService) lockOldestActiveLoan(tx *sql.Tx, customerID int) (*models.Loan, error) {
	var l models.Loan
	var status string
	err := tx.QueryRow(`
		SELECT l.id, l.customer_id, l.amount, l.remaining_amount, l.status, l.session_id, l.seq, l.version
		FROM loans l
		WHERE l.customer_id = $1 AND l.status = 'active' AND l.remaining_amount > 0
		AND NOT EXISTS (
			SELECT 1 FROM sessions s
			WHERE s.id = l.session_id AND s.deleted_at IS NOT NULL
		)
		ORDER BY l.id ASC
		LIMIT 1
		FOR UPDATE OF l`, customerID).Scan(
		&l.ID, &l.CustomerID, &l.Amount, &l.RemainingAmount, &status, &l.SessionID, &l.Seq, &l.Version)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, Internalf(err, "failed to find active loan for customer %d", customerID)
	}
	l.Status = models.LoanStatus(status)
	return &l, nil
}

func (s *LedgerService) updateLoan(tx *sql.Tx, loanID int, remaining decimal.Decimal, status models.LoanStatus, version int) error {
	result, err := tx.Exec(`
		UPDATE loans
		SET remaining_amount = $1, status = $2, version = version + 1, updated_at = NOW()
		WHERE id = $3 AND version = $4`,
		remaining, string(status), loanID, version)
	if err != nil {
		return Internalf(err, "failed to update loan %d", loanID)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return Internalf(err, "failed to update loan %d", loanID)
	}
	if rows == 0 {
		return Conflictf("loan %d was modified concurrently", loanID)
	}
	return nil
}

// nextSeq returns the next per-customer ledger sequence number. Loans
// and repayments share one counter so "most recent entry" is well
// defined across both kinds without relying on wall-clock ordering.
func (s *LedgerService) nextSeq(tx *sql.Tx, customerID int) (int, error) {
	max, err := s.maxSeq(tx, customerID, nil)
	if err != nil {
		return 0, err
	}
	return max + 1, nil
}

// maxSeq returns the highest sequence number among the customer's
// loans and repayments, optionally restricted to one session.
func (s *LedgerService) maxSeq(tx *sql.Tx, customerID int, sessionID *int) (int, error) {
	var loanMax, repayMax int
	var err error
	if sessionID == nil {
		err = tx.QueryRow(`
			SELECT
				COALESCE((SELECT MAX(seq) FROM loans WHERE customer_id = $1), 0),
				COALESCE((SELECT MAX(seq) FROM repayments WHERE customer_id = $1), 0)`,
			customerID).Scan(&loanMax, &repayMax)
	} else {
		err = tx.QueryRow(`
			SELECT
				COALESCE((SELECT MAX(seq) FROM loans WHERE customer_id = $1 AND session_id = $2), 0),
				COALESCE((SELECT MAX(seq) FROM repayments WHERE customer_id = $1 AND session_id = $2), 0)`,
			customerID, *sessionID).Scan(&loanMax, &repayMax)
	}
	if err != nil {
		return 0, Internalf(err, "failed to read ledger sequence for customer %d", customerID)
	}
	if repayMax > loanMax {
		return repayMax, nil
	}
	return loanMax, nil
}

// CreateLoanTx records a new loan and debits the customer's balance.
func (s *LedgerService) CreateLoanTx(tx *sql.Tx, customerID int, amount decimal.Decimal, paymentMethod, description string, sessionID *int) (*models.Loan, decimal.Decimal, error) {
	if !amount.IsPositive() {
		return nil, decimal.Zero, Validationf("loan amount must be positive")
	}

	customer, err := s.lockCustomer(tx, customerID)
	if err != nil {
		return nil, decimal.Zero, err
	}

	seq, err := s.nextSeq(tx, customerID)
	if err != nil {
		return nil, decimal.Zero, err
	}

	loan := &models.Loan{
		CustomerID:      customerID,
		Amount:          amount,
		RemainingAmount: amount,
		Status:          models.LoanActive,
		PaymentMethod:   paymentMethod,
		Description:     description,
		SessionID:       sessionID,
		Seq:             seq,
	}
	err = tx.QueryRow(`
		INSERT INTO loans (customer_id, amount, remaining_amount, status, payment_method, description, session_id, seq, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		RETURNING id`,
		customerID, amount, amount, string(models.LoanActive), paymentMethod, description, sessionID, seq).Scan(&loan.ID)
	if err != nil {
		return nil, decimal.Zero, Internalf(err, "failed to insert loan")
	}

	newBalance := customer.Balance.Sub(amount)
	if err := s.updateCustomerBalance(tx, customerID, newBalance, customer.Version); err != nil {
		return nil, decimal.Zero, err
	}

	if sessionID != nil {
		loanID := loan.ID
		if err := s.appendEffect(tx, *sessionID, models.SessionEffect{
			Kind:         models.EffectLoan,
			EntryID:      loan.ID,
			CustomerID:   &customerID,
			LoanID:       &loanID,
			BalanceDelta: amount.Neg(),
		}); err != nil {
			return nil, decimal.Zero, err
		}
	}

	s.audit.LogLoan(loan.ID, customerID, amount, "CREATED")
	return loan, newBalance, nil
}

// AllocateRepaymentTx records a repayment and applies it:
//
//   - amount < 0 is a refund paid out to the customer; no loan is
//     touched and the entry is stored with a nil loan id.
//   - amount > 0 with a loan id repays that loan up to its remaining
//     amount; any excess reduces the general balance.
//   - amount > 0 without a loan id targets the oldest active loan
//     (FIFO); if none exists the whole amount reduces general debt.
//
// The customer's balance always moves by the full signed amount.
func (s *LedgerService) AllocateRepaymentTx(tx *sql.Tx, customerID int, amount decimal.Decimal, loanID *int, paymentMethod, description string, sessionID *int) (*AllocationResult, error) {
	if amount.IsZero() {
		return nil, Validationf("repayment amount must not be zero")
	}

	customer, err := s.lockCustomer(tx, customerID)
	if err != nil {
		return nil, err
	}

	result := &AllocationResult{
		LoanRepay:  decimal.Zero,
		ExtraRepay: decimal.Zero,
	}
	var remainingDelta decimal.Decimal
	var effectLoanID *int

	if amount.IsPositive() {
		var loan *models.Loan
		if loanID != nil {
			loan, err = s.lockLoan(tx, *loanID)
			if err != nil {
				return nil, err
			}
			if loan.CustomerID != customerID {
				return nil, Validationf("loan %d does not belong to customer %d", *loanID, customerID)
			}
		} else {
			loan, err = s.lockOldestActiveLoan(tx, customerID)
			if err != nil {
				return nil, err
			}
		}

		if loan != nil {
			loanRepay, extra := splitRepayment(amount, loan.RemainingAmount)
			result.LoanRepay = loanRepay
			result.ExtraRepay = extra

			newRemaining := loan.RemainingAmount.Sub(loanRepay)
			status := loan.Status
			if newRemaining.LessThanOrEqual(decimal.Zero) {
				newRemaining = decimal.Zero
				status = models.LoanRepaid
			}
			if err := s.updateLoan(tx, loan.ID, newRemaining, status, loan.Version); err != nil {
				return nil, err
			}

			id := loan.ID
			result.LoanID = &id
			effectLoanID = &id
			remainingDelta = loanRepay.Neg()
		} else {
			// No outstanding loan: the whole amount offsets general debt.
			result.ExtraRepay = amount
		}
	} else {
		// Refund: pure balance movement, never tied to a loan.
		result.ExtraRepay = amount
	}

	seq, err := s.nextSeq(tx, customerID)
	if err != nil {
		return nil, err
	}

	err = tx.QueryRow(`
		INSERT INTO repayments (customer_id, loan_id, amount, payment_method, description, session_id, seq, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING id`,
		customerID, result.LoanID, amount, paymentMethod, description, sessionID, seq).Scan(&result.RepaymentID)
	if err != nil {
		return nil, Internalf(err, "failed to insert repayment")
	}

	result.NewBalance = customer.Balance.Add(amount)
	if err := s.updateCustomerBalance(tx, customerID, result.NewBalance, customer.Version); err != nil {
		return nil, err
	}

	if sessionID != nil {
		if err := s.appendEffect(tx, *sessionID, models.SessionEffect{
			Kind:           models.EffectRepayment,
			EntryID:        result.RepaymentID,
			CustomerID:     &customerID,
			LoanID:         effectLoanID,
			BalanceDelta:   amount,
			RemainingDelta: remainingDelta,
		}); err != nil {
			return nil, err
		}
	}

	s.audit.LogRepayment(result.RepaymentID, customerID, amount, "ALLOCATED")
	return result, nil
}

// requireLatest rejects edits and deletes of any ledger entry that has
// been superseded; the tail of the ledger is the only mutable part.
func (s *LedgerService) requireLatest(tx *sql.Tx, customerID, seq int, sessionID *int) error {
	max, err := s.maxSeq(tx, customerID, sessionID)
	if err != nil {
		return err
	}
	if seq != max {
		return InvalidStatef("only the most recent ledger entry can be modified")
	}
	return nil
}

// DeleteLoanTx removes the customer's most recent ledger entry when it
// is the given loan, reversing its balance effect.
func (s *LedgerService) DeleteLoanTx(tx *sql.Tx, loanID int, scopeSessionID *int) error {
	loan, err := s.lockLoan(tx, loanID)
	if err != nil {
		return err
	}
	if err := s.requireLatest(tx, loan.CustomerID, loan.Seq, scopeSessionID); err != nil {
		return err
	}
	if !loan.RemainingAmount.Equal(loan.Amount) {
		return InvalidStatef("loan %d already has repayments and cannot be deleted", loanID)
	}

	customer, err := s.lockCustomer(tx, loan.CustomerID)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM loans WHERE id = $1`, loanID); err != nil {
		return Internalf(err, "failed to delete loan %d", loanID)
	}
	if err := s.updateCustomerBalance(tx, loan.CustomerID, customer.Balance.Add(loan.Amount), customer.Version); err != nil {
		return err
	}
	if loan.SessionID != nil {
		if _, err := tx.Exec(`DELETE FROM session_effects WHERE session_id = $1 AND kind = $2 AND entry_id = $3`,
			*loan.SessionID, models.EffectLoan, loanID); err != nil {
			return Internalf(err, "failed to drop effect log for loan %d", loanID)
		}
	}

	s.audit.LogLoan(loanID, loan.CustomerID, loan.Amount, "DELETED")
	return nil
}

// DeleteRepaymentTx removes the customer's most recent ledger entry
// when it is the given repayment, reversing its balance effect and
// restoring the referenced loan's remaining amount.
func (s *LedgerService) DeleteRepaymentTx(tx *sql.Tx, repaymentID int, scopeSessionID *int) error {
	var r models.Repayment
	err := tx.QueryRow(`
		SELECT id, customer_id, loan_id, amount, session_id, seq
		FROM repayments
		WHERE id = $1
		FOR UPDATE`, repaymentID).Scan(&r.ID, &r.CustomerID, &r.LoanID, &r.Amount, &r.SessionID, &r.Seq)
	if err == sql.ErrNoRows {
		return NotFoundf("repayment %d not found", repaymentID)
	}
	if err != nil {
		return Internalf(err, "failed to lock repayment %d", repaymentID)
	}
	if err := s.requireLatest(tx, r.CustomerID, r.Seq, scopeSessionID); err != nil {
		return err
	}

	customer, err := s.lockCustomer(tx, r.CustomerID)
	if err != nil {
		return err
	}

	var loan *models.Loan
	if r.LoanID != nil {
		loan, err = s.lockLoan(tx, *r.LoanID)
		if err != nil {
			return err
		}
	}

	if _, err := tx.Exec(`DELETE FROM repayments WHERE id = $1`, repaymentID); err != nil {
		return Internalf(err, "failed to delete repayment %d", repaymentID)
	}

	if loan != nil {
		// Recompute from the surviving repayments so the invariant
		// remaining == max(0, amount - sum(repayments)) holds even
		// when the deleted repayment had over-repaid the loan.
		repaid, err := s.sumLoanRepayments(tx, loan.ID)
		if err != nil {
			return err
		}
		remaining := loan.Amount.Sub(repaid)
		status := models.LoanActive
		if remaining.LessThanOrEqual(decimal.Zero) {
			remaining = decimal.Zero
			status = models.LoanRepaid
		}
		if loan.Status == models.LoanTransferred {
			status = models.LoanTransferred
		}
		if err := s.updateLoan(tx, loan.ID, remaining, status, loan.Version); err != nil {
			return err
		}
	}
	if err := s.updateCustomerBalance(tx, r.CustomerID, customer.Balance.Sub(r.Amount), customer.Version); err != nil {
		return err
	}
	if r.SessionID != nil {
		if _, err := tx.Exec(`DELETE FROM session_effects WHERE session_id = $1 AND kind = $2 AND entry_id = $3`,
			*r.SessionID, models.EffectRepayment, repaymentID); err != nil {
			return Internalf(err, "failed to drop effect log for repayment %d", repaymentID)
		}
	}

	s.audit.LogRepayment(repaymentID, r.CustomerID, r.Amount, "DELETED")
	return nil
}

// EditLoanTx changes a loan's amount. The balance moves by the delta
// first, then the remaining amount is recomputed from the post-edit
// figures: remaining = max(0, amount - sum of repayments).
func (s *LedgerService) EditLoanTx(tx *sql.Tx, loanID int, newAmount decimal.Decimal, paymentMethod string, scopeSessionID *int) error {
	if !newAmount.IsPositive() {
		return Validationf("loan amount must be positive")
	}
	loan, err := s.lockLoan(tx, loanID)
	if err != nil {
		return err
	}
	if err := s.requireLatest(tx, loan.CustomerID, loan.Seq, scopeSessionID); err != nil {
		return err
	}
	if loan.Status == models.LoanTransferred {
		return InvalidStatef("loan %d has been transferred and is frozen", loanID)
	}

	customer, err := s.lockCustomer(tx, loan.CustomerID)
	if err != nil {
		return err
	}

	// A bigger loan means more debt: balance moves opposite the delta.
	delta := newAmount.Sub(loan.Amount)
	if err := s.updateCustomerBalance(tx, loan.CustomerID, customer.Balance.Sub(delta), customer.Version); err != nil {
		return err
	}

	repaid, err := s.sumLoanRepayments(tx, loanID)
	if err != nil {
		return err
	}
	remaining := newAmount.Sub(repaid)
	status := models.LoanActive
	if remaining.LessThanOrEqual(decimal.Zero) {
		remaining = decimal.Zero
		status = models.LoanRepaid
	}

	result, err := tx.Exec(`
		UPDATE loans
		SET amount = $1, remaining_amount = $2, status = $3, payment_method = COALESCE(NULLIF($4, ''), payment_method), version = version + 1, updated_at = NOW()
		WHERE id = $5 AND version = $6`,
		newAmount, remaining, string(status), paymentMethod, loanID, loan.Version)
	if err != nil {
		return Internalf(err, "failed to update loan %d", loanID)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return Internalf(err, "failed to update loan %d", loanID)
	}
	if rows == 0 {
		return Conflictf("loan %d was modified concurrently", loanID)
	}

	if loan.SessionID != nil {
		loanIDCopy := loanID
		if err := s.appendEffect(tx, *loan.SessionID, models.SessionEffect{
			Kind:         models.EffectLoan,
			EntryID:      loanID,
			CustomerID:   &loan.CustomerID,
			LoanID:       &loanIDCopy,
			BalanceDelta: delta.Neg(),
		}); err != nil {
			return err
		}
	}

	s.audit.LogLoan(loanID, loan.CustomerID, newAmount, "EDITED")
	return nil
}

// EditRepaymentTx changes a repayment's amount, moving the balance by
// the delta and recomputing the referenced loan's remaining amount
// from the post-edit repayment values.
func (s *LedgerService) EditRepaymentTx(tx *sql.Tx, repaymentID int, newAmount decimal.Decimal, paymentMethod string, scopeSessionID *int) error {
	if newAmount.IsZero() {
		return Validationf("repayment amount must not be zero")
	}
	var r models.Repayment
	err := tx.QueryRow(`
		SELECT id, customer_id, loan_id, amount, session_id, seq
		FROM repayments
		WHERE id = $1
		FOR UPDATE`, repaymentID).Scan(&r.ID, &r.CustomerID, &r.LoanID, &r.Amount, &r.SessionID, &r.Seq)
	if err == sql.ErrNoRows {
		return NotFoundf("repayment %d not found", repaymentID)
	}
	if err != nil {
		return Internalf(err, "failed to lock repayment %d", repaymentID)
	}
	if err := s.requireLatest(tx, r.CustomerID, r.Seq, scopeSessionID); err != nil {
		return err
	}

	customer, err := s.lockCustomer(tx, r.CustomerID)
	if err != nil {
		return err
	}

	delta := newAmount.Sub(r.Amount)
	if err := s.updateCustomerBalance(tx, r.CustomerID, customer.Balance.Add(delta), customer.Version); err != nil {
		return err
	}

	if _, err := tx.Exec(`
		UPDATE repayments
		SET amount = $1, payment_method = COALESCE(NULLIF($2, ''), payment_method)
		WHERE id = $3`,
		newAmount, paymentMethod, repaymentID); err != nil {
		return Internalf(err, "failed to update repayment %d", repaymentID)
	}

	if r.LoanID != nil {
		loan, err := s.lockLoan(tx, *r.LoanID)
		if err != nil {
			return err
		}
		repaid, err := s.sumLoanRepayments(tx, loan.ID)
		if err != nil {
			return err
		}
		remaining := loan.Amount.Sub(repaid)
		status := models.LoanActive
		if remaining.LessThanOrEqual(decimal.Zero) {
			remaining = decimal.Zero
			status = models.LoanRepaid
		}
		if loan.Status == models.LoanTransferred {
			status = models.LoanTransferred
		}
		if err := s.updateLoan(tx, loan.ID, remaining, status, loan.Version); err != nil {
			return err
		}
	}

	if r.SessionID != nil {
		if err := s.appendEffect(tx, *r.SessionID, models.SessionEffect{
			Kind:         models.EffectRepayment,
			EntryID:      repaymentID,
			CustomerID:   &r.CustomerID,
			LoanID:       r.LoanID,
			BalanceDelta: delta,
		}); err != nil {
			return err
		}
	}

	s.audit.LogRepayment(repaymentID, r.CustomerID, newAmount, "EDITED")
	return nil
}

// sumLoanRepayments totals every repayment referencing the loan. The
// sum can exceed the loan amount: an over-repayment stores its full
// value on the row while only the loan's share reduced remaining.
func (s *LedgerService) sumLoanRepayments(tx *sql.Tx, loanID int) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := tx.QueryRow(`SELECT COALESCE(SUM(amount), 0) FROM repayments WHERE loan_id = $1`, loanID).Scan(&sum)
	if err != nil {
		return decimal.Zero, Internalf(err, "failed to sum repayments for loan %d", loanID)
	}
	return sum, nil
}

// appendEffect writes one row of the session's compensating log.
func (s *LedgerService) appendEffect(tx *sql.Tx, sessionID int, e models.SessionEffect) error {
	_, err := tx.Exec(`
		INSERT INTO session_effects (session_id, kind, entry_id, customer_id, loan_id, product_id, balance_delta, remaining_delta, stock_delta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())`,
		sessionID, e.Kind, e.EntryID, e.CustomerID, e.LoanID, e.ProductID, e.BalanceDelta, e.RemainingDelta, e.StockDelta)
	if err != nil {
		return Internalf(err, "failed to append session effect")
	}
	return nil
}
