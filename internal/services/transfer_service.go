package services

import (
	"database/sql"
	"log"

	"github.com/parlorbooks/backend/internal/models"
	"github.com/shopspring/decimal"
)

// TransferService moves outstanding debt from one customer to another.
type TransferService struct {
	db     *sql.DB
	ledger *LedgerService
	audit  *AuditLogger
}

func NewTransferService(db *sql.DB, ledger *LedgerService) *TransferService {
	return &TransferService{db: db, ledger: ledger, audit: NewAuditLogger()}
}

// TransferDebt re-homes part of the source customer's oldest active
// loan onto the destination customer. The original loan is frozen as
// transferred with its remaining amount reduced; a new loan for the
// transferred amount opens on the destination, linked both ways
// through the transfer record. Net debt across both customers is
// unchanged.
func (s *TransferService) TransferDebt(fromCustomerID, toCustomerID int, amount decimal.Decimal, description string) (*models.Transfer, error) {
	if fromCustomerID == toCustomerID {
		return nil, Validationf("cannot transfer debt to the same customer")
	}
	if !amount.IsPositive() {
		return nil, Validationf("transfer amount must be positive")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, Internalf(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	// Lock both customers in ascending id order to avoid deadlock.
	firstID, secondID := fromCustomerID, toCustomerID
	if secondID < firstID {
		firstID, secondID = secondID, firstID
	}
	first, err := s.ledger.lockCustomer(tx, firstID)
	if err != nil {
		return nil, err
	}
	second, err := s.ledger.lockCustomer(tx, secondID)
	if err != nil {
		return nil, err
	}
	from, to := first, second
	if from.ID != fromCustomerID {
		from, to = second, first
	}

	if !from.Balance.IsNegative() {
		return nil, InvalidStatef("customer %d has no outstanding debt", fromCustomerID)
	}
	if from.Balance.Neg().LessThan(amount) {
		return nil, Conflictf("customer %d owes less than the transfer amount", fromCustomerID)
	}

	loan, err := s.ledger.lockOldestActiveLoan(tx, fromCustomerID)
	if err != nil {
		return nil, err
	}
	if loan == nil {
		return nil, Conflictf("customer %d has no active loan to transfer", fromCustomerID)
	}
	if loan.RemainingAmount.LessThan(amount) {
		return nil, Conflictf("oldest active loan of customer %d covers only %s", fromCustomerID, loan.RemainingAmount.String())
	}

	// Freeze the source loan first. Any remainder beyond the
	// transferred amount stays on the frozen loan for the records; it
	// no longer participates in FIFO allocation.
	if err := s.ledger.updateLoan(tx, loan.ID, loan.RemainingAmount.Sub(amount), models.LoanTransferred, loan.Version); err != nil {
		return nil, err
	}

	transfer := &models.Transfer{
		FromCustomerID: fromCustomerID,
		ToCustomerID:   toCustomerID,
		Amount:         amount,
		OriginalLoanID: loan.ID,
	}
	err = tx.QueryRow(`
		INSERT INTO transfers (from_customer_id, to_customer_id, amount, original_loan_id, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING id`,
		fromCustomerID, toCustomerID, amount, loan.ID).Scan(&transfer.ID)
	if err != nil {
		return nil, Internalf(err, "failed to insert transfer")
	}

	toSeq, err := s.ledger.nextSeq(tx, toCustomerID)
	if err != nil {
		return nil, err
	}
	var newLoanID int
	err = tx.QueryRow(`
		INSERT INTO loans (customer_id, amount, remaining_amount, status, payment_method, description, transfer_from_id, seq, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		RETURNING id`,
		toCustomerID, amount, amount, string(models.LoanActive), models.PayTransfer, description, loan.ID, toSeq).Scan(&newLoanID)
	if err != nil {
		return nil, Internalf(err, "failed to insert destination loan")
	}
	transfer.NewLoanID = &newLoanID

	if _, err := tx.Exec(`UPDATE transfers SET new_loan_id = $1 WHERE id = $2`, newLoanID, transfer.ID); err != nil {
		return nil, Internalf(err, "failed to link destination loan")
	}

	if err := s.ledger.updateCustomerBalance(tx, from.ID, from.Balance.Add(amount), from.Version); err != nil {
		return nil, err
	}
	if err := s.ledger.updateCustomerBalance(tx, to.ID, to.Balance.Sub(amount), to.Version); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, Internalf(err, "failed to commit transfer")
	}

	log.Printf("[TRANSFER] Moved %s of debt from customer %d to customer %d (loan %d -> %d)",
		amount.String(), fromCustomerID, toCustomerID, loan.ID, newLoanID)
	s.audit.LogTransfer(transfer.ID, fromCustomerID, toCustomerID, amount, "COMPLETED")
	return transfer, nil
}

// ListTransfers returns transfer history, newest first.
func (s *TransferService) ListTransfers(limit, offset int) ([]models.Transfer, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, from_customer_id, to_customer_id, amount, original_loan_id, new_loan_id, created_at
		FROM transfers
		ORDER BY id DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, Internalf(err, "failed to list transfers")
	}
	defer rows.Close()

	var out []models.Transfer
	for rows.Next() {
		var t models.Transfer
		if err := rows.Scan(&t.ID, &t.FromCustomerID, &t.ToCustomerID, &t.Amount, &t.OriginalLoanID, &t.NewLoanID, &t.CreatedAt); err != nil {
			return nil, Internalf(err, "failed to scan transfer")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
