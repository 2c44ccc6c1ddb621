package services

import (
	"encoding/json"
	"log"
	"time"

	"github.com/shopspring/decimal"
)

// AuditEvent is one structured line in the money-movement audit trail.
type AuditEvent struct {
	Timestamp  time.Time       `json:"timestamp"`
	EventType  string          `json:"event_type"`
	EntityID   int             `json:"entity_id"`
	CustomerID int             `json:"customer_id,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	Status     string          `json:"status"`
	Details    any             `json:"details,omitempty"`
}

// AuditLogger emits JSON audit events for every balance mutation.
type AuditLogger struct{}

func NewAuditLogger() *AuditLogger {
	return &AuditLogger{}
}

func (a *AuditLogger) LogLoan(loanID, customerID int, amount decimal.Decimal, status string) {
	a.log(AuditEvent{
		Timestamp:  time.Now(),
		EventType:  "LOAN",
		EntityID:   loanID,
		CustomerID: customerID,
		Amount:     amount,
		Status:     status,
	})
}

func (a *AuditLogger) LogRepayment(repaymentID, customerID int, amount decimal.Decimal, status string) {
	a.log(AuditEvent{
		Timestamp:  time.Now(),
		EventType:  "REPAYMENT",
		EntityID:   repaymentID,
		CustomerID: customerID,
		Amount:     amount,
		Status:     status,
	})
}

func (a *AuditLogger) LogTransfer(transferID, fromCustomerID, toCustomerID int, amount decimal.Decimal, status string) {
	a.log(AuditEvent{
		Timestamp: time.Now(),
		EventType: "DEBT_TRANSFER",
		EntityID:  transferID,
		Amount:    amount,
		Status:    status,
		Details: map[string]int{
			"from_customer": fromCustomerID,
			"to_customer":   toCustomerID,
		},
	})
}

func (a *AuditLogger) LogSession(sessionID int, status string, details any) {
	a.log(AuditEvent{
		Timestamp: time.Now(),
		EventType: "SESSION",
		EntityID:  sessionID,
		Amount:    decimal.Zero,
		Status:    status,
		Details:   details,
	})
}

func (a *AuditLogger) LogError(entityID int, operation string, err error) {
	a.log(AuditEvent{
		Timestamp: time.Now(),
		EventType: operation,
		EntityID:  entityID,
		Amount:    decimal.Zero,
		Status:    "FAILED",
		Details:   map[string]string{"error": err.Error()},
	})
}

func (a *AuditLogger) log(event AuditEvent) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
