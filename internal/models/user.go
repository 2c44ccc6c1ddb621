package models

import "time"

// User is an operator account.
type User struct {
	ID           int        `json:"id" db:"id"`
	Username     string     `json:"username" db:"username"`
	PasswordHash string     `json:"-" db:"password_hash"`
	Role         string     `json:"role" db:"role"`
	IsDeleted    bool       `json:"-" db:"is_deleted"`
	LastLogin    *time.Time `json:"last_login,omitempty" db:"last_login"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// OperationLog is one audited request, written by the audit middleware.
type OperationLog struct {
	ID         int       `json:"id" db:"id"`
	RequestID  string    `json:"request_id" db:"request_id"`
	Username   string    `json:"username" db:"username"`
	Method     string    `json:"method" db:"method"`
	Path       string    `json:"path" db:"path"`
	StatusCode int       `json:"status_code" db:"status_code"`
	DurationMS int64     `json:"duration_ms" db:"duration_ms"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
