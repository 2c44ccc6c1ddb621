package database

import (
	"database/sql"
	"fmt"
	"log"
)

// migrations is the embedded, ordered DDL. Each entry runs once; the
// applied set is tracked in schema_migrations by name.
var migrations = []struct {
	Name string
	SQL  string
}{
	{"001_customers", `
		CREATE TABLE IF NOT EXISTS customers (
			id SERIAL PRIMARY KEY,
			name VARCHAR(100) NOT NULL,
			phone VARCHAR(20) NOT NULL DEFAULT '',
			initial_balance NUMERIC(10,2) NOT NULL DEFAULT 0,
			balance NUMERIC(10,2) NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 1,
			is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
			deleted_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
	{"002_rooms", `
		CREATE TABLE IF NOT EXISTS rooms (
			id SERIAL PRIMARY KEY,
			name VARCHAR(100) NOT NULL UNIQUE,
			status VARCHAR(20) NOT NULL DEFAULT 'idle',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
	{"003_sessions", `
		CREATE TABLE IF NOT EXISTS sessions (
			id SERIAL PRIMARY KEY,
			room_id INTEGER NOT NULL REFERENCES rooms(id),
			start_time TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			end_time TIMESTAMPTZ,
			status VARCHAR(20) NOT NULL DEFAULT 'in_progress',
			table_fee NUMERIC(10,2) NOT NULL DEFAULT 0,
			table_fee_payment_method VARCHAR(20) NOT NULL DEFAULT 'cash',
			total_revenue NUMERIC(10,2) NOT NULL DEFAULT 0,
			total_cost NUMERIC(10,2) NOT NULL DEFAULT 0,
			total_profit NUMERIC(10,2) NOT NULL DEFAULT 0,
			deleted_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
	{"004_loans", `
		CREATE TABLE IF NOT EXISTS loans (
			id SERIAL PRIMARY KEY,
			customer_id INTEGER NOT NULL REFERENCES customers(id),
			amount NUMERIC(10,2) NOT NULL,
			remaining_amount NUMERIC(10,2) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'active',
			payment_method VARCHAR(20) NOT NULL DEFAULT 'cash',
			description TEXT NOT NULL DEFAULT '',
			session_id INTEGER REFERENCES sessions(id),
			transfer_from_id INTEGER REFERENCES loans(id),
			seq INTEGER NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
	{"005_repayments", `
		CREATE TABLE IF NOT EXISTS repayments (
			id SERIAL PRIMARY KEY,
			customer_id INTEGER NOT NULL REFERENCES customers(id),
			loan_id INTEGER REFERENCES loans(id),
			amount NUMERIC(10,2) NOT NULL,
			payment_method VARCHAR(20) NOT NULL DEFAULT 'cash',
			description TEXT NOT NULL DEFAULT '',
			session_id INTEGER REFERENCES sessions(id),
			seq INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
	{"006_transfers", `
		CREATE TABLE IF NOT EXISTS transfers (
			id SERIAL PRIMARY KEY,
			from_customer_id INTEGER NOT NULL REFERENCES customers(id),
			to_customer_id INTEGER NOT NULL REFERENCES customers(id),
			amount NUMERIC(10,2) NOT NULL,
			original_loan_id INTEGER NOT NULL REFERENCES loans(id),
			new_loan_id INTEGER REFERENCES loans(id),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
	{"007_session_customers", `
		CREATE TABLE IF NOT EXISTS session_customers (
			id SERIAL PRIMARY KEY,
			session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			customer_id INTEGER NOT NULL REFERENCES customers(id),
			joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			left_at TIMESTAMPTZ,
			UNIQUE (session_id, customer_id)
		)`},
	{"008_products", `
		CREATE TABLE IF NOT EXISTS products (
			id SERIAL PRIMARY KEY,
			name VARCHAR(100) NOT NULL,
			unit VARCHAR(20) NOT NULL DEFAULT '',
			price NUMERIC(10,2) NOT NULL DEFAULT 0,
			cost_price NUMERIC(10,2) NOT NULL DEFAULT 0,
			stock INTEGER NOT NULL DEFAULT 0,
			product_type VARCHAR(20) NOT NULL DEFAULT 'normal',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
	{"009_consumptions", `
		CREATE TABLE IF NOT EXISTS consumptions (
			id SERIAL PRIMARY KEY,
			session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			customer_id INTEGER REFERENCES customers(id),
			product_id INTEGER NOT NULL REFERENCES products(id),
			quantity INTEGER NOT NULL,
			unit_price NUMERIC(10,2) NOT NULL,
			total_price NUMERIC(10,2) NOT NULL,
			cost_price NUMERIC(10,2) NOT NULL DEFAULT 0,
			total_cost NUMERIC(10,2) NOT NULL DEFAULT 0,
			payment_method VARCHAR(20) NOT NULL DEFAULT 'cash',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
	{"010_meal_records", `
		CREATE TABLE IF NOT EXISTS meal_records (
			id SERIAL PRIMARY KEY,
			session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			customer_id INTEGER REFERENCES customers(id),
			product_id INTEGER NOT NULL REFERENCES products(id),
			amount NUMERIC(10,2) NOT NULL,
			cost_price NUMERIC(10,2) NOT NULL,
			payment_method VARCHAR(20) NOT NULL DEFAULT 'cash',
			description TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
	{"011_session_results", `
		CREATE TABLE IF NOT EXISTS session_results (
			id SERIAL PRIMARY KEY,
			session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			customer_id INTEGER NOT NULL REFERENCES customers(id),
			net_win_loss NUMERIC(10,2) NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
	{"012_room_moves", `
		CREATE TABLE IF NOT EXISTS room_moves (
			id SERIAL PRIMARY KEY,
			session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			from_room_id INTEGER NOT NULL REFERENCES rooms(id),
			to_room_id INTEGER NOT NULL REFERENCES rooms(id),
			moved_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
	{"013_session_effects", `
		CREATE TABLE IF NOT EXISTS session_effects (
			id SERIAL PRIMARY KEY,
			session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			kind VARCHAR(20) NOT NULL,
			entry_id INTEGER NOT NULL,
			customer_id INTEGER,
			loan_id INTEGER,
			product_id INTEGER,
			balance_delta NUMERIC(10,2) NOT NULL DEFAULT 0,
			remaining_delta NUMERIC(10,2) NOT NULL DEFAULT 0,
			stock_delta INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
	{"014_other_incomes", `
		CREATE TABLE IF NOT EXISTS other_incomes (
			id SERIAL PRIMARY KEY,
			name VARCHAR(100) NOT NULL,
			amount NUMERIC(10,2) NOT NULL,
			payment_method VARCHAR(20) NOT NULL DEFAULT 'cash',
			description TEXT NOT NULL DEFAULT '',
			income_date TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
	{"015_other_expenses", `
		CREATE TABLE IF NOT EXISTS other_expenses (
			id SERIAL PRIMARY KEY,
			name VARCHAR(100) NOT NULL,
			amount NUMERIC(10,2) NOT NULL,
			payment_method VARCHAR(20) NOT NULL DEFAULT 'cash',
			description TEXT NOT NULL DEFAULT '',
			expense_date TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
	{"016_cash_transfers", `
		CREATE TABLE IF NOT EXISTS cash_transfers (
			id SERIAL PRIMARY KEY,
			transfer_type VARCHAR(20) NOT NULL,
			amount NUMERIC(10,2) NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			transfer_date TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
	{"017_system_configs", `
		CREATE TABLE IF NOT EXISTS system_configs (
			id SERIAL PRIMARY KEY,
			key VARCHAR(50) NOT NULL UNIQUE,
			value TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
	{"018_users", `
		CREATE TABLE IF NOT EXISTS users (
			id SERIAL PRIMARY KEY,
			username VARCHAR(50) NOT NULL,
			password_hash TEXT NOT NULL,
			role VARCHAR(20) NOT NULL DEFAULT 'operator',
			is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
			last_login TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
	{"019_operation_logs", `
		CREATE TABLE IF NOT EXISTS operation_logs (
			id SERIAL PRIMARY KEY,
			request_id VARCHAR(64) NOT NULL,
			username VARCHAR(50) NOT NULL DEFAULT '',
			method VARCHAR(10) NOT NULL,
			path TEXT NOT NULL,
			status_code INTEGER NOT NULL,
			duration_ms BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
	{"020_suppliers", `
		CREATE TABLE IF NOT EXISTS suppliers (
			id SERIAL PRIMARY KEY,
			name VARCHAR(100) NOT NULL UNIQUE,
			contact VARCHAR(50) NOT NULL DEFAULT '',
			phone VARCHAR(20) NOT NULL DEFAULT '',
			address VARCHAR(200) NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
	{"021_purchases", `
		CREATE TABLE IF NOT EXISTS purchases (
			id SERIAL PRIMARY KEY,
			supplier_id INTEGER NOT NULL REFERENCES suppliers(id),
			total_amount NUMERIC(10,2) NOT NULL DEFAULT 0,
			notes TEXT NOT NULL DEFAULT '',
			purchase_date TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS purchase_items (
			id SERIAL PRIMARY KEY,
			purchase_id INTEGER NOT NULL REFERENCES purchases(id) ON DELETE CASCADE,
			product_id INTEGER NOT NULL REFERENCES products(id),
			quantity INTEGER NOT NULL,
			unit_price NUMERIC(10,2) NOT NULL,
			total_price NUMERIC(10,2) NOT NULL
		)`},
	{"022_indexes", `
		CREATE INDEX IF NOT EXISTS idx_loans_customer ON loans(customer_id, status);
		CREATE INDEX IF NOT EXISTS idx_repayments_customer ON repayments(customer_id);
		CREATE INDEX IF NOT EXISTS idx_repayments_loan ON repayments(loan_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_room ON sessions(room_id, status);
		CREATE INDEX IF NOT EXISTS idx_effects_session ON session_effects(session_id, id);
		CREATE INDEX IF NOT EXISTS idx_purchases_supplier ON purchases(supplier_id);
		CREATE INDEX IF NOT EXISTS idx_purchase_items_product ON purchase_items(product_id);
		-- Soft-deleted customers release their name for reuse.
		ALTER TABLE customers DROP CONSTRAINT IF EXISTS customers_name_key;
		CREATE UNIQUE INDEX IF NOT EXISTS uniq_customers_name_live
			ON customers(name) WHERE is_deleted = FALSE;
		ALTER TABLE users DROP CONSTRAINT IF EXISTS users_username_key;
		CREATE UNIQUE INDEX IF NOT EXISTS uniq_users_username_live
			ON users(username) WHERE is_deleted = FALSE`},
}

// ApplyMigrations runs every pending DDL entry in order. A one-table
// tracker keeps this idempotent; heavier tooling is overkill for an
// embedded schema.
func ApplyMigrations(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("failed to create migration tracker: %w", err)
	}

	for _, m := range migrations {
		var applied bool
		err := db.QueryRow(`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)`, m.Name).Scan(&applied)
		if err != nil {
			return fmt.Errorf("failed to check migration %s: %w", m.Name, err)
		}
		if applied {
			continue
		}
		if _, err := db.Exec(m.SQL); err != nil {
			return fmt.Errorf("migration %s failed: %w", m.Name, err)
		}
		if _, err := db.Exec(`INSERT INTO schema_migrations (name) VALUES ($1)`, m.Name); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", m.Name, err)
		}
		log.Printf("[DB] Applied migration %s", m.Name)
	}
	return nil
}
