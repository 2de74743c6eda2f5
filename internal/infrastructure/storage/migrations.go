package storage

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// Migration represents a database schema migration
type Migration struct {
	Version int
	Name    string
	Up      func(*sql.Tx) error
}

// allMigrations defines all migrations in order
var allMigrations = []Migration{
	{
		Version: 1,
		Name:    "initial_schema",
		Up:      migration001InitialSchema,
	},
	{
		Version: 2,
		Name:    "add_suggestion_review_index",
		Up:      migration002AddSuggestionReviewIndex,
	},
	{
		Version: 3,
		Name:    "add_connection_error_tracking",
		Up:      migration003AddConnectionErrorTracking,
	},
}

// runMigrations executes all pending migrations
func (s *Storage) runMigrations() error {
	if err := s.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	for _, migration := range allMigrations {
		if applied[migration.Version] {
			continue
		}

		slog.Info("running migration", "version", migration.Version, "name", migration.Name)

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", migration.Version, err)
		}

		if err := migration.Up(tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", migration.Version, migration.Name, err)
		}

		_, err = tx.Exec(`
			INSERT INTO schema_migrations (version, name) VALUES (?, ?)
		`, migration.Version, migration.Name)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

// ensureMigrationsTable creates the schema_migrations table
func (s *Storage) ensureMigrationsTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	_, err := s.db.Exec(query)
	return err
}

// getAppliedMigrations returns a set of applied migration versions
func (s *Storage) getAppliedMigrations() (map[int]bool, error) {
	applied := make(map[int]bool)

	rows, err := s.db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}

	return applied, rows.Err()
}

// ================================================================
// MIGRATION FUNCTIONS
// ================================================================

// migration001InitialSchema creates connections, transactions and
// suggestions. Amounts are stored as TEXT to keep fixed-point exactness.
func migration001InitialSchema(tx *sql.Tx) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS bank_connections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			provider TEXT NOT NULL,
			reference TEXT NOT NULL UNIQUE,
			institution_id TEXT NOT NULL DEFAULT '',
			organizer TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			consent_expires_at TIMESTAMP,
			sync_count_date TEXT NOT NULL DEFAULT '',
			syncs_today INTEGER NOT NULL DEFAULT 0,
			last_synced_at TIMESTAMP,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS bank_transactions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			connection_id INTEGER NOT NULL REFERENCES bank_connections(id),
			transaction_id TEXT NOT NULL UNIQUE,
			account_id TEXT NOT NULL DEFAULT '',
			amount TEXT NOT NULL,
			currency TEXT NOT NULL,
			value_date TIMESTAMP NOT NULL,
			booking_date TIMESTAMP,
			remittance_unstructured TEXT NOT NULL DEFAULT '',
			remittance_structured TEXT NOT NULL DEFAULT '',
			reference TEXT NOT NULL DEFAULT '',
			debtor_name TEXT NOT NULL DEFAULT '',
			debtor_iban TEXT NOT NULL DEFAULT '',
			creditor_name TEXT NOT NULL DEFAULT '',
			creditor_iban TEXT NOT NULL DEFAULT '',
			raw_data TEXT,
			state TEXT NOT NULL DEFAULT 'unchecked',
			order_code TEXT NOT NULL DEFAULT '',
			payment_id INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			is_partial_payment INTEGER NOT NULL DEFAULT 0,
			payment_group_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_transactions_state
			ON bank_transactions(state)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_connection
			ON bank_transactions(connection_id)`,

		`CREATE TABLE IF NOT EXISTS match_suggestions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			transaction_id INTEGER NOT NULL REFERENCES bank_transactions(id),
			order_code TEXT NOT NULL,
			match_type TEXT NOT NULL,
			confidence REAL NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			amount_match INTEGER NOT NULL DEFAULT 0,
			amount_difference TEXT NOT NULL DEFAULT '0',
			is_multi_order INTEGER NOT NULL DEFAULT 0,
			related_orders TEXT NOT NULL DEFAULT '[]',
			approved INTEGER,
			reviewed_by TEXT NOT NULL DEFAULT '',
			reviewed_at TIMESTAMP,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_suggestions_transaction
			ON match_suggestions(transaction_id)`,
	}

	for _, q := range queries {
		if _, err := tx.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

// migration002AddSuggestionReviewIndex speeds up the pending-review queries.
func migration002AddSuggestionReviewIndex(tx *sql.Tx) error {
	_, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_suggestions_pending
		ON match_suggestions(transaction_id) WHERE approved IS NULL`)
	return err
}

// migration003AddConnectionErrorTracking records the last sync failure per
// connection so operators can see why a connection stopped producing data.
func migration003AddConnectionErrorTracking(tx *sql.Tx) error {
	queries := []string{
		`ALTER TABLE bank_connections ADD COLUMN last_error TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE bank_connections ADD COLUMN last_error_at TIMESTAMP`,
	}
	for _, q := range queries {
		if _, err := tx.Exec(q); err != nil {
			return err
		}
	}
	return nil
}
