// Package storage persists bank connections, transactions and match
// suggestions in SQLite.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"banksync-backend/internal/domain/bank"
)

// Storage provides SQLite database access. It implements Repository.
type Storage struct {
	db *sql.DB
}

// Compile-time check that Storage implements Repository
var _ Repository = (*Storage)(nil)

// NewStorage opens (creating if needed) the SQLite database at dbPath and
// runs all pending migrations.
func NewStorage(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Storage{db: db}

	if err := s.runMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for packages that share the database file.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// ----------------------------------------------------------------
// Connections
// ----------------------------------------------------------------

// SaveConnection inserts a new connection or updates an existing one.
func (s *Storage) SaveConnection(ctx context.Context, c *bank.Connection) error {
	if c.ID == 0 {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO bank_connections
			(provider, reference, institution_id, organizer, status,
			 consent_expires_at, sync_count_date, syncs_today, last_synced_at,
			 last_error, last_error_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, c.Provider, c.Reference, c.InstitutionID, c.Organizer, c.Status,
			c.ConsentExpiresAt, c.SyncCountDate, c.SyncsToday, c.LastSyncedAt,
			c.LastError, c.LastErrorAt)
		if err != nil {
			return err
		}
		c.ID, err = res.LastInsertId()
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE bank_connections
		SET provider = ?, reference = ?, institution_id = ?, organizer = ?,
		    status = ?, consent_expires_at = ?, sync_count_date = ?,
		    syncs_today = ?, last_synced_at = ?, last_error = ?,
		    last_error_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, c.Provider, c.Reference, c.InstitutionID, c.Organizer, c.Status,
		c.ConsentExpiresAt, c.SyncCountDate, c.SyncsToday, c.LastSyncedAt,
		c.LastError, c.LastErrorAt, c.ID)
	return err
}

// GetConnection retrieves one connection by id.
func (s *Storage) GetConnection(ctx context.Context, id int64) (*bank.Connection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, provider, reference, institution_id, organizer, status,
		       consent_expires_at, sync_count_date, syncs_today, last_synced_at,
		       last_error, last_error_at, created_at, updated_at
		FROM bank_connections WHERE id = ?
	`, id)
	return scanConnection(row)
}

// ListConnections returns all connections, newest first.
func (s *Storage) ListConnections(ctx context.Context) ([]bank.Connection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider, reference, institution_id, organizer, status,
		       consent_expires_at, sync_count_date, syncs_today, last_synced_at,
		       last_error, last_error_at, created_at, updated_at
		FROM bank_connections ORDER BY id DESC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []bank.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (*bank.Connection, error) {
	var c bank.Connection
	var consent, lastSynced, lastError sql.NullTime
	err := row.Scan(&c.ID, &c.Provider, &c.Reference, &c.InstitutionID,
		&c.Organizer, &c.Status, &consent, &c.SyncCountDate, &c.SyncsToday,
		&lastSynced, &c.LastError, &lastError, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if consent.Valid {
		c.ConsentExpiresAt = &consent.Time
	}
	if lastSynced.Valid {
		c.LastSyncedAt = &lastSynced.Time
	}
	if lastError.Valid {
		c.LastErrorAt = &lastError.Time
	}
	return &c, nil
}

// ----------------------------------------------------------------
// Transactions
// ----------------------------------------------------------------

// InsertTransaction stores a newly ingested transaction. Duplicate external
// ids are ignored and reported via the bool return.
func (s *Storage) InsertTransaction(ctx context.Context, t *bank.Transaction) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO bank_transactions
		(connection_id, transaction_id, account_id, amount, currency,
		 value_date, booking_date, remittance_unstructured, remittance_structured,
		 reference, debtor_name, debtor_iban, creditor_name, creditor_iban,
		 raw_data, state, order_code, payment_id, error_message,
		 is_partial_payment, payment_group_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ConnectionID, t.TransactionID, t.AccountID, t.Amount.String(), t.Currency,
		t.Date, t.BookingDate, t.RemittanceUnstructured, t.RemittanceStructured,
		t.Reference, t.DebtorName, t.DebtorIBAN, t.CreditorName, t.CreditorIBAN,
		nullableJSON(t.RawData), t.State, t.OrderCode, t.PaymentID, t.ErrorMessage,
		t.IsPartialPayment, t.PaymentGroupID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	t.ID, err = res.LastInsertId()
	return true, err
}

const transactionColumns = `
	id, connection_id, transaction_id, account_id, amount, currency,
	value_date, booking_date, remittance_unstructured, remittance_structured,
	reference, debtor_name, debtor_iban, creditor_name, creditor_iban,
	raw_data, state, order_code, payment_id, error_message,
	is_partial_payment, payment_group_id, created_at, updated_at`

// GetTransaction retrieves one transaction by id.
func (s *Storage) GetTransaction(ctx context.Context, id int64) (*bank.Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM bank_transactions WHERE id = ?`, id)
	return scanTransaction(row)
}

// ListTransactions returns transactions filtered by connection and/or state,
// newest value date first. Zero values disable the respective filter.
func (s *Storage) ListTransactions(ctx context.Context, connectionID int64, state bank.TransactionState, limit int) ([]bank.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM bank_transactions WHERE 1=1`
	args := []any{}
	if connectionID != 0 {
		query += ` AND connection_id = ?`
		args = append(args, connectionID)
	}
	if state != "" {
		query += ` AND state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY value_date DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []bank.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ListTransactionsByState returns transactions in the given state across all
// connections, oldest first so re-matching works through the backlog in order.
func (s *Storage) ListTransactionsByState(ctx context.Context, state bank.TransactionState, limit int) ([]bank.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM bank_transactions
		WHERE state = ? ORDER BY id ASC`
	args := []any{state}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []bank.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// UpdateTransactionMatch persists the matching-owned fields.
func (s *Storage) UpdateTransactionMatch(ctx context.Context, t *bank.Transaction) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE bank_transactions
		SET state = ?, order_code = ?, payment_id = ?, error_message = ?,
		    is_partial_payment = ?, payment_group_id = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, t.State, t.OrderCode, t.PaymentID, t.ErrorMessage,
		t.IsPartialPayment, t.PaymentGroupID, t.ID)
	return err
}

// TransactionStats returns aggregate counts for dashboards.
func (s *Storage) TransactionStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByState: make(map[bank.TransactionState]int)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT state, COUNT(*) FROM bank_transactions GROUP BY state
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var state bank.TransactionState
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		stats.ByState[state] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	stats.PendingReview = stats.ByState[bank.StatePendingApproval]

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM bank_transactions
		WHERE state = 'matched' AND updated_at > datetime('now', '-30 days')
	`).Scan(&stats.MatchedLast30d)
	if err != nil {
		return nil, err
	}

	return stats, nil
}

func scanTransaction(row rowScanner) (*bank.Transaction, error) {
	var t bank.Transaction
	var amount string
	var booking sql.NullTime
	var raw sql.NullString
	err := row.Scan(&t.ID, &t.ConnectionID, &t.TransactionID, &t.AccountID,
		&amount, &t.Currency, &t.Date, &booking,
		&t.RemittanceUnstructured, &t.RemittanceStructured, &t.Reference,
		&t.DebtorName, &t.DebtorIBAN, &t.CreditorName, &t.CreditorIBAN,
		&raw, &t.State, &t.OrderCode, &t.PaymentID, &t.ErrorMessage,
		&t.IsPartialPayment, &t.PaymentGroupID, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("corrupt amount %q on transaction %d: %w", amount, t.ID, err)
	}
	if booking.Valid {
		t.BookingDate = &booking.Time
	}
	if raw.Valid {
		t.RawData = json.RawMessage(raw.String)
	}
	return &t, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// ----------------------------------------------------------------
// Suggestions
// ----------------------------------------------------------------

// ReplaceSuggestions deletes the transaction's unresolved suggestions and
// inserts the new batch in one database transaction.
func (s *Storage) ReplaceSuggestions(ctx context.Context, transactionID int64, suggestions []bank.MatchSuggestion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM match_suggestions WHERE transaction_id = ? AND approved IS NULL
	`, transactionID); err != nil {
		return err
	}

	for i := range suggestions {
		sg := &suggestions[i]
		related, err := json.Marshal(sg.RelatedOrders)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO match_suggestions
			(transaction_id, order_code, match_type, confidence, reason,
			 amount_match, amount_difference, is_multi_order, related_orders)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, transactionID, sg.OrderCode, sg.MatchType, sg.Confidence, sg.Reason,
			sg.AmountMatch, sg.AmountDifference.String(), sg.IsMultiOrder, string(related))
		if err != nil {
			return err
		}
		if sg.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		sg.TransactionID = transactionID
	}

	return tx.Commit()
}

const suggestionColumns = `
	id, transaction_id, order_code, match_type, confidence, reason,
	amount_match, amount_difference, is_multi_order, related_orders,
	approved, reviewed_by, reviewed_at, created_at`

// GetSuggestion retrieves one suggestion by id.
func (s *Storage) GetSuggestion(ctx context.Context, id int64) (*bank.MatchSuggestion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+suggestionColumns+` FROM match_suggestions WHERE id = ?`, id)
	return scanSuggestion(row)
}

// ListSuggestions returns all suggestions for a transaction, best first.
func (s *Storage) ListSuggestions(ctx context.Context, transactionID int64) ([]bank.MatchSuggestion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+suggestionColumns+` FROM match_suggestions
		WHERE transaction_id = ?
		ORDER BY confidence DESC, id ASC
	`, transactionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []bank.MatchSuggestion
	for rows.Next() {
		sg, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sg)
	}
	return out, rows.Err()
}

// ResolveSuggestion performs the guarded update that lets exactly one
// concurrent reviewer win: the WHERE clause only hits unresolved rows.
func (s *Storage) ResolveSuggestion(ctx context.Context, id int64, approved bool, reviewer string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE match_suggestions
		SET approved = ?, reviewed_by = ?, reviewed_at = ?
		WHERE id = ? AND approved IS NULL
	`, approved, reviewer, at, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RejectPending rejects all still-unresolved suggestions of the transaction
// except the given ids.
func (s *Storage) RejectPending(ctx context.Context, transactionID int64, reviewer string, at time.Time, exceptIDs ...int64) error {
	query := `
		UPDATE match_suggestions
		SET approved = 0, reviewed_by = ?, reviewed_at = ?
		WHERE transaction_id = ? AND approved IS NULL`
	args := []any{reviewer, at, transactionID}
	for _, id := range exceptIDs {
		query += ` AND id != ?`
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func scanSuggestion(row rowScanner) (*bank.MatchSuggestion, error) {
	var sg bank.MatchSuggestion
	var diff, related string
	var approved sql.NullBool
	var reviewedAt sql.NullTime
	err := row.Scan(&sg.ID, &sg.TransactionID, &sg.OrderCode, &sg.MatchType,
		&sg.Confidence, &sg.Reason, &sg.AmountMatch, &diff, &sg.IsMultiOrder,
		&related, &approved, &sg.ReviewedBy, &reviewedAt, &sg.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if sg.AmountDifference, err = decimal.NewFromString(diff); err != nil {
		return nil, fmt.Errorf("corrupt amount difference %q on suggestion %d: %w", diff, sg.ID, err)
	}
	if err := json.Unmarshal([]byte(related), &sg.RelatedOrders); err != nil {
		return nil, fmt.Errorf("corrupt related orders on suggestion %d: %w", sg.ID, err)
	}
	if approved.Valid {
		v := approved.Bool
		sg.Approved = &v
	}
	if reviewedAt.Valid {
		sg.ReviewedAt = &reviewedAt.Time
	}
	return &sg, nil
}
