package storage

import (
	"context"
	"errors"
	"time"

	"banksync-backend/internal/domain/bank"
)

// ErrNotFound is returned by lookups with no matching row.
var ErrNotFound = errors.New("not found")

// Stats summarizes the transaction population for the API and CLI.
type Stats struct {
	Total          int                           `json:"total"`
	ByState        map[bank.TransactionState]int `json:"by_state"`
	PendingReview  int                           `json:"pending_review"`
	MatchedLast30d int                           `json:"matched_last_30d"`
}

// Repository is the persistence contract for connections, transactions and
// match suggestions.
type Repository interface {
	// Connections

	SaveConnection(ctx context.Context, c *bank.Connection) error
	GetConnection(ctx context.Context, id int64) (*bank.Connection, error)
	ListConnections(ctx context.Context) ([]bank.Connection, error)

	// Transactions

	// InsertTransaction stores a freshly ingested transaction. Ingestion is
	// idempotent: when the external transaction id already exists the call
	// is a no-op and returns false.
	InsertTransaction(ctx context.Context, t *bank.Transaction) (bool, error)
	GetTransaction(ctx context.Context, id int64) (*bank.Transaction, error)
	ListTransactions(ctx context.Context, connectionID int64, state bank.TransactionState, limit int) ([]bank.Transaction, error)
	ListTransactionsByState(ctx context.Context, state bank.TransactionState, limit int) ([]bank.Transaction, error)
	// UpdateTransactionMatch persists the matching-owned fields: state,
	// order/payment links, error message, partial-payment fields.
	UpdateTransactionMatch(ctx context.Context, t *bank.Transaction) error
	TransactionStats(ctx context.Context) (*Stats, error)

	// Suggestions

	// ReplaceSuggestions invalidates all unresolved suggestions for the
	// transaction and stores the new batch.
	ReplaceSuggestions(ctx context.Context, transactionID int64, suggestions []bank.MatchSuggestion) error
	GetSuggestion(ctx context.Context, id int64) (*bank.MatchSuggestion, error)
	ListSuggestions(ctx context.Context, transactionID int64) ([]bank.MatchSuggestion, error)
	// ResolveSuggestion flips the tri-state flag on an unresolved suggestion.
	// Returns false when the suggestion was already resolved, which is how
	// concurrent reviews are reduced to exactly one winner.
	ResolveSuggestion(ctx context.Context, id int64, approved bool, reviewer string, at time.Time) (bool, error)
	// RejectPending rejects every still-unresolved suggestion of the
	// transaction except the given ids.
	RejectPending(ctx context.Context, transactionID int64, reviewer string, at time.Time, exceptIDs ...int64) error
}
