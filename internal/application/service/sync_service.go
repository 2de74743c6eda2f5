// Package service orchestrates the reconciliation workflows: syncing bank
// data into the transaction store, running the matching pipeline, and the
// human review of suggestions.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"banksync-backend/internal/adapters/providers"
	"banksync-backend/internal/domain/approval"
	"banksync-backend/internal/domain/bank"
	"banksync-backend/internal/domain/matcher"
	"banksync-backend/internal/domain/settlement"
	"banksync-backend/internal/infrastructure/config"
	"banksync-backend/internal/infrastructure/storage"
	"banksync-backend/internal/ledger"
)

var (
	// ErrSyncRunning means a sync for this connection is already in flight.
	ErrSyncRunning = errors.New("sync already running for this connection")
	// ErrSyncBudgetExhausted means the connection hit its daily sync cap.
	ErrSyncBudgetExhausted = errors.New("daily sync budget exhausted")
	// ErrUnknownProvider means no client is registered for the connection's
	// provider name.
	ErrUnknownProvider = errors.New("unknown provider")
)

// SyncResult summarizes one connection sync.
type SyncResult struct {
	ConnectionID int64 `json:"connection_id"`

	Fetched    int `json:"fetched"`
	Ingested   int `json:"ingested"`
	Duplicates int `json:"duplicates"`

	Matched       int `json:"matched"`
	PendingReview int `json:"pending_review"`
	NoMatch       int `json:"no_match"`
	Discarded     int `json:"discarded"`
	Duplicated    int `json:"duplicate_payments"`
	Errored       int `json:"errored"`

	ConsentExpiresSoon bool `json:"consent_expires_soon"`
}

// SyncService runs per-connection units of work: fetch, ingest, match,
// settle or queue for review. Transactions within one connection's batch are
// processed sequentially.
type SyncService struct {
	cfg       *config.Config
	repo      storage.Repository
	orders    ledger.Service
	matcher   *matcher.Matcher
	policy    *approval.Policy
	engine    *settlement.Engine
	providers map[string]providers.Provider
	logger    *slog.Logger
	now       func() time.Time

	// One sync per connection at a time.
	connLocks map[int64]*sync.Mutex
	locksMu   sync.Mutex
}

// NewSyncService wires the matching pipeline. providerClients maps provider
// names to their API clients.
func NewSyncService(
	cfg *config.Config,
	repo storage.Repository,
	orders ledger.Service,
	engine *settlement.Engine,
	providerClients map[string]providers.Provider,
	logger *slog.Logger,
) *SyncService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncService{
		cfg:       cfg,
		repo:      repo,
		orders:    orders,
		matcher:   matcher.New(matcher.FromAppConfig(cfg.Matching), orders),
		policy:    approval.NewPolicy(cfg.Matching),
		engine:    engine,
		providers: providerClients,
		logger:    logger.With("system", "sync"),
		now:       time.Now,
		connLocks: make(map[int64]*sync.Mutex),
	}
}

// SetClock overrides the time source, for tests.
func (s *SyncService) SetClock(now func() time.Time) { s.now = now }

func (s *SyncService) lockConnection(id int64) (func(), bool) {
	s.locksMu.Lock()
	mu, ok := s.connLocks[id]
	if !ok {
		mu = &sync.Mutex{}
		s.connLocks[id] = mu
	}
	s.locksMu.Unlock()

	if !mu.TryLock() {
		return nil, false
	}
	return mu.Unlock, true
}

// SyncConnection runs one full unit of work for a connection: consent check,
// daily-budget accounting, transaction fetch over the lookback window,
// idempotent ingestion, then matching of everything still unchecked.
func (s *SyncService) SyncConnection(ctx context.Context, connectionID int64) (*SyncResult, error) {
	unlock, ok := s.lockConnection(connectionID)
	if !ok {
		return nil, ErrSyncRunning
	}
	defer unlock()

	conn, err := s.repo.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("load connection %d: %w", connectionID, err)
	}

	provider, ok := s.providers[conn.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, conn.Provider)
	}

	now := s.now()
	if !conn.CanSync(now, s.cfg.Sync.MaxSyncsPerDay) {
		if conn.Status != bank.ConnectionActive {
			return nil, fmt.Errorf("connection %d is %s", conn.ID, conn.Status)
		}
		return nil, ErrSyncBudgetExhausted
	}

	result := &SyncResult{ConnectionID: connectionID}

	if consent, err := provider.Consent(ctx, conn.Reference); err == nil {
		conn.ConsentExpiresAt = consent.ExpiresAt
		if expired(consent.Status) {
			conn.Status = bank.ConnectionExpired
			if err := s.repo.SaveConnection(ctx, conn); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("connection %d consent expired", conn.ID)
		}
		if conn.ConsentExpiringSoon(now, s.cfg.Sync.ConsentWarningDays) {
			result.ConsentExpiresSoon = true
			s.logger.Warn("bank consent expires soon",
				"connection_id", conn.ID, "expires_at", conn.ConsentExpiresAt)
		}
	} else {
		s.logger.Warn("consent check failed", "connection_id", conn.ID, "error", err)
	}

	conn.CountSync(now)
	if err := s.repo.SaveConnection(ctx, conn); err != nil {
		return nil, fmt.Errorf("record sync attempt: %w", err)
	}

	if err := s.ingest(ctx, conn, provider, result); err != nil {
		conn.Status = bank.ConnectionError
		conn.RecordError(now, err.Error())
		if saveErr := s.repo.SaveConnection(ctx, conn); saveErr != nil {
			s.logger.Error("record sync failure", "connection_id", conn.ID, "error", saveErr)
		}
		return result, err
	}

	if err := s.matchBatch(ctx, conn, result); err != nil {
		conn.RecordError(now, err.Error())
		if saveErr := s.repo.SaveConnection(ctx, conn); saveErr != nil {
			s.logger.Error("record sync failure", "connection_id", conn.ID, "error", saveErr)
		}
		return result, err
	}

	if conn.LastError != "" {
		conn.ClearError()
		if err := s.repo.SaveConnection(ctx, conn); err != nil {
			s.logger.Error("clear sync failure", "connection_id", conn.ID, "error", err)
		}
	}

	s.logger.Info("sync complete",
		"connection_id", conn.ID,
		"fetched", result.Fetched,
		"ingested", result.Ingested,
		"matched", result.Matched,
		"pending_review", result.PendingReview,
		"no_match", result.NoMatch,
	)
	return result, nil
}

func expired(status string) bool {
	switch status {
	case "EX", "expired", "inactive", "SU", "RJ":
		return true
	}
	return false
}

// ingest fetches every account's transactions over the lookback window and
// stores the new ones. Re-seeing an external id is a no-op.
func (s *SyncService) ingest(ctx context.Context, conn *bank.Connection, provider providers.Provider, result *SyncResult) error {
	accounts, err := provider.Accounts(ctx, conn.Reference)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}

	to := s.now()
	from := to.AddDate(0, 0, -s.cfg.Sync.LookbackDays)

	for _, account := range accounts {
		txs, err := provider.Transactions(ctx, account.ID, from, to)
		if err != nil {
			return fmt.Errorf("fetch transactions for account %s: %w", account.ID, err)
		}
		result.Fetched += len(txs)

		for i := range txs {
			record := toBankTransaction(&txs[i], conn.ID)
			created, err := s.repo.InsertTransaction(ctx, record)
			if err != nil {
				return fmt.Errorf("store transaction %s: %w", record.TransactionID, err)
			}
			if created {
				result.Ingested++
			} else {
				result.Duplicates++
			}
		}
	}
	return nil
}

func toBankTransaction(t *providers.Transaction, connectionID int64) *bank.Transaction {
	return &bank.Transaction{
		ConnectionID:           connectionID,
		TransactionID:          t.TransactionID,
		AccountID:              t.AccountID,
		Amount:                 t.Amount,
		Currency:               t.Currency,
		Date:                   t.Date,
		BookingDate:            t.BookingDate,
		RemittanceUnstructured: t.RemittanceUnstructured,
		RemittanceStructured:   t.RemittanceStructured,
		Reference:              t.Reference,
		DebtorName:             t.DebtorName,
		DebtorIBAN:             t.DebtorIBAN,
		CreditorName:           t.CreditorName,
		CreditorIBAN:           t.CreditorIBAN,
		RawData:                t.RawData,
		State:                  bank.StateUnchecked,
	}
}

// matchBatch works through the connection's unchecked transactions in order.
func (s *SyncService) matchBatch(ctx context.Context, conn *bank.Connection, result *SyncResult) error {
	pending, err := s.orders.PendingOrders(ctx, conn.Organizer)
	if err != nil {
		return fmt.Errorf("load pending orders: %w", err)
	}

	unchecked, err := s.repo.ListTransactions(ctx, conn.ID, bank.StateUnchecked, 0)
	if err != nil {
		return fmt.Errorf("load unchecked transactions: %w", err)
	}

	for i := range unchecked {
		tx := &unchecked[i]
		if err := s.processTransaction(ctx, tx, pending, result); err != nil {
			return err
		}
		// Settlements change pending balances; refresh for the next one.
		if tx.State == bank.StateMatched {
			if pending, err = s.orders.PendingOrders(ctx, conn.Organizer); err != nil {
				return fmt.Errorf("reload pending orders: %w", err)
			}
		}
	}
	return nil
}

// processTransaction runs one transaction through matcher, policy and, when
// the policy allows, the settlement engine. The terminal state is persisted.
func (s *SyncService) processTransaction(ctx context.Context, tx *bank.Transaction, pending []ledger.Order, result *SyncResult) error {
	if tx.Amount.IsZero() {
		tx.State = bank.StateDiscarded
		tx.ErrorMessage = "Zero-amount transaction"
		result.Discarded++
		return s.repo.UpdateTransactionMatch(ctx, tx)
	}

	suggestions := s.matcher.GenerateSuggestions(ctx, tx, pending)
	decision := s.policy.Decide(tx, suggestions, pending)

	switch decision.Action {
	case approval.ActionNoMatch:
		tx.State = bank.StateNoMatch
		tx.ErrorMessage = "No matching order found"
		result.NoMatch++

	case approval.ActionReview:
		if err := s.repo.ReplaceSuggestions(ctx, tx.ID, decision.Suggestions); err != nil {
			return fmt.Errorf("store suggestions for transaction %d: %w", tx.ID, err)
		}
		tx.State = bank.StatePendingApproval
		result.PendingReview++

	case approval.ActionSettle:
		err := s.engine.Settle(ctx, tx, toSplits(decision.Splits))
		switch {
		case err == nil:
			result.Matched++
		case errors.Is(err, settlement.ErrDuplicatePayment):
			result.Duplicated++
		default:
			result.Errored++
			s.logger.Error("auto-settlement failed",
				"transaction_id", tx.ID, "error", err)
		}
	}

	return s.repo.UpdateTransactionMatch(ctx, tx)
}

func toSplits(in []approval.Split) []settlement.Split {
	out := make([]settlement.Split, len(in))
	for i, sp := range in {
		out[i] = settlement.Split{OrderCode: sp.OrderCode, Amount: sp.Amount}
	}
	return out
}

// RematchResult summarizes a re-match pass over no-match transactions.
type RematchResult struct {
	Considered    int `json:"considered"`
	Matched       int `json:"matched"`
	PendingReview int `json:"pending_review"`
	StillNoMatch  int `json:"still_no_match"`
}

// Rematch re-runs the matcher over transactions previously marked no-match,
// picking up orders that appeared since. Connections are processed with
// their own organizer's pending orders.
func (s *SyncService) Rematch(ctx context.Context) (*RematchResult, error) {
	txs, err := s.repo.ListTransactionsByState(ctx, bank.StateNoMatch, 0)
	if err != nil {
		return nil, fmt.Errorf("load no-match transactions: %w", err)
	}

	result := &RematchResult{Considered: len(txs)}
	pendingByOrganizer := make(map[string][]ledger.Order)

	for i := range txs {
		tx := &txs[i]
		conn, err := s.repo.GetConnection(ctx, tx.ConnectionID)
		if err != nil {
			return nil, fmt.Errorf("load connection %d: %w", tx.ConnectionID, err)
		}

		pending, ok := pendingByOrganizer[conn.Organizer]
		if !ok {
			if pending, err = s.orders.PendingOrders(ctx, conn.Organizer); err != nil {
				return nil, fmt.Errorf("load pending orders: %w", err)
			}
			pendingByOrganizer[conn.Organizer] = pending
		}

		sub := &SyncResult{}
		tx.ErrorMessage = ""
		if err := s.processTransaction(ctx, tx, pending, sub); err != nil {
			return nil, err
		}
		switch {
		case sub.Matched > 0 || sub.Duplicated > 0:
			result.Matched++
			// Balances moved; invalidate the cache for this organizer.
			delete(pendingByOrganizer, conn.Organizer)
		case sub.PendingReview > 0:
			result.PendingReview++
		default:
			result.StillNoMatch++
		}
	}

	s.logger.Info("rematch complete",
		"considered", result.Considered,
		"matched", result.Matched,
		"pending_review", result.PendingReview,
	)
	return result, nil
}
