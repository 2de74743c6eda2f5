package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"banksync-backend/internal/domain/bank"
	"banksync-backend/internal/domain/settlement"
	"banksync-backend/internal/infrastructure/storage"
	"banksync-backend/internal/ledger"

	"github.com/shopspring/decimal"
)

var (
	// ErrAlreadyReviewed means another reviewer resolved the suggestion
	// first. The losing call must not settle anything.
	ErrAlreadyReviewed = errors.New("suggestion has already been reviewed")
	// ErrNotPendingApproval means the transaction is not waiting for review.
	ErrNotPendingApproval = errors.New("transaction is not pending approval")
)

// ReviewService handles human approval and rejection of match suggestions.
// Approval is race-safe: concurrent approvals of the same suggestion produce
// exactly one settlement.
type ReviewService struct {
	repo      storage.Repository
	orders    ledger.Service
	engine    *settlement.Engine
	tolerance decimal.Decimal
	logger    *slog.Logger
	now       func() time.Time
}

// NewReviewService wires the review workflow against the settlement engine.
func NewReviewService(repo storage.Repository, orders ledger.Service, engine *settlement.Engine, tolerance decimal.Decimal, logger *slog.Logger) *ReviewService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReviewService{
		repo:      repo,
		orders:    orders,
		engine:    engine,
		tolerance: tolerance,
		logger:    logger.With("system", "review"),
		now:       time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (s *ReviewService) SetClock(now func() time.Time) { s.now = now }

// Approve accepts one suggestion and settles the transaction against its
// order. For a multi-order suggestion the whole cohort is approved and
// settled together, provided the cohort's pending sums still add up to the
// transaction amount; if they drifted since matching, the transaction falls
// back to a single full-amount settlement on the approved order.
//
// The winning reviewer's call settles; any concurrent call for the same
// suggestion gets ErrAlreadyReviewed and has no effect.
func (s *ReviewService) Approve(ctx context.Context, suggestionID int64, reviewer string) (*bank.Transaction, error) {
	sg, err := s.repo.GetSuggestion(ctx, suggestionID)
	if err != nil {
		return nil, fmt.Errorf("load suggestion %d: %w", suggestionID, err)
	}
	tx, err := s.repo.GetTransaction(ctx, sg.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("load transaction %d: %w", sg.TransactionID, err)
	}
	if tx.State != bank.StatePendingApproval {
		return nil, fmt.Errorf("%w: transaction %d is %s", ErrNotPendingApproval, tx.ID, tx.State)
	}

	now := s.now()
	won, err := s.repo.ResolveSuggestion(ctx, sg.ID, true, reviewer, now)
	if err != nil {
		return nil, fmt.Errorf("resolve suggestion %d: %w", sg.ID, err)
	}
	if !won {
		return nil, ErrAlreadyReviewed
	}

	splits, approvedIDs, err := s.buildSplits(ctx, tx, sg, reviewer, now)
	if err != nil {
		return nil, err
	}

	settleErr := s.engine.Settle(ctx, tx, splits)
	if settleErr != nil {
		s.logger.Warn("manual settlement did not complete",
			"transaction_id", tx.ID, "suggestion_id", sg.ID, "error", settleErr)
	}

	if err := s.repo.UpdateTransactionMatch(ctx, tx); err != nil {
		return nil, fmt.Errorf("persist transaction %d: %w", tx.ID, err)
	}
	if err := s.repo.RejectPending(ctx, tx.ID, reviewer, now, approvedIDs...); err != nil {
		return nil, fmt.Errorf("close remaining suggestions: %w", err)
	}

	s.logger.Info("suggestion approved",
		"transaction_id", tx.ID,
		"suggestion_id", sg.ID,
		"reviewer", reviewer,
		"orders", len(splits),
		"state", tx.State,
	)
	return tx, settleErr
}

// buildSplits turns the approved suggestion into settlement splits. Returns
// the suggestion ids consumed by the approval so they survive the cleanup of
// leftover pending suggestions.
func (s *ReviewService) buildSplits(ctx context.Context, tx *bank.Transaction, sg *bank.MatchSuggestion, reviewer string, now time.Time) ([]settlement.Split, []int64, error) {
	approvedIDs := []int64{sg.ID}

	if !sg.IsMultiOrder {
		return []settlement.Split{{OrderCode: sg.OrderCode, Amount: tx.Amount}}, approvedIDs, nil
	}

	splits := make([]settlement.Split, 0, len(sg.RelatedOrders))
	total := decimal.Zero
	for _, code := range sg.RelatedOrders {
		order, err := s.orders.OrderSnapshot(ctx, code)
		if err != nil {
			return nil, nil, fmt.Errorf("verify order %s: %w", code, err)
		}
		splits = append(splits, settlement.Split{OrderCode: order.Code, Amount: order.PendingSum})
		total = total.Add(order.PendingSum)
	}

	if !tx.Amount.Sub(total).Abs().LessThan(s.tolerance) {
		// Balances moved since the suggestion was generated. Settle the
		// approved order alone with the full amount.
		s.logger.Warn("multi-order cohort no longer sums to the transaction amount",
			"transaction_id", tx.ID,
			"expected", tx.Amount.StringFixed(2),
			"pending_total", total.StringFixed(2),
		)
		return []settlement.Split{{OrderCode: sg.OrderCode, Amount: tx.Amount}}, approvedIDs, nil
	}

	// Approve the cohort siblings sharing this transaction.
	siblings, err := s.repo.ListSuggestions(ctx, tx.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("list cohort suggestions: %w", err)
	}
	cohort := make(map[string]bool, len(sg.RelatedOrders))
	for _, code := range sg.RelatedOrders {
		cohort[code] = true
	}
	for i := range siblings {
		sib := &siblings[i]
		if sib.ID == sg.ID || !sib.IsMultiOrder || !cohort[sib.OrderCode] || sib.Resolved() {
			continue
		}
		if won, err := s.repo.ResolveSuggestion(ctx, sib.ID, true, reviewer, now); err != nil {
			return nil, nil, fmt.Errorf("approve cohort suggestion %d: %w", sib.ID, err)
		} else if won {
			approvedIDs = append(approvedIDs, sib.ID)
		}
	}
	return splits, approvedIDs, nil
}

// Reject marks one suggestion as declined. When no open suggestions remain
// and none was approved, the transaction drops back to no-match so a later
// rematch can pick it up.
func (s *ReviewService) Reject(ctx context.Context, suggestionID int64, reviewer string) error {
	sg, err := s.repo.GetSuggestion(ctx, suggestionID)
	if err != nil {
		return fmt.Errorf("load suggestion %d: %w", suggestionID, err)
	}

	won, err := s.repo.ResolveSuggestion(ctx, sg.ID, false, reviewer, s.now())
	if err != nil {
		return fmt.Errorf("resolve suggestion %d: %w", sg.ID, err)
	}
	if !won {
		return ErrAlreadyReviewed
	}

	remaining, err := s.repo.ListSuggestions(ctx, sg.TransactionID)
	if err != nil {
		return fmt.Errorf("list suggestions: %w", err)
	}
	for i := range remaining {
		if !remaining[i].Resolved() || (remaining[i].Approved != nil && *remaining[i].Approved) {
			return nil
		}
	}

	// Every suggestion rejected: back to the no-match pool.
	tx, err := s.repo.GetTransaction(ctx, sg.TransactionID)
	if err != nil {
		return fmt.Errorf("load transaction %d: %w", sg.TransactionID, err)
	}
	if tx.State == bank.StatePendingApproval {
		tx.State = bank.StateNoMatch
		tx.ErrorMessage = "All suggestions rejected"
		if err := s.repo.UpdateTransactionMatch(ctx, tx); err != nil {
			return fmt.Errorf("persist transaction %d: %w", tx.ID, err)
		}
	}

	s.logger.Info("suggestion rejected",
		"transaction_id", sg.TransactionID, "suggestion_id", sg.ID, "reviewer", reviewer)
	return nil
}
