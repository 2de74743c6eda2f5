// Package settlement applies an approved match to the order ledger: it
// creates and confirms payments for incoming money, completes or creates
// refunds for outgoing money, and records the terminal state on the
// transaction. One bank transaction settles as a single atomic ledger unit.
package settlement

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"banksync-backend/internal/domain/bank"
	"banksync-backend/internal/ledger"
)

// Terminal settlement failures. The message text is what gets stored on the
// transaction and shown to reviewers.
var (
	ErrOrderCanceled    = errors.New("The order has already been canceled.")
	ErrCurrencyMismatch = errors.New("Currencies do not match.")
	ErrDuplicatePayment = errors.New("The order is already fully paid.")
	ErrAmbiguousSplit   = errors.New("Automatic split to multiple orders not possible.")
)

// Split assigns part of the transaction amount to one order. For multi-order
// settlements each split carries the order's own pending balance.
type Split struct {
	OrderCode string
	Amount    decimal.Decimal
}

// Engine executes settlements against the ledger.
type Engine struct {
	svc       ledger.Service
	tolerance decimal.Decimal
	logger    *slog.Logger
}

// New creates a settlement engine. tolerance is the exact-sum tolerance for
// multi-order splits.
func New(svc ledger.Service, tolerance decimal.Decimal, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{svc: svc, tolerance: tolerance, logger: logger}
}

// Settle applies the splits to the ledger inside one transaction and writes
// the outcome onto tx (state, first order, payment link, error message,
// partial-payment fields). The caller persists tx afterwards.
//
// The returned error is one of the exported terminal errors, an unexpected
// ledger failure, or nil on success ("matched"). Duplicate detection returns
// ErrDuplicatePayment with state "duplicate", not "error".
func (e *Engine) Settle(ctx context.Context, tx *bank.Transaction, splits []Split) error {
	if len(splits) == 0 {
		tx.State = bank.StateNoMatch
		return nil
	}

	if len(splits) > 1 {
		total := decimal.Zero
		for _, s := range splits {
			total = total.Add(s.Amount)
		}
		if !tx.Amount.Sub(total).Abs().LessThan(e.tolerance) {
			tx.State = bank.StateNoMatch
			tx.ErrorMessage = ErrAmbiguousSplit.Error()
			return ErrAmbiguousSplit
		}
	}

	meta := e.metadata(tx)

	err := e.svc.InTx(ctx, func(lt ledger.Tx) error {
		orders := make([]*ledger.Order, len(splits))
		for i, s := range splits {
			o, err := lt.Order(s.OrderCode)
			if err != nil {
				return err
			}
			if o.Status == ledger.OrderStatusCanceled {
				return ErrOrderCanceled
			}
			if o.Status == ledger.OrderStatusPaid && o.PendingSum.IsZero() {
				return ErrDuplicatePayment
			}
			if !strings.EqualFold(tx.Currency, o.Currency) {
				return ErrCurrencyMismatch
			}
			orders[i] = o
		}

		for i, s := range splits {
			if s.Amount.IsNegative() {
				if err := e.settleRefund(lt, s, meta); err != nil {
					return err
				}
				if i == 0 {
					tx.OrderCode = s.OrderCode
				}
				continue
			}

			paymentID, err := e.settlePayment(lt, s, meta)
			if err != nil {
				return err
			}
			if i == 0 {
				tx.OrderCode = s.OrderCode
				tx.PaymentID = paymentID
			}
		}

		// A single order receiving less than it is owed is a partial
		// payment; group id correlates follow-up installments.
		if len(splits) == 1 && splits[0].Amount.IsPositive() &&
			splits[0].Amount.LessThan(orders[0].PendingSum) {
			tx.IsPartialPayment = true
			tx.PaymentGroupID = bank.PaymentGroup(splits[0].OrderCode, tx.Date)
		}
		return nil
	})

	switch {
	case err == nil:
		tx.State = bank.StateMatched
		return nil
	case errors.Is(err, ErrDuplicatePayment):
		tx.State = bank.StateDuplicate
		tx.ErrorMessage = ""
		return err
	case errors.Is(err, ErrOrderCanceled), errors.Is(err, ErrCurrencyMismatch):
		tx.State = bank.StateError
		tx.ErrorMessage = err.Error()
		return err
	default:
		tx.State = bank.StateError
		tx.ErrorMessage = err.Error()
		return err
	}
}

// settlePayment find-or-creates the banktransfer payment for the exact
// amount, merges the bank metadata, applies the fee step on fresh payments
// and confirms. Quota and notification failures are logged and swallowed.
func (e *Engine) settlePayment(lt ledger.Tx, s Split, meta map[string]string) (int64, error) {
	p, created, err := lt.FindOrCreatePayment(s.OrderCode, ledger.ProviderBankTransfer, s.Amount)
	if err != nil {
		return 0, err
	}
	if err := lt.MergePaymentInfo(p.ID, meta); err != nil {
		return 0, err
	}
	if created {
		if err := lt.ApplyPaymentFee(p.ID); err != nil {
			return 0, err
		}
	}

	if err := lt.ConfirmPayment(p.ID); err != nil {
		if errors.Is(err, ledger.ErrQuotaExceeded) || errors.Is(err, ledger.ErrNotificationFailed) {
			e.logger.Warn("payment confirmed with side-effect failure",
				"order", s.OrderCode, "payment_id", p.ID, "error", err)
			return p.ID, nil
		}
		return 0, err
	}
	return p.ID, nil
}

// settleRefund handles outgoing money: complete an open manual or
// banktransfer refund of matching magnitude if one exists, otherwise attach
// an external refund to a confirmed banktransfer payment, otherwise record a
// standalone external refund.
func (e *Engine) settleRefund(lt ledger.Tx, s Split, meta map[string]string) error {
	amount := s.Amount.Abs()

	r, err := lt.PendingRefund(s.OrderCode, amount)
	switch {
	case err == nil:
		return lt.CompleteRefund(r.ID, ledger.ProviderBankTransfer, meta)
	case !errors.Is(err, ledger.ErrNotFound):
		return err
	}

	p, err := lt.ConfirmedPayment(s.OrderCode, ledger.ProviderBankTransfer)
	switch {
	case err == nil:
		_, err = lt.CreateExternalRefund(p.ID, amount, meta)
		return err
	case !errors.Is(err, ledger.ErrNotFound):
		return err
	}

	_, err = lt.CreateRefund(s.OrderCode, amount, meta)
	return err
}

// metadata is the blob attached to every payment and refund touched by a
// settlement, so the money movement stays traceable to the bank record.
func (e *Engine) metadata(tx *bank.Transaction) map[string]string {
	meta := map[string]string{
		"reference":      tx.ReferenceText(),
		"date":           tx.Date.Format("2006-01-02"),
		"payer":          tx.SenderName(),
		"full_amount":    tx.Amount.StringFixed(2),
		"transaction_id": tx.TransactionID,
	}
	if iban := tx.IBAN(); iban != "" {
		meta["iban"] = iban
	}
	return meta
}

