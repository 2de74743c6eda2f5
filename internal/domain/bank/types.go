// Package bank defines the core entities of the reconciliation engine: bank
// transactions synced from a provider and the match suggestions generated for
// them.
package bank

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionState describes where a transaction is in the matching lifecycle.
type TransactionState string

const (
	// StateUnchecked is the initial state after ingestion.
	StateUnchecked TransactionState = "unchecked"
	// StateNoMatch means no viable candidate order was found.
	StateNoMatch TransactionState = "nomatch"
	// StateMatched means a payment or refund was applied to an order.
	// This is the only state that implies a money movement exists.
	StateMatched TransactionState = "matched"
	// StateError is a terminal failure (currency mismatch, canceled order,
	// settlement failure).
	StateError TransactionState = "error"
	// StateDuplicate means the matched order was already fully paid.
	StateDuplicate TransactionState = "duplicate"
	// StateDiscarded marks zero-amount or manually dismissed transactions.
	StateDiscarded TransactionState = "discarded"
	// StatePendingApproval means suggestions await human review.
	StatePendingApproval TransactionState = "pending_approval"
)

// Transaction is a bank transaction synced from a provider. The provider
// fields are immutable after ingestion; state, order/payment links, the
// error message and the partial-payment fields are owned by the matching
// engine.
type Transaction struct {
	ID           int64
	ConnectionID int64

	// Provider data
	TransactionID string // external id, unique, dedup key
	AccountID     string
	Amount        decimal.Decimal
	Currency      string
	Date          time.Time // value date
	BookingDate   *time.Time

	RemittanceUnstructured string
	RemittanceStructured   string
	Reference              string // combined remittance text

	DebtorName   string
	DebtorIBAN   string
	CreditorName string
	CreditorIBAN string

	RawData json.RawMessage

	// Matching state
	State            TransactionState
	OrderCode        string // first settled order
	PaymentID        int64  // payment created for the first settled order
	ErrorMessage     string
	IsPartialPayment bool
	PaymentGroupID   string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ReferenceText returns the combined reference text used for matching.
func (t *Transaction) ReferenceText() string {
	if t.Reference != "" {
		return t.Reference
	}
	parts := make([]string, 0, 2)
	if t.RemittanceStructured != "" {
		parts = append(parts, t.RemittanceStructured)
	}
	if t.RemittanceUnstructured != "" {
		parts = append(parts, t.RemittanceUnstructured)
	}
	return strings.Join(parts, " ")
}

// SenderName returns the counterparty name: the debtor for incoming money,
// the creditor for outgoing money, falling back to whichever is set.
func (t *Transaction) SenderName() string {
	if t.Amount.IsNegative() {
		if t.CreditorName != "" {
			return t.CreditorName
		}
		return t.DebtorName
	}
	if t.DebtorName != "" {
		return t.DebtorName
	}
	return t.CreditorName
}

// IBAN returns the counterparty account identifier, preferring the debtor's.
func (t *Transaction) IBAN() string {
	if t.DebtorIBAN != "" {
		return t.DebtorIBAN
	}
	return t.CreditorIBAN
}

// PaymentGroup derives the deterministic group id for partial payments, so
// repeated partial payments for the same order on the same day correlate.
func PaymentGroup(orderCode string, date time.Time) string {
	return fmt.Sprintf("%s_%s", orderCode, date.Format("2006-01-02"))
}

// MatchType tags how a suggestion was derived.
type MatchType string

const (
	MatchTypeExactCode  MatchType = "exact_code"
	MatchTypeFuzzyCode  MatchType = "fuzzy_code"
	MatchTypeSenderName MatchType = "sender_name"
	MatchTypeAmountOnly MatchType = "amount_only"
)

// MatchSuggestion is a proposed pairing between one transaction and one
// candidate order, awaiting automatic settlement or human review.
type MatchSuggestion struct {
	ID            int64
	TransactionID int64
	OrderCode     string

	MatchType  MatchType
	Confidence float64 // 0.0 - 1.0
	Reason     string

	AmountMatch      bool
	AmountDifference decimal.Decimal

	// Multi-order payments: this suggestion is one of a cohort that
	// together settles the transaction.
	IsMultiOrder  bool
	RelatedOrders []string

	// Tri-state review flag: nil = pending, true = approved, false = rejected.
	Approved   *bool
	ReviewedBy string
	ReviewedAt *time.Time

	CreatedAt time.Time
}

// Resolved reports whether the suggestion has already been reviewed.
func (s *MatchSuggestion) Resolved() bool {
	return s.Approved != nil
}
