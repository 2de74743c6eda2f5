// Package ledger defines the contract the matching engine needs from the
// order/payment/invoice ledger, together with a SQLite-backed implementation
// and a mock for tests.
//
// The matching core never mutates orders directly; all money movement goes
// through a Tx so that settling one bank transaction is all-or-nothing.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ProviderBankTransfer is the payment/refund provider name used for
// settlements sourced from bank data. ProviderManual marks refunds staff
// entered in the shop backend; only these two may be completed by an
// incoming bank refund.
const (
	ProviderBankTransfer = "banktransfer"
	ProviderManual       = "manual"
)

// OrderStatus mirrors the ticket shop's order lifecycle.
type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "pending"
	OrderStatusPaid     OrderStatus = "paid"
	OrderStatusExpired  OrderStatus = "expired"
	OrderStatusCanceled OrderStatus = "canceled"
)

// PaymentState mirrors the shop's payment lifecycle.
type PaymentState string

const (
	PaymentStateCreated   PaymentState = "created"
	PaymentStatePending   PaymentState = "pending"
	PaymentStateConfirmed PaymentState = "confirmed"
	PaymentStateCanceled  PaymentState = "canceled"
	PaymentStateFailed    PaymentState = "failed"
)

// RefundState mirrors the shop's refund lifecycle.
type RefundState string

const (
	RefundStateCreated  RefundState = "created"
	RefundStateTransit  RefundState = "transit"
	RefundStateDone     RefundState = "done"
	RefundStateExternal RefundState = "external"
)

// RefundSourceExternal marks refunds that originated outside the shop.
const RefundSourceExternal = "external"

// Order is the read view of a shop order.
type Order struct {
	Code         string
	Organizer    string
	EventSlug    string
	Currency     string
	Status       OrderStatus
	Total        decimal.Decimal
	PendingSum   decimal.Decimal // amount still owed (total minus confirmed payments)
	CustomerName string
	Email        string
	CreatedAt    time.Time
}

// Payment is a payment record attached to an order.
type Payment struct {
	ID        int64
	OrderCode string
	Provider  string
	State     PaymentState
	Amount    decimal.Decimal
	Fee       decimal.Decimal
	Info      map[string]string
	CreatedAt time.Time
}

// Refund is a refund record attached to an order.
type Refund struct {
	ID            int64
	OrderCode     string
	Provider      string
	State         RefundState
	Source        string
	Amount        decimal.Decimal
	PaymentID     int64 // payment being refunded, 0 if standalone
	ExecutionDate *time.Time
	Info          map[string]string
	CreatedAt     time.Time
}

// Invoice links an invoice number to an order, for reference-text fallback
// lookups.
type Invoice struct {
	Prefix        string
	Number        int
	FullInvoiceNo string
	OrderCode     string
}

// Non-fatal confirmation failures. The financial match is still considered
// correct when these occur; the settlement engine logs and continues.
var (
	// ErrQuotaExceeded: confirming would oversell inventory.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrNotificationFailed: the confirmation mail could not be sent.
	ErrNotificationFailed = errors.New("notification delivery failed")
)

// ErrNotFound is returned by lookups with no matching record.
var ErrNotFound = errors.New("not found")

// Service is the read side plus the transactional entry point of the ledger.
type Service interface {
	// PendingOrders returns the organizer's orders that still owe money.
	PendingOrders(ctx context.Context, organizer string) ([]Order, error)

	// OrderSnapshot reads one order outside any settlement transaction,
	// for pre-settlement verification. Returns ErrNotFound if unknown.
	OrderSnapshot(ctx context.Context, code string) (*Order, error)

	// OrderByCode resolves a code extracted from a reference text, trying
	// normalization variants (separator-stripped, entropy-truncated).
	// Returns ErrNotFound if no order matches.
	OrderByCode(ctx context.Context, organizer string, eventSlugs []string, code string) (*Order, error)

	// OrderByInvoice resolves an order via invoice-number prefix plus numeric
	// suffix, case-insensitive, tolerating separators and zero padding.
	// Returns ErrNotFound on no (or ambiguous) match.
	OrderByInvoice(ctx context.Context, organizer string, prefixes []string, number string) (*Order, error)

	// InvoicePrefixes returns all known invoice-number prefixes for the
	// organizer, for registration with the reference parser.
	InvoicePrefixes(ctx context.Context, organizer string) ([]string, error)

	// InTx runs fn inside one ledger transaction. Either every mutation fn
	// performed is committed, or none are.
	InTx(ctx context.Context, fn func(Tx) error) error
}

// Tx exposes the ledger mutations available inside a transaction boundary.
type Tx interface {
	// Order re-reads an order inside the transaction.
	Order(code string) (*Order, error)

	// FindOrCreatePayment returns a created/pending payment of the given
	// provider and exact amount, creating one when none exists. The second
	// return reports whether the payment was newly created.
	FindOrCreatePayment(orderCode, provider string, amount decimal.Decimal) (*Payment, bool, error)

	// MergePaymentInfo merges the given metadata into the payment's info
	// payload, existing keys are overwritten.
	MergePaymentInfo(paymentID int64, info map[string]string) error

	// ApplyPaymentFee runs the payment-method switch/fee step for a newly
	// created payment and stores the resulting fee.
	ApplyPaymentFee(paymentID int64) error

	// ConfirmPayment confirms a payment and books it against the order's
	// pending balance. May return ErrQuotaExceeded or ErrNotificationFailed,
	// both of which leave the payment confirmed.
	ConfirmPayment(paymentID int64) error

	// PendingRefund returns an open (created/transit) manual or banktransfer
	// refund of the exact magnitude, or ErrNotFound.
	PendingRefund(orderCode string, amount decimal.Decimal) (*Refund, error)

	// CompleteRefund marks a refund done under the given provider, merging
	// the metadata into its info payload.
	CompleteRefund(refundID int64, provider string, info map[string]string) error

	// ConfirmedPayment returns a confirmed payment of the given provider for
	// the order, or ErrNotFound.
	ConfirmedPayment(orderCode, provider string) (*Payment, error)

	// CreateExternalRefund attaches an externally-executed refund to an
	// existing payment.
	CreateExternalRefund(paymentID int64, amount decimal.Decimal, info map[string]string) (*Refund, error)

	// CreateRefund records a standalone externally-sourced refund.
	CreateRefund(orderCode string, amount decimal.Decimal, info map[string]string) (*Refund, error)
}
