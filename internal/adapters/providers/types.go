// Package providers defines the bank-data fetcher contract and its
// normalized records. Concrete clients live in subpackages.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrAuthFailed means the provider rejected our credentials or the consent
// is no longer valid.
var ErrAuthFailed = errors.New("provider authentication failed")

// Transaction is a provider-agnostic bank transaction. Reference combines
// the structured and unstructured remittance fields.
type Transaction struct {
	TransactionID string
	AccountID     string
	Amount        decimal.Decimal
	Currency      string
	Date          time.Time
	BookingDate   *time.Time

	RemittanceUnstructured string
	RemittanceStructured   string
	Reference              string

	DebtorName   string
	DebtorIBAN   string
	CreditorName string
	CreditorIBAN string

	RawData json.RawMessage
}

// Account is one bank account reachable through a connection.
type Account struct {
	ID       string
	IBAN     string
	Name     string
	Currency string
	Status   string
}

// Consent is the authorization status of a connection at the provider.
type Consent struct {
	Status    string
	ExpiresAt *time.Time
}

// AuthorizationLink is the end-user redirect produced when a connection is
// being established or renewed.
type AuthorizationLink struct {
	ID   string // requisition/connection reference at the provider
	Link string // URL the end user must visit
}

// Provider fetches bank data for one connection. Implementations retry
// transient HTTP failures internally with bounded backoff; callers see only
// the final result.
type Provider interface {
	// Name identifies the provider ("gocardless", "saltedge").
	Name() string

	// CreateAuthorization starts the end-user authorization flow.
	CreateAuthorization(ctx context.Context, redirectURL, institutionID string) (*AuthorizationLink, error)

	// Accounts lists the accounts granted by the given connection reference.
	Accounts(ctx context.Context, reference string) ([]Account, error)

	// Transactions returns booked transactions for one account within the
	// date window, normalized.
	Transactions(ctx context.Context, accountID string, from, to time.Time) ([]Transaction, error)

	// Consent reports the connection's authorization status and expiry.
	Consent(ctx context.Context, reference string) (*Consent, error)
}
