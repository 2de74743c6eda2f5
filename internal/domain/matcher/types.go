package matcher

import (
	"context"

	"github.com/shopspring/decimal"

	"banksync-backend/internal/infrastructure/config"
	"banksync-backend/internal/ledger"
)

// Config holds matcher thresholds and limits.
type Config struct {
	// ReferenceCurrency is the organizer's home currency; matches in any
	// other currency are scored lower.
	ReferenceCurrency string
	// AmountTolerance is the maximum difference still treated as an exact
	// amount match (default: 0.01).
	AmountTolerance decimal.Decimal
	// NameThreshold is the minimum name similarity for sender-name
	// suggestions (default: 0.5).
	NameThreshold float64
	// MaxSuggestions caps the ranked list (default: 10).
	MaxSuggestions int
	// CodeLengthMin/Max bound the order-code part of reference patterns.
	CodeLengthMin int
	CodeLengthMax int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		ReferenceCurrency: "EUR",
		AmountTolerance:   decimal.RequireFromString("0.01"),
		NameThreshold:     0.5,
		MaxSuggestions:    10,
		CodeLengthMin:     5,
		CodeLengthMax:     10,
	}
}

// FromAppConfig builds a matcher Config from the application configuration.
func FromAppConfig(mc config.MatchingConfig) Config {
	cfg := DefaultConfig()
	if mc.ReferenceCurrency != "" {
		cfg.ReferenceCurrency = mc.ReferenceCurrency
	}
	if tol, err := decimal.NewFromString(mc.AmountTolerance); err == nil && tol.IsPositive() {
		cfg.AmountTolerance = tol
	}
	if mc.NameSimilarityThreshold > 0 {
		cfg.NameThreshold = mc.NameSimilarityThreshold
	}
	if mc.MaxSuggestions > 0 {
		cfg.MaxSuggestions = mc.MaxSuggestions
	}
	if mc.CodeLengthMin > 0 {
		cfg.CodeLengthMin = mc.CodeLengthMin
	}
	if mc.CodeLengthMax > 0 {
		cfg.CodeLengthMax = mc.CodeLengthMax
	}
	return cfg
}

// OrderResolver resolves codes and invoice numbers extracted from reference
// text to orders. Satisfied by ledger.Service; nil disables the lookup path.
type OrderResolver interface {
	OrderByCode(ctx context.Context, organizer string, eventSlugs []string, code string) (*ledger.Order, error)
	OrderByInvoice(ctx context.Context, organizer string, prefixes []string, number string) (*ledger.Order, error)
	InvoicePrefixes(ctx context.Context, organizer string) ([]string, error)
}
