// Package approval decides what happens to a transaction after matching:
// settle it automatically, queue its suggestions for human review, or record
// that no viable candidate exists.
package approval

import (
	"strings"

	"github.com/shopspring/decimal"

	"banksync-backend/internal/domain/bank"
	"banksync-backend/internal/infrastructure/config"
	"banksync-backend/internal/ledger"
)

// Action is the policy verdict for one transaction.
type Action int

const (
	// ActionNoMatch means the matcher produced nothing; terminal for this
	// cycle, eligible for a later re-match.
	ActionNoMatch Action = iota
	// ActionReview queues the trimmed suggestion list for a human.
	ActionReview
	// ActionSettle hands the splits straight to the settlement engine.
	ActionSettle
)

// Split assigns part of the transaction amount to one order.
type Split struct {
	OrderCode string
	Amount    decimal.Decimal
}

// Decision is the outcome of Decide. Splits is set for ActionSettle,
// Suggestions for ActionReview.
type Decision struct {
	Action      Action
	Splits      []Split
	Suggestions []bank.MatchSuggestion
}

// Policy applies the asymmetric auto-settlement rules: multi-order candidates
// must reconcile as a full cohort, single-order candidates must be exact-code
// matches with full amount and currency confirmation. Everything else goes to
// review.
type Policy struct {
	threshold   float64
	tolerance   decimal.Decimal
	refCurrency string
	maxMulti    int
	maxSingle   int
}

// NewPolicy builds a policy from the matching configuration, with safe
// defaults for zero values.
func NewPolicy(mc config.MatchingConfig) *Policy {
	p := &Policy{
		threshold:   0.95,
		tolerance:   decimal.RequireFromString("0.01"),
		refCurrency: "EUR",
		maxMulti:    10,
		maxSingle:   5,
	}
	if mc.AutoApproveThreshold > 0 {
		p.threshold = mc.AutoApproveThreshold
	}
	if tol, err := decimal.NewFromString(mc.AmountTolerance); err == nil && tol.IsPositive() {
		p.tolerance = tol
	}
	if mc.ReferenceCurrency != "" {
		p.refCurrency = mc.ReferenceCurrency
	}
	if mc.MaxSuggestions > 0 {
		p.maxMulti = mc.MaxSuggestions
	}
	if mc.MaxReviewSuggestions > 0 {
		p.maxSingle = mc.MaxReviewSuggestions
	}
	return p
}

// Decide inspects the ranked suggestions for tx and returns the verdict.
// orders must contain every order referenced by the suggestions; suggestions
// must already be ranked (highest confidence first).
func (p *Policy) Decide(tx *bank.Transaction, suggestions []bank.MatchSuggestion, orders []ledger.Order) Decision {
	if len(suggestions) == 0 {
		return Decision{Action: ActionNoMatch}
	}

	byCode := make(map[string]*ledger.Order, len(orders))
	for i := range orders {
		byCode[strings.ToUpper(orders[i].Code)] = &orders[i]
	}

	top := suggestions[0]
	if top.IsMultiOrder {
		if splits, ok := p.verifyMultiCohort(tx, suggestions, byCode); ok {
			return Decision{Action: ActionSettle, Splits: splits}
		}
		return Decision{Action: ActionReview, Suggestions: trim(suggestions, p.maxMulti)}
	}

	if p.singleSettleable(tx, &top, byCode) {
		return Decision{
			Action: ActionSettle,
			Splits: []Split{{OrderCode: top.OrderCode, Amount: tx.Amount}},
		}
	}
	return Decision{Action: ActionReview, Suggestions: trim(suggestions, p.maxSingle)}
}

// verifyMultiCohort checks the whole multi-order cohort: every related order
// must carry its own multi-tagged suggestion, the pending sums must add up to
// the transaction amount, all currencies must be the reference currency and
// match the transaction, and the top confidence must clear the threshold.
// Splits use each order's own pending balance.
func (p *Policy) verifyMultiCohort(tx *bank.Transaction, suggestions []bank.MatchSuggestion, byCode map[string]*ledger.Order) ([]Split, bool) {
	top := suggestions[0]
	if top.Confidence < p.threshold {
		return nil, false
	}

	tagged := make(map[string]bool)
	for _, s := range suggestions {
		if s.IsMultiOrder {
			tagged[strings.ToUpper(s.OrderCode)] = true
		}
	}

	total := decimal.Zero
	splits := make([]Split, 0, len(top.RelatedOrders))
	for _, code := range top.RelatedOrders {
		if !tagged[strings.ToUpper(code)] {
			return nil, false
		}
		o, ok := byCode[strings.ToUpper(code)]
		if !ok {
			return nil, false
		}
		if !strings.EqualFold(o.Currency, p.refCurrency) || !strings.EqualFold(o.Currency, tx.Currency) {
			return nil, false
		}
		total = total.Add(o.PendingSum)
		splits = append(splits, Split{OrderCode: o.Code, Amount: o.PendingSum})
	}

	if !tx.Amount.Sub(total).Abs().LessThan(p.tolerance) {
		return nil, false
	}
	return splits, true
}

// singleSettleable is the strict single-order gate: exact-code match, amount
// confirmed, reference currency, matching currencies, confidence at or above
// the threshold.
func (p *Policy) singleSettleable(tx *bank.Transaction, s *bank.MatchSuggestion, byCode map[string]*ledger.Order) bool {
	if s.MatchType != bank.MatchTypeExactCode || !s.AmountMatch || s.Confidence < p.threshold {
		return false
	}
	if !strings.EqualFold(tx.Currency, p.refCurrency) {
		return false
	}
	o, ok := byCode[strings.ToUpper(s.OrderCode)]
	if !ok {
		return false
	}
	return strings.EqualFold(tx.Currency, o.Currency)
}

func trim(suggestions []bank.MatchSuggestion, limit int) []bank.MatchSuggestion {
	if len(suggestions) > limit {
		return suggestions[:limit]
	}
	return suggestions
}
