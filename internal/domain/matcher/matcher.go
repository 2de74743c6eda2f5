// Package matcher produces ranked match suggestions pairing one bank
// transaction with candidate orders.
//
// Candidate generation is strictly staged; the first stage that yields
// suggestions wins, in priority order:
//  1. exact order-code match in the reference text
//  2. fuzzy order-code match (code embedded in other words/punctuation)
//  3. counterparty-name similarity against customer names
//  4. amount-only fallback
//
// Confidence scores are in [0,1]; 0.95 and above is auto-settlement
// territory, everything below goes to human review.
package matcher

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"banksync-backend/internal/domain/bank"
	"banksync-backend/internal/domain/names"
	"banksync-backend/internal/domain/reference"
	"banksync-backend/internal/ledger"
)

// Matcher generates match suggestions for bank transactions.
type Matcher struct {
	cfg      Config
	resolver OrderResolver
}

// New creates a matcher. resolver may be nil, disabling invoice-number and
// slug-prefixed code resolution.
func New(cfg Config, resolver OrderResolver) *Matcher {
	return &Matcher{cfg: cfg, resolver: resolver}
}

var nonAlnum = regexp.MustCompile(`[^A-Z0-9]`)

// GenerateSuggestions produces the ranked candidate list for one transaction
// against the organizer's pending orders. The result is capped and sorted by
// confidence descending with a deterministic tie-break (most recent order
// first, then code).
func (m *Matcher) GenerateSuggestions(ctx context.Context, tx *bank.Transaction, orders []ledger.Order) []bank.MatchSuggestion {
	if len(orders) == 0 {
		return nil
	}

	refText := tx.ReferenceText()
	refUpper := strings.ToUpper(refText)

	suggestions := m.exactCodeStage(ctx, tx, orders, refUpper)

	if len(suggestions) == 0 {
		suggestions = m.fuzzyCodeStage(tx, orders, refUpper)
	}

	if len(suggestions) == 0 {
		suggestions = m.senderNameStage(tx, orders)
	}

	if len(suggestions) == 0 {
		suggestions = m.amountOnlyStage(tx, orders)
	}

	m.rank(suggestions, orders)

	if len(suggestions) > m.cfg.MaxSuggestions {
		suggestions = suggestions[:m.cfg.MaxSuggestions]
	}
	return suggestions
}

// exactCodeStage finds pending orders whose code appears in the reference
// text, directly or via a registered prefix (event slug or invoice number).
func (m *Matcher) exactCodeStage(ctx context.Context, tx *bank.Transaction, orders []ledger.Order, refUpper string) []bank.MatchSuggestion {
	refCompact := strings.NewReplacer(" ", "", "-", "").Replace(refUpper)

	byCode := make(map[string]*ledger.Order, len(orders))
	for i := range orders {
		byCode[strings.ToUpper(orders[i].Code)] = &orders[i]
	}

	var matched []*ledger.Order
	seen := make(map[string]bool)
	add := func(o *ledger.Order) {
		code := strings.ToUpper(o.Code)
		if !seen[code] {
			seen[code] = true
			matched = append(matched, o)
		}
	}

	for i := range orders {
		code := strings.ToUpper(orders[i].Code)
		if strings.Contains(refUpper, code) ||
			strings.Contains(refCompact, strings.ReplaceAll(code, "-", "")) {
			add(&orders[i])
		}
	}

	// Slug-prefixed and invoice-numbered codes, e.g. "RW23-ABCD1" or
	// "INV-00042", resolved through the parser.
	for _, hit := range m.parseReference(ctx, tx, orders) {
		if o, ok := byCode[hit.Code]; ok {
			add(o)
			continue
		}
		if m.resolver == nil {
			continue
		}
		if o, err := m.resolver.OrderByCode(ctx, orderOrganizer(orders), []string{hit.Prefix}, hit.Code); err == nil {
			if p, ok := byCode[strings.ToUpper(o.Code)]; ok {
				add(p)
				continue
			}
		}
		if o, err := m.resolver.OrderByInvoice(ctx, orderOrganizer(orders), []string{hit.Prefix}, hit.Code); err == nil {
			if p, ok := byCode[strings.ToUpper(o.Code)]; ok {
				add(p)
			}
		}
	}

	switch {
	case len(matched) > 1:
		return m.multiOrderSuggestions(tx, matched)
	case len(matched) == 1:
		return []bank.MatchSuggestion{m.exactSuggestion(tx, matched[0], "")}
	default:
		return nil
	}
}

// parseReference runs the prefix-alternation parser over the reference text.
func (m *Matcher) parseReference(ctx context.Context, tx *bank.Transaction, orders []ledger.Order) []reference.Hit {
	prefixes := make([]string, 0, len(orders)+4)
	seen := make(map[string]bool)
	for i := range orders {
		s := strings.ToUpper(orders[i].EventSlug)
		if s != "" && !seen[s] {
			seen[s] = true
			prefixes = append(prefixes, s)
		}
	}
	if m.resolver != nil {
		if inv, err := m.resolver.InvoicePrefixes(ctx, orderOrganizer(orders)); err == nil {
			for _, p := range inv {
				p = strings.ToUpper(p)
				if p != "" && !seen[p] {
					seen[p] = true
					prefixes = append(prefixes, p)
				}
			}
		}
	}

	p := reference.NewParser(prefixes, m.cfg.CodeLengthMin, m.cfg.CodeLengthMax)
	return p.Parse(tx.ReferenceText())
}

// multiOrderSuggestions handles more than one code in one reference: either
// the pending sums add up to the transaction amount (a deliberate N-order
// payment) or they don't (ambiguous, graded individually).
func (m *Matcher) multiOrderSuggestions(tx *bank.Transaction, matched []*ledger.Order) []bank.MatchSuggestion {
	totalPending := decimal.Zero
	for _, o := range matched {
		totalPending = totalPending.Add(o.PendingSum)
	}

	totalMatches := tx.Amount.Sub(totalPending).Abs().LessThan(m.cfg.AmountTolerance)
	currenciesMatch := true
	for _, o := range matched {
		if !strings.EqualFold(tx.Currency, o.Currency) {
			currenciesMatch = false
			break
		}
	}
	isRef := m.isReferenceCurrency(tx.Currency)

	if totalMatches && currenciesMatch {
		confidence := 0.95
		if !isRef {
			confidence = 0.85
		}
		related := make([]string, len(matched))
		for i, o := range matched {
			related[i] = o.Code
		}

		out := make([]bank.MatchSuggestion, 0, len(matched))
		for _, o := range matched {
			out = append(out, bank.MatchSuggestion{
				TransactionID: tx.ID,
				OrderCode:     o.Code,
				MatchType:     bank.MatchTypeExactCode,
				Confidence:    confidence,
				Reason: fmt.Sprintf(
					"Multiple order codes found in reference. This transaction appears to pay %d orders; order %s is one of them (total %s %s).",
					len(matched), o.Code, tx.Amount.StringFixed(2), tx.Currency),
				AmountMatch:      true, // the total matches, not the individual amount
				AmountDifference: o.PendingSum.Sub(tx.Amount),
				IsMultiOrder:     true,
				RelatedOrders:    related,
			})
		}
		return out
	}

	// Codes found but the sums don't reconcile: independent candidates.
	note := fmt.Sprintf(" (%d order codes found, but amounts don't sum correctly)", len(matched))
	out := make([]bank.MatchSuggestion, 0, len(matched))
	for _, o := range matched {
		out = append(out, m.exactSuggestion(tx, o, note))
	}
	return out
}

// exactSuggestion grades a single exact-code candidate.
func (m *Matcher) exactSuggestion(tx *bank.Transaction, o *ledger.Order, note string) bank.MatchSuggestion {
	amountDiff := tx.Amount.Sub(o.PendingSum)
	amountMatch := amountDiff.Abs().LessThan(m.cfg.AmountTolerance)
	currencyMatch := strings.EqualFold(tx.Currency, o.Currency)
	isRef := m.isReferenceCurrency(tx.Currency)

	var confidence float64
	switch {
	case amountMatch && currencyMatch && isRef:
		confidence = 1.0
	case amountMatch && (currencyMatch || isRef):
		confidence = 0.85
	case amountMatch:
		confidence = 0.8
	case isRef:
		// Code match without amount confirmation covers expected partial
		// payments.
		confidence = 0.9
	default:
		confidence = 0.85
	}

	reason := fmt.Sprintf("Exact order code %s found in transaction reference", o.Code)
	reason += note
	reason += m.currencyNotes(tx, o, currencyMatch, isRef)

	return bank.MatchSuggestion{
		TransactionID:    tx.ID,
		OrderCode:        o.Code,
		MatchType:        bank.MatchTypeExactCode,
		Confidence:       confidence,
		Reason:           reason,
		AmountMatch:      amountMatch,
		AmountDifference: amountDiff,
	}
}

// fuzzyCodeStage finds order codes embedded anywhere in the reference once
// all non-alphanumeric characters are stripped from both sides.
func (m *Matcher) fuzzyCodeStage(tx *bank.Transaction, orders []ledger.Order, refUpper string) []bank.MatchSuggestion {
	refStripped := nonAlnum.ReplaceAllString(refUpper, "")

	var out []bank.MatchSuggestion
	for i := range orders {
		o := &orders[i]
		code := strings.ToUpper(o.Code)
		codeStripped := nonAlnum.ReplaceAllString(code, "")
		if codeStripped == "" {
			continue
		}
		if !strings.Contains(refUpper, code) && !strings.Contains(refStripped, codeStripped) {
			continue
		}

		amountDiff := tx.Amount.Sub(o.PendingSum)
		amountMatch := amountDiff.Abs().LessThan(m.cfg.AmountTolerance)
		currencyMatch := strings.EqualFold(tx.Currency, o.Currency)
		isRef := m.isReferenceCurrency(tx.Currency)

		var confidence float64
		switch {
		case amountMatch && currencyMatch && isRef:
			confidence = 0.75
		case amountMatch:
			confidence = 0.7
		default:
			confidence = 0.65
		}
		if !isRef {
			confidence = max(0.6, confidence-0.1)
		}

		reason := fmt.Sprintf("Order code %s found within transaction reference text", o.Code)
		reason += m.currencyNotes(tx, o, currencyMatch, isRef)

		out = append(out, bank.MatchSuggestion{
			TransactionID:    tx.ID,
			OrderCode:        o.Code,
			MatchType:        bank.MatchTypeFuzzyCode,
			Confidence:       confidence,
			Reason:           reason,
			AmountMatch:      amountMatch,
			AmountDifference: amountDiff,
		})
	}
	return out
}

// senderNameStage compares the counterparty name against customer names.
func (m *Matcher) senderNameStage(tx *bank.Transaction, orders []ledger.Order) []bank.MatchSuggestion {
	sender := tx.SenderName()
	if sender == "" {
		return nil
	}

	var out []bank.MatchSuggestion
	for i := range orders {
		o := &orders[i]
		if o.CustomerName == "" {
			continue
		}
		similarity := names.Similarity(sender, o.CustomerName)
		if similarity <= m.cfg.NameThreshold {
			continue
		}

		amountDiff := tx.Amount.Sub(o.PendingSum)
		amountMatch := amountDiff.Abs().LessThan(m.cfg.AmountTolerance)
		currencyMatch := strings.EqualFold(tx.Currency, o.Currency)
		isRef := m.isReferenceCurrency(tx.Currency)

		confidence := similarity * 0.6
		switch {
		case amountMatch && currencyMatch && isRef:
			confidence = min(0.8, similarity*0.7+0.3)
		case amountMatch:
			confidence = min(0.75, similarity*0.65+0.25)
		}
		if !isRef {
			confidence = max(0.5, confidence-0.1)
		}

		reason := fmt.Sprintf("Sender name %q matches customer name %q (similarity: %.2f)",
			sender, o.CustomerName, similarity)
		reason += m.currencyNotes(tx, o, currencyMatch, isRef)

		out = append(out, bank.MatchSuggestion{
			TransactionID:    tx.ID,
			OrderCode:        o.Code,
			MatchType:        bank.MatchTypeSenderName,
			Confidence:       confidence,
			Reason:           reason,
			AmountMatch:      amountMatch,
			AmountDifference: amountDiff,
		})
	}
	return out
}

// amountOnlyStage is the last resort: same currency and a pending sum within
// 10% (or 10 currency units, whichever is larger) of the transaction amount.
func (m *Matcher) amountOnlyStage(tx *bank.Transaction, orders []ledger.Order) []bank.MatchSuggestion {
	ten := decimal.NewFromInt(10)

	var out []bank.MatchSuggestion
	for i := range orders {
		o := &orders[i]
		if !strings.EqualFold(tx.Currency, o.Currency) {
			continue
		}

		amountDiff := tx.Amount.Sub(o.PendingSum).Abs()
		amountMatch := amountDiff.LessThan(m.cfg.AmountTolerance)
		limit := decimal.Max(o.PendingSum.Mul(decimal.NewFromFloat(0.1)), ten)
		if amountDiff.GreaterThan(limit) {
			continue
		}
		isRef := m.isReferenceCurrency(tx.Currency)

		var confidence float64
		switch {
		case amountMatch && isRef:
			confidence = 0.4
		case amountMatch:
			confidence = 0.35
		case isRef:
			confidence = 0.3
		default:
			confidence = 0.25
		}

		reason := fmt.Sprintf("Amount match only (no order code or name found). Amount: %s %s, order pending: %s %s",
			tx.Amount.StringFixed(2), tx.Currency, o.PendingSum.StringFixed(2), o.Currency)
		if !amountMatch {
			reason += fmt.Sprintf(" (difference: %s)", amountDiff.StringFixed(2))
		}

		out = append(out, bank.MatchSuggestion{
			TransactionID:    tx.ID,
			OrderCode:        o.Code,
			MatchType:        bank.MatchTypeAmountOnly,
			Confidence:       confidence,
			Reason:           reason,
			AmountMatch:      amountMatch,
			AmountDifference: amountDiff,
		})
	}
	return out
}

// rank sorts by confidence descending; ties order by the candidate order's
// creation time (most recent first), then by code, so the ranking is total
// and reproducible.
func (m *Matcher) rank(suggestions []bank.MatchSuggestion, orders []ledger.Order) {
	created := make(map[string]int64, len(orders))
	for i := range orders {
		created[orders[i].Code] = orders[i].CreatedAt.UnixNano()
	}

	sort.SliceStable(suggestions, func(i, j int) bool {
		a, b := &suggestions[i], &suggestions[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if ca, cb := created[a.OrderCode], created[b.OrderCode]; ca != cb {
			return ca > cb
		}
		return a.OrderCode < b.OrderCode
	})
}

func (m *Matcher) isReferenceCurrency(currency string) bool {
	return strings.EqualFold(currency, m.cfg.ReferenceCurrency)
}

func (m *Matcher) currencyNotes(tx *bank.Transaction, o *ledger.Order, currencyMatch, isRef bool) string {
	var b strings.Builder
	if !currencyMatch {
		fmt.Fprintf(&b, " (currency mismatch: %s vs %s)", tx.Currency, o.Currency)
	}
	if !isRef {
		fmt.Fprintf(&b, " (non-%s currency: %s)", m.cfg.ReferenceCurrency, tx.Currency)
	}
	return b.String()
}

// orderOrganizer returns the organizer shared by the pending orders.
func orderOrganizer(orders []ledger.Order) string {
	if len(orders) == 0 {
		return ""
	}
	return orders[0].Organizer
}
