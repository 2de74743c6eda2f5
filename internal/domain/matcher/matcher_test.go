package matcher

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"banksync-backend/internal/domain/bank"
	"banksync-backend/internal/ledger"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func makeOrder(code, slug, currency, pending string) ledger.Order {
	return ledger.Order{
		Code:       code,
		Organizer:  "demo",
		EventSlug:  slug,
		Currency:   currency,
		Status:     ledger.OrderStatusPending,
		Total:      dec(pending),
		PendingSum: dec(pending),
		CreatedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func makeTx(reference, amount, currency string) *bank.Transaction {
	return &bank.Transaction{
		ID:        1,
		Amount:    dec(amount),
		Currency:  currency,
		Date:      time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
		Reference: reference,
	}
}

func TestExactCodeMatch_FullConfidence(t *testing.T) {
	m := New(DefaultConfig(), nil)
	orders := []ledger.Order{makeOrder("ABCD1", "rw23", "EUR", "120.00")}
	tx := makeTx("Order RW23-ABCD1 payment", "120.00", "EUR")

	suggestions := m.GenerateSuggestions(context.Background(), tx, orders)

	require.Len(t, suggestions, 1)
	assert.Equal(t, bank.MatchTypeExactCode, suggestions[0].MatchType)
	assert.Equal(t, 1.0, suggestions[0].Confidence)
	assert.True(t, suggestions[0].AmountMatch)
	assert.Equal(t, "ABCD1", suggestions[0].OrderCode)
}

func TestExactCodeMatch_AmountMismatchIsPartialCandidate(t *testing.T) {
	m := New(DefaultConfig(), nil)
	orders := []ledger.Order{makeOrder("ABCD1", "rw23", "EUR", "120.00")}
	tx := makeTx("ABCD1", "60.00", "EUR")

	suggestions := m.GenerateSuggestions(context.Background(), tx, orders)

	require.Len(t, suggestions, 1)
	assert.Equal(t, 0.9, suggestions[0].Confidence)
	assert.False(t, suggestions[0].AmountMatch)
	assert.True(t, suggestions[0].AmountDifference.Equal(dec("-60.00")))
}

func TestExactCodeMatch_NonReferenceCurrency(t *testing.T) {
	m := New(DefaultConfig(), nil)
	orders := []ledger.Order{makeOrder("ABCD1", "rw23", "CHF", "120.00")}
	tx := makeTx("ABCD1", "120.00", "CHF")

	suggestions := m.GenerateSuggestions(context.Background(), tx, orders)

	require.Len(t, suggestions, 1)
	assert.Equal(t, 0.85, suggestions[0].Confidence)
	assert.Contains(t, suggestions[0].Reason, "non-EUR")
}

func TestMultiOrder_SumMatches(t *testing.T) {
	m := New(DefaultConfig(), nil)
	orders := []ledger.Order{
		makeOrder("ABCD1", "rw23", "EUR", "100.00"),
		makeOrder("EFGH2", "rw23", "EUR", "50.00"),
	}
	tx := makeTx("RW23-ABCD1 and RW23-EFGH2", "150.00", "EUR")

	suggestions := m.GenerateSuggestions(context.Background(), tx, orders)

	require.Len(t, suggestions, 2)
	for _, s := range suggestions {
		assert.Equal(t, 0.95, s.Confidence)
		assert.True(t, s.IsMultiOrder)
		assert.ElementsMatch(t, []string{"ABCD1", "EFGH2"}, s.RelatedOrders)
	}
}

func TestMultiOrder_SumMismatchGradesIndividually(t *testing.T) {
	m := New(DefaultConfig(), nil)
	orders := []ledger.Order{
		makeOrder("ABCD1", "rw23", "EUR", "100.00"),
		makeOrder("EFGH2", "rw23", "EUR", "50.00"),
	}
	tx := makeTx("ABCD1 EFGH2", "100.00", "EUR")

	suggestions := m.GenerateSuggestions(context.Background(), tx, orders)

	require.Len(t, suggestions, 2)
	assert.Equal(t, "ABCD1", suggestions[0].OrderCode) // exact amount, ranked first
	assert.Equal(t, 1.0, suggestions[0].Confidence)
	assert.False(t, suggestions[0].IsMultiOrder)
	assert.Equal(t, 0.9, suggestions[1].Confidence)
	assert.Contains(t, suggestions[1].Reason, "amounts don't sum correctly")
}

func TestFuzzyCode_OnlyWhenNoExactMatch(t *testing.T) {
	m := New(DefaultConfig(), nil)
	orders := []ledger.Order{makeOrder("AB-CD1", "rw23", "EUR", "75.00")}
	// Punctuation-embedded: stage 1 sees neither "AB-CD1" nor "ABCD1"
	// without punctuation stripping, stage 2 does.
	tx := makeTx("payment ref A.B.C.D.1 thanks", "75.00", "EUR")

	suggestions := m.GenerateSuggestions(context.Background(), tx, orders)

	require.Len(t, suggestions, 1)
	assert.Equal(t, bank.MatchTypeFuzzyCode, suggestions[0].MatchType)
	assert.Equal(t, 0.75, suggestions[0].Confidence)
}

func TestSenderName_ReversedName(t *testing.T) {
	m := New(DefaultConfig(), nil)
	o := makeOrder("ABCD1", "rw23", "EUR", "80.00")
	o.CustomerName = "Smith, John"
	tx := makeTx("no code here", "80.00", "EUR")
	tx.DebtorName = "John Smith"

	suggestions := m.GenerateSuggestions(context.Background(), tx, []ledger.Order{o})

	require.Len(t, suggestions, 1)
	assert.Equal(t, bank.MatchTypeSenderName, suggestions[0].MatchType)
	// similarity 1.0 with matching amount in EUR: min(0.8, 1.0*0.7+0.3)
	assert.Equal(t, 0.8, suggestions[0].Confidence)
}

func TestSenderName_BelowThresholdIgnored(t *testing.T) {
	m := New(DefaultConfig(), nil)
	o := makeOrder("ABCD1", "rw23", "EUR", "80.00")
	o.CustomerName = "Erika Mustermann"
	tx := makeTx("no code here", "999.00", "EUR")
	tx.DebtorName = "John Smith"

	assert.Empty(t, m.GenerateSuggestions(context.Background(), tx, []ledger.Order{o}))
}

func TestAmountOnly_WithinTenPercent(t *testing.T) {
	m := New(DefaultConfig(), nil)
	orders := []ledger.Order{makeOrder("ABCD1", "rw23", "EUR", "38.00")}
	tx := makeTx("unrelated text", "37.50", "EUR")

	suggestions := m.GenerateSuggestions(context.Background(), tx, orders)

	require.Len(t, suggestions, 1)
	assert.Equal(t, bank.MatchTypeAmountOnly, suggestions[0].MatchType)
	assert.LessOrEqual(t, suggestions[0].Confidence, 0.4)
	assert.Equal(t, 0.3, suggestions[0].Confidence)
}

func TestAmountOnly_CurrencyMustMatch(t *testing.T) {
	m := New(DefaultConfig(), nil)
	orders := []ledger.Order{makeOrder("ABCD1", "rw23", "USD", "38.00")}
	tx := makeTx("unrelated text", "37.50", "EUR")

	assert.Empty(t, m.GenerateSuggestions(context.Background(), tx, orders))
}

func TestAmountOnly_OutsideToleranceIgnored(t *testing.T) {
	m := New(DefaultConfig(), nil)
	orders := []ledger.Order{makeOrder("ABCD1", "rw23", "EUR", "200.00")}
	tx := makeTx("unrelated text", "37.50", "EUR")

	assert.Empty(t, m.GenerateSuggestions(context.Background(), tx, orders))
}

func TestRanking_DeterministicAndCapped(t *testing.T) {
	cfg := DefaultConfig()
	m := New(cfg, nil)

	orders := make([]ledger.Order, 0, 15)
	for _, code := range []string{
		"AAAA1", "BBBB1", "CCCC1", "DDDD1", "EEEE1", "FFFF1", "GGGG1",
		"HHHH1", "IIII1", "JJJJ1", "KKKK1", "LLLL1", "MMMM1", "NNNN1", "OOOO1",
	} {
		orders = append(orders, makeOrder(code, "rw23", "EUR", "40.00"))
	}
	tx := makeTx("no code", "40.00", "EUR")

	first := m.GenerateSuggestions(context.Background(), tx, orders)
	require.Len(t, first, cfg.MaxSuggestions)

	for i := 0; i < 5; i++ {
		again := m.GenerateSuggestions(context.Background(), tx, orders)
		assert.Equal(t, first, again)
	}
	for i := 1; i < len(first); i++ {
		assert.GreaterOrEqual(t, first[i-1].Confidence, first[i].Confidence)
		if first[i-1].Confidence == first[i].Confidence {
			assert.Less(t, first[i-1].OrderCode, first[i].OrderCode)
		}
	}
}

func TestNoOrders(t *testing.T) {
	m := New(DefaultConfig(), nil)
	assert.Empty(t, m.GenerateSuggestions(context.Background(), makeTx("x", "10.00", "EUR"), nil))
}
