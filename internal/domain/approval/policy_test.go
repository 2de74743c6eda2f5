package approval

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"banksync-backend/internal/domain/bank"
	"banksync-backend/internal/infrastructure/config"
	"banksync-backend/internal/ledger"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testPolicy() *Policy {
	return NewPolicy(config.MatchingConfig{})
}

func pendingOrder(code, currency, pending string) ledger.Order {
	return ledger.Order{
		Code:       code,
		Organizer:  "demo",
		EventSlug:  "rw23",
		Currency:   currency,
		Status:     ledger.OrderStatusPending,
		PendingSum: dec(pending),
		CreatedAt:  time.Now(),
	}
}

func eurTx(amount string) *bank.Transaction {
	return &bank.Transaction{ID: 7, Amount: dec(amount), Currency: "EUR"}
}

func exactSuggestion(code string, confidence float64, amountMatch bool) bank.MatchSuggestion {
	return bank.MatchSuggestion{
		TransactionID: 7,
		OrderCode:     code,
		MatchType:     bank.MatchTypeExactCode,
		Confidence:    confidence,
		AmountMatch:   amountMatch,
	}
}

func multiSuggestion(code string, confidence float64, related []string) bank.MatchSuggestion {
	s := exactSuggestion(code, confidence, true)
	s.IsMultiOrder = true
	s.RelatedOrders = related
	return s
}

func TestDecide_NoSuggestions(t *testing.T) {
	d := testPolicy().Decide(eurTx("10.00"), nil, nil)
	assert.Equal(t, ActionNoMatch, d.Action)
}

func TestDecide_SingleAutoSettle(t *testing.T) {
	orders := []ledger.Order{pendingOrder("ABCD1", "EUR", "120.00")}
	suggestions := []bank.MatchSuggestion{exactSuggestion("ABCD1", 1.0, true)}

	d := testPolicy().Decide(eurTx("120.00"), suggestions, orders)

	require.Equal(t, ActionSettle, d.Action)
	require.Len(t, d.Splits, 1)
	assert.Equal(t, "ABCD1", d.Splits[0].OrderCode)
	assert.True(t, d.Splits[0].Amount.Equal(dec("120.00")))
}

func TestDecide_SingleBelowThresholdGoesToReview(t *testing.T) {
	orders := []ledger.Order{pendingOrder("ABCD1", "EUR", "120.00")}
	suggestions := []bank.MatchSuggestion{exactSuggestion("ABCD1", 0.9, false)}

	d := testPolicy().Decide(eurTx("60.00"), suggestions, orders)

	assert.Equal(t, ActionReview, d.Action)
	assert.Len(t, d.Suggestions, 1)
}

func TestDecide_SingleNonExactTypeGoesToReview(t *testing.T) {
	orders := []ledger.Order{pendingOrder("ABCD1", "EUR", "120.00")}
	s := exactSuggestion("ABCD1", 0.95, true)
	s.MatchType = bank.MatchTypeSenderName

	d := testPolicy().Decide(eurTx("120.00"), []bank.MatchSuggestion{s}, orders)

	assert.Equal(t, ActionReview, d.Action)
}

func TestDecide_SingleNonReferenceCurrencyGoesToReview(t *testing.T) {
	orders := []ledger.Order{pendingOrder("ABCD1", "CHF", "120.00")}
	tx := &bank.Transaction{ID: 7, Amount: dec("120.00"), Currency: "CHF"}

	d := testPolicy().Decide(tx, []bank.MatchSuggestion{exactSuggestion("ABCD1", 0.95, true)}, orders)

	assert.Equal(t, ActionReview, d.Action)
}

func TestDecide_SingleReviewCappedAtFive(t *testing.T) {
	var suggestions []bank.MatchSuggestion
	var orders []ledger.Order
	for _, code := range []string{"AAAA1", "BBBB1", "CCCC1", "DDDD1", "EEEE1", "FFFF1", "GGGG1"} {
		orders = append(orders, pendingOrder(code, "EUR", "50.00"))
		suggestions = append(suggestions, exactSuggestion(code, 0.9, false))
	}

	d := testPolicy().Decide(eurTx("45.00"), suggestions, orders)

	require.Equal(t, ActionReview, d.Action)
	assert.Len(t, d.Suggestions, 5)
	assert.Equal(t, "AAAA1", d.Suggestions[0].OrderCode)
}

func TestDecide_MultiAutoSettleUsesPendingBalances(t *testing.T) {
	orders := []ledger.Order{
		pendingOrder("ABCD1", "EUR", "100.00"),
		pendingOrder("EFGH2", "EUR", "50.00"),
	}
	related := []string{"ABCD1", "EFGH2"}
	suggestions := []bank.MatchSuggestion{
		multiSuggestion("ABCD1", 0.95, related),
		multiSuggestion("EFGH2", 0.95, related),
	}

	d := testPolicy().Decide(eurTx("150.00"), suggestions, orders)

	require.Equal(t, ActionSettle, d.Action)
	require.Len(t, d.Splits, 2)
	total := decimal.Zero
	for _, s := range d.Splits {
		total = total.Add(s.Amount)
	}
	assert.True(t, total.Equal(dec("150.00")))
	assert.True(t, d.Splits[0].Amount.Equal(dec("100.00")))
	assert.True(t, d.Splits[1].Amount.Equal(dec("50.00")))
}

func TestDecide_MultiMissingSiblingGoesToReview(t *testing.T) {
	orders := []ledger.Order{
		pendingOrder("ABCD1", "EUR", "100.00"),
		pendingOrder("EFGH2", "EUR", "50.00"),
	}
	suggestions := []bank.MatchSuggestion{
		multiSuggestion("ABCD1", 0.95, []string{"ABCD1", "EFGH2"}),
		// EFGH2's sibling suggestion missing
	}

	d := testPolicy().Decide(eurTx("150.00"), suggestions, orders)

	assert.Equal(t, ActionReview, d.Action)
}

func TestDecide_MultiSumDriftGoesToReview(t *testing.T) {
	// Pending balance changed between matching and the decision.
	orders := []ledger.Order{
		pendingOrder("ABCD1", "EUR", "100.00"),
		pendingOrder("EFGH2", "EUR", "40.00"),
	}
	related := []string{"ABCD1", "EFGH2"}
	suggestions := []bank.MatchSuggestion{
		multiSuggestion("ABCD1", 0.95, related),
		multiSuggestion("EFGH2", 0.95, related),
	}

	d := testPolicy().Decide(eurTx("150.00"), suggestions, orders)

	assert.Equal(t, ActionReview, d.Action)
	assert.Len(t, d.Suggestions, 2)
}

func TestDecide_MultiDriftAtToleranceGoesToReview(t *testing.T) {
	// A difference of exactly one cent is already out of tolerance; only a
	// strictly smaller gap auto-settles.
	orders := []ledger.Order{
		pendingOrder("ABCD1", "EUR", "100.00"),
		pendingOrder("EFGH2", "EUR", "49.99"),
	}
	related := []string{"ABCD1", "EFGH2"}
	suggestions := []bank.MatchSuggestion{
		multiSuggestion("ABCD1", 0.95, related),
		multiSuggestion("EFGH2", 0.95, related),
	}

	d := testPolicy().Decide(eurTx("150.00"), suggestions, orders)

	assert.Equal(t, ActionReview, d.Action)
}

func TestDecide_MultiNonEURGoesToReview(t *testing.T) {
	orders := []ledger.Order{
		pendingOrder("ABCD1", "CHF", "100.00"),
		pendingOrder("EFGH2", "CHF", "50.00"),
	}
	related := []string{"ABCD1", "EFGH2"}
	suggestions := []bank.MatchSuggestion{
		multiSuggestion("ABCD1", 0.85, related),
		multiSuggestion("EFGH2", 0.85, related),
	}
	tx := &bank.Transaction{ID: 7, Amount: dec("150.00"), Currency: "CHF"}

	d := testPolicy().Decide(tx, suggestions, orders)

	assert.Equal(t, ActionReview, d.Action)
}
