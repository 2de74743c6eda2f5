package service

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"banksync-backend/internal/adapters/providers"
	"banksync-backend/internal/domain/bank"
	"banksync-backend/internal/domain/settlement"
	"banksync-backend/internal/infrastructure/config"
	"banksync-backend/internal/infrastructure/storage"
	"banksync-backend/internal/ledger"
)

// stubProvider serves canned accounts and transactions.
type stubProvider struct {
	transactions []providers.Transaction
	fetchErr     error
	consent      providers.Consent
	consentErr   error
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) CreateAuthorization(context.Context, string, string) (*providers.AuthorizationLink, error) {
	return &providers.AuthorizationLink{ID: "stub-ref", Link: "https://example.com/auth"}, nil
}

func (p *stubProvider) Accounts(context.Context, string) ([]providers.Account, error) {
	return []providers.Account{{ID: "acct-1", IBAN: "DE02120300000000202051", Currency: "EUR"}}, nil
}

func (p *stubProvider) Transactions(context.Context, string, time.Time, time.Time) ([]providers.Transaction, error) {
	if p.fetchErr != nil {
		return nil, p.fetchErr
	}
	return p.transactions, nil
}

func (p *stubProvider) Consent(context.Context, string) (*providers.Consent, error) {
	if p.consentErr != nil {
		return nil, p.consentErr
	}
	c := p.consent
	return &c, nil
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func newTestSync(t *testing.T, provider *stubProvider) (*SyncService, *storage.MockRepository, *ledger.Mock) {
	t.Helper()
	cfg := config.LoadFromEnv()
	repo := storage.NewMockRepository()
	orders := ledger.NewMock()
	logger := slog.Default()
	engine := settlement.New(orders, dec("0.01"), logger)
	svc := NewSyncService(cfg, repo, orders, engine, map[string]providers.Provider{"stub": provider}, logger)
	return svc, repo, orders
}

func activeConnection(t *testing.T, repo *storage.MockRepository) *bank.Connection {
	t.Helper()
	conn := &bank.Connection{
		Provider:  "stub",
		Reference: "stub-ref",
		Organizer: "demo",
		Status:    bank.ConnectionActive,
	}
	require.NoError(t, repo.SaveConnection(context.Background(), conn))
	return conn
}

func pendingOrder(code, slug string, pending string) ledger.Order {
	return ledger.Order{
		Code:       code,
		Organizer:  "demo",
		EventSlug:  slug,
		Currency:   "EUR",
		Status:     ledger.OrderStatusPending,
		Total:      dec(pending),
		PendingSum: dec(pending),
		CreatedAt:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func providerTx(id, reference, amount string) providers.Transaction {
	return providers.Transaction{
		TransactionID: id,
		AccountID:     "acct-1",
		Amount:        dec(amount),
		Currency:      "EUR",
		Date:          time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
		Reference:     reference,
		DebtorName:    "John Smith",
	}
}

func TestSyncConnection_ExactMatchAutoSettles(t *testing.T) {
	provider := &stubProvider{
		transactions: []providers.Transaction{providerTx("ext-1", "Order RW23-ABCD1 payment", "100.00")},
	}
	svc, repo, orders := newTestSync(t, provider)
	conn := activeConnection(t, repo)
	orders.AddOrder(pendingOrder("ABCD1", "rw23", "100.00"))

	result, err := svc.SyncConnection(context.Background(), conn.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Fetched)
	assert.Equal(t, 1, result.Ingested)
	assert.Equal(t, 1, result.Matched)
	assert.Equal(t, 0, result.PendingReview)

	txs, err := repo.ListTransactions(context.Background(), conn.ID, "", 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, bank.StateMatched, txs[0].State)
	assert.Equal(t, "ABCD1", txs[0].OrderCode)

	order, err := orders.Order("ABCD1")
	require.NoError(t, err)
	assert.True(t, order.PendingSum.IsZero())
}

func TestSyncConnection_SecondRunIsIdempotent(t *testing.T) {
	provider := &stubProvider{
		transactions: []providers.Transaction{providerTx("ext-1", "Order RW23-ABCD1 payment", "100.00")},
	}
	svc, repo, orders := newTestSync(t, provider)
	conn := activeConnection(t, repo)
	orders.AddOrder(pendingOrder("ABCD1", "rw23", "100.00"))

	_, err := svc.SyncConnection(context.Background(), conn.ID)
	require.NoError(t, err)

	result, err := svc.SyncConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Ingested)
	assert.Equal(t, 1, result.Duplicates)
	assert.Equal(t, 0, result.Matched)

	require.Len(t, orders.Payments, 1)
}

func TestSyncConnection_ZeroAmountIsDiscarded(t *testing.T) {
	provider := &stubProvider{
		transactions: []providers.Transaction{providerTx("ext-zero", "Order RW23-ABCD1", "0.00")},
	}
	svc, repo, orders := newTestSync(t, provider)
	conn := activeConnection(t, repo)
	orders.AddOrder(pendingOrder("ABCD1", "rw23", "100.00"))

	result, err := svc.SyncConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Discarded)

	txs, _ := repo.ListTransactions(context.Background(), conn.ID, bank.StateDiscarded, 0)
	require.Len(t, txs, 1)
}

func TestSyncConnection_AmountMismatchGoesToReview(t *testing.T) {
	// Exact code but wrong amount: confident enough to suggest, not to settle.
	provider := &stubProvider{
		transactions: []providers.Transaction{providerTx("ext-2", "Order RW23-ABCD1 payment", "40.00")},
	}
	svc, repo, orders := newTestSync(t, provider)
	conn := activeConnection(t, repo)
	orders.AddOrder(pendingOrder("ABCD1", "rw23", "100.00"))

	result, err := svc.SyncConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.PendingReview)

	txs, _ := repo.ListTransactions(context.Background(), conn.ID, bank.StatePendingApproval, 0)
	require.Len(t, txs, 1)

	suggestions, err := repo.ListSuggestions(context.Background(), txs[0].ID)
	require.NoError(t, err)
	require.NotEmpty(t, suggestions)
	assert.Equal(t, "ABCD1", suggestions[0].OrderCode)

	require.Empty(t, orders.Payments, "nothing may settle before review")
}

func TestSyncConnection_NoCandidateIsNoMatch(t *testing.T) {
	provider := &stubProvider{
		transactions: []providers.Transaction{providerTx("ext-3", "Monthly office rent", "1234.56")},
	}
	svc, repo, orders := newTestSync(t, provider)
	conn := activeConnection(t, repo)
	orders.AddOrder(pendingOrder("ABCD1", "rw23", "100.00"))

	result, err := svc.SyncConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.NoMatch)

	txs, _ := repo.ListTransactions(context.Background(), conn.ID, bank.StateNoMatch, 0)
	require.Len(t, txs, 1)
}

func TestSyncConnection_BudgetExhausted(t *testing.T) {
	provider := &stubProvider{}
	svc, repo, _ := newTestSync(t, provider)
	conn := activeConnection(t, repo)

	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	svc.SetClock(func() time.Time { return now })

	for i := 0; i < 4; i++ {
		_, err := svc.SyncConnection(context.Background(), conn.ID)
		require.NoError(t, err)
	}

	_, err := svc.SyncConnection(context.Background(), conn.ID)
	assert.ErrorIs(t, err, ErrSyncBudgetExhausted)

	// A new day resets the budget.
	svc.SetClock(func() time.Time { return now.AddDate(0, 0, 1) })
	_, err = svc.SyncConnection(context.Background(), conn.ID)
	assert.NoError(t, err)
}

func TestSyncConnection_ExpiredConsentDeactivates(t *testing.T) {
	provider := &stubProvider{consent: providers.Consent{Status: "EX"}}
	svc, repo, _ := newTestSync(t, provider)
	conn := activeConnection(t, repo)

	_, err := svc.SyncConnection(context.Background(), conn.ID)
	require.Error(t, err)

	stored, err := repo.GetConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, bank.ConnectionExpired, stored.Status)
}

func TestSyncConnection_ConsentExpiryWarning(t *testing.T) {
	soon := time.Now().AddDate(0, 0, 3)
	provider := &stubProvider{consent: providers.Consent{Status: "LN", ExpiresAt: &soon}}
	svc, repo, _ := newTestSync(t, provider)
	conn := activeConnection(t, repo)

	result, err := svc.SyncConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.True(t, result.ConsentExpiresSoon)
}

func TestSyncConnection_UnknownProvider(t *testing.T) {
	svc, repo, _ := newTestSync(t, &stubProvider{})
	conn := &bank.Connection{Provider: "nosuch", Reference: "x", Organizer: "demo", Status: bank.ConnectionActive}
	require.NoError(t, repo.SaveConnection(context.Background(), conn))

	_, err := svc.SyncConnection(context.Background(), conn.ID)
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestRematch_PicksUpNewOrders(t *testing.T) {
	provider := &stubProvider{
		transactions: []providers.Transaction{providerTx("ext-4", "Order RW23-ABCD1 payment", "100.00")},
	}
	svc, repo, orders := newTestSync(t, provider)
	conn := activeConnection(t, repo)

	// No orders yet: the transaction lands in no-match.
	result, err := svc.SyncConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	require.Equal(t, 1, result.NoMatch)

	// The order shows up later, rematch settles it.
	orders.AddOrder(pendingOrder("ABCD1", "rw23", "100.00"))

	rematch, err := svc.Rematch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rematch.Considered)
	assert.Equal(t, 1, rematch.Matched)

	txs, _ := repo.ListTransactions(context.Background(), conn.ID, bank.StateMatched, 0)
	require.Len(t, txs, 1)
	assert.Empty(t, txs[0].ErrorMessage)
}

func TestSyncConnection_FetchFailureRecordsError(t *testing.T) {
	provider := &stubProvider{fetchErr: errors.New("gateway timeout")}
	svc, repo, _ := newTestSync(t, provider)
	conn := activeConnection(t, repo)

	_, err := svc.SyncConnection(context.Background(), conn.ID)
	require.Error(t, err)

	stored, err := repo.GetConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, bank.ConnectionError, stored.Status)
	assert.Contains(t, stored.LastError, "gateway timeout")
	assert.NotNil(t, stored.LastErrorAt)
}

func TestRematch_NothingToDo(t *testing.T) {
	svc, _, _ := newTestSync(t, &stubProvider{})
	result, err := svc.Rematch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Considered)
}
