package settlement

import (
	"context"
	"errors"
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

func newEngine(m *ledger.Mock) *Engine {
	return New(m, dec("0.01"), nil)
}

func mockWithOrder(code, currency, pending string, status ledger.OrderStatus) *ledger.Mock {
	m := ledger.NewMock()
	m.AddOrder(ledger.Order{
		Code:       code,
		Organizer:  "demo",
		EventSlug:  "rw23",
		Currency:   currency,
		Status:     status,
		Total:      dec(pending),
		PendingSum: dec(pending),
	})
	return m
}

func incomingTx(amount, currency string) *bank.Transaction {
	return &bank.Transaction{
		ID:            42,
		TransactionID: "ext-42",
		Amount:        dec(amount),
		Currency:      currency,
		Date:          time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
		Reference:     "Order payment",
		DebtorName:    "John Smith",
		DebtorIBAN:    "DE02120300000000202051",
		State:         bank.StateUnchecked,
	}
}

func TestSettle_FullPayment(t *testing.T) {
	m := mockWithOrder("ABCD1", "EUR", "120.00", ledger.OrderStatusPending)
	tx := incomingTx("120.00", "EUR")

	err := newEngine(m).Settle(context.Background(), tx, []Split{{OrderCode: "ABCD1", Amount: dec("120.00")}})

	require.NoError(t, err)
	assert.Equal(t, bank.StateMatched, tx.State)
	assert.Equal(t, "ABCD1", tx.OrderCode)
	assert.False(t, tx.IsPartialPayment)
	assert.Empty(t, tx.PaymentGroupID)

	p, err := m.Payment(tx.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, ledger.PaymentStateConfirmed, p.State)
	assert.Equal(t, "ext-42", p.Info["transaction_id"])
	assert.Equal(t, "John Smith", p.Info["payer"])

	o, err := m.Order("ABCD1")
	require.NoError(t, err)
	assert.Equal(t, ledger.OrderStatusPaid, o.Status)
	assert.True(t, o.PendingSum.IsZero())
}

func TestSettle_PartialPaymentGetsGroupID(t *testing.T) {
	m := mockWithOrder("ABCD1", "EUR", "120.00", ledger.OrderStatusPending)
	tx := incomingTx("50.00", "EUR")

	err := newEngine(m).Settle(context.Background(), tx, []Split{{OrderCode: "ABCD1", Amount: dec("50.00")}})

	require.NoError(t, err)
	assert.Equal(t, bank.StateMatched, tx.State)
	assert.True(t, tx.IsPartialPayment)
	assert.Equal(t, "ABCD1_2026-03-14", tx.PaymentGroupID)

	o, err := m.Order("ABCD1")
	require.NoError(t, err)
	assert.True(t, o.PendingSum.Equal(dec("70.00")))
	assert.Equal(t, ledger.OrderStatusPending, o.Status)
}

func TestSettle_CanceledOrder(t *testing.T) {
	m := mockWithOrder("ABCD1", "EUR", "120.00", ledger.OrderStatusCanceled)
	tx := incomingTx("120.00", "EUR")

	err := newEngine(m).Settle(context.Background(), tx, []Split{{OrderCode: "ABCD1", Amount: dec("120.00")}})

	assert.ErrorIs(t, err, ErrOrderCanceled)
	assert.Equal(t, bank.StateError, tx.State)
	assert.Equal(t, "The order has already been canceled.", tx.ErrorMessage)
	assert.Empty(t, m.Payments)
}

func TestSettle_FullyPaidOrderIsDuplicate(t *testing.T) {
	m := ledger.NewMock()
	m.AddOrder(ledger.Order{
		Code: "ABCD1", Organizer: "demo", Currency: "EUR",
		Status: ledger.OrderStatusPaid, Total: dec("120.00"), PendingSum: dec("0"),
	})
	tx := incomingTx("120.00", "EUR")

	err := newEngine(m).Settle(context.Background(), tx, []Split{{OrderCode: "ABCD1", Amount: dec("120.00")}})

	assert.ErrorIs(t, err, ErrDuplicatePayment)
	assert.Equal(t, bank.StateDuplicate, tx.State)
	assert.Empty(t, tx.ErrorMessage)
	assert.Empty(t, m.Payments)
}

func TestSettle_CurrencyMismatch(t *testing.T) {
	m := mockWithOrder("ABCD1", "CHF", "120.00", ledger.OrderStatusPending)
	tx := incomingTx("120.00", "EUR")

	err := newEngine(m).Settle(context.Background(), tx, []Split{{OrderCode: "ABCD1", Amount: dec("120.00")}})

	assert.ErrorIs(t, err, ErrCurrencyMismatch)
	assert.Equal(t, bank.StateError, tx.State)
	assert.Equal(t, "Currencies do not match.", tx.ErrorMessage)
}

func TestSettle_MultiOrderSplit(t *testing.T) {
	m := ledger.NewMock()
	m.AddOrder(ledger.Order{Code: "ABCD1", Organizer: "demo", Currency: "EUR",
		Status: ledger.OrderStatusPending, Total: dec("100.00"), PendingSum: dec("100.00")})
	m.AddOrder(ledger.Order{Code: "EFGH2", Organizer: "demo", Currency: "EUR",
		Status: ledger.OrderStatusPending, Total: dec("50.00"), PendingSum: dec("50.00")})
	tx := incomingTx("150.00", "EUR")

	err := newEngine(m).Settle(context.Background(), tx, []Split{
		{OrderCode: "ABCD1", Amount: dec("100.00")},
		{OrderCode: "EFGH2", Amount: dec("50.00")},
	})

	require.NoError(t, err)
	assert.Equal(t, bank.StateMatched, tx.State)
	assert.Equal(t, "ABCD1", tx.OrderCode)
	assert.False(t, tx.IsPartialPayment)

	for _, code := range []string{"ABCD1", "EFGH2"} {
		o, err := m.Order(code)
		require.NoError(t, err)
		assert.True(t, o.PendingSum.IsZero(), code)
		assert.Equal(t, ledger.OrderStatusPaid, o.Status, code)
	}
	assert.Len(t, m.Payments, 2)
}

func TestSettle_MultiOrderSumMismatch(t *testing.T) {
	m := ledger.NewMock()
	m.AddOrder(ledger.Order{Code: "ABCD1", Organizer: "demo", Currency: "EUR",
		Status: ledger.OrderStatusPending, PendingSum: dec("100.00")})
	m.AddOrder(ledger.Order{Code: "EFGH2", Organizer: "demo", Currency: "EUR",
		Status: ledger.OrderStatusPending, PendingSum: dec("50.00")})
	tx := incomingTx("140.00", "EUR")

	err := newEngine(m).Settle(context.Background(), tx, []Split{
		{OrderCode: "ABCD1", Amount: dec("100.00")},
		{OrderCode: "EFGH2", Amount: dec("50.00")},
	})

	assert.ErrorIs(t, err, ErrAmbiguousSplit)
	assert.Equal(t, bank.StateNoMatch, tx.State)
	assert.Equal(t, "Automatic split to multiple orders not possible.", tx.ErrorMessage)
	assert.Empty(t, m.Payments)
}

func TestSettle_MultiOrderOffByOneCentIsAmbiguous(t *testing.T) {
	m := ledger.NewMock()
	m.AddOrder(ledger.Order{Code: "ABCD1", Organizer: "demo", Currency: "EUR",
		Status: ledger.OrderStatusPending, PendingSum: dec("100.00")})
	m.AddOrder(ledger.Order{Code: "EFGH2", Organizer: "demo", Currency: "EUR",
		Status: ledger.OrderStatusPending, PendingSum: dec("50.00")})
	tx := incomingTx("149.99", "EUR")

	err := newEngine(m).Settle(context.Background(), tx, []Split{
		{OrderCode: "ABCD1", Amount: dec("100.00")},
		{OrderCode: "EFGH2", Amount: dec("50.00")},
	})

	assert.ErrorIs(t, err, ErrAmbiguousSplit)
	assert.Empty(t, m.Payments)
}

func TestSettle_MultiOrderPreconditionFailureRollsBackAll(t *testing.T) {
	m := ledger.NewMock()
	m.AddOrder(ledger.Order{Code: "ABCD1", Organizer: "demo", Currency: "EUR",
		Status: ledger.OrderStatusPending, PendingSum: dec("100.00")})
	m.AddOrder(ledger.Order{Code: "EFGH2", Organizer: "demo", Currency: "EUR",
		Status: ledger.OrderStatusCanceled, PendingSum: dec("50.00")})
	tx := incomingTx("150.00", "EUR")

	err := newEngine(m).Settle(context.Background(), tx, []Split{
		{OrderCode: "ABCD1", Amount: dec("100.00")},
		{OrderCode: "EFGH2", Amount: dec("50.00")},
	})

	assert.ErrorIs(t, err, ErrOrderCanceled)
	assert.Empty(t, m.Payments)
	o, errRead := m.Order("ABCD1")
	require.NoError(t, errRead)
	assert.True(t, o.PendingSum.Equal(dec("100.00")))
}

func TestSettle_QuotaExceededIsSwallowed(t *testing.T) {
	m := mockWithOrder("ABCD1", "EUR", "120.00", ledger.OrderStatusPending)
	m.ConfirmHook = func(p *ledger.Payment) error { return ledger.ErrQuotaExceeded }
	tx := incomingTx("120.00", "EUR")

	err := newEngine(m).Settle(context.Background(), tx, []Split{{OrderCode: "ABCD1", Amount: dec("120.00")}})

	require.NoError(t, err)
	assert.Equal(t, bank.StateMatched, tx.State)
	p, err := m.Payment(tx.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, ledger.PaymentStateConfirmed, p.State)
}

func TestSettle_UnexpectedConfirmErrorFails(t *testing.T) {
	m := mockWithOrder("ABCD1", "EUR", "120.00", ledger.OrderStatusPending)
	boom := errors.New("ledger unavailable")
	m.ConfirmHook = func(p *ledger.Payment) error { return boom }
	tx := incomingTx("120.00", "EUR")

	err := newEngine(m).Settle(context.Background(), tx, []Split{{OrderCode: "ABCD1", Amount: dec("120.00")}})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, bank.StateError, tx.State)
	assert.Equal(t, "ledger unavailable", tx.ErrorMessage)
	// Rolled back: no confirmed payment, pending balance untouched.
	assert.Empty(t, m.Payments)
	o, errRead := m.Order("ABCD1")
	require.NoError(t, errRead)
	assert.True(t, o.PendingSum.Equal(dec("120.00")))
}

func TestSettle_ReusesExistingCreatedPayment(t *testing.T) {
	m := mockWithOrder("ABCD1", "EUR", "120.00", ledger.OrderStatusPending)
	existing := m.AddPayment(ledger.Payment{
		OrderCode: "ABCD1",
		Provider:  ledger.ProviderBankTransfer,
		State:     ledger.PaymentStateCreated,
		Amount:    dec("120.00"),
	})
	tx := incomingTx("120.00", "EUR")

	err := newEngine(m).Settle(context.Background(), tx, []Split{{OrderCode: "ABCD1", Amount: dec("120.00")}})

	require.NoError(t, err)
	assert.Equal(t, existing.ID, tx.PaymentID)
	assert.Len(t, m.Payments, 1)
}

func TestSettle_RefundCompletesPendingRefund(t *testing.T) {
	m := mockWithOrder("ABCD1", "EUR", "120.00", ledger.OrderStatusPending)
	r := m.AddRefund(ledger.Refund{
		OrderCode: "ABCD1",
		Provider:  ledger.ProviderManual,
		State:     ledger.RefundStateCreated,
		Amount:    dec("30.00"),
	})
	tx := incomingTx("-30.00", "EUR")

	err := newEngine(m).Settle(context.Background(), tx, []Split{{OrderCode: "ABCD1", Amount: dec("-30.00")}})

	require.NoError(t, err)
	assert.Equal(t, bank.StateMatched, tx.State)
	assert.Equal(t, "ABCD1", tx.OrderCode)

	require.Len(t, m.Refunds, 1)
	got := m.Refunds[0]
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, ledger.RefundStateDone, got.State)
	assert.Equal(t, ledger.ProviderBankTransfer, got.Provider)
	assert.Equal(t, "ext-42", got.Info["transaction_id"])
}

func TestSettle_RefundIgnoresForeignProviderRefund(t *testing.T) {
	m := mockWithOrder("ABCD1", "EUR", "120.00", ledger.OrderStatusPending)
	foreign := m.AddRefund(ledger.Refund{
		OrderCode: "ABCD1",
		Provider:  "creditcard",
		State:     ledger.RefundStateCreated,
		Amount:    dec("30.00"),
	})
	tx := incomingTx("-30.00", "EUR")

	err := newEngine(m).Settle(context.Background(), tx, []Split{{OrderCode: "ABCD1", Amount: dec("-30.00")}})

	require.NoError(t, err)
	require.Len(t, m.Refunds, 2)

	// The card refund keeps its provider and open state; the bank refund
	// lands as a standalone external record instead.
	assert.Equal(t, ledger.RefundStateCreated, m.Refunds[0].State)
	assert.Equal(t, "creditcard", m.Refunds[0].Provider)
	assert.Equal(t, foreign.ID, m.Refunds[0].ID)
	assert.Equal(t, ledger.RefundSourceExternal, m.Refunds[1].Source)
}

func TestSettle_RefundAttachesToConfirmedPayment(t *testing.T) {
	m := mockWithOrder("ABCD1", "EUR", "120.00", ledger.OrderStatusPending)
	p := m.AddPayment(ledger.Payment{
		OrderCode: "ABCD1",
		Provider:  ledger.ProviderBankTransfer,
		State:     ledger.PaymentStateConfirmed,
		Amount:    dec("120.00"),
	})
	tx := incomingTx("-30.00", "EUR")

	err := newEngine(m).Settle(context.Background(), tx, []Split{{OrderCode: "ABCD1", Amount: dec("-30.00")}})

	require.NoError(t, err)
	require.Len(t, m.Refunds, 1)
	got := m.Refunds[0]
	assert.Equal(t, p.ID, got.PaymentID)
	assert.Equal(t, ledger.RefundStateExternal, got.State)
	assert.True(t, got.Amount.Equal(dec("30.00")))
}

func TestSettle_RefundFallsBackToStandaloneRecord(t *testing.T) {
	m := mockWithOrder("ABCD1", "EUR", "120.00", ledger.OrderStatusPending)
	tx := incomingTx("-30.00", "EUR")

	err := newEngine(m).Settle(context.Background(), tx, []Split{{OrderCode: "ABCD1", Amount: dec("-30.00")}})

	require.NoError(t, err)
	require.Len(t, m.Refunds, 1)
	got := m.Refunds[0]
	assert.Zero(t, got.PaymentID)
	assert.Equal(t, ledger.RefundSourceExternal, got.Source)
	assert.Equal(t, "2026-03-14", got.Info["date"])
	assert.Equal(t, "-30.00", got.Info["full_amount"])
}
