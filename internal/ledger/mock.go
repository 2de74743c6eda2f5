package ledger

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// Mock is an in-memory ledger for tests. InTx snapshots all state before
// running the closure and restores it when the closure errors, so the
// all-or-nothing contract holds.
type Mock struct {
	mu sync.Mutex

	Orders   map[string]*Order
	Payments []*Payment
	Refunds  []*Refund
	Invoices []Invoice

	// ConfirmHook, when set, is called by ConfirmPayment after the payment
	// is booked; its error is returned to the caller. Use it to inject
	// ErrQuotaExceeded and friends.
	ConfirmHook func(p *Payment) error

	nextPaymentID int64
	nextRefundID  int64
}

var _ Service = (*Mock)(nil)

// NewMock returns an empty in-memory ledger.
func NewMock() *Mock {
	return &Mock{Orders: make(map[string]*Order)}
}

// AddOrder registers an order under its upper-cased code.
func (m *Mock) AddOrder(o Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := o
	m.Orders[strings.ToUpper(o.Code)] = &c
}

// AddInvoice registers an invoice for OrderByInvoice lookups.
func (m *Mock) AddInvoice(inv Invoice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Invoices = append(m.Invoices, inv)
}

// AddPayment registers an existing payment and returns it.
func (m *Mock) AddPayment(p Payment) *Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextPaymentID++
	p.ID = m.nextPaymentID
	if p.Info == nil {
		p.Info = make(map[string]string)
	}
	c := p
	m.Payments = append(m.Payments, &c)
	return &c
}

// AddRefund registers an existing refund and returns it.
func (m *Mock) AddRefund(r Refund) *Refund {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRefundID++
	r.ID = m.nextRefundID
	if r.Info == nil {
		r.Info = make(map[string]string)
	}
	c := r
	m.Refunds = append(m.Refunds, &c)
	return &c
}

// OrderSnapshot reads one order by exact code.
func (m *Mock) OrderSnapshot(_ context.Context, code string) (*Order, error) {
	return m.Order(code)
}

// Order returns a copy of the stored order.
func (m *Mock) Order(code string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.Orders[strings.ToUpper(code)]
	if !ok {
		return nil, ErrNotFound
	}
	c := *o
	return &c, nil
}

// Payment returns a copy of the stored payment.
func (m *Mock) Payment(id int64) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.Payments {
		if p.ID == id {
			c := *p
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Mock) PendingOrders(_ context.Context, organizer string) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Order
	for _, o := range m.Orders {
		if o.Organizer != organizer {
			continue
		}
		if o.Status == OrderStatusCanceled {
			continue
		}
		if o.PendingSum.IsPositive() {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *Mock) OrderByCode(_ context.Context, organizer string, eventSlugs []string, code string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range codeVariants(code, eventSlugs) {
		if o, ok := m.Orders[c]; ok && o.Organizer == organizer {
			cp := *o
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Mock) OrderByInvoice(_ context.Context, organizer string, prefixes []string, number string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := strconv.Atoi(strings.TrimLeft(number, "0"))
	if err != nil {
		return nil, ErrNotFound
	}
	for _, inv := range m.Invoices {
		for _, p := range prefixes {
			if strings.EqualFold(inv.Prefix, p) && inv.Number == n {
				if o, ok := m.Orders[strings.ToUpper(inv.OrderCode)]; ok && o.Organizer == organizer {
					c := *o
					return &c, nil
				}
			}
		}
	}
	return nil, ErrNotFound
}

func (m *Mock) InvoicePrefixes(_ context.Context, organizer string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, inv := range m.Invoices {
		o, ok := m.Orders[strings.ToUpper(inv.OrderCode)]
		if !ok || o.Organizer != organizer {
			continue
		}
		p := strings.ToUpper(inv.Prefix)
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Mock) InTx(_ context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&mockTx{m: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type mockState struct {
	orders        map[string]*Order
	payments      []*Payment
	refunds       []*Refund
	nextPaymentID int64
	nextRefundID  int64
}

func (m *Mock) snapshot() mockState {
	s := mockState{
		orders:        make(map[string]*Order, len(m.Orders)),
		nextPaymentID: m.nextPaymentID,
		nextRefundID:  m.nextRefundID,
	}
	for k, o := range m.Orders {
		c := *o
		s.orders[k] = &c
	}
	for _, p := range m.Payments {
		c := *p
		c.Info = copyInfo(p.Info)
		s.payments = append(s.payments, &c)
	}
	for _, r := range m.Refunds {
		c := *r
		c.Info = copyInfo(r.Info)
		s.refunds = append(s.refunds, &c)
	}
	return s
}

func (m *Mock) restore(s mockState) {
	m.Orders = s.orders
	m.Payments = s.payments
	m.Refunds = s.refunds
	m.nextPaymentID = s.nextPaymentID
	m.nextRefundID = s.nextRefundID
}

func copyInfo(info map[string]string) map[string]string {
	out := make(map[string]string, len(info))
	for k, v := range info {
		out[k] = v
	}
	return out
}

// mockTx mutates the mock directly; rollback happens via the snapshot taken
// in InTx. The mock's mutex is already held.
type mockTx struct {
	m *Mock
}

func (t *mockTx) Order(code string) (*Order, error) {
	o, ok := t.m.Orders[strings.ToUpper(code)]
	if !ok {
		return nil, ErrNotFound
	}
	c := *o
	return &c, nil
}

func (t *mockTx) FindOrCreatePayment(orderCode, provider string, amount decimal.Decimal) (*Payment, bool, error) {
	code := strings.ToUpper(orderCode)
	if _, ok := t.m.Orders[code]; !ok {
		return nil, false, ErrNotFound
	}
	for _, p := range t.m.Payments {
		if strings.EqualFold(p.OrderCode, orderCode) && p.Provider == provider &&
			(p.State == PaymentStateCreated || p.State == PaymentStatePending) &&
			p.Amount.Equal(amount) {
			c := *p
			return &c, false, nil
		}
	}
	t.m.nextPaymentID++
	p := &Payment{
		ID:        t.m.nextPaymentID,
		OrderCode: t.m.Orders[code].Code,
		Provider:  provider,
		State:     PaymentStateCreated,
		Amount:    amount,
		Info:      make(map[string]string),
	}
	t.m.Payments = append(t.m.Payments, p)
	c := *p
	return &c, true, nil
}

func (t *mockTx) MergePaymentInfo(paymentID int64, info map[string]string) error {
	p := t.payment(paymentID)
	if p == nil {
		return ErrNotFound
	}
	if p.Info == nil {
		p.Info = make(map[string]string)
	}
	for k, v := range info {
		p.Info[k] = v
	}
	return nil
}

func (t *mockTx) ApplyPaymentFee(paymentID int64) error {
	p := t.payment(paymentID)
	if p == nil {
		return ErrNotFound
	}
	p.Fee = decimal.Zero
	return nil
}

func (t *mockTx) ConfirmPayment(paymentID int64) error {
	p := t.payment(paymentID)
	if p == nil {
		return ErrNotFound
	}
	p.State = PaymentStateConfirmed
	o, ok := t.m.Orders[strings.ToUpper(p.OrderCode)]
	if !ok {
		return ErrNotFound
	}
	o.PendingSum = o.PendingSum.Sub(p.Amount)
	if !o.PendingSum.IsPositive() {
		o.Status = OrderStatusPaid
	}
	if t.m.ConfirmHook != nil {
		return t.m.ConfirmHook(p)
	}
	return nil
}

func (t *mockTx) PendingRefund(orderCode string, amount decimal.Decimal) (*Refund, error) {
	for _, r := range t.m.Refunds {
		if strings.EqualFold(r.OrderCode, orderCode) &&
			(r.State == RefundStateCreated || r.State == RefundStateTransit) &&
			(r.Provider == ProviderManual || r.Provider == ProviderBankTransfer) &&
			r.Amount.Equal(amount) {
			c := *r
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (t *mockTx) CompleteRefund(refundID int64, provider string, info map[string]string) error {
	for _, r := range t.m.Refunds {
		if r.ID == refundID {
			r.State = RefundStateDone
			r.Provider = provider
			if r.Info == nil {
				r.Info = make(map[string]string)
			}
			for k, v := range info {
				r.Info[k] = v
			}
			return nil
		}
	}
	return ErrNotFound
}

func (t *mockTx) ConfirmedPayment(orderCode, provider string) (*Payment, error) {
	for _, p := range t.m.Payments {
		if strings.EqualFold(p.OrderCode, orderCode) && p.Provider == provider &&
			p.State == PaymentStateConfirmed {
			c := *p
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (t *mockTx) CreateExternalRefund(paymentID int64, amount decimal.Decimal, info map[string]string) (*Refund, error) {
	p := t.payment(paymentID)
	if p == nil {
		return nil, ErrNotFound
	}
	t.m.nextRefundID++
	r := &Refund{
		ID:        t.m.nextRefundID,
		OrderCode: p.OrderCode,
		Provider:  ProviderBankTransfer,
		State:     RefundStateExternal,
		Source:    RefundSourceExternal,
		Amount:    amount,
		PaymentID: paymentID,
		Info:      copyInfo(info),
	}
	t.m.Refunds = append(t.m.Refunds, r)
	c := *r
	return &c, nil
}

func (t *mockTx) CreateRefund(orderCode string, amount decimal.Decimal, info map[string]string) (*Refund, error) {
	o, ok := t.m.Orders[strings.ToUpper(orderCode)]
	if !ok {
		return nil, ErrNotFound
	}
	t.m.nextRefundID++
	r := &Refund{
		ID:        t.m.nextRefundID,
		OrderCode: o.Code,
		Provider:  ProviderBankTransfer,
		State:     RefundStateExternal,
		Source:    RefundSourceExternal,
		Amount:    amount,
		Info:      copyInfo(info),
	}
	t.m.Refunds = append(t.m.Refunds, r)
	c := *r
	return &c, nil
}

func (t *mockTx) payment(id int64) *Payment {
	for _, p := range t.m.Payments {
		if p.ID == id {
			return p
		}
	}
	return nil
}
