package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// FeePolicy computes the payment fee applied when a banktransfer payment is
// created by a settlement.
type FeePolicy struct {
	Flat    decimal.Decimal
	Percent decimal.Decimal
}

// Fee returns the fee for a payment amount, rounded to cents.
func (p FeePolicy) Fee(amount decimal.Decimal) decimal.Decimal {
	return p.Flat.Add(amount.Mul(p.Percent).Div(decimal.NewFromInt(100))).Round(2)
}

// SQLite is the Service implementation backed by a local mirror of the shop
// ledger. The mirror is populated by order sync (UpsertOrder/UpsertInvoice)
// and mutated by settlements.
type SQLite struct {
	db  *sql.DB
	fee FeePolicy
}

var _ Service = (*SQLite)(nil)

// NewSQLite wraps an open database handle and creates the ledger tables when
// missing.
func NewSQLite(db *sql.DB, fee FeePolicy) (*SQLite, error) {
	l := &SQLite{db: db, fee: fee}
	if err := l.ensureSchema(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *SQLite) ensureSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			code TEXT PRIMARY KEY,
			organizer TEXT NOT NULL,
			event_slug TEXT NOT NULL DEFAULT '',
			currency TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			total TEXT NOT NULL DEFAULT '0',
			pending_sum TEXT NOT NULL DEFAULT '0',
			customer_name TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_organizer ON orders(organizer, status)`,

		`CREATE TABLE IF NOT EXISTS payments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_code TEXT NOT NULL REFERENCES orders(code),
			provider TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT 'created',
			amount TEXT NOT NULL,
			fee TEXT NOT NULL DEFAULT '0',
			info TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_order ON payments(order_code, provider, state)`,

		`CREATE TABLE IF NOT EXISTS refunds (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_code TEXT NOT NULL REFERENCES orders(code),
			provider TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT 'created',
			source TEXT NOT NULL DEFAULT '',
			amount TEXT NOT NULL,
			payment_id INTEGER NOT NULL DEFAULT 0,
			execution_date TIMESTAMP,
			info TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_refunds_order ON refunds(order_code, state)`,

		`CREATE TABLE IF NOT EXISTS invoices (
			prefix TEXT NOT NULL,
			number INTEGER NOT NULL,
			full_invoice_no TEXT NOT NULL,
			order_code TEXT NOT NULL REFERENCES orders(code),
			PRIMARY KEY (prefix, number)
		)`,
	}
	for _, q := range queries {
		if _, err := l.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

// UpsertOrder writes one order into the local mirror.
func (l *SQLite) UpsertOrder(ctx context.Context, o Order) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO orders
		(code, organizer, event_slug, currency, status, total, pending_sum,
		 customer_name, email, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			organizer = excluded.organizer,
			event_slug = excluded.event_slug,
			currency = excluded.currency,
			status = excluded.status,
			total = excluded.total,
			pending_sum = excluded.pending_sum,
			customer_name = excluded.customer_name,
			email = excluded.email
	`, strings.ToUpper(o.Code), o.Organizer, o.EventSlug, o.Currency, o.Status,
		o.Total.StringFixed(2), o.PendingSum.StringFixed(2),
		o.CustomerName, o.Email, o.CreatedAt)
	return err
}

// UpsertInvoice writes one invoice-to-order link into the mirror.
func (l *SQLite) UpsertInvoice(ctx context.Context, inv Invoice) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO invoices (prefix, number, full_invoice_no, order_code)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(prefix, number) DO UPDATE SET
			full_invoice_no = excluded.full_invoice_no,
			order_code = excluded.order_code
	`, strings.ToUpper(inv.Prefix), inv.Number, inv.FullInvoiceNo, strings.ToUpper(inv.OrderCode))
	return err
}

const orderColumns = `
	code, organizer, event_slug, currency, status, total, pending_sum,
	customer_name, email, created_at`

// PendingOrders returns the organizer's orders that still owe money.
func (l *SQLite) PendingOrders(ctx context.Context, organizer string) ([]Order, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE organizer = ? AND status != 'canceled'
		  AND CAST(pending_sum AS REAL) > 0
		ORDER BY created_at DESC, code ASC
	`, organizer)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// OrderSnapshot reads one order by exact code.
func (l *SQLite) OrderSnapshot(ctx context.Context, code string) (*Order, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE code = ?
	`, strings.ToUpper(code))
	return scanOrder(row)
}

// OrderByCode resolves a code extracted from a reference text, tolerating a
// glued-on event slug and stray separators.
func (l *SQLite) OrderByCode(ctx context.Context, organizer string, eventSlugs []string, code string) (*Order, error) {
	candidates := codeVariants(code, eventSlugs)
	for _, c := range candidates {
		row := l.db.QueryRowContext(ctx, `
			SELECT `+orderColumns+` FROM orders WHERE code = ? AND organizer = ?
		`, c, organizer)
		o, err := scanOrder(row)
		if err == nil {
			return o, nil
		}
		if err != ErrNotFound {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

// orderCodeEntropy is the length of the random part of shop order codes.
const orderCodeEntropy = 5

// codeVariants lists the normalized forms to try: as-is, separator-stripped,
// with each event slug removed from the front, and each of those truncated
// to the code length in case extra characters got glued onto the code.
func codeVariants(code string, eventSlugs []string) []string {
	code = strings.ToUpper(strings.TrimSpace(code))
	seen := map[string]bool{}
	var out []string
	add := func(c string) {
		c = strings.Trim(c, "- ")
		if c != "" && !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	add(code)
	add(strings.NewReplacer("-", "", " ", "").Replace(code))
	for _, slug := range eventSlugs {
		add(strings.TrimPrefix(code, strings.ToUpper(slug)))
	}
	for _, v := range append([]string(nil), out...) {
		if len(v) > orderCodeEntropy {
			add(v[:orderCodeEntropy])
		}
	}
	return out
}

// OrderByInvoice resolves an order via invoice-number prefix and numeric
// suffix, tolerating zero padding. Ambiguous matches count as no match.
func (l *SQLite) OrderByInvoice(ctx context.Context, organizer string, prefixes []string, number string) (*Order, error) {
	n, err := strconv.Atoi(strings.TrimLeft(strings.TrimSpace(number), "0"))
	if err != nil {
		return nil, ErrNotFound
	}

	var codes []string
	for _, prefix := range prefixes {
		rows, err := l.db.QueryContext(ctx, `
			SELECT i.order_code FROM invoices i
			JOIN orders o ON o.code = i.order_code
			WHERE i.prefix = ? AND i.number = ? AND o.organizer = ?
		`, strings.ToUpper(prefix), n, organizer)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var code string
			if err := rows.Scan(&code); err != nil {
				_ = rows.Close()
				return nil, err
			}
			codes = append(codes, code)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, err
		}
		_ = rows.Close()
	}

	if len(codes) != 1 {
		return nil, ErrNotFound
	}
	row := l.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE code = ?
	`, codes[0])
	return scanOrder(row)
}

// InvoicePrefixes returns all known invoice-number prefixes for the organizer.
func (l *SQLite) InvoicePrefixes(ctx context.Context, organizer string) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT DISTINCT i.prefix FROM invoices i
		JOIN orders o ON o.code = i.order_code
		WHERE o.organizer = ?
	`, organizer)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InTx runs fn inside a write transaction taken with BEGIN IMMEDIATE, so
// concurrent settlements touching the same orders serialize at the database.
func (l *SQLite) InTx(ctx context.Context, fn func(Tx) error) error {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("begin settlement transaction: %w", err)
	}

	t := &sqliteTx{ctx: ctx, conn: conn, fee: l.fee}
	if err := fn(t); err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return fmt.Errorf("commit settlement transaction: %w", err)
	}
	return nil
}

type sqliteTx struct {
	ctx  context.Context
	conn *sql.Conn
	fee  FeePolicy
}

func (t *sqliteTx) Order(code string) (*Order, error) {
	row := t.conn.QueryRowContext(t.ctx, `
		SELECT `+orderColumns+` FROM orders WHERE code = ?
	`, strings.ToUpper(code))
	return scanOrder(row)
}

func (t *sqliteTx) FindOrCreatePayment(orderCode, provider string, amount decimal.Decimal) (*Payment, bool, error) {
	code := strings.ToUpper(orderCode)
	row := t.conn.QueryRowContext(t.ctx, `
		SELECT id, order_code, provider, state, amount, fee, info, created_at
		FROM payments
		WHERE order_code = ? AND provider = ? AND state IN ('created', 'pending')
		  AND CAST(amount AS REAL) = CAST(? AS REAL)
		ORDER BY id ASC LIMIT 1
	`, code, provider, amount.StringFixed(2))
	p, err := scanPayment(row)
	if err == nil {
		return p, false, nil
	}
	if err != ErrNotFound {
		return nil, false, err
	}

	res, err := t.conn.ExecContext(t.ctx, `
		INSERT INTO payments (order_code, provider, state, amount)
		VALUES (?, ?, 'created', ?)
	`, code, provider, amount.StringFixed(2))
	if err != nil {
		return nil, false, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, err
	}
	return &Payment{
		ID:        id,
		OrderCode: code,
		Provider:  provider,
		State:     PaymentStateCreated,
		Amount:    amount,
		Info:      map[string]string{},
	}, true, nil
}

func (t *sqliteTx) MergePaymentInfo(paymentID int64, info map[string]string) error {
	var raw string
	err := t.conn.QueryRowContext(t.ctx,
		`SELECT info FROM payments WHERE id = ?`, paymentID).Scan(&raw)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	merged := map[string]string{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &merged); err != nil {
			return fmt.Errorf("corrupt info on payment %d: %w", paymentID, err)
		}
	}
	for k, v := range info {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	_, err = t.conn.ExecContext(t.ctx,
		`UPDATE payments SET info = ? WHERE id = ?`, string(out), paymentID)
	return err
}

func (t *sqliteTx) ApplyPaymentFee(paymentID int64) error {
	var amountStr string
	err := t.conn.QueryRowContext(t.ctx,
		`SELECT amount FROM payments WHERE id = ?`, paymentID).Scan(&amountStr)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return fmt.Errorf("corrupt amount on payment %d: %w", paymentID, err)
	}
	_, err = t.conn.ExecContext(t.ctx,
		`UPDATE payments SET fee = ? WHERE id = ?`,
		t.fee.Fee(amount).StringFixed(2), paymentID)
	return err
}

func (t *sqliteTx) ConfirmPayment(paymentID int64) error {
	p, err := t.paymentByID(paymentID)
	if err != nil {
		return err
	}

	if _, err := t.conn.ExecContext(t.ctx,
		`UPDATE payments SET state = 'confirmed' WHERE id = ?`, paymentID); err != nil {
		return err
	}

	o, err := t.Order(p.OrderCode)
	if err != nil {
		return err
	}
	pending := o.PendingSum.Sub(p.Amount)
	status := o.Status
	if !pending.IsPositive() {
		status = OrderStatusPaid
	}
	_, err = t.conn.ExecContext(t.ctx,
		`UPDATE orders SET pending_sum = ?, status = ? WHERE code = ?`,
		pending.StringFixed(2), status, o.Code)
	return err
}

func (t *sqliteTx) PendingRefund(orderCode string, amount decimal.Decimal) (*Refund, error) {
	row := t.conn.QueryRowContext(t.ctx, `
		SELECT id, order_code, provider, state, source, amount, payment_id,
		       execution_date, info, created_at
		FROM refunds
		WHERE order_code = ? AND state IN ('created', 'transit')
		  AND provider IN (?, ?)
		  AND CAST(amount AS REAL) = CAST(? AS REAL)
		ORDER BY id ASC LIMIT 1
	`, strings.ToUpper(orderCode), ProviderManual, ProviderBankTransfer, amount.StringFixed(2))
	return scanRefund(row)
}

func (t *sqliteTx) CompleteRefund(refundID int64, provider string, info map[string]string) error {
	var raw string
	err := t.conn.QueryRowContext(t.ctx,
		`SELECT info FROM refunds WHERE id = ?`, refundID).Scan(&raw)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	merged := map[string]string{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &merged); err != nil {
			return fmt.Errorf("corrupt info on refund %d: %w", refundID, err)
		}
	}
	for k, v := range info {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return err
	}

	_, err = t.conn.ExecContext(t.ctx, `
		UPDATE refunds
		SET state = 'done', provider = ?, info = ?,
		    execution_date = CURRENT_TIMESTAMP
		WHERE id = ?
	`, provider, string(out), refundID)
	return err
}

func (t *sqliteTx) ConfirmedPayment(orderCode, provider string) (*Payment, error) {
	row := t.conn.QueryRowContext(t.ctx, `
		SELECT id, order_code, provider, state, amount, fee, info, created_at
		FROM payments
		WHERE order_code = ? AND provider = ? AND state = 'confirmed'
		ORDER BY id DESC LIMIT 1
	`, strings.ToUpper(orderCode), provider)
	return scanPayment(row)
}

func (t *sqliteTx) CreateExternalRefund(paymentID int64, amount decimal.Decimal, info map[string]string) (*Refund, error) {
	p, err := t.paymentByID(paymentID)
	if err != nil {
		return nil, err
	}
	return t.insertRefund(p.OrderCode, paymentID, amount, info)
}

func (t *sqliteTx) CreateRefund(orderCode string, amount decimal.Decimal, info map[string]string) (*Refund, error) {
	return t.insertRefund(strings.ToUpper(orderCode), 0, amount, info)
}

func (t *sqliteTx) insertRefund(orderCode string, paymentID int64, amount decimal.Decimal, info map[string]string) (*Refund, error) {
	raw, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	res, err := t.conn.ExecContext(t.ctx, `
		INSERT INTO refunds
		(order_code, provider, state, source, amount, payment_id, info,
		 execution_date)
		VALUES (?, ?, 'external', 'external', ?, ?, ?, CURRENT_TIMESTAMP)
	`, orderCode, ProviderBankTransfer, amount.StringFixed(2), paymentID, string(raw))
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Refund{
		ID:        id,
		OrderCode: orderCode,
		Provider:  ProviderBankTransfer,
		State:     RefundStateExternal,
		Source:    RefundSourceExternal,
		Amount:    amount,
		PaymentID: paymentID,
		Info:      info,
	}, nil
}

func (t *sqliteTx) paymentByID(id int64) (*Payment, error) {
	row := t.conn.QueryRowContext(t.ctx, `
		SELECT id, order_code, provider, state, amount, fee, info, created_at
		FROM payments WHERE id = ?
	`, id)
	return scanPayment(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var o Order
	var total, pending string
	err := row.Scan(&o.Code, &o.Organizer, &o.EventSlug, &o.Currency, &o.Status,
		&total, &pending, &o.CustomerName, &o.Email, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if o.Total, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("corrupt total on order %s: %w", o.Code, err)
	}
	if o.PendingSum, err = decimal.NewFromString(pending); err != nil {
		return nil, fmt.Errorf("corrupt pending sum on order %s: %w", o.Code, err)
	}
	return &o, nil
}

func scanPayment(row rowScanner) (*Payment, error) {
	var p Payment
	var amount, fee, info string
	err := row.Scan(&p.ID, &p.OrderCode, &p.Provider, &p.State, &amount, &fee,
		&info, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("corrupt amount on payment %d: %w", p.ID, err)
	}
	if p.Fee, err = decimal.NewFromString(fee); err != nil {
		return nil, fmt.Errorf("corrupt fee on payment %d: %w", p.ID, err)
	}
	if info != "" {
		if err := json.Unmarshal([]byte(info), &p.Info); err != nil {
			return nil, fmt.Errorf("corrupt info on payment %d: %w", p.ID, err)
		}
	}
	return &p, nil
}

func scanRefund(row rowScanner) (*Refund, error) {
	var r Refund
	var amount, info string
	var execution sql.NullTime
	err := row.Scan(&r.ID, &r.OrderCode, &r.Provider, &r.State, &r.Source,
		&amount, &r.PaymentID, &execution, &info, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if r.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("corrupt amount on refund %d: %w", r.ID, err)
	}
	if execution.Valid {
		r.ExecutionDate = &execution.Time
	}
	if info != "" {
		if err := json.Unmarshal([]byte(info), &r.Info); err != nil {
			return nil, fmt.Errorf("corrupt info on refund %d: %w", r.ID, err)
		}
	}
	return &r, nil
}
