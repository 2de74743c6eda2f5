// Package saltedge implements the bank-data provider contract against the
// Salt Edge Account Information API (v5).
package saltedge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"

	"banksync-backend/internal/adapters/providers"
)

// DefaultBaseURL is the API root.
const DefaultBaseURL = "https://www.saltedge.com/api/v5"

// Client talks to the Salt Edge API. Authentication is the App-id/Secret
// header pair.
type Client struct {
	baseURL string
	appID   string
	secret  string
	http    *http.Client
}

var _ providers.Provider = (*Client)(nil)

// New creates a client. baseURL may be empty to use the default.
func New(baseURL, appID, secret string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL: baseURL,
		appID:   appID,
		secret:  secret,
		http:    rc.StandardClient(),
	}
}

// Name implements providers.Provider.
func (c *Client) Name() string { return "saltedge" }

// CreateAuthorization creates a connect session and returns its redirect URL.
func (c *Client) CreateAuthorization(ctx context.Context, redirectURL, providerCode string) (*providers.AuthorizationLink, error) {
	body := map[string]any{
		"data": map[string]any{
			"attempt": map[string]string{"return_to": redirectURL},
			"consent": map[string]any{"scopes": []string{"account_details", "transactions_details"}},
		},
	}
	if providerCode != "" {
		body["data"].(map[string]any)["provider_code"] = providerCode
	}

	var out struct {
		Data struct {
			ConnectionID string `json:"connection_id"`
			ConnectURL   string `json:"connect_url"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/connect_sessions/create", body, &out); err != nil {
		return nil, fmt.Errorf("create connect session: %w", err)
	}
	return &providers.AuthorizationLink{ID: out.Data.ConnectionID, Link: out.Data.ConnectURL}, nil
}

// Accounts lists the accounts of a connection.
func (c *Client) Accounts(ctx context.Context, reference string) ([]providers.Account, error) {
	path := "/accounts?" + url.Values{"connection_id": {reference}}.Encode()
	var out struct {
		Data []struct {
			ID       string `json:"id"`
			Name     string `json:"name"`
			Currency string `json:"currency_code"`
			Extra    struct {
				IBAN   string `json:"iban"`
				Status string `json:"status"`
			} `json:"extra"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	accounts := make([]providers.Account, 0, len(out.Data))
	for _, a := range out.Data {
		accounts = append(accounts, providers.Account{
			ID:       a.ID,
			IBAN:     a.Extra.IBAN,
			Name:     a.Name,
			Currency: a.Currency,
			Status:   a.Extra.Status,
		})
	}
	return accounts, nil
}

// wireTransaction is the subset of the Salt Edge transaction schema the
// engine needs.
type wireTransaction struct {
	ID           string          `json:"id"`
	MadeOn       string          `json:"made_on"`
	Amount       decimal.Decimal `json:"amount"`
	CurrencyCode string          `json:"currency_code"`
	Description  string          `json:"description"`
	Extra        struct {
		Payee         string `json:"payee"`
		Payer         string `json:"payer"`
		AccountNumber string `json:"account_number"`
		PostingDate   string `json:"posting_date"`
	} `json:"extra"`
}

// Transactions fetches and normalizes an account's transactions.
func (c *Client) Transactions(ctx context.Context, accountID string, from, to time.Time) ([]providers.Transaction, error) {
	path := "/transactions?" + url.Values{
		"account_id": {accountID},
		"from_date":  {from.Format("2006-01-02")},
		"to_date":    {to.Format("2006-01-02")},
	}.Encode()

	var out struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("list transactions for account %s: %w", accountID, err)
	}

	txs := make([]providers.Transaction, 0, len(out.Data))
	for _, raw := range out.Data {
		var w wireTransaction
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("decode transaction: %w", err)
		}

		tx := providers.Transaction{
			TransactionID:          w.ID,
			AccountID:              accountID,
			Amount:                 w.Amount,
			Currency:               w.CurrencyCode,
			RemittanceUnstructured: w.Description,
			Reference:              w.Description,
			RawData:                raw,
		}
		if d, err := time.Parse("2006-01-02", w.MadeOn); err == nil {
			tx.Date = d
		}
		if w.Extra.PostingDate != "" {
			if d, err := time.Parse("2006-01-02", w.Extra.PostingDate); err == nil {
				tx.BookingDate = &d
			}
		}
		// Salt Edge reports one counterparty; whether it is the debtor or
		// creditor follows from the amount sign.
		if w.Amount.IsNegative() {
			tx.CreditorName = w.Extra.Payee
			tx.CreditorIBAN = w.Extra.AccountNumber
		} else {
			tx.DebtorName = w.Extra.Payer
			tx.DebtorIBAN = w.Extra.AccountNumber
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

// Consent reports the connection status and consent expiry.
func (c *Client) Consent(ctx context.Context, reference string) (*providers.Consent, error) {
	var out struct {
		Data struct {
			Status    string `json:"status"`
			ExpiresAt string `json:"consent_expires_at"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/connections/"+reference, nil, &out); err != nil {
		return nil, fmt.Errorf("get connection %s: %w", reference, err)
	}

	consent := &providers.Consent{Status: out.Data.Status}
	if out.Data.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, out.Data.ExpiresAt); err == nil {
			consent.ExpiresAt = &t
		}
	}
	return consent, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("App-id", c.appID)
	req.Header.Set("Secret", c.secret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return providers.ErrAuthFailed
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, msg)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
