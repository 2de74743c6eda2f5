// Package gocardless implements the bank-data provider contract against the
// GoCardless Bank Account Data API (v2).
package gocardless

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"

	"banksync-backend/internal/adapters/providers"
)

// DefaultBaseURL is the production (and sandbox) API root.
const DefaultBaseURL = "https://bankaccountdata.gocardless.com/api/v2"

// Client talks to the GoCardless Bank Account Data API.
type Client struct {
	baseURL   string
	secretID  string
	secretKey string
	http      *http.Client
}

var _ providers.Provider = (*Client)(nil)

// New creates a client. baseURL may be empty to use the default.
func New(baseURL, secretID, secretKey string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:   baseURL,
		secretID:  secretID,
		secretKey: secretKey,
		http:      rc.StandardClient(),
	}
}

// Name implements providers.Provider.
func (c *Client) Name() string { return "gocardless" }

// token fetches a short-lived access token via the secret pair.
func (c *Client) token(ctx context.Context) (string, error) {
	body := map[string]string{
		"secret_id":  c.secretID,
		"secret_key": c.secretKey,
	}
	var out struct {
		Access string `json:"access"`
	}
	if err := c.do(ctx, http.MethodPost, "/token/new/", "", body, &out); err != nil {
		return "", fmt.Errorf("%w: %v", providers.ErrAuthFailed, err)
	}
	if out.Access == "" {
		return "", providers.ErrAuthFailed
	}
	return out.Access, nil
}

// CreateAuthorization creates a requisition and returns the end-user link.
func (c *Client) CreateAuthorization(ctx context.Context, redirectURL, institutionID string) (*providers.AuthorizationLink, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	body := map[string]string{
		"redirect":  redirectURL,
		"reference": uuid.NewString(),
	}
	if institutionID != "" {
		body["institution_id"] = institutionID
	}
	var out struct {
		ID   string `json:"id"`
		Link string `json:"link"`
	}
	if err := c.do(ctx, http.MethodPost, "/requisitions/", token, body, &out); err != nil {
		return nil, fmt.Errorf("create requisition: %w", err)
	}
	return &providers.AuthorizationLink{ID: out.ID, Link: out.Link}, nil
}

type requisition struct {
	ID        string   `json:"id"`
	Status    string   `json:"status"`
	Accounts  []string `json:"accounts"`
	ExpiresAt string   `json:"expires_at"`
}

func (c *Client) requisition(ctx context.Context, token, reference string) (*requisition, error) {
	var out requisition
	if err := c.do(ctx, http.MethodGet, "/requisitions/"+reference+"/", token, nil, &out); err != nil {
		return nil, fmt.Errorf("get requisition %s: %w", reference, err)
	}
	return &out, nil
}

// Accounts lists the accounts of a requisition.
func (c *Client) Accounts(ctx context.Context, reference string) ([]providers.Account, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}
	req, err := c.requisition(ctx, token, reference)
	if err != nil {
		return nil, err
	}

	accounts := make([]providers.Account, 0, len(req.Accounts))
	for _, id := range req.Accounts {
		var out struct {
			ID       string `json:"id"`
			IBAN     string `json:"iban"`
			Name     string `json:"name"`
			Currency string `json:"currency"`
			Status   string `json:"status"`
		}
		if err := c.do(ctx, http.MethodGet, "/accounts/"+id+"/", token, nil, &out); err != nil {
			return nil, fmt.Errorf("get account %s: %w", id, err)
		}
		accounts = append(accounts, providers.Account{
			ID:       out.ID,
			IBAN:     out.IBAN,
			Name:     out.Name,
			Currency: out.Currency,
			Status:   out.Status,
		})
	}
	return accounts, nil
}

// Transactions fetches and normalizes the booked transactions of an account.
func (c *Client) Transactions(ctx context.Context, accountID string, from, to time.Time) ([]providers.Transaction, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/accounts/%s/transactions/?%s", accountID, url.Values{
		"date_from": {from.Format("2006-01-02")},
		"date_to":   {to.Format("2006-01-02")},
	}.Encode())

	var out struct {
		Transactions struct {
			Booked []json.RawMessage `json:"booked"`
		} `json:"transactions"`
	}
	if err := c.do(ctx, http.MethodGet, path, token, nil, &out); err != nil {
		return nil, fmt.Errorf("get transactions for account %s: %w", accountID, err)
	}

	txs := make([]providers.Transaction, 0, len(out.Transactions.Booked))
	for _, raw := range out.Transactions.Booked {
		tx, err := normalize(raw, accountID)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *tx)
	}
	return txs, nil
}

// Consent reports the requisition status and agreement expiry.
func (c *Client) Consent(ctx context.Context, reference string) (*providers.Consent, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}
	req, err := c.requisition(ctx, token, reference)
	if err != nil {
		return nil, err
	}

	consent := &providers.Consent{Status: req.Status}
	if req.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, req.ExpiresAt); err == nil {
			consent.ExpiresAt = &t
		}
	}
	return consent, nil
}

// wireTransaction is the subset of the GoCardless transaction schema the
// engine needs.
type wireTransaction struct {
	TransactionID     string `json:"transactionId"`
	InternalID        string `json:"internalTransactionId"`
	TransactionAmount struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	} `json:"transactionAmount"`
	BookingDate                        string `json:"bookingDate"`
	ValueDate                          string `json:"valueDate"`
	RemittanceInformationUnstructured string `json:"remittanceInformationUnstructured"`
	RemittanceInformationStructured   string `json:"remittanceInformationStructured"`
	DebtorName                        string `json:"debtorName"`
	CreditorName                      string `json:"creditorName"`
	DebtorAccount                     struct {
		IBAN string `json:"iban"`
	} `json:"debtorAccount"`
	CreditorAccount struct {
		IBAN string `json:"iban"`
	} `json:"creditorAccount"`
}

func normalize(raw json.RawMessage, accountID string) (*providers.Transaction, error) {
	var w wireTransaction
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}

	amount, err := decimal.NewFromString(w.TransactionAmount.Amount)
	if err != nil {
		return nil, fmt.Errorf("bad amount %q on transaction %s: %w",
			w.TransactionAmount.Amount, w.TransactionID, err)
	}

	externalID := w.TransactionID
	if externalID == "" {
		externalID = w.InternalID
	}

	tx := &providers.Transaction{
		TransactionID:          externalID,
		AccountID:              accountID,
		Amount:                 amount,
		Currency:               w.TransactionAmount.Currency,
		RemittanceUnstructured: w.RemittanceInformationUnstructured,
		RemittanceStructured:   w.RemittanceInformationStructured,
		DebtorName:             w.DebtorName,
		DebtorIBAN:             w.DebtorAccount.IBAN,
		CreditorName:           w.CreditorName,
		CreditorIBAN:           w.CreditorAccount.IBAN,
		RawData:                raw,
	}

	// Value date falls back to booking date, like the bank statements the
	// reconciliation was built for.
	dateStr := w.BookingDate
	if w.ValueDate != "" {
		dateStr = w.ValueDate
	}
	if dateStr != "" {
		if d, err := time.Parse("2006-01-02", dateStr); err == nil {
			tx.Date = d
		}
	}
	if w.BookingDate != "" {
		if d, err := time.Parse("2006-01-02", w.BookingDate); err == nil {
			tx.BookingDate = &d
		}
	}

	parts := make([]string, 0, 2)
	if tx.RemittanceStructured != "" {
		parts = append(parts, tx.RemittanceStructured)
	}
	if tx.RemittanceUnstructured != "" {
		parts = append(parts, tx.RemittanceUnstructured)
	}
	tx.Reference = strings.Join(parts, " ")

	return tx, nil
}

// do performs one JSON request against the API.
func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
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
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
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
