package dto

import (
	"time"

	"banksync-backend/internal/domain/bank"
)

// ConnectionResponse is the wire form of a bank connection.
type ConnectionResponse struct {
	ID               int64  `json:"id"`
	Provider         string `json:"provider"`
	InstitutionID    string `json:"institution_id,omitempty"`
	Organizer        string `json:"organizer"`
	Status           string `json:"status"`
	ConsentExpiresAt string `json:"consent_expires_at,omitempty"`
	SyncsToday       int    `json:"syncs_today"`
	LastSyncedAt     string `json:"last_synced_at,omitempty"`
	LastError        string `json:"last_error,omitempty"`
	LastErrorAt      string `json:"last_error_at,omitempty"`
	CreatedAt        string `json:"created_at"`
}

// FromConnection converts a connection to its wire form.
func FromConnection(c *bank.Connection) ConnectionResponse {
	return ConnectionResponse{
		ID:               c.ID,
		Provider:         c.Provider,
		InstitutionID:    c.InstitutionID,
		Organizer:        c.Organizer,
		Status:           string(c.Status),
		ConsentExpiresAt: formatTimePtr(c.ConsentExpiresAt),
		SyncsToday:       c.SyncsToday,
		LastSyncedAt:     formatTimePtr(c.LastSyncedAt),
		LastError:        c.LastError,
		LastErrorAt:      formatTimePtr(c.LastErrorAt),
		CreatedAt:        c.CreatedAt.Format(time.RFC3339),
	}
}

// AuthorizationResponse is returned when a connection authorization flow
// starts. The end user must visit Link to grant access.
type AuthorizationResponse struct {
	Connection ConnectionResponse `json:"connection"`
	Link       string             `json:"link"`
}

// TransactionResponse is the wire form of a bank transaction. Amounts are
// decimal strings.
type TransactionResponse struct {
	ID            int64  `json:"id"`
	ConnectionID  int64  `json:"connection_id"`
	TransactionID string `json:"transaction_id"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	Date          string `json:"date"`
	Reference     string `json:"reference"`
	SenderName    string `json:"sender_name,omitempty"`

	State            string `json:"state"`
	OrderCode        string `json:"order_code,omitempty"`
	PaymentID        int64  `json:"payment_id,omitempty"`
	ErrorMessage     string `json:"error_message,omitempty"`
	IsPartialPayment bool   `json:"is_partial_payment,omitempty"`
	PaymentGroupID   string `json:"payment_group_id,omitempty"`

	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// FromTransaction converts a transaction to its wire form.
func FromTransaction(t *bank.Transaction) TransactionResponse {
	return TransactionResponse{
		ID:               t.ID,
		ConnectionID:     t.ConnectionID,
		TransactionID:    t.TransactionID,
		Amount:           t.Amount.StringFixed(2),
		Currency:         t.Currency,
		Date:             t.Date.Format("2006-01-02"),
		Reference:        t.ReferenceText(),
		SenderName:       t.SenderName(),
		State:            string(t.State),
		OrderCode:        t.OrderCode,
		PaymentID:        t.PaymentID,
		ErrorMessage:     t.ErrorMessage,
		IsPartialPayment: t.IsPartialPayment,
		PaymentGroupID:   t.PaymentGroupID,
		CreatedAt:        t.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        t.UpdatedAt.Format(time.RFC3339),
	}
}

// FromTransactions converts a slice of transactions.
func FromTransactions(ts []bank.Transaction) []TransactionResponse {
	out := make([]TransactionResponse, len(ts))
	for i := range ts {
		out[i] = FromTransaction(&ts[i])
	}
	return out
}

// SuggestionResponse is the wire form of a match suggestion.
type SuggestionResponse struct {
	ID            int64  `json:"id"`
	TransactionID int64  `json:"transaction_id"`
	OrderCode     string `json:"order_code"`

	MatchType  string  `json:"match_type"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`

	AmountMatch      bool   `json:"amount_match"`
	AmountDifference string `json:"amount_difference"`

	IsMultiOrder  bool     `json:"is_multi_order,omitempty"`
	RelatedOrders []string `json:"related_orders,omitempty"`

	Approved   *bool  `json:"approved"`
	ReviewedBy string `json:"reviewed_by,omitempty"`
	ReviewedAt string `json:"reviewed_at,omitempty"`
}

// FromSuggestion converts a suggestion to its wire form.
func FromSuggestion(sg *bank.MatchSuggestion) SuggestionResponse {
	return SuggestionResponse{
		ID:               sg.ID,
		TransactionID:    sg.TransactionID,
		OrderCode:        sg.OrderCode,
		MatchType:        string(sg.MatchType),
		Confidence:       sg.Confidence,
		Reason:           sg.Reason,
		AmountMatch:      sg.AmountMatch,
		AmountDifference: sg.AmountDifference.StringFixed(2),
		IsMultiOrder:     sg.IsMultiOrder,
		RelatedOrders:    sg.RelatedOrders,
		Approved:         sg.Approved,
		ReviewedBy:       sg.ReviewedBy,
		ReviewedAt:       formatTimePtr(sg.ReviewedAt),
	}
}

// FromSuggestions converts a slice of suggestions.
func FromSuggestions(sgs []bank.MatchSuggestion) []SuggestionResponse {
	out := make([]SuggestionResponse, len(sgs))
	for i := range sgs {
		out[i] = FromSuggestion(&sgs[i])
	}
	return out
}

// StatsResponse summarizes the transaction store.
type StatsResponse struct {
	Total          int            `json:"total"`
	ByState        map[string]int `json:"by_state"`
	PendingReview  int            `json:"pending_review"`
	MatchedLast30d int            `json:"matched_last_30d"`
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
