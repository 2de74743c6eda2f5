package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"banksync-backend/internal/domain/bank"
)

// MockRepository is an in-memory Repository for tests.
type MockRepository struct {
	mu sync.Mutex

	connections  map[int64]*bank.Connection
	transactions map[int64]*bank.Transaction
	byExternalID map[string]int64
	suggestions  map[int64]*bank.MatchSuggestion

	nextConnectionID  int64
	nextTransactionID int64
	nextSuggestionID  int64
}

// Compile-time check that MockRepository implements Repository
var _ Repository = (*MockRepository)(nil)

// NewMockRepository creates an empty in-memory repository.
func NewMockRepository() *MockRepository {
	return &MockRepository{
		connections:  make(map[int64]*bank.Connection),
		transactions: make(map[int64]*bank.Transaction),
		byExternalID: make(map[string]int64),
		suggestions:  make(map[int64]*bank.MatchSuggestion),
	}
}

func (m *MockRepository) SaveConnection(_ context.Context, c *bank.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == 0 {
		m.nextConnectionID++
		c.ID = m.nextConnectionID
		c.CreatedAt = time.Now()
	}
	c.UpdatedAt = time.Now()
	cp := *c
	m.connections[c.ID] = &cp
	return nil
}

func (m *MockRepository) GetConnection(_ context.Context, id int64) (*bank.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MockRepository) ListConnections(_ context.Context) ([]bank.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]bank.Connection, 0, len(m.connections))
	for _, c := range m.connections {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *MockRepository) InsertTransaction(_ context.Context, t *bank.Transaction) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byExternalID[t.TransactionID]; exists {
		return false, nil
	}
	m.nextTransactionID++
	t.ID = m.nextTransactionID
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt
	cp := *t
	m.transactions[t.ID] = &cp
	m.byExternalID[t.TransactionID] = t.ID
	return true, nil
}

func (m *MockRepository) GetTransaction(_ context.Context, id int64) (*bank.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transactions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MockRepository) ListTransactions(_ context.Context, connectionID int64, state bank.TransactionState, limit int) ([]bank.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []bank.Transaction
	for _, t := range m.transactions {
		if connectionID != 0 && t.ConnectionID != connectionID {
			continue
		}
		if state != "" && t.State != state {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.After(out[j].Date)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockRepository) ListTransactionsByState(_ context.Context, state bank.TransactionState, limit int) ([]bank.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []bank.Transaction
	for _, t := range m.transactions {
		if t.State == state {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockRepository) UpdateTransactionMatch(_ context.Context, t *bank.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.transactions[t.ID]
	if !ok {
		return ErrNotFound
	}
	stored.State = t.State
	stored.OrderCode = t.OrderCode
	stored.PaymentID = t.PaymentID
	stored.ErrorMessage = t.ErrorMessage
	stored.IsPartialPayment = t.IsPartialPayment
	stored.PaymentGroupID = t.PaymentGroupID
	stored.UpdatedAt = time.Now()
	return nil
}

func (m *MockRepository) TransactionStats(_ context.Context) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &Stats{ByState: make(map[bank.TransactionState]int)}
	for _, t := range m.transactions {
		stats.ByState[t.State]++
		stats.Total++
		if t.State == bank.StateMatched && t.UpdatedAt.After(time.Now().AddDate(0, 0, -30)) {
			stats.MatchedLast30d++
		}
	}
	stats.PendingReview = stats.ByState[bank.StatePendingApproval]
	return stats, nil
}

func (m *MockRepository) ReplaceSuggestions(_ context.Context, transactionID int64, suggestions []bank.MatchSuggestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, sg := range m.suggestions {
		if sg.TransactionID == transactionID && sg.Approved == nil {
			delete(m.suggestions, id)
		}
	}
	for i := range suggestions {
		m.nextSuggestionID++
		suggestions[i].ID = m.nextSuggestionID
		suggestions[i].TransactionID = transactionID
		suggestions[i].CreatedAt = time.Now()
		cp := suggestions[i]
		m.suggestions[cp.ID] = &cp
	}
	return nil
}

func (m *MockRepository) GetSuggestion(_ context.Context, id int64) (*bank.MatchSuggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sg, ok := m.suggestions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sg
	return &cp, nil
}

func (m *MockRepository) ListSuggestions(_ context.Context, transactionID int64) ([]bank.MatchSuggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []bank.MatchSuggestion
	for _, sg := range m.suggestions {
		if sg.TransactionID == transactionID {
			out = append(out, *sg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MockRepository) ResolveSuggestion(_ context.Context, id int64, approved bool, reviewer string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sg, ok := m.suggestions[id]
	if !ok || sg.Approved != nil {
		return false, nil
	}
	v := approved
	sg.Approved = &v
	sg.ReviewedBy = reviewer
	t := at
	sg.ReviewedAt = &t
	return true, nil
}

func (m *MockRepository) RejectPending(_ context.Context, transactionID int64, reviewer string, at time.Time, exceptIDs ...int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	skip := make(map[int64]bool, len(exceptIDs))
	for _, id := range exceptIDs {
		skip[id] = true
	}
	rejected := false
	for _, sg := range m.suggestions {
		if sg.TransactionID != transactionID || sg.Approved != nil || skip[sg.ID] {
			continue
		}
		sg.Approved = &rejected
		sg.ReviewedBy = reviewer
		t := at
		sg.ReviewedAt = &t
	}
	return nil
}
