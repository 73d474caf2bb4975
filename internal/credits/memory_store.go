package credits

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory credit store for demo/development mode.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[string]int64
	entries  map[string][]*Entry // accountID -> entries, oldest first
	refs     map[string]bool
}

// NewMemoryStore creates a new in-memory credit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]int64),
		entries:  make(map[string][]*Entry),
		refs:     make(map[string]bool),
	}
}

var _ Store = (*MemoryStore)(nil)

func refKey(e *Entry) string {
	return e.AccountID + "|" + string(e.Kind) + "|" + e.ReferenceType + "|" + e.ReferenceID
}

func (m *MemoryStore) Apply(_ context.Context, entry *Entry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.ReferenceID != "" && m.refs[refKey(entry)] {
		return false, nil
	}

	balance := m.balances[entry.AccountID]
	switch entry.Kind {
	case EntryDebit:
		if balance < entry.Amount {
			return false, ErrInsufficientCredits
		}
		balance -= entry.Amount
	default:
		balance += entry.Amount
	}

	m.balances[entry.AccountID] = balance
	entry.BalanceAfter = balance
	cp := *entry
	m.entries[entry.AccountID] = append(m.entries[entry.AccountID], &cp)
	if entry.ReferenceID != "" {
		m.refs[refKey(entry)] = true
	}
	return true, nil
}

func (m *MemoryStore) Balance(_ context.Context, accountID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[accountID], nil
}

func (m *MemoryStore) History(_ context.Context, accountID string, limit int) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.entries[accountID]
	result := make([]*Entry, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		cp := *all[i]
		result = append(result, &cp)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}
