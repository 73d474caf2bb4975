package transactions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/agentcourt/internal/pagination"
)

// MemoryStore is an in-memory transaction store for demo/development mode.
type MemoryStore struct {
	mu         sync.RWMutex
	txs        map[string]*Transaction
	byExternal map[string]string
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txs:        make(map[string]*Transaction),
		byExternal: make(map[string]string),
	}
}

var _ Store = (*MemoryStore)(nil)

func clone(tx *Transaction) *Transaction {
	cp := *tx
	if tx.Terms != nil {
		cp.Terms = append([]byte(nil), tx.Terms...)
	}
	return &cp
}

func (m *MemoryStore) Create(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.txs[tx.ID]; exists {
		return ErrConflict
	}
	if _, exists := m.byExternal[tx.ExternalID]; exists {
		return ErrConflict
	}
	tx.Version = 1
	m.txs[tx.ID] = clone(tx)
	m.byExternal[tx.ExternalID] = tx.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return clone(tx), nil
}

func (m *MemoryStore) GetByExternalID(_ context.Context, externalID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byExternal[externalID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return clone(m.txs[id]), nil
}

func (m *MemoryStore) Update(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.txs[tx.ID]
	if !ok {
		return ErrTransactionNotFound
	}
	if cur.Version != tx.Version {
		return ErrConflict
	}
	tx.Version++
	m.txs[tx.ID] = clone(tx)
	return nil
}

func (m *MemoryStore) ListByAgent(_ context.Context, agentID string, limit int, cursor *pagination.Cursor) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.txs {
		if !tx.IsParty(agentID) {
			continue
		}
		if !cursor.After(tx.ProposedAt, tx.ExternalID) {
			continue
		}
		result = append(result, clone(tx))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].ProposedAt.Equal(result[j].ProposedAt) {
			return result[i].ExternalID > result[j].ExternalID
		}
		return result[i].ProposedAt.After(result[j].ProposedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ExpireProposed(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, tx := range m.txs {
		if tx.Status == StatusProposed && now.After(tx.ExpiresAt) {
			tx.Status = StatusExpired
			tx.UpdatedAt = now
			tx.Version++
			n++
		}
	}
	return n, nil
}
