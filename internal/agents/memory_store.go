package agents

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory agent store for demo/development mode.
type MemoryStore struct {
	mu         sync.RWMutex
	agents     map[string]*Agent
	byExternal map[string]string
	monthly    map[string]int // agentID|month -> disputes filed
}

// NewMemoryStore creates a new in-memory agent store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:     make(map[string]*Agent),
		byExternal: make(map[string]string),
		monthly:    make(map[string]int),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byExternal[agent.ExternalID]; exists {
		return ErrAgentExists
	}
	if _, exists := m.agents[agent.ID]; exists {
		return ErrAgentExists
	}
	cp := *agent
	m.agents[agent.ID] = &cp
	m.byExternal[agent.ExternalID] = agent.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) GetByExternalID(_ context.Context, externalID string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byExternal[externalID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	cp := *m.agents[id]
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		cp := *a
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) SetStatus(_ context.Context, id string, status Status, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	a.Status = status
	a.UpdatedAt = now
	return nil
}

func (m *MemoryStore) IncrementCounter(_ context.Context, id string, counter Counter, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	switch counter {
	case CounterTransactions:
		a.TransactionCount++
	case CounterCompleted:
		a.CompletedTransactions++
	case CounterDisputesFiled:
		a.DisputesFiled++
	case CounterDisputesDefended:
		a.DisputesDefended++
	}
	a.UpdatedAt = now
	return nil
}

func (m *MemoryStore) AdjustTrustScore(_ context.Context, id string, delta int, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return 0, ErrAgentNotFound
	}
	a.TrustScore = clampScore(a.TrustScore + delta)
	a.UpdatedAt = now
	return a.TrustScore, nil
}

func (m *MemoryStore) IncrementMonthlyDisputes(_ context.Context, id, month string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[id]; !ok {
		return ErrAgentNotFound
	}
	m.monthly[id+"|"+month]++
	return nil
}

func (m *MemoryStore) MonthlyDisputes(_ context.Context, id, month string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.monthly[id+"|"+month], nil
}
