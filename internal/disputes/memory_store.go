package disputes

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/agentcourt/internal/pagination"
)

// MemoryStore is an in-memory dispute store for demo/development mode.
type MemoryStore struct {
	mu           sync.RWMutex
	disputes     map[string]*Dispute
	byExternal   map[string]string
	evidence     map[string][]*Evidence // disputeID -> evidence in creation order
	escalations  map[string]*Escalation
	escByExt     map[string]string
	escByDispute map[string]string
}

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		disputes:     make(map[string]*Dispute),
		byExternal:   make(map[string]string),
		evidence:     make(map[string][]*Evidence),
		escalations:  make(map[string]*Escalation),
		escByExt:     make(map[string]string),
		escByDispute: make(map[string]string),
	}
}

var _ Store = (*MemoryStore)(nil)

func cloneDispute(d *Dispute) *Dispute {
	cp := *d
	if d.RulingDetails != nil {
		cp.RulingDetails = append([]byte(nil), d.RulingDetails...)
	}
	return &cp
}

func (m *MemoryStore) Create(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.disputes {
		if existing.TransactionID == d.TransactionID && existing.ClaimantID == d.ClaimantID && existing.IsActive() {
			return ErrActiveDisputeExists
		}
	}
	if _, exists := m.byExternal[d.ExternalID]; exists {
		return ErrConflict
	}
	d.Version = 1
	m.disputes[d.ID] = cloneDispute(d)
	m.byExternal[d.ExternalID] = d.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return cloneDispute(d), nil
}

func (m *MemoryStore) GetByExternalID(_ context.Context, externalID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byExternal[externalID]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return cloneDispute(m.disputes[id]), nil
}

func (m *MemoryStore) Update(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.disputes[d.ID]
	if !ok {
		return ErrDisputeNotFound
	}
	if cur.Version != d.Version {
		return ErrConflict
	}
	// Evidence count is owned by AddEvidence.
	d.EvidenceCount = cur.EvidenceCount
	d.Version++
	m.disputes[d.ID] = cloneDispute(d)
	return nil
}

func (m *MemoryStore) FindActive(_ context.Context, transactionID, claimantID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.disputes {
		if d.TransactionID == transactionID && d.ClaimantID == claimantID && d.IsActive() {
			return cloneDispute(d), nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListByAgent(_ context.Context, agentID string, limit int, cursor *pagination.Cursor) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.ClaimantExternalID != agentID && d.RespondentExternalID != agentID {
			continue
		}
		if !cursor.After(d.FiledAt, d.ExternalID) {
			continue
		}
		result = append(result, cloneDispute(d))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].FiledAt.Equal(result[j].FiledAt) {
			return result[i].ExternalID > result[j].ExternalID
		}
		return result[i].FiledAt.After(result[j].FiledAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, statuses []Status, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if statusIn(d.Status, statuses...) {
			result = append(result, cloneDispute(d))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].FiledAt.Before(result[j].FiledAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) AdvanceExpiredResponses(_ context.Context, now time.Time) (int64, error) {
	return m.advanceWhere(now, StatusAwaitingResponse), nil
}

func (m *MemoryStore) CloseLapsedDecisions(_ context.Context, now time.Time) (int64, error) {
	return m.advanceWhere(now, StatusRuled), nil
}

func (m *MemoryStore) advanceWhere(now time.Time, from Status) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, d := range m.disputes {
		if d.Status != from {
			continue
		}
		if _, escalated := m.escByDispute[d.ID]; escalated {
			continue
		}
		if d.advance(now) {
			d.Version++
			n++
		}
	}
	return n
}

func (m *MemoryStore) AddEvidence(_ context.Context, ev *Evidence, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[ev.DisputeID]
	if !ok {
		return ErrDisputeNotFound
	}
	if !statusIn(d.Status, evidenceOpen...) {
		return ErrInvalidState
	}
	cp := *ev
	m.evidence[ev.DisputeID] = append(m.evidence[ev.DisputeID], &cp)
	d.EvidenceCount++
	d.UpdatedAt = now
	return nil
}

func (m *MemoryStore) ListEvidence(_ context.Context, disputeID string) ([]*Evidence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.evidence[disputeID]
	result := make([]*Evidence, 0, len(list))
	for _, ev := range list {
		cp := *ev
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) CreateEscalation(_ context.Context, e *Escalation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.escByDispute[e.DisputeID]; exists {
		return ErrAlreadyEscalated
	}
	e.Version = 1
	cp := *e
	m.escalations[e.ID] = &cp
	m.escByExt[e.ExternalID] = e.ID
	m.escByDispute[e.DisputeID] = e.ID
	return nil
}

func (m *MemoryStore) GetEscalationByExternalID(_ context.Context, externalID string) (*Escalation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.escByExt[externalID]
	if !ok {
		return nil, ErrEscalationNotFound
	}
	cp := *m.escalations[id]
	return &cp, nil
}

func (m *MemoryStore) GetEscalationByDispute(_ context.Context, disputeID string) (*Escalation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.escByDispute[disputeID]
	if !ok {
		return nil, ErrEscalationNotFound
	}
	cp := *m.escalations[id]
	return &cp, nil
}

func (m *MemoryStore) UpdateEscalation(_ context.Context, e *Escalation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.escalations[e.ID]
	if !ok {
		return ErrEscalationNotFound
	}
	if cur.Version != e.Version {
		return ErrConflict
	}
	e.Version++
	cp := *e
	m.escalations[e.ID] = &cp
	return nil
}

func (m *MemoryStore) ListEscalations(_ context.Context, statuses []EscalationStatus, limit int) ([]*Escalation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escalation
	for _, e := range m.escalations {
		for _, s := range statuses {
			if e.Status == s {
				cp := *e
				result = append(result, &cp)
				break
			}
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].RequestedAt.Before(result[j].RequestedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
