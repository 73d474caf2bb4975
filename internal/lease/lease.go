// Package lease provides short-lived named leases so only one replica runs a
// periodic sweep at a time.
package lease

import (
	"context"
	"sync"
	"time"
)

// Locker grants exclusive, expiring leases on names.
type Locker interface {
	// Acquire takes the lease on name for ttl. It returns false without error
	// when another holder has it.
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	// Release gives the lease back if this locker still holds it.
	Release(ctx context.Context, name string) error
}

// Noop grants every lease. Use when a single replica runs the sweeps.
type Noop struct{}

func (Noop) Acquire(context.Context, string, time.Duration) (bool, error) { return true, nil }
func (Noop) Release(context.Context, string) error                        { return nil }

// Memory is an in-process Locker.
type Memory struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]time.Time
}

// NewMemory creates an in-process locker.
func NewMemory() *Memory {
	return &Memory{now: time.Now, leases: make(map[string]time.Time)}
}

func (m *Memory) Acquire(_ context.Context, name string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if until, held := m.leases[name]; held && now.Before(until) {
		return false, nil
	}
	m.leases[name] = now.Add(ttl)
	return true, nil
}

func (m *Memory) Release(_ context.Context, name string) error {
	m.mu.Lock()
	delete(m.leases, name)
	m.mu.Unlock()
	return nil
}
