package lease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryExclusive(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory()
	m.now = func() time.Time { return now }

	ok, err := m.Acquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = m.Acquire(ctx, "sweep", time.Minute)
	assert.False(t, ok, "second holder must be refused")

	ok, _ = m.Acquire(ctx, "other", time.Minute)
	assert.True(t, ok, "leases are per name")

	now = now.Add(2 * time.Minute)
	ok, _ = m.Acquire(ctx, "sweep", time.Minute)
	assert.True(t, ok, "expired lease can be retaken")

	require.NoError(t, m.Release(ctx, "sweep"))
	ok, _ = m.Acquire(ctx, "sweep", time.Minute)
	assert.True(t, ok)
}

func TestNoopAlwaysGrants(t *testing.T) {
	var l Locker = Noop{}
	for i := 0; i < 3; i++ {
		ok, err := l.Acquire(context.Background(), "sweep", time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestDialRejectsBadURL(t *testing.T) {
	_, _, err := Dial("not a url")
	assert.Error(t, err)
}
