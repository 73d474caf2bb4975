package disputes

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentcourt/internal/lease"
)

func TestTimerSweepAppliesBothDeadlines(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.txs.add("txn_1", "accepted", nil)
	open := h.file(t, "txn_1", "agt_alice", "acct_alice")
	ruled := h.ruled(t)
	h.clock.Advance(8 * 24 * time.Hour)

	require.True(t, NewTimer(h.svc, lease.NewMemory(), time.Minute, slog.Default()).RunOnce(ctx))

	got, err := h.store.GetByExternalID(ctx, open.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, StatusInArbitration, got.Status)
	got, err = h.store.GetByExternalID(ctx, ruled.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, got.Status)
	assert.Equal(t, *got.DecisionDeadline, *got.ClosedAt)
}

func TestTimerSkipsWhenLeaseHeld(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.txs.add("txn_1", "accepted", nil)
	d := h.file(t, "txn_1", "agt_alice", "acct_alice")
	h.clock.Advance(73 * time.Hour)

	locker := lease.NewMemory()
	ok, err := locker.Acquire(ctx, deadlineLease, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	assert.False(t, NewTimer(h.svc, locker, time.Minute, slog.Default()).RunOnce(ctx))

	got, err := h.store.GetByExternalID(ctx, d.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingResponse, got.Status)
}

func TestTimerStartStop(t *testing.T) {
	h := newHarness()
	timer := NewTimer(h.svc, nil, 10*time.Millisecond, slog.Default())

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()
	require.Eventually(t, timer.Running, time.Second, 5*time.Millisecond)
	timer.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}
