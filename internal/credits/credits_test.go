package credits

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentcourt/internal/apperr"
)

func newTestLedger(t *testing.T, grants map[string]int64) *Ledger {
	t.Helper()
	l := NewLedger(NewMemoryStore())
	for acct, amt := range grants {
		_, err := l.Grant(context.Background(), acct, amt, "seed")
		require.NoError(t, err)
	}
	return l
}

func TestDeductCredits(t *testing.T) {
	l := newTestLedger(t, map[string]int64{"acct_a": 1000})
	ctx := context.Background()

	require.NoError(t, l.DeductCredits(ctx, "acct_a", 550, "dispute filing fee", "dispute", "dsp_1"))
	bal, _ := l.Balance(ctx, "acct_a")
	assert.EqualValues(t, 450, bal)
}

func TestDeductCreditsInsufficient(t *testing.T) {
	l := newTestLedger(t, map[string]int64{"acct_a": 100})
	ctx := context.Background()

	err := l.DeductCredits(ctx, "acct_a", 550, "fee", "dispute", "dsp_1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientCredits))
	assert.Equal(t, apperr.KindPaymentRequired, apperr.KindOf(err))

	bal, _ := l.Balance(ctx, "acct_a")
	assert.EqualValues(t, 100, bal, "failed debit must not move the balance")

	hist, _ := l.History(ctx, "acct_a", 10)
	assert.Len(t, hist, 1)
}

func TestDeductCreditsUnknownAccount(t *testing.T) {
	l := newTestLedger(t, nil)
	err := l.DeductCredits(context.Background(), "acct_ghost", 1, "fee", "dispute", "dsp_1")
	assert.True(t, errors.Is(err, ErrInsufficientCredits))
}

func TestDeductCreditsIdempotentPerReference(t *testing.T) {
	l := newTestLedger(t, map[string]int64{"acct_a": 5000})
	ctx := context.Background()

	require.NoError(t, l.DeductCredits(ctx, "acct_a", 2000, "escalation fee", "escalation", "esc_1"))
	require.NoError(t, l.DeductCredits(ctx, "acct_a", 2000, "escalation fee", "escalation", "esc_1"))

	bal, _ := l.Balance(ctx, "acct_a")
	assert.EqualValues(t, 3000, bal)
}

func TestRefundCompensatesDebit(t *testing.T) {
	l := newTestLedger(t, map[string]int64{"acct_a": 1000})
	ctx := context.Background()

	require.NoError(t, l.DeductCredits(ctx, "acct_a", 600, "fee", "dispute", "dsp_1"))
	require.NoError(t, l.RefundCredits(ctx, "acct_a", 600, "compensation", "dispute", "dsp_1"))
	require.NoError(t, l.RefundCredits(ctx, "acct_a", 600, "compensation", "dispute", "dsp_1"))

	bal, _ := l.Balance(ctx, "acct_a")
	assert.EqualValues(t, 1000, bal)

	hist, _ := l.History(ctx, "acct_a", 0)
	require.Len(t, hist, 3)
	assert.Equal(t, EntryRefund, hist[0].Kind)
	assert.EqualValues(t, 1000, hist[0].BalanceAfter)
	assert.Equal(t, EntryGrant, hist[2].Kind)
}

func TestApplyValidation(t *testing.T) {
	l := newTestLedger(t, nil)
	ctx := context.Background()

	assert.True(t, errors.Is(l.DeductCredits(ctx, "acct_a", 0, "", "", ""), ErrInvalidAmount))
	assert.True(t, errors.Is(l.DeductCredits(ctx, "", 10, "", "", ""), ErrAccountRequired))
}

func TestHistoryLimit(t *testing.T) {
	l := newTestLedger(t, nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := l.Grant(ctx, "acct_a", 10, "topup")
		require.NoError(t, err)
	}
	hist, _ := l.History(ctx, "acct_a", 2)
	assert.Len(t, hist, 2)
	assert.EqualValues(t, 50, hist[0].BalanceAfter)
}
