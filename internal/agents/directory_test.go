package agents

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/agentcourt/internal/clock"
)

func newTestDirectory(limit int) (*Directory, *clock.Fake) {
	clk := clock.NewFake(time.Date(2026, 3, 31, 23, 0, 0, 0, time.UTC))
	return NewDirectory(NewMemoryStore(), limit).WithClock(clk), clk
}

func mustRegister(t *testing.T, d *Directory, ext string) *Agent {
	t.Helper()
	a, err := d.Register(context.Background(), RegisterRequest{
		ExternalID:        ext,
		Name:              ext,
		OperatorAccountID: "acct_" + ext,
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return a
}

func TestRegisterAndResolve(t *testing.T) {
	d, _ := newTestDirectory(0)
	ctx := context.Background()
	a := mustRegister(t, d, "agt_alice")

	if a.Status != StatusActive || a.TrustScore != DefaultTrustScore {
		t.Errorf("unexpected defaults: %+v", a)
	}

	got, err := d.ResolveAgentByExternalID(ctx, "agt_alice")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got.ID != a.ID {
		t.Errorf("expected id %s, got %s", a.ID, got.ID)
	}

	if _, err := d.ResolveAgentByExternalID(ctx, "agt_nobody"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}

	if _, err := d.Register(ctx, RegisterRequest{ExternalID: "agt_alice", Name: "dup", OperatorAccountID: "x"}); !errors.Is(err, ErrAgentExists) {
		t.Errorf("expected ErrAgentExists, got %v", err)
	}
}

func TestRegisterGeneratesExternalID(t *testing.T) {
	d, _ := newTestDirectory(0)
	a, err := d.Register(context.Background(), RegisterRequest{Name: "anon", OperatorAccountID: "acct"})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if len(a.ExternalID) < 5 || a.ExternalID[:4] != "agt_" {
		t.Errorf("expected generated agt_ id, got %q", a.ExternalID)
	}
}

func TestRegisterValidation(t *testing.T) {
	d, _ := newTestDirectory(0)
	if _, err := d.Register(context.Background(), RegisterRequest{Name: " ", OperatorAccountID: "acct"}); !errors.Is(err, ErrInvalidAgent) {
		t.Errorf("expected ErrInvalidAgent, got %v", err)
	}
}

func TestSetStatus(t *testing.T) {
	d, _ := newTestDirectory(0)
	ctx := context.Background()
	a := mustRegister(t, d, "agt_alice")

	if err := d.SetStatus(ctx, a.ID, StatusSuspended); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	status, _ := d.AgentStatus(ctx, a.ID)
	if status != StatusSuspended {
		t.Errorf("expected suspended, got %s", status)
	}
	if err := d.SetStatus(ctx, a.ID, Status("banned")); !errors.Is(err, ErrInvalidAgent) {
		t.Errorf("expected ErrInvalidAgent, got %v", err)
	}
}

func TestCompletionRaisesTrust(t *testing.T) {
	d, _ := newTestDirectory(0)
	ctx := context.Background()
	a := mustRegister(t, d, "agt_alice")

	_ = d.IncrementTransactionCount(ctx, a.ID)
	_ = d.RecordTransactionCompletion(ctx, a.ID)

	got, _ := d.Get(ctx, a.ID)
	if got.TransactionCount != 1 || got.CompletedTransactions != 1 {
		t.Errorf("unexpected counters: %+v", got)
	}
	if got.TrustScore != DefaultTrustScore+1 {
		t.Errorf("expected trust %d, got %d", DefaultTrustScore+1, got.TrustScore)
	}
}

func TestAdjustTrustScoreClamps(t *testing.T) {
	d, _ := newTestDirectory(0)
	ctx := context.Background()
	a := mustRegister(t, d, "agt_alice")

	_ = d.AdjustTrustScore(ctx, a.ID, 500)
	got, _ := d.Get(ctx, a.ID)
	if got.TrustScore != MaxTrustScore {
		t.Errorf("expected clamp to %d, got %d", MaxTrustScore, got.TrustScore)
	}

	_ = d.AdjustTrustScore(ctx, a.ID, -1000)
	got, _ = d.Get(ctx, a.ID)
	if got.TrustScore != MinTrustScore {
		t.Errorf("expected clamp to %d, got %d", MinTrustScore, got.TrustScore)
	}
}

func TestDisputeCountsAndMonthlyLimit(t *testing.T) {
	d, clk := newTestDirectory(2)
	ctx := context.Background()
	alice := mustRegister(t, d, "agt_alice")
	bob := mustRegister(t, d, "agt_bob")

	_ = d.IncrementDisputeCount(ctx, alice.ID, true)
	_ = d.IncrementDisputeCount(ctx, bob.ID, false)

	count, canFile, limit, err := d.CheckDisputeLimit(ctx, alice.ID)
	if err != nil {
		t.Fatalf("CheckDisputeLimit failed: %v", err)
	}
	if count != 1 || !canFile || limit != 2 {
		t.Errorf("got count=%d canFile=%v limit=%d", count, canFile, limit)
	}

	// Defending does not count toward the filing bucket.
	count, _, _, _ = d.CheckDisputeLimit(ctx, bob.ID)
	if count != 0 {
		t.Errorf("expected respondent filing count 0, got %d", count)
	}

	_ = d.IncrementDisputeCount(ctx, alice.ID, true)
	_, canFile, _, _ = d.CheckDisputeLimit(ctx, alice.ID)
	if canFile {
		t.Error("expected limit reached after two filings")
	}

	// New calendar month resets the bucket.
	clk.Advance(2 * time.Hour)
	count, canFile, _, _ = d.CheckDisputeLimit(ctx, alice.ID)
	if count != 0 || !canFile {
		t.Errorf("expected fresh month, got count=%d canFile=%v", count, canFile)
	}

	got, _ := d.Get(ctx, alice.ID)
	if got.DisputesFiled != 2 {
		t.Errorf("expected lifetime filed 2, got %d", got.DisputesFiled)
	}
	got, _ = d.Get(ctx, bob.ID)
	if got.DisputesDefended != 1 {
		t.Errorf("expected defended 1, got %d", got.DisputesDefended)
	}
}

func TestUnlimitedMonthlyLimit(t *testing.T) {
	d, _ := newTestDirectory(0)
	ctx := context.Background()
	a := mustRegister(t, d, "agt_alice")
	for i := 0; i < 10; i++ {
		_ = d.IncrementDisputeCount(ctx, a.ID, true)
	}
	count, canFile, limit, _ := d.CheckDisputeLimit(ctx, a.ID)
	if count != 10 || !canFile || limit != 0 {
		t.Errorf("got count=%d canFile=%v limit=%d", count, canFile, limit)
	}
}
