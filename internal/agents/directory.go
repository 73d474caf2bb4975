package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mbd888/agentcourt/internal/clock"
	"github.com/mbd888/agentcourt/internal/idgen"
	"github.com/mbd888/agentcourt/internal/traces"
)

// Directory resolves agents and owns their counters and trust scores.
// The lifecycle services call into it after their own state commits.
type Directory struct {
	store        Store
	clock        clock.Clock
	monthlyLimit int
	logger       *slog.Logger
}

// NewDirectory creates a directory over store. monthlyLimit caps disputes an
// agent may file per calendar month; zero means unlimited.
func NewDirectory(store Store, monthlyLimit int) *Directory {
	return &Directory{
		store:        store,
		clock:        clock.Real(),
		monthlyLimit: monthlyLimit,
		logger:       slog.Default(),
	}
}

// WithClock replaces the directory's clock.
func (d *Directory) WithClock(c clock.Clock) *Directory {
	d.clock = c
	return d
}

// WithLogger replaces the directory's logger.
func (d *Directory) WithLogger(l *slog.Logger) *Directory {
	d.logger = l
	return d
}

// RegisterRequest contains the parameters for registering an agent.
type RegisterRequest struct {
	ExternalID        string `json:"externalId"`
	Name              string `json:"name" binding:"required"`
	OperatorAccountID string `json:"operatorAccountId" binding:"required"`
}

// Register adds a new active agent. A missing external ID is generated.
func (d *Directory) Register(ctx context.Context, req RegisterRequest) (*Agent, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, ErrInvalidAgent.WithMessage("name is required")
	}
	if strings.TrimSpace(req.OperatorAccountID) == "" {
		return nil, ErrInvalidAgent.WithMessage("operatorAccountId is required")
	}
	externalID := strings.TrimSpace(req.ExternalID)
	if externalID == "" {
		externalID = idgen.Agent()
	}

	now := d.clock.Now()
	agent := &Agent{
		ID:                idgen.Internal(),
		ExternalID:        externalID,
		Name:              name,
		OperatorAccountID: req.OperatorAccountID,
		Status:            StatusActive,
		TrustScore:        DefaultTrustScore,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := d.store.Create(ctx, agent); err != nil {
		return nil, err
	}
	d.logger.Info("agent registered", "agentId", agent.ExternalID, "operator", agent.OperatorAccountID)
	return agent, nil
}

// Get returns an agent by internal ID.
func (d *Directory) Get(ctx context.Context, id string) (*Agent, error) {
	return d.store.Get(ctx, id)
}

// List returns registered agents, newest first.
func (d *Directory) List(ctx context.Context, limit int) ([]*Agent, error) {
	return d.store.List(ctx, limit)
}

// ResolveAgentByExternalID maps a caller-facing agent ID to its record.
func (d *Directory) ResolveAgentByExternalID(ctx context.Context, externalID string) (*Agent, error) {
	return d.store.GetByExternalID(ctx, externalID)
}

// AgentStatus returns the agent's current standing.
func (d *Directory) AgentStatus(ctx context.Context, agentID string) (Status, error) {
	a, err := d.store.Get(ctx, agentID)
	if err != nil {
		return "", err
	}
	return a.Status, nil
}

// SetStatus suspends, reactivates or deactivates an agent.
func (d *Directory) SetStatus(ctx context.Context, agentID string, status Status) error {
	if !status.Valid() {
		return ErrInvalidAgent.WithMessage(fmt.Sprintf("unknown status %q", status))
	}
	if err := d.store.SetStatus(ctx, agentID, status, d.clock.Now()); err != nil {
		return err
	}
	d.logger.Info("agent status changed", "agentId", agentID, "status", status)
	return nil
}

// IncrementTransactionCount bumps the agent's transaction volume.
func (d *Directory) IncrementTransactionCount(ctx context.Context, agentID string) error {
	return d.store.IncrementCounter(ctx, agentID, CounterTransactions, d.clock.Now())
}

// RecordTransactionCompletion counts a completed transaction and nudges the
// agent's trust score up by one point.
func (d *Directory) RecordTransactionCompletion(ctx context.Context, agentID string) error {
	ctx, span := traces.StartSpan(ctx, "agents.RecordTransactionCompletion", traces.AgentID(agentID))
	defer span.End()

	now := d.clock.Now()
	if err := d.store.IncrementCounter(ctx, agentID, CounterCompleted, now); err != nil {
		return err
	}
	_, err := d.store.AdjustTrustScore(ctx, agentID, 1, now)
	return err
}

// IncrementDisputeCount records dispute involvement. Only filings count
// toward the monthly filing bucket used for limits and fee tiers.
func (d *Directory) IncrementDisputeCount(ctx context.Context, agentID string, asClaimant bool) error {
	now := d.clock.Now()
	counter := CounterDisputesDefended
	if asClaimant {
		counter = CounterDisputesFiled
	}
	if err := d.store.IncrementCounter(ctx, agentID, counter, now); err != nil {
		return err
	}
	if !asClaimant {
		return nil
	}
	return d.store.IncrementMonthlyDisputes(ctx, agentID, MonthKey(now))
}

// CheckDisputeLimit reports how many disputes the agent filed this calendar
// month and whether it may file another. A limit of zero means unlimited.
func (d *Directory) CheckDisputeLimit(ctx context.Context, agentID string) (disputesThisMonth int, canFile bool, limit int, err error) {
	count, err := d.store.MonthlyDisputes(ctx, agentID, MonthKey(d.clock.Now()))
	if err != nil {
		return 0, false, d.monthlyLimit, err
	}
	if d.monthlyLimit <= 0 {
		return count, true, 0, nil
	}
	return count, count < d.monthlyLimit, d.monthlyLimit, nil
}

// AdjustTrustScore applies a ruling's score delta.
func (d *Directory) AdjustTrustScore(ctx context.Context, agentID string, delta int) error {
	if delta == 0 {
		return nil
	}
	score, err := d.store.AdjustTrustScore(ctx, agentID, delta, d.clock.Now())
	if err != nil {
		return err
	}
	d.logger.Info("trust score adjusted", "agentId", agentID, "delta", delta, "score", score)
	return nil
}
