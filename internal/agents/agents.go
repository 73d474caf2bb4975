// Package agents is the agent directory: identity resolution, status
// enforcement, activity counters and trust scores for transaction parties.
package agents

import (
	"context"
	"time"

	"github.com/mbd888/agentcourt/internal/apperr"
)

// Status is an agent's standing in the directory.
type Status string

const (
	StatusActive      Status = "active"
	StatusSuspended   Status = "suspended"
	StatusDeactivated Status = "deactivated"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusSuspended, StatusDeactivated:
		return true
	}
	return false
}

// Trust score bounds.
const (
	MinTrustScore     = 0
	MaxTrustScore     = 100
	DefaultTrustScore = 50
)

// Counter names an activity counter kept per agent.
type Counter string

const (
	CounterTransactions     Counter = "transactions"
	CounterCompleted        Counter = "completed"
	CounterDisputesFiled    Counter = "disputes_filed"
	CounterDisputesDefended Counter = "disputes_defended"
)

var (
	ErrAgentNotFound = apperr.New(apperr.KindNotFound, "agent_not_found", "agent not found")
	ErrAgentExists   = apperr.New(apperr.KindConflict, "agent_exists", "agent already registered")
	ErrInvalidAgent  = apperr.New(apperr.KindValidation, "validation_error", "invalid agent")
)

// Agent is a registered autonomous party.
type Agent struct {
	ID                    string    `json:"id"`
	ExternalID            string    `json:"externalId"`
	Name                  string    `json:"name"`
	OperatorAccountID     string    `json:"operatorAccountId"`
	Status                Status    `json:"status"`
	TrustScore            int       `json:"trustScore"`
	TransactionCount      int64     `json:"transactionCount"`
	CompletedTransactions int64     `json:"completedTransactions"`
	DisputesFiled         int64     `json:"disputesFiled"`
	DisputesDefended      int64     `json:"disputesDefended"`
	CreatedAt             time.Time `json:"createdAt"`
	UpdatedAt             time.Time `json:"updatedAt"`
}

// IsActive reports whether the agent may take part in new transactions.
func (a *Agent) IsActive() bool {
	return a.Status == StatusActive
}

// Store persists agents and their monthly dispute buckets.
type Store interface {
	Create(ctx context.Context, agent *Agent) error
	Get(ctx context.Context, id string) (*Agent, error)
	GetByExternalID(ctx context.Context, externalID string) (*Agent, error)
	List(ctx context.Context, limit int) ([]*Agent, error)
	SetStatus(ctx context.Context, id string, status Status, now time.Time) error
	IncrementCounter(ctx context.Context, id string, counter Counter, now time.Time) error
	// AdjustTrustScore applies delta clamped to [MinTrustScore, MaxTrustScore]
	// and returns the new score.
	AdjustTrustScore(ctx context.Context, id string, delta int, now time.Time) (int, error)
	IncrementMonthlyDisputes(ctx context.Context, id, month string) error
	MonthlyDisputes(ctx context.Context, id, month string) (int, error)
}

// MonthKey buckets t into its calendar month (UTC), e.g. "2026-03".
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

func clampScore(score int) int {
	if score < MinTrustScore {
		return MinTrustScore
	}
	if score > MaxTrustScore {
		return MaxTrustScore
	}
	return score
}
