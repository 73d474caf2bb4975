package disputes

import (
	"context"
	"time"

	"github.com/mbd888/agentcourt/internal/pagination"
)

// DisputeStore persists disputes. Update is conditional on Version.
type DisputeStore interface {
	// Create fails with ErrActiveDisputeExists when the claimant already has
	// an active dispute on the same transaction.
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	GetByExternalID(ctx context.Context, externalID string) (*Dispute, error)
	// Update writes d if the stored version equals d.Version and bumps
	// d.Version on success.
	Update(ctx context.Context, d *Dispute) error
	// FindActive returns the claimant's active dispute on transactionID, or
	// nil when there is none.
	FindActive(ctx context.Context, transactionID, claimantID string) (*Dispute, error)
	// ListByAgent returns disputes where agentID (external) is a party, newest first.
	ListByAgent(ctx context.Context, agentID string, limit int, cursor *pagination.Cursor) ([]*Dispute, error)
	// ListByStatus returns disputes in any of statuses, oldest filing first.
	ListByStatus(ctx context.Context, statuses []Status, limit int) ([]*Dispute, error)
	// AdvanceExpiredResponses moves AWAITING_RESPONSE disputes past their
	// response deadline to IN_ARBITRATION.
	AdvanceExpiredResponses(ctx context.Context, now time.Time) (int64, error)
	// CloseLapsedDecisions moves RULED disputes past their decision deadline
	// to CLOSED, closing them at the deadline.
	CloseLapsedDecisions(ctx context.Context, now time.Time) (int64, error)
}

// EvidenceStore persists append-only evidence.
type EvidenceStore interface {
	// AddEvidence appends ev and bumps the dispute's evidence count, provided
	// the dispute still accepts evidence. Otherwise it returns ErrInvalidState.
	AddEvidence(ctx context.Context, ev *Evidence, now time.Time) error
	ListEvidence(ctx context.Context, disputeID string) ([]*Evidence, error)
}

// EscalationStore persists escalations.
type EscalationStore interface {
	// CreateEscalation fails with ErrAlreadyEscalated when the dispute has one.
	CreateEscalation(ctx context.Context, e *Escalation) error
	GetEscalationByExternalID(ctx context.Context, externalID string) (*Escalation, error)
	// GetEscalationByDispute returns ErrEscalationNotFound when none exists.
	GetEscalationByDispute(ctx context.Context, disputeID string) (*Escalation, error)
	UpdateEscalation(ctx context.Context, e *Escalation) error
	ListEscalations(ctx context.Context, statuses []EscalationStatus, limit int) ([]*Escalation, error)
}

// Store combines the three persistence ports.
type Store interface {
	DisputeStore
	EvidenceStore
	EscalationStore
}

var evidenceOpen = []Status{StatusAwaitingResponse, StatusResponseReceived}
