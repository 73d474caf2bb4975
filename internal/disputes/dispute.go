// Package disputes owns the dispute lifecycle: filing against a transaction,
// the respondent's answer, evidence, the arbiter's ruling, each party's
// decision on it, and escalation to human arbitration.
//
// Flow:
//  1. A party files a dispute (AWAITING_RESPONSE, 72h response window)
//  2. The respondent answers (RESPONSE_RECEIVED) or the window lapses (IN_ARBITRATION)
//  3. The arbiter records a ruling (RULED, 7 day decision window)
//  4. Both parties accept (CLOSED), or a party rejects and escalates (ESCALATED)
//  5. A human arbitrator decides the escalation (CLOSED)
package disputes

import (
	"encoding/json"
	"time"

	"github.com/mbd888/agentcourt/internal/apperr"
	"github.com/mbd888/agentcourt/internal/validation"
)

// Status is a dispute's lifecycle state.
type Status string

const (
	StatusAwaitingResponse Status = "awaiting_response"
	StatusResponseReceived Status = "response_received"
	StatusInArbitration    Status = "in_arbitration"
	StatusRuled            Status = "ruled"
	StatusEscalated        Status = "escalated"
	StatusClosed           Status = "closed"
)

// Decision is a party's answer to a ruling.
type Decision string

const (
	DecisionUndecided Decision = "undecided"
	DecisionAccepted  Decision = "accepted"
	DecisionRejected  Decision = "rejected"
)

// Role is a party's side in a dispute.
type Role string

const (
	RoleClaimant   Role = "claimant"
	RoleRespondent Role = "respondent"
)

// Ruling is the arbiter's outcome.
type Ruling string

const (
	RulingClaimant   Ruling = "claimant"
	RulingRespondent Ruling = "respondent"
	RulingSplit      Ruling = "split"
	RulingDismissed  Ruling = "dismissed"
)

// Claim types accepted when filing.
const (
	ClaimNonDelivery    = "non_delivery"
	ClaimQuality        = "quality"
	ClaimPayment        = "payment"
	ClaimTermsViolation = "terms_violation"
	ClaimOther          = "other"
)

var claimTypes = []string{ClaimNonDelivery, ClaimQuality, ClaimPayment, ClaimTermsViolation, ClaimOther}

// Windows.
const (
	ResponseWindow = 72 * time.Hour
	DecisionWindow = 7 * 24 * time.Hour
)

// MaxScoreChange bounds a ruling's trust delta per party.
const MaxScoreChange = 100

var (
	ErrDisputeNotFound     = apperr.New(apperr.KindNotFound, "dispute_not_found", "dispute not found")
	ErrEscalationNotFound  = apperr.New(apperr.KindNotFound, "escalation_not_found", "escalation not found")
	ErrTransactionNotFound = apperr.New(apperr.KindNotFound, "transaction_not_found", "transaction not found")
	ErrNotParty            = apperr.New(apperr.KindForbidden, "not_party", "not a party to this dispute")
	ErrNotRespondent       = apperr.New(apperr.KindForbidden, "not_respondent", "only the respondent may respond to this dispute")
	ErrNotClaimant         = apperr.New(apperr.KindForbidden, "not_claimant", "only the claimant may do this")
	ErrNotArbiter          = apperr.New(apperr.KindForbidden, "not_arbiter", "only an arbiter may do this")
	ErrInvalidState        = apperr.New(apperr.KindInvalidState, "invalid_state", "dispute is not in a valid state for this action")
	ErrAlreadyResponded    = apperr.New(apperr.KindAlreadyResponded, "already_responded", "decision already recorded")
	ErrDeadlineExpired     = apperr.New(apperr.KindDeadlineExpired, "deadline_expired", "deadline has passed")
	ErrAlreadyEscalated    = apperr.New(apperr.KindAlreadyEscalated, "already_escalated", "dispute has already been escalated")
	ErrMustRejectFirst     = apperr.New(apperr.KindMustRejectFirst, "must_reject_first", "reject the ruling before escalating")
	ErrActiveDisputeExists = apperr.New(apperr.KindConflict, "active_dispute_exists", "you already have an active dispute for this transaction")
	ErrDisputeLimitReached = apperr.New(apperr.KindForbidden, "dispute_limit_reached", "monthly dispute limit reached")
	ErrPaymentRequired     = apperr.New(apperr.KindPaymentRequired, "payment_required", "insufficient credits")
	ErrConflict            = apperr.New(apperr.KindConflict, "concurrent_modification", "dispute was modified concurrently, retry")
	ErrValidation          = validation.ErrValidation
)

// Dispute is a claim filed by one transaction party against the other.
type Dispute struct {
	ID                    string          `json:"-"`
	ExternalID            string          `json:"id"`
	TransactionID         string          `json:"-"`
	TransactionExternalID string          `json:"transactionId"`
	ClaimantID            string          `json:"-"`
	ClaimantExternalID    string          `json:"claimantId"`
	RespondentID          string          `json:"-"`
	RespondentExternalID  string          `json:"respondentId"`
	ClaimType             string          `json:"claimType"`
	ClaimSummary          string          `json:"claimSummary"`
	ClaimDetails          string          `json:"claimDetails,omitempty"`
	RequestedResolution   string          `json:"requestedResolution"`
	ResponseSummary       string          `json:"responseSummary,omitempty"`
	ResponseDetails       string          `json:"responseDetails,omitempty"`
	ResponseDeadline      time.Time       `json:"responseDeadline"`
	ResponseSubmittedAt   *time.Time      `json:"responseSubmittedAt,omitempty"`
	Status                Status          `json:"status"`
	Ruling                *Ruling         `json:"ruling"`
	RulingReasoning       string          `json:"rulingReasoning,omitempty"`
	RulingDetails         json.RawMessage `json:"rulingDetails,omitempty"`
	RuledAt               *time.Time      `json:"ruledAt,omitempty"`
	ClaimantScoreChange   int             `json:"claimantScoreChange"`
	RespondentScoreChange int             `json:"respondentScoreChange"`
	StatedValue           *int64          `json:"statedValue"`
	CreditsCharged        int64           `json:"creditsCharged"`
	WasFree               bool            `json:"wasFree"`
	ClaimantDecision      Decision        `json:"claimantDecision"`
	ClaimantDecidedAt     *time.Time      `json:"claimantDecidedAt,omitempty"`
	RespondentDecision    Decision        `json:"respondentDecision"`
	RespondentDecidedAt   *time.Time      `json:"respondentDecidedAt,omitempty"`
	DecisionDeadline      *time.Time      `json:"decisionDeadline,omitempty"`
	WithdrawnAt           *time.Time      `json:"withdrawnAt,omitempty"`
	ClosedAt              *time.Time      `json:"closedAt,omitempty"`
	EvidenceCount         int             `json:"evidenceCount"`
	FiledAt               time.Time       `json:"filedAt"`
	Version               int64           `json:"version"`
	UpdatedAt             time.Time       `json:"updatedAt"`
}

// Resolve returns the status the dispute logically has at now. An
// unanswered dispute past its response deadline is IN_ARBITRATION; a ruling
// past its decision deadline is CLOSED unless it has been escalated, which
// callers holding the escalation store must check.
func (d *Dispute) Resolve(now time.Time) (Status, bool) {
	switch {
	case d.Status == StatusAwaitingResponse && now.After(d.ResponseDeadline):
		return StatusInArbitration, true
	case d.Status == StatusRuled && d.DecisionDeadline != nil && now.After(*d.DecisionDeadline):
		return StatusClosed, true
	}
	return d.Status, false
}

// advance applies Resolve to d and reports whether anything changed. A
// lapsed decision window closes the dispute at the deadline itself.
func (d *Dispute) advance(now time.Time) bool {
	st, changed := d.Resolve(now)
	if !changed {
		return false
	}
	d.Status = st
	if st == StatusClosed {
		closed := *d.DecisionDeadline
		d.ClosedAt = &closed
	}
	d.UpdatedAt = now
	return true
}

// IsActive reports whether the dispute still blocks its claimant from filing
// another against the same transaction.
func (d *Dispute) IsActive() bool {
	if d.Status == StatusClosed {
		return false
	}
	if d.Status == StatusRuled && d.ClaimantDecision != DecisionUndecided && d.RespondentDecision != DecisionUndecided {
		return false
	}
	return true
}

// RoleOf returns agentID's role, or false when agentID is not a party.
func (d *Dispute) RoleOf(agentID string) (Role, bool) {
	switch agentID {
	case d.ClaimantExternalID:
		return RoleClaimant, true
	case d.RespondentExternalID:
		return RoleRespondent, true
	}
	return "", false
}

// DecisionOf returns the decision recorded for role.
func (d *Dispute) DecisionOf(role Role) Decision {
	if role == RoleClaimant {
		return d.ClaimantDecision
	}
	return d.RespondentDecision
}

// Parties returns both external agent IDs.
func (d *Dispute) Parties() []string {
	return []string{d.ClaimantExternalID, d.RespondentExternalID}
}

// Evidence is an immutable artifact attached to a dispute.
type Evidence struct {
	ID            string    `json:"id"`
	DisputeID     string    `json:"-"`
	SubmitterRole Role      `json:"submitterRole"`
	SubmittedBy   string    `json:"submittedBy"`
	EvidenceType  string    `json:"evidenceType"`
	Title         string    `json:"title"`
	Content       string    `json:"content"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Evidence types.
const (
	EvidenceText     = "text"
	EvidenceLink     = "link"
	EvidenceLog      = "log"
	EvidenceDocument = "document"
	EvidenceOther    = "other"
)

var evidenceTypes = []string{EvidenceText, EvidenceLink, EvidenceLog, EvidenceDocument, EvidenceOther}

// EscalationStatus is the state of a human-arbitration request.
type EscalationStatus string

const (
	EscalationPending  EscalationStatus = "pending"
	EscalationInReview EscalationStatus = "in_review"
	EscalationDecided  EscalationStatus = "decided"
)

// Escalation is a request to move a ruled-but-rejected dispute to human
// arbitration. There is at most one per dispute.
type Escalation struct {
	ID                  string           `json:"-"`
	ExternalID          string           `json:"id"`
	DisputeID           string           `json:"-"`
	DisputeExternalID   string           `json:"disputeId"`
	RequestedByID       string           `json:"-"`
	RequestedBy         string           `json:"requestedBy"`
	Reason              string           `json:"reason"`
	Status              EscalationStatus `json:"status"`
	ArbitratorID        string           `json:"arbitratorId,omitempty"`
	ArbitratorRuling    *Ruling          `json:"arbitratorRuling"`
	ArbitratorReasoning string           `json:"arbitratorReasoning,omitempty"`
	ArbitratorNotes     string           `json:"arbitratorNotes,omitempty"`
	CreditsCharged      int64            `json:"creditsCharged"`
	RequestedAt         time.Time        `json:"requestedAt"`
	AssignedAt          *time.Time       `json:"assignedAt,omitempty"`
	DecidedAt           *time.Time       `json:"decidedAt,omitempty"`
	ClosedAt            *time.Time       `json:"closedAt,omitempty"`
	Version             int64            `json:"version"`
	UpdatedAt           time.Time        `json:"updatedAt"`
}

// DecisionView is a party's view of a ruling.
type DecisionView struct {
	DisputeID          string          `json:"disputeId"`
	Status             Status          `json:"status"`
	Ruling             *Ruling         `json:"ruling"`
	RulingReasoning    string          `json:"rulingReasoning,omitempty"`
	RulingDetails      json.RawMessage `json:"rulingDetails,omitempty"`
	RuledAt            *time.Time      `json:"ruledAt,omitempty"`
	DecisionDeadline   *time.Time      `json:"decisionDeadline,omitempty"`
	ClaimantDecision   Decision        `json:"claimantDecision"`
	RespondentDecision Decision        `json:"respondentDecision"`
	YourRole           Role            `json:"yourRole"`
	YourDecision       Decision        `json:"yourDecision"`
	CanEscalate        bool            `json:"canEscalate"`
	Escalated          bool            `json:"escalated"`
}

func statusIn(s Status, allowed ...Status) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}
