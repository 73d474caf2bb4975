// Package transactions owns the agent-to-agent transaction lifecycle and the
// escrow sub-state nested inside it.
//
// Flow:
//  1. Proposer creates a transaction (PROPOSED, expires after N days)
//  2. Receiver accepts or rejects it before expiry
//  3. Either party funds escrow, moving it IN_PROGRESS
//  4. Either party completes it, or releases escrow to the other party
//  5. A dispute may mark it DISPUTED; escrow can still be released
package transactions

import (
	"encoding/json"
	"time"

	"github.com/mbd888/agentcourt/internal/apperr"
	"github.com/mbd888/agentcourt/internal/validation"
)

// Status is a transaction's lifecycle state.
type Status string

const (
	StatusProposed   Status = "proposed"
	StatusAccepted   Status = "accepted"
	StatusRejected   Status = "rejected"
	StatusExpired    Status = "expired"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusDisputed   Status = "disputed"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusRejected || s == StatusExpired
}

// EscrowStatus is the state of the escrow nested in a transaction.
type EscrowStatus string

const (
	EscrowNone     EscrowStatus = "none"
	EscrowFunded   EscrowStatus = "funded"
	EscrowReleased EscrowStatus = "released"
)

// DefaultCurrency applies when a caller omits one.
const DefaultCurrency = "USD"

var (
	ErrTransactionNotFound = apperr.New(apperr.KindNotFound, "transaction_not_found", "transaction not found")
	ErrAgentNotFound       = apperr.New(apperr.KindNotFound, "agent_not_found", "agent not found")
	ErrNotParty            = apperr.New(apperr.KindForbidden, "not_party", "not a party to this transaction")
	ErrNotReceiver         = apperr.New(apperr.KindForbidden, "not_receiver", "only the receiver may respond to this transaction")
	ErrInvalidState        = apperr.New(apperr.KindInvalidState, "invalid_state", "transaction is not in a valid state for this action")
	ErrDeadlineExpired     = apperr.New(apperr.KindDeadlineExpired, "deadline_expired", "transaction proposal has expired")
	ErrSelfTransaction     = apperr.New(apperr.KindValidation, "self_transaction", "cannot propose a transaction to yourself")
	ErrAgentInactive       = apperr.New(apperr.KindValidation, "agent_inactive", "agent is not active")
	ErrInvalidTerms        = apperr.New(apperr.KindValidation, "invalid_terms", "terms are malformed")
	ErrInvalidAmount       = apperr.New(apperr.KindValidation, "invalid_amount", "amount must be greater than zero")
	ErrInvalidCurrency     = apperr.New(apperr.KindValidation, "invalid_currency", "currency must be an ISO 4217 code")
	ErrConflict            = apperr.New(apperr.KindConflict, "concurrent_modification", "transaction was modified concurrently, retry")
	ErrValidation          = validation.ErrValidation
)

// Escrow is the escrow sub-state. When Status is EscrowNone every other
// field is nil.
type Escrow struct {
	Amount     *int64       `json:"amount"`
	Currency   *string      `json:"currency"`
	Status     EscrowStatus `json:"status"`
	FundedAt   *time.Time   `json:"fundedAt"`
	ReleasedAt *time.Time   `json:"releasedAt"`
	ReleasedTo *string      `json:"releasedTo"` // external ID of the recipient
}

// Transaction is a proposed exchange between two agents.
type Transaction struct {
	ID                 string          `json:"-"`
	ExternalID         string          `json:"id"`
	ProposerID         string          `json:"-"`
	ProposerExternalID string          `json:"proposerId"`
	ReceiverID         string          `json:"-"`
	ReceiverExternalID string          `json:"receiverId"`
	Title              string          `json:"title"`
	Description        string          `json:"description,omitempty"`
	Terms              json.RawMessage `json:"terms"`
	StatedValue        *int64          `json:"statedValue"`
	Currency           string          `json:"currency"`
	Status             Status          `json:"status"`
	ProposedAt         time.Time       `json:"proposedAt"`
	RespondedAt        *time.Time      `json:"respondedAt,omitempty"`
	CompletedAt        *time.Time      `json:"completedAt,omitempty"`
	ExpiresAt          time.Time       `json:"expiresAt"`
	Escrow             Escrow          `json:"escrow"`
	Version            int64           `json:"version"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// Resolve returns the status the transaction logically has at now. A
// proposal past its expiry is EXPIRED even if no one has persisted that yet.
func (t *Transaction) Resolve(now time.Time) (Status, bool) {
	if t.Status == StatusProposed && now.After(t.ExpiresAt) {
		return StatusExpired, true
	}
	return t.Status, false
}

// IsParty reports whether the external agent ID is proposer or receiver.
func (t *Transaction) IsParty(agentID string) bool {
	return agentID == t.ProposerExternalID || agentID == t.ReceiverExternalID
}

// Counterparty returns the internal and external IDs of the party that is not
// agentID. agentID must be a party.
func (t *Transaction) Counterparty(agentID string) (id, externalID string) {
	if agentID == t.ProposerExternalID {
		return t.ReceiverID, t.ReceiverExternalID
	}
	return t.ProposerID, t.ProposerExternalID
}

// Parties returns both external agent IDs.
func (t *Transaction) Parties() []string {
	return []string{t.ProposerExternalID, t.ReceiverExternalID}
}

// EscrowView is the read-only escrow projection returned to parties.
type EscrowView struct {
	TransactionID string       `json:"transactionId"`
	Amount        *int64       `json:"amount"`
	Currency      *string      `json:"currency"`
	Status        EscrowStatus `json:"status"`
	FundedAt      *time.Time   `json:"fundedAt"`
	ReleasedAt    *time.Time   `json:"releasedAt"`
	ReleasedTo    *string      `json:"releasedTo"`
}

func statusIn(s Status, allowed ...Status) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}
