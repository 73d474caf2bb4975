package disputes

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/agentcourt/internal/apperr"
	"github.com/mbd888/agentcourt/internal/clock"
	"github.com/mbd888/agentcourt/internal/idgen"
	"github.com/mbd888/agentcourt/internal/metrics"
	"github.com/mbd888/agentcourt/internal/pagination"
	"github.com/mbd888/agentcourt/internal/retry"
	"github.com/mbd888/agentcourt/internal/syncutil"
	"github.com/mbd888/agentcourt/internal/traces"
	"github.com/mbd888/agentcourt/internal/validation"
)

// Transaction statuses a dispute can be filed against.
const (
	TxAccepted   = "accepted"
	TxInProgress = "in_progress"
	TxCompleted  = "completed"
)

// TransactionRef is the slice of a transaction the dispute lifecycle needs.
type TransactionRef struct {
	ID                 string
	ExternalID         string
	ProposerID         string
	ProposerExternalID string
	ReceiverID         string
	ReceiverExternalID string
	Status             string
	StatedValue        *int64
}

// Transactions abstracts the transaction lifecycle so disputes doesn't import transactions.
type Transactions interface {
	// LookupForDispute loads a transaction by external or internal ID with
	// deadline transitions applied.
	LookupForDispute(ctx context.Context, ref string) (TransactionRef, error)
	MarkDisputed(ctx context.Context, id string) error
}

// AgentDirectory abstracts the agent directory so disputes doesn't import agents.
type AgentDirectory interface {
	IncrementDisputeCount(ctx context.Context, agentID string, asClaimant bool) error
	CheckDisputeLimit(ctx context.Context, agentID string) (disputesThisMonth int, canFile bool, limit int, err error)
	AdjustTrustScore(ctx context.Context, agentID string, delta int) error
}

// Ledger abstracts the credit ledger so disputes doesn't import credits.
type Ledger interface {
	DeductCredits(ctx context.Context, accountID string, amount int64, description, referenceType, referenceID string) error
	RefundCredits(ctx context.Context, accountID string, amount int64, description, referenceType, referenceID string) error
}

// Notifier receives lifecycle events. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, event string, parties []string, data interface{})
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, string, []string, interface{}) {}

// Event names published by the dispute lifecycle.
const (
	EventFiled              = "dispute.filed"
	EventResponded          = "dispute.responded"
	EventEvidenceAdded      = "dispute.evidence_added"
	EventInArbitration      = "dispute.in_arbitration"
	EventRuled              = "dispute.ruled"
	EventDecisionRecorded   = "dispute.decision_recorded"
	EventClosed             = "dispute.closed"
	EventWithdrawn          = "dispute.withdrawn"
	EventEscalated          = "dispute.escalated"
	EventEscalationAssigned = "escalation.assigned"
	EventEscalationDecided  = "escalation.decided"
)

// Ledger reference types.
const (
	refDispute    = "dispute"
	refEscalation = "escalation"
)

// Service implements the dispute lifecycle and escalation handling.
type Service struct {
	store    Store
	txs      Transactions
	agents   AgentDirectory
	ledger   Ledger
	clock    clock.Clock
	notifier Notifier
	logger   *slog.Logger
	filing   *syncutil.KeyLock // per claimant
}

// NewService creates a dispute service.
func NewService(store Store, txs Transactions, agents AgentDirectory, ledger Ledger) *Service {
	return &Service{
		store:    store,
		txs:      txs,
		agents:   agents,
		ledger:   ledger,
		clock:    clock.Real(),
		notifier: noopNotifier{},
		logger:   slog.Default(),
		filing:   syncutil.NewKeyLock(),
	}
}

// WithClock replaces the service clock.
func (s *Service) WithClock(c clock.Clock) *Service {
	s.clock = c
	return s
}

// WithLogger replaces the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithNotifier attaches a lifecycle event sink.
func (s *Service) WithNotifier(n Notifier) *Service {
	if n != nil {
		s.notifier = n
	}
	return s
}

// Eligibility is the result of a filing pre-check. The cost preview is
// filled in even when CanFile is false.
type Eligibility struct {
	CanFile           bool   `json:"canFile"`
	Reason            string `json:"reason,omitempty"`
	Code              string `json:"code,omitempty"`
	EstimatedCost     int64  `json:"estimatedCost"`
	IsFree            bool   `json:"isFree"`
	DisputesThisMonth int    `json:"disputesThisMonth"`
	MonthlyLimit      int    `json:"monthlyLimit,omitempty"`

	tx    TransactionRef
	err   error
	party partyPair
}

type partyPair struct {
	claimantID, claimantExt     string
	respondentID, respondentExt string
}

// CanFileDispute reports whether claimant may file a dispute against txRef
// now, and what it would cost.
func (s *Service) CanFileDispute(ctx context.Context, txRef, claimant string) (*Eligibility, error) {
	ctx, span := traces.StartSpan(ctx, "disputes.CanFileDispute", traces.TransactionID(txRef), traces.AgentID(claimant))
	defer span.End()
	return s.eligibility(ctx, txRef, claimant)
}

func (s *Service) eligibility(ctx context.Context, txRef, claimant string) (*Eligibility, error) {
	tx, err := s.txs.LookupForDispute(ctx, txRef)
	if err != nil {
		return nil, err
	}
	e := &Eligibility{tx: tx}

	var pp partyPair
	switch claimant {
	case tx.ProposerExternalID:
		pp = partyPair{tx.ProposerID, tx.ProposerExternalID, tx.ReceiverID, tx.ReceiverExternalID}
	case tx.ReceiverExternalID:
		pp = partyPair{tx.ReceiverID, tx.ReceiverExternalID, tx.ProposerID, tx.ProposerExternalID}
	default:
		return nil, ErrNotParty.WithMessage("not a party to this transaction")
	}
	e.party = pp

	count, withinLimit, limit, err := s.agents.CheckDisputeLimit(ctx, pp.claimantID)
	if err != nil {
		return nil, err
	}
	e.DisputesThisMonth = count
	e.MonthlyLimit = limit
	e.EstimatedCost, e.IsFree = CalculateDisputeCost(tx.StatedValue, count)

	active, err := s.findActive(ctx, tx.ID, pp.claimantID)
	if err != nil {
		return nil, err
	}
	switch {
	case active != nil:
		e.refuse(ErrActiveDisputeExists.WithMessage(
			fmt.Sprintf("you already have an active dispute (%s) for this transaction", active.ExternalID)))
	case !(tx.Status == TxAccepted || tx.Status == TxInProgress || tx.Status == TxCompleted):
		e.refuse(ErrInvalidState.WithMessage(
			fmt.Sprintf("cannot dispute a transaction in status %s", tx.Status)))
	case !withinLimit:
		e.refuse(ErrDisputeLimitReached.WithMessage(
			fmt.Sprintf("monthly dispute limit of %d reached", limit)))
	default:
		e.CanFile = true
	}
	return e, nil
}

func (e *Eligibility) refuse(err error) {
	e.err = err
	e.Reason = err.Error()
	e.Code = apperr.CodeOf(err)
}

// findActive returns the claimant's active dispute, closing it first if its
// decision window has lapsed.
func (s *Service) findActive(ctx context.Context, transactionID, claimantID string) (*Dispute, error) {
	d, err := s.store.FindActive(ctx, transactionID, claimantID)
	if err != nil || d == nil {
		return d, err
	}
	d, err = s.resolve(ctx, d)
	if err != nil {
		return nil, err
	}
	if !d.IsActive() {
		return nil, nil
	}
	return d, nil
}

// FileRequest contains the parameters for filing a dispute.
type FileRequest struct {
	TransactionID       string `json:"transactionId" binding:"required"`
	ClaimType           string `json:"claimType" binding:"required"`
	ClaimSummary        string `json:"claimSummary" binding:"required"`
	ClaimDetails        string `json:"claimDetails"`
	RequestedResolution string `json:"requestedResolution" binding:"required"`
}

// FileDispute files a dispute on behalf of claimant, charging payingAccount
// the filing fee when one applies.
func (s *Service) FileDispute(ctx context.Context, claimant, payingAccount string, req FileRequest) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "disputes.FileDispute",
		traces.TransactionID(req.TransactionID), traces.AgentID(claimant), traces.AccountID(payingAccount))
	defer span.End()

	summary := validation.Sanitize(req.ClaimSummary)
	details := validation.Sanitize(req.ClaimDetails)
	resolution := validation.Sanitize(req.RequestedResolution)
	if err := validation.New().
		OneOf("claimType", req.ClaimType, claimTypes...).
		Required("claimSummary", summary).
		MaxLength("claimSummary", summary, validation.MaxSummaryLength).
		MaxLength("claimDetails", details, validation.MaxTextLength).
		Required("requestedResolution", resolution).
		MaxLength("requestedResolution", resolution, validation.MaxSummaryLength).
		Err(); err != nil {
		return nil, err
	}

	// Filings by one claimant are serialized so the monthly count that
	// prices a filing cannot be read by two filings at once.
	unlock, err := s.filing.Lock(ctx, claimant)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-check; a preview may be stale.
	elig, err := s.eligibility(ctx, req.TransactionID, claimant)
	if err != nil {
		return nil, err
	}
	if !elig.CanFile {
		return nil, elig.err
	}
	tx, pp := elig.tx, elig.party
	cost, free := CalculateDisputeCost(tx.StatedValue, elig.DisputesThisMonth)

	now := s.clock.Now()
	d := &Dispute{
		ID:                    idgen.Internal(),
		ExternalID:            idgen.Dispute(),
		TransactionID:         tx.ID,
		TransactionExternalID: tx.ExternalID,
		ClaimantID:            pp.claimantID,
		ClaimantExternalID:    pp.claimantExt,
		RespondentID:          pp.respondentID,
		RespondentExternalID:  pp.respondentExt,
		ClaimType:             req.ClaimType,
		ClaimSummary:          summary,
		ClaimDetails:          details,
		RequestedResolution:   resolution,
		ResponseDeadline:      now.Add(ResponseWindow),
		Status:                StatusAwaitingResponse,
		StatedValue:           tx.StatedValue,
		CreditsCharged:        cost,
		WasFree:               free,
		ClaimantDecision:      DecisionUndecided,
		RespondentDecision:    DecisionUndecided,
		FiledAt:               now,
		UpdatedAt:             now,
	}

	if !free {
		if err := s.ledger.DeductCredits(ctx, payingAccount, cost,
			"dispute filing fee for "+tx.ExternalID, refDispute, d.ExternalID); err != nil {
			traces.RecordError(span, err)
			return nil, err
		}
	}

	if err := s.store.Create(ctx, d); err != nil {
		traces.RecordError(span, err)
		if !free {
			s.compensate(ctx, payingAccount, cost, refDispute, d.ExternalID, "dispute filing")
		}
		return nil, err
	}

	if err := s.txs.MarkDisputed(ctx, tx.ID); err != nil {
		s.logger.Error("failed to mark transaction disputed",
			"disputeId", d.ExternalID, "transactionId", tx.ExternalID, "error", err)
	}
	if err := s.agents.IncrementDisputeCount(ctx, pp.claimantID, true); err != nil {
		s.logger.Warn("failed to increment claimant dispute count", "disputeId", d.ExternalID, "error", err)
	}
	if err := s.agents.IncrementDisputeCount(ctx, pp.respondentID, false); err != nil {
		s.logger.Warn("failed to increment respondent dispute count", "disputeId", d.ExternalID, "error", err)
	}

	metrics.DisputesTotal.WithLabelValues(string(StatusAwaitingResponse)).Inc()
	if !free {
		metrics.DisputeFeesTotal.WithLabelValues(refDispute).Add(float64(cost))
	}
	s.logger.Info("dispute filed",
		"disputeId", d.ExternalID, "transactionId", tx.ExternalID,
		"claimant", pp.claimantExt, "respondent", pp.respondentExt, "cost", cost, "free", free)
	s.notifier.Notify(ctx, EventFiled, d.Parties(), d)
	return d, nil
}

// compensate refunds a debit whose record write failed.
func (s *Service) compensate(ctx context.Context, account string, amount int64, refType, refID, what string) {
	if err := s.ledger.RefundCredits(ctx, account, amount, "refund: "+what+" failed", refType, refID); err != nil {
		metrics.CompensationFailuresTotal.Inc()
		s.logger.Error("CRITICAL: refund after failed "+what+" did not apply",
			"account", account, "amount", amount, "reference", refID, "error", err)
	}
}

// RespondToDispute records the respondent's answer.
func (s *Service) RespondToDispute(ctx context.Context, ref, respondent, summary, details string) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "disputes.RespondToDispute", traces.DisputeID(ref), traces.AgentID(respondent))
	defer span.End()

	d, err := s.load(ctx, ref)
	if err != nil {
		return nil, err
	}
	if respondent != d.RespondentExternalID {
		return nil, ErrNotRespondent
	}
	d, err = s.resolve(ctx, d)
	if err != nil {
		return nil, err
	}
	if d.Status == StatusInArbitration && d.ResponseSubmittedAt == nil && s.clock.Now().After(d.ResponseDeadline) {
		return nil, ErrDeadlineExpired.WithMessage(
			fmt.Sprintf("response deadline passed at %s; dispute moved to arbitration", d.ResponseDeadline.Format(time.RFC3339)))
	}

	summary = validation.Sanitize(summary)
	details = validation.Sanitize(details)
	if err := validation.New().
		Required("responseSummary", summary).
		MaxLength("responseSummary", summary, validation.MaxSummaryLength).
		MaxLength("responseDetails", details, validation.MaxTextLength).
		Err(); err != nil {
		return nil, err
	}
	if d.Status != StatusAwaitingResponse {
		return nil, invalidState(d, "respond to")
	}

	now := s.clock.Now()
	d.ResponseSummary = summary
	d.ResponseDetails = details
	d.ResponseSubmittedAt = &now
	d.Status = StatusResponseReceived
	d.UpdatedAt = now
	if err := s.store.Update(ctx, d); err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues(string(StatusResponseReceived)).Inc()
	s.logger.Info("dispute response received", "disputeId", d.ExternalID)
	s.notifier.Notify(ctx, EventResponded, d.Parties(), d)
	return d, nil
}

// EvidenceRequest contains the parameters for adding evidence.
type EvidenceRequest struct {
	EvidenceType string `json:"evidenceType" binding:"required"`
	Title        string `json:"title" binding:"required"`
	Content      string `json:"content" binding:"required"`
}

// AddEvidence appends evidence from a party. The submitter's role is taken
// from the dispute.
func (s *Service) AddEvidence(ctx context.Context, ref, submitter string, req EvidenceRequest) (*Evidence, error) {
	ctx, span := traces.StartSpan(ctx, "disputes.AddEvidence", traces.DisputeID(ref), traces.AgentID(submitter))
	defer span.End()

	title := validation.Sanitize(req.Title)
	content := validation.Sanitize(req.Content)
	if err := validation.New().
		OneOf("evidenceType", req.EvidenceType, evidenceTypes...).
		Required("title", title).
		MaxLength("title", title, validation.MaxTitleLength).
		Required("content", content).
		MaxLength("content", content, validation.MaxTextLength).
		Err(); err != nil {
		return nil, err
	}

	d, err := s.loadResolved(ctx, ref)
	if err != nil {
		return nil, err
	}
	role, ok := d.RoleOf(submitter)
	if !ok {
		return nil, ErrNotParty
	}
	if !statusIn(d.Status, evidenceOpen...) {
		return nil, ErrInvalidState.WithMessage(
			fmt.Sprintf("evidence is not accepted once a dispute is %s", d.Status))
	}

	ev := &Evidence{
		ID:            idgen.Evidence(),
		DisputeID:     d.ID,
		SubmitterRole: role,
		SubmittedBy:   submitter,
		EvidenceType:  req.EvidenceType,
		Title:         title,
		Content:       content,
		CreatedAt:     s.clock.Now(),
	}
	if err := s.store.AddEvidence(ctx, ev, ev.CreatedAt); err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	s.logger.Info("evidence added", "disputeId", d.ExternalID, "evidenceId", ev.ID, "role", role)
	s.notifier.Notify(ctx, EventEvidenceAdded, d.Parties(), ev)
	return ev, nil
}

// ListEvidence returns a dispute's evidence in submission order.
func (s *Service) ListEvidence(ctx context.Context, ref, actor string) ([]*Evidence, error) {
	d, err := s.GetDispute(ctx, ref, actor)
	if err != nil {
		return nil, err
	}
	return s.store.ListEvidence(ctx, d.ID)
}

// GetDispute returns a dispute visible to actor.
func (s *Service) GetDispute(ctx context.Context, ref, actor string) (*Dispute, error) {
	d, err := s.loadResolved(ctx, ref)
	if err != nil {
		return nil, err
	}
	if _, ok := d.RoleOf(actor); !ok {
		return nil, ErrNotParty
	}
	return d, nil
}

// GetForArbiter returns a dispute without party scoping.
func (s *Service) GetForArbiter(ctx context.Context, ref string) (*Dispute, error) {
	return s.loadResolved(ctx, ref)
}

// ListForAgent returns one page of disputes the agent is party to.
func (s *Service) ListForAgent(ctx context.Context, agentID string, page pagination.Params) ([]*Dispute, string, error) {
	limit := page.Limit
	if limit <= 0 || limit > pagination.MaxLimit {
		limit = pagination.DefaultLimit
	}
	list, err := s.store.ListByAgent(ctx, agentID, limit+1, page.Cursor)
	if err != nil {
		return nil, "", err
	}
	now := s.clock.Now()
	for _, d := range list {
		d.advance(now)
	}
	items, next := pagination.ComputePage(list, limit, func(d *Dispute) (time.Time, string) {
		return d.FiledAt, d.ExternalID
	})
	return items, next, nil
}

// WithdrawDispute lets the claimant close a dispute before it is ruled on.
func (s *Service) WithdrawDispute(ctx context.Context, ref, claimant string) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "disputes.WithdrawDispute", traces.DisputeID(ref), traces.AgentID(claimant))
	defer span.End()

	d, err := s.loadResolved(ctx, ref)
	if err != nil {
		return nil, err
	}
	role, ok := d.RoleOf(claimant)
	if !ok {
		return nil, ErrNotParty
	}
	if role != RoleClaimant {
		return nil, ErrNotClaimant
	}
	if !statusIn(d.Status, StatusAwaitingResponse, StatusResponseReceived, StatusInArbitration) {
		return nil, invalidState(d, "withdraw")
	}

	now := s.clock.Now()
	d.Status = StatusClosed
	d.WithdrawnAt = &now
	d.ClosedAt = &now
	d.UpdatedAt = now
	if err := s.store.Update(ctx, d); err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues("withdrawn").Inc()
	s.logger.Info("dispute withdrawn", "disputeId", d.ExternalID)
	s.notifier.Notify(ctx, EventWithdrawn, d.Parties(), d)
	return d, nil
}

func (s *Service) load(ctx context.Context, ref string) (*Dispute, error) {
	if idgen.IsExternal(ref, idgen.PrefixDispute) {
		return s.store.GetByExternalID(ctx, ref)
	}
	return s.store.Get(ctx, ref)
}

func (s *Service) loadResolved(ctx context.Context, ref string) (*Dispute, error) {
	d, err := s.load(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.resolve(ctx, d)
}

// resolve persists any deadline transition due on d. On a version conflict
// it reloads and tries again.
func (s *Service) resolve(ctx context.Context, d *Dispute) (*Dispute, error) {
	cur := d
	err := retry.Default.OnConflict(ctx, ErrConflict, func() error {
		if cur == nil {
			reloaded, err := s.store.Get(ctx, d.ID)
			if err != nil {
				return err
			}
			cur = reloaded
		}
		now := s.clock.Now()
		if st, due := cur.Resolve(now); due && st == StatusClosed {
			// An escalation keeps the ruling open past its decision window.
			escalated, err := s.hasEscalation(ctx, cur.ID)
			if err != nil {
				return err
			}
			if escalated {
				return nil
			}
		}
		if !cur.advance(now) {
			return nil
		}
		if err := s.store.Update(ctx, cur); err != nil {
			cur = nil
			return err
		}
		metrics.LazyTransitionsTotal.WithLabelValues("dispute", string(cur.Status)).Inc()
		s.logger.Info("dispute deadline passed on access", "disputeId", cur.ExternalID, "status", cur.Status)
		event := EventInArbitration
		if cur.Status == StatusClosed {
			event = EventClosed
		}
		s.notifier.Notify(ctx, event, cur.Parties(), cur)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func invalidState(d *Dispute, action string) error {
	return ErrInvalidState.WithMessage(fmt.Sprintf("cannot %s a dispute in status %s", action, d.Status))
}
