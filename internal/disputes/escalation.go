package disputes

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/agentcourt/internal/idgen"
	"github.com/mbd888/agentcourt/internal/metrics"
	"github.com/mbd888/agentcourt/internal/retry"
	"github.com/mbd888/agentcourt/internal/traces"
	"github.com/mbd888/agentcourt/internal/validation"
)

// RequestEscalation sends a ruled dispute to human arbitration on behalf of
// a party that rejected the ruling, charging the fixed escalation fee.
func (s *Service) RequestEscalation(ctx context.Context, ref, agentID, reason, payingAccount string) (*Escalation, error) {
	ctx, span := traces.StartSpan(ctx, "disputes.RequestEscalation",
		traces.DisputeID(ref), traces.AgentID(agentID), traces.AccountID(payingAccount))
	defer span.End()

	reason = validation.Sanitize(reason)
	if err := validation.New().
		Required("reason", reason).
		MaxLength("reason", reason, validation.MaxTextLength).
		Err(); err != nil {
		return nil, err
	}

	d, err := s.loadResolved(ctx, ref)
	if err != nil {
		return nil, err
	}
	role, ok := d.RoleOf(agentID)
	if !ok {
		return nil, ErrNotParty
	}
	escalated, err := s.hasEscalation(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	if escalated {
		return nil, ErrAlreadyEscalated
	}
	if d.Status != StatusRuled {
		return nil, invalidState(d, "escalate")
	}
	if d.DecisionOf(role) != DecisionRejected {
		return nil, ErrMustRejectFirst
	}

	now := s.clock.Now()
	e := &Escalation{
		ID:                idgen.Internal(),
		ExternalID:        idgen.Escalation(),
		DisputeID:         d.ID,
		DisputeExternalID: d.ExternalID,
		RequestedByID:     idFor(d, role),
		RequestedBy:       agentID,
		Reason:            reason,
		Status:            EscalationPending,
		CreditsCharged:    EscalationFee,
		RequestedAt:       now,
		UpdatedAt:         now,
	}

	if err := s.ledger.DeductCredits(ctx, payingAccount, EscalationFee,
		"escalation fee for "+d.ExternalID, refEscalation, e.ExternalID); err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	if err := s.markEscalated(ctx, d, role); err != nil {
		traces.RecordError(span, err)
		s.compensate(ctx, payingAccount, EscalationFee, refEscalation, e.ExternalID, "escalation")
		return nil, err
	}
	if err := s.store.CreateEscalation(ctx, e); err != nil {
		traces.RecordError(span, err)
		if rerr := s.setDisputeStatus(ctx, d.ID, StatusRuled, StatusEscalated); rerr != nil {
			s.logger.Error("CRITICAL: dispute left escalated without an escalation record",
				"disputeId", d.ExternalID, "escalationId", e.ExternalID, "error", rerr)
		}
		s.compensate(ctx, payingAccount, EscalationFee, refEscalation, e.ExternalID, "escalation")
		return nil, err
	}

	metrics.EscalationsTotal.WithLabelValues(string(EscalationPending)).Inc()
	metrics.DisputesTotal.WithLabelValues(string(StatusEscalated)).Inc()
	metrics.DisputeFeesTotal.WithLabelValues(refEscalation).Add(float64(EscalationFee))
	s.logger.Info("dispute escalated", "disputeId", d.ExternalID, "escalationId", e.ExternalID, "by", agentID)
	s.notifier.Notify(ctx, EventEscalated, d.Parties(), e)
	return e, nil
}

// markEscalated moves d from RULED to ESCALATED for role. The write is
// conditional on Version; on a conflict the dispute is reloaded and every
// precondition checked again, so a concurrent decision, escalation or sweep
// is never overwritten.
func (s *Service) markEscalated(ctx context.Context, d *Dispute, role Role) error {
	cur := d
	return retry.Default.OnConflict(ctx, ErrConflict, func() error {
		if cur == nil {
			reloaded, err := s.store.Get(ctx, d.ID)
			if err != nil {
				return err
			}
			cur = reloaded
		}
		now := s.clock.Now()
		switch {
		case cur.Status == StatusEscalated:
			return ErrAlreadyEscalated
		case cur.Status != StatusRuled:
			return invalidState(cur, "escalate")
		case cur.DecisionDeadline != nil && now.After(*cur.DecisionDeadline):
			return ErrDeadlineExpired.WithMessage(
				fmt.Sprintf("decision window closed at %s", cur.DecisionDeadline.Format(time.RFC3339)))
		case cur.DecisionOf(role) != DecisionRejected:
			return ErrMustRejectFirst
		}
		next := *cur
		next.Status = StatusEscalated
		next.UpdatedAt = now
		if err := s.store.Update(ctx, &next); err != nil {
			cur = nil
			return err
		}
		return nil
	})
}

func idFor(d *Dispute, role Role) string {
	if role == RoleClaimant {
		return d.ClaimantID
	}
	return d.RespondentID
}

// setDisputeStatus moves dispute id to status if it is currently in one of
// from, retrying on version conflicts.
func (s *Service) setDisputeStatus(ctx context.Context, id string, status Status, from ...Status) error {
	return retry.Default.OnConflict(ctx, ErrConflict, func() error {
		d, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if d.Status == status {
			return nil
		}
		if !statusIn(d.Status, from...) {
			return invalidState(d, "move to "+string(status))
		}
		now := s.clock.Now()
		d.Status = status
		d.UpdatedAt = now
		if status == StatusClosed {
			d.ClosedAt = &now
		}
		return s.store.Update(ctx, d)
	})
}

// GetEscalationStatus returns the escalation for a dispute agentID is party to.
func (s *Service) GetEscalationStatus(ctx context.Context, ref, agentID string) (*Escalation, error) {
	d, err := s.GetDispute(ctx, ref, agentID)
	if err != nil {
		return nil, err
	}
	return s.store.GetEscalationByDispute(ctx, d.ID)
}

// ListOpenEscalations returns escalations that still need a human decision.
func (s *Service) ListOpenEscalations(ctx context.Context, limit int) ([]*Escalation, error) {
	return s.store.ListEscalations(ctx, []EscalationStatus{EscalationPending, EscalationInReview}, limit)
}

// AssignEscalation puts a pending escalation in review with arbitratorID.
func (s *Service) AssignEscalation(ctx context.Context, escRef, arbitratorID string) (*Escalation, error) {
	ctx, span := traces.StartSpan(ctx, "disputes.AssignEscalation", traces.EscalationID(escRef), traces.AgentID(arbitratorID))
	defer span.End()

	if err := validation.New().Required("arbitratorId", arbitratorID).Err(); err != nil {
		return nil, err
	}
	e, err := s.store.GetEscalationByExternalID(ctx, escRef)
	if err != nil {
		return nil, err
	}
	if e.Status != EscalationPending {
		return nil, ErrInvalidState.WithMessage("only pending escalations can be assigned")
	}

	now := s.clock.Now()
	e.Status = EscalationInReview
	e.ArbitratorID = arbitratorID
	e.AssignedAt = &now
	e.UpdatedAt = now
	if err := s.store.UpdateEscalation(ctx, e); err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	metrics.EscalationsTotal.WithLabelValues(string(EscalationInReview)).Inc()
	s.logger.Info("escalation assigned", "escalationId", e.ExternalID, "arbitratorId", arbitratorID)
	s.notifyDisputeParties(ctx, e.DisputeID, EventEscalationAssigned, e)
	return e, nil
}

// EscalationDecision is a human arbitrator's final outcome.
type EscalationDecision struct {
	ArbitratorID string `json:"arbitratorId"`
	Ruling       Ruling `json:"ruling" binding:"required"`
	Reasoning    string `json:"reasoning" binding:"required"`
	Notes        string `json:"notes"`
}

// DecideEscalation records the human arbitrator's decision and closes both
// the escalation and its dispute.
func (s *Service) DecideEscalation(ctx context.Context, escRef string, req EscalationDecision) (*Escalation, error) {
	ctx, span := traces.StartSpan(ctx, "disputes.DecideEscalation", traces.EscalationID(escRef))
	defer span.End()

	reasoning := validation.Sanitize(req.Reasoning)
	notes := validation.Sanitize(req.Notes)
	if err := validation.New().
		OneOf("ruling", string(req.Ruling), string(RulingClaimant), string(RulingRespondent), string(RulingSplit), string(RulingDismissed)).
		Required("reasoning", reasoning).
		MaxLength("reasoning", reasoning, validation.MaxTextLength).
		MaxLength("notes", notes, validation.MaxTextLength).
		Err(); err != nil {
		return nil, err
	}

	e, err := s.store.GetEscalationByExternalID(ctx, escRef)
	if err != nil {
		return nil, err
	}
	if e.Status == EscalationDecided {
		return nil, ErrInvalidState.WithMessage("escalation has already been decided")
	}

	now := s.clock.Now()
	ruling := req.Ruling
	e.Status = EscalationDecided
	if req.ArbitratorID != "" {
		e.ArbitratorID = req.ArbitratorID
	}
	e.ArbitratorRuling = &ruling
	e.ArbitratorReasoning = reasoning
	e.ArbitratorNotes = notes
	e.DecidedAt = &now
	e.ClosedAt = &now
	e.UpdatedAt = now
	if err := s.store.UpdateEscalation(ctx, e); err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	if err := s.setDisputeStatus(ctx, e.DisputeID, StatusClosed, StatusEscalated, StatusRuled); err != nil {
		s.logger.Error("failed to close escalated dispute",
			"escalationId", e.ExternalID, "disputeId", e.DisputeExternalID, "error", err)
	}

	metrics.EscalationsTotal.WithLabelValues(string(EscalationDecided)).Inc()
	metrics.DisputesTotal.WithLabelValues(string(StatusClosed)).Inc()
	s.logger.Info("escalation decided", "escalationId", e.ExternalID, "ruling", ruling)
	s.notifyDisputeParties(ctx, e.DisputeID, EventEscalationDecided, e)
	return e, nil
}

func (s *Service) notifyDisputeParties(ctx context.Context, disputeID, event string, data interface{}) {
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		s.logger.Warn("failed to load dispute for notification", "disputeId", disputeID, "error", err)
		return
	}
	s.notifier.Notify(ctx, event, d.Parties(), data)
}
