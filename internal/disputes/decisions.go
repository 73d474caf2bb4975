package disputes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/agentcourt/internal/metrics"
	"github.com/mbd888/agentcourt/internal/retry"
	"github.com/mbd888/agentcourt/internal/traces"
)

// AcceptDecision records agentID's acceptance of the ruling. The dispute
// closes once both parties have accepted.
func (s *Service) AcceptDecision(ctx context.Context, ref, agentID string) (*Dispute, error) {
	return s.decide(ctx, ref, agentID, DecisionAccepted)
}

// RejectDecision records agentID's rejection of the ruling, which makes
// that party eligible to escalate.
func (s *Service) RejectDecision(ctx context.Context, ref, agentID string) (*Dispute, error) {
	return s.decide(ctx, ref, agentID, DecisionRejected)
}

func (s *Service) decide(ctx context.Context, ref, agentID string, decision Decision) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "disputes.Decide", traces.DisputeID(ref), traces.AgentID(agentID))
	defer span.End()

	// Reloaded on every attempt: both parties deciding at once conflict on
	// Version and the later one re-applies its decision.
	var (
		d    *Dispute
		role Role
	)
	err := retry.Default.OnConflict(ctx, ErrConflict, func() error {
		cur, err := s.loadResolved(ctx, ref)
		if err != nil {
			return err
		}
		r, ok := cur.RoleOf(agentID)
		if !ok {
			return ErrNotParty
		}
		if cur.Status == StatusClosed && cur.DecisionOf(r) == DecisionUndecided &&
			cur.DecisionDeadline != nil && s.clock.Now().After(*cur.DecisionDeadline) {
			return ErrDeadlineExpired.WithMessage(
				fmt.Sprintf("decision window closed at %s", cur.DecisionDeadline.Format(time.RFC3339)))
		}
		if cur.Status != StatusRuled {
			return invalidState(cur, "decide on")
		}
		if cur.DecisionOf(r) != DecisionUndecided {
			return ErrAlreadyResponded
		}

		now := s.clock.Now()
		if r == RoleClaimant {
			cur.ClaimantDecision = decision
			cur.ClaimantDecidedAt = &now
		} else {
			cur.RespondentDecision = decision
			cur.RespondentDecidedAt = &now
		}
		if cur.ClaimantDecision == DecisionAccepted && cur.RespondentDecision == DecisionAccepted {
			cur.Status = StatusClosed
			cur.ClosedAt = &now
		}
		cur.UpdatedAt = now
		if err := s.store.Update(ctx, cur); err != nil {
			return err
		}
		d, role = cur, r
		return nil
	})
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	s.logger.Info("ruling decision recorded", "disputeId", d.ExternalID, "role", role, "decision", decision)
	s.notifier.Notify(ctx, EventDecisionRecorded, d.Parties(), d)
	if d.Status == StatusClosed {
		metrics.DisputesTotal.WithLabelValues(string(StatusClosed)).Inc()
		s.notifier.Notify(ctx, EventClosed, d.Parties(), d)
	}
	return d, nil
}

// GetDecision returns agentID's view of the ruling.
func (s *Service) GetDecision(ctx context.Context, ref, agentID string) (*DecisionView, error) {
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
	mine := d.DecisionOf(role)
	return &DecisionView{
		DisputeID:          d.ExternalID,
		Status:             d.Status,
		Ruling:             d.Ruling,
		RulingReasoning:    d.RulingReasoning,
		RulingDetails:      d.RulingDetails,
		RuledAt:            d.RuledAt,
		DecisionDeadline:   d.DecisionDeadline,
		ClaimantDecision:   d.ClaimantDecision,
		RespondentDecision: d.RespondentDecision,
		YourRole:           role,
		YourDecision:       mine,
		CanEscalate:        d.Status == StatusRuled && mine == DecisionRejected && !escalated,
		Escalated:          escalated,
	}, nil
}

func (s *Service) hasEscalation(ctx context.Context, disputeID string) (bool, error) {
	_, err := s.store.GetEscalationByDispute(ctx, disputeID)
	if errors.Is(err, ErrEscalationNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
