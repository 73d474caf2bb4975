package disputes

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mbd888/agentcourt/internal/metrics"
	"github.com/mbd888/agentcourt/internal/traces"
	"github.com/mbd888/agentcourt/internal/validation"
)

// BeginArbitration moves an answered dispute into arbitration. Disputes
// already in arbitration are returned unchanged.
func (s *Service) BeginArbitration(ctx context.Context, ref string) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "disputes.BeginArbitration", traces.DisputeID(ref))
	defer span.End()

	d, err := s.loadResolved(ctx, ref)
	if err != nil {
		return nil, err
	}
	if d.Status == StatusInArbitration {
		return d, nil
	}
	if d.Status != StatusResponseReceived {
		return nil, invalidState(d, "begin arbitration on")
	}

	d.Status = StatusInArbitration
	d.UpdatedAt = s.clock.Now()
	if err := s.store.Update(ctx, d); err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	metrics.DisputesTotal.WithLabelValues(string(StatusInArbitration)).Inc()
	s.notifier.Notify(ctx, EventInArbitration, d.Parties(), d)
	return d, nil
}

// RulingRequest is the arbiter's outcome for a dispute.
type RulingRequest struct {
	Ruling                Ruling          `json:"ruling" binding:"required"`
	Reasoning             string          `json:"reasoning" binding:"required"`
	Details               json.RawMessage `json:"details"`
	ClaimantScoreChange   int             `json:"claimantScoreChange"`
	RespondentScoreChange int             `json:"respondentScoreChange"`
}

// RecordRuling stores the arbiter's ruling and opens the decision window.
// Trust deltas are applied to both parties once the ruling is stored.
func (s *Service) RecordRuling(ctx context.Context, ref string, req RulingRequest) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "disputes.RecordRuling", traces.DisputeID(ref))
	defer span.End()

	reasoning := validation.Sanitize(req.Reasoning)
	v := validation.New().
		OneOf("ruling", string(req.Ruling), string(RulingClaimant), string(RulingRespondent), string(RulingSplit), string(RulingDismissed)).
		Required("reasoning", reasoning).
		MaxLength("reasoning", reasoning, validation.MaxTextLength)
	if abs(req.ClaimantScoreChange) > MaxScoreChange || abs(req.RespondentScoreChange) > MaxScoreChange {
		return nil, ErrValidation.WithMessage(fmt.Sprintf("score changes must be within ±%d", MaxScoreChange))
	}
	if err := v.Err(); err != nil {
		return nil, err
	}
	if len(req.Details) > 0 && !json.Valid(req.Details) {
		return nil, ErrValidation.WithMessage("details must be valid JSON")
	}

	d, err := s.loadResolved(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !statusIn(d.Status, StatusResponseReceived, StatusInArbitration) {
		return nil, invalidState(d, "rule on")
	}

	now := s.clock.Now()
	deadline := now.Add(DecisionWindow)
	ruling := req.Ruling
	d.Ruling = &ruling
	d.RulingReasoning = reasoning
	d.RulingDetails = req.Details
	d.RuledAt = &now
	d.ClaimantScoreChange = req.ClaimantScoreChange
	d.RespondentScoreChange = req.RespondentScoreChange
	d.DecisionDeadline = &deadline
	d.Status = StatusRuled
	d.UpdatedAt = now
	if err := s.store.Update(ctx, d); err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	s.adjustScore(ctx, d, d.ClaimantID, d.ClaimantScoreChange)
	s.adjustScore(ctx, d, d.RespondentID, d.RespondentScoreChange)

	metrics.DisputesTotal.WithLabelValues(string(StatusRuled)).Inc()
	s.logger.Info("dispute ruled", "disputeId", d.ExternalID, "ruling", ruling)
	s.notifier.Notify(ctx, EventRuled, d.Parties(), d)
	return d, nil
}

func (s *Service) adjustScore(ctx context.Context, d *Dispute, agentID string, delta int) {
	if delta == 0 {
		return
	}
	if err := s.agents.AdjustTrustScore(ctx, agentID, delta); err != nil {
		s.logger.Warn("failed to apply ruling score change",
			"disputeId", d.ExternalID, "agentId", agentID, "delta", delta, "error", err)
	}
}

// ListDisputesPendingArbitration returns disputes awaiting a ruling, oldest
// first. Unanswered disputes past their response deadline are moved into
// arbitration by the same call.
func (s *Service) ListDisputesPendingArbitration(ctx context.Context, limit int) ([]*Dispute, error) {
	if _, err := s.AdvanceExpiredResponses(ctx); err != nil {
		return nil, err
	}
	return s.store.ListByStatus(ctx, []Status{StatusResponseReceived, StatusInArbitration}, limit)
}

// AdvanceExpiredResponses moves every unanswered dispute past its response
// deadline into arbitration. Safe to run repeatedly.
func (s *Service) AdvanceExpiredResponses(ctx context.Context) (int64, error) {
	ctx, span := traces.StartSpan(ctx, "disputes.AdvanceExpiredResponses")
	defer span.End()

	n, err := s.store.AdvanceExpiredResponses(ctx, s.clock.Now())
	if err != nil {
		traces.RecordError(span, err)
		return 0, err
	}
	if n > 0 {
		metrics.SweepTransitionsTotal.WithLabelValues("dispute_response_deadline").Add(float64(n))
		s.logger.Info("advanced unanswered disputes to arbitration", "count", n)
	}
	return n, nil
}

// CloseLapsedDecisions closes every ruled dispute whose decision window
// passed without escalation. Safe to run repeatedly.
func (s *Service) CloseLapsedDecisions(ctx context.Context) (int64, error) {
	ctx, span := traces.StartSpan(ctx, "disputes.CloseLapsedDecisions")
	defer span.End()

	n, err := s.store.CloseLapsedDecisions(ctx, s.clock.Now())
	if err != nil {
		traces.RecordError(span, err)
		return 0, err
	}
	if n > 0 {
		metrics.SweepTransitionsTotal.WithLabelValues("dispute_decision_deadline").Add(float64(n))
		s.logger.Info("closed disputes with lapsed decision windows", "count", n)
	}
	return n, nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
