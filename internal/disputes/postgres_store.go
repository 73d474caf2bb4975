package disputes

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/agentcourt/internal/pagination"
)

// PostgresStore persists disputes, evidence and escalations in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// activeDisputeIndex is the partial unique index enforcing one active
// dispute per (transaction, claimant).
const activeDisputeIndex = "disputes_one_active_per_claimant"

const disputeColumns = `id, external_id, transaction_id, transaction_external_id,
	claimant_id, claimant_external_id, respondent_id, respondent_external_id,
	claim_type, claim_summary, claim_details, requested_resolution,
	response_summary, response_details, response_deadline, response_submitted_at,
	status, ruling, ruling_reasoning, ruling_details, ruled_at,
	claimant_score_change, respondent_score_change, stated_value, credits_charged, was_free,
	claimant_decision, claimant_decided_at, respondent_decision, respondent_decided_at,
	decision_deadline, withdrawn_at, closed_at, evidence_count, filed_at, version, updated_at`

const disputeColumnCount = 37

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(row scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		status, claimantDecision, respondentDecision string
		ruling                                       sql.NullString
		rulingDetails                                []byte
		statedValue                                  sql.NullInt64
		responseSubmittedAt, ruledAt                 sql.NullTime
		claimantDecidedAt, respondentDecidedAt       sql.NullTime
		decisionDeadline, withdrawnAt, closedAt      sql.NullTime
	)
	err := row.Scan(
		&d.ID, &d.ExternalID, &d.TransactionID, &d.TransactionExternalID,
		&d.ClaimantID, &d.ClaimantExternalID, &d.RespondentID, &d.RespondentExternalID,
		&d.ClaimType, &d.ClaimSummary, &d.ClaimDetails, &d.RequestedResolution,
		&d.ResponseSummary, &d.ResponseDetails, &d.ResponseDeadline, &responseSubmittedAt,
		&status, &ruling, &d.RulingReasoning, &rulingDetails, &ruledAt,
		&d.ClaimantScoreChange, &d.RespondentScoreChange, &statedValue, &d.CreditsCharged, &d.WasFree,
		&claimantDecision, &claimantDecidedAt, &respondentDecision, &respondentDecidedAt,
		&decisionDeadline, &withdrawnAt, &closedAt, &d.EvidenceCount, &d.FiledAt, &d.Version, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Status = Status(status)
	d.ClaimantDecision = Decision(claimantDecision)
	d.RespondentDecision = Decision(respondentDecision)
	if ruling.Valid {
		r := Ruling(ruling.String)
		d.Ruling = &r
	}
	if len(rulingDetails) > 0 {
		d.RulingDetails = json.RawMessage(rulingDetails)
	}
	if statedValue.Valid {
		v := statedValue.Int64
		d.StatedValue = &v
	}
	d.ResponseSubmittedAt = timePtr(responseSubmittedAt)
	d.RuledAt = timePtr(ruledAt)
	d.ClaimantDecidedAt = timePtr(claimantDecidedAt)
	d.RespondentDecidedAt = timePtr(respondentDecidedAt)
	d.DecisionDeadline = timePtr(decisionDeadline)
	d.WithdrawnAt = timePtr(withdrawnAt)
	d.ClosedAt = timePtr(closedAt)
	return d, nil
}

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	d.Version = 1
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES (`+placeholders(disputeColumnCount)+`)`,
		d.ID, d.ExternalID, d.TransactionID, d.TransactionExternalID,
		d.ClaimantID, d.ClaimantExternalID, d.RespondentID, d.RespondentExternalID,
		d.ClaimType, d.ClaimSummary, d.ClaimDetails, d.RequestedResolution,
		d.ResponseSummary, d.ResponseDetails, d.ResponseDeadline, d.ResponseSubmittedAt,
		string(d.Status), rulingValue(d.Ruling), d.RulingReasoning, jsonValue(d.RulingDetails), d.RuledAt,
		d.ClaimantScoreChange, d.RespondentScoreChange, d.StatedValue, d.CreditsCharged, d.WasFree,
		string(d.ClaimantDecision), d.ClaimantDecidedAt, string(d.RespondentDecision), d.RespondentDecidedAt,
		d.DecisionDeadline, d.WithdrawnAt, d.ClosedAt, d.EvidenceCount, d.FiledAt, d.Version, d.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			if pqErr.Constraint == activeDisputeIndex {
				return ErrActiveDisputeExists
			}
			return ErrConflict
		}
		return fmt.Errorf("failed to create dispute: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	return p.getOne(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
}

func (p *PostgresStore) GetByExternalID(ctx context.Context, externalID string) (*Dispute, error) {
	return p.getOne(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE external_id = $1`, externalID)
}

func (p *PostgresStore) getOne(ctx context.Context, query string, args ...interface{}) (*Dispute, error) {
	d, err := scanDispute(p.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dispute: %w", err)
	}
	return d, nil
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			response_summary = $3, response_details = $4, response_submitted_at = $5,
			status = $6, ruling = $7, ruling_reasoning = $8, ruling_details = $9, ruled_at = $10,
			claimant_score_change = $11, respondent_score_change = $12,
			claimant_decision = $13, claimant_decided_at = $14,
			respondent_decision = $15, respondent_decided_at = $16,
			decision_deadline = $17, withdrawn_at = $18, closed_at = $19,
			updated_at = $20, version = version + 1
		WHERE id = $1 AND version = $2`,
		d.ID, d.Version,
		d.ResponseSummary, d.ResponseDetails, d.ResponseSubmittedAt,
		string(d.Status), rulingValue(d.Ruling), d.RulingReasoning, jsonValue(d.RulingDetails), d.RuledAt,
		d.ClaimantScoreChange, d.RespondentScoreChange,
		string(d.ClaimantDecision), d.ClaimantDecidedAt,
		string(d.RespondentDecision), d.RespondentDecidedAt,
		d.DecisionDeadline, d.WithdrawnAt, d.ClosedAt,
		d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update dispute: %w", err)
	}
	if err := p.checkVersioned(ctx, res, "disputes", d.ID, ErrDisputeNotFound); err != nil {
		return err
	}
	d.Version++
	return nil
}

// checkVersioned turns a zero-row conditional update into NotFound or
// Conflict.
func (p *PostgresStore) checkVersioned(ctx context.Context, res sql.Result, table, id string, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check %s row: %w", table, err)
	}
	if !exists {
		return notFound
	}
	return ErrConflict
}

func (p *PostgresStore) FindActive(ctx context.Context, transactionID, claimantID string) (*Dispute, error) {
	d, err := scanDispute(p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE transaction_id = $1 AND claimant_id = $2
		  AND status <> 'closed'
		  AND NOT (status = 'ruled' AND claimant_decision <> 'undecided' AND respondent_decision <> 'undecided')
		LIMIT 1`, transactionID, claimantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active dispute: %w", err)
	}
	return d, nil
}

func (p *PostgresStore) ListByAgent(ctx context.Context, agentID string, limit int, cursor *pagination.Cursor) ([]*Dispute, error) {
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	query := `SELECT ` + disputeColumns + ` FROM disputes
		WHERE (claimant_external_id = $1 OR respondent_external_id = $1)`
	args := []interface{}{agentID, limit}
	if cursor != nil {
		query += ` AND (filed_at, external_id) < ($3, $4)`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}
	query += ` ORDER BY filed_at DESC, external_id DESC LIMIT $2`
	return p.list(ctx, query, args...)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, statuses []Status, limit int) ([]*Dispute, error) {
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	return p.list(ctx, `SELECT `+disputeColumns+` FROM disputes
		WHERE status = ANY($1) ORDER BY filed_at ASC LIMIT $2`, pq.Array(names), limit)
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...interface{}) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list disputes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dispute: %w", err)
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (p *PostgresStore) AdvanceExpiredResponses(ctx context.Context, now time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE disputes
		SET status = 'in_arbitration', updated_at = $1, version = version + 1
		WHERE status = 'awaiting_response' AND response_deadline < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to advance expired responses: %w", err)
	}
	return res.RowsAffected()
}

func (p *PostgresStore) CloseLapsedDecisions(ctx context.Context, now time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE disputes
		SET status = 'closed', closed_at = decision_deadline, updated_at = $1, version = version + 1
		WHERE status = 'ruled' AND decision_deadline < $1
		AND NOT EXISTS (SELECT 1 FROM dispute_escalations e WHERE e.dispute_id = disputes.id)`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to close lapsed decisions: %w", err)
	}
	return res.RowsAffected()
}

func (p *PostgresStore) AddEvidence(ctx context.Context, ev *Evidence, now time.Time) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE disputes SET evidence_count = evidence_count + 1, updated_at = $2
		WHERE id = $1 AND status IN ('awaiting_response', 'response_received')`, ev.DisputeID, now)
	if err != nil {
		return fmt.Errorf("failed to bump evidence count: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM disputes WHERE id = $1)`, ev.DisputeID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check dispute: %w", err)
		}
		if !exists {
			return ErrDisputeNotFound
		}
		return ErrInvalidState
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dispute_evidence (id, dispute_id, submitter_role, submitted_by, evidence_type, title, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, ev.DisputeID, string(ev.SubmitterRole), ev.SubmittedBy, ev.EvidenceType, ev.Title, ev.Content, ev.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert evidence: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) ListEvidence(ctx context.Context, disputeID string) ([]*Evidence, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, dispute_id, submitter_role, submitted_by, evidence_type, title, content, created_at
		FROM dispute_evidence WHERE dispute_id = $1 ORDER BY created_at ASC, id ASC`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list evidence: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := []*Evidence{}
	for rows.Next() {
		ev := &Evidence{}
		var role string
		if err := rows.Scan(&ev.ID, &ev.DisputeID, &role, &ev.SubmittedBy, &ev.EvidenceType,
			&ev.Title, &ev.Content, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan evidence: %w", err)
		}
		ev.SubmitterRole = Role(role)
		result = append(result, ev)
	}
	return result, rows.Err()
}

const escalationColumns = `id, external_id, dispute_id, dispute_external_id, requested_by_id, requested_by,
	reason, status, arbitrator_id, arbitrator_ruling, arbitrator_reasoning, arbitrator_notes,
	credits_charged, requested_at, assigned_at, decided_at, closed_at, version, updated_at`

func scanEscalation(row scanner) (*Escalation, error) {
	e := &Escalation{}
	var (
		status                          string
		ruling                          sql.NullString
		assignedAt, decidedAt, closedAt sql.NullTime
	)
	err := row.Scan(
		&e.ID, &e.ExternalID, &e.DisputeID, &e.DisputeExternalID, &e.RequestedByID, &e.RequestedBy,
		&e.Reason, &status, &e.ArbitratorID, &ruling, &e.ArbitratorReasoning, &e.ArbitratorNotes,
		&e.CreditsCharged, &e.RequestedAt, &assignedAt, &decidedAt, &closedAt, &e.Version, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Status = EscalationStatus(status)
	if ruling.Valid {
		r := Ruling(ruling.String)
		e.ArbitratorRuling = &r
	}
	e.AssignedAt = timePtr(assignedAt)
	e.DecidedAt = timePtr(decidedAt)
	e.ClosedAt = timePtr(closedAt)
	return e, nil
}

func (p *PostgresStore) CreateEscalation(ctx context.Context, e *Escalation) error {
	e.Version = 1
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO dispute_escalations (`+escalationColumns+`)
		VALUES (`+placeholders(19)+`)`,
		e.ID, e.ExternalID, e.DisputeID, e.DisputeExternalID, e.RequestedByID, e.RequestedBy,
		e.Reason, string(e.Status), e.ArbitratorID, rulingValue(e.ArbitratorRuling), e.ArbitratorReasoning, e.ArbitratorNotes,
		e.CreditsCharged, e.RequestedAt, e.AssignedAt, e.DecidedAt, e.ClosedAt, e.Version, e.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrAlreadyEscalated
		}
		return fmt.Errorf("failed to create escalation: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetEscalationByExternalID(ctx context.Context, externalID string) (*Escalation, error) {
	return p.getEscalation(ctx, `SELECT `+escalationColumns+` FROM dispute_escalations WHERE external_id = $1`, externalID)
}

func (p *PostgresStore) GetEscalationByDispute(ctx context.Context, disputeID string) (*Escalation, error) {
	return p.getEscalation(ctx, `SELECT `+escalationColumns+` FROM dispute_escalations WHERE dispute_id = $1`, disputeID)
}

func (p *PostgresStore) getEscalation(ctx context.Context, query, arg string) (*Escalation, error) {
	e, err := scanEscalation(p.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscalationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get escalation: %w", err)
	}
	return e, nil
}

func (p *PostgresStore) UpdateEscalation(ctx context.Context, e *Escalation) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE dispute_escalations SET
			status = $3, arbitrator_id = $4, arbitrator_ruling = $5, arbitrator_reasoning = $6,
			arbitrator_notes = $7, assigned_at = $8, decided_at = $9, closed_at = $10,
			updated_at = $11, version = version + 1
		WHERE id = $1 AND version = $2`,
		e.ID, e.Version,
		string(e.Status), e.ArbitratorID, rulingValue(e.ArbitratorRuling), e.ArbitratorReasoning,
		e.ArbitratorNotes, e.AssignedAt, e.DecidedAt, e.ClosedAt,
		e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update escalation: %w", err)
	}
	if err := p.checkVersioned(ctx, res, "dispute_escalations", e.ID, ErrEscalationNotFound); err != nil {
		return err
	}
	e.Version++
	return nil
}

func (p *PostgresStore) ListEscalations(ctx context.Context, statuses []EscalationStatus, limit int) ([]*Escalation, error) {
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escalationColumns+` FROM dispute_escalations
		WHERE status = ANY($1) ORDER BY requested_at ASC LIMIT $2`, pq.Array(names), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list escalations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Escalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan escalation: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func placeholders(n int) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		b.WriteString("$" + strconv.Itoa(i))
	}
	return b.String()
}

func rulingValue(r *Ruling) interface{} {
	if r == nil {
		return nil
	}
	return string(*r)
}

func jsonValue(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
