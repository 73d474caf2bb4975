package agents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists agents in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed agent store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const agentColumns = `id, external_id, name, operator_account_id, status, trust_score,
	transaction_count, completed_transactions, disputes_filed, disputes_defended,
	created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row scanner) (*Agent, error) {
	a := &Agent{}
	var status string
	err := row.Scan(
		&a.ID, &a.ExternalID, &a.Name, &a.OperatorAccountID, &status, &a.TrustScore,
		&a.TransactionCount, &a.CompletedTransactions, &a.DisputesFiled, &a.DisputesDefended,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Status = Status(status)
	return a, nil
}

func (p *PostgresStore) Create(ctx context.Context, agent *Agent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		agent.ID, agent.ExternalID, agent.Name, agent.OperatorAccountID, string(agent.Status), agent.TrustScore,
		agent.TransactionCount, agent.CompletedTransactions, agent.DisputesFiled, agent.DisputesDefended,
		agent.CreatedAt, agent.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrAgentExists
		}
		return fmt.Errorf("failed to create agent: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Agent, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return a, nil
}

func (p *PostgresStore) GetByExternalID(ctx context.Context, externalID string) (*Agent, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE external_id = $1`, externalID)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return a, nil
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*Agent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+agentColumns+` FROM agents ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (p *PostgresStore) SetStatus(ctx context.Context, id string, status Status, now time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE agents SET status = $2, updated_at = $3 WHERE id = $1`, id, string(status), now)
	if err != nil {
		return fmt.Errorf("failed to set agent status: %w", err)
	}
	return requireRow(res)
}

var counterColumns = map[Counter]string{
	CounterTransactions:     "transaction_count",
	CounterCompleted:        "completed_transactions",
	CounterDisputesFiled:    "disputes_filed",
	CounterDisputesDefended: "disputes_defended",
}

func (p *PostgresStore) IncrementCounter(ctx context.Context, id string, counter Counter, now time.Time) error {
	col, ok := counterColumns[counter]
	if !ok {
		return fmt.Errorf("unknown counter %q", counter)
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE agents SET `+col+` = `+col+` + 1, updated_at = $2 WHERE id = $1`, id, now)
	if err != nil {
		return fmt.Errorf("failed to increment %s: %w", col, err)
	}
	return requireRow(res)
}

func (p *PostgresStore) AdjustTrustScore(ctx context.Context, id string, delta int, now time.Time) (int, error) {
	var score int
	err := p.db.QueryRowContext(ctx, `
		UPDATE agents
		SET trust_score = LEAST($3, GREATEST($4, trust_score + $2)), updated_at = $5
		WHERE id = $1
		RETURNING trust_score`,
		id, delta, MaxTrustScore, MinTrustScore, now,
	).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrAgentNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to adjust trust score: %w", err)
	}
	return score, nil
}

func (p *PostgresStore) IncrementMonthlyDisputes(ctx context.Context, id, month string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO agent_monthly_disputes (agent_id, month, filed)
		VALUES ($1, $2, 1)
		ON CONFLICT (agent_id, month) DO UPDATE SET filed = agent_monthly_disputes.filed + 1`,
		id, month)
	if err != nil {
		return fmt.Errorf("failed to increment monthly disputes: %w", err)
	}
	return nil
}

func (p *PostgresStore) MonthlyDisputes(ctx context.Context, id, month string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT filed FROM agent_monthly_disputes WHERE agent_id = $1 AND month = $2`, id, month).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read monthly disputes: %w", err)
	}
	return n, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrAgentNotFound
	}
	return nil
}
