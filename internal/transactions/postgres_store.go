package transactions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/agentcourt/internal/pagination"
)

// PostgresStore persists transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const transactionColumns = `id, external_id, proposer_id, proposer_external_id, receiver_id, receiver_external_id,
	title, description, terms, stated_value, currency, status,
	proposed_at, responded_at, completed_at, expires_at,
	escrow_amount, escrow_currency, escrow_status, escrow_funded_at, escrow_released_at, escrow_released_to,
	version, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row scanner) (*Transaction, error) {
	tx := &Transaction{}
	var (
		status, escrowStatus             string
		terms                            []byte
		statedValue, escrowAmount        sql.NullInt64
		escrowCurrency, escrowReleasedTo sql.NullString
		respondedAt, completedAt         sql.NullTime
		fundedAt, releasedAt             sql.NullTime
	)
	err := row.Scan(
		&tx.ID, &tx.ExternalID, &tx.ProposerID, &tx.ProposerExternalID, &tx.ReceiverID, &tx.ReceiverExternalID,
		&tx.Title, &tx.Description, &terms, &statedValue, &tx.Currency, &status,
		&tx.ProposedAt, &respondedAt, &completedAt, &tx.ExpiresAt,
		&escrowAmount, &escrowCurrency, &escrowStatus, &fundedAt, &releasedAt, &escrowReleasedTo,
		&tx.Version, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	tx.Status = Status(status)
	tx.Terms = terms
	tx.StatedValue = int64Ptr(statedValue)
	tx.RespondedAt = timePtr(respondedAt)
	tx.CompletedAt = timePtr(completedAt)
	tx.Escrow = Escrow{
		Amount:     int64Ptr(escrowAmount),
		Currency:   stringPtr(escrowCurrency),
		Status:     EscrowStatus(escrowStatus),
		FundedAt:   timePtr(fundedAt),
		ReleasedAt: timePtr(releasedAt),
		ReleasedTo: stringPtr(escrowReleasedTo),
	}
	return tx, nil
}

func (p *PostgresStore) Create(ctx context.Context, tx *Transaction) error {
	tx.Version = 1
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`,
		tx.ID, tx.ExternalID, tx.ProposerID, tx.ProposerExternalID, tx.ReceiverID, tx.ReceiverExternalID,
		tx.Title, tx.Description, []byte(tx.Terms), tx.StatedValue, tx.Currency, string(tx.Status),
		tx.ProposedAt, tx.RespondedAt, tx.CompletedAt, tx.ExpiresAt,
		tx.Escrow.Amount, tx.Escrow.Currency, string(tx.Escrow.Status), tx.Escrow.FundedAt, tx.Escrow.ReleasedAt, tx.Escrow.ReleasedTo,
		tx.Version, tx.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	return p.getOne(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
}

func (p *PostgresStore) GetByExternalID(ctx context.Context, externalID string) (*Transaction, error) {
	return p.getOne(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE external_id = $1`, externalID)
}

func (p *PostgresStore) getOne(ctx context.Context, query, arg string) (*Transaction, error) {
	tx, err := scanTransaction(p.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

func (p *PostgresStore) Update(ctx context.Context, tx *Transaction) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET
			status = $3, responded_at = $4, completed_at = $5,
			escrow_amount = $6, escrow_currency = $7, escrow_status = $8,
			escrow_funded_at = $9, escrow_released_at = $10, escrow_released_to = $11,
			updated_at = $12, version = version + 1
		WHERE id = $1 AND version = $2`,
		tx.ID, tx.Version,
		string(tx.Status), tx.RespondedAt, tx.CompletedAt,
		tx.Escrow.Amount, tx.Escrow.Currency, string(tx.Escrow.Status),
		tx.Escrow.FundedAt, tx.Escrow.ReleasedAt, tx.Escrow.ReleasedTo,
		tx.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`, tx.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check transaction: %w", err)
		}
		if !exists {
			return ErrTransactionNotFound
		}
		return ErrConflict
	}
	tx.Version++
	return nil
}

func (p *PostgresStore) ListByAgent(ctx context.Context, agentID string, limit int, cursor *pagination.Cursor) ([]*Transaction, error) {
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE (proposer_external_id = $1 OR receiver_external_id = $1)`
	args := []interface{}{agentID, limit}
	if cursor != nil {
		query += ` AND (proposed_at, external_id) < ($3, $4)`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}
	query += ` ORDER BY proposed_at DESC, external_id DESC LIMIT $2`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ExpireProposed(ctx context.Context, now time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = 'expired', updated_at = $1, version = version + 1
		WHERE status = 'proposed' AND expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire transactions: %w", err)
	}
	return res.RowsAffected()
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
