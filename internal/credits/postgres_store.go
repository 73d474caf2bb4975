package credits

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore persists balances and entries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed credit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Apply(ctx context.Context, entry *Entry) (bool, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_accounts (id, balance, updated_at) VALUES ($1, 0, $2)
		ON CONFLICT (id) DO NOTHING`, entry.AccountID, entry.CreatedAt); err != nil {
		return false, fmt.Errorf("failed to ensure account: %w", err)
	}

	var balance int64
	if err := tx.QueryRowContext(ctx,
		`SELECT balance FROM credit_accounts WHERE id = $1 FOR UPDATE`, entry.AccountID,
	).Scan(&balance); err != nil {
		return false, fmt.Errorf("failed to lock account: %w", err)
	}

	if entry.ReferenceID != "" {
		var exists bool
		err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM credit_entries
				WHERE account_id = $1 AND kind = $2 AND reference_type = $3 AND reference_id = $4
			)`, entry.AccountID, string(entry.Kind), entry.ReferenceType, entry.ReferenceID,
		).Scan(&exists)
		if err != nil {
			return false, fmt.Errorf("failed to check reference: %w", err)
		}
		if exists {
			return false, tx.Commit()
		}
	}

	switch entry.Kind {
	case EntryDebit:
		if balance < entry.Amount {
			return false, ErrInsufficientCredits
		}
		balance -= entry.Amount
	default:
		balance += entry.Amount
	}
	entry.BalanceAfter = balance

	if _, err := tx.ExecContext(ctx,
		`UPDATE credit_accounts SET balance = $2, updated_at = $3 WHERE id = $1`,
		entry.AccountID, balance, entry.CreatedAt); err != nil {
		return false, fmt.Errorf("failed to update balance: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_entries (id, account_id, kind, amount, balance_after, description,
			reference_type, reference_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.AccountID, string(entry.Kind), entry.Amount, entry.BalanceAfter,
		entry.Description, entry.ReferenceType, entry.ReferenceID, entry.CreatedAt,
	); err != nil {
		return false, fmt.Errorf("failed to record entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit credit entry: %w", err)
	}
	return true, nil
}

func (p *PostgresStore) Balance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := p.db.QueryRowContext(ctx, `SELECT balance FROM credit_accounts WHERE id = $1`, accountID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

func (p *PostgresStore) History(ctx context.Context, accountID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account_id, kind, amount, balance_after, description, reference_type, reference_id, created_at
		FROM credit_entries WHERE account_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e := &Entry{}
		var kind string
		if err := rows.Scan(&e.ID, &e.AccountID, &kind, &e.Amount, &e.BalanceAfter, &e.Description,
			&e.ReferenceType, &e.ReferenceID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.Kind = EntryKind(kind)
		result = append(result, e)
	}
	return result, rows.Err()
}
