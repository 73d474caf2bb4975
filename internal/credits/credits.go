// Package credits is the operator credit ledger that dispute filing and
// escalation fees are charged against.
//
// Every balance change is an Entry. Debits and refunds that carry a
// reference are idempotent per (account, kind, referenceType, referenceID):
// replaying the same call is a successful no-op.
package credits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/agentcourt/internal/apperr"
	"github.com/mbd888/agentcourt/internal/clock"
	"github.com/mbd888/agentcourt/internal/idgen"
	"github.com/mbd888/agentcourt/internal/metrics"
	"github.com/mbd888/agentcourt/internal/traces"
)

// EntryKind classifies a ledger entry.
type EntryKind string

const (
	EntryGrant  EntryKind = "grant"
	EntryDebit  EntryKind = "debit"
	EntryRefund EntryKind = "refund"
)

var (
	ErrInsufficientCredits = apperr.New(apperr.KindPaymentRequired, "payment_required", "insufficient credits")
	ErrInvalidAmount       = apperr.New(apperr.KindValidation, "invalid_amount", "amount must be greater than zero")
	ErrAccountRequired     = apperr.New(apperr.KindValidation, "validation_error", "account is required")
)

// Entry is one immutable balance movement.
type Entry struct {
	ID            string    `json:"id"`
	AccountID     string    `json:"accountId"`
	Kind          EntryKind `json:"kind"`
	Amount        int64     `json:"amount"`
	BalanceAfter  int64     `json:"balanceAfter"`
	Description   string    `json:"description,omitempty"`
	ReferenceType string    `json:"referenceType,omitempty"`
	ReferenceID   string    `json:"referenceId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Store applies entries atomically.
type Store interface {
	// Apply records entry and moves the balance in one step. Debits that
	// would overdraw fail with ErrInsufficientCredits. When an entry with the
	// same reference already exists, Apply returns applied=false and leaves
	// the balance untouched.
	Apply(ctx context.Context, entry *Entry) (applied bool, err error)
	Balance(ctx context.Context, accountID string) (int64, error)
	History(ctx context.Context, accountID string, limit int) ([]*Entry, error)
}

// Ledger is the credit ledger service.
type Ledger struct {
	store  Store
	clock  clock.Clock
	logger *slog.Logger
}

// NewLedger creates a ledger over store.
func NewLedger(store Store) *Ledger {
	return &Ledger{store: store, clock: clock.Real(), logger: slog.Default()}
}

// WithClock replaces the ledger's clock.
func (l *Ledger) WithClock(c clock.Clock) *Ledger {
	l.clock = c
	return l
}

// WithLogger replaces the ledger's logger.
func (l *Ledger) WithLogger(logger *slog.Logger) *Ledger {
	l.logger = logger
	return l
}

// DeductCredits debits amount from accountID. It is all-or-nothing and
// returns ErrInsufficientCredits without mutating anything when the balance
// is short.
func (l *Ledger) DeductCredits(ctx context.Context, accountID string, amount int64, description, referenceType, referenceID string) error {
	ctx, span := traces.StartSpan(ctx, "credits.DeductCredits",
		traces.AccountID(accountID), traces.Amount(amount), traces.Reference(referenceID))
	defer span.End()

	_, err := l.apply(ctx, accountID, EntryDebit, amount, description, referenceType, referenceID)
	return err
}

// RefundCredits returns amount to accountID. It compensates a debit whose
// dependent record could not be written.
func (l *Ledger) RefundCredits(ctx context.Context, accountID string, amount int64, description, referenceType, referenceID string) error {
	ctx, span := traces.StartSpan(ctx, "credits.RefundCredits",
		traces.AccountID(accountID), traces.Amount(amount), traces.Reference(referenceID))
	defer span.End()

	_, err := l.apply(ctx, accountID, EntryRefund, amount, description, referenceType, referenceID)
	return err
}

// Grant tops up an account.
func (l *Ledger) Grant(ctx context.Context, accountID string, amount int64, description string) (*Entry, error) {
	return l.apply(ctx, accountID, EntryGrant, amount, description, "grant", idgen.Internal())
}

// Balance returns the account's spendable credits. Unknown accounts hold zero.
func (l *Ledger) Balance(ctx context.Context, accountID string) (int64, error) {
	return l.store.Balance(ctx, accountID)
}

// History returns the account's most recent entries, newest first.
func (l *Ledger) History(ctx context.Context, accountID string, limit int) ([]*Entry, error) {
	return l.store.History(ctx, accountID, limit)
}

func (l *Ledger) apply(ctx context.Context, accountID string, kind EntryKind, amount int64, description, referenceType, referenceID string) (*Entry, error) {
	if accountID == "" {
		return nil, ErrAccountRequired
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	entry := &Entry{
		ID:            idgen.WithPrefix(idgen.PrefixEntry),
		AccountID:     accountID,
		Kind:          kind,
		Amount:        amount,
		Description:   description,
		ReferenceType: referenceType,
		ReferenceID:   referenceID,
		CreatedAt:     l.clock.Now(),
	}
	applied, err := l.store.Apply(ctx, entry)
	if err != nil {
		if kind == EntryDebit && errors.Is(err, ErrInsufficientCredits) {
			return nil, ErrInsufficientCredits.WithMessage(
				fmt.Sprintf("insufficient credits: %d required", amount))
		}
		return nil, err
	}
	if !applied {
		l.logger.Info("credit entry already applied",
			"accountId", accountID, "kind", kind, "referenceType", referenceType, "referenceId", referenceID)
		return entry, nil
	}
	metrics.CreditEntriesTotal.WithLabelValues(string(kind)).Inc()
	metrics.CreditsMovedTotal.WithLabelValues(string(kind)).Add(float64(amount))
	return entry, nil
}
