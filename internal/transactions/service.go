package transactions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mbd888/agentcourt/internal/clock"
	"github.com/mbd888/agentcourt/internal/idgen"
	"github.com/mbd888/agentcourt/internal/metrics"
	"github.com/mbd888/agentcourt/internal/pagination"
	"github.com/mbd888/agentcourt/internal/retry"
	"github.com/mbd888/agentcourt/internal/traces"
	"github.com/mbd888/agentcourt/internal/validation"
)

// Store persists transactions. Update is conditional on Version.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	GetByExternalID(ctx context.Context, externalID string) (*Transaction, error)
	// Update writes tx if the stored version equals tx.Version and bumps
	// tx.Version on success. A mismatch returns ErrConflict.
	Update(ctx context.Context, tx *Transaction) error
	// ListByAgent returns transactions where agentID (external) is a party,
	// newest first, strictly after cursor.
	ListByAgent(ctx context.Context, agentID string, limit int, cursor *pagination.Cursor) ([]*Transaction, error)
	// ExpireProposed moves every PROPOSED transaction whose expiry is before
	// now to EXPIRED and returns how many rows changed.
	ExpireProposed(ctx context.Context, now time.Time) (int64, error)
}

// Party is an agent as seen by the transaction lifecycle.
type Party struct {
	ID         string
	ExternalID string
}

// AgentDirectory abstracts the agent directory so transactions doesn't import agents.
type AgentDirectory interface {
	ResolveAgentByExternalID(ctx context.Context, externalID string) (Party, error)
	IsActive(ctx context.Context, agentID string) (bool, error)
	IncrementTransactionCount(ctx context.Context, agentID string) error
	RecordTransactionCompletion(ctx context.Context, agentID string) error
}

// Notifier receives lifecycle events. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, event string, parties []string, data interface{})
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, string, []string, interface{}) {}

// Event names published by the transaction lifecycle.
const (
	EventProposed       = "transaction.proposed"
	EventAccepted       = "transaction.accepted"
	EventRejected       = "transaction.rejected"
	EventExpired        = "transaction.expired"
	EventCompleted      = "transaction.completed"
	EventDisputed       = "transaction.disputed"
	EventEscrowFunded   = "escrow.funded"
	EventEscrowReleased = "escrow.released"
)

// Defaults for proposals.
const (
	DefaultExpiryDays = 7
	MaxExpiryDays     = 90
)

// Service implements the transaction lifecycle.
type Service struct {
	store      Store
	agents     AgentDirectory
	clock      clock.Clock
	notifier   Notifier
	logger     *slog.Logger
	expiryDays int
	terms      *jsonschema.Schema
}

// NewService creates a transaction service.
func NewService(store Store, agents AgentDirectory) *Service {
	schema, err := compileTermsSchema()
	if err != nil {
		panic("transactions: terms schema: " + err.Error())
	}
	return &Service{
		store:      store,
		agents:     agents,
		clock:      clock.Real(),
		notifier:   noopNotifier{},
		logger:     slog.Default(),
		expiryDays: DefaultExpiryDays,
		terms:      schema,
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

// WithDefaultExpiryDays sets the expiry used when a proposal omits one.
func (s *Service) WithDefaultExpiryDays(days int) *Service {
	if days > 0 {
		s.expiryDays = days
	}
	return s
}

// ProposeRequest contains the parameters for proposing a transaction.
type ProposeRequest struct {
	ReceiverID  string          `json:"receiverId" binding:"required"`
	Title       string          `json:"title" binding:"required"`
	Description string          `json:"description"`
	Terms       json.RawMessage `json:"terms"`
	StatedValue *int64          `json:"statedValue"`
	Currency    string          `json:"currency"`
	ExpiryDays  int             `json:"expiryDays"`
}

// Propose creates a PROPOSED transaction from proposer to req.ReceiverID.
func (s *Service) Propose(ctx context.Context, proposer string, req ProposeRequest) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "transactions.Propose", traces.AgentID(proposer))
	defer span.End()

	title := validation.Sanitize(req.Title)
	description := validation.Sanitize(req.Description)
	if err := validation.New().
		Required("title", title).
		MaxLength("title", title, validation.MaxTitleLength).
		MaxLength("description", description, validation.MaxTextLength).
		NonNegative("statedValue", req.StatedValue).
		Err(); err != nil {
		return nil, err
	}
	expiryDays := req.ExpiryDays
	if expiryDays == 0 {
		expiryDays = s.expiryDays
	}
	if expiryDays < 0 || expiryDays > MaxExpiryDays {
		return nil, ErrValidation.WithMessage(fmt.Sprintf("expiryDays must be between 1 and %d", MaxExpiryDays))
	}
	cur, err := normalizeCurrency(req.Currency)
	if err != nil {
		return nil, err
	}
	terms, err := normalizeTerms(s.terms, req.Terms)
	if err != nil {
		return nil, err
	}

	receiverRef := strings.TrimSpace(req.ReceiverID)
	if receiverRef == proposer {
		return nil, ErrSelfTransaction
	}
	from, err := s.resolveActive(ctx, proposer, "proposer")
	if err != nil {
		return nil, err
	}
	to, err := s.resolveActive(ctx, receiverRef, "receiver")
	if err != nil {
		return nil, err
	}
	if from.ID == to.ID {
		return nil, ErrSelfTransaction
	}

	now := s.clock.Now()
	tx := &Transaction{
		ID:                 idgen.Internal(),
		ExternalID:         idgen.Transaction(),
		ProposerID:         from.ID,
		ProposerExternalID: from.ExternalID,
		ReceiverID:         to.ID,
		ReceiverExternalID: to.ExternalID,
		Title:              title,
		Description:        description,
		Terms:              terms,
		StatedValue:        req.StatedValue,
		Currency:           cur,
		Status:             StatusProposed,
		ProposedAt:         now,
		ExpiresAt:          now.Add(time.Duration(expiryDays) * 24 * time.Hour),
		Escrow:             Escrow{Status: EscrowNone},
		UpdatedAt:          now,
	}
	if err := s.store.Create(ctx, tx); err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	if err := s.agents.IncrementTransactionCount(ctx, from.ID); err != nil {
		s.logger.Warn("failed to increment proposer transaction count",
			"transactionId", tx.ExternalID, "agentId", from.ExternalID, "error", err)
	}
	metrics.TransactionsTotal.WithLabelValues(string(StatusProposed)).Inc()
	s.logger.Info("transaction proposed",
		"transactionId", tx.ExternalID, "proposer", from.ExternalID, "receiver", to.ExternalID)
	s.notifier.Notify(ctx, EventProposed, tx.Parties(), tx)
	return tx, nil
}

func (s *Service) resolveActive(ctx context.Context, externalID, role string) (Party, error) {
	p, err := s.agents.ResolveAgentByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			return Party{}, ErrAgentNotFound.WithMessage(fmt.Sprintf("%s agent %s not found", role, externalID))
		}
		return Party{}, err
	}
	active, err := s.agents.IsActive(ctx, p.ID)
	if err != nil {
		return Party{}, err
	}
	if !active {
		return Party{}, ErrAgentInactive.WithMessage(fmt.Sprintf("%s agent %s is not active", role, externalID))
	}
	return p, nil
}

// Respond accepts or rejects a proposal. Only the receiver may respond.
func (s *Service) Respond(ctx context.Context, ref, agentID string, accept bool) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "transactions.Respond", traces.TransactionID(ref), traces.AgentID(agentID))
	defer span.End()

	tx, err := s.loadResolved(ctx, ref)
	if err != nil {
		return nil, err
	}
	if agentID != tx.ReceiverExternalID {
		return nil, ErrNotReceiver
	}
	if tx.Status == StatusExpired {
		return nil, ErrDeadlineExpired.WithMessage(
			fmt.Sprintf("transaction %s expired at %s", tx.ExternalID, tx.ExpiresAt.Format(time.RFC3339)))
	}
	if tx.Status != StatusProposed {
		return nil, invalidState(tx, "respond to")
	}

	now := s.clock.Now()
	tx.RespondedAt = &now
	tx.UpdatedAt = now
	event := EventRejected
	tx.Status = StatusRejected
	if accept {
		tx.Status = StatusAccepted
		event = EventAccepted
	}
	if err := s.store.Update(ctx, tx); err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	if accept {
		if err := s.agents.IncrementTransactionCount(ctx, tx.ReceiverID); err != nil {
			s.logger.Warn("failed to increment receiver transaction count",
				"transactionId", tx.ExternalID, "agentId", tx.ReceiverExternalID, "error", err)
		}
	}
	metrics.TransactionsTotal.WithLabelValues(string(tx.Status)).Inc()
	s.logger.Info("transaction responded", "transactionId", tx.ExternalID, "status", tx.Status)
	s.notifier.Notify(ctx, event, tx.Parties(), tx)
	return tx, nil
}

// Complete marks an accepted or in-progress transaction COMPLETED and records
// the completion for both parties.
func (s *Service) Complete(ctx context.Context, ref, agentID string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "transactions.Complete", traces.TransactionID(ref), traces.AgentID(agentID))
	defer span.End()

	tx, err := s.loadResolved(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !tx.IsParty(agentID) {
		return nil, ErrNotParty
	}
	if !statusIn(tx.Status, StatusAccepted, StatusInProgress) {
		return nil, invalidState(tx, "complete")
	}

	now := s.clock.Now()
	tx.Status = StatusCompleted
	tx.CompletedAt = &now
	tx.UpdatedAt = now
	if err := s.store.Update(ctx, tx); err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	for _, id := range []string{tx.ProposerID, tx.ReceiverID} {
		if err := s.agents.RecordTransactionCompletion(ctx, id); err != nil {
			s.logger.Warn("failed to record transaction completion",
				"transactionId", tx.ExternalID, "agentId", id, "error", err)
		}
	}
	metrics.TransactionsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	s.logger.Info("transaction completed", "transactionId", tx.ExternalID, "by", agentID)
	s.notifier.Notify(ctx, EventCompleted, tx.Parties(), tx)
	return tx, nil
}

// FundEscrow records a notional escrow deposit and moves the transaction
// IN_PROGRESS.
func (s *Service) FundEscrow(ctx context.Context, ref, agentID string, amount int64, cur string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "transactions.FundEscrow",
		traces.TransactionID(ref), traces.AgentID(agentID), traces.Amount(amount))
	defer span.End()

	tx, err := s.loadResolved(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !tx.IsParty(agentID) {
		return nil, ErrNotParty
	}
	if !statusIn(tx.Status, StatusAccepted, StatusInProgress) {
		return nil, invalidState(tx, "fund escrow for")
	}
	if tx.Escrow.Status != EscrowNone {
		return nil, ErrInvalidState.WithMessage(fmt.Sprintf("escrow is already %s", tx.Escrow.Status))
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	code, err := normalizeCurrency(cur)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	tx.Escrow = Escrow{
		Amount:   &amount,
		Currency: &code,
		Status:   EscrowFunded,
		FundedAt: &now,
	}
	tx.Status = StatusInProgress
	tx.UpdatedAt = now
	if err := s.store.Update(ctx, tx); err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	metrics.EscrowOperationsTotal.WithLabelValues("fund").Inc()
	s.logger.Info("escrow funded", "transactionId", tx.ExternalID, "by", agentID, "amount", amount, "currency", code)
	s.notifier.Notify(ctx, EventEscrowFunded, tx.Parties(), tx.escrowView())
	return tx, nil
}

// ReleaseEscrow pays the funded escrow to the party other than the caller.
func (s *Service) ReleaseEscrow(ctx context.Context, ref, agentID string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "transactions.ReleaseEscrow", traces.TransactionID(ref), traces.AgentID(agentID))
	defer span.End()

	tx, err := s.loadResolved(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !tx.IsParty(agentID) {
		return nil, ErrNotParty
	}
	if !statusIn(tx.Status, StatusAccepted, StatusInProgress, StatusCompleted, StatusDisputed) {
		return nil, invalidState(tx, "release escrow for")
	}
	switch tx.Escrow.Status {
	case EscrowFunded:
	case EscrowReleased:
		return nil, ErrInvalidState.WithMessage("escrow has already been released")
	default:
		return nil, ErrInvalidState.WithMessage("escrow has not been funded")
	}

	_, recipient := tx.Counterparty(agentID)
	now := s.clock.Now()
	tx.Escrow.Status = EscrowReleased
	tx.Escrow.ReleasedAt = &now
	tx.Escrow.ReleasedTo = &recipient
	tx.UpdatedAt = now
	if err := s.store.Update(ctx, tx); err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	metrics.EscrowOperationsTotal.WithLabelValues("release").Inc()
	s.logger.Info("escrow released", "transactionId", tx.ExternalID, "by", agentID, "to", recipient)
	s.notifier.Notify(ctx, EventEscrowReleased, tx.Parties(), tx.escrowView())
	return tx, nil
}

// GetEscrowStatus returns the escrow projection for a party.
func (s *Service) GetEscrowStatus(ctx context.Context, ref, agentID string) (*EscrowView, error) {
	tx, err := s.Get(ctx, ref, agentID)
	if err != nil {
		return nil, err
	}
	return tx.escrowView(), nil
}

func (t *Transaction) escrowView() *EscrowView {
	return &EscrowView{
		TransactionID: t.ExternalID,
		Amount:        t.Escrow.Amount,
		Currency:      t.Escrow.Currency,
		Status:        t.Escrow.Status,
		FundedAt:      t.Escrow.FundedAt,
		ReleasedAt:    t.Escrow.ReleasedAt,
		ReleasedTo:    t.Escrow.ReleasedTo,
	}
}

// Get returns a transaction visible to agentID.
func (s *Service) Get(ctx context.Context, ref, agentID string) (*Transaction, error) {
	tx, err := s.loadResolved(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !tx.IsParty(agentID) {
		return nil, ErrNotParty
	}
	return tx, nil
}

// ListForAgent returns one page of the agent's transactions, newest first,
// plus the cursor for the next page.
func (s *Service) ListForAgent(ctx context.Context, agentID string, page pagination.Params) ([]*Transaction, string, error) {
	limit := page.Limit
	if limit <= 0 || limit > pagination.MaxLimit {
		limit = pagination.DefaultLimit
	}
	list, err := s.store.ListByAgent(ctx, agentID, limit+1, page.Cursor)
	if err != nil {
		return nil, "", err
	}
	now := s.clock.Now()
	for _, tx := range list {
		// Listings show the logical state; the sweep persists it.
		if st, changed := tx.Resolve(now); changed {
			tx.Status = st
		}
	}
	items, next := pagination.ComputePage(list, limit, func(tx *Transaction) (time.Time, string) {
		return tx.ProposedAt, tx.ExternalID
	})
	return items, next, nil
}

// ExpireStaleTransactions bulk-expires proposals past their deadline.
// Re-running it touches nothing new.
func (s *Service) ExpireStaleTransactions(ctx context.Context) (int64, error) {
	ctx, span := traces.StartSpan(ctx, "transactions.ExpireStaleTransactions")
	defer span.End()

	n, err := s.store.ExpireProposed(ctx, s.clock.Now())
	if err != nil {
		traces.RecordError(span, err)
		return 0, err
	}
	if n > 0 {
		metrics.SweepTransitionsTotal.WithLabelValues("transaction_expiry").Add(float64(n))
		metrics.TransactionsTotal.WithLabelValues(string(StatusExpired)).Add(float64(n))
		s.logger.Info("expired stale transactions", "count", n)
	}
	return n, nil
}

// LookupForDispute loads a transaction by external or internal ID without party
// scoping, applying lazy expiry. Used by the dispute lifecycle.
func (s *Service) LookupForDispute(ctx context.Context, ref string) (*Transaction, error) {
	return s.loadResolved(ctx, ref)
}

// MarkDisputed moves a transaction to DISPUTED. Already-disputed
// transactions are left alone. Version conflicts are retried.
func (s *Service) MarkDisputed(ctx context.Context, ref string) error {
	ctx, span := traces.StartSpan(ctx, "transactions.MarkDisputed", traces.TransactionID(ref))
	defer span.End()

	var marked *Transaction
	err := retry.Default.OnConflict(ctx, ErrConflict, func() error {
		tx, err := s.loadResolved(ctx, ref)
		if err != nil {
			return err
		}
		if tx.Status == StatusDisputed {
			return nil
		}
		if !statusIn(tx.Status, StatusAccepted, StatusInProgress, StatusCompleted) {
			return invalidState(tx, "dispute")
		}
		tx.Status = StatusDisputed
		tx.UpdatedAt = s.clock.Now()
		if err := s.store.Update(ctx, tx); err != nil {
			return err
		}
		marked = tx
		return nil
	})
	if err != nil {
		traces.RecordError(span, err)
		return err
	}
	if marked != nil {
		metrics.TransactionsTotal.WithLabelValues(string(StatusDisputed)).Inc()
		s.logger.Info("transaction disputed", "transactionId", marked.ExternalID)
		s.notifier.Notify(ctx, EventDisputed, marked.Parties(), marked)
	}
	return nil
}

func (s *Service) load(ctx context.Context, ref string) (*Transaction, error) {
	if idgen.IsExternal(ref, idgen.PrefixTransaction) {
		return s.store.GetByExternalID(ctx, ref)
	}
	return s.store.Get(ctx, ref)
}

// loadResolved loads ref and persists any deadline transition that is due,
// so every caller observes the same logical state.
func (s *Service) loadResolved(ctx context.Context, ref string) (*Transaction, error) {
	var tx *Transaction
	err := retry.Default.OnConflict(ctx, ErrConflict, func() error {
		loaded, err := s.load(ctx, ref)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		st, changed := loaded.Resolve(now)
		if !changed {
			tx = loaded
			return nil
		}
		loaded.Status = st
		loaded.UpdatedAt = now
		if err := s.store.Update(ctx, loaded); err != nil {
			return err
		}
		metrics.LazyTransitionsTotal.WithLabelValues("transaction", string(st)).Inc()
		s.logger.Info("transaction expired on access", "transactionId", loaded.ExternalID)
		s.notifier.Notify(ctx, EventExpired, loaded.Parties(), loaded)
		tx = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func invalidState(tx *Transaction, action string) error {
	return ErrInvalidState.WithMessage(fmt.Sprintf("cannot %s a transaction in status %s", action, tx.Status))
}
