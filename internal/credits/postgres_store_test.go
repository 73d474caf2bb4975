package credits

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func debitEntry() *Entry {
	return &Entry{
		ID: "cle_1", AccountID: "acct_a", Kind: EntryDebit, Amount: 550,
		Description: "fee", ReferenceType: "dispute", ReferenceID: "dsp_1",
		CreatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestPostgresApplyDebit(t *testing.T) {
	store, mock := newMockStore(t)
	e := debitEntry()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO credit_accounts`)).
		WithArgs("acct_a", e.CreatedAt).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT balance FROM credit_accounts WHERE id = $1 FOR UPDATE`)).
		WithArgs("acct_a").WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(1000))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS`)).
		WithArgs("acct_a", "debit", "dispute", "dsp_1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE credit_accounts SET balance = $2`)).
		WithArgs("acct_a", int64(450), e.CreatedAt).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO credit_entries`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	applied, err := store.Apply(context.Background(), e)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.EqualValues(t, 450, e.BalanceAfter)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresApplyInsufficient(t *testing.T) {
	store, mock := newMockStore(t)
	e := debitEntry()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO credit_accounts`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(100))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS`)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	applied, err := store.Apply(context.Background(), e)
	assert.False(t, applied)
	assert.True(t, errors.Is(err, ErrInsufficientCredits))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresApplyReplay(t *testing.T) {
	store, mock := newMockStore(t)
	e := debitEntry()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO credit_accounts`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(450))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS`)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectCommit()

	applied, err := store.Apply(context.Background(), e)
	require.NoError(t, err)
	assert.False(t, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBalanceUnknownAccount(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT balance FROM credit_accounts WHERE id = $1`)).
		WithArgs("acct_ghost").WillReturnRows(sqlmock.NewRows([]string{"balance"}))

	bal, err := store.Balance(context.Background(), "acct_ghost")
	require.NoError(t, err)
	assert.EqualValues(t, 0, bal)
}
