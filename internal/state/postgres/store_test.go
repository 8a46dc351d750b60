package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/roster-crawler/internal/roster"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithPool(mock, "", "")
	require.NoError(t, err)
	return store, mock
}

func TestNewWithPoolValidatesTables(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, "", "")
	require.EqualError(t, err, "pool is required")

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewWithPool(mock, "facts; DROP TABLE x", "")
	require.ErrorContains(t, err, "invalid table name")
}

func TestNewRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.EqualError(t, err, "state.dsn is required")
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS roster_facts").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS roster_ledger").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadFacts(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT player_id, state, fact_text FROM roster_facts").
		WillReturnRows(mock.NewRows([]string{"player_id", "state", "fact_text"}).
			AddRow("/players/M/MahoPa00.htm", "present", "Whitehouse (TX)").
			AddRow("/players/K/KelcTr00.htm", "absent", ""))

	facts, err := store.LoadFacts(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[roster.FineTaskID]roster.FactValue{
		"/players/M/MahoPa00.htm": roster.Present("Whitehouse (TX)"),
		"/players/K/KelcTr00.htm": roster.Absent(),
	}, facts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadFactsRejectsUnknownState(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT player_id").
		WillReturnRows(mock.NewRows([]string{"player_id", "state", "fact_text"}).AddRow("a", "pending", ""))

	_, err := store.LoadFacts(context.Background())
	require.ErrorIs(t, err, roster.ErrCorruptState)
}

func TestSaveFactsReplacesInTransaction(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM roster_facts").WillReturnResult(pgxmock.NewResult("DELETE", 5))
	mock.ExpectExec("INSERT INTO roster_facts").
		WithArgs([]string{"a", "b"}, []string{"absent", "present"}, []string{"", "Central HS"}).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	err := store.SaveFacts(context.Background(), map[roster.FineTaskID]roster.FactValue{
		"b": roster.Present("Central HS"),
		"a": roster.Absent(),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveFactsRollsBackOnInsertError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM roster_facts").WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec("INSERT INTO roster_facts").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := store.SaveFacts(context.Background(), map[roster.FineTaskID]roster.FactValue{"a": roster.Absent()})
	require.ErrorContains(t, err, "insert facts: disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRoundTrip(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM roster_ledger").WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec("INSERT INTO roster_ledger").
		WithArgs([]string{"buf", "kan"}, []int32{2019, 2020}).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()
	mock.ExpectQuery("SELECT team, season FROM roster_ledger").
		WillReturnRows(mock.NewRows([]string{"team", "season"}).AddRow("buf", 2019).AddRow("kan", 2020))

	ctx := context.Background()
	require.NoError(t, store.SaveLedger(ctx, []roster.CoarseTaskID{{Team: "kan", Year: 2020}, {Team: "buf", Year: 2019}}))
	tasks, err := store.LoadLedger(ctx)
	require.NoError(t, err)
	require.Equal(t, []roster.CoarseTaskID{{Team: "buf", Year: 2019}, {Team: "kan", Year: 2020}}, tasks)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveEmptyLedgerOnlyClears(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM roster_ledger").WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectCommit()

	require.NoError(t, store.SaveLedger(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}
