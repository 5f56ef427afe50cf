package sentinel

import (
	"context"
	"testing"

	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/jackc/pglogrepl"
)

func newMock(t *testing.T) pgxmock.PgxConnIface {
	t.Helper()
	mock, err := pgxmock.NewConn()
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close(context.Background()) })
	return mock
}

func TestSetupCreatesTableAndSeedsRow(t *testing.T) {
	mock := newMock(t)
	ctx := context.Background()

	mock.ExpectExec(`create schema`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`insert into dbxfer.sentinel`).WithArgs("0/0").WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, Setup(ctx, mock, pglogrepl.LSN(0)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetParsesRow(t *testing.T) {
	mock := newMock(t)
	ctx := context.Background()

	rows := pgxmock.NewRows([]string{"start_lsn", "end_lsn", "apply_enabled", "replay_lsn", "reached_end_pos"}).
		AddRow("0/100", "0/200", true, "0/150", true)
	mock.ExpectQuery(`select start_lsn::text`).WillReturnRows(rows)

	rec, err := Get(ctx, mock)
	require.NoError(t, err)
	require.Equal(t, pglogrepl.LSN(0x100), rec.StartLSN)
	require.Equal(t, pglogrepl.LSN(0x200), rec.EndLSN)
	require.True(t, rec.ApplyEnabled)
	require.Equal(t, pglogrepl.LSN(0x150), rec.ReplayLSN)
	require.True(t, rec.ReachedEndPos)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetHandlesNullEndAndReplay(t *testing.T) {
	mock := newMock(t)
	ctx := context.Background()

	rows := pgxmock.NewRows([]string{"start_lsn", "end_lsn", "apply_enabled", "replay_lsn", "reached_end_pos"}).
		AddRow("0/100", nil, false, nil, false)
	mock.ExpectQuery(`select start_lsn::text`).WillReturnRows(rows)

	rec, err := Get(ctx, mock)
	require.NoError(t, err)
	require.Equal(t, pglogrepl.LSN(0x100), rec.StartLSN)
	require.Equal(t, pglogrepl.LSN(0), rec.EndLSN)
	require.False(t, rec.ApplyEnabled)
	require.False(t, rec.ReachedEndPos)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetApplyEnabled(t *testing.T) {
	mock := newMock(t)
	ctx := context.Background()

	mock.ExpectExec(`update dbxfer.sentinel set apply_enabled`).WithArgs(true).WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, SetApplyEnabled(ctx, mock, true))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetEndPos(t *testing.T) {
	mock := newMock(t)
	ctx := context.Background()

	mock.ExpectExec(`update dbxfer.sentinel set end_lsn`).WithArgs("0/1A2B3C4").WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	lsn, err := pglogrepl.ParseLSN("0/1A2B3C4")
	require.NoError(t, err)
	require.NoError(t, SetEndPos(ctx, mock, lsn))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkReachedEndPos(t *testing.T) {
	mock := newMock(t)
	ctx := context.Background()

	mock.ExpectExec(`update dbxfer.sentinel set reached_end_pos = true`).WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, MarkReachedEndPos(ctx, mock))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvanceReplay(t *testing.T) {
	mock := newMock(t)
	ctx := context.Background()

	mock.ExpectExec(`update dbxfer.sentinel set replay_lsn`).WithArgs("0/64").WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	lsn, err := pglogrepl.ParseLSN("0/64")
	require.NoError(t, err)
	require.NoError(t, AdvanceReplay(ctx, mock, lsn))
	require.NoError(t, mock.ExpectationsWereMet())
}
