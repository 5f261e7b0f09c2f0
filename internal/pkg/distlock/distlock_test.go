package distlock

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func lockRow(acquired bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(acquired)
}

func TestPGAdvisoryLockAcquireRelease(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery("pg_try_advisory_lock").WillReturnRows(lockRow(true))
	mock.ExpectExec("pg_advisory_unlock").WillReturnResult(sqlmock.NewResult(0, 0))

	l := NewPGAdvisoryLock(db, "dispatch:acct:poller:acct")
	ok, err := l.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Release(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGAdvisoryLockDeniedIssuesNoUnlock(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery("pg_try_advisory_lock").WillReturnRows(lockRow(false))

	l := NewPGAdvisoryLock(db, "dispatch:acct:poller:acct")
	ok, err := l.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	// A denied acquire owns no session, so releasing must not unlock the
	// holder's lock from a different pool connection.
	require.NoError(t, l.Release(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGAdvisoryLockReleaseWithoutAcquire(t *testing.T) {
	db, mock := newMockDB(t)

	l := NewPGAdvisoryLock(db, "dispatch:acct:poller:acct")
	require.NoError(t, l.Release(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGAdvisoryLockReacquireAfterRelease(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery("pg_try_advisory_lock").WillReturnRows(lockRow(true))
	mock.ExpectExec("pg_advisory_unlock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("pg_try_advisory_lock").WillReturnRows(lockRow(true))
	mock.ExpectExec("pg_advisory_unlock").WillReturnResult(sqlmock.NewResult(0, 0))

	l := NewPGAdvisoryLock(db, "dispatch:acct:poller:acct")
	for i := 0; i < 2; i++ {
		ok, err := l.Acquire(context.Background())
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, l.Release(context.Background()))
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGAdvisoryLockAcquireWhileHeld(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery("pg_try_advisory_lock").WillReturnRows(lockRow(true))
	mock.ExpectExec("pg_advisory_unlock").WillReturnResult(sqlmock.NewResult(0, 0))

	l := NewPGAdvisoryLock(db, "dispatch:acct:poller:acct")
	ok, err := l.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	// Re-acquiring a held lock stays on the owning session and issues no
	// second lock call.
	ok, err = l.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Release(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
