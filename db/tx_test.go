package db

import (
	"context"
	"database/sql"
	"errors"
	"path"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *Tx {
	t.Helper()
	database, err := NewSQLiteDB(path.Join(t.TempDir(), "test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, database.Close()) })

	tx, err := NewTx(context.Background(), database)
	require.NoError(t, err)
	return tx
}

func TestCommitCallbacks(t *testing.T) {
	tx := newTestDB(t)

	committed, rolledBack := 0, 0
	tx.AddCommitCallback(func() { committed++ })
	tx.AddRollbackCallback(func() { rolledBack++ })

	require.NoError(t, tx.Commit())
	require.Equal(t, 1, committed)
	require.Equal(t, 0, rolledBack)
}

func TestRollbackCallbacks(t *testing.T) {
	tx := newTestDB(t)

	committed, rolledBack := 0, 0
	tx.AddCommitCallback(func() { committed++ })
	tx.AddRollbackCallback(func() { rolledBack++ })

	require.NoError(t, tx.Rollback())
	require.Equal(t, 0, committed)
	require.Equal(t, 1, rolledBack)
}

func TestReturnErrNotFound(t *testing.T) {
	require.NoError(t, ReturnErrNotFound(nil))
	require.ErrorIs(t, ReturnErrNotFound(sql.ErrNoRows), ErrNotFound)

	other := errors.New("boom")
	require.ErrorIs(t, ReturnErrNotFound(other), other)
}
