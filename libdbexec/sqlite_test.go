package libdbexec_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	libdb "github.com/contenox/dsmq/libdbexec"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchema = `CREATE TABLE IF NOT EXISTS kv (k TEXT PRIMARY KEY, v TEXT NOT NULL);`

func TestSQLiteMemory_SharedAcrossManagers(t *testing.T) {
	ctx := context.Background()
	name := "libdb-" + uuid.NewString()

	first, err := libdb.NewSQLiteMemoryDBManager(ctx, name, testSchema)
	require.NoError(t, err)
	second, err := libdb.NewSQLiteMemoryDBManager(ctx, name, testSchema)
	require.NoError(t, err)
	defer second.Close()

	_, err = first.WithoutTransaction().ExecContext(ctx, `INSERT INTO kv (k, v) VALUES (?, ?)`, "a", "1")
	require.NoError(t, err)

	var v string
	require.NoError(t, second.WithoutTransaction().QueryRowContext(ctx, `SELECT v FROM kv WHERE k = ?`, "a").Scan(&v))
	assert.Equal(t, "1", v)

	// The data outlives a closed manager while another one still holds it open.
	require.NoError(t, first.Close())
	require.NoError(t, second.WithoutTransaction().QueryRowContext(ctx, `SELECT v FROM kv WHERE k = ?`, "a").Scan(&v))
}

func TestSQLiteMemory_RequiresName(t *testing.T) {
	_, err := libdb.NewSQLiteMemoryDBManager(context.Background(), "", testSchema)
	require.Error(t, err)
}

func TestSQLiteFile_CreatesParentDir(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "dir", "local.db")

	db, err := libdb.NewSQLiteDBManager(ctx, path, testSchema)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.WithoutTransaction().ExecContext(ctx, `INSERT INTO kv (k, v) VALUES (?, ?)`, "b", "2")
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestQueryRow_NotFound(t *testing.T) {
	ctx := context.Background()
	db, err := libdb.NewSQLiteMemoryDBManager(ctx, "libdb-"+uuid.NewString(), testSchema)
	require.NoError(t, err)
	defer db.Close()

	var v string
	err = db.WithoutTransaction().QueryRowContext(ctx, `SELECT v FROM kv WHERE k = ?`, "missing").Scan(&v)
	require.ErrorIs(t, err, libdb.ErrNotFound)
}

func TestQuery_Canceled(t *testing.T) {
	db, err := libdb.NewSQLiteMemoryDBManager(context.Background(), "libdb-"+uuid.NewString(), testSchema)
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = db.WithoutTransaction().ExecContext(ctx, `INSERT INTO kv (k, v) VALUES (?, ?)`, "c", "3")
	require.ErrorIs(t, err, libdb.ErrQueryCanceled)
}

func TestIsBusy(t *testing.T) {
	assert.False(t, libdb.IsBusy(nil))
	assert.False(t, libdb.IsBusy(errors.New("no such table: kv")))
	assert.True(t, libdb.IsBusy(libdb.ErrBusy))
	assert.True(t, libdb.IsBusy(fmt.Errorf("insert: %w", libdb.ErrBusy)))
	assert.True(t, libdb.IsBusy(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.True(t, libdb.IsBusy(errors.New("database table is locked")))
}
