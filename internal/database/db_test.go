package database

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T, name string, profile DatabaseProfile) *DB {
	t.Helper()
	db, err := New(Config{
		Path:    filepath.Join(t.TempDir(), name+".db"),
		Profile: profile,
		Name:    name,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func tableExists(t *testing.T, db *DB, table string) bool {
	var n int
	err := db.Conn().QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n)
	require.NoError(t, err)
	return n == 1
}

func TestMigrate_Journal(t *testing.T) {
	db := openTestDB(t, NameJournal, ProfileLedger)
	require.NoError(t, db.Migrate())

	assert.True(t, tableExists(t, db, "batches"))
	assert.True(t, tableExists(t, db, "executions"))
	assert.True(t, tableExists(t, db, "orders"))

	// idempotent
	require.NoError(t, db.Migrate())
}

func TestMigrate_Extra(t *testing.T) {
	db := openTestDB(t, NameCache, ProfileCache)
	require.NoError(t, db.Migrate("CREATE TABLE IF NOT EXISTS extra (id INTEGER)"))

	assert.True(t, tableExists(t, db, "snapshot_cache"))
	assert.True(t, tableExists(t, db, "extra"))
}

func TestWithTransaction_RollsBack(t *testing.T) {
	db := openTestDB(t, NameCache, ProfileCache)
	require.NoError(t, db.Migrate())

	boom := errors.New("boom")
	err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO snapshot_cache (key, payload, stored_at) VALUES ('a', x'00', 1)")
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, db.Conn().QueryRow("SELECT COUNT(*) FROM snapshot_cache").Scan(&n))
	assert.Equal(t, 0, n)
}

func TestWithTransaction_Panic(t *testing.T) {
	db := openTestDB(t, NameCache, ProfileCache)
	err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		panic("bad")
	})
	assert.ErrorContains(t, err, "panic in transaction")
}

func TestSnapshotAndMaintenance(t *testing.T) {
	db := openTestDB(t, NameJournal, ProfileLedger)
	require.NoError(t, db.Migrate())

	require.NoError(t, db.WALCheckpoint(""))
	assert.Error(t, db.WALCheckpoint("BOGUS"))
	require.NoError(t, db.HealthCheck(context.Background()))

	dest := filepath.Join(t.TempDir(), "copy.db")
	require.NoError(t, db.Snapshot(context.Background(), dest))
	_, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Error(t, db.Snapshot(context.Background(), dest))

	stats, err := db.GetStats()
	require.NoError(t, err)
	assert.Positive(t, stats.PageCount)
	assert.Positive(t, stats.PageSize)
}
