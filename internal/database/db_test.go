package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_InMemoryMigrate(t *testing.T) {
	db, err := New(Config{Path: "file::memory:", Name: "runs"})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Migrate())
	// Applying twice is harmless
	require.NoError(t, db.Migrate())

	var count int
	err = db.Conn().QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name IN ('runs', 'run_evaluations')").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, DriverModernc, db.Driver())
}

func TestNew_UnknownDriver(t *testing.T) {
	_, err := New(Config{Path: "file::memory:", Driver: "postgres", Name: "runs"})
	assert.Error(t, err)
}

func TestMigrate_UnknownNameIsNoop(t *testing.T) {
	db, err := New(Config{Path: "file::memory:", Name: "scratch"})
	require.NoError(t, err)
	defer db.Close()

	assert.NoError(t, db.Migrate())
}

func TestWithTransaction_RollsBackOnError(t *testing.T) {
	db, err := New(Config{Path: "file::memory:", Name: "scratch"})
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Conn().Exec("CREATE TABLE t (v INTEGER)")
	require.NoError(t, err)

	boom := errors.New("boom")
	err = WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		if _, err := tx.Exec("INSERT INTO t (v) VALUES (1)"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, db.Conn().QueryRow("SELECT COUNT(*) FROM t").Scan(&count))
	assert.Equal(t, 0, count)
}

func TestSnapshotTo(t *testing.T) {
	dir := t.TempDir()
	db, err := New(Config{Path: filepath.Join(dir, "runs.db"), Name: "runs"})
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Migrate())

	dest := filepath.Join(dir, "snapshot.db")
	require.NoError(t, db.SnapshotTo(context.Background(), dest))
	assert.FileExists(t, dest)

	// Refuses to overwrite
	assert.Error(t, db.SnapshotTo(context.Background(), dest))

	require.NoError(t, db.HealthCheck(context.Background()))
	stats, err := db.GetStats()
	require.NoError(t, err)
	assert.Positive(t, stats.PageCount)
}
