package storage

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestCurrentVersionOnFreshDatabase(t *testing.T) {
	db := openTestDB(t, ":memory:")
	v, err := CurrentVersion(db)
	require.NoError(t, err)
	require.Zero(t, v)
}

func TestEnsureVersionIsIdempotent(t *testing.T) {
	db := openTestDB(t, ":memory:")

	require.NoError(t, EnsureVersion(db, 3))
	v, err := CurrentVersion(db)
	require.NoError(t, err)
	require.Equal(t, 3, v)

	// A later call with a different initial version must not overwrite.
	require.NoError(t, EnsureVersion(db, 7))
	v, err = CurrentVersion(db)
	require.NoError(t, err)
	require.Equal(t, 3, v)
}

func TestSetVersionAndNeedsMigration(t *testing.T) {
	db := openTestDB(t, ":memory:")
	require.NoError(t, SetVersion(db, 2))

	needs, err := NeedsMigration(db, 5)
	require.NoError(t, err)
	require.True(t, needs)

	require.NoError(t, SetVersion(db, 5))
	needs, err = NeedsMigration(db, 5)
	require.NoError(t, err)
	require.False(t, needs)
}

func TestCheckVersionRefusesDowngrade(t *testing.T) {
	db := openTestDB(t, ":memory:")
	require.NoError(t, SetVersion(db, 9))

	require.Error(t, CheckVersion(db, 4))
	require.NoError(t, CheckVersion(db, 9))
	require.NoError(t, CheckVersion(db, 12))
}

func TestBackupAndCleanOldBackups(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "store.db")

	db := openTestDB(t, dbPath)
	_, err := db.Exec(`CREATE TABLE t (id INTEGER PRIMARY KEY)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO t (id) VALUES (1)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	backupPath, err := BackupDatabase(dbPath)
	require.NoError(t, err)
	require.FileExists(t, backupPath)

	// Age the backup past the cutoff and sweep it.
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(backupPath, old, old))
	require.NoError(t, CleanOldBackups(dbPath, 24*time.Hour))
	require.NoFileExists(t, backupPath)
}

func TestBackupFailsOnMissingSource(t *testing.T) {
	_, err := BackupDatabase(filepath.Join(t.TempDir(), "nope.db"))
	require.Error(t, err)
}
