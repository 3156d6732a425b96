package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func latestVersion(t *testing.T) int {
	t.Helper()
	migrations, err := loadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)
	return migrations[len(migrations)-1].Version
}

func TestMigrations(t *testing.T) {
	db := newTestDB(t)
	defer db.Close()

	version, err := schemaVersion(db.conn)
	require.NoError(t, err)
	assert.Equal(t, latestVersion(t), version)

	for _, table := range []string{"User", "Message"} {
		var count int
		err := db.conn.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "table %s", table)
	}
}

func TestMigrationsSkipAppliedVersions(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db1, err := Open(dbPath, zerolog.Nop())
	require.NoError(t, err)
	_, err = db1.CreateUser(context.Background(), "alice", "hash")
	require.NoError(t, err)
	require.NoError(t, db1.Close())

	db2, err := Open(dbPath, zerolog.Nop())
	require.NoError(t, err)
	defer db2.Close()

	version, err := schemaVersion(db2.conn)
	require.NoError(t, err)
	assert.Equal(t, latestVersion(t), version)

	user, err := db2.GetUserByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)

	matches, err := filepath.Glob(dbPath + ".v*.bak")
	require.NoError(t, err)
	assert.Empty(t, matches, "no snapshot when nothing is pending")
}

func TestLoadMigrations(t *testing.T) {
	migrations, err := loadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)

	for i := 1; i < len(migrations); i++ {
		assert.Less(t, migrations[i-1].Version, migrations[i].Version)
	}
	assert.Equal(t, 1, migrations[0].Version)
	assert.Equal(t, "initial", migrations[0].Name)
	assert.Contains(t, migrations[0].SQL, "CREATE TABLE")
}

func TestSnapshotBefore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(dbPath, zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	// still in the WAL, not yet checkpointed into the main file
	_, err = db.CreateUser(context.Background(), "alice", "hash")
	require.NoError(t, err)

	path, err := snapshotBefore(db.writeConn, dbPath, 0)
	require.NoError(t, err)
	assert.Empty(t, path, "fresh databases are not snapshotted")

	path, err = snapshotBefore(db.writeConn, dbPath, 1)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(path), "test.db.v1-"), path)

	snap, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer snap.Close()

	var username string
	require.NoError(t, snap.QueryRow("SELECT username FROM User").Scan(&username))
	assert.Equal(t, "alice", username)

	version, err := schemaVersion(snap)
	require.NoError(t, err)
	assert.Equal(t, latestVersion(t), version)
}
