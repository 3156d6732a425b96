package database

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migration is one versioned schema change, loaded from migrations/NNN_name.sql
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// schemaVersion is kept in the database header rather than a table
func schemaVersion(db *sql.DB) (int, error) {
	var v int
	err := db.QueryRow("PRAGMA user_version").Scan(&v)
	return v, err
}

// loadMigrations reads the embedded migration files sorted by version
func loadMigrations() ([]Migration, error) {
	names, err := fs.Glob(migrationFiles, "migrations/*.sql")
	if err != nil {
		return nil, err
	}

	migrations := make([]Migration, 0, len(names))
	for _, name := range names {
		prefix, rest, ok := strings.Cut(strings.TrimSuffix(path.Base(name), ".sql"), "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: want NNN_name.sql", name)
		}
		version, err := strconv.Atoi(prefix)
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("migration %s: bad version %q", name, prefix)
		}
		body, err := migrationFiles.ReadFile(name)
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, Migration{Version: version, Name: rest, SQL: string(body)})
	}

	slices.SortFunc(migrations, func(a, b Migration) int { return a.Version - b.Version })
	for i := 1; i < len(migrations); i++ {
		if migrations[i].Version == migrations[i-1].Version {
			return nil, fmt.Errorf("duplicate migration version %d", migrations[i].Version)
		}
	}
	return migrations, nil
}

// snapshotBefore writes a consistent copy of the database next to dbPath.
// VACUUM INTO includes pages still in the WAL, which a file copy would miss.
func snapshotBefore(db *sql.DB, dbPath string, version int) (string, error) {
	if version == 0 || dbPath == "" || strings.HasPrefix(dbPath, ":memory:") {
		return "", nil
	}
	target := fmt.Sprintf("%s.v%d-%s.bak", dbPath, version, time.Now().Format("20060102T150405"))
	if _, err := db.Exec("VACUUM INTO ?", target); err != nil {
		return "", err
	}
	return target, nil
}

// runMigrations brings the schema up to the newest embedded migration. Each
// migration and its version bump commit together.
func runMigrations(db *sql.DB, dbPath string, logger zerolog.Logger) error {
	current, err := schemaVersion(db)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	pending := slices.DeleteFunc(migrations, func(m Migration) bool { return m.Version <= current })
	if len(pending) == 0 {
		logger.Debug().Int("version", current).Msg("schema up to date")
		return nil
	}

	backup, err := snapshotBefore(db, dbPath, current)
	if err != nil {
		return fmt.Errorf("snapshot before migrating: %w", err)
	}
	if backup != "" {
		logger.Info().Str("backup", backup).Int("from_version", current).Msg("database snapshot written")
	}

	for _, m := range pending {
		if err := applyMigration(db, m); err != nil {
			return fmt.Errorf("migration %03d_%s: %w", m.Version, m.Name, err)
		}
		logger.Info().Int("version", m.Version).Str("name", m.Name).Msg("migration applied")
	}
	return nil
}

func applyMigration(db *sql.DB, m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return err
	}
	// PRAGMA does not accept bound parameters; Version is an int
	if _, err := tx.Exec("PRAGMA user_version = " + strconv.Itoa(m.Version)); err != nil {
		return err
	}
	return tx.Commit()
}
