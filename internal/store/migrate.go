package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"codepad/api/internal/logging"
)

// migrationLockKey serializes concurrent ApplyMigrations calls across replicas.
const migrationLockKey = 7_301_842

var migrationName = regexp.MustCompile(`^(\d+)_[a-z0-9_]+\.(up|down)\.sql$`)

// Migration is one SQL file of db/migrations.
type Migration struct {
	Version string // numeric prefix, e.g. "0002"
	Name    string // file name, recorded in schema_migrations
	Path    string
	Up      bool
}

// ListMigrations returns the migration files of dir in application order:
// ascending for up files, descending for down files.
func ListMigrations(dir string, up bool) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var out []Migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationName.FindStringSubmatch(entry.Name())
		if match == nil || (match[2] == "up") != up {
			continue
		}
		out = append(out, Migration{
			Version: match[1],
			Name:    entry.Name(),
			Path:    filepath.Join(dir, entry.Name()),
			Up:      up,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if up {
			return out[i].Version < out[j].Version
		}
		return out[i].Version > out[j].Version
	})
	return out, nil
}

// ApplyMigrations runs every pending up migration, one transaction per file.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	migrations, err := ListMigrations(migrationsDir, true)
	if err != nil {
		return err
	}
	return withMigrationLock(ctx, db, func(conn *sql.Conn) error {
		if err := ensureMigrationsTable(ctx, conn); err != nil {
			return err
		}
		for _, m := range migrations {
			migrated, err := isMigrated(ctx, conn, m.Name)
			if err != nil {
				return err
			}
			if migrated {
				continue
			}
			logging.L().Info("applying migration", zap.String("version", m.Name))
			if err := runMigration(ctx, conn, m, `INSERT INTO schema_migrations(version) VALUES($1)`); err != nil {
				return err
			}
		}
		return nil
	})
}

// RollbackMigrations runs the down file of every applied migration, newest first.
func RollbackMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	migrations, err := ListMigrations(migrationsDir, false)
	if err != nil {
		return err
	}
	return withMigrationLock(ctx, db, func(conn *sql.Conn) error {
		if err := ensureMigrationsTable(ctx, conn); err != nil {
			return err
		}
		for _, m := range migrations {
			upName := strings.TrimSuffix(m.Name, ".down.sql") + ".up.sql"
			migrated, err := isMigrated(ctx, conn, upName)
			if err != nil {
				return err
			}
			if !migrated {
				continue
			}
			logging.L().Info("rolling back migration", zap.String("version", upName))
			m.Name = upName
			if err := runMigration(ctx, conn, m, `DELETE FROM schema_migrations WHERE version=$1`); err != nil {
				return err
			}
		}
		return nil
	})
}

func runMigration(ctx context.Context, conn *sql.Conn, m Migration, record string) error {
	contents, err := os.ReadFile(m.Path)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", m.Name, err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx %s: %w", m.Name, err)
	}
	if body := strings.TrimSpace(string(contents)); body != "" {
		if _, err := tx.ExecContext(ctx, body); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("execute migration %s: %w", m.Name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, record, m.Name); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %s: %w", m.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", m.Name, err)
	}
	return nil
}

// withMigrationLock pins one connection and holds a session advisory lock on it while fn runs.
func withMigrationLock(ctx context.Context, db *sql.DB, fn func(conn *sql.Conn) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("lock migrations: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockKey); err != nil {
			logging.L().Warn("unlock migrations", zap.Error(err))
		}
	}()
	return fn(conn)
}

func ensureMigrationsTable(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func isMigrated(ctx context.Context, conn *sql.Conn, name string) (bool, error) {
	var exists bool
	err := conn.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", name, err)
	}
	return exists, nil
}
