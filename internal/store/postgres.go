package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"codepad/api/internal/metrics"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func observe(query string, started time.Time) {
	metrics.RecordDBQuery(query, time.Since(started))
}

func (s *PostgresStore) CreateWorkspace(ctx context.Context, workspace Workspace) (Workspace, error) {
	defer observe("create_workspace", time.Now())
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO workspaces (id, name, password_hash)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at
	`, workspace.ID, workspace.Name, workspace.PasswordHash).Scan(&workspace.CreatedAt, &workspace.UpdatedAt)
	if err != nil {
		return Workspace{}, fmt.Errorf("insert workspace: %w", err)
	}
	return workspace, nil
}

func (s *PostgresStore) GetWorkspace(ctx context.Context, workspaceID string) (Workspace, error) {
	defer observe("get_workspace", time.Now())
	var item Workspace
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, password_hash, created_at, updated_at
		FROM workspaces
		WHERE id=$1
	`, workspaceID).Scan(&item.ID, &item.Name, &item.PasswordHash, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Workspace{}, fmt.Errorf("get workspace: %w", classify(err))
	}
	return item, nil
}

func (s *PostgresStore) WorkspaceExists(ctx context.Context, workspaceID string) (bool, error) {
	defer observe("workspace_exists", time.Now())
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM workspaces WHERE id::text=$1)`, workspaceID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check workspace: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) SaveAccessSession(ctx context.Context, jti, workspaceID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO access_sessions (jti, workspace_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (jti) DO UPDATE SET workspace_id=EXCLUDED.workspace_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, jti, workspaceID, expiresAt)
	if err != nil {
		return fmt.Errorf("save access session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupAccessSession(ctx context.Context, jti string) (AccessSession, error) {
	var item AccessSession
	err := s.db.QueryRowContext(ctx, `
		SELECT jti, workspace_id, expires_at, revoked_at
		FROM access_sessions
		WHERE jti=$1
			AND revoked_at IS NULL
			AND expires_at > NOW()
	`, jti).Scan(&item.JTI, &item.WorkspaceID, &item.ExpiresAt, &item.RevokedAt)
	if err != nil {
		return AccessSession{}, fmt.Errorf("lookup access session: %w", classify(err))
	}
	return item, nil
}

func (s *PostgresStore) RevokeAccessSession(ctx context.Context, jti string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE access_sessions SET revoked_at=NOW() WHERE jti=$1`, jti)
	if err != nil {
		return fmt.Errorf("revoke access session: %w", err)
	}
	return nil
}

func (s *PostgresStore) PurgeExpiredSessions(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM access_sessions WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("purge access sessions: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge access sessions rows: %w", err)
	}
	return affected, nil
}

// IsNotFound reports whether err means the addressed row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}
