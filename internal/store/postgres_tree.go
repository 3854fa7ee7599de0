package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const folderColumns = `id, workspace_id, parent_id, name, version, created_at, updated_at`

const fileColumns = `id, workspace_id, folder_id, name, size, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFolder(row rowScanner) (Folder, error) {
	var item Folder
	err := row.Scan(&item.ID, &item.WorkspaceID, &item.ParentID, &item.Name, &item.Version, &item.CreatedAt, &item.UpdatedAt)
	return item, err
}

func scanFile(row rowScanner) (File, error) {
	var item File
	err := row.Scan(&item.ID, &item.WorkspaceID, &item.FolderID, &item.Name, &item.Size, &item.Version, &item.CreatedAt, &item.UpdatedAt)
	return item, err
}

func (s *PostgresStore) ListFolders(ctx context.Context, workspaceID string) ([]Folder, error) {
	defer observe("list_folders", time.Now())
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+folderColumns+`
		FROM folders
		WHERE workspace_id::text=$1
		ORDER BY created_at ASC, id ASC
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	defer rows.Close()

	items := make([]Folder, 0)
	for rows.Next() {
		item, err := scanFolder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan folder: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate folders: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListFiles(ctx context.Context, workspaceID string) ([]File, error) {
	defer observe("list_files", time.Now())
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+fileColumns+`
		FROM files
		WHERE workspace_id::text=$1
		ORDER BY created_at ASC, id ASC
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	items := make([]File, 0)
	for rows.Next() {
		item, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate files: %w", err)
	}
	return items, nil
}

// ListContents returns every file of the workspace together with its saved text.
func (s *PostgresStore) ListContents(ctx context.Context, workspaceID string) ([]ContentEntry, error) {
	defer observe("list_contents", time.Now())
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.id, f.workspace_id, f.folder_id, f.name, f.size, f.version, f.created_at, f.updated_at, COALESCE(c.body, '')
		FROM files f
		LEFT JOIN file_contents c ON c.file_id = f.id
		WHERE f.workspace_id::text=$1
		ORDER BY f.id ASC
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list contents: %w", err)
	}
	defer rows.Close()

	items := make([]ContentEntry, 0)
	for rows.Next() {
		var item ContentEntry
		f := &item.File
		if err := rows.Scan(&f.ID, &f.WorkspaceID, &f.FolderID, &f.Name, &f.Size, &f.Version, &f.CreatedAt, &f.UpdatedAt, &item.Text); err != nil {
			return nil, fmt.Errorf("scan content: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contents: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetFolder(ctx context.Context, folderID string) (Folder, error) {
	defer observe("get_folder", time.Now())
	item, err := scanFolder(s.db.QueryRowContext(ctx, `SELECT `+folderColumns+` FROM folders WHERE id=$1`, folderID))
	if err != nil {
		return Folder{}, fmt.Errorf("get folder: %w", classify(err))
	}
	return item, nil
}

func (s *PostgresStore) GetFile(ctx context.Context, fileID string) (File, error) {
	defer observe("get_file", time.Now())
	item, err := scanFile(s.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE id=$1`, fileID))
	if err != nil {
		return File{}, fmt.Errorf("get file: %w", classify(err))
	}
	return item, nil
}

func (s *PostgresStore) GetFileContent(ctx context.Context, fileID string) (FileContent, error) {
	defer observe("get_file_content", time.Now())
	var item FileContent
	err := s.db.QueryRowContext(ctx, `
		SELECT file_id, body, updated_at FROM file_contents WHERE file_id=$1
	`, fileID).Scan(&item.FileID, &item.Text, &item.UpdatedAt)
	if err != nil {
		return FileContent{}, fmt.Errorf("get file content: %w", classify(err))
	}
	return item, nil
}

func (s *PostgresStore) FolderNameExists(ctx context.Context, workspaceID string, parentID *string, name, excludeID string) (bool, error) {
	defer observe("folder_name_exists", time.Now())
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM folders
			WHERE workspace_id::text=$1
				AND parent_id IS NOT DISTINCT FROM $2::uuid
				AND lower(name)=lower($3)
				AND id::text <> $4
		)
	`, workspaceID, parentID, name, excludeID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check folder name: %w", classify(err))
	}
	return exists, nil
}

func (s *PostgresStore) FileNameExists(ctx context.Context, workspaceID, folderID, name, excludeID string) (bool, error) {
	defer observe("file_name_exists", time.Now())
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM files
			WHERE workspace_id::text=$1
				AND folder_id::text=$2
				AND lower(name)=lower($3)
				AND id::text <> $4
		)
	`, workspaceID, folderID, name, excludeID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check file name: %w", classify(err))
	}
	return exists, nil
}

func (s *PostgresStore) InsertFolder(ctx context.Context, folder Folder) (Folder, error) {
	defer observe("insert_folder", time.Now())
	item, err := scanFolder(s.db.QueryRowContext(ctx, `
		INSERT INTO folders (id, workspace_id, parent_id, name, version)
		VALUES ($1, $2, $3, $4, 0)
		RETURNING `+folderColumns,
		folder.ID, folder.WorkspaceID, folder.ParentID, folder.Name))
	if err != nil {
		return Folder{}, fmt.Errorf("insert folder: %w", classify(err))
	}
	return item, nil
}

// InsertFile creates the file row and its empty content row in one transaction.
func (s *PostgresStore) InsertFile(ctx context.Context, file File) (File, error) {
	defer observe("insert_file", time.Now())
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return File{}, fmt.Errorf("begin insert file: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	item, err := scanFile(tx.QueryRowContext(ctx, `
		INSERT INTO files (id, workspace_id, folder_id, name, size, version)
		VALUES ($1, $2, $3, $4, 0, 0)
		RETURNING `+fileColumns,
		file.ID, file.WorkspaceID, file.FolderID, file.Name))
	if err != nil {
		return File{}, fmt.Errorf("insert file: %w", classify(err))
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO file_contents (file_id, body) VALUES ($1, '')`, item.ID); err != nil {
		return File{}, fmt.Errorf("seed file content: %w", classify(err))
	}
	if err := tx.Commit(); err != nil {
		return File{}, fmt.Errorf("commit insert file: %w", classify(err))
	}
	return item, nil
}

// UpdateFolderIfVersion applies m only when the stored version equals expected, bumping it by one.
// applied is false when no row matched; the caller decides why by re-reading.
// Re-parenting runs serializable and refuses targets whose ancestor chain contains the folder.
func (s *PostgresStore) UpdateFolderIfVersion(ctx context.Context, folderID string, expected int64, m FolderMutation) (folder Folder, applied bool, err error) {
	defer observe("update_folder_cas", time.Now())
	if !m.Reparent {
		item, err := scanFolder(s.db.QueryRowContext(ctx, `
			UPDATE folders
			SET name=COALESCE($3, name), version=version+1, updated_at=NOW()
			WHERE id=$1 AND version=$2
			RETURNING `+folderColumns,
			folderID, expected, m.Name))
		return finishCAS(item, err, "update folder")
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return Folder{}, false, fmt.Errorf("begin move folder: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	item, err := scanFolder(tx.QueryRowContext(ctx, `
		WITH RECURSIVE ancestors(id, parent_id) AS (
			SELECT id, parent_id FROM folders WHERE id=$4::uuid
			UNION
			SELECT f.id, f.parent_id
			FROM folders f
			JOIN ancestors a ON f.id = a.parent_id
		)
		UPDATE folders
		SET name=COALESCE($3, name), parent_id=$4::uuid, version=version+1, updated_at=NOW()
		WHERE id=$1 AND version=$2
			AND NOT EXISTS (SELECT 1 FROM ancestors WHERE ancestors.id = $1)
		RETURNING `+folderColumns,
		folderID, expected, m.Name, m.ParentID))
	folder, applied, err = finishCAS(item, err, "move folder")
	if err != nil || !applied {
		return folder, applied, err
	}
	if err := tx.Commit(); err != nil {
		return Folder{}, false, fmt.Errorf("commit move folder: %w", classify(err))
	}
	return folder, true, nil
}

func (s *PostgresStore) UpdateFileIfVersion(ctx context.Context, fileID string, expected int64, m FileMutation) (File, bool, error) {
	defer observe("update_file_cas", time.Now())
	item, err := scanFile(s.db.QueryRowContext(ctx, `
		UPDATE files
		SET name=COALESCE($3, name), folder_id=COALESCE($4::uuid, folder_id), version=version+1, updated_at=NOW()
		WHERE id=$1 AND version=$2
		RETURNING `+fileColumns,
		fileID, expected, m.Name, m.FolderID))
	return finishCAS(item, err, "update file")
}

// DeleteFolderIfVersion removes the folder; descendant folders, their files and contents go with it
// through ON DELETE CASCADE in the same statement.
func (s *PostgresStore) DeleteFolderIfVersion(ctx context.Context, folderID string, expected int64) (bool, error) {
	defer observe("delete_folder_cas", time.Now())
	result, err := s.db.ExecContext(ctx, `DELETE FROM folders WHERE id=$1 AND version=$2`, folderID, expected)
	if err != nil {
		return false, fmt.Errorf("delete folder: %w", classify(err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete folder rows: %w", err)
	}
	return affected == 1, nil
}

func (s *PostgresStore) DeleteFileIfVersion(ctx context.Context, fileID string, expected int64) (bool, error) {
	defer observe("delete_file_cas", time.Now())
	result, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE id=$1 AND version=$2`, fileID, expected)
	if err != nil {
		return false, fmt.Errorf("delete file: %w", classify(err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete file rows: %w", err)
	}
	return affected == 1, nil
}

// SaveFileContent stores text and recomputes the file size in one transaction.
func (s *PostgresStore) SaveFileContent(ctx context.Context, fileID, text string) (File, error) {
	defer observe("save_file_content", time.Now())
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return File{}, fmt.Errorf("begin save content: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO file_contents (file_id, body, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (file_id) DO UPDATE SET body=EXCLUDED.body, updated_at=NOW()
	`, fileID, text); err != nil {
		return File{}, fmt.Errorf("save content: %w", classify(err))
	}
	item, err := scanFile(tx.QueryRowContext(ctx, `
		UPDATE files SET size=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING `+fileColumns,
		fileID, int64(len(text))))
	if err != nil {
		return File{}, fmt.Errorf("update file size: %w", classify(err))
	}
	if err := tx.Commit(); err != nil {
		return File{}, fmt.Errorf("commit save content: %w", classify(err))
	}
	return item, nil
}

func finishCAS[T any](item T, err error, op string) (T, bool, error) {
	var zero T
	if err == nil {
		return item, true, nil
	}
	classified := classify(err)
	if classified == ErrNotFound {
		return zero, false, nil
	}
	return zero, false, fmt.Errorf("%s: %w", op, classified)
}
