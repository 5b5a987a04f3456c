package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"custodian/core"

	"go.uber.org/zap"
)

// SQLiteCaseFileStorage implements CaseFileStore on the status database.
type SQLiteCaseFileStorage struct {
	db     *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteCaseFileStorage creates the case file store.
func NewSQLiteCaseFileStorage(db *SQLite, logger *zap.SugaredLogger) *SQLiteCaseFileStorage {
	return &SQLiteCaseFileStorage{db: db, logger: logger}
}

const caseFileColumns = `id, case_id, filename, content_hash, size, status, error_message,
	event_count, violation_count, ioc_match_count, origin, storage_path,
	deleted, hidden, created_at, updated_at`

// isUniqueViolation detects the sqlite unique-constraint error raised when a
// second insert races on (case_id, content_hash).
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateFile inserts a new case file record in status queued.
func (s *SQLiteCaseFileStorage) CreateFile(ctx context.Context, file *core.CaseFile) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := file.Validate(); err != nil {
		return fmt.Errorf("refusing to persist invalid case file: %w", err)
	}

	now := time.Now().UTC()
	if file.CreatedAt.IsZero() {
		file.CreatedAt = now
	}
	file.UpdatedAt = now

	_, err := s.db.WriteDB.ExecContext(ctx, `
		INSERT INTO case_files (`+caseFileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		file.ID, file.CaseID, file.Filename, file.ContentHash, file.Size,
		string(file.Status), file.ErrorMessage, file.EventCount,
		file.ViolationCount, file.IOCMatchCount, file.Origin, file.StoragePath,
		boolToInt(file.Deleted), boolToInt(file.Hidden),
		file.CreatedAt, file.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateFile
	}
	if err != nil {
		return fmt.Errorf("failed to insert case file: %w", err)
	}
	return nil
}

// GetFile returns the file by id, deleted or not. Callers filter on the
// Deleted flag where it matters; in-flight tasks for deleted files still need
// to read the record.
func (s *SQLiteCaseFileStorage) GetFile(ctx context.Context, id string) (*core.CaseFile, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	row := s.db.ReadDB.QueryRowContext(ctx,
		`SELECT `+caseFileColumns+` FROM case_files WHERE id = ?`, id)
	return scanCaseFile(row)
}

// FindByHash returns the non-deleted file with the given content hash.
func (s *SQLiteCaseFileStorage) FindByHash(ctx context.Context, caseID, contentHash string) (*core.CaseFile, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	row := s.db.ReadDB.QueryRowContext(ctx,
		`SELECT `+caseFileColumns+` FROM case_files
		 WHERE case_id = ? AND content_hash = ? AND deleted = 0`,
		caseID, contentHash)
	return scanCaseFile(row)
}

// ListFiles returns the case's non-deleted, non-hidden files, newest first.
// Pure read, safe to poll.
func (s *SQLiteCaseFileStorage) ListFiles(ctx context.Context, caseID string) ([]core.CaseFile, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := s.db.ReadDB.QueryContext(ctx,
		`SELECT `+caseFileColumns+` FROM case_files
		 WHERE case_id = ? AND deleted = 0 AND hidden = 0
		 ORDER BY created_at DESC`, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list case files: %w", err)
	}
	defer rows.Close()

	files := make([]core.CaseFile, 0)
	for rows.Next() {
		f, err := scanCaseFileRows(rows)
		if err != nil {
			s.logger.Errorw("Failed to scan case file row", "error", err)
			continue
		}
		files = append(files, *f)
	}
	return files, rows.Err()
}

// ListFileIDs resolves a scope to concrete file ids, excluding deleted and
// hidden files. Explicit file sets are passed through unresolved: the caller
// named them and per-file status checks happen at stage time.
func (s *SQLiteCaseFileStorage) ListFileIDs(ctx context.Context, scope core.Scope) ([]string, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if scope.Kind == core.ScopeFiles {
		return scope.FileIDs, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	query := `SELECT id FROM case_files WHERE deleted = 0 AND hidden = 0`
	args := []interface{}{}
	if scope.Kind == core.ScopeCase {
		query += ` AND case_id = ?`
		args = append(args, scope.CaseID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve scope: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TransitionStatus atomically moves the file from one of the allowed source
// states into target. The conditional UPDATE is the check-and-set: when zero
// rows change, another worker holds the file and the caller must back off.
func (s *SQLiteCaseFileStorage) TransitionStatus(ctx context.Context, fileID string, from []core.FileStatus, to core.FileStatus) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if len(from) == 0 {
		return fmt.Errorf("transition requires at least one source status")
	}
	for _, f := range from {
		if !core.ValidTransition(f, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, f, to)
		}
	}

	placeholders := make([]string, len(from))
	args := []interface{}{string(to), time.Now().UTC()}
	for i, f := range from {
		placeholders[i] = "?"
		args = append(args, string(f))
	}
	args = append(args, fileID)

	res, err := s.db.WriteDB.ExecContext(ctx, `
		UPDATE case_files SET status = ?, error_message = '', updated_at = ?
		WHERE status IN (`+strings.Join(placeholders, ", ")+`) AND id = ?`,
		args...)
	if err != nil {
		return fmt.Errorf("failed to transition status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		// Distinguish a missing file from a lost race.
		if _, err := s.GetFile(ctx, fileID); err != nil {
			return err
		}
		return ErrStatusConflict
	}
	return nil
}

// SetError moves the file into the error state with a message, from any
// non-terminal state.
func (s *SQLiteCaseFileStorage) SetError(ctx context.Context, fileID, message string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	res, err := s.db.WriteDB.ExecContext(ctx, `
		UPDATE case_files SET status = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status != ?`,
		string(core.StatusError), message, time.Now().UTC(), fileID,
		string(core.StatusComplete))
	if err != nil {
		return fmt.Errorf("failed to set error status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetFile(ctx, fileID); err != nil {
			return err
		}
		return ErrStatusConflict
	}
	return nil
}

// SetEventCount records the indexed event count.
func (s *SQLiteCaseFileStorage) SetEventCount(ctx context.Context, fileID string, count int64) error {
	return s.setCounter(ctx, fileID, "event_count", count)
}

// SetViolationCount records the violation count.
func (s *SQLiteCaseFileStorage) SetViolationCount(ctx context.Context, fileID string, count int64) error {
	return s.setCounter(ctx, fileID, "violation_count", count)
}

// SetIOCMatchCount records the IOC match count.
func (s *SQLiteCaseFileStorage) SetIOCMatchCount(ctx context.Context, fileID string, count int64) error {
	return s.setCounter(ctx, fileID, "ioc_match_count", count)
}

func (s *SQLiteCaseFileStorage) setCounter(ctx context.Context, fileID, column string, count int64) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	// column is one of three compile-time constants, never caller input.
	res, err := s.db.WriteDB.ExecContext(ctx,
		`UPDATE case_files SET `+column+` = ?, updated_at = ? WHERE id = ?`,
		count, time.Now().UTC(), fileID)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrFileNotFound
	}
	return nil
}

// SoftDelete flags the file deleted. The record stays for audit; the partial
// unique index ignores it, so the same bytes may be re-uploaded afterwards.
func (s *SQLiteCaseFileStorage) SoftDelete(ctx context.Context, fileID string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	res, err := s.db.WriteDB.ExecContext(ctx,
		`UPDATE case_files SET deleted = 1, updated_at = ? WHERE id = ? AND deleted = 0`,
		time.Now().UTC(), fileID)
	if err != nil {
		return fmt.Errorf("failed to soft-delete case file: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrFileNotFound
	}
	return nil
}

// SetHidden toggles the hidden flag. Orthogonal to stage progress.
func (s *SQLiteCaseFileStorage) SetHidden(ctx context.Context, fileID string, hidden bool) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	res, err := s.db.WriteDB.ExecContext(ctx,
		`UPDATE case_files SET hidden = ?, updated_at = ? WHERE id = ? AND deleted = 0`,
		boolToInt(hidden), time.Now().UTC(), fileID)
	if err != nil {
		return fmt.Errorf("failed to update hidden flag: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrFileNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInto(sc rowScanner) (*core.CaseFile, error) {
	var f core.CaseFile
	var status string
	var deleted, hidden int
	err := sc.Scan(
		&f.ID, &f.CaseID, &f.Filename, &f.ContentHash, &f.Size, &status,
		&f.ErrorMessage, &f.EventCount, &f.ViolationCount, &f.IOCMatchCount,
		&f.Origin, &f.StoragePath, &deleted, &hidden, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	f.Status = core.FileStatus(status)
	f.Deleted = deleted != 0
	f.Hidden = hidden != 0
	return &f, nil
}

func scanCaseFile(row *sql.Row) (*core.CaseFile, error) {
	f, err := scanInto(row)
	if err == sql.ErrNoRows {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan case file: %w", err)
	}
	return f, nil
}

func scanCaseFileRows(rows *sql.Rows) (*core.CaseFile, error) {
	return scanInto(rows)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
