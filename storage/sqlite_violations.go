package storage

import (
	"context"
	"fmt"
	"time"

	"custodian/core"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SQLiteViolationStorage implements ViolationStore on the status database.
type SQLiteViolationStorage struct {
	db     *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteViolationStorage creates the violation store.
func NewSQLiteViolationStorage(db *SQLite, logger *zap.SugaredLogger) *SQLiteViolationStorage {
	return &SQLiteViolationStorage{db: db, logger: logger}
}

// DeleteForFile clears all violations for the file. This commit happens
// before the rule engine runs: a failed re-scan must leave zero results, not
// the previous run's.
func (s *SQLiteViolationStorage) DeleteForFile(ctx context.Context, fileID string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := s.db.WriteDB.ExecContext(ctx,
		`DELETE FROM violations WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("failed to delete violations for file %s: %w", fileID, err)
	}
	return nil
}

// InsertSet writes the new violation set in one transaction; the set is
// visible all at once or not at all.
func (s *SQLiteViolationStorage) InsertSet(ctx context.Context, violations []core.Violation) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	tx, err := s.db.WriteDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin violation insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO violations (id, case_id, file_id, event_id, rule_id, rule_title, severity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare violation insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i := range violations {
		v := &violations[i]
		if v.ID == "" {
			v.ID = uuid.New().String()
		}
		if v.CreatedAt.IsZero() {
			v.CreatedAt = now
		}
		if _, err := stmt.ExecContext(ctx,
			v.ID, v.CaseID, v.FileID, v.EventID, v.RuleID, v.RuleTitle,
			v.Severity, v.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert violation for rule %s: %w", v.RuleID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit violation set: %w", err)
	}
	return nil
}

// ListForFile returns the file's violations, newest rule hits first.
func (s *SQLiteViolationStorage) ListForFile(ctx context.Context, fileID string) ([]core.Violation, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := s.db.ReadDB.QueryContext(ctx, `
		SELECT id, case_id, file_id, event_id, rule_id, rule_title, severity, created_at
		FROM violations WHERE file_id = ? ORDER BY created_at DESC, rule_id ASC`, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to list violations: %w", err)
	}
	defer rows.Close()

	violations := make([]core.Violation, 0)
	for rows.Next() {
		var v core.Violation
		if err := rows.Scan(&v.ID, &v.CaseID, &v.FileID, &v.EventID,
			&v.RuleID, &v.RuleTitle, &v.Severity, &v.CreatedAt); err != nil {
			s.logger.Errorw("Failed to scan violation row", "error", err)
			continue
		}
		violations = append(violations, v)
	}
	return violations, rows.Err()
}

// CountForFile returns the number of violations recorded for the file.
func (s *SQLiteViolationStorage) CountForFile(ctx context.Context, fileID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var count int64
	err := s.db.ReadDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM violations WHERE file_id = ?`, fileID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count violations: %w", err)
	}
	return count, nil
}
