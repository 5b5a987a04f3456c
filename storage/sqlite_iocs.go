package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"custodian/core"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SQLiteIOCStorage implements IOCStore on the status database.
type SQLiteIOCStorage struct {
	db     *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteIOCStorage creates the indicator store.
func NewSQLiteIOCStorage(db *SQLite, logger *zap.SugaredLogger) *SQLiteIOCStorage {
	return &SQLiteIOCStorage{db: db, logger: logger}
}

// CreateIOC validates and inserts one indicator.
func (s *SQLiteIOCStorage) CreateIOC(ctx context.Context, ioc *core.IOC) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := ioc.Validate(); err != nil {
		return fmt.Errorf("refusing to persist invalid ioc: %w", err)
	}
	if ioc.ID == "" {
		ioc.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if ioc.CreatedAt.IsZero() {
		ioc.CreatedAt = now
	}
	ioc.UpdatedAt = now

	_, err := s.db.WriteDB.ExecContext(ctx, `
		INSERT INTO iocs (id, case_id, type, value, description, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ioc.ID, ioc.CaseID, string(ioc.Type), ioc.Value, ioc.Description,
		boolToInt(ioc.Enabled), ioc.CreatedAt, ioc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert ioc: %w", err)
	}
	return nil
}

// GetIOC returns one indicator by id.
func (s *SQLiteIOCStorage) GetIOC(ctx context.Context, id string) (*core.IOC, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var ioc core.IOC
	var iocType string
	var enabled int
	err := s.db.ReadDB.QueryRowContext(ctx, `
		SELECT id, case_id, type, value, description, enabled, created_at, updated_at
		FROM iocs WHERE id = ?`, id).Scan(
		&ioc.ID, &ioc.CaseID, &iocType, &ioc.Value, &ioc.Description,
		&enabled, &ioc.CreatedAt, &ioc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrIOCNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ioc: %w", err)
	}
	ioc.Type = core.IOCType(iocType)
	ioc.Enabled = enabled != 0
	return &ioc, nil
}

// ListEnabledForCase returns the case's active indicator list.
func (s *SQLiteIOCStorage) ListEnabledForCase(ctx context.Context, caseID string) ([]core.IOC, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := s.db.ReadDB.QueryContext(ctx, `
		SELECT id, case_id, type, value, description, enabled, created_at, updated_at
		FROM iocs WHERE case_id = ? AND enabled = 1 ORDER BY created_at ASC`, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list iocs: %w", err)
	}
	defer rows.Close()

	iocs := make([]core.IOC, 0)
	for rows.Next() {
		var ioc core.IOC
		var iocType string
		var enabled int
		if err := rows.Scan(&ioc.ID, &ioc.CaseID, &iocType, &ioc.Value,
			&ioc.Description, &enabled, &ioc.CreatedAt, &ioc.UpdatedAt); err != nil {
			s.logger.Errorw("Failed to scan ioc row", "error", err)
			continue
		}
		ioc.Type = core.IOCType(iocType)
		ioc.Enabled = enabled != 0
		iocs = append(iocs, ioc)
	}
	return iocs, rows.Err()
}

// DeleteIOC removes one indicator. Existing matches keep their snapshot of
// the indicator value for audit.
func (s *SQLiteIOCStorage) DeleteIOC(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	res, err := s.db.WriteDB.ExecContext(ctx, `DELETE FROM iocs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete ioc: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrIOCNotFound
	}
	return nil
}

// DeleteMatchesForFile clears all IOC matches for the file before a re-hunt.
func (s *SQLiteIOCStorage) DeleteMatchesForFile(ctx context.Context, fileID string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := s.db.WriteDB.ExecContext(ctx,
		`DELETE FROM ioc_matches WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("failed to delete ioc matches for file %s: %w", fileID, err)
	}
	return nil
}

// InsertMatchSet writes the new match set in one transaction.
func (s *SQLiteIOCStorage) InsertMatchSet(ctx context.Context, matches []core.IOCMatch) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	tx, err := s.db.WriteDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin ioc match insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ioc_matches (id, case_id, file_id, event_id, ioc_id, ioc_type, ioc_value, matched_field, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare ioc match insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i := range matches {
		m := &matches[i]
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		if _, err := stmt.ExecContext(ctx,
			m.ID, m.CaseID, m.FileID, m.EventID, m.IOCID, string(m.IOCType),
			m.IOCValue, m.MatchedField, m.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert ioc match: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ioc match set: %w", err)
	}
	return nil
}

// ListMatchesForFile returns the file's IOC matches.
func (s *SQLiteIOCStorage) ListMatchesForFile(ctx context.Context, fileID string) ([]core.IOCMatch, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := s.db.ReadDB.QueryContext(ctx, `
		SELECT id, case_id, file_id, event_id, ioc_id, ioc_type, ioc_value, matched_field, created_at
		FROM ioc_matches WHERE file_id = ? ORDER BY created_at DESC`, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ioc matches: %w", err)
	}
	defer rows.Close()

	matches := make([]core.IOCMatch, 0)
	for rows.Next() {
		var m core.IOCMatch
		var iocType string
		if err := rows.Scan(&m.ID, &m.CaseID, &m.FileID, &m.EventID, &m.IOCID,
			&iocType, &m.IOCValue, &m.MatchedField, &m.CreatedAt); err != nil {
			s.logger.Errorw("Failed to scan ioc match row", "error", err)
			continue
		}
		m.IOCType = core.IOCType(iocType)
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// CountMatchesForFile returns the number of IOC matches for the file.
func (s *SQLiteIOCStorage) CountMatchesForFile(ctx context.Context, fileID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var count int64
	err := s.db.ReadDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ioc_matches WHERE file_id = ?`, fileID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count ioc matches: %w", err)
	}
	return count, nil
}
