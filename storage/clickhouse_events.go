package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"custodian/core"
	"custodian/metrics"

	"go.uber.org/zap"
)

// ClickHouseEventStorage implements EventStore: the per-case search/index
// backend for parsed events.
//
// The events table uses SummingMergeTree keyed by (case_id, file_id,
// event_id): re-inserted rows with an identical key accumulate their
// repeat_count on merge, which is what backs the global-dedup repeat counter
// for highly repetitive sources. Counting queries use countDistinct so the
// result does not depend on background merge progress.
type ClickHouseEventStorage struct {
	clickhouse *ClickHouse
	logger     *zap.SugaredLogger
}

// NewClickHouseEventStorage creates the event store and ensures the schema.
func NewClickHouseEventStorage(ctx context.Context, clickhouse *ClickHouse, logger *zap.SugaredLogger) (*ClickHouseEventStorage, error) {
	s := &ClickHouseEventStorage{clickhouse: clickhouse, logger: logger}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure events schema: %w", err)
	}
	return s, nil
}

func (s *ClickHouseEventStorage) ensureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	query := `
	CREATE TABLE IF NOT EXISTS events (
		event_id String,
		case_id LowCardinality(String),
		file_id String,
		ordinal UInt64,
		timestamp DateTime64(3, 'UTC'),
		provider LowCardinality(String),
		channel LowCardinality(String),
		record_id UInt64,
		fields String,
		raw_data String,
		repeat_count UInt64,
		ingested_at DateTime64(3, 'UTC'),
		INDEX idx_event_id event_id TYPE bloom_filter(0.01) GRANULARITY 1
	) ENGINE = SummingMergeTree((repeat_count))
	PARTITION BY case_id
	ORDER BY (case_id, file_id, event_id)
	SETTINGS index_granularity = 8192
	`
	return s.clickhouse.Conn.Exec(ctx, query)
}

// InsertBatch bulk-writes one batch of indexed events.
func (s *ClickHouseEventStorage) InsertBatch(ctx context.Context, events []*core.IndexedEvent) error {
	if len(events) == 0 {
		return nil
	}

	start := time.Now()
	batch, err := s.clickhouse.Conn.PrepareBatch(ctx, `
		INSERT INTO events (
			event_id, case_id, file_id, ordinal, timestamp, provider, channel,
			record_id, fields, raw_data, repeat_count, ingested_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare event batch: %w", err)
	}

	for _, event := range events {
		fieldsData := ""
		if len(event.Fields) > 0 {
			if data, err := json.Marshal(event.Fields); err == nil {
				fieldsData = string(data)
			}
		}
		repeat := event.RepeatCount
		if repeat == 0 {
			repeat = 1
		}
		ingested := event.IngestedAt
		if ingested.IsZero() {
			ingested = time.Now().UTC()
		}
		if err := batch.Append(
			event.EventID,
			event.CaseID,
			event.FileID,
			event.Ordinal,
			event.Timestamp,
			event.Provider,
			event.Channel,
			event.RecordID,
			fieldsData,
			string(event.RawData),
			repeat,
			ingested,
		); err != nil {
			return fmt.Errorf("failed to append event %s: %w", event.EventID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send event batch: %w", err)
	}

	metrics.EventsIndexed.Add(float64(len(events)))
	duration := time.Since(start)
	s.logger.Debugf("Inserted %d events in %v (%.0f events/sec)",
		len(events), duration, float64(len(events))/duration.Seconds())
	return nil
}

// DeleteForFile removes every document attributed to the file. Lightweight
// deletes mark rows immediately; subsequent reads no longer see them, which
// is what makes this safe as the precondition to re-indexing.
func (s *ClickHouseEventStorage) DeleteForFile(ctx context.Context, caseID, fileID string) error {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	err := s.clickhouse.Conn.Exec(ctx,
		`DELETE FROM events WHERE case_id = ? AND file_id = ?`, caseID, fileID)
	if err != nil {
		return fmt.Errorf("failed to delete events for file %s: %w", fileID, err)
	}
	return nil
}

// CountForFile returns the number of distinct indexed records for the file.
func (s *ClickHouseEventStorage) CountForFile(ctx context.Context, caseID, fileID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var count uint64
	err := s.clickhouse.Conn.QueryRow(ctx,
		`SELECT countDistinct(event_id) FROM events WHERE case_id = ? AND file_id = ?`,
		caseID, fileID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count events for file %s: %w", fileID, err)
	}
	return int64(count), nil
}

// SearchFieldEquals finds events in the file whose named field equals value,
// case-insensitively. The fields column holds the flattened record as JSON;
// JSONExtractString targets one key.
func (s *ClickHouseEventStorage) SearchFieldEquals(ctx context.Context, caseID, fileID, field, value string) ([]FieldHit, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := s.clickhouse.Conn.Query(ctx, `
		SELECT DISTINCT event_id FROM events
		WHERE case_id = ? AND file_id = ?
		  AND lowerUTF8(JSONExtractString(fields, ?)) = lowerUTF8(?)`,
		caseID, fileID, field, value)
	if err != nil {
		return nil, fmt.Errorf("failed to search field %s: %w", field, err)
	}
	defer rows.Close()

	hits := make([]FieldHit, 0)
	for rows.Next() {
		var eventID string
		if err := rows.Scan(&eventID); err != nil {
			return nil, fmt.Errorf("failed to scan field hit: %w", err)
		}
		hits = append(hits, FieldHit{EventID: eventID, Field: field})
	}
	return hits, rows.Err()
}

// SearchRawContains finds events whose raw record contains value, for
// indicator types with no structured field target.
func (s *ClickHouseEventStorage) SearchRawContains(ctx context.Context, caseID, fileID, value string) ([]FieldHit, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := s.clickhouse.Conn.Query(ctx, `
		SELECT DISTINCT event_id FROM events
		WHERE case_id = ? AND file_id = ?
		  AND positionCaseInsensitiveUTF8(raw_data, ?) > 0`,
		caseID, fileID, value)
	if err != nil {
		return nil, fmt.Errorf("failed to search raw data: %w", err)
	}
	defer rows.Close()

	hits := make([]FieldHit, 0)
	for rows.Next() {
		var eventID string
		if err := rows.Scan(&eventID); err != nil {
			return nil, fmt.Errorf("failed to scan raw hit: %w", err)
		}
		hits = append(hits, FieldHit{EventID: eventID, Field: "raw_data"})
	}
	return hits, rows.Err()
}
