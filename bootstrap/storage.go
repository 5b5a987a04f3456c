package bootstrap

import (
	"context"
	"fmt"
	"time"

	"custodian/config"
	"custodian/queue"
	"custodian/storage"

	"go.uber.org/zap"
)

// StorageComponents groups the initialized stores.
type StorageComponents struct {
	SQLite     *storage.SQLite
	ClickHouse *storage.ClickHouse
	Files      *storage.SQLiteCaseFileStorage
	Violations *storage.SQLiteViolationStorage
	IOCs       *storage.SQLiteIOCStorage
	Events     *storage.ClickHouseEventStorage
}

// InitStorage connects both storage backends and builds the stores on top.
func InitStorage(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (*StorageComponents, error) {
	sqlite, err := storage.NewSQLite(cfg.DataPaths.SQLitePath, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize status database: %w", err)
	}

	clickhouse, err := storage.NewClickHouse(cfg, sugar)
	if err != nil {
		_ = sqlite.Close()
		return nil, fmt.Errorf("failed to initialize index backend: %w", err)
	}

	events, err := storage.NewClickHouseEventStorage(ctx, clickhouse, sugar)
	if err != nil {
		_ = sqlite.Close()
		_ = clickhouse.Close()
		return nil, fmt.Errorf("failed to initialize event storage: %w", err)
	}

	return &StorageComponents{
		SQLite:     sqlite,
		ClickHouse: clickhouse,
		Files:      storage.NewSQLiteCaseFileStorage(sqlite, sugar),
		Violations: storage.NewSQLiteViolationStorage(sqlite, sugar),
		IOCs:       storage.NewSQLiteIOCStorage(sqlite, sugar),
		Events:     events,
	}, nil
}

// Close shuts the storage backends down.
func (s *StorageComponents) Close() {
	if s.ClickHouse != nil {
		_ = s.ClickHouse.Close()
	}
	if s.SQLite != nil {
		_ = s.SQLite.Close()
	}
}

// InitQueue connects the durable task queue and verifies the connection.
func InitQueue(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (*queue.Queue, error) {
	q := queue.New(
		cfg.Redis.Addr,
		cfg.Redis.Password,
		cfg.Redis.DB,
		cfg.Redis.PoolSize,
		cfg.Pipeline.LeaseTimeout,
		cfg.Pipeline.MaxRetries,
		sugar,
	)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := q.Ping(pingCtx); err != nil {
		_ = q.Close()
		return nil, fmt.Errorf("failed to connect to task queue at %s: %w", cfg.Redis.Addr, err)
	}
	sugar.Infow("Task queue connected", "addr", cfg.Redis.Addr)
	return q, nil
}
