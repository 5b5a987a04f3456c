package storage

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"time"

	"custodian/config"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// validDatabaseNameRegex ensures database names are safe from SQL injection
var validDatabaseNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// ClickHouse holds the index-backend connection.
type ClickHouse struct {
	Conn   driver.Conn
	Logger *zap.SugaredLogger
}

// NewClickHouse connects to the index backend and ensures the database
// exists.
func NewClickHouse(cfg *config.Config, logger *zap.SugaredLogger) (*ClickHouse, error) {
	if err := validateDatabaseName(cfg.ClickHouse.Database); err != nil {
		return nil, err
	}

	dialTimeout := time.Duration(cfg.ClickHouse.DialTimeout) * time.Second
	if dialTimeout == 0 {
		dialTimeout = 10 * time.Second
	}

	options := &clickhouse.Options{
		Addr: []string{cfg.ClickHouse.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.ClickHouse.Database,
			Username: cfg.ClickHouse.Username,
			Password: cfg.ClickHouse.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: dialTimeout,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		MaxOpenConns:     10,
		MaxIdleConns:     5,
		ConnMaxLifetime:  1 * time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
		DialContext: func(ctx context.Context, addr string) (net.Conn, error) {
			// TCP keepalive to detect broken connections.
			var d net.Dialer
			d.Timeout = dialTimeout
			d.KeepAlive = 30 * time.Second
			return d.DialContext(ctx, "tcp", addr)
		},
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	logger.Info("Connected to ClickHouse successfully")
	return &ClickHouse{Conn: conn, Logger: logger}, nil
}

// validateDatabaseName rejects database names that could smuggle SQL.
func validateDatabaseName(database string) error {
	if database == "" {
		return fmt.Errorf("database name cannot be empty")
	}
	if len(database) > 64 {
		return fmt.Errorf("database name too long (max 64 characters)")
	}
	if !validDatabaseNameRegex.MatchString(database) {
		return fmt.Errorf("database name contains invalid characters: %s", database)
	}
	return nil
}

// Close closes the connection.
func (ch *ClickHouse) Close() error {
	if ch.Conn == nil {
		return nil
	}
	return ch.Conn.Close()
}
