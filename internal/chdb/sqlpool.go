package chdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// SQLPool wraps the database/sql-compatible ClickHouse driver. The registry
// and checkpoint store scan rows with meddler, which is built against
// database/sql.Rows, so they get this pool instead of the native Pool used
// by the ingest buffer and migration engine for bulk batch writes.
type SQLPool struct {
	DB     *sql.DB
	config *Config
	logger *slog.Logger
}

// NewSQLPool opens the database/sql ClickHouse driver and verifies it with
// a ping, mirroring NewPool's contract.
func NewSQLPool(ctx context.Context, config *Config, logger *slog.Logger) (*SQLPool, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid chdb config: %w", err)
	}

	db := clickhouse.OpenDB(&clickhouse.Options{
		Addr: config.Addr,
		Auth: clickhouse.Auth{
			Database: config.Database,
			Username: config.User,
			Password: config.Password,
		},
		DialTimeout:     config.DialTimeout,
		MaxOpenConns:    config.MaxOpenConns,
		MaxIdleConns:    config.MaxIdleConns,
		ConnMaxLifetime: config.ConnMaxLifetime,
	})

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping clickhouse (sql driver): %w", err)
	}

	logger.Info("clickhouse sql-driver connection established", slog.String("config", config.SafeString()))
	return &SQLPool{DB: db, config: config, logger: logger}, nil
}

// Close releases the underlying *sql.DB.
func (p *SQLPool) Close() error {
	if p.DB != nil {
		p.logger.Info("closing clickhouse sql-driver connection")
		return p.DB.Close()
	}
	return nil
}
