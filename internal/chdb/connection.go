package chdb

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ClickHouse/clickhouse-go/v2"
	chdriver "github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Pool wraps a ClickHouse native-protocol connection for the core. It
// plays the same role the teacher's db.Pool plays for pgxpool: own the
// driver handle, verify connectivity at construction, and expose a health
// check for the coordinator's connect() path.
type Pool struct {
	chdriver.Conn
	config *Config
	logger *slog.Logger
}

// NewPool opens a ClickHouse connection pool and verifies it with a ping.
// A failure here is chain.ErrConnect territory for the caller: fatal, no
// state mutated.
func NewPool(ctx context.Context, config *Config, logger *slog.Logger) (*Pool, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid chdb config: %w", err)
	}

	logger.Info("connecting to clickhouse", slog.String("config", config.SafeString()))

	conn, err := clickhouse.Open(&clickhouse.Options{
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
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse connection: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	logger.Info("clickhouse connection established",
		slog.Int("max_open_conns", config.MaxOpenConns),
		slog.Duration("conn_lifetime", config.ConnMaxLifetime))

	return &Pool{Conn: conn, config: config, logger: logger}, nil
}

// Close releases the underlying connection.
func (p *Pool) Close() error {
	if p.Conn != nil {
		p.logger.Info("closing clickhouse connection")
		return p.Conn.Close()
	}
	return nil
}

// HealthCheck pings the server, wrapping the result for callers that want
// a uniform error regardless of which health signal fired.
func (p *Pool) HealthCheck(ctx context.Context) error {
	if err := p.Conn.Ping(ctx); err != nil {
		return fmt.Errorf("clickhouse health check failed: %w", err)
	}
	return nil
}
