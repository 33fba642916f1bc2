package chdb

import (
	"fmt"
	"time"
)

// Config holds connection settings for the ClickHouse cluster backing the
// dual-zone storage engine. Unlike the domain options in spec.md §6, these
// are plumbing, not processor behavior, so they're assembled by the caller
// (CLI/config-file loader, out of core scope) and passed in rather than
// read from the environment here.
type Config struct {
	// Addr lists ClickHouse native-protocol endpoints (host:port), tried
	// in order; clickhouse-go load-balances/retries across them.
	Addr []string

	// Database is the target database name.
	Database string

	// User/Password authenticate the connection.
	User     string
	Password string

	// MaxOpenConns bounds the connection pool (default 20).
	MaxOpenConns int

	// MaxIdleConns bounds idle pooled connections (default 10).
	MaxIdleConns int

	// DialTimeout bounds connection establishment (default 5s).
	DialTimeout time.Duration

	// ConnMaxLifetime bounds how long a pooled connection is reused (default 30m).
	ConnMaxLifetime time.Duration
}

// NewConfigWithDefaults fills in the timeout/pool fields a caller usually
// doesn't want to repeat, mirroring the teacher's NewConfigWithDefaults.
func NewConfigWithDefaults(addr []string, database, user, password string) *Config {
	return &Config{
		Addr:            addr,
		Database:        database,
		User:            user,
		Password:        password,
		MaxOpenConns:    20,
		MaxIdleConns:    10,
		DialTimeout:     5 * time.Second,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if len(c.Addr) == 0 {
		return fmt.Errorf("addr must contain at least one host:port")
	}
	if c.Database == "" {
		return fmt.Errorf("database must not be empty")
	}
	if c.MaxOpenConns <= 0 {
		return fmt.Errorf("max_open_conns must be > 0, got %d", c.MaxOpenConns)
	}
	return nil
}

// MigrateDSN builds the golang-migrate clickhouse:// connection string.
// Password is included but must never be logged; use SafeString for logs.
func (c *Config) MigrateDSN() string {
	addr := "localhost:9000"
	if len(c.Addr) > 0 {
		addr = c.Addr[0]
	}
	return fmt.Sprintf(
		"clickhouse://%s?database=%s&username=%s&password=%s&x-multi-statement=true",
		addr, c.Database, c.User, c.Password,
	)
}

// SafeString is safe for logging: the password is omitted.
func (c *Config) SafeString() string {
	return fmt.Sprintf(
		"clickhouse://%s@%v/%s (maxOpenConns=%d)",
		c.User, c.Addr, c.Database, c.MaxOpenConns,
	)
}
