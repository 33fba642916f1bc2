//go:build integration

// Package test holds integration-test infrastructure shared across
// package boundaries: a ClickHouse testcontainer harness, built only with
// the integration tag. No test in this repository uses it.
package test

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	chmodule "github.com/testcontainers/testcontainers-go/modules/clickhouse"

	"github.com/dualzone/chstore/internal/chdb"
)

// TestDatabase holds a running ClickHouse container plus both connection
// pools the core needs (native for batch writes, sql for meddler-based
// row scanning).
type TestDatabase struct {
	Pool      *chdb.Pool
	SQLPool   *chdb.SQLPool
	Container *chmodule.ClickHouseContainer
	Config    *chdb.Config
}

// SetupTestDB starts a ClickHouse container and opens both pools against
// it. Returns a cleanup function that should be called with defer.
func SetupTestDB(t *testing.T) (*TestDatabase, func()) {
	t.Helper()

	ctx := context.Background()

	container, err := chmodule.Run(ctx, "clickhouse/clickhouse-server:24.8-alpine",
		chmodule.WithDatabase("chstore_test"),
		chmodule.WithUsername("test_user"),
		chmodule.WithPassword("test_password"),
	)
	if err != nil {
		t.Fatalf("failed to start clickhouse container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "9000/tcp")
	if err != nil {
		t.Fatalf("failed to get mapped native port: %v", err)
	}

	config := chdb.NewConfigWithDefaults(
		[]string{fmt.Sprintf("%s:%s", host, port.Port())},
		"chstore_test",
		"test_user",
		"test_password",
	)

	logger := slog.New(slog.NewTextHandler(testLogWriter{t}, nil))

	pool, err := waitForPool(ctx, config, logger)
	if err != nil {
		t.Fatalf("failed to open native pool: %v", err)
	}

	sqlPool, err := chdb.NewSQLPool(ctx, config, logger)
	if err != nil {
		t.Fatalf("failed to open sql pool: %v", err)
	}

	db := &TestDatabase{Pool: pool, SQLPool: sqlPool, Container: container, Config: config}

	cleanup := func() {
		if sqlPool != nil {
			_ = sqlPool.Close()
		}
		if pool != nil {
			_ = pool.Close()
		}
		if container != nil {
			if err := container.Terminate(ctx); err != nil {
				t.Logf("failed to terminate clickhouse container: %v", err)
			}
		}
	}

	return db, cleanup
}

// waitForPool retries the native pool connection briefly: the container's
// readiness check accepts HTTP connections slightly before the native
// protocol port is ready to accept queries.
func waitForPool(ctx context.Context, config *chdb.Config, logger *slog.Logger) (*chdb.Pool, error) {
	var lastErr error
	for i := 0; i < 10; i++ {
		pool, err := chdb.NewPool(ctx, config, logger)
		if err == nil {
			return pool, nil
		}
		lastErr = err
		time.Sleep(500 * time.Millisecond)
	}
	return nil, lastErr
}

// TruncateAll drops every row from the named tables, leaving schema
// intact. Useful between subtests that share one container.
func TruncateAll(t *testing.T, db *TestDatabase, tables ...string) {
	t.Helper()
	ctx := context.Background()
	for _, table := range tables {
		if err := db.Pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE IF EXISTS %s", table)); err != nil {
			t.Fatalf("failed to truncate %s: %v", table, err)
		}
	}
}

type testLogWriter struct{ t *testing.T }

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}
