package chdb

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/clickhouse"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// RunMigrations applies pending migrations that bootstrap the checkpoint
// and valid-blocks registry tables (§6 "Physical table naming"). Managed
// hot/cold table DDL is the excluded schema-file loader's job (spec.md §1);
// this only owns the core's own bookkeeping tables.
func RunMigrations(config *Config, migrationsPath string, logger *slog.Logger) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		return fmt.Errorf("logger cannot be nil")
	}
	if migrationsPath == "" {
		return fmt.Errorf("migrationsPath cannot be empty")
	}

	logger.Info("starting checkpoint/registry migrations",
		slog.String("migrations_path", migrationsPath),
		slog.String("database", config.Database))

	m, err := migrate.New(fmt.Sprintf("file://%s", migrationsPath), config.MigrateDSN())
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("checkpoint/registry schema is up to date")
			return nil
		}
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		logger.Warn("failed to read migration version", slog.Any("error", err))
	} else {
		logger.Info("migrations completed", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
	}
	return nil
}
