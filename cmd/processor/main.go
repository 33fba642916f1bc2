package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dualzone/chstore/internal/chdb"
	"github.com/dualzone/chstore/internal/checkpoint"
	"github.com/dualzone/chstore/internal/coordinator"
	"github.com/dualzone/chstore/internal/entity"
	"github.com/dualzone/chstore/internal/migration"
	"github.com/dualzone/chstore/internal/obs"
	"github.com/dualzone/chstore/internal/reconcile"
	"github.com/dualzone/chstore/internal/registry"
	"github.com/dualzone/chstore/internal/reorg"
	"github.com/dualzone/chstore/internal/zone"
)

// main wires the dual-zone storage engine's core components into a
// long-running process. The block-producer pipeline that calls
// TransactFinal/TransactHot is an external collaborator (spec.md §1); this
// binary only owns connection setup, migrations, the metrics server, and
// graceful shutdown, the same shape as the teacher's worker entrypoint.
func main() {
	if err := obs.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize metrics: %v\n", err)
		os.Exit(1)
	}

	logger := obs.ForProcessor(os.Getenv("PROCESSOR_ID"))
	logger.Info("starting chstore processor")

	go func() {
		if err := obs.StartMetricsServer(); err != nil {
			logger.Error("metrics server failed", "error", err.Error())
			os.Exit(1)
		}
	}()

	ctx := context.Background()
	coord, pool, sqlPool, err := buildCoordinator(ctx)
	if err != nil {
		logger.Error("failed to build coordinator", "error", err.Error())
		os.Exit(1)
	}
	defer pool.Close()
	defer sqlPool.Close()

	if err := coord.Connect(ctx); err != nil {
		logger.Error("initial connect failed", "error", err.Error())
		os.Exit(1)
	}
	logger.Info("processor ready", "state", coord.State().String())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigChan
	logger.Info("received signal", "signal", sig.String())

	coord.Disconnect()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	<-shutdownCtx.Done()

	logger.Info("processor shutdown complete")
}

func buildCoordinator(ctx context.Context) (*coordinator.Coordinator, *chdb.Pool, *chdb.SQLPool, error) {
	network := envOrDefault("NETWORK", "eth-mainnet")
	processorID := envOrDefault("PROCESSOR_ID", network)
	hotBlocksDepth := envUint("HOT_BLOCKS_DEPTH", 128)
	finalityDepth := envUint("FINALITY_DEPTH", 64)
	migrationsPath := envOrDefault("MIGRATIONS_PATH", "migrations")

	chConfig := chdb.NewConfigWithDefaults(
		envList("CH_ADDR", []string{"localhost:9000"}),
		envOrDefault("CH_DATABASE", "default"),
		envOrDefault("CH_USER", "default"),
		os.Getenv("CH_PASSWORD"),
	)

	logger := obs.ForProcessor(processorID)

	pool, err := chdb.NewPool(ctx, chConfig, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect native pool: %w", err)
	}

	sqlPool, err := chdb.NewSQLPool(ctx, chConfig, logger)
	if err != nil {
		_ = pool.Close()
		return nil, nil, nil, fmt.Errorf("connect sql pool: %w", err)
	}

	if err := chdb.RunMigrations(chConfig, migrationsPath, logger); err != nil {
		return nil, nil, nil, fmt.Errorf("run migrations: %w", err)
	}

	schema, err := loadSchema(os.Getenv("SCHEMA_PATH"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load schema: %w", err)
	}

	reg := registry.New(sqlPool, processorID, finalityDepth)
	if err := reg.Initialize(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("initialize registry: %w", err)
	}

	cps := checkpoint.New(sqlPool, processorID)
	if err := cps.EnsureTables(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("ensure checkpoint tables: %w", err)
	}

	router := zone.NewRouter(network, schema)
	reorgEngine := reorg.New(reg)
	reconciler := reconcile.New(reg, cps, pool, schema, network)

	migrationEngine := migration.New(pool, cps, reg, schema, migration.Config{
		Network:        network,
		HotBlocksDepth: hotBlocksDepth,
		Trigger:        migration.TriggerEveryNBlocks,
		TriggerEveryN:  envUint("MIGRATION_TRIGGER_EVERY_N", 1000),
	}, nil)

	coord := coordinator.New(
		coordinator.Config{HotBlocksDepth: hotBlocksDepth, AutoMigrate: true},
		reg,
		cps,
		reconciler,
		reorgEngine,
		migrationEngine,
		router,
		pool,
		nil,
		func(ctx context.Context, result migration.Result) {
			logger.Info("migration run completed",
				"migrated", result.Migrated, "cutoff_height", result.CutoffHeight, "duration_ms", result.DurationMs)
		},
	)

	return coord, pool, sqlPool, nil
}

// loadSchema reads the managed-table schema from a JSON file. Schema file
// loading is an external collaborator (spec.md §1); this is a minimal
// reader, not the format's definition.
func loadSchema(path string) (*entity.StaticSchema, error) {
	if path == "" {
		return entity.NewStaticSchema(nil), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file %s: %w", path, err)
	}
	var descriptors []entity.TableDescriptor
	if err := json.Unmarshal(data, &descriptors); err != nil {
		return nil, fmt.Errorf("parse schema file %s: %w", path, err)
	}
	return entity.NewStaticSchema(descriptors), nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envUint(key string, fallback uint64) uint64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	return out
}
