// Package migration implements the migration engine (spec.md §4.6):
// promotes rows that have fallen out of the unfinalized window from the
// hot tables to the cold tables, using server-side copy and lightweight
// delete so no row ever round-trips through the client by default.
package migration

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	chdriver "github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/dualzone/chstore/internal/chain"
	"github.com/dualzone/chstore/internal/entity"
	"github.com/dualzone/chstore/internal/obs"
)

// CheckpointSaver is the subset of checkpoint.Store the engine needs:
// persisting the cold cursor once a run successfully promotes rows.
type CheckpointSaver interface {
	SaveCold(ctx context.Context, height int64, hash string) error
}

// Store is the native-driver surface the migration engine needs: server-
// side SQL for count/copy/delete, plus batch insert for the transform
// path. *chdb.Pool satisfies this via its embedded driver.Conn.
type Store interface {
	Exec(ctx context.Context, query string, args ...any) error
	Query(ctx context.Context, query string, args ...any) (chdriver.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) chdriver.Row
	PrepareBatch(ctx context.Context, query string, opts ...chdriver.PrepareBatchOption) (chdriver.Batch, error)
}

// TriggerPolicy selects when the coordinator should invoke the migration
// engine, per spec.md §4.6.
type TriggerPolicy int

const (
	// TriggerEveryNBlocks fires after N new blocks processed at tip
	// (the default).
	TriggerEveryNBlocks TriggerPolicy = iota
	// TriggerOnFinalityAdvance fires every time finalizedHeight advances.
	TriggerOnFinalityAdvance
)

// Config controls one processor's migration behavior.
type Config struct {
	Network        string
	HotBlocksDepth uint64
	Trigger        TriggerPolicy
	// TriggerEveryN is consulted only when Trigger == TriggerEveryNBlocks.
	TriggerEveryN uint64
}

// TransformFunc optionally rewrites a row in flight from hot to cold. It
// receives the row as column name -> value and may return fewer rows
// (filtering) or none. Supplying one switches step 4c from a server-side
// copy to a client round-trip.
type TransformFunc func(ctx context.Context, row map[string]any) (map[string]any, bool, error)

// RegistryHasher is the subset of registry.Registry the engine needs to
// resolve a cutoff height's hash when the hot chain has already pruned it.
type RegistryHasher interface {
	HashAtHeight(height uint64) (string, bool)
}

// Engine runs hot-to-cold promotion for every hot-supported managed table.
type Engine struct {
	pool        Store
	checkpoints CheckpointSaver
	registry    RegistryHasher
	schema      entity.SchemaSource
	config      Config
	transform   TransformFunc

	mu                       sync.Mutex
	lastMigrationHeight      int64
	blocksSinceLastMigration uint64
	totalRuns                uint64
	totalRowsMigrated        uint64
}

// New constructs a migration Engine. transform may be nil.
func New(pool Store, checkpoints CheckpointSaver, registry RegistryHasher, schema entity.SchemaSource, config Config, transform TransformFunc) *Engine {
	return &Engine{
		pool:                pool,
		checkpoints:         checkpoints,
		registry:            registry,
		schema:              schema,
		config:              config,
		transform:           transform,
		lastMigrationHeight: -1,
	}
}

// TableResult records how many rows one table contributed to a run.
type TableResult struct {
	Name string
	Rows int
}

// Result is the contract returned to the coordinator's afterMigration
// hook, per spec.md §4.6.
type Result struct {
	Migrated     int
	CutoffHeight int64
	DurationMs   int64
	Tables       []TableResult
}

// hotSupportedKinds returns the managed kinds with a hot/cold split, in
// schema discovery order.
func (e *Engine) hotSupportedKinds() []entity.Kind {
	var kinds []entity.Kind
	for _, k := range e.schema.Kinds() {
		if d, ok := e.schema.Describe(k); ok && d.HasHotCold {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// OnBlockProcessed notifies the engine a block was processed at tip, for
// the TriggerEveryNBlocks policy. It returns whether a run should now
// fire.
func (e *Engine) OnBlockProcessed() bool {
	if e.config.Trigger != TriggerEveryNBlocks {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.blocksSinceLastMigration++
	return e.blocksSinceLastMigration >= e.config.TriggerEveryN
}

// OnFinalityAdvanced notifies the engine finalizedHeight moved forward,
// for the TriggerOnFinalityAdvance policy.
func (e *Engine) OnFinalityAdvanced() bool {
	return e.config.Trigger == TriggerOnFinalityAdvance
}

// Run executes the migration algorithm from spec.md §4.6. Preconditions
// (isAtChainTip true, hot-supported tables non-empty) are the caller's
// responsibility to check before calling Run.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	start := time.Now()

	kinds := e.hotSupportedKinds()
	if len(kinds) == 0 {
		return Result{Migrated: 0, CutoffHeight: -1}, nil
	}

	repDesc, _ := e.schema.Describe(kinds[0])
	repHotTable := repDesc.PhysicalName(e.config.Network, entity.ZoneHot)

	maxHeight, empty, err := e.maxHeight(ctx, repHotTable, repDesc.HeightColumn)
	if err != nil {
		return Result{}, err
	}
	if empty {
		return Result{Migrated: 0, CutoffHeight: -1}, nil
	}

	cutoff := maxHeight - int64(e.config.HotBlocksDepth)

	e.mu.Lock()
	lastHeight := e.lastMigrationHeight
	e.mu.Unlock()
	if cutoff <= lastHeight {
		return Result{Migrated: 0, CutoffHeight: cutoff}, nil
	}

	tables := make([]TableResult, 0, len(kinds))
	total := 0
	failed := false
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, kind := range kinds {
		kind := kind
		wg.Add(1)
		go func() {
			defer wg.Done()
			rows, err := e.migrateTable(ctx, kind, cutoff)
			if err != nil {
				obs.Error("migration table failed, skipping", "table", string(kind), "error", err.Error())
				mu.Lock()
				failed = true
				mu.Unlock()
				return
			}
			if rows == 0 {
				return
			}
			desc, _ := e.schema.Describe(kind)
			mu.Lock()
			tables = append(tables, TableResult{Name: desc.PhysicalName(e.config.Network, entity.ZoneHot), Rows: rows})
			total += rows
			mu.Unlock()
			obs.MigrationRowsMoved.WithLabelValues(string(kind)).Add(float64(rows))
		}()
	}
	wg.Wait()

	if failed {
		obs.Warn("cold checkpoint not advanced: a table failed to migrate", "cutoff", cutoff)
	} else if cutoffHash := e.resolveCutoffHash(ctx, cutoff, repDesc, repDesc.PhysicalName(e.config.Network, entity.ZoneCold)); cutoffHash != "" {
		if err := e.checkpoints.SaveCold(ctx, cutoff, cutoffHash); err != nil {
			obs.Error("saveCold failed after migration", "cutoff", cutoff, "error", err.Error())
		}
	}

	e.mu.Lock()
	e.lastMigrationHeight = cutoff
	e.blocksSinceLastMigration = 0
	e.totalRuns++
	e.totalRowsMigrated += uint64(total)
	e.mu.Unlock()

	obs.MigrationRuns.Inc()
	duration := time.Since(start)
	obs.MigrationDuration.Observe(duration.Seconds())

	obs.Info("migration run complete",
		"cutoff", cutoff, "rows_migrated", total, "tables", len(tables), "duration_ms", duration.Milliseconds())

	return Result{
		Migrated:     total,
		CutoffHeight: cutoff,
		DurationMs:   duration.Milliseconds(),
		Tables:       tables,
	}, nil
}

func (e *Engine) maxHeight(ctx context.Context, table, heightCol string) (height int64, empty bool, err error) {
	var nullable sql.NullInt64
	row := e.pool.QueryRow(ctx, fmt.Sprintf("SELECT max(%s) FROM %s", heightCol, table))
	if err := row.Scan(&nullable); err != nil {
		if isUnknownTableErr(err) {
			return 0, true, nil
		}
		return 0, false, fmt.Errorf("%w: reading max height from %s: %v", chain.ErrTransientIO, table, err)
	}
	if !nullable.Valid {
		return 0, true, nil
	}
	return nullable.Int64, false, nil
}

// migrateTable runs count -> copy -> delete for one table. A per-table
// failure is returned to the caller, which logs and skips it; other
// tables proceed independently.
func (e *Engine) migrateTable(ctx context.Context, kind entity.Kind, cutoff int64) (int, error) {
	desc, ok := e.schema.Describe(kind)
	if !ok {
		return 0, fmt.Errorf("%w: %s", chain.ErrUnknownTable, kind)
	}
	hotTable := desc.PhysicalName(e.config.Network, entity.ZoneHot)
	coldTable := desc.PhysicalName(e.config.Network, entity.ZoneCold)

	var count int64
	row := e.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT count() FROM %s WHERE %s <= ?", hotTable, desc.HeightColumn), cutoff)
	if err := row.Scan(&count); err != nil {
		if isUnknownTableErr(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("count rows in %s: %w", hotTable, err)
	}
	if count == 0 {
		return 0, nil
	}

	if e.transform != nil {
		if err := e.migrateWithTransform(ctx, hotTable, coldTable, desc.HeightColumn, cutoff); err != nil {
			return 0, err
		}
	} else {
		copyQuery := fmt.Sprintf("INSERT INTO %s SELECT * FROM %s WHERE %s <= ?", coldTable, hotTable, desc.HeightColumn)
		if err := e.pool.Exec(ctx, copyQuery, cutoff); err != nil {
			return 0, fmt.Errorf("copy %s -> %s: %w", hotTable, coldTable, err)
		}
	}

	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE %s <= ?", hotTable, desc.HeightColumn)
	if err := e.pool.Exec(ctx, deleteQuery, cutoff); err != nil {
		return 0, fmt.Errorf("delete promoted rows from %s: %w", hotTable, err)
	}

	return int(count), nil
}

// migrateWithTransform streams rows from hotTable, applies the transform
// hook, and inserts survivors into coldTable via a native batch. This is
// the client-round-trip path spec.md §4.6 calls out as the alternative to
// server-side copy.
func (e *Engine) migrateWithTransform(ctx context.Context, hotTable, coldTable, heightCol string, cutoff int64) error {
	rows, err := e.pool.Query(ctx, fmt.Sprintf("SELECT * FROM %s WHERE %s <= ?", hotTable, heightCol), cutoff)
	if err != nil {
		return fmt.Errorf("stream %s for transform: %w", hotTable, err)
	}
	defer rows.Close()

	columnNames := rows.Columns()
	batch, err := e.pool.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s", coldTable))
	if err != nil {
		return fmt.Errorf("prepare transform batch into %s: %w", coldTable, err)
	}

	for rows.Next() {
		values := make([]any, len(columnNames))
		ptrs := make([]any, len(columnNames))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("scan row from %s: %w", hotTable, err)
		}

		record := make(map[string]any, len(columnNames))
		for i, name := range columnNames {
			record[name] = values[i]
		}

		transformed, keep, err := e.transform(ctx, record)
		if err != nil {
			return fmt.Errorf("transform row from %s: %w", hotTable, err)
		}
		if !keep {
			continue
		}

		ordered := make([]any, len(columnNames))
		for i, name := range columnNames {
			ordered[i] = transformed[name]
		}
		if err := batch.Append(ordered...); err != nil {
			return fmt.Errorf("append transformed row: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s for transform: %w", hotTable, err)
	}
	return batch.Send()
}

// resolveCutoffHash looks up cutoff's hash: in-memory registry first (the
// hot chain itself has likely already been pruned by the coordinator by
// the time migration runs), then falls back to the representative cold
// table (the hot copies of that height were just deleted) if it carries a
// hash column. A miss suppresses the cold-checkpoint update without
// failing the migration.
func (e *Engine) resolveCutoffHash(ctx context.Context, cutoff int64, repDesc entity.TableDescriptor, repColdTable string) string {
	if hash, ok := e.registry.HashAtHeight(uint64(cutoff)); ok {
		return hash
	}
	if repDesc.HashColumn == "" {
		return ""
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ? LIMIT 1", repDesc.HashColumn, repColdTable, repDesc.HeightColumn)
	row := e.pool.QueryRow(ctx, query, cutoff)
	var hash string
	if err := row.Scan(&hash); err != nil {
		return ""
	}
	return hash
}

// Stats returns a snapshot of the engine's lifetime counters.
func (e *Engine) Stats() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return map[string]any{
		"last_migration_height":      e.lastMigrationHeight,
		"blocks_since_last_migration": e.blocksSinceLastMigration,
		"total_runs":                 e.totalRuns,
		"total_rows_migrated":        e.totalRowsMigrated,
	}
}

func isUnknownTableErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unknown_table") ||
		strings.Contains(msg, "doesn't exist") ||
		strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "unknown table")
}
