// Package reconcile implements the stale-restart reconciler (spec.md
// §4.8): on every connect(), decides whether the live checkpoint can be
// trusted or must be rolled back to the cold cursor, since unfinalized
// state may have been reorged away while the producer was down. How long
// the producer was down is not considered: any hot blocks in the live
// checkpoint, or a live height above the cold cursor, trigger the rollback.
package reconcile

import (
	"context"
	"database/sql"
	"fmt"

	chdriver "github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/dualzone/chstore/internal/checkpoint"
	"github.com/dualzone/chstore/internal/entity"
	"github.com/dualzone/chstore/internal/obs"
)

// RegistryClearer is the subset of registry.Registry the reconciler needs.
type RegistryClearer interface {
	Clear(ctx context.Context) error
}

// CheckpointStore is the subset of checkpoint.Store the reconciler needs.
type CheckpointStore interface {
	LoadLive(ctx context.Context) (checkpoint.Live, error)
	SaveLive(ctx context.Context, state checkpoint.Live) error
	LoadCold(ctx context.Context) (checkpoint.Cold, bool, error)
}

// Truncator is the native-driver surface needed to drop hot-table
// contents and query a fallback cold height.
type Truncator interface {
	Exec(ctx context.Context, query string, args ...any) error
	QueryRow(ctx context.Context, query string, args ...any) chdriver.Row
}

// Reconciler runs the stale-restart check for one processorId.
type Reconciler struct {
	registry    RegistryClearer
	checkpoints CheckpointStore
	store       Truncator
	schema      entity.SchemaSource
	network     string
}

// New constructs a Reconciler.
func New(registry RegistryClearer, checkpoints CheckpointStore, store Truncator, schema entity.SchemaSource, network string) *Reconciler {
	return &Reconciler{registry: registry, checkpoints: checkpoints, store: store, schema: schema, network: network}
}

// Reconcile runs the spec.md §4.8 algorithm and returns the state the
// producer should resume from.
func (r *Reconciler) Reconcile(ctx context.Context) (checkpoint.Live, error) {
	live, err := r.checkpoints.LoadLive(ctx)
	if err != nil {
		return checkpoint.Live{}, fmt.Errorf("reconcile: loadLive: %w", err)
	}

	cold, err := r.resolveCold(ctx)
	if err != nil {
		return checkpoint.Live{}, fmt.Errorf("reconcile: loadCold: %w", err)
	}

	if len(live.HotBlocks) == 0 && live.Height <= cold.Height {
		obs.Info("reconciler: live checkpoint trusted, no reconciliation required",
			"network", r.network, "live_height", live.Height, "cold_height", cold.Height)
		return live, nil
	}

	obs.Warn("reconciler: rolling back to cold cursor",
		"network", r.network, "live_height", live.Height, "live_hot_blocks", len(live.HotBlocks), "cold_height", cold.Height)

	if err := r.registry.Clear(ctx); err != nil {
		return checkpoint.Live{}, fmt.Errorf("reconcile: clear registry: %w", err)
	}

	if err := r.truncateHotTables(ctx); err != nil {
		return checkpoint.Live{}, fmt.Errorf("reconcile: truncate hot tables: %w", err)
	}

	fresh := checkpoint.Live{
		Height:          cold.Height,
		Hash:            cold.Hash,
		HotBlocks:       nil,
		FinalizedHeight: cold.Height,
	}
	if err := r.checkpoints.SaveLive(ctx, fresh); err != nil {
		return checkpoint.Live{}, fmt.Errorf("reconcile: saveLive: %w", err)
	}

	obs.Info("reconciler: reconciliation complete", "network", r.network, "new_height", fresh.Height)
	return fresh, nil
}

// resolveCold loads the cold checkpoint, falling back to max(height) (with
// an empty hash) when no checkpoint row exists yet. The fallback tries the
// hot-supported kinds' cold tables in schema discovery order and uses the
// first one that yields a height; tables that error or are empty are
// skipped.
func (r *Reconciler) resolveCold(ctx context.Context) (checkpoint.Cold, error) {
	cold, ok, err := r.checkpoints.LoadCold(ctx)
	if err != nil {
		return checkpoint.Cold{}, err
	}
	if ok {
		return cold, nil
	}

	kinds := r.schema.Kinds()
	for _, k := range kinds {
		desc, ok := r.schema.Describe(k)
		if !ok || !desc.HasHotCold {
			continue
		}
		coldTable := desc.PhysicalName(r.network, entity.ZoneCold)
		var height sql.NullInt64
		rowResult := r.store.QueryRow(ctx, fmt.Sprintf("SELECT max(%s) FROM %s", desc.HeightColumn, coldTable))
		if err := rowResult.Scan(&height); err != nil {
			continue
		}
		if height.Valid {
			return checkpoint.Cold{Height: height.Int64, Hash: ""}, nil
		}
	}
	return checkpoint.Cold{Height: -1, Hash: ""}, nil
}

func (r *Reconciler) truncateHotTables(ctx context.Context) error {
	var firstErr error
	for _, k := range r.schema.Kinds() {
		desc, ok := r.schema.Describe(k)
		if !ok || !desc.HasHotCold {
			continue
		}
		hotTable := desc.PhysicalName(r.network, entity.ZoneHot)
		if err := r.store.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE IF EXISTS %s", hotTable)); err != nil {
			obs.Error("reconciler: failed to truncate hot table", "table", hotTable, "error", err.Error())
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
