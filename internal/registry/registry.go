// Package registry implements the valid-blocks registry (spec.md §4.1): the
// metadata-only substitute for row deletion that lets queries over the
// unfinalized window filter orphaned rows by height/hash membership instead
// of physically removing them.
//
// The backing table is a ClickHouse ReplacingMergeTree keyed on
// (processor_id, height, hash) and versioned by timestamp, so duplicate
// inserts converge to "most recent write wins" the way spec.md §4.1
// requires. Rows are never read back row-by-row in the hot path — the
// whole table for a processorId is loaded into memory once at
// initialize() and kept there; buildFilter renders a SQL predicate against
// that in-memory snapshot.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/russross/meddler"

	"github.com/dualzone/chstore/internal/chain"
	"github.com/dualzone/chstore/internal/chdb"
	"github.com/dualzone/chstore/internal/obs"
)

// row is the meddler-mapped shape of one valid_blocks entry.
type row struct {
	ProcessorID string    `meddler:"processor_id"`
	Height      int64     `meddler:"height"`
	Hash        string    `meddler:"hash"`
	Timestamp   time.Time `meddler:"timestamp"`
}

// Registry is the in-memory valid-blocks cache backed by ClickHouse.
type Registry struct {
	db            *chdb.SQLPool
	processorID   string
	finalityDepth uint64

	mu      sync.RWMutex
	entries map[chain.BlockRef]struct{}
	heights []int64 // sorted ascending, kept in sync with entries
}

// New constructs a Registry. Call Initialize before using it.
func New(db *chdb.SQLPool, processorID string, finalityDepth uint64) *Registry {
	return &Registry{
		db:            db,
		processorID:   processorID,
		finalityDepth: finalityDepth,
		entries:       make(map[chain.BlockRef]struct{}),
	}
}

// Initialize ensures the backing table exists and loads every entry for
// this processorId into memory. Idempotent.
func (r *Registry) Initialize(ctx context.Context) error {
	if err := r.ensureTable(ctx); err != nil {
		return fmt.Errorf("%w: valid_blocks DDL: %v", chain.ErrSchema, err)
	}

	query := `
		SELECT processor_id, height, hash, timestamp
		FROM valid_blocks FINAL
		WHERE processor_id = ?
	`
	rows, err := r.db.DB.QueryContext(ctx, query, r.processorID)
	if err != nil {
		return fmt.Errorf("%w: loading valid_blocks: %v", chain.ErrTransientIO, err)
	}
	defer rows.Close()

	var loaded []row
	if err := meddler.ScanAll(rows, &loaded); err != nil {
		return fmt.Errorf("%w: scanning valid_blocks: %v", chain.ErrTransientIO, err)
	}

	r.mu.Lock()
	r.entries = make(map[chain.BlockRef]struct{}, len(loaded))
	r.heights = r.heights[:0]
	for _, l := range loaded {
		r.entries[chain.BlockRef{Height: uint64(l.Height), Hash: l.Hash}] = struct{}{}
	}
	r.resyncHeightsLocked()
	r.mu.Unlock()

	obs.Info("registry initialized", "processor_id", r.processorID, "count", len(loaded))
	return nil
}

func (r *Registry) ensureTable(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS valid_blocks (
			processor_id String,
			height Int64,
			hash String,
			timestamp DateTime64(3)
		) ENGINE = ReplacingMergeTree(timestamp)
		ORDER BY (processor_id, height, hash)
	`
	_, err := r.db.DB.ExecContext(ctx, ddl)
	return err
}

// AddBlock inserts {height, hash} into memory and persists it, then prunes
// entries with height < maxHeight - finalityDepth.
func (r *Registry) AddBlock(ctx context.Context, height uint64, hash string) error {
	return r.AddBlocks(ctx, []chain.BlockRef{{Height: height, Hash: hash}})
}

// AddBlocks is the batch form of AddBlock; prune uses the max height of
// the batch.
func (r *Registry) AddBlocks(ctx context.Context, blocks []chain.BlockRef) error {
	if len(blocks) == 0 {
		return nil
	}

	now := time.Now().UTC()
	var maxHeight uint64
	for _, b := range blocks {
		if b.Height > maxHeight {
			maxHeight = b.Height
		}
	}

	if err := r.insert(ctx, blocks, now); err != nil {
		return err
	}

	r.mu.Lock()
	for _, b := range blocks {
		r.entries[b] = struct{}{}
	}
	r.resyncHeightsLocked()
	r.mu.Unlock()

	pruneBelow := int64(maxHeight) - int64(r.finalityDepth)
	if pruneBelow > 0 {
		return r.pruneBelow(ctx, pruneBelow)
	}
	return nil
}

func (r *Registry) insert(ctx context.Context, blocks []chain.BlockRef, ts time.Time) error {
	tx, err := r.db.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin valid_blocks insert: %v", chain.ErrTransientIO, err)
	}
	defer tx.Rollback()

	for _, b := range blocks {
		rec := &row{ProcessorID: r.processorID, Height: int64(b.Height), Hash: b.Hash, Timestamp: ts}
		if err := meddler.Insert(tx, "valid_blocks", rec); err != nil {
			return fmt.Errorf("%w: insert valid_blocks row: %v", chain.ErrCheckpointWrite, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit valid_blocks insert: %v", chain.ErrCheckpointWrite, err)
	}
	return nil
}

// HandleReorg removes all entries with height >= fromHeight from memory
// and persistence, then inserts newBlocks. If the removal persists but the
// reinsert fails, the caller must rely on the next startup's reconciler to
// converge — this call does not attempt its own compensation.
func (r *Registry) HandleReorg(ctx context.Context, fromHeight uint64, newBlocks []chain.BlockRef) error {
	if _, err := r.db.DB.ExecContext(ctx,
		`ALTER TABLE valid_blocks DELETE WHERE processor_id = ? AND height >= ?`,
		r.processorID, int64(fromHeight)); err != nil {
		return fmt.Errorf("%w: delete orphaned valid_blocks: %v", chain.ErrReorgConsistency, err)
	}

	r.mu.Lock()
	for ref := range r.entries {
		if ref.Height >= fromHeight {
			delete(r.entries, ref)
		}
	}
	r.resyncHeightsLocked()
	r.mu.Unlock()

	if len(newBlocks) == 0 {
		return nil
	}
	return r.AddBlocks(ctx, newBlocks)
}

// IsValid is a constant-time membership test over memory.
func (r *Registry) IsValid(height uint64, hash string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[chain.BlockRef{Height: height, Hash: hash}]
	return ok
}

// HighestBlock returns the highest known height, or false if the registry
// is empty.
func (r *Registry) HighestBlock() (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.heights) == 0 {
		return 0, false
	}
	return uint64(r.heights[len(r.heights)-1]), true
}

// LowestBlock returns the lowest known height, or false if the registry is
// empty.
func (r *Registry) LowestBlock() (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.heights) == 0 {
		return 0, false
	}
	return uint64(r.heights[0]), true
}

// HashAtHeight returns the hash recorded for height, if any entry exists
// at that height. Used by the migration engine to resolve cutoffHash when
// the in-memory hot chain has already been pruned past it.
func (r *Registry) HashAtHeight(height uint64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for ref := range r.entries {
		if ref.Height == height {
			return ref.Hash, true
		}
	}
	return "", false
}

// Count returns the number of entries currently tracked.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// BuildFilter renders the predicate described in spec.md §4.1: rows at or
// below the cold window pass unconditionally; rows in the hot window must
// have their (height, hash) pair present in the registry. When the
// registry is empty, only the cold-window arm is emitted.
func (r *Registry) BuildFilter(heightCol, hashCol string, currentHeight uint64) string {
	coldBound := int64(currentHeight) - int64(r.finalityDepth)

	r.mu.RLock()
	pairs := make([]chain.BlockRef, 0, len(r.entries))
	for ref := range r.entries {
		pairs = append(pairs, ref)
	}
	r.mu.RUnlock()

	if len(pairs) == 0 {
		return fmt.Sprintf("%s <= %d", heightCol, coldBound)
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Height != pairs[j].Height {
			return pairs[i].Height < pairs[j].Height
		}
		return pairs[i].Hash < pairs[j].Hash
	})

	enumerated := make([]string, 0, len(pairs))
	for _, p := range pairs {
		enumerated = append(enumerated, fmt.Sprintf("(%d, '%s')", p.Height, escapeLiteral(p.Hash)))
	}

	return fmt.Sprintf(
		"(%s <= %d) OR ((%s, %s) IN (%s))",
		heightCol, coldBound, heightCol, hashCol, joinComma(enumerated),
	)
}

// Clear removes all entries for this processorId. Used only by the
// stale-restart reconciler.
func (r *Registry) Clear(ctx context.Context) error {
	if _, err := r.db.DB.ExecContext(ctx,
		`ALTER TABLE valid_blocks DELETE WHERE processor_id = ?`, r.processorID); err != nil {
		return fmt.Errorf("%w: clear valid_blocks: %v", chain.ErrReorgConsistency, err)
	}

	r.mu.Lock()
	r.entries = make(map[chain.BlockRef]struct{})
	r.heights = r.heights[:0]
	r.mu.Unlock()
	return nil
}

func (r *Registry) pruneBelow(ctx context.Context, cutoff int64) error {
	if _, err := r.db.DB.ExecContext(ctx,
		`ALTER TABLE valid_blocks DELETE WHERE processor_id = ? AND height < ?`,
		r.processorID, cutoff); err != nil {
		return fmt.Errorf("%w: prune valid_blocks: %v", chain.ErrTransientIO, err)
	}

	r.mu.Lock()
	for ref := range r.entries {
		if int64(ref.Height) < cutoff {
			delete(r.entries, ref)
		}
	}
	r.resyncHeightsLocked()
	r.mu.Unlock()
	return nil
}

// resyncHeightsLocked rebuilds the sorted heights slice from entries.
// Caller must hold r.mu for writing.
func (r *Registry) resyncHeightsLocked() {
	r.heights = r.heights[:0]
	for ref := range r.entries {
		r.heights = append(r.heights, int64(ref.Height))
	}
	sort.Slice(r.heights, func(i, j int) bool { return r.heights[i] < r.heights[j] })
}

func escapeLiteral(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' || s[i] == '\\' {
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}
