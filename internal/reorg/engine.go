// Package reorg implements the reorg engine (spec.md §4.5): detects when
// an incoming batch overlaps or rewinds the in-memory hot chain, finds the
// highest common ancestor, and invalidates the orphaned suffix through the
// valid-blocks registry rather than deleting rows.
package reorg

import (
	"context"
	"fmt"
	"sync"

	"github.com/dualzone/chstore/internal/chain"
	"github.com/dualzone/chstore/internal/obs"
)

// Registry is the subset of registry.Registry the engine depends on.
type Registry interface {
	HandleReorg(ctx context.Context, fromHeight uint64, newBlocks []chain.BlockRef) error
}

// Engine detects and executes reorgs against a hot chain.
type Engine struct {
	registry Registry

	mu              sync.Mutex
	detectedCount   uint64
	executedCount   uint64
	lastAncestor    uint64
	lastAffected    int
}

// New constructs a reorg Engine.
func New(registry Registry) *Engine {
	return &Engine{registry: registry}
}

// Detect reports whether newBlocks overlaps or rewinds the hot chain's
// tip. Detection is the only trigger; hash mismatch at identical height is
// a subset of height <= tip. The producer guarantees contiguous heights
// within a batch, so checking the first block suffices.
func (e *Engine) Detect(hotChain *chain.HotChain, newBlocks []chain.BlockRef) bool {
	if len(newBlocks) == 0 {
		return false
	}
	tip, ok := hotChain.Tip()
	if !ok {
		return false
	}
	return newBlocks[0].Height <= tip.Height
}

// CommonAncestor finds the highest height at which the hot chain and the
// producer's view of the chain are known to still agree, so Execute only
// invalidates blocks at or above that point.
//
// baseHead is the block the producer claims newBlocks was built on (its
// parent, per spec.md §6's hotInfo contract). When the hot chain holds
// that exact height with a matching hash, it is the ancestor outright —
// the producer has vouched for everything below it, so there is no need
// to re-diff untouched heights. baseHead is ignored (the empty value)
// when the producer didn't supply one, or when the hot chain no longer
// holds that height at all.
//
// Absent a confirmed baseHead, the search scans the hot chain for the
// highest height >= finalizedHeight that either (a) also appears in
// newBlocks with an identical hash, or (b) falls below the batch's
// "untouched boundary" — newBlocks[0].Height ordinarily, since the batch
// never addresses anything lower, but capped to baseHead.Height when
// baseHead was supplied and turned out to mismatch the hot chain. A
// mismatched baseHead means the producer's claimed parent itself
// diverged, so heights at or above it can no longer be assumed untouched
// just because the batch happens not to repeat them. If nothing confirms
// a higher height, the ancestor is finalizedHeight itself and the caller
// must re-index from there. Hashes from the finalized zone (height <
// finalizedHeight) are trusted unconditionally and never compared.
func (e *Engine) CommonAncestor(hotChain *chain.HotChain, newBlocks []chain.BlockRef, finalizedHeight uint64, baseHead chain.BlockRef) uint64 {
	baseHeadMismatched := false
	if baseHead.Hash != "" && baseHead.Height >= finalizedHeight {
		if hash, ok := hotChain.HashAt(baseHead.Height); ok {
			if hash == baseHead.Hash {
				return baseHead.Height
			}
			baseHeadMismatched = true
		}
	}

	newByHeight := make(map[uint64]string, len(newBlocks))
	for _, b := range newBlocks {
		newByHeight[b.Height] = b.Hash
	}

	var untouchedBelow uint64
	hasBoundary := false
	if len(newBlocks) > 0 {
		untouchedBelow = newBlocks[0].Height
		hasBoundary = true
	}
	if baseHeadMismatched && (!hasBoundary || baseHead.Height < untouchedBelow) {
		untouchedBelow = baseHead.Height
		hasBoundary = true
	}

	ancestor := finalizedHeight
	for _, b := range hotChain.Blocks() {
		if b.Height < finalizedHeight {
			continue
		}
		if hash, ok := newByHeight[b.Height]; ok {
			if hash == b.Hash && b.Height > ancestor {
				ancestor = b.Height
			}
			continue
		}
		if hasBoundary && b.Height < untouchedBelow && b.Height > ancestor {
			ancestor = b.Height
		}
	}
	return ancestor
}

// Execute runs the full reorg: finds the common ancestor, calls
// registry.HandleReorg(ancestor+1, newBlocks), and truncates the in-memory
// hot chain to heights <= ancestor. No data-table deletions occur. Returns
// the ancestor height for the caller's metrics/logging. baseHead is the
// producer-supplied parent of newBlocks (see CommonAncestor); pass the
// zero value if the producer didn't supply one.
func (e *Engine) Execute(ctx context.Context, hotChain *chain.HotChain, newBlocks []chain.BlockRef, finalizedHeight uint64, baseHead chain.BlockRef) (uint64, error) {
	obs.ReorgsDetected.Inc()
	e.mu.Lock()
	e.detectedCount++
	e.mu.Unlock()

	ancestor := e.CommonAncestor(hotChain, newBlocks, finalizedHeight, baseHead)

	affected := 0
	for _, b := range hotChain.Blocks() {
		if b.Height > ancestor {
			affected++
		}
	}

	if err := e.registry.HandleReorg(ctx, ancestor+1, newBlocks); err != nil {
		return ancestor, fmt.Errorf("%w: %v", chain.ErrReorgConsistency, err)
	}
	hotChain.TruncateAfter(ancestor)

	e.mu.Lock()
	e.executedCount++
	e.lastAncestor = ancestor
	e.lastAffected = affected
	e.mu.Unlock()

	obs.ReorgsExecuted.Inc()
	obs.ReorgRollbackHeight.Set(float64(ancestor))
	obs.ReorgBlocksAffected.Add(float64(affected))

	var firstNewHeight uint64
	if len(newBlocks) > 0 {
		firstNewHeight = newBlocks[0].Height
	}
	obs.Warn("reorg executed",
		"ancestor_height", ancestor,
		"blocks_affected", affected,
		"new_batch_first_height", firstNewHeight,
	)
	return ancestor, nil
}

// Stats returns a snapshot of the engine's lifetime counters, for callers
// that want a structured view alongside the Prometheus series.
func (e *Engine) Stats() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return map[string]any{
		"reorgs_detected": e.detectedCount,
		"reorgs_executed": e.executedCount,
		"last_ancestor":   e.lastAncestor,
		"last_affected":   e.lastAffected,
	}
}
