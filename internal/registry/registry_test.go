package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dualzone/chstore/internal/chain"
)

// These tests exercise the in-memory bookkeeping paths that don't require
// a live ClickHouse connection: BuildFilter, IsValid, HighestBlock,
// LowestBlock, Count. The persistence-touching paths (Initialize,
// AddBlocks, HandleReorg, Clear) need a live ClickHouse and are not
// exercised by any test in this repository.

func newTestRegistry(finalityDepth uint64, entries ...chain.BlockRef) *Registry {
	r := &Registry{
		processorID:   "eth-mainnet",
		finalityDepth: finalityDepth,
		entries:       make(map[chain.BlockRef]struct{}),
	}
	for _, e := range entries {
		r.entries[e] = struct{}{}
	}
	r.resyncHeightsLocked()
	return r
}

func TestIsValid(t *testing.T) {
	r := newTestRegistry(10, chain.BlockRef{Height: 100, Hash: "0xabc"})
	assert.True(t, r.IsValid(100, "0xabc"))
	assert.False(t, r.IsValid(100, "0xdef"))
	assert.False(t, r.IsValid(101, "0xabc"))
}

func TestHighestLowestBlockEmpty(t *testing.T) {
	r := newTestRegistry(10)
	_, ok := r.HighestBlock()
	assert.False(t, ok)
	_, ok = r.LowestBlock()
	assert.False(t, ok)
	assert.Equal(t, 0, r.Count())
}

func TestHighestLowestBlock(t *testing.T) {
	r := newTestRegistry(10,
		chain.BlockRef{Height: 100, Hash: "a"},
		chain.BlockRef{Height: 102, Hash: "b"},
		chain.BlockRef{Height: 101, Hash: "c"},
	)
	highest, ok := r.HighestBlock()
	assert.True(t, ok)
	assert.Equal(t, uint64(102), highest)

	lowest, ok := r.LowestBlock()
	assert.True(t, ok)
	assert.Equal(t, uint64(100), lowest)

	assert.Equal(t, 3, r.Count())
}

func TestHashAtHeight(t *testing.T) {
	r := newTestRegistry(10, chain.BlockRef{Height: 100, Hash: "0xabc"})
	hash, ok := r.HashAtHeight(100)
	assert.True(t, ok)
	assert.Equal(t, "0xabc", hash)

	_, ok = r.HashAtHeight(101)
	assert.False(t, ok)
}

func TestBuildFilterEmptyRegistry(t *testing.T) {
	r := newTestRegistry(10)
	filter := r.BuildFilter("height", "hash", 200)
	assert.Equal(t, "height <= 190", filter)
}

func TestBuildFilterWithEntries(t *testing.T) {
	r := newTestRegistry(10, chain.BlockRef{Height: 195, Hash: "0xabc"})
	filter := r.BuildFilter("height", "hash", 200)
	assert.Contains(t, filter, "height <= 190")
	assert.Contains(t, filter, "(195, '0xabc')")
	assert.Contains(t, filter, "OR")
}

func TestBuildFilterEscapesQuotes(t *testing.T) {
	r := newTestRegistry(10, chain.BlockRef{Height: 195, Hash: "0'ab\\c"})
	filter := r.BuildFilter("height", "hash", 200)
	assert.Contains(t, filter, `0\'ab\\c`)
}
