// Package chain holds the domain types shared by every component of the
// dual-zone storage engine: the block reference, the hot chain, and the
// small set of errors that cut across component boundaries.
package chain

import "fmt"

// BlockRef identifies a block by height and hash. Equality is by both
// fields; height-only comparisons are called out explicitly where used.
type BlockRef struct {
	Height uint64
	Hash   string
}

// Equal reports whether two references name the same block.
func (b BlockRef) Equal(other BlockRef) bool {
	return b.Height == other.Height && b.Hash == other.Hash
}

func (b BlockRef) String() string {
	return fmt.Sprintf("%d:%s", b.Height, b.Hash)
}

// HotChain is the ordered, in-memory suffix of the chain the processor
// currently believes is canonical. Heights are strictly increasing and
// contiguous; length is pruned to at most hotBlocksDepth by the owning
// coordinator.
type HotChain struct {
	blocks []BlockRef
}

// NewHotChain builds a hot chain from an ordered block list. Callers are
// trusted to pass contiguous, increasing heights (the producer's contract).
func NewHotChain(blocks []BlockRef) *HotChain {
	cp := make([]BlockRef, len(blocks))
	copy(cp, blocks)
	return &HotChain{blocks: cp}
}

// Append adds a block to the tip.
func (h *HotChain) Append(b BlockRef) {
	h.blocks = append(h.blocks, b)
}

// TruncateAfter keeps only blocks with height <= height.
func (h *HotChain) TruncateAfter(height uint64) {
	kept := h.blocks[:0]
	for _, b := range h.blocks {
		if b.Height <= height {
			kept = append(kept, b)
		}
	}
	h.blocks = kept
}

// PruneFront drops entries from the front until len(h.blocks) <= maxLen.
func (h *HotChain) PruneFront(maxLen int) {
	if maxLen < 0 || len(h.blocks) <= maxLen {
		return
	}
	h.blocks = append([]BlockRef{}, h.blocks[len(h.blocks)-maxLen:]...)
}

// DropAtOrBelow removes entries with height <= height, used when
// finalizedHeight advances past part of the hot chain.
func (h *HotChain) DropAtOrBelow(height uint64) {
	kept := h.blocks[:0]
	for _, b := range h.blocks {
		if b.Height > height {
			kept = append(kept, b)
		}
	}
	h.blocks = kept
}

// Tip returns the highest block, or the zero value and false if empty.
func (h *HotChain) Tip() (BlockRef, bool) {
	if len(h.blocks) == 0 {
		return BlockRef{}, false
	}
	return h.blocks[len(h.blocks)-1], true
}

// Len returns the number of blocks currently held.
func (h *HotChain) Len() int {
	return len(h.blocks)
}

// Blocks returns a copy of the underlying slice, oldest first.
func (h *HotChain) Blocks() []BlockRef {
	cp := make([]BlockRef, len(h.blocks))
	copy(cp, h.blocks)
	return cp
}

// HashAt returns the hash recorded for height, if present in the hot chain.
func (h *HotChain) HashAt(height uint64) (string, bool) {
	for _, b := range h.blocks {
		if b.Height == height {
			return b.Hash, true
		}
	}
	return "", false
}
