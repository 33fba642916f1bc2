// Package coordinator implements the ingest coordinator (spec.md §4.7):
// the state machine every other component hangs off of. It owns the
// in-memory hot chain and finalizedHeight, and is the only component that
// may call into the registry, checkpoint store, reorg engine, and
// migration engine — the concurrency model (spec.md §5) requires every
// state transition to be serialized through here.
package coordinator

import (
	"context"
	"fmt"
	"sync"

	"github.com/dualzone/chstore/internal/chain"
	"github.com/dualzone/chstore/internal/checkpoint"
	"github.com/dualzone/chstore/internal/ingest"
	"github.com/dualzone/chstore/internal/migration"
	"github.com/dualzone/chstore/internal/obs"
	"github.com/dualzone/chstore/internal/zone"
)

// State names one point in the coordinator's lifecycle (spec.md §4.7).
type State int

const (
	StateDisconnected State = iota
	StateRecovering
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateRecovering:
		return "recovering"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FinalInfo is the producer-supplied context for transactFinal.
type FinalInfo struct {
	NextHead chain.BlockRef
}

// HotInfo is the producer-supplied context for transactHot, mirroring
// spec.md §6's hotInfo = {finalizedHead, baseHead, newBlocks}. BaseHead is
// the block the producer built NewBlocks on top of (its parent); it lets
// the reorg engine confirm how far back a rewind actually reaches instead
// of re-diffing every hot-chain height against NewBlocks.
type HotInfo struct {
	FinalizedHead chain.BlockRef
	BaseHead      chain.BlockRef
	NewBlocks     []chain.BlockRef
}

// FinalCallback stages rows for the catchup path into a fresh buffer.
type FinalCallback func(ctx context.Context, store *ingest.Buffer) error

// HotCallback stages rows for one at-tip block into a fresh buffer.
type HotCallback func(ctx context.Context, store *ingest.Buffer, block chain.BlockRef) error

// BeforeMigrationHook is consulted before a triggered migration run.
// Returning false vetoes the run.
type BeforeMigrationHook func(ctx context.Context) bool

// AfterMigrationHook is invoked with the result of a completed migration
// run, regardless of whether any rows moved.
type AfterMigrationHook func(ctx context.Context, result migration.Result)

// Registry is the subset of registry.Registry the coordinator needs
// directly (beyond what the reorg engine already wraps).
type Registry interface {
	AddBlock(ctx context.Context, height uint64, hash string) error
}

// Reorg is the subset of reorg.Engine the coordinator depends on.
type Reorg interface {
	Detect(hotChain *chain.HotChain, newBlocks []chain.BlockRef) bool
	Execute(ctx context.Context, hotChain *chain.HotChain, newBlocks []chain.BlockRef, finalizedHeight uint64, baseHead chain.BlockRef) (uint64, error)
}

// Reconciler is the subset of reconcile.Reconciler the coordinator needs.
type Reconciler interface {
	Reconcile(ctx context.Context) (checkpoint.Live, error)
}

// Checkpoints is the subset of checkpoint.Store the coordinator needs.
type Checkpoints interface {
	SaveLive(ctx context.Context, state checkpoint.Live) error
}

// Migration is the subset of migration.Engine the coordinator needs.
type Migration interface {
	OnBlockProcessed() bool
	OnFinalityAdvanced() bool
	Run(ctx context.Context) (migration.Result, error)
}

// Config holds the coordinator's fixed, non-hook behavior knobs.
type Config struct {
	HotBlocksDepth uint64
	AutoMigrate    bool
}

// Coordinator is the single-threaded-per-instance state machine that owns
// the hot chain, finalizedHeight, and zone-tip status, and serializes
// every call into the registry/checkpoint/reorg/migration layers.
type Coordinator struct {
	config Config

	registry    Registry
	checkpoints Checkpoints
	reconciler  Reconciler
	reorgEngine Reorg
	migration   Migration
	router      *zone.Router
	writer      ingest.BatchWriter

	beforeMigration BeforeMigrationHook
	afterMigration  AfterMigrationHook

	mu              sync.Mutex
	state           State
	hotChain        *chain.HotChain
	finalizedHeight uint64
}

// New constructs a Coordinator in the Disconnected state.
func New(
	config Config,
	registry Registry,
	checkpoints Checkpoints,
	reconciler Reconciler,
	reorgEngine Reorg,
	migrationEngine Migration,
	router *zone.Router,
	writer ingest.BatchWriter,
	beforeMigration BeforeMigrationHook,
	afterMigration AfterMigrationHook,
) *Coordinator {
	return &Coordinator{
		config:          config,
		registry:        registry,
		checkpoints:     checkpoints,
		reconciler:      reconciler,
		reorgEngine:     reorgEngine,
		migration:       migrationEngine,
		router:          router,
		writer:          writer,
		beforeMigration: beforeMigration,
		afterMigration:  afterMigration,
		state:           StateDisconnected,
		hotChain:        chain.NewHotChain(nil),
	}
}

// State returns the coordinator's current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect runs the reconciler and transitions Disconnected/Failed ->
// Recovering -> Ready. On failure it transitions to Failed and returns the
// error; the supervisor is expected to call Connect again.
func (c *Coordinator) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected && c.state != StateFailed {
		c.mu.Unlock()
		return fmt.Errorf("coordinator: connect called in state %s", c.state)
	}
	c.state = StateRecovering
	c.mu.Unlock()

	obs.Info("coordinator: connecting, running reconciler")

	live, err := c.reconciler.Reconcile(ctx)
	if err != nil {
		c.fail()
		return fmt.Errorf("coordinator: reconcile failed: %w", err)
	}

	c.mu.Lock()
	c.hotChain = chain.NewHotChain(live.HotBlocks)
	c.finalizedHeight = uint64(maxInt64(live.FinalizedHeight, 0))
	c.state = StateReady
	c.mu.Unlock()

	obs.Info("coordinator: ready", "finalized_height", c.finalizedHeight, "hot_chain_len", len(live.HotBlocks))
	return nil
}

// Disconnect transitions back to Disconnected. Callers close underlying
// connections themselves; this only resets the state machine.
func (c *Coordinator) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateDisconnected
}

// SetIsAtChainTip forwards to the zone router.
func (c *Coordinator) SetIsAtChainTip(flag bool) {
	c.router.SetIsAtChainTip(flag)
}

func (c *Coordinator) fail() {
	c.mu.Lock()
	c.state = StateFailed
	c.mu.Unlock()
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// TransactFinal invokes cb exactly once, flushes buffered inserts,
// advances finalizedHeight, and persists the live checkpoint. All side
// effects occur before this returns, per spec.md §4.7.
func (c *Coordinator) TransactFinal(ctx context.Context, info FinalInfo, cb FinalCallback) error {
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return fmt.Errorf("coordinator: transactFinal called in state %s", c.state)
	}
	c.mu.Unlock()

	buf := ingest.NewBuffer(c.writer)
	if err := cb(ctx, buf); err != nil {
		return fmt.Errorf("coordinator: transactFinal callback failed: %w", err)
	}
	if _, err := buf.Flush(ctx); err != nil {
		c.fail()
		return fmt.Errorf("coordinator: transactFinal flush failed: %w", err)
	}

	c.mu.Lock()
	c.finalizedHeight = info.NextHead.Height
	hotBlocks := c.hotChain.Blocks()
	c.mu.Unlock()

	if err := c.checkpoints.SaveLive(ctx, checkpoint.Live{
		Height:          int64(info.NextHead.Height),
		Hash:            info.NextHead.Hash,
		HotBlocks:       hotBlocks,
		FinalizedHeight: int64(info.NextHead.Height),
	}); err != nil {
		c.fail()
		return fmt.Errorf("coordinator: transactFinal saveLive failed: %w", err)
	}

	return nil
}

// TransactHot runs the at-tip processing contract from spec.md §4.7.
func (c *Coordinator) TransactHot(ctx context.Context, info HotInfo, cb HotCallback) error {
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return fmt.Errorf("coordinator: transactHot called in state %s", c.state)
	}
	c.mu.Unlock()

	c.mu.Lock()
	finalityAdvanced := false
	if info.FinalizedHead.Height > c.finalizedHeight {
		c.finalizedHeight = info.FinalizedHead.Height
		c.hotChain.DropAtOrBelow(c.finalizedHeight)
		if c.migration != nil {
			finalityAdvanced = c.migration.OnFinalityAdvanced()
		}
	}
	reorgOccurred := c.reorgEngine.Detect(c.hotChain, info.NewBlocks)
	var reorgErr error
	if reorgOccurred {
		_, reorgErr = c.reorgEngine.Execute(ctx, c.hotChain, info.NewBlocks, c.finalizedHeight, info.BaseHead)
	}
	finalizedHeight := c.finalizedHeight
	c.mu.Unlock()

	if reorgErr != nil {
		c.fail()
		return fmt.Errorf("coordinator: reorg execution failed: %w", reorgErr)
	}

	for _, b := range info.NewBlocks {
		buf := ingest.NewBuffer(c.writer)
		if err := cb(ctx, buf, b); err != nil {
			return fmt.Errorf("coordinator: transactHot callback failed at height %d: %w", b.Height, err)
		}
		if _, err := buf.Flush(ctx); err != nil {
			c.fail()
			return fmt.Errorf("coordinator: transactHot flush failed at height %d: %w", b.Height, err)
		}

		if !reorgOccurred {
			if err := c.registry.AddBlock(ctx, b.Height, b.Hash); err != nil {
				c.fail()
				return fmt.Errorf("coordinator: registry.AddBlock failed at height %d: %w", b.Height, err)
			}
		}

		c.mu.Lock()
		c.hotChain.Append(b)
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.hotChain.PruneFront(int(c.config.HotBlocksDepth))
	var tip chain.BlockRef
	hasTip := false
	if len(info.NewBlocks) > 0 {
		tip, hasTip = c.hotChain.Tip()
	}
	hotBlocks := c.hotChain.Blocks()
	c.mu.Unlock()

	if hasTip {
		if err := c.checkpoints.SaveLive(ctx, checkpoint.Live{
			Height:          int64(tip.Height),
			Hash:            tip.Hash,
			HotBlocks:       hotBlocks,
			FinalizedHeight: int64(finalizedHeight),
		}); err != nil {
			c.fail()
			return fmt.Errorf("coordinator: transactHot saveLive failed: %w", err)
		}
	}

	c.maybeMigrate(ctx, finalityAdvanced)
	return nil
}

// Stats returns a snapshot of the coordinator's state, for callers that
// want a structured view without scraping Prometheus.
func (c *Coordinator) Stats() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]any{
		"state":            c.state.String(),
		"finalized_height": c.finalizedHeight,
		"hot_chain_len":    c.hotChain.Len(),
		"is_at_chain_tip":  c.router.IsAtChainTip(),
	}
}

func (c *Coordinator) maybeMigrate(ctx context.Context, finalityAdvanced bool) {
	if !c.config.AutoMigrate || c.migration == nil || !c.router.IsAtChainTip() {
		return
	}
	if !c.migration.OnBlockProcessed() && !finalityAdvanced {
		return
	}
	if c.beforeMigration != nil && !c.beforeMigration(ctx) {
		obs.Info("coordinator: migration run vetoed by beforeMigration hook")
		return
	}

	result, err := c.migration.Run(ctx)
	if err != nil {
		obs.Error("coordinator: migration run failed", "error", err.Error())
		return
	}
	if c.afterMigration != nil {
		c.afterMigration(ctx, result)
	}
}
