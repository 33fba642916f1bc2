package coordinator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chdriver "github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/ClickHouse/clickhouse-go/v2/lib/column"

	"github.com/dualzone/chstore/internal/chain"
	"github.com/dualzone/chstore/internal/checkpoint"
	"github.com/dualzone/chstore/internal/entity"
	"github.com/dualzone/chstore/internal/ingest"
	"github.com/dualzone/chstore/internal/migration"
	"github.com/dualzone/chstore/internal/zone"
)

type fakeBatch struct{ appended [][]any }

func (f *fakeBatch) Abort() error                   { return nil }
func (f *fakeBatch) AppendStruct(v any) error        { return nil }
func (f *fakeBatch) Column(int) chdriver.BatchColumn { return nil }
func (f *fakeBatch) Flush() error                    { return nil }
func (f *fakeBatch) IsSent() bool                    { return true }
func (f *fakeBatch) Rows() int                       { return len(f.appended) }
func (f *fakeBatch) Columns() []column.Interface     { return nil }
func (f *fakeBatch) Append(v ...any) error {
	f.appended = append(f.appended, v)
	return nil
}
func (f *fakeBatch) Send() error { return nil }

type fakeWriter struct{ queries []string }

func (f *fakeWriter) PrepareBatch(ctx context.Context, query string, opts ...chdriver.PrepareBatchOption) (chdriver.Batch, error) {
	f.queries = append(f.queries, query)
	return &fakeBatch{}, nil
}

type fakeRegistry struct {
	added []chain.BlockRef
	err   error
}

func (f *fakeRegistry) AddBlock(ctx context.Context, height uint64, hash string) error {
	if f.err != nil {
		return f.err
	}
	f.added = append(f.added, chain.BlockRef{Height: height, Hash: hash})
	return nil
}

type fakeReorg struct {
	detect     bool
	executeErr error
	executed   bool
}

func (f *fakeReorg) Detect(hotChain *chain.HotChain, newBlocks []chain.BlockRef) bool { return f.detect }
func (f *fakeReorg) Execute(ctx context.Context, hotChain *chain.HotChain, newBlocks []chain.BlockRef, finalizedHeight uint64, baseHead chain.BlockRef) (uint64, error) {
	f.executed = true
	if f.executeErr != nil {
		return 0, f.executeErr
	}
	hotChain.TruncateAfter(finalizedHeight)
	return finalizedHeight, nil
}

type fakeReconciler struct {
	live checkpoint.Live
	err  error
}

func (f *fakeReconciler) Reconcile(ctx context.Context) (checkpoint.Live, error) { return f.live, f.err }

type fakeCheckpoints struct {
	saved []checkpoint.Live
	err   error
}

func (f *fakeCheckpoints) SaveLive(ctx context.Context, state checkpoint.Live) error {
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, state)
	return nil
}

type fakeMigration struct {
	shouldRun    bool
	runCalled    bool
	runResult    migration.Result
	runErr       error
}

func (f *fakeMigration) OnBlockProcessed() bool     { return f.shouldRun }
func (f *fakeMigration) OnFinalityAdvanced() bool    { return false }
func (f *fakeMigration) Run(ctx context.Context) (migration.Result, error) {
	f.runCalled = true
	return f.runResult, f.runErr
}

func testSchema() *entity.StaticSchema {
	return entity.NewStaticSchema([]entity.TableDescriptor{
		{Kind: "Transfer", HasHotCold: true, HeightColumn: "height", HashColumn: "hash"},
	})
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeRegistry, *fakeReorg, *fakeCheckpoints, *fakeReconciler, *fakeMigration, *zone.Router) {
	t.Helper()
	reg := &fakeRegistry{}
	reorgEngine := &fakeReorg{}
	cps := &fakeCheckpoints{}
	recon := &fakeReconciler{live: checkpoint.Live{Height: -1, Hash: "", FinalizedHeight: -1}}
	mig := &fakeMigration{}
	router := zone.NewRouter("eth", testSchema())
	writer := &fakeWriter{}

	c := New(Config{HotBlocksDepth: 3, AutoMigrate: true}, reg, cps, recon, reorgEngine, mig, router, writer, nil, nil)
	return c, reg, reorgEngine, cps, recon, mig, router
}

func TestConnectTransitionsToReady(t *testing.T) {
	c, _, _, _, recon, _, _ := newTestCoordinator(t)
	recon.live = checkpoint.Live{
		Height:          10,
		Hash:            "0xa",
		HotBlocks:       []chain.BlockRef{{Height: 9, Hash: "x"}, {Height: 10, Hash: "0xa"}},
		FinalizedHeight: 8,
	}

	err := c.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateReady, c.State())
	assert.Equal(t, uint64(8), c.finalizedHeight)
	assert.Equal(t, 2, c.hotChain.Len())
}

func TestConnectFailsWhenReconcileErrors(t *testing.T) {
	c, _, _, _, recon, _, _ := newTestCoordinator(t)
	recon.err = errors.New("boom")

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, c.State())
}

func TestTransactFinalRequiresReady(t *testing.T) {
	c, _, _, _, _, _, _ := newTestCoordinator(t)
	err := c.TransactFinal(context.Background(), FinalInfo{}, func(ctx context.Context, s *ingest.Buffer) error { return nil })
	require.Error(t, err)
}

func TestTransactFinalFlushesAndAdvances(t *testing.T) {
	c, _, _, cps, _, _, _ := newTestCoordinator(t)
	require.NoError(t, c.Connect(context.Background()))

	called := false
	err := c.TransactFinal(context.Background(), FinalInfo{NextHead: chain.BlockRef{Height: 100, Hash: "0xfinal"}},
		func(ctx context.Context, s *ingest.Buffer) error {
			called = true
			s.Stage("eth_transfers", []string{"height", "hash"}, []any{uint64(100), "0xfinal"})
			return nil
		})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, uint64(100), c.finalizedHeight)
	require.Len(t, cps.saved, 1)
	assert.Equal(t, int64(100), cps.saved[0].Height)
}

func TestTransactHotAppendsBlocksAndRecordsRegistry(t *testing.T) {
	c, reg, _, cps, _, _, router := newTestCoordinator(t)
	require.NoError(t, c.Connect(context.Background()))
	router.SetIsAtChainTip(true)

	newBlocks := []chain.BlockRef{{Height: 1, Hash: "a"}, {Height: 2, Hash: "b"}}
	err := c.TransactHot(context.Background(), HotInfo{NewBlocks: newBlocks},
		func(ctx context.Context, s *ingest.Buffer, b chain.BlockRef) error {
			s.Stage("eth_hot_transfers", []string{"height", "hash"}, []any{b.Height, b.Hash})
			return nil
		})
	require.NoError(t, err)
	assert.Len(t, reg.added, 2)
	require.Len(t, cps.saved, 1)
	assert.Equal(t, int64(2), cps.saved[0].Height)
	assert.Equal(t, 2, c.hotChain.Len())
}

func TestTransactHotSkipsRegistryOnReorg(t *testing.T) {
	c, reg, reorgEngine, _, _, _, _ := newTestCoordinator(t)
	require.NoError(t, c.Connect(context.Background()))
	reorgEngine.detect = true

	newBlocks := []chain.BlockRef{{Height: 1, Hash: "a2"}}
	err := c.TransactHot(context.Background(), HotInfo{NewBlocks: newBlocks},
		func(ctx context.Context, s *ingest.Buffer, b chain.BlockRef) error { return nil })
	require.NoError(t, err)
	assert.True(t, reorgEngine.executed)
	assert.Empty(t, reg.added, "registry.AddBlock must be skipped when handleReorg already recorded these blocks")
}

func TestTransactHotFailsWhenReorgExecuteErrors(t *testing.T) {
	c, _, reorgEngine, _, _, _, _ := newTestCoordinator(t)
	require.NoError(t, c.Connect(context.Background()))
	reorgEngine.detect = true
	reorgEngine.executeErr = errors.New("registry unavailable")

	err := c.TransactHot(context.Background(), HotInfo{NewBlocks: []chain.BlockRef{{Height: 1, Hash: "a"}}},
		func(ctx context.Context, s *ingest.Buffer, b chain.BlockRef) error { return nil })
	require.Error(t, err)
	assert.Equal(t, StateFailed, c.State())
}

func TestTransactHotPrunesHotChainToDepth(t *testing.T) {
	c, _, _, _, _, _, _ := newTestCoordinator(t)
	require.NoError(t, c.Connect(context.Background()))

	newBlocks := []chain.BlockRef{{Height: 1, Hash: "a"}, {Height: 2, Hash: "b"}, {Height: 3, Hash: "c"}, {Height: 4, Hash: "d"}}
	err := c.TransactHot(context.Background(), HotInfo{NewBlocks: newBlocks},
		func(ctx context.Context, s *ingest.Buffer, b chain.BlockRef) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 3, c.hotChain.Len(), "hot chain must be pruned to HotBlocksDepth")
}

func TestTransactHotTriggersMigrationAtTip(t *testing.T) {
	c, _, _, _, _, mig, router := newTestCoordinator(t)
	require.NoError(t, c.Connect(context.Background()))
	router.SetIsAtChainTip(true)
	mig.shouldRun = true

	err := c.TransactHot(context.Background(), HotInfo{NewBlocks: []chain.BlockRef{{Height: 1, Hash: "a"}}},
		func(ctx context.Context, s *ingest.Buffer, b chain.BlockRef) error { return nil })
	require.NoError(t, err)
	assert.True(t, mig.runCalled)
}

func TestTransactHotDoesNotMigrateWhenCatchingUp(t *testing.T) {
	c, _, _, _, _, mig, router := newTestCoordinator(t)
	require.NoError(t, c.Connect(context.Background()))
	router.SetIsAtChainTip(false)
	mig.shouldRun = true

	err := c.TransactHot(context.Background(), HotInfo{NewBlocks: []chain.BlockRef{{Height: 1, Hash: "a"}}},
		func(ctx context.Context, s *ingest.Buffer, b chain.BlockRef) error { return nil })
	require.NoError(t, err)
	assert.False(t, mig.runCalled)
}

func TestBeforeMigrationHookCanVeto(t *testing.T) {
	reg := &fakeRegistry{}
	reorgEngine := &fakeReorg{}
	cps := &fakeCheckpoints{}
	recon := &fakeReconciler{live: checkpoint.Live{Height: -1, FinalizedHeight: -1}}
	mig := &fakeMigration{shouldRun: true}
	router := zone.NewRouter("eth", testSchema())
	writer := &fakeWriter{}

	vetoCalled := false
	c := New(Config{HotBlocksDepth: 3, AutoMigrate: true}, reg, cps, recon, reorgEngine, mig, router, writer,
		func(ctx context.Context) bool { vetoCalled = true; return false }, nil)
	require.NoError(t, c.Connect(context.Background()))
	router.SetIsAtChainTip(true)

	err := c.TransactHot(context.Background(), HotInfo{NewBlocks: []chain.BlockRef{{Height: 1, Hash: "a"}}},
		func(ctx context.Context, s *ingest.Buffer, b chain.BlockRef) error { return nil })
	require.NoError(t, err)
	assert.True(t, vetoCalled)
	assert.False(t, mig.runCalled)
}
