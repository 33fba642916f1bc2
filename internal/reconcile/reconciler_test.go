package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chdriver "github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/dualzone/chstore/internal/chain"
	"github.com/dualzone/chstore/internal/checkpoint"
	"github.com/dualzone/chstore/internal/entity"
)

type fakeRegistryClearer struct {
	cleared bool
}

func (f *fakeRegistryClearer) Clear(ctx context.Context) error {
	f.cleared = true
	return nil
}

type fakeCheckpoints struct {
	live      checkpoint.Live
	cold      checkpoint.Cold
	coldFound bool
	saved     []checkpoint.Live
}

func (f *fakeCheckpoints) LoadLive(ctx context.Context) (checkpoint.Live, error) {
	return f.live, nil
}

func (f *fakeCheckpoints) SaveLive(ctx context.Context, state checkpoint.Live) error {
	f.saved = append(f.saved, state)
	f.live = state
	return nil
}

func (f *fakeCheckpoints) LoadCold(ctx context.Context) (checkpoint.Cold, bool, error) {
	return f.cold, f.coldFound, nil
}

type fakeTruncator struct {
	truncated []string
}

func (f *fakeTruncator) Exec(ctx context.Context, query string, args ...any) error {
	f.truncated = append(f.truncated, query)
	return nil
}

func (f *fakeTruncator) QueryRow(ctx context.Context, query string, args ...any) chdriver.Row {
	return nil
}

func testSchema() *entity.StaticSchema {
	return entity.NewStaticSchema([]entity.TableDescriptor{
		{Kind: "Transfer", HasHotCold: true, HeightColumn: "height", HashColumn: "hash"},
	})
}

func TestReconcileNoopWhenLiveTrustworthy(t *testing.T) {
	cps := &fakeCheckpoints{
		live:      checkpoint.Live{Height: 100, Hash: "0xabc", HotBlocks: nil, FinalizedHeight: 100},
		cold:      checkpoint.Cold{Height: 100, Hash: "0xabc"},
		coldFound: true,
	}
	reg := &fakeRegistryClearer{}
	trunc := &fakeTruncator{}
	r := New(reg, cps, trunc, testSchema(), "eth")

	result, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(100), result.Height)
	assert.False(t, reg.cleared)
	assert.Empty(t, trunc.truncated)
	assert.Empty(t, cps.saved)
}

func TestReconcileRollsBackWhenHotBlocksPresent(t *testing.T) {
	cps := &fakeCheckpoints{
		live: checkpoint.Live{
			Height:          105,
			Hash:            "0xlive",
			HotBlocks:       []chain.BlockRef{{Height: 101, Hash: "a"}, {Height: 105, Hash: "b"}},
			FinalizedHeight: 95,
		},
		cold:      checkpoint.Cold{Height: 95, Hash: "0xcold"},
		coldFound: true,
	}
	reg := &fakeRegistryClearer{}
	trunc := &fakeTruncator{}
	r := New(reg, cps, trunc, testSchema(), "eth")

	result, err := r.Reconcile(context.Background())
	require.NoError(t, err)

	assert.True(t, reg.cleared)
	assert.Len(t, trunc.truncated, 1)
	assert.Contains(t, trunc.truncated[0], "eth_hot_transfers")

	assert.Equal(t, int64(95), result.Height)
	assert.Equal(t, "0xcold", result.Hash)
	assert.Empty(t, result.HotBlocks)
	assert.Equal(t, int64(95), result.FinalizedHeight)
	require.Len(t, cps.saved, 1)
}

func TestReconcileRollsBackWhenLiveAheadOfCold(t *testing.T) {
	cps := &fakeCheckpoints{
		live:      checkpoint.Live{Height: 200, Hash: "0xlive", HotBlocks: nil, FinalizedHeight: 150},
		cold:      checkpoint.Cold{Height: 150, Hash: "0xcold"},
		coldFound: true,
	}
	reg := &fakeRegistryClearer{}
	trunc := &fakeTruncator{}
	r := New(reg, cps, trunc, testSchema(), "eth")

	result, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.True(t, reg.cleared)
	assert.Equal(t, int64(150), result.Height)
}
