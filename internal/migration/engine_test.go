package migration

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chdriver "github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/dualzone/chstore/internal/entity"
)

type fakeCheckpointSaver struct {
	saved []struct {
		height int64
		hash   string
	}
}

func (f *fakeCheckpointSaver) SaveCold(ctx context.Context, height int64, hash string) error {
	f.saved = append(f.saved, struct {
		height int64
		hash   string
	}{height, hash})
	return nil
}

// fakeRow implements chdriver.Row over a fixed scan result.
type fakeRow struct {
	scanInto func(dest ...any) error
}

func (r *fakeRow) Err() error                 { return nil }
func (r *fakeRow) Scan(dest ...any) error     { return r.scanInto(dest...) }
func (r *fakeRow) ScanStruct(dest any) error  { return nil }

func scanInt64(v int64, valid bool) func(dest ...any) error {
	return func(dest ...any) error {
		switch d := dest[0].(type) {
		case *sql.NullInt64:
			*d = sql.NullInt64{Int64: v, Valid: valid}
		case *int64:
			*d = v
		}
		return nil
	}
}

type fakeStore struct {
	maxHeightResult int64
	maxHeightValid  bool
	counts          map[string]int64
	execCalls       []string
	execErr         error
}

func (s *fakeStore) Exec(ctx context.Context, query string, args ...any) error {
	s.execCalls = append(s.execCalls, query)
	return s.execErr
}

func (s *fakeStore) Query(ctx context.Context, query string, args ...any) (chdriver.Rows, error) {
	return nil, errors.New("not used in these tests")
}

func (s *fakeStore) QueryRow(ctx context.Context, query string, args ...any) chdriver.Row {
	if len(query) >= 6 && query[:6] == "SELECT" {
		if containsSubstr(query, "max(") {
			return &fakeRow{scanInto: scanInt64(s.maxHeightResult, s.maxHeightValid)}
		}
		if containsSubstr(query, "count()") {
			table := extractTable(query)
			return &fakeRow{scanInto: scanInt64(s.counts[table], true)}
		}
	}
	return &fakeRow{scanInto: func(dest ...any) error { return sql.ErrNoRows }}
}

func (s *fakeStore) PrepareBatch(ctx context.Context, query string, opts ...chdriver.PrepareBatchOption) (chdriver.Batch, error) {
	return nil, errors.New("not used in these tests")
}

func containsSubstr(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

func extractTable(query string) string {
	// "SELECT count() FROM <table> WHERE ..."
	const marker = "FROM "
	idx := indexOf(query, marker)
	if idx < 0 {
		return ""
	}
	rest := query[idx+len(marker):]
	end := indexOf(rest, " ")
	if end < 0 {
		return rest
	}
	return rest[:end]
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

type fakeHasher struct {
	hashes map[uint64]string
}

func (f *fakeHasher) HashAtHeight(height uint64) (string, bool) {
	h, ok := f.hashes[height]
	return h, ok
}

func testSchema() *entity.StaticSchema {
	return entity.NewStaticSchema([]entity.TableDescriptor{
		{Kind: "Transfer", HasHotCold: true, HeightColumn: "height", HashColumn: "hash"},
	})
}

func TestRunNoopWhenHotTableEmpty(t *testing.T) {
	store := &fakeStore{maxHeightValid: false}
	cp := &fakeCheckpointSaver{}
	e := New(store, cp, &fakeHasher{}, testSchema(), Config{Network: "eth", HotBlocksDepth: 10}, nil)

	result, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Migrated)
	assert.Equal(t, int64(-1), result.CutoffHeight)
}

func TestRunNoopWhenCutoffNotAdvanced(t *testing.T) {
	store := &fakeStore{maxHeightValid: true, maxHeightResult: 105, counts: map[string]int64{}}
	cp := &fakeCheckpointSaver{}
	e := New(store, cp, &fakeHasher{}, testSchema(), Config{Network: "eth", HotBlocksDepth: 10}, nil)
	e.lastMigrationHeight = 95 // already migrated past cutoff=95

	result, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Migrated)
}

func TestRunMigratesRowsAndDeletesFromHot(t *testing.T) {
	store := &fakeStore{
		maxHeightValid:  true,
		maxHeightResult: 120,
		counts:          map[string]int64{"eth_hot_transfers": 42},
	}
	cp := &fakeCheckpointSaver{}
	hasher := &fakeHasher{hashes: map[uint64]string{110: "0xcutoffhash"}}
	e := New(store, cp, hasher, testSchema(), Config{Network: "eth", HotBlocksDepth: 10}, nil)

	result, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, result.Migrated)
	assert.Equal(t, int64(110), result.CutoffHeight)
	require.Len(t, result.Tables, 1)
	assert.Equal(t, 42, result.Tables[0].Rows)

	foundDelete := false
	foundCopy := false
	for _, q := range store.execCalls {
		if containsSubstr(q, "DELETE FROM eth_hot_transfers") {
			foundDelete = true
		}
		if containsSubstr(q, "INSERT INTO eth_cold_transfers") {
			foundCopy = true
		}
	}
	assert.True(t, foundDelete, "expected a delete against the hot table")
	assert.True(t, foundCopy, "expected a server-side copy into the cold table")
}

func TestRunSkipsZeroRowTables(t *testing.T) {
	store := &fakeStore{
		maxHeightValid:  true,
		maxHeightResult: 120,
		counts:          map[string]int64{"eth_hot_transfers": 0},
	}
	cp := &fakeCheckpointSaver{}
	e := New(store, cp, &fakeHasher{}, testSchema(), Config{Network: "eth", HotBlocksDepth: 10}, nil)

	result, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Migrated)
	assert.Empty(t, result.Tables)
}
