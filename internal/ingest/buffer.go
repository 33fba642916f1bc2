// Package ingest implements the ingest buffer (spec.md §4.4): stages rows
// per batch, groups them by destination table, and flushes with batching
// and retry. Writes use ClickHouse's native-protocol batch API so large
// chunks round-trip once instead of statement-by-statement.
package ingest

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	chdriver "github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/dualzone/chstore/internal/chain"
	"github.com/dualzone/chstore/internal/obs"
)

// BatchSize caps a single batch write, per spec.md §4.4. Larger table
// groups are split into sequential chunks of this size.
const BatchSize = 200_000

const (
	maxAttempts  = 3
	backoffStep1 = 500 * time.Millisecond
	backoffStep2 = 1000 * time.Millisecond
)

// BatchWriter is the subset of the ClickHouse native driver the buffer
// needs. *chdb.Pool satisfies it.
type BatchWriter interface {
	PrepareBatch(ctx context.Context, query string, opts ...chdriver.PrepareBatchOption) (chdriver.Batch, error)
}

type tableBuffer struct {
	columns []string
	rows    [][]any
}

// Buffer stages rows for one producer callback invocation and flushes
// them grouped by table.
type Buffer struct {
	writer BatchWriter
	tables map[string]*tableBuffer
	order  []string
}

// NewBuffer constructs a fresh, empty Buffer. A new Buffer is opened per
// transactFinal/transactHot callback invocation, per spec.md §4.7.
func NewBuffer(writer BatchWriter) *Buffer {
	return &Buffer{writer: writer, tables: make(map[string]*tableBuffer)}
}

// Stage appends one row to the named table's pending group, preserving
// the order Stage was called in for that table.
func (b *Buffer) Stage(table string, columns []string, values []any) {
	tb, ok := b.tables[table]
	if !ok {
		tb = &tableBuffer{columns: columns}
		b.tables[table] = tb
		b.order = append(b.order, table)
	}
	tb.rows = append(tb.rows, values)
}

// PendingTables lists tables with staged rows, in the order first staged.
func (b *Buffer) PendingTables() []string {
	out := make([]string, len(b.order))
	copy(out, b.order)
	return out
}

// FlushResult reports how many rows were written per table.
type FlushResult struct {
	RowsWritten map[string]int
}

// Flush writes every staged table's rows. Rows within a table are written
// in staged order, split into sequential BatchSize chunks. Different
// tables flush concurrently (spec.md §5 table-level parallelism).
func (b *Buffer) Flush(ctx context.Context) (FlushResult, error) {
	result := FlushResult{RowsWritten: make(map[string]int, len(b.tables))}
	if len(b.tables) == 0 {
		return result, nil
	}

	type tableResult struct {
		table string
		rows  int
	}
	results := make([]tableResult, len(b.order))

	g, gctx := errgroup.WithContext(ctx)
	for i, table := range b.order {
		i, table := i, table
		tb := b.tables[table]
		g.Go(func() error {
			n, err := b.flushTable(gctx, table, tb)
			if err != nil {
				return fmt.Errorf("flush table %s: %w", table, err)
			}
			results[i] = tableResult{table: table, rows: n}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	for _, r := range results {
		result.RowsWritten[r.table] = r.rows
		obs.IngestRowsWritten.WithLabelValues(r.table).Add(float64(r.rows))
	}
	return result, nil
}

func (b *Buffer) flushTable(ctx context.Context, table string, tb *tableBuffer) (int, error) {
	written := 0
	for start := 0; start < len(tb.rows); start += BatchSize {
		end := start + BatchSize
		if end > len(tb.rows) {
			end = len(tb.rows)
		}
		chunk := tb.rows[start:end]
		if err := b.sendChunkWithRetry(ctx, table, tb.columns, chunk); err != nil {
			return written, err
		}
		written += len(chunk)
	}
	return written, nil
}

func (b *Buffer) sendChunkWithRetry(ctx context.Context, table string, columns []string, rows [][]any) error {
	query := buildInsertQuery(table, columns)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		batch, err := b.writer.PrepareBatch(ctx, query)
		if err != nil {
			lastErr = err
		} else {
			lastErr = appendAndSend(batch, rows)
		}

		if lastErr == nil {
			return nil
		}
		if !transient(lastErr) {
			return fmt.Errorf("%w: %v", chain.ErrNonTransientIO, lastErr)
		}
		if attempt == maxAttempts {
			break
		}

		obs.IngestBatchRetries.WithLabelValues(table).Inc()
		obs.Warn("ingest batch retry", "table", table, "attempt", attempt, "error", lastErr.Error())

		wait := backoffStep1
		if attempt == 2 {
			wait = backoffStep2
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("%w: batch insert into %s failed after %d attempts: %v", chain.ErrTransientIO, table, maxAttempts, lastErr)
}

func appendAndSend(batch chdriver.Batch, rows [][]any) error {
	for _, row := range rows {
		if err := batch.Append(row...); err != nil {
			return err
		}
	}
	return batch.Send()
}

func buildInsertQuery(table string, columns []string) string {
	query := "INSERT INTO " + table + " ("
	for i, col := range columns {
		if i > 0 {
			query += ", "
		}
		query += col
	}
	query += ")"
	return query
}
