// Package checkpoint implements the two keyed-singleton checkpoint tables
// from spec.md §4.2: the live checkpoint (hot-window resumption state) and
// the cold checkpoint (the deepest point guaranteed final). Both are
// ReplacingMergeTree tables read with FINAL for "latest revision wins"
// semantics, matching the registry's storage model.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/russross/meddler"

	"github.com/dualzone/chstore/internal/chain"
	"github.com/dualzone/chstore/internal/chdb"
)

// Live is the checkpoint state returned by LoadLive and passed to SaveLive.
type Live struct {
	Height          int64
	Hash            string
	HotBlocks       []chain.BlockRef
	FinalizedHeight int64
}

// FreshLive is the sentinel "no checkpoint yet" state spec.md §4.2 names.
func FreshLive() Live {
	return Live{Height: -1, Hash: "", HotBlocks: nil, FinalizedHeight: -1}
}

// Cold is the cold-cursor checkpoint state.
type Cold struct {
	Height int64
	Hash   string
}

type liveRow struct {
	ProcessorID     string    `meddler:"processor_id"`
	Height          int64     `meddler:"height"`
	Hash            string    `meddler:"hash"`
	HotBlocksJSON   string    `meddler:"hot_blocks_json"`
	FinalizedHeight int64     `meddler:"finalized_height"`
	Timestamp       time.Time `meddler:"timestamp"`
}

type coldRow struct {
	ProcessorID string    `meddler:"processor_id"`
	Height      int64     `meddler:"height"`
	Hash        string    `meddler:"hash"`
	Timestamp   time.Time `meddler:"timestamp"`
}

// hotBlockJSON is the wire shape hotBlocks serializes to: only {height,
// hash} pairs survive, per spec.md §4.2's requirement that producer-added
// fields (big integers, gas fields, etc.) never reach the text serializer.
type hotBlockJSON struct {
	Height uint64 `json:"height"`
	Hash   string `json:"hash"`
}

// Store is the checkpoint store for one processorId.
type Store struct {
	db          *chdb.SQLPool
	processorID string
}

// New constructs a checkpoint Store.
func New(db *chdb.SQLPool, processorID string) *Store {
	return &Store{db: db, processorID: processorID}
}

// EnsureTables creates the backing tables if absent. Call once at startup.
func (s *Store) EnsureTables(ctx context.Context) error {
	ddls := []string{
		`CREATE TABLE IF NOT EXISTS checkpoint_live (
			processor_id String,
			height Int64,
			hash String,
			hot_blocks_json String,
			finalized_height Int64,
			timestamp DateTime64(3)
		) ENGINE = ReplacingMergeTree(timestamp)
		ORDER BY processor_id`,
		`CREATE TABLE IF NOT EXISTS checkpoint_cold (
			processor_id String,
			height Int64,
			hash String,
			timestamp DateTime64(3)
		) ENGINE = ReplacingMergeTree(timestamp)
		ORDER BY processor_id`,
	}
	for _, ddl := range ddls {
		if _, err := s.db.DB.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("%w: checkpoint DDL: %v", chain.ErrSchema, err)
		}
	}
	return nil
}

// LoadLive returns the live checkpoint, or FreshLive() if none exists.
func (s *Store) LoadLive(ctx context.Context) (Live, error) {
	var rec liveRow
	err := meddler.QueryRow(s.db.DB, &rec,
		`SELECT processor_id, height, hash, hot_blocks_json, finalized_height, timestamp
		 FROM checkpoint_live FINAL WHERE processor_id = ?`, s.processorID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FreshLive(), nil
		}
		return Live{}, fmt.Errorf("%w: loadLive: %v", chain.ErrTransientIO, err)
	}

	var jsonBlocks []hotBlockJSON
	if rec.HotBlocksJSON != "" {
		if err := json.Unmarshal([]byte(rec.HotBlocksJSON), &jsonBlocks); err != nil {
			return Live{}, fmt.Errorf("%w: decode hot_blocks_json: %v", chain.ErrSchema, err)
		}
	}
	hotBlocks := make([]chain.BlockRef, len(jsonBlocks))
	for i, b := range jsonBlocks {
		hotBlocks[i] = chain.BlockRef{Height: b.Height, Hash: b.Hash}
	}

	return Live{
		Height:          rec.Height,
		Hash:            rec.Hash,
		HotBlocks:       hotBlocks,
		FinalizedHeight: rec.FinalizedHeight,
	}, nil
}

// SaveLive writes a new revision. hotBlocks is stripped to {height, hash}
// pairs before serialization — see hotBlockJSON.
func (s *Store) SaveLive(ctx context.Context, state Live) error {
	jsonBlocks := make([]hotBlockJSON, len(state.HotBlocks))
	for i, b := range state.HotBlocks {
		jsonBlocks[i] = hotBlockJSON{Height: b.Height, Hash: b.Hash}
	}
	encoded, err := json.Marshal(jsonBlocks)
	if err != nil {
		return fmt.Errorf("%w: encode hot_blocks_json: %v", chain.ErrCheckpointWrite, err)
	}

	rec := &liveRow{
		ProcessorID:     s.processorID,
		Height:          state.Height,
		Hash:            state.Hash,
		HotBlocksJSON:   string(encoded),
		FinalizedHeight: state.FinalizedHeight,
		Timestamp:       time.Now().UTC(),
	}
	if err := meddler.Insert(s.db.DB, "checkpoint_live", rec); err != nil {
		return fmt.Errorf("%w: saveLive: %v", chain.ErrCheckpointWrite, err)
	}
	return nil
}

// LoadCold returns the cold checkpoint, and false if absent.
func (s *Store) LoadCold(ctx context.Context) (Cold, bool, error) {
	var rec coldRow
	err := meddler.QueryRow(s.db.DB, &rec,
		`SELECT processor_id, height, hash, timestamp
		 FROM checkpoint_cold FINAL WHERE processor_id = ?`, s.processorID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Cold{}, false, nil
		}
		return Cold{}, false, fmt.Errorf("%w: loadCold: %v", chain.ErrTransientIO, err)
	}
	return Cold{Height: rec.Height, Hash: rec.Hash}, true, nil
}

// SaveCold writes the cold cursor. Only called after migration has
// successfully promoted all rows with height <= height.
func (s *Store) SaveCold(ctx context.Context, height int64, hash string) error {
	rec := &coldRow{
		ProcessorID: s.processorID,
		Height:      height,
		Hash:        hash,
		Timestamp:   time.Now().UTC(),
	}
	if err := meddler.Insert(s.db.DB, "checkpoint_cold", rec); err != nil {
		return fmt.Errorf("%w: saveCold: %v", chain.ErrCheckpointWrite, err)
	}
	return nil
}
