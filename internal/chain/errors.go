package chain

import "errors"

// Error taxonomy shared by every component, per the propagation policy:
// transient transport errors on data inserts are absorbed inside the
// ingest buffer; everything else propagates to the coordinator, which
// aborts the current batch and re-raises so the producer reconnects.
var (
	// ErrConnect means the database could not be reached. Fatal; no state
	// is mutated before this is returned.
	ErrConnect = errors.New("connect: unable to reach database")

	// ErrSchema means a hot-supported table lacks its configured height
	// column, or a required table is missing.
	ErrSchema = errors.New("schema: managed table does not satisfy hot-block requirements")

	// ErrTransientIO covers broken pipe / reset / timeout during insert.
	// Retried up to 3 attempts; surfaced as fatal once retries are exhausted.
	ErrTransientIO = errors.New("transient io error")

	// ErrNonTransientIO covers insert failures classified as permanent
	// (malformed data, constraint violation) — never retried, returned on
	// the first attempt.
	ErrNonTransientIO = errors.New("non-transient io error")

	// ErrUnknownTable means a migration or validation query referenced a
	// table that does not exist yet. Callers log once and skip.
	ErrUnknownTable = errors.New("unknown table")

	// ErrReorgConsistency means no common ancestor was found within the
	// hot chain and finalizedHeight is also unreachable.
	ErrReorgConsistency = errors.New("reorg: no common ancestor reachable")

	// ErrCheckpointWrite is fatal: the coordinator must not acknowledge
	// the batch as complete.
	ErrCheckpointWrite = errors.New("checkpoint write failed")
)
