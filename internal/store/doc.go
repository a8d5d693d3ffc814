// Package store provides persistent storage for the gateway using SQLite.
//
// # Data Models
//
//   - Mission: a mode 3/4 execution and its lifecycle status
//   - Checkpoint: a HITL decision point with an optimistic version counter
//   - Draft: a saved guided-journey configuration scoped to tenant and user
//
// # Status Transitions
//
// Mission status only moves forward (pending, preflight, running, then a
// terminal state) with one exception: running and awaiting_checkpoint may
// alternate. CanTransition encodes the table.
//
// # Checkpoint Writes
//
// Resolution uses ClaimCheckpoint, which updates the row only when it is still
// open and its version matches. A claim that must be undone after a failed
// engine call is reverted with ReleaseCheckpoint.
//
// # Implementations
//
// SQLiteStore uses modernc.org/sqlite (pure Go, no CGO) with WAL mode.
// Timestamps are stored as fixed-width UTC strings so range queries compare
// lexically. MockStore is an in-memory implementation for tests that returns
// copies of stored values.
package store
