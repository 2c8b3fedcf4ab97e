// Package cursor tracks how far the keeper has scanned the ledger's
// Subscribed event log.
//
// # Purpose
//
// The cursor is the bookmark for discovery: the last block whose logs have
// been fully incorporated into the known-subscription set.
//
// # Key Features
//
// Monotonic - The cursor never moves backwards during normal scanning.
//
// Gap Detection - A range must start exactly at last+1. Advancing with
// [1005, 1100] while the cursor is at 1000 returns ErrBlockGap so blocks
// 1001-1004 are never silently skipped.
//
// Atomic Updates - The caller advances only AFTER a range's logs have been
// recorded.
//
// # Quick Start
//
//	mgr := cursor.NewManager(keeperState, startBlock)
//
//	// Plan the next scan against the confirmed head
//	from, to, ok := mgr.Next(latest, confirmations)
//
//	// Record the logs of [from, to], then
//	mgr.Advance(from, to)   // ✓ OK
//	mgr.Advance(to+5, to+9) // ✗ ErrBlockGap
//
// # Package Structure
//
//   - manager.go - Manager implementation with gap detection and reset
//   - metrics.go - Scan throughput metrics
package cursor

// Repository stores the cursor position.
type Repository interface {
	LastBlock() uint64
	SetLastBlock(block uint64)
}
