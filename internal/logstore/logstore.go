// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package logstore defines the Log Store Port (C2, spec §4.2): an
// append-only indexed log with truncation and snapshots. Durability of
// appends before acknowledgment, atomic truncation, and
// committed-prefix-consistent snapshots are guaranteed by every Store
// implementation in this package.
package logstore

import (
	"github.com/luxfi/ids"

	"github.com/luxfi/ledgercore/internal/txmodel"
)

// Range selects a half-open or closed height interval for Read.
type Range struct {
	From uint64 // inclusive
	To   uint64 // inclusive; 0 means "through last_height"
}

// AppendResult reports the height span durably appended.
type AppendResult struct {
	FirstHeight uint64
	LastHeight  uint64
}

// SnapshotMeta is the persisted-state-layout snapshot record of spec §6.
type SnapshotMeta struct {
	Height    uint64
	StateHash ids.ID
	StateBlob []byte
}

// Store is the Log Store Port.
type Store interface {
	// Append durably appends entries, which must be contiguous starting
	// at last_height+1. Returns KindOutOfOrder otherwise.
	Append(entries []txmodel.Block) (AppendResult, error)

	// Read returns the entries in r, inclusive on both ends.
	Read(r Range) ([]txmodel.Block, error)

	// TruncateSuffix drops every entry with height >= fromHeight.
	// Returns KindCommittedTruncation if any entry in that range is
	// already marked committed — this is a fatal, process-halting
	// condition per spec §4.5.8/§7; TruncateSuffix itself only reports
	// the error, the caller halts.
	TruncateSuffix(fromHeight uint64) error

	// MarkCommitted advances the committed watermark to upToHeight.
	// Idempotent and monotonic: calling with a lower height is a no-op.
	MarkCommitted(upToHeight uint64) error

	// CommittedHeight returns the current committed watermark (0 if
	// nothing is committed yet).
	CommittedHeight() uint64

	// LastHeight returns the height of the last appended entry (0 if
	// the log is empty).
	LastHeight() uint64

	// Snapshot persists stateRef as the snapshot image at upToHeight.
	// upToHeight must not exceed CommittedHeight().
	Snapshot(stateRef SnapshotMeta) error

	// InstallSnapshot replaces the log with a snapshot received from a
	// peer: it persists meta, discards every stored entry, and rebases
	// the log so the next Append must start at meta.Height+1. Both
	// watermarks advance to meta.Height. Reads at or below meta.Height
	// fail NotFound afterwards; the snapshot attests that prefix.
	InstallSnapshot(meta SnapshotMeta) error

	// LoadSnapshot returns the most recently persisted snapshot, or
	// ok=false if none exists.
	LoadSnapshot() (meta SnapshotMeta, ok bool, err error)
}
