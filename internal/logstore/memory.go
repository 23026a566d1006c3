// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package logstore

import (
	"fmt"
	"sync"

	"github.com/luxfi/ledgercore/internal/ledgererr"
	"github.com/luxfi/ledgercore/internal/txmodel"
)

// MemoryStore is an in-memory Store used by unit tests and by
// single-process simulations; "durable before ack" is satisfied
// trivially since Append never returns before the in-memory write
// completes.
type MemoryStore struct {
	mu sync.RWMutex
	// base is the height the log is rebased onto after InstallSnapshot:
	// entries[0] is the block at height base+1.
	base      uint64
	entries   []txmodel.Block
	committed uint64
	snapshot  *SnapshotMeta
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) lastLocked() uint64 {
	return s.base + uint64(len(s.entries))
}

func (s *MemoryStore) Append(entries []txmodel.Block) (AppendResult, error) {
	if len(entries) == 0 {
		return AppendResult{}, ledgererr.New(ledgererr.KindInvalidInput, "append: empty entries")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	want := s.lastLocked() + 1
	if entries[0].Height != want {
		return AppendResult{}, ledgererr.New(ledgererr.KindOutOfOrder,
			fmt.Sprintf("append: expected height %d, got %d", want, entries[0].Height))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Height != entries[i-1].Height+1 {
			return AppendResult{}, ledgererr.New(ledgererr.KindOutOfOrder, "append: entries not contiguous")
		}
	}
	s.entries = append(s.entries, entries...)
	return AppendResult{FirstHeight: entries[0].Height, LastHeight: entries[len(entries)-1].Height}, nil
}

func (s *MemoryStore) Read(r Range) ([]txmodel.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	last := s.lastLocked()
	to := r.To
	if to == 0 || to > last {
		to = last
	}
	if r.From == 0 || r.From > to {
		return nil, nil
	}
	if r.From <= s.base {
		return nil, ledgererr.New(ledgererr.KindNotFound,
			fmt.Sprintf("read: height %d is below the snapshot base %d", r.From, s.base))
	}
	out := make([]txmodel.Block, to-r.From+1)
	copy(out, s.entries[r.From-s.base-1:to-s.base])
	return out, nil
}

func (s *MemoryStore) TruncateSuffix(fromHeight uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fromHeight <= s.committed {
		return ledgererr.New(ledgererr.KindCommittedTruncation,
			fmt.Sprintf("truncate_suffix(%d): committed watermark is %d", fromHeight, s.committed))
	}
	if fromHeight > s.lastLocked() {
		return nil
	}
	s.entries = s.entries[:fromHeight-s.base-1]
	return nil
}

func (s *MemoryStore) MarkCommitted(upToHeight uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if upToHeight > s.committed {
		s.committed = upToHeight
	}
	return nil
}

func (s *MemoryStore) CommittedHeight() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.committed
}

func (s *MemoryStore) LastHeight() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastLocked()
}

func (s *MemoryStore) Snapshot(ref SnapshotMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ref.Height > s.committed {
		return ledgererr.New(ledgererr.KindInvalidInput, "snapshot height exceeds committed watermark")
	}
	cp := ref
	s.snapshot = &cp
	return nil
}

func (s *MemoryStore) InstallSnapshot(meta SnapshotMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := meta
	s.snapshot = &cp
	s.entries = nil
	s.base = meta.Height
	if meta.Height > s.committed {
		s.committed = meta.Height
	}
	return nil
}

func (s *MemoryStore) LoadSnapshot() (SnapshotMeta, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snapshot == nil {
		return SnapshotMeta{}, false, nil
	}
	return *s.snapshot, true, nil
}
