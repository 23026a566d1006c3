// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pipeline

import (
	"sync"
	"time"

	"github.com/luxfi/ids"

	"github.com/luxfi/ledgercore/internal/crypto"
	"github.com/luxfi/ledgercore/internal/ledgererr"
)

// LargeTransferResponse is emitted once a transfer's stream completes
// (spec §4.7.5).
type LargeTransferResponse struct {
	TransferID   string
	ContentHash  ids.ID
	TotalBytes   int64
	ProcessingMS float64
	Success      bool
	Error        string
}

type transferState struct {
	totalChunks int
	chunks      map[int][]byte
	startedAt   time.Time
}

// ChunkReassembler holds at most total_chunks slots per transfer and
// reassembles a chunked client-streaming payload (spec §4.7.5). Chunks
// are idempotent on chunk_number: re-delivering the same chunk number
// simply overwrites that slot rather than duplicating bytes, so at-
// least-once stream delivery never corrupts the reassembled payload.
type ChunkReassembler struct {
	hasher crypto.Provider

	mu        sync.Mutex
	transfers map[string]*transferState
	nowFunc   func() time.Time
}

// NewChunkReassembler creates a reassembler. SetHasher installs the hash
// Finish uses for content_hash; without one, Finish reports a zero
// content_hash.
func NewChunkReassembler() *ChunkReassembler {
	return &ChunkReassembler{
		transfers: make(map[string]*transferState),
		nowFunc:   time.Now,
	}
}

// SetHasher installs the C1 hash function used to compute content_hash.
func (r *ChunkReassembler) SetHasher(h crypto.Provider) { r.hasher = h }

// AddChunk records one Chunk(transfer_id, chunk_number, total_chunks,
// data) message. Memory for a transfer in progress is bounded by
// total_chunks slots, consistent with spec §4.7.5's O(payload) bound
// when chunks aren't streamed straight to storage.
func (r *ChunkReassembler) AddChunk(transferID string, chunkNumber, totalChunks int, data []byte) error {
	if totalChunks <= 0 || chunkNumber < 0 || chunkNumber >= totalChunks {
		return ledgererr.New(ledgererr.KindInvalidInput, "chunk_number out of range for total_chunks")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.transfers[transferID]
	if !ok {
		st = &transferState{totalChunks: totalChunks, chunks: make(map[int][]byte, totalChunks), startedAt: r.nowFunc()}
		r.transfers[transferID] = st
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	st.chunks[chunkNumber] = buf
	return nil
}

// Finish completes transferID: if every slot in [0,total_chunks) is
// filled, it concatenates them in order, computes content_hash and
// returns success=true; otherwise it reports success=false,
// error="incomplete" per spec §4.7.5. The transfer's state is always
// discarded on Finish, complete or not.
func (r *ChunkReassembler) Finish(transferID string) LargeTransferResponse {
	r.mu.Lock()
	st, ok := r.transfers[transferID]
	if ok {
		delete(r.transfers, transferID)
	}
	r.mu.Unlock()

	if !ok {
		return LargeTransferResponse{TransferID: transferID, Success: false, Error: "incomplete"}
	}
	if len(st.chunks) != st.totalChunks {
		return LargeTransferResponse{TransferID: transferID, Success: false, Error: "incomplete"}
	}

	var total int64
	concat := make([]byte, 0)
	for i := 0; i < st.totalChunks; i++ {
		chunk := st.chunks[i]
		concat = append(concat, chunk...)
		total += int64(len(chunk))
	}

	var hash ids.ID
	if r.hasher != nil {
		hash = r.hasher.Hash(concat)
	}
	elapsed := r.nowFunc().Sub(st.startedAt)
	return LargeTransferResponse{
		TransferID:   transferID,
		ContentHash:  hash,
		TotalBytes:   total,
		ProcessingMS: float64(elapsed.Microseconds()) / 1000.0,
		Success:      true,
	}
}
