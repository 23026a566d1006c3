// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package logstore

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/luxfi/ledgercore/internal/ledgererr"
	"github.com/luxfi/ledgercore/internal/txmodel"
)

// BoltStore is a durable Store backed by go.etcd.io/bbolt, grounded on
// the rubin-protocol client's node/store/db.go bucket-per-concern
// layout: log entries, metadata and snapshots live in three separate
// buckets. The metadata bucket holds only the committed and last
// heights; the current term and voted-for are not persisted here.
type BoltStore struct {
	db        *bolt.DB
	committed uint64
	last      uint64
}

var (
	bucketEntries  = []byte("log_entries_by_height")
	bucketMetadata = []byte("metadata")
	bucketSnapshot = []byte("snapshots")

	keyCommittedHeight = []byte("committed_height")
	keyLastHeight      = []byte("last_height")
	keySnapshotMeta    = []byte("latest")
)

// OpenBolt opens (creating if absent) a bbolt-backed log store at
// filepath.Join(dataDir, "log.db").
func OpenBolt(dataDir string) (*BoltStore, error) {
	path := filepath.Join(dataDir, "log.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt log store: %w", err)
	}
	s := &BoltStore{db: db}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketEntries, bucketMetadata, bucketSnapshot} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.loadWatermarks(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) loadWatermarks() error {
	return s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMetadata)
		if v := meta.Get(keyCommittedHeight); v != nil {
			s.committed = binary.BigEndian.Uint64(v)
		}
		if v := meta.Get(keyLastHeight); v != nil {
			s.last = binary.BigEndian.Uint64(v)
		}
		return nil
	})
}

func heightKey(h uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, h)
	return b
}

func encodeBlock(b txmodel.Block) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(b); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeBlock(data []byte) (txmodel.Block, error) {
	var b txmodel.Block
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&b); err != nil {
		return txmodel.Block{}, err
	}
	return b, nil
}

// Append satisfies Store.Append. Entries are fsynced (bbolt's default
// Update commit) before this call returns, satisfying spec §6's
// "(i) and (ii) must be fsynced before any message depending on them is
// emitted".
func (s *BoltStore) Append(entries []txmodel.Block) (AppendResult, error) {
	if len(entries) == 0 {
		return AppendResult{}, ledgererr.New(ledgererr.KindInvalidInput, "append: empty entries")
	}
	want := s.last + 1
	if entries[0].Height != want {
		return AppendResult{}, ledgererr.New(ledgererr.KindOutOfOrder,
			fmt.Sprintf("append: expected height %d, got %d", want, entries[0].Height))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Height != entries[i-1].Height+1 {
			return AppendResult{}, ledgererr.New(ledgererr.KindOutOfOrder, "append: entries not contiguous")
		}
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		for _, e := range entries {
			enc, err := encodeBlock(e)
			if err != nil {
				return err
			}
			if err := b.Put(heightKey(e.Height), enc); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketMetadata).Put(keyLastHeight, heightKey(entries[len(entries)-1].Height))
	})
	if err != nil {
		return AppendResult{}, fmt.Errorf("append: %w", err)
	}
	s.last = entries[len(entries)-1].Height
	return AppendResult{FirstHeight: entries[0].Height, LastHeight: s.last}, nil
}

func (s *BoltStore) Read(r Range) ([]txmodel.Block, error) {
	to := r.To
	if to == 0 || to > s.last {
		to = s.last
	}
	if r.From == 0 || r.From > to {
		return nil, nil
	}
	out := make([]txmodel.Block, 0, to-r.From+1)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		for h := r.From; h <= to; h++ {
			v := b.Get(heightKey(h))
			if v == nil {
				return ledgererr.New(ledgererr.KindNotFound, fmt.Sprintf("missing entry at height %d", h))
			}
			blk, err := decodeBlock(v)
			if err != nil {
				return err
			}
			out = append(out, blk)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) TruncateSuffix(fromHeight uint64) error {
	if fromHeight <= s.committed {
		return ledgererr.New(ledgererr.KindCommittedTruncation,
			fmt.Sprintf("truncate_suffix(%d): committed watermark is %d", fromHeight, s.committed))
	}
	if fromHeight > s.last {
		return nil
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		for h := fromHeight; h <= s.last; h++ {
			if err := b.Delete(heightKey(h)); err != nil {
				return err
			}
		}
		newLast := uint64(0)
		if fromHeight > 1 {
			newLast = fromHeight - 1
		}
		return tx.Bucket(bucketMetadata).Put(keyLastHeight, heightKey(newLast))
	})
	if err != nil {
		return err
	}
	if fromHeight > 1 {
		s.last = fromHeight - 1
	} else {
		s.last = 0
	}
	return nil
}

func (s *BoltStore) MarkCommitted(upToHeight uint64) error {
	if upToHeight <= s.committed {
		return nil
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMetadata).Put(keyCommittedHeight, heightKey(upToHeight))
	}); err != nil {
		return err
	}
	s.committed = upToHeight
	return nil
}

func (s *BoltStore) CommittedHeight() uint64 { return s.committed }
func (s *BoltStore) LastHeight() uint64      { return s.last }

func (s *BoltStore) InstallSnapshot(meta SnapshotMeta) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(meta); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		m := tx.Bucket(bucketMetadata)
		if err := m.Put(keyLastHeight, heightKey(meta.Height)); err != nil {
			return err
		}
		if err := m.Put(keyCommittedHeight, heightKey(meta.Height)); err != nil {
			return err
		}
		return tx.Bucket(bucketSnapshot).Put(keySnapshotMeta, buf.Bytes())
	})
	if err != nil {
		return err
	}
	s.last = meta.Height
	if meta.Height > s.committed {
		s.committed = meta.Height
	}
	return nil
}

func (s *BoltStore) Snapshot(ref SnapshotMeta) error {
	if ref.Height > s.committed {
		return ledgererr.New(ledgererr.KindInvalidInput, "snapshot height exceeds committed watermark")
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ref); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshot).Put(keySnapshotMeta, buf.Bytes())
	})
}

func (s *BoltStore) LoadSnapshot() (SnapshotMeta, bool, error) {
	var meta SnapshotMeta
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSnapshot).Get(keySnapshotMeta)
		if v == nil {
			return nil
		}
		found = true
		return gob.NewDecoder(bytes.NewReader(v)).Decode(&meta)
	})
	if err != nil {
		return SnapshotMeta{}, false, ledgererr.Wrap(ledgererr.KindSnapshotCorrupt, "load_snapshot", err)
	}
	return meta, found, nil
}
