// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pipeline

import (
	"encoding/binary"

	"github.com/luxfi/ids"
)

// mustID builds a deterministic ids.ID from a small integer, for tests
// that need distinct but reproducible tx IDs without pulling in a real
// hash.
func mustID(n uint64) ids.ID {
	var id ids.ID
	binary.BigEndian.PutUint64(id[:8], n)
	return id
}
