// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "go.opentelemetry.io/clrstackwalk/libpf"

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/xxh3"
)

// TraceHash represents the unique hash of an ordered sequence of reported frames.
type TraceHash struct {
	hi, lo uint64
}

// NewTraceHash hashes the frame identities in ids, leaf first.
// xxh3 is 4x faster than fnv.
func NewTraceHash(ids []uint64) TraceHash {
	buf := make([]byte, 8*len(ids))
	for i, id := range ids {
		binary.LittleEndian.PutUint64(buf[8*i:], id)
	}
	h := xxh3.Hash128(buf)
	return TraceHash{hi: h.Hi, lo: h.Lo}
}

// Hash32 returns a 32 bits hash of the input.
// It's main purpose is to be used for LRU caching.
func (h TraceHash) Hash32() uint32 {
	return uint32(h.lo)
}

// IsZero reports whether h is the zero value.
func (h TraceHash) IsZero() bool {
	return h.hi == 0 && h.lo == 0
}

func (h TraceHash) String() string {
	return fmt.Sprintf("%016x%016x", h.hi, h.lo)
}
