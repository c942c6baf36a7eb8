// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "go.opentelemetry.io/clrstackwalk/libpf"

import "fmt"

// Address represents an address in the address space of the walked thread.
type Address uintptr

// Hash32 returns a 32 bits hash of the input.
// It's main purpose is to be used as key for caching.
func (adr Address) Hash32() uint32 {
	return uint32(adr.Hash())
}

// Hash returns a 64 bits hash of the input using the Murmur3 finalizer.
func (adr Address) Hash() uint64 {
	x := uint64(adr)
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}

// InRange reports whether adr lies in the half-open interval [lo, hi).
func (adr Address) InRange(lo, hi Address) bool {
	return adr >= lo && adr < hi
}

func (adr Address) String() string {
	return fmt.Sprintf("0x%x", uint64(adr))
}
