// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package remotememory // import "go.opentelemetry.io/clrstackwalk/remotememory"

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"go.opentelemetry.io/clrstackwalk/libpf"
)

// ErrUnmapped is returned for reads of addresses that are not backed by memory.
var ErrUnmapped = errors.New("address not mapped")

// Region is a contiguous block of captured target memory.
type Region struct {
	Start libpf.Address
	Data  []byte
}

// End returns the first address after the region.
func (r *Region) End() libpf.Address {
	return r.Start + libpf.Address(len(r.Data))
}

// SnapshotMemory is an io.ReaderAt over frozen memory regions, such as a
// captured thread stack and the code bytes around its return addresses.
// Reads never span two regions.
type SnapshotMemory struct {
	regions []*Region
}

// NewSnapshotMemory creates an empty memory image.
func NewSnapshotMemory() *SnapshotMemory {
	return &SnapshotMemory{}
}

// Map adds a zero filled region of size bytes at start and returns it.
func (sm *SnapshotMemory) Map(start libpf.Address, size int) (*Region, error) {
	r := &Region{Start: start, Data: make([]byte, size)}
	return r, sm.AddRegion(r)
}

// AddRegion adds a region. Regions must not overlap.
func (sm *SnapshotMemory) AddRegion(r *Region) error {
	for _, other := range sm.regions {
		if r.Start < other.End() && other.Start < r.End() {
			return fmt.Errorf("region %v-%v overlaps %v-%v",
				r.Start, r.End(), other.Start, other.End())
		}
	}
	idx, _ := slices.BinarySearchFunc(sm.regions, r.Start,
		func(e *Region, start libpf.Address) int {
			return cmp.Compare(e.Start, start)
		})
	sm.regions = slices.Insert(sm.regions, idx, r)
	return nil
}

// find returns the region containing addr.
func (sm *SnapshotMemory) find(addr libpf.Address) *Region {
	idx, found := slices.BinarySearchFunc(sm.regions, addr,
		func(e *Region, a libpf.Address) int {
			switch {
			case a < e.Start:
				return 1
			case a >= e.End():
				return -1
			}
			return 0
		})
	if !found {
		return nil
	}
	return sm.regions[idx]
}

// ReadAt implements io.ReaderAt.
func (sm *SnapshotMemory) ReadAt(p []byte, off int64) (int, error) {
	addr := libpf.Address(off)
	r := sm.find(addr)
	if r == nil {
		return 0, fmt.Errorf("read at %v: %w", addr, ErrUnmapped)
	}
	n := copy(p, r.Data[addr-r.Start:])
	if n < len(p) {
		return n, fmt.Errorf("read at %v crosses region end %v: %w", addr, r.End(), ErrUnmapped)
	}
	return n, nil
}

// WriteAt stores p at off. It is used by tools that build memory images and
// is never reached from a walk.
func (sm *SnapshotMemory) WriteAt(p []byte, off int64) (int, error) {
	addr := libpf.Address(off)
	r := sm.find(addr)
	if r == nil || addr+libpf.Address(len(p)) > r.End() {
		return 0, fmt.Errorf("write at %v: %w", addr, ErrUnmapped)
	}
	return copy(r.Data[addr-r.Start:], p), nil
}

// Regions returns the mapped regions ordered by start address.
func (sm *SnapshotMemory) Regions() []*Region {
	return sm.regions
}
