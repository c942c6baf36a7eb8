// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package codeinfo // import "go.opentelemetry.io/clrstackwalk/codeinfo"

import (
	"cmp"
	"fmt"
	"slices"

	lru "github.com/elastic/go-freelru"

	"go.opentelemetry.io/clrstackwalk/libpf"
	"go.opentelemetry.io/clrstackwalk/libpf/xsync"
)

// lookupCacheSize is the number of PC lookups remembered by a Table.
const lookupCacheSize = 4096

type tableState struct {
	regions []*Region
	methods map[uint64]*MethodDesc
}

// Table is a Resolver over a set of registered code regions. It is safe for
// concurrent use: the sampler resolves PCs from several walks at once.
type Table struct {
	state xsync.RWMutex[tableState]

	// lookups caches Resolve results, including misses.
	lookups *lru.SyncedLRU[libpf.Address, CodeInfo]
}

var _ Resolver = (*Table)(nil)

// NewTable returns an empty code table.
func NewTable() (*Table, error) {
	lookups, err := lru.NewSynced[libpf.Address, CodeInfo](lookupCacheSize,
		libpf.Address.Hash32)
	if err != nil {
		return nil, err
	}
	return &Table{
		state: xsync.NewRWMutex(tableState{
			methods: make(map[uint64]*MethodDesc),
		}),
		lookups: lookups,
	}, nil
}

// Add registers a code region. Regions must not overlap.
func (t *Table) Add(r *Region) error {
	if r.Method == nil {
		return fmt.Errorf("region %v-%v has no method", r.Start, r.End)
	}
	if r.End <= r.Start {
		return fmt.Errorf("region %v has empty range", r)
	}
	if r.MethodStart == 0 {
		r.MethodStart = r.Start
	}

	state := t.state.WLock()
	defer t.state.WUnlock(&state)

	idx, _ := slices.BinarySearchFunc(state.regions, r.Start,
		func(e *Region, start libpf.Address) int {
			return cmp.Compare(e.Start, start)
		})
	if idx > 0 && state.regions[idx-1].End > r.Start {
		return fmt.Errorf("region %v overlaps %v", r, state.regions[idx-1])
	}
	if idx < len(state.regions) && state.regions[idx].Start < r.End {
		return fmt.Errorf("region %v overlaps %v", r, state.regions[idx])
	}
	if existing, ok := state.methods[r.Method.ID]; ok && existing != r.Method {
		return fmt.Errorf("method id %d registered as %v and %v",
			r.Method.ID, existing, r.Method)
	}
	state.regions = slices.Insert(state.regions, idx, r)
	state.methods[r.Method.ID] = r.Method
	linkFunclets(state.regions, r)

	// Cached misses may now resolve.
	t.lookups.Purge()
	return nil
}

// linkFunclets connects r with the other regions of its method, whichever
// was registered first.
func linkFunclets(regions []*Region, r *Region) {
	if r.Funclet != FuncletNone {
		if r.Parent != nil {
			return
		}
		idx, found := slices.BinarySearchFunc(regions, r.MethodStart,
			func(e *Region, start libpf.Address) int {
				return cmp.Compare(e.Start, start)
			})
		if found && regions[idx].Method == r.Method {
			r.Parent = regions[idx]
		}
		return
	}
	for _, f := range regions {
		if f.Funclet != FuncletNone && f.Parent == nil &&
			f.MethodStart == r.Start && f.Method == r.Method {
			f.Parent = r
		}
	}
}

// Resolve implements Resolver.
func (t *Table) Resolve(pc libpf.Address) (CodeInfo, bool) {
	if ci, ok := t.lookups.Get(pc); ok {
		return ci, ci.Region != nil
	}

	state := t.state.RLock()
	defer t.state.RUnlock(&state)

	ci := CodeInfo{PC: pc}
	idx, found := slices.BinarySearchFunc(state.regions, pc,
		func(e *Region, a libpf.Address) int {
			switch {
			case a < e.Start:
				return 1
			case a >= e.End:
				return -1
			}
			return 0
		})
	if found {
		ci.Region = state.regions[idx]
	}
	t.lookups.Add(pc, ci)
	return ci, found
}

// MethodByID implements Resolver.
func (t *Table) MethodByID(id uint64) *MethodDesc {
	state := t.state.RLock()
	defer t.state.RUnlock(&state)
	return state.methods[id]
}

// IsManaged reports whether pc lies in registered code.
func (t *Table) IsManaged(pc libpf.Address) bool {
	_, ok := t.Resolve(pc)
	return ok
}

// Regions returns a copy of the registered regions in address order.
func (t *Table) Regions() []*Region {
	state := t.state.RLock()
	defer t.state.RUnlock(&state)
	return slices.Clone(state.regions)
}
