// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package codeinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/clrstackwalk/libpf"
	sdtypes "go.opentelemetry.io/clrstackwalk/nativeunwind/stackdeltatypes"
)

func newTestTable(t *testing.T) (*Table, *Region, *Region) {
	t.Helper()
	md := &MethodDesc{ID: 7, Name: "Program.Main"}
	body := &Region{
		Method: md,
		Start:  0x1000,
		End:    0x1100,
		Deltas: sdtypes.StackDeltaArray{
			{Address: 0, Info: sdtypes.UnwindInfoEntryX64},
			{Address: 1, Info: sdtypes.UnwindInfoPushedFPX64},
			{Address: 4, Info: sdtypes.UnwindInfoFramePointerX64},
		},
		Slots: []LiveSlot{
			{Start: 0x10, End: 0x80, Slot: Slot{Base: SlotBaseFP, Offset: -8}},
			{Start: 0x40, End: 0x180, Slot: Slot{Base: SlotBaseFP, Offset: -16, Pinned: true}},
		},
	}
	funclet := &Region{
		Method:      md,
		Start:       0x1100,
		End:         0x1180,
		MethodStart: 0x1000,
		Funclet:     FuncletFilter,
		Deltas: sdtypes.StackDeltaArray{
			{Address: 0, Info: sdtypes.UnwindInfoEntryX64},
		},
	}
	table, err := NewTable()
	require.NoError(t, err)
	require.NoError(t, table.Add(body))
	require.NoError(t, table.Add(funclet))
	return table, body, funclet
}

func TestResolve(t *testing.T) {
	table, body, funclet := newTestTable(t)

	tests := map[string]struct {
		pc      libpf.Address
		region  *Region
		funclet bool
		filter  bool
	}{
		"before":        {pc: 0xfff},
		"body start":    {pc: 0x1000, region: body},
		"body end":      {pc: 0x10ff, region: body},
		"funclet start": {pc: 0x1100, region: funclet, funclet: true, filter: true},
		"after":         {pc: 0x1180},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			// Second lookup is served from the cache.
			for range 2 {
				ci, ok := table.Resolve(tc.pc)
				assert.Equal(t, tc.region != nil, ok)
				assert.Equal(t, tc.region, ci.Region)
				assert.Equal(t, tc.funclet, ci.IsFunclet())
				assert.Equal(t, tc.filter, ci.IsFilterFunclet())
				assert.Equal(t, tc.region != nil, table.IsManaged(tc.pc))
			}
		})
	}
}

func TestAddPurgesMisses(t *testing.T) {
	table, err := NewTable()
	require.NoError(t, err)

	_, ok := table.Resolve(0x2010)
	require.False(t, ok)

	md := &MethodDesc{ID: 1, Name: "Late.Jitted"}
	require.NoError(t, table.Add(&Region{Method: md, Start: 0x2000, End: 0x2100}))
	ci, ok := table.Resolve(0x2010)
	require.True(t, ok)
	assert.Equal(t, md, ci.MethodDesc())
	assert.Equal(t, md, table.MethodByID(1))
}

func TestAddRejectsOverlap(t *testing.T) {
	table, _, _ := newTestTable(t)
	md := &MethodDesc{ID: 9, Name: "Other"}
	assert.Error(t, table.Add(&Region{Method: md, Start: 0x10f0, End: 0x1200}))
	assert.Error(t, table.Add(&Region{Method: md, Start: 0x0f00, End: 0x1001}))
	assert.Error(t, table.Add(&Region{Method: md, Start: 0x3000, End: 0x3000}))
	assert.NoError(t, table.Add(&Region{Method: md, Start: 0x1180, End: 0x1200}))
	assert.Len(t, table.Regions(), 3)
}

func TestCodeInfoQueries(t *testing.T) {
	table, _, _ := newTestTable(t)

	ci, ok := table.Resolve(0x1002)
	require.True(t, ok)
	info, ok := ci.UnwindInfo()
	require.True(t, ok)
	assert.Equal(t, sdtypes.UnwindInfoPushedFPX64, info)
	assert.Equal(t, uint32(2), ci.RelOffset())

	fci, ok := table.Resolve(0x1110)
	require.True(t, ok)
	assert.Equal(t, libpf.Address(0x1100), fci.FuncletStartAddress())
	assert.Equal(t, uint32(0x110), fci.RelOffset())

	assert.Len(t, ci.LiveSlots(0x20), 1)
	assert.Len(t, ci.LiveSlots(0x50), 2)
	assert.Equal(t, []Slot{{Base: SlotBaseFP, Offset: -16, Pinned: true}},
		fci.LiveSlots(fci.RelOffset()))
	assert.Empty(t, ci.LiveSlots(0x200))

	var none CodeInfo
	assert.False(t, none.IsValid())
	assert.Nil(t, none.MethodDesc())
	assert.False(t, none.IsFunclet())
}

func TestFuncletSharesParentSlots(t *testing.T) {
	parentSlot := LiveSlot{Start: 0x100, End: 0x200, Slot: Slot{Base: SlotBaseFP, Offset: -8}}
	ownSlot := LiveSlot{Start: 0x100, End: 0x180, Slot: Slot{Base: SlotBaseSP, Offset: 0x10}}

	tests := map[string]struct {
		bodyFirst bool
		offset    uint32
		expected  []Slot
	}{
		"body registered first": {
			bodyFirst: true,
			offset:    0x110,
			expected:  []Slot{ownSlot.Slot, parentSlot.Slot},
		},
		"funclet registered first": {
			offset:   0x110,
			expected: []Slot{ownSlot.Slot, parentSlot.Slot},
		},
		"only parent live": {
			bodyFirst: true,
			offset:    0x190,
			expected:  []Slot{parentSlot.Slot},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			md := &MethodDesc{ID: 3, Name: "Worker.Run"}
			body := &Region{Method: md, Start: 0x4000, End: 0x4100,
				Slots: []LiveSlot{parentSlot}}
			funclet := &Region{Method: md, Start: 0x4100, End: 0x4200,
				MethodStart: 0x4000, Funclet: FuncletHandler, Slots: []LiveSlot{ownSlot}}

			table, err := NewTable()
			require.NoError(t, err)
			order := []*Region{funclet, body}
			if tc.bodyFirst {
				order = []*Region{body, funclet}
			}
			for _, r := range order {
				require.NoError(t, table.Add(r))
			}

			assert.Same(t, body, funclet.Parent)
			assert.Nil(t, body.Parent)
			fci, ok := table.Resolve(0x4000 + libpf.Address(tc.offset))
			require.True(t, ok)
			assert.Equal(t, tc.offset, fci.RelOffset())
			assert.Equal(t, tc.expected, fci.LiveSlots(fci.RelOffset()))
		})
	}
}

func TestMethodDesc(t *testing.T) {
	var nilMD *MethodDesc
	assert.False(t, nilMD.IsILStub())
	assert.Equal(t, "<none>", nilMD.String())
	assert.True(t, (&MethodDesc{Kind: KindILStub}).IsILStub())
	assert.True(t, (&MethodDesc{Kind: KindDynamic}).IsDynamic())
	assert.Equal(t, "[fp-16] pinned", Slot{Base: SlotBaseFP, Offset: -16, Pinned: true}.String())
}
