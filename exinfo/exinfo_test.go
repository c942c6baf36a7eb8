// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package exinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"go.opentelemetry.io/clrstackwalk/libpf"
	"go.opentelemetry.io/clrstackwalk/unwinder"
)

type pos struct {
	frameless bool
	callerSP  libpf.Address
	frame     libpf.Address
	funclet   bool
	filter    bool
}

func (p pos) IsFrameless() bool        { return p.frameless }
func (p pos) CallerSP() libpf.Address  { return p.callerSP }
func (p pos) FrameAddr() libpf.Address { return p.frame }
func (p pos) IsFunclet() bool          { return p.funclet }
func (p pos) IsFilterFunclet() bool    { return p.filter }

func TestStackFrame(t *testing.T) {
	var sf StackFrame
	assert.True(t, sf.IsNull())
	assert.Equal(t, "null", sf.String())
	assert.True(t, MaxVal.IsMaxVal())
	assert.Equal(t, "max", MaxVal.String())
	sf = StackFrame{SP: 0x10}
	assert.True(t, sf.Less(StackFrame{SP: 0x20}))
	sf.Clear()
	assert.True(t, sf.IsNull())
}

func TestStackRange(t *testing.T) {
	r := StackRange{Low: StackFrame{SP: 0x100}, High: StackFrame{SP: 0x200}}
	tests := map[string]struct {
		sp   libpf.Address
		want bool
	}{
		"below": {sp: 0x80},
		"low":   {sp: 0x100},
		"in":    {sp: 0x180, want: true},
		"high":  {sp: 0x200, want: true},
		"above": {sp: 0x201},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, r.Contains(StackFrame{SP: tc.sp}))
		})
	}
	assert.False(t, StackRange{}.Contains(StackFrame{SP: 1}))
}

func TestChainQueries(t *testing.T) {
	outer := &Tracker{
		Addr:            0x9000,
		Pass:            2,
		ScannedRange:    StackRange{Low: StackFrame{SP: 0x9100}, High: StackFrame{SP: 0x9200}},
		FuncletCallerSP: StackFrame{SP: 0x8800},
		EnclosingClause: StackFrame{SP: 0x9300},
	}
	inner := &Tracker{
		Addr:            0x8400,
		Prev:            outer,
		Pass:            1,
		ScannedRange:    StackRange{Low: StackFrame{SP: 0x8500}, High: StackFrame{SP: 0x8900}},
		FuncletCallerSP: StackFrame{SP: 0x8300},
		EnclosingClause: StackFrame{SP: 0x8600},
	}
	c := &Chain{Head: inner}
	assert.Equal(t, inner, c.Current())

	funclet := pos{frameless: true, callerSP: 0x8800, funclet: true}
	assert.Equal(t, StackFrame{SP: 0x9300}, c.FindParentStackFrame(funclet, false))

	filter := pos{frameless: true, callerSP: 0x8300, funclet: true, filter: true}
	assert.True(t, c.FindParentStackFrame(filter, false).IsNull())
	assert.Equal(t, StackFrame{SP: 0x8600}, c.FindParentStackFrame(filter, true))

	assert.True(t, c.FindParentStackFrame(pos{frameless: true, callerSP: 0x1}, true).IsNull())

	// Only second pass trackers unwind frames.
	assert.False(t, c.HasFrameBeenUnwound(pos{frameless: true, callerSP: 0x8700}))
	assert.True(t, c.HasFrameBeenUnwound(pos{frameless: true, callerSP: 0x9180}))
	assert.True(t, c.HasFrameBeenUnwound(pos{frame: 0x9200}))
	assert.False(t, c.IsInStackRegionUnwoundByCurrent(pos{frameless: true, callerSP: 0x9180}))

	c.Head = outer
	assert.True(t, c.IsInStackRegionUnwoundByCurrent(pos{frameless: true, callerSP: 0x9180}))

	assert.True(t, IsUnwoundToTargetParentFrame(pos{frameless: true, callerSP: 0x9300},
		StackFrame{SP: 0x9300}))
	assert.False(t, IsUnwoundToTargetParentFrame(pos{frame: 0x9300}, StackFrame{SP: 0x9300}))

	var nilChain *Chain
	assert.Nil(t, nilChain.Current())
	assert.False(t, nilChain.HasFrameBeenUnwound(pos{frameless: true}))
}

func TestWalker(t *testing.T) {
	managed := func(pc libpf.Address) bool { return pc >= 0x1000 && pc < 0x2000 }

	oldest := &Tracker{Context: &unwinder.Context{PC: 0x1100, SP: 0x9800}, UseForStackwalk: true}
	middle := &Tracker{Prev: oldest, Context: &unwinder.Context{PC: 0x3000, SP: 0x9400},
		UseForStackwalk: true}
	noctx := &Tracker{Prev: middle}
	newest := &Tracker{Prev: noctx, Context: &unwinder.Context{PC: 0x1200, SP: 0x9000}}

	var w Walker
	w.Init(newest)
	assert.Equal(t, libpf.Address(0x9000), w.SPFromContext())

	w.WalkToManaged(managed)
	assert.Equal(t, oldest, w.Tracker(), "skips unusable and native contexts")
	assert.Equal(t, libpf.Address(0x9800), w.SPFromContext())

	w.Init(newest)
	w.WalkToPosition(0x9100, true)
	assert.Equal(t, middle, w.Tracker())
	assert.False(t, noctx.UseForStackwalk)

	w.WalkOne()
	w.WalkOne()
	assert.Nil(t, w.Tracker())
	assert.Nil(t, w.Context())
	assert.Zero(t, w.SPFromContext())
	assert.Zero(t, w.FPFromContext())
	w.WalkOne()
	assert.Nil(t, w.Tracker())
}
