// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package codeinfo resolves instruction pointers to the JIT-compiled code
// regions that contain them. It is the code-info collaborator of the stack
// walker: for a managed PC it supplies the method identity, the unwind
// metadata, the funclet classification and the GC slot liveness tables.
package codeinfo // import "go.opentelemetry.io/clrstackwalk/codeinfo"

import (
	"fmt"

	"go.opentelemetry.io/clrstackwalk/libpf"
	sdtypes "go.opentelemetry.io/clrstackwalk/nativeunwind/stackdeltatypes"
)

// MethodKind classifies the logical method that owns a code region.
type MethodKind uint8

const (
	// KindNormal is an ordinary JIT-compiled method.
	KindNormal MethodKind = iota
	// KindILStub is a runtime generated marshaling stub.
	KindILStub
	// KindDynamic is a lightweight code-generated method whose resolver must
	// be kept alive by the GC as long as a frame of it is on the stack.
	KindDynamic
	// KindEHHelper is managed exception dispatch code.
	KindEHHelper
)

func (k MethodKind) String() string {
	switch k {
	case KindNormal:
		return "normal"
	case KindILStub:
		return "ilstub"
	case KindDynamic:
		return "dynamic"
	case KindEHHelper:
		return "ehhelper"
	}
	return fmt.Sprintf("MethodKind(%d)", k)
}

// MethodDesc is the identity of a logical method.
type MethodDesc struct {
	ID   uint64
	Name string
	Kind MethodKind
}

// IsILStub reports whether the method is a marshaling stub.
func (md *MethodDesc) IsILStub() bool {
	return md != nil && md.Kind == KindILStub
}

// IsDynamic reports whether the method is a dynamic (LCG) method.
func (md *MethodDesc) IsDynamic() bool {
	return md != nil && md.Kind == KindDynamic
}

func (md *MethodDesc) String() string {
	if md == nil {
		return "<none>"
	}
	return md.Name
}

// FuncletKind tells whether a code region is a funclet and which one.
type FuncletKind uint8

const (
	FuncletNone FuncletKind = iota
	// FuncletHandler is a catch, finally or fault handler.
	FuncletHandler
	// FuncletFilter is an exception filter. Filters run during the first
	// pass while their parent frame is still live.
	FuncletFilter
)

// EHClause describes the handler range of a catch clause, as offsets
// relative to the method start.
type EHClause struct {
	HandlerStart uint32
	HandlerEnd   uint32
}

// IsZero reports whether the clause is unset.
func (c EHClause) IsZero() bool {
	return c == EHClause{}
}

// SlotBase selects the register a stack slot is addressed from.
type SlotBase uint8

const (
	SlotBaseSP SlotBase = iota
	SlotBaseFP
	SlotBaseCallerSP
)

func (b SlotBase) String() string {
	switch b {
	case SlotBaseSP:
		return "sp"
	case SlotBaseFP:
		return "fp"
	case SlotBaseCallerSP:
		return "callersp"
	}
	return "?"
}

// Slot is a stack location holding an object reference.
type Slot struct {
	Base   SlotBase
	Offset int32
	Pinned bool
}

func (s Slot) String() string {
	p := ""
	if s.Pinned {
		p = " pinned"
	}
	return fmt.Sprintf("[%s%+d]%s", s.Base, s.Offset, p)
}

// LiveSlot is a slot that is live while the method offset is within
// [Start, End). Offsets are relative to the method start so funclets and
// their parent share one table.
type LiveSlot struct {
	Start, End uint32
	Slot
}

// Region is one contiguous code range: the main body of a method or one of
// its funclets.
type Region struct {
	Method *MethodDesc

	// Start and End bound the region [Start, End).
	Start, End libpf.Address

	// MethodStart is the entry point of the owning method. For the main
	// body it equals Start.
	MethodStart libpf.Address

	Funclet FuncletKind

	// Parent is the main body region of a funclet. Funclets resolve their
	// live slots through it.
	Parent *Region

	// Deltas holds the unwind metadata keyed by offset from Start.
	Deltas sdtypes.StackDeltaArray

	// GSCookieOffset locates the stack-buffer-overrun guard cookie relative
	// to the caller SP of the frame. Zero means the region has no cookie.
	GSCookieOffset int32

	Clauses []EHClause
	Slots   []LiveSlot
}

// Contains reports whether pc lies within the region.
func (r *Region) Contains(pc libpf.Address) bool {
	return pc.InRange(r.Start, r.End)
}

func (r *Region) String() string {
	kind := ""
	switch r.Funclet {
	case FuncletHandler:
		kind = " (funclet)"
	case FuncletFilter:
		kind = " (filter)"
	}
	return fmt.Sprintf("%s%s [%v-%v)", r.Method, kind, r.Start, r.End)
}

// CodeInfo is the result of resolving a PC inside managed code.
type CodeInfo struct {
	*Region
	PC libpf.Address
}

// IsValid reports whether the PC was resolved to managed code.
func (ci *CodeInfo) IsValid() bool {
	return ci != nil && ci.Region != nil
}

// MethodDesc returns the owning method.
func (ci *CodeInfo) MethodDesc() *MethodDesc {
	if !ci.IsValid() {
		return nil
	}
	return ci.Method
}

// RelOffset returns the PC offset relative to the method start.
func (ci *CodeInfo) RelOffset() uint32 {
	return uint32(ci.PC - ci.MethodStart)
}

func (ci *CodeInfo) IsFunclet() bool {
	return ci.IsValid() && ci.Funclet != FuncletNone
}

func (ci *CodeInfo) IsFilterFunclet() bool {
	return ci.IsValid() && ci.Funclet == FuncletFilter
}

// FuncletStartAddress returns the start of the region containing the PC,
// which for the main body is the method entry point.
func (ci *CodeInfo) FuncletStartAddress() libpf.Address {
	return ci.Start
}

// UnwindInfo returns the unwind rule covering the PC.
func (ci *CodeInfo) UnwindInfo() (sdtypes.UnwindInfo, bool) {
	if !ci.IsValid() {
		return sdtypes.UnwindInfoInvalid, false
	}
	return ci.Deltas.Lookup(uint64(ci.PC - ci.Start))
}

// LiveSlots returns the slots live at the given method-relative offset.
// Funclets also report the entries of their parent's table.
func (ci *CodeInfo) LiveSlots(offset uint32) []Slot {
	if !ci.IsValid() {
		return nil
	}
	slots := liveAt(nil, ci.Slots, offset)
	if ci.Parent != nil {
		slots = liveAt(slots, ci.Parent.Slots, offset)
	}
	return slots
}

func liveAt(slots []Slot, table []LiveSlot, offset uint32) []Slot {
	for _, ls := range table {
		if offset >= ls.Start && offset < ls.End {
			slots = append(slots, ls.Slot)
		}
	}
	return slots
}

// Resolver is implemented by code managers able to map PCs to code.
type Resolver interface {
	// Resolve returns the code info for pc, or false if pc is not in
	// managed code.
	Resolve(pc libpf.Address) (CodeInfo, bool)

	// MethodByID returns the method with the given identity, or nil.
	MethodByID(id uint64) *MethodDesc
}
