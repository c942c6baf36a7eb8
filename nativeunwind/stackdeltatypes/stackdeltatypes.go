// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package stackdeltatypes provides the types used to describe how to unwind
// one frame of compiled code: per code interval, where the canonical frame
// address (CFA) is found and where the caller's return address and frame
// pointer were saved.
package stackdeltatypes // import "go.opentelemetry.io/clrstackwalk/nativeunwind/stackdeltatypes"

import (
	"fmt"
	"sort"
)

const (
	// UnwindOpcodeCommand marks a delta that carries a command in Param
	// instead of a CFA rule.
	UnwindOpcodeCommand uint8 = iota
	// UnwindOpcodeBaseCFA addresses relative to the CFA.
	UnwindOpcodeBaseCFA
	// UnwindOpcodeBaseSP addresses relative to the stack pointer.
	UnwindOpcodeBaseSP
	// UnwindOpcodeBaseFP addresses relative to the frame pointer.
	UnwindOpcodeBaseFP
	// UnwindOpcodeBaseLR takes the value from the link register (ARM64 only).
	UnwindOpcodeBaseLR
	// UnwindOpcodeBaseCFAFrame is an ARM64 frame record: the return address
	// is at CFA+FPParam and the frame pointer right below it.
	UnwindOpcodeBaseCFAFrame
)

const (
	// UnwindCommandInvalid marks addresses without usable unwind information.
	UnwindCommandInvalid int32 = iota
	// UnwindCommandStop marks the root function of a stack.
	UnwindCommandStop
	// UnwindCommandSignal marks a signal or fault return trampoline.
	UnwindCommandSignal
)

// UnwindInfo contains the data needed to unwind PC, SP and FP.
//
// On x86-64 FPOpcode/FPParam describe where the caller's frame pointer was
// saved and the return address is always at CFA-8. On ARM64 the same fields
// describe where the return address was saved, as in the frame record case.
type UnwindInfo struct {
	Opcode, FPOpcode uint8

	Param, FPParam int32
}

// UnwindInfoInvalid is the stack delta info indicating invalid or unsupported PC.
var UnwindInfoInvalid = UnwindInfo{Opcode: UnwindOpcodeCommand, Param: UnwindCommandInvalid}

// UnwindInfoStop is the stack delta info indicating root function of a stack.
var UnwindInfoStop = UnwindInfo{Opcode: UnwindOpcodeCommand, Param: UnwindCommandStop}

// UnwindInfoSignal is the stack delta info indicating signal return frame.
var UnwindInfoSignal = UnwindInfo{Opcode: UnwindOpcodeCommand, Param: UnwindCommandSignal}

// UnwindInfoEntryX64 describes the first instruction of a x86-64 function:
// only the return address has been pushed.
var UnwindInfoEntryX64 = UnwindInfo{Opcode: UnwindOpcodeBaseSP, Param: 8}

// UnwindInfoPushedFPX64 describes a x86-64 function after `push rbp`.
var UnwindInfoPushedFPX64 = UnwindInfo{
	Opcode:   UnwindOpcodeBaseSP,
	Param:    16,
	FPOpcode: UnwindOpcodeBaseCFA,
	FPParam:  -16,
}

// UnwindInfoFramePointerX64 contains the description to unwind a x86-64 frame pointer frame.
var UnwindInfoFramePointerX64 = UnwindInfo{
	Opcode:   UnwindOpcodeBaseFP,
	Param:    16,
	FPOpcode: UnwindOpcodeBaseCFA,
	FPParam:  -16,
}

// UnwindInfoLR contains the description to unwind arm function without frame (Link Register only)
var UnwindInfoLR = UnwindInfo{
	Opcode:   UnwindOpcodeBaseSP,
	FPOpcode: UnwindOpcodeBaseLR,
}

// UnwindInfoFramePointerARM64 describes an ARM64 function after
// `stp x29, x30, [sp, #-16]!; mov x29, sp`.
var UnwindInfoFramePointerARM64 = UnwindInfo{
	Opcode:   UnwindOpcodeBaseFP,
	Param:    16,
	FPOpcode: UnwindOpcodeBaseCFAFrame,
	FPParam:  -8,
}

// IsCommand reports whether the info is a command instead of a CFA rule.
func (info UnwindInfo) IsCommand() bool {
	return info.Opcode == UnwindOpcodeCommand
}

func (info UnwindInfo) String() string {
	if info.IsCommand() {
		switch info.Param {
		case UnwindCommandStop:
			return "stop"
		case UnwindCommandSignal:
			return "signal"
		default:
			return "invalid"
		}
	}
	return fmt.Sprintf("cfa=%s%+d ra/fp=%s%+d", opcodeName(info.Opcode), info.Param,
		opcodeName(info.FPOpcode), info.FPParam)
}

func opcodeName(op uint8) string {
	switch op {
	case UnwindOpcodeBaseCFA:
		return "cfa"
	case UnwindOpcodeBaseSP:
		return "sp"
	case UnwindOpcodeBaseFP:
		return "fp"
	case UnwindOpcodeBaseLR:
		return "lr"
	case UnwindOpcodeBaseCFAFrame:
		return "frame"
	}
	return "none"
}

// StackDelta defines the start offset for the delta interval, along with
// the unwind information.
type StackDelta struct {
	Address uint64
	Info    UnwindInfo
}

// StackDeltaArray defines an address space where consecutive entries establish
// intervals for the stack deltas. Entries are kept sorted by Address.
type StackDeltaArray []StackDelta

// Add inserts a delta, replacing an existing one at the same address.
func (deltas *StackDeltaArray) Add(delta StackDelta) {
	d := *deltas
	idx := sort.Search(len(d), func(i int) bool { return d[i].Address >= delta.Address })
	if idx < len(d) && d[idx].Address == delta.Address {
		d[idx] = delta
		return
	}
	d = append(d, StackDelta{})
	copy(d[idx+1:], d[idx:])
	d[idx] = delta
	*deltas = d
}

// Lookup returns the unwind info of the interval containing addr.
func (deltas StackDeltaArray) Lookup(addr uint64) (UnwindInfo, bool) {
	idx := sort.Search(len(deltas), func(i int) bool { return deltas[i].Address > addr })
	if idx == 0 {
		return UnwindInfoInvalid, false
	}
	return deltas[idx-1].Info, true
}
