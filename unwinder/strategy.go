// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder // import "go.opentelemetry.io/clrstackwalk/unwinder"

import (
	"fmt"

	"go.opentelemetry.io/clrstackwalk/codeinfo"
	"go.opentelemetry.io/clrstackwalk/libpf"
	sdtypes "go.opentelemetry.io/clrstackwalk/nativeunwind/stackdeltatypes"
	"go.opentelemetry.io/clrstackwalk/remotememory"
)

// Strategy advances a context by one frame for a given architecture.
type Strategy interface {
	Name() string

	// UnwindOneFrame computes the caller of ctx in place and returns the
	// caller's resumption address. A nil ci takes the leaf path. Managed
	// code without a rule covering its PC fails with ErrNoUnwindInfo.
	// Active frames (interrupted or the first frame) are checked for
	// epilogues first.
	UnwindOneFrame(mem remotememory.RemoteMemory, ctx *Context, ci *codeinfo.CodeInfo,
		active bool) (libpf.Address, error)

	// UnwindLeaf unwinds a frame that has not set up a frame yet, such
	// as a hand-written assembly helper.
	UnwindLeaf(mem remotememory.RemoteMemory, ctx *Context) (libpf.Address, error)

	// SkippedFramesBeforeManaged tells whether explicit frames allocated
	// inside a managed frame are reported before that frame.
	SkippedFramesBeforeManaged() bool
}

// codeWindow is the largest instruction sequence inspected for epilogues.
const codeWindow = 16

// readCode reads up to codeWindow bytes at pc. Code near the end of a
// mapping is retried with smaller windows.
func readCode(mem remotememory.RemoteMemory, pc libpf.Address) []byte {
	for _, size := range []int{codeWindow, 4, 1} {
		if code, err := mem.Bytes(pc, size); err == nil {
			return code
		}
	}
	return nil
}

// frameRule returns the unwind rule for ci, or false when the leaf path
// applies. Only code outside any known region is leaf unwound.
func frameRule(ci *codeinfo.CodeInfo) (sdtypes.UnwindInfo, bool, error) {
	if !ci.IsValid() {
		return sdtypes.UnwindInfo{}, false, nil
	}
	info, ok := ci.UnwindInfo()
	if !ok {
		return sdtypes.UnwindInfo{}, false,
			fmt.Errorf("no unwind rule for %v at %v: %w", ci.Method, ci.PC, ErrNoUnwindInfo)
	}
	if info.IsCommand() {
		return info, true, fmt.Errorf("%v at %v: %w", info, ci.PC, ErrNoUnwindInfo)
	}
	return info, true, nil
}

// canonicalFrameAddress resolves the CFA base of info.
func canonicalFrameAddress(ctx *Context, info sdtypes.UnwindInfo) (libpf.Address, error) {
	var base libpf.Address
	switch info.Opcode {
	case sdtypes.UnwindOpcodeBaseSP:
		base = ctx.SP
	case sdtypes.UnwindOpcodeBaseFP:
		base = ctx.FP
	default:
		return 0, fmt.Errorf("unsupported cfa rule %v: %w", info, ErrNoUnwindInfo)
	}
	return base + libpf.Address(int64(info.Param)), nil
}

func readSlot(mem remotememory.RemoteMemory, addr libpf.Address) (libpf.Address, error) {
	v, err := mem.Uint64Checked(addr)
	if err != nil {
		return 0, fmt.Errorf("failed to read stack slot %v: %w", addr, err)
	}
	return libpf.Address(v), nil
}
