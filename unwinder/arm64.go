// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder // import "go.opentelemetry.io/clrstackwalk/unwinder"

import (
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"

	"go.opentelemetry.io/clrstackwalk/codeinfo"
	"go.opentelemetry.io/clrstackwalk/libpf"
	sdtypes "go.opentelemetry.io/clrstackwalk/nativeunwind/stackdeltatypes"
	"go.opentelemetry.io/clrstackwalk/remotememory"
)

// ARM64 unwinds AArch64 frames. Leaf frames return through LR, framed
// functions store the FP/LR pair at the bottom of their frame.
type ARM64 struct{}

var _ Strategy = ARM64{}

func (ARM64) Name() string { return "arm64" }

func (ARM64) SkippedFramesBeforeManaged() bool { return true }

func (ARM64) UnwindLeaf(_ remotememory.RemoteMemory, ctx *Context) (libpf.Address, error) {
	if ctx.LR == 0 {
		return 0, fmt.Errorf("leaf frame at %v without link register: %w",
			ctx.PC, ErrBadUnwind)
	}
	ctx.PC = ctx.LR
	ctx.LR = 0
	return ctx.PC, nil
}

func (ARM64) isReturn(mem remotememory.RemoteMemory, pc libpf.Address) bool {
	code := readCode(mem, pc)
	if len(code) < 4 {
		return false
	}
	inst, err := arm64asm.Decode(code[:4])
	return err == nil && inst.Op == arm64asm.RET
}

func (a ARM64) UnwindOneFrame(mem remotememory.RemoteMemory, ctx *Context,
	ci *codeinfo.CodeInfo, active bool) (libpf.Address, error) {
	if active && ci.IsValid() && a.isReturn(mem, ctx.PC) {
		return a.UnwindLeaf(mem, ctx)
	}

	info, ok, err := frameRule(ci)
	if err != nil {
		return 0, err
	}
	if !ok {
		return a.UnwindLeaf(mem, ctx)
	}

	cfa, err := canonicalFrameAddress(ctx, info)
	if err != nil {
		return 0, err
	}
	if cfa < ctx.SP {
		return 0, fmt.Errorf("cfa %v below sp %v: %w", cfa, ctx.SP, ErrBadUnwind)
	}

	var ra libpf.Address
	slot := cfa + libpf.Address(int64(info.FPParam))
	switch info.FPOpcode {
	case sdtypes.UnwindOpcodeBaseLR:
		ra = ctx.LR
	case sdtypes.UnwindOpcodeBaseCFA:
		if ra, err = readSlot(mem, slot); err != nil {
			return 0, err
		}
	case sdtypes.UnwindOpcodeBaseCFAFrame:
		if ra, err = readSlot(mem, slot); err != nil {
			return 0, err
		}
		fp, err := readSlot(mem, slot-8)
		if err != nil {
			return 0, err
		}
		ctx.FP = fp
	default:
		return 0, fmt.Errorf("unsupported return address rule %v: %w", info, ErrNoUnwindInfo)
	}
	if cfa == ctx.SP && ra == ctx.PC {
		return 0, fmt.Errorf("frame at %v returns to itself: %w", ctx.PC, ErrBadUnwind)
	}
	// The caller's link register was clobbered by the call.
	ctx.PC = ra
	ctx.LR = 0
	ctx.SP = cfa
	return ra, nil
}
