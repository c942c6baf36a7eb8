// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder // import "go.opentelemetry.io/clrstackwalk/unwinder"

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"go.opentelemetry.io/clrstackwalk/codeinfo"
	"go.opentelemetry.io/clrstackwalk/libpf"
	sdtypes "go.opentelemetry.io/clrstackwalk/nativeunwind/stackdeltatypes"
	"go.opentelemetry.io/clrstackwalk/remotememory"
)

// AMD64 unwinds x86-64 frames. The return address is stored just below the
// CFA and RBP is optionally restored from the frame.
type AMD64 struct{}

var _ Strategy = AMD64{}

func (AMD64) Name() string { return "amd64" }

func (AMD64) SkippedFramesBeforeManaged() bool { return true }

func (a AMD64) UnwindLeaf(mem remotememory.RemoteMemory, ctx *Context) (libpf.Address, error) {
	ra, err := readSlot(mem, ctx.SP)
	if err != nil {
		return 0, err
	}
	ctx.PC = ra
	ctx.SP += 8
	return ra, nil
}

// epilogueKind inspects the code at PC: 0 is no epilogue, 1 a bare RET and
// 2 a POP RBP followed by RET.
func (AMD64) epilogueKind(mem remotememory.RemoteMemory, pc libpf.Address) int {
	code := readCode(mem, pc)
	if len(code) == 0 {
		return 0
	}
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return 0
	}
	switch inst.Op {
	case x86asm.RET:
		return 1
	case x86asm.POP:
		if reg, ok := inst.Args[0].(x86asm.Reg); !ok || reg != x86asm.RBP {
			return 0
		}
		if inst.Len >= len(code) {
			return 0
		}
		next, err := x86asm.Decode(code[inst.Len:], 64)
		if err == nil && next.Op == x86asm.RET {
			return 2
		}
	}
	return 0
}

func (a AMD64) UnwindOneFrame(mem remotememory.RemoteMemory, ctx *Context,
	ci *codeinfo.CodeInfo, active bool) (libpf.Address, error) {
	if active && ci.IsValid() {
		switch a.epilogueKind(mem, ctx.PC) {
		case 1:
			return a.UnwindLeaf(mem, ctx)
		case 2:
			fp, err := readSlot(mem, ctx.SP)
			if err != nil {
				return 0, err
			}
			ctx.FP = fp
			ctx.SP += 8
			return a.UnwindLeaf(mem, ctx)
		}
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
	if cfa < ctx.SP+8 {
		return 0, fmt.Errorf("cfa %v below sp %v: %w", cfa, ctx.SP, ErrBadUnwind)
	}
	ra, err := readSlot(mem, cfa-8)
	if err != nil {
		return 0, err
	}
	if info.FPOpcode == sdtypes.UnwindOpcodeBaseCFA {
		fp, err := readSlot(mem, cfa+libpf.Address(int64(info.FPParam)))
		if err != nil {
			return 0, err
		}
		ctx.FP = fp
	}
	ctx.PC = ra
	ctx.SP = cfa
	return ra, nil
}
