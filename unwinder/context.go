// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package unwinder implements the architecture-neutral execution context
// and the per-architecture strategies that advance it one frame toward the
// caller.
package unwinder // import "go.opentelemetry.io/clrstackwalk/unwinder"

import (
	"errors"
	"fmt"

	"go.opentelemetry.io/clrstackwalk/codeinfo"
	"go.opentelemetry.io/clrstackwalk/libpf"
	"go.opentelemetry.io/clrstackwalk/remotememory"
)

var (
	// ErrNoUnwindInfo is returned when a PC inside recognized code has no
	// usable unwind rule. This is a consistency violation, not a stale
	// context.
	ErrNoUnwindInfo = errors.New("no unwind info for managed code")

	// ErrBadUnwind is returned when an unwind step would move the stack
	// pointer toward the leaf.
	ErrBadUnwind = errors.New("unwind did not make progress")
)

// ContextFlags annotate a captured context.
type ContextFlags uint32

const (
	// ContextExceptionActive marks a context captured at a hardware fault.
	ContextExceptionActive ContextFlags = 1 << iota
)

// NumCalleeSaved is the number of callee-saved general purpose and
// floating point registers tracked besides SP, FP and LR.
const NumCalleeSaved = 8

// Context is a snapshot of the registers the walker needs.
type Context struct {
	PC, SP, FP, LR libpf.Address

	Callee [NumCalleeSaved]uint64
	Float  [NumCalleeSaved]uint64

	Flags ContextFlags
}

func (ctx *Context) String() string {
	return fmt.Sprintf("pc=%v sp=%v fp=%v", ctx.PC, ctx.SP, ctx.FP)
}

// RegDisplay is the walker's view of the current frame's registers along
// with a lazily computed caller context.
type RegDisplay struct {
	Current Context
	Caller  Context

	// IsCallerContextValid tells whether Caller holds the unwound
	// Current. It is cleared whenever Current changes.
	IsCallerContextValid bool

	ControlPC libpf.Address
	SP        libpf.Address
}

// NewRegDisplay returns a RegDisplay seeded with ctx.
func NewRegDisplay(ctx Context) *RegDisplay {
	rd := &RegDisplay{}
	rd.Fill(ctx)
	return rd
}

// Fill replaces the current context.
func (rd *RegDisplay) Fill(ctx Context) {
	rd.Current = ctx
	rd.IsCallerContextValid = false
	rd.SyncRegDisplayToCurrentContext()
}

// SyncRegDisplayToCurrentContext refreshes the cached control PC and SP.
func (rd *RegDisplay) SyncRegDisplayToCurrentContext() {
	rd.ControlPC = rd.Current.PC
	rd.SP = rd.Current.SP
}

// EnsureCallerContextIsValid computes the caller context of the current
// frame unless it is already cached.
func (rd *RegDisplay) EnsureCallerContextIsValid(s Strategy, mem remotememory.RemoteMemory,
	ci *codeinfo.CodeInfo, active bool) error {
	if rd.IsCallerContextValid {
		return nil
	}
	caller := rd.Current
	if _, err := s.UnwindOneFrame(mem, &caller, ci, active); err != nil {
		return err
	}
	rd.Caller = caller
	rd.IsCallerContextValid = true
	return nil
}

// UnwindStackFrame advances the current context to its caller, reusing the
// cached caller context when present.
func (rd *RegDisplay) UnwindStackFrame(s Strategy, mem remotememory.RemoteMemory,
	ci *codeinfo.CodeInfo, active bool) error {
	if err := rd.EnsureCallerContextIsValid(s, mem, ci, active); err != nil {
		return err
	}
	rd.Current = rd.Caller
	rd.IsCallerContextValid = false
	rd.SyncRegDisplayToCurrentContext()
	return nil
}
