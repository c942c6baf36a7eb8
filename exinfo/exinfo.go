// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package exinfo models the chain of in-flight exception trackers of a
// thread. The stack walker consults it to resynchronize across frameless
// fault transitions, to locate the parent frame of funclets and to decide
// whether a frame has already been unwound by an active exception.
package exinfo // import "go.opentelemetry.io/clrstackwalk/exinfo"

import (
	"fmt"

	"go.opentelemetry.io/clrstackwalk/codeinfo"
	"go.opentelemetry.io/clrstackwalk/libpf"
	"go.opentelemetry.io/clrstackwalk/unwinder"
)

// StackFrame identifies a frame by the caller SP of a managed frame or the
// address of an explicit frame.
type StackFrame struct {
	SP libpf.Address
}

// MaxVal is the sentinel requesting that exactly one frame be skipped.
var MaxVal = StackFrame{SP: ^libpf.Address(0)}

func (sf StackFrame) IsNull() bool {
	return sf.SP == 0
}

func (sf StackFrame) IsMaxVal() bool {
	return sf == MaxVal
}

func (sf *StackFrame) Clear() {
	sf.SP = 0
}

func (sf StackFrame) Less(other StackFrame) bool {
	return sf.SP < other.SP
}

func (sf StackFrame) String() string {
	switch {
	case sf.IsNull():
		return "null"
	case sf.IsMaxVal():
		return "max"
	}
	return sf.SP.String()
}

// StackRange is the range of frame identities an exception has scanned,
// (Low, High]. The zero value is empty.
type StackRange struct {
	Low, High StackFrame
}

func (r StackRange) IsEmpty() bool {
	return r.Low.IsNull() && r.High.IsNull()
}

// Contains reports whether sf lies within the range.
func (r StackRange) Contains(sf StackFrame) bool {
	return !r.IsEmpty() && r.Low.SP < sf.SP && sf.SP <= r.High.SP
}

// FuncletSlots is the snapshot of GC slots reported by the last funclet
// invoked in the second pass.
type FuncletSlots struct {
	// IP is the funclet PC at the time of the report; zero when unset.
	IP    libpf.Address
	FP    libpf.Address
	Slots []codeinfo.Slot
}

// Tracker is an in-flight exception.
type Tracker struct {
	// Addr is the stack address of the tracker record. Trackers live in
	// the frame of the managed dispatch code.
	Addr libpf.Address

	// Prev is the next older tracker.
	Prev *Tracker

	// Context is the context captured when the exception was raised.
	Context *unwinder.Context

	// Pass is 1 while searching for a handler and 2 while unwinding.
	Pass int

	ScannedRange StackRange

	// FuncletCallerSP identifies the funclet currently invoked for this
	// exception through its caller SP.
	FuncletCallerSP StackFrame

	// EnclosingClause is the parent frame of that funclet.
	EnclosingClause StackFrame

	CurrentFuncletIsFilter bool

	// CallerOfActualHandlerFrame is the caller SP of the frame whose
	// catch handler was selected.
	CallerOfActualHandlerFrame StackFrame

	ClauseForCatch codeinfo.EHClause

	LastReportedFunclet FuncletSlots

	// UseForStackwalk tells whether the captured context may be used to
	// resynchronize a walk across a frameless transition.
	UseForStackwalk bool
}

func (t *Tracker) String() string {
	return fmt.Sprintf("exinfo@%v pass %d", t.Addr, t.Pass)
}

// ContextSP returns the SP of the captured context, or zero.
func (t *Tracker) ContextSP() libpf.Address {
	if t == nil || t.Context == nil {
		return 0
	}
	return t.Context.SP
}

// Position is the walker state the chain queries need.
type Position interface {
	IsFrameless() bool
	// CallerSP is the SP of the caller of a frameless frame.
	CallerSP() libpf.Address
	// FrameAddr is the address of the current explicit frame.
	FrameAddr() libpf.Address
	IsFunclet() bool
	IsFilterFunclet() bool
}

func identity(pos Position) StackFrame {
	if pos.IsFrameless() {
		return StackFrame{SP: pos.CallerSP()}
	}
	return StackFrame{SP: pos.FrameAddr()}
}

// Chain is the list of trackers of a thread, newest first.
type Chain struct {
	Head *Tracker
}

// Current returns the newest tracker.
func (c *Chain) Current() *Tracker {
	if c == nil {
		return nil
	}
	return c.Head
}

// FindParentStackFrame returns the parent frame identity of the funclet at
// pos. Filter funclets have no parent outside GC reporting.
func (c *Chain) FindParentStackFrame(pos Position, forGCReporting bool) StackFrame {
	if !pos.IsFrameless() || !pos.IsFunclet() {
		return StackFrame{}
	}
	if pos.IsFilterFunclet() && !forGCReporting {
		return StackFrame{}
	}
	caller := StackFrame{SP: pos.CallerSP()}
	for t := c.Current(); t != nil; t = t.Prev {
		if t.FuncletCallerSP == caller && !t.EnclosingClause.IsNull() {
			return t.EnclosingClause
		}
	}
	return StackFrame{}
}

// HasFrameBeenUnwound reports whether any second pass exception has already
// unwound the frame at pos.
func (c *Chain) HasFrameBeenUnwound(pos Position) bool {
	sf := identity(pos)
	for t := c.Current(); t != nil; t = t.Prev {
		if t.Pass == 2 && t.ScannedRange.Contains(sf) {
			return true
		}
	}
	return false
}

// IsInStackRegionUnwoundByCurrent reports whether the newest exception has
// unwound the frame at pos.
func (c *Chain) IsInStackRegionUnwoundByCurrent(pos Position) bool {
	t := c.Current()
	return t != nil && t.Pass == 2 && t.ScannedRange.Contains(identity(pos))
}

// IsUnwoundToTargetParentFrame reports whether the frameless frame at pos
// is the frame identified by target.
func IsUnwoundToTargetParentFrame(pos Position, target StackFrame) bool {
	return pos.IsFrameless() && pos.CallerSP() == target.SP
}
