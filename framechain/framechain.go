// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package framechain models the explicit frame records the runtime pushes
// onto a thread's stack around transitions such as calls into native code,
// exception dispatch or redirected thread contexts.
package framechain // import "go.opentelemetry.io/clrstackwalk/framechain"

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/clrstackwalk/codeinfo"
	"go.opentelemetry.io/clrstackwalk/libpf"
	"go.opentelemetry.io/clrstackwalk/unwinder"
)

// Kind identifies the type of an explicit frame.
type Kind uint32

const (
	KindInvalid Kind = iota
	// KindInlinedCall marks a call from managed into native code. It is
	// allocated inside the calling managed frame and reused across calls.
	KindInlinedCall
	// KindHelperMethod protects a native runtime helper called from
	// managed code.
	KindHelperMethod
	// KindSoftwareException is pushed by the throw helpers.
	KindSoftwareException
	// KindFaulting captures the context of a hardware fault.
	KindFaulting
	// KindResumable holds the context of a redirected or hijacked thread.
	KindResumable
	// KindFuncEval is pushed by debugger function evaluation.
	KindFuncEval
	// KindInterpreter marks a transition into the interpreter.
	KindInterpreter
	// KindTransition is a generic native to managed transition.
	KindTransition
	// KindDebuggerExit marks debugger controlled native code.
	KindDebuggerExit
	kindMax
)

var kindNames = [...]string{
	KindInvalid:           "Invalid",
	KindInlinedCall:       "InlinedCall",
	KindHelperMethod:      "HelperMethod",
	KindSoftwareException: "SoftwareException",
	KindFaulting:          "Faulting",
	KindResumable:         "Resumable",
	KindFuncEval:          "FuncEval",
	KindInterpreter:       "Interpreter",
	KindTransition:        "Transition",
	KindDebuggerExit:      "DebuggerExit",
}

func (k Kind) String() string {
	if k < kindMax {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint32(k))
}

// ParseKind returns the kind named s.
func ParseKind(s string) (Kind, error) {
	for k := KindInlinedCall; k < kindMax; k++ {
		if strings.EqualFold(kindNames[k], s) {
			return k, nil
		}
	}
	return KindInvalid, fmt.Errorf("unknown frame kind %q", s)
}

// Attribs are the frame attribute bits.
type Attribs uint32

const (
	AttrNone Attribs = 0
	// AttrException marks frames pushed for an exception. The managed
	// frame they return into was interrupted.
	AttrException Attribs = 1 << iota
	// AttrFaulted marks frames pushed for a hardware fault.
	AttrFaulted
	// AttrResumable marks frames whose return address is the exact
	// resumption point, as if the frame was the leaf.
	AttrResumable
)

// Top is the frame address of the end of the chain.
const Top = ^libpf.Address(0)

// Frame is an explicit frame on the stack of a walked thread.
type Frame interface {
	// Addr is the stack address of the frame record.
	Addr() libpf.Address
	Kind() Kind
	Attribs() Attribs

	// Next returns the next (more root-ward) frame, or nil at the top of
	// the chain.
	Next() Frame

	// Method returns the method associated with the frame, if any.
	Method() *codeinfo.MethodDesc

	// ReturnAddress is the PC the frame returns into, or zero.
	ReturnAddress() libpf.Address

	// InlinedCallActive reports whether this is an inlined call frame
	// with a native call in flight.
	InlinedCallActive() bool

	// UpdateRegDisplay loads the context the frame resumes into.
	UpdateRegDisplay(rd *unwinder.RegDisplay)

	// ExceptionUnwind runs termination work before the frame is popped
	// during exception unwind.
	ExceptionUnwind()
}

// Addr returns the address of f, or Top for a nil frame.
func Addr(f Frame) libpf.Address {
	if f == nil {
		return Top
	}
	return f.Addr()
}

// NextExplicitFrame returns the next frame in the chain.
func NextExplicitFrame(f Frame) Frame {
	if f == nil {
		return nil
	}
	return f.Next()
}

// Record is a decoded explicit frame.
type Record struct {
	Address    libpf.Address
	FrameKind  Kind
	Attr       Attribs
	NextRecord *Record
	MethodDesc *codeinfo.MethodDesc

	// RetAddr, SavedSP and SavedFP describe the context the frame
	// returns into.
	RetAddr libpf.Address
	SavedSP libpf.Address
	SavedFP libpf.Address

	// CallActive is set while an inlined call frame has a native call in
	// flight.
	CallActive bool

	// OnExceptionUnwind is invoked when the frame is popped during
	// exception unwind.
	OnExceptionUnwind func(*Record)
}

var _ Frame = (*Record)(nil)

func (r *Record) Addr() libpf.Address {
	return r.Address
}

func (r *Record) Kind() Kind {
	return r.FrameKind
}

func (r *Record) Attribs() Attribs {
	return r.Attr
}

func (r *Record) Next() Frame {
	// Avoid returning a typed nil.
	if r.NextRecord == nil {
		return nil
	}
	return r.NextRecord
}

func (r *Record) Method() *codeinfo.MethodDesc {
	return r.MethodDesc
}

func (r *Record) ReturnAddress() libpf.Address {
	if r.FrameKind == KindInlinedCall && !r.CallActive {
		return 0
	}
	return r.RetAddr
}

func (r *Record) InlinedCallActive() bool {
	return r.FrameKind == KindInlinedCall && r.CallActive
}

func (r *Record) UpdateRegDisplay(rd *unwinder.RegDisplay) {
	ctx := rd.Current
	ctx.PC = r.RetAddr
	ctx.SP = r.SavedSP
	ctx.FP = r.SavedFP
	ctx.Flags = 0
	if r.Attr&AttrFaulted != 0 {
		ctx.Flags |= unwinder.ContextExceptionActive
	}
	rd.Fill(ctx)
}

func (r *Record) ExceptionUnwind() {
	if r.OnExceptionUnwind != nil {
		r.OnExceptionUnwind(r)
	}
}

func (r *Record) String() string {
	return fmt.Sprintf("%s@%v", r.FrameKind, r.Address)
}

// Link chains records in order, the first being the head, and returns the
// head.
func Link(records ...*Record) *Record {
	if len(records) == 0 {
		return nil
	}
	for i := 0; i < len(records)-1; i++ {
		records[i].NextRecord = records[i+1]
	}
	records[len(records)-1].NextRecord = nil
	return records[0]
}
