// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package stackwalk // import "go.opentelemetry.io/clrstackwalk/stackwalk"

import (
	"fmt"
	"strings"
)

// Flags configure a walk.
type Flags uint32

const (
	// FunctionsOnly suppresses explicit frames without a method, IL stubs and
	// funclets.
	FunctionsOnly Flags = 1 << iota
	// SkipFunclets reports the logical parent of a funclet instead of the
	// funclet.
	SkipFunclets
	// GcReferenceReporting activates the funclet GC reporting state machine.
	GcReferenceReporting
	// NotifyOnTransitions reports native markers, the points where the walk
	// leaves managed code into native code.
	NotifyOnTransitions
	// NotifyOnNoFrameTransitions reports the points where the walk
	// resynchronizes from an exception tracker context.
	NotifyOnNoFrameTransitions
	// NotifyOnInitialNativeContext reports a seed context outside managed
	// code.
	NotifyOnInitialNativeContext
	// AllowAsyncWalk walks a thread that is not suspended. Every read is
	// checked and any inconsistency fails the walk.
	AllowAsyncWalk
	// PopFramesDuringUnwind pops explicit frames and exception trackers as
	// they are passed. Only a thread walking itself may use it.
	PopFramesDuringUnwind
	// HandleSkippedFrames consumes explicit frames inside managed frames
	// instead of reporting them.
	HandleSkippedFrames
	// SkipGSCookieCheck disables guard cookie tracking.
	SkipGSCookieCheck
	// ThreadIsSuspended asserts that the walked thread is suspended at a
	// safe point. Resumable frames fail such walks.
	ThreadIsSuspended
	// QuickUnwind restores only the registers needed to continue the walk.
	QuickUnwind
	flagsMax
)

var flagNames = [...]string{
	"FunctionsOnly",
	"SkipFunclets",
	"GcReferenceReporting",
	"NotifyOnTransitions",
	"NotifyOnNoFrameTransitions",
	"NotifyOnInitialNativeContext",
	"AllowAsyncWalk",
	"PopFramesDuringUnwind",
	"HandleSkippedFrames",
	"SkipGSCookieCheck",
	"ThreadIsSuspended",
	"QuickUnwind",
}

func (f Flags) String() string {
	if f == 0 {
		return "0"
	}
	var names []string
	for i, name := range flagNames {
		if f&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	if rest := f &^ (flagsMax - 1); rest != 0 {
		names = append(names, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(names, "|")
}

// ParseFlags parses a '|' or ',' separated list of flag names.
func ParseFlags(s string) (Flags, error) {
	var f Flags
	for _, tok := range strings.FieldsFunc(s, func(r rune) bool {
		return r == '|' || r == ',' || r == ' '
	}) {
		found := false
		for i, name := range flagNames {
			if strings.EqualFold(tok, name) {
				f |= 1 << i
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown walk flag %q", tok)
		}
	}
	return f, nil
}

// State is the iterator state.
type State uint8

const (
	StateUninitialized State = iota
	StateFramelessMethod
	StateFrameFunction
	StateSkippedFrameFunction
	StateNoFrameTransition
	StateNativeMarker
	StateInitialNativeContext
	StateDone
)

var stateNames = [...]string{
	StateUninitialized:        "Uninitialized",
	StateFramelessMethod:      "FramelessMethod",
	StateFrameFunction:        "FrameFunction",
	StateSkippedFrameFunction: "SkippedFrameFunction",
	StateNoFrameTransition:    "NoFrameTransition",
	StateNativeMarker:         "NativeMarker",
	StateInitialNativeContext: "InitialNativeContext",
	StateDone:                 "Done",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Result is the outcome of an iterator step or a walk.
type Result uint8

const (
	// Continue means the iterator stopped at a frame.
	Continue Result = iota
	// Abort means the callback stopped the walk.
	Abort
	// Failed means the walk could not be completed. Partial results must
	// not be used.
	Failed
	// Done means the walk reached the root of the stack.
	Done
)

func (r Result) String() string {
	switch r {
	case Continue:
		return "Continue"
	case Abort:
		return "Abort"
	case Failed:
		return "Failed"
	case Done:
		return "Done"
	}
	return fmt.Sprintf("Result(%d)", uint8(r))
}

// Action is returned by walk callbacks.
type Action uint8

const (
	ActionContinue Action = iota
	ActionAbort
)

// ForceReportingStage tracks forced reporting of frames between a funclet
// invoked from native code and the native code that invoked it.
type ForceReportingStage uint8

const (
	ForceReportingOff ForceReportingStage = iota
	// LookForManagedFrame waits for the first managed frame after the
	// funclet.
	LookForManagedFrame
	// LookForMarkerFrame reports managed frames until the next native
	// marker.
	LookForMarkerFrame
)

func (s ForceReportingStage) String() string {
	switch s {
	case ForceReportingOff:
		return "Off"
	case LookForManagedFrame:
		return "LookForManagedFrame"
	case LookForMarkerFrame:
		return "LookForMarkerFrame"
	}
	return fmt.Sprintf("ForceReportingStage(%d)", uint8(s))
}
