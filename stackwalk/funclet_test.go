// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package stackwalk_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/clrstackwalk/codeinfo"
	"go.opentelemetry.io/clrstackwalk/exinfo"
	"go.opentelemetry.io/clrstackwalk/framechain"
	"go.opentelemetry.io/clrstackwalk/stacksim"
	"go.opentelemetry.io/clrstackwalk/stackwalk"
)

var catchClause = codeinfo.EHClause{HandlerStart: 0x40, HandlerEnd: 0x80}

// dispatchedFinally is a finally funclet of C invoked by the native
// exception dispatcher while the second pass unwinds C:
//
//	main -> A -> C -> dispatch [SEF -> C, exinfo] -> callfunclet -> C$funclet
//	    [ICF] -> leaf
type dispatchedFinally struct {
	thread  *stackwalk.Thread
	c, fin  *stacksim.Frame
	tracker *exinfo.Tracker
}

func buildDispatchedFinally(t *testing.T, arch stacksim.Arch) dispatchedFinally {
	t.Helper()
	b := stacksim.New(arch)
	b.Call(b.Native("main"))
	b.Call(b.Managed("A"))
	target := b.Managed("Interop.Close").Method()
	cCode := b.Managed("C", stacksim.Clauses(catchClause))
	c := b.Call(cCode)
	b.Call(b.Native("dispatch"))
	b.PushFrame(framechain.KindSoftwareException, framechain.AttrException, c, nil)
	tracker := b.Raise(2)
	b.Call(b.Native("callfunclet"))
	fin := b.CallFunclet(b.Funclet(cCode, codeinfo.FuncletHandler), c)
	b.PushInlinedCall(target)
	b.Call(b.Native("leaf"))

	tracker.FuncletCallerSP = fin.Identity()
	tracker.EnclosingClause = c.Identity()
	ctx := c.Context()
	tracker.Context = &ctx

	thread, err := b.Build()
	require.NoError(t, err)
	return dispatchedFinally{thread: thread, c: c, fin: fin, tracker: tracker}
}

func TestFuncletFromNativeDispatch(t *testing.T) {
	for name, arch := range arches {
		t.Run(name, func(t *testing.T) {
			s := buildDispatchedFinally(t, arch)
			require.Less(t, s.fin.SP, s.tracker.Addr)
			require.Less(t, s.tracker.Addr, s.c.CallerSP)

			tests := map[string]struct {
				flags    stackwalk.Flags
				expected []report
			}{
				"gc reporting": {
					flags: stackwalk.GcReferenceReporting,
					expected: []report{
						{label: "InlinedCall", reportGC: true},
						{label: "C$funclet", reportGC: true, saveFunclet: true},
						{label: "C", reportGC: true, skipParent: true},
						{label: "A", reportGC: true},
					},
				},
				"all frames": {
					expected: []report{
						{label: "InlinedCall", reportGC: true},
						{label: "C$funclet", reportGC: true},
						{label: "SoftwareException", reportGC: true},
						{label: "C", reportGC: true},
						{label: "A", reportGC: true},
					},
				},
				"functions only": {
					flags: stackwalk.FunctionsOnly,
					expected: []report{
						{label: "InlinedCall", reportGC: true},
						{label: "C", reportGC: true},
						{label: "A", reportGC: true},
					},
				},
				"skip funclets": {
					flags: stackwalk.SkipFunclets,
					expected: []report{
						{label: "InlinedCall", reportGC: true},
						{label: "C", reportGC: true},
						{label: "A", reportGC: true},
					},
				},
			}

			for name, tc := range tests {
				t.Run(name, func(t *testing.T) {
					got, res, err := walk(t, s.thread, tc.flags)
					require.NoError(t, err)
					assert.Equal(t, stackwalk.Done, res)
					assert.Equal(t, tc.expected, got)
				})
			}
		})
	}
}

func TestForceReportingStages(t *testing.T) {
	s := buildDispatchedFinally(t, stacksim.AMD64)

	it := stackwalk.NewIterator(nil)
	require.True(t, it.Init(s.thread, nil, s.thread.Context, stackwalk.GcReferenceReporting))

	var stages []stackwalk.ForceReportingStage
	for it.IsValid() {
		stages = append(stages, it.ForceReporting())
		if it.Next() != stackwalk.Continue {
			break
		}
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []stackwalk.ForceReportingStage{
		stackwalk.ForceReportingOff,   // InlinedCall
		stackwalk.LookForManagedFrame, // C$funclet, invoked from native code
		stackwalk.LookForMarkerFrame,  // C
		stackwalk.LookForMarkerFrame,  // A
	}, stages)
	assert.Equal(t, stackwalk.ForceReportingOff, it.ForceReporting())
}

// unwoundFunclet builds a stack whose newest exception already ran and
// left a funclet of C:
//
//	main -> A -> C -> dispatch [SEF -> C, exinfo]
func unwoundFunclet(t *testing.T, prepare func(c *stacksim.Frame, tracker *exinfo.Tracker)) *stackwalk.Thread {
	t.Helper()
	b := stacksim.New(stacksim.AMD64)
	b.Call(b.Native("main"))
	b.Call(b.Managed("A"))
	cCode := b.Managed("C", stacksim.Clauses(catchClause))
	c := b.Call(cCode)
	b.Call(b.Native("dispatch"))
	b.PushFrame(framechain.KindSoftwareException, framechain.AttrException, c, nil)
	tracker := b.Raise(2)
	tracker.EnclosingClause = c.Identity()
	tracker.LastReportedFunclet = exinfo.FuncletSlots{
		IP: b.Funclet(cCode, codeinfo.FuncletHandler).Region.Start + 0x10,
		FP: c.FP,
	}
	prepare(c, tracker)

	thread, err := b.Build()
	require.NoError(t, err)
	return thread
}

func TestParentOfUnwoundFunclet(t *testing.T) {
	tests := map[string]struct {
		prepare  func(c *stacksim.Frame, tracker *exinfo.Tracker)
		expected []report
	}{
		"report saved funclet slots": {
			prepare: func(*stacksim.Frame, *exinfo.Tracker) {},
			expected: []report{
				{label: "C", reportGC: true, skipParent: true, savedSlots: true},
				{label: "A", reportGC: true},
			},
		},
		"resume in catch handler": {
			prepare: func(c *stacksim.Frame, tracker *exinfo.Tracker) {
				tracker.CallerOfActualHandlerFrame = c.Identity()
				tracker.ClauseForCatch = catchClause
			},
			expected: []report{
				{label: "C", reportGC: true, unwindTarget: true, clause: catchClause},
				{label: "A", reportGC: true},
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			thread := unwoundFunclet(t, tc.prepare)
			got, res, err := walk(t, thread, stackwalk.GcReferenceReporting)
			require.NoError(t, err)
			assert.Equal(t, stackwalk.Done, res)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestFilterFunclet(t *testing.T) {
	for name, arch := range arches {
		t.Run(name, func(t *testing.T) {
			b := stacksim.New(arch)
			b.Call(b.Native("main"))
			b.Call(b.Managed("A"))
			cCode := b.Managed("C", stacksim.Clauses(catchClause))
			c := b.Call(cCode)
			b.Call(b.Native("dispatch"))
			b.PushFrame(framechain.KindSoftwareException, framechain.AttrException, c, nil)
			tracker := b.Raise(1)
			b.Call(b.Native("callfunclet"))
			filter := b.CallFunclet(b.Funclet(cCode, codeinfo.FuncletFilter), c)
			tracker.FuncletCallerSP = filter.Identity()
			tracker.EnclosingClause = c.Identity()
			tracker.CurrentFuncletIsFilter = true
			thread, err := b.Build()
			require.NoError(t, err)

			got, res, err := walk(t, thread, stackwalk.GcReferenceReporting)
			require.NoError(t, err)
			assert.Equal(t, stackwalk.Done, res)
			assert.Equal(t, []report{
				{label: "C$filter", reportGC: true, pinned: true},
				{label: "SoftwareException", reportGC: true},
				{label: "C", reportGC: true, pinned: true},
				{label: "A", reportGC: true},
			}, got)

			// Outside GC reporting filters have no parent and are reported.
			got, _, err = walk(t, thread, stackwalk.FunctionsOnly)
			require.NoError(t, err)
			assert.Equal(t, []string{"C$filter", "C", "A"}, labels(got))
		})
	}
}

func TestFuncletCalledByParent(t *testing.T) {
	for name, arch := range arches {
		t.Run(name, func(t *testing.T) {
			b := stacksim.New(arch)
			b.Call(b.Native("main"))
			b.Call(b.Managed("A"))
			cCode := b.Managed("C", stacksim.Clauses(catchClause))
			c := b.Call(cCode)
			b.CallFunclet(b.Funclet(cCode, codeinfo.FuncletHandler), c)
			thread, err := b.Build()
			require.NoError(t, err)

			tests := map[string]struct {
				flags    stackwalk.Flags
				expected []report
			}{
				"gc reporting": {
					flags: stackwalk.GcReferenceReporting,
					expected: []report{
						{label: "C$funclet", reportGC: true},
						{label: "C", reportGC: true, skipParent: true},
						{label: "A", reportGC: true},
					},
				},
				"all frames": {
					expected: []report{
						{label: "C$funclet", reportGC: true},
						{label: "C", reportGC: true},
						{label: "A", reportGC: true},
					},
				},
				"functions only": {
					flags: stackwalk.FunctionsOnly,
					expected: []report{
						{label: "C", reportGC: true},
						{label: "A", reportGC: true},
					},
				},
			}

			for name, tc := range tests {
				t.Run(name, func(t *testing.T) {
					got, res, err := walk(t, thread, tc.flags)
					require.NoError(t, err)
					assert.Equal(t, stackwalk.Done, res)
					assert.Equal(t, tc.expected, got)
				})
			}
		})
	}
}

func TestUnwoundFrames(t *testing.T) {
	b := stacksim.New(stacksim.AMD64)
	b.Call(b.Native("main"))
	b.Call(b.Managed("A"))
	bf := b.Call(b.Managed("B"))
	b.Call(b.Native("dispatch"))
	b.PushFrame(framechain.KindSoftwareException, framechain.AttrException, bf, nil)
	tracker := b.Raise(2)
	tracker.ScannedRange = exinfo.StackRange{
		Low:  exinfo.StackFrame{SP: bf.SP},
		High: bf.Identity(),
	}
	thread, err := b.Build()
	require.NoError(t, err)

	tests := map[string]struct {
		flags    stackwalk.Flags
		expected []report
	}{
		"gc reporting": {
			flags: stackwalk.GcReferenceReporting,
			expected: []report{
				{label: "SoftwareException", reportGC: true},
				{label: "B"},
				{label: "A", reportGC: true},
			},
		},
		"functions only": {
			flags: stackwalk.FunctionsOnly,
			expected: []report{
				{label: "A", reportGC: true},
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, res, err := walk(t, thread, tc.flags)
			require.NoError(t, err)
			assert.Equal(t, stackwalk.Done, res)
			assert.Equal(t, tc.expected, got)
		})
	}
}

// TestNestedExceptionInFinally walks a finally funclet of C that threw a
// second exception. The second exception has unwound the funclet, so the
// funclet reports nothing and C does not report either.
func TestNestedExceptionInFinally(t *testing.T) {
	for name, arch := range arches {
		t.Run(name, func(t *testing.T) {
			b := stacksim.New(arch)
			b.Call(b.Native("main"))
			b.Call(b.Managed("A"))
			cCode := b.Managed("C", stacksim.Clauses(catchClause))
			c := b.Call(cCode)
			b.Call(b.Native("dispatch"))
			b.PushFrame(framechain.KindSoftwareException, framechain.AttrException, c, nil)
			first := b.Raise(2)
			b.Call(b.Native("callfunclet"))
			fin := b.CallFunclet(b.Funclet(cCode, codeinfo.FuncletHandler), c)
			b.Call(b.Native("dispatch"))
			b.PushFrame(framechain.KindSoftwareException, framechain.AttrException, fin, nil)
			second := b.Raise(2)

			first.FuncletCallerSP = fin.Identity()
			first.EnclosingClause = c.Identity()
			second.ScannedRange = exinfo.StackRange{
				Low:  exinfo.StackFrame{SP: fin.SP},
				High: fin.Identity(),
			}
			thread, err := b.Build()
			require.NoError(t, err)

			got, res, err := walk(t, thread, stackwalk.GcReferenceReporting)
			require.NoError(t, err)
			assert.Equal(t, stackwalk.Done, res)
			assert.Equal(t, []report{
				{label: "SoftwareException", reportGC: true},
				{label: "C$funclet"},
				{label: "C", reportGC: true, skipParent: true},
				{label: "A", reportGC: true},
			}, got)
		})
	}
}

func TestFuncletWithoutParent(t *testing.T) {
	tests := map[string]struct {
		flags    stackwalk.Flags
		expected []string
		failFast bool
	}{
		"gc reporting fails fast": {
			flags:    stackwalk.GcReferenceReporting,
			failFast: true,
		},
		// Nothing transitions back from callfunclet, so the walk ends there.
		"plain walk stops at native code": {
			expected: []string{"C$funclet"},
		},
		"native marker reported": {
			flags:    stackwalk.NotifyOnTransitions,
			expected: []string{"C$funclet", "native"},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			msgs := captureFailFast(t)
			b := stacksim.New(stacksim.AMD64)
			b.Call(b.Native("main"))
			b.Call(b.Managed("A"))
			cCode := b.Managed("C")
			c := b.Call(cCode)
			b.Call(b.Native("callfunclet"))
			b.CallFunclet(b.Funclet(cCode, codeinfo.FuncletHandler), c)
			thread, err := b.Build()
			require.NoError(t, err)

			got, res, err := walk(t, thread, tc.flags)
			if tc.failFast {
				assert.Equal(t, stackwalk.Failed, res)
				require.ErrorIs(t, err, stackwalk.ErrFailFast)
				assert.Len(t, *msgs, 1)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, stackwalk.Done, res)
			assert.Equal(t, tc.expected, labels(got))
			assert.Empty(t, *msgs)
		})
	}
}
