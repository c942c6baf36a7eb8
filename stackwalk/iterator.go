// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package stackwalk implements the stack frame iterator of the managed
// runtime. The iterator advances over managed frames using their unwind
// metadata, over explicit frames using the frame chain and across frameless
// fault transitions using the exception tracker chain. A filter on top of
// the raw iteration decides which positions are reported to the caller and
// classifies funclets for GC reference reporting.
package stackwalk // import "go.opentelemetry.io/clrstackwalk/stackwalk"

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/clrstackwalk/codeinfo"
	"go.opentelemetry.io/clrstackwalk/exinfo"
	"go.opentelemetry.io/clrstackwalk/framechain"
	"go.opentelemetry.io/clrstackwalk/libpf"
	"go.opentelemetry.io/clrstackwalk/unwinder"
)

var (
	// ErrStackBounds is returned when an unwind step leaves the stack of
	// the walked thread.
	ErrStackBounds = errors.New("stack pointer outside of thread stack")

	// ErrNothingToWalk is returned by Init when the seed context is outside
	// managed code and no explicit frame or exception context leads back
	// into it.
	ErrNothingToWalk = errors.New("no managed frames to walk")

	// ErrTornFrameChain is returned when the frame chain is not ordered
	// toward the stack base.
	ErrTornFrameChain = errors.New("torn frame chain")

	// ErrPopFramesNotSelf is returned when PopFramesDuringUnwind is used on
	// another thread.
	ErrPopFramesNotSelf = errors.New("frames can only be popped by the thread itself")

	errUninitialized = errors.New("iterator used before initialization")
	errNotPositioned = errors.New("iterator is not positioned at a frame")
	errNoResolver    = errors.New("thread has no code resolver")
)

// Iterator walks the stack of one thread. It is not safe for concurrent
// use and must not be copied after Init.
type Iterator struct {
	walker *Walker
	thread *Thread
	flags  Flags
	state  State

	startFrame framechain.Frame

	rd    unwinder.RegDisplay
	crawl CrawlFrame

	// cachedCodeInfo is the code info of the managed frame whose skipped
	// explicit frames are being reported.
	cachedCodeInfo codeinfo.CodeInfo
	cachedGSCookie libpf.Address

	exInfoWalk exinfo.Walker

	// resumableFrameTargetSP is the caller SP of the managed frame a
	// resumable frame returns into.
	resumableFrameTargetSP libpf.Address

	framesProcessed int
	err             error

	// Funclet GC reporting state.
	sfParent                            exinfo.StackFrame
	sfFuncletParent                     exinfo.StackFrame
	sfIntermediaryFuncletParent         exinfo.StackFrame
	processNonFilterFunclet             bool
	processIntermediaryNonFilterFunclet bool
	didFuncletReportGCReferences        bool
	forceReporting                      ForceReportingStage
	movedPastFirstExInfo                bool
	funcletNotSeen                      bool
	foundFirstFunclet                   bool
}

// NewIterator returns an iterator whose walk-thread state lives in w. A nil
// walker disables re-entrancy tracking.
func NewIterator(w *Walker) *Iterator {
	return &Iterator{walker: w}
}

func (it *Iterator) commonCtor(thread *Thread, startFrame framechain.Frame, flags Flags) {
	walker := it.walker
	*it = Iterator{
		walker:                       walker,
		thread:                       thread,
		flags:                        flags,
		startFrame:                   startFrame,
		didFuncletReportGCReferences: true,
	}
	it.crawl.thread = thread
	it.crawl.rd = &it.rd
	it.resetCrawlFrame()
}

func (it *Iterator) resetCrawlFrame() {
	it.crawl.reset()
}

// Init positions the iterator at the first frame to report. It returns
// false when the walk cannot start, in which case Err tells why.
func (it *Iterator) Init(thread *Thread, startFrame framechain.Frame, ctx unwinder.Context,
	flags Flags) bool {
	it.commonCtor(thread, startFrame, flags)

	switch {
	case thread.Code == nil:
		it.fail(errNoResolver)
		return false
	case flags&PopFramesDuringUnwind != 0 && !thread.Self:
		it.fail(ErrPopFramesNotSelf)
		return false
	case flags&AllowAsyncWalk != 0 && thread.hasStackBounds() && !thread.inStack(ctx.SP):
		it.fail(fmt.Errorf("seed sp %v outside %v: %w", ctx.SP, thread, ErrStackBounds))
		return false
	}

	it.rd.Fill(ctx)
	it.crawl.isFirst = true
	if startFrame != nil {
		it.crawl.frame = startFrame
	} else {
		it.crawl.frame = thread.Frames
	}

	it.exInfoWalk.Init(thread.currentTracker())
	var limit libpf.Address
	if startFrame != nil {
		limit = startFrame.Addr()
	}
	it.exInfoWalk.WalkToPosition(limit, false)

	it.processIP(it.rd.ControlPC)
	if it.crawl.isFrameless && ctx.Flags&unwinder.ContextExceptionActive != 0 {
		it.crawl.hasFaulted = true
	}

	it.processCurrentFrame()
	if it.err != nil {
		return false
	}
	if !it.IsValid() {
		it.fail(fmt.Errorf("seed pc %v: %w", ctx.PC, ErrNothingToWalk))
		return false
	}
	return it.Filter() != Failed
}

// Err returns the reason of a failed walk.
func (it *Iterator) Err() error {
	return it.err
}

// Frame returns the current position. It is valid until the next call to
// Next.
func (it *Iterator) Frame() *CrawlFrame {
	return &it.crawl
}

func (it *Iterator) State() State {
	return it.state
}

// ForceReporting returns the forced reporting stage of funclets invoked
// from native code.
func (it *Iterator) ForceReporting() ForceReportingStage {
	return it.forceReporting
}

// FramesProcessed returns the number of raw steps taken.
func (it *Iterator) FramesProcessed() int {
	return it.framesProcessed
}

// IsValid tells whether the iterator is positioned at a frame.
func (it *Iterator) IsValid() bool {
	if it.err != nil || it.thread == nil || it.state == StateDone {
		return false
	}
	if !it.crawl.isFrameless && it.crawl.frame == nil {
		if it.state == StateNativeMarker {
			return true
		}
		// An exception context may still lead back into managed code.
		it.exInfoWalk.WalkToManaged(it.thread.isManaged)
		return it.exInfoWalk.Context() != nil
	}
	return true
}

// Next advances to the next reported frame.
func (it *Iterator) Next() Result {
	if !it.IsValid() {
		if it.err == nil {
			it.fail(errNotPositioned)
		}
		return Failed
	}
	if res := it.NextRaw(); res != Continue {
		return res
	}
	return it.Filter()
}

func (it *Iterator) fail(err error) {
	if it.err == nil {
		it.err = err
	}
	log.Debugf("STACKWALK: %v: walk failed after %d frames: %v",
		it.thread, it.framesProcessed, err)
}

// failFast reports a consistency violation that makes the walk results
// unsafe to use.
func (it *Iterator) failFast(format string, args ...any) {
	err := fmt.Errorf(format, args...)
	FailFast(err.Error())
	it.fail(fmt.Errorf("%w: %w", ErrFailFast, err))
}

// unwindFailed classifies an unwind error. Missing unwind info for managed
// code is a consistency violation unless the walk is speculative.
func (it *Iterator) unwindFailed(err error) {
	if errors.Is(err, unwinder.ErrNoUnwindInfo) && it.flags&AllowAsyncWalk == 0 {
		it.failFast("unwinding %v: %w", &it.crawl.codeInfo, err)
		return
	}
	it.fail(err)
}

func (it *Iterator) processIP(pc libpf.Address) {
	ci, ok := it.thread.Code.Resolve(pc)
	it.crawl.codeInfo = ci
	it.crawl.isFrameless = ok
}

// gotoNextFrame moves the frame cursor to the next explicit frame. A chain
// that does not move toward the stack base is torn.
func (it *Iterator) gotoNextFrame() {
	cur := it.crawl.frame
	next := framechain.NextExplicitFrame(cur)
	it.crawl.frame = next
	if cur == nil || next == nil {
		return
	}
	torn := next.Addr() <= cur.Addr()
	if !torn && it.flags&AllowAsyncWalk != 0 && it.thread.hasStackBounds() {
		torn = !it.thread.inStack(next.Addr())
	}
	if torn {
		it.crawl.frame = nil
		it.fail(fmt.Errorf("frame %v follows %v: %w", next.Addr(), cur.Addr(),
			ErrTornFrameChain))
	}
}

// advanceFrame moves past the current explicit frame, popping it from the
// thread in PopFramesDuringUnwind walks.
func (it *Iterator) advanceFrame() {
	if it.flags&PopFramesDuringUnwind == 0 {
		it.gotoNextFrame()
		return
	}
	frame := it.crawl.frame
	if it.walker != nil {
		restore := it.walker.suspend()
		frame.ExceptionUnwind()
		restore()
	} else {
		frame.ExceptionUnwind()
	}
	it.gotoNextFrame()
	it.thread.SetFrame(it.crawl.frame)
}

// NextRaw advances one position without applying the reporting filter.
func (it *Iterator) NextRaw() Result {
	it.framesProcessed++
	if it.err != nil {
		return Failed
	}

	switch it.state {
	case StateSkippedFrameFunction:
		it.advanceFrame()
		if it.err != nil {
			return Failed
		}
		if it.checkForSkippedFrames() {
			return it.cleanup()
		}
		if !it.thread.strategy().SkippedFramesBeforeManaged() {
			// The managed frame was unwound before its explicit frames were
			// reported.
			it.postProcessingForManagedFrames()
			if it.state == StateNativeMarker {
				return it.cleanup()
			}
			break
		}
		// All explicit frames inside the managed frame have been reported,
		// go back to the managed frame itself.
		it.crawl.isFrameless = true
		it.crawl.codeInfo = it.cachedCodeInfo
		it.crawl.method = it.cachedCodeInfo.MethodDesc()
		it.preProcessingForManagedFrames()
		return it.cleanup()

	case StateFramelessMethod:
		if err := it.rd.UnwindStackFrame(it.thread.strategy(), it.thread.Mem,
			&it.crawl.codeInfo, it.crawl.isFirst); err != nil {
			it.unwindFailed(err)
			return Failed
		}
		if it.thread.hasStackBounds() && !it.thread.inStack(it.rd.SP) {
			err := fmt.Errorf("unwound sp %v outside %v: %w", it.rd.SP, it.thread, ErrStackBounds)
			if it.flags&AllowAsyncWalk == 0 {
				log.Errorf("STACKWALK: %v", err)
			}
			it.fail(err)
			return Failed
		}

		it.crawl.isFirst = false
		it.crawl.isInterrupted = false
		it.crawl.hasFaulted = false
		it.crawl.isIPAdjusted = false

		if !it.thread.strategy().SkippedFramesBeforeManaged() && it.checkForSkippedFrames() {
			return it.cleanup()
		}
		it.postProcessingForManagedFrames()
		if it.state == StateNativeMarker {
			return it.cleanup()
		}

	case StateFrameFunction:
		frame := it.crawl.frame
		inlined := frame.InlinedCallActive()

		attribs := frame.Attribs()
		it.crawl.isFirst = attribs&framechain.AttrResumable != 0
		it.crawl.isInterrupted = attribs&framechain.AttrException != 0
		if it.crawl.isInterrupted {
			it.crawl.hasFaulted = attribs&framechain.AttrFaulted != 0
			it.crawl.isIPAdjusted = false
		}

		if adr := frame.ReturnAddress(); adr != 0 {
			it.processIP(adr)
			if it.crawl.isFrameless {
				frame.UpdateRegDisplay(&it.rd)
				if it.crawl.isFirst {
					if it.flags&ThreadIsSuspended != 0 {
						it.fail(fmt.Errorf("resumable frame %v in a suspended walk", frame.Addr()))
						return Failed
					}
					if err := it.crawl.ensureCallerContext(); err != nil {
						it.unwindFailed(err)
						return Failed
					}
					it.resumableFrameTargetSP = it.rd.Caller.SP
				}
			}
		}

		// An active inlined call frame lives inside the managed frame it
		// returns into. It has been reported now, so only the cursor moves;
		// the frame stays on the thread.
		if inlined {
			it.gotoNextFrame()
		} else {
			it.advanceFrame()
		}
		if it.err != nil {
			return Failed
		}

	case StateNoFrameTransition:
		it.postProcessingForNoFrameTransition()
		if it.err != nil {
			return Failed
		}

	case StateNativeMarker:
		it.crawl.isNativeMarker = false

	case StateInitialNativeContext:

	default:
		it.fail(errUninitialized)
		return Failed
	}

	it.processCurrentFrame()
	return it.cleanup()
}

func (it *Iterator) cleanup() Result {
	if it.err != nil {
		return Failed
	}
	it.debugLog("NEXTRAW ")
	return Continue
}

// processCurrentFrame classifies the position reached by the last raw step.
func (it *Iterator) processCurrentFrame() {
	cf := &it.crawl
	if err := cf.checkGSCookies(); err != nil {
		it.gsCookieFailed(err)
		return
	}

	done := false
	if it.state == StateUninitialized {
		if !cf.isFrameless {
			// The seed context is outside managed code.
			it.state = StateInitialNativeContext
			done = true
		}
	} else {
		it.state = StateUninitialized
	}

	if !done && !cf.isFrameless && it.exInfoWalk.Tracker() != nil {
		// A frameless fault transition leaves no explicit frame behind. If
		// the next usable exception context lies below the next explicit
		// frame, the walk continues from that context.
		it.exInfoWalk.WalkToManaged(it.thread.isManaged)
		ctxSP := it.exInfoWalk.SPFromContext()
		if ctxSP != 0 && ctxSP < framechain.Addr(cf.frame) &&
			(cf.frame == nil || cf.frame.Kind() != framechain.KindFaulting) {
			it.state = StateNoFrameTransition
			cf.isNoFrameTransition = true
			cf.noFrameTransitionMarker = ctxSP
			done = true
		}
	}

	if done {
		return
	}
	if !it.IsValid() {
		it.state = StateDone
		return
	}

	if cf.isFrameless {
		cf.method = cf.codeInfo.MethodDesc()
		it.cachedCodeInfo = cf.codeInfo
		if it.thread.strategy().SkippedFramesBeforeManaged() && it.checkForSkippedFrames() {
			return
		}
		if it.err == nil {
			it.preProcessingForManagedFrames()
		}
		return
	}

	cf.method = cf.frame.Method()
	it.state = StateFrameFunction
}

// checkForSkippedFrames looks for explicit frames inside the current
// managed frame and positions the iterator at the first one. It returns
// true when the iterator stopped at such a frame.
func (it *Iterator) checkForSkippedFrames() bool {
	cf := &it.crawl

	var refSP libpf.Address
	if it.thread.strategy().SkippedFramesBeforeManaged() {
		if err := it.rd.EnsureCallerContextIsValid(it.thread.strategy(), it.thread.Mem,
			&it.cachedCodeInfo, cf.isFirst); err != nil {
			it.unwindFailed(err)
			return false
		}
		refSP = it.rd.Caller.SP
	} else {
		// The managed frame was unwound already.
		refSP = it.rd.SP
	}

	if cf.frame == nil || cf.frame.Addr() >= refSP {
		return false
	}

	for cf.frame != nil && cf.frame.Addr() < refSP {
		if it.flags&HandleSkippedFrames != 0 {
			it.advanceFrame()
			if it.err != nil {
				return false
			}
			continue
		}
		cf.isFrameless = false
		cf.method = cf.frame.Method()
		it.state = StateSkippedFrameFunction
		return true
	}
	return false
}

func (it *Iterator) preProcessingForManagedFrames() {
	cf := &it.crawl
	if it.resumableFrameTargetSP != 0 {
		// The managed frame a resumable frame returns into is the active
		// frame.
		cf.isFirst = true
		it.resumableFrameTargetSP = 0
	}

	it.cachedGSCookie = 0
	if off := cf.codeInfo.GSCookieOffset; off != 0 && cf.codeInfo.IsValid() {
		if err := cf.ensureCallerContext(); err != nil {
			it.unwindFailed(err)
			return
		}
		it.cachedGSCookie = libpf.Address(int64(it.rd.Caller.SP) + int64(off))
	}
	if it.flags&SkipGSCookieCheck == 0 && it.cachedGSCookie != 0 {
		cf.setCurGSCookie(it.cachedGSCookie)
	}

	it.state = StateFramelessMethod
	it.debugLog("CONSIDER")
}

func (it *Iterator) postProcessingForManagedFrames() {
	it.exInfoWalk.WalkToPosition(it.rd.SP, it.flags&PopFramesDuringUnwind != 0)
	it.processIP(it.rd.ControlPC)
	if !it.crawl.isFrameless {
		it.state = StateNativeMarker
		it.crawl.isNativeMarker = true
	}
}

// postProcessingForNoFrameTransition resumes the walk from the context of
// the current exception tracker.
func (it *Iterator) postProcessingForNoFrameTransition() {
	cf := &it.crawl
	tracker := it.exInfoWalk.Tracker()
	ctx := it.exInfoWalk.Context()
	if ctx == nil {
		it.fail(fmt.Errorf("no context in %v", tracker))
		return
	}

	it.processIP(ctx.PC)
	it.rd.Fill(*ctx)

	cf.isFrameless = true
	cf.isInterrupted = true
	cf.hasFaulted = ctx.Flags&unwinder.ContextExceptionActive != 0
	cf.isIPAdjusted = false
	if !cf.hasFaulted {
		cf.isFirst = false
	}

	if it.flags&PopFramesDuringUnwind != 0 {
		tracker.UseForStackwalk = false
	}
	it.exInfoWalk.WalkOne()

	cf.isNoFrameTransition = false
	cf.noFrameTransitionMarker = 0
}

func (it *Iterator) gsCookieFailed(err error) {
	if errors.Is(err, ErrGSCookieMismatch) {
		it.failFast("%v: %w", it.thread, err)
		return
	}
	it.fail(err)
}

// CheckGSCookies verifies the guard cookies seen so far.
func (it *Iterator) CheckGSCookies() bool {
	if err := it.crawl.checkGSCookies(); err != nil {
		it.gsCookieFailed(err)
		return false
	}
	return true
}

// ResetRegDisp restarts the walk from ctx, skipping the explicit frames
// below it.
func (it *Iterator) ResetRegDisp(ctx unwinder.Context, isFirst bool) bool {
	if it.thread == nil {
		it.fail(errUninitialized)
		return false
	}
	if it.flags&PopFramesDuringUnwind != 0 {
		it.fail(errors.New("cannot reset a walk that pops frames"))
		return false
	}

	it.state = StateUninitialized
	it.err = nil
	it.resetCrawlFrame()
	cf := &it.crawl
	cf.isFirst = isFirst
	if it.startFrame != nil {
		cf.frame = it.startFrame
	} else {
		cf.frame = it.thread.Frames
	}

	it.rd.Fill(ctx)
	curPC := it.rd.ControlPC
	it.processIP(curPC)

	if cf.frame != nil {
		curSP := it.rd.SP
		if cf.isFrameless {
			if err := cf.ensureCallerContext(); err != nil {
				it.unwindFailed(err)
				return false
			}
			curSP = it.rd.Caller.SP
		}
		for cf.frame != nil && cf.frame.Addr() < curSP {
			if cf.frame.ReturnAddress() == curPC {
				attribs := cf.frame.Attribs()
				cf.isFirst = attribs&framechain.AttrResumable != 0
				cf.isInterrupted = attribs&framechain.AttrException != 0
				if cf.isInterrupted {
					cf.hasFaulted = attribs&framechain.AttrFaulted != 0
					cf.isIPAdjusted = false
				}
				cf.frame.UpdateRegDisplay(&it.rd)
			}
			it.gotoNextFrame()
		}
		if it.err != nil {
			return false
		}
	}

	it.exInfoWalk.Init(it.thread.currentTracker())
	it.exInfoWalk.WalkToPosition(it.rd.SP, false)

	it.processCurrentFrame()
	if it.err != nil {
		return false
	}
	return it.Filter() == Continue
}

// SkipTo moves the iterator to the position of other. The start frame and
// the walk-thread state of it are kept.
func (it *Iterator) SkipTo(other *Iterator) {
	walker := it.walker
	startFrame := it.startFrame
	*it = *other
	it.walker = walker
	it.startFrame = startFrame
	it.crawl.rd = &it.rd
	it.rd.SyncRegDisplayToCurrentContext()
}

func (it *Iterator) debugLog(what string) {
	if !log.IsLevelEnabled(log.DebugLevel) {
		return
	}
	log.Debugf("STACKWALK: %s %v state=%v frame=%d: %v", what, it.thread, it.state,
		it.framesProcessed, &it.crawl)
}
