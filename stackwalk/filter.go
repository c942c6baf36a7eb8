// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package stackwalk // import "go.opentelemetry.io/clrstackwalk/stackwalk"

import (
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/clrstackwalk/exinfo"
)

// maxFuncletRechecks bounds the reclassification of one frame. Every
// recheck follows a transition that clears parent state, so a frame is
// classified at most once per funclet nesting level it terminates.
const maxFuncletRechecks = 4

// Filter advances over raw positions until one should be reported. It
// returns Continue when stopped at a frame and Done when the walk ended.
func (it *Iterator) Filter() Result {
	for it.IsValid() {
		if it.filterOne() {
			return Continue
		}
		if it.err != nil {
			return Failed
		}
		it.debugLog("FILTER  ")
		if res := it.NextRaw(); res != Continue {
			return res
		}
	}
	if it.err != nil {
		return Failed
	}
	return Done
}

// filterOne classifies the current raw position and tells whether it is
// reported.
func (it *Iterator) filterOne() bool {
	cf := &it.crawl
	tracker := it.thread.currentTracker()
	gc := it.flags&GcReferenceReporting != 0

	frameSP := it.rd.SP
	if it.state == StateFrameFunction {
		frameSP = cf.FrameAddr()
	}
	if gc && tracker != nil && frameSP > tracker.Addr && !it.movedPastFirstExInfo {
		// The walk moved past the newest exception without seeing the
		// funclet it runs. The funclet was unwound already, but its parent
		// must still be found.
		if tracker.Pass == 2 && !tracker.EnclosingClause.IsNull() &&
			it.sfFuncletParent.IsNull() && tracker.LastReportedFunclet.IP != 0 {
			it.sfFuncletParent = tracker.EnclosingClause
			it.sfParent = it.sfFuncletParent
			it.processNonFilterFunclet = true
			it.didFuncletReportGCReferences = false
			it.funcletNotSeen = true
			log.Debugf("STACKWALK: moved over first %v, sp %v, enclosing clause %v",
				tracker, it.rd.SP, it.sfFuncletParent)
		}
		it.movedPastFirstExInfo = true
	}

	cf.resetOutputs()
	skippingFunclet := !it.sfParent.IsNull()

	switch it.state {
	case StateFramelessMethod:
		return it.filterFrameless(tracker, skippingFunclet)

	case StateFrameFunction, StateSkippedFrameFunction:
		if skippingFunclet {
			return false
		}
		if gc {
			if it.thread.Exceptions.HasFrameBeenUnwound(cf) {
				cf.shouldReportGCReferences = false
			}
		} else if it.flags&(FunctionsOnly|SkipFunclets) != 0 &&
			it.thread.Exceptions.IsInStackRegionUnwoundByCurrent(cf) {
			return false
		}
		return cf.method != nil || it.flags&FunctionsOnly == 0

	case StateNoFrameTransition:
		return !skippingFunclet && it.flags&NotifyOnNoFrameTransitions != 0

	case StateNativeMarker:
		stop := !skippingFunclet && it.flags&NotifyOnTransitions != 0
		if it.forceReporting == LookForMarkerFrame {
			it.forceReporting = ForceReportingOff
		}
		return stop

	case StateInitialNativeContext:
		return !skippingFunclet && it.flags&NotifyOnInitialNativeContext != 0
	}

	it.fail(errUninitialized)
	return false
}

// filterFrameless runs the funclet classification of a managed frame.
func (it *Iterator) filterFrameless(tracker *exinfo.Tracker, skippingFunclet bool) bool {
	cf := &it.crawl
	chain := it.thread.Exceptions
	gc := it.flags&GcReferenceReporting != 0
	skipFuncletCallback := true

	for pass := 0; ; pass++ {
		if pass > maxFuncletRechecks {
			it.failFast("funclet classification of %v does not converge", cf)
			return false
		}
		if gc {
			it.classifyFuncletForGC(tracker, &skipFuncletCallback)
			if it.err != nil {
				return false
			}
		}

		if !it.processNonFilterFunclet && !it.processIntermediaryNonFilterFunclet &&
			it.flags&(FunctionsOnly|SkipFunclets) == 0 {
			if gc && chain.HasFrameBeenUnwound(cf) {
				cf.shouldReportGCReferences = false
			}
			return true
		}

		skipDueToUnwind := false
		if gc {
			if chain.HasFrameBeenUnwound(cf) {
				// Keep visiting unwound frames so their dynamic methods stay
				// alive, but report no references.
				cf.shouldReportGCReferences = false
				skipDueToUnwind = true
				if cf.IsFunclet() && !skippingFunclet {
					if !it.didFuncletReportGCReferences {
						it.failFast("unwound funclet %v seen twice", cf)
						return false
					}
					it.didFuncletReportGCReferences = false
				}
			}
		} else if chain.IsInStackRegionUnwoundByCurrent(cf) {
			skipDueToUnwind = true
		}

		if skipDueToUnwind {
			if gc && !it.sfParent.IsNull() && it.reachedParent(it.sfParent) {
				skippingFunclet = false
				if it.processIntermediaryNonFilterFunclet || it.processNonFilterFunclet {
					log.Debugf("STACKWALK: reached parent of non-filter funclet %v, %v",
						it.sfParent, cf.method)
					cf.shouldParentToFuncletSkipReportingGCRefs = true
					it.didFuncletReportGCReferences = true
					it.resetGCRefReportingState(it.processIntermediaryNonFilterFunclet)
				}
				it.sfParent.Clear()
				if cf.IsFunclet() {
					continue
				}
			}
			// Unwound frames are reported only to suppress their references.
			return !cf.shouldReportGCReferences
		}

		if !it.sfParent.IsNull() && it.reachedParent(it.sfParent) {
			if it.processIntermediaryNonFilterFunclet || it.processNonFilterFunclet {
				log.Debugf("STACKWALK: reached parent of non-filter funclet %v, %v",
					it.sfParent, cf.method)
				shouldSkipReporting := true
				if !it.didFuncletReportGCReferences {
					// The funclet was unwound before it could report the
					// parent's references.
					switch {
					case tracker != nil && tracker.CallerOfActualHandlerFrame == it.sfFuncletParent:
						// The parent resumes in a catch handler. Report what
						// is live there.
						shouldSkipReporting = false
						it.didFuncletReportGCReferences = true
						cf.shouldParentUseUnwindTargetPC = true
						cf.ehClauseForCatch = tracker.ClauseForCatch
						log.Debugf("STACKWALK: parent %v resumes in handler [%x, %x)",
							cf.method, cf.ehClauseForCatch.HandlerStart,
							cf.ehClauseForCatch.HandlerEnd)
					case !cf.IsFunclet():
						if it.funcletNotSeen {
							cf.shouldParentToFuncletReportSavedSlots = true
							it.funcletNotSeen = false
						}
						it.didFuncletReportGCReferences = true
					}
				}
				cf.shouldParentToFuncletSkipReportingGCRefs = shouldSkipReporting
				it.resetGCRefReportingState(it.processIntermediaryNonFilterFunclet)
			}
			it.sfParent.Clear()
		}

		if it.sfParent.IsNull() && cf.IsFunclet() {
			if gc {
				continue
			}
			it.sfParent = it.findParentStackFrame(false)
		}

		if it.flags&(FunctionsOnly|SkipFunclets) != 0 {
			if !it.sfParent.IsNull() || cf.method.IsILStub() {
				log.Debugf("STACKWALK: not reporting %v, parent %v", cf.method, it.sfParent)
				return false
			}
		} else if skipFuncletCallback && gc {
			if !it.sfParent.IsNull() && it.forceReporting == ForceReportingOff {
				return false
			}
			if it.forceReporting == LookForManagedFrame {
				it.forceReporting = LookForMarkerFrame
			}
			if it.forceReporting != ForceReportingOff {
				log.Debugf("STACKWALK: force reporting %v", cf.method)
			}
		}
		return true
	}
}

// classifyFuncletForGC updates the funclet state for the current managed
// frame in GC reporting walks.
func (it *Iterator) classifyFuncletForGC(tracker *exinfo.Tracker, skipFuncletCallback *bool) {
	cf := &it.crawl
	chain := it.thread.Exceptions

	for recheck := true; recheck; {
		recheck = false

		if !it.sfFuncletParent.IsNull() {
			if it.processNonFilterFunclet || it.processIntermediaryNonFilterFunclet {
				return
			}
			// A filter funclet is being processed.
			if exinfo.IsUnwoundToTargetParentFrame(cf, it.sfFuncletParent) {
				log.Debugf("STACKWALK: reached parent of filter funclet %v, %v",
					it.sfFuncletParent, cf.method)
				cf.shouldParentToFuncletSkipReportingGCRefs = false
				cf.reportAsPinned = true
				it.resetGCRefReportingState(false)
				recheck = true
				continue
			}
			if cf.IsFilterFunclet() {
				it.failFast("filter funclet %v while processing filter of %v", cf, it.sfFuncletParent)
				return
			}
			if cf.IsFunclet() {
				// A non-filter funclet below the filter's parent, invoked by
				// the same exception.
				it.sfIntermediaryFuncletParent = it.findParentStackFrame(true)
				if it.sfIntermediaryFuncletParent.IsNull() {
					it.failFast("intermediary funclet %v has no parent", cf)
					return
				}
				it.processIntermediaryNonFilterFunclet = true
				it.sfParent = it.sfIntermediaryFuncletParent
				*skipFuncletCallback = false
				if !it.callerIsManaged() {
					it.forceReporting = LookForManagedFrame
				}
			}
			return
		}

		if !cf.IsFunclet() {
			return
		}
		it.sfFuncletParent = it.findParentStackFrame(true)
		unwound := chain.HasFrameBeenUnwound(cf)
		if it.sfFuncletParent.IsNull() {
			if !unwound {
				it.failFast("funclet %v has no parent and was not unwound", cf)
			}
			return
		}

		if cf.IsFilterFunclet() {
			log.Debugf("STACKWALK: found filter funclet %v, parent %v", cf, it.sfFuncletParent)
			it.processNonFilterFunclet = false
			return
		}

		log.Debugf("STACKWALK: found non-filter funclet %v, parent %v", cf, it.sfFuncletParent)
		it.processNonFilterFunclet = true
		it.sfParent = it.sfFuncletParent

		if !it.foundFirstFunclet && tracker != nil && tracker.Addr > it.rd.SP &&
			it.sfParent.SP > tracker.Addr {
			// The first funclet of the current exception. The parent may
			// need its slots after the funclet is unwound.
			cf.shouldSaveFuncletInfo = true
			it.foundFirstFunclet = true
		}

		if !unwound && !it.callerIsManaged() {
			// The funclet was invoked from native code. The managed frames of
			// the exception dispatch above it must still be reported.
			it.forceReporting = LookForManagedFrame
		}
		*skipFuncletCallback = false
	}
}

// reachedParent tells whether the current frame is the parent identified
// by sf. MaxVal matches any frame.
func (it *Iterator) reachedParent(sf exinfo.StackFrame) bool {
	return sf.IsMaxVal() || exinfo.IsUnwoundToTargetParentFrame(&it.crawl, sf)
}

func (it *Iterator) resetGCRefReportingState(onlyIntermediary bool) {
	if !onlyIntermediary {
		it.sfFuncletParent.Clear()
		it.processNonFilterFunclet = false
	}
	it.sfIntermediaryFuncletParent.Clear()
	it.processIntermediaryNonFilterFunclet = false
}

// callerIsManaged tells whether the current managed frame was called from
// managed code.
func (it *Iterator) callerIsManaged() bool {
	if err := it.crawl.ensureCallerContext(); err != nil {
		it.unwindFailed(err)
		return false
	}
	return it.thread.isManaged(it.rd.Caller.PC)
}

// findParentStackFrame returns the identity of the parent of the current
// funclet. Funclets invoked directly by their parent's main body are not
// tracked by any exception; their parent is their caller.
func (it *Iterator) findParentStackFrame(forGC bool) exinfo.StackFrame {
	cf := &it.crawl
	if sf := it.thread.Exceptions.FindParentStackFrame(cf, forGC); !sf.IsNull() {
		return sf
	}
	if !cf.IsFunclet() || (cf.IsFilterFunclet() && !forGC) {
		return exinfo.StackFrame{}
	}
	if err := cf.ensureCallerContext(); err != nil {
		return exinfo.StackFrame{}
	}
	caller := it.rd.Caller
	ci, ok := it.thread.Code.Resolve(caller.PC)
	if !ok || ci.IsFunclet() || ci.MethodDesc() != cf.codeInfo.MethodDesc() {
		return exinfo.StackFrame{}
	}
	if _, err := it.thread.strategy().UnwindOneFrame(it.thread.Mem, &caller, &ci,
		false); err != nil {
		return exinfo.StackFrame{}
	}
	return exinfo.StackFrame{SP: caller.SP}
}
