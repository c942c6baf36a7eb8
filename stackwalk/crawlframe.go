// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package stackwalk // import "go.opentelemetry.io/clrstackwalk/stackwalk"

import (
	"errors"
	"fmt"

	"go.opentelemetry.io/clrstackwalk/codeinfo"
	"go.opentelemetry.io/clrstackwalk/exinfo"
	"go.opentelemetry.io/clrstackwalk/framechain"
	"go.opentelemetry.io/clrstackwalk/libpf"
	"go.opentelemetry.io/clrstackwalk/unwinder"
)

// ErrGSCookieMismatch is reported when a guard cookie on the stack no longer
// holds the process cookie value.
var ErrGSCookieMismatch = errors.New("guard cookie mismatch")

// CrawlFrame is the iterator's view of the frame it stopped at. It is
// owned by the iterator and overwritten on every step.
type CrawlFrame struct {
	thread *Thread
	rd     *unwinder.RegDisplay

	isFrameless   bool
	isFirst       bool
	isInterrupted bool
	hasFaulted    bool
	isIPAdjusted  bool

	isNativeMarker          bool
	isNoFrameTransition     bool
	noFrameTransitionMarker libpf.Address

	frame    framechain.Frame
	method   *codeinfo.MethodDesc
	codeInfo codeinfo.CodeInfo

	// Guard cookie slots of the first managed frame with a cookie and of the
	// most recent one.
	firstGSCookie libpf.Address
	curGSCookie   libpf.Address

	shouldReportGCReferences                 bool
	shouldParentToFuncletSkipReportingGCRefs bool
	shouldParentToFuncletReportSavedSlots    bool
	shouldSaveFuncletInfo                    bool
	shouldParentUseUnwindTargetPC            bool
	ehClauseForCatch                         codeinfo.EHClause
	reportAsPinned                           bool
}

var _ exinfo.Position = (*CrawlFrame)(nil)

func (cf *CrawlFrame) reset() {
	*cf = CrawlFrame{
		thread:                   cf.thread,
		rd:                       cf.rd,
		shouldReportGCReferences: true,
	}
}

// resetOutputs clears the per-frame GC reporting classification.
func (cf *CrawlFrame) resetOutputs() {
	cf.shouldParentToFuncletReportSavedSlots = false
	cf.shouldParentToFuncletSkipReportingGCRefs = false
	cf.shouldReportGCReferences = true
	cf.shouldSaveFuncletInfo = false
	cf.shouldParentUseUnwindTargetPC = false
	cf.ehClauseForCatch = codeinfo.EHClause{}
	cf.reportAsPinned = false
}

// IsFrameless tells whether the iterator stopped at a managed frame
// identified by unwind metadata rather than at an explicit frame.
func (cf *CrawlFrame) IsFrameless() bool { return cf.isFrameless }

// IsFirst tells whether the managed frame is the active frame, i.e. its PC
// is the exact resumption point rather than a return address.
func (cf *CrawlFrame) IsFirst() bool { return cf.isFirst }

func (cf *CrawlFrame) IsInterrupted() bool { return cf.isInterrupted }

func (cf *CrawlFrame) HasFaulted() bool { return cf.hasFaulted }

func (cf *CrawlFrame) IsIPAdjusted() bool { return cf.isIPAdjusted }

func (cf *CrawlFrame) IsNativeMarker() bool { return cf.isNativeMarker }

func (cf *CrawlFrame) IsNoFrameTransition() bool { return cf.isNoFrameTransition }

// NoFrameTransitionMarker is the SP of the exception context the walk
// resynchronizes from.
func (cf *CrawlFrame) NoFrameTransitionMarker() libpf.Address { return cf.noFrameTransitionMarker }

// Frame returns the current explicit frame. For managed frames it is the
// next explicit frame above them.
func (cf *CrawlFrame) Frame() framechain.Frame { return cf.frame }

// Method returns the method of the frame, nil for explicit frames without
// one.
func (cf *CrawlFrame) Method() *codeinfo.MethodDesc { return cf.method }

func (cf *CrawlFrame) CodeInfo() *codeinfo.CodeInfo { return &cf.codeInfo }

func (cf *CrawlFrame) RegDisplay() *unwinder.RegDisplay { return cf.rd }

func (cf *CrawlFrame) Thread() *Thread { return cf.thread }

func (cf *CrawlFrame) PC() libpf.Address { return cf.rd.ControlPC }

func (cf *CrawlFrame) SP() libpf.Address { return cf.rd.SP }

func (cf *CrawlFrame) IsFunclet() bool {
	return cf.isFrameless && cf.codeInfo.IsFunclet()
}

func (cf *CrawlFrame) IsFilterFunclet() bool {
	return cf.isFrameless && cf.codeInfo.IsFilterFunclet()
}

func (cf *CrawlFrame) ensureCallerContext() error {
	return cf.rd.EnsureCallerContextIsValid(cf.thread.strategy(), cf.thread.Mem,
		&cf.codeInfo, cf.isFirst)
}

// CallerSP returns the SP of the caller of a managed frame, or zero.
func (cf *CrawlFrame) CallerSP() libpf.Address {
	if !cf.isFrameless || cf.ensureCallerContext() != nil {
		return 0
	}
	return cf.rd.Caller.SP
}

func (cf *CrawlFrame) FrameAddr() libpf.Address {
	return framechain.Addr(cf.frame)
}

// Identity returns the stack frame identity of the current position: the
// caller SP of managed frames or the address of explicit frames.
func (cf *CrawlFrame) Identity() exinfo.StackFrame {
	if cf.isFrameless {
		return exinfo.StackFrame{SP: cf.CallerSP()}
	}
	return exinfo.StackFrame{SP: cf.FrameAddr()}
}

// ShouldCrawlframeReportGCReferences is false for frames whose references
// must not be reported, because the frame was already unwound by an
// exception.
func (cf *CrawlFrame) ShouldCrawlframeReportGCReferences() bool {
	return cf.shouldReportGCReferences
}

// ShouldParentToFuncletSkipReportingGCReferences is set on the parent of a
// funclet that already reported the parent's live references.
func (cf *CrawlFrame) ShouldParentToFuncletSkipReportingGCReferences() bool {
	return cf.shouldParentToFuncletSkipReportingGCRefs
}

// ShouldParentToFuncletReportSavedFuncletSlots is set on the parent of a
// funclet that was unwound before it could be seen by this walk. The parent
// must report the slots the funclet last reported.
func (cf *CrawlFrame) ShouldParentToFuncletReportSavedFuncletSlots() bool {
	return cf.shouldParentToFuncletReportSavedSlots
}

// ShouldSaveFuncletInfo is set on the first funclet of the current
// exception. Its reported slots must be saved for a later walk.
func (cf *CrawlFrame) ShouldSaveFuncletInfo() bool {
	return cf.shouldSaveFuncletInfo
}

// ShouldParentFrameUseUnwindTargetPCforGCReporting is set on a parent frame
// that is about to resume in the catch handler returned by
// EHClauseForCatch.
func (cf *CrawlFrame) ShouldParentFrameUseUnwindTargetPCforGCReporting() bool {
	return cf.shouldParentUseUnwindTargetPC
}

func (cf *CrawlFrame) EHClauseForCatch() codeinfo.EHClause {
	return cf.ehClauseForCatch
}

// ReportAsPinned is set on filter funclets and on their parent, whose
// references must not be moved while the filter runs.
func (cf *CrawlFrame) ReportAsPinned() bool {
	return cf.reportAsPinned || cf.IsFilterFunclet()
}

func (cf *CrawlFrame) setCurGSCookie(addr libpf.Address) {
	if cf.firstGSCookie == 0 {
		cf.firstGSCookie = addr
	}
	cf.curGSCookie = addr
}

// checkGSCookies verifies the guard cookies recorded so far.
func (cf *CrawlFrame) checkGSCookies() error {
	for _, addr := range [...]libpf.Address{cf.firstGSCookie, cf.curGSCookie} {
		if addr == 0 {
			continue
		}
		v, err := cf.thread.Mem.Uint64Checked(addr)
		if err != nil {
			return fmt.Errorf("failed to read guard cookie at %v: %w", addr, err)
		}
		if v != cf.thread.GSCookie {
			return fmt.Errorf("guard cookie at %v is 0x%x: %w", addr, v, ErrGSCookieMismatch)
		}
	}
	return nil
}

func (cf *CrawlFrame) String() string {
	switch {
	case cf.isFrameless:
		return fmt.Sprintf("%v pc=%v sp=%v", cf.method, cf.rd.ControlPC, cf.rd.SP)
	case cf.isNativeMarker:
		return fmt.Sprintf("native marker pc=%v sp=%v", cf.rd.ControlPC, cf.rd.SP)
	case cf.isNoFrameTransition:
		return fmt.Sprintf("no frame transition marker=%v", cf.noFrameTransitionMarker)
	case cf.frame != nil:
		return fmt.Sprintf("%v %v", cf.frame, cf.method)
	}
	return fmt.Sprintf("native pc=%v sp=%v", cf.rd.ControlPC, cf.rd.SP)
}
