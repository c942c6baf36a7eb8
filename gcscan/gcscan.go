// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package gcscan enumerates the stack roots of a thread the way the garbage
// collector does: it walks with GC reference reporting and resolves the
// live slots of every managed frame, honoring the funclet reporting rules
// of the walker.
package gcscan // import "go.opentelemetry.io/clrstackwalk/gcscan"

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/clrstackwalk/codeinfo"
	"go.opentelemetry.io/clrstackwalk/exinfo"
	"go.opentelemetry.io/clrstackwalk/framechain"
	"go.opentelemetry.io/clrstackwalk/libpf"
	"go.opentelemetry.io/clrstackwalk/metrics"
	"go.opentelemetry.io/clrstackwalk/stackwalk"
)

// Root is one stack slot holding an object reference.
type Root struct {
	Addr  libpf.Address
	Value uint64
	codeinfo.Slot
}

func (r Root) String() string {
	return fmt.Sprintf("%v=0x%x %v", r.Addr, r.Value, r.Slot)
}

// FrameRoots is the scan result of one visited frame.
type FrameRoots struct {
	Method *codeinfo.MethodDesc
	PC     libpf.Address

	// Identity is the caller SP of managed frames or the address of
	// explicit frames.
	Identity exinfo.StackFrame

	// Frame is the explicit frame, nil for managed frames.
	Frame framechain.Frame

	Funclet bool

	// Pinned is set when every root of the frame must be treated as
	// pinned.
	Pinned bool

	// Suppressed frames are visited but report no roots.
	Suppressed bool

	// FromSavedFunclet is set when Roots are the slots last reported by an
	// already unwound funclet of this frame.
	FromSavedFunclet bool

	Roots []Root
}

// Reporter receives the roots of a thread.
type Reporter interface {
	ReportFrame(fr FrameRoots)

	// KeepAlive is called for dynamic methods with a frame on the stack,
	// whether or not the frame reports roots.
	KeepAlive(md *codeinfo.MethodDesc)
}

// Options tune a scan.
type Options struct {
	// Flags are added to GcReferenceReporting. FunctionsOnly is ignored.
	Flags stackwalk.Flags
}

type scan struct {
	thread   *stackwalk.Thread
	reporter Reporter

	frames     int64
	suppressed int64
	saved      int64
	roots      int64
	err        error
}

// EnumerateRoots walks thread on w and reports the roots of every visited
// frame to reporter. A nil w uses a fresh walker.
func EnumerateRoots(w *stackwalk.Walker, thread *stackwalk.Thread, reporter Reporter,
	opts Options) (stackwalk.Result, error) {
	if w == nil {
		w = &stackwalk.Walker{}
	}
	flags := (opts.Flags | stackwalk.GcReferenceReporting) &^ stackwalk.FunctionsOnly

	s := &scan{thread: thread, reporter: reporter}
	res := w.WalkFrames(thread, s.visit, flags, nil)

	metrics.AddSlice([]metrics.Metric{
		{ID: metrics.IDGCScanFrames, Value: metrics.MetricValue(s.frames)},
		{ID: metrics.IDGCScanSuppressedFrames, Value: metrics.MetricValue(s.suppressed)},
		{ID: metrics.IDGCScanSavedFuncletSlots, Value: metrics.MetricValue(s.saved)},
		{ID: metrics.IDGCScanRoots, Value: metrics.MetricValue(s.roots)},
	})

	switch {
	case s.err != nil:
		return stackwalk.Failed, s.err
	case res == stackwalk.Failed:
		return res, w.Err()
	}
	return res, nil
}

func (s *scan) visit(cf *stackwalk.CrawlFrame) stackwalk.Action {
	s.frames++
	md := cf.Method()
	if md.IsDynamic() {
		s.reporter.KeepAlive(md)
	}

	fr := FrameRoots{
		Method:   md,
		PC:       cf.PC(),
		Identity: cf.Identity(),
		Funclet:  cf.IsFunclet(),
		Pinned:   cf.ReportAsPinned(),
	}
	if !cf.IsFrameless() {
		fr.Frame = cf.Frame()
		fr.Suppressed = !cf.ShouldCrawlframeReportGCReferences()
		s.reporter.ReportFrame(fr)
		return stackwalk.ActionContinue
	}

	var err error
	switch {
	case !cf.ShouldCrawlframeReportGCReferences():
		fr.Suppressed = true
	case cf.ShouldParentToFuncletReportSavedFuncletSlots():
		fr.FromSavedFunclet = true
		fr.Roots, err = s.savedFuncletRoots(cf)
		s.saved++
	case cf.ShouldParentToFuncletSkipReportingGCReferences():
		log.Debugf("GCSCAN: %v reported by its funclet", cf)
		fr.Suppressed = true
	case cf.ShouldParentFrameUseUnwindTargetPCforGCReporting():
		clause := cf.EHClauseForCatch()
		log.Debugf("GCSCAN: %v resumes at handler offset 0x%x", cf, clause.HandlerStart)
		fr.Roots, err = s.liveRoots(cf, clause.HandlerStart)
	default:
		fr.Roots, err = s.liveRoots(cf, cf.CodeInfo().RelOffset())
	}
	if err != nil {
		s.err = fmt.Errorf("scanning %v: %w", cf, err)
		return stackwalk.ActionAbort
	}
	if fr.Suppressed {
		s.suppressed++
	}
	if fr.Pinned {
		for i := range fr.Roots {
			fr.Roots[i].Pinned = true
		}
	}

	if cf.ShouldSaveFuncletInfo() {
		s.saveFuncletSlots(cf, fr.Roots)
	}
	s.roots += int64(len(fr.Roots))
	s.reporter.ReportFrame(fr)
	return stackwalk.ActionContinue
}

// liveRoots reads the slots of the current managed frame live at the
// method relative offset.
func (s *scan) liveRoots(cf *stackwalk.CrawlFrame, offset uint32) ([]Root, error) {
	slots := cf.CodeInfo().LiveSlots(offset)
	if len(slots) == 0 {
		return nil, nil
	}
	rd := cf.RegDisplay()
	return s.readRoots(slots, rd.SP, rd.Current.FP, cf.CallerSP())
}

func (s *scan) readRoots(slots []codeinfo.Slot, sp, fp, callerSP libpf.Address) ([]Root, error) {
	roots := make([]Root, 0, len(slots))
	for _, slot := range slots {
		var base libpf.Address
		switch slot.Base {
		case codeinfo.SlotBaseSP:
			base = sp
		case codeinfo.SlotBaseFP:
			base = fp
		case codeinfo.SlotBaseCallerSP:
			base = callerSP
		}
		if base == 0 {
			return nil, fmt.Errorf("slot %v has no base", slot)
		}
		addr := libpf.Address(int64(base) + int64(slot.Offset))
		v, err := s.thread.Mem.Uint64Checked(addr)
		if err != nil {
			return nil, err
		}
		roots = append(roots, Root{Addr: addr, Value: v, Slot: slot})
	}
	return roots, nil
}

// saveFuncletSlots records the slots reported by the first funclet of the
// current exception in its tracker. A later scan that no longer sees the
// funclet reports them on behalf of the parent.
func (s *scan) saveFuncletSlots(cf *stackwalk.CrawlFrame, roots []Root) {
	tracker := s.thread.Exceptions.Current()
	if tracker == nil {
		return
	}
	slots := make([]codeinfo.Slot, 0, len(roots))
	for _, r := range roots {
		slots = append(slots, r.Slot)
	}
	tracker.LastReportedFunclet = exinfo.FuncletSlots{
		IP:    cf.PC(),
		FP:    cf.RegDisplay().Current.FP,
		Slots: slots,
	}
	log.Debugf("GCSCAN: saved %d slots of %v in %v", len(slots), cf, tracker)
}

func (s *scan) savedFuncletRoots(cf *stackwalk.CrawlFrame) ([]Root, error) {
	tracker := s.thread.Exceptions.Current()
	if tracker == nil || tracker.LastReportedFunclet.IP == 0 {
		return nil, nil
	}
	saved := tracker.LastReportedFunclet
	log.Debugf("GCSCAN: %v reports %d saved funclet slots", cf, len(saved.Slots))
	// Funclets share the frame pointer of their parent, so FP relative
	// slots resolve against the saved FP. Other bases are gone with the
	// funclet frame.
	fpSlots := make([]codeinfo.Slot, 0, len(saved.Slots))
	for _, slot := range saved.Slots {
		if slot.Base == codeinfo.SlotBaseFP {
			fpSlots = append(fpSlots, slot)
		}
	}
	return s.readRoots(fpSlots, 0, saved.FP, 0)
}
