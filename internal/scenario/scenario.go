// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package scenario loads thread layouts from YAML files and builds them into
// walkable threads. Files ending in .zst are zstd compressed.
package scenario // import "go.opentelemetry.io/clrstackwalk/internal/scenario"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ianlancetaylor/demangle"
	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"go.opentelemetry.io/clrstackwalk/codeinfo"
	"go.opentelemetry.io/clrstackwalk/exinfo"
	"go.opentelemetry.io/clrstackwalk/framechain"
	"go.opentelemetry.io/clrstackwalk/libpf"
	"go.opentelemetry.io/clrstackwalk/stacksim"
	"go.opentelemetry.io/clrstackwalk/stackwalk"
)

// Scenario describes the code of a process and the stacks of its threads.
type Scenario struct {
	Arch    string       `yaml:"arch"`
	Code    []CodeSpec   `yaml:"code"`
	Threads []ThreadSpec `yaml:"threads"`
}

// CodeSpec declares a method body, funclet or native function.
type CodeSpec struct {
	Name string `yaml:"name"`
	// Kind is one of managed, ilstub, dynamic, ehhelper, funclet, filter
	// or native.
	Kind string `yaml:"kind"`
	// Parent names the method owning a funclet.
	Parent       string       `yaml:"parent"`
	FrameSize    int          `yaml:"frame_size"`
	GSCookie     int32        `yaml:"gs_cookie"`
	NoUnwindInfo bool         `yaml:"no_unwind_info"`
	Clauses      []ClauseSpec `yaml:"clauses"`
	Slots        []SlotSpec   `yaml:"slots"`
}

type ClauseSpec struct {
	HandlerStart uint32 `yaml:"handler_start"`
	HandlerEnd   uint32 `yaml:"handler_end"`
}

func (c ClauseSpec) clause() codeinfo.EHClause {
	return codeinfo.EHClause{HandlerStart: c.HandlerStart, HandlerEnd: c.HandlerEnd}
}

// SlotSpec is a GC slot live in [Start, End), relative to the method start.
type SlotSpec struct {
	Start  uint32 `yaml:"start"`
	End    uint32 `yaml:"end"`
	Base   string `yaml:"base"`
	Offset int32  `yaml:"offset"`
	Pinned bool   `yaml:"pinned"`
}

func (s SlotSpec) slot() (codeinfo.Slot, error) {
	base, err := parseBase(s.Base)
	if err != nil {
		return codeinfo.Slot{}, err
	}
	return codeinfo.Slot{Base: base, Offset: s.Offset, Pinned: s.Pinned}, nil
}

// ThreadSpec lists the steps building one thread, root first.
type ThreadSpec struct {
	ID    int    `yaml:"id"`
	Self  bool   `yaml:"self"`
	Steps []Step `yaml:"steps"`
}

// Step is one action on the stack under construction. Exactly one of
// Call, Funclet, Frame, InlinedCall, Raise or Write is set.
type Step struct {
	// Call pushes a frame of the named code.
	Call string `yaml:"call"`
	// Funclet pushes a frame of the named funclet addressing the locals of
	// the Parent frame.
	Funclet string `yaml:"funclet"`
	Parent  string `yaml:"parent"`
	// As labels the pushed frame for later references.
	As string `yaml:"as"`

	// Frame pushes an explicit frame of the named kind in the leaf frame.
	Frame     string   `yaml:"frame"`
	Attr      []string `yaml:"attr"`
	ReturnsTo string   `yaml:"returns_to"`
	Method    string   `yaml:"method"`

	// InlinedCall pushes an active inlined call frame targeting the named
	// method.
	InlinedCall string `yaml:"inlined_call"`

	Raise *RaiseSpec `yaml:"raise"`
	Write *WriteSpec `yaml:"write"`
}

// RaiseSpec adds an exception tracker in the leaf frame. Frame labels may
// refer to frames pushed later.
type RaiseSpec struct {
	Pass            int    `yaml:"pass"`
	FuncletCaller   string `yaml:"funclet_caller"`
	EnclosingClause string `yaml:"enclosing_clause"`
	Filter          bool   `yaml:"filter"`
	// Context captures the context of the labeled frame.
	Context string `yaml:"context"`
	// Unwound lists the frames the exception has already unwound.
	Unwound         []string          `yaml:"unwound"`
	CallerOfHandler string            `yaml:"caller_of_handler"`
	CatchClause     *ClauseSpec       `yaml:"catch_clause"`
	SavedFunclet    *SavedFuncletSpec `yaml:"saved_funclet"`
	NoStackwalk     bool              `yaml:"no_stackwalk"`
}

// SavedFuncletSpec are the slots last reported by an unwound funclet.
type SavedFuncletSpec struct {
	Code  string     `yaml:"code"`
	Frame string     `yaml:"frame"`
	Slots []SlotSpec `yaml:"slots"`
}

// WriteSpec stores a value in the labeled frame.
type WriteSpec struct {
	Frame  string `yaml:"frame"`
	Base   string `yaml:"base"`
	Offset int32  `yaml:"offset"`
	Value  uint64 `yaml:"value"`
}

func parseBase(s string) (codeinfo.SlotBase, error) {
	switch strings.ToLower(s) {
	case "sp", "":
		return codeinfo.SlotBaseSP, nil
	case "fp":
		return codeinfo.SlotBaseFP, nil
	case "callersp":
		return codeinfo.SlotBaseCallerSP, nil
	}
	return 0, fmt.Errorf("unknown slot base %q", s)
}

func parseAttr(names []string) (framechain.Attribs, error) {
	var attr framechain.Attribs
	for _, n := range names {
		switch strings.ToLower(n) {
		case "exception":
			attr |= framechain.AttrException
		case "faulted":
			attr |= framechain.AttrFaulted
		case "resumable":
			attr |= framechain.AttrResumable
		default:
			return 0, fmt.Errorf("unknown frame attribute %q", n)
		}
	}
	return attr, nil
}

func parseArch(s string) (stacksim.Arch, error) {
	switch strings.ToLower(s) {
	case "amd64", "x86_64", "":
		return stacksim.AMD64, nil
	case "arm64", "aarch64":
		return stacksim.ARM64, nil
	}
	return 0, fmt.Errorf("unsupported architecture %q", s)
}

// Load reads a scenario file.
func Load(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to create decoder: %w", err)
		}
		defer dec.Close()
		r = dec
	}
	s, err := Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return s, nil
}

// Parse decodes a scenario. Unknown fields are rejected.
func Parse(r io.Reader) (*Scenario, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var s Scenario
	if err := dec.Decode(&s); err != nil {
		return nil, err
	}
	if len(s.Threads) == 0 {
		return nil, errors.New("scenario has no threads")
	}
	return &s, nil
}

// Thread is a built thread.
type Thread struct {
	*stackwalk.Thread
	native []*stacksim.Code
}

// Symbolize names the code at pc. Native names are demangled.
func (t *Thread) Symbolize(pc libpf.Address) string {
	if ci, ok := t.Code.Resolve(pc); ok {
		return fmt.Sprintf("%v+0x%x", ci.MethodDesc(), ci.RelOffset())
	}
	for _, c := range t.native {
		if c.Contains(pc) {
			return fmt.Sprintf("%s+0x%x", demangle.Filter(c.Name), c.Offset(pc))
		}
	}
	return pc.String()
}

// Build lays out every thread of the scenario.
func (s *Scenario) Build() ([]*Thread, error) {
	arch, err := parseArch(s.Arch)
	if err != nil {
		return nil, err
	}
	threads := make([]*Thread, 0, len(s.Threads))
	seen := libpf.Set[int]{}
	for i := range s.Threads {
		spec := &s.Threads[i]
		if !seen.Add(spec.ID) {
			return nil, fmt.Errorf("duplicate thread id %d", spec.ID)
		}
		t, err := s.buildThread(arch, spec)
		if err != nil {
			return nil, fmt.Errorf("thread %d: %w", spec.ID, err)
		}
		threads = append(threads, t)
	}
	return threads, nil
}

type builder struct {
	*stacksim.Builder
	code   map[string]*stacksim.Code
	frames map[string]*stacksim.Frame
	native []*stacksim.Code
}

func (b *builder) lookupCode(name string) (*stacksim.Code, error) {
	c, ok := b.code[name]
	if !ok {
		return nil, fmt.Errorf("unknown code %q", name)
	}
	return c, nil
}

func (b *builder) lookupFrame(label string) (*stacksim.Frame, error) {
	f, ok := b.frames[label]
	if !ok {
		return nil, fmt.Errorf("unknown frame %q", label)
	}
	return f, nil
}

func (b *builder) addCode(spec *CodeSpec) error {
	if _, ok := b.code[spec.Name]; ok || spec.Name == "" {
		return fmt.Errorf("invalid or duplicate code name %q", spec.Name)
	}
	var opts []stacksim.Option
	if spec.FrameSize != 0 {
		opts = append(opts, stacksim.FrameSize(spec.FrameSize))
	}
	if spec.GSCookie != 0 {
		opts = append(opts, stacksim.GSCookie(spec.GSCookie))
	}
	if spec.NoUnwindInfo {
		opts = append(opts, stacksim.NoUnwindInfo())
	}
	for _, c := range spec.Clauses {
		opts = append(opts, stacksim.Clauses(c.clause()))
	}
	for _, ss := range spec.Slots {
		slot, err := ss.slot()
		if err != nil {
			return err
		}
		opts = append(opts, stacksim.Slots(codeinfo.LiveSlot{
			Start: ss.Start, End: ss.End, Slot: slot}))
	}

	var c *stacksim.Code
	switch strings.ToLower(spec.Kind) {
	case "managed", "":
		c = b.Managed(spec.Name, opts...)
	case "ilstub":
		c = b.ILStub(spec.Name, opts...)
	case "dynamic":
		c = b.Dynamic(spec.Name, opts...)
	case "ehhelper":
		c = b.EHHelper(spec.Name, opts...)
	case "funclet", "filter":
		parent, err := b.lookupCode(spec.Parent)
		if err != nil {
			return err
		}
		kind := codeinfo.FuncletHandler
		if strings.EqualFold(spec.Kind, "filter") {
			kind = codeinfo.FuncletFilter
		}
		c = b.Funclet(parent, kind, opts...)
	case "native":
		c = b.Native(spec.Name, opts...)
		b.native = append(b.native, c)
	default:
		return fmt.Errorf("code %q has unknown kind %q", spec.Name, spec.Kind)
	}
	b.code[spec.Name] = c
	return b.Err()
}

func (s *Scenario) buildThread(arch stacksim.Arch, spec *ThreadSpec) (*Thread, error) {
	b := &builder{
		Builder: stacksim.New(arch),
		code:    make(map[string]*stacksim.Code),
		frames:  make(map[string]*stacksim.Frame),
	}
	b.SetSelf(spec.Self)
	for i := range s.Code {
		if err := b.addCode(&s.Code[i]); err != nil {
			return nil, err
		}
	}

	// Trackers and writes may refer to frames pushed after them.
	var deferred []func() error
	for i, step := range spec.Steps {
		fn, err := b.step(step)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		if fn != nil {
			deferred = append(deferred, fn)
		}
	}
	for _, fn := range deferred {
		if err := fn(); err != nil {
			return nil, err
		}
	}

	thread, err := b.Build()
	if err != nil {
		return nil, err
	}
	thread.ID = spec.ID
	return &Thread{Thread: thread, native: b.native}, nil
}

func (st Step) actions() int {
	n := 0
	for _, set := range []bool{st.Call != "", st.Funclet != "", st.Frame != "",
		st.InlinedCall != "", st.Raise != nil, st.Write != nil} {
		if set {
			n++
		}
	}
	return n
}

func (b *builder) step(st Step) (func() error, error) {
	if st.actions() != 1 {
		return nil, errors.New("expected exactly one action")
	}

	var pushed *stacksim.Frame
	switch {
	case st.Call != "":
		c, err := b.lookupCode(st.Call)
		if err != nil {
			return nil, err
		}
		pushed = b.Call(c)
	case st.Funclet != "":
		c, err := b.lookupCode(st.Funclet)
		if err != nil {
			return nil, err
		}
		parent, err := b.lookupFrame(st.Parent)
		if err != nil {
			return nil, err
		}
		pushed = b.CallFunclet(c, parent)
	case st.Frame != "":
		return nil, b.pushFrame(st)
	case st.InlinedCall != "":
		c, err := b.lookupCode(st.InlinedCall)
		if err != nil {
			return nil, err
		}
		b.PushInlinedCall(c.Method())
		return nil, b.Err()
	case st.Raise != nil:
		tracker := b.Raise(st.Raise.Pass)
		spec := *st.Raise
		return func() error { return b.fillTracker(tracker, &spec) }, b.Err()
	case st.Write != nil:
		w := *st.Write
		return func() error { return b.write(&w) }, nil
	}

	if st.As != "" {
		if _, ok := b.frames[st.As]; ok {
			return nil, fmt.Errorf("duplicate frame label %q", st.As)
		}
		b.frames[st.As] = pushed
	}
	return nil, b.Err()
}

func (b *builder) pushFrame(st Step) error {
	kind, err := framechain.ParseKind(st.Frame)
	if err != nil {
		return err
	}
	attr, err := parseAttr(st.Attr)
	if err != nil {
		return err
	}
	var returnsTo *stacksim.Frame
	if st.ReturnsTo != "" {
		if returnsTo, err = b.lookupFrame(st.ReturnsTo); err != nil {
			return err
		}
	}
	var md *codeinfo.MethodDesc
	if st.Method != "" {
		c, err := b.lookupCode(st.Method)
		if err != nil {
			return err
		}
		md = c.Method()
	}
	b.PushFrame(kind, attr, returnsTo, md)
	return b.Err()
}

func (b *builder) identity(label string) (exinfo.StackFrame, error) {
	if label == "" {
		return exinfo.StackFrame{}, nil
	}
	f, err := b.lookupFrame(label)
	if err != nil {
		return exinfo.StackFrame{}, err
	}
	return f.Identity(), nil
}

func (b *builder) fillTracker(t *exinfo.Tracker, spec *RaiseSpec) error {
	var err error
	if t.FuncletCallerSP, err = b.identity(spec.FuncletCaller); err != nil {
		return err
	}
	if t.EnclosingClause, err = b.identity(spec.EnclosingClause); err != nil {
		return err
	}
	if t.CallerOfActualHandlerFrame, err = b.identity(spec.CallerOfHandler); err != nil {
		return err
	}
	t.CurrentFuncletIsFilter = spec.Filter
	t.UseForStackwalk = !spec.NoStackwalk
	if spec.CatchClause != nil {
		t.ClauseForCatch = spec.CatchClause.clause()
	}
	if spec.Context != "" {
		f, err := b.lookupFrame(spec.Context)
		if err != nil {
			return err
		}
		ctx := f.Context()
		t.Context = &ctx
	}

	for _, label := range spec.Unwound {
		f, err := b.lookupFrame(label)
		if err != nil {
			return err
		}
		low := exinfo.StackFrame{SP: f.SP}
		if t.ScannedRange.IsEmpty() || low.Less(t.ScannedRange.Low) {
			t.ScannedRange.Low = low
		}
		if t.ScannedRange.High.Less(f.Identity()) {
			t.ScannedRange.High = f.Identity()
		}
	}

	if sf := spec.SavedFunclet; sf != nil {
		c, err := b.lookupCode(sf.Code)
		if err != nil {
			return err
		}
		f, err := b.lookupFrame(sf.Frame)
		if err != nil {
			return err
		}
		saved := exinfo.FuncletSlots{IP: c.Start() + 0x10, FP: f.FP}
		for _, ss := range sf.Slots {
			slot, err := ss.slot()
			if err != nil {
				return err
			}
			saved.Slots = append(saved.Slots, slot)
		}
		t.LastReportedFunclet = saved
	}
	return nil
}

func (b *builder) write(w *WriteSpec) error {
	f, err := b.lookupFrame(w.Frame)
	if err != nil {
		return err
	}
	base, err := parseBase(w.Base)
	if err != nil {
		return err
	}
	var addr libpf.Address
	switch base {
	case codeinfo.SlotBaseSP:
		addr = f.SP
	case codeinfo.SlotBaseFP:
		addr = f.FP
	case codeinfo.SlotBaseCallerSP:
		addr = f.CallerSP
	}
	addr = libpf.Address(int64(addr) + int64(w.Offset))
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], w.Value)
	if _, err := b.Memory().WriteAt(buf[:], int64(addr)); err != nil {
		return fmt.Errorf("write to %s: %w", w.Frame, err)
	}
	return nil
}
