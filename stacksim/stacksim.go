// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package stacksim lays out synthetic thread stacks in memory images. The
// frames it builds follow the frame pointer convention of the supported
// architectures, so they can be unwound with the real unwind strategies.
//
// Frames are pushed from the root toward the leaf:
//
//	b := stacksim.New(stacksim.AMD64)
//	main := b.Native("main")
//	a := b.Managed("A")
//	b.Call(main)
//	b.Call(a)
//	thread, err := b.Build()
package stacksim // import "go.opentelemetry.io/clrstackwalk/stacksim"

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.opentelemetry.io/clrstackwalk/codeinfo"
	"go.opentelemetry.io/clrstackwalk/exinfo"
	"go.opentelemetry.io/clrstackwalk/framechain"
	"go.opentelemetry.io/clrstackwalk/libpf"
	sdtypes "go.opentelemetry.io/clrstackwalk/nativeunwind/stackdeltatypes"
	"go.opentelemetry.io/clrstackwalk/remotememory"
	"go.opentelemetry.io/clrstackwalk/stackwalk"
	"go.opentelemetry.io/clrstackwalk/unwinder"
)

const (
	// DefaultStackBase is the highest stack address of built threads.
	DefaultStackBase libpf.Address = 0x7fff0000
	// DefaultStackSize is the size of the mapped stack.
	DefaultStackSize = 0x10000
	// DefaultFrameSize is the size of the locals area of a frame.
	DefaultFrameSize = 0x100
	// DefaultGSCookie is the process guard cookie of built threads.
	DefaultGSCookie uint64 = 0x2b992ddfa232

	managedCodeBase libpf.Address = 0x400000
	nativeCodeBase  libpf.Address = 0x7f000000
	codeChunk                     = 0x1000
	callSiteStride                = 0x10

	// frameHeader is the saved return address and frame pointer pair.
	frameHeader = 16
	// reserved keeps the area right below the header free for a guard
	// cookie.
	reserved = 16
	trackerSize = 64
)

// ErrFrameTooSmall is returned when a frame has no space left for an
// explicit frame record or exception tracker.
var ErrFrameTooSmall = errors.New("frame too small")

// Arch selects the frame layout and unwind strategy.
type Arch uint8

const (
	AMD64 Arch = iota
	ARM64
)

func (a Arch) String() string {
	return a.Strategy().Name()
}

// Strategy returns the unwind strategy of the architecture.
func (a Arch) Strategy() unwinder.Strategy {
	if a == ARM64 {
		return unwinder.ARM64{}
	}
	return unwinder.AMD64{}
}

// framePointerRule unwinds frames whose frame pointer points at the saved
// frame pointer / return address pair.
func (a Arch) framePointerRule() sdtypes.UnwindInfo {
	if a == ARM64 {
		return sdtypes.UnwindInfoFramePointerARM64
	}
	return sdtypes.UnwindInfoFramePointerX64
}

// stackPointerRule unwinds frames of the given locals size addressed from
// SP. Funclets use it as their frame pointer belongs to the parent.
func (a Arch) stackPointerRule(frameSize int) sdtypes.UnwindInfo {
	if a == ARM64 {
		return sdtypes.UnwindInfo{
			Opcode:   sdtypes.UnwindOpcodeBaseSP,
			Param:    int32(frameSize + frameHeader),
			FPOpcode: sdtypes.UnwindOpcodeBaseCFAFrame,
			FPParam:  -8,
		}
	}
	return sdtypes.UnwindInfo{
		Opcode:   sdtypes.UnwindOpcodeBaseSP,
		Param:    int32(frameSize + frameHeader),
		FPOpcode: sdtypes.UnwindOpcodeBaseCFA,
		FPParam:  -frameHeader,
	}
}

// Code is a managed method body, funclet or native function.
type Code struct {
	Name   string
	Region *codeinfo.Region
	Native bool

	start     libpf.Address
	nextSite  libpf.Address
	frameSize int
}

// Method returns the method of managed code, nil for native code.
func (c *Code) Method() *codeinfo.MethodDesc {
	if c.Native {
		return nil
	}
	return c.Region.Method
}

// Offset returns the method relative offset of pc.
func (c *Code) Offset(pc libpf.Address) uint32 {
	if c.Native {
		return uint32(pc - c.start)
	}
	return uint32(pc - c.Region.MethodStart)
}

// Start returns the first address of the code.
func (c *Code) Start() libpf.Address {
	return c.start
}

// Contains reports whether pc lies within the code.
func (c *Code) Contains(pc libpf.Address) bool {
	return pc.InRange(c.start, c.start+codeChunk)
}

func (c *Code) callSite() libpf.Address {
	c.nextSite += callSiteStride
	if c.nextSite >= c.start+codeChunk {
		c.nextSite = c.start + callSiteStride
	}
	return c.nextSite
}

// Option configures code.
type Option func(*Code)

// FrameSize sets the size of the locals area.
func FrameSize(n int) Option {
	return func(c *Code) { c.frameSize = n }
}

// GSCookie places a guard cookie at off from the caller SP.
func GSCookie(off int32) Option {
	return func(c *Code) {
		if c.Region != nil {
			c.Region.GSCookieOffset = off
		}
	}
}

// Slots adds GC slot lifetimes.
func Slots(slots ...codeinfo.LiveSlot) Option {
	return func(c *Code) {
		if c.Region != nil {
			c.Region.Slots = append(c.Region.Slots, slots...)
		}
	}
}

// Clauses adds exception clauses.
func Clauses(clauses ...codeinfo.EHClause) Option {
	return func(c *Code) {
		if c.Region != nil {
			c.Region.Clauses = append(c.Region.Clauses, clauses...)
		}
	}
}

// NoUnwindInfo drops the unwind metadata of the code.
func NoUnwindInfo() Option {
	return func(c *Code) {
		if c.Region != nil {
			c.Region.Deltas = sdtypes.StackDeltaArray{{Info: sdtypes.UnwindInfoInvalid}}
		}
	}
}

// EmptyUnwindTable gives the code an unwind table without any rule.
func EmptyUnwindTable() Option {
	return func(c *Code) {
		if c.Region != nil {
			c.Region.Deltas = sdtypes.StackDeltaArray{}
		}
	}
}

// Frame is a pushed stack frame.
type Frame struct {
	Code *Code

	// CallerSP is the SP before the call, the identity of managed frames.
	CallerSP libpf.Address
	SP       libpf.Address
	FP       libpf.Address

	ReturnAddress libpf.Address

	pc     libpf.Address
	cursor libpf.Address
}

// PC returns the resumption address of the frame, the call site of its
// callee or the current instruction of the leaf.
func (f *Frame) PC() libpf.Address {
	if f.pc == 0 {
		f.pc = f.Code.callSite()
	}
	return f.pc
}

// Identity returns the stack frame identity of a managed frame.
func (f *Frame) Identity() exinfo.StackFrame {
	return exinfo.StackFrame{SP: f.CallerSP}
}

// Context returns the register state of the frame at its resumption
// address.
func (f *Frame) Context() unwinder.Context {
	return unwinder.Context{PC: f.PC(), SP: f.SP, FP: f.FP, LR: f.ReturnAddress}
}

// Offset returns the method relative offset of the resumption address.
func (f *Frame) Offset() uint32 {
	return f.Code.Offset(f.PC())
}

func (f *Frame) alloc(size int) (libpf.Address, error) {
	next := (f.cursor - libpf.Address(size)) &^ 15
	if next < f.SP {
		return 0, fmt.Errorf("%s at %v: %w", f.Code.Name, f.CallerSP, ErrFrameTooSmall)
	}
	f.cursor = next
	return next, nil
}

// Builder lays out one thread.
type Builder struct {
	arch  Arch
	table *codeinfo.Table
	mem   *remotememory.SnapshotMemory
	stack *remotememory.Region

	base, limit libpf.Address
	sp          libpf.Address

	nextManaged  libpf.Address
	nextNative   libpf.Address
	nextMethodID uint64

	frames   []*Frame
	head     *framechain.Record
	records  []*framechain.Record
	trackers *exinfo.Tracker

	gsCookie uint64
	self     bool
	err      error
}

// New returns a builder with an empty stack.
func New(arch Arch) *Builder {
	b := &Builder{
		arch:         arch,
		mem:          remotememory.NewSnapshotMemory(),
		base:         DefaultStackBase,
		limit:        DefaultStackBase - DefaultStackSize,
		nextManaged:  managedCodeBase,
		nextNative:   nativeCodeBase,
		nextMethodID: 1,
		gsCookie:     DefaultGSCookie,
	}
	b.sp = b.base - 2*frameHeader
	table, err := codeinfo.NewTable()
	if err != nil {
		b.setErr(err)
	}
	b.table = table
	b.stack, err = b.mem.Map(b.limit, DefaultStackSize)
	if err != nil {
		b.setErr(err)
	}
	return b
}

func (b *Builder) setErr(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Err returns the first layout error.
func (b *Builder) Err() error {
	return b.err
}

func (b *Builder) Arch() Arch { return b.arch }

func (b *Builder) Table() *codeinfo.Table { return b.table }

func (b *Builder) Memory() *remotememory.SnapshotMemory { return b.mem }

func (b *Builder) StackBase() libpf.Address { return b.base }

func (b *Builder) StackLimit() libpf.Address { return b.limit }

// SetSelf marks the built thread as walking itself.
func (b *Builder) SetSelf(self bool) { b.self = self }

func (b *Builder) newMethod(name string, kind codeinfo.MethodKind) *codeinfo.MethodDesc {
	md := &codeinfo.MethodDesc{ID: b.nextMethodID, Name: name, Kind: kind}
	b.nextMethodID++
	return md
}

func (b *Builder) addCode(md *codeinfo.MethodDesc, parent *Code, funclet codeinfo.FuncletKind,
	opts []Option) *Code {
	start := b.nextManaged
	b.nextManaged += codeChunk
	c := &Code{
		Name:      md.Name,
		start:     start,
		nextSite:  start,
		frameSize: DefaultFrameSize,
		Region: &codeinfo.Region{
			Method:  md,
			Start:   start,
			End:     start + codeChunk,
			Funclet: funclet,
		},
	}
	if parent != nil {
		c.Region.MethodStart = parent.Region.MethodStart
		c.Region.Parent = parent.Region
		if parent.Region.Parent != nil {
			c.Region.Parent = parent.Region.Parent
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.Region.Deltas == nil {
		rule := b.arch.framePointerRule()
		if funclet != codeinfo.FuncletNone {
			rule = b.arch.stackPointerRule(c.frameSize)
		}
		c.Region.Deltas.Add(sdtypes.StackDelta{Info: rule})
	}
	if b.table != nil {
		if err := b.table.Add(c.Region); err != nil {
			b.setErr(err)
		}
	}
	return c
}

// Managed registers a managed method.
func (b *Builder) Managed(name string, opts ...Option) *Code {
	return b.addCode(b.newMethod(name, codeinfo.KindNormal), nil, codeinfo.FuncletNone, opts)
}

// ILStub registers a marshaling stub.
func (b *Builder) ILStub(name string, opts ...Option) *Code {
	return b.addCode(b.newMethod(name, codeinfo.KindILStub), nil, codeinfo.FuncletNone, opts)
}

// Dynamic registers a dynamically emitted method.
func (b *Builder) Dynamic(name string, opts ...Option) *Code {
	return b.addCode(b.newMethod(name, codeinfo.KindDynamic), nil, codeinfo.FuncletNone, opts)
}

// EHHelper registers managed exception dispatch code.
func (b *Builder) EHHelper(name string, opts ...Option) *Code {
	return b.addCode(b.newMethod(name, codeinfo.KindEHHelper), nil, codeinfo.FuncletNone, opts)
}

// Funclet registers a funclet of parent.
func (b *Builder) Funclet(parent *Code, kind codeinfo.FuncletKind, opts ...Option) *Code {
	if kind == codeinfo.FuncletNone {
		kind = codeinfo.FuncletHandler
	}
	c := b.addCode(parent.Region.Method, parent, kind, opts)
	c.Name = fmt.Sprintf("%s$funclet%d", parent.Name, c.start-parent.start)
	return c
}

// Native registers native code, unknown to the code table.
func (b *Builder) Native(name string, opts ...Option) *Code {
	start := b.nextNative
	b.nextNative += codeChunk
	c := &Code{
		Name:      name,
		Native:    true,
		start:     start,
		nextSite:  start,
		frameSize: DefaultFrameSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Top returns the leaf frame.
func (b *Builder) Top() *Frame {
	if len(b.frames) == 0 {
		return nil
	}
	return b.frames[len(b.frames)-1]
}

// Frames returns the pushed frames, root first.
func (b *Builder) Frames() []*Frame {
	return b.frames
}

func (b *Builder) write(addr libpf.Address, v uint64) {
	if addr < b.stack.Start || addr+8 > b.stack.End() {
		b.setErr(fmt.Errorf("stack write at %v: %w", addr, remotememory.ErrUnmapped))
		return
	}
	binary.LittleEndian.PutUint64(b.stack.Data[addr-b.stack.Start:], v)
}

// Call pushes a frame of c called from the current leaf.
func (b *Builder) Call(c *Code) *Frame {
	var callerFP libpf.Address
	if top := b.Top(); top != nil {
		callerFP = top.FP
	}
	return b.push(c, callerFP, 0)
}

// CallFunclet pushes a frame of funclet c called from the current leaf.
// The funclet addresses the locals of parent through its frame pointer.
func (b *Builder) CallFunclet(c *Code, parent *Frame) *Frame {
	var callerFP libpf.Address
	if top := b.Top(); top != nil {
		callerFP = top.FP
	}
	return b.push(c, callerFP, parent.FP)
}

// push lays out the frame of c. A zero fp establishes a new frame pointer.
func (b *Builder) push(c *Code, callerFP, fp libpf.Address) *Frame {
	var ra libpf.Address
	if top := b.Top(); top != nil {
		ra = top.PC()
	}
	s := b.sp
	b.write(s-8, uint64(ra))
	b.write(s-frameHeader, uint64(callerFP))

	f := &Frame{
		Code:          c,
		CallerSP:      s,
		SP:            s - frameHeader - libpf.Address(c.frameSize),
		ReturnAddress: ra,
		cursor:        s - frameHeader - reserved,
	}
	f.FP = fp
	if fp == 0 {
		f.FP = s - frameHeader
	}
	if f.SP < b.limit {
		b.setErr(fmt.Errorf("stack overflow pushing %s", c.Name))
	}
	if !c.Native && c.Region.GSCookieOffset != 0 {
		b.write(libpf.Address(int64(s)+int64(c.Region.GSCookieOffset)), b.gsCookie)
	}
	b.sp = f.SP
	b.frames = append(b.frames, f)
	return f
}

// PushFrame pushes an explicit frame allocated in the leaf frame. The frame
// returns into returnsTo, which may be nil.
func (b *Builder) PushFrame(kind framechain.Kind, attr framechain.Attribs, returnsTo *Frame,
	md *codeinfo.MethodDesc) *framechain.Record {
	r := &framechain.Record{FrameKind: kind, Attr: attr, MethodDesc: md}
	if top := b.Top(); top != nil {
		addr, err := top.alloc(framechain.RecordSize)
		if err != nil {
			b.setErr(err)
		}
		r.Address = addr
	}
	if returnsTo != nil {
		r.RetAddr = returnsTo.PC()
		r.SavedSP = returnsTo.SP
		r.SavedFP = returnsTo.FP
	}
	r.NextRecord = b.head
	b.head = r
	b.records = append(b.records, r)
	return r
}

// PushInlinedCall pushes an active inlined call frame in the leaf frame,
// which must be managed and about to call target.
func (b *Builder) PushInlinedCall(target *codeinfo.MethodDesc) *framechain.Record {
	r := b.PushFrame(framechain.KindInlinedCall, framechain.AttrNone, b.Top(), target)
	r.CallActive = true
	return r
}

// Head returns the head of the explicit frame chain.
func (b *Builder) Head() *framechain.Record {
	return b.head
}

// Raise adds a new exception tracker allocated in the leaf frame.
func (b *Builder) Raise(pass int) *exinfo.Tracker {
	t := &exinfo.Tracker{Pass: pass, Prev: b.trackers, UseForStackwalk: true}
	if top := b.Top(); top != nil {
		addr, err := top.alloc(trackerSize)
		if err != nil {
			b.setErr(err)
		}
		t.Addr = addr
	}
	b.trackers = t
	return t
}

// Build writes the explicit frame records and returns the thread seeded
// with the context of the leaf frame. The frame chain is decoded from the
// memory image.
func (b *Builder) Build() (*stackwalk.Thread, error) {
	if b.err != nil {
		return nil, b.err
	}
	for _, r := range b.records {
		buf, err := r.MarshalBinary()
		if err != nil {
			return nil, err
		}
		if _, err = b.mem.WriteAt(buf, int64(r.Address)); err != nil {
			return nil, err
		}
	}

	mem := remotememory.RemoteMemory{ReaderAt: b.mem}
	t := &stackwalk.Thread{
		ID:         1,
		Mem:        mem,
		StackBase:  b.base,
		StackLimit: b.limit,
		Exceptions: &exinfo.Chain{Head: b.trackers},
		Code:       b.table,
		Strategy:   b.arch.Strategy(),
		GSCookie:   b.gsCookie,
		Self:       b.self,
	}
	if top := b.Top(); top != nil {
		t.Context = top.Context()
	}
	if b.head != nil {
		frames, err := framechain.Decode(mem, b.head.Address, b.table)
		if err != nil {
			return nil, err
		}
		t.Frames = frames
	}
	return t, nil
}
