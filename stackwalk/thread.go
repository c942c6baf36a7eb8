// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package stackwalk // import "go.opentelemetry.io/clrstackwalk/stackwalk"

import (
	"fmt"

	"go.opentelemetry.io/clrstackwalk/codeinfo"
	"go.opentelemetry.io/clrstackwalk/exinfo"
	"go.opentelemetry.io/clrstackwalk/framechain"
	"go.opentelemetry.io/clrstackwalk/libpf"
	"go.opentelemetry.io/clrstackwalk/remotememory"
	"go.opentelemetry.io/clrstackwalk/unwinder"
)

// Thread is the walked thread as seen by the iterator.
type Thread struct {
	ID int

	// Mem gives read access to the thread's stack and code.
	Mem remotememory.RemoteMemory

	// Frames is the head of the explicit frame chain, nil when empty.
	Frames framechain.Frame

	// StackBase is the highest stack address (exclusive) and StackLimit the
	// lowest. Zero bounds are unknown and not enforced in walks of
	// suspended threads.
	StackBase  libpf.Address
	StackLimit libpf.Address

	Exceptions *exinfo.Chain

	// Context is the register state a walk starts from.
	Context unwinder.Context

	Code     codeinfo.Resolver
	Strategy unwinder.Strategy

	// GSCookie is the process wide guard cookie value.
	GSCookie uint64

	// Self is set when the thread walks its own stack.
	Self bool
}

// SetFrame replaces the head of the explicit frame chain.
func (t *Thread) SetFrame(f framechain.Frame) {
	t.Frames = f
}

func (t *Thread) strategy() unwinder.Strategy {
	if t.Strategy == nil {
		return unwinder.Native
	}
	return t.Strategy
}

func (t *Thread) isManaged(pc libpf.Address) bool {
	_, ok := t.Code.Resolve(pc)
	return ok
}

func (t *Thread) currentTracker() *exinfo.Tracker {
	return t.Exceptions.Current()
}

func (t *Thread) hasStackBounds() bool {
	return t.StackBase != 0
}

func (t *Thread) inStack(sp libpf.Address) bool {
	return sp >= t.StackLimit && sp < t.StackBase
}

func (t *Thread) String() string {
	return fmt.Sprintf("thread %d [%v, %v)", t.ID, t.StackLimit, t.StackBase)
}
