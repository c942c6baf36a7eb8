// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package exinfo // import "go.opentelemetry.io/clrstackwalk/exinfo"

import (
	"go.opentelemetry.io/clrstackwalk/libpf"
	"go.opentelemetry.io/clrstackwalk/unwinder"
)

// Walker tracks the next tracker whose context may resynchronize a walk.
type Walker struct {
	cur *Tracker
}

// Init positions the walker at t.
func (w *Walker) Init(t *Tracker) {
	w.cur = t
}

// Tracker returns the current tracker, or nil when exhausted.
func (w *Walker) Tracker() *Tracker {
	return w.cur
}

// Context returns the captured context of the current tracker.
func (w *Walker) Context() *unwinder.Context {
	if w.cur == nil {
		return nil
	}
	return w.cur.Context
}

// SPFromContext returns the SP of the current tracker's context, or zero.
func (w *Walker) SPFromContext() libpf.Address {
	return w.cur.ContextSP()
}

// FPFromContext returns the FP of the current tracker's context, or zero.
func (w *Walker) FPFromContext() libpf.Address {
	if ctx := w.Context(); ctx != nil {
		return ctx.FP
	}
	return 0
}

// WalkOne moves to the next older tracker.
func (w *Walker) WalkOne() {
	if w.cur != nil {
		w.cur = w.cur.Prev
	}
}

// WalkToPosition skips trackers whose context lies below limit or has no
// context. With pop set the skipped trackers are no longer used for stack
// walks.
func (w *Walker) WalkToPosition(limit libpf.Address, pop bool) {
	for w.cur != nil {
		sp := w.cur.ContextSP()
		if sp != 0 && sp >= limit {
			return
		}
		if pop {
			w.cur.UseForStackwalk = false
		}
		w.WalkOne()
	}
}

// WalkToManaged skips trackers that cannot resynchronize into managed
// code.
func (w *Walker) WalkToManaged(isManaged func(libpf.Address) bool) {
	for w.cur != nil {
		if w.cur.UseForStackwalk && w.cur.Context != nil && isManaged(w.cur.Context.PC) {
			return
		}
		w.WalkOne()
	}
}
