// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package stackwalk // import "go.opentelemetry.io/clrstackwalk/stackwalk"

import (
	"errors"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/clrstackwalk/framechain"
	"go.opentelemetry.io/clrstackwalk/metrics"
)

// ErrReentrantWalk is returned when a walk is started from inside the
// iterator of another walk on the same walker.
var ErrReentrantWalk = errors.New("re-entrant stack walk")

// Callback is invoked for every reported frame.
type Callback func(cf *CrawlFrame) Action

// Walker holds the walk-thread state of one walking goroutine. While a walk
// runs on it, only callbacks may start further walks.
type Walker struct {
	walking bool
	err     error
}

// IsWalking tells whether the walker is inside an iterator step.
func (w *Walker) IsWalking() bool {
	return w.walking
}

// Err returns the error of the last failed walk.
func (w *Walker) Err() error {
	return w.err
}

// enter marks the walker busy. The returned function restores the previous
// state.
func (w *Walker) enter() func() {
	prev := w.walking
	w.walking = true
	return func() { w.walking = prev }
}

// suspend clears the busy mark while code outside the iterator runs.
func (w *Walker) suspend() func() {
	prev := w.walking
	w.walking = false
	return func() { w.walking = prev }
}

// WalkFrames walks the stack of thread from its seed context and calls cb
// for every reported frame. A nil startFrame starts at the head of the
// thread's frame chain.
func (w *Walker) WalkFrames(thread *Thread, cb Callback, flags Flags,
	startFrame framechain.Frame) Result {
	if w.walking {
		log.Warnf("STACKWALK: %v: walk started from inside a walk", thread)
		w.err = ErrReentrantWalk
		metrics.Add(metrics.IDStackWalkReentrant, 1)
		return Failed
	}
	defer w.enter()()

	it := NewIterator(w)
	res := w.walk(it, thread, cb, flags, startFrame)
	w.err = it.Err()

	walkMetrics := []metrics.Metric{
		{ID: metrics.IDStackWalks, Value: 1},
		{ID: metrics.IDStackWalkRawSteps, Value: metrics.MetricValue(it.FramesProcessed())},
	}
	switch res {
	case Failed:
		walkMetrics = append(walkMetrics, metrics.Metric{ID: metrics.IDStackWalkFailures, Value: 1})
	case Abort:
		walkMetrics = append(walkMetrics, metrics.Metric{ID: metrics.IDStackWalkAborts, Value: 1})
	}
	metrics.AddSlice(walkMetrics)
	return res
}

func (w *Walker) walk(it *Iterator, thread *Thread, cb Callback, flags Flags,
	startFrame framechain.Frame) Result {
	if !it.Init(thread, startFrame, thread.Context, flags) {
		return Failed
	}

	var reported int64
	defer func() {
		metrics.Add(metrics.IDStackWalkFrames, metrics.MetricValue(reported))
	}()

	for it.IsValid() {
		if !it.CheckGSCookies() {
			return Failed
		}
		reported++
		action := w.callback(it, cb)
		if !it.CheckGSCookies() {
			return Failed
		}
		if action == ActionAbort {
			return Abort
		}
		if res := it.Next(); res == Failed {
			return Failed
		}
	}
	return Done
}

func (w *Walker) callback(it *Iterator, cb Callback) Action {
	defer w.suspend()()
	return cb(it.Frame())
}

// WalkFrames walks thread on a fresh walker.
func WalkFrames(thread *Thread, cb Callback, flags Flags, startFrame framechain.Frame) Result {
	var w Walker
	return w.WalkFrames(thread, cb, flags, startFrame)
}
