// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package periodiccaller allows periodic calls of functions.
package periodiccaller // import "go.opentelemetry.io/clrstackwalk/periodiccaller"

import (
	"context"
	"time"

	"go.opentelemetry.io/clrstackwalk/libpf"
)

// Start starts a timer that calls <callback> every <interval> until the <ctx> is canceled.
func Start(ctx context.Context, interval time.Duration, callback func()) func() {
	return run(ctx, func() time.Duration { return interval }, nil,
		func(bool) { callback() })
}

// StartWithManualTrigger starts a timer that calls <callback> every <interval>
// until the <ctx> is canceled. Additionally the 'trigger' channel can be used
// to trigger callback immediately.
func StartWithManualTrigger(ctx context.Context, interval time.Duration, trigger <-chan bool,
	callback func(manualTrigger bool)) func() {
	return run(ctx, func() time.Duration { return interval }, trigger, callback)
}

// StartWithJitter starts a timer that calls <callback> every <baseDuration+jitter>
// until the <ctx> is canceled. <jitter>, [0..1], is used to add +/- jitter
// to <baseDuration> at every iteration of the timer.
func StartWithJitter(ctx context.Context, baseDuration time.Duration, jitter float64,
	callback func()) func() {
	return run(ctx, func() time.Duration { return libpf.AddJitter(baseDuration, jitter) }, nil,
		func(bool) { callback() })
}

// run calls callback from a new goroutine whenever the ticker fires or
// trigger receives. The ticker is reset to next() after every tick.
func run(ctx context.Context, next func() time.Duration, trigger <-chan bool,
	callback func(manualTrigger bool)) func() {
	ticker := time.NewTicker(next())
	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				callback(false)
				ticker.Reset(next())
			case <-trigger:
				callback(true)
			case <-ctx.Done():
				return
			}
		}
	}()

	return ticker.Stop
}
