// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package periodiccaller

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeriodicCaller(t *testing.T) {
	interval := 10 * time.Millisecond
	trigger := make(chan bool)

	tests := map[string]func(context.Context, func()) func(){
		"Start": func(ctx context.Context, cb func()) func() {
			return Start(ctx, interval, cb)
		},
		"StartWithJitter": func(ctx context.Context, cb func()) func() {
			return StartWithJitter(ctx, interval, 0.2, cb)
		},
		"StartWithManualTrigger": func(ctx context.Context, cb func()) func() {
			return StartWithManualTrigger(ctx, interval, trigger, func(bool) { cb() })
		},
	}

	for name, testFunc := range tests {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
			defer cancel()

			done := make(chan struct{})
			var counter atomic.Int32
			stop := testFunc(ctx, func() {
				if counter.Add(1) == 2 {
					close(done)
				}
			})
			defer stop()

			select {
			case <-done:
			case <-ctx.Done():
				assert.Failf(t, "timeout", "%s did not call back twice", name)
			}
		})
	}
}

func TestPeriodicCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	executions := make(chan struct{}, 100)
	stop := Start(ctx, time.Millisecond, func() {
		executions <- struct{}{}
	})
	defer stop()

	<-ctx.Done()
	// give a late callback time to run if cancellation did not work
	time.Sleep(10 * time.Millisecond)
	n := len(executions)
	time.Sleep(10 * time.Millisecond)
	assert.LessOrEqual(t, len(executions), n+1)
}

func TestPeriodicCallerManualTrigger(t *testing.T) {
	numTrigger := 5
	// larger than the time taken to execute the triggers
	interval := 10 * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), interval)
	defer cancel()

	var counter atomic.Int32
	trigger := make(chan bool)
	done := make(chan struct{})

	stop := StartWithManualTrigger(ctx, interval, trigger, func(manualTrigger bool) {
		assert.True(t, manualTrigger)
		if counter.Add(1) == int32(numTrigger) {
			close(done)
		}
	})
	defer stop()

	for range numTrigger {
		trigger <- true
	}
	<-done
	require.Equal(t, int32(numTrigger), counter.Load())
}
