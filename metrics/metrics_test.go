// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReporter struct {
	result chan []Metric
}

func (f fakeReporter) ReportMetrics(_ uint32, ids []uint32, values []int64) {
	metricsResult := make([]Metric, len(ids))

	for j := range ids {
		metricsResult[j].ID = MetricID(ids[j])
		metricsResult[j].Value = MetricValue(values[j])
	}

	// send the result back for comparison with client-side input
	f.result <- metricsResult
}

func withClock(t *testing.T) *uint32 {
	t.Helper()
	ts := uint32(1000)
	prev := now
	now = func() uint32 { return ts }
	t.Cleanup(func() {
		now = prev
		SetReporter(nil)
	})
	return &ts
}

func TestMetrics(t *testing.T) {
	ts := withClock(t)
	reporter := &fakeReporter{result: make(chan []Metric, 128)}
	SetReporter(reporter)
	Flush()
	drain(reporter)

	AddSlice([]Metric{
		{IDStackWalks, 1},
		{IDStackWalkFrames, 5},
	})
	Add(IDStackWalks, 1)
	Add(IDSamplerUniqueTraces, 7)
	Add(IDSamplerUniqueTraces, 3)
	Add(IDStackWalkAborts, 0)

	// trigger reporting
	*ts++
	AddSlice(nil)

	select {
	case outputMetrics := <-reporter.result:
		assert.Equal(t, []Metric{
			{IDStackWalks, 2},
			{IDStackWalkFrames, 5},
			{IDSamplerUniqueTraces, 3},
		}, outputMetrics)
	default:
		assert.Fail(t, "no metrics received")
	}
}

func TestInvalidIDs(t *testing.T) {
	ts := withClock(t)
	reporter := &fakeReporter{result: make(chan []Metric, 128)}
	SetReporter(reporter)
	Flush()
	drain(reporter)

	AddSlice([]Metric{{IDInvalid, 1}, {IDMax, 1}})
	*ts++
	AddSlice(nil)

	assert.Empty(t, reporter.result)
}

func TestSnapshot(t *testing.T) {
	withClock(t)
	before := Snapshot()

	Add(IDGCScanRoots, 4)
	Add(IDGCScanRoots, 2)

	after := Snapshot()
	assert.Equal(t, before[IDGCScanRoots]+6, after[IDGCScanRoots])
}

func TestGetDefinitions(t *testing.T) {
	defs, err := GetDefinitions()
	require.NoError(t, err)
	require.Len(t, defs, IDMax)
	for i, def := range defs {
		assert.Equal(t, MetricID(i), def.ID)
	}
}

func drain(f *fakeReporter) {
	for {
		select {
		case <-f.result:
		default:
			return
		}
	}
}
