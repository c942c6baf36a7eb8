// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

/*
Package metrics collects the internal counters of stack walks, GC root
scans and the sampler.

Metric IDs are generated from metrics.json:

	metrics
	├── genids/         // generator of ids.go
	├── ids.go          // generated metric IDs
	├── metrics.go      // Add(), AddSlice(), Flush() and Snapshot()
	├── metrics.json    // metric definitions, append only
	└── types.go        // Metric, MetricID, MetricValue and MetricDefinition

Values are buffered per second. On the first call of a new second the
buffer of the previous one is forwarded to the OTel meter and, if set, to
the Reporter:

	metrics.Add(metrics.IDStackWalks, 1)
	metrics.AddSlice([]metrics.Metric{
		{ID: metrics.IDStackWalkFrames, Value: 12},
	})

Snapshot returns the totals since process start, which the command line
tool prints after a run.
*/
package metrics // import "go.opentelemetry.io/clrstackwalk/metrics"
