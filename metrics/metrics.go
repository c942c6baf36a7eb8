// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package metrics // import "go.opentelemetry.io/clrstackwalk/metrics"

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"go.opentelemetry.io/clrstackwalk/vc"
)

// Reporter receives the metrics of one second.
type Reporter interface {
	ReportMetrics(timestamp uint32, ids []uint32, values []int64)
}

var (
	// prevTimestamp holds the timestamp of the buffered metrics
	prevTimestamp uint32

	// metricsBuffer accumulates the values of prevTimestamp, indexed by ID
	metricsBuffer = make([]MetricValue, IDMax)

	// metricIDSet is a bitvector of the IDs present in metricsBuffer
	metricIDSet = make([]uint64, 1+(IDMax/64))

	// totals accumulates counters and keeps the last gauge values since
	// process start
	totals = make([]MetricValue, IDMax)

	// mutex serializes the concurrent calls to AddSlice()
	mutex sync.Mutex

	//go:embed metrics.json
	metricsJSON []byte

	metricTypes map[MetricID]MetricType

	// OTel metric instrumentation
	meter = otel.Meter("go.opentelemetry.io/clrstackwalk",
		metric.WithInstrumentationVersion(vc.Version()))
	counters = map[MetricID]metric.Int64Counter{}
	gauges   = map[MetricID]metric.Int64Gauge{}

	reporterImpl Reporter

	now = func() uint32 { return uint32(time.Now().Unix()) }
)

// SetReporter installs r as receiver of the per second metrics.
func SetReporter(r Reporter) {
	mutex.Lock()
	defer mutex.Unlock()
	reporterImpl = r
}

func init() {
	defs, err := GetDefinitions()
	if err != nil {
		panic(err)
	}
	metricTypes = make(map[MetricID]MetricType, len(defs))
	for _, md := range defs {
		if md.Obsolete || md.ID == IDInvalid {
			continue
		}
		metricTypes[md.ID] = md.Type
		name := md.Field
		if name == "" {
			name = md.Name
		}
		switch typ := md.Type; typ {
		case MetricTypeCounter:
			counter, err := meter.Int64Counter(name,
				metric.WithDescription(md.Description),
				metric.WithUnit(md.Unit))
			if err != nil {
				log.Errorf("Creating Int64Counter: %v", err)
				continue
			}
			counters[md.ID] = counter
		case MetricTypeGauge:
			gauge, err := meter.Int64Gauge(name,
				metric.WithDescription(md.Description),
				metric.WithUnit(md.Unit))
			if err != nil {
				log.Errorf("Creating Int64Gauge: %v", err)
				continue
			}
			gauges[md.ID] = gauge
		default:
			panic(fmt.Sprintf("Unknown metric type: %v", typ))
		}
	}
}

// report forwards the buffered metrics to the reporter and OTel.
// Allow for report to be overridden in the test.
var report = func() {
	ctx := context.Background()
	var ids []uint32
	var values []int64
	for id := MetricID(1); id < IDMax; id++ {
		if metricIDSet[id/64]&(1<<(id%64)) == 0 {
			continue
		}
		value := metricsBuffer[id]
		ids = append(ids, uint32(id))
		values = append(values, int64(value))

		switch metricTypes[id] {
		case MetricTypeCounter:
			if counter, ok := counters[id]; ok {
				counter.Add(ctx, int64(value))
			}
		case MetricTypeGauge:
			if gauge, ok := gauges[id]; ok {
				gauge.Record(ctx, int64(value))
			}
		}
	}
	if reporterImpl != nil && len(ids) > 0 {
		reporterImpl.ReportMetrics(prevTimestamp, ids, values)
	}
	clear(metricsBuffer)
	clear(metricIDSet)
}

// AddSlice takes a slice of metrics from a metric provider.
// The function buffers the metrics and returns immediately.
//
// Metrics are collected until the timestamp (second resolution) changes,
// then the buffer of the previous timestamp is reported. Counters reported
// several times within a second are summed, gauges keep the last value.
func AddSlice(newMetrics []Metric) {
	ts := now()

	mutex.Lock()
	defer mutex.Unlock()

	if prevTimestamp != ts {
		report()
	}
	prevTimestamp = ts

	for _, m := range newMetrics {
		if m.ID <= IDInvalid || m.ID >= IDMax {
			log.Errorf("Metric value %d out of range [%d,%d]- needs investigation",
				m.ID, IDInvalid+1, IDMax-1)
			continue
		}

		typ, ok := metricTypes[m.ID]
		if !ok {
			log.Warnf("Invalid metric id %d, skipping", m.ID)
			continue
		}

		if m.Value == 0 && typ == MetricTypeCounter {
			continue
		}

		metricIDSet[m.ID/64] |= 1 << (m.ID % 64)
		if typ == MetricTypeCounter {
			metricsBuffer[m.ID] += m.Value
			totals[m.ID] += m.Value
		} else {
			metricsBuffer[m.ID] = m.Value
			totals[m.ID] = m.Value
		}
	}
}

// Add takes a single metric (id and value) from a metric provider.
// The function buffers the metric and returns immediately.
func Add(id MetricID, value MetricValue) {
	AddSlice([]Metric{{id, value}})
}

// Flush reports the buffered metrics without waiting for the next second.
func Flush() {
	mutex.Lock()
	defer mutex.Unlock()
	report()
}

// Snapshot returns the accumulated values of all metrics seen since start.
func Snapshot() Summary {
	mutex.Lock()
	defer mutex.Unlock()
	s := make(Summary)
	for id, v := range totals {
		if v != 0 {
			s[MetricID(id)] = v
		}
	}
	return s
}

// GetDefinitions returns the metric definitions from the embedded metrics.json file.
func GetDefinitions() ([]MetricDefinition, error) {
	var defs []MetricDefinition

	dec := json.NewDecoder(bytes.NewReader(metricsJSON))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&defs); err != nil {
		return nil, fmt.Errorf("extracting definitions from metrics.json: %v", err)
	}
	return defs, nil
}
