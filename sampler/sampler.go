// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package sampler takes periodic speculative stack walks of running
// threads and aggregates the resulting traces.
package sampler // import "go.opentelemetry.io/clrstackwalk/sampler"

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/elastic/go-freelru"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/clrstackwalk/codeinfo"
	"go.opentelemetry.io/clrstackwalk/libpf"
	"go.opentelemetry.io/clrstackwalk/metrics"
	"go.opentelemetry.io/clrstackwalk/periodiccaller"
	"go.opentelemetry.io/clrstackwalk/stackwalk"
	"go.opentelemetry.io/clrstackwalk/successfailurecounter"
)

// Default lifetime of aggregated traces that are not sampled again.
var traceLifetime = 5 * time.Minute

// Config configures a Sampler.
type Config struct {
	// Interval is the time between two samples of all threads.
	Interval time.Duration
	// Jitter, [0..1], randomizes Interval.
	Jitter float64
	// Flags are added to AllowAsyncWalk|FunctionsOnly.
	Flags stackwalk.Flags
	// MaxDepth truncates traces. Zero keeps all frames.
	MaxDepth int
	// TraceCacheSize bounds the number of distinct traces kept.
	TraceCacheSize uint32
	// Workers bounds the number of concurrent walks. Zero walks all
	// threads at once.
	Workers int
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("sampling interval %v must be positive", c.Interval)
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		return fmt.Errorf("jitter %f out of range [0..1]", c.Jitter)
	}
	if c.TraceCacheSize == 0 {
		return errors.New("trace cache size must be positive")
	}
	if c.MaxDepth < 0 || c.Workers < 0 {
		return errors.New("negative max depth or worker count")
	}
	return nil
}

// Frame is one reported frame of a trace.
type Frame struct {
	Method *codeinfo.MethodDesc
	PC     libpf.Address
	// Offset is the PC relative to the method start.
	Offset  uint32
	Funclet bool
}

func (f Frame) String() string {
	s := fmt.Sprintf("%v+0x%x", f.Method, f.Offset)
	if f.Funclet {
		s += " (funclet)"
	}
	return s
}

// Trace is an aggregated stack trace, leaf first.
type Trace struct {
	Hash   libpf.TraceHash
	Frames []Frame

	// Truncated is set when the walk stopped at MaxDepth.
	Truncated bool

	count atomic.Uint64
}

// Count returns how often the trace was sampled.
func (t *Trace) Count() uint64 {
	return t.count.Load()
}

// Sampler walks a set of registered threads.
type Sampler struct {
	cfg Config

	mu      sync.Mutex
	threads map[int]*stackwalk.Thread

	traces *lru.SyncedLRU[libpf.TraceHash, *Trace]
	// insertMu serializes the insertion of new traces.
	insertMu sync.Mutex

	success atomic.Uint64
	failure atomic.Uint64
}

// New returns a sampler without threads.
func New(cfg Config) (*Sampler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	traces, err := lru.NewSynced[libpf.TraceHash, *Trace](cfg.TraceCacheSize,
		libpf.TraceHash.Hash32)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace cache: %v", err)
	}
	// Do not hold traces indefinitely in the cache.
	traces.SetLifetime(traceLifetime)
	return &Sampler{
		cfg:     cfg,
		threads: make(map[int]*stackwalk.Thread),
		traces:  traces,
	}, nil
}

// Register adds a thread to the sampled set, replacing a thread with the
// same ID.
func (s *Sampler) Register(thread *stackwalk.Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[thread.ID] = thread
}

// Unregister removes a thread from the sampled set.
func (s *Sampler) Unregister(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, id)
}

func (s *Sampler) snapshotThreads() []*stackwalk.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	threads := make([]*stackwalk.Thread, 0, len(s.threads))
	for _, t := range s.threads {
		threads = append(threads, t)
	}
	slices.SortFunc(threads, func(a, b *stackwalk.Thread) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return threads
}

// Sample walks every registered thread once. Failed walks are counted,
// not returned: speculative walks of running threads are expected to
// fail now and then.
func (s *Sampler) Sample(ctx context.Context) error {
	threads := s.snapshotThreads()
	success, failure := s.success.Load(), s.failure.Load()

	g, gctx := errgroup.WithContext(ctx)
	if s.cfg.Workers > 0 {
		g.SetLimit(s.cfg.Workers)
	}
	for _, thread := range threads {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			s.sampleThread(thread)
			return nil
		})
	}
	err := g.Wait()

	metrics.AddSlice([]metrics.Metric{
		{ID: metrics.IDSamplerSamples,
			Value: metrics.MetricValue(s.success.Load() - success)},
		{ID: metrics.IDSamplerFailures,
			Value: metrics.MetricValue(s.failure.Load() - failure)},
		{ID: metrics.IDSamplerUniqueTraces, Value: metrics.MetricValue(s.traces.Len())},
	})
	return err
}

func (s *Sampler) sampleThread(thread *stackwalk.Thread) {
	sfc := successfailurecounter.New(&s.success, &s.failure)
	defer sfc.DefaultToFailure()

	var (
		frames    []Frame
		truncated bool
	)
	flags := s.cfg.Flags | stackwalk.AllowAsyncWalk | stackwalk.FunctionsOnly
	var w stackwalk.Walker
	res := w.WalkFrames(thread, func(cf *stackwalk.CrawlFrame) stackwalk.Action {
		if s.cfg.MaxDepth > 0 && len(frames) == s.cfg.MaxDepth {
			truncated = true
			return stackwalk.ActionAbort
		}
		f := Frame{Method: cf.Method(), PC: cf.PC(), Funclet: cf.IsFunclet()}
		if cf.IsFrameless() {
			f.Offset = cf.CodeInfo().RelOffset()
		}
		frames = append(frames, f)
		return stackwalk.ActionContinue
	}, flags, nil)

	switch {
	case res == stackwalk.Failed:
		log.Debugf("Sampling %v failed: %v", thread, w.Err())
		sfc.ReportFailure()
		return
	case len(frames) == 0:
		log.Debugf("Sampling %v found no managed frames", thread)
		sfc.ReportFailure()
		return
	}
	sfc.ReportSuccess()
	s.record(frames, truncated)
}

// traceHash hashes method identities and PCs of frames.
func traceHash(frames []Frame, truncated bool) libpf.TraceHash {
	ids := make([]uint64, 0, 2*len(frames)+1)
	for _, f := range frames {
		var id uint64
		if f.Method != nil {
			id = f.Method.ID
		}
		ids = append(ids, id, uint64(f.PC))
	}
	if truncated {
		ids = append(ids, ^uint64(0))
	}
	return libpf.NewTraceHash(ids)
}

func (s *Sampler) record(frames []Frame, truncated bool) {
	hash := traceHash(frames, truncated)
	if trace, ok := s.traces.GetAndRefresh(hash, traceLifetime); ok {
		trace.count.Add(1)
		return
	}

	s.insertMu.Lock()
	defer s.insertMu.Unlock()
	// Another walk may have inserted the trace meanwhile.
	if trace, ok := s.traces.Get(hash); ok {
		trace.count.Add(1)
		return
	}
	trace := &Trace{Hash: hash, Frames: frames, Truncated: truncated}
	trace.count.Store(1)
	s.traces.Add(hash, trace)
}

// Traces returns the aggregated traces, most sampled first.
func (s *Sampler) Traces() []*Trace {
	keys := s.traces.Keys()
	traces := make([]*Trace, 0, len(keys))
	for _, k := range keys {
		if t, ok := s.traces.Peek(k); ok {
			traces = append(traces, t)
		}
	}
	slices.SortFunc(traces, func(a, b *Trace) int {
		if c := cmp.Compare(b.Count(), a.Count()); c != 0 {
			return c
		}
		return cmp.Compare(a.Hash.String(), b.Hash.String())
	})
	return traces
}

// Stats returns the number of successful and failed walks.
func (s *Sampler) Stats() (success, failure uint64) {
	return s.success.Load(), s.failure.Load()
}

// Start samples on the configured schedule until ctx is canceled. Sends
// on trigger take an additional sample immediately; trigger may be nil.
// The returned function stops sampling.
func (s *Sampler) Start(ctx context.Context, trigger <-chan bool) func() {
	sample := func(manual bool) {
		if err := s.Sample(ctx); err != nil && ctx.Err() == nil {
			log.Errorf("Failed to sample threads: %v", err)
		}
		if manual {
			log.Debugf("Manually triggered sample done")
		}
	}

	var stop func()
	switch {
	case trigger != nil:
		stop = periodiccaller.StartWithManualTrigger(ctx, s.cfg.Interval, trigger, sample)
	case s.cfg.Jitter > 0:
		stop = periodiccaller.StartWithJitter(ctx, s.cfg.Interval, s.cfg.Jitter,
			func() { sample(false) })
	default:
		stop = periodiccaller.Start(ctx, s.cfg.Interval, func() { sample(false) })
	}
	stopPurge := periodiccaller.Start(ctx, traceLifetime, func() {
		s.traces.PurgeExpired()
	})
	return func() {
		stop()
		stopPurge()
	}
}
