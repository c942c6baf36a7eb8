// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/clrstackwalk/internal/controller"

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/clrstackwalk/codeinfo"
	"go.opentelemetry.io/clrstackwalk/gcscan"
	"go.opentelemetry.io/clrstackwalk/internal/scenario"
	"go.opentelemetry.io/clrstackwalk/metrics"
	"go.opentelemetry.io/clrstackwalk/sampler"
	"go.opentelemetry.io/clrstackwalk/stackwalk"
)

// Controller runs one mode over the threads of a scenario.
type Controller struct {
	config  *Config
	out     io.Writer
	trigger <-chan bool
}

// New creates a new controller
func New(cfg *Config, opts ...Option) *Controller {
	c := &Controller{
		config: cfg,
		out:    os.Stdout,
	}
	for _, opt := range opts {
		c = opt.applyOption(c)
	}
	return c
}

// Run loads the scenario and runs the configured mode. Results are written
// in thread order.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.config.Validate(); err != nil {
		return NewErrorWithExitCode(err, 2)
	}

	s, err := scenario.Load(c.config.Scenario)
	if err != nil {
		return err
	}
	threads, err := s.Build()
	if err != nil {
		return fmt.Errorf("failed to build scenario: %w", err)
	}
	if id := c.config.ThreadID; id != 0 {
		threads = selectThread(threads, id)
		if len(threads) == 0 {
			return fmt.Errorf("scenario has no thread %d", id)
		}
	}
	log.Debugf("Loaded %d threads from %s", len(threads), c.config.Scenario)

	switch c.config.Mode {
	case ModeWalk:
		err = c.each(ctx, threads, c.walk)
	case ModeGC:
		err = c.each(ctx, threads, c.scan)
	case ModeSample:
		err = c.sample(ctx, threads)
	}
	c.dumpMetrics()
	return err
}

func selectThread(threads []*scenario.Thread, id int) []*scenario.Thread {
	for _, t := range threads {
		if t.ID == id {
			return []*scenario.Thread{t}
		}
	}
	return nil
}

// each runs fn for all threads concurrently and prints the outputs in
// order. Failures of single threads are reported after all outputs.
func (c *Controller) each(ctx context.Context, threads []*scenario.Thread,
	fn func(*scenario.Thread, *strings.Builder) error) error {
	outputs := make([]strings.Builder, len(threads))
	errs := make([]error, len(threads))

	g, gctx := errgroup.WithContext(ctx)
	if c.config.Workers > 0 {
		g.SetLimit(c.config.Workers)
	}
	for i, t := range threads {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fmt.Fprintf(&outputs[i], "thread %d:\n", t.ID)
			errs[i] = fn(t, &outputs[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	failed := 0
	for i := range outputs {
		if _, err := io.WriteString(c.out, outputs[i].String()); err != nil {
			return err
		}
		if errs[i] != nil {
			log.Errorf("Thread %d: %v", threads[i].ID, errs[i])
			failed++
		}
	}
	if failed != 0 {
		return fmt.Errorf("%d of %d threads failed", failed, len(threads))
	}
	return nil
}

func describe(t *scenario.Thread, cf *stackwalk.CrawlFrame) string {
	var sb strings.Builder
	switch {
	case cf.IsFrameless():
		sb.WriteString(t.Symbolize(cf.PC()))
		if cf.IsFilterFunclet() {
			sb.WriteString(" [filter]")
		} else if cf.IsFunclet() {
			sb.WriteString(" [funclet]")
		}
		if cf.IsFirst() {
			sb.WriteString(" [first]")
		}
		if cf.IsInterrupted() {
			sb.WriteString(" [interrupted]")
		}
		if cf.HasFaulted() {
			sb.WriteString(" [faulted]")
		}
		fmt.Fprintf(&sb, " sp=%v", cf.SP())
	case cf.IsNoFrameTransition():
		fmt.Fprintf(&sb, "no frame transition marker=%v", cf.NoFrameTransitionMarker())
	case cf.Frame() != nil:
		fmt.Fprintf(&sb, "%v@%v", cf.Frame().Kind(), cf.Frame().Addr())
		if md := cf.Method(); md != nil {
			fmt.Fprintf(&sb, " %v", md)
		}
	default:
		fmt.Fprintf(&sb, "native %s sp=%v", t.Symbolize(cf.PC()), cf.SP())
	}
	return sb.String()
}

func (c *Controller) walk(t *scenario.Thread, out *strings.Builder) error {
	var (
		w stackwalk.Walker
		n int
	)
	res := w.WalkFrames(t.Thread, func(cf *stackwalk.CrawlFrame) stackwalk.Action {
		if c.config.MaxDepth > 0 && n == c.config.MaxDepth {
			return stackwalk.ActionAbort
		}
		fmt.Fprintf(out, "  #%d %s\n", n, describe(t, cf))
		n++
		return stackwalk.ActionContinue
	}, c.config.walkFlags(), nil)
	fmt.Fprintf(out, "  %v\n", res)
	if res == stackwalk.Failed {
		return w.Err()
	}
	return nil
}

// frameWriter prints the roots of one thread.
type frameWriter struct {
	thread *scenario.Thread
	out    *strings.Builder
	n      int
}

func (fw *frameWriter) ReportFrame(fr gcscan.FrameRoots) {
	var sb strings.Builder
	switch {
	case fr.Frame != nil:
		fmt.Fprintf(&sb, "%v@%v", fr.Frame.Kind(), fr.Frame.Addr())
	default:
		sb.WriteString(fw.thread.Symbolize(fr.PC))
		if fr.Funclet {
			sb.WriteString(" [funclet]")
		}
	}
	switch {
	case fr.Suppressed:
		sb.WriteString(" [suppressed]")
	case fr.FromSavedFunclet:
		sb.WriteString(" [saved funclet slots]")
	}
	if fr.Pinned {
		sb.WriteString(" [pinned]")
	}
	fmt.Fprintf(fw.out, "  #%d %s\n", fw.n, sb.String())
	for _, r := range fr.Roots {
		fmt.Fprintf(fw.out, "      %v\n", r)
	}
	fw.n++
}

func (fw *frameWriter) KeepAlive(md *codeinfo.MethodDesc) {
	fmt.Fprintf(fw.out, "      keep alive %v\n", md)
}

func (c *Controller) scan(t *scenario.Thread, out *strings.Builder) error {
	fw := &frameWriter{thread: t, out: out}
	res, err := gcscan.EnumerateRoots(nil, t.Thread, fw,
		gcscan.Options{Flags: c.config.walkFlags()})
	fmt.Fprintf(out, "  %v\n", res)
	return err
}

func (c *Controller) sample(ctx context.Context, threads []*scenario.Thread) error {
	s, err := sampler.New(sampler.Config{
		Interval:       c.config.SampleInterval,
		Flags:          c.config.walkFlags(),
		MaxDepth:       c.config.MaxDepth,
		TraceCacheSize: uint32(c.config.TraceCacheSize),
		Workers:        c.config.Workers,
	})
	if err != nil {
		return err
	}
	for _, t := range threads {
		s.Register(t.Thread)
	}

	if c.config.Samples == 0 {
		log.Infof("Sampling %d threads every %v until interrupted",
			len(threads), c.config.SampleInterval)
		stop := s.Start(ctx, c.trigger)
		<-ctx.Done()
		stop()
	} else {
		if err := c.sampleN(ctx, s); err != nil {
			return err
		}
	}

	success, failure := s.Stats()
	fmt.Fprintf(c.out, "%d walks, %d failed\n", success+failure, failure)
	for _, trace := range s.Traces() {
		frames := make([]string, 0, len(trace.Frames))
		for _, f := range trace.Frames {
			frames = append(frames, f.String())
		}
		truncated := ""
		if trace.Truncated {
			truncated = " ..."
		}
		fmt.Fprintf(c.out, "%6d %s%s\n", trace.Count(), strings.Join(frames, " <- "), truncated)
	}
	return nil
}

func (c *Controller) sampleN(ctx context.Context, s *sampler.Sampler) error {
	ticker := time.NewTicker(c.config.SampleInterval)
	defer ticker.Stop()
	for i := 0; i < c.config.Samples; i++ {
		if i > 0 {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := s.Sample(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) dumpMetrics() {
	if !log.IsLevelEnabled(log.DebugLevel) {
		return
	}
	metrics.Flush()
	defs, err := metrics.GetDefinitions()
	if err != nil {
		log.Errorf("Failed to read metric definitions: %v", err)
		return
	}
	snapshot := metrics.Snapshot()
	for _, md := range defs {
		if v, ok := snapshot[md.ID]; ok {
			log.Debugf("Metric %s: %d", md.Name, v)
		}
	}
}
