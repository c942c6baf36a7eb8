// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/peterbourgon/ff/v3"

	"go.opentelemetry.io/clrstackwalk/internal/controller"
)

const (
	// Default values for CLI flags
	defaultArgMode           = controller.ModeWalk
	defaultArgSampleInterval = 10 * time.Millisecond
	defaultArgTraceCacheSize = 1024
	defaultArgWorkers        = 4
)

// Help strings for command line arguments
var (
	scenarioHelp = "Path of the scenario file describing the threads to walk. " +
		"Files ending in .zst are decompressed."
	modeHelp = fmt.Sprintf("Mode of operation: %s prints every reported frame, "+
		"%s enumerates the GC roots of every frame, %s aggregates sampled traces.",
		controller.ModeWalk, controller.ModeGC, controller.ModeSample)
	flagsHelp = "Comma-separated list of walk flags, e.g. " +
		"FunctionsOnly,NotifyOnTransitions."
	threadHelp         = "Only process the thread with this ID. Zero processes all threads."
	sampleIntervalHelp = "Interval between samples in sample mode."
	samplesHelp        = "Number of samples to take in sample mode. " +
		"Zero samples until interrupted."
	maxDepthHelp       = "Stop walks after this many frames. Zero means no limit."
	traceCacheSizeHelp = "Maximum number of distinct traces kept in sample mode."
	workersHelp        = "Maximum number of threads walked concurrently. " +
		"Zero means no limit."
	configHelp      = "Path of a configuration file with one flag per line."
	verboseModeHelp = "Enable verbose logging and debugging capabilities."
	versionHelp     = "Show version."
)

func parseArgs(args []string) (*controller.Config, error) {
	var cfg controller.Config

	fs := flag.NewFlagSet("clrstackwalk", flag.ContinueOnError)

	// Please keep the parameters ordered alphabetically in the source-code.
	fs.String("config", "", configHelp)

	fs.StringVar(&cfg.Flags, "flags", "", flagsHelp)

	fs.IntVar(&cfg.MaxDepth, "max-depth", 0, maxDepthHelp)
	fs.StringVar(&cfg.Mode, "mode", defaultArgMode, modeHelp)

	fs.DurationVar(&cfg.SampleInterval, "sample-interval", defaultArgSampleInterval,
		sampleIntervalHelp)
	fs.IntVar(&cfg.Samples, "samples", 0, samplesHelp)
	fs.StringVar(&cfg.Scenario, "scenario", "", scenarioHelp)

	fs.IntVar(&cfg.ThreadID, "thread", 0, threadHelp)
	fs.UintVar(&cfg.TraceCacheSize, "trace-cache-size", defaultArgTraceCacheSize,
		traceCacheSizeHelp)

	fs.BoolVar(&cfg.VerboseMode, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&cfg.VerboseMode, "verbose", false, verboseModeHelp)
	fs.BoolVar(&cfg.Version, "version", false, versionHelp)

	fs.IntVar(&cfg.Workers, "workers", defaultArgWorkers, workersHelp)

	fs.Usage = func() {
		fs.PrintDefaults()
	}

	cfg.Fs = fs

	return &cfg, ff.Parse(fs, args,
		ff.WithEnvVarPrefix("CLRSTACKWALK"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		// This will ignore configuration file (only) options that the current
		// version does not recognize.
		ff.WithIgnoreUndefined(true),
		ff.WithAllowMissingConfigFile(true),
	)
}
