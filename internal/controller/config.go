// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/clrstackwalk/internal/controller"

import (
	"errors"
	"flag"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/clrstackwalk/stackwalk"
)

// Modes of operation.
const (
	ModeWalk   = "walk"
	ModeGC     = "gc"
	ModeSample = "sample"
)

type Config struct {
	// Scenario is the path of the scenario file.
	Scenario string
	Mode     string
	// Flags are the walk flags, see stackwalk.ParseFlags.
	Flags string
	// ThreadID restricts the run to one thread. Zero runs all threads.
	ThreadID int

	SampleInterval time.Duration
	// Samples is the number of samples to take. Zero samples until
	// canceled.
	Samples        int
	MaxDepth       int
	TraceCacheSize uint
	Workers        int

	VerboseMode bool
	Version     bool

	Fs *flag.FlagSet
}

// Dump visits all flag sets, and dumps them all to debug
// Used for verbose mode logging.
func (cfg *Config) Dump() {
	log.Debug("Config:")
	cfg.Fs.VisitAll(func(f *flag.Flag) {
		log.Debug(fmt.Sprintf("%s: %v", f.Name, f.Value))
	})
}

// Validate runs validations on the provided configuration, and returns errors
// if invalid values were provided.
func (cfg *Config) Validate() error {
	if cfg.Scenario == "" {
		return errors.New("no scenario file given")
	}
	switch cfg.Mode {
	case ModeWalk, ModeGC, ModeSample:
	default:
		return fmt.Errorf("unknown mode %q, use %s, %s or %s",
			cfg.Mode, ModeWalk, ModeGC, ModeSample)
	}
	if _, err := stackwalk.ParseFlags(cfg.Flags); err != nil {
		return err
	}
	if cfg.ThreadID < 0 || cfg.Samples < 0 || cfg.MaxDepth < 0 || cfg.Workers < 0 {
		return errors.New("thread id, samples, max depth and workers must not be negative")
	}
	if cfg.Mode == ModeSample {
		if cfg.SampleInterval <= 0 {
			return fmt.Errorf("invalid sample interval %v", cfg.SampleInterval)
		}
		if cfg.TraceCacheSize == 0 {
			return errors.New("trace cache size must be positive")
		}
	}
	return nil
}

func (cfg *Config) walkFlags() stackwalk.Flags {
	// Validate rejected unparsable flags.
	f, _ := stackwalk.ParseFlags(cfg.Flags)
	return f
}
