// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/clrstackwalk/internal/controller"
)

func TestParseArgs(t *testing.T) {
	tests := map[string]struct {
		args []string
		env  map[string]string
		// config file contents, written to a temporary file passed via -config
		file    string
		check   func(*testing.T, *controller.Config)
		wantErr bool
	}{
		"defaults": {
			check: func(t *testing.T, cfg *controller.Config) {
				assert.Equal(t, controller.ModeWalk, cfg.Mode)
				assert.Equal(t, defaultArgSampleInterval, cfg.SampleInterval)
				assert.Equal(t, uint(defaultArgTraceCacheSize), cfg.TraceCacheSize)
				assert.Equal(t, defaultArgWorkers, cfg.Workers)
				assert.False(t, cfg.VerboseMode)
			},
		},
		"flags": {
			args: []string{"-scenario", "s.yaml", "-mode", "gc", "-thread", "3",
				"-flags", "SkipFunclets", "-v"},
			check: func(t *testing.T, cfg *controller.Config) {
				assert.Equal(t, "s.yaml", cfg.Scenario)
				assert.Equal(t, controller.ModeGC, cfg.Mode)
				assert.Equal(t, 3, cfg.ThreadID)
				assert.Equal(t, "SkipFunclets", cfg.Flags)
				assert.True(t, cfg.VerboseMode)
			},
		},
		"environment": {
			env: map[string]string{
				"CLRSTACKWALK_MODE":            "sample",
				"CLRSTACKWALK_SAMPLE_INTERVAL": "250ms",
			},
			check: func(t *testing.T, cfg *controller.Config) {
				assert.Equal(t, controller.ModeSample, cfg.Mode)
				assert.Equal(t, 250*time.Millisecond, cfg.SampleInterval)
			},
		},
		"config file": {
			file: "samples 5\nmax-depth 7\nunknown-option 1\n",
			check: func(t *testing.T, cfg *controller.Config) {
				assert.Equal(t, 5, cfg.Samples)
				assert.Equal(t, 7, cfg.MaxDepth)
			},
		},
		"unknown flag": {
			args:    []string{"-bogus"},
			wantErr: true,
		},
		"bad duration": {
			args:    []string{"-sample-interval", "soon"},
			wantErr: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			args := tc.args
			if tc.file != "" {
				path := filepath.Join(t.TempDir(), "clrstackwalk.conf")
				require.NoError(t, os.WriteFile(path, []byte(tc.file), 0o600))
				args = append(args, "-config", path)
			}

			cfg, err := parseArgs(args)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tc.check(t, cfg)
		})
	}
}
