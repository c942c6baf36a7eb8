// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Scenario:       "testdata/finally.yaml",
			Mode:           ModeWalk,
			SampleInterval: time.Second,
			TraceCacheSize: 16,
		}
	}

	tests := map[string]struct {
		modify  func(*Config)
		wantErr bool
	}{
		"valid":           {modify: func(*Config) {}},
		"valid gc flags":  {modify: func(c *Config) { c.Mode = ModeGC; c.Flags = "SkipFunclets" }},
		"no scenario":     {modify: func(c *Config) { c.Scenario = "" }, wantErr: true},
		"unknown mode":    {modify: func(c *Config) { c.Mode = "trace" }, wantErr: true},
		"unknown flag":    {modify: func(c *Config) { c.Flags = "Bogus" }, wantErr: true},
		"negative thread": {modify: func(c *Config) { c.ThreadID = -1 }, wantErr: true},
		"negative depth":  {modify: func(c *Config) { c.MaxDepth = -3 }, wantErr: true},
		"zero interval": {
			modify:  func(c *Config) { c.Mode = ModeSample; c.SampleInterval = 0 },
			wantErr: true,
		},
		"zero cache": {
			modify:  func(c *Config) { c.Mode = ModeSample; c.TraceCacheSize = 0 },
			wantErr: true,
		},
		"zero interval outside sample mode": {
			modify: func(c *Config) { c.SampleInterval = 0 },
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			tc.modify(&cfg)
			err := cfg.Validate()
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestRun(t *testing.T) {
	tests := map[string]struct {
		config  Config
		want    []string
		notWant []string
	}{
		"walk all threads": {
			config: Config{Mode: ModeWalk},
			want: []string{
				"thread 7:",
				"InlinedCall@",
				"[funclet]",
				"SoftwareException@",
				"thread 8:",
				"A+0x10 [first]",
				"Done",
			},
		},
		"walk one thread": {
			config:  Config{Mode: ModeWalk, ThreadID: 8},
			want:    []string{"thread 8:", "  #0 A+0x10 [first]", "  Done"},
			notWant: []string{"thread 7:"},
		},
		"walk with depth limit": {
			config:  Config{Mode: ModeWalk, ThreadID: 7, MaxDepth: 1},
			want:    []string{"  #0 InlinedCall@", "  Abort"},
			notWant: []string{"  #1 "},
		},
		"gc scan": {
			config: Config{Mode: ModeGC, ThreadID: 7},
			want: []string{
				"[funclet]",
				"=0xc2",
				"  Done",
			},
			notWant: []string{"SoftwareException@"},
		},
		"sample": {
			config: Config{
				Mode:           ModeSample,
				ThreadID:       8,
				Samples:        2,
				SampleInterval: time.Millisecond,
				TraceCacheSize: 16,
			},
			want: []string{"2 walks, 0 failed", "     2 A+0x10"},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			var out bytes.Buffer
			cfg := tc.config
			cfg.Scenario = "testdata/finally.yaml"

			err := New(&cfg, WithOutput(&out)).Run(context.Background())
			require.NoError(t, err)
			for _, s := range tc.want {
				assert.Contains(t, out.String(), s)
			}
			for _, s := range tc.notWant {
				assert.NotContains(t, out.String(), s)
			}
		})
	}
}

func TestRunErrors(t *testing.T) {
	tests := map[string]struct {
		config   Config
		exitCode int
	}{
		"invalid config": {
			config:   Config{Scenario: "testdata/finally.yaml", Mode: "trace"},
			exitCode: 2,
		},
		"missing scenario": {
			config: Config{Scenario: "testdata/missing.yaml", Mode: ModeWalk},
		},
		"unknown thread": {
			config: Config{Scenario: "testdata/finally.yaml", Mode: ModeWalk, ThreadID: 99},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			var out bytes.Buffer
			err := New(&tc.config, WithOutput(&out)).Run(context.Background())
			require.Error(t, err)

			var exitErr ErrorWithExitCode
			if tc.exitCode != 0 {
				require.True(t, errors.As(err, &exitErr))
				assert.Equal(t, tc.exitCode, exitErr.Code())
			} else {
				assert.False(t, errors.As(err, &exitErr))
			}
		})
	}
}

func TestRunSampleUntilCanceled(t *testing.T) {
	var out bytes.Buffer
	cfg := Config{
		Scenario:       "testdata/finally.yaml",
		Mode:           ModeSample,
		ThreadID:       8,
		SampleInterval: time.Hour,
		TraceCacheSize: 16,
	}
	trigger := make(chan bool)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error)
	go func() {
		done <- New(&cfg, WithOutput(&out), WithTrigger(trigger)).Run(ctx)
	}()
	trigger <- true
	trigger <- true
	cancel()

	require.NoError(t, <-done)
	assert.Contains(t, out.String(), "A+0x10")
}
