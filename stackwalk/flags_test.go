// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package stackwalk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	tests := map[string]struct {
		input    string
		expected Flags
		err      bool
	}{
		"empty": {
			input:    "",
			expected: 0,
		},
		"single": {
			input:    "FunctionsOnly",
			expected: FunctionsOnly,
		},
		"pipe separated": {
			input:    "GcReferenceReporting|NotifyOnTransitions",
			expected: GcReferenceReporting | NotifyOnTransitions,
		},
		"mixed separators and case": {
			input:    "skipfunclets, allowasyncwalk quickunwind",
			expected: SkipFunclets | AllowAsyncWalk | QuickUnwind,
		},
		"unknown": {
			input: "FunctionsOnly|Everything",
			err:   true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f, err := ParseFlags(tc.input)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, f)
		})
	}
}

func TestFlagsString(t *testing.T) {
	assert.Equal(t, "0", Flags(0).String())
	assert.Equal(t, "FunctionsOnly|HandleSkippedFrames",
		(FunctionsOnly | HandleSkippedFrames).String())
	assert.Equal(t, "QuickUnwind|0x1000", (QuickUnwind | flagsMax).String())

	all := flagsMax - 1
	parsed, err := ParseFlags(all.String())
	require.NoError(t, err)
	assert.Equal(t, all, parsed)
}

func TestStateStrings(t *testing.T) {
	for s := StateUninitialized; s <= StateDone; s++ {
		assert.NotContains(t, s.String(), "State(")
	}
	assert.Equal(t, "Done", Done.String())
	assert.Equal(t, "LookForMarkerFrame", LookForMarkerFrame.String())
}
