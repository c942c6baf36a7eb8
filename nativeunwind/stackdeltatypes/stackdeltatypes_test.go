// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package stackdeltatypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLookup(t *testing.T) {
	var deltas StackDeltaArray
	deltas.Add(StackDelta{Address: 4, Info: UnwindInfoFramePointerX64})
	deltas.Add(StackDelta{Address: 0, Info: UnwindInfoEntryX64})
	deltas.Add(StackDelta{Address: 1, Info: UnwindInfoPushedFPX64})
	deltas.Add(StackDelta{Address: 0x40, Info: UnwindInfoInvalid})

	tests := map[string]struct {
		addr   uint64
		info   UnwindInfo
		exists bool
	}{
		"entry":    {addr: 0, info: UnwindInfoEntryX64, exists: true},
		"push rbp": {addr: 1, info: UnwindInfoPushedFPX64, exists: true},
		"body":     {addr: 0x20, info: UnwindInfoFramePointerX64, exists: true},
		"end":      {addr: 0x40, info: UnwindInfoInvalid, exists: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			info, ok := deltas.Lookup(tc.addr)
			assert.Equal(t, tc.exists, ok)
			assert.Equal(t, tc.info, info)
		})
	}

	// Re-adding an address replaces the entry.
	deltas.Add(StackDelta{Address: 4, Info: UnwindInfoStop})
	assert.Len(t, deltas, 4)
	info, _ := deltas.Lookup(5)
	assert.Equal(t, "stop", info.String())

	_, ok := StackDeltaArray{}.Lookup(0)
	assert.False(t, ok)
}

func TestString(t *testing.T) {
	assert.Equal(t, "cfa=fp+16 ra/fp=cfa-16", UnwindInfoFramePointerX64.String())
	assert.Equal(t, "cfa=fp+16 ra/fp=frame-8", UnwindInfoFramePointerARM64.String())
	assert.Equal(t, "invalid", UnwindInfoInvalid.String())
	assert.True(t, UnwindInfoSignal.IsCommand())
}
