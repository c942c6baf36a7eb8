// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	s := Set[Address]{}
	assert.True(t, s.Add(0x1000))
	assert.False(t, s.Add(0x1000))
	assert.True(t, s.Contains(0x1000))
	assert.False(t, s.Contains(0x2000))
	assert.Equal(t, []Address{0x1000}, s.ToSlice())
}

func TestAddress(t *testing.T) {
	tests := map[string]struct {
		adr     Address
		lo, hi  Address
		inRange bool
	}{
		"below":     {adr: 0xfff, lo: 0x1000, hi: 0x2000, inRange: false},
		"low bound": {adr: 0x1000, lo: 0x1000, hi: 0x2000, inRange: true},
		"inside":    {adr: 0x1800, lo: 0x1000, hi: 0x2000, inRange: true},
		"high end":  {adr: 0x2000, lo: 0x1000, hi: 0x2000, inRange: false},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.inRange, tc.adr.InRange(tc.lo, tc.hi))
		})
	}

	assert.Equal(t, "0x1000", Address(0x1000).String())
	assert.Equal(t, uint64(0), Address(0).Hash())
	assert.NotEqual(t, Address(1).Hash32(), Address(2).Hash32())
}

func TestTraceHash(t *testing.T) {
	a := NewTraceHash([]uint64{1, 2, 3})
	b := NewTraceHash([]uint64{1, 2, 3})
	c := NewTraceHash([]uint64{3, 2, 1})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.False(t, a.IsZero())
	assert.Len(t, a.String(), 32)
}
