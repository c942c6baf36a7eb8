// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package remotememory

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/clrstackwalk/libpf"
)

func TestSnapshotMemory(t *testing.T) {
	sm := NewSnapshotMemory()
	stack, err := sm.Map(0x7000, 0x100)
	require.NoError(t, err)
	_, err = sm.Map(0x1000, 0x10)
	require.NoError(t, err)
	_, err = sm.Map(0x70f0, 0x20)
	require.Error(t, err, "overlapping region must be rejected")

	binary.LittleEndian.PutUint64(stack.Data[0x10:], 0x0807060504030201)
	rm := RemoteMemory{ReaderAt: sm}

	assert.Equal(t, uint32(0x04030201), rm.Uint32(0x7010))
	assert.Equal(t, libpf.Address(0x0807060504030201), rm.Ptr(0x7010))
	assert.Equal(t, uint64(0), rm.Uint64(0x5000))

	_, err = rm.PtrChecked(0x5000)
	require.ErrorIs(t, err, ErrUnmapped)

	// Reads straddling the end of a region fail instead of returning partial data.
	_, err = rm.Uint64Checked(0x70fc)
	require.ErrorIs(t, err, ErrUnmapped)

	n, err := sm.WriteAt([]byte{0xaa}, 0x1004)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	b, err := rm.Bytes(0x1003, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xaa}, b)

	regions := sm.Regions()
	require.Len(t, regions, 2)
	assert.Equal(t, libpf.Address(0x1000), regions[0].Start)
}

func TestBias(t *testing.T) {
	sm := NewSnapshotMemory()
	r, err := sm.Map(0x2000, 8)
	require.NoError(t, err)
	binary.LittleEndian.PutUint64(r.Data, 0x5100)

	rm := RemoteMemory{ReaderAt: sm, Bias: 0x100}
	assert.Equal(t, libpf.Address(0x5000), rm.Ptr(0x2000))
	assert.True(t, rm.Valid())
	assert.False(t, RemoteMemory{}.Valid())
	require.ErrorIs(t, RemoteMemory{}.Read(0, make([]byte, 1)), ErrUnmapped)
}
