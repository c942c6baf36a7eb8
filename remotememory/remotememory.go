// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// remotememory provides read-only access to the memory of the walked thread.
// The ReaderAt interface is used for the basic access, and convenience
// functions are provided to read specific data types. Nothing in this package
// writes to the target.
package remotememory // import "go.opentelemetry.io/clrstackwalk/remotememory"

import (
	"encoding/binary"
	"fmt"
	"io"

	"go.opentelemetry.io/clrstackwalk/libpf"
)

// RemoteMemory implements a set of convenience functions to access the remote memory
type RemoteMemory struct {
	io.ReaderAt
	// Bias is the adjustment for pointers (used to unrelocate pointers in memory images)
	Bias libpf.Address
}

// Valid determines if this RemoteMemory instance contains a valid reference to target memory
func (rm RemoteMemory) Valid() bool {
	return rm.ReaderAt != nil
}

// Read fills slice p[] with data from remote memory at address addr
func (rm RemoteMemory) Read(addr libpf.Address, p []byte) error {
	if rm.ReaderAt == nil {
		return ErrUnmapped
	}
	n, err := rm.ReadAt(p, int64(addr))
	if err == nil && n != len(p) {
		err = fmt.Errorf("short read at %v: got %d of %d: %w", addr, n, len(p), ErrUnmapped)
	}
	return err
}

// Ptr reads a native pointer from remote memory, returning 0 on failure.
func (rm RemoteMemory) Ptr(addr libpf.Address) libpf.Address {
	ptr, err := rm.PtrChecked(addr)
	if err != nil {
		return 0
	}
	return ptr
}

// PtrChecked reads a native pointer from remote memory.
func (rm RemoteMemory) PtrChecked(addr libpf.Address) (libpf.Address, error) {
	v, err := rm.Uint64Checked(addr)
	if err != nil {
		return 0, err
	}
	return libpf.Address(v) - rm.Bias, nil
}

// Uint32 reads a 32-bit unsigned integer from remote memory, returning 0 on failure.
func (rm RemoteMemory) Uint32(addr libpf.Address) uint32 {
	var buf [4]byte
	if rm.Read(addr, buf[:]) != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(buf[:])
}

// Uint64 reads a 64-bit unsigned integer from remote memory, returning 0 on failure.
func (rm RemoteMemory) Uint64(addr libpf.Address) uint64 {
	v, err := rm.Uint64Checked(addr)
	if err != nil {
		return 0
	}
	return v
}

// Uint64Checked reads a 64-bit unsigned integer from remote memory
func (rm RemoteMemory) Uint64Checked(addr libpf.Address) (uint64, error) {
	var buf [8]byte
	if err := rm.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Bytes reads size bytes starting at addr. Partial reads are an error.
func (rm RemoteMemory) Bytes(addr libpf.Address, size int) ([]byte, error) {
	buf := make([]byte, size)
	if err := rm.Read(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
