// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package framechain // import "go.opentelemetry.io/clrstackwalk/framechain"

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.opentelemetry.io/clrstackwalk/codeinfo"
	"go.opentelemetry.io/clrstackwalk/libpf"
	"go.opentelemetry.io/clrstackwalk/remotememory"
)

// RecordSize is the in-memory size of an explicit frame record.
//
//	0x00 kind      uint32
//	0x04 attribs   uint32
//	0x08 next      address, 0 at the top of the chain
//	0x10 retaddr   address
//	0x18 method    method identity, 0 for none
//	0x20 saved sp  address
//	0x28 saved fp  address
//	0x30 active    uint64, non-zero while an inlined call is in flight
//	0x38 reserved
const RecordSize = 64

// MaxChainLength bounds the number of records decoded from one chain.
const MaxChainLength = 4096

var (
	// ErrTornChain is returned for chains that are not ordered toward the
	// stack base, which happens when a running thread is read.
	ErrTornChain = errors.New("frame chain is not ordered")

	ErrChainTooLong = errors.New("frame chain too long")
)

// MarshalBinary encodes the record in its in-memory layout.
func (r *Record) MarshalBinary() ([]byte, error) {
	if r.FrameKind == KindInvalid || r.FrameKind >= kindMax {
		return nil, fmt.Errorf("invalid frame kind %v", r.FrameKind)
	}
	buf := make([]byte, RecordSize)
	binary.LittleEndian.PutUint32(buf[0x00:], uint32(r.FrameKind))
	binary.LittleEndian.PutUint32(buf[0x04:], uint32(r.Attr))
	if r.NextRecord != nil {
		binary.LittleEndian.PutUint64(buf[0x08:], uint64(r.NextRecord.Address))
	}
	binary.LittleEndian.PutUint64(buf[0x10:], uint64(r.RetAddr))
	if r.MethodDesc != nil {
		binary.LittleEndian.PutUint64(buf[0x18:], r.MethodDesc.ID)
	}
	binary.LittleEndian.PutUint64(buf[0x20:], uint64(r.SavedSP))
	binary.LittleEndian.PutUint64(buf[0x28:], uint64(r.SavedFP))
	if r.CallActive {
		binary.LittleEndian.PutUint64(buf[0x30:], 1)
	}
	return buf, nil
}

// decodeRecord parses one record at addr.
func decodeRecord(mem remotememory.RemoteMemory, addr libpf.Address,
	methods codeinfo.Resolver) (*Record, libpf.Address, error) {
	buf, err := mem.Bytes(addr, RecordSize)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read frame record at %v: %w", addr, err)
	}
	r := &Record{
		Address:    addr,
		FrameKind:  Kind(binary.LittleEndian.Uint32(buf[0x00:])),
		Attr:       Attribs(binary.LittleEndian.Uint32(buf[0x04:])),
		RetAddr:    libpf.Address(binary.LittleEndian.Uint64(buf[0x10:])),
		SavedSP:    libpf.Address(binary.LittleEndian.Uint64(buf[0x20:])),
		SavedFP:    libpf.Address(binary.LittleEndian.Uint64(buf[0x28:])),
		CallActive: binary.LittleEndian.Uint64(buf[0x30:]) != 0,
	}
	if r.FrameKind == KindInvalid || r.FrameKind >= kindMax {
		return nil, 0, fmt.Errorf("frame record at %v has kind %v: %w",
			addr, r.FrameKind, ErrTornChain)
	}
	if id := binary.LittleEndian.Uint64(buf[0x18:]); id != 0 && methods != nil {
		r.MethodDesc = methods.MethodByID(id)
	}
	return r, libpf.Address(binary.LittleEndian.Uint64(buf[0x08:])), nil
}

// Decode reads the frame chain starting at head. A zero head is an empty
// chain. Every record must lie above its predecessor.
func Decode(mem remotememory.RemoteMemory, head libpf.Address,
	methods codeinfo.Resolver) (*Record, error) {
	var first, prev *Record
	for addr, n := head, 0; addr != 0; n++ {
		if n >= MaxChainLength {
			return nil, ErrChainTooLong
		}
		if prev != nil && addr <= prev.Address {
			return nil, fmt.Errorf("record at %v follows %v: %w", addr, prev.Address, ErrTornChain)
		}
		r, next, err := decodeRecord(mem, addr, methods)
		if err != nil {
			return nil, err
		}
		if prev == nil {
			first = r
		} else {
			prev.NextRecord = r
		}
		prev = r
		addr = next
	}
	return first, nil
}
