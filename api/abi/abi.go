// Package abi describes the calling convention shared by the host runtime
// and provider guests.
//
// Every value crossing the boundary is a msgpack buffer living in guest
// linear memory, addressed by a FatPtr. Wasm uses a 32-bit linear memory, so
// both halves of a FatPtr fit in uint32.
package abi

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ImportModule is the module name guests import host functions from.
const ImportModule = "fp"

// Symbols a guest must export.
const (
	ExportMemory            = "memory"
	ExportMalloc            = "__fp_malloc"
	ExportFree              = "__fp_free"
	ExportResolveAsyncValue = "__fp_guest_resolve_async_value"
)

// Symbols the host provides under ImportModule.
const (
	ImportLog               = "__fp_gen_log"
	ImportMakeHTTPRequest   = "__fp_gen_make_http_request"
	ImportNow               = "__fp_gen_now"
	ImportRandom            = "__fp_gen_random"
	ImportResolveAsyncValue = "__fp_host_resolve_async_value"
)

// OperationPrefix prefixes every guest operation export.
const OperationPrefix = "__fp_gen_"

// OperationSymbol returns the export symbol of a guest operation.
func OperationSymbol(op string) string {
	return OperationPrefix + op
}

// FatPtr packs an offset into guest memory (high 32 bits) and a byte length
// (low 32 bits).
type FatPtr uint64

// ToFatPtr builds a FatPtr.
func ToFatPtr(offset, length uint32) FatPtr {
	return FatPtr(uint64(offset)<<32 | uint64(length))
}

// Offset returns the byte offset into guest memory.
func (p FatPtr) Offset() uint32 {
	return uint32(p >> 32)
}

// Len returns the byte length of the region.
func (p FatPtr) Len() uint32 {
	return uint32(p)
}

// Split returns offset and length.
func (p FatPtr) Split() (offset, length uint32) {
	return p.Offset(), p.Len()
}

func (p FatPtr) String() string {
	return fmt.Sprintf("%#x+%d", p.Offset(), p.Len())
}

// AsyncValueSize is the size in bytes of an AsyncValue record.
const AsyncValueSize = 12

// AsyncStatus is the discriminant stored in the first word of an AsyncValue.
type AsyncStatus uint32

const (
	StatusPending AsyncStatus = 0
	StatusReady   AsyncStatus = 1
)

// ErrInvalidStatus is returned when an AsyncValue carries an unknown status.
var ErrInvalidStatus = errors.New("async value has an unrecognized status")

// AsyncValue mirrors the 12-byte record guests and host use to represent a
// result that is not available yet. Ptr and Len are meaningful only when
// Status is StatusReady.
type AsyncValue struct {
	Status AsyncStatus
	Ptr    uint32
	Len    uint32
}

// Result returns the FatPtr of the resolved value.
func (v AsyncValue) Result() FatPtr {
	return ToFatPtr(v.Ptr, v.Len)
}

// Ready reports whether the value has been resolved.
func (v AsyncValue) Ready() bool {
	return v.Status == StatusReady
}

// MarshalBinary encodes the record in guest (little endian) layout.
func (v AsyncValue) MarshalBinary() ([]byte, error) {
	b := make([]byte, AsyncValueSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(v.Status))
	binary.LittleEndian.PutUint32(b[4:8], v.Ptr)
	binary.LittleEndian.PutUint32(b[8:12], v.Len)
	return b, nil
}

// UnmarshalBinary decodes a record and rejects unknown status values.
func (v *AsyncValue) UnmarshalBinary(b []byte) error {
	if len(b) != AsyncValueSize {
		return fmt.Errorf("async value record is %d bytes, want %d", len(b), AsyncValueSize)
	}
	status := AsyncStatus(binary.LittleEndian.Uint32(b[0:4]))
	if status != StatusPending && status != StatusReady {
		return fmt.Errorf("%w: %d", ErrInvalidStatus, status)
	}
	v.Status = status
	v.Ptr = binary.LittleEndian.Uint32(b[4:8])
	v.Len = binary.LittleEndian.Uint32(b[8:12])
	return nil
}
