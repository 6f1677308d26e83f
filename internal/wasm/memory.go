package wasm

import (
	"context"
	"errors"
	"fmt"

	"github.com/woxQAQ/fp-provider-runtime/api/abi"
)

var errOutOfRange = errors.New("out of range")

// Memory moves buffers in and out of guest linear memory.
//
// Guest memory is only ever touched from the instance loop. The buffer is
// looked up again on every access because growth, including growth caused
// by a call to __fp_malloc, may replace it.
type Memory struct {
	guest  Guest
	malloc GuestFunction
	free   GuestFunction
}

// NewMemory binds the allocator exports of guest.
func NewMemory(guest Guest) (*Memory, error) {
	m := &Memory{guest: guest}
	if m.malloc = guest.Function(abi.ExportMalloc); m.malloc == nil {
		return nil, &FunctionNotFoundError{FunctionName: abi.ExportMalloc}
	}
	if m.free = guest.Function(abi.ExportFree); m.free == nil {
		return nil, &FunctionNotFoundError{FunctionName: abi.ExportFree}
	}
	return m, nil
}

// Allocate asks the guest allocator for a buffer of n bytes.
func (m *Memory) Allocate(ctx context.Context, n uint32) (abi.FatPtr, error) {
	res, err := m.malloc.Call(ctx, uint64(n))
	if err != nil {
		return 0, &MemoryAccessError{Operation: "allocate", Length: n, Err: err}
	}
	if len(res) != 1 {
		return 0, &MemoryAccessError{Operation: "allocate", Length: n,
			Err: fmt.Errorf("%s returned %d values", abi.ExportMalloc, len(res))}
	}
	ptr := abi.FatPtr(res[0])
	if ptr.Len() != n {
		return 0, &MemoryAccessError{Operation: "allocate", Address: ptr.Offset(), Length: n,
			Err: fmt.Errorf("allocator returned %s", ptr)}
	}
	return ptr, nil
}

// Release returns ptr to the guest allocator.
func (m *Memory) Release(ctx context.Context, ptr abi.FatPtr) error {
	if _, err := m.free.Call(ctx, uint64(ptr)); err != nil {
		return &MemoryAccessError{Operation: "release", Address: ptr.Offset(), Length: ptr.Len(), Err: err}
	}
	return nil
}

// WriteBytes copies data into the buffer at ptr. data must be ptr.Len()
// bytes long.
func (m *Memory) WriteBytes(ptr abi.FatPtr, data []byte) error {
	mem, err := m.memory("write")
	if err != nil {
		return err
	}
	if !mem.Write(ptr.Offset(), data) {
		return &MemoryAccessError{Operation: "write", Address: ptr.Offset(), Length: uint32(len(data)), Err: errOutOfRange}
	}
	return nil
}

// ReadBytes copies the buffer at ptr out of guest memory.
func (m *Memory) ReadBytes(ptr abi.FatPtr) ([]byte, error) {
	mem, err := m.memory("read")
	if err != nil {
		return nil, err
	}
	buf, ok := mem.Read(ptr.Offset(), ptr.Len())
	if !ok {
		return nil, &MemoryAccessError{Operation: "read", Address: ptr.Offset(), Length: ptr.Len(), Err: errOutOfRange}
	}
	// Read returns a view into guest memory.
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, nil
}

// ReadBytesAndRelease copies the buffer at ptr out of guest memory and frees
// it.
func (m *Memory) ReadBytesAndRelease(ctx context.Context, ptr abi.FatPtr) ([]byte, error) {
	data, err := m.ReadBytes(ptr)
	if err != nil {
		return nil, err
	}
	if err := m.Release(ctx, ptr); err != nil {
		return nil, err
	}
	return data, nil
}

// Export allocates a guest buffer holding a copy of data. Ownership of the
// buffer passes to the guest.
func (m *Memory) Export(ctx context.Context, data []byte) (abi.FatPtr, error) {
	ptr, err := m.Allocate(ctx, uint32(len(data)))
	if err != nil {
		return 0, err
	}
	if err := m.WriteBytes(ptr, data); err != nil {
		return 0, err
	}
	return ptr, nil
}

// NewAsyncValue allocates a pending AsyncValue record.
func (m *Memory) NewAsyncValue(ctx context.Context) (abi.FatPtr, error) {
	ptr, err := m.Allocate(ctx, abi.AsyncValueSize)
	if err != nil {
		return 0, err
	}
	// Allocations are not zeroed.
	if err := m.WriteBytes(ptr, make([]byte, abi.AsyncValueSize)); err != nil {
		return 0, err
	}
	return ptr, nil
}

// ReadAsyncValue decodes the AsyncValue record at ptr.
func (m *Memory) ReadAsyncValue(ptr abi.FatPtr) (abi.AsyncValue, error) {
	var v abi.AsyncValue
	if ptr.Len() != abi.AsyncValueSize {
		return v, &MemoryAccessError{Operation: "read async value", Address: ptr.Offset(), Length: ptr.Len(),
			Err: fmt.Errorf("record must be %d bytes", abi.AsyncValueSize)}
	}
	buf, err := m.ReadBytes(ptr)
	if err != nil {
		return v, err
	}
	if err := v.UnmarshalBinary(buf); err != nil {
		return v, err
	}
	return v, nil
}

// WriteAsyncValue stores v in the record at ptr.
func (m *Memory) WriteAsyncValue(ptr abi.FatPtr, v abi.AsyncValue) error {
	buf, err := v.MarshalBinary()
	if err != nil {
		return err
	}
	return m.WriteBytes(abi.ToFatPtr(ptr.Offset(), abi.AsyncValueSize), buf)
}

func (m *Memory) memory(op string) (GuestMemory, error) {
	mem := m.guest.Memory()
	if mem == nil {
		return nil, &MemoryAccessError{Operation: op, Err: &FunctionNotFoundError{FunctionName: abi.ExportMemory}}
	}
	return mem, nil
}
