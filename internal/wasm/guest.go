package wasm

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	"github.com/woxQAQ/fp-provider-runtime/api/abi"
)

// GuestMemory is the part of a guest's linear memory the runtime uses. It is
// satisfied by api.Memory.
type GuestMemory interface {
	Size() uint32
	Read(offset, byteCount uint32) ([]byte, bool)
	Write(offset uint32, v []byte) bool
	ReadUint32Le(offset uint32) (uint32, bool)
	WriteUint32Le(offset, v uint32) bool
}

// GuestFunction is an exported guest function. It is satisfied by
// api.Function.
type GuestFunction interface {
	Call(ctx context.Context, params ...uint64) ([]uint64, error)
}

// Guest is an instantiated guest module.
type Guest interface {
	// Memory returns the exported linear memory, or nil. Growth may replace
	// the underlying buffer, so callers look it up on every access.
	Memory() GuestMemory

	// Function returns the exported function called name, or nil.
	Function(name string) GuestFunction

	Close(ctx context.Context) error
}

// wazeroGuest adapts a wazero module instance to Guest.
type wazeroGuest struct {
	module api.Module
}

func (g wazeroGuest) Memory() GuestMemory {
	mem := g.module.ExportedMemory(abi.ExportMemory)
	if mem == nil {
		return nil
	}
	return mem
}

func (g wazeroGuest) Function(name string) GuestFunction {
	fn := g.module.ExportedFunction(name)
	if fn == nil {
		return nil
	}
	return fn
}

func (g wazeroGuest) Close(ctx context.Context) error {
	return g.module.Close(ctx)
}
