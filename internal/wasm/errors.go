package wasm

import (
	"errors"
	"fmt"
	"time"

	"github.com/woxQAQ/fp-provider-runtime/api/abi"
	"github.com/woxQAQ/fp-provider-runtime/internal/async"
)

var (
	// ErrMissingExport is matched by errors for guests lacking a symbol the
	// calling convention requires.
	ErrMissingExport = errors.New("guest is missing a required export")
	// ErrInstanceClosed is returned by calls on a closed instance.
	ErrInstanceClosed = errors.New("instance is closed")
	// ErrUnavailable is returned when an operation has no wrapper of the
	// requested kind.
	ErrUnavailable = errors.New("operation is not available")
)

// Protocol violations that poison an instance. They are wrapped in a
// RuntimeError.
var (
	ErrUnknownAsyncValue = async.ErrUnknownAsyncValue
	ErrAlreadyResolved   = async.ErrAlreadyResolved
	ErrAlreadyAwaited    = async.ErrAlreadyAwaited
	ErrInvalidStatus     = abi.ErrInvalidStatus
)

// CompilationError occurs when Wasm module compilation fails
type CompilationError struct {
	ModuleName string
	Err        error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("failed to compile Wasm module '%s': %v", e.ModuleName, e.Err)
}

func (e *CompilationError) Unwrap() error {
	return e.Err
}

// InstantiationError occurs when module instantiation fails
type InstantiationError struct {
	ModuleName string
	InstanceID string
	Err        error
}

func (e *InstantiationError) Error() string {
	return fmt.Sprintf("failed to instantiate module '%s' (instance: %s): %v",
		e.ModuleName, e.InstanceID, e.Err)
}

func (e *InstantiationError) Unwrap() error {
	return e.Err
}

// ModuleNotFoundError occurs when a module is not in cache
type ModuleNotFoundError struct {
	ModuleName string
}

func (e *ModuleNotFoundError) Error() string {
	return fmt.Sprintf("module '%s' not found in cache", e.ModuleName)
}

// FunctionNotFoundError occurs when a required export is missing
type FunctionNotFoundError struct {
	ModuleName   string
	FunctionName string
}

func (e *FunctionNotFoundError) Error() string {
	return fmt.Sprintf("function '%s' not found in module '%s'",
		e.FunctionName, e.ModuleName)
}

func (e *FunctionNotFoundError) Is(target error) bool {
	return target == ErrMissingExport
}

// MemoryAccessError occurs when memory operations fail
type MemoryAccessError struct {
	Operation string
	Address   uint32
	Length    uint32
	Err       error
}

func (e *MemoryAccessError) Error() string {
	return fmt.Sprintf("memory access failed (op=%s, addr=%d, len=%d): %v",
		e.Operation, e.Address, e.Length, e.Err)
}

func (e *MemoryAccessError) Unwrap() error {
	return e.Err
}

// HostFunctionError occurs when host function execution fails
type HostFunctionError struct {
	FunctionName string
	Err          error
}

func (e *HostFunctionError) Error() string {
	return fmt.Sprintf("host function '%s' failed: %v", e.FunctionName, e.Err)
}

func (e *HostFunctionError) Unwrap() error {
	return e.Err
}

// TimeoutError occurs when a call does not complete within the configured
// call timeout. The call itself keeps running on the instance loop.
type TimeoutError struct {
	Operation string
	Duration  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Wasm call '%s' timed out after %v", e.Operation, e.Duration)
}

// RuntimeError is an unrecoverable failure of an instance: a guest trap or a
// violation of the calling convention. Once raised, every pending call of the
// instance fails with it and later calls return it unchanged.
type RuntimeError struct {
	InstanceID string
	Operation  string
	Err        error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("unrecoverable error in instance '%s' during %s: %v",
		e.InstanceID, e.Operation, e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// DecodeError occurs when a guest result does not match the type a typed
// wrapper expects. It does not affect the instance.
type DecodeError struct {
	Symbol string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode result of '%s': %v", e.Symbol, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
