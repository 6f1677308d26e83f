package wasm

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/woxQAQ/fp-provider-runtime/api/abi"
	"github.com/woxQAQ/fp-provider-runtime/internal/codec"
	"github.com/woxQAQ/fp-provider-runtime/pkg/protocol"
)

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

// hostImport binds one symbol of the import module to an Instance method.
// Arguments and results travel on the wazero value stack.
type hostImport struct {
	name    string
	params  []api.ValueType
	results []api.ValueType
	call    func(i *Instance, ctx context.Context, stack []uint64)
}

// hostImports is the import binding table.
var hostImports = []hostImport{
	{
		name:   abi.ImportLog,
		params: []api.ValueType{i64},
		call: func(i *Instance, ctx context.Context, stack []uint64) {
			i.importLog(ctx, abi.FatPtr(stack[0]))
		},
	},
	{
		name:    abi.ImportMakeHTTPRequest,
		params:  []api.ValueType{i64},
		results: []api.ValueType{i64},
		call: func(i *Instance, ctx context.Context, stack []uint64) {
			stack[0] = uint64(i.importMakeHTTPRequest(ctx, abi.FatPtr(stack[0])))
		},
	},
	{
		name:    abi.ImportNow,
		results: []api.ValueType{i64},
		call: func(i *Instance, ctx context.Context, stack []uint64) {
			stack[0] = uint64(i.importNow(ctx))
		},
	},
	{
		name:    abi.ImportRandom,
		params:  []api.ValueType{i32},
		results: []api.ValueType{i64},
		call: func(i *Instance, ctx context.Context, stack []uint64) {
			stack[0] = uint64(i.importRandom(ctx, api.DecodeU32(stack[0])))
		},
	},
	{
		name:   abi.ImportResolveAsyncValue,
		params: []api.ValueType{i64, i64},
		call: func(i *Instance, ctx context.Context, stack []uint64) {
			i.importResolveAsyncValue(abi.FatPtr(stack[0]), abi.FatPtr(stack[1]))
		},
	},
}

// instantiateHostModule registers the import module with r. Every guest
// instance shares it; calls are routed to the owning Instance by module
// name, which is the instance ID.
func instantiateHostModule(ctx context.Context, r wazero.Runtime, lookup func(id string) (*Instance, bool)) error {
	builder := r.NewHostModuleBuilder(abi.ImportModule)
	for _, imp := range hostImports {
		fn := api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			inst, ok := lookup(mod.Name())
			if !ok {
				panic(fmt.Errorf("%s called by unknown instance '%s'", imp.name, mod.Name()))
			}
			imp.call(inst, inst.ctx, stack)
		})
		builder.NewFunctionBuilder().
			WithGoModuleFunction(fn, imp.params, imp.results).
			WithName(imp.name).
			Export(imp.name)
	}
	_, err := builder.Instantiate(ctx)
	return err
}

// callImport runs the import called name with the given value stack, the
// way the import module does for a guest executing under wazero. Results are
// written back to stack. It must be called from within a guest call.
func (i *Instance) callImport(name string, stack []uint64) {
	for _, imp := range hostImports {
		if imp.name == name {
			imp.call(i, i.ctx, stack)
			return
		}
	}
	panic(fmt.Errorf("unknown host import '%s'", name))
}

func (i *Instance) importLog(ctx context.Context, ptr abi.FatPtr) {
	var message string
	i.importValue(abi.ImportLog, ptr, &message)
	if err := i.guardHost(abi.ImportLog, func() { i.host.Log(ctx, message) }); err != nil {
		i.logger.Warn("Host log sink failed", zap.Error(err))
	}
}

func (i *Instance) importNow(ctx context.Context) abi.FatPtr {
	var now protocol.Timestamp
	if err := i.guardHost(abi.ImportNow, func() { now = i.host.Now(ctx) }); err != nil {
		i.abort(abi.ImportNow, err)
	}
	return i.exportValue(abi.ImportNow, now)
}

func (i *Instance) importRandom(ctx context.Context, n uint32) abi.FatPtr {
	var buf []byte
	var readErr error
	if err := i.guardHost(abi.ImportRandom, func() { buf, readErr = i.host.Random(ctx, n) }); err != nil {
		i.abort(abi.ImportRandom, err)
	}
	if readErr != nil {
		i.abort(abi.ImportRandom, &HostFunctionError{FunctionName: abi.ImportRandom, Err: readErr})
	}
	return i.exportValue(abi.ImportRandom, protocol.ByteArray(buf))
}

// importMakeHTTPRequest admits a request and returns a pending AsyncValue
// right away. The request runs on its own goroutine and its result is handed
// to the guest resolver from the loop once it completes. Every admitted
// request is resolved exactly once, with an error result if need be.
func (i *Instance) importMakeHTTPRequest(ctx context.Context, ptr abi.FatPtr) abi.FatPtr {
	data, err := i.mem.ReadBytesAndRelease(ctx, ptr)
	if err != nil {
		i.abort(abi.ImportMakeHTTPRequest, err)
	}
	asyncPtr, err := i.mem.NewAsyncValue(ctx)
	if err != nil {
		i.abort(abi.ImportMakeHTTPRequest, err)
	}

	var req protocol.HTTPRequest
	if err := codec.Unmarshal(data, &req); err != nil {
		result := protocol.Err[protocol.HTTPResponse](protocol.OtherHTTPError("invalid request: " + err.Error()))
		i.deliverLater(asyncPtr, result)
		return asyncPtr
	}

	i.work.Add(1)
	go func() {
		defer i.work.Done()
		var result protocol.HTTPResult
		if err := i.guardHost(abi.ImportMakeHTTPRequest, func() { result = i.host.MakeHTTPRequest(ctx, req) }); err != nil {
			i.logger.Error("HTTP request failed", zap.Error(err))
			result = protocol.Err[protocol.HTTPResponse](protocol.OtherHTTPError(err.Error()))
		}
		i.deliverLater(asyncPtr, result)
	}()
	return asyncPtr
}

// deliverLater schedules delivery of result to the guest async value.
func (i *Instance) deliverLater(asyncPtr abi.FatPtr, result protocol.HTTPResult) {
	if err := i.loop.Post(func() { i.deliver(asyncPtr, result) }); err != nil {
		i.logger.Debug("Dropping HTTP result of closed instance", zap.Stringer("async_value", asyncPtr))
	}
}

// deliver writes result into guest memory, marks the async value ready and
// calls the guest resolver, which takes ownership of both buffers.
func (i *Instance) deliver(asyncPtr abi.FatPtr, result protocol.HTTPResult) {
	if i.usable() != nil {
		return
	}
	data, err := codec.Marshal(result)
	if err != nil {
		i.fail(abi.ExportResolveAsyncValue, err)
		return
	}
	resultPtr, err := i.mem.Export(i.ctx, data)
	if err != nil {
		i.fail(abi.ExportResolveAsyncValue, err)
		return
	}
	ready := abi.AsyncValue{Status: abi.StatusReady, Ptr: resultPtr.Offset(), Len: resultPtr.Len()}
	if err := i.mem.WriteAsyncValue(asyncPtr, ready); err != nil {
		i.fail(abi.ExportResolveAsyncValue, err)
		return
	}
	if _, err := i.callGuest(i.resolver, uint64(asyncPtr), uint64(resultPtr)); err != nil {
		i.fail(abi.ExportResolveAsyncValue, err)
	}
}

// importResolveAsyncValue completes a host call awaiting asyncPtr.
func (i *Instance) importResolveAsyncValue(asyncPtr, resultPtr abi.FatPtr) {
	if _, err := i.mem.ReadAsyncValue(asyncPtr); err != nil {
		i.abort(abi.ImportResolveAsyncValue, err)
	}
	if err := i.pending.Resolve(asyncPtr, resultPtr); err != nil {
		i.abort(abi.ImportResolveAsyncValue, err)
	}
}

// importValue decodes and frees an argument the guest passed by FatPtr.
func (i *Instance) importValue(name string, ptr abi.FatPtr, v any) {
	data, err := i.mem.ReadBytesAndRelease(i.ctx, ptr)
	if err != nil {
		i.abort(name, err)
	}
	if err := codec.Unmarshal(data, v); err != nil {
		i.abort(name, err)
	}
}

// exportValue encodes v into a new guest buffer owned by the guest.
func (i *Instance) exportValue(name string, v any) abi.FatPtr {
	data, err := codec.Marshal(v)
	if err != nil {
		i.abort(name, err)
	}
	ptr, err := i.mem.Export(i.ctx, data)
	if err != nil {
		i.abort(name, err)
	}
	return ptr
}

// guardHost runs a host capability, turning a panic into a HostFunctionError.
func (i *Instance) guardHost(name string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HostFunctionError{FunctionName: name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	fn()
	return nil
}
