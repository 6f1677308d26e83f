package wasm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	"github.com/woxQAQ/fp-provider-runtime/api/abi"
	"github.com/woxQAQ/fp-provider-runtime/internal/async"
)

// InstanceManager creates and manages module instances.
type InstanceManager struct {
	runtime *Runtime
	host    abi.Host
	logger  *zap.Logger
}

// NewInstanceManager creates a new instance manager. host serves the imports
// of every instance it creates.
func NewInstanceManager(runtime *Runtime, host abi.Host, logger *zap.Logger) *InstanceManager {
	return &InstanceManager{
		runtime: runtime,
		host:    host,
		logger:  logger.With(zap.String("component", "wasm-instance")),
	}
}

// InstanceConfig holds configuration for creating instances.
type InstanceConfig struct {
	// Module name to instantiate.
	ModuleName string

	// Instance ID (if empty, generates UUID).
	InstanceID string

	// Generation overrides the detected calling convention generation.
	Generation Generation

	// CallTimeout bounds how long a caller waits for an export call. Zero
	// waits for the caller's context only.
	CallTimeout time.Duration
}

// Instance is an instantiated guest together with the state the calling
// convention needs: its loop, its pending call registry and the fatal error
// that poisons it.
//
// Every entry into the guest, whether an export call, a resolver call or
// allocator use, happens on the loop. Exported methods may be called from
// any goroutine.
type Instance struct {
	// Instance metadata.
	ID        string
	Name      string
	CreatedAt int64

	guest    Guest
	mem      *Memory
	resolver GuestFunction
	caps     Capabilities
	pending  *async.Registry
	loop     *async.Loop
	host     abi.Host
	timeout  time.Duration
	logger   *zap.Logger

	// ctx lives as long as the instance and carries its ID to host calls.
	ctx    context.Context
	cancel context.CancelFunc
	// work tracks host requests still running off the loop.
	work sync.WaitGroup

	mu      sync.Mutex
	fatal   *RuntimeError
	closed  bool
	onClose func()
}

func newInstance(id, name string, host abi.Host, timeout time.Duration, logger *zap.Logger) *Instance {
	ctx, cancel := context.WithCancel(abi.WithInstanceID(context.Background(), id))
	logger = logger.With(zap.String("instance_id", id))
	return &Instance{
		ID:        id,
		Name:      name,
		CreatedAt: time.Now().Unix(),
		host:      host,
		timeout:   timeout,
		logger:    logger,
		loop:      async.NewLoop(logger),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// attach binds a running guest to the instance. It runs on the loop.
func (i *Instance) attach(guest Guest, generation Generation) error {
	exported := func(symbol string) bool { return guest.Function(symbol) != nil }
	if name, missing := missingExport(exported); missing {
		return &FunctionNotFoundError{ModuleName: i.Name, FunctionName: name}
	}
	if guest.Memory() == nil {
		return &FunctionNotFoundError{ModuleName: i.Name, FunctionName: abi.ExportMemory}
	}
	mem, err := NewMemory(guest)
	if err != nil {
		return err
	}
	i.guest = guest
	i.mem = mem
	i.resolver = guest.Function(abi.ExportResolveAsyncValue)
	i.caps = DetectCapabilities(exported).WithGeneration(generation)
	i.pending = async.NewRegistry(i.caps.Generation.Policy())
	return nil
}

// Instantiate creates a new instance from a compiled module.
func (m *InstanceManager) Instantiate(ctx context.Context, config *InstanceConfig) (*Instance, error) {
	// Get compiled module from cache.
	compiled, ok := m.runtime.GetCompiledModule(config.ModuleName)
	if !ok {
		return nil, &ModuleNotFoundError{ModuleName: config.ModuleName}
	}

	// Generate instance ID if not provided.
	instanceID := config.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	if err := m.runtime.reserveInstance(); err != nil {
		return nil, &InstantiationError{ModuleName: config.ModuleName, InstanceID: instanceID, Err: err}
	}

	m.logger.Info("Instantiating Wasm module",
		zap.String("module", config.ModuleName),
		zap.String("instance_id", instanceID),
	)

	inst := newInstance(instanceID, config.ModuleName, m.host, config.CallTimeout, m.logger)
	// Imports are routed by instance ID, so the instance is tracked before
	// the guest can call any of them.
	m.runtime.StoreInstance(instanceID, inst)
	inst.onClose = func() {
		m.runtime.DeleteInstance(instanceID)
		m.runtime.releaseInstance()
	}

	err := inst.loop.Do(ctx, func() error {
		moduleConfig := wazero.NewModuleConfig().
			WithName(instanceID).
			WithStartFunctions()
		module, err := m.runtime.runtime.InstantiateModule(inst.ctx, compiled.Module, moduleConfig)
		if err != nil {
			return err
		}
		if err := inst.attach(wazeroGuest{module: module}, config.Generation); err != nil {
			_ = module.Close(ctx)
			return err
		}
		return nil
	})
	if err != nil {
		_ = inst.Close(ctx)
		return nil, &InstantiationError{
			ModuleName: config.ModuleName,
			InstanceID: instanceID,
			Err:        err,
		}
	}

	m.logger.Info("Module instantiated successfully",
		zap.String("instance_id", instanceID),
		zap.Stringer("generation", inst.caps.Generation),
		zap.Int("operations", len(inst.caps.exports)),
	)

	return inst, nil
}

// Capabilities returns the operations the guest offers.
func (i *Instance) Capabilities() Capabilities {
	return i.caps
}

// Generation returns the calling convention generation in effect.
func (i *Instance) Generation() Generation {
	return i.caps.Generation
}

// Err returns the error that poisoned the instance, if any.
func (i *Instance) Err() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.fatal != nil {
		return i.fatal
	}
	return nil
}

// PendingCalls returns the number of async values the instance still tracks.
func (i *Instance) PendingCalls(ctx context.Context) (int, error) {
	var n int
	err := i.loop.Do(ctx, func() error {
		n = i.pending.Len()
		return nil
	})
	return n, err
}

// Close releases the guest. Calls still waiting fail with
// ErrInstanceClosed. Safe to call multiple times.
func (i *Instance) Close(ctx context.Context) error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	i.mu.Unlock()

	i.cancel()

	var err error
	_ = i.loop.Post(func() {
		if i.pending != nil {
			i.pending.Fail(ErrInstanceClosed)
		}
		if i.guest != nil {
			err = i.guest.Close(ctx)
		}
	})
	i.loop.Close()
	// Requests still in flight find the loop closed and drop their result.
	i.work.Wait()

	if i.onClose != nil {
		i.onClose()
	}
	return err
}

// call runs the export described by d with already encoded arguments and
// returns the encoded result. It is the single path behind every wrapper.
func (i *Instance) call(ctx context.Context, d ExportDescriptor, args [][]byte) ([]byte, error) {
	if err := i.usable(); err != nil {
		return nil, err
	}
	if len(args) != d.Arity {
		return nil, fmt.Errorf("%s takes %d arguments, got %d", d.Symbol, d.Arity, len(args))
	}
	callCtx := ctx
	if i.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	out := async.NewFuture[[]byte]()
	if err := i.loop.Post(func() { i.start(d, args, out) }); err != nil {
		return nil, ErrInstanceClosed
	}
	data, err := out.Await(callCtx)
	if err != nil && ctx.Err() != nil {
		// The caller gave up first; its own error wins.
		return nil, ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) && i.timeout > 0 {
		// The call carries on; its result is freed when it arrives.
		return nil, &TimeoutError{Operation: string(d.Operation), Duration: i.timeout}
	}
	return data, err
}

// start enters the guest for a call. It runs on the loop.
func (i *Instance) start(d ExportDescriptor, args [][]byte, out *async.Future[[]byte]) {
	if err := i.usable(); err != nil {
		out.Reject(err)
		return
	}
	fn := i.guest.Function(d.Symbol)
	if fn == nil {
		out.Reject(&FunctionNotFoundError{ModuleName: i.Name, FunctionName: d.Symbol})
		return
	}

	params := make([]uint64, len(args))
	for n, arg := range args {
		ptr, err := i.mem.Export(i.ctx, arg)
		if err != nil {
			out.Reject(i.fail(d.Symbol, err))
			return
		}
		params[n] = uint64(ptr)
	}

	res, err := i.callGuest(fn, params...)
	if err != nil {
		out.Reject(i.fail(d.Symbol, err))
		return
	}
	if len(res) != 1 {
		out.Reject(i.fail(d.Symbol, fmt.Errorf("returned %d values, want 1", len(res))))
		return
	}
	ptr := abi.FatPtr(res[0])

	if !d.Async {
		data, err := i.mem.ReadBytesAndRelease(i.ctx, ptr)
		if err != nil {
			out.Reject(i.fail(d.Symbol, err))
			return
		}
		out.Resolve(data)
		return
	}

	rec, err := i.mem.ReadAsyncValue(ptr)
	if err != nil {
		out.Reject(i.fail(d.Symbol, err))
		return
	}
	result, err := i.pending.Await(ptr)
	if err != nil {
		out.Reject(i.fail(d.Symbol, err))
		return
	}
	if _, _, ok := result.Peek(); !ok && rec.Ready() {
		// Completed in place without a call to the resolve import.
		if err := i.pending.Resolve(ptr, rec.Result()); err != nil {
			out.Reject(i.fail(d.Symbol, err))
			return
		}
	}
	if _, _, ok := result.Peek(); ok {
		i.collect(ptr, result, out)
		return
	}
	go func() {
		<-result.Done()
		if err := i.loop.Post(func() { i.collect(ptr, result, out) }); err != nil {
			out.Reject(ErrInstanceClosed)
		}
	}()
}

// collect reads the result of a completed async call and frees both the
// result buffer and the async value. It runs on the loop.
func (i *Instance) collect(asyncPtr abi.FatPtr, result *async.Future[abi.FatPtr], out *async.Future[[]byte]) {
	resultPtr, err, _ := result.Peek()
	if err != nil {
		out.Reject(err)
		return
	}
	if err := i.usable(); err != nil {
		out.Reject(err)
		return
	}
	data, err := i.mem.ReadBytesAndRelease(i.ctx, resultPtr)
	if err != nil {
		out.Reject(i.fail(abi.ImportResolveAsyncValue, err))
		return
	}
	if err := i.mem.Release(i.ctx, asyncPtr); err != nil {
		out.Reject(i.fail(abi.ImportResolveAsyncValue, err))
		return
	}
	i.pending.Release(asyncPtr)
	out.Resolve(data)
}

// callGuest calls fn, turning a panic raised by an import handler into an
// error the way wazero does for guests it executes.
func (i *Instance) callGuest(fn GuestFunction, params ...uint64) (res []uint64, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
			} else {
				err = fmt.Errorf("panic: %v", r)
			}
		}
	}()
	return fn.Call(i.ctx, params...)
}

// usable returns the error a new call should fail with, if any.
func (i *Instance) usable() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return ErrInstanceClosed
	}
	if i.fatal != nil {
		return i.fatal
	}
	return nil
}

// fail poisons the instance. The first error wins; every pending call is
// rejected with it and it is returned to all later callers. It runs on the
// loop.
func (i *Instance) fail(op string, err error) *RuntimeError {
	i.mu.Lock()
	if i.fatal != nil {
		fatal := i.fatal
		i.mu.Unlock()
		return fatal
	}
	fatal := &RuntimeError{InstanceID: i.ID, Operation: op, Err: err}
	i.fatal = fatal
	i.mu.Unlock()

	i.logger.Error("Instance failed", zap.String("operation", op), zap.Error(err))
	if i.pending != nil {
		if orphaned := i.pending.Fail(fatal); len(orphaned) > 0 {
			i.logger.Warn("Abandoning uncollected results", zap.Int("count", len(orphaned)))
		}
	}
	return fatal
}

// abort poisons the instance and unwinds the current guest call. It is used
// by import handlers, which have no error return.
func (i *Instance) abort(op string, err error) {
	panic(i.fail(op, err))
}
