package wasm

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/woxQAQ/fp-provider-runtime/api/abi"
	"github.com/woxQAQ/fp-provider-runtime/internal/codec"
	"github.com/woxQAQ/fp-provider-runtime/pkg/protocol"
)

// fakeMemory is a linear memory backed by a byte slice.
type fakeMemory struct {
	buf []byte
}

func (m *fakeMemory) Size() uint32 { return uint32(len(m.buf)) }

func (m *fakeMemory) Read(offset, n uint32) ([]byte, bool) {
	if uint64(offset)+uint64(n) > uint64(len(m.buf)) {
		return nil, false
	}
	return m.buf[offset : offset+n], true
}

func (m *fakeMemory) Write(offset uint32, v []byte) bool {
	if uint64(offset)+uint64(len(v)) > uint64(len(m.buf)) {
		return false
	}
	copy(m.buf[offset:], v)
	return true
}

func (m *fakeMemory) ReadUint32Le(offset uint32) (uint32, bool) {
	b, ok := m.Read(offset, 4)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

func (m *fakeMemory) WriteUint32Le(offset, v uint32) bool {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return m.Write(offset, b[:])
}

type fakeFunc func(ctx context.Context, params ...uint64) ([]uint64, error)

func (f fakeFunc) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	return f(ctx, params...)
}

// fakeGuest plays the guest side of the calling convention in Go. It uses a
// bump allocator that tracks live buffers, and replaces its memory object
// whenever it grows, like a real guest whose buffer is detached on growth.
//
// All of its state is touched on the instance loop only.
type fakeGuest struct {
	t    *testing.T
	inst *Instance

	mem      *fakeMemory
	next     uint32
	live     map[uint32]uint32
	badFrees int

	funcs map[string]GuestFunction
	// awaiting maps host-created async values to the guest continuation.
	awaiting map[abi.FatPtr]func(result []byte)
	// parked holds async values the guest returned and has not resolved.
	parked []parkedCall
	closed bool
}

type parkedCall struct {
	async abi.FatPtr
	tag   string
}

func newFakeGuest(t *testing.T) *fakeGuest {
	g := &fakeGuest{
		t:        t,
		mem:      &fakeMemory{buf: make([]byte, 64)},
		next:     8,
		live:     make(map[uint32]uint32),
		funcs:    make(map[string]GuestFunction),
		awaiting: make(map[abi.FatPtr]func([]byte)),
	}
	g.funcs[abi.ExportMalloc] = fakeFunc(func(_ context.Context, p ...uint64) ([]uint64, error) {
		return []uint64{uint64(g.malloc(uint32(p[0])))}, nil
	})
	g.funcs[abi.ExportFree] = fakeFunc(func(_ context.Context, p ...uint64) ([]uint64, error) {
		return nil, g.free(abi.FatPtr(p[0]))
	})
	g.funcs[abi.ExportResolveAsyncValue] = fakeFunc(func(_ context.Context, p ...uint64) ([]uint64, error) {
		return nil, g.guestResolve(abi.FatPtr(p[0]), abi.FatPtr(p[1]))
	})
	return g
}

func (g *fakeGuest) Memory() GuestMemory {
	return g.mem
}

func (g *fakeGuest) Function(name string) GuestFunction {
	if fn, ok := g.funcs[name]; ok {
		return fn
	}
	return nil
}

func (g *fakeGuest) Close(context.Context) error {
	g.closed = true
	return nil
}

func (g *fakeGuest) malloc(n uint32) abi.FatPtr {
	offset := g.next
	g.next += max((n+7)&^7, 8)
	if int(g.next) > len(g.mem.buf) {
		buf := make([]byte, 2*len(g.mem.buf)+int(n))
		copy(buf, g.mem.buf)
		g.mem = &fakeMemory{buf: buf}
	}
	g.live[offset] = n
	return abi.ToFatPtr(offset, n)
}

func (g *fakeGuest) free(ptr abi.FatPtr) error {
	n, ok := g.live[ptr.Offset()]
	if !ok || n != ptr.Len() {
		g.badFrees++
		return fmt.Errorf("invalid free of %s", ptr)
	}
	delete(g.live, ptr.Offset())
	return nil
}

// take reads a buffer the guest now owns and frees it. Guest helpers run on
// the loop goroutine, so they report problems with Errorf only.
func (g *fakeGuest) take(ptr abi.FatPtr) []byte {
	b, ok := g.mem.Read(ptr.Offset(), ptr.Len())
	if !ok {
		g.t.Errorf("guest read out of range: %s", ptr)
		return nil
	}
	out := append([]byte(nil), b...)
	if err := g.free(ptr); err != nil {
		g.t.Error(err)
	}
	return out
}

func (g *fakeGuest) put(data []byte) abi.FatPtr {
	ptr := g.malloc(uint32(len(data)))
	g.mem.Write(ptr.Offset(), data)
	return ptr
}

func (g *fakeGuest) decode(ptr abi.FatPtr, v any) {
	if err := codec.Unmarshal(g.take(ptr), v); err != nil {
		g.t.Errorf("guest decode: %v", err)
	}
}

func (g *fakeGuest) encode(v any) abi.FatPtr {
	b, err := codec.Marshal(v)
	if err != nil {
		g.t.Errorf("guest encode: %v", err)
	}
	return g.put(b)
}

func (g *fakeGuest) newAsync() abi.FatPtr {
	return g.put(make([]byte, abi.AsyncValueSize))
}

func (g *fakeGuest) setStatus(asyncPtr abi.FatPtr, v abi.AsyncValue) {
	b, _ := v.MarshalBinary()
	g.mem.Write(asyncPtr.Offset(), b)
}

// resolveHost completes a host call awaiting asyncPtr with an encoded value.
func (g *fakeGuest) resolveHost(asyncPtr abi.FatPtr, v any) {
	result := g.encode(v)
	g.setStatus(asyncPtr, abi.AsyncValue{Status: abi.StatusReady, Ptr: result.Offset(), Len: result.Len()})
	g.call(abi.ImportResolveAsyncValue, uint64(asyncPtr), uint64(result))
}

// call invokes a host import.
func (g *fakeGuest) call(name string, args ...uint64) uint64 {
	stack := make([]uint64, max(len(args), 1))
	copy(stack, args)
	g.inst.callImport(name, stack)
	return stack[0]
}

// guestResolve is the guest resolver export.
func (g *fakeGuest) guestResolve(asyncPtr, resultPtr abi.FatPtr) error {
	cont, ok := g.awaiting[asyncPtr]
	if !ok {
		return fmt.Errorf("resolved unknown async value %s", asyncPtr)
	}
	delete(g.awaiting, asyncPtr)

	rec, _ := g.mem.Read(asyncPtr.Offset(), abi.AsyncValueSize)
	var v abi.AsyncValue
	if err := v.UnmarshalBinary(rec); err != nil {
		return err
	}
	if !v.Ready() || v.Result() != resultPtr {
		return fmt.Errorf("async value %s not ready for %s", asyncPtr, resultPtr)
	}
	data := g.take(resultPtr)
	if err := g.free(asyncPtr); err != nil {
		return err
	}
	cont(data)
	return nil
}

// export defines the guest export of op.
func (g *fakeGuest) export(op Operation, fn func(args ...abi.FatPtr) abi.FatPtr) {
	g.funcs[op.Symbol()] = fakeFunc(func(_ context.Context, p ...uint64) ([]uint64, error) {
		args := make([]abi.FatPtr, len(p))
		for n := range p {
			args[n] = abi.FatPtr(p[n])
		}
		return []uint64{uint64(fn(args...))}, nil
	})
}

// park defines an async export that returns a pending async value and waits
// for the test to resolve it.
func (g *fakeGuest) park(op Operation, tag func(args ...abi.FatPtr) string) {
	g.export(op, func(args ...abi.FatPtr) abi.FatPtr {
		asyncPtr := g.newAsync()
		g.parked = append(g.parked, parkedCall{async: asyncPtr, tag: tag(args...)})
		return asyncPtr
	})
}

// later runs fn as a separate guest entry on the instance loop.
func (g *fakeGuest) later(fn func()) {
	err := g.inst.loop.Post(func() {
		_, _ = g.inst.callGuest(fakeFunc(func(context.Context, ...uint64) ([]uint64, error) {
			fn()
			return nil, nil
		}))
	})
	if err != nil {
		g.t.Errorf("guest entry: %v", err)
	}
}

// onLoop runs fn on the instance loop and waits for it.
func (g *fakeGuest) onLoop(fn func()) {
	require.NoError(g.t, g.inst.loop.Do(context.Background(), func() error {
		fn()
		return nil
	}))
}

func (g *fakeGuest) liveBuffers() int {
	var n int
	g.onLoop(func() { n = len(g.live) })
	return n
}

func (g *fakeGuest) parkedCount() int {
	var n int
	g.onLoop(func() { n = len(g.parked) })
	return n
}

// fakeHost records imports and answers HTTP requests with a fixed function.
type fakeHost struct {
	mu       sync.Mutex
	logs     []string
	requests []protocol.HTTPRequest
	http     func(req protocol.HTTPRequest) protocol.HTTPResult

	randomErr error
}

func (h *fakeHost) Log(_ context.Context, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logs = append(h.logs, message)
}

func (h *fakeHost) MakeHTTPRequest(_ context.Context, req protocol.HTTPRequest) protocol.HTTPResult {
	h.mu.Lock()
	h.requests = append(h.requests, req)
	fn := h.http
	h.mu.Unlock()
	return fn(req)
}

func (h *fakeHost) Now(context.Context) protocol.Timestamp {
	return 1700000000.25
}

func (h *fakeHost) Random(_ context.Context, n uint32) ([]byte, error) {
	if h.randomErr != nil {
		return nil, h.randomErr
	}
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i + 1)
	}
	return out, nil
}

type instanceOption func(*instanceSetup)

type instanceSetup struct {
	generation Generation
	host       abi.Host
	timeout    time.Duration
	logger     *zap.Logger
}

func withGeneration(g Generation) instanceOption {
	return func(s *instanceSetup) { s.generation = g }
}

func withHost(h abi.Host) instanceOption {
	return func(s *instanceSetup) { s.host = h }
}

func withTimeout(d time.Duration) instanceOption {
	return func(s *instanceSetup) { s.timeout = d }
}

func withLogger(l *zap.Logger) instanceOption {
	return func(s *instanceSetup) { s.logger = l }
}

// newFakeInstance attaches g to a new instance the way InstanceManager
// attaches a wazero module.
func newFakeInstance(t *testing.T, g *fakeGuest, opts ...instanceOption) *Instance {
	t.Helper()
	setup := instanceSetup{host: &fakeHost{}, logger: zaptest.NewLogger(t)}
	for _, opt := range opts {
		opt(&setup)
	}
	inst := newInstance("inst-"+t.Name(), "fake", setup.host, setup.timeout, setup.logger)
	g.inst = inst
	err := inst.loop.Do(context.Background(), func() error {
		return inst.attach(g, setup.generation)
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Close(context.Background()) })
	return inst
}
