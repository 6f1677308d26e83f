package wasm

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/woxQAQ/fp-provider-runtime/api/abi"
	"github.com/woxQAQ/fp-provider-runtime/internal/codec"
	"github.com/woxQAQ/fp-provider-runtime/pkg/protocol"
)

func instantRequest() protocol.ProviderRequest {
	return protocol.ProviderRequest{
		QueryType: "instant",
		QueryData: protocol.Blob{Data: []byte{}, MimeType: "text/plain"},
		Config:    protocol.ProviderConfig{},
	}
}

// echoInvoke is a first generation invoke that answers with an empty
// instant response from a later guest entry.
func echoInvoke(g *fakeGuest, seen *protocol.ProviderConfig) {
	g.export(OpInvoke, func(args ...abi.FatPtr) abi.FatPtr {
		var req protocol.ProviderRequest
		var cfg protocol.ProviderConfig
		g.decode(args[0], &req)
		g.decode(args[1], &cfg)
		if seen != nil {
			*seen = cfg
		}
		asyncPtr := g.newAsync()
		g.later(func() {
			g.resolveHost(asyncPtr, protocol.ProviderResponse{Type: protocol.ResponseInstant, Instants: []protocol.Instant{}})
		})
		return asyncPtr
	})
}

func TestInvokeEchoesInstantResponse(t *testing.T) {
	g := newFakeGuest(t)
	echoInvoke(g, nil)
	inst := newFakeInstance(t, g)

	assert.Equal(t, Generation1, inst.Generation())

	resp, err := inst.Invoke(context.Background(), instantRequest(), protocol.ProviderConfig{})
	require.NoError(t, err)
	assert.Equal(t, protocol.ResponseInstant, resp.Type)
	assert.Empty(t, resp.Instants)

	assert.Zero(t, g.liveBuffers(), "every buffer must be freed")
	n, err := inst.PendingCalls(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInvoke2ReportsDelayedServerError(t *testing.T) {
	host := &fakeHost{http: func(protocol.HTTPRequest) protocol.HTTPResult {
		time.Sleep(10 * time.Millisecond)
		return protocol.Err[protocol.HTTPResponse](protocol.ServerError(500, []byte("boom")))
	}}

	g := newFakeGuest(t)
	g.export(OpInvoke2, func(args ...abi.FatPtr) abi.FatPtr {
		var req protocol.ProviderRequest
		g.decode(args[0], &req)

		outer := g.newAsync()
		httpReq := g.encode(protocol.HTTPRequest{URL: "http://prometheus/api/v1/query", Method: protocol.MethodGet})
		pending := abi.FatPtr(g.call(abi.ImportMakeHTTPRequest, uint64(httpReq)))
		g.awaiting[pending] = func(data []byte) {
			var res protocol.HTTPResult
			if err := codec.Unmarshal(data, &res); err != nil {
				t.Errorf("decode http result: %v", err)
				return
			}
			var out protocol.Result[protocol.Blob, protocol.Error]
			if res.IsOk() {
				out = protocol.Ok[protocol.Blob, protocol.Error](protocol.Blob{Data: res.Ok.Body, MimeType: "application/json"})
			} else {
				out = protocol.Err[protocol.Blob](protocol.Error{Type: protocol.ErrorHTTP, HTTP: res.Err})
			}
			g.resolveHost(outer, out)
		}
		return outer
	})
	inst := newFakeInstance(t, g, withHost(host))

	assert.Equal(t, Generation2, inst.Generation())

	res, err := inst.Invoke2(context.Background(), instantRequest())
	require.NoError(t, err)
	require.False(t, res.IsOk())
	require.Equal(t, protocol.ErrorHTTP, res.Err.Type)
	require.NotNil(t, res.Err.HTTP)
	assert.Equal(t, protocol.HTTPErrorServerError, res.Err.HTTP.Type)
	assert.Equal(t, 500, int(res.Err.HTTP.StatusCode))
	assert.Equal(t, []byte("boom"), res.Err.HTTP.Response)

	require.Len(t, host.requests, 1)
	assert.Equal(t, "http://prometheus/api/v1/query", host.requests[0].URL)
	assert.Zero(t, g.liveBuffers(), "every buffer must be freed")
}

func TestConcurrentCallsResolvedInReverseOrder(t *testing.T) {
	g := newFakeGuest(t)
	g.park(OpInvoke2, func(args ...abi.FatPtr) string {
		var req protocol.ProviderRequest
		g.decode(args[0], &req)
		return req.QueryType
	})
	inst := newFakeInstance(t, g)

	type outcome struct {
		queryType string
		result    protocol.Result[protocol.Blob, protocol.Error]
		err       error
	}
	results := make(chan outcome, 2)
	call := func(queryType string) {
		req := instantRequest()
		req.QueryType = queryType
		res, err := inst.Invoke2(context.Background(), req)
		results <- outcome{queryType: queryType, result: res, err: err}
	}
	go call("first")
	require.Eventually(t, func() bool { return g.parkedCount() == 1 }, time.Second, time.Millisecond)
	go call("second")
	require.Eventually(t, func() bool { return g.parkedCount() == 2 }, time.Second, time.Millisecond)

	g.onLoop(func() {
		for i := len(g.parked) - 1; i >= 0; i-- {
			p := g.parked[i]
			g.later(func() {
				g.resolveHost(p.async, protocol.Ok[protocol.Blob, protocol.Error](protocol.Blob{
					Data:     []byte(p.tag),
					MimeType: "text/plain",
				}))
			})
		}
	})

	for range 2 {
		o := <-results
		require.NoError(t, o.err)
		blob, ok := o.result.Get()
		require.True(t, ok)
		assert.Equal(t, o.queryType, string(blob.Data))
	}
	assert.Zero(t, g.liveBuffers())
}

func TestGeneration2AcceptsResolutionBeforeReturn(t *testing.T) {
	g := newFakeGuest(t)
	g.export(OpGetSupportedQueryTypes, func(args ...abi.FatPtr) abi.FatPtr {
		var cfg protocol.ProviderConfig
		g.decode(args[0], &cfg)
		asyncPtr := g.newAsync()
		g.resolveHost(asyncPtr, []protocol.SupportedQueryType{{
			QueryType: "x-instants",
			Schema:    []protocol.SchemaField{},
			MimeTypes: []string{protocol.InstantsMsgpackMimeType},
		}})
		return asyncPtr
	})
	inst := newFakeInstance(t, g)

	types, err := inst.GetSupportedQueryTypes(context.Background(), protocol.ProviderConfig{"url": "x"})
	require.NoError(t, err)
	require.Len(t, types, 1)
	assert.Equal(t, "x-instants", types[0].QueryType)
	assert.Zero(t, g.liveBuffers())
}

func TestGeneration1RejectsResolutionBeforeReturn(t *testing.T) {
	g := newFakeGuest(t)
	g.export(OpInvoke, func(args ...abi.FatPtr) abi.FatPtr {
		g.take(args[0])
		g.take(args[1])
		asyncPtr := g.newAsync()
		g.resolveHost(asyncPtr, protocol.ProviderResponse{Type: protocol.ResponseStatusOk})
		return asyncPtr
	})
	inst := newFakeInstance(t, g)

	_, err := inst.Invoke(context.Background(), instantRequest(), protocol.ProviderConfig{})
	var rerr *RuntimeError
	require.ErrorAs(t, err, &rerr)
	assert.ErrorIs(t, err, ErrUnknownAsyncValue)
	assert.Equal(t, err, inst.Err())
}

func TestGenerationOverride(t *testing.T) {
	g := newFakeGuest(t)
	g.export(OpInvoke, func(args ...abi.FatPtr) abi.FatPtr {
		g.take(args[0])
		g.take(args[1])
		asyncPtr := g.newAsync()
		g.resolveHost(asyncPtr, protocol.ProviderResponse{Type: protocol.ResponseStatusOk})
		return asyncPtr
	})
	inst := newFakeInstance(t, g, withGeneration(Generation2))

	resp, err := inst.Invoke(context.Background(), instantRequest(), protocol.ProviderConfig{})
	require.NoError(t, err)
	assert.Equal(t, protocol.ResponseStatusOk, resp.Type)
}

func TestDoubleResolutionPoisonsInstanceOnce(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)

	g := newFakeGuest(t)
	g.park(OpGetSupportedQueryTypes, func(args ...abi.FatPtr) string {
		g.take(args[0])
		return "parked"
	})
	g.export(OpInvoke2, func(args ...abi.FatPtr) abi.FatPtr {
		g.take(args[0])
		asyncPtr := g.newAsync()
		ok := protocol.Ok[protocol.Blob, protocol.Error](protocol.Blob{Data: []byte{}, MimeType: "text/plain"})
		g.resolveHost(asyncPtr, ok)
		g.resolveHost(asyncPtr, ok)
		return asyncPtr
	})
	g.export(OpGetConfigSchema, func(...abi.FatPtr) abi.FatPtr {
		return g.encode(protocol.ConfigSchema{})
	})
	inst := newFakeInstance(t, g, withLogger(zap.New(core)))

	parked := make(chan error, 1)
	go func() {
		_, err := inst.GetSupportedQueryTypes(context.Background(), protocol.ProviderConfig{})
		parked <- err
	}()
	require.Eventually(t, func() bool { return g.parkedCount() == 1 }, time.Second, time.Millisecond)

	_, err := inst.Invoke2(context.Background(), instantRequest())
	var fatal *RuntimeError
	require.ErrorAs(t, err, &fatal)
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	var other *RuntimeError
	require.ErrorAs(t, <-parked, &other)
	assert.Same(t, fatal, other, "pending calls fail with the same error")

	_, err = inst.GetConfigSchema(context.Background())
	var later *RuntimeError
	require.ErrorAs(t, err, &later)
	assert.Same(t, fatal, later, "later calls return the stored error")

	assert.Equal(t, 1, logs.FilterMessage("Instance failed").Len())
}

func TestInvalidAsyncStatusIsFatal(t *testing.T) {
	g := newFakeGuest(t)
	g.export(OpInvoke2, func(args ...abi.FatPtr) abi.FatPtr {
		g.take(args[0])
		asyncPtr := g.newAsync()
		result := g.encode(protocol.Ok[protocol.Blob, protocol.Error](protocol.Blob{}))
		g.setStatus(asyncPtr, abi.AsyncValue{Status: 7, Ptr: result.Offset(), Len: result.Len()})
		g.call(abi.ImportResolveAsyncValue, uint64(asyncPtr), uint64(result))
		return asyncPtr
	})
	inst := newFakeInstance(t, g)

	_, err := inst.Invoke2(context.Background(), instantRequest())
	assert.ErrorIs(t, err, ErrInvalidStatus)
	assert.Error(t, inst.Err())
}

func TestReturnedRecordIsChecked(t *testing.T) {
	tests := []struct {
		name       string
		generation Generation
		status     abi.AsyncStatus
		wantErr    error
	}{
		{name: "ready in place, generation 2", generation: Generation2, status: abi.StatusReady},
		{name: "ready in place, generation 1", generation: Generation1, status: abi.StatusReady},
		{name: "unknown status", generation: Generation2, status: 3, wantErr: ErrInvalidStatus},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newFakeGuest(t)
			g.export(OpInvoke2, func(args ...abi.FatPtr) abi.FatPtr {
				g.take(args[0])
				asyncPtr := g.newAsync()
				result := g.encode(protocol.Ok[protocol.Blob, protocol.Error](protocol.Blob{Data: []byte("in place"), MimeType: "text/plain"}))
				g.setStatus(asyncPtr, abi.AsyncValue{Status: tt.status, Ptr: result.Offset(), Len: result.Len()})
				return asyncPtr
			})
			inst := newFakeInstance(t, g, withGeneration(tt.generation))

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			res, err := inst.Invoke2(ctx, instantRequest())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				var fatal *RuntimeError
				assert.ErrorAs(t, err, &fatal)
				assert.Error(t, inst.Err())
				return
			}
			require.NoError(t, err)
			blob, ok := res.Get()
			require.True(t, ok)
			assert.Equal(t, "in place", string(blob.Data))
			assert.Zero(t, g.liveBuffers())
			pending, err := inst.PendingCalls(context.Background())
			require.NoError(t, err)
			assert.Zero(t, pending)
		})
	}
}

func TestDecodeErrorLeavesInstanceUsable(t *testing.T) {
	g := newFakeGuest(t)
	calls := 0
	g.export(OpGetConfigSchema, func(...abi.FatPtr) abi.FatPtr {
		calls++
		if calls == 1 {
			return g.encode("not a schema")
		}
		return g.encode(protocol.ConfigSchema{{Type: "text", Name: "url", Label: "URL"}})
	})
	inst := newFakeInstance(t, g)

	_, err := inst.GetConfigSchema(context.Background())
	var derr *DecodeError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, OpGetConfigSchema.Symbol(), derr.Symbol)
	assert.NoError(t, inst.Err())

	schema, err := inst.GetConfigSchema(context.Background())
	require.NoError(t, err)
	require.Len(t, schema, 1)
	assert.Equal(t, "url", schema[0].Name)
	assert.Zero(t, g.liveBuffers())
}

func TestRawWrapperPassesBytesThrough(t *testing.T) {
	g := newFakeGuest(t)
	g.export(OpExtractData, func(args ...abi.FatPtr) abi.FatPtr {
		var blob protocol.Blob
		var mime string
		var query *string
		g.decode(args[0], &blob)
		g.decode(args[1], &mime)
		g.decode(args[2], &query)
		if query != nil {
			mime += "?" + *query
		}
		return g.encode(protocol.Ok[protocol.Blob, protocol.Error](protocol.Blob{Data: blob.Data, MimeType: mime}))
	})
	inst := newFakeInstance(t, g)

	blob, _ := codec.Marshal(protocol.Blob{Data: []byte("abc"), MimeType: "text/plain"})
	mime, _ := codec.Marshal("text/csv")
	none, _ := codec.Marshal(nil)
	out, err := inst.CallRaw(context.Background(), OpExtractData, blob, mime, none)
	require.NoError(t, err)

	var res protocol.Result[protocol.Blob, protocol.Error]
	require.NoError(t, codec.Unmarshal(out, &res))
	got, ok := res.Get()
	require.True(t, ok)
	assert.Equal(t, "text/csv", got.MimeType)

	query := "col"
	typed, err := inst.ExtractData(context.Background(), protocol.Blob{Data: []byte("abc"), MimeType: "text/plain"}, "text/csv", &query)
	require.NoError(t, err)
	got, ok = typed.Get()
	require.True(t, ok)
	assert.Equal(t, "text/csv?col", got.MimeType)

	_, err = inst.CallRaw(context.Background(), OpExtractData, blob)
	assert.Error(t, err, "arity is checked")
}

func TestInvoke2FallsBackToInvoke(t *testing.T) {
	g := newFakeGuest(t)
	var seen protocol.ProviderConfig
	echoInvoke(g, &seen)
	inst := newFakeInstance(t, g)

	caps := inst.Capabilities()
	assert.True(t, caps.Has(OpInvoke2))
	assert.False(t, caps.HasRaw(OpInvoke2), "a fallback has no raw wrapper")
	assert.True(t, caps.HasRaw(OpInvoke))
	_, ok := inst.Raw(OpInvoke2)
	assert.False(t, ok)

	req := instantRequest()
	req.Config = protocol.ProviderConfig{"url": "http://prometheus:9090"}
	res, err := inst.Invoke2(context.Background(), req)
	require.NoError(t, err)
	blob, ok := res.Get()
	require.True(t, ok)
	assert.Equal(t, protocol.InstantsMsgpackMimeType, blob.MimeType)
	assert.Equal(t, "http://prometheus:9090", seen["url"])
}

func TestUnavailableOperation(t *testing.T) {
	g := newFakeGuest(t)
	g.export(OpGetConfigSchema, func(...abi.FatPtr) abi.FatPtr {
		return g.encode(protocol.ConfigSchema{{Type: "text", Name: "url", Label: "URL"}})
	})
	inst := newFakeInstance(t, g)
	ctx := context.Background()

	caps := inst.Capabilities()
	assert.Equal(t, []Operation{OpGetConfigSchema}, caps.Operations())
	assert.False(t, caps.Has(OpCreateCells))
	assert.False(t, caps.HasRaw(OpCreateCells))

	_, err := inst.CreateCells(ctx, "x", protocol.Blob{})
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = inst.CallRaw(ctx, OpCreateCells, nil, nil)
	assert.ErrorIs(t, err, ErrUnavailable)
	_, ok := inst.Raw(OpCreateCells)
	assert.False(t, ok)
	assert.NoError(t, inst.Err(), "a missing export is not fatal")

	schema, err := inst.GetConfigSchema(ctx)
	require.NoError(t, err)
	require.Len(t, schema, 1)
	assert.Equal(t, "url", schema[0].Name)

	raw, err := inst.CallRaw(ctx, OpGetConfigSchema)
	require.NoError(t, err)
	var decoded protocol.ConfigSchema
	require.NoError(t, codec.Unmarshal(raw, &decoded))
	assert.Equal(t, schema, decoded)
	assert.Zero(t, g.liveBuffers())
}

func TestAttachRequiresAllocatorExports(t *testing.T) {
	g := newFakeGuest(t)
	delete(g.funcs, abi.ExportFree)

	inst := newInstance("missing", "fake", &fakeHost{}, 0, zap.NewNop())
	defer inst.Close(context.Background())
	err := inst.loop.Do(context.Background(), func() error {
		return inst.attach(g, GenerationAuto)
	})
	assert.ErrorIs(t, err, ErrMissingExport)
	var fnf *FunctionNotFoundError
	require.ErrorAs(t, err, &fnf)
	assert.Equal(t, abi.ExportFree, fnf.FunctionName)
}

func TestImportsReachHost(t *testing.T) {
	host := &fakeHost{}
	g := newFakeGuest(t)
	var now protocol.Timestamp
	var random protocol.ByteArray
	var randomIsArray bool
	g.export(OpGetConfigSchema, func(...abi.FatPtr) abi.FatPtr {
		g.call(abi.ImportLog, uint64(g.encode("hello from guest")))
		g.decode(abi.FatPtr(g.call(abi.ImportNow)), &now)

		ptr := abi.FatPtr(g.call(abi.ImportRandom, 4))
		raw, _ := g.mem.Read(ptr.Offset(), ptr.Len())
		randomIsArray = msgpcode.IsFixedArray(raw[0])
		g.decode(ptr, &random)
		return g.encode(protocol.ConfigSchema{})
	})
	inst := newFakeInstance(t, g, withHost(host))

	_, err := inst.GetConfigSchema(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"hello from guest"}, host.logs)
	assert.Equal(t, 1700000000.25, now)
	assert.Equal(t, protocol.ByteArray{1, 2, 3, 4}, random)
	assert.True(t, randomIsArray, "random bytes are encoded as an array")
	assert.Zero(t, g.liveBuffers())
}

func TestRandomSourceFailurePoisonsInstance(t *testing.T) {
	host := &fakeHost{randomErr: errors.New("entropy source unavailable")}
	g := newFakeGuest(t)
	returned := false
	g.export(OpGetConfigSchema, func(...abi.FatPtr) abi.FatPtr {
		g.call(abi.ImportRandom, 8)
		returned = true
		return g.encode(protocol.ConfigSchema{})
	})
	inst := newFakeInstance(t, g, withHost(host))

	_, err := inst.GetConfigSchema(context.Background())
	var fatal *RuntimeError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, abi.ImportRandom, fatal.Operation)
	var herr *HostFunctionError
	require.ErrorAs(t, err, &herr)
	assert.Contains(t, herr.Error(), "entropy source unavailable")
	assert.Same(t, fatal, inst.Err())

	_, err = inst.GetConfigSchema(context.Background())
	var later *RuntimeError
	require.ErrorAs(t, err, &later)
	assert.Same(t, fatal, later)

	var ran bool
	g.onLoop(func() { ran = returned })
	assert.False(t, ran, "the guest does not resume after a failed import")
}

func TestPanickingHTTPCapabilityStillResolves(t *testing.T) {
	host := &fakeHost{http: func(protocol.HTTPRequest) protocol.HTTPResult {
		panic("transport exploded")
	}}
	g := newFakeGuest(t)
	var got protocol.HTTPResult
	g.export(OpInvoke2, func(args ...abi.FatPtr) abi.FatPtr {
		g.take(args[0])
		outer := g.newAsync()
		pending := abi.FatPtr(g.call(abi.ImportMakeHTTPRequest,
			uint64(g.encode(protocol.HTTPRequest{URL: "http://x", Method: protocol.MethodGet}))))
		g.awaiting[pending] = func(data []byte) {
			_ = codec.Unmarshal(data, &got)
			g.resolveHost(outer, protocol.Ok[protocol.Blob, protocol.Error](protocol.Blob{}))
		}
		return outer
	})
	inst := newFakeInstance(t, g, withHost(host))

	_, err := inst.Invoke2(context.Background(), instantRequest())
	require.NoError(t, err)
	require.False(t, got.IsOk())
	assert.Equal(t, protocol.HTTPErrorOther, got.Err.Type)
	assert.Contains(t, got.Err.Reason, "transport exploded")
	assert.NoError(t, inst.Err())
}

func TestCallTimeoutFreesLateResult(t *testing.T) {
	g := newFakeGuest(t)
	g.park(OpInvoke2, func(args ...abi.FatPtr) string {
		g.take(args[0])
		return ""
	})
	inst := newFakeInstance(t, g, withTimeout(20*time.Millisecond))

	_, err := inst.Invoke2(context.Background(), instantRequest())
	var terr *TimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, string(OpInvoke2), terr.Operation)

	g.onLoop(func() {
		p := g.parked[0]
		g.later(func() {
			g.resolveHost(p.async, protocol.Ok[protocol.Blob, protocol.Error](protocol.Blob{Data: []byte("late")}))
		})
	})
	require.Eventually(t, func() bool { return g.liveBuffers() == 0 }, time.Second, time.Millisecond)
	assert.NoError(t, inst.Err())
}

func TestCallerDeadlineIsNotAnInstanceTimeout(t *testing.T) {
	g := newFakeGuest(t)
	g.park(OpInvoke2, func(args ...abi.FatPtr) string {
		g.take(args[0])
		return ""
	})
	inst := newFakeInstance(t, g, withTimeout(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := inst.Invoke2(ctx, instantRequest())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	var terr *TimeoutError
	assert.False(t, errors.As(err, &terr), "got %v", err)
	assert.NoError(t, inst.Err())
}

func TestCancelledCallerDoesNotLeak(t *testing.T) {
	g := newFakeGuest(t)
	g.park(OpInvoke2, func(args ...abi.FatPtr) string {
		g.take(args[0])
		return ""
	})
	inst := newFakeInstance(t, g)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := inst.Invoke2(ctx, instantRequest())
		done <- err
	}()
	require.Eventually(t, func() bool { return g.parkedCount() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	g.onLoop(func() {
		p := g.parked[0]
		g.later(func() {
			g.resolveHost(p.async, protocol.Ok[protocol.Blob, protocol.Error](protocol.Blob{}))
		})
	})
	require.Eventually(t, func() bool { return g.liveBuffers() == 0 }, time.Second, time.Millisecond)
}

func TestCloseRejectsPendingCalls(t *testing.T) {
	g := newFakeGuest(t)
	g.park(OpInvoke2, func(args ...abi.FatPtr) string {
		g.take(args[0])
		return ""
	})
	inst := newFakeInstance(t, g)

	var wg sync.WaitGroup
	var callErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, callErr = inst.Invoke2(context.Background(), instantRequest())
	}()
	require.Eventually(t, func() bool { return g.parkedCount() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, inst.Close(context.Background()))
	wg.Wait()
	assert.True(t, errors.Is(callErr, ErrInstanceClosed), "got %v", callErr)
	assert.True(t, g.closed)

	_, err := inst.Invoke2(context.Background(), instantRequest())
	assert.ErrorIs(t, err, ErrInstanceClosed)
	assert.NoError(t, inst.Close(context.Background()), "close is idempotent")
}

// TestInterleavedCallsBalanceAllocations mixes calls that complete from a
// later guest entry with calls that wait on host HTTP requests finishing in
// arbitrary order, and checks that every buffer is freed exactly once.
func TestInterleavedCallsBalanceAllocations(t *testing.T) {
	host := &fakeHost{http: func(req protocol.HTTPRequest) protocol.HTTPResult {
		n, _ := strconv.Atoi(req.URL[len("http://backend/"):])
		time.Sleep(time.Duration(n%7) * time.Millisecond)
		return protocol.Ok[protocol.HTTPResponse, protocol.HTTPRequestError](protocol.HTTPResponse{
			Body:       []byte(req.URL),
			Headers:    map[string]string{},
			StatusCode: 200,
		})
	}}

	g := newFakeGuest(t)
	g.export(OpInvoke2, func(args ...abi.FatPtr) abi.FatPtr {
		var req protocol.ProviderRequest
		g.decode(args[0], &req)
		outer := g.newAsync()
		n, _ := strconv.Atoi(req.QueryType)
		if n%2 == 0 {
			g.later(func() {
				g.resolveHost(outer, protocol.Ok[protocol.Blob, protocol.Error](protocol.Blob{Data: []byte(req.QueryType), MimeType: "text/plain"}))
			})
			return outer
		}
		httpReq := g.encode(protocol.HTTPRequest{URL: "http://backend/" + req.QueryType, Method: protocol.MethodGet})
		pending := abi.FatPtr(g.call(abi.ImportMakeHTTPRequest, uint64(httpReq)))
		g.awaiting[pending] = func(data []byte) {
			var res protocol.HTTPResult
			if err := codec.Unmarshal(data, &res); err != nil || !res.IsOk() {
				t.Errorf("unexpected http result %v: %v", res, err)
				return
			}
			g.resolveHost(outer, protocol.Ok[protocol.Blob, protocol.Error](protocol.Blob{Data: res.Ok.Body, MimeType: "text/plain"}))
		}
		return outer
	})
	inst := newFakeInstance(t, g, withHost(host))

	const calls = 40
	var wg sync.WaitGroup
	errs := make(chan error, calls)
	for n := 0; n < calls; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			req := instantRequest()
			req.QueryType = strconv.Itoa(n)
			res, err := inst.Invoke2(context.Background(), req)
			if err != nil {
				errs <- err
				return
			}
			blob, ok := res.Get()
			want := req.QueryType
			if n%2 == 1 {
				want = "http://backend/" + req.QueryType
			}
			if !ok || string(blob.Data) != want {
				errs <- errors.New("call " + req.QueryType + " got " + string(blob.Data))
			}
		}(n)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	assert.Zero(t, g.liveBuffers(), "every buffer must be freed")
	var badFrees int
	g.onLoop(func() { badFrees = g.badFrees })
	assert.Zero(t, badFrees, "no buffer may be freed twice")
	n, err := inst.PendingCalls(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, inst.Err())
}
