package wasm

import (
	"context"
	"fmt"

	"github.com/woxQAQ/fp-provider-runtime/internal/codec"
	"github.com/woxQAQ/fp-provider-runtime/pkg/protocol"
)

// RawFunc calls an export with msgpack encoded arguments and returns the
// encoded result as produced by the guest.
type RawFunc func(ctx context.Context, args ...[]byte) ([]byte, error)

// Raw returns the raw wrapper of op. It reports false when the guest does
// not export op or only serves it through a fallback.
func (i *Instance) Raw(op Operation) (RawFunc, bool) {
	d, ok := i.caps.Lookup(op)
	if !ok || !d.Raw() {
		return nil, false
	}
	return func(ctx context.Context, args ...[]byte) ([]byte, error) {
		return i.call(ctx, d, args)
	}, true
}

// CallRaw calls op through its raw wrapper.
func (i *Instance) CallRaw(ctx context.Context, op Operation, args ...[]byte) ([]byte, error) {
	fn, ok := i.Raw(op)
	if !ok {
		return nil, fmt.Errorf("%w: raw %s", ErrUnavailable, op)
	}
	return fn(ctx, args...)
}

func (i *Instance) descriptor(op Operation) (ExportDescriptor, error) {
	d, ok := i.caps.Lookup(op)
	if !ok {
		return d, fmt.Errorf("%w: %s", ErrUnavailable, op)
	}
	return d, nil
}

// callTyped encodes args, runs the export and decodes its result into R. A
// result that does not decode is reported as a DecodeError and leaves the
// instance usable.
func callTyped[R any](ctx context.Context, i *Instance, d ExportDescriptor, args ...any) (R, error) {
	var out R
	encoded := make([][]byte, len(args))
	for n, arg := range args {
		b, err := codec.Marshal(arg)
		if err != nil {
			return out, err
		}
		encoded[n] = b
	}
	data, err := i.call(ctx, d, encoded)
	if err != nil {
		return out, err
	}
	if err := codec.Unmarshal(data, &out); err != nil {
		return out, &DecodeError{Symbol: d.Symbol, Err: err}
	}
	return out, nil
}

// Invoke calls the first generation entry point.
func (i *Instance) Invoke(ctx context.Context, req protocol.ProviderRequest, config protocol.ProviderConfig) (protocol.ProviderResponse, error) {
	d, err := i.descriptor(OpInvoke)
	if err != nil {
		return protocol.ProviderResponse{}, err
	}
	return callTyped[protocol.ProviderResponse](ctx, i, d, req, config)
}

// Invoke2 calls the second generation entry point. Guests that only export
// invoke are called through it with the config carried by req, and their
// response is converted to a blob.
func (i *Instance) Invoke2(ctx context.Context, req protocol.ProviderRequest) (protocol.Result[protocol.Blob, protocol.Error], error) {
	d, err := i.descriptor(OpInvoke2)
	if err != nil {
		return protocol.Result[protocol.Blob, protocol.Error]{}, err
	}
	if !d.Fallback {
		return callTyped[protocol.Result[protocol.Blob, protocol.Error]](ctx, i, d, req)
	}
	config := req.Config
	if config == nil {
		config = protocol.ProviderConfig{}
	}
	resp, err := callTyped[protocol.ProviderResponse](ctx, i, d, req, config)
	if err != nil {
		return protocol.Result[protocol.Blob, protocol.Error]{}, err
	}
	res, err := resp.ToBlob()
	if err != nil {
		return res, &DecodeError{Symbol: d.Symbol, Err: err}
	}
	return res, nil
}

// GetSupportedQueryTypes lists the query types the provider answers for
// config.
func (i *Instance) GetSupportedQueryTypes(ctx context.Context, config protocol.ProviderConfig) ([]protocol.SupportedQueryType, error) {
	d, err := i.descriptor(OpGetSupportedQueryTypes)
	if err != nil {
		return nil, err
	}
	return callTyped[[]protocol.SupportedQueryType](ctx, i, d, config)
}

// CreateCells turns a query response into notebook cells.
func (i *Instance) CreateCells(ctx context.Context, queryType string, response protocol.Blob) (protocol.Result[[]protocol.Cell, protocol.Error], error) {
	d, err := i.descriptor(OpCreateCells)
	if err != nil {
		return protocol.Result[[]protocol.Cell, protocol.Error]{}, err
	}
	return callTyped[protocol.Result[[]protocol.Cell, protocol.Error]](ctx, i, d, queryType, response)
}

// ExtractData converts a response into mimeType, optionally narrowed by
// query.
func (i *Instance) ExtractData(ctx context.Context, response protocol.Blob, mimeType string, query *string) (protocol.Result[protocol.Blob, protocol.Error], error) {
	d, err := i.descriptor(OpExtractData)
	if err != nil {
		return protocol.Result[protocol.Blob, protocol.Error]{}, err
	}
	return callTyped[protocol.Result[protocol.Blob, protocol.Error]](ctx, i, d, response, mimeType, query)
}

// GetConfigSchema returns the schema of the provider configuration.
func (i *Instance) GetConfigSchema(ctx context.Context) (protocol.ConfigSchema, error) {
	d, err := i.descriptor(OpGetConfigSchema)
	if err != nil {
		return nil, err
	}
	return callTyped[protocol.ConfigSchema](ctx, i, d)
}
