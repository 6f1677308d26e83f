package abi

import (
	"context"

	"github.com/woxQAQ/fp-provider-runtime/pkg/protocol"
)

// Host implements the functions a guest imports from ImportModule.
//
// Log, Now and Random are called on the instance loop while the guest is
// running and must not block. MakeHTTPRequest runs on its own goroutine; its
// result is delivered to the guest once it returns. An error from Random is
// fatal to the calling instance.
type Host interface {
	Log(ctx context.Context, message string)
	MakeHTTPRequest(ctx context.Context, req protocol.HTTPRequest) protocol.HTTPResult
	Now(ctx context.Context) protocol.Timestamp
	Random(ctx context.Context, n uint32) ([]byte, error)
}

type instanceKey struct{}

// WithInstanceID returns a context carrying the ID of the calling instance.
func WithInstanceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, instanceKey{}, id)
}

// InstanceID returns the ID of the instance a host call came from.
func InstanceID(ctx context.Context) string {
	id, _ := ctx.Value(instanceKey{}).(string)
	return id
}
