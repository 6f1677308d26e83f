// Package hostfuncs provides the default implementation of the functions
// provider guests import from the host.
package hostfuncs

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/woxQAQ/fp-provider-runtime/api/abi"
	"github.com/woxQAQ/fp-provider-runtime/pkg/protocol"
)

var _ abi.Host = (*Host)(nil)

// Host serves guest imports: log lines go to zap, HTTP requests to an
// HTTPClient, time to the wall clock and random bytes to crypto/rand.
type Host struct {
	logger *zap.Logger
	http   *HTTPClient
	clock  func() time.Time
	random io.Reader
}

// Option customizes a Host.
type Option func(*Host)

// WithClock replaces the wall clock.
func WithClock(clock func() time.Time) Option {
	return func(h *Host) {
		h.clock = clock
	}
}

// WithRandom replaces the random source.
func WithRandom(r io.Reader) Option {
	return func(h *Host) {
		h.random = r
	}
}

// New creates a Host.
func New(logger *zap.Logger, client *HTTPClient, opts ...Option) *Host {
	h := &Host{
		logger: logger.With(zap.String("component", "guest")),
		http:   client,
		clock:  time.Now,
		random: rand.Reader,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Log writes a guest log line.
func (h *Host) Log(ctx context.Context, message string) {
	h.logger.Info(message, zap.String("instance_id", abi.InstanceID(ctx)))
}

// MakeHTTPRequest performs a guest HTTP request.
func (h *Host) MakeHTTPRequest(ctx context.Context, req protocol.HTTPRequest) protocol.HTTPResult {
	return h.http.Do(ctx, req)
}

// Now returns the current time in seconds since the Unix epoch.
func (h *Host) Now(context.Context) protocol.Timestamp {
	return float64(h.clock().UnixNano()) / 1e9
}

// Random returns n random bytes. A short read is an error.
func (h *Host) Random(ctx context.Context, n uint32) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(h.random, buf); err != nil {
		h.logger.Error("Failed to read random bytes",
			zap.String("instance_id", abi.InstanceID(ctx)),
			zap.Uint32("length", n),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to read %d random bytes: %w", n, err)
	}
	return buf, nil
}
