package hostfuncs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/woxQAQ/fp-provider-runtime/pkg/protocol"
)

// errServerStatus marks a non-2xx response for the circuit breaker.
var errServerStatus = errors.New("server returned an error status")

// HTTPConfig configures the HTTP client guests reach through the
// make_http_request import.
type HTTPConfig struct {
	// Timeout bounds a whole request, body included.
	Timeout time.Duration

	// MaxResponseBytes is the largest response body handed to a guest.
	MaxResponseBytes int64

	// RateLimit is the number of requests per second across all guests.
	// Zero disables rate limiting.
	RateLimit float64
	Burst     int

	// The breaker opens after BreakerMaxFailures consecutive failures and
	// lets a probe through after BreakerOpenTimeout.
	BreakerMaxFailures uint32
	BreakerOpenTimeout time.Duration
}

// DefaultHTTPConfig returns sensible defaults.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Timeout:            10 * time.Second,
		MaxResponseBytes:   2 * 1024 * 1024, // 2MB
		RateLimit:          50,
		Burst:              10,
		BreakerMaxFailures: 5,
		BreakerOpenTimeout: 30 * time.Second,
	}
}

// HTTPClient performs guest HTTP requests and maps every failure onto the
// HTTPRequestError variants guests understand.
type HTTPClient struct {
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	maxBody int64
	logger  *zap.Logger
}

// NewHTTPClient creates an HTTP client.
func NewHTTPClient(cfg HTTPConfig, logger *zap.Logger) *HTTPClient {
	logger = logger.With(zap.String("component", "host-http"))

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	maxFailures := cfg.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "guest-http",
		Timeout: cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &HTTPClient{
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				MaxIdleConns:          10,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
		limiter: rate.NewLimiter(limit, burst),
		breaker: breaker,
		maxBody: cfg.MaxResponseBytes,
		logger:  logger,
	}
}

// Do performs req. It never returns a Go error: the outcome, including
// failures, is the result delivered to the guest.
func (c *HTTPClient) Do(ctx context.Context, req protocol.HTTPRequest) protocol.HTTPResult {
	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		return protocol.Err[protocol.HTTPResponse](protocol.OtherHTTPError(err.Error()))
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return failed(classify(ctx, err))
	}

	start := time.Now()
	var result protocol.HTTPResult
	_, err = c.breaker.Execute(func() (interface{}, error) {
		var err error
		result, err = c.roundTrip(ctx, httpReq)
		return nil, err
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return protocol.Err[protocol.HTTPResponse](protocol.OtherHTTPError("circuit breaker open: " + err.Error()))
	case err != nil && !errors.Is(err, errServerStatus):
		c.logger.Debug("HTTP request failed",
			zap.String("url", req.URL),
			zap.Duration("latency", time.Since(start)),
			zap.Error(err),
		)
	}
	return result
}

func (c *HTTPClient) newRequest(ctx context.Context, req protocol.HTTPRequest) (*http.Request, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}

	switch req.Method {
	case protocol.MethodDelete, protocol.MethodGet, protocol.MethodHead, protocol.MethodPost:
	default:
		return nil, fmt.Errorf("unsupported method %q", req.Method)
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, string(req.Method), u.String(), body)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

// roundTrip sends httpReq. The returned error feeds the circuit breaker.
func (c *HTTPClient) roundTrip(ctx context.Context, httpReq *http.Request) (protocol.HTTPResult, error) {
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return failed(classify(ctx, err)), err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return failed(classify(ctx, err)), err
	}
	if int64(len(body)) > c.maxBody {
		return failed(protocol.HTTPRequestError{Type: protocol.HTTPErrorResponseTooBig}), nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		res := failed(protocol.ServerError(uint16(resp.StatusCode), body))
		if resp.StatusCode >= 500 {
			return res, errServerStatus
		}
		return res, nil
	}

	headers := make(map[string]string, len(resp.Header))
	for k, v := range resp.Header {
		headers[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return protocol.Ok[protocol.HTTPResponse, protocol.HTTPRequestError](protocol.HTTPResponse{
		Body:       body,
		Headers:    headers,
		StatusCode: uint16(resp.StatusCode),
	}), nil
}

func failed(e protocol.HTTPRequestError) protocol.HTTPResult {
	return protocol.Err[protocol.HTTPResponse](e)
}

// classify maps a transport error to a request error variant.
func classify(ctx context.Context, err error) protocol.HTTPRequestError {
	var netErr net.Error
	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return protocol.HTTPRequestError{Type: protocol.HTTPErrorTimeout}
	case errors.As(err, &dnsErr):
		return protocol.HTTPRequestError{Type: protocol.HTTPErrorNoRoute}
	case errors.Is(err, syscall.ECONNREFUSED):
		return protocol.HTTPRequestError{Type: protocol.HTTPErrorConnectionRefused}
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		return protocol.HTTPRequestError{Type: protocol.HTTPErrorNoRoute}
	case errors.Is(err, syscall.ENETDOWN):
		return protocol.HTTPRequestError{Type: protocol.HTTPErrorOffline}
	case errors.As(err, &netErr) && netErr.Timeout():
		return protocol.HTTPRequestError{Type: protocol.HTTPErrorTimeout}
	default:
		return protocol.OtherHTTPError(err.Error())
	}
}
