package protocol

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/woxQAQ/fp-provider-runtime/internal/codec"
)

// HTTPRequestMethod is an upper-case HTTP verb.
type HTTPRequestMethod string

const (
	MethodDelete HTTPRequestMethod = "DELETE"
	MethodGet    HTTPRequestMethod = "GET"
	MethodHead   HTTPRequestMethod = "HEAD"
	MethodPost   HTTPRequestMethod = "POST"
)

// HTTPRequest is issued by a guest through the make_http_request import.
// A nil Headers or Body is absent on the wire; an empty one is sent.
type HTTPRequest struct {
	URL     string            `msgpack:"url"`
	Method  HTTPRequestMethod `msgpack:"method"`
	Headers HTTPHeaders       `msgpack:"headers,omitempty"`
	Body    OptionalBytes     `msgpack:"body,omitempty"`
}

// HTTPHeaders is an optional header map. Only nil counts as empty for
// omitempty.
type HTTPHeaders map[string]string

func (h HTTPHeaders) IsZero() bool { return h == nil }

// OptionalBytes is an optional byte string. Only nil counts as empty for
// omitempty.
type OptionalBytes []byte

func (b OptionalBytes) IsZero() bool { return b == nil }

// HTTPResponse is a successful (2xx) response.
type HTTPResponse struct {
	Body       []byte            `msgpack:"body"`
	Headers    map[string]string `msgpack:"headers"`
	StatusCode uint16            `msgpack:"statusCode"`
}

// HTTPResult is what the make_http_request import resolves to.
type HTTPResult = Result[HTTPResponse, HTTPRequestError]

// HTTPRequestErrorType discriminates HTTPRequestError.
type HTTPRequestErrorType string

const (
	HTTPErrorOffline           HTTPRequestErrorType = "offline"
	HTTPErrorNoRoute           HTTPRequestErrorType = "no_route"
	HTTPErrorConnectionRefused HTTPRequestErrorType = "connection_refused"
	HTTPErrorTimeout           HTTPRequestErrorType = "timeout"
	HTTPErrorResponseTooBig    HTTPRequestErrorType = "response_too_big"
	HTTPErrorServerError       HTTPRequestErrorType = "server_error"
	HTTPErrorOther             HTTPRequestErrorType = "other"
)

// HTTPRequestError describes why a request produced no successful response.
// StatusCode and Response are set for server_error, Reason for other.
type HTTPRequestError struct {
	Type       HTTPRequestErrorType
	StatusCode uint16
	Response   []byte
	Reason     string
}

// ServerError builds a server_error variant.
func ServerError(status uint16, body []byte) HTTPRequestError {
	return HTTPRequestError{Type: HTTPErrorServerError, StatusCode: status, Response: body}
}

// OtherHTTPError builds an other variant.
func OtherHTTPError(reason string) HTTPRequestError {
	return HTTPRequestError{Type: HTTPErrorOther, Reason: reason}
}

func (e HTTPRequestError) Error() string {
	switch e.Type {
	case HTTPErrorServerError:
		return fmt.Sprintf("server error: status %d", e.StatusCode)
	case HTTPErrorOther:
		return "http request failed: " + e.Reason
	default:
		return "http request failed: " + string(e.Type)
	}
}

type serverErrorPayload struct {
	StatusCode uint16 `msgpack:"statusCode"`
	Response   []byte `msgpack:"response"`
}

type reasonPayload struct {
	Reason string `msgpack:"reason"`
}

func (e HTTPRequestError) EncodeMsgpack(enc *msgpack.Encoder) error {
	switch e.Type {
	case HTTPErrorOffline, HTTPErrorNoRoute, HTTPErrorConnectionRefused, HTTPErrorTimeout, HTTPErrorResponseTooBig:
		return codec.EncodeTagged(enc, string(e.Type), nil)
	case HTTPErrorServerError:
		return codec.EncodeTagged(enc, string(e.Type), serverErrorPayload{
			StatusCode: e.StatusCode,
			Response:   nonNilBytes(e.Response),
		})
	case HTTPErrorOther:
		return codec.EncodeTagged(enc, string(e.Type), reasonPayload{Reason: e.Reason})
	}
	return &codec.UnknownVariantError{Union: "HttpRequestError", Tag: string(e.Type)}
}

func (e *HTTPRequestError) DecodeMsgpack(dec *msgpack.Decoder) error {
	tag, raw, err := codec.DecodeTagged(dec)
	if err != nil {
		return err
	}
	*e = HTTPRequestError{Type: HTTPRequestErrorType(tag)}
	switch e.Type {
	case HTTPErrorOffline, HTTPErrorNoRoute, HTTPErrorConnectionRefused, HTTPErrorTimeout, HTTPErrorResponseTooBig:
		return nil
	case HTTPErrorServerError:
		var p serverErrorPayload
		if err := msgpack.Unmarshal(raw, &p); err != nil {
			return err
		}
		e.StatusCode, e.Response = p.StatusCode, p.Response
		return nil
	case HTTPErrorOther:
		var p reasonPayload
		if err := msgpack.Unmarshal(raw, &p); err != nil {
			return err
		}
		e.Reason = p.Reason
		return nil
	}
	return &codec.UnknownVariantError{Union: "HttpRequestError", Tag: tag}
}
