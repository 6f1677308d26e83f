package protocol

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/woxQAQ/fp-provider-runtime/internal/codec"
)

// ErrorType discriminates Error.
type ErrorType string

const (
	ErrorUnsupportedRequest ErrorType = "unsupported_request"
	ErrorHTTP               ErrorType = "http"
	ErrorData               ErrorType = "data"
	ErrorDeserialization    ErrorType = "deserialization"
	ErrorConfig             ErrorType = "config"
	ErrorOther              ErrorType = "other"
)

// Error is a provider-level failure. It travels as an ordinary result value
// and never poisons the runtime.
type Error struct {
	Type    ErrorType
	HTTP    *HTTPRequestError // set for http
	Message string            // set for data, deserialization, config and other
}

func (e Error) Error() string {
	switch e.Type {
	case ErrorUnsupportedRequest:
		return "unsupported request"
	case ErrorHTTP:
		if e.HTTP != nil {
			return e.HTTP.Error()
		}
		return "http error"
	default:
		return string(e.Type) + " error: " + e.Message
	}
}

type httpErrorPayload struct {
	Error HTTPRequestError `msgpack:"error"`
}

type messagePayload struct {
	Message string `msgpack:"message"`
}

func (e Error) EncodeMsgpack(enc *msgpack.Encoder) error {
	switch e.Type {
	case ErrorUnsupportedRequest:
		return codec.EncodeTagged(enc, string(e.Type), nil)
	case ErrorHTTP:
		p := httpErrorPayload{Error: HTTPRequestError{Type: HTTPErrorOther}}
		if e.HTTP != nil {
			p.Error = *e.HTTP
		}
		return codec.EncodeTagged(enc, string(e.Type), p)
	case ErrorData, ErrorDeserialization, ErrorConfig, ErrorOther:
		return codec.EncodeTagged(enc, string(e.Type), messagePayload{Message: e.Message})
	}
	return &codec.UnknownVariantError{Union: "Error", Tag: string(e.Type)}
}

func (e *Error) DecodeMsgpack(dec *msgpack.Decoder) error {
	tag, raw, err := codec.DecodeTagged(dec)
	if err != nil {
		return err
	}
	*e = Error{Type: ErrorType(tag)}
	switch e.Type {
	case ErrorUnsupportedRequest:
		return nil
	case ErrorHTTP:
		var p httpErrorPayload
		if err := msgpack.Unmarshal(raw, &p); err != nil {
			return err
		}
		e.HTTP = &p.Error
		return nil
	case ErrorData, ErrorDeserialization, ErrorConfig, ErrorOther:
		var p messagePayload
		if err := msgpack.Unmarshal(raw, &p); err != nil {
			return err
		}
		e.Message = p.Message
		return nil
	}
	return &codec.UnknownVariantError{Union: "Error", Tag: tag}
}
