package protocol

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/woxQAQ/fp-provider-runtime/internal/codec"
)

// ProviderResponseType discriminates ProviderResponse.
type ProviderResponseType string

const (
	ResponseError       ProviderResponseType = "error"
	ResponseInstant     ProviderResponseType = "instant"
	ResponseSeries      ProviderResponseType = "series"
	ResponseAutoSuggest ProviderResponseType = "auto_suggest"
	ResponseLogRecords  ProviderResponseType = "log_records"
	ResponseStatusOk    ProviderResponseType = "status_ok"
)

// ProviderResponse is the result of the first generation invoke export.
// Only the field matching Type is meaningful.
type ProviderResponse struct {
	Type        ProviderResponseType
	Error       *Error
	Instants    []Instant
	Series      []Series
	Suggestions []Suggestion
	LogRecords  []LogRecord
}

type (
	errorResponse struct {
		Error Error `msgpack:"error"`
	}
	instantResponse struct {
		Instants []Instant `msgpack:"instants"`
	}
	seriesResponse struct {
		Series []Series `msgpack:"series"`
	}
	autoSuggestResponse struct {
		Suggestions []Suggestion `msgpack:"suggestions"`
	}
	logRecordsResponse struct {
		LogRecords []LogRecord `msgpack:"logRecords"`
	}
)

func (r ProviderResponse) EncodeMsgpack(enc *msgpack.Encoder) error {
	tag := string(r.Type)
	switch r.Type {
	case ResponseError:
		p := errorResponse{Error: Error{Type: ErrorOther}}
		if r.Error != nil {
			p.Error = *r.Error
		}
		return codec.EncodeTagged(enc, tag, p)
	case ResponseInstant:
		return codec.EncodeTagged(enc, tag, instantResponse{Instants: nonNilSlice(r.Instants)})
	case ResponseSeries:
		return codec.EncodeTagged(enc, tag, seriesResponse{Series: nonNilSlice(r.Series)})
	case ResponseAutoSuggest:
		return codec.EncodeTagged(enc, tag, autoSuggestResponse{Suggestions: nonNilSlice(r.Suggestions)})
	case ResponseLogRecords:
		return codec.EncodeTagged(enc, tag, logRecordsResponse{LogRecords: nonNilSlice(r.LogRecords)})
	case ResponseStatusOk:
		return codec.EncodeTagged(enc, tag, nil)
	}
	return &codec.UnknownVariantError{Union: "ProviderResponse", Tag: tag}
}

func (r *ProviderResponse) DecodeMsgpack(dec *msgpack.Decoder) error {
	tag, raw, err := codec.DecodeTagged(dec)
	if err != nil {
		return err
	}
	*r = ProviderResponse{Type: ProviderResponseType(tag)}
	switch r.Type {
	case ResponseError:
		var p errorResponse
		if err := msgpack.Unmarshal(raw, &p); err != nil {
			return err
		}
		r.Error = &p.Error
	case ResponseInstant:
		var p instantResponse
		if err := msgpack.Unmarshal(raw, &p); err != nil {
			return err
		}
		r.Instants = p.Instants
	case ResponseSeries:
		var p seriesResponse
		if err := msgpack.Unmarshal(raw, &p); err != nil {
			return err
		}
		r.Series = p.Series
	case ResponseAutoSuggest:
		var p autoSuggestResponse
		if err := msgpack.Unmarshal(raw, &p); err != nil {
			return err
		}
		r.Suggestions = p.Suggestions
	case ResponseLogRecords:
		var p logRecordsResponse
		if err := msgpack.Unmarshal(raw, &p); err != nil {
			return err
		}
		r.LogRecords = p.LogRecords
	case ResponseStatusOk:
	default:
		return &codec.UnknownVariantError{Union: "ProviderResponse", Tag: tag}
	}
	return nil
}

// ToBlob translates a first generation response into the second generation
// invoke2 result. Log records have no blob representation and map to
// unsupported_request.
func (r ProviderResponse) ToBlob() (Result[Blob, Error], error) {
	var (
		mime string
		v    any
	)
	switch r.Type {
	case ResponseError:
		e := Error{Type: ErrorOther}
		if r.Error != nil {
			e = *r.Error
		}
		return Err[Blob](e), nil
	case ResponseInstant:
		mime, v = InstantsMsgpackMimeType, nonNilSlice(r.Instants)
	case ResponseSeries:
		mime, v = TimeseriesMsgpackMimeType, nonNilSlice(r.Series)
	case ResponseAutoSuggest:
		mime, v = SuggestionsMsgpackMimeType, nonNilSlice(r.Suggestions)
	case ResponseStatusOk:
		return Ok[Blob, Error](Blob{Data: []byte("ok"), MimeType: StatusMimeType}), nil
	default:
		return Err[Blob](Error{Type: ErrorUnsupportedRequest}), nil
	}
	data, err := codec.Marshal(v)
	if err != nil {
		return Result[Blob, Error]{}, err
	}
	return Ok[Blob, Error](Blob{Data: data, MimeType: mime}), nil
}
