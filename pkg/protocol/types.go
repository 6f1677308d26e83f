// Package protocol holds the wire types exchanged between the host runtime
// and provider guests. Struct keys are camelCase and unions are tagged with a
// "type" key, matching the msgpack layout guests are built against.
package protocol

import (
	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// Timestamp is seconds since the Unix epoch.
type Timestamp = float64

// ProviderConfig is the free-form configuration of a data source.
type ProviderConfig = map[string]any

// Blob is a binary payload tagged with its MIME type.
type Blob struct {
	Data     []byte `msgpack:"data"`
	MimeType string `msgpack:"mimeType"`
}

// ProviderRequest is the argument of invoke and invoke2.
type ProviderRequest struct {
	QueryType        string         `msgpack:"queryType"`
	QueryData        Blob           `msgpack:"queryData"`
	Config           ProviderConfig `msgpack:"config"`
	PreviousResponse *Blob          `msgpack:"previousResponse,omitempty"`
}

// Metric identifies a measured series.
type Metric struct {
	Name   string            `msgpack:"name"`
	Labels map[string]string `msgpack:"labels"`
}

// Point is a single measurement.
type Point struct {
	Timestamp Timestamp `msgpack:"timestamp"`
	Value     float64   `msgpack:"value"`
}

// Instant is a metric sampled at one point in time.
type Instant struct {
	Metric Metric `msgpack:"metric"`
	Point  Point  `msgpack:"point"`
}

// Series is a metric sampled over a range of time.
type Series struct {
	Metric Metric  `msgpack:"metric"`
	Points []Point `msgpack:"points"`
}

// Suggestion is an auto-complete candidate.
type Suggestion struct {
	Text        string  `msgpack:"text"`
	Description *string `msgpack:"description,omitempty"`
}

// LogRecord is a single log line returned by a provider.
type LogRecord struct {
	Timestamp  Timestamp         `msgpack:"timestamp"`
	Body       string            `msgpack:"body"`
	Attributes map[string]string `msgpack:"attributes"`
	Resource   map[string]string `msgpack:"resource"`
	TraceID    []byte            `msgpack:"traceId,omitempty"`
	SpanID     []byte            `msgpack:"spanId,omitempty"`
}

// SupportedQueryType describes a query type a provider can answer.
type SupportedQueryType struct {
	QueryType string        `msgpack:"queryType"`
	Schema    []SchemaField `msgpack:"schema"`
	MimeTypes []string      `msgpack:"mimeTypes"`
}

// Cell is a notebook cell produced by create_cells. Its shape is owned by the
// notebook model, so the host keeps it as a generic map.
type Cell = map[string]any

// MIME types a legacy invoke response is translated into.
const (
	InstantsMsgpackMimeType    = "application/vnd.fiberplane.instants+msgpack"
	TimeseriesMsgpackMimeType  = "application/vnd.fiberplane.timeseries+msgpack"
	SuggestionsMsgpackMimeType = "application/vnd.fiberplane.suggestions+msgpack"
	StatusMimeType             = "text/plain"
)

func nonNilBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// ByteArray is a byte sequence encoded as an array of integers instead of
// bin, the layout guests expect for plain byte vectors such as the output of
// the random import. Decoding accepts either form.
type ByteArray []byte

func (b ByteArray) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(len(b)); err != nil {
		return err
	}
	for _, v := range b {
		if err := enc.EncodeUint(uint64(v)); err != nil {
			return err
		}
	}
	return nil
}

func (b *ByteArray) DecodeMsgpack(dec *msgpack.Decoder) error {
	c, err := dec.PeekCode()
	if err != nil {
		return err
	}
	if msgpcode.IsBin(c) {
		raw, err := dec.DecodeBytes()
		if err != nil {
			return err
		}
		*b = raw
		return nil
	}
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	out := make([]byte, 0, max(n, 0))
	for i := 0; i < n; i++ {
		v, err := dec.DecodeUint8()
		if err != nil {
			return err
		}
		out = append(out, v)
	}
	*b = out
	return nil
}
