package codec

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// TagKey is the discriminant key of internally tagged unions.
const TagKey = "type"

// ErrMissingTag is returned when a union value carries no discriminant.
var ErrMissingTag = errors.New("union value has no type tag")

// EncodeTagged writes an internally tagged union variant: a map whose first
// entry is TagKey=tag followed by the entries of payload. A nil payload
// writes a unit variant. Non-nil payloads must encode as maps.
func EncodeTagged(enc *msgpack.Encoder, tag string, payload any) error {
	var (
		n    int
		rest []byte
	)
	if payload != nil {
		b, err := Marshal(payload)
		if err != nil {
			return err
		}
		r := bytes.NewReader(b)
		n, err = msgpack.NewDecoder(r).DecodeMapLen()
		if err != nil {
			return fmt.Errorf("payload of variant %q: %w", tag, err)
		}
		if n < 0 {
			n = 0
		}
		rest = b[len(b)-r.Len():]
	}

	if err := enc.EncodeMapLen(n + 1); err != nil {
		return err
	}
	if err := enc.EncodeString(TagKey); err != nil {
		return err
	}
	if err := enc.EncodeString(tag); err != nil {
		return err
	}
	if len(rest) == 0 {
		return nil
	}
	return enc.Encode(msgpack.RawMessage(rest))
}

// DecodeTagged reads one union value and returns its tag together with the
// raw map, so the caller can decode the variant payload in a second pass.
func DecodeTagged(dec *msgpack.Decoder) (string, []byte, error) {
	raw, err := dec.DecodeRaw()
	if err != nil {
		return "", nil, err
	}
	var probe struct {
		Type string `msgpack:"type"`
	}
	if err := msgpack.Unmarshal(raw, &probe); err != nil {
		return "", nil, err
	}
	if probe.Type == "" {
		return "", nil, ErrMissingTag
	}
	return probe.Type, raw, nil
}

// UnknownVariantError is returned when a union tag is not recognised.
type UnknownVariantError struct {
	Union string
	Tag   string
}

func (e *UnknownVariantError) Error() string {
	return fmt.Sprintf("unknown %s variant %q", e.Union, e.Tag)
}
