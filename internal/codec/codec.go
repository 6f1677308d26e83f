// Package codec is the value codec shared by host and guests: msgpack with
// serde-compatible layouts.
package codec

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

// Error reports a value that could not be encoded or decoded.
type Error struct {
	Op   string // "encode" or "decode"
	Type string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("msgpack %s of %s failed: %v", e.Op, e.Type, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Marshal encodes v. Map keys are sorted so equal values encode to equal bytes.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, &Error{Op: "encode", Type: typeName(v), Err: err}
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes data into v. The buffer must hold exactly one value.
func Unmarshal(data []byte, v any) error {
	r := bytes.NewReader(data)
	dec := msgpack.NewDecoder(r)
	if err := dec.Decode(v); err != nil {
		return &Error{Op: "decode", Type: typeName(v), Err: err}
	}
	if r.Len() != 0 {
		return &Error{Op: "decode", Type: typeName(v), Err: fmt.Errorf("%d trailing bytes", r.Len())}
	}
	return nil
}

func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.String()
}
