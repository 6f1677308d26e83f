package protocol

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Result is the wire form of a fallible value: a single-entry map keyed
// "Ok" or "Err".
type Result[T, E any] struct {
	Ok  *T
	Err *E
}

// Ok returns a successful Result.
func Ok[T, E any](v T) Result[T, E] {
	return Result[T, E]{Ok: &v}
}

// Err returns a failed Result.
func Err[T, E any](e E) Result[T, E] {
	return Result[T, E]{Err: &e}
}

// IsOk reports whether the result holds a value.
func (r Result[T, E]) IsOk() bool {
	return r.Err == nil
}

// Get returns the value, or the zero value and false when r is an error.
func (r Result[T, E]) Get() (T, bool) {
	if r.Err != nil || r.Ok == nil {
		var zero T
		return zero, r.Err == nil
	}
	return *r.Ok, true
}

func (r Result[T, E]) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeMapLen(1); err != nil {
		return err
	}
	if r.Err != nil {
		if err := enc.EncodeString("Err"); err != nil {
			return err
		}
		return enc.Encode(r.Err)
	}
	if err := enc.EncodeString("Ok"); err != nil {
		return err
	}
	if r.Ok == nil {
		var zero T
		return enc.Encode(&zero)
	}
	return enc.Encode(r.Ok)
}

func (r *Result[T, E]) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("result must be a single-entry map, got %d entries", n)
	}
	key, err := dec.DecodeString()
	if err != nil {
		return err
	}
	switch key {
	case "Ok":
		v := new(T)
		if err := dec.Decode(v); err != nil {
			return err
		}
		r.Ok, r.Err = v, nil
	case "Err":
		e := new(E)
		if err := dec.Decode(e); err != nil {
			return err
		}
		r.Ok, r.Err = nil, e
	default:
		return errors.New("result key must be Ok or Err, got " + key)
	}
	return nil
}
