package async

import (
	"errors"
	"fmt"

	"github.com/woxQAQ/fp-provider-runtime/api/abi"
)

var (
	// ErrUnknownAsyncValue is returned by Resolve under the Strict policy when
	// nobody awaits the identity.
	ErrUnknownAsyncValue = errors.New("resolved an async value nobody awaits")
	// ErrAlreadyResolved is returned when an identity is resolved twice.
	ErrAlreadyResolved = errors.New("async value resolved more than once")
	// ErrAlreadyAwaited is returned when an identity is awaited twice.
	ErrAlreadyAwaited = errors.New("async value awaited more than once")
)

// Policy decides what happens to a resolution that arrives before the
// awaiting side registered.
type Policy int

const (
	// Strict rejects early resolutions. First generation guests always return
	// the async value before resolving it, so an early resolution means the
	// two sides disagree.
	Strict Policy = iota
	// Cache keeps an early resolution until the awaiting side registers.
	Cache
)

func (p Policy) String() string {
	switch p {
	case Strict:
		return "strict"
	case Cache:
		return "cache"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

type entryState int

const (
	waiting entryState = iota
	delivered
	settled
)

type entry struct {
	state  entryState
	future *Future[abi.FatPtr]
	result abi.FatPtr
}

// Registry matches async value identities to either a waiting future or a
// result delivered before anyone waited. It is owned by a single Loop and is
// not safe for concurrent use.
//
// A matched entry stays settled until Release, so a second resolution of the
// same identity is detected while the async value is still alive.
type Registry struct {
	policy  Policy
	entries map[abi.FatPtr]*entry
}

// NewRegistry returns an empty registry.
func NewRegistry(policy Policy) *Registry {
	return &Registry{
		policy:  policy,
		entries: make(map[abi.FatPtr]*entry),
	}
}

// Policy returns the registry policy.
func (r *Registry) Policy() Policy {
	return r.policy
}

// Await registers interest in id. If a result was already delivered, the
// returned future is complete.
func (r *Registry) Await(id abi.FatPtr) (*Future[abi.FatPtr], error) {
	if e, ok := r.entries[id]; ok {
		if e.state != delivered {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyAwaited, id)
		}
		e.state = settled
		return Resolved(e.result), nil
	}
	f := NewFuture[abi.FatPtr]()
	r.entries[id] = &entry{state: waiting, future: f}
	return f, nil
}

// Resolve delivers result for id.
func (r *Registry) Resolve(id, result abi.FatPtr) error {
	e, ok := r.entries[id]
	if !ok {
		if r.policy == Strict {
			return fmt.Errorf("%w: %s", ErrUnknownAsyncValue, id)
		}
		r.entries[id] = &entry{state: delivered, result: result}
		return nil
	}
	if e.state != waiting {
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
	}
	e.state = settled
	e.result = result
	e.future.Resolve(result)
	return nil
}

// Release forgets id. The owner calls it once the async value is freed.
func (r *Registry) Release(id abi.FatPtr) {
	delete(r.entries, id)
}

// Fail rejects every waiting future with err and empties the registry. It
// returns the results that were delivered but never collected so the caller
// can free them.
func (r *Registry) Fail(err error) []abi.FatPtr {
	var orphaned []abi.FatPtr
	for id, e := range r.entries {
		switch e.state {
		case waiting:
			e.future.Reject(err)
		case delivered:
			orphaned = append(orphaned, e.result)
		}
		delete(r.entries, id)
	}
	return orphaned
}

// Len returns the number of tracked identities.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Waiting returns the number of identities still awaiting a result.
func (r *Registry) Waiting() int {
	n := 0
	for _, e := range r.entries {
		if e.state == waiting {
			n++
		}
	}
	return n
}
