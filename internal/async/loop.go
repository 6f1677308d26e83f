package async

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrLoopClosed is returned when posting to a stopped loop.
var ErrLoopClosed = errors.New("event loop is closed")

// Loop runs posted tasks one at a time, in order, on its own goroutine.
// Everything that touches a guest instance goes through its loop, which is
// what lets the Registry and guest memory go without locks.
type Loop struct {
	logger *zap.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool

	wake chan struct{}
	done chan struct{}
}

// NewLoop starts a loop.
func NewLoop(logger *zap.Logger) *Loop {
	l := &Loop{
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

// Post queues task. It never blocks, so tasks may post follow-up tasks.
func (l *Loop) Post(task func()) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	l.queue = append(l.queue, task)
	select {
	case l.wake <- struct{}{}:
	default:
	}
	l.mu.Unlock()
	return nil
}

// Do runs fn on the loop and waits for it. It must not be called from a
// task, which would wait on itself.
func (l *Loop) Do(ctx context.Context, fn func() error) error {
	f := NewFuture[struct{}]()
	err := l.Post(func() {
		if err := fn(); err != nil {
			f.Reject(err)
			return
		}
		f.Resolve(struct{}{})
	})
	if err != nil {
		return err
	}
	_, err = f.Await(ctx)
	return err
}

// Close stops accepting tasks, runs the ones already queued and waits for
// the loop goroutine to exit.
func (l *Loop) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.wake)
	}
	l.mu.Unlock()
	<-l.done
}

// Closed reports whether Close was called.
func (l *Loop) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		task, ok := l.next()
		if !ok {
			return
		}
		l.runTask(task)
	}
}

// next blocks until a task is available. It returns false once the loop is
// closed and drained.
func (l *Loop) next() (func(), bool) {
	for {
		l.mu.Lock()
		if len(l.queue) > 0 {
			task := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()
			return task, true
		}
		closed := l.closed
		l.mu.Unlock()
		if closed {
			return nil, false
		}
		<-l.wake
	}
}

func (l *Loop) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Event loop task panicked", zap.String("panic", fmt.Sprint(r)))
		}
	}()
	task()
}
