// Package handler implements a registered-handler map: every event name maps
// to an ordered list of callbacks and channels. Handlers registered under Any
// receive every event.
//
// Usage
//
//    r := handler.New[gateway.Event]()
//    rm := r.Add("MESSAGE_CREATE", func(ev gateway.Event) { ... })
//    defer rm()
//
// Dispatch calls the handlers of one event in registration order, named
// handlers first.
package handler

import (
	"context"
	"sync"

	"go.uber.org/atomic"
)

// Any is the event name that matches every dispatched event.
const Any = "*"

// Dispatcher dispatches named events.
type Dispatcher[T any] interface {
	Dispatch(name string, ev T)
}

// Registry is a concurrency-safe registered-handler map. A zero value is not
// usable; use New.
type Registry[T any] struct {
	mutex  sync.RWMutex
	named  map[string][]entry[T]
	serial uint64
}

var _ Dispatcher[struct{}] = (*Registry[struct{}])(nil)

type entry[T any] struct {
	id uint64
	c  caller[T]
}

// New creates an empty Registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{named: make(map[string][]entry[T])}
}

// Dispatch calls every handler of name, then every handler of Any. It blocks
// until all synchronous handlers return.
func (r *Registry[T]) Dispatch(name string, ev T) {
	r.mutex.RLock()
	named := r.named[name]
	var all []entry[T]
	if name != Any {
		all = r.named[Any]
	}
	r.mutex.RUnlock()

	// The slices are copy-on-write, so they can be iterated without the lock.
	for _, e := range named {
		e.c.Call(ev)
	}
	for _, e := range all {
		e.c.Call(ev)
	}
}

// Len returns the number of handlers registered under name.
func (r *Registry[T]) Len(name string) int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.named[name])
}

// Add adds a callback that is called synchronously on every dispatch of name.
// Slow callbacks delay the handlers after them.
func (r *Registry[T]) Add(name string, fn func(T)) (rm func()) {
	return r.add(name, callback[T]{fn: fn})
}

// AddAsync adds a callback that is called in its own goroutine.
func (r *Registry[T]) AddAsync(name string, fn func(T)) (rm func()) {
	return r.add(name, callback[T]{fn: fn, async: true})
}

// AddChannel adds a channel that receives every dispatch of name. Sends happen
// in the background, so a full channel does not block Dispatch. The channel
// must never be closed by the caller.
func (r *Registry[T]) AddChannel(name string, ch chan<- T) (rm func()) {
	return r.add(name, channel[T]{ch: ch, close: make(chan struct{})})
}

// AddBlockingChannel is like AddChannel, but Dispatch blocks until ch accepts
// the event or the handler is removed.
func (r *Registry[T]) AddBlockingChannel(name string, ch chan<- T) (rm func()) {
	return r.add(name, channel[T]{ch: ch, close: make(chan struct{}), blocking: true})
}

func (r *Registry[T]) add(name string, c caller[T]) (rm func()) {
	r.mutex.Lock()
	r.serial++
	id := r.serial

	old := r.named[name]
	entries := make([]entry[T], len(old), len(old)+1)
	copy(entries, old)
	r.named[name] = append(entries, entry[T]{id: id, c: c})
	r.mutex.Unlock()

	gone := atomic.NewBool(false)

	return func() {
		if !gone.CompareAndSwap(false, true) {
			return
		}

		r.mutex.Lock()
		r.remove(name, id)
		r.mutex.Unlock()

		c.Close()
	}
}

func (r *Registry[T]) remove(name string, id uint64) {
	old := r.named[name]

	entries := make([]entry[T], 0, len(old))
	for _, e := range old {
		if e.id != id {
			entries = append(entries, e)
		}
	}

	if len(entries) == 0 {
		delete(r.named, name)
		return
	}

	r.named[name] = entries
}

// Expect registers a one-shot waiter for the first event of name for which fn
// returns true. A nil fn matches anything. The waiter is registered
// immediately, so events dispatched before the returned function is called
// are not missed. The returned function must be called exactly once.
func (r *Registry[T]) Expect(name string, fn func(T) bool) func(context.Context) (T, error) {
	out := make(chan T, 1)
	done := atomic.NewBool(false)

	rm := r.Add(name, func(ev T) {
		if done.Load() || (fn != nil && !fn(ev)) {
			return
		}
		if done.CompareAndSwap(false, true) {
			out <- ev
		}
	})

	return func(ctx context.Context) (T, error) {
		defer rm()

		select {
		case ev := <-out:
			return ev, nil
		case <-ctx.Done():
			var z T
			return z, ctx.Err()
		}
	}
}

// WaitFor blocks until an event of name satisfying fn is dispatched.
func (r *Registry[T]) WaitFor(ctx context.Context, name string, fn func(T) bool) (T, error) {
	return r.Expect(name, fn)(ctx)
}

type caller[T any] interface {
	Call(T)
	Close()
}

type callback[T any] struct {
	fn    func(T)
	async bool
}

func (c callback[T]) Call(v T) {
	if c.async {
		go c.fn(v)
	} else {
		c.fn(v)
	}
}

func (c callback[T]) Close() {}

type channel[T any] struct {
	ch       chan<- T
	close    chan struct{}
	blocking bool
}

func (c channel[T]) Call(v T) {
	select {
	case <-c.close:
		return
	default:
	}

	if c.blocking {
		select {
		case c.ch <- v:
		case <-c.close:
		}
		return
	}

	go func() {
		select {
		case c.ch <- v:
		case <-c.close:
		}
	}()
}

func (c channel[T]) Close() {
	select {
	case <-c.close:
	default:
		close(c.close)
	}
}
