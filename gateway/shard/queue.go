package shard

import (
	"container/heap"
	"context"
	"sync"

	"github.com/cordwire/cordwire/gateway"
)

// EventKind is a lifecycle action. Lower kinds preempt higher ones.
type EventKind int

const (
	// CloseShard closes the shard for good.
	CloseShard EventKind = iota
	// ReconnectShard reconnects a shard the gateway asked to reconnect.
	ReconnectShard
	// ResumeShard reconnects and resumes a shard after a recoverable failure.
	ResumeShard
	// IdentifyShard reconnects a shard with a fresh session.
	IdentifyShard
)

func (k EventKind) String() string {
	switch k {
	case CloseShard:
		return "close"
	case ReconnectShard:
		return "reconnect"
	case ResumeShard:
		return "resume"
	case IdentifyShard:
		return "identify"
	default:
		return "unknown"
	}
}

// LifecycleEvent asks the supervisor to act on one shard.
type LifecycleEvent struct {
	Kind    EventKind
	ShardID int
	// Err is the error that ended the shard's connection.
	Err error

	gateway *gateway.Gateway
	serial  uint64
}

// eventHeap orders events by kind, then by arrival.
type eventHeap []LifecycleEvent

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].Kind != h[j].Kind {
		return h[i].Kind < h[j].Kind
	}
	return h[i].serial < h[j].serial
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x interface{}) { *h = append(*h, x.(LifecycleEvent)) }

func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	ev := old[n-1]
	*h = old[:n-1]
	return ev
}

// eventQueue is a blocking priority queue of lifecycle events fed by every
// shard.
type eventQueue struct {
	mutex  sync.Mutex
	events eventHeap
	serial uint64
	notify chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

// Push adds an event. It never blocks.
func (q *eventQueue) Push(ev LifecycleEvent) {
	q.mutex.Lock()
	q.serial++
	ev.serial = q.serial
	heap.Push(&q.events, ev)
	q.mutex.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop blocks until an event is available or ctx is done.
func (q *eventQueue) Pop(ctx context.Context) (LifecycleEvent, error) {
	for {
		q.mutex.Lock()
		if q.events.Len() > 0 {
			ev := heap.Pop(&q.events).(LifecycleEvent)
			q.mutex.Unlock()
			return ev, nil
		}
		q.mutex.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return LifecycleEvent{}, ctx.Err()
		}
	}
}

// Len returns the number of queued events.
func (q *eventQueue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.events.Len()
}
