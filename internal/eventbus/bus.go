// Package eventbus carries in-memory delivery-pipeline signals between
// components that should not call each other directly.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Pipeline event types.
const (
	TypeQueued    = "content.queued"
	TypeShared    = "content.shared"
	TypeFailed    = "delivery.failed"
	TypeSweepDone = "sweep.done"
)

// Event is a lightweight, in-memory signal.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time

	// ContentID is set on per-item events, 0 otherwise.
	ContentID int64

	// ExternalID is set on TypeShared.
	ExternalID string

	// Reason is set on TypeFailed.
	Reason string

	// Delivered/Failed are set on TypeSweepDone.
	Delivered int
	Failed    int
}

func Queued(contentID int64) Event {
	return Event{Type: TypeQueued, ContentID: contentID}
}

func Shared(contentID int64, externalID string) Event {
	return Event{Type: TypeShared, ContentID: contentID, ExternalID: externalID}
}

func Failed(contentID int64, reason string) Event {
	return Event{Type: TypeFailed, ContentID: contentID, Reason: reason}
}

func SweepDone(delivered, failed int) Event {
	return Event{Type: TypeSweepDone, Delivered: delivered, Failed: failed}
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus. It owns no background
// goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery; a concurrently closed channel must not
		// take the publisher down.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	id := b.seq.Add(1)
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
