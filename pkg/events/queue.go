package events

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrQueueFull   = errors.New("state event queue full")
	ErrQueueClosed = errors.New("state event queue closed")
)

const DefaultQueueSize = 1024

// Queue decouples a slow sink (a broker round-trip) from the callers publishing to it.
// One goroutine delivers events in the order they were queued. When the buffer is full
// events are dropped rather than blocking the publisher.
type Queue struct {
	next Sink
	ch   chan StateEvent
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

var _ Sink = &Queue{}

func NewQueue(next Sink, size int) (*Queue, error) {
	if next == nil {
		return nil, errors.New("events queue: sink is nil")
	}
	if size <= 0 {
		size = DefaultQueueSize
	}
	q := &Queue{
		next: next,
		ch:   make(chan StateEvent, size),
		done: make(chan struct{}),
	}
	go q.run()
	return q, nil
}

func (q *Queue) Publish(e StateEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- e:
		return nil
	default:
		log.Warn().Str("component", "events").Str("kind", string(e.Kind)).Str("channel", e.Channel).Msg("state event queue full, dropping event")
		return ErrQueueFull
	}
}

// Close stops accepting events and waits until the queued ones were delivered.
func (q *Queue) Close() error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()
	<-q.done
	return nil
}

func (q *Queue) run() {
	defer close(q.done)
	for e := range q.ch {
		if err := q.next.Publish(e); err != nil {
			log.Debug().Err(err).Str("component", "events").Str("kind", string(e.Kind)).Msg("queued state event not delivered")
		}
	}
}
