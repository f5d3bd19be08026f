package notify

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"kasirflow/backend/internal/domain"
)

var ErrQueueFull = errors.New("event queue full")

const (
	DefaultQueueSize    = 256
	defaultDeliverLimit = 5 * time.Second
)

// Async decouples publishing from delivery: Publish only enqueues, and a
// single worker hands events to the sink in order. When the queue is full the
// event is dropped.
type Async struct {
	sink    Notifier
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan domain.Event
	done   chan struct{}
}

func NewAsync(sink Notifier, size int) *Async {
	if size <= 0 {
		size = DefaultQueueSize
	}
	a := &Async{
		sink:    sink,
		timeout: defaultDeliverLimit,
		queue:   make(chan domain.Event, size),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) Publish(_ context.Context, event domain.Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- event:
		return nil
	default:
		log.Printf("[notify] WARN: queue full, dropping channel=%s type=%s", event.Channel, event.Type)
		return ErrQueueFull
	}
}

// Close stops accepting events and waits until everything already queued has
// been handed to the sink.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
}

func (a *Async) run() {
	defer close(a.done)
	for event := range a.queue {
		a.deliver(event)
	}
}

func (a *Async) deliver(event domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[notify] WARN: sink panicked channel=%s type=%s: %v", event.Channel, event.Type, r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.sink.Publish(ctx, event); err != nil {
		log.Printf("[notify] WARN: delivery failed channel=%s type=%s: %v", event.Channel, event.Type, err)
	}
}
