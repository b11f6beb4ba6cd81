package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrClosed is returned when posting to a bus that has been shut down.
	ErrClosed = errors.New("event bus is shut down")
	// ErrStopTimeout is returned by Stop when in-flight events were not acknowledged in time.
	ErrStopTimeout = errors.New("timed out waiting for event bus to drain")
)

// Bus fans run events out to subscribers. Post blocks while a subscriber's
// buffer is full and Shutdown waits until every delivered event is acknowledged.
type Bus struct {
	logger *zap.Logger

	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	// wildcard subscribers receive every event type.
	wildcard   []chan Event
	bufferSize int
	closed     bool

	processingWg  sync.WaitGroup
	activePostsWg sync.WaitGroup

	stopOnce sync.Once
	stopped  chan struct{}
}

// New creates a bus whose subscriber channels hold bufferSize events.
func New(logger *zap.Logger, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		logger:      logger.Named("eventbus"),
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
		stopped:     make(chan struct{}),
	}
}

// Post delivers an event to every subscriber of its type.
func (b *Bus) Post(ctx context.Context, ev Event) (err error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("cannot post %s: %w", ev.Type, ErrClosed)
	}
	b.activePostsWg.Add(1)
	targets := make([]chan Event, 0, len(b.subscribers[ev.Type])+len(b.wildcard))
	targets = append(targets, b.subscribers[ev.Type]...)
	targets = append(targets, b.wildcard...)
	b.mu.RUnlock()
	defer b.activePostsWg.Done()

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	for _, ch := range targets {
		if err := b.deliver(ctx, ch, ev); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) deliver(ctx context.Context, ch chan Event, ev Event) (err error) {
	b.processingWg.Add(1)
	defer func() {
		// A subscriber that unsubscribed concurrently leaves us a closed channel.
		if r := recover(); r != nil {
			b.processingWg.Done()
			b.logger.Debug("Dropped event for a closed subscriber.", zap.String("type", string(ev.Type)), zap.Any("panic", r))
			err = nil
		}
	}()

	select {
	case ch <- ev:
		return nil
	case <-ctx.Done():
		b.processingWg.Done()
		return ctx.Err()
	case <-b.stopped:
		b.processingWg.Done()
		return fmt.Errorf("cannot post %s: %w", ev.Type, ErrClosed)
	}
}

// Subscribe returns a channel receiving the given event types, or every type
// when none are given, plus a function that removes the subscription.
func (b *Bus) Subscribe(types ...EventType) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	if len(types) == 0 {
		b.wildcard = append(b.wildcard, ch)
	}
	for _, t := range types {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.closed {
				return
			}
			b.wildcard = without(b.wildcard, ch)
			for _, t := range types {
				b.subscribers[t] = without(b.subscribers[t], ch)
			}
			close(ch)
		})
	}
	return ch, unsubscribe
}

func without(subs []chan Event, target chan Event) []chan Event {
	for i, ch := range subs {
		if ch == target {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}

// Acknowledge marks a received event as processed.
func (b *Bus) Acknowledge(Event) {
	b.processingWg.Done()
}

// Shutdown stops accepting events, closes every subscriber channel once
// in-flight posts return and waits for delivered events to be acknowledged.
func (b *Bus) Shutdown() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.stopped)
		b.mu.Unlock()

		// Posts blocked on a full buffer are released by the stopped channel.
		b.activePostsWg.Wait()

		b.mu.Lock()
		unique := make(map[chan Event]struct{})
		for _, subs := range b.subscribers {
			for _, ch := range subs {
				unique[ch] = struct{}{}
			}
		}
		for _, ch := range b.wildcard {
			unique[ch] = struct{}{}
		}
		for ch := range unique {
			close(ch)
		}
		b.subscribers = make(map[EventType][]chan Event)
		b.wildcard = nil
		b.mu.Unlock()
	})

	b.processingWg.Wait()
}

// Stop shuts the bus down but gives up waiting for acknowledgements after timeout.
func (b *Bus) Stop(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		b.Shutdown()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		b.logger.Warn("Event bus did not drain before the stop timeout.", zap.Duration("timeout", timeout))
		return ErrStopTimeout
	}
}
