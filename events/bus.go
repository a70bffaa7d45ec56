package events

import (
	"context"
	"sync"

	lifecycle "github.com/goliatone/go-lifecycle"
)

// Subscriber receives published events.
type Subscriber interface {
	Notify(ctx context.Context, evt Event) error
}

// SubscriberFunc adapts a function into a Subscriber.
type SubscriberFunc func(ctx context.Context, evt Event) error

// Notify satisfies Subscriber.
func (f SubscriberFunc) Notify(ctx context.Context, evt Event) error {
	return f(ctx, evt)
}

// Subscription removes a subscriber from its bus.
type Subscription interface {
	Unsubscribe()
}

type entry struct {
	id         int64
	subscriber Subscriber
}

// Bus delivers events to subscribers sequentially in registration order.
type Bus struct {
	mu      sync.RWMutex
	nextID  int64
	entries []entry
	logger  lifecycle.Logger
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(logger lifecycle.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBus constructs an empty bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{logger: lifecycle.NopLogger{}}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Subscribe appends a subscriber. A nil subscriber is ignored.
func (b *Bus) Subscribe(s Subscriber) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &subscription{bus: b, id: b.nextID}
	if s != nil {
		b.entries = append(b.entries, entry{id: sub.id, subscriber: s})
	}
	return sub
}

// SubscribeFunc subscribes a plain function.
func (b *Bus) SubscribeFunc(fn func(ctx context.Context, evt Event) error) Subscription {
	if fn == nil {
		return b.Subscribe(nil)
	}
	return b.Subscribe(SubscriberFunc(fn))
}

// Len reports the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Publish delivers evt to every subscriber in order. The first failure stops delivery and is
// returned as LIFECYCLE_SUBSCRIBER_FAILED; cancellation is returned as the context error. A
// subscriber panic is recovered into a *lifecycle.PanicError source.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	b.mu.RLock()
	entries := append([]entry(nil), b.entries...)
	b.mu.RUnlock()

	for idx, e := range entries {
		if err := lifecycle.CheckContext(ctx); err != nil {
			return err
		}
		err := lifecycle.CatchPanic(func() error { return e.subscriber.Notify(ctx, evt) })
		if err != nil {
			if lifecycle.IsCanceled(err) {
				return err
			}
			fields := map[string]any{
				"kind":        string(evt.Kind()),
				"ack_guid":    evt.AckGUID(),
				"consumer_id": evt.Consumer(),
				"subscriber":  idx,
			}
			lifecycle.WithFields(b.logger.WithContext(ctx), fields).Warn("subscriber failed at index=%d: %v", idx, err)
			return lifecycle.NewError(lifecycle.ErrSubscriberFailed, "event subscriber failed", err, fields)
		}
	}
	return nil
}

// PublishAll publishes events in order and stops at the first failure.
func (b *Bus) PublishAll(ctx context.Context, evts []Event) error {
	for _, evt := range evts {
		if err := b.Publish(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

type subscription struct {
	bus  *Bus
	id   int64
	once sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		b := s.bus
		b.mu.Lock()
		defer b.mu.Unlock()
		kept := make([]entry, 0, len(b.entries))
		for _, e := range b.entries {
			if e.id != s.id {
				kept = append(kept, e)
			}
		}
		b.entries = kept
	})
}
