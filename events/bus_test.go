package events

import (
	"context"
	"errors"
	"testing"

	apperrors "github.com/goliatone/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lifecycle "github.com/goliatone/go-lifecycle"
)

func TestBusPublishesInRegistrationOrder(t *testing.T) {
	bus := NewBus()
	var order []string
	bus.SubscribeFunc(func(context.Context, Event) error { order = append(order, "first"); return nil })
	bus.SubscribeFunc(func(context.Context, Event) error { order = append(order, "second"); return nil })

	err := bus.Publish(context.Background(), TransitionEvent{Delivery: Delivery{GUID: "g1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestBusStopsAtFirstFailure(t *testing.T) {
	bus := NewBus()
	boom := errors.New("boom")
	calls := 0
	bus.SubscribeFunc(func(context.Context, Event) error { calls++; return boom })
	bus.SubscribeFunc(func(context.Context, Event) error { calls++; return nil })

	err := bus.Publish(context.Background(), HookEvent{Code: "NOTIFY.REVIEWER"})
	require.Error(t, err)
	assert.True(t, lifecycle.HasCode(err, lifecycle.CodeSubscriberFailed), "got %v", err)
	assert.Equal(t, 1, calls)
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	calls := 0
	sub := bus.SubscribeFunc(func(context.Context, Event) error { calls++; return nil })
	assert.Equal(t, 1, bus.Len())

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Zero(t, bus.Len())

	require.NoError(t, bus.Publish(context.Background(), TransitionEvent{}))
	assert.Zero(t, calls)
}

func TestBusCanceledContext(t *testing.T) {
	bus := NewBus()
	bus.SubscribeFunc(func(context.Context, Event) error { return nil })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := bus.Publish(ctx, TransitionEvent{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, lifecycle.ErrorCode(err))
}

func TestPublishAllStopsOnError(t *testing.T) {
	bus := NewBus()
	var seen []Kind
	bus.SubscribeFunc(func(_ context.Context, evt Event) error {
		seen = append(seen, evt.Kind())
		if evt.Kind() == KindTransition {
			return errors.New("reject")
		}
		return nil
	})

	err := bus.PublishAll(context.Background(), []Event{TransitionEvent{}, HookEvent{}})
	require.Error(t, err)
	assert.Equal(t, []Kind{KindTransition}, seen)
}

func TestTransitionEventAccessors(t *testing.T) {
	evt := TransitionEvent{Delivery: Delivery{GUID: "ack-1", ConsumerID: 4}}
	assert.Equal(t, KindTransition, evt.Kind())
	assert.Equal(t, "ack-1", evt.AckGUID())
	assert.Equal(t, int64(4), evt.Consumer())
	assert.True(t, evt.AckRequired())
	assert.False(t, TransitionEvent{}.AckRequired())
}

func TestBusRecoversSubscriberPanic(t *testing.T) {
	bus := NewBus()
	bus.SubscribeFunc(func(context.Context, Event) error { panic("subscriber exploded") })
	after := false
	bus.SubscribeFunc(func(context.Context, Event) error { after = true; return nil })

	err := bus.Publish(context.Background(), HookEvent{Delivery: Delivery{GUID: "g1"}})
	require.Error(t, err)
	assert.Equal(t, lifecycle.CodeSubscriberFailed, lifecycle.ErrorCode(err))
	assert.False(t, after)

	var appErr *apperrors.Error
	require.ErrorAs(t, err, &appErr)
	panicErr, ok := appErr.Source.(*lifecycle.PanicError)
	require.True(t, ok)
	assert.Equal(t, "subscriber exploded", panicErr.Value)
	assert.NotEmpty(t, panicErr.Stack)
}
