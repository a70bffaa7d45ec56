package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-lifecycle/ack"
	"github.com/goliatone/go-lifecycle/blueprint"
	"github.com/goliatone/go-lifecycle/events"
	"github.com/goliatone/go-lifecycle/machine"
	"github.com/goliatone/go-lifecycle/store"
)

const definition = `{
	"name": "vendor-registration",
	"states": [{"name": "Draft", "initial": true}, {"name": "Submitted"}],
	"events": [{"name": "SUBMIT", "code": 100}],
	"transitions": [{"from": "Draft", "to": "Submitted", "event": "SUBMIT"}]
}`

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store   store.Store
	acks    *ack.Manager
	bus     *events.Bus
	clock   *testClock
	bp      *blueprint.Blueprint
	machine *machine.Machine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	s := store.NewMemoryStore(store.WithClock(clock.Now))
	catalog := blueprint.NewCatalog(s)
	_, err := catalog.ImportDefinition(context.Background(), "prod", "", []byte(definition))
	require.NoError(t, err)
	bp, err := catalog.Latest(context.Background(), "prod", "vendor-registration")
	require.NoError(t, err)
	return &fixture{
		store:   s,
		acks:    ack.NewManager(s, ack.WithClock(clock.Now)),
		bus:     events.NewBus(),
		clock:   clock,
		bp:      bp,
		machine: machine.New(),
	}
}

// submit applies SUBMIT to a new instance and creates its lifecycle ack for consumers, plus a
// hook ack for the same consumers.
func (f *fixture) submit(t *testing.T, ref string, consumers ...int64) store.AckRef {
	t.Helper()
	ctx := context.Background()
	var ref1 store.AckRef
	err := f.store.RunInTransaction(ctx, func(tx store.Tx) error {
		inst, _, err := f.machine.EnsureInstance(ctx, tx, f.bp, ref)
		if err != nil {
			return err
		}
		result, err := f.machine.ApplyTransition(ctx, tx, f.bp, inst, machine.Request{Event: "SUBMIT"})
		if err != nil {
			return err
		}
		if ref1, err = f.acks.CreateLifecycleAck(ctx, tx, result.LifecycleID, consumers, store.AckPending); err != nil {
			return err
		}
		hookID, err := tx.UpsertHook(ctx, store.Hook{InstanceID: inst.ID, StateID: result.ToStateID, ViaEventID: result.EventID, OnEntry: true, Route: "NOTIFY"})
		if err != nil {
			return err
		}
		_, err = f.acks.CreateHookAck(ctx, tx, hookID, consumers, store.AckPending)
		return err
	})
	require.NoError(t, err)
	return ref1
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Notify(_ context.Context, evt events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recorder) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

func TestRunOnceRedispatchesPendingItems(t *testing.T) {
	f := newFixture(t)
	ref := f.submit(t, "vendor-1", 0)
	rec := &recorder{}
	f.bus.Subscribe(rec)

	m := New(f.acks, f.bus, Config{OlderThan: time.Minute}, WithClock(f.clock.Now))

	report, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Redispatched, "items younger than the window stay put")

	f.clock.Advance(2 * time.Minute)
	report, err = m.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Redispatched)
	assert.Equal(t, []int64{0}, report.Consumers)

	got := rec.all()
	require.Len(t, got, 2)
	transition, ok := got[0].(events.TransitionEvent)
	require.True(t, ok)
	assert.True(t, transition.Redelivery)
	assert.Equal(t, ref.GUID, transition.GUID)
	assert.Equal(t, "Submitted", transition.ToState)
	hook, ok := got[1].(events.HookEvent)
	require.True(t, ok)
	assert.Equal(t, "NOTIFY", hook.Code)

	report, err = m.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Redispatched)

	f.clock.Advance(2 * time.Minute)
	_, err = m.RunOnce(context.Background())
	require.NoError(t, err)
	got = rec.all()
	require.Len(t, got, 4)
	assert.Equal(t, 1, got[2].(events.TransitionEvent).RetryCount)

	status := m.Status()
	assert.Equal(t, 4, status.Ticks)
	assert.Equal(t, 2, status.LastRedispatched)
	assert.Zero(t, status.ConsecutiveFailures)
}

func TestRunOnceSkipsAcknowledgedItems(t *testing.T) {
	f := newFixture(t)
	ref := f.submit(t, "vendor-1", 5)
	_, err := f.acks.Ack(context.Background(), ack.Request{ConsumerID: 5, GUID: ref.GUID, Outcome: ack.OutcomeProcessed})
	require.NoError(t, err)

	rec := &recorder{}
	f.bus.Subscribe(rec)
	m := New(f.acks, f.bus, Config{Consumers: []int64{5}, OlderThan: time.Minute}, WithClock(f.clock.Now))
	f.clock.Advance(time.Hour)

	report, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Redispatched)
	require.Len(t, rec.all(), 1)
	assert.Equal(t, events.KindHook, rec.all()[0].Kind())
}

func TestRunOncePagesThroughBacklog(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.submit(t, fmt.Sprintf("vendor-%d", i), 0)
	}
	rec := &recorder{}
	f.bus.Subscribe(rec)
	m := New(f.acks, f.bus, Config{OlderThan: time.Minute, PageSize: 2}, WithClock(f.clock.Now))
	f.clock.Advance(time.Hour)

	report, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, report.Redispatched)
	assert.Len(t, rec.all(), 10)
}

func TestRunOnceHonorsMaxPages(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.submit(t, fmt.Sprintf("vendor-%d", i), 0)
	}
	m := New(f.acks, f.bus, Config{OlderThan: time.Minute, PageSize: 2, MaxPages: 1}, WithClock(f.clock.Now))
	f.clock.Advance(time.Hour)

	report, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, report.Redispatched)
}

func TestRunOnceReportsSubscriberFailures(t *testing.T) {
	f := newFixture(t)
	f.submit(t, "vendor-1", 0)
	f.bus.SubscribeFunc(func(context.Context, events.Event) error { return errors.New("consumer offline") })

	var reported atomic.Int32
	m := New(f.acks, f.bus, Config{OlderThan: time.Minute}, WithClock(f.clock.Now),
		WithErrorHandler(func(error) { reported.Add(1) }))
	f.clock.Advance(time.Hour)

	report, err := m.RunOnce(context.Background())
	require.Error(t, err)
	assert.Zero(t, report.Redispatched)
	assert.Len(t, report.Errors, 2)
	assert.Equal(t, int32(2), reported.Load())

	status := m.Status()
	assert.Equal(t, 1, status.ConsecutiveFailures)
	assert.NotEmpty(t, status.LastError)

	n, err := f.acks.CountPendingLifecycleDispatch(context.Background(), store.DispatchQuery{Status: store.AckPending, OlderThan: f.clock.Now()})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRunOnceAddsAliveConsumers(t *testing.T) {
	f := newFixture(t)
	consumer, err := f.acks.RegisterConsumer(context.Background(), "prod", "worker-a")
	require.NoError(t, err)
	f.submit(t, "vendor-1", consumer.ID)

	m := New(f.acks, f.bus, Config{OlderThan: time.Minute, ConsumerTTL: 2 * time.Hour, EnvCode: "prod"}, WithClock(f.clock.Now))
	f.clock.Advance(time.Hour)

	report, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{consumer.ID}, report.Consumers)
	assert.Equal(t, 2, report.Redispatched)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	m := New(f.acks, f.bus, Config{Interval: time.Second})

	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.Running())
	assert.Error(t, m.Start(context.Background()))

	require.Eventually(t, func() bool { return m.Status().Ticks > 0 }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Stop(ctx))
	assert.False(t, m.Running())
	assert.Equal(t, StateStopped, m.Status().State)
	require.NoError(t, m.Stop(ctx))
}

type panickingPublisher struct{}

func (panickingPublisher) Publish(context.Context, events.Event) error {
	panic("publisher exploded")
}

func TestStartRecoversPanics(t *testing.T) {
	f := newFixture(t)
	f.submit(t, "vendor-1", 0)

	errs := make(chan error, 16)
	m := New(f.acks, panickingPublisher{}, Config{Interval: time.Second, OlderThan: time.Millisecond},
		WithErrorHandler(func(err error) {
			select {
			case errs <- err:
			default:
			}
		}))
	require.NoError(t, m.Start(context.Background()))
	defer func() { _ = m.Stop(context.Background()) }()

	select {
	case err := <-errs:
		assert.Contains(t, err.Error(), "publisher exploded")
	case <-time.After(5 * time.Second):
		t.Fatal("panic was not reported")
	}
}
