// Package engine wires the blueprint catalog, state machine, policy enforcer, ack manager, event
// bus and dispatch monitor into a single workflow surface.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	lifecycle "github.com/goliatone/go-lifecycle"
	"github.com/goliatone/go-lifecycle/ack"
	"github.com/goliatone/go-lifecycle/blueprint"
	"github.com/goliatone/go-lifecycle/events"
	"github.com/goliatone/go-lifecycle/machine"
	"github.com/goliatone/go-lifecycle/monitor"
	"github.com/goliatone/go-lifecycle/policy"
	"github.com/goliatone/go-lifecycle/store"
)

// Metrics captures engine observations. It includes the ack and monitor hooks so one
// implementation can serve every component the engine builds.
type Metrics interface {
	ack.Metrics
	monitor.Metrics
	RecordTrigger(applied bool, reason string, elapsed time.Duration)
	RecordPublish(kind events.Kind, err error)
}

type noopMetrics struct{}

func (noopMetrics) RecordFanout(events.Kind, int)             {}
func (noopMetrics) RecordAckOutcome(ack.Outcome, bool)        {}
func (noopMetrics) RecordAckRejected(ack.Outcome)             {}
func (noopMetrics) RecordRetry(string)                        {}
func (noopMetrics) RecordTick(int, error, time.Duration)      {}
func (noopMetrics) RecordRedispatch(events.Kind)              {}
func (noopMetrics) RecordTrigger(bool, string, time.Duration) {}
func (noopMetrics) RecordPublish(events.Kind, error)          {}

// ConsumerResolver picks the consumers that receive a notification. An empty result routes the
// notification to the sentinel consumer 0.
type ConsumerResolver interface {
	TransitionConsumers(ctx context.Context, tx store.Tx, bp *blueprint.Blueprint, inst *store.Instance, result machine.Result) ([]int64, error)
	HookConsumers(ctx context.Context, tx store.Tx, bp *blueprint.Blueprint, inst *store.Instance, emission policy.HookEmission) ([]int64, error)
}

// StaticConsumers routes every notification to the same consumer set.
type StaticConsumers []int64

func (s StaticConsumers) TransitionConsumers(context.Context, store.Tx, *blueprint.Blueprint, *store.Instance, machine.Result) ([]int64, error) {
	return append([]int64(nil), s...), nil
}

func (s StaticConsumers) HookConsumers(context.Context, store.Tx, *blueprint.Blueprint, *store.Instance, policy.HookEmission) ([]int64, error) {
	return append([]int64(nil), s...), nil
}

// Engine is the workflow surface.
type Engine struct {
	store    store.Store
	catalog  *blueprint.Catalog
	machine  *machine.Machine
	enforcer *policy.Enforcer
	acks     *ack.Manager
	bus      *events.Bus

	logger    lifecycle.Logger
	metrics   Metrics
	now       func() time.Time
	newGUID   func() string
	cache     blueprint.Cache
	consumers ConsumerResolver

	monitorMu sync.Mutex
	monitor   *monitor.Monitor
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger shared by every component.
func WithLogger(logger lifecycle.Logger) Option {
	return func(e *Engine) {
		e.logger = lifecycle.NormalizeLogger(logger)
	}
}

// WithMetrics sets the metrics hooks shared by every component.
func WithMetrics(metrics Metrics) Option {
	return func(e *Engine) {
		if metrics != nil {
			e.metrics = metrics
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithGUIDGenerator overrides instance and ack guid generation.
func WithGUIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		e.newGUID = fn
	}
}

// WithCache sets the blueprint cache. The default is an in-memory cache.
func WithCache(cache blueprint.Cache) Option {
	return func(e *Engine) {
		if cache != nil {
			e.cache = cache
		}
	}
}

// WithConsumerResolver sets how consumers are picked for each notification.
func WithConsumerResolver(resolver ConsumerResolver) Option {
	return func(e *Engine) {
		if resolver != nil {
			e.consumers = resolver
		}
	}
}

// WithBus sets the event bus.
func WithBus(bus *events.Bus) Option {
	return func(e *Engine) {
		if bus != nil {
			e.bus = bus
		}
	}
}

// New builds an engine over s.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:     s,
		logger:    lifecycle.NopLogger{},
		metrics:   noopMetrics{},
		now:       func() time.Time { return time.Now().UTC() },
		consumers: StaticConsumers(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.cache == nil {
		e.cache = blueprint.NewMemoryCache()
	}
	if e.bus == nil {
		e.bus = events.NewBus(events.WithLogger(e.logger))
	}

	e.catalog = blueprint.NewCatalog(s, blueprint.WithCache(e.cache), blueprint.WithLogger(e.logger))
	e.machine = machine.New(machine.WithLogger(e.logger), machine.WithGUIDGenerator(e.newGUID))
	e.acks = ack.NewManager(s,
		ack.WithLogger(e.logger),
		ack.WithMetrics(e.metrics),
		ack.WithClock(e.now),
		ack.WithGUIDGenerator(e.newGUID),
	)
	e.enforcer = policy.New(s, e.acks, policy.WithLogger(e.logger))
	return e
}

// Catalog returns the blueprint catalog.
func (e *Engine) Catalog() *blueprint.Catalog { return e.catalog }

// Acks returns the ack manager.
func (e *Engine) Acks() *ack.Manager { return e.acks }

// Bus returns the event bus.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Store returns the storage gateway.
func (e *Engine) Store() store.Store { return e.store }

// Subscribe adds an event subscriber.
func (e *Engine) Subscribe(s events.Subscriber) events.Subscription { return e.bus.Subscribe(s) }

// SubscribeFunc adds a function subscriber.
func (e *Engine) SubscribeFunc(fn func(ctx context.Context, evt events.Event) error) events.Subscription {
	return e.bus.SubscribeFunc(fn)
}

// Ack applies a consumer outcome.
func (e *Engine) Ack(ctx context.Context, req ack.Request) (ack.Result, error) {
	return e.acks.Ack(ctx, req)
}

// ImportDefinition imports a definition document and drops the cached latest version.
func (e *Engine) ImportDefinition(ctx context.Context, envCode, envDisplayName string, raw []byte) (int64, error) {
	return e.catalog.ImportDefinition(ctx, envCode, envDisplayName, raw)
}

// ImportPolicy imports a policy document and attaches it to the definitions it names.
func (e *Engine) ImportPolicy(ctx context.Context, envCode, envDisplayName string, raw []byte) (int64, error) {
	return e.enforcer.ImportPolicy(ctx, envCode, envDisplayName, raw)
}

// AttachPolicy attaches an imported policy to a definition.
func (e *Engine) AttachPolicy(ctx context.Context, envCode, definition string, policyID int64) error {
	return e.enforcer.AttachPolicy(ctx, envCode, definition, policyID)
}

func (e *Engine) InvalidateDefinition(envCode, definition string) {
	e.catalog.InvalidateDefinition(envCode, definition)
}

func (e *Engine) InvalidateVersion(versionID int64) { e.catalog.InvalidateVersion(versionID) }

func (e *Engine) ClearCache() { e.catalog.ClearCache() }

// StartMonitor starts a dispatch monitor over the engine's acks and bus.
func (e *Engine) StartMonitor(ctx context.Context, cfg monitor.Config, opts ...monitor.Option) error {
	e.monitorMu.Lock()
	defer e.monitorMu.Unlock()
	if e.monitor != nil && e.monitor.Running() {
		return lifecycle.NewError(lifecycle.ErrPreconditionFailed, "dispatch monitor already running", nil, nil)
	}
	base := []monitor.Option{
		monitor.WithLogger(e.logger),
		monitor.WithMetrics(e.metrics),
		monitor.WithClock(e.now),
		monitor.WithErrorHandler(func(err error) {
			e.logger.Warn("dispatch monitor error: %v", err)
		}),
	}
	m := monitor.New(e.acks, e.bus, cfg, append(base, opts...)...)
	if err := m.Start(ctx); err != nil {
		return err
	}
	e.monitor = m
	return nil
}

// StopMonitor stops the running monitor, if any.
func (e *Engine) StopMonitor(ctx context.Context) error {
	e.monitorMu.Lock()
	m := e.monitor
	e.monitorMu.Unlock()
	if m == nil {
		return nil
	}
	return m.Stop(ctx)
}

// MonitorStatus reports the monitor state. ok is false when no monitor was started.
func (e *Engine) MonitorStatus() (status monitor.Status, ok bool) {
	e.monitorMu.Lock()
	m := e.monitor
	e.monitorMu.Unlock()
	if m == nil {
		return monitor.Status{}, false
	}
	return m.Status(), true
}

// Close stops the monitor and closes the store.
func (e *Engine) Close(ctx context.Context) error {
	return errors.Join(e.StopMonitor(ctx), e.store.Close())
}
