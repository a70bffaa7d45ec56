// Package monitor periodically redelivers transition and hook notifications whose acks are still
// pending past a time window.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	lifecycle "github.com/goliatone/go-lifecycle"
	"github.com/goliatone/go-lifecycle/ack"
	"github.com/goliatone/go-lifecycle/events"
	"github.com/goliatone/go-lifecycle/store"
)

// Source provides the pending deliveries and retry bookkeeping. *ack.Manager satisfies it.
type Source interface {
	ListPendingLifecycleDispatch(ctx context.Context, query store.DispatchQuery) ([]ack.DispatchItem, error)
	ListPendingHookDispatch(ctx context.Context, query store.DispatchQuery) ([]ack.DispatchItem, error)
	Redispatched(ctx context.Context, d store.AckDelivery, retryAt time.Time) error
	AliveConsumers(ctx context.Context, envCode string, ttl time.Duration) ([]store.Consumer, error)
}

// Publisher delivers redispatched events. *events.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, evt events.Event) error
}

// Metrics captures monitor observations.
type Metrics interface {
	RecordTick(redispatched int, err error, elapsed time.Duration)
	RecordRedispatch(kind events.Kind)
}

type noopMetrics struct{}

func (noopMetrics) RecordTick(int, error, time.Duration) {}
func (noopMetrics) RecordRedispatch(events.Kind)         {}

// Config controls scheduling and paging.
type Config struct {
	Interval    time.Duration
	OlderThan   time.Duration
	Consumers   []int64
	PageSize    int
	MaxPages    int
	ConsumerTTL time.Duration
	EnvCode     string
}

const (
	DefaultInterval  = 30 * time.Second
	DefaultOlderThan = time.Minute
	DefaultPageSize  = 100
	DefaultMaxPages  = 10
)

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.OlderThan <= 0 {
		c.OlderThan = DefaultOlderThan
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.MaxPages <= 0 {
		c.MaxPages = DefaultMaxPages
	}
	if len(c.Consumers) == 0 && c.ConsumerTTL <= 0 {
		c.Consumers = []int64{0}
	}
	return c
}

// State is the runtime state of a monitor.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// Status captures the latest runtime state and tick results.
type Status struct {
	State               State
	LastRunAt           time.Time
	LastSuccessAt       time.Time
	LastError           string
	ConsecutiveFailures int
	LastRedispatched    int
	Ticks               int
}

// Report summarizes one tick.
type Report struct {
	StartedAt    time.Time
	FinishedAt   time.Time
	Consumers    []int64
	Redispatched int
	Errors       []error
}

// Monitor redelivers pending notifications on a fixed interval.
type Monitor struct {
	cfg     Config
	source  Source
	bus     Publisher
	logger  lifecycle.Logger
	metrics Metrics
	onError func(error)
	now     func() time.Time

	stateMu sync.RWMutex
	status  Status

	runMu      sync.Mutex
	cron       *rcron.Cron
	tickCtx    context.Context
	tickCancel context.CancelFunc
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the monitor logger.
func WithLogger(logger lifecycle.Logger) Option {
	return func(m *Monitor) {
		m.logger = lifecycle.NormalizeLogger(logger)
	}
}

// WithMetrics sets the metrics hooks.
func WithMetrics(metrics Metrics) Option {
	return func(m *Monitor) {
		if metrics != nil {
			m.metrics = metrics
		}
	}
}

// WithErrorHandler receives tick errors and recovered panics.
func WithErrorHandler(fn func(error)) Option {
	return func(m *Monitor) {
		m.onError = fn
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// New constructs a stopped monitor.
func New(source Source, bus Publisher, cfg Config, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:     cfg.withDefaults(),
		source:  source,
		bus:     bus,
		logger:  lifecycle.NopLogger{},
		metrics: noopMetrics{},
		now:     func() time.Time { return time.Now().UTC() },
		status:  Status{State: StateIdle},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Config returns the effective configuration.
func (m *Monitor) Config() Config { return m.cfg }

// Start schedules ticks every Interval. Overlapping ticks are skipped.
func (m *Monitor) Start(ctx context.Context) error {
	if m == nil || m.source == nil || m.bus == nil {
		return errors.New("dispatch monitor not configured")
	}
	if err := lifecycle.CheckContext(ctx); err != nil {
		return err
	}
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cron != nil {
		return lifecycle.NewError(lifecycle.ErrPreconditionFailed, "dispatch monitor already running", nil, nil)
	}

	m.tickCtx, m.tickCancel = context.WithCancel(context.WithoutCancel(ctx))
	m.cron = newCron(m.logger, m.reportError)
	tickCtx := m.tickCtx
	m.cron.Schedule(rcron.Every(m.cfg.Interval), rcron.FuncJob(func() {
		_, _ = m.RunOnce(tickCtx)
	}))
	m.cron.Start()
	m.setState(StateRunning)
	m.logger.Info("dispatch monitor started interval=%s older_than=%s", m.cfg.Interval, m.cfg.OlderThan)
	return nil
}

// Stop cancels the running tick, then waits for the scheduler to drain or ctx to end.
func (m *Monitor) Stop(ctx context.Context) error {
	if m == nil {
		return errors.New("dispatch monitor not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	m.runMu.Lock()
	c, cancel := m.cron, m.tickCancel
	m.cron, m.tickCancel, m.tickCtx = nil, nil, nil
	m.runMu.Unlock()
	if c == nil {
		return nil
	}

	m.setState(StateStopping)
	cancel()
	done := c.Stop()
	select {
	case <-done.Done():
		m.setState(StateStopped)
		m.logger.Info("dispatch monitor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the scheduler is active.
func (m *Monitor) Running() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.cron != nil
}

// Status returns a snapshot of runtime state.
func (m *Monitor) Status() Status {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.status
}

// RunOnce runs one tick synchronously. Per-item failures are reported and skipped; the returned
// error joins them.
func (m *Monitor) RunOnce(ctx context.Context) (Report, error) {
	if m == nil || m.source == nil || m.bus == nil {
		return Report{}, errors.New("dispatch monitor not configured")
	}
	report := Report{StartedAt: m.now().UTC()}
	if ctx == nil {
		ctx = context.Background()
	}

	consumers, err := m.consumers(ctx)
	if err != nil {
		report.Errors = append(report.Errors, err)
	}
	report.Consumers = consumers
	cutoff := report.StartedAt.Add(-m.cfg.OlderThan)

	for _, consumerID := range consumers {
		if err := lifecycle.CheckContext(ctx); err != nil {
			report.Errors = append(report.Errors, err)
			break
		}
		query := store.DispatchQuery{ConsumerID: consumerID, Status: store.AckPending, OlderThan: cutoff, Take: m.cfg.PageSize}
		n, errs := m.drain(ctx, query, events.KindTransition, m.source.ListPendingLifecycleDispatch)
		report.Redispatched += n
		report.Errors = append(report.Errors, errs...)

		n, errs = m.drain(ctx, query, events.KindHook, m.source.ListPendingHookDispatch)
		report.Redispatched += n
		report.Errors = append(report.Errors, errs...)
	}

	report.FinishedAt = m.now().UTC()
	tickErr := errors.Join(report.Errors...)
	m.recordTick(report, tickErr)
	return report, tickErr
}

type lister func(ctx context.Context, query store.DispatchQuery) ([]ack.DispatchItem, error)

// drain pages pending items for one consumer. Redispatched items move their last_retry past the
// cutoff, so each page is read from the start until it comes back empty or MaxPages is reached.
func (m *Monitor) drain(ctx context.Context, query store.DispatchQuery, kind events.Kind, list lister) (int, []error) {
	var errs []error
	redispatched := 0
	skip := 0
	for page := 0; page < m.cfg.MaxPages; page++ {
		if err := lifecycle.CheckContext(ctx); err != nil {
			return redispatched, append(errs, err)
		}
		query.Skip = skip
		items, err := list(ctx, query)
		if err != nil {
			m.reportError(err)
			return redispatched, append(errs, err)
		}
		if len(items) == 0 {
			break
		}
		for _, item := range items {
			if err := lifecycle.CheckContext(ctx); err != nil {
				return redispatched, append(errs, err)
			}
			if err := m.redispatch(ctx, item); err != nil {
				if lifecycle.IsCanceled(err) {
					return redispatched, append(errs, err)
				}
				errs = append(errs, err)
				skip++
				continue
			}
			redispatched++
			m.metrics.RecordRedispatch(kind)
		}
		if len(items) < query.Take {
			break
		}
	}
	return redispatched, errs
}

func (m *Monitor) redispatch(ctx context.Context, item ack.DispatchItem) error {
	fields := map[string]any{
		"ack_guid":    item.Delivery.AckGUID,
		"consumer_id": item.Delivery.ConsumerID,
		"kind":        string(item.Event.Kind()),
		"retry_count": item.Delivery.RetryCount,
	}
	logger := lifecycle.WithFields(m.logger.WithContext(ctx), fields)
	if err := m.bus.Publish(ctx, item.Event); err != nil {
		if !lifecycle.IsCanceled(err) {
			logger.Warn("redispatch publish failed: %v", err)
			m.reportError(err)
		}
		return err
	}
	if err := m.source.Redispatched(ctx, item.Delivery, m.now().UTC()); err != nil {
		if !lifecycle.IsCanceled(err) {
			logger.Error("redispatch mark retry failed: %v", err)
			m.reportError(err)
		}
		return err
	}
	logger.Debug("redispatched")
	return nil
}

func (m *Monitor) consumers(ctx context.Context) ([]int64, error) {
	set := map[int64]bool{}
	for _, id := range m.cfg.Consumers {
		set[id] = true
	}
	var err error
	if m.cfg.ConsumerTTL > 0 {
		var alive []store.Consumer
		alive, err = m.source.AliveConsumers(ctx, m.cfg.EnvCode, m.cfg.ConsumerTTL)
		if err != nil {
			err = fmt.Errorf("list alive consumers: %w", err)
			m.reportError(err)
		}
		for _, c := range alive {
			set[c.ID] = true
		}
	}
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, err
}

func (m *Monitor) reportError(err error) {
	if err == nil {
		return
	}
	if m.onError != nil {
		m.onError(err)
	}
}

func (m *Monitor) setState(state State) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.status.State = state
}

func (m *Monitor) recordCycle(report Report, err error) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.status.Ticks++
	m.status.LastRunAt = report.FinishedAt
	m.status.LastRedispatched = report.Redispatched
	if err != nil {
		m.status.LastError = err.Error()
		m.status.ConsecutiveFailures++
		return
	}
	m.status.LastError = ""
	m.status.ConsecutiveFailures = 0
	m.status.LastSuccessAt = report.FinishedAt
}

func (m *Monitor) recordTick(report Report, err error) {
	m.recordCycle(report, err)
	m.metrics.RecordTick(report.Redispatched, err, report.FinishedAt.Sub(report.StartedAt))
	if report.Redispatched > 0 || err != nil {
		m.logger.Info("dispatch monitor tick redispatched=%d errors=%d", report.Redispatched, len(report.Errors))
	}
}
