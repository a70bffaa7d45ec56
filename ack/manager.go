// Package ack tracks per-consumer delivery of transition and hook notifications: envelope
// creation, consumer outcomes, retries, and the pending-dispatch queries the monitor pages through.
package ack

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	lifecycle "github.com/goliatone/go-lifecycle"
	"github.com/goliatone/go-lifecycle/events"
	"github.com/goliatone/go-lifecycle/store"
)

// Metrics captures ack bookkeeping observations.
type Metrics interface {
	RecordFanout(kind events.Kind, consumers int)
	RecordAckOutcome(outcome Outcome, changed bool)
	RecordAckRejected(outcome Outcome)
	RecordRetry(kind string)
}

type noopMetrics struct{}

func (noopMetrics) RecordFanout(events.Kind, int)  {}
func (noopMetrics) RecordAckOutcome(Outcome, bool) {}
func (noopMetrics) RecordAckRejected(Outcome)      {}
func (noopMetrics) RecordRetry(string)             {}

// Manager owns the ack envelopes and their consumer rows.
type Manager struct {
	store   store.Store
	logger  lifecycle.Logger
	metrics Metrics
	now     func() time.Time
	newGUID func() string
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger lifecycle.Logger) Option {
	return func(m *Manager) {
		m.logger = lifecycle.NormalizeLogger(logger)
	}
}

// WithMetrics sets the metrics hooks.
func WithMetrics(metrics Metrics) Option {
	return func(m *Manager) {
		if metrics != nil {
			m.metrics = metrics
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithGUIDGenerator overrides ack guid generation.
func WithGUIDGenerator(fn func() string) Option {
	return func(m *Manager) {
		if fn != nil {
			m.newGUID = fn
		}
	}
}

// NewManager constructs a manager over s.
func NewManager(s store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:   s,
		logger:  lifecycle.NopLogger{},
		metrics: noopMetrics{},
		now:     func() time.Time { return time.Now().UTC() },
		newGUID: uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m *Manager) clock() time.Time { return m.now().UTC() }

// CreateLifecycleAck reuses or creates the envelope of a lifecycle row and ensures one consumer
// row per consumer. Existing consumer rows are never reset.
func (m *Manager) CreateLifecycleAck(ctx context.Context, tx store.Tx, lifecycleID int64, consumers []int64, status store.AckStatus) (store.AckRef, error) {
	return m.createAck(ctx, tx, events.KindTransition, consumers, status,
		func() (*store.Ack, error) { return tx.GetLifecycleAck(ctx, lifecycleID) },
		func(ackID int64) error { return tx.AttachLifecycleAck(ctx, lifecycleID, ackID) },
	)
}

// CreateHookAck is CreateLifecycleAck for hook rows.
func (m *Manager) CreateHookAck(ctx context.Context, tx store.Tx, hookID int64, consumers []int64, status store.AckStatus) (store.AckRef, error) {
	return m.createAck(ctx, tx, events.KindHook, consumers, status,
		func() (*store.Ack, error) { return tx.GetHookAck(ctx, hookID) },
		func(ackID int64) error { return tx.AttachHookAck(ctx, hookID, ackID) },
	)
}

func (m *Manager) createAck(
	ctx context.Context,
	tx store.Tx,
	kind events.Kind,
	consumers []int64,
	status store.AckStatus,
	get func() (*store.Ack, error),
	attach func(ackID int64) error,
) (store.AckRef, error) {
	if err := lifecycle.CheckContext(ctx); err != nil {
		return store.AckRef{}, err
	}
	var ref store.AckRef
	existing, err := get()
	if err != nil {
		return ref, err
	}
	if existing != nil {
		ref = store.AckRef{ID: existing.ID, GUID: existing.GUID}
	} else {
		created, err := tx.InsertAck(ctx, m.newGUID())
		if err != nil {
			return ref, err
		}
		if err := attach(created.ID); err != nil {
			return ref, err
		}
		ref = store.AckRef{ID: created.ID, GUID: created.GUID, Created: true}
	}

	at := m.clock()
	for _, consumerID := range consumers {
		if err := lifecycle.CheckContext(ctx); err != nil {
			return store.AckRef{}, err
		}
		if _, err := tx.EnsureAckConsumer(ctx, ref.ID, consumerID, status, at); err != nil {
			return store.AckRef{}, err
		}
	}
	m.metrics.RecordFanout(kind, len(consumers))
	return ref, nil
}

// Request is one consumer report for an ack envelope.
type Request struct {
	ConsumerID int64
	GUID       string
	Outcome    Outcome
	Message    string
	RetryAt    time.Time
}

// Result describes the consumer row after an Ack call.
type Result struct {
	AckID      int64
	GUID       string
	ConsumerID int64
	Previous   store.AckStatus
	Status     store.AckStatus
	RetryCount int
	Changed    bool
}

// Ack applies a consumer outcome in its own unit of work.
func (m *Manager) Ack(ctx context.Context, req Request) (Result, error) {
	if err := lifecycle.CheckContext(ctx); err != nil {
		return Result{}, err
	}
	outcome, err := ParseOutcome(string(req.Outcome))
	if err != nil {
		return Result{}, err
	}
	req.Outcome = outcome

	var result Result
	err = m.store.RunInTransaction(ctx, func(tx store.Tx) error {
		var err error
		result, err = m.AckTx(ctx, tx, req)
		return err
	})
	if err != nil {
		if lifecycle.HasCode(err, lifecycle.CodeInvalidAckTransition) {
			m.metrics.RecordAckRejected(outcome)
		}
		return Result{}, err
	}
	m.metrics.RecordAckOutcome(outcome, result.Changed)
	lifecycle.WithFields(m.logger.WithContext(ctx), map[string]any{
		"ack_guid":    result.GUID,
		"consumer_id": result.ConsumerID,
	}).Debug("ack outcome=%s status=%s changed=%t", outcome, result.Status, result.Changed)
	return result, nil
}

// AckTx applies a consumer outcome inside tx.
func (m *Manager) AckTx(ctx context.Context, tx store.Tx, req Request) (Result, error) {
	meta := map[string]any{"ack_guid": req.GUID, "consumer_id": req.ConsumerID, "outcome": string(req.Outcome)}
	envelope, err := tx.GetAckByGUID(ctx, strings.TrimSpace(req.GUID))
	if err != nil {
		return Result{}, err
	}
	if envelope == nil {
		return Result{}, lifecycle.NewError(lifecycle.ErrNotFound, "ack not found", nil, meta)
	}
	row, err := tx.GetAckConsumer(ctx, envelope.ID, req.ConsumerID)
	if err != nil {
		return Result{}, err
	}
	if row == nil {
		return Result{}, lifecycle.NewError(lifecycle.ErrNotFound, "ack consumer not found", nil, meta)
	}

	result := Result{
		AckID:      envelope.ID,
		GUID:       envelope.GUID,
		ConsumerID: row.ConsumerID,
		Previous:   row.Status,
		Status:     row.Status,
		RetryCount: row.RetryCount,
	}
	rejected := func() error {
		meta["status"] = row.Status.String()
		return lifecycle.NewError(lifecycle.ErrInvalidAckTransition,
			fmt.Sprintf("cannot apply %s to a %s delivery", req.Outcome, row.Status), nil, meta)
	}

	if req.Outcome == OutcomeRetry {
		if row.Status.Terminal() {
			return Result{}, rejected()
		}
		retryAt := req.RetryAt
		if retryAt.IsZero() {
			retryAt = m.clock()
		}
		if err := tx.RetryAckConsumer(ctx, envelope.ID, row.ConsumerID, retryAt, req.Message); err != nil {
			return Result{}, err
		}
		result.Status = store.AckPending
		result.RetryCount++
		result.Changed = true
		return result, nil
	}

	target := req.Outcome.Status()
	if target == row.Status {
		return result, nil
	}
	if !allowed(row.Status, target) {
		return Result{}, rejected()
	}
	if err := tx.SetAckConsumerStatus(ctx, envelope.ID, row.ConsumerID, target, req.Message, m.clock()); err != nil {
		return Result{}, err
	}
	result.Status = target
	result.Changed = true
	return result, nil
}

// MarkRetry returns a row to Pending with retry_count+1 and last_retry set to retryAt or now.
func (m *Manager) MarkRetry(ctx context.Context, tx store.Tx, ackID, consumerID int64, retryAt time.Time) error {
	if err := lifecycle.CheckContext(ctx); err != nil {
		return err
	}
	if retryAt.IsZero() {
		retryAt = m.clock()
	}
	if err := tx.RetryAckConsumer(ctx, ackID, consumerID, retryAt, ""); err != nil {
		return err
	}
	m.metrics.RecordRetry("redispatch")
	return nil
}

// Status reports the consumer rows of an envelope.
func (m *Manager) Status(ctx context.Context, guid string) ([]store.AckConsumer, error) {
	var rows []store.AckConsumer
	err := m.store.RunInTransaction(ctx, func(tx store.Tx) error {
		envelope, err := tx.GetAckByGUID(ctx, strings.TrimSpace(guid))
		if err != nil {
			return err
		}
		if envelope == nil {
			return lifecycle.NewError(lifecycle.ErrNotFound, "ack not found", nil, map[string]any{"ack_guid": guid})
		}
		rows, err = tx.ListAckConsumers(ctx, envelope.ID)
		return err
	})
	return rows, err
}
