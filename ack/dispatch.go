package ack

import (
	"context"
	"encoding/json"
	"time"

	lifecycle "github.com/goliatone/go-lifecycle"
	"github.com/goliatone/go-lifecycle/events"
	"github.com/goliatone/go-lifecycle/store"
)

// DispatchItem is one pending delivery with its rebuilt event.
type DispatchItem struct {
	Delivery store.AckDelivery
	Event    events.Event
}

func delivery(d store.AckDelivery, redelivery bool) events.Delivery {
	return events.Delivery{
		AckID:      d.AckID,
		GUID:       d.AckGUID,
		ConsumerID: d.ConsumerID,
		RetryCount: d.RetryCount,
		Redelivery: redelivery,
	}
}

// TransitionEventFromRow rebuilds the transition event of a pending lifecycle delivery.
func TransitionEventFromRow(row store.LifecycleDispatchRow) events.TransitionEvent {
	evt := events.TransitionEvent{
		Delivery:            delivery(row.AckDelivery, true),
		InstanceID:          row.Instance.ID,
		InstanceGUID:        row.Instance.GUID,
		DefinitionVersionID: row.Instance.VersionID,
		ExternalRef:         row.Instance.ExternalRef,
		LifecycleID:         row.Lifecycle.ID,
		FromStateID:         row.Lifecycle.FromStateID,
		FromState:           row.FromState,
		ToStateID:           row.Lifecycle.ToStateID,
		ToState:             row.ToState,
		EventID:             row.Lifecycle.EventID,
		EventName:           row.EventName,
		EventCode:           row.EventCode,
		Actor:               row.Data.Actor,
		RequestID:           row.Data.RequestID,
		OccurredAt:          row.Lifecycle.CreatedAt,
	}
	if row.Data.Payload != "" {
		evt.Payload = json.RawMessage(row.Data.Payload)
	}
	if row.Policy != nil {
		evt.PolicyID = row.Policy.ID
		evt.PolicyHash = row.Policy.Hash
		evt.PolicyJSON = row.Policy.Content
	}
	return evt
}

// HookEventFromRow rebuilds the hook event of a pending hook delivery.
func HookEventFromRow(row store.HookDispatchRow) events.HookEvent {
	return events.HookEvent{
		Delivery:     delivery(row.AckDelivery, true),
		HookID:       row.Hook.ID,
		InstanceID:   row.Instance.ID,
		InstanceGUID: row.Instance.GUID,
		ExternalRef:  row.Instance.ExternalRef,
		StateID:      row.Hook.StateID,
		State:        row.State,
		ViaEventID:   row.Hook.ViaEventID,
		ViaEventName: row.ViaEventName,
		ViaEventCode: row.ViaEventCode,
		Code:         row.Hook.Route,
		OnSuccess:    row.Hook.OnSuccess,
		OnFailure:    row.Hook.OnFailure,
		OccurredAt:   row.Hook.CreatedAt,
	}
}

// ListPendingLifecycleDispatch pages pending lifecycle deliveries ordered by (last_retry, id).
func (m *Manager) ListPendingLifecycleDispatch(ctx context.Context, query store.DispatchQuery) ([]DispatchItem, error) {
	var items []DispatchItem
	err := m.store.RunInTransaction(ctx, func(tx store.Tx) error {
		rows, err := tx.ListPendingLifecycleDispatch(ctx, query)
		if err != nil {
			return err
		}
		items = make([]DispatchItem, 0, len(rows))
		for _, row := range rows {
			items = append(items, DispatchItem{Delivery: row.AckDelivery, Event: TransitionEventFromRow(row)})
		}
		return nil
	})
	return items, err
}

// ListPendingHookDispatch pages pending hook deliveries ordered by (last_retry, id).
func (m *Manager) ListPendingHookDispatch(ctx context.Context, query store.DispatchQuery) ([]DispatchItem, error) {
	var items []DispatchItem
	err := m.store.RunInTransaction(ctx, func(tx store.Tx) error {
		rows, err := tx.ListPendingHookDispatch(ctx, query)
		if err != nil {
			return err
		}
		items = make([]DispatchItem, 0, len(rows))
		for _, row := range rows {
			items = append(items, DispatchItem{Delivery: row.AckDelivery, Event: HookEventFromRow(row)})
		}
		return nil
	})
	return items, err
}

// CountPendingLifecycleDispatch counts deliveries matching query, ignoring paging.
func (m *Manager) CountPendingLifecycleDispatch(ctx context.Context, query store.DispatchQuery) (int, error) {
	var n int
	err := m.store.RunInTransaction(ctx, func(tx store.Tx) error {
		var err error
		n, err = tx.CountPendingLifecycleDispatch(ctx, query)
		return err
	})
	return n, err
}

// CountPendingHookDispatch counts hook deliveries matching query, ignoring paging.
func (m *Manager) CountPendingHookDispatch(ctx context.Context, query store.DispatchQuery) (int, error) {
	var n int
	err := m.store.RunInTransaction(ctx, func(tx store.Tx) error {
		var err error
		n, err = tx.CountPendingHookDispatch(ctx, query)
		return err
	})
	return n, err
}

// Redispatched marks a redelivered item for retry in its own unit of work.
func (m *Manager) Redispatched(ctx context.Context, d store.AckDelivery, retryAt time.Time) error {
	if err := lifecycle.CheckContext(ctx); err != nil {
		return err
	}
	return m.store.RunInTransaction(ctx, func(tx store.Tx) error {
		return m.MarkRetry(ctx, tx, d.AckID, d.ConsumerID, retryAt)
	})
}
