package engine

import (
	"context"
	"encoding/json"
	"strings"

	lifecycle "github.com/goliatone/go-lifecycle"
	"github.com/goliatone/go-lifecycle/blueprint"
	"github.com/goliatone/go-lifecycle/events"
	"github.com/goliatone/go-lifecycle/machine"
	"github.com/goliatone/go-lifecycle/policy"
	"github.com/goliatone/go-lifecycle/store"
)

// TriggerRequest applies one event to the instance of ExternalRef. The blueprint is the latest
// version of Definition in EnvCode unless VersionID pins one.
type TriggerRequest struct {
	EnvCode     string
	Definition  string
	VersionID   int64
	ExternalRef string
	Event       string
	RequestID   string
	Actor       string
	Payload     any
}

// HookResult is one emitted hook with its delivery envelope and consumers.
type HookResult struct {
	policy.HookEmission
	Consumers []int64
}

// TriggerResult describes what Trigger did.
type TriggerResult struct {
	Applied bool
	Reason  machine.Reason

	InstanceID      int64
	InstanceGUID    string
	InstanceCreated bool
	ExternalRef     string
	VersionID       int64

	LifecycleID int64
	FromStateID int64
	FromState   string
	ToStateID   int64
	ToState     string
	EventID     int64
	EventName   string
	EventCode   int
	PolicyID    int64

	LifecycleAck       store.AckRef
	LifecycleConsumers []int64
	Hooks              []HookResult

	// Published counts events delivered to every subscriber before a failure, if any.
	Published int
}

// Trigger resolves the blueprint, applies the event and records acks and hooks in one unit of
// work, then publishes transition events followed by hook events. A publish failure is returned
// with the committed result; the monitor redelivers the remaining notifications.
func (e *Engine) Trigger(ctx context.Context, req TriggerRequest) (TriggerResult, error) {
	start := e.now()
	if err := lifecycle.CheckContext(ctx); err != nil {
		return TriggerResult{}, err
	}
	bp, err := e.resolveBlueprint(ctx, req)
	if err != nil {
		return TriggerResult{}, err
	}

	fields := map[string]any{"external_ref": req.ExternalRef, "event": req.Event, "version_id": bp.VersionID()}
	if req.RequestID != "" {
		fields["request_id"] = req.RequestID
	}
	logger := lifecycle.WithFields(e.logger.WithContext(ctx), fields)

	var (
		result  TriggerResult
		pending []events.Event
	)
	err = e.store.RunInTransaction(ctx, func(tx store.Tx) error {
		result = TriggerResult{VersionID: bp.VersionID()}
		var err error
		pending, err = e.trigger(ctx, tx, bp, req, &result)
		return err
	})
	if err != nil {
		e.metrics.RecordTrigger(false, "error", e.now().Sub(start))
		logger.Error("trigger failed: %v", err)
		return TriggerResult{}, err
	}
	e.metrics.RecordTrigger(result.Applied, string(result.Reason), e.now().Sub(start))
	if !result.Applied {
		return result, nil
	}

	for _, evt := range pending {
		err := e.bus.Publish(ctx, evt)
		e.metrics.RecordPublish(evt.Kind(), err)
		if err != nil {
			lifecycle.WithFields(logger, map[string]any{"ack_guid": evt.AckGUID(), "consumer_id": evt.Consumer()}).
				Warn("publish stopped after %d of %d events: %v", result.Published, len(pending), err)
			return result, err
		}
		result.Published++
	}
	return result, nil
}

func (e *Engine) resolveBlueprint(ctx context.Context, req TriggerRequest) (*blueprint.Blueprint, error) {
	if req.VersionID > 0 {
		return e.catalog.Version(ctx, req.VersionID)
	}
	if strings.TrimSpace(req.EnvCode) == "" || strings.TrimSpace(req.Definition) == "" {
		return nil, lifecycle.NewError(lifecycle.ErrPreconditionFailed, "environment and definition or a version id required", nil,
			map[string]any{"env": req.EnvCode, "definition": req.Definition})
	}
	return e.catalog.Latest(ctx, req.EnvCode, req.Definition)
}

func (e *Engine) trigger(ctx context.Context, tx store.Tx, bp *blueprint.Blueprint, req TriggerRequest, result *TriggerResult) ([]events.Event, error) {
	inst, created, err := e.machine.EnsureInstance(ctx, tx, bp, req.ExternalRef)
	if err != nil {
		return nil, err
	}
	result.InstanceID = inst.ID
	result.InstanceGUID = inst.GUID
	result.InstanceCreated = created
	result.ExternalRef = inst.ExternalRef

	applied, err := e.machine.ApplyTransition(ctx, tx, bp, inst, machine.Request{
		Event:     req.Event,
		RequestID: req.RequestID,
		Actor:     req.Actor,
		Payload:   req.Payload,
	})
	if err != nil {
		return nil, err
	}
	result.Applied = applied.Applied
	result.Reason = applied.Reason
	result.FromStateID = applied.FromStateID
	result.FromState = bp.StateName(applied.FromStateID)
	result.ToStateID = applied.ToStateID
	result.ToState = bp.StateName(applied.ToStateID)
	result.EventID = applied.EventID
	result.EventName = applied.EventName
	result.EventCode = applied.EventCode
	result.PolicyID = inst.PolicyID
	if !applied.Applied {
		return nil, nil
	}
	result.LifecycleID = applied.LifecycleID

	resolved, err := e.enforcer.ResolvePolicy(ctx, tx, bp, applied.ToStateID)
	if err != nil {
		return nil, err
	}
	if resolved != nil && resolved.PolicyID != inst.PolicyID {
		if err := tx.SetInstancePolicy(ctx, inst.ID, resolved.PolicyID); err != nil {
			return nil, err
		}
		inst.PolicyID = resolved.PolicyID
	}
	result.PolicyID = inst.PolicyID
	effective, err := effectivePolicy(ctx, tx, inst, resolved)
	if err != nil {
		return nil, err
	}

	consumers, err := e.consumers.TransitionConsumers(ctx, tx, bp, inst, applied)
	if err != nil {
		return nil, err
	}
	consumers = orSentinel(consumers)
	ref, err := e.acks.CreateLifecycleAck(ctx, tx, applied.LifecycleID, consumers, store.AckPending)
	if err != nil {
		return nil, err
	}
	result.LifecycleAck = ref
	result.LifecycleConsumers = consumers

	occurredAt := e.now().UTC()
	var transitions, hooks []events.Event
	for _, consumerID := range consumers {
		evt := events.TransitionEvent{
			Delivery:            events.Delivery{AckID: ref.ID, GUID: ref.GUID, ConsumerID: consumerID},
			InstanceID:          inst.ID,
			InstanceGUID:        inst.GUID,
			DefinitionVersionID: bp.VersionID(),
			ExternalRef:         inst.ExternalRef,
			LifecycleID:         applied.LifecycleID,
			FromStateID:         applied.FromStateID,
			FromState:           result.FromState,
			ToStateID:           applied.ToStateID,
			ToState:             result.ToState,
			EventID:             applied.EventID,
			EventName:           applied.EventName,
			EventCode:           applied.EventCode,
			Actor:               strings.TrimSpace(req.Actor),
			RequestID:           strings.TrimSpace(req.RequestID),
			OccurredAt:          occurredAt,
		}
		if applied.Payload != "" {
			evt.Payload = json.RawMessage(applied.Payload)
		}
		if effective != nil {
			evt.PolicyID = effective.ID
			evt.PolicyHash = effective.Hash
			evt.PolicyJSON = effective.Content
		}
		transitions = append(transitions, evt)
	}

	emissions, err := e.enforcer.EmitHooks(ctx, tx, bp, policy.Applied{
		InstanceID: inst.ID,
		ToStateID:  applied.ToStateID,
		EventID:    applied.EventID,
		EventCode:  applied.EventCode,
	}, resolved)
	if err != nil {
		return nil, err
	}
	for _, em := range emissions {
		hookConsumers, err := e.consumers.HookConsumers(ctx, tx, bp, inst, em)
		if err != nil {
			return nil, err
		}
		hookConsumers = orSentinel(hookConsumers)
		hookRef, err := e.acks.CreateHookAck(ctx, tx, em.HookID, hookConsumers, store.AckPending)
		if err != nil {
			return nil, err
		}
		em.Ack.ID, em.Ack.GUID = hookRef.ID, hookRef.GUID
		result.Hooks = append(result.Hooks, HookResult{HookEmission: em, Consumers: hookConsumers})

		for _, consumerID := range hookConsumers {
			hooks = append(hooks, events.HookEvent{
				Delivery:     events.Delivery{AckID: hookRef.ID, GUID: hookRef.GUID, ConsumerID: consumerID},
				HookID:       em.HookID,
				InstanceID:   inst.ID,
				InstanceGUID: inst.GUID,
				ExternalRef:  inst.ExternalRef,
				StateID:      em.StateID,
				State:        em.StateName,
				ViaEventID:   em.ViaEventID,
				ViaEventName: applied.EventName,
				ViaEventCode: applied.EventCode,
				Code:         em.Code,
				OnSuccess:    em.OnSuccess,
				OnFailure:    em.OnFailure,
				OccurredAt:   occurredAt,
			})
		}
	}
	return append(transitions, hooks...), nil
}

// effectivePolicy is the policy the instance carries after the transition: the resolved one, or
// the one it already had when nothing resolved for the new state.
func effectivePolicy(ctx context.Context, tx store.Tx, inst *store.Instance, resolved *policy.Resolved) (*store.Policy, error) {
	if resolved != nil {
		return &store.Policy{ID: resolved.PolicyID, Hash: resolved.Hash, Content: resolved.JSON}, nil
	}
	if inst.PolicyID == 0 {
		return nil, nil
	}
	return tx.GetPolicy(ctx, inst.PolicyID)
}

func orSentinel(consumers []int64) []int64 {
	if len(consumers) == 0 {
		return []int64{0}
	}
	seen := make(map[int64]bool, len(consumers))
	out := make([]int64, 0, len(consumers))
	for _, id := range consumers {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
