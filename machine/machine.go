// Package machine moves persisted instances between blueprint states under compare-and-swap and
// records every applied transition as an immutable lifecycle row.
package machine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"

	lifecycle "github.com/goliatone/go-lifecycle"
	"github.com/goliatone/go-lifecycle/blueprint"
	"github.com/goliatone/go-lifecycle/store"
)

// Reason explains why a transition was not applied.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonUnknownEvent Reason = "unknown_event"
	ReasonNoTransition Reason = "no_transition"
	ReasonConflict     Reason = "conflict"
	ReasonInactive     Reason = "inactive"
)

// Request is one event applied to an instance.
type Request struct {
	Event     string
	RequestID string
	Actor     string
	Payload   any
}

// Result reports the outcome of ApplyTransition. Not-applicable outcomes are results, never errors.
type Result struct {
	Applied     bool
	Reason      Reason
	LifecycleID int64
	FromStateID int64
	ToStateID   int64
	EventID     int64
	EventCode   int
	EventName   string
	Flags       store.InstanceFlag
	Payload     string
}

// Machine applies blueprint transitions to persisted instances.
type Machine struct {
	logger  lifecycle.Logger
	newGUID func() string
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the machine logger.
func WithLogger(logger lifecycle.Logger) Option {
	return func(m *Machine) {
		m.logger = lifecycle.NormalizeLogger(logger)
	}
}

// WithGUIDGenerator overrides instance guid generation.
func WithGUIDGenerator(fn func() string) Option {
	return func(m *Machine) {
		if fn != nil {
			m.newGUID = fn
		}
	}
}

// New constructs a Machine.
func New(opts ...Option) *Machine {
	m := &Machine{logger: lifecycle.NopLogger{}, newGUID: uuid.NewString}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// EnsureInstance returns the instance of externalRef on the blueprint's version, creating it in
// the initial state when absent. created reports whether this call inserted it.
func (m *Machine) EnsureInstance(ctx context.Context, tx store.Tx, bp *blueprint.Blueprint, externalRef string) (inst *store.Instance, created bool, err error) {
	if err := lifecycle.CheckContext(ctx); err != nil {
		return nil, false, err
	}
	ref := strings.TrimSpace(externalRef)
	meta := map[string]any{"version_id": bp.VersionID(), "external_ref": ref}
	if ref == "" {
		return nil, false, lifecycle.NewError(lifecycle.ErrPreconditionFailed, "external ref required", nil, meta)
	}
	existing, err := tx.GetInstance(ctx, bp.VersionID(), ref)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	initial, ok := bp.Initial()
	if !ok {
		return nil, false, lifecycle.NewError(lifecycle.ErrNoInitialState, "definition version has no initial state", nil, meta)
	}
	guid := m.newGUID()
	inst, err = tx.InsertInstance(ctx, store.Instance{
		GUID:           guid,
		VersionID:      bp.VersionID(),
		ExternalRef:    ref,
		CurrentStateID: initial.ID,
		Flags:          store.InstanceActive,
	})
	if err != nil {
		return nil, false, err
	}
	created = inst.GUID == guid
	if created {
		lifecycle.WithFields(m.logger.WithContext(ctx), map[string]any{"instance_id": inst.ID}).
			Debug("instance created ref=%s state=%s", ref, initial.Name)
	}
	return inst, created, nil
}

// ApplyTransition applies req to inst. The swap is conditioned on inst.CurrentStateID; on success
// inst is updated to the new state and the lifecycle row plus its data are written.
func (m *Machine) ApplyTransition(ctx context.Context, tx store.Tx, bp *blueprint.Blueprint, inst *store.Instance, req Request) (Result, error) {
	if err := lifecycle.CheckContext(ctx); err != nil {
		return Result{}, err
	}
	if inst == nil {
		return Result{}, lifecycle.NewError(lifecycle.ErrPreconditionFailed, "instance required", nil, nil)
	}
	fields := map[string]any{"instance_id": inst.ID, "event": req.Event}
	logger := lifecycle.WithFields(m.logger.WithContext(ctx), fields)

	payload, err := EncodePayload(req.Payload)
	if err != nil {
		return Result{}, lifecycle.NewError(lifecycle.ErrPreconditionFailed, "payload is not valid json", err, fields)
	}

	result := Result{FromStateID: inst.CurrentStateID, ToStateID: inst.CurrentStateID, Flags: inst.Flags}
	event, ok := bp.Event(req.Event)
	if !ok {
		result.Reason = ReasonUnknownEvent
		logger.Debug("transition skipped reason=%s", result.Reason)
		return result, nil
	}
	result.EventID = event.ID
	result.EventCode = event.Code
	result.EventName = event.Name

	if inst.Flags.Has(store.InstanceSuspended) || inst.Flags.Has(store.InstanceArchived) {
		result.Reason = ReasonInactive
		logger.Debug("transition skipped reason=%s", result.Reason)
		return result, nil
	}
	tr, ok := bp.Transition(inst.CurrentStateID, event.ID)
	if !ok {
		result.Reason = ReasonNoTransition
		logger.Debug("transition skipped reason=%s state=%s", result.Reason, bp.StateName(inst.CurrentStateID))
		return result, nil
	}

	flags := nextFlags(bp, inst.Flags, tr.ToStateID)
	swapped, err := tx.CompareAndSwapState(ctx, inst.ID, inst.CurrentStateID, tr.ToStateID, event.ID, flags)
	if err != nil {
		return Result{}, err
	}
	if !swapped {
		result.Reason = ReasonConflict
		logger.Info("transition lost compare-and-swap from=%s", bp.StateName(inst.CurrentStateID))
		return result, nil
	}

	lifecycleID, err := tx.InsertLifecycle(ctx, store.Lifecycle{
		InstanceID:  inst.ID,
		FromStateID: inst.CurrentStateID,
		ToStateID:   tr.ToStateID,
		EventID:     event.ID,
	})
	if err != nil {
		return Result{}, err
	}
	if err := tx.UpsertLifecycleData(ctx, store.LifecycleData{
		LifecycleID: lifecycleID,
		Actor:       strings.TrimSpace(req.Actor),
		RequestID:   strings.TrimSpace(req.RequestID),
		Payload:     payload,
	}); err != nil {
		return Result{}, err
	}

	result.Applied = true
	result.LifecycleID = lifecycleID
	result.ToStateID = tr.ToStateID
	result.Flags = flags
	result.Payload = payload

	inst.CurrentStateID = tr.ToStateID
	inst.LastEventID = event.ID
	inst.Flags = flags
	logger.Info("transition applied from=%s to=%s lifecycle_id=%d", bp.StateName(result.FromStateID), bp.StateName(result.ToStateID), lifecycleID)
	return result, nil
}

// History lists the lifecycle rows of an instance in insertion order.
func (m *Machine) History(ctx context.Context, tx store.Tx, instanceID int64) ([]store.Lifecycle, error) {
	if err := lifecycle.CheckContext(ctx); err != nil {
		return nil, err
	}
	return tx.ListLifecycles(ctx, instanceID)
}

func nextFlags(bp *blueprint.Blueprint, current store.InstanceFlag, toStateID int64) store.InstanceFlag {
	state, ok := bp.State(toStateID)
	if !ok {
		return current
	}
	flags := current
	if state.Flags.Has(store.StateFinal) {
		flags |= store.InstanceCompleted
	}
	if state.Flags.Has(store.StateError) {
		flags |= store.InstanceFailed
	}
	return flags
}

// EncodePayload renders a transition payload as JSON text. Raw JSON must be valid; other values
// are marshaled. Nil encodes as "".
func EncodePayload(payload any) (string, error) {
	switch v := payload.(type) {
	case nil:
		return "", nil
	case json.RawMessage:
		return rawPayload(v)
	case []byte:
		return rawPayload(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
}

func rawPayload(raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	if !json.Valid(raw) {
		return "", errors.New("invalid json")
	}
	return string(raw), nil
}
