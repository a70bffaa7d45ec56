// Package policy resolves routing policies attached to definitions and derives hook
// emissions from applied transitions.
package policy

import (
	"context"
	"strings"

	lifecycle "github.com/goliatone/go-lifecycle"
	"github.com/goliatone/go-lifecycle/blueprint"
	"github.com/goliatone/go-lifecycle/store"
)

// HookAcker creates the ack envelope of a hook row.
type HookAcker interface {
	CreateHookAck(ctx context.Context, tx store.Tx, hookID int64, consumers []int64, status store.AckStatus) (store.AckRef, error)
}

// Resolved is the policy selected for a state.
type Resolved struct {
	PolicyID int64
	Hash     string
	JSON     string
	Document *Document
}

// Applied is the part of an applied transition that hook derivation needs.
type Applied struct {
	InstanceID int64
	ToStateID  int64
	EventID    int64
	EventCode  int
}

// HookEmission is one persisted hook request awaiting delivery.
type HookEmission struct {
	HookID     int64
	InstanceID int64
	StateID    int64
	StateName  string
	ViaEventID int64
	Code       string
	OnSuccess  string
	OnFailure  string
	Ack        store.AckRef
}

// Enforcer imports, attaches and evaluates routing policies.
type Enforcer struct {
	store  store.Store
	acks   HookAcker
	logger lifecycle.Logger
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithLogger sets the enforcer logger.
func WithLogger(logger lifecycle.Logger) Option {
	return func(e *Enforcer) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New constructs an enforcer. acks may be nil when EmitHooks is not used.
func New(s store.Store, acks HookAcker, opts ...Option) *Enforcer {
	e := &Enforcer{store: s, acks: acks, logger: lifecycle.NopLogger{}}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// ImportPolicy stores the policy deduplicated by hash and attaches it to every definition it names.
func (e *Enforcer) ImportPolicy(ctx context.Context, envCode, envDisplayName string, raw []byte) (int64, error) {
	if err := lifecycle.CheckContext(ctx); err != nil {
		return 0, err
	}
	doc, err := Parse(raw)
	if err != nil {
		return 0, err
	}
	hash := doc.Hash()
	var policyID int64
	err = e.store.RunInTransaction(ctx, func(tx store.Tx) error {
		envID, err := tx.EnsureEnvironment(ctx, envCode, envDisplayName)
		if err != nil {
			return err
		}
		if policyID, err = tx.EnsurePolicyByHash(ctx, hash, string(raw)); err != nil {
			return err
		}
		for _, name := range doc.Definitions {
			defID, err := tx.EnsureDefinition(ctx, envID, name, "")
			if err != nil {
				return err
			}
			if err := tx.AttachPolicy(ctx, defID, policyID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.logger.Info("policy imported env=%s policy_id=%d definitions=%s", envCode, policyID, strings.Join(doc.Definitions, ","))
	return policyID, nil
}

// AttachPolicy attaches an existing policy to a definition, making it the most recent attachment.
func (e *Enforcer) AttachPolicy(ctx context.Context, envCode, definitionName string, policyID int64) error {
	if err := lifecycle.CheckContext(ctx); err != nil {
		return err
	}
	return e.store.RunInTransaction(ctx, func(tx store.Tx) error {
		meta := map[string]any{"env": envCode, "definition": definitionName, "policy_id": policyID}
		env, err := tx.GetEnvironment(ctx, envCode)
		if err != nil {
			return err
		}
		if env == nil {
			return lifecycle.NewError(lifecycle.ErrNotFound, "environment not found", nil, meta)
		}
		def, err := tx.GetDefinition(ctx, env.ID, definitionName)
		if err != nil {
			return err
		}
		if def == nil {
			return lifecycle.NewError(lifecycle.ErrNotFound, "definition not found", nil, meta)
		}
		return tx.AttachPolicy(ctx, def.ID, policyID)
	})
}

// ResolvePolicy picks the most recently attached policy with a route for the state. Nil when none matches.
func (e *Enforcer) ResolvePolicy(ctx context.Context, tx store.Tx, bp *blueprint.Blueprint, stateID int64) (*Resolved, error) {
	if err := lifecycle.CheckContext(ctx); err != nil {
		return nil, err
	}
	state, ok := bp.State(stateID)
	if !ok {
		return nil, lifecycle.NewError(lifecycle.ErrNotFound, "state not found", nil, map[string]any{"state_id": stateID})
	}
	attached, err := tx.ListAttachedPolicies(ctx, bp.DefinitionID())
	if err != nil {
		return nil, err
	}
	for _, p := range attached {
		doc, err := Parse([]byte(p.Content))
		if err != nil {
			return nil, lifecycle.NewError(lifecycle.ErrInvalidPolicy, "stored policy is invalid", err, map[string]any{"policy_id": p.ID})
		}
		if doc.HasState(state.Name) {
			return &Resolved{PolicyID: p.ID, Hash: p.Hash, JSON: p.Content, Document: doc}, nil
		}
	}
	return nil, nil
}

// EmitHooks upserts one hook per matching emission and creates its ack envelope without consumer rows.
// Repeated codes within one resolution yield one emission.
func (e *Enforcer) EmitHooks(ctx context.Context, tx store.Tx, bp *blueprint.Blueprint, applied Applied, resolved *Resolved) ([]HookEmission, error) {
	if resolved == nil || resolved.Document == nil {
		return nil, nil
	}
	if e.acks == nil {
		return nil, lifecycle.NewError(lifecycle.ErrPreconditionFailed, "hook acker not configured", nil, nil)
	}
	state, ok := bp.State(applied.ToStateID)
	if !ok {
		return nil, lifecycle.NewError(lifecycle.ErrNotFound, "state not found", nil, map[string]any{"state_id": applied.ToStateID})
	}

	seen := map[string]bool{}
	var out []HookEmission
	for _, route := range resolved.Document.Routes {
		if !route.Matches(state.Name, applied.EventCode) {
			continue
		}
		for _, em := range route.Emit {
			if err := lifecycle.CheckContext(ctx); err != nil {
				return nil, err
			}
			if seen[em.Event] {
				continue
			}
			seen[em.Event] = true

			hookID, err := tx.UpsertHook(ctx, store.Hook{
				InstanceID: applied.InstanceID,
				StateID:    state.ID,
				ViaEventID: applied.EventID,
				OnEntry:    true,
				Route:      em.Event,
				OnSuccess:  em.OnSuccess,
				OnFailure:  em.OnFailure,
			})
			if err != nil {
				return nil, err
			}
			ref, err := e.acks.CreateHookAck(ctx, tx, hookID, nil, store.AckPending)
			if err != nil {
				return nil, err
			}
			out = append(out, HookEmission{
				HookID:     hookID,
				InstanceID: applied.InstanceID,
				StateID:    state.ID,
				StateName:  state.Name,
				ViaEventID: applied.EventID,
				Code:       em.Event,
				OnSuccess:  em.OnSuccess,
				OnFailure:  em.OnFailure,
				Ack:        ref,
			})
		}
	}
	return out, nil
}
