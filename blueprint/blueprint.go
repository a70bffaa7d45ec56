// Package blueprint loads immutable definition versions, caches them and imports new ones.
package blueprint

import (
	"context"
	"strconv"

	lifecycle "github.com/goliatone/go-lifecycle"
	"github.com/goliatone/go-lifecycle/store"
)

// Blueprint is the read-only lookup model of one definition version.
type Blueprint struct {
	Definition  store.Definition
	Version     store.DefinitionVersion
	States      []store.State
	Events      []store.Event
	Transitions []store.Transition

	statesByID   map[int64]store.State
	statesByName map[string]store.State
	eventsByID   map[int64]store.Event
	eventsByName map[string]store.Event
	transitions  map[string]store.Transition
	initial      *store.State
}

func transitionKey(fromStateID, eventID int64) string {
	return strconv.FormatInt(fromStateID, 10) + "::" + strconv.FormatInt(eventID, 10)
}

// New builds the lookup model from loaded rows.
func New(def store.Definition, version store.DefinitionVersion, states []store.State, events []store.Event, transitions []store.Transition) *Blueprint {
	bp := &Blueprint{
		Definition:   def,
		Version:      version,
		States:       states,
		Events:       events,
		Transitions:  transitions,
		statesByID:   make(map[int64]store.State, len(states)),
		statesByName: make(map[string]store.State, len(states)),
		eventsByID:   make(map[int64]store.Event, len(events)),
		eventsByName: make(map[string]store.Event, len(events)),
		transitions:  make(map[string]store.Transition, len(transitions)),
	}
	for _, st := range states {
		bp.statesByID[st.ID] = st
		bp.statesByName[lifecycle.NormalizeName(st.Name)] = st
		if st.Flags.Has(store.StateInitial) && bp.initial == nil {
			initial := st
			bp.initial = &initial
		}
	}
	for _, ev := range events {
		bp.eventsByID[ev.ID] = ev
		bp.eventsByName[lifecycle.NormalizeName(ev.Name)] = ev
	}
	for _, tr := range transitions {
		bp.transitions[transitionKey(tr.FromStateID, tr.EventID)] = tr
	}
	return bp
}

// Load reads one version and its content inside tx.
func Load(ctx context.Context, tx store.Tx, versionID int64) (*Blueprint, error) {
	version, err := tx.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if version == nil {
		return nil, lifecycle.NewError(lifecycle.ErrNotFound, "definition version not found", nil, map[string]any{"version_id": versionID})
	}
	def, err := tx.GetDefinitionByID(ctx, version.DefinitionID)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, lifecycle.NewError(lifecycle.ErrNotFound, "definition not found", nil, map[string]any{"definition_id": version.DefinitionID})
	}
	states, err := tx.ListStates(ctx, versionID)
	if err != nil {
		return nil, err
	}
	events, err := tx.ListEvents(ctx, versionID)
	if err != nil {
		return nil, err
	}
	transitions, err := tx.ListTransitions(ctx, versionID)
	if err != nil {
		return nil, err
	}
	return New(*def, *version, states, events, transitions), nil
}

func (b *Blueprint) VersionID() int64    { return b.Version.ID }
func (b *Blueprint) DefinitionID() int64 { return b.Definition.ID }

// State returns the state with the given id.
func (b *Blueprint) State(id int64) (store.State, bool) {
	st, ok := b.statesByID[id]
	return st, ok
}

// StateByName resolves a state by normalized name.
func (b *Blueprint) StateByName(name string) (store.State, bool) {
	st, ok := b.statesByName[lifecycle.NormalizeName(name)]
	return st, ok
}

// Event resolves an event by normalized name.
func (b *Blueprint) Event(name string) (store.Event, bool) {
	ev, ok := b.eventsByName[lifecycle.NormalizeName(name)]
	return ev, ok
}

func (b *Blueprint) EventByID(id int64) (store.Event, bool) {
	ev, ok := b.eventsByID[id]
	return ev, ok
}

// Transition resolves the transition leaving fromStateID on eventID.
func (b *Blueprint) Transition(fromStateID, eventID int64) (store.Transition, bool) {
	tr, ok := b.transitions[transitionKey(fromStateID, eventID)]
	return tr, ok
}

// Initial returns the unique initial state.
func (b *Blueprint) Initial() (store.State, bool) {
	if b.initial == nil {
		return store.State{}, false
	}
	return *b.initial, true
}

// StateName returns the display name of a state id, or "".
func (b *Blueprint) StateName(id int64) string {
	return b.statesByID[id].Name
}
