package store

import (
	"context"
	"errors"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	lifecycle "github.com/goliatone/go-lifecycle"
)

// MemoryStore is a thread-safe in-memory Store. Transactions are serialized under one
// mutex and commit by swapping in the mutated copy.
type MemoryStore struct {
	mu   sync.Mutex
	data *memoryData
	opts options
}

type policyLink struct {
	DefinitionID int64
	PolicyID     int64
	AttachedAt   time.Time
	Seq          int64
}

type memoryData struct {
	seq map[string]int64

	environments map[int64]Environment
	definitions  map[int64]Definition
	versions     map[int64]DefinitionVersion
	categories   map[int64]string
	states       map[int64]State
	events       map[int64]Event
	transitions  map[int64]Transition
	policies     map[int64]Policy
	links        []policyLink

	instances     map[int64]Instance
	lifecycles    map[int64]Lifecycle
	lifecycleData map[int64]LifecycleData
	hooks         map[int64]Hook

	acks         map[int64]Ack
	ackConsumers map[int64]AckConsumer
	lcAcks       map[int64]int64
	hookAcks     map[int64]int64
	consumers    map[int64]Consumer
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		data: newMemoryData(),
		opts: buildOptions(opts),
	}
}

func newMemoryData() *memoryData {
	return &memoryData{
		seq:           map[string]int64{},
		environments:  map[int64]Environment{},
		definitions:   map[int64]Definition{},
		versions:      map[int64]DefinitionVersion{},
		categories:    map[int64]string{},
		states:        map[int64]State{},
		events:        map[int64]Event{},
		transitions:   map[int64]Transition{},
		policies:      map[int64]Policy{},
		instances:     map[int64]Instance{},
		lifecycles:    map[int64]Lifecycle{},
		lifecycleData: map[int64]LifecycleData{},
		hooks:         map[int64]Hook{},
		acks:          map[int64]Ack{},
		ackConsumers:  map[int64]AckConsumer{},
		lcAcks:        map[int64]int64{},
		hookAcks:      map[int64]int64{},
		consumers:     map[int64]Consumer{},
	}
}

func (d *memoryData) clone() *memoryData {
	return &memoryData{
		seq:           maps.Clone(d.seq),
		environments:  maps.Clone(d.environments),
		definitions:   maps.Clone(d.definitions),
		versions:      maps.Clone(d.versions),
		categories:    maps.Clone(d.categories),
		states:        maps.Clone(d.states),
		events:        maps.Clone(d.events),
		transitions:   maps.Clone(d.transitions),
		policies:      maps.Clone(d.policies),
		links:         append([]policyLink(nil), d.links...),
		instances:     maps.Clone(d.instances),
		lifecycles:    maps.Clone(d.lifecycles),
		lifecycleData: maps.Clone(d.lifecycleData),
		hooks:         maps.Clone(d.hooks),
		acks:          maps.Clone(d.acks),
		ackConsumers:  maps.Clone(d.ackConsumers),
		lcAcks:        maps.Clone(d.lcAcks),
		hookAcks:      maps.Clone(d.hookAcks),
		consumers:     maps.Clone(d.consumers),
	}
}

func (d *memoryData) next(table string) int64 {
	d.seq[table]++
	return d.seq[table]
}

// RunInTransaction applies mutations atomically with rollback on error.
// fn must not call back into the same store.
func (s *MemoryStore) RunInTransaction(ctx context.Context, fn func(Tx) error) error {
	if s == nil {
		return errors.New("in-memory store not configured")
	}
	if fn == nil {
		return nil
	}
	if err := lifecycle.CheckContext(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{data: s.data.clone(), opts: s.opts}
	if err := fn(tx); err != nil {
		return err
	}
	if err := lifecycle.CheckContext(ctx); err != nil {
		return err
	}
	s.data = tx.data
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

type memoryTx struct {
	data *memoryData
	opts options
}

func sortedIDs[V any](m map[int64]V, keep func(V) bool) []int64 {
	ids := make([]int64, 0, len(m))
	for id, v := range m {
		if keep == nil || keep(v) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (tx *memoryTx) EnsureEnvironment(ctx context.Context, code, displayName string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return 0, lifecycle.NewError(lifecycle.ErrPreconditionFailed, "environment code required", nil, nil)
	}
	if env, _ := tx.GetEnvironment(ctx, code); env != nil {
		return env.ID, nil
	}
	id := tx.data.next("environments")
	tx.data.environments[id] = Environment{ID: id, Code: code, DisplayName: strings.TrimSpace(displayName), CreatedAt: tx.opts.clock()}
	return id, nil
}

func (tx *memoryTx) GetEnvironment(ctx context.Context, code string) (*Environment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	code = strings.TrimSpace(code)
	for _, id := range sortedIDs(tx.data.environments, nil) {
		env := tx.data.environments[id]
		if strings.EqualFold(env.Code, code) {
			return &env, nil
		}
	}
	return nil, nil
}

func (tx *memoryTx) EnsureDefinition(ctx context.Context, envID int64, name, description string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if lifecycle.NormalizeName(name) == "" {
		return 0, lifecycle.NewError(lifecycle.ErrPreconditionFailed, "definition name required", nil, nil)
	}
	if def, _ := tx.GetDefinition(ctx, envID, name); def != nil {
		return def.ID, nil
	}
	id := tx.data.next("definitions")
	tx.data.definitions[id] = Definition{ID: id, EnvID: envID, Name: strings.TrimSpace(name), Description: description, CreatedAt: tx.opts.clock()}
	return id, nil
}

func (tx *memoryTx) GetDefinition(ctx context.Context, envID int64, name string) (*Definition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, id := range sortedIDs(tx.data.definitions, nil) {
		def := tx.data.definitions[id]
		if def.EnvID == envID && lifecycle.SameName(def.Name, name) {
			return &def, nil
		}
	}
	return nil, nil
}

func (tx *memoryTx) GetDefinitionByID(ctx context.Context, id int64) (*Definition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	def, ok := tx.data.definitions[id]
	if !ok {
		return nil, nil
	}
	return &def, nil
}

func (tx *memoryTx) InsertVersion(ctx context.Context, version DefinitionVersion) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	for _, existing := range tx.data.versions {
		if existing.DefinitionID == version.DefinitionID && existing.Version == version.Version {
			return existing.ID, nil
		}
	}
	version.ID = tx.data.next("versions")
	if version.CreatedAt.IsZero() {
		version.CreatedAt = tx.opts.clock()
	}
	tx.data.versions[version.ID] = version
	return version.ID, nil
}

func (tx *memoryTx) GetVersion(ctx context.Context, id int64) (*DefinitionVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, ok := tx.data.versions[id]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (tx *memoryTx) GetVersionByHash(ctx context.Context, definitionID int64, hash string) (*DefinitionVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids := sortedIDs(tx.data.versions, func(v DefinitionVersion) bool {
		return v.DefinitionID == definitionID && v.Hash == hash
	})
	if len(ids) == 0 {
		return nil, nil
	}
	v := tx.data.versions[ids[0]]
	return &v, nil
}

func (tx *memoryTx) GetLatestVersion(ctx context.Context, definitionID int64) (*DefinitionVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var latest *DefinitionVersion
	for _, v := range tx.data.versions {
		if v.DefinitionID != definitionID {
			continue
		}
		if latest == nil || v.Version > latest.Version {
			cp := v
			latest = &cp
		}
	}
	return latest, nil
}

func (tx *memoryTx) NextVersionNumber(ctx context.Context, definitionID int64) (int, error) {
	latest, err := tx.GetLatestVersion(ctx, definitionID)
	if err != nil {
		return 0, err
	}
	if latest == nil {
		return 1, nil
	}
	return latest.Version + 1, nil
}

func (tx *memoryTx) EnsureCategory(ctx context.Context, name string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	name = lifecycle.NormalizeName(name)
	if name == "" {
		return 0, nil
	}
	for id, existing := range tx.data.categories {
		if existing == name {
			return id, nil
		}
	}
	id := tx.data.next("categories")
	tx.data.categories[id] = name
	return id, nil
}

func (tx *memoryTx) InsertState(ctx context.Context, state State) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	state.Normalized = lifecycle.NormalizeName(state.Name)
	for _, existing := range tx.data.states {
		if existing.VersionID == state.VersionID && existing.Normalized == state.Normalized {
			return existing.ID, nil
		}
	}
	state.ID = tx.data.next("states")
	state.Timeout = cloneTimeout(state.Timeout)
	tx.data.states[state.ID] = state
	return state.ID, nil
}

func (tx *memoryTx) InsertEvent(ctx context.Context, event Event) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	event.Normalized = lifecycle.NormalizeName(event.Name)
	for _, existing := range tx.data.events {
		if existing.VersionID == event.VersionID && existing.Normalized == event.Normalized {
			return existing.ID, nil
		}
	}
	event.ID = tx.data.next("events")
	tx.data.events[event.ID] = event
	return event.ID, nil
}

func (tx *memoryTx) InsertTransition(ctx context.Context, transition Transition) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	for _, existing := range tx.data.transitions {
		if existing.VersionID == transition.VersionID &&
			existing.FromStateID == transition.FromStateID &&
			existing.EventID == transition.EventID {
			return existing.ID, nil
		}
	}
	transition.ID = tx.data.next("transitions")
	tx.data.transitions[transition.ID] = transition
	return transition.ID, nil
}

func (tx *memoryTx) ListStates(ctx context.Context, versionID int64) ([]State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids := sortedIDs(tx.data.states, func(s State) bool { return s.VersionID == versionID })
	out := make([]State, 0, len(ids))
	for _, id := range ids {
		st := tx.data.states[id]
		st.Timeout = cloneTimeout(st.Timeout)
		out = append(out, st)
	}
	return out, nil
}

func (tx *memoryTx) ListEvents(ctx context.Context, versionID int64) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids := sortedIDs(tx.data.events, func(e Event) bool { return e.VersionID == versionID })
	out := make([]Event, 0, len(ids))
	for _, id := range ids {
		out = append(out, tx.data.events[id])
	}
	return out, nil
}

func (tx *memoryTx) ListTransitions(ctx context.Context, versionID int64) ([]Transition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids := sortedIDs(tx.data.transitions, func(t Transition) bool { return t.VersionID == versionID })
	out := make([]Transition, 0, len(ids))
	for _, id := range ids {
		out = append(out, tx.data.transitions[id])
	}
	return out, nil
}

func (tx *memoryTx) EnsurePolicyByHash(ctx context.Context, hash, content string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := tx.opts.clock()
	for id, p := range tx.data.policies {
		if p.Hash == hash {
			if p.Content != content {
				p.Content = content
				p.UpdatedAt = now
				tx.data.policies[id] = p
			}
			return id, nil
		}
	}
	id := tx.data.next("policies")
	tx.data.policies[id] = Policy{ID: id, Hash: hash, Content: content, CreatedAt: now, UpdatedAt: now}
	return id, nil
}

func (tx *memoryTx) GetPolicy(ctx context.Context, id int64) (*Policy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, ok := tx.data.policies[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (tx *memoryTx) AttachPolicy(ctx context.Context, definitionID, policyID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := tx.data.policies[policyID]; !ok {
		return notFound("policy", map[string]any{"policy_id": policyID})
	}
	seq := tx.data.next("definition_policies")
	now := tx.opts.clock()
	for idx, link := range tx.data.links {
		if link.DefinitionID == definitionID && link.PolicyID == policyID {
			tx.data.links[idx].AttachedAt = now
			tx.data.links[idx].Seq = seq
			return nil
		}
	}
	tx.data.links = append(tx.data.links, policyLink{DefinitionID: definitionID, PolicyID: policyID, AttachedAt: now, Seq: seq})
	return nil
}

func (tx *memoryTx) ListAttachedPolicies(ctx context.Context, definitionID int64) ([]PolicyAttachment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]PolicyAttachment, 0)
	for _, link := range tx.data.links {
		if link.DefinitionID != definitionID {
			continue
		}
		p, ok := tx.data.policies[link.PolicyID]
		if !ok {
			continue
		}
		out = append(out, PolicyAttachment{Policy: p, DefinitionID: definitionID, AttachedAt: link.AttachedAt, Seq: link.Seq})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	return out, nil
}

func (tx *memoryTx) GetInstance(ctx context.Context, versionID int64, externalRef string) (*Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	externalRef = strings.TrimSpace(externalRef)
	for _, inst := range tx.data.instances {
		if inst.VersionID == versionID && inst.ExternalRef == externalRef {
			cp := inst
			return &cp, nil
		}
	}
	return nil, nil
}

func (tx *memoryTx) GetInstanceByID(ctx context.Context, id int64) (*Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	inst, ok := tx.data.instances[id]
	if !ok {
		return nil, nil
	}
	return &inst, nil
}

func (tx *memoryTx) InsertInstance(ctx context.Context, instance Instance) (*Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	instance.ExternalRef = strings.TrimSpace(instance.ExternalRef)
	if existing, _ := tx.GetInstance(ctx, instance.VersionID, instance.ExternalRef); existing != nil {
		return existing, nil
	}
	now := tx.opts.clock()
	instance.ID = tx.data.next("instances")
	instance.CreatedAt = now
	instance.UpdatedAt = now
	tx.data.instances[instance.ID] = instance
	cp := instance
	return &cp, nil
}

func (tx *memoryTx) CompareAndSwapState(ctx context.Context, instanceID, expectedStateID, newStateID, eventID int64, flags InstanceFlag) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	inst, ok := tx.data.instances[instanceID]
	if !ok || inst.CurrentStateID != expectedStateID {
		return false, nil
	}
	inst.CurrentStateID = newStateID
	inst.LastEventID = eventID
	inst.Flags = flags
	inst.UpdatedAt = tx.opts.clock()
	tx.data.instances[instanceID] = inst
	return true, nil
}

func (tx *memoryTx) SetInstancePolicy(ctx context.Context, instanceID, policyID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	inst, ok := tx.data.instances[instanceID]
	if !ok {
		return notFound("instance", map[string]any{"instance_id": instanceID})
	}
	inst.PolicyID = policyID
	inst.UpdatedAt = tx.opts.clock()
	tx.data.instances[instanceID] = inst
	return nil
}

func (tx *memoryTx) InsertLifecycle(ctx context.Context, lc Lifecycle) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	lc.ID = tx.data.next("lifecycles")
	if lc.CreatedAt.IsZero() {
		lc.CreatedAt = tx.opts.clock()
	}
	tx.data.lifecycles[lc.ID] = lc
	return lc.ID, nil
}

func (tx *memoryTx) UpsertLifecycleData(ctx context.Context, data LifecycleData) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := tx.data.lifecycles[data.LifecycleID]; !ok {
		return notFound("lifecycle", map[string]any{"lifecycle_id": data.LifecycleID})
	}
	tx.data.lifecycleData[data.LifecycleID] = data
	return nil
}

func (tx *memoryTx) GetLifecycle(ctx context.Context, id int64) (*Lifecycle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lc, ok := tx.data.lifecycles[id]
	if !ok {
		return nil, nil
	}
	return &lc, nil
}

func (tx *memoryTx) GetLifecycleData(ctx context.Context, lifecycleID int64) (*LifecycleData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, ok := tx.data.lifecycleData[lifecycleID]
	if !ok {
		return nil, nil
	}
	return &data, nil
}

func (tx *memoryTx) ListLifecycles(ctx context.Context, instanceID int64) ([]Lifecycle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids := sortedIDs(tx.data.lifecycles, func(lc Lifecycle) bool { return lc.InstanceID == instanceID })
	out := make([]Lifecycle, 0, len(ids))
	for _, id := range ids {
		out = append(out, tx.data.lifecycles[id])
	}
	return out, nil
}

func (tx *memoryTx) UpsertHook(ctx context.Context, hook Hook) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	hook.Route = strings.TrimSpace(hook.Route)
	for id, existing := range tx.data.hooks {
		if existing.InstanceID == hook.InstanceID &&
			existing.StateID == hook.StateID &&
			existing.ViaEventID == hook.ViaEventID &&
			existing.OnEntry == hook.OnEntry &&
			existing.Route == hook.Route {
			existing.OnSuccess = hook.OnSuccess
			existing.OnFailure = hook.OnFailure
			tx.data.hooks[id] = existing
			return id, nil
		}
	}
	hook.ID = tx.data.next("hooks")
	hook.CreatedAt = tx.opts.clock()
	tx.data.hooks[hook.ID] = hook
	return hook.ID, nil
}

func (tx *memoryTx) ListHooks(ctx context.Context, instanceID int64) ([]Hook, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids := sortedIDs(tx.data.hooks, func(h Hook) bool { return h.InstanceID == instanceID })
	out := make([]Hook, 0, len(ids))
	for _, id := range ids {
		out = append(out, tx.data.hooks[id])
	}
	return out, nil
}

func (tx *memoryTx) InsertAck(ctx context.Context, guid string) (*Ack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	guid = strings.TrimSpace(guid)
	if guid == "" {
		return nil, lifecycle.NewError(lifecycle.ErrPreconditionFailed, "ack guid required", nil, nil)
	}
	if existing, _ := tx.GetAckByGUID(ctx, guid); existing != nil {
		return existing, nil
	}
	ack := Ack{ID: tx.data.next("acks"), GUID: guid, CreatedAt: tx.opts.clock()}
	tx.data.acks[ack.ID] = ack
	return &ack, nil
}

func (tx *memoryTx) GetAckByGUID(ctx context.Context, guid string) (*Ack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	guid = strings.TrimSpace(guid)
	for _, ack := range tx.data.acks {
		if strings.EqualFold(ack.GUID, guid) {
			cp := ack
			return &cp, nil
		}
	}
	return nil, nil
}

func (tx *memoryTx) ackByID(id int64, ok bool) *Ack {
	if !ok {
		return nil
	}
	ack, found := tx.data.acks[id]
	if !found {
		return nil
	}
	return &ack
}

func (tx *memoryTx) GetLifecycleAck(ctx context.Context, lifecycleID int64) (*Ack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, ok := tx.data.lcAcks[lifecycleID]
	return tx.ackByID(id, ok), nil
}

func (tx *memoryTx) AttachLifecycleAck(ctx context.Context, lifecycleID, ackID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := tx.data.lcAcks[lifecycleID]; ok {
		return nil
	}
	tx.data.lcAcks[lifecycleID] = ackID
	return nil
}

func (tx *memoryTx) GetHookAck(ctx context.Context, hookID int64) (*Ack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, ok := tx.data.hookAcks[hookID]
	return tx.ackByID(id, ok), nil
}

func (tx *memoryTx) AttachHookAck(ctx context.Context, hookID, ackID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := tx.data.hookAcks[hookID]; ok {
		return nil
	}
	tx.data.hookAcks[hookID] = ackID
	return nil
}

func (tx *memoryTx) findAckConsumer(ackID, consumerID int64) (int64, AckConsumer, bool) {
	for id, row := range tx.data.ackConsumers {
		if row.AckID == ackID && row.ConsumerID == consumerID {
			return id, row, true
		}
	}
	return 0, AckConsumer{}, false
}

func (tx *memoryTx) EnsureAckConsumer(ctx context.Context, ackID, consumerID int64, status AckStatus, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if _, _, ok := tx.findAckConsumer(ackID, consumerID); ok {
		return false, nil
	}
	if at.IsZero() {
		at = tx.opts.clock()
	}
	id := tx.data.next("ack_consumers")
	tx.data.ackConsumers[id] = AckConsumer{
		ID:         id,
		AckID:      ackID,
		ConsumerID: consumerID,
		Status:     status,
		LastRetry:  at.UTC(),
		UpdatedAt:  at.UTC(),
	}
	return true, nil
}

func (tx *memoryTx) GetAckConsumer(ctx context.Context, ackID, consumerID int64) (*AckConsumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, row, ok := tx.findAckConsumer(ackID, consumerID)
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (tx *memoryTx) ListAckConsumers(ctx context.Context, ackID int64) ([]AckConsumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids := sortedIDs(tx.data.ackConsumers, func(row AckConsumer) bool { return row.AckID == ackID })
	out := make([]AckConsumer, 0, len(ids))
	for _, id := range ids {
		out = append(out, tx.data.ackConsumers[id])
	}
	return out, nil
}

func (tx *memoryTx) SetAckConsumerStatus(ctx context.Context, ackID, consumerID int64, status AckStatus, message string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id, row, ok := tx.findAckConsumer(ackID, consumerID)
	if !ok {
		return notFound("ack consumer", map[string]any{"ack_id": ackID, "consumer_id": consumerID})
	}
	if at.IsZero() {
		at = tx.opts.clock()
	}
	row.Status = status
	row.Message = message
	row.UpdatedAt = at.UTC()
	tx.data.ackConsumers[id] = row
	return nil
}

func (tx *memoryTx) RetryAckConsumer(ctx context.Context, ackID, consumerID int64, retryAt time.Time, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id, row, ok := tx.findAckConsumer(ackID, consumerID)
	if !ok {
		return notFound("ack consumer", map[string]any{"ack_id": ackID, "consumer_id": consumerID})
	}
	if retryAt.IsZero() {
		retryAt = tx.opts.clock()
	}
	row.Status = AckPending
	row.RetryCount++
	row.LastRetry = retryAt.UTC()
	row.UpdatedAt = tx.opts.clock()
	if message != "" {
		row.Message = message
	}
	tx.data.ackConsumers[id] = row
	return nil
}

func (tx *memoryTx) pendingRows(query DispatchQuery, links map[int64]int64) []AckConsumer {
	owners := make(map[int64]bool, len(links))
	for _, ackID := range links {
		owners[ackID] = true
	}
	rows := make([]AckConsumer, 0)
	for _, row := range tx.data.ackConsumers {
		if !owners[row.AckID] || row.ConsumerID != query.ConsumerID || row.Status != query.Status {
			continue
		}
		if !query.OlderThan.IsZero() && !row.LastRetry.Before(query.OlderThan) {
			continue
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].LastRetry.Equal(rows[j].LastRetry) {
			return rows[i].LastRetry.Before(rows[j].LastRetry)
		}
		return rows[i].ID < rows[j].ID
	})
	return rows
}

func page[T any](rows []T, skip, take int) []T {
	if skip >= len(rows) {
		return nil
	}
	rows = rows[skip:]
	if take < len(rows) {
		rows = rows[:take]
	}
	return rows
}

func invert(links map[int64]int64) map[int64]int64 {
	out := make(map[int64]int64, len(links))
	for owner, ackID := range links {
		out[ackID] = owner
	}
	return out
}

func (tx *memoryTx) delivery(row AckConsumer) AckDelivery {
	return AckDelivery{
		AckConsumerID: row.ID,
		AckID:         row.AckID,
		AckGUID:       tx.data.acks[row.AckID].GUID,
		ConsumerID:    row.ConsumerID,
		Status:        row.Status,
		RetryCount:    row.RetryCount,
		LastRetry:     row.LastRetry,
	}
}

func (tx *memoryTx) ListPendingLifecycleDispatch(ctx context.Context, query DispatchQuery) ([]LifecycleDispatchRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query = normalizeQuery(query)
	lifecycleByAck := invert(tx.data.lcAcks)
	rows := page(tx.pendingRows(query, tx.data.lcAcks), query.Skip, query.Take)
	out := make([]LifecycleDispatchRow, 0, len(rows))
	for _, row := range rows {
		lc, ok := tx.data.lifecycles[lifecycleByAck[row.AckID]]
		if !ok {
			continue
		}
		inst := tx.data.instances[lc.InstanceID]
		event := tx.data.events[lc.EventID]
		item := LifecycleDispatchRow{
			AckDelivery: tx.delivery(row),
			Lifecycle:   lc,
			Data:        tx.data.lifecycleData[lc.ID],
			Instance:    inst,
			FromState:   tx.data.states[lc.FromStateID].Name,
			ToState:     tx.data.states[lc.ToStateID].Name,
			EventName:   event.Name,
			EventCode:   event.Code,
		}
		item.Data.LifecycleID = lc.ID
		if p, ok := tx.data.policies[inst.PolicyID]; ok {
			item.Policy = &p
		}
		out = append(out, item)
	}
	return out, nil
}

func (tx *memoryTx) ListPendingHookDispatch(ctx context.Context, query DispatchQuery) ([]HookDispatchRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query = normalizeQuery(query)
	hookByAck := invert(tx.data.hookAcks)
	rows := page(tx.pendingRows(query, tx.data.hookAcks), query.Skip, query.Take)
	out := make([]HookDispatchRow, 0, len(rows))
	for _, row := range rows {
		hook, ok := tx.data.hooks[hookByAck[row.AckID]]
		if !ok {
			continue
		}
		event := tx.data.events[hook.ViaEventID]
		out = append(out, HookDispatchRow{
			AckDelivery:  tx.delivery(row),
			Hook:         hook,
			Instance:     tx.data.instances[hook.InstanceID],
			State:        tx.data.states[hook.StateID].Name,
			ViaEventName: event.Name,
			ViaEventCode: event.Code,
		})
	}
	return out, nil
}

func (tx *memoryTx) CountPendingLifecycleDispatch(ctx context.Context, query DispatchQuery) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return len(tx.pendingRows(normalizeQuery(query), tx.data.lcAcks)), nil
}

func (tx *memoryTx) CountPendingHookDispatch(ctx context.Context, query DispatchQuery) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return len(tx.pendingRows(normalizeQuery(query), tx.data.hookAcks)), nil
}

func (tx *memoryTx) EnsureConsumer(ctx context.Context, envID int64, guid string, at time.Time) (*Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	guid = strings.TrimSpace(guid)
	if guid == "" {
		return nil, lifecycle.NewError(lifecycle.ErrPreconditionFailed, "consumer guid required", nil, nil)
	}
	for _, c := range tx.data.consumers {
		if strings.EqualFold(c.GUID, guid) {
			cp := c
			return &cp, nil
		}
	}
	if at.IsZero() {
		at = tx.opts.clock()
	}
	c := Consumer{ID: tx.data.next("consumers"), EnvID: envID, GUID: guid, LastHeartbeat: at.UTC(), CreatedAt: tx.opts.clock()}
	tx.data.consumers[c.ID] = c
	return &c, nil
}

func (tx *memoryTx) GetConsumer(ctx context.Context, id int64) (*Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, ok := tx.data.consumers[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (tx *memoryTx) Heartbeat(ctx context.Context, consumerID int64, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, ok := tx.data.consumers[consumerID]
	if !ok {
		return notFound("consumer", map[string]any{"consumer_id": consumerID})
	}
	if at.IsZero() {
		at = tx.opts.clock()
	}
	c.LastHeartbeat = at.UTC()
	tx.data.consumers[consumerID] = c
	return nil
}

func (tx *memoryTx) ListConsumers(ctx context.Context, envID int64) ([]Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids := sortedIDs(tx.data.consumers, func(c Consumer) bool { return envID == 0 || c.EnvID == envID })
	out := make([]Consumer, 0, len(ids))
	for _, id := range ids {
		out = append(out, tx.data.consumers[id])
	}
	return out, nil
}
