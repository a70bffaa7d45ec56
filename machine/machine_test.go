package machine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lifecycle "github.com/goliatone/go-lifecycle"
	"github.com/goliatone/go-lifecycle/blueprint"
	"github.com/goliatone/go-lifecycle/store"
)

const vendorDefinition = `{
	"name": "vendor-registration",
	"states": [
		{"name": "Draft", "initial": true},
		{"name": "Submitted"},
		{"name": "Approved", "final": true},
		{"name": "Broken", "error": true}
	],
	"events": [
		{"name": "SUBMIT", "code": 100},
		{"name": "APPROVE", "code": 200},
		{"name": "BREAK", "code": 900}
	],
	"transitions": [
		{"from": "Draft", "to": "Submitted", "event": "SUBMIT"},
		{"from": "Submitted", "to": "Approved", "event": "APPROVE"},
		{"from": "Submitted", "to": "Broken", "event": "BREAK"}
	]
}`

func eachStore(t *testing.T, fn func(t *testing.T, s store.Store, bp *blueprint.Blueprint)) {
	load := func(t *testing.T, s store.Store) *blueprint.Blueprint {
		catalog := blueprint.NewCatalog(s)
		_, err := catalog.ImportDefinition(context.Background(), "prod", "Production", []byte(vendorDefinition))
		require.NoError(t, err)
		bp, err := catalog.Latest(context.Background(), "prod", "vendor-registration")
		require.NoError(t, err)
		return bp
	}
	t.Run("memory", func(t *testing.T) {
		s := store.NewMemoryStore()
		fn(t, s, load(t, s))
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := store.OpenSQLite(context.Background(), ":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s, load(t, s))
	})
}

func ensure(t *testing.T, s store.Store, m *Machine, bp *blueprint.Blueprint, ref string) *store.Instance {
	t.Helper()
	var inst *store.Instance
	err := s.RunInTransaction(context.Background(), func(tx store.Tx) error {
		var err error
		inst, _, err = m.EnsureInstance(context.Background(), tx, bp, ref)
		return err
	})
	require.NoError(t, err)
	return inst
}

func apply(t *testing.T, s store.Store, m *Machine, bp *blueprint.Blueprint, inst *store.Instance, req Request) Result {
	t.Helper()
	var result Result
	err := s.RunInTransaction(context.Background(), func(tx store.Tx) error {
		var err error
		result, err = m.ApplyTransition(context.Background(), tx, bp, inst, req)
		return err
	})
	require.NoError(t, err)
	return result
}

func TestEnsureInstanceIsIdempotent(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store, bp *blueprint.Blueprint) {
		m := New()
		ctx := context.Background()
		err := s.RunInTransaction(ctx, func(tx store.Tx) error {
			first, created, err := m.EnsureInstance(ctx, tx, bp, "vendor-1")
			require.NoError(t, err)
			assert.True(t, created)
			assert.NotEmpty(t, first.GUID)
			assert.Equal(t, "Draft", bp.StateName(first.CurrentStateID))
			assert.True(t, first.Flags.Has(store.InstanceActive))

			second, created, err := m.EnsureInstance(ctx, tx, bp, " vendor-1 ")
			require.NoError(t, err)
			assert.False(t, created)
			assert.Equal(t, first.ID, second.ID)
			assert.Equal(t, first.GUID, second.GUID)

			_, _, err = m.EnsureInstance(ctx, tx, bp, " ")
			assert.True(t, lifecycle.HasCode(err, lifecycle.CodePreconditionFailed), "got %v", err)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestEnsureInstanceWithoutInitialState(t *testing.T) {
	s := store.NewMemoryStore()
	catalog := blueprint.NewCatalog(s)
	ctx := context.Background()
	_, err := catalog.ImportDefinition(ctx, "prod", "", []byte(`{"name":"loose","states":[{"name":"A"}]}`))
	require.NoError(t, err)
	bp, err := catalog.Latest(ctx, "prod", "loose")
	require.NoError(t, err)

	err = s.RunInTransaction(ctx, func(tx store.Tx) error {
		_, _, err := New().EnsureInstance(ctx, tx, bp, "x")
		return err
	})
	assert.True(t, lifecycle.HasCode(err, lifecycle.CodeNoInitialState), "got %v", err)
}

func TestApplyTransitionRecordsLifecycle(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store, bp *blueprint.Blueprint) {
		m := New()
		inst := ensure(t, s, m, bp, "vendor-1")
		draft := inst.CurrentStateID

		result := apply(t, s, m, bp, inst, Request{Event: "submit", RequestID: "req-1", Actor: "alice", Payload: map[string]any{"amount": 10}})
		require.True(t, result.Applied)
		assert.Equal(t, ReasonNone, result.Reason)
		assert.Equal(t, draft, result.FromStateID)
		assert.Equal(t, "Submitted", bp.StateName(result.ToStateID))
		assert.Equal(t, 100, result.EventCode)
		assert.Equal(t, "SUBMIT", result.EventName)
		assert.Equal(t, result.ToStateID, inst.CurrentStateID)

		ctx := context.Background()
		err := s.RunInTransaction(ctx, func(tx store.Tx) error {
			stored, err := tx.GetInstanceByID(ctx, inst.ID)
			require.NoError(t, err)
			assert.Equal(t, result.ToStateID, stored.CurrentStateID)
			assert.Equal(t, result.EventID, stored.LastEventID)

			history, err := m.History(ctx, tx, inst.ID)
			require.NoError(t, err)
			require.Len(t, history, 1)
			assert.Equal(t, result.LifecycleID, history[0].ID)

			data, err := tx.GetLifecycleData(ctx, result.LifecycleID)
			require.NoError(t, err)
			require.NotNil(t, data)
			assert.Equal(t, "alice", data.Actor)
			assert.Equal(t, "req-1", data.RequestID)
			assert.JSONEq(t, `{"amount":10}`, data.Payload)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestApplyTransitionNotApplicable(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store, bp *blueprint.Blueprint) {
		m := New()
		inst := ensure(t, s, m, bp, "vendor-1")

		unknown := apply(t, s, m, bp, inst, Request{Event: "TELEPORT"})
		assert.False(t, unknown.Applied)
		assert.Equal(t, ReasonUnknownEvent, unknown.Reason)
		assert.Zero(t, unknown.EventID)

		none := apply(t, s, m, bp, inst, Request{Event: "APPROVE"})
		assert.False(t, none.Applied)
		assert.Equal(t, ReasonNoTransition, none.Reason)
		assert.Equal(t, 200, none.EventCode)
		assert.NotZero(t, none.EventID)

		err := s.RunInTransaction(context.Background(), func(tx store.Tx) error {
			history, err := tx.ListLifecycles(context.Background(), inst.ID)
			require.NoError(t, err)
			assert.Empty(t, history)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestApplyTransitionLosesCompareAndSwap(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store, bp *blueprint.Blueprint) {
		m := New()
		inst := ensure(t, s, m, bp, "vendor-1")
		stale := *inst

		first := apply(t, s, m, bp, inst, Request{Event: "SUBMIT"})
		require.True(t, first.Applied)

		second := apply(t, s, m, bp, &stale, Request{Event: "SUBMIT"})
		assert.False(t, second.Applied)
		assert.Equal(t, ReasonConflict, second.Reason)
		assert.Zero(t, second.LifecycleID)
	})
}

func TestApplyTransitionSetsTerminalFlags(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store, bp *blueprint.Blueprint) {
		m := New()
		approved := ensure(t, s, m, bp, "vendor-1")
		require.True(t, apply(t, s, m, bp, approved, Request{Event: "SUBMIT"}).Applied)
		result := apply(t, s, m, bp, approved, Request{Event: "APPROVE"})
		require.True(t, result.Applied)
		assert.True(t, result.Flags.Has(store.InstanceCompleted))
		assert.True(t, result.Flags.Has(store.InstanceActive))

		broken := ensure(t, s, m, bp, "vendor-2")
		require.True(t, apply(t, s, m, bp, broken, Request{Event: "SUBMIT"}).Applied)
		result = apply(t, s, m, bp, broken, Request{Event: "BREAK"})
		require.True(t, result.Applied)
		assert.True(t, result.Flags.Has(store.InstanceFailed))
	})
}

func TestApplyTransitionSkipsSuspendedInstance(t *testing.T) {
	s := store.NewMemoryStore()
	catalog := blueprint.NewCatalog(s)
	_, err := catalog.ImportDefinition(context.Background(), "prod", "", []byte(vendorDefinition))
	require.NoError(t, err)
	bp, err := catalog.Latest(context.Background(), "prod", "vendor-registration")
	require.NoError(t, err)

	m := New()
	inst := ensure(t, s, m, bp, "vendor-1")
	inst.Flags |= store.InstanceSuspended
	result := apply(t, s, m, bp, inst, Request{Event: "SUBMIT"})
	assert.False(t, result.Applied)
	assert.Equal(t, ReasonInactive, result.Reason)
}

func TestApplyTransitionRejectsInvalidPayload(t *testing.T) {
	s := store.NewMemoryStore()
	catalog := blueprint.NewCatalog(s)
	_, err := catalog.ImportDefinition(context.Background(), "prod", "", []byte(vendorDefinition))
	require.NoError(t, err)
	bp, err := catalog.Latest(context.Background(), "prod", "vendor-registration")
	require.NoError(t, err)

	m := New()
	inst := ensure(t, s, m, bp, "vendor-1")
	err = s.RunInTransaction(context.Background(), func(tx store.Tx) error {
		_, err := m.ApplyTransition(context.Background(), tx, bp, inst, Request{Event: "SUBMIT", Payload: json.RawMessage(`{"broken"`)})
		return err
	})
	assert.True(t, lifecycle.HasCode(err, lifecycle.CodePreconditionFailed), "got %v", err)
}

func TestConcurrentTriggersApplyOnce(t *testing.T) {
	s := store.NewMemoryStore()
	catalog := blueprint.NewCatalog(s)
	ctx := context.Background()
	_, err := catalog.ImportDefinition(ctx, "prod", "", []byte(vendorDefinition))
	require.NoError(t, err)
	bp, err := catalog.Latest(ctx, "prod", "vendor-registration")
	require.NoError(t, err)

	m := New()
	inst := ensure(t, s, m, bp, "vendor-1")

	const workers = 8
	results := make([]Result, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			local := *inst
			_ = s.RunInTransaction(ctx, func(tx store.Tx) error {
				var err error
				results[i], err = m.ApplyTransition(ctx, tx, bp, &local, Request{Event: "SUBMIT"})
				return err
			})
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, r := range results {
		if r.Applied {
			applied++
		} else {
			assert.Equal(t, ReasonConflict, r.Reason)
		}
	}
	assert.Equal(t, 1, applied)

	err = s.RunInTransaction(ctx, func(tx store.Tx) error {
		history, err := tx.ListLifecycles(ctx, inst.ID)
		require.NoError(t, err)
		assert.Len(t, history, 1)
		return nil
	})
	require.NoError(t, err)
}

func TestEncodePayload(t *testing.T) {
	text, err := EncodePayload(nil)
	require.NoError(t, err)
	assert.Empty(t, text)

	text, err = EncodePayload([]byte(` {"a":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, text)

	text, err = EncodePayload("hello")
	require.NoError(t, err)
	assert.Equal(t, `"hello"`, text)

	_, err = EncodePayload([]byte(`nope`))
	assert.Error(t, err)
}
