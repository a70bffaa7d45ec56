package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lifecycle "github.com/goliatone/go-lifecycle"
)

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLStore)(nil)
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func eachStore(t *testing.T, fn func(t *testing.T, s Store, clock *testClock)) {
	t.Run("memory", func(t *testing.T) {
		clock := newTestClock()
		fn(t, NewMemoryStore(WithClock(clock.Now)), clock)
	})
	t.Run("sqlite", func(t *testing.T) {
		clock := newTestClock()
		s, err := OpenSQLite(context.Background(), ":memory:", WithClock(clock.Now))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s, clock)
	})
}

type seeded struct {
	envID, defID, versionID      int64
	draft, submitted, approved   int64
	submit, approve              int64
	draftToSubmitted, toApproved int64
}

func seed(t *testing.T, s Store) seeded {
	t.Helper()
	var out seeded
	ctx := context.Background()
	err := s.RunInTransaction(ctx, func(tx Tx) error {
		var err error
		if out.envID, err = tx.EnsureEnvironment(ctx, "prod", "Production"); err != nil {
			return err
		}
		if out.defID, err = tx.EnsureDefinition(ctx, out.envID, "vendor-registration", ""); err != nil {
			return err
		}
		if out.versionID, err = tx.InsertVersion(ctx, DefinitionVersion{DefinitionID: out.defID, Version: 1, Hash: "h1", Content: "{}"}); err != nil {
			return err
		}
		cat, err := tx.EnsureCategory(ctx, "open")
		if err != nil {
			return err
		}
		if out.draft, err = tx.InsertState(ctx, State{VersionID: out.versionID, Name: "Draft", CategoryID: cat, Flags: StateInitial}); err != nil {
			return err
		}
		if out.submitted, err = tx.InsertState(ctx, State{VersionID: out.versionID, Name: "Submitted", Timeout: &StateTimeout{Minutes: 30, Mode: "once", Event: "EXPIRE"}}); err != nil {
			return err
		}
		if out.approved, err = tx.InsertState(ctx, State{VersionID: out.versionID, Name: "Approved", Flags: StateFinal}); err != nil {
			return err
		}
		if out.submit, err = tx.InsertEvent(ctx, Event{VersionID: out.versionID, Name: "SUBMIT", Code: 100}); err != nil {
			return err
		}
		if out.approve, err = tx.InsertEvent(ctx, Event{VersionID: out.versionID, Name: "APPROVE", Code: 200}); err != nil {
			return err
		}
		if out.draftToSubmitted, err = tx.InsertTransition(ctx, Transition{VersionID: out.versionID, FromStateID: out.draft, ToStateID: out.submitted, EventID: out.submit}); err != nil {
			return err
		}
		out.toApproved, err = tx.InsertTransition(ctx, Transition{VersionID: out.versionID, FromStateID: out.submitted, ToStateID: out.approved, EventID: out.approve})
		return err
	})
	require.NoError(t, err)
	return out
}

func insertInstance(t *testing.T, s Store, ids seeded, ref string) *Instance {
	t.Helper()
	var inst *Instance
	err := s.RunInTransaction(context.Background(), func(tx Tx) error {
		var err error
		inst, err = tx.InsertInstance(context.Background(), Instance{
			GUID:           "guid-" + ref,
			VersionID:      ids.versionID,
			ExternalRef:    ref,
			CurrentStateID: ids.draft,
			Flags:          InstanceActive,
		})
		return err
	})
	require.NoError(t, err)
	return inst
}

func TestStoreBlueprintInsertsAreIdempotent(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store, _ *testClock) {
		ids := seed(t, s)
		again := seed(t, s)
		assert.Equal(t, ids, again)

		ctx := context.Background()
		err := s.RunInTransaction(ctx, func(tx Tx) error {
			envID, err := tx.EnsureEnvironment(ctx, "PROD", "ignored")
			require.NoError(t, err)
			assert.Equal(t, ids.envID, envID)

			defID, err := tx.EnsureDefinition(ctx, ids.envID, "  Vendor-Registration ", "")
			require.NoError(t, err)
			assert.Equal(t, ids.defID, defID)

			versionID, err := tx.InsertVersion(ctx, DefinitionVersion{DefinitionID: ids.defID, Version: 1, Hash: "other", Content: "changed"})
			require.NoError(t, err)
			assert.Equal(t, ids.versionID, versionID)

			version, err := tx.GetVersion(ctx, versionID)
			require.NoError(t, err)
			require.NotNil(t, version)
			assert.Equal(t, "h1", version.Hash)
			assert.Equal(t, "{}", version.Content)

			byHash, err := tx.GetVersionByHash(ctx, ids.defID, "h1")
			require.NoError(t, err)
			require.NotNil(t, byHash)
			assert.Equal(t, versionID, byHash.ID)

			missing, err := tx.GetVersionByHash(ctx, ids.defID, "nope")
			require.NoError(t, err)
			assert.Nil(t, missing)

			next, err := tx.NextVersionNumber(ctx, ids.defID)
			require.NoError(t, err)
			assert.Equal(t, 2, next)

			states, err := tx.ListStates(ctx, versionID)
			require.NoError(t, err)
			require.Len(t, states, 3)
			assert.Equal(t, "draft", states[0].Normalized)
			assert.True(t, states[0].Flags.Has(StateInitial))
			require.NotNil(t, states[1].Timeout)
			assert.Equal(t, 30, states[1].Timeout.Minutes)
			assert.Nil(t, states[2].Timeout)

			events, err := tx.ListEvents(ctx, versionID)
			require.NoError(t, err)
			require.Len(t, events, 2)
			assert.Equal(t, 100, events[0].Code)

			transitions, err := tx.ListTransitions(ctx, versionID)
			require.NoError(t, err)
			assert.Len(t, transitions, 2)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestStoreLatestVersionAndPolicies(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store, clock *testClock) {
		ids := seed(t, s)
		ctx := context.Background()
		err := s.RunInTransaction(ctx, func(tx Tx) error {
			v2, err := tx.InsertVersion(ctx, DefinitionVersion{DefinitionID: ids.defID, Version: 2, Hash: "h2", Content: "{}"})
			require.NoError(t, err)
			latest, err := tx.GetLatestVersion(ctx, ids.defID)
			require.NoError(t, err)
			require.NotNil(t, latest)
			assert.Equal(t, v2, latest.ID)

			p1, err := tx.EnsurePolicyByHash(ctx, "p1", `{"a":1}`)
			require.NoError(t, err)
			p1Again, err := tx.EnsurePolicyByHash(ctx, "p1", `{"a":2}`)
			require.NoError(t, err)
			assert.Equal(t, p1, p1Again)
			p, err := tx.GetPolicy(ctx, p1)
			require.NoError(t, err)
			assert.Equal(t, `{"a":2}`, p.Content)

			p2, err := tx.EnsurePolicyByHash(ctx, "p2", `{"b":1}`)
			require.NoError(t, err)

			require.NoError(t, tx.AttachPolicy(ctx, ids.defID, p1))
			clock.Advance(time.Second)
			require.NoError(t, tx.AttachPolicy(ctx, ids.defID, p2))

			attached, err := tx.ListAttachedPolicies(ctx, ids.defID)
			require.NoError(t, err)
			require.Len(t, attached, 2)
			assert.Equal(t, p2, attached[0].ID)
			assert.Equal(t, p1, attached[1].ID)

			clock.Advance(time.Second)
			require.NoError(t, tx.AttachPolicy(ctx, ids.defID, p1))
			attached, err = tx.ListAttachedPolicies(ctx, ids.defID)
			require.NoError(t, err)
			require.Len(t, attached, 2)
			assert.Equal(t, p1, attached[0].ID)

			err = tx.AttachPolicy(ctx, ids.defID, 999)
			assert.True(t, lifecycle.IsNotFound(err), "expected not found, got %v", err)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestStoreInstanceCompareAndSwap(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store, _ *testClock) {
		ids := seed(t, s)
		inst := insertInstance(t, s, ids, "ref-1")
		dup := insertInstance(t, s, ids, "ref-1")
		assert.Equal(t, inst.ID, dup.ID)
		assert.Equal(t, "guid-ref-1", dup.GUID)

		ctx := context.Background()
		err := s.RunInTransaction(ctx, func(tx Tx) error {
			ok, err := tx.CompareAndSwapState(ctx, inst.ID, ids.draft, ids.submitted, ids.submit, InstanceActive)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = tx.CompareAndSwapState(ctx, inst.ID, ids.draft, ids.submitted, ids.submit, InstanceActive)
			require.NoError(t, err)
			assert.False(t, ok)

			got, err := tx.GetInstanceByID(ctx, inst.ID)
			require.NoError(t, err)
			assert.Equal(t, ids.submitted, got.CurrentStateID)
			assert.Equal(t, ids.submit, got.LastEventID)
			assert.Zero(t, got.PolicyID)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestStoreRollbackDiscardsWrites(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store, _ *testClock) {
		ids := seed(t, s)
		inst := insertInstance(t, s, ids, "ref-1")
		ctx := context.Background()

		boom := errors.New("boom")
		err := s.RunInTransaction(ctx, func(tx Tx) error {
			if _, err := tx.CompareAndSwapState(ctx, inst.ID, ids.draft, ids.submitted, ids.submit, InstanceActive); err != nil {
				return err
			}
			if _, err := tx.InsertLifecycle(ctx, Lifecycle{InstanceID: inst.ID, FromStateID: ids.draft, ToStateID: ids.submitted, EventID: ids.submit}); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		err = s.RunInTransaction(ctx, func(tx Tx) error {
			got, err := tx.GetInstanceByID(ctx, inst.ID)
			require.NoError(t, err)
			assert.Equal(t, ids.draft, got.CurrentStateID)
			rows, err := tx.ListLifecycles(ctx, inst.ID)
			require.NoError(t, err)
			assert.Empty(t, rows)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestStoreHookUpsertKeepsOneRow(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store, _ *testClock) {
		ids := seed(t, s)
		inst := insertInstance(t, s, ids, "ref-1")
		ctx := context.Background()
		err := s.RunInTransaction(ctx, func(tx Tx) error {
			hook := Hook{InstanceID: inst.ID, StateID: ids.submitted, ViaEventID: ids.submit, OnEntry: true, Route: "NOTIFY.REVIEWER"}
			first, err := tx.UpsertHook(ctx, hook)
			require.NoError(t, err)
			hook.OnSuccess = "OK"
			second, err := tx.UpsertHook(ctx, hook)
			require.NoError(t, err)
			assert.Equal(t, first, second)

			hooks, err := tx.ListHooks(ctx, inst.ID)
			require.NoError(t, err)
			require.Len(t, hooks, 1)
			assert.True(t, hooks[0].OnEntry)
			assert.Equal(t, "OK", hooks[0].OnSuccess)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestStorePendingDispatchOrderingAndPaging(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store, clock *testClock) {
		ids := seed(t, s)
		ctx := context.Background()
		var guids []string
		for _, ref := range []string{"a", "b", "c"} {
			inst := insertInstance(t, s, ids, ref)
			err := s.RunInTransaction(ctx, func(tx Tx) error {
				lcID, err := tx.InsertLifecycle(ctx, Lifecycle{InstanceID: inst.ID, FromStateID: ids.draft, ToStateID: ids.submitted, EventID: ids.submit})
				require.NoError(t, err)
				ack, err := tx.InsertAck(ctx, "ack-"+ref)
				require.NoError(t, err)
				require.NoError(t, tx.AttachLifecycleAck(ctx, lcID, ack.ID))
				created, err := tx.EnsureAckConsumer(ctx, ack.ID, 7, AckPending, clock.Now())
				require.NoError(t, err)
				assert.True(t, created)
				created, err = tx.EnsureAckConsumer(ctx, ack.ID, 7, AckDelivered, clock.Now())
				require.NoError(t, err)
				assert.False(t, created)
				guids = append(guids, ack.GUID)
				return nil
			})
			require.NoError(t, err)
			clock.Advance(time.Minute)
		}

		err := s.RunInTransaction(ctx, func(tx Tx) error {
			query := DispatchQuery{ConsumerID: 7, Status: AckPending, OlderThan: clock.Now()}
			rows, err := tx.ListPendingLifecycleDispatch(ctx, query)
			require.NoError(t, err)
			require.Len(t, rows, 3)
			for i, row := range rows {
				assert.Equal(t, guids[i], row.AckGUID)
				assert.Equal(t, "Draft", row.FromState)
				assert.Equal(t, "Submitted", row.ToState)
				assert.Equal(t, "SUBMIT", row.EventName)
				assert.Equal(t, 100, row.EventCode)
				assert.Nil(t, row.Policy)
				assert.Equal(t, AckPending, row.Status)
			}

			count, err := tx.CountPendingLifecycleDispatch(ctx, query)
			require.NoError(t, err)
			assert.Equal(t, 3, count)

			query.Skip, query.Take = 1, 1
			pageRows, err := tx.ListPendingLifecycleDispatch(ctx, query)
			require.NoError(t, err)
			require.Len(t, pageRows, 1)
			assert.Equal(t, guids[1], pageRows[0].AckGUID)

			first := rows[0]
			require.NoError(t, tx.RetryAckConsumer(ctx, first.AckID, 7, clock.Now(), ""))

			query = DispatchQuery{ConsumerID: 7, Status: AckPending, OlderThan: clock.Now()}
			rows, err = tx.ListPendingLifecycleDispatch(ctx, query)
			require.NoError(t, err)
			require.Len(t, rows, 2)
			assert.Equal(t, guids[1], rows[0].AckGUID)

			row, err := tx.GetAckConsumer(ctx, first.AckID, 7)
			require.NoError(t, err)
			assert.Equal(t, 1, row.RetryCount)

			hookRows, err := tx.ListPendingHookDispatch(ctx, query)
			require.NoError(t, err)
			assert.Empty(t, hookRows)

			other, err := tx.ListPendingLifecycleDispatch(ctx, DispatchQuery{ConsumerID: 8, Status: AckPending, OlderThan: clock.Now()})
			require.NoError(t, err)
			assert.Empty(t, other)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestStoreAckConsumerStatusNotFound(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store, _ *testClock) {
		ctx := context.Background()
		err := s.RunInTransaction(ctx, func(tx Tx) error {
			err := tx.SetAckConsumerStatus(ctx, 42, 1, AckDelivered, "", time.Time{})
			assert.True(t, lifecycle.IsNotFound(err), "expected not found, got %v", err)
			err = tx.RetryAckConsumer(ctx, 42, 1, time.Time{}, "")
			assert.True(t, lifecycle.IsNotFound(err), "expected not found, got %v", err)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestStoreConsumersHeartbeat(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store, clock *testClock) {
		ids := seed(t, s)
		ctx := context.Background()
		err := s.RunInTransaction(ctx, func(tx Tx) error {
			c, err := tx.EnsureConsumer(ctx, ids.envID, "worker-1", clock.Now())
			require.NoError(t, err)
			again, err := tx.EnsureConsumer(ctx, ids.envID, "worker-1", time.Time{})
			require.NoError(t, err)
			assert.Equal(t, c.ID, again.ID)

			clock.Advance(time.Minute)
			require.NoError(t, tx.Heartbeat(ctx, c.ID, clock.Now()))
			got, err := tx.GetConsumer(ctx, c.ID)
			require.NoError(t, err)
			assert.True(t, got.LastHeartbeat.Equal(clock.Now()))
			assert.True(t, got.Alive(clock.Now().Add(10*time.Second), time.Minute))
			assert.False(t, got.Alive(clock.Now().Add(2*time.Minute), time.Minute))

			all, err := tx.ListConsumers(ctx, ids.envID)
			require.NoError(t, err)
			assert.Len(t, all, 1)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestStoreCanceledContext(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store, _ *testClock) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		called := false
		err := s.RunInTransaction(ctx, func(Tx) error {
			called = true
			return nil
		})
		require.ErrorIs(t, err, context.Canceled)
		assert.False(t, called)
	})
}

func TestPostgresRebind(t *testing.T) {
	got := Postgres.Rebind(`SELECT id FROM acks WHERE guid = ? AND id > ?`)
	assert.Equal(t, `SELECT id FROM acks WHERE guid = $1 AND id > $2`, got)
	assert.Equal(t, `a = ?`, SQLite.Rebind(`a = ?`))
}

func TestDialectStatements(t *testing.T) {
	for _, d := range []Dialect{SQLite, Postgres} {
		stmts, err := d.statements()
		require.NoError(t, err)
		assert.Len(t, stmts, 21, d.Name)
	}
	_, err := DialectFor("oracle")
	assert.Error(t, err)
}

func TestAckStatusParse(t *testing.T) {
	for _, status := range []AckStatus{AckPending, AckDelivered, AckProcessed, AckFailed} {
		parsed, err := ParseAckStatus(status.String())
		require.NoError(t, err)
		assert.Equal(t, status, parsed)
	}
	assert.True(t, AckProcessed.Terminal())
	assert.False(t, AckDelivered.Terminal())
	_, err := ParseAckStatus("lost")
	assert.Error(t, err)
}
