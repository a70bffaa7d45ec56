package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lifecycle "github.com/goliatone/go-lifecycle"
	"github.com/goliatone/go-lifecycle/ack"
	"github.com/goliatone/go-lifecycle/blueprint"
	"github.com/goliatone/go-lifecycle/store"
)

const vendorDefinition = `{
	"name": "vendor-registration",
	"states": [
		{"name": "Draft", "initial": true},
		{"name": "Submitted"},
		{"name": "Approved", "final": true}
	],
	"events": [
		{"name": "SUBMIT", "code": 100},
		{"name": "RESUBMIT", "code": 110},
		{"name": "APPROVE", "code": 200}
	],
	"transitions": [
		{"from": "Draft", "to": "Submitted", "event": "SUBMIT"},
		{"from": "Submitted", "to": "Submitted", "event": "RESUBMIT"},
		{"from": "Submitted", "to": "Approved", "event": "APPROVE"}
	]
}`

const reviewerPolicy = `{
	"definition": "vendor-registration",
	"routes": [
		{"state": "Submitted", "emit": [{"event": "NOTIFY.REVIEWER"}]}
	]
}`

func TestParseVariants(t *testing.T) {
	doc, err := Parse([]byte(`{"definition":["a","b"],"definitions":["B","c"],"routes":[
		{"state":" Submitted ","via":"100","emit":[{"event":"X","complete":{"success":"OK","failure":"KO"}}]},
		{"state":"Approved","via":200,"emit":[{"event":"Y"}]},
		{"state":"Draft","via":null,"emit":[]}
	]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, doc.Definitions)
	require.Len(t, doc.Routes, 3)

	assert.Equal(t, "Submitted", doc.Routes[0].State)
	require.NotNil(t, doc.Routes[0].Via)
	assert.Equal(t, 100, *doc.Routes[0].Via)
	assert.Equal(t, Emission{Event: "X", OnSuccess: "OK", OnFailure: "KO"}, doc.Routes[0].Emit[0])
	assert.Equal(t, 200, *doc.Routes[1].Via)
	assert.Nil(t, doc.Routes[2].Via)

	assert.True(t, doc.Routes[0].Matches("submitted", 100))
	assert.False(t, doc.Routes[0].Matches("submitted", 110))
	assert.True(t, doc.Routes[2].Matches("DRAFT", 1))
	assert.True(t, doc.HasState("approved"))
	assert.False(t, doc.HasState("Rejected"))
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	for name, raw := range map[string]string{
		"empty":          ``,
		"not json":       `[`,
		"missing state":  `{"routes":[{"emit":[{"event":"X"}]}]}`,
		"bad via":        `{"routes":[{"state":"A","via":"soon"}]}`,
		"missing event":  `{"routes":[{"state":"A","emit":[{"event":" "}]}]}`,
		"bad definition": `{"definition":5}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			assert.True(t, lifecycle.HasCode(err, lifecycle.CodeInvalidPolicy), "got %v", err)
		})
	}
}

func TestHashIgnoresFormatting(t *testing.T) {
	a, err := Parse([]byte(reviewerPolicy))
	require.NoError(t, err)
	b, err := Parse([]byte(`{"definitions":["Vendor-Registration"],"routes":[{"state":"submitted","emit":[{"event":"NOTIFY.REVIEWER"}]}]}`))
	require.NoError(t, err)
	assert.Equal(t, a.Hash(), b.Hash())

	c, err := Parse([]byte(`{"definition":"vendor-registration","routes":[{"state":"Submitted","via":100,"emit":[{"event":"NOTIFY.REVIEWER"}]}]}`))
	require.NoError(t, err)
	assert.NotEqual(t, a.Hash(), c.Hash())
}

type fixture struct {
	store    store.Store
	catalog  *blueprint.Catalog
	enforcer *Enforcer
	bp       *blueprint.Blueprint
	instance *store.Instance
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	f := &fixture{
		store:    s,
		catalog:  blueprint.NewCatalog(s),
		enforcer: New(s, ack.NewManager(s)),
	}
	_, err := f.catalog.ImportDefinition(ctx, "prod", "Production", []byte(vendorDefinition))
	require.NoError(t, err)
	f.bp, err = f.catalog.Latest(ctx, "prod", "vendor-registration")
	require.NoError(t, err)

	submitted, _ := f.bp.StateByName("Submitted")
	submit, _ := f.bp.Event("SUBMIT")
	err = s.RunInTransaction(ctx, func(tx store.Tx) error {
		var err error
		f.instance, err = tx.InsertInstance(ctx, store.Instance{
			GUID:           "inst-1",
			VersionID:      f.bp.VersionID(),
			ExternalRef:    "vendor-1",
			CurrentStateID: submitted.ID,
			LastEventID:    submit.ID,
			Flags:          store.InstanceActive,
		})
		return err
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) applied(t *testing.T, state, event string) Applied {
	t.Helper()
	st, ok := f.bp.StateByName(state)
	require.True(t, ok)
	ev, ok := f.bp.Event(event)
	require.True(t, ok)
	return Applied{InstanceID: f.instance.ID, ToStateID: st.ID, EventID: ev.ID, EventCode: ev.Code}
}

func (f *fixture) emit(t *testing.T, applied Applied) ([]HookEmission, []store.Hook) {
	t.Helper()
	ctx := context.Background()
	var emissions []HookEmission
	var hooks []store.Hook
	err := f.store.RunInTransaction(ctx, func(tx store.Tx) error {
		resolved, err := f.enforcer.ResolvePolicy(ctx, tx, f.bp, applied.ToStateID)
		if err != nil {
			return err
		}
		if emissions, err = f.enforcer.EmitHooks(ctx, tx, f.bp, applied, resolved); err != nil {
			return err
		}
		hooks, err = tx.ListHooks(ctx, applied.InstanceID)
		return err
	})
	require.NoError(t, err)
	return emissions, hooks
}

func TestImportPolicyIsIdempotentAndAttaches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.enforcer.ImportPolicy(ctx, "prod", "Production", []byte(reviewerPolicy))
	require.NoError(t, err)
	second, err := f.enforcer.ImportPolicy(ctx, "prod", "Production", []byte(reviewerPolicy))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	err = f.store.RunInTransaction(ctx, func(tx store.Tx) error {
		attached, err := tx.ListAttachedPolicies(ctx, f.bp.DefinitionID())
		require.NoError(t, err)
		require.Len(t, attached, 1)
		assert.Equal(t, first, attached[0].ID)
		return nil
	})
	require.NoError(t, err)
}

func TestEmitHooksForSubmittedRoute(t *testing.T) {
	f := newFixture(t)
	_, err := f.enforcer.ImportPolicy(context.Background(), "prod", "", []byte(reviewerPolicy))
	require.NoError(t, err)

	emissions, hooks := f.emit(t, f.applied(t, "Submitted", "SUBMIT"))
	require.Len(t, emissions, 1)
	assert.Equal(t, "NOTIFY.REVIEWER", emissions[0].Code)
	assert.Equal(t, "Submitted", emissions[0].StateName)
	assert.True(t, emissions[0].Ack.Created)
	assert.NotEmpty(t, emissions[0].Ack.GUID)

	require.Len(t, hooks, 1)
	assert.Equal(t, "NOTIFY.REVIEWER", hooks[0].Route)
	assert.True(t, hooks[0].OnEntry)

	again, hooks := f.emit(t, f.applied(t, "Submitted", "SUBMIT"))
	require.Len(t, again, 1)
	assert.Len(t, hooks, 1)
	assert.Equal(t, emissions[0].HookID, again[0].HookID)
	assert.False(t, again[0].Ack.Created)
	assert.Equal(t, emissions[0].Ack.GUID, again[0].Ack.GUID)
}

func TestEmitHooksHonorsVia(t *testing.T) {
	f := newFixture(t)
	_, err := f.enforcer.ImportPolicy(context.Background(), "prod", "", []byte(`{"definition":"vendor-registration","routes":[
		{"state":"Submitted","via":"110","emit":[{"event":"NOTIFY.AGAIN"},{"event":"NOTIFY.AGAIN"}]}
	]}`))
	require.NoError(t, err)

	emissions, _ := f.emit(t, f.applied(t, "Submitted", "SUBMIT"))
	assert.Empty(t, emissions)

	emissions, hooks := f.emit(t, f.applied(t, "Submitted", "RESUBMIT"))
	require.Len(t, emissions, 1)
	assert.Equal(t, "NOTIFY.AGAIN", emissions[0].Code)
	assert.Len(t, hooks, 1)
}

func TestResolvePolicyPrefersMostRecentAttachment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	older, err := f.enforcer.ImportPolicy(ctx, "prod", "", []byte(reviewerPolicy))
	require.NoError(t, err)
	newer, err := f.enforcer.ImportPolicy(ctx, "prod", "", []byte(`{"definition":"vendor-registration","routes":[
		{"state":"Submitted","emit":[{"event":"NOTIFY.AUDIT"}]}
	]}`))
	require.NoError(t, err)
	unrelated, err := f.enforcer.ImportPolicy(ctx, "prod", "", []byte(`{"definition":"vendor-registration","routes":[
		{"state":"Approved","emit":[{"event":"NOTIFY.DONE"}]}
	]}`))
	require.NoError(t, err)

	submitted, _ := f.bp.StateByName("Submitted")
	resolve := func() *Resolved {
		var resolved *Resolved
		err := f.store.RunInTransaction(ctx, func(tx store.Tx) error {
			var err error
			resolved, err = f.enforcer.ResolvePolicy(ctx, tx, f.bp, submitted.ID)
			return err
		})
		require.NoError(t, err)
		return resolved
	}

	resolved := resolve()
	require.NotNil(t, resolved)
	assert.Equal(t, newer, resolved.PolicyID)
	assert.NotEqual(t, unrelated, resolved.PolicyID)

	require.NoError(t, f.enforcer.AttachPolicy(ctx, "prod", "vendor-registration", older))
	resolved = resolve()
	require.NotNil(t, resolved)
	assert.Equal(t, older, resolved.PolicyID)
}

func TestResolvePolicyWithoutAttachment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	draft, _ := f.bp.StateByName("Draft")
	err := f.store.RunInTransaction(ctx, func(tx store.Tx) error {
		resolved, err := f.enforcer.ResolvePolicy(ctx, tx, f.bp, draft.ID)
		require.NoError(t, err)
		assert.Nil(t, resolved)
		emissions, err := f.enforcer.EmitHooks(ctx, tx, f.bp, f.applied(t, "Draft", "SUBMIT"), resolved)
		require.NoError(t, err)
		assert.Empty(t, emissions)
		return nil
	})
	require.NoError(t, err)
}

func TestAttachPolicyNotFound(t *testing.T) {
	f := newFixture(t)
	err := f.enforcer.AttachPolicy(context.Background(), "staging", "vendor-registration", 1)
	assert.True(t, lifecycle.IsNotFound(err), "got %v", err)
	err = f.enforcer.AttachPolicy(context.Background(), "prod", "missing", 1)
	assert.True(t, lifecycle.IsNotFound(err), "got %v", err)
}
