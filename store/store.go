// Package store persists the engine entities behind a transactional gateway.
//
// Every operation runs inside RunInTransaction. Insert helpers are idempotent on their
// natural keys: when the row already exists its id is returned and the row is left alone.
package store

import (
	"context"
	"time"
)

// Store is the storage gateway. A transaction commits when fn returns nil and rolls back otherwise.
type Store interface {
	RunInTransaction(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// Tx is one unit of work. Lookups return a nil record when the row does not exist.
type Tx interface {
	BlueprintTx
	InstanceTx
	AckTx
}

// BlueprintTx covers environments, definitions, versions, states, events, transitions and policies.
type BlueprintTx interface {
	EnsureEnvironment(ctx context.Context, code, displayName string) (int64, error)
	GetEnvironment(ctx context.Context, code string) (*Environment, error)
	EnsureDefinition(ctx context.Context, envID int64, name, description string) (int64, error)
	GetDefinition(ctx context.Context, envID int64, name string) (*Definition, error)
	GetDefinitionByID(ctx context.Context, id int64) (*Definition, error)

	InsertVersion(ctx context.Context, version DefinitionVersion) (int64, error)
	GetVersion(ctx context.Context, id int64) (*DefinitionVersion, error)
	GetVersionByHash(ctx context.Context, definitionID int64, hash string) (*DefinitionVersion, error)
	GetLatestVersion(ctx context.Context, definitionID int64) (*DefinitionVersion, error)
	NextVersionNumber(ctx context.Context, definitionID int64) (int, error)

	EnsureCategory(ctx context.Context, name string) (int64, error)
	InsertState(ctx context.Context, state State) (int64, error)
	InsertEvent(ctx context.Context, event Event) (int64, error)
	InsertTransition(ctx context.Context, transition Transition) (int64, error)
	ListStates(ctx context.Context, versionID int64) ([]State, error)
	ListEvents(ctx context.Context, versionID int64) ([]Event, error)
	ListTransitions(ctx context.Context, versionID int64) ([]Transition, error)

	EnsurePolicyByHash(ctx context.Context, hash, content string) (int64, error)
	GetPolicy(ctx context.Context, id int64) (*Policy, error)
	AttachPolicy(ctx context.Context, definitionID, policyID int64) error
	ListAttachedPolicies(ctx context.Context, definitionID int64) ([]PolicyAttachment, error)
}

// InstanceTx covers instances, lifecycle rows and hooks.
type InstanceTx interface {
	GetInstance(ctx context.Context, versionID int64, externalRef string) (*Instance, error)
	GetInstanceByID(ctx context.Context, id int64) (*Instance, error)
	InsertInstance(ctx context.Context, instance Instance) (*Instance, error)
	CompareAndSwapState(ctx context.Context, instanceID, expectedStateID, newStateID, eventID int64, flags InstanceFlag) (bool, error)
	SetInstancePolicy(ctx context.Context, instanceID, policyID int64) error

	InsertLifecycle(ctx context.Context, lifecycle Lifecycle) (int64, error)
	UpsertLifecycleData(ctx context.Context, data LifecycleData) error
	GetLifecycle(ctx context.Context, id int64) (*Lifecycle, error)
	GetLifecycleData(ctx context.Context, lifecycleID int64) (*LifecycleData, error)
	ListLifecycles(ctx context.Context, instanceID int64) ([]Lifecycle, error)

	UpsertHook(ctx context.Context, hook Hook) (int64, error)
	ListHooks(ctx context.Context, instanceID int64) ([]Hook, error)
}

// AckTx covers ack envelopes, consumer delivery rows, dispatch queries and consumers.
type AckTx interface {
	InsertAck(ctx context.Context, guid string) (*Ack, error)
	GetAckByGUID(ctx context.Context, guid string) (*Ack, error)
	GetLifecycleAck(ctx context.Context, lifecycleID int64) (*Ack, error)
	AttachLifecycleAck(ctx context.Context, lifecycleID, ackID int64) error
	GetHookAck(ctx context.Context, hookID int64) (*Ack, error)
	AttachHookAck(ctx context.Context, hookID, ackID int64) error

	EnsureAckConsumer(ctx context.Context, ackID, consumerID int64, status AckStatus, at time.Time) (bool, error)
	GetAckConsumer(ctx context.Context, ackID, consumerID int64) (*AckConsumer, error)
	ListAckConsumers(ctx context.Context, ackID int64) ([]AckConsumer, error)
	SetAckConsumerStatus(ctx context.Context, ackID, consumerID int64, status AckStatus, message string, at time.Time) error
	RetryAckConsumer(ctx context.Context, ackID, consumerID int64, retryAt time.Time, message string) error

	ListPendingLifecycleDispatch(ctx context.Context, query DispatchQuery) ([]LifecycleDispatchRow, error)
	ListPendingHookDispatch(ctx context.Context, query DispatchQuery) ([]HookDispatchRow, error)
	CountPendingLifecycleDispatch(ctx context.Context, query DispatchQuery) (int, error)
	CountPendingHookDispatch(ctx context.Context, query DispatchQuery) (int, error)

	EnsureConsumer(ctx context.Context, envID int64, guid string, at time.Time) (*Consumer, error)
	GetConsumer(ctx context.Context, id int64) (*Consumer, error)
	Heartbeat(ctx context.Context, consumerID int64, at time.Time) error
	ListConsumers(ctx context.Context, envID int64) ([]Consumer, error)
}
