package store

import (
	"fmt"
	"strings"
	"time"
)

// StateFlag is the bitset of blueprint state attributes.
type StateFlag int

const (
	StateInitial StateFlag = 1 << iota
	StateFinal
	StateSystem
	StateError
)

// Has reports whether all bits of f are set.
func (s StateFlag) Has(f StateFlag) bool { return s&f == f }

// InstanceFlag is the bitset of instance lifecycle attributes.
type InstanceFlag int

const (
	InstanceActive InstanceFlag = 1 << iota
	InstanceSuspended
	InstanceFailed
	InstanceCompleted
	InstanceArchived
)

// Has reports whether all bits of f are set.
func (i InstanceFlag) Has(f InstanceFlag) bool { return i&f == f }

// AckStatus is the per-consumer delivery status.
type AckStatus int

const (
	AckPending AckStatus = iota
	AckDelivered
	AckProcessed
	AckFailed
)

func (s AckStatus) String() string {
	switch s {
	case AckPending:
		return "pending"
	case AckDelivered:
		return "delivered"
	case AckProcessed:
		return "processed"
	case AckFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether the status ends normal flow.
func (s AckStatus) Terminal() bool {
	return s == AckProcessed || s == AckFailed
}

// ParseAckStatus parses the String form of a status.
func ParseAckStatus(value string) (AckStatus, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "pending":
		return AckPending, nil
	case "delivered":
		return AckDelivered, nil
	case "processed":
		return AckProcessed, nil
	case "failed":
		return AckFailed, nil
	default:
		return AckPending, fmt.Errorf("unknown ack status %q", value)
	}
}

type Environment struct {
	ID          int64
	Code        string
	DisplayName string
	CreatedAt   time.Time
}

type Definition struct {
	ID          int64
	EnvID       int64
	Name        string
	Description string
	CreatedAt   time.Time
}

// DefinitionVersion is immutable once inserted.
type DefinitionVersion struct {
	ID           int64
	DefinitionID int64
	Version      int
	Hash         string
	Content      string
	CreatedAt    time.Time
}

// StateTimeout is stored with a state and surfaced to callers; the engine does not schedule it.
type StateTimeout struct {
	Minutes int
	Mode    string
	Event   string
}

type State struct {
	ID         int64
	VersionID  int64
	Name       string
	Normalized string
	CategoryID int64
	Flags      StateFlag
	Timeout    *StateTimeout
}

type Event struct {
	ID         int64
	VersionID  int64
	Name       string
	Normalized string
	Code       int
}

type Transition struct {
	ID          int64
	VersionID   int64
	FromStateID int64
	ToStateID   int64
	EventID     int64
}

type Policy struct {
	ID        int64
	Hash      string
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PolicyAttachment is a policy attached to a definition, in attach order.
type PolicyAttachment struct {
	Policy
	DefinitionID int64
	AttachedAt   time.Time
	Seq          int64
}

type Instance struct {
	ID             int64
	GUID           string
	VersionID      int64
	ExternalRef    string
	CurrentStateID int64
	LastEventID    int64
	PolicyID       int64
	Flags          InstanceFlag
	Message        string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Lifecycle is the append-only record of one applied transition.
type Lifecycle struct {
	ID          int64
	InstanceID  int64
	FromStateID int64
	ToStateID   int64
	EventID     int64
	CreatedAt   time.Time
}

type LifecycleData struct {
	LifecycleID int64
	Actor       string
	RequestID   string
	Payload     string
}

type Hook struct {
	ID         int64
	InstanceID int64
	StateID    int64
	ViaEventID int64
	OnEntry    bool
	Route      string
	OnSuccess  string
	OnFailure  string
	CreatedAt  time.Time
}

// Ack is the content-free delivery envelope.
type Ack struct {
	ID        int64
	GUID      string
	CreatedAt time.Time
}

// AckConsumer is the unit of at-least-once delivery tracking, keyed by (AckID, ConsumerID).
type AckConsumer struct {
	ID         int64
	AckID      int64
	ConsumerID int64
	Status     AckStatus
	RetryCount int
	LastRetry  time.Time
	Message    string
	UpdatedAt  time.Time
}

type Consumer struct {
	ID            int64
	EnvID         int64
	GUID          string
	LastHeartbeat time.Time
	CreatedAt     time.Time
}

// Alive reports whether the consumer heartbeat is within ttl of now.
func (c Consumer) Alive(now time.Time, ttl time.Duration) bool {
	if c.LastHeartbeat.IsZero() {
		return false
	}
	return now.Sub(c.LastHeartbeat) < ttl
}

// DispatchQuery selects ack consumer rows due for redispatch.
type DispatchQuery struct {
	ConsumerID int64
	Status     AckStatus
	OlderThan  time.Time
	Skip       int
	Take       int
}

// AckDelivery is the ack consumer part of a dispatch row.
type AckDelivery struct {
	AckConsumerID int64
	AckID         int64
	AckGUID       string
	ConsumerID    int64
	Status        AckStatus
	RetryCount    int
	LastRetry     time.Time
}

// LifecycleDispatchRow joins an ack consumer row to its lifecycle and instance.
type LifecycleDispatchRow struct {
	AckDelivery
	Lifecycle Lifecycle
	Data      LifecycleData
	Instance  Instance
	FromState string
	ToState   string
	EventName string
	EventCode int
	Policy    *Policy
}

// HookDispatchRow joins an ack consumer row to its hook and instance.
type HookDispatchRow struct {
	AckDelivery
	Hook         Hook
	Instance     Instance
	State        string
	ViaEventName string
	ViaEventCode int
}

// AckRef identifies an ack envelope; Created reports whether this call created it.
type AckRef struct {
	ID      int64
	GUID    string
	Created bool
}
