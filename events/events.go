// Package events defines the typed notifications raised for applied transitions and emitted
// hooks, and the ordered bus that delivers them to subscribers.
package events

import (
	"encoding/json"
	"time"
)

// Kind identifies the variant of an Event.
type Kind string

const (
	KindTransition Kind = "transition"
	KindHook       Kind = "hook"
)

// Event is implemented by TransitionEvent and HookEvent.
type Event interface {
	Kind() Kind
	AckGUID() string
	Consumer() int64
}

// Delivery carries the ack bookkeeping a subscriber needs to acknowledge the event.
type Delivery struct {
	AckID      int64
	GUID       string
	ConsumerID int64
	RetryCount int
	Redelivery bool
}

// TransitionEvent reports one applied transition to one consumer.
type TransitionEvent struct {
	Delivery

	InstanceID          int64
	InstanceGUID        string
	DefinitionVersionID int64
	ExternalRef         string
	LifecycleID         int64

	FromStateID int64
	FromState   string
	ToStateID   int64
	ToState     string
	EventID     int64
	EventName   string
	EventCode   int

	PolicyID   int64
	PolicyHash string
	PolicyJSON string

	Actor      string
	RequestID  string
	Payload    json.RawMessage
	OccurredAt time.Time
}

func (TransitionEvent) Kind() Kind        { return KindTransition }
func (e TransitionEvent) AckGUID() string { return e.GUID }
func (e TransitionEvent) Consumer() int64 { return e.ConsumerID }

// AckRequired reports whether the event still waits on an acknowledgement.
func (e TransitionEvent) AckRequired() bool { return e.GUID != "" }

// HookEvent reports one hook request emitted on entry to a state.
type HookEvent struct {
	Delivery

	HookID       int64
	InstanceID   int64
	InstanceGUID string
	ExternalRef  string
	StateID      int64
	State        string
	ViaEventID   int64
	ViaEventName string
	ViaEventCode int
	Code         string
	OnSuccess    string
	OnFailure    string
	OccurredAt   time.Time
}

func (HookEvent) Kind() Kind        { return KindHook }
func (e HookEvent) AckGUID() string { return e.GUID }
func (e HookEvent) Consumer() int64 { return e.ConsumerID }
