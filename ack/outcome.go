package ack

import (
	"strings"

	lifecycle "github.com/goliatone/go-lifecycle"
	"github.com/goliatone/go-lifecycle/store"
)

// Outcome is a consumer's report on one delivery.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeProcessed Outcome = "processed"
	OutcomeFailed    Outcome = "failed"
	OutcomeRetry     Outcome = "retry"
)

// ParseOutcome accepts outcome names case-insensitively.
func ParseOutcome(value string) (Outcome, error) {
	switch o := Outcome(strings.ToLower(strings.TrimSpace(value))); o {
	case OutcomeDelivered, OutcomeProcessed, OutcomeFailed, OutcomeRetry:
		return o, nil
	default:
		return "", lifecycle.NewError(lifecycle.ErrPreconditionFailed, "unknown ack outcome", nil, map[string]any{"outcome": value})
	}
}

// Status is the ack status an outcome moves the row to.
func (o Outcome) Status() store.AckStatus {
	switch o {
	case OutcomeDelivered:
		return store.AckDelivered
	case OutcomeProcessed:
		return store.AckProcessed
	case OutcomeFailed:
		return store.AckFailed
	default:
		return store.AckPending
	}
}

// allowed reports whether a consumer may move a row from one status to another.
func allowed(from, to store.AckStatus) bool {
	switch from {
	case store.AckPending:
		return to == store.AckDelivered || to == store.AckProcessed || to == store.AckFailed
	case store.AckDelivered:
		return to == store.AckProcessed || to == store.AckFailed
	default:
		return false
	}
}
