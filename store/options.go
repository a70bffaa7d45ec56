package store

import (
	"time"

	lifecycle "github.com/goliatone/go-lifecycle"
)

// Option configures a store.
type Option func(*options)

type options struct {
	now    func() time.Time
	logger lifecycle.Logger
}

// WithClock overrides the clock used for created/updated timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(logger lifecycle.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		now:    func() time.Time { return time.Now().UTC() },
		logger: lifecycle.NopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

func (o options) clock() time.Time {
	return o.now().UTC()
}

const defaultDispatchTake = 100

func normalizeQuery(q DispatchQuery) DispatchQuery {
	if q.Skip < 0 {
		q.Skip = 0
	}
	if q.Take <= 0 {
		q.Take = defaultDispatchTake
	}
	q.OlderThan = q.OlderThan.UTC()
	return q
}

func notFound(entity string, metadata map[string]any) error {
	return lifecycle.NewError(lifecycle.ErrNotFound, entity+" not found", nil, metadata)
}

func cloneTimeout(t *StateTimeout) *StateTimeout {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
