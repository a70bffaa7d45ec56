package ack

import (
	"context"
	"strings"
	"time"

	lifecycle "github.com/goliatone/go-lifecycle"
	"github.com/goliatone/go-lifecycle/store"
)

// RegisterConsumer registers guid in the environment, creating the environment when missing.
// An empty guid gets a generated one.
func (m *Manager) RegisterConsumer(ctx context.Context, envCode, guid string) (*store.Consumer, error) {
	if err := lifecycle.CheckContext(ctx); err != nil {
		return nil, err
	}
	guid = strings.TrimSpace(guid)
	if guid == "" {
		guid = m.newGUID()
	}
	var consumer *store.Consumer
	err := m.store.RunInTransaction(ctx, func(tx store.Tx) error {
		envID, err := tx.EnsureEnvironment(ctx, envCode, "")
		if err != nil {
			return err
		}
		consumer, err = tx.EnsureConsumer(ctx, envID, guid, m.clock())
		return err
	})
	if err != nil {
		return nil, err
	}
	lifecycle.WithFields(m.logger.WithContext(ctx), map[string]any{"consumer_id": consumer.ID}).
		Info("consumer registered env=%s guid=%s", envCode, consumer.GUID)
	return consumer, nil
}

// Heartbeat refreshes the consumer's liveness timestamp.
func (m *Manager) Heartbeat(ctx context.Context, consumerID int64) error {
	if err := lifecycle.CheckContext(ctx); err != nil {
		return err
	}
	return m.store.RunInTransaction(ctx, func(tx store.Tx) error {
		return tx.Heartbeat(ctx, consumerID, m.clock())
	})
}

// AliveConsumers lists consumers of envCode whose last heartbeat is within ttl.
// An empty envCode lists every environment.
func (m *Manager) AliveConsumers(ctx context.Context, envCode string, ttl time.Duration) ([]store.Consumer, error) {
	if err := lifecycle.CheckContext(ctx); err != nil {
		return nil, err
	}
	var alive []store.Consumer
	err := m.store.RunInTransaction(ctx, func(tx store.Tx) error {
		var envID int64
		if strings.TrimSpace(envCode) != "" {
			env, err := tx.GetEnvironment(ctx, envCode)
			if err != nil {
				return err
			}
			if env == nil {
				return lifecycle.NewError(lifecycle.ErrNotFound, "environment not found", nil, map[string]any{"env": envCode})
			}
			envID = env.ID
		}
		consumers, err := tx.ListConsumers(ctx, envID)
		if err != nil {
			return err
		}
		now := m.clock()
		for _, c := range consumers {
			if c.Alive(now, ttl) {
				alive = append(alive, c)
			}
		}
		return nil
	})
	return alive, err
}
