package engine

import (
	"context"
	"strings"

	lifecycle "github.com/goliatone/go-lifecycle"
	"github.com/goliatone/go-lifecycle/store"
)

// HistoryEntry is one applied transition of an instance with its names resolved.
type HistoryEntry struct {
	store.Lifecycle
	FromState string
	ToState   string
	Event     string
	EventCode int
	Data      store.LifecycleData
}

// History lists the transitions applied to an instance, oldest first.
func (e *Engine) History(ctx context.Context, instanceID int64) ([]HistoryEntry, error) {
	if err := lifecycle.CheckContext(ctx); err != nil {
		return nil, err
	}
	var (
		inst    *store.Instance
		entries []HistoryEntry
	)
	err := e.store.RunInTransaction(ctx, func(tx store.Tx) error {
		var err error
		inst, err = tx.GetInstanceByID(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst == nil {
			return lifecycle.NewError(lifecycle.ErrNotFound, "instance not found", nil, map[string]any{"instance_id": instanceID})
		}
		rows, err := e.machine.History(ctx, tx, instanceID)
		if err != nil {
			return err
		}
		entries = make([]HistoryEntry, 0, len(rows))
		for _, row := range rows {
			entry := HistoryEntry{Lifecycle: row}
			data, err := tx.GetLifecycleData(ctx, row.ID)
			if err != nil {
				return err
			}
			if data != nil {
				entry.Data = *data
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	bp, err := e.catalog.Version(ctx, inst.VersionID)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].FromState = bp.StateName(entries[i].FromStateID)
		entries[i].ToState = bp.StateName(entries[i].ToStateID)
		if evt, ok := bp.EventByID(entries[i].EventID); ok {
			entries[i].Event = evt.Name
			entries[i].EventCode = evt.Code
		}
	}
	return entries, nil
}

// Instance looks up the instance of externalRef on the latest version of a definition.
func (e *Engine) Instance(ctx context.Context, envCode, definition, externalRef string) (*store.Instance, error) {
	bp, err := e.catalog.Latest(ctx, envCode, definition)
	if err != nil {
		return nil, err
	}
	var inst *store.Instance
	err = e.store.RunInTransaction(ctx, func(tx store.Tx) error {
		var err error
		inst, err = tx.GetInstance(ctx, bp.VersionID(), strings.TrimSpace(externalRef))
		return err
	})
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, lifecycle.NewError(lifecycle.ErrNotFound, "instance not found", nil,
			map[string]any{"env": envCode, "definition": definition, "external_ref": externalRef})
	}
	return inst, nil
}
