package blueprint

import (
	"context"
	"strings"

	lifecycle "github.com/goliatone/go-lifecycle"
	"github.com/goliatone/go-lifecycle/store"
)

// Catalog resolves blueprints through the cache and imports definition versions.
type Catalog struct {
	store  store.Store
	cache  Cache
	logger lifecycle.Logger
}

// CatalogOption configures a Catalog.
type CatalogOption func(*Catalog)

// WithCache sets the blueprint cache. A nil cache disables caching.
func WithCache(cache Cache) CatalogOption {
	return func(c *Catalog) {
		if cache == nil {
			cache = NoopCache{}
		}
		c.cache = cache
	}
}

// WithLogger sets the catalog logger.
func WithLogger(logger lifecycle.Logger) CatalogOption {
	return func(c *Catalog) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCatalog constructs a catalog backed by s with a MemoryCache by default.
func NewCatalog(s store.Store, opts ...CatalogOption) *Catalog {
	c := &Catalog{
		store:  s,
		cache:  NewMemoryCache(),
		logger: lifecycle.NopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Cache returns the configured cache.
func (c *Catalog) Cache() Cache { return c.cache }

// Latest resolves the highest version of a definition.
func (c *Catalog) Latest(ctx context.Context, envCode, name string) (*Blueprint, error) {
	if err := lifecycle.CheckContext(ctx); err != nil {
		return nil, err
	}
	return c.cache.Latest(ctx, envCode, name, func(ctx context.Context) (*Blueprint, error) {
		var bp *Blueprint
		err := c.store.RunInTransaction(ctx, func(tx store.Tx) error {
			version, err := LatestVersion(ctx, tx, envCode, name)
			if err != nil {
				return err
			}
			bp, err = Load(ctx, tx, version.ID)
			return err
		})
		return bp, err
	})
}

// Version resolves a definition version by id.
func (c *Catalog) Version(ctx context.Context, versionID int64) (*Blueprint, error) {
	if err := lifecycle.CheckContext(ctx); err != nil {
		return nil, err
	}
	return c.cache.Version(ctx, versionID, func(ctx context.Context) (*Blueprint, error) {
		var bp *Blueprint
		err := c.store.RunInTransaction(ctx, func(tx store.Tx) error {
			var err error
			bp, err = Load(ctx, tx, versionID)
			return err
		})
		return bp, err
	})
}

// LatestVersion resolves the latest version row of (envCode, name) inside tx.
func LatestVersion(ctx context.Context, tx store.Tx, envCode, name string) (*store.DefinitionVersion, error) {
	meta := map[string]any{"env": envCode, "definition": name}
	env, err := tx.GetEnvironment(ctx, envCode)
	if err != nil {
		return nil, err
	}
	if env == nil {
		return nil, lifecycle.NewError(lifecycle.ErrNotFound, "environment not found", nil, meta)
	}
	def, err := tx.GetDefinition(ctx, env.ID, name)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, lifecycle.NewError(lifecycle.ErrNotFound, "definition not found", nil, meta)
	}
	version, err := tx.GetLatestVersion(ctx, def.ID)
	if err != nil {
		return nil, err
	}
	if version == nil {
		return nil, lifecycle.NewError(lifecycle.ErrNotFound, "definition has no versions", nil, meta)
	}
	return version, nil
}

// ImportDefinition parses raw JSON and imports it; see ImportDocument.
func (c *Catalog) ImportDefinition(ctx context.Context, envCode, envDisplayName string, raw []byte) (int64, error) {
	doc, err := ParseDocument(raw)
	if err != nil {
		return 0, err
	}
	return c.importDocument(ctx, envCode, envDisplayName, doc, string(raw))
}

// ImportDocument imports a parsed document. A document whose hash matches an existing
// version of the same definition returns that version's id without writing.
func (c *Catalog) ImportDocument(ctx context.Context, envCode, envDisplayName string, doc *Document) (int64, error) {
	if err := doc.Validate(); err != nil {
		return 0, err
	}
	raw, err := doc.JSON()
	if err != nil {
		return 0, lifecycle.NewError(lifecycle.ErrInvalidDefinition, "encode definition", err, nil)
	}
	return c.importDocument(ctx, envCode, envDisplayName, doc, string(raw))
}

func (c *Catalog) importDocument(ctx context.Context, envCode, envDisplayName string, doc *Document, content string) (int64, error) {
	if err := lifecycle.CheckContext(ctx); err != nil {
		return 0, err
	}
	if strings.TrimSpace(envCode) == "" {
		return 0, lifecycle.NewError(lifecycle.ErrPreconditionFailed, "environment code required", nil, nil)
	}
	hash := doc.Hash()
	var (
		versionID int64
		created   bool
	)
	err := c.store.RunInTransaction(ctx, func(tx store.Tx) error {
		envID, err := tx.EnsureEnvironment(ctx, envCode, envDisplayName)
		if err != nil {
			return err
		}
		defID, err := tx.EnsureDefinition(ctx, envID, doc.Name, doc.Description)
		if err != nil {
			return err
		}
		existing, err := tx.GetVersionByHash(ctx, defID, hash)
		if err != nil {
			return err
		}
		if existing != nil {
			versionID = existing.ID
			return nil
		}
		next, err := tx.NextVersionNumber(ctx, defID)
		if err != nil {
			return err
		}
		versionID, err = tx.InsertVersion(ctx, store.DefinitionVersion{
			DefinitionID: defID,
			Version:      next,
			Hash:         hash,
			Content:      content,
		})
		if err != nil {
			return err
		}
		created = true
		return writeContent(ctx, tx, versionID, doc)
	})
	if err != nil {
		return 0, err
	}
	if created {
		c.cache.InvalidateDefinition(envCode, doc.Name)
	}
	c.logger.Info("definition %q imported env=%s version_id=%d created=%t", doc.Name, envCode, versionID, created)
	return versionID, nil
}

func writeContent(ctx context.Context, tx store.Tx, versionID int64, doc *Document) error {
	stateIDs := make(map[string]int64, len(doc.States))
	for _, st := range doc.States {
		categoryID, err := tx.EnsureCategory(ctx, st.Category)
		if err != nil {
			return err
		}
		rec := store.State{
			VersionID:  versionID,
			Name:       strings.TrimSpace(st.Name),
			CategoryID: categoryID,
			Flags:      st.Flags(),
		}
		if st.Timeout != nil {
			rec.Timeout = &store.StateTimeout{
				Minutes: st.Timeout.Minutes,
				Mode:    timeoutMode(st.Timeout.Mode),
				Event:   strings.TrimSpace(st.Timeout.Event),
			}
		}
		id, err := tx.InsertState(ctx, rec)
		if err != nil {
			return err
		}
		stateIDs[lifecycle.NormalizeName(st.Name)] = id
	}

	eventIDs := make(map[string]int64, len(doc.Events))
	for _, ev := range doc.Events {
		if err := ctx.Err(); err != nil {
			return err
		}
		id, err := tx.InsertEvent(ctx, store.Event{VersionID: versionID, Name: strings.TrimSpace(ev.Name), Code: ev.Code})
		if err != nil {
			return err
		}
		eventIDs[lifecycle.NormalizeName(ev.Name)] = id
	}

	for _, tr := range doc.Transitions {
		_, err := tx.InsertTransition(ctx, store.Transition{
			VersionID:   versionID,
			FromStateID: stateIDs[lifecycle.NormalizeName(tr.From)],
			ToStateID:   stateIDs[lifecycle.NormalizeName(tr.To)],
			EventID:     eventIDs[lifecycle.NormalizeName(tr.Event)],
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Catalog) InvalidateDefinition(envCode, name string) { c.cache.InvalidateDefinition(envCode, name) }
func (c *Catalog) InvalidateVersion(versionID int64)         { c.cache.InvalidateVersion(versionID) }
func (c *Catalog) ClearCache()                               { c.cache.Clear() }
