package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	lifecycle "github.com/goliatone/go-lifecycle"
)

// SQLStore persists the engine entities through database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	opts    options
}

// NewSQLStore wraps an open database. Call EnsureSchema before first use.
func NewSQLStore(db *sql.DB, dialect Dialect, opts ...Option) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, opts: buildOptions(opts)}
}

// OpenSQLite opens a modernc.org/sqlite database and creates the schema.
// A single connection is kept open so that ":memory:" databases persist across transactions.
func OpenSQLite(ctx context.Context, dsn string, opts ...Option) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open(SQLite.Driver, dsn)
	if err != nil {
		return nil, lifecycle.WrapStorage(err, "open sqlite", map[string]any{"dsn": dsn})
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, lifecycle.WrapStorage(err, "configure sqlite", nil)
		}
	}
	s := NewSQLStore(db, SQLite, opts...)
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres opens a postgres database through the pgx stdlib driver and creates the schema.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*SQLStore, error) {
	db, err := sql.Open(Postgres.Driver, dsn)
	if err != nil {
		return nil, lifecycle.WrapStorage(err, "open postgres", nil)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, lifecycle.WrapStorage(err, "ping postgres", nil)
	}
	s := NewSQLStore(db, Postgres, opts...)
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates missing tables and indexes.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("sql store not configured")
	}
	if err := s.dialect.ensureSchema(ctx, s.db); err != nil {
		return lifecycle.WrapStorage(err, "ensure schema", map[string]any{"dialect": s.dialect.Name})
	}
	return nil
}

// DB exposes the underlying handle.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RunInTransaction executes fn in a DB transaction.
func (s *SQLStore) RunInTransaction(ctx context.Context, fn func(Tx) error) error {
	if s == nil || s.db == nil {
		return errors.New("sql store not configured")
	}
	if fn == nil {
		return nil
	}
	if err := lifecycle.CheckContext(ctx); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return lifecycle.WrapStorage(err, "begin transaction", nil)
	}
	if err := fn(&sqlTx{tx: tx, d: s.dialect, opts: s.opts}); err != nil {
		_ = tx.Rollback()
		return lifecycle.WrapStorage(err, "transaction failed", nil)
	}
	if err := tx.Commit(); err != nil {
		return lifecycle.WrapStorage(err, "commit transaction", nil)
	}
	return nil
}

type sqlTx struct {
	tx   *sql.Tx
	d    Dialect
	opts options
}

func (tx *sqlTx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.tx.ExecContext(ctx, tx.d.Rebind(query), args...)
}

func (tx *sqlTx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return tx.tx.QueryRowContext(ctx, tx.d.Rebind(query), args...)
}

func (tx *sqlTx) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return tx.tx.QueryContext(ctx, tx.d.Rebind(query), args...)
}

func (tx *sqlTx) lookupID(ctx context.Context, query string, args ...any) (int64, error) {
	var id int64
	err := tx.queryRow(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return id, err
}

// ensureID returns the id selected by lookup, inserting the row first when it is absent.
func (tx *sqlTx) ensureID(ctx context.Context, lookup string, lookupArgs []any, insert string, insertArgs []any) (int64, error) {
	id, err := tx.lookupID(ctx, lookup, lookupArgs...)
	if err != nil || id != 0 {
		return id, err
	}
	if _, err := tx.exec(ctx, insert, insertArgs...); err != nil {
		return 0, err
	}
	id, err = tx.lookupID(ctx, lookup, lookupArgs...)
	if err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, lifecycle.NewError(lifecycle.ErrStorage, "row missing after insert", nil, map[string]any{"query": lookup})
	}
	return id, nil
}

func scanOne[T any](row *sql.Row, rec *T, dest []any) (*T, error) {
	err := row.Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func scanAll[T any](rows *sql.Rows, err error, dest func(*T) []any) ([]T, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]T, 0)
	for rows.Next() {
		var rec T
		if err := rows.Scan(dest(&rec)...); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (tx *sqlTx) EnsureEnvironment(ctx context.Context, code, displayName string) (int64, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return 0, lifecycle.NewError(lifecycle.ErrPreconditionFailed, "environment code required", nil, nil)
	}
	return tx.ensureID(ctx,
		`SELECT id FROM environments WHERE lower(code) = lower(?)`, []any{code},
		`INSERT INTO environments (code, display_name, created_at) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
		[]any{code, strings.TrimSpace(displayName), formatTime(tx.opts.clock())},
	)
}

func (tx *sqlTx) GetEnvironment(ctx context.Context, code string) (*Environment, error) {
	var env Environment
	return scanOne(tx.queryRow(ctx,
		`SELECT id, code, display_name, created_at FROM environments WHERE lower(code) = lower(?)`, strings.TrimSpace(code)),
		&env, []any{&env.ID, &env.Code, &env.DisplayName, textTime{&env.CreatedAt}})
}

func (tx *sqlTx) EnsureDefinition(ctx context.Context, envID int64, name, description string) (int64, error) {
	normalized := lifecycle.NormalizeName(name)
	if normalized == "" {
		return 0, lifecycle.NewError(lifecycle.ErrPreconditionFailed, "definition name required", nil, nil)
	}
	return tx.ensureID(ctx,
		`SELECT id FROM definitions WHERE env_id = ? AND normalized_name = ?`, []any{envID, normalized},
		`INSERT INTO definitions (env_id, name, normalized_name, description, created_at) VALUES (?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		[]any{envID, strings.TrimSpace(name), normalized, description, formatTime(tx.opts.clock())},
	)
}

const definitionSelect = `SELECT id, env_id, name, description, created_at FROM definitions`

func (tx *sqlTx) GetDefinition(ctx context.Context, envID int64, name string) (*Definition, error) {
	var def Definition
	return scanOne(tx.queryRow(ctx, definitionSelect+` WHERE env_id = ? AND normalized_name = ?`, envID, lifecycle.NormalizeName(name)),
		&def, []any{&def.ID, &def.EnvID, &def.Name, &def.Description, textTime{&def.CreatedAt}})
}

func (tx *sqlTx) GetDefinitionByID(ctx context.Context, id int64) (*Definition, error) {
	var def Definition
	return scanOne(tx.queryRow(ctx, definitionSelect+` WHERE id = ?`, id),
		&def, []any{&def.ID, &def.EnvID, &def.Name, &def.Description, textTime{&def.CreatedAt}})
}

func (tx *sqlTx) InsertVersion(ctx context.Context, version DefinitionVersion) (int64, error) {
	if version.CreatedAt.IsZero() {
		version.CreatedAt = tx.opts.clock()
	}
	return tx.ensureID(ctx,
		`SELECT id FROM definition_versions WHERE definition_id = ? AND version = ?`, []any{version.DefinitionID, version.Version},
		`INSERT INTO definition_versions (definition_id, version, hash, content, created_at) VALUES (?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		[]any{version.DefinitionID, version.Version, version.Hash, version.Content, formatTime(version.CreatedAt)},
	)
}

func (tx *sqlTx) GetVersion(ctx context.Context, id int64) (*DefinitionVersion, error) {
	var v DefinitionVersion
	return scanOne(tx.queryRow(ctx, `SELECT `+columns("", versionColumns...)+` FROM definition_versions WHERE id = ?`, id), &v, versionDest(&v))
}

func (tx *sqlTx) GetVersionByHash(ctx context.Context, definitionID int64, hash string) (*DefinitionVersion, error) {
	var v DefinitionVersion
	return scanOne(tx.queryRow(ctx,
		`SELECT `+columns("", versionColumns...)+` FROM definition_versions WHERE definition_id = ? AND hash = ? ORDER BY version ASC LIMIT 1`,
		definitionID, hash), &v, versionDest(&v))
}

func (tx *sqlTx) GetLatestVersion(ctx context.Context, definitionID int64) (*DefinitionVersion, error) {
	var v DefinitionVersion
	return scanOne(tx.queryRow(ctx,
		`SELECT `+columns("", versionColumns...)+` FROM definition_versions WHERE definition_id = ? ORDER BY version DESC LIMIT 1`,
		definitionID), &v, versionDest(&v))
}

func (tx *sqlTx) NextVersionNumber(ctx context.Context, definitionID int64) (int, error) {
	var next int
	err := tx.queryRow(ctx, `SELECT COALESCE(MAX(version), 0) + 1 FROM definition_versions WHERE definition_id = ?`, definitionID).Scan(&next)
	return next, err
}

func (tx *sqlTx) EnsureCategory(ctx context.Context, name string) (int64, error) {
	name = lifecycle.NormalizeName(name)
	if name == "" {
		return 0, nil
	}
	return tx.ensureID(ctx,
		`SELECT id FROM categories WHERE name = ?`, []any{name},
		`INSERT INTO categories (name) VALUES (?) ON CONFLICT DO NOTHING`, []any{name},
	)
}

func (tx *sqlTx) InsertState(ctx context.Context, state State) (int64, error) {
	normalized := lifecycle.NormalizeName(state.Name)
	var minutes, mode, event any
	if state.Timeout != nil {
		minutes, mode, event = state.Timeout.Minutes, state.Timeout.Mode, state.Timeout.Event
	}
	return tx.ensureID(ctx,
		`SELECT id FROM states WHERE version_id = ? AND normalized_name = ?`, []any{state.VersionID, normalized},
		`INSERT INTO states (version_id, name, normalized_name, category_id, flags, timeout_minutes, timeout_mode, timeout_event)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		[]any{state.VersionID, strings.TrimSpace(state.Name), normalized, idArg(state.CategoryID), int64(state.Flags), minutes, mode, event},
	)
}

func (tx *sqlTx) InsertEvent(ctx context.Context, event Event) (int64, error) {
	normalized := lifecycle.NormalizeName(event.Name)
	return tx.ensureID(ctx,
		`SELECT id FROM events WHERE version_id = ? AND normalized_name = ?`, []any{event.VersionID, normalized},
		`INSERT INTO events (version_id, name, normalized_name, code) VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		[]any{event.VersionID, strings.TrimSpace(event.Name), normalized, event.Code},
	)
}

func (tx *sqlTx) InsertTransition(ctx context.Context, t Transition) (int64, error) {
	return tx.ensureID(ctx,
		`SELECT id FROM transitions WHERE version_id = ? AND from_state_id = ? AND event_id = ?`,
		[]any{t.VersionID, t.FromStateID, t.EventID},
		`INSERT INTO transitions (version_id, from_state_id, to_state_id, event_id) VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		[]any{t.VersionID, t.FromStateID, t.ToStateID, t.EventID},
	)
}

type stateScan struct {
	State
	minutes sql.NullInt64
	mode    sql.NullString
	event   sql.NullString
}

func (s *stateScan) dest() []any {
	return []any{&s.ID, &s.VersionID, &s.Name, &s.Normalized, nullID{&s.CategoryID}, &s.Flags, &s.minutes, &s.mode, &s.event}
}

func (s *stateScan) record() State {
	st := s.State
	if s.minutes.Valid || s.mode.Valid || s.event.Valid {
		st.Timeout = &StateTimeout{Minutes: int(s.minutes.Int64), Mode: s.mode.String, Event: s.event.String}
	}
	return st
}

func (tx *sqlTx) ListStates(ctx context.Context, versionID int64) ([]State, error) {
	rows, err := tx.query(ctx, `SELECT `+columns("", stateColumns...)+` FROM states WHERE version_id = ? ORDER BY id`, versionID)
	scans, err := scanAll(rows, err, func(s *stateScan) []any { return s.dest() })
	if err != nil {
		return nil, err
	}
	out := make([]State, 0, len(scans))
	for i := range scans {
		out = append(out, scans[i].record())
	}
	return out, nil
}

func (tx *sqlTx) ListEvents(ctx context.Context, versionID int64) ([]Event, error) {
	rows, err := tx.query(ctx, `SELECT id, version_id, name, normalized_name, code FROM events WHERE version_id = ? ORDER BY id`, versionID)
	return scanAll(rows, err, func(e *Event) []any {
		return []any{&e.ID, &e.VersionID, &e.Name, &e.Normalized, &e.Code}
	})
}

func (tx *sqlTx) ListTransitions(ctx context.Context, versionID int64) ([]Transition, error) {
	rows, err := tx.query(ctx, `SELECT id, version_id, from_state_id, to_state_id, event_id FROM transitions WHERE version_id = ? ORDER BY id`, versionID)
	return scanAll(rows, err, func(t *Transition) []any {
		return []any{&t.ID, &t.VersionID, &t.FromStateID, &t.ToStateID, &t.EventID}
	})
}

func (tx *sqlTx) EnsurePolicyByHash(ctx context.Context, hash, content string) (int64, error) {
	now := formatTime(tx.opts.clock())
	id, err := tx.ensureID(ctx,
		`SELECT id FROM policies WHERE hash = ?`, []any{hash},
		`INSERT INTO policies (hash, content, created_at, updated_at) VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		[]any{hash, content, now, now},
	)
	if err != nil {
		return 0, err
	}
	if _, err := tx.exec(ctx, `UPDATE policies SET content = ?, updated_at = ? WHERE id = ? AND content <> ?`, content, now, id, content); err != nil {
		return 0, err
	}
	return id, nil
}

func (tx *sqlTx) GetPolicy(ctx context.Context, id int64) (*Policy, error) {
	var p Policy
	return scanOne(tx.queryRow(ctx, `SELECT `+columns("", policyColumns...)+` FROM policies WHERE id = ?`, id), &p, policyDest(&p))
}

func (tx *sqlTx) AttachPolicy(ctx context.Context, definitionID, policyID int64) error {
	policy, err := tx.GetPolicy(ctx, policyID)
	if err != nil {
		return err
	}
	if policy == nil {
		return notFound("policy", map[string]any{"policy_id": policyID})
	}
	var seq int64
	if err := tx.queryRow(ctx, `SELECT COALESCE(MAX(attach_seq), 0) + 1 FROM definition_policies`).Scan(&seq); err != nil {
		return err
	}
	now := formatTime(tx.opts.clock())
	result, err := tx.exec(ctx,
		`UPDATE definition_policies SET attached_at = ?, attach_seq = ? WHERE definition_id = ? AND policy_id = ?`,
		now, seq, definitionID, policyID)
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected > 0 {
		return nil
	}
	_, err = tx.exec(ctx,
		`INSERT INTO definition_policies (definition_id, policy_id, attached_at, attach_seq) VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		definitionID, policyID, now, seq)
	return err
}

func (tx *sqlTx) ListAttachedPolicies(ctx context.Context, definitionID int64) ([]PolicyAttachment, error) {
	rows, err := tx.query(ctx,
		`SELECT `+columns("p", policyColumns...)+`, dp.definition_id, dp.attached_at, dp.attach_seq
		FROM definition_policies dp JOIN policies p ON p.id = dp.policy_id
		WHERE dp.definition_id = ? ORDER BY dp.attach_seq DESC, dp.id DESC`, definitionID)
	return scanAll(rows, err, func(a *PolicyAttachment) []any {
		return append(policyDest(&a.Policy), &a.DefinitionID, textTime{&a.AttachedAt}, &a.Seq)
	})
}

const instanceSelect = `SELECT id, guid, version_id, external_ref, current_state_id, last_event_id, policy_id, flags, message, created_at, updated_at FROM instances`

func (tx *sqlTx) GetInstance(ctx context.Context, versionID int64, externalRef string) (*Instance, error) {
	var inst Instance
	return scanOne(tx.queryRow(ctx, instanceSelect+` WHERE version_id = ? AND external_ref = ?`, versionID, strings.TrimSpace(externalRef)),
		&inst, instanceDest(&inst))
}

func (tx *sqlTx) GetInstanceByID(ctx context.Context, id int64) (*Instance, error) {
	var inst Instance
	return scanOne(tx.queryRow(ctx, instanceSelect+` WHERE id = ?`, id), &inst, instanceDest(&inst))
}

func (tx *sqlTx) InsertInstance(ctx context.Context, instance Instance) (*Instance, error) {
	now := formatTime(tx.opts.clock())
	ref := strings.TrimSpace(instance.ExternalRef)
	_, err := tx.exec(ctx,
		`INSERT INTO instances (guid, version_id, external_ref, current_state_id, last_event_id, policy_id, flags, message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		instance.GUID, instance.VersionID, ref, instance.CurrentStateID, idArg(instance.LastEventID), idArg(instance.PolicyID),
		int64(instance.Flags), instance.Message, now, now)
	if err != nil {
		return nil, err
	}
	inst, err := tx.GetInstance(ctx, instance.VersionID, ref)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, lifecycle.NewError(lifecycle.ErrStorage, "instance missing after insert", nil, map[string]any{"external_ref": ref})
	}
	return inst, nil
}

func (tx *sqlTx) CompareAndSwapState(ctx context.Context, instanceID, expectedStateID, newStateID, eventID int64, flags InstanceFlag) (bool, error) {
	result, err := tx.exec(ctx,
		`UPDATE instances SET current_state_id = ?, last_event_id = ?, flags = ?, updated_at = ? WHERE id = ? AND current_state_id = ?`,
		newStateID, idArg(eventID), int64(flags), formatTime(tx.opts.clock()), instanceID, expectedStateID)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (tx *sqlTx) SetInstancePolicy(ctx context.Context, instanceID, policyID int64) error {
	result, err := tx.exec(ctx, `UPDATE instances SET policy_id = ?, updated_at = ? WHERE id = ?`,
		idArg(policyID), formatTime(tx.opts.clock()), instanceID)
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return notFound("instance", map[string]any{"instance_id": instanceID})
	}
	return nil
}

func (tx *sqlTx) InsertLifecycle(ctx context.Context, lc Lifecycle) (int64, error) {
	if lc.CreatedAt.IsZero() {
		lc.CreatedAt = tx.opts.clock()
	}
	var id int64
	err := tx.queryRow(ctx,
		`INSERT INTO lifecycles (instance_id, from_state_id, to_state_id, event_id, created_at) VALUES (?, ?, ?, ?, ?) RETURNING id`,
		lc.InstanceID, lc.FromStateID, lc.ToStateID, lc.EventID, formatTime(lc.CreatedAt)).Scan(&id)
	return id, err
}

func (tx *sqlTx) UpsertLifecycleData(ctx context.Context, data LifecycleData) error {
	_, err := tx.exec(ctx,
		`INSERT INTO lifecycle_data (lifecycle_id, actor, request_id, payload) VALUES (?, ?, ?, ?)
		ON CONFLICT (lifecycle_id) DO UPDATE SET actor = excluded.actor, request_id = excluded.request_id, payload = excluded.payload`,
		data.LifecycleID, data.Actor, data.RequestID, data.Payload)
	return err
}

func (tx *sqlTx) GetLifecycle(ctx context.Context, id int64) (*Lifecycle, error) {
	var lc Lifecycle
	return scanOne(tx.queryRow(ctx, `SELECT `+columns("", lifecycleColumns...)+` FROM lifecycles WHERE id = ?`, id), &lc, lifecycleDest(&lc))
}

func (tx *sqlTx) GetLifecycleData(ctx context.Context, lifecycleID int64) (*LifecycleData, error) {
	var data LifecycleData
	return scanOne(tx.queryRow(ctx, `SELECT lifecycle_id, actor, request_id, payload FROM lifecycle_data WHERE lifecycle_id = ?`, lifecycleID),
		&data, []any{&data.LifecycleID, &data.Actor, &data.RequestID, &data.Payload})
}

func (tx *sqlTx) ListLifecycles(ctx context.Context, instanceID int64) ([]Lifecycle, error) {
	rows, err := tx.query(ctx, `SELECT `+columns("", lifecycleColumns...)+` FROM lifecycles WHERE instance_id = ? ORDER BY id`, instanceID)
	return scanAll(rows, err, lifecycleDest)
}

func (tx *sqlTx) UpsertHook(ctx context.Context, hook Hook) (int64, error) {
	route := strings.TrimSpace(hook.Route)
	lookup := `SELECT id FROM hooks WHERE instance_id = ? AND state_id = ? AND via_event_id = ? AND on_entry = ? AND route = ?`
	args := []any{hook.InstanceID, hook.StateID, hook.ViaEventID, boolArg(hook.OnEntry), route}
	id, err := tx.ensureID(ctx, lookup, args,
		`INSERT INTO hooks (instance_id, state_id, via_event_id, on_entry, route, on_success, on_failure, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		append(append([]any{}, args...), hook.OnSuccess, hook.OnFailure, formatTime(tx.opts.clock())),
	)
	if err != nil {
		return 0, err
	}
	_, err = tx.exec(ctx, `UPDATE hooks SET on_success = ?, on_failure = ? WHERE id = ?`, hook.OnSuccess, hook.OnFailure, id)
	return id, err
}

func (tx *sqlTx) ListHooks(ctx context.Context, instanceID int64) ([]Hook, error) {
	rows, err := tx.query(ctx, `SELECT `+columns("", hookColumns...)+` FROM hooks WHERE instance_id = ? ORDER BY id`, instanceID)
	return scanAll(rows, err, hookDest)
}

func (tx *sqlTx) InsertAck(ctx context.Context, guid string) (*Ack, error) {
	guid = strings.TrimSpace(guid)
	if guid == "" {
		return nil, lifecycle.NewError(lifecycle.ErrPreconditionFailed, "ack guid required", nil, nil)
	}
	if _, err := tx.exec(ctx, `INSERT INTO acks (guid, created_at) VALUES (?, ?) ON CONFLICT DO NOTHING`, guid, formatTime(tx.opts.clock())); err != nil {
		return nil, err
	}
	ack, err := tx.GetAckByGUID(ctx, guid)
	if err != nil {
		return nil, err
	}
	if ack == nil {
		return nil, lifecycle.NewError(lifecycle.ErrStorage, "ack missing after insert", nil, map[string]any{"ack_guid": guid})
	}
	return ack, nil
}

func (tx *sqlTx) GetAckByGUID(ctx context.Context, guid string) (*Ack, error) {
	var ack Ack
	return scanOne(tx.queryRow(ctx, `SELECT id, guid, created_at FROM acks WHERE lower(guid) = lower(?)`, strings.TrimSpace(guid)),
		&ack, []any{&ack.ID, &ack.GUID, textTime{&ack.CreatedAt}})
}

func (tx *sqlTx) GetLifecycleAck(ctx context.Context, lifecycleID int64) (*Ack, error) {
	var ack Ack
	return scanOne(tx.queryRow(ctx, `SELECT a.id, a.guid, a.created_at FROM lc_acks l JOIN acks a ON a.id = l.ack_id WHERE l.lifecycle_id = ?`, lifecycleID),
		&ack, []any{&ack.ID, &ack.GUID, textTime{&ack.CreatedAt}})
}

func (tx *sqlTx) AttachLifecycleAck(ctx context.Context, lifecycleID, ackID int64) error {
	_, err := tx.exec(ctx, `INSERT INTO lc_acks (lifecycle_id, ack_id) VALUES (?, ?) ON CONFLICT DO NOTHING`, lifecycleID, ackID)
	return err
}

func (tx *sqlTx) GetHookAck(ctx context.Context, hookID int64) (*Ack, error) {
	var ack Ack
	return scanOne(tx.queryRow(ctx, `SELECT a.id, a.guid, a.created_at FROM hook_acks h JOIN acks a ON a.id = h.ack_id WHERE h.hook_id = ?`, hookID),
		&ack, []any{&ack.ID, &ack.GUID, textTime{&ack.CreatedAt}})
}

func (tx *sqlTx) AttachHookAck(ctx context.Context, hookID, ackID int64) error {
	_, err := tx.exec(ctx, `INSERT INTO hook_acks (hook_id, ack_id) VALUES (?, ?) ON CONFLICT DO NOTHING`, hookID, ackID)
	return err
}

func (tx *sqlTx) EnsureAckConsumer(ctx context.Context, ackID, consumerID int64, status AckStatus, at time.Time) (bool, error) {
	if at.IsZero() {
		at = tx.opts.clock()
	}
	stamp := formatTime(at)
	result, err := tx.exec(ctx,
		`INSERT INTO ack_consumers (ack_id, consumer_id, status, retry_count, last_retry, message, updated_at)
		VALUES (?, ?, ?, 0, ?, '', ?) ON CONFLICT DO NOTHING`,
		ackID, consumerID, int64(status), stamp, stamp)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

const ackConsumerSelect = `SELECT id, ack_id, consumer_id, status, retry_count, last_retry, message, updated_at FROM ack_consumers`

func (tx *sqlTx) GetAckConsumer(ctx context.Context, ackID, consumerID int64) (*AckConsumer, error) {
	var row AckConsumer
	return scanOne(tx.queryRow(ctx, ackConsumerSelect+` WHERE ack_id = ? AND consumer_id = ?`, ackID, consumerID), &row, ackConsumerDest(&row))
}

func (tx *sqlTx) ListAckConsumers(ctx context.Context, ackID int64) ([]AckConsumer, error) {
	rows, err := tx.query(ctx, ackConsumerSelect+` WHERE ack_id = ? ORDER BY id`, ackID)
	return scanAll(rows, err, ackConsumerDest)
}

func (tx *sqlTx) SetAckConsumerStatus(ctx context.Context, ackID, consumerID int64, status AckStatus, message string, at time.Time) error {
	if at.IsZero() {
		at = tx.opts.clock()
	}
	result, err := tx.exec(ctx,
		`UPDATE ack_consumers SET status = ?, message = ?, updated_at = ? WHERE ack_id = ? AND consumer_id = ?`,
		int64(status), message, formatTime(at), ackID, consumerID)
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return notFound("ack consumer", map[string]any{"ack_id": ackID, "consumer_id": consumerID})
	}
	return nil
}

func (tx *sqlTx) RetryAckConsumer(ctx context.Context, ackID, consumerID int64, retryAt time.Time, message string) error {
	if retryAt.IsZero() {
		retryAt = tx.opts.clock()
	}
	result, err := tx.exec(ctx,
		`UPDATE ack_consumers
		SET status = ?, retry_count = retry_count + 1, last_retry = ?, updated_at = ?,
			message = CASE WHEN ? = '' THEN message ELSE ? END
		WHERE ack_id = ? AND consumer_id = ?`,
		int64(AckPending), formatTime(retryAt), formatTime(tx.opts.clock()), message, message, ackID, consumerID)
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return notFound("ack consumer", map[string]any{"ack_id": ackID, "consumer_id": consumerID})
	}
	return nil
}

func pendingFilter(q DispatchQuery) (string, []any) {
	where := `ac.consumer_id = ? AND ac.status = ?`
	args := []any{q.ConsumerID, int64(q.Status)}
	if !q.OlderThan.IsZero() {
		where += ` AND ac.last_retry < ?`
		args = append(args, formatTime(q.OlderThan))
	}
	return where, args
}

const lifecycleDispatchFrom = `FROM ack_consumers ac
	JOIN acks a ON a.id = ac.ack_id
	JOIN lc_acks la ON la.ack_id = ac.ack_id
	JOIN lifecycles l ON l.id = la.lifecycle_id
	JOIN instances i ON i.id = l.instance_id
	JOIN states fs ON fs.id = l.from_state_id
	JOIN states ts ON ts.id = l.to_state_id
	JOIN events e ON e.id = l.event_id
	LEFT JOIN lifecycle_data ld ON ld.lifecycle_id = l.id
	LEFT JOIN policies p ON p.id = i.policy_id`

const hookDispatchFrom = `FROM ack_consumers ac
	JOIN acks a ON a.id = ac.ack_id
	JOIN hook_acks ha ON ha.ack_id = ac.ack_id
	JOIN hooks h ON h.id = ha.hook_id
	JOIN instances i ON i.id = h.instance_id
	JOIN states s ON s.id = h.state_id
	JOIN events e ON e.id = h.via_event_id`

const deliveryColumns = `ac.id, ac.ack_id, a.guid, ac.consumer_id, ac.status, ac.retry_count, ac.last_retry`

func deliveryDest(d *AckDelivery) []any {
	return []any{&d.AckConsumerID, &d.AckID, &d.AckGUID, &d.ConsumerID, &d.Status, &d.RetryCount, textTime{&d.LastRetry}}
}

type lifecycleDispatchScan struct {
	LifecycleDispatchRow
	policyID      int64
	policyHash    string
	policyContent string
	policyCreated time.Time
	policyUpdated time.Time
}

func (s *lifecycleDispatchScan) dest() []any {
	dest := deliveryDest(&s.AckDelivery)
	dest = append(dest, lifecycleDest(&s.Lifecycle)...)
	dest = append(dest, instanceDest(&s.Instance)...)
	return append(dest, &s.FromState, &s.ToState, &s.EventName, &s.EventCode,
		nullText{&s.Data.Actor}, nullText{&s.Data.RequestID}, nullText{&s.Data.Payload},
		nullID{&s.policyID}, nullText{&s.policyHash}, nullText{&s.policyContent},
		textTime{&s.policyCreated}, textTime{&s.policyUpdated})
}

func (tx *sqlTx) ListPendingLifecycleDispatch(ctx context.Context, query DispatchQuery) ([]LifecycleDispatchRow, error) {
	query = normalizeQuery(query)
	where, args := pendingFilter(query)
	q := fmt.Sprintf(`SELECT %s, %s, %s, fs.name, ts.name, e.name, e.code, ld.actor, ld.request_id, ld.payload, %s %s WHERE %s ORDER BY ac.last_retry ASC, ac.id ASC LIMIT ? OFFSET ?`,
		deliveryColumns, columns("l", lifecycleColumns...), columns("i", instanceColumns...), columns("p", policyColumns...),
		lifecycleDispatchFrom, where)
	rows, err := tx.query(ctx, q, append(args, query.Take, query.Skip)...)
	scans, err := scanAll(rows, err, func(s *lifecycleDispatchScan) []any { return s.dest() })
	if err != nil {
		return nil, err
	}
	out := make([]LifecycleDispatchRow, 0, len(scans))
	for _, s := range scans {
		row := s.LifecycleDispatchRow
		row.Data.LifecycleID = row.Lifecycle.ID
		if s.policyID != 0 {
			row.Policy = &Policy{ID: s.policyID, Hash: s.policyHash, Content: s.policyContent, CreatedAt: s.policyCreated, UpdatedAt: s.policyUpdated}
		}
		out = append(out, row)
	}
	return out, nil
}

func (tx *sqlTx) ListPendingHookDispatch(ctx context.Context, query DispatchQuery) ([]HookDispatchRow, error) {
	query = normalizeQuery(query)
	where, args := pendingFilter(query)
	q := fmt.Sprintf(`SELECT %s, %s, %s, s.name, e.name, e.code %s WHERE %s ORDER BY ac.last_retry ASC, ac.id ASC LIMIT ? OFFSET ?`,
		deliveryColumns, columns("h", hookColumns...), columns("i", instanceColumns...), hookDispatchFrom, where)
	rows, err := tx.query(ctx, q, append(args, query.Take, query.Skip)...)
	return scanAll(rows, err, func(r *HookDispatchRow) []any {
		dest := deliveryDest(&r.AckDelivery)
		dest = append(dest, hookDest(&r.Hook)...)
		dest = append(dest, instanceDest(&r.Instance)...)
		return append(dest, &r.State, &r.ViaEventName, &r.ViaEventCode)
	})
}

func (tx *sqlTx) countPending(ctx context.Context, from string, query DispatchQuery) (int, error) {
	where, args := pendingFilter(normalizeQuery(query))
	var n int
	err := tx.queryRow(ctx, `SELECT COUNT(*) `+from+` WHERE `+where, args...).Scan(&n)
	return n, err
}

func (tx *sqlTx) CountPendingLifecycleDispatch(ctx context.Context, query DispatchQuery) (int, error) {
	return tx.countPending(ctx, lifecycleDispatchFrom, query)
}

func (tx *sqlTx) CountPendingHookDispatch(ctx context.Context, query DispatchQuery) (int, error) {
	return tx.countPending(ctx, hookDispatchFrom, query)
}

func (tx *sqlTx) EnsureConsumer(ctx context.Context, envID int64, guid string, at time.Time) (*Consumer, error) {
	guid = strings.TrimSpace(guid)
	if guid == "" {
		return nil, lifecycle.NewError(lifecycle.ErrPreconditionFailed, "consumer guid required", nil, nil)
	}
	if at.IsZero() {
		at = tx.opts.clock()
	}
	if _, err := tx.exec(ctx,
		`INSERT INTO consumers (env_id, guid, last_heartbeat, created_at) VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		envID, guid, formatTime(at), formatTime(tx.opts.clock())); err != nil {
		return nil, err
	}
	var c Consumer
	found, err := scanOne(tx.queryRow(ctx, `SELECT `+columns("", consumerColumns...)+` FROM consumers WHERE guid = ?`, guid), &c, consumerDest(&c))
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, lifecycle.NewError(lifecycle.ErrStorage, "consumer missing after insert", nil, map[string]any{"guid": guid})
	}
	return found, nil
}

func (tx *sqlTx) GetConsumer(ctx context.Context, id int64) (*Consumer, error) {
	var c Consumer
	return scanOne(tx.queryRow(ctx, `SELECT `+columns("", consumerColumns...)+` FROM consumers WHERE id = ?`, id), &c, consumerDest(&c))
}

func (tx *sqlTx) Heartbeat(ctx context.Context, consumerID int64, at time.Time) error {
	if at.IsZero() {
		at = tx.opts.clock()
	}
	result, err := tx.exec(ctx, `UPDATE consumers SET last_heartbeat = ? WHERE id = ?`, formatTime(at), consumerID)
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return notFound("consumer", map[string]any{"consumer_id": consumerID})
	}
	return nil
}

func (tx *sqlTx) ListConsumers(ctx context.Context, envID int64) ([]Consumer, error) {
	q := `SELECT ` + columns("", consumerColumns...) + ` FROM consumers`
	args := []any{}
	if envID != 0 {
		q += ` WHERE env_id = ?`
		args = append(args, envID)
	}
	rows, err := tx.query(ctx, q+` ORDER BY id`, args...)
	return scanAll(rows, err, consumerDest)
}
