package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeLayout is the fixed-width UTC text form of persisted timestamps; text order equals time order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeLayout)
}

func parseTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(TimeLayout, value); err == nil {
		return ts, nil
	}
	return time.Parse(time.RFC3339Nano, value)
}

// textTime scans a TEXT timestamp column.
type textTime struct{ t *time.Time }

func (s textTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*s.t = time.Time{}
		return nil
	case time.Time:
		*s.t = v.UTC()
		return nil
	case string:
		ts, err := parseTime(v)
		*s.t = ts
		return err
	case []byte:
		ts, err := parseTime(string(v))
		*s.t = ts
		return err
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
}

// nullID scans a nullable id column, mapping NULL to zero.
type nullID struct{ id *int64 }

func (s nullID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*s.id = 0
		return nil
	case int64:
		*s.id = v
		return nil
	case int32:
		*s.id = int64(v)
		return nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		*s.id = n
		return err
	case []byte:
		n, err := strconv.ParseInt(string(v), 10, 64)
		*s.id = n
		return err
	default:
		return fmt.Errorf("unsupported id type %T", src)
	}
}

// nullText scans a nullable text column, mapping NULL to "".
type nullText struct{ s *string }

func (n nullText) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*n.s = ""
	case string:
		*n.s = v
	case []byte:
		*n.s = string(v)
	default:
		*n.s = fmt.Sprint(v)
	}
	return nil
}

// intBool scans an integer flag column.
type intBool struct{ b *bool }

func (s intBool) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*s.b = false
	case int64:
		*s.b = v != 0
	case bool:
		*s.b = v
	default:
		return fmt.Errorf("unsupported flag type %T", src)
	}
	return nil
}

func idArg(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

func boolArg(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func columns(alias string, names ...string) string {
	if alias == "" {
		return strings.Join(names, ", ")
	}
	out := make([]string, len(names))
	for i, name := range names {
		out[i] = alias + "." + name
	}
	return strings.Join(out, ", ")
}

var (
	instanceColumns  = []string{"id", "guid", "version_id", "external_ref", "current_state_id", "last_event_id", "policy_id", "flags", "message", "created_at", "updated_at"}
	lifecycleColumns = []string{"id", "instance_id", "from_state_id", "to_state_id", "event_id", "created_at"}
	hookColumns      = []string{"id", "instance_id", "state_id", "via_event_id", "on_entry", "route", "on_success", "on_failure", "created_at"}
	policyColumns    = []string{"id", "hash", "content", "created_at", "updated_at"}
	versionColumns   = []string{"id", "definition_id", "version", "hash", "content", "created_at"}
	stateColumns     = []string{"id", "version_id", "name", "normalized_name", "category_id", "flags", "timeout_minutes", "timeout_mode", "timeout_event"}
	consumerColumns  = []string{"id", "env_id", "guid", "last_heartbeat", "created_at"}
)

func instanceDest(inst *Instance) []any {
	return []any{
		&inst.ID, &inst.GUID, &inst.VersionID, &inst.ExternalRef, &inst.CurrentStateID,
		nullID{&inst.LastEventID}, nullID{&inst.PolicyID}, &inst.Flags, &inst.Message,
		textTime{&inst.CreatedAt}, textTime{&inst.UpdatedAt},
	}
}

func lifecycleDest(lc *Lifecycle) []any {
	return []any{&lc.ID, &lc.InstanceID, &lc.FromStateID, &lc.ToStateID, &lc.EventID, textTime{&lc.CreatedAt}}
}

func hookDest(h *Hook) []any {
	return []any{
		&h.ID, &h.InstanceID, &h.StateID, &h.ViaEventID, intBool{&h.OnEntry},
		&h.Route, &h.OnSuccess, &h.OnFailure, textTime{&h.CreatedAt},
	}
}

func policyDest(p *Policy) []any {
	return []any{&p.ID, &p.Hash, &p.Content, textTime{&p.CreatedAt}, textTime{&p.UpdatedAt}}
}

func versionDest(v *DefinitionVersion) []any {
	return []any{&v.ID, &v.DefinitionID, &v.Version, &v.Hash, &v.Content, textTime{&v.CreatedAt}}
}

func consumerDest(c *Consumer) []any {
	return []any{&c.ID, &c.EnvID, &c.GUID, textTime{&c.LastHeartbeat}, textTime{&c.CreatedAt}}
}

func ackConsumerDest(row *AckConsumer) []any {
	return []any{
		&row.ID, &row.AckID, &row.ConsumerID, &row.Status, &row.RetryCount,
		textTime{&row.LastRetry}, &row.Message, textTime{&row.UpdatedAt},
	}
}
