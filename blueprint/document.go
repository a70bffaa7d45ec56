package blueprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	lifecycle "github.com/goliatone/go-lifecycle"
	"github.com/goliatone/go-lifecycle/store"
)

const (
	TimeoutOnce   = "once"
	TimeoutRepeat = "repeat"
)

// Document is the JSON definition document.
type Document struct {
	Name        string           `json:"name" yaml:"name"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	States      []StateSpec      `json:"states" yaml:"states"`
	Events      []EventSpec      `json:"events" yaml:"events"`
	Transitions []TransitionSpec `json:"transitions" yaml:"transitions"`
}

type StateSpec struct {
	Name     string       `json:"name" yaml:"name"`
	Category string       `json:"category,omitempty" yaml:"category,omitempty"`
	Initial  bool         `json:"initial,omitempty" yaml:"initial,omitempty"`
	Final    bool         `json:"final,omitempty" yaml:"final,omitempty"`
	System   bool         `json:"system,omitempty" yaml:"system,omitempty"`
	Error    bool         `json:"error,omitempty" yaml:"error,omitempty"`
	Timeout  *TimeoutSpec `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

type TimeoutSpec struct {
	Minutes int    `json:"minutes" yaml:"minutes"`
	Mode    string `json:"mode,omitempty" yaml:"mode,omitempty"`
	Event   string `json:"event,omitempty" yaml:"event,omitempty"`
}

type EventSpec struct {
	Name string `json:"name" yaml:"name"`
	Code int    `json:"code" yaml:"code"`
}

type TransitionSpec struct {
	From  string `json:"from" yaml:"from"`
	To    string `json:"to" yaml:"to"`
	Event string `json:"event" yaml:"event"`
}

// Flags returns the stored flag bitset for the state.
func (s StateSpec) Flags() store.StateFlag {
	var flags store.StateFlag
	if s.Initial {
		flags |= store.StateInitial
	}
	if s.Final {
		flags |= store.StateFinal
	}
	if s.System {
		flags |= store.StateSystem
	}
	if s.Error {
		flags |= store.StateError
	}
	return flags
}

func invalid(message string, metadata map[string]any) error {
	return lifecycle.NewError(lifecycle.ErrInvalidDefinition, message, nil, metadata)
}

// ParseDocument decodes and validates a definition document.
func ParseDocument(raw []byte) (*Document, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, invalid("definition document is empty", nil)
	}
	var doc Document
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&doc); err != nil {
		return nil, lifecycle.NewError(lifecycle.ErrInvalidDefinition, "definition document is not valid json", err, nil)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ParseYAMLDocument decodes and validates a YAML definition document.
func ParseYAMLDocument(raw []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, lifecycle.NewError(lifecycle.ErrInvalidDefinition, "definition document is not valid yaml", err, nil)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// JSON encodes the document in its JSON form.
func (d *Document) JSON() ([]byte, error) {
	return json.Marshal(d)
}

// Validate checks structural consistency of the document.
func (d *Document) Validate() error {
	if d == nil {
		return invalid("definition document required", nil)
	}
	if lifecycle.NormalizeName(d.Name) == "" {
		return invalid("definition name required", nil)
	}
	if len(d.States) == 0 {
		return invalid("definition requires at least one state", map[string]any{"definition": d.Name})
	}

	states := make(map[string]bool, len(d.States))
	initial := 0
	for _, st := range d.States {
		key := lifecycle.NormalizeName(st.Name)
		if key == "" {
			return invalid("state name required", map[string]any{"definition": d.Name})
		}
		if states[key] {
			return invalid("duplicate state", map[string]any{"state": st.Name})
		}
		states[key] = true
		if st.Initial {
			initial++
		}
	}
	if initial > 1 {
		return invalid("at most one initial state allowed", map[string]any{"definition": d.Name, "initial_states": initial})
	}

	events := make(map[string]bool, len(d.Events))
	codes := make(map[int]string, len(d.Events))
	for _, ev := range d.Events {
		key := lifecycle.NormalizeName(ev.Name)
		if key == "" {
			return invalid("event name required", map[string]any{"definition": d.Name})
		}
		if events[key] {
			return invalid("duplicate event", map[string]any{"event": ev.Name})
		}
		if other, ok := codes[ev.Code]; ok {
			return invalid("duplicate event code", map[string]any{"event": ev.Name, "other": other, "code": ev.Code})
		}
		events[key] = true
		codes[ev.Code] = ev.Name
	}

	for _, st := range d.States {
		if st.Timeout == nil {
			continue
		}
		mode := strings.ToLower(strings.TrimSpace(st.Timeout.Mode))
		if mode != "" && mode != TimeoutOnce && mode != TimeoutRepeat {
			return invalid("unknown timeout mode", map[string]any{"state": st.Name, "mode": st.Timeout.Mode})
		}
		if st.Timeout.Minutes <= 0 {
			return invalid("timeout minutes must be positive", map[string]any{"state": st.Name})
		}
		if ev := lifecycle.NormalizeName(st.Timeout.Event); ev != "" && !events[ev] {
			return invalid("timeout references unknown event", map[string]any{"state": st.Name, "event": st.Timeout.Event})
		}
	}

	seen := make(map[string]bool, len(d.Transitions))
	for _, tr := range d.Transitions {
		from, to, ev := lifecycle.NormalizeName(tr.From), lifecycle.NormalizeName(tr.To), lifecycle.NormalizeName(tr.Event)
		if !states[from] {
			return invalid("transition references unknown state", map[string]any{"state": tr.From})
		}
		if !states[to] {
			return invalid("transition references unknown state", map[string]any{"state": tr.To})
		}
		if !events[ev] {
			return invalid("transition references unknown event", map[string]any{"event": tr.Event})
		}
		key := from + "::" + ev
		if seen[key] {
			return invalid("ambiguous transition", map[string]any{"from": tr.From, "event": tr.Event})
		}
		seen[key] = true
	}
	return nil
}

type canonicalState struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Flags    int    `json:"flags"`
	Minutes  int    `json:"timeout_minutes,omitempty"`
	Mode     string `json:"timeout_mode,omitempty"`
	Event    string `json:"timeout_event,omitempty"`
}

type canonicalDocument struct {
	States      []canonicalState `json:"states"`
	Events      []EventSpec      `json:"events"`
	Transitions []TransitionSpec `json:"transitions"`
}

// Hash is the sha256 hex digest of the normalized, sorted state/event/transition content.
// Reordered or reformatted documents hash identically.
func (d *Document) Hash() string {
	canon := canonicalDocument{
		States:      make([]canonicalState, 0, len(d.States)),
		Events:      make([]EventSpec, 0, len(d.Events)),
		Transitions: make([]TransitionSpec, 0, len(d.Transitions)),
	}
	for _, st := range d.States {
		cs := canonicalState{
			Name:     strings.TrimSpace(st.Name),
			Category: lifecycle.NormalizeName(st.Category),
			Flags:    int(st.Flags()),
		}
		if st.Timeout != nil {
			cs.Minutes = st.Timeout.Minutes
			cs.Mode = timeoutMode(st.Timeout.Mode)
			cs.Event = lifecycle.NormalizeName(st.Timeout.Event)
		}
		canon.States = append(canon.States, cs)
	}
	for _, ev := range d.Events {
		canon.Events = append(canon.Events, EventSpec{Name: strings.TrimSpace(ev.Name), Code: ev.Code})
	}
	for _, tr := range d.Transitions {
		canon.Transitions = append(canon.Transitions, TransitionSpec{
			From:  lifecycle.NormalizeName(tr.From),
			To:    lifecycle.NormalizeName(tr.To),
			Event: lifecycle.NormalizeName(tr.Event),
		})
	}
	sort.Slice(canon.States, func(i, j int) bool {
		return lifecycle.NormalizeName(canon.States[i].Name) < lifecycle.NormalizeName(canon.States[j].Name)
	})
	sort.Slice(canon.Events, func(i, j int) bool { return canon.Events[i].Code < canon.Events[j].Code })
	sort.Slice(canon.Transitions, func(i, j int) bool {
		a, b := canon.Transitions[i], canon.Transitions[j]
		if a.From != b.From {
			return a.From < b.From
		}
		return a.Event < b.Event
	})
	raw, _ := json.Marshal(canon)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func timeoutMode(mode string) string {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		return TimeoutOnce
	}
	return mode
}
