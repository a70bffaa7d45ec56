package policy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	lifecycle "github.com/goliatone/go-lifecycle"
)

// Document is the parsed routing policy.
type Document struct {
	Definitions []string `json:"definitions,omitempty"`
	Routes      []Route  `json:"routes"`
}

// Route emits hooks on entry to State, optionally only when entered via the event with code Via.
type Route struct {
	State string     `json:"state"`
	Via   *int       `json:"via,omitempty"`
	Emit  []Emission `json:"emit"`
}

// Emission is one hook request with optional follow-up event names.
type Emission struct {
	Event     string `json:"event"`
	OnSuccess string `json:"on_success,omitempty"`
	OnFailure string `json:"on_failure,omitempty"`
}

type rawDocument struct {
	Definition  json.RawMessage `json:"definition"`
	Definitions []string        `json:"definitions"`
	Routes      []rawRoute      `json:"routes"`
}

type rawRoute struct {
	State string          `json:"state"`
	Via   json.RawMessage `json:"via"`
	Emit  []rawEmission   `json:"emit"`
}

type rawEmission struct {
	Event    string `json:"event"`
	Complete *struct {
		Success string `json:"success"`
		Failure string `json:"failure"`
	} `json:"complete"`
}

func invalid(message string, source error, metadata map[string]any) error {
	return lifecycle.NewError(lifecycle.ErrInvalidPolicy, message, source, metadata)
}

// Parse decodes and validates a policy document.
func Parse(raw []byte) (*Document, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, invalid("policy document is empty", nil, nil)
	}
	var doc rawDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, invalid("policy document is not valid json", err, nil)
	}

	out := &Document{}
	if len(doc.Definition) > 0 && string(doc.Definition) != "null" {
		names, err := parseDefinitions(doc.Definition)
		if err != nil {
			return nil, err
		}
		out.Definitions = append(out.Definitions, names...)
	}
	out.Definitions = append(out.Definitions, doc.Definitions...)
	out.Definitions = uniqueNames(out.Definitions)

	for i, r := range doc.Routes {
		if strings.TrimSpace(r.State) == "" {
			return nil, invalid("route state required", nil, map[string]any{"route": i})
		}
		route := Route{State: strings.TrimSpace(r.State)}
		via, err := parseVia(r.Via)
		if err != nil {
			return nil, invalid("route via must be an event code", err, map[string]any{"route": i, "state": r.State})
		}
		route.Via = via
		for _, e := range r.Emit {
			code := strings.TrimSpace(e.Event)
			if code == "" {
				return nil, invalid("emit event required", nil, map[string]any{"route": i, "state": r.State})
			}
			em := Emission{Event: code}
			if e.Complete != nil {
				em.OnSuccess = strings.TrimSpace(e.Complete.Success)
				em.OnFailure = strings.TrimSpace(e.Complete.Failure)
			}
			route.Emit = append(route.Emit, em)
		}
		out.Routes = append(out.Routes, route)
	}
	return out, nil
}

func parseDefinitions(raw json.RawMessage) ([]string, error) {
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return []string{name}, nil
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return nil, invalid("definition must be a name or a list of names", err, nil)
	}
	return names, nil
}

func parseVia(raw json.RawMessage) (*int, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return nil, nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return &n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func uniqueNames(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		key := lifecycle.NormalizeName(name)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, strings.TrimSpace(name))
	}
	return out
}

// Matches reports whether the route fires on entry to state via the event with eventCode.
// State names compare under NormalizeName; via compares numerically.
func (r Route) Matches(state string, eventCode int) bool {
	if !lifecycle.SameName(r.State, state) {
		return false
	}
	return r.Via == nil || *r.Via == eventCode
}

// HasState reports whether any route targets state.
func (d *Document) HasState(state string) bool {
	for _, r := range d.Routes {
		if lifecycle.SameName(r.State, state) {
			return true
		}
	}
	return false
}

// Hash is the sha256 hex digest of the canonical policy content.
func (d *Document) Hash() string {
	canon := Document{Routes: make([]Route, 0, len(d.Routes))}
	for _, name := range d.Definitions {
		canon.Definitions = append(canon.Definitions, lifecycle.NormalizeName(name))
	}
	sort.Strings(canon.Definitions)
	for _, r := range d.Routes {
		cr := Route{State: lifecycle.NormalizeName(r.State), Via: r.Via, Emit: append([]Emission(nil), r.Emit...)}
		sort.Slice(cr.Emit, func(i, j int) bool { return cr.Emit[i].Event < cr.Emit[j].Event })
		canon.Routes = append(canon.Routes, cr)
	}
	sort.SliceStable(canon.Routes, func(i, j int) bool {
		a, b := canon.Routes[i], canon.Routes[j]
		if a.State != b.State {
			return a.State < b.State
		}
		return viaValue(a.Via) < viaValue(b.Via)
	})
	raw, _ := json.Marshal(canon)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func viaValue(via *int) int {
	if via == nil {
		return -1 << 31
	}
	return *via
}
