package transform

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnmappedValue means a legacy value has no perspectives entry
var ErrUnmappedValue = errors.New("no perspectives mapping for legacy value")

// Table is the configurable sender_receiver to perspectives mapping.
//
// Values maps a legacy value to the perspectives it expands to. When
// FieldModel is set, string entries expand to FIELD perspective objects;
// otherwise entries are used verbatim. Aliases map alternative spellings onto
// Values keys.
type Table struct {
	RewriteType   string
	FieldModel    string
	FieldDatatype string
	Values        map[string][]any
	Aliases       map[string]string
}

// DefaultTable returns the mapping used for the txn_event rule model
func DefaultTable() Table {
	return Table{
		RewriteType:   "MULTIPLE_PERSPECTIVES_AGGREGATION",
		FieldModel:    "txn_event",
		FieldDatatype: "text",
		Values: map[string][]any{
			"sender":          {"sender_entity_id"},
			"receiver":        {"receiver_entity_id"},
			"sender_receiver": {"sender_entity_id", "receiver_entity_id"},
		},
		Aliases: map[string]string{
			"senderreceiver":      "sender_receiver",
			"both":                "sender_receiver",
			"sender_and_receiver": "sender_receiver",
			"s":                   "sender",
			"r":                   "receiver",
		},
	}
}

// Mapping is a validated Table
type Mapping struct {
	rewriteType string
	values      map[string][]any
	aliases     map[string]string
}

// NewMapping validates table and expands its entries. Every legacy key must map
// to at least one perspective and every alias must point at a known key.
func NewMapping(table Table) (*Mapping, error) {
	if len(table.Values) == 0 {
		return nil, errors.New("perspectives mapping has no values")
	}

	m := &Mapping{
		rewriteType: strings.TrimSpace(table.RewriteType),
		values:      make(map[string][]any, len(table.Values)),
		aliases:     make(map[string]string, len(table.Aliases)),
	}

	for key, entries := range table.Values {
		norm := normalizeLegacy(key)
		if norm == "" {
			return nil, errors.New("perspectives mapping has an empty legacy key")
		}
		if _, dup := m.values[norm]; dup {
			return nil, fmt.Errorf("perspectives mapping key %q is defined twice", norm)
		}
		if len(entries) == 0 {
			return nil, fmt.Errorf("perspectives mapping for %q is empty", norm)
		}
		expanded := make([]any, 0, len(entries))
		for _, entry := range entries {
			value, err := expandEntry(entry, table)
			if err != nil {
				return nil, fmt.Errorf("perspectives mapping for %q: %w", norm, err)
			}
			expanded = append(expanded, value)
		}
		m.values[norm] = expanded
	}

	for alias, target := range table.Aliases {
		normAlias := normalizeLegacy(alias)
		normTarget := normalizeLegacy(target)
		if _, clash := m.values[normAlias]; clash {
			return nil, fmt.Errorf("alias %q shadows a mapping key", normAlias)
		}
		if _, ok := m.values[normTarget]; !ok {
			return nil, fmt.Errorf("alias %q points at unknown key %q", normAlias, normTarget)
		}
		m.aliases[normAlias] = normTarget
	}

	return m, nil
}

func expandEntry(entry any, table Table) (any, error) {
	switch v := entry.(type) {
	case string:
		field := strings.TrimSpace(v)
		if field == "" {
			return nil, errors.New("empty perspective entry")
		}
		if table.FieldModel == "" {
			return field, nil
		}
		return map[string]any{
			"type":     "FIELD",
			"field":    field,
			"model":    table.FieldModel,
			"datatype": table.FieldDatatype,
		}, nil
	case nil:
		return nil, errors.New("null perspective entry")
	default:
		// Round-trip through JSON so config-decoded values become plain JSON types.
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("perspective entry is not JSON: %w", err)
		}
		return Decode(raw)
	}
}

// Resolve maps a raw legacy value to its canonical key and perspectives. The
// returned slice is a fresh copy safe to insert into a document.
func (m *Mapping) Resolve(raw any) (string, []any, error) {
	s, ok := raw.(string)
	if !ok {
		return "", nil, fmt.Errorf("%w: expected a string, got %s", ErrUnmappedValue, describe(raw))
	}
	key := normalizeLegacy(s)
	if target, ok := m.aliases[key]; ok {
		key = target
	}
	entries, ok := m.values[key]
	if !ok {
		return "", nil, fmt.Errorf("%w: %q", ErrUnmappedValue, s)
	}

	out := make([]any, len(entries))
	for i, e := range entries {
		out[i] = cloneJSON(e)
	}
	return key, out, nil
}

// RewriteType is the node type set on rewritten nodes that carry a "type"
func (m *Mapping) RewriteType() string {
	return m.rewriteType
}

// Keys lists the accepted legacy values, aliases included
func (m *Mapping) Keys() []string {
	keys := make([]string, 0, len(m.values)+len(m.aliases))
	for k := range m.values {
		keys = append(keys, k)
	}
	for k := range m.aliases {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func normalizeLegacy(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func describe(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case json.Number, float64, int:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func cloneJSON(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneJSON(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneJSON(val)
		}
		return out
	default:
		return t
	}
}
