package transform

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/coopaaaaaah/rule-tooling/internal/domain"
)

// UnsupportedShapeError means a rule cannot be migrated automatically and
// needs manual attention.
type UnsupportedShapeError struct {
	Path   string
	Value  any
	Reason string
}

func (e *UnsupportedShapeError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("unsupported shape at %s: %s", e.Path, e.Reason)
	}
	return fmt.Sprintf("unsupported shape at %s (value %s): %s", e.Path, e.LegacyValue(), e.Reason)
}

// LegacyValue renders the offending value as JSON
func (e *UnsupportedShapeError) LegacyValue() string {
	raw, err := json.Marshal(e.Value)
	if err != nil {
		return fmt.Sprintf("%v", e.Value)
	}
	return string(raw)
}

// Result is the outcome of transforming one rule's content
type Result struct {
	Content json.RawMessage
	Changed bool
	Changes []domain.PerspectiveChange
}

// Transformer rewrites sender_receiver into perspectives. It does no I/O and
// never mutates its input.
type Transformer struct {
	mapping *Mapping
}

// New creates a transformer over a validated mapping
func New(mapping *Mapping) *Transformer {
	return &Transformer{mapping: mapping}
}

// Transform rewrites every EVENT_BY_OBJECT_FACTS node carrying sender_receiver.
// Unchanged content is returned as given. Any unmappable node aborts the
// whole rule with an *UnsupportedShapeError.
func (t *Transformer) Transform(content json.RawMessage) (Result, error) {
	doc, err := Decode(content)
	if err != nil {
		return Result{}, &UnsupportedShapeError{Path: RootPath, Reason: "content is not valid JSON: " + err.Error()}
	}

	var changes []domain.PerspectiveChange
	err = VisitNodes(doc, func(path string, node map[string]any) error {
		raw, ok := node[LegacyKey]
		if !ok {
			return nil
		}

		_, additions, err := t.mapping.Resolve(raw)
		if err != nil {
			return &UnsupportedShapeError{Path: ChildPath(path, LegacyKey), Value: raw, Reason: err.Error()}
		}

		existing, err := existingPerspectives(node[PerspectivesKey])
		if err != nil {
			return &UnsupportedShapeError{Path: ChildPath(path, PerspectivesKey), Value: node[PerspectivesKey], Reason: err.Error()}
		}

		node[PerspectivesKey] = mergePerspectives(existing, additions)
		delete(node, LegacyKey)
		if rt := t.mapping.RewriteType(); rt != "" {
			if _, hasType := node[TypeKey]; hasType {
				node[TypeKey] = rt
			}
		}

		legacy, _ := raw.(string)
		changes = append(changes, domain.PerspectiveChange{
			Path:         path,
			Legacy:       legacy,
			Perspectives: additions,
		})
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if len(changes) == 0 {
		return Result{Content: content}, nil
	}

	encoded, err := Encode(doc)
	if err != nil {
		return Result{}, fmt.Errorf("encode transformed content: %w", err)
	}
	return Result{Content: encoded, Changed: true, Changes: changes}, nil
}

// IsUnsupportedShape reports whether err is an *UnsupportedShapeError
func IsUnsupportedShape(err error) bool {
	var shapeErr *UnsupportedShapeError
	return errors.As(err, &shapeErr)
}

func existingPerspectives(v any) ([]any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return t, nil
	default:
		return nil, fmt.Errorf("existing %s is %s, not a list", PerspectivesKey, describe(v))
	}
}

// mergePerspectives appends additions to existing, dropping duplicates. FIELD
// style objects compare by field name, case-insensitively; anything else by
// its canonical JSON encoding.
func mergePerspectives(existing, additions []any) []any {
	seen := make(map[string]struct{}, len(existing)+len(additions))
	merged := make([]any, 0, len(existing)+len(additions))
	for _, p := range append(append([]any{}, existing...), additions...) {
		key := perspectiveKey(p)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, p)
	}
	return merged
}

func perspectiveKey(p any) string {
	if obj, ok := p.(map[string]any); ok {
		if field, ok := obj["field"].(string); ok && strings.TrimSpace(field) != "" {
			return "field:" + strings.ToLower(strings.TrimSpace(field))
		}
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Sprintf("value:%v", p)
	}
	return "json:" + string(raw)
}
