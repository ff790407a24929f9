package transform

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

const (
	// NodeType identifies the fact nodes being migrated
	NodeType = "EVENT_BY_OBJECT_FACTS"
	// LegacyKey is the property being replaced
	LegacyKey = "sender_receiver"
	// PerspectivesKey is the property replacing LegacyKey
	PerspectivesKey = "perspectives"
	// TypeKey holds a fact's node type
	TypeKey = "type"
)

// NodeVisitor is called for every EVENT_BY_OBJECT_FACTS node. It may mutate
// node in place.
type NodeVisitor func(path string, node map[string]any) error

// VisitNodes walks doc depth-first and calls fn for each EVENT_BY_OBJECT_FACTS
// node, at any depth. A node is an object whose "type" is EVENT_BY_OBJECT_FACTS,
// or an object held (directly or in an array) under an EVENT_BY_OBJECT_FACTS key.
// Object keys are visited in sorted order so the walk is deterministic.
func VisitNodes(doc any, fn NodeVisitor) error {
	return visit(doc, RootPath, false, fn)
}

func visit(v any, path string, underNodeKey bool, fn NodeVisitor) error {
	switch node := v.(type) {
	case map[string]any:
		if underNodeKey || isNodeType(node) {
			if err := fn(path, node); err != nil {
				return err
			}
		}
		keys := make([]string, 0, len(node))
		for k := range node {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := visit(node[k], ChildPath(path, k), k == NodeType, fn); err != nil {
				return err
			}
		}
	case []any:
		for i, item := range node {
			if err := visit(item, IndexPath(path, i), underNodeKey, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

func isNodeType(node map[string]any) bool {
	t, ok := node[TypeKey].(string)
	return ok && strings.TrimSpace(t) == NodeType
}

// Decode parses a JSON document keeping numbers exact
func Decode(content []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(content))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unexpected data after top-level value")
	}
	return doc, nil
}

// Encode renders doc compactly without HTML escaping
func Encode(doc any) (json.RawMessage, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	return json.RawMessage(bytes.TrimRight(buf.Bytes(), "\n")), nil
}
