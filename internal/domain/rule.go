package domain

import (
	"encoding/json"
	"fmt"
)

// StatusValidation marks a rule whose editable content lives in its latest
// rule_validation row rather than in rule.content.
const StatusValidation = "VALIDATION"

// TargetKind names the table that holds a rule's editable content
type TargetKind string

const (
	TargetRule       TargetKind = "rule"
	TargetValidation TargetKind = "validation"
)

// Target identifies the exact row a rule's content was read from
type Target struct {
	Kind         TargetKind `json:"kind"`
	ValidationID int64      `json:"validation_id,omitempty"`
}

// String renders the target for reports
func (t Target) String() string {
	if t.Kind == TargetValidation {
		return fmt.Sprintf("validation:%d", t.ValidationID)
	}
	return string(TargetRule)
}

// IsZero reports whether no target has been resolved yet
func (t Target) IsZero() bool {
	return t.Kind == ""
}

// RuleRef is the listing view of a rule
type RuleRef struct {
	ID     int64  `json:"id"`
	OrgID  int64  `json:"org_id"`
	Status string `json:"status,omitempty"`
}

// Rule is a rule's content as read from one target, with the row version that
// guards the next write.
type Rule struct {
	RuleRef
	Target  Target          `json:"target"`
	Version uint32          `json:"version"`
	Content json.RawMessage `json:"content"`
}

// WithContent returns a copy of the rule carrying new content. Target and
// version are kept so the write lands on the row that was read.
func (r Rule) WithContent(content json.RawMessage) Rule {
	return Rule{
		RuleRef: r.RuleRef,
		Target:  r.Target,
		Version: r.Version,
		Content: append(json.RawMessage(nil), content...),
	}
}

// PerspectiveChange records one rewritten EVENT_BY_OBJECT_FACTS node
type PerspectiveChange struct {
	Path         string `json:"path"`
	Legacy       string `json:"legacy"`
	Perspectives []any  `json:"perspectives"`
}
