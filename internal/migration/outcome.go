package migration

import (
	"context"
	"errors"

	"github.com/coopaaaaaah/rule-tooling/internal/repository"
	"github.com/coopaaaaaah/rule-tooling/internal/transform"
)

// Status is the result of one rule in one operation
type Status string

const (
	StatusChanged   Status = "changed"
	StatusUnchanged Status = "unchanged"
	StatusApplied   Status = "applied"
	StatusRestored  Status = "restored"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// ErrorKind classifies a per-rule error for the summary
type ErrorKind string

const (
	KindNone             ErrorKind = ""
	KindConnection       ErrorKind = "connection"
	KindNotFound         ErrorKind = "not_found"
	KindConflict         ErrorKind = "conflict"
	KindUnsupportedShape ErrorKind = "unsupported_shape"
	KindInvalidContent   ErrorKind = "invalid_content"
	KindCanceled         ErrorKind = "canceled"
	KindNotAttempted     ErrorKind = "not_attempted"
	KindInternal         ErrorKind = "internal"
)

// ErrTargetChanged means a rule's live target is not the one its fetched
// content was derived from, e.g. a new validation row was created since fetch.
var ErrTargetChanged = errors.New("rule target changed since fetch")

// ErrContentChanged means a rule's live content no longer transforms into the
// content staged at fetch, i.e. it was edited after fetch.
var ErrContentChanged = errors.New("rule content changed since fetch")

// ErrInvalidSnapshot means a fetch snapshot holds content that would fail
// validation if written
var ErrInvalidSnapshot = errors.New("fetch snapshot contains invalid content")

// Classify maps an error onto its ErrorKind
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, repository.ErrConnection):
		return KindConnection
	case errors.Is(err, repository.ErrNotFound):
		return KindNotFound
	case errors.Is(err, repository.ErrConflict), errors.Is(err, ErrTargetChanged), errors.Is(err, ErrContentChanged):
		return KindConflict
	case transform.IsUnsupportedShape(err):
		return KindUnsupportedShape
	case errors.Is(err, ErrInvalidSnapshot):
		return KindInvalidContent
	default:
		return KindInternal
	}
}

// Outcome is the per-rule line of a report
type Outcome struct {
	RuleID    int64     `json:"rule_id"`
	OrgID     int64     `json:"org_id"`
	Target    string    `json:"target,omitempty"`
	Status    Status    `json:"status"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
	Changes   int       `json:"changes,omitempty"`
}

// Failed reports whether the rule needs operator attention
func (o Outcome) Failed() bool {
	return o.Status == StatusFailed
}
