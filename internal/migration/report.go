package migration

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/coopaaaaaah/rule-tooling/internal/domain"
)

// Operation names the single transition an invocation performs
type Operation string

const (
	OperationFetch   Operation = "fetch"
	OperationApply   Operation = "apply"
	OperationRestore Operation = "restore"
)

// Report lists the per-rule outcomes of one operation
type Report struct {
	Operation       Operation    `json:"operation"`
	Scope           domain.Scope `json:"scope"`
	RunID           string       `json:"run_id"`
	SnapshotKey     string       `json:"snapshot_key,omitempty"`
	BackupTimestamp string       `json:"backup_timestamp,omitempty"`
	StartedAt       time.Time    `json:"started_at"`
	FinishedAt      time.Time    `json:"finished_at"`
	Outcomes        []Outcome    `json:"outcomes"`
}

func newReport(op Operation, scope domain.Scope, runID string, now time.Time) *Report {
	return &Report{
		Operation: op,
		Scope:     scope,
		RunID:     runID,
		StartedAt: now,
		Outcomes:  []Outcome{},
	}
}

func (r *Report) add(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
}

// Count returns the number of outcomes with status s
func (r *Report) Count(s Status) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == s {
			n++
		}
	}
	return n
}

// HasFailures reports whether any rule failed
func (r *Report) HasFailures() bool {
	for _, o := range r.Outcomes {
		if o.Failed() {
			return true
		}
	}
	return false
}

// IDs returns the rule ids with status s, in report order
func (r *Report) IDs(s Status) []int64 {
	ids := []int64{}
	for _, o := range r.Outcomes {
		if o.Status == s {
			ids = append(ids, o.RuleID)
		}
	}
	return ids
}

// Headline is the one-line result of the operation
func (r *Report) Headline() string {
	switch r.Operation {
	case OperationFetch:
		return fmt.Sprintf("%d rules changed", r.Count(StatusChanged))
	case OperationApply:
		return fmt.Sprintf("%d rules applied", r.Count(StatusApplied))
	case OperationRestore:
		return fmt.Sprintf("%d rules restored", r.Count(StatusRestored))
	}
	return fmt.Sprintf("%d rules processed", len(r.Outcomes))
}

// WriteSummary renders the report for operators
func (r *Report) WriteSummary(w io.Writer) error {
	fmt.Fprintf(w, "%s %s (run %s): %s", r.Operation, r.Scope, r.RunID, r.Headline())
	if failed := r.Count(StatusFailed); failed > 0 {
		fmt.Fprintf(w, ", %d failed", failed)
	}
	if skipped := r.Count(StatusSkipped); skipped > 0 {
		fmt.Fprintf(w, ", %d skipped", skipped)
	}
	fmt.Fprintln(w)
	if r.SnapshotKey != "" {
		fmt.Fprintf(w, "snapshot: %s\n", r.SnapshotKey)
	}
	if r.BackupTimestamp != "" {
		fmt.Fprintf(w, "backup timestamp: %s\n", r.BackupTimestamp)
	}
	if len(r.Outcomes) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RULE\tORG\tTARGET\tSTATUS\tKIND\tDETAIL")
	for _, o := range r.Outcomes {
		detail := o.Error
		if detail == "" && o.Changes > 0 {
			detail = fmt.Sprintf("%d node(s) rewritten", o.Changes)
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\n", o.RuleID, o.OrgID, o.Target, o.Status, o.ErrorKind, detail)
	}
	return tw.Flush()
}
