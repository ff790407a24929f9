package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/coopaaaaaah/rule-tooling/internal/domain"
	"github.com/coopaaaaaah/rule-tooling/internal/repository"
	"github.com/coopaaaaaah/rule-tooling/internal/snapshot"
	"github.com/coopaaaaaah/rule-tooling/internal/transform"
	"github.com/coopaaaaaah/rule-tooling/pkg/validator"
)

// SnapshotStore is the subset of snapshot.Manager the orchestrator needs
type SnapshotStore interface {
	WriteFetchSnapshot(ctx context.Context, scope domain.Scope, runID string, entries []snapshot.Entry) (snapshot.Ref, error)
	ReadFetchSnapshot(ctx context.Context, scope domain.Scope) (*snapshot.Snapshot, error)
	WriteBackup(ctx context.Context, scope domain.Scope, timestamp, runID string, entries []snapshot.Entry) (snapshot.Ref, error)
	ReadBackup(ctx context.Context, env, timestamp string) (*snapshot.Snapshot, error)
}

// ContentValidator checks transformed content before it is staged or written
type ContentValidator interface {
	ValidateMigrated(content json.RawMessage) validator.ValidationResult
}

// Orchestrator runs fetch, apply and restore against one environment's store.
// Invocations must not overlap for the same environment.
type Orchestrator struct {
	rules       repository.RuleRepository
	snapshots   SnapshotStore
	transformer *transform.Transformer
	validator   ContentValidator
	logger      *slog.Logger
	now         func() time.Time
	newRunID    func() string
}

// Option customises an Orchestrator
type Option func(*Orchestrator)

// WithClock overrides the clock used for backup timestamps and reports
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithRunIDs overrides run id generation
func WithRunIDs(next func() string) Option {
	return func(o *Orchestrator) { o.newRunID = next }
}

// NewOrchestrator creates a new migration orchestrator
func NewOrchestrator(rules repository.RuleRepository, snapshots SnapshotStore, transformer *transform.Transformer, v ContentValidator, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if v == nil {
		v = validator.NewContentValidator()
	}
	o := &Orchestrator{
		rules:       rules,
		snapshots:   snapshots,
		transformer: transformer,
		validator:   v,
		logger:      logger,
		now:         time.Now,
		newRunID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) start(op Operation, scope domain.Scope) (*Report, *slog.Logger) {
	report := newReport(op, scope, o.newRunID(), o.now().UTC())
	attrs := []any{"op", string(op), "run_id", report.RunID, "env", scope.Env}
	if scope.OrgID != nil {
		attrs = append(attrs, "org_id", *scope.OrgID)
	}
	return report, o.logger.With(attrs...)
}

func (o *Orchestrator) finish(report *Report, logger *slog.Logger, err error) (*Report, error) {
	report.FinishedAt = o.now().UTC()
	if err != nil {
		logger.Error("operation aborted", "error", err, "outcomes", len(report.Outcomes))
		return report, err
	}
	logger.Info("operation finished",
		"summary", report.Headline(),
		"failed", report.Count(StatusFailed),
		"skipped", report.Count(StatusSkipped),
	)
	return report, nil
}

// Fetch reads candidate rules, transforms them and stages the changed ones in
// the scope's fetch snapshot. Per-rule failures are reported and excluded; a
// store connection failure aborts without writing a snapshot.
func (o *Orchestrator) Fetch(ctx context.Context, scope domain.Scope) (*Report, error) {
	report, logger := o.start(OperationFetch, scope)
	if err := scope.Validate(); err != nil {
		return o.finish(report, logger, err)
	}

	refs, err := o.rules.ListRules(ctx, scope.OrgID)
	if err != nil {
		return o.finish(report, logger, fmt.Errorf("failed to list rules: %w", err))
	}
	logger.Info("candidate rules listed", "count", len(refs))

	entries := make([]snapshot.Entry, 0, len(refs))
	for _, ref := range refs {
		rule, err := o.rules.GetRuleContent(ctx, ref)
		if err != nil {
			if isFatalRead(err) {
				return o.finish(report, logger, fmt.Errorf("failed to read rule %d: %w", ref.ID, err))
			}
			report.add(errorOutcome(ref, domain.Target{}, err))
			logger.Warn("rule not read", "rule_id", ref.ID, "error", err)
			continue
		}

		result, err := o.transformer.Transform(rule.Content)
		if err != nil {
			report.add(errorOutcome(ref, rule.Target, err))
			logger.Warn("rule needs manual migration", "rule_id", ref.ID, "error", err)
			continue
		}
		if !result.Changed {
			report.add(Outcome{RuleID: ref.ID, OrgID: ref.OrgID, Target: rule.Target.String(), Status: StatusUnchanged})
			continue
		}
		if check := o.validator.ValidateMigrated(result.Content); !check.IsValid {
			report.add(errorOutcome(ref, rule.Target, fmt.Errorf("%w: %w", ErrInvalidSnapshot, check.Err())))
			logger.Warn("transformed content failed validation", "rule_id", ref.ID, "errors", len(check.Errors))
			continue
		}

		entries = append(entries, snapshot.Entry{Rule: rule.WithContent(result.Content), Changes: result.Changes})
		report.add(Outcome{
			RuleID:  ref.ID,
			OrgID:   ref.OrgID,
			Target:  rule.Target.String(),
			Status:  StatusChanged,
			Changes: len(result.Changes),
		})
	}

	ref, err := o.snapshots.WriteFetchSnapshot(ctx, scope, report.RunID, entries)
	if err != nil {
		return o.finish(report, logger, err)
	}
	report.SnapshotKey = ref.Key
	return o.finish(report, logger, nil)
}

// Apply writes the scope's fetch snapshot to the live store. Current live
// content of every staged rule is backed up first, as one artifact, before any
// write. A rule edited since fetch is a conflict. The first failed write stops
// the batch; the backup stays valid for restoring the rules already written.
func (o *Orchestrator) Apply(ctx context.Context, scope domain.Scope) (*Report, error) {
	report, logger := o.start(OperationApply, scope)
	if err := scope.Validate(); err != nil {
		return o.finish(report, logger, err)
	}

	snap, err := o.snapshots.ReadFetchSnapshot(ctx, scope)
	if err != nil {
		return o.finish(report, logger, err)
	}
	for _, entry := range snap.Rules {
		if check := o.validator.ValidateMigrated(entry.Content); !check.IsValid {
			return o.finish(report, logger, fmt.Errorf("%w: rule %d: %w", ErrInvalidSnapshot, entry.ID, check.Err()))
		}
	}
	logger.Info("fetch snapshot loaded", "count", len(snap.Rules), "fetch_run_id", snap.RunID)

	type pending struct {
		staged snapshot.Entry
		live   domain.Rule
	}
	batch := make([]pending, 0, len(snap.Rules))
	backup := make([]snapshot.Entry, 0, len(snap.Rules))
	for _, entry := range snap.Rules {
		live, err := o.rules.GetRuleContent(ctx, entry.RuleRef)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				report.add(errorOutcome(entry.RuleRef, entry.Target, err))
				logger.Warn("staged rule no longer exists", "rule_id", entry.ID)
				continue
			}
			return o.finish(report, logger, fmt.Errorf("failed to back up rule %d: %w", entry.ID, err))
		}
		batch = append(batch, pending{staged: entry, live: live})
		backup = append(backup, snapshot.Entry{Rule: live})
	}

	timestamp := snapshot.FormatTimestamp(o.now())
	ref, err := o.snapshots.WriteBackup(ctx, scope, timestamp, report.RunID, backup)
	if err != nil {
		return o.finish(report, logger, err)
	}
	report.BackupTimestamp = timestamp
	report.SnapshotKey = ref.Key
	logger.Info("backup written", "key", ref.Key, "count", ref.Count)

	var stopErr error
	for _, p := range batch {
		ruleRef := p.live.RuleRef
		if stopErr != nil {
			report.add(Outcome{
				RuleID:    ruleRef.ID,
				OrgID:     ruleRef.OrgID,
				Target:    p.live.Target.String(),
				Status:    StatusSkipped,
				ErrorKind: KindNotAttempted,
				Error:     "not attempted after earlier failure",
			})
			continue
		}

		err := ctx.Err()
		if err == nil && p.live.Target != p.staged.Target {
			err = fmt.Errorf("%w: fetched from %s, now %s", ErrTargetChanged, p.staged.Target, p.live.Target)
		}
		if err == nil {
			err = o.checkUnchangedSinceFetch(p.live, p.staged)
		}
		if err == nil {
			err = o.rules.WriteRuleContent(ctx, p.live.WithContent(p.staged.Content))
		}
		if err != nil {
			stopErr = err
			report.add(errorOutcome(ruleRef, p.live.Target, err))
			logger.Error("apply stopped", "rule_id", ruleRef.ID, "error", err, "backup_timestamp", timestamp)
			continue
		}
		report.add(Outcome{
			RuleID:  ruleRef.ID,
			OrgID:   ruleRef.OrgID,
			Target:  p.live.Target.String(),
			Status:  StatusApplied,
			Changes: len(p.staged.Changes),
		})
	}

	return o.finish(report, logger, nil)
}

// Restore writes the content recorded in the backup taken at timestamp back to
// each rule's recorded target. Failures are reported per rule and do not stop
// the batch. No new backup is taken.
func (o *Orchestrator) Restore(ctx context.Context, scope domain.Scope, timestamp string) (*Report, error) {
	report, logger := o.start(OperationRestore, scope)
	report.BackupTimestamp = timestamp
	if err := scope.Validate(); err != nil {
		return o.finish(report, logger, err)
	}

	snap, err := o.snapshots.ReadBackup(ctx, scope.Env, timestamp)
	if err != nil {
		return o.finish(report, logger, err)
	}
	report.SnapshotKey = snapshot.BackupKey(scope.Env, timestamp)
	logger.Info("backup loaded", "count", len(snap.Rules), "backup_run_id", snap.RunID)

	var abortErr error
	for _, entry := range snap.Rules {
		if scope.OrgID != nil && entry.OrgID != *scope.OrgID {
			continue
		}
		if abortErr == nil {
			abortErr = ctx.Err()
		}
		if abortErr != nil {
			report.add(Outcome{
				RuleID:    entry.ID,
				OrgID:     entry.OrgID,
				Target:    entry.Target.String(),
				Status:    StatusSkipped,
				ErrorKind: Classify(abortErr),
				Error:     abortErr.Error(),
			})
			continue
		}

		err := o.restoreOne(ctx, entry)
		if err != nil {
			report.add(errorOutcome(entry.RuleRef, entry.Target, err))
			logger.Warn("rule not restored", "rule_id", entry.ID, "error", err)
			if errors.Is(err, repository.ErrConnection) {
				abortErr = err
			}
			continue
		}
		report.add(Outcome{RuleID: entry.ID, OrgID: entry.OrgID, Target: entry.Target.String(), Status: StatusRestored})
	}

	return o.finish(report, logger, nil)
}

// checkUnchangedSinceFetch reports ErrContentChanged unless live content still
// transforms into the staged content. Already migrated content transforms to
// itself, so re-applying a snapshot passes.
func (o *Orchestrator) checkUnchangedSinceFetch(live domain.Rule, staged snapshot.Entry) error {
	result, err := o.transformer.Transform(live.Content)
	if err != nil {
		return fmt.Errorf("%w: live content no longer transforms: %w", ErrContentChanged, err)
	}
	same, err := sameJSON(result.Content, staged.Content)
	if err != nil {
		return fmt.Errorf("failed to compare rule %d content: %w", live.ID, err)
	}
	if !same {
		return fmt.Errorf("%w: fetched version %d, now %d", ErrContentChanged, staged.Version, live.Version)
	}
	return nil
}

func sameJSON(a, b json.RawMessage) (bool, error) {
	left, err := transform.Decode(a)
	if err != nil {
		return false, err
	}
	right, err := transform.Decode(b)
	if err != nil {
		return false, err
	}
	return reflect.DeepEqual(left, right), nil
}

func (o *Orchestrator) restoreOne(ctx context.Context, entry snapshot.Entry) error {
	current, err := o.rules.GetTargetContent(ctx, entry.RuleRef, entry.Target)
	if err != nil {
		return err
	}
	return o.rules.WriteRuleContent(ctx, current.WithContent(entry.Content))
}

func isFatalRead(err error) bool {
	return errors.Is(err, repository.ErrConnection) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func errorOutcome(ref domain.RuleRef, target domain.Target, err error) Outcome {
	kind := Classify(err)
	status := StatusFailed
	if kind == KindNotFound {
		status = StatusSkipped
	}
	out := Outcome{
		RuleID:    ref.ID,
		OrgID:     ref.OrgID,
		Status:    status,
		ErrorKind: kind,
		Error:     err.Error(),
	}
	if !target.IsZero() {
		out.Target = target.String()
	}
	return out
}
