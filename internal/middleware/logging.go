package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/coopaaaaaah/rule-tooling/internal/domain"
	"github.com/coopaaaaaah/rule-tooling/internal/repository"
)

// LoggingRuleRepository logs every rule store call with its duration and error
type LoggingRuleRepository struct {
	next   repository.RuleRepository
	logger *slog.Logger
}

// NewLoggingRuleRepository wraps next so each call is logged at debug level,
// and failures at warn.
func NewLoggingRuleRepository(next repository.RuleRepository, logger *slog.Logger) *LoggingRuleRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingRuleRepository{next: next, logger: logger.With("component", "rule_store")}
}

// ListRules implements repository.RuleRepository
func (l *LoggingRuleRepository) ListRules(ctx context.Context, orgID *int64) ([]domain.RuleRef, error) {
	start := time.Now()
	refs, err := l.next.ListRules(ctx, orgID)
	attrs := []any{"count", len(refs)}
	if orgID != nil {
		attrs = append(attrs, "org_id", *orgID)
	}
	l.log(ctx, "list_rules", start, err, attrs...)
	return refs, err
}

// GetRuleContent implements repository.RuleRepository
func (l *LoggingRuleRepository) GetRuleContent(ctx context.Context, ref domain.RuleRef) (domain.Rule, error) {
	start := time.Now()
	rule, err := l.next.GetRuleContent(ctx, ref)
	l.log(ctx, "get_rule_content", start, err, "rule_id", ref.ID, "target", rule.Target.String())
	return rule, err
}

// GetTargetContent implements repository.RuleRepository
func (l *LoggingRuleRepository) GetTargetContent(ctx context.Context, ref domain.RuleRef, target domain.Target) (domain.Rule, error) {
	start := time.Now()
	rule, err := l.next.GetTargetContent(ctx, ref, target)
	l.log(ctx, "get_target_content", start, err, "rule_id", ref.ID, "target", target.String())
	return rule, err
}

// WriteRuleContent implements repository.RuleRepository
func (l *LoggingRuleRepository) WriteRuleContent(ctx context.Context, rule domain.Rule) error {
	start := time.Now()
	err := l.next.WriteRuleContent(ctx, rule)
	l.log(ctx, "write_rule_content", start, err, "rule_id", rule.ID, "target", rule.Target.String())
	return err
}

func (l *LoggingRuleRepository) log(ctx context.Context, op string, start time.Time, err error, attrs ...any) {
	duration := float64(time.Since(start).Microseconds()) / 1000
	attrs = append(attrs, "op", op, "duration_ms", duration)
	if err != nil {
		l.logger.WarnContext(ctx, "rule store call failed", append(attrs, "error", err)...)
		return
	}
	l.logger.DebugContext(ctx, "rule store call", attrs...)
}
