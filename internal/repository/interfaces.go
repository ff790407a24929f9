package repository

import (
	"context"

	"github.com/coopaaaaaah/rule-tooling/internal/domain"
)

// RuleRepository reads and rewrites rule content in one environment's store.
// Rules are never created or deleted through it.
type RuleRepository interface {
	// ListRules returns candidate rules, optionally filtered by org. No match
	// is an empty slice, not an error.
	ListRules(ctx context.Context, orgID *int64) ([]domain.RuleRef, error)
	// GetRuleContent resolves the rule's live target from its current status
	// and returns that content with its row version.
	GetRuleContent(ctx context.Context, ref domain.RuleRef) (domain.Rule, error)
	// GetTargetContent reads the exact target recorded earlier, e.g. in a backup.
	GetTargetContent(ctx context.Context, ref domain.RuleRef, target domain.Target) (domain.Rule, error)
	// WriteRuleContent overwrites the target of rule when its version still
	// matches the stored row.
	WriteRuleContent(ctx context.Context, rule domain.Rule) error
}
