package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coopaaaaaah/rule-tooling/internal/db"
	"github.com/coopaaaaaah/rule-tooling/internal/domain"
	"github.com/jackc/pgx/v5"
)

const (
	// DefaultScenario is the scenario whose rules carry migratable facts
	DefaultScenario = "custom_scenario"

	legacyContentMarker = `%"sender_receiver"%`
	defaultReadRetry    = 10 * time.Second
)

// RuleQueryOptions tunes candidate selection and read retries
type RuleQueryOptions struct {
	Scenario       string
	ReadRetryLimit time.Duration
}

// ruleRepository implements RuleRepository over Postgres. Row versions are the
// xmin system column, so concurrent edits fail the guarded UPDATE.
type ruleRepository struct {
	db   db.DBTX
	opts RuleQueryOptions
}

// NewRuleRepository creates a new rule repository
func NewRuleRepository(exec db.DBTX, opts RuleQueryOptions) RuleRepository {
	if strings.TrimSpace(opts.Scenario) == "" {
		opts.Scenario = DefaultScenario
	}
	if opts.ReadRetryLimit <= 0 {
		opts.ReadRetryLimit = defaultReadRetry
	}
	return &ruleRepository{db: exec, opts: opts}
}

// ListRules lists candidate rules holding legacy sender_receiver facts
func (r *ruleRepository) ListRules(ctx context.Context, orgID *int64) ([]domain.RuleRef, error) {
	query := `
		SELECT rule.id, rule.org_id, rule.status
		FROM rule
		JOIN scenario ON scenario.id = rule.scenario_id
		WHERE rule.content::text ILIKE $1
		  AND rule.is_synchronous = FALSE
		  AND scenario.name = $2`
	args := []any{legacyContentMarker, r.opts.Scenario}
	if orgID != nil {
		query += ` AND rule.org_id = $3`
		args = append(args, *orgID)
	}
	query += ` ORDER BY rule.id`

	var refs []domain.RuleRef
	err := r.withReadRetry(ctx, func() error {
		rows, err := r.db.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		collected, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.RuleRef, error) {
			var ref domain.RuleRef
			err := row.Scan(&ref.ID, &ref.OrgID, &ref.Status)
			return ref, err
		})
		if err != nil {
			return err
		}
		refs = collected
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	if refs == nil {
		refs = []domain.RuleRef{}
	}
	return refs, nil
}

// GetRuleContent reads the rule's live content target
func (r *ruleRepository) GetRuleContent(ctx context.Context, ref domain.RuleRef) (domain.Rule, error) {
	var rule domain.Rule
	err := r.withReadRetry(ctx, func() error {
		var (
			status  string
			content []byte
			version uint32
		)
		err := r.db.QueryRow(ctx,
			`SELECT status, content, xmin FROM rule WHERE id = $1 AND org_id = $2`,
			ref.ID, ref.OrgID,
		).Scan(&status, &content, &version)
		if err != nil {
			return err
		}

		live := domain.RuleRef{ID: ref.ID, OrgID: ref.OrgID, Status: status}
		if status != domain.StatusValidation {
			rule = domain.Rule{
				RuleRef: live,
				Target:  domain.Target{Kind: domain.TargetRule},
				Version: version,
				Content: json.RawMessage(content),
			}
			return nil
		}

		var validationID int64
		err = r.db.QueryRow(ctx, `
			SELECT id, rule_content, xmin
			FROM rule_validation
			WHERE rule_id = $1
			ORDER BY created_at DESC NULLS LAST, id DESC
			LIMIT 1`,
			ref.ID,
		).Scan(&validationID, &content, &version)
		if err != nil {
			return err
		}
		rule = domain.Rule{
			RuleRef: live,
			Target:  domain.Target{Kind: domain.TargetValidation, ValidationID: validationID},
			Version: version,
			Content: json.RawMessage(content),
		}
		return nil
	})
	if err != nil {
		return domain.Rule{}, fmt.Errorf("failed to get rule %d: %w", ref.ID, err)
	}
	return rule, nil
}

// GetTargetContent reads a specific target row
func (r *ruleRepository) GetTargetContent(ctx context.Context, ref domain.RuleRef, target domain.Target) (domain.Rule, error) {
	rule := domain.Rule{RuleRef: ref, Target: target}
	err := r.withReadRetry(ctx, func() error {
		var content []byte
		var err error
		switch target.Kind {
		case domain.TargetRule:
			err = r.db.QueryRow(ctx,
				`SELECT status, content, xmin FROM rule WHERE id = $1 AND org_id = $2`,
				ref.ID, ref.OrgID,
			).Scan(&rule.Status, &content, &rule.Version)
		case domain.TargetValidation:
			err = r.db.QueryRow(ctx, `
				SELECT rule.status, rule_validation.rule_content, rule_validation.xmin
				FROM rule_validation
				JOIN rule ON rule.id = rule_validation.rule_id
				WHERE rule_validation.id = $1 AND rule.id = $2 AND rule.org_id = $3`,
				target.ValidationID, ref.ID, ref.OrgID,
			).Scan(&rule.Status, &content, &rule.Version)
		default:
			return fmt.Errorf("unknown target kind %q", target.Kind)
		}
		if err != nil {
			return err
		}
		rule.Content = json.RawMessage(content)
		return nil
	})
	if err != nil {
		return domain.Rule{}, fmt.Errorf("failed to get rule %d %s: %w", ref.ID, target, err)
	}
	return rule, nil
}

// WriteRuleContent updates the rule's target guarded by its row version
func (r *ruleRepository) WriteRuleContent(ctx context.Context, rule domain.Rule) error {
	if !json.Valid(rule.Content) {
		return fmt.Errorf("failed to write rule %d: content is not valid JSON", rule.ID)
	}

	var (
		updateSQL string
		updateArg []any
		existsSQL string
		existsArg []any
	)
	switch rule.Target.Kind {
	case domain.TargetRule:
		updateSQL = `UPDATE rule SET content = $1::jsonb WHERE id = $2 AND org_id = $3 AND xmin = $4`
		updateArg = []any{string(rule.Content), rule.ID, rule.OrgID, rule.Version}
		existsSQL = `SELECT EXISTS (SELECT 1 FROM rule WHERE id = $1 AND org_id = $2)`
		existsArg = []any{rule.ID, rule.OrgID}
	case domain.TargetValidation:
		updateSQL = `UPDATE rule_validation SET rule_content = $1::jsonb WHERE id = $2 AND rule_id = $3 AND xmin = $4`
		updateArg = []any{string(rule.Content), rule.Target.ValidationID, rule.ID, rule.Version}
		existsSQL = `SELECT EXISTS (SELECT 1 FROM rule_validation WHERE id = $1 AND rule_id = $2)`
		existsArg = []any{rule.Target.ValidationID, rule.ID}
	default:
		return fmt.Errorf("failed to write rule %d: unknown target kind %q", rule.ID, rule.Target.Kind)
	}

	tag, err := r.db.Exec(ctx, updateSQL, updateArg...)
	if err != nil {
		return fmt.Errorf("failed to write rule %d %s: %w", rule.ID, rule.Target, classify(err))
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx, existsSQL, existsArg...).Scan(&exists); err != nil {
		return fmt.Errorf("failed to write rule %d %s: %w", rule.ID, rule.Target, classify(err))
	}
	if !exists {
		return fmt.Errorf("failed to write rule %d %s: %w", rule.ID, rule.Target, ErrNotFound)
	}
	return fmt.Errorf("failed to write rule %d %s: %w", rule.ID, rule.Target, ErrConflict)
}

// withReadRetry retries op while it fails with a connection error. Other
// errors are classified and returned immediately.
func (r *ruleRepository) withReadRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = r.opts.ReadRetryLimit

	return backoff.Retry(func() error {
		err := classify(op())
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrConnection) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
}
