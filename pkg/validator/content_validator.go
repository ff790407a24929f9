package validator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/coopaaaaaah/rule-tooling/internal/transform"
)

// ContentValidator checks migrated rule content before it is written back
type ContentValidator struct{}

// NewContentValidator creates a new content validator
func NewContentValidator() *ContentValidator {
	return &ContentValidator{}
}

// ValidationError represents a validation error
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

// ValidationResult represents the result of validation
type ValidationResult struct {
	IsValid  bool              `json:"is_valid"`
	Errors   []ValidationError `json:"errors"`
	Warnings []ValidationError `json:"warnings"`
}

// Err folds the errors of a failed result into a single error
func (r ValidationResult) Err() error {
	if r.IsValid {
		return nil
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, fmt.Sprintf("%s: %s", e.Path, e.Message))
	}
	return fmt.Errorf("migrated content is invalid: %s", strings.Join(msgs, "; "))
}

// ValidateMigrated checks that content is a single JSON document in which no
// EVENT_BY_OBJECT_FACTS node still carries sender_receiver and every
// perspectives value is a list.
func (cv *ContentValidator) ValidateMigrated(content json.RawMessage) ValidationResult {
	result := ValidationResult{
		IsValid:  true,
		Errors:   []ValidationError{},
		Warnings: []ValidationError{},
	}

	doc, err := transform.Decode(content)
	if err != nil {
		result.IsValid = false
		result.Errors = append(result.Errors, ValidationError{
			Path:    transform.RootPath,
			Message: fmt.Sprintf("content is not valid JSON: %v", err),
		})
		return result
	}

	_ = transform.VisitNodes(doc, func(path string, node map[string]any) error {
		if legacy, ok := node[transform.LegacyKey]; ok {
			result.IsValid = false
			result.Errors = append(result.Errors, ValidationError{
				Path:    transform.ChildPath(path, transform.LegacyKey),
				Message: fmt.Sprintf("'%s' must not remain after migration", transform.LegacyKey),
				Value:   legacy,
			})
		}

		raw, ok := node[transform.PerspectivesKey]
		if !ok {
			return nil
		}
		perspectivesPath := transform.ChildPath(path, transform.PerspectivesKey)
		items, ok := raw.([]any)
		if !ok {
			result.IsValid = false
			result.Errors = append(result.Errors, ValidationError{
				Path:    perspectivesPath,
				Message: fmt.Sprintf("'%s' must be a list, got %T", transform.PerspectivesKey, raw),
				Value:   raw,
			})
			return nil
		}
		if len(items) == 0 {
			result.Warnings = append(result.Warnings, ValidationError{
				Path:    perspectivesPath,
				Message: fmt.Sprintf("'%s' is empty", transform.PerspectivesKey),
			})
		}
		for i, item := range items {
			cv.validatePerspective(transform.IndexPath(perspectivesPath, i), item, &result)
		}
		return nil
	})

	return result
}

func (cv *ContentValidator) validatePerspective(path string, item any, result *ValidationResult) {
	switch p := item.(type) {
	case string:
		if strings.TrimSpace(p) == "" {
			result.IsValid = false
			result.Errors = append(result.Errors, ValidationError{
				Path:    path,
				Message: "perspective must be a non-empty string",
			})
		}
	case map[string]any:
		if p["type"] != "FIELD" {
			return
		}
		field, ok := p["field"].(string)
		if !ok || strings.TrimSpace(field) == "" {
			result.IsValid = false
			result.Errors = append(result.Errors, ValidationError{
				Path:    path,
				Message: "FIELD perspective requires a non-empty 'field'",
				Value:   p["field"],
			})
		}
	case nil:
		result.IsValid = false
		result.Errors = append(result.Errors, ValidationError{
			Path:    path,
			Message: "perspective must not be null",
		})
	}
}
