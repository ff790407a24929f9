package domain

import (
	"fmt"
	"regexp"
	"strconv"
)

var envNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// Scope bounds a single fetch, apply or restore: one environment and an
// optional organization.
type Scope struct {
	Env   string `json:"env"`
	OrgID *int64 `json:"org_id,omitempty"`
}

// NewScope creates a scope for env, optionally narrowed to one org
func NewScope(env string, orgID *int64) Scope {
	s := Scope{Env: env}
	if orgID != nil {
		id := *orgID
		s.OrgID = &id
	}
	return s
}

// Validate checks the environment name is usable as a storage key segment
func (s Scope) Validate() error {
	return ValidateEnv(s.Env)
}

// String renders the scope for logs
func (s Scope) String() string {
	if s.OrgID == nil {
		return s.Env
	}
	return s.Env + "/org_" + strconv.FormatInt(*s.OrgID, 10)
}

// ValidateEnv checks an environment name
func ValidateEnv(env string) error {
	if !envNamePattern.MatchString(env) {
		return fmt.Errorf("invalid environment name %q", env)
	}
	return nil
}
