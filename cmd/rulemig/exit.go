package main

import "errors"

const (
	ExitOK           = 0
	ExitRuleFailures = 1
	ExitUsage        = 2
	ExitConfig       = 3
	ExitStore        = 4
)

// exitError carries the process exit code for err
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

// exitCode maps an Execute error onto an exit code. Errors without a code come
// from cobra's own flag and argument checks.
func exitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return ExitUsage
}
