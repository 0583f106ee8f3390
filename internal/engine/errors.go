package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Problem is one invalid field of a FitInput
type Problem struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ConfigError reports an input that cannot be fitted as given
type ConfigError struct {
	Problems []Problem
}

func (e *ConfigError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.Field+": "+p.Reason)
	}
	return "invalid fit input: " + strings.Join(parts, "; ")
}

// Add appends a problem
func (e *ConfigError) Add(field, format string, args ...any) {
	e.Problems = append(e.Problems, Problem{Field: field, Reason: fmt.Sprintf(format, args...)})
}

// OrNil returns nil when no problems were recorded
func (e *ConfigError) OrNil() error {
	if e == nil || len(e.Problems) == 0 {
		return nil
	}
	return e
}

// ConvergenceError reports that an engine failed to reach an estimate. It is
// a fitting failure, distinct from any quality issue diagnostics may find.
type ConvergenceError struct {
	Engine     string
	Stage      string
	Iterations int
	Reason     string
}

func (e *ConvergenceError) Error() string {
	msg := fmt.Sprintf("%s engine did not converge", e.Engine)
	if e.Stage != "" {
		msg += " at " + e.Stage
	}
	if e.Iterations > 0 {
		msg += fmt.Sprintf(" after %d iterations", e.Iterations)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// IsConfig reports whether err is or wraps a *ConfigError
func IsConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsConvergence reports whether err is or wraps a *ConvergenceError
func IsConvergence(err error) bool {
	var ce *ConvergenceError
	return errors.As(err, &ce)
}
