package generation

import (
	"errors"
	"fmt"
)

// Error classes. Every error returned by this package matches exactly one
// of them with errors.Is.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrInput         = errors.New("input error")
	ErrCompute       = errors.New("compute error")
	// ErrRunning is returned by accessors that need the worker to be done.
	ErrRunning = errors.New("generation: session still running")
)

// ConfigurationError reports a bad setting detected before generation
// starts, such as an EOS token missing from the vocabulary.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() []error { return []error{ErrConfiguration, e.Err} }

// InputError reports a prompt that cannot be generated from.
type InputError struct {
	Reason string
	Err    error
}

func (e *InputError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("input error: %s: %v", e.Reason, e.Err)
	}
	return "input error: " + e.Reason
}

func (e *InputError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrInput}
	}
	return []error{ErrInput, e.Err}
}

// ComputeError wraps a failure of the forward pass or sampler at a step.
type ComputeError struct {
	Step int
	Err  error
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("compute error at step %d: %v", e.Step, e.Err)
}

func (e *ComputeError) Unwrap() []error { return []error{ErrCompute, e.Err} }

func configErr(field string, format string, args ...any) error {
	return &ConfigurationError{Field: field, Err: fmt.Errorf(format, args...)}
}
