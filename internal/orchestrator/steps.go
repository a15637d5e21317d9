package orchestrator

import "strings"

// StepError is one failed step of a best-effort sequence
type StepError struct {
	Step string
	Err  error
}

func (e StepError) Error() string {
	return e.Step + ": " + e.Err.Error()
}

func (e StepError) Unwrap() error {
	return e.Err
}

// StepErrors collects the failed steps of a sequence that ran to the end
type StepErrors []StepError

func (s StepErrors) Error() string {
	parts := make([]string, 0, len(s))
	for _, step := range s {
		parts = append(parts, step.Error())
	}
	return strings.Join(parts, "; ")
}

// Err returns nil when no step failed
func (s StepErrors) Err() error {
	if len(s) == 0 {
		return nil
	}
	return s
}

// Unwrap exposes every step error to errors.Is and errors.As
func (s StepErrors) Unwrap() []error {
	errs := make([]error, 0, len(s))
	for _, step := range s {
		errs = append(errs, step.Err)
	}
	return errs
}

// Failed reports whether the named step failed
func (s StepErrors) Failed(step string) bool {
	for _, failed := range s {
		if failed.Step == step {
			return true
		}
	}
	return false
}
