package imagepull

import (
	"fmt"
)

// RunnerError indicates the puller was constructed without a runner.
type RunnerError struct{}

func (RunnerError) Error() string {
	return "runner is required"
}

// ValidationError captures invalid pull inputs.
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("image pull validation failed: %s", e.Reason)
}

// OptionError surfaces invalid puller options.
type OptionError struct {
	Reason string
}

func (e OptionError) Error() string {
	return fmt.Sprintf("puller option error: %s", e.Reason)
}

// PullError wraps a failed pull invocation.
type PullError struct {
	Image  string
	Err    error
	Stderr string
}

func (e PullError) Error() string {
	if e.Stderr != "" {
		return e.Stderr
	}
	return fmt.Sprintf("pull %s: %v", e.Image, e.Err)
}

func (e PullError) Unwrap() error {
	return e.Err
}

// LocalConfigError marks a pull failure caused by the local container
// runtime setup; retrying it will not help.
type LocalConfigError struct {
	Err error
}

func (e LocalConfigError) Error() string {
	return fmt.Sprintf("docker config error (skipping retries): %v", e.Err)
}

func (e LocalConfigError) Unwrap() error {
	return e.Err
}
