package phases

import "fmt"

// ValidationError represents invalid manager input or configuration.
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("phase validation failed: %s", e.Reason)
}

// TransitionError is returned when an intent is not valid in the current phase.
type TransitionError struct {
	Op    string
	Phase Phase
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("cannot %s during phase %s", e.Op, e.Phase)
}

// TokenError wraps a failure generating the shared auth token.
type TokenError struct {
	Err error
}

func (e TokenError) Error() string {
	return fmt.Sprintf("generate auth token: %v", e.Err)
}

func (e TokenError) Unwrap() error {
	return e.Err
}
