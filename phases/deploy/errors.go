package deploy

import "fmt"

// PanicError is a step that panicked; it is reported like any other failure.
type PanicError struct {
	Step  string
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("step %s panicked: %v", e.Step, e.Value)
}
