package isolation

import (
	"fmt"
	"time"
)

// LifecycleError reports an operation attempted in the wrong session
// state, e.g. Execute after Stop or a second Start.
type LifecycleError struct {
	Op    string
	State SessionStatus
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("isolation: cannot %s while session is %s", e.Op, e.State)
}

// TimeoutError reports a bounded operation that ran out of time. It is
// distinct from command failure: the command may still be running when
// this is returned.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("isolation: %s timed out after %s", e.Op, e.Timeout)
}

// BackendError wraps a failure from the underlying engine or helper,
// preserving the cause for errors.Is/As.
type BackendError struct {
	Backend BackendKind
	Op      string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("isolation: %s backend %s: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// NotFoundError reports a missing path or object inside the environment.
type NotFoundError struct {
	Kind string // "file", "directory", "container", "session"
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("isolation: %s not found: %s", e.Kind, e.Name)
}

// ValidationError reports rejected caller input before any backend work.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("isolation: invalid %s: %s", e.Field, e.Reason)
}
