package baton

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for errors.Is() support.
var (
	ErrDefinitionNotFound  = errors.New("saga definition not found")
	ErrDefinitionExists    = errors.New("saga definition already registered")
	ErrExecutionNotFound   = errors.New("execution not found")
	ErrExecutionActive     = errors.New("execution still active")
	ErrExecutionNotRunning = errors.New("execution is not running")
	ErrSagaTimeout         = errors.New("saga deadline exceeded")
	ErrCanceled            = errors.New("execution canceled")
	ErrCompensationFailed  = errors.New("compensation failed")
	ErrNoProgress          = errors.New("circular dependency detected or unable to make progress")
)

// MaxErrorLength bounds error messages recorded on execution records.
const MaxErrorLength = 2048

// ValidationError reports every structural problem found in a saga
// definition at registration time.
type ValidationError struct {
	Saga   string
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid saga definition %q: %s", e.Saga, strings.Join(e.Issues, "; "))
}

// StepError is the terminal failure of a single step after every retry
// attempt has been consumed.
type StepError struct {
	Saga     string
	Step     string
	Attempts int
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q of saga %q failed after %d attempt(s): %v", e.Step, e.Saga, e.Attempts, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// CompensationError aggregates the steps whose compensating actions could
// not be completed during a sweep. The sweep itself is best effort, so the
// execution still terminates; this error records what was left behind.
type CompensationError struct {
	Saga  string
	Steps []string
	Err   error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensation of saga %q left steps uncompensated (%s): %v", e.Saga, strings.Join(e.Steps, ", "), e.Err)
}

func (e *CompensationError) Unwrap() error {
	return e.Err
}

func (e *CompensationError) Is(target error) bool {
	return target == ErrCompensationFailed
}

// TimeoutError is recorded when an execution exceeds its saga-level
// deadline before all layers have been dispatched.
type TimeoutError struct {
	Saga    string
	Elapsed string
	Limit   string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("saga %q exceeded its %s deadline after %s", e.Saga, e.Limit, e.Elapsed)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrSagaTimeout
}

// TruncateError renders err bounded to MaxErrorLength so oversized upstream
// response bodies cannot bloat stored records.
func TruncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) <= MaxErrorLength {
		return msg
	}
	marker := "... [TRUNCATED]"
	return msg[:MaxErrorLength-len(marker)] + marker
}
