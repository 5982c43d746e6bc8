package orchestrator

import "fmt"

// ErrorKind names the stage at which Converse gave up.
type ErrorKind string

const (
	KindThreadCreateFailed   ErrorKind = "thread_create_failed"
	KindAppendFailed         ErrorKind = "append_failed"
	KindRunStartFailed       ErrorKind = "run_start_failed"
	KindRunTimedOut          ErrorKind = "run_timed_out"
	KindToolResolutionFailed ErrorKind = "tool_resolution_failed"
	KindRunFailed            ErrorKind = "run_failed"
	KindResultFetchFailed    ErrorKind = "result_fetch_failed"
)

// Error is returned by Converse for every failure. All kinds are recoverable
// by falling back to a deterministic response.
type Error struct {
	Kind     ErrorKind
	ThreadID string
	RunID    string
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("orchestrator: %s", e.Kind)
	}
	return fmt.Sprintf("orchestrator: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
