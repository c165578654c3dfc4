package dispatch

import (
	"errors"
	"fmt"
)

// DispatchError means the trigger call failed after exhausting retries.
// Surfaced immediately; never retried further by callers.
type DispatchError struct {
	JobKind string
	Err     error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch: trigger %q failed: %v", e.JobKind, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// TransientFailure means status fetches kept failing until the retry
// budget ran out. The run may still be progressing; callers typically
// re-surface this as "could not confirm status, check the link manually".
type TransientFailure struct {
	Err error
}

func (e *TransientFailure) Error() string {
	return fmt.Sprintf("dispatch: transient failure polling run: %v", e.Err)
}

func (e *TransientFailure) Unwrap() error { return e.Err }

// ErrNoRunFound means resolution found neither an exact token match nor
// any run started after dispatch time.
var ErrNoRunFound = errors.New("dispatch: no run matching correlation request")
