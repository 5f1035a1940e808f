package engine

import (
	"errors"
	"fmt"
	"time"
)

var errShellClosed = errors.New("shell closed while reading")

// TimeoutError reports a step where the device went silent for longer than
// the step's idle timeout.
type TimeoutError struct {
	Command string
	Idle    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command %q: no output for %s", e.Command, e.Idle)
}
