// Package engine drives a single command through an interactive shell and
// decides when the device is done talking. It knows nothing about SSH; it
// consumes a chunk stream and a stdin writer.
package engine

import (
	"context"
	"strings"
	"time"

	"github.com/andrej220/ampctl/internal/lg"
	"github.com/andrej220/ampctl/internal/planner"
)

// ShellConn is the slice of a device session the engine needs.
type ShellConn interface {
	Send(cmd string) error
	Chunks() <-chan []byte
}

// Status is the outcome of one executed step.
type Status int

const (
	Complete Status = iota
	Timeout
	Error
)

func (s Status) String() string {
	switch s {
	case Complete:
		return "complete"
	case Timeout:
		return "timeout"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Result carries the outcome of one step. Output holds whatever arrived
// before completion or timeout; on timeout it is the partial capture.
type Result struct {
	Status  Status
	Output  string
	Elapsed time.Duration
	Err     error
}

// quietPeriod is how long the prompt marker must sit at the end of the
// buffer with no new bytes before the step counts as complete. Devices echo
// the marker mid-output when scrolling; a quiet tail is the real prompt.
const quietPeriod = 150 * time.Millisecond

// Execute sends the step's command and reads until the prompt marker settles,
// the idle timeout fires, or the shell dies.
//
// Ordering rule: when the step carries a validation string, the prompt marker
// does not count until the validation string has appeared. A slow command may
// print prompt-looking text before its real output; the validation string is
// the proof the command actually ran.
//
// The timeout is an idle timeout. Any received byte resets it, so a step that
// keeps streaming is never cut off mid-output; only a silent device times out.
// There is no retry here. A Timeout result carries the partial buffer and the
// caller decides what to do with the device.
func Execute(ctx context.Context, conn ShellConn, step planner.CommandStep, log lg.Logger) Result {
	if log == nil {
		log = lg.Discard
	}
	start := time.Now()

	if err := conn.Send(step.Command); err != nil {
		return Result{Status: Error, Err: err, Elapsed: time.Since(start)}
	}

	idle := time.NewTimer(step.Timeout)
	defer idle.Stop()

	// Prompt matching is suppressed until the delay expires. Some commands
	// repaint the prompt immediately and then keep working.
	var delayC <-chan time.Time
	if step.DelayBeforePrompt > 0 {
		delay := time.NewTimer(step.DelayBeforePrompt)
		defer delay.Stop()
		delayC = delay.C
	}
	delayDone := step.DelayBeforePrompt <= 0

	var quiet *time.Timer
	var quietC <-chan time.Time
	stopQuiet := func() {
		if quiet != nil {
			quiet.Stop()
			quiet = nil
			quietC = nil
		}
	}
	defer stopQuiet()

	var raw strings.Builder
	validated := step.Validation == ""

	armQuietIfDone := func() {
		out := Normalize(raw.String())
		if !validated && strings.Contains(out, step.Validation) {
			validated = true
		}
		if delayDone && validated && endsWithMarker(out, step.PromptMarker) {
			stopQuiet()
			quiet = time.NewTimer(quietPeriod)
			quietC = quiet.C
		} else {
			stopQuiet()
		}
	}

	for {
		select {
		case chunk, ok := <-conn.Chunks():
			if !ok {
				return Result{
					Status:  Error,
					Output:  Normalize(raw.String()),
					Elapsed: time.Since(start),
					Err:     errShellClosed,
				}
			}
			raw.Write(chunk)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(step.Timeout)
			armQuietIfDone()

		case <-delayC:
			delayDone = true
			delayC = nil
			armQuietIfDone()

		case <-quietC:
			elapsed := time.Since(start)
			log.Debug("step complete",
				lg.String("command", step.Command),
				lg.Duration("elapsed", elapsed))
			return Result{Status: Complete, Output: Normalize(raw.String()), Elapsed: elapsed}

		case <-idle.C:
			elapsed := time.Since(start)
			log.Warn("step timed out",
				lg.String("command", step.Command),
				lg.Duration("idle", step.Timeout))
			return Result{
				Status:  Timeout,
				Output:  Normalize(raw.String()),
				Elapsed: elapsed,
				Err:     &TimeoutError{Command: step.Command, Idle: step.Timeout},
			}

		case <-ctx.Done():
			return Result{
				Status:  Error,
				Output:  Normalize(raw.String()),
				Elapsed: time.Since(start),
				Err:     ctx.Err(),
			}
		}
	}
}

// endsWithMarker reports whether the buffer, ignoring trailing whitespace,
// ends at the prompt marker.
func endsWithMarker(out, marker string) bool {
	if marker == "" {
		return false
	}
	return strings.HasSuffix(strings.TrimRight(out, " \t\r\n"), marker)
}
