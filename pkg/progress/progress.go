// Package progress defines the event stream a run emits while devices are
// being driven, and the sinks that consume it.
package progress

import (
	"time"

	"github.com/google/uuid"
)

// Kind names what happened.
type Kind string

const (
	RunStarted     Kind = "run_started"
	DeviceStarted  Kind = "device_started"
	StepStarted    Kind = "step_started"
	StepFinished   Kind = "step_finished"
	DeviceFinished Kind = "device_finished"
	RunFinished    Kind = "run_finished"
)

// Event is one progress notification. Step fields are zero for run- and
// device-level events.
type Event struct {
	RunID     uuid.UUID     `json:"run_id"`
	Kind      Kind          `json:"kind"`
	DeviceKey string        `json:"device_key,omitempty"`
	Task      string        `json:"task,omitempty"`
	Command   string        `json:"command,omitempty"`
	StepIndex int           `json:"step_index,omitempty"`
	StepTotal int           `json:"step_total,omitempty"`
	Status    string        `json:"status,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	Elapsed   time.Duration `json:"elapsed,omitempty"`
	Time      time.Time     `json:"time"`
}

// Observer receives events as they happen. Implementations must not block
// the worker for long; slow sinks should buffer or drop.
type Observer interface {
	Notify(Event)
}

// Multi fans events out to several observers.
type Multi []Observer

func (m Multi) Notify(e Event) {
	for _, o := range m {
		o.Notify(e)
	}
}

// Discard ignores all events.
var Discard Observer = discard{}

type discard struct{}

func (discard) Notify(Event) {}
