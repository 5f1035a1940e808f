package progress

import (
	"github.com/andrej220/ampctl/internal/lg"
)

// LogObserver writes every event to the structured log.
type LogObserver struct {
	Log lg.Logger
}

func NewLogObserver(log lg.Logger) *LogObserver {
	if log == nil {
		log = lg.Discard
	}
	return &LogObserver{Log: log}
}

func (o *LogObserver) Notify(e Event) {
	fields := []lg.Field{
		lg.String("run", e.RunID.String()),
		lg.String("kind", string(e.Kind)),
	}
	if e.DeviceKey != "" {
		fields = append(fields, lg.String("device", e.DeviceKey))
	}
	if e.Task != "" {
		fields = append(fields, lg.String("task", e.Task))
	}
	if e.Command != "" {
		fields = append(fields, lg.String("command", e.Command))
	}
	if e.StepTotal > 0 {
		fields = append(fields, lg.Int("step", e.StepIndex+1), lg.Int("of", e.StepTotal))
	}
	if e.Status != "" {
		fields = append(fields, lg.String("status", e.Status))
	}
	if e.Detail != "" {
		fields = append(fields, lg.String("detail", e.Detail))
	}
	o.Log.Info("progress", fields...)
}
