// Package orchestrator fans a run out across devices, one worker per device,
// and collects a report. Steps on a single device run strictly in order; a
// failure on one device never touches its siblings.
package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/andrej220/ampctl/internal/engine"
	"github.com/andrej220/ampctl/internal/lg"
	"github.com/andrej220/ampctl/internal/planner"
	"github.com/andrej220/ampctl/internal/profile"
	"github.com/andrej220/ampctl/internal/retrieval"
	"github.com/andrej220/ampctl/internal/store"
	"github.com/andrej220/ampctl/pkg/progress"
)

// Device is one target of a run.
type Device struct {
	Key     string // stable settings key (normalized MAC)
	Addr    string
	Profile profile.Profile
}

// Conn is the session surface a worker drives. transport.Session satisfies
// it; tests substitute scripted fakes.
type Conn interface {
	engine.ShellConn
	retrieval.ExecConn
	WaitReady(ctx context.Context, marker string, timeout time.Duration) error
	Close() error
}

// Dialer opens device sessions.
type Dialer interface {
	Open(ctx context.Context, p profile.Profile, addr string) (Conn, error)
}

// DeviceStatus is the final disposition of one device in a run.
type DeviceStatus int

const (
	StatusComplete DeviceStatus = iota
	StatusFailed
	StatusAborted
)

func (s DeviceStatus) String() string {
	switch s {
	case StatusComplete:
		return "complete"
	case StatusFailed:
		return "failed"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// StepResult is the outcome of one executed step, kept even for the step
// that failed so the partial capture is not lost.
type StepResult struct {
	Task    string        `json:"task"`
	Command string        `json:"command"`
	Status  string        `json:"status"`
	Output  string        `json:"output,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
	Err     string        `json:"error,omitempty"`
}

// DeviceSummary is one device's slice of the report. FailedAtStep is the
// zero-based index of the step that stopped the device, or -1.
type DeviceSummary struct {
	Key          string              `json:"key"`
	Addr         string              `json:"addr"`
	Status       DeviceStatus        `json:"-"`
	StatusText   string              `json:"status"`
	FailedAtStep int                 `json:"failed_at_step"`
	Steps        []StepResult        `json:"steps"`
	Artifacts    []retrieval.Outcome `json:"artifacts,omitempty"`
	Err          string              `json:"error,omitempty"`
}

// Report is the full result of one run.
type Report struct {
	RunID    uuid.UUID       `json:"run_id"`
	Tasks    []string        `json:"tasks"`
	Started  time.Time       `json:"started"`
	Finished time.Time       `json:"finished"`
	Devices  []DeviceSummary `json:"devices"`
}

// AllComplete reports whether every device finished every step.
func (r *Report) AllComplete() bool {
	for _, d := range r.Devices {
		if d.Status != StatusComplete {
			return false
		}
	}
	return true
}

// Orchestrator runs task sequences across a device set.
type Orchestrator struct {
	Dialer       Dialer
	Store        *store.Store
	Observer     progress.Observer
	Log          lg.Logger
	ArtifactDir  string
	ReadyTimeout time.Duration
}

func New(dialer Dialer, st *store.Store, obs progress.Observer, log lg.Logger) *Orchestrator {
	if obs == nil {
		obs = progress.Discard
	}
	if log == nil {
		log = lg.Discard
	}
	return &Orchestrator{
		Dialer:       dialer,
		Store:        st,
		Observer:     obs,
		Log:          log,
		ArtifactDir:  "artifacts",
		ReadyTimeout: 30 * time.Second,
	}
}

// Run drives the named tasks on every device concurrently and returns when
// all workers have finished. Workers never propagate errors into the group;
// each device's outcome lands in its summary so one bad device cannot cancel
// the rest.
func (o *Orchestrator) Run(ctx context.Context, devices []Device, tasks []string) *Report {
	report := &Report{
		RunID:   uuid.New(),
		Tasks:   tasks,
		Started: time.Now(),
		Devices: make([]DeviceSummary, len(devices)),
	}
	o.Observer.Notify(progress.Event{
		RunID: report.RunID, Kind: progress.RunStarted, Time: time.Now(),
	})

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	for i, dev := range devices {
		i, dev := i, dev
		g.Go(func() error {
			summary := o.runDevice(ctx, report.RunID, dev, tasks)
			mu.Lock()
			report.Devices[i] = summary
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report.Finished = time.Now()
	o.Observer.Notify(progress.Event{
		RunID: report.RunID, Kind: progress.RunFinished, Time: time.Now(),
	})
	return report
}

func (o *Orchestrator) runDevice(ctx context.Context, runID uuid.UUID, dev Device, tasks []string) DeviceSummary {
	log := o.Log.With(lg.String("device", dev.Key), lg.String("addr", dev.Addr))
	summary := DeviceSummary{Key: dev.Key, Addr: dev.Addr, FailedAtStep: -1}
	defer func() {
		summary.StatusText = summary.Status.String()
		o.persistOutcome(dev, tasks, &summary, log)
		o.Observer.Notify(progress.Event{
			RunID: runID, Kind: progress.DeviceFinished, DeviceKey: dev.Key,
			Status: summary.Status.String(), Detail: summary.Err, Time: time.Now(),
		})
	}()

	o.Observer.Notify(progress.Event{
		RunID: runID, Kind: progress.DeviceStarted, DeviceKey: dev.Key, Time: time.Now(),
	})

	plan, err := planner.Generate(dev.Profile, tasks)
	if err != nil {
		summary.Status = StatusFailed
		summary.Err = err.Error()
		log.Error("planning failed", lg.Err(err))
		return summary
	}

	conn, err := o.Dialer.Open(ctx, dev.Profile, dev.Addr)
	if err != nil {
		summary.Status = statusForErr(ctx, StatusFailed)
		summary.Err = err.Error()
		log.Error("connect failed", lg.Err(err))
		return summary
	}
	defer conn.Close()

	if err := conn.WaitReady(ctx, dev.Profile.PromptMarker, o.ReadyTimeout); err != nil {
		summary.Status = statusForErr(ctx, StatusFailed)
		summary.Err = err.Error()
		log.Error("shell never became ready", lg.Err(err))
		return summary
	}

	total := len(plan.Steps)
	for i, step := range plan.Steps {
		if ctx.Err() != nil {
			summary.Status = StatusAborted
			summary.Err = ctx.Err().Error()
			summary.FailedAtStep = i
			return summary
		}

		o.Observer.Notify(progress.Event{
			RunID: runID, Kind: progress.StepStarted, DeviceKey: dev.Key,
			Task: step.Task, Command: step.Command,
			StepIndex: i, StepTotal: total, Time: time.Now(),
		})

		res := engine.Execute(ctx, conn, step, log)

		sr := StepResult{
			Task:    step.Task,
			Command: step.Command,
			Status:  res.Status.String(),
			Output:  res.Output,
			Elapsed: res.Elapsed,
		}
		if res.Err != nil {
			sr.Err = res.Err.Error()
		}
		summary.Steps = append(summary.Steps, sr)

		o.Observer.Notify(progress.Event{
			RunID: runID, Kind: progress.StepFinished, DeviceKey: dev.Key,
			Task: step.Task, Command: step.Command,
			StepIndex: i, StepTotal: total,
			Status: res.Status.String(), Elapsed: res.Elapsed, Time: time.Now(),
		})

		if res.Status != engine.Complete {
			summary.FailedAtStep = i
			if res.Err != nil {
				summary.Err = res.Err.Error()
			}
			if errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, context.DeadlineExceeded) || ctx.Err() != nil {
				summary.Status = StatusAborted
			} else {
				summary.Status = StatusFailed
			}
			log.Warn("device stopped",
				lg.Int("step", i),
				lg.String("status", summary.Status.String()))
			return summary
		}
	}

	summary.Artifacts = o.collectArtifacts(ctx, conn, dev, plan, log)
	summary.Status = StatusComplete
	return summary
}

// collectArtifacts runs the verify-then-fetch pass for every task that
// declared artifacts. Artifact problems are recorded per outcome and do not
// change the device status; the commands themselves succeeded.
func (o *Orchestrator) collectArtifacts(ctx context.Context, conn Conn, dev Device, plan *planner.Plan, log lg.Logger) []retrieval.Outcome {
	var all []retrieval.Outcome
	if len(plan.Artifacts) == 0 {
		return nil
	}
	v := retrieval.NewVerifier(retrieval.NewRemoteFS(conn), log)
	for task, specs := range plan.Artifacts {
		outcomes, err := v.Retrieve(ctx, specs, o.artifactDest(dev, task))
		if err != nil {
			log.Error("artifact retrieval failed", lg.String("task", task), lg.Err(err))
			continue
		}
		all = append(all, outcomes...)
	}
	return all
}

func (o *Orchestrator) artifactDest(dev Device, task string) string {
	return filepath.Join(o.ArtifactDir, dev.Key, task)
}

// persistOutcome records the last-run disposition in the device state store.
// Best effort: it runs for aborted devices too, and a persist failure is
// logged onto the summary without flipping its status.
func (o *Orchestrator) persistOutcome(dev Device, tasks []string, summary *DeviceSummary, log lg.Logger) {
	if o.Store == nil {
		return
	}
	patch := map[string]any{
		"last_run": map[string]any{
			"status":   summary.Status.String(),
			"finished": time.Now().Format(time.RFC3339),
			"addr":     dev.Addr,
		},
	}
	for _, t := range tasks {
		patch["last_run"].(map[string]any)[t] = summary.Status == StatusComplete
	}
	if _, err := o.Store.Update(dev.Key, patch); err != nil {
		log.Warn("state persist failed", lg.Err(err))
		if summary.Err == "" {
			summary.Err = err.Error()
		}
	}
}

func statusForErr(ctx context.Context, fallback DeviceStatus) DeviceStatus {
	if ctx.Err() != nil {
		return StatusAborted
	}
	return fallback
}
