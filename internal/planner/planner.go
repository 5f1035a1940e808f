// Package planner turns task names into the flat, ordered command sequence a
// device worker will execute. Planning is pure: all catalog and range errors
// surface here, before any connection is opened.
package planner

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/andrej220/ampctl/internal/profile"
)

// DefaultStepTimeout applies to steps with no timeout of their own.
const DefaultStepTimeout = 20 * time.Second

// CommandStep is one fully resolved command: every placeholder substituted,
// every per-step knob filled in from task or profile defaults.
type CommandStep struct {
	Task              string
	Command           string
	Validation        string
	DelayBeforePrompt time.Duration
	Timeout           time.Duration
	PromptMarker      string
}

// Plan is the ordered step sequence for one device, plus the artifacts each
// requested task is expected to leave behind.
type Plan struct {
	Steps     []CommandStep
	Artifacts map[string][]profile.ArtifactSpec
}

// InvalidTaskError reports a requested task the profile does not support.
type InvalidTaskError struct {
	Task  string
	Image string
}

func (e *InvalidTaskError) Error() string {
	return fmt.Sprintf("task %q is not supported by image %q", e.Task, e.Image)
}

// Generate builds the plan for the requested tasks in order. A prerequisite
// task shared by several requested tasks is inserted once, before the first
// task that needs it; a prerequisite that was itself requested earlier is not
// repeated.
func Generate(p profile.Profile, tasks []string) (*Plan, error) {
	plan := &Plan{Artifacts: make(map[string][]profile.ArtifactSpec)}
	done := make(map[string]bool)

	for _, name := range tasks {
		t, ok := p.Tasks[name]
		if !ok {
			return nil, &InvalidTaskError{Task: name, Image: p.Image}
		}
		if t.Requires != "" && !done[t.Requires] {
			req, ok := p.Tasks[t.Requires]
			if !ok {
				return nil, &InvalidTaskError{Task: t.Requires, Image: p.Image}
			}
			if err := appendTask(plan, p, t.Requires, req); err != nil {
				return nil, err
			}
			done[t.Requires] = true
		}
		if done[name] {
			continue
		}
		if err := appendTask(plan, p, name, t); err != nil {
			return nil, err
		}
		done[name] = true
		if len(t.Artifacts) > 0 {
			plan.Artifacts[name] = append([]profile.ArtifactSpec(nil), t.Artifacts...)
		}
	}
	return plan, nil
}

func appendTask(plan *Plan, p profile.Profile, name string, t profile.Task) error {
	for _, tpl := range t.Steps {
		steps, err := expandStep(p, name, t, tpl)
		if err != nil {
			return err
		}
		plan.Steps = append(plan.Steps, steps...)
	}
	return nil
}

// expandStep resolves one template into one or more concrete steps. A
// template with a Channels expression fans out into one step per sub-band.
func expandStep(p profile.Profile, task string, t profile.Task, tpl profile.StepTemplate) ([]CommandStep, error) {
	base := CommandStep{
		Task:              task,
		Command:           tpl.Command,
		Validation:        tpl.Validation,
		DelayBeforePrompt: tpl.DelayBeforePrompt,
		Timeout:           tpl.Timeout,
		PromptMarker:      tpl.PromptMarker,
	}
	if base.Timeout == 0 {
		base.Timeout = t.Timeout
	}
	if base.Timeout == 0 {
		base.Timeout = DefaultStepTimeout
	}
	if base.PromptMarker == "" {
		base.PromptMarker = p.PromptMarker
	}

	if tpl.Channels == "" {
		return []CommandStep{base}, nil
	}

	bands, err := profile.ExpandRange(tpl.Channels)
	if err != nil {
		return nil, err
	}
	steps := make([]CommandStep, 0, len(bands))
	for _, b := range bands {
		s := base
		s.Command = substitute(base.Command, b)
		s.Validation = substitute(base.Validation, b)
		steps = append(steps, s)
	}
	return steps, nil
}

func substitute(s string, b profile.Band) string {
	s = strings.ReplaceAll(s, "{start}", strconv.FormatInt(b.StartHz, 10))
	s = strings.ReplaceAll(s, "{end}", strconv.FormatInt(b.EndHz, 10))
	return s
}
