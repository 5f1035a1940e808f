// Package profile holds the device-family catalog: credentials, prompt
// markers, command templates and numeric constants for every supported
// image/firmware tag. Profiles are immutable once loaded; per-invocation
// overrides derive a copy so concurrent workers never observe each other's
// settings.
package profile

import (
	"fmt"
	"time"
)

// StepTemplate is one command in a task sequence, as authored in the catalog.
type StepTemplate struct {
	Command           string        `yaml:"command" validate:"required"`
	Validation        string        `yaml:"validation,omitempty"`
	DelayBeforePrompt time.Duration `yaml:"delay_before_prompt,omitempty"`
	Timeout           time.Duration `yaml:"timeout,omitempty"`
	PromptMarker      string        `yaml:"prompt_marker,omitempty"`
	// Channels carries an A-B(S) sub-band expression. When set, the planner
	// emits one step per sub-band with {start} and {end} substituted.
	Channels string `yaml:"channels,omitempty" validate:"omitempty,rangeexpr"`
}

// ArtifactSpec names a remote file a task is expected to produce.
type ArtifactSpec struct {
	Path     string `yaml:"path" validate:"required"`
	MinBytes int64  `yaml:"min_bytes,omitempty"`
}

// Task is a named, ordered command sequence.
type Task struct {
	// Requires names another task of the same profile whose steps must run
	// first (e.g. entering the debug shell). Shared prerequisites are
	// inserted once per plan, not once per task.
	Requires  string         `yaml:"requires,omitempty"`
	Timeout   time.Duration  `yaml:"timeout,omitempty"`
	Steps     []StepTemplate `yaml:"steps" validate:"dive"`
	Artifacts []ArtifactSpec `yaml:"artifacts,omitempty" validate:"dive"`
}

// Relay describes the bastion hop in front of the device network.
type Relay struct {
	Host     string `yaml:"host"`
	Username string `yaml:"username"`
}

// Profile is one device family's fixed behavior. The zero value is not
// usable; profiles come from a Catalog.
type Profile struct {
	Image        string          `yaml:"image" validate:"required"`
	Username     string          `yaml:"username" validate:"required"`
	Password     string          `yaml:"password"`
	PromptMarker string          `yaml:"prompt_marker" validate:"required"`
	Relay        Relay           `yaml:"relay"`
	// Relays holds per-environment relay hosts (lab, prod). An Overrides.Env
	// matching a key here replaces Relay in the derived copy.
	Relays map[string]Relay `yaml:"relays,omitempty"`
	Tasks  map[string]Task  `yaml:"tasks" validate:"dive"`
	// Constants are opaque numeric parameters (sampling rates, FFT sizes)
	// passed through to downstream collaborators; the engine never reads them.
	Constants map[string]float64 `yaml:"constants,omitempty"`
}

// Catalog is the full set of loaded profiles, keyed by image tag.
type Catalog struct {
	Profiles map[string]Profile `yaml:"profiles" validate:"required,dive"`
}

// Get returns the profile for an image tag.
func (c *Catalog) Get(image string) (Profile, error) {
	p, ok := c.Profiles[image]
	if !ok {
		return Profile{}, fmt.Errorf("unknown image %q", image)
	}
	return p, nil
}

// Overrides are per-invocation adjustments. They never mutate the catalog.
type Overrides struct {
	Timeout   time.Duration // applied to steps without their own override
	Env       string        // selects a relay from Relays when present
	SkipRelay bool
}

// With derives a copy of the profile with the overrides applied. Task maps
// and step slices are copied so the receiver stays immutable.
func (p Profile) With(o Overrides) Profile {
	out := p
	out.Tasks = make(map[string]Task, len(p.Tasks))
	for name, t := range p.Tasks {
		steps := make([]StepTemplate, len(t.Steps))
		copy(steps, t.Steps)
		if o.Timeout > 0 {
			if t.Timeout == 0 {
				t.Timeout = o.Timeout
			}
			for i := range steps {
				if steps[i].Timeout == 0 {
					steps[i].Timeout = o.Timeout
				}
			}
		}
		t.Steps = steps
		out.Tasks[name] = t
	}
	if o.Env != "" {
		if r, ok := p.Relays[o.Env]; ok {
			out.Relay = r
		}
	}
	if o.SkipRelay {
		out.Relay = Relay{}
	}
	return out
}

// SupportedTasks lists the task names this profile can run.
func (p Profile) SupportedTasks() []string {
	names := make([]string, 0, len(p.Tasks))
	for name := range p.Tasks {
		names = append(names, name)
	}
	return names
}
