package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

type StepKind string

const (
	StepKindRun          StepKind = "run"
	StepKindRestoreCache StepKind = "restore_cache"
	StepKindSaveCache    StepKind = "save_cache"
)

// StepSpec is the compiled, immutable form of a Step.
type StepSpec struct {
	Name            string
	Kind            StepKind
	Command         string
	ContinueOnError bool
	Timeout         time.Duration // zero means unbounded
	Environment     map[string]string
	Cache           *CacheSpec
}

type CacheSpec struct {
	Key   string
	Paths []string
}

// JobTemplate is the compiled, immutable form of a Job. Instances share a
// pointer to their template and must never write through it.
type JobTemplate struct {
	Name        string
	Steps       []StepSpec
	Axes        []Axis
	FailFast    bool
	Optional    bool
	Timeout     time.Duration
	Image       string
	Environment map[string]string
}

// Pipeline is a fully compiled definition that the engine accepts.
type Pipeline struct {
	Name   string
	Filter *Filter
	Jobs   []*JobTemplate
}

func (p *Pipeline) Job(name string) *JobTemplate {
	for _, j := range p.Jobs {
		if j.Name == name {
			return j
		}
	}
	return nil
}

type Compiler struct {
	Diagnostics Diagnostics
}

type Diagnostics struct {
	Errors   []Error
	Warnings []Warning
}

func (d *Diagnostics) IsEmpty() bool {
	return len(d.Errors) == 0 && len(d.Warnings) == 0
}

func (d *Diagnostics) Combine(o Diagnostics) {
	d.Errors = append(d.Errors, o.Errors...)
	d.Warnings = append(d.Warnings, o.Warnings...)
}

func (d *Diagnostics) AddWarning(path string, kind WarningKind, reason string) {
	d.Warnings = append(d.Warnings, Warning{path, kind, reason})
}

func (d *Diagnostics) AddError(path string, err error) {
	d.Errors = append(d.Errors, Error{path, err})
}

func (d Diagnostics) IsErr() bool {
	return len(d.Errors) != 0
}

type Error struct {
	Path  string
	Error error
}

func (e Error) String() string {
	return fmt.Sprintf("error: %s: %s", e.Path, e.Error.Error())
}

type Warning struct {
	Path   string
	Type   WarningKind
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("warning: %s: %s: %s", w.Path, w.Type, w.Reason)
}

// ConfigurationError fails a run before any instance is created.
type ConfigurationError struct {
	Diagnostics Diagnostics
}

func (e *ConfigurationError) Error() string {
	msgs := make([]string, 0, len(e.Diagnostics.Errors))
	for _, de := range e.Diagnostics.Errors {
		msgs = append(msgs, de.Path+": "+de.Error.Error())
	}
	return "invalid pipeline configuration: " + strings.Join(msgs, "; ")
}

// Is lets errors.Is match any of the underlying diagnostic errors.
func (e *ConfigurationError) Is(target error) bool {
	for _, de := range e.Diagnostics.Errors {
		if errors.Is(de.Error, target) {
			return true
		}
	}
	return false
}

var (
	ErrNoJobs          = errors.New("no jobs defined")
	ErrMissingJobName  = errors.New("missing job name")
	ErrDuplicateJob    = errors.New("duplicate job name")
	ErrNoSteps         = errors.New("job has no steps")
	ErrEmptyAxis       = errors.New("matrix axis has no values")
	ErrDuplicateAxis   = errors.New("duplicate matrix axis")
	ErrMissingCommand  = errors.New("step has no command")
	ErrUnknownStepKind = errors.New("unknown step kind")
	ErrMissingCacheKey = errors.New("cache step has no key")
	ErrInvalidTimeout  = errors.New("invalid timeout")
	ErrInvalidPattern  = errors.New("invalid path pattern")
)

type WarningKind string

var (
	NoSiblings           WarningKind = "no siblings"
	InvalidConfiguration WarningKind = "invalid configuration"
	NoTrigger            WarningKind = "no trigger"
)

// Load parses and compiles a pipeline file in one go.
func Load(name string, contents []byte) (*Pipeline, Diagnostics, error) {
	def, err := FromFile(name, contents)
	if err != nil {
		var d Diagnostics
		d.AddError(name, err)
		return nil, d, &ConfigurationError{Diagnostics: d}
	}

	var c Compiler
	p, err := c.Compile(def)
	return p, c.Diagnostics, err
}

// Compile validates a definition and converts it into templates that runners
// accept. Any error diagnostic makes the whole definition unusable.
func (compiler *Compiler) Compile(d Definition) (*Pipeline, error) {
	p := &Pipeline{
		Name:   d.Name,
		Filter: NewFilter(d.On),
	}

	compiler.analyzeTriggers(d)

	if len(d.Jobs) == 0 {
		compiler.Diagnostics.AddError("jobs", ErrNoJobs)
	}

	seen := make(map[string]bool)
	for i, j := range d.Jobs {
		jobPath := fmt.Sprintf("jobs[%d]", i)
		if j.Name == "" {
			compiler.Diagnostics.AddError(jobPath, ErrMissingJobName)
			continue
		}
		jobPath = "jobs." + j.Name

		if seen[j.Name] {
			compiler.Diagnostics.AddError(jobPath, ErrDuplicateJob)
			continue
		}
		seen[j.Name] = true

		if tpl := compiler.compileJob(jobPath, j); tpl != nil {
			p.Jobs = append(p.Jobs, tpl)
		}
	}

	if compiler.Diagnostics.IsErr() {
		return nil, &ConfigurationError{Diagnostics: compiler.Diagnostics}
	}

	return p, nil
}

func (compiler *Compiler) compileJob(jobPath string, j Job) *JobTemplate {
	tpl := &JobTemplate{
		Name:        j.Name,
		FailFast:    true,
		Optional:    j.Optional,
		Image:       j.Image,
		Environment: j.Environment,
	}
	if j.FailFast != nil {
		tpl.FailFast = *j.FailFast
	}

	tpl.Timeout = compiler.parseTimeout(jobPath+".timeout", j.Timeout)

	axes := make(map[string]bool)
	for _, a := range j.Matrix {
		axisPath := jobPath + ".matrix." + a.Name
		if axes[a.Name] {
			compiler.Diagnostics.AddError(axisPath, ErrDuplicateAxis)
			continue
		}
		axes[a.Name] = true

		if len(a.Values) == 0 {
			compiler.Diagnostics.AddError(axisPath, ErrEmptyAxis)
			continue
		}
		tpl.Axes = append(tpl.Axes, Axis{Name: a.Name, Values: append([]string(nil), a.Values...)})
	}

	if j.FailFast != nil && *j.FailFast && len(j.Matrix) == 0 {
		compiler.Diagnostics.AddWarning(jobPath, NoSiblings, "`fail_fast` has no effect without a matrix")
	}

	if len(j.Steps) == 0 {
		compiler.Diagnostics.AddError(jobPath, ErrNoSteps)
	}

	for i, s := range j.Steps {
		stepPath := fmt.Sprintf("%s.steps[%d]", jobPath, i)
		if spec, ok := compiler.compileStep(stepPath, s); ok {
			tpl.Steps = append(tpl.Steps, spec)
		}
	}

	return tpl
}

func (compiler *Compiler) compileStep(stepPath string, s Step) (StepSpec, bool) {
	spec := StepSpec{
		Name:            s.Name,
		Kind:            StepKind(s.Kind),
		Command:         s.Command,
		ContinueOnError: s.ContinueOnError,
		Environment:     s.Environment,
	}
	if spec.Kind == "" {
		spec.Kind = StepKindRun
	}

	spec.Timeout = compiler.parseTimeout(stepPath+".timeout", s.Timeout)

	switch spec.Kind {
	case StepKindRun:
		if strings.TrimSpace(s.Command) == "" {
			compiler.Diagnostics.AddError(stepPath, ErrMissingCommand)
			return spec, false
		}
	case StepKindRestoreCache, StepKindSaveCache:
		if s.Cache == nil || s.Cache.Key == "" {
			compiler.Diagnostics.AddError(stepPath, ErrMissingCacheKey)
			return spec, false
		}
		if len(s.Cache.Paths) == 0 {
			compiler.Diagnostics.AddWarning(stepPath, InvalidConfiguration, "cache step declares no paths")
		}
		spec.Cache = &CacheSpec{Key: s.Cache.Key, Paths: append([]string(nil), s.Cache.Paths...)}
	default:
		compiler.Diagnostics.AddError(stepPath, fmt.Errorf("%w: %q", ErrUnknownStepKind, s.Kind))
		return spec, false
	}

	if spec.Name == "" {
		spec.Name = defaultStepName(spec)
	}

	return spec, true
}

func (compiler *Compiler) parseTimeout(path, raw string) time.Duration {
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		compiler.Diagnostics.AddError(path, fmt.Errorf("%w: %q", ErrInvalidTimeout, raw))
		return 0
	}
	return d
}

func (compiler *Compiler) analyzeTriggers(d Definition) {
	if d.On.Push == nil && d.On.MergeProposal == nil {
		compiler.Diagnostics.AddWarning("on", NoTrigger, "no trigger declared, only manual runs will execute")
	}

	for i, pattern := range d.On.PathsIgnore {
		if !doublestar.ValidatePattern(pattern) {
			compiler.Diagnostics.AddError(fmt.Sprintf("on.paths_ignore[%d]", i), fmt.Errorf("%w: %q", ErrInvalidPattern, pattern))
		}
	}
}

func defaultStepName(s StepSpec) string {
	switch s.Kind {
	case StepKindRestoreCache:
		return "Restore cache " + s.Cache.Key
	case StepKindSaveCache:
		return "Save cache " + s.Cache.Key
	}

	line, _, _ := strings.Cut(strings.TrimSpace(s.Command), "\n")
	return line
}
