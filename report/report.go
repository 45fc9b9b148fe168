// Package report renders the outcome of a run for people and machines.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"tangled.sh/tangled.sh/bobbin/engine"
	"tangled.sh/tangled.sh/bobbin/models"
	"tangled.sh/tangled.sh/bobbin/workflow"
)

type Failure struct {
	engine.Failure
	// Selector reproduces the failing cell with --only.
	Selector string `json:"selector"`
}

type Report struct {
	RunId     string                  `json:"run_id"`
	Pipeline  string                  `json:"pipeline"`
	Trigger   workflow.TriggerEvent   `json:"trigger"`
	Verdict   models.Verdict          `json:"verdict"`
	Duration  time.Duration           `json:"duration"`
	Instances []models.InstanceRecord `json:"instances"`
	Failures  []Failure               `json:"failures,omitempty"`
}

func FromRun(r *engine.Run) Report {
	rep := Report{
		RunId:    r.Id,
		Pipeline: r.Pipeline.Name,
		Trigger:  r.Trigger,
		Duration: r.Duration(),
	}

	for _, inst := range r.Instances {
		rep.Instances = append(rep.Instances, inst.Record())
	}

	verdict, failures := r.Aggregate()
	rep.Verdict = verdict
	for _, f := range failures {
		rep.Failures = append(rep.Failures, Failure{Failure: f, Selector: f.Selector()})
	}

	return rep
}

func (r Report) Counts() map[models.StatusKind]int {
	counts := make(map[models.StatusKind]int)
	for _, inst := range r.Instances {
		counts[inst.Status]++
	}
	return counts
}

func WriteJSON(w io.Writer, r Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteText writes one line per instance followed by the failures and the
// verdict.
func WriteText(w io.Writer, r Report) error {
	var b strings.Builder

	fmt.Fprintf(&b, "run %s of %s (%s)\n\n", r.RunId, r.Pipeline, describeTrigger(r.Trigger))

	width := 0
	for _, inst := range r.Instances {
		width = max(width, len(inst.Name))
	}

	for _, inst := range r.Instances {
		line := fmt.Sprintf("  %-4s  %-*s  %s", marker(inst.Status), width, inst.Name, inst.Status)
		if d := inst.Duration(); d > 0 {
			line += "  " + roundDuration(d).String()
		}
		if !inst.Required {
			line += "  (optional)"
		}
		if inst.Status == models.StatusKindFailed && inst.StepCursor < len(inst.Steps) {
			line += fmt.Sprintf("  at step %d %q", inst.StepCursor, inst.Steps[inst.StepCursor].Name)
		}
		b.WriteString(line + "\n")
	}

	if len(r.Failures) > 0 {
		b.WriteString("\nfailures:\n")
		for _, f := range r.Failures {
			fmt.Fprintf(&b, "  %s: %s\n", f.Instance, f.Status)
			if f.Error != "" {
				fmt.Fprintf(&b, "      %s\n", f.Error)
			}
			fmt.Fprintf(&b, "      reproduce with --only '%s'\n", f.Selector)
		}
	}

	counts := r.Counts()
	fmt.Fprintf(&b, "\n%s: %d succeeded, %d failed, %d cancelled in %s\n",
		strings.ToUpper(string(r.Verdict)),
		counts[models.StatusKindSucceeded],
		counts[models.StatusKindFailed],
		counts[models.StatusKindCancelled],
		roundDuration(r.Duration),
	)

	_, err := io.WriteString(w, b.String())
	return err
}

func marker(s models.StatusKind) string {
	switch s {
	case models.StatusKindSucceeded:
		return "ok"
	case models.StatusKindFailed:
		return "FAIL"
	case models.StatusKindCancelled:
		return "--"
	default:
		return ".."
	}
}

func describeTrigger(ev workflow.TriggerEvent) string {
	parts := []string{string(ev.Kind)}
	if ev.Branch != "" {
		parts = append(parts, "on "+ev.Branch)
	}
	if n := len(ev.ChangedPaths); n > 0 {
		parts = append(parts, humanize.Comma(int64(n))+" "+plural(n, "changed path", "changed paths"))
	}
	return strings.Join(parts, ", ")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func roundDuration(d time.Duration) time.Duration {
	if d > time.Second {
		return d.Round(100 * time.Millisecond)
	}
	return d.Round(time.Millisecond)
}
