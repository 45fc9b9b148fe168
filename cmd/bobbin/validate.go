package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/bobbin/models"
	"tangled.sh/tangled.sh/bobbin/workflow"
)

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:   "validate",
		Usage:  "check a pipeline definition without running it",
		Flags:  []cli.Flag{fileFlag},
		Action: validate,
	}
}

func validate(ctx context.Context, cmd *cli.Command) error {
	p, diags, err := loadPipeline(ctx, cmd)
	if err != nil {
		return err
	}

	w := out(cmd)
	for _, warn := range diags.Warnings {
		fmt.Fprintln(w, warn.String())
	}

	cells := 0
	for _, j := range p.Jobs {
		cells += workflow.Size(j.Axes)
	}
	fmt.Fprintf(w, "%s: ok, %s and %s\n", p.Name,
		plural(len(p.Jobs), "job", "jobs"),
		plural(cells, "instance", "instances"),
	)
	return nil
}

func expandCommand() *cli.Command {
	return &cli.Command{
		Name:   "expand",
		Usage:  "list the job instances a pipeline expands to",
		Flags:  []cli.Flag{fileFlag, onlyFlag, &cli.BoolFlag{Name: "json", Usage: "print instances as JSON"}},
		Action: expand,
	}
}

type expandedInstance struct {
	Name     string            `json:"name"`
	Job      string            `json:"job"`
	Selector string            `json:"selector"`
	Env      map[string]string `json:"env,omitempty"`
	Optional bool              `json:"optional,omitempty"`
}

func expand(ctx context.Context, cmd *cli.Command) error {
	p, _, err := loadPipeline(ctx, cmd)
	if err != nil {
		return err
	}
	sel, err := parseSelector(cmd)
	if err != nil {
		return err
	}
	if err := sel.Validate(p); err != nil {
		return configError(err)
	}

	var instances []expandedInstance
	for _, tpl := range p.Jobs {
		for _, inst := range models.Instantiate("expand", tpl) {
			if !sel.Match(tpl.Name, inst.Binding) {
				continue
			}
			selector := "job=" + tpl.Name
			if len(inst.Binding) > 0 {
				selector += ", " + inst.Binding.String()
			}
			instances = append(instances, expandedInstance{
				Name:     inst.Name(),
				Job:      tpl.Name,
				Selector: selector,
				Env:      inst.Binding.Env(),
				Optional: tpl.Optional,
			})
		}
	}

	w := out(cmd)
	if cmd.Bool("json") {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(instances)
	}

	for _, inst := range instances {
		suffix := ""
		if inst.Optional {
			suffix = " (optional)"
		}
		fmt.Fprintf(w, "%s%s\n    --only '%s'\n", inst.Name, suffix, inst.Selector)
	}
	return nil
}

func plural(n int, one, many string) string {
	if n == 1 {
		return "1 " + one
	}
	return humanize.Comma(int64(n)) + " " + many
}
