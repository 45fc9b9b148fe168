package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/bobbin/log"
	"tangled.sh/tangled.sh/bobbin/workflow"
)

var fileFlag = &cli.StringFlag{
	Name:    "file",
	Aliases: []string{"f"},
	Usage:   "pipeline definition",
	Value:   ".bobbin/ci.yml",
}

var onlyFlag = &cli.StringFlag{
	Name:  "only",
	Usage: `restrict to matching cells, e.g. "job=test, os=[linux, macos]"`,
}

// loadPipeline reads and compiles the definition named by --file. A broken
// definition comes back as an exit error carrying every diagnostic.
func loadPipeline(ctx context.Context, cmd *cli.Command) (*workflow.Pipeline, workflow.Diagnostics, error) {
	path := cmd.String("file")

	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, workflow.Diagnostics{}, cli.Exit(fmt.Sprintf("reading pipeline: %v", err), exitConfig)
	}

	p, diags, err := workflow.Load(path, contents)
	for _, w := range diags.Warnings {
		log.FromContext(ctx).Warn("pipeline warning", "file", path, "warning", w.String())
	}
	if err != nil {
		return nil, diags, configError(err)
	}

	return p, diags, nil
}

func parseSelector(cmd *cli.Command) (*workflow.Selector, error) {
	sel, err := workflow.ParseSelector(cmd.String("only"))
	if err != nil {
		return nil, cli.Exit(err.Error(), exitConfig)
	}
	return sel, nil
}

// configError renders a ConfigurationError one diagnostic per line.
func configError(err error) error {
	var cerr *workflow.ConfigurationError
	if !errors.As(err, &cerr) {
		return cli.Exit(err.Error(), exitConfig)
	}

	msg := "invalid pipeline:"
	for _, e := range cerr.Diagnostics.Errors {
		msg += "\n  " + e.String()
	}
	return cli.Exit(msg, exitConfig)
}

func out(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}
