package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/bobbin/cache"
	"tangled.sh/tangled.sh/bobbin/config"
	"tangled.sh/tangled.sh/bobbin/engine"
	"tangled.sh/tangled.sh/bobbin/engines"
	"tangled.sh/tangled.sh/bobbin/models"
	"tangled.sh/tangled.sh/bobbin/report"
	"tangled.sh/tangled.sh/bobbin/workflow"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:   "run",
		Usage:  "run a pipeline for one trigger event",
		Action: runPipeline,
		Flags: []cli.Flag{
			fileFlag,
			onlyFlag,
			&cli.StringFlag{
				Name:  "event",
				Usage: "push, merge_proposal or manual",
				Value: string(workflow.TriggerKindManual),
			},
			&cli.StringFlag{
				Name:  "branch",
				Usage: "branch the event happened on",
			},
			&cli.StringSliceFlag{
				Name:  "changed",
				Usage: "changed paths, comma separated",
			},
			&cli.StringFlag{
				Name:  "diff",
				Usage: "read changed paths from a unified diff (- for stdin)",
			},
			&cli.Int64Flag{
				Name:  "slots",
				Usage: "instances to run at once (default: config or number of CPUs)",
			},
			&cli.StringFlag{
				Name:  "runner",
				Usage: "shell or docker (default: config)",
			},
			&cli.StringFlag{
				Name:  "workspace-dir",
				Usage: "where instance workspaces are created (default: a temporary directory)",
			},
			&cli.StringFlag{
				Name:  "log-dir",
				Usage: "where instance logs are written (default: a temporary directory)",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "print the report as JSON",
			},
			&cli.BoolFlag{
				Name:    "quiet",
				Aliases: []string{"q"},
				Usage:   "do not mirror step output to stderr",
			},
		},
	}
}

func triggerEvent(cmd *cli.Command) (workflow.TriggerEvent, error) {
	ev := workflow.TriggerEvent{
		Kind:         workflow.TriggerKind(cmd.String("event")),
		Branch:       cmd.String("branch"),
		ChangedPaths: cmd.StringSlice("changed"),
	}

	switch ev.Kind {
	case workflow.TriggerKindPush, workflow.TriggerKindMergeProposal, workflow.TriggerKindManual:
	default:
		return ev, cli.Exit(fmt.Sprintf("unknown event kind %q", ev.Kind), exitConfig)
	}

	if diff := cmd.String("diff"); diff != "" {
		r := os.Stdin
		if diff != "-" {
			f, err := os.Open(diff)
			if err != nil {
				return ev, cli.Exit(fmt.Sprintf("reading diff: %v", err), exitConfig)
			}
			defer f.Close()
			r = f
		}

		paths, err := workflow.ChangedPathsFromDiff(r)
		if err != nil {
			return ev, cli.Exit(err.Error(), exitConfig)
		}
		ev.ChangedPaths = append(ev.ChangedPaths, paths...)
	}

	return ev, nil
}

func runPipeline(ctx context.Context, cmd *cli.Command) error {
	p, _, err := loadPipeline(ctx, cmd)
	if err != nil {
		return err
	}
	sel, err := parseSelector(cmd)
	if err != nil {
		return err
	}
	ev, err := triggerEvent(cmd)
	if err != nil {
		return err
	}

	cfg, err := config.Load(ctx)
	if err != nil {
		return cli.Exit(fmt.Sprintf("loading config: %v", err), exitConfig)
	}
	if r := cmd.String("runner"); r != "" {
		cfg.Pipelines.Runner = r
	}
	if n := cmd.Int64("slots"); n > 0 {
		cfg.Pipelines.Slots = n
	}

	tmp, err := os.MkdirTemp("", "bobbin-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	cfg.Pipelines.WorkspaceDir = tmp + "/workspaces"
	if dir := cmd.String("workspace-dir"); dir != "" {
		cfg.Pipelines.WorkspaceDir = dir
	}
	cfg.Pipelines.LogDir = tmp + "/logs"
	if dir := cmd.String("log-dir"); dir != "" {
		cfg.Pipelines.LogDir = dir
	}

	runner, err := engines.New(ctx, cfg.Pipelines)
	if err != nil {
		return cli.Exit(err.Error(), exitConfig)
	}

	store, err := cache.NewMemory(cfg.Cache.MaxBytes, cfg.Cache.TTL)
	if err != nil {
		return err
	}
	defer store.Close()

	opts := []engine.Option{
		engine.WithSlots(cfg.Pipelines.Slots),
		engine.WithCache(store),
		engine.WithLogDir(cfg.Pipelines.LogDir),
		engine.WithJobTimeout(cfg.Pipelines.JobTimeout),
	}
	if !cmd.Bool("quiet") {
		opts = append(opts, engine.WithOutput(cmd.Root().ErrWriter))
	}
	eng, err := engine.New(ctx, runner, opts...)
	if err != nil {
		return err
	}

	run, err := eng.NewRun(p, ev, sel)
	if errors.Is(err, engine.ErrRejected) {
		return cli.Exit(err.Error(), exitRejected)
	}
	if err != nil {
		return configError(err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	verdict, err := eng.Execute(ctx, run)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	rep := report.FromRun(run)
	if cmd.Bool("json") {
		err = report.WriteJSON(out(cmd), rep)
	} else {
		err = report.WriteText(out(cmd), rep)
	}
	if err != nil {
		return err
	}

	if verdict != models.VerdictSuccess {
		return cli.Exit("", exitFailure)
	}
	return nil
}
