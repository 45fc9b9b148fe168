package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/bobbin/log"
)

func main() {
	cmd := rootCommand()

	ctx := context.Background()
	logger := log.New("bobbin")
	ctx = log.IntoContext(ctx, logger.With("command", cmd.Name))

	err := cmd.Run(ctx, os.Args)
	os.Exit(exitCode(err))
}

func rootCommand() *cli.Command {
	return &cli.Command{
		Name:  "bobbin",
		Usage: "run matrix CI pipelines locally or as a daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "debug, info, warn or error",
				Value:   "warn",
				Sources: cli.EnvVars("BOBBIN_LOG_LEVEL"),
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			log.Configure(log.Options{Level: cmd.String("log-level"), Output: cmd.Root().ErrWriter})
			return log.IntoContext(ctx, log.New("bobbin")), nil
		},
		// exit codes are decided in main
		ExitErrHandler: func(context.Context, *cli.Command, error) {},
		Commands: []*cli.Command{
			runCommand(),
			validateCommand(),
			expandCommand(),
			serveCommand(),
			hookCommand(),
			versionCommand(),
		},
	}
}

const (
	exitSuccess  = 0
	exitFailure  = 1
	exitConfig   = 2
	exitRejected = 3
)

// exitCode prints err and maps it onto the process exit status.
func exitCode(err error) int {
	if err == nil {
		return exitSuccess
	}

	var ec cli.ExitCoder
	if errors.As(err, &ec) {
		if msg := err.Error(); msg != "" {
			fmt.Fprintln(os.Stderr, msg)
		}
		return ec.ExitCode()
	}

	fmt.Fprintln(os.Stderr, "error:", err)
	return exitFailure
}
