package main

import (
	"context"
	"fmt"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/bobbin/hook"
	"tangled.sh/tangled.sh/bobbin/server"
)

func serveCommand() *cli.Command {
	return server.Command()
}

func hookCommand() *cli.Command {
	return hook.Command()
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "print version information",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			fmt.Fprintf(out(cmd), "bobbin %s (revision %s, %s)\n",
				versioninfo.Version, versioninfo.Revision, versioninfo.LastCommit.Format("2006-01-02"))
			return nil
		},
	}
}
