package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:                  "houndflow",
		Usage:                 "Run browser-automation workflows",
		Version:               version,
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			newRunCommand(),
			newWorkflowsCommand(),
			newStatusCommand(),
			newServeCommand(),
			newVersionCommand(),
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Settings file (default ~/.houndflow/settings.json)",
			},
			&cli.StringFlag{
				Name:  "store",
				Usage: "Persistence backend: memory, libsql or redis",
			},
			&cli.StringFlag{
				Name:  "db-path",
				Usage: "libSQL database file",
			},
			&cli.StringFlag{
				Name:  "redis-addr",
				Usage: "Redis address for the redis store",
			},
			&cli.StringFlag{
				Name:  "host-url",
				Usage: "Websocket URL of the browser automation extension",
			},
			&cli.IntFlag{
				Name:  "max-retries",
				Usage: "Retries per failing step",
			},
			&cli.DurationFlag{
				Name:  "step-timeout",
				Usage: "Default timeout for steps without their own",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Log format (text, json)",
			},
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
