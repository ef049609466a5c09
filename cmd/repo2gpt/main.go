package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "repo2gpt",
		Usage: "Turn repositories into LLM-ready repo maps and token-bounded chunks",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the snapshot job server",
				Action: serveAction,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "config",
						Usage: "YAML config file (overrides REPO2GPT_CONFIG)",
					},
					&cli.IntFlag{
						Name:  "port",
						Usage: "HTTP port (overrides HTTP_PORT)",
					},
				},
			},
			{
				Name:      "snapshot",
				Usage:     "Write a repo map and chunks for a local directory",
				ArgsUsage: "<dir>",
				Action:    snapshotAction,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "out",
						Usage: "output directory",
						Value: "repo2gpt-output",
					},
					&cli.IntFlag{
						Name:  "chunk-token-limit",
						Usage: "maximum tokens per chunk (0 writes a single chunk)",
					},
					&cli.StringSliceFlag{
						Name:  "ignore",
						Usage: "additional gitignore-style patterns to exclude",
					},
					&cli.StringSliceFlag{
						Name:  "include",
						Usage: "gitignore-style patterns a file must match to be kept",
					},
					&cli.StringSliceFlag{
						Name:  "ext",
						Usage: "additional file extensions treated as code",
					},
					&cli.BoolFlag{
						Name:  "allow-non-code",
						Usage: "keep files that are not recognised as code",
					},
					&cli.IntFlag{
						Name:  "max-file-bytes",
						Usage: "skip files larger than this many bytes",
					},
					&cli.BoolFlag{
						Name:  "no-token-counts",
						Usage: "disable token estimation",
					},
					&cli.BoolFlag{
						Name:  "approximate-tokens",
						Usage: "estimate tokens as characters / 4 instead of loading tiktoken",
					},
				},
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
