package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

const version = "0.3.0"

func main() {
	cmd := &cli.Command{
		Name:    "sneik",
		Usage:   "a snake that teaches itself to play with Q-learning",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML configuration file",
				Sources: cli.EnvVars("SNAKE_CONFIG"),
			},
			&cli.BoolFlag{
				Name:  "turbo",
				Usage: "start with the short frame delay",
			},
			&cli.BoolFlag{
				Name:  "window",
				Usage: "open the raylib window",
			},
			&cli.BoolFlag{
				Name:  "tui",
				Usage: "show the terminal dashboard, logs go to --log-file",
			},
			&cli.StringFlag{
				Name:  "http",
				Usage: "address of the HTTP API, overrides http.addr",
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "log destination while the dashboard is shown",
				Value: "sneik.log",
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
