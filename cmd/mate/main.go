package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/TomasBorquez/mate/internal/config"
	mate "github.com/TomasBorquez/mate/pkg"
)

func main() {
	if err := App().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func App() *cli.App {
	return &cli.App{
		Name:    "mate",
		Usage:   "Serve a directory and a few demo routes with mate",
		Version: mate.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML configuration file",
				EnvVars: []string{"MATE_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			configCommand(),
		},
	}
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Print the effective configuration as YAML",
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}

			out, err := config.Dump(cfg)
			if err != nil {
				return err
			}
			_, err = c.App.Writer.Write(out)
			return err
		},
	}
}
