// submodule cmd contains command definitions
package main

import (
	"github.com/urfave/cli/v3"

	"github.com/desertthunder/waveline/internal/tasks"
	"github.com/desertthunder/waveline/internal/ui"
)

const defaultConfigPath = "application.yml"

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to configuration file (.yml or .toml)",
		Value:   defaultConfigPath,
	}
}

func remoteFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "url",
			Aliases: []string{"u"},
			Usage:   "Base URL of a running node (default: the configured listen address)",
		},
		&cli.StringFlag{
			Name:    "password",
			Usage:   "Node password",
			Sources: cli.EnvVars("WAVELINE_NODE_PASSWORD"),
		},
	}
}

// serveCommand runs the audio node
func serveCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Run the audio node",
		Flags:  []cli.Flag{configFlag()},
		Action: r.Serve,
	}
}

// configCommand handles configuration files
func configCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Create, validate and print configuration",
		Commands: []*cli.Command{
			{
				Name:   "init",
				Usage:  "Write the default configuration file",
				Flags:  []cli.Flag{configFlag()},
				Action: r.ConfigInit,
			},
			{
				Name:   "validate",
				Usage:  "Validate a configuration file",
				Flags:  []cli.Flag{configFlag()},
				Action: r.ConfigValidate,
			},
			{
				Name:  "show",
				Usage: "Print the effective configuration with secrets redacted",
				Flags: []cli.Flag{
					configFlag(),
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output JSON instead of YAML",
					},
				},
				Action: r.ConfigShow,
			},
		},
	}
}

// setupCommand handles setup operations for the database.
func setupCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "setup",
		Usage: "Setup commands",
		Commands: []*cli.Command{
			{
				Name:   "database",
				Usage:  "Initialize database and run migrations",
				Flags:  []cli.Flag{configFlag()},
				Action: r.SetupDatabase,
			},
		},
	}
}

// pluginsCommand handles plugin dependencies
func pluginsCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "plugins",
		Usage: "Manage plugin dependencies",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List declared plugins and whether they are installed",
				Flags: []cli.Flag{
					configFlag(),
					&cli.BoolFlag{Name: "json", Usage: "Output raw JSON"},
				},
				Action: r.PluginsList,
			},
			{
				Name:   "sync",
				Usage:  "Download missing plugins and remove undeclared ones",
				Flags:  []cli.Flag{configFlag()},
				Action: r.PluginsSync,
			},
		},
	}
}

// tracksCommand loads and decodes tracks
func tracksCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "tracks",
		Usage: "Load and decode tracks",
		Commands: []*cli.Command{
			{
				Name:      "load",
				Usage:     "Load identifiers and export the results",
				ArgsUsage: "<identifier...>",
				Flags: append([]cli.Flag{
					configFlag(),
					&cli.StringFlag{
						Name:    "format",
						Aliases: []string{"f"},
						Usage:   "Export format: json, csv, markdown, txt",
						Value:   "json",
					},
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output directory (default: waveline_load_{epoch})",
					},
					&cli.IntFlag{
						Name:  "workers",
						Usage: "Concurrent writers",
						Value: 5,
					},
					&cli.FloatFlag{
						Name:  "rate",
						Usage: "Loads per second",
						Value: 5,
					},
					&cli.BoolFlag{
						Name:  "local",
						Usage: "Resolve with the configured sources instead of a running node",
					},
				}, remoteFlags()...),
				Action: r.TracksLoad,
			},
			{
				Name:      "decode",
				Usage:     "Decode encoded tracks",
				ArgsUsage: "<encoded...>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "pretty", Usage: "Pretty-print output", Value: true},
				},
				Action: r.TracksDecode,
			},
		},
	}
}

// cacheCommand inspects the mirror track cache
func cacheCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "cache",
		Usage: "Inspect and prune the mirror track cache",
		Commands: []*cli.Command{
			{
				Name:   "count",
				Usage:  "Count cached tracks",
				Flags:  []cli.Flag{configFlag()},
				Action: r.CacheCount,
			},
			{
				Name:  "prune",
				Usage: "Remove cached tracks older than --age",
				Flags: []cli.Flag{
					configFlag(),
					&cli.DurationFlag{
						Name:  "age",
						Usage: "Maximum age of kept entries",
						Value: tasks.TrackCacheMaxAge,
					},
				},
				Action: r.CachePrune,
			},
		},
	}
}

// lastfmCommand manages linked last.fm accounts
func lastfmCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "lastfm",
		Usage: "Manage linked last.fm accounts",
		Commands: []*cli.Command{
			{
				Name:  "users",
				Usage: "List linked accounts",
				Flags: []cli.Flag{
					configFlag(),
					&cli.BoolFlag{Name: "json", Usage: "Output raw JSON"},
				},
				Action: r.LastFMUsers,
			},
			{
				Name:      "unlink",
				Usage:     "Remove a linked account",
				ArgsUsage: "<user id>",
				Flags:     []cli.Flag{configFlag()},
				Action:    r.LastFMUnlink,
			},
		},
	}
}

// topCommand starts the dashboard
func topCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "top",
		Usage: "Live dashboard of a running node",
		Flags: append([]cli.Flag{
			configFlag(),
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "Stats polling interval",
				Value: ui.DefaultInterval,
			},
		}, remoteFlags()...),
		Action: r.Top,
	}
}

// gateCommand runs the CI gate
func gateCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "gate",
		Usage: "CI gate that tolerates test runs collecting no tests",
		Commands: []*cli.Command{
			{
				Name:      "exec",
				Usage:     "Run a test command and map exit 5 to success",
				ArgsUsage: "-- <command...>",
				Action:    r.GateExec,
			},
			{
				Name:  "matrix",
				Usage: "Run install, lint and test for every toolchain version",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:     "versions",
						Usage:    "Toolchain versions",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "install",
						Usage: "Install command; {version} is substituted",
					},
					&cli.StringFlag{
						Name:  "lint",
						Usage: "Lint command; each non-blank output line is a finding",
					},
					&cli.StringFlag{
						Name:     "test",
						Usage:    "Test command",
						Required: true,
					},
				},
				Action: r.GateMatrix,
			},
		},
	}
}
