package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/waveline/internal/gate"
)

// exitCoder carries a process exit code out of a command action.
type exitCoder struct {
	code int
}

func (e exitCoder) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func (e exitCoder) ExitCode() int { return e.code }

// GateExec runs the command after -- and exits 0 when it passed or collected no tests.
func (r *Runner) GateExec(ctx context.Context, cmd *cli.Command) error {
	argv := cmd.Args().Slice()
	if len(argv) > 0 && argv[0] == "--" {
		argv = argv[1:]
	}

	code, err := gate.Exec(ctx, argv, os.Stdout, os.Stderr)
	if err != nil {
		return err
	}

	outcome := gate.Classify(code)
	r.logger.Info("test command finished", "exit", code, "outcome", outcome)
	if !outcome.OK() {
		return exitCoder{code: code}
	}
	return nil
}

// GateMatrix runs install, lint and test for every --versions entry and fails if any job failed.
func (r *Runner) GateMatrix(ctx context.Context, cmd *cli.Command) error {
	runner := gate.CommandRunner{
		InstallCmd: strings.Fields(cmd.String("install")),
		LintCmd:    strings.Fields(cmd.String("lint")),
		TestCmd:    strings.Fields(cmd.String("test")),
		Output:     gate.SyncWriter(os.Stderr),
	}
	matrix := gate.Matrix{Versions: cmd.StringSlice("versions"), Logger: r.logger}

	report, err := matrix.Run(ctx, runner)
	if err != nil {
		return err
	}

	r.writePlainHeader("Gate Results")
	for _, res := range report.Results {
		r.writePlain("%s\n", res)
	}

	if !report.Success() {
		return fmt.Errorf("%w: %d of %d jobs", gate.ErrJobFailed, len(report.Failed()), len(report.Results))
	}
	return nil
}

var _ cli.ExitCoder = exitCoder{}
