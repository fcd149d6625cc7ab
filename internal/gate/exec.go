package gate

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/desertthunder/waveline/internal/shared"
)

// VersionPlaceholder is replaced by the job version in [CommandRunner] commands.
const VersionPlaceholder = "{version}"

// Exec runs argv and returns its exit code. A command that exits non-zero is not an error; err is
// set only when the command could not run.
func Exec(ctx context.Context, argv []string, stdout, stderr io.Writer) (int, error) {
	if len(argv) == 0 {
		return 0, fmt.Errorf("%w: command", shared.ErrMissingArgument)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, nil
	case errors.As(err, &exitErr) && ctx.Err() == nil:
		return exitErr.ExitCode(), nil
	case ctx.Err() != nil:
		return -1, ctx.Err()
	default:
		return -1, fmt.Errorf("run %s: %w", argv[0], err)
	}
}

// CommandRunner runs shell-free commands for each stage. Every argument may contain
// [VersionPlaceholder].
type CommandRunner struct {
	InstallCmd []string
	LintCmd    []string
	TestCmd    []string
	// Output receives the output of every command. Matrix jobs share it; see [SyncWriter].
	Output io.Writer
}

func expand(argv []string, version string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = strings.ReplaceAll(a, VersionPlaceholder, version)
	}
	return out
}

func (c CommandRunner) output() io.Writer {
	if c.Output == nil {
		return io.Discard
	}
	return c.Output
}

// Install runs the install command; any non-zero exit fails the stage. An empty command is skipped.
func (c CommandRunner) Install(ctx context.Context, version string) error {
	if len(c.InstallCmd) == 0 {
		return nil
	}
	code, err := Exec(ctx, expand(c.InstallCmd, version), c.output(), c.output())
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("%w: install exited with %d", ErrJobFailed, code)
	}
	return nil
}

// Lint runs the lint command. Each non-blank output line is a finding; a non-zero exit without output
// counts as one finding.
func (c CommandRunner) Lint(ctx context.Context, version string) (int, error) {
	if len(c.LintCmd) == 0 {
		return 0, nil
	}
	var buf bytes.Buffer
	w := io.MultiWriter(&buf, c.output())
	code, err := Exec(ctx, expand(c.LintCmd, version), w, w)
	if err != nil {
		return 0, err
	}

	findings := countLines(&buf)
	if code != 0 && findings == 0 {
		findings = 1
	}
	return findings, nil
}

// Test runs the test command and returns its exit code.
func (c CommandRunner) Test(ctx context.Context, version string) (int, error) {
	if len(c.TestCmd) == 0 {
		return 0, fmt.Errorf("%w: test command", shared.ErrMissingArgument)
	}
	return Exec(ctx, expand(c.TestCmd, version), c.output(), c.output())
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// SyncWriter serializes writes to w.
func SyncWriter(w io.Writer) io.Writer {
	return &syncWriter{w: w}
}

// countLines counts non-blank lines of any length.
func countLines(r io.Reader) int {
	n := 0
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if strings.TrimSpace(line) != "" {
			n++
		}
		if err != nil {
			return n
		}
	}
}
