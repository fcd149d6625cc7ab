package gate

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/desertthunder/waveline/internal/shared"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		code int
		want Outcome
	}{
		{0, Pass},
		{5, Tolerated},
		{1, Fail},
		{2, Fail},
		{4, Fail},
		{-1, Fail},
		{137, Fail},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.code), "exit code %d", tt.code)
	}
	assert.True(t, Tolerated.OK())
	assert.False(t, Fail.OK())
}

type fakeRunner struct {
	mu         sync.Mutex
	calls      []string
	installErr map[string]error
	findings   map[string]int
	codes      map[string]int
}

func (f *fakeRunner) record(stage, version string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, version+":"+stage)
}

func (f *fakeRunner) Install(_ context.Context, version string) error {
	f.record("install", version)
	return f.installErr[version]
}

func (f *fakeRunner) Lint(_ context.Context, version string) (int, error) {
	f.record("lint", version)
	return f.findings[version], nil
}

func (f *fakeRunner) Test(_ context.Context, version string) (int, error) {
	f.record("test", version)
	return f.codes[version], nil
}

func (f *fakeRunner) ran(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}

func TestMatrixRun(t *testing.T) {
	versions := []string{"1.23", "1.24", "1.25"}
	matrix := Matrix{Versions: versions, Logger: shared.NewLogger(io.Discard)}

	t.Run("all pass", func(t *testing.T) {
		runner := &fakeRunner{codes: map[string]int{"1.25": NoTestsCollected}}
		report, err := matrix.Run(context.Background(), runner)
		require.NoError(t, err)
		assert.True(t, report.Success())
		require.Len(t, report.Results, 3)
		assert.Equal(t, "1.23", report.Results[0].Version)
		assert.Equal(t, Tolerated, report.Results[2].Outcome)
	})

	t.Run("install failure stops before lint", func(t *testing.T) {
		runner := &fakeRunner{installErr: map[string]error{"1.24": errors.New("download failed")}}
		report, err := matrix.Run(context.Background(), runner)
		require.NoError(t, err)
		assert.False(t, report.Success())
		assert.False(t, runner.ran("1.24:lint"))
		assert.True(t, runner.ran("1.23:test"))

		failed := report.Failed()
		require.Len(t, failed, 1)
		assert.Equal(t, StageInstall, failed[0].Stage)
		assert.Contains(t, failed[0].String(), "download failed")
	})

	t.Run("lint findings fail", func(t *testing.T) {
		runner := &fakeRunner{findings: map[string]int{"1.23": 2}}
		report, err := matrix.Run(context.Background(), runner)
		require.NoError(t, err)
		assert.False(t, report.Success())
		assert.False(t, runner.ran("1.23:test"))
		assert.Equal(t, "1.23: fail at lint (2 findings)", report.Results[0].String())
	})

	t.Run("test failure", func(t *testing.T) {
		runner := &fakeRunner{codes: map[string]int{"1.24": 1}}
		report, err := matrix.Run(context.Background(), runner)
		require.NoError(t, err)
		assert.False(t, report.Success())
		assert.Equal(t, "1.24: fail at test (exit 1)", report.Results[1].String())
	})

	t.Run("requires versions", func(t *testing.T) {
		_, err := Matrix{}.Run(context.Background(), &fakeRunner{})
		assert.ErrorIs(t, err, shared.ErrMissingArgument)
		assert.False(t, Report{}.Success())
	})
}

func TestExec(t *testing.T) {
	var out bytes.Buffer
	code, err := Exec(context.Background(), []string{"sh", "-c", "echo hello; exit 5"}, &out, &out)
	require.NoError(t, err)
	assert.Equal(t, 5, code)
	assert.Equal(t, "hello\n", out.String())

	_, err = Exec(context.Background(), []string{"definitely-not-a-command-waveline"}, io.Discard, io.Discard)
	assert.Error(t, err)

	_, err = Exec(context.Background(), nil, io.Discard, io.Discard)
	assert.ErrorIs(t, err, shared.ErrMissingArgument)
}

func TestCommandRunner(t *testing.T) {
	var out bytes.Buffer
	runner := CommandRunner{
		InstallCmd: []string{"sh", "-c", "test {version} = 1.24"},
		LintCmd:    []string{"sh", "-c", "printf 'a.go:1: undefined: x\\n\\nb.go:2: syntax error\\n'"},
		TestCmd:    []string{"sh", "-c", "exit 5"},
		Output:     SyncWriter(&out),
	}
	ctx := context.Background()

	assert.NoError(t, runner.Install(ctx, "1.24"))
	assert.ErrorIs(t, runner.Install(ctx, "1.23"), ErrJobFailed)

	findings, err := runner.Lint(ctx, "1.24")
	require.NoError(t, err)
	assert.Equal(t, 2, findings)
	assert.Contains(t, out.String(), "undefined: x")

	code, err := runner.Test(ctx, "1.24")
	require.NoError(t, err)
	assert.Equal(t, Tolerated, Classify(code))

	silent := CommandRunner{LintCmd: []string{"sh", "-c", "exit 3"}}
	findings, err = silent.Lint(ctx, "1.24")
	require.NoError(t, err)
	assert.Equal(t, 1, findings)
}

func TestCountLines(t *testing.T) {
	long := strings.Repeat("x", 200*1024)
	tests := []struct {
		name  string
		input string
		want  int
	}{
		{"empty", "", 0},
		{"blank lines", "\n  \n\t\n", 0},
		{"no trailing newline", "a.go:1: bad\nb.go:2: bad", 2},
		{"line longer than a scanner token", long + "\n", 1},
		{"long line between findings", "a\n" + long + "\nb\n", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, countLines(strings.NewReader(tt.input)))
		})
	}
}
