// Package gate decides whether a CI job passes.
//
// A job runs once per toolchain version and has three stages: install, lint and test. Install must
// succeed before lint runs, lint must report zero findings, and the test exit code is classified
// by [Classify]: 0 passes, 5 (no tests collected) is tolerated, anything else fails.
package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/waveline/internal/shared"
)

// ErrJobFailed reports a failing job or matrix.
var ErrJobFailed = errors.New("gate: job failed")

// NoTestsCollected is the exit status of a test runner that found nothing to run.
const NoTestsCollected = 5

// Outcome is the verdict of one exit code or stage.
type Outcome int

const (
	Pass Outcome = iota
	Tolerated
	Fail
)

func (o Outcome) String() string {
	switch o {
	case Pass:
		return "pass"
	case Tolerated:
		return "tolerated"
	default:
		return "fail"
	}
}

// OK reports whether o lets the job succeed.
func (o Outcome) OK() bool {
	return o != Fail
}

// Classify maps a test exit code to an [Outcome].
func Classify(code int) Outcome {
	switch code {
	case 0:
		return Pass
	case NoTestsCollected:
		return Tolerated
	default:
		return Fail
	}
}

// Stage names a step of a job.
type Stage string

const (
	StageInstall Stage = "install"
	StageLint    Stage = "lint"
	StageTest    Stage = "test"
)

// Runner executes the stages of one version.
type Runner interface {
	Install(ctx context.Context, version string) error
	Lint(ctx context.Context, version string) (findings int, err error)
	Test(ctx context.Context, version string) (exitCode int, err error)
}

// Result is the outcome of one version. Stage is the last stage that ran.
type Result struct {
	Version  string
	Stage    Stage
	Outcome  Outcome
	Findings int
	ExitCode int
	Err      error
	Took     time.Duration
}

func (r Result) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s at %s", r.Version, r.Outcome, r.Stage)
	switch {
	case r.Err != nil:
		fmt.Fprintf(&b, " (%v)", r.Err)
	case r.Stage == StageLint && r.Findings > 0:
		fmt.Fprintf(&b, " (%d findings)", r.Findings)
	case r.Stage == StageTest:
		fmt.Fprintf(&b, " (exit %d)", r.ExitCode)
	}
	return b.String()
}

// Report collects the results of a matrix run in version order.
type Report struct {
	Results []Result
}

// Success reports whether every version passed.
func (r Report) Success() bool {
	if len(r.Results) == 0 {
		return false
	}
	for _, res := range r.Results {
		if !res.Outcome.OK() {
			return false
		}
	}
	return true
}

// Failed lists the failing results.
func (r Report) Failed() []Result {
	var failed []Result
	for _, res := range r.Results {
		if !res.Outcome.OK() {
			failed = append(failed, res)
		}
	}
	return failed
}

// Matrix runs a job for each version concurrently.
type Matrix struct {
	Versions []string
	Logger   *log.Logger
}

// Run executes install, lint and test for every version. A failing version does not cancel the others.
func (m Matrix) Run(ctx context.Context, runner Runner) (Report, error) {
	if len(m.Versions) == 0 {
		return Report{}, fmt.Errorf("%w: no versions", shared.ErrMissingArgument)
	}
	if runner == nil {
		return Report{}, fmt.Errorf("%w: no runner", shared.ErrMissingArgument)
	}
	logger := m.Logger
	if logger == nil {
		logger = shared.NewLogger(nil)
	}

	results := make([]Result, len(m.Versions))
	var wg sync.WaitGroup
	for i, v := range m.Versions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = runJob(ctx, runner, v)
			logger.Info("job finished", "version", v, "stage", results[i].Stage, "outcome", results[i].Outcome, "took", results[i].Took)
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return Report{Results: results}, err
	}
	return Report{Results: results}, nil
}

func runJob(ctx context.Context, runner Runner, version string) Result {
	start := time.Now()
	res := Result{Version: version, Stage: StageInstall, Outcome: Fail}

	if err := runner.Install(ctx, version); err != nil {
		res.Err = err
		res.Took = time.Since(start)
		return res
	}

	res.Stage = StageLint
	findings, err := runner.Lint(ctx, version)
	res.Findings = findings
	if err != nil || findings > 0 {
		res.Err = err
		res.Took = time.Since(start)
		return res
	}

	res.Stage = StageTest
	code, err := runner.Test(ctx, version)
	res.ExitCode = code
	if err != nil {
		res.Err = err
		res.Took = time.Since(start)
		return res
	}
	res.Outcome = Classify(code)
	res.Took = time.Since(start)
	return res
}
