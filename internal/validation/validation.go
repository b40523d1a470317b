// Package validation runs a plan's test suite in its workspace and decides
// whether the change may be published.
package validation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixplan/internal/config"
	"github.com/fyrsmithlabs/fixplan/internal/logging"
	"github.com/fyrsmithlabs/fixplan/internal/metrics"
	"github.com/fyrsmithlabs/fixplan/internal/plan"
	"github.com/fyrsmithlabs/fixplan/internal/sandbox"
	"github.com/fyrsmithlabs/fixplan/internal/telemetry"
)

// Config selects the test command and how its results are read.
type Config struct {
	Command    []string
	Format     string
	ReportPath string
	Timeout    time.Duration
	Env        []string
	// AllowEmpty accepts a run in which no test case executed.
	AllowEmpty bool
}

// ConfigFrom builds a validator Config. env lists extra variables passed
// to the test command.
func ConfigFrom(c config.ValidationConfig, env []string) Config {
	return Config{
		Command:    c.Command,
		Format:     c.Format,
		ReportPath: c.ReportPath,
		Timeout:    c.Timeout.Duration(),
		Env:        env,
		AllowEmpty: c.AllowEmpty,
	}
}

// Validator runs the configured test command.
type Validator struct {
	cfg    Config
	runner Runner
	logger *logging.Logger
}

// New returns a Validator. A nil runner executes commands on the host.
func New(cfg Config, runner Runner, logger *logging.Logger) (*Validator, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("validation: command is required")
	}
	switch cfg.Format {
	case "":
		cfg.Format = FormatGoTestJSON
	case FormatGoTestJSON:
	case FormatJUnit:
		if cfg.ReportPath == "" {
			return nil, errors.New("validation: junit format needs a report path")
		}
	default:
		return nil, fmt.Errorf("validation: unknown format %q", cfg.Format)
	}
	if runner == nil {
		runner = CommandRunner{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Validator{cfg: cfg, runner: runner, logger: logger.Named("validation")}, nil
}

// Validate runs the suite in ws. On success it returns the outcome and nil.
// Otherwise the error carries TestFailure, ValidationTimeout or Cancelled
// and the outcome, when a report was parsed, is returned alongside it.
// Failure details are appended to the execution log through hooks.
func (v *Validator) Validate(ctx context.Context, ws *sandbox.Workspace, hooks sandbox.Hooks) (out *Outcome, err error) {
	const op = "validation.Validate"
	start := time.Now()
	ctx, span := telemetry.Start(ctx, "validation", "Validate", attribute.String("plan.id", ws.PlanID))
	defer func() {
		telemetry.End(span, err)
		label := "ok"
		if err != nil {
			label = string(plan.CodeOf(err))
		}
		metrics.Since(metrics.Get().Validation.WithLabelValues(label), start)
	}()

	if err := hooks.CheckCancelled(ctx); err != nil {
		return nil, err
	}
	if err := logLines(ctx, hooks, "validation: running "+strings.Join(v.cfg.Command, " ")); err != nil {
		return nil, err
	}

	runCtx := ctx
	if v.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, v.cfg.Timeout)
		defer cancel()
	}
	env := v.env(ws)
	output, exitCode, runErr := v.runner.Run(runCtx, ws.Dir, v.cfg.Command, env)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		_ = logLines(ctx, hooks, fmt.Sprintf("validation: timed out after %s", v.cfg.Timeout))
		return nil, plan.Errorf(plan.CodeValidationTimeout, op, "test run exceeded %s", v.cfg.Timeout)
	}
	if runErr != nil {
		_ = logLines(ctx, hooks, "validation: "+runErr.Error())
		return nil, &plan.Error{Code: plan.CodeTestFailure, Op: op, Message: "test command did not run", Err: runErr}
	}
	if err := hooks.CheckCancelled(ctx); err != nil {
		return nil, err
	}

	parsed, perr := v.parse(ws, output)
	if err := hooks.CheckCancelled(ctx); err != nil {
		return nil, err
	}
	if perr != nil {
		_ = logLines(ctx, hooks, "validation: "+perr.Error())
		return nil, &plan.Error{Code: plan.CodeTestFailure, Op: op, Message: "unreadable test report", Err: perr}
	}
	out = &parsed

	var lines []string
	for _, f := range out.Failures {
		lines = append(lines, fmt.Sprintf("validation: FAIL %s: %s", f.Name, f.Message))
	}
	if out.Passed() && exitCode != 0 {
		// The command failed without a test to blame: usually a build error
		// outside any package's tests.
		lines = append(lines, fmt.Sprintf("validation: command exited with status %d", exitCode))
		for _, l := range tail(output, 5) {
			lines = append(lines, "validation: | "+l)
		}
	}
	empty := out.Tests == 0 && !v.cfg.AllowEmpty
	if empty {
		lines = append(lines, "validation: no tests ran")
	}
	failed := !out.Passed() || exitCode != 0 || empty
	verdict := "passed"
	if failed {
		verdict = "failed"
	}
	lines = append(lines, fmt.Sprintf("validation: %s (%s)", verdict, out))
	if err := logLines(ctx, hooks, lines...); err != nil {
		return out, err
	}

	v.logger.Info(ctx, "validation finished", zap.String("verdict", verdict),
		zap.Int("tests", out.Tests), zap.Int("failures", len(out.Failures)), zap.Int("exit_code", exitCode))
	if failed {
		return out, plan.Errorf(plan.CodeTestFailure, op, "%s", out)
	}
	return out, nil
}

func (v *Validator) parse(ws *sandbox.Workspace, output []byte) (Outcome, error) {
	if v.cfg.Format == FormatJUnit {
		path, err := sandbox.Resolve(ws.Dir, v.cfg.ReportPath)
		if err != nil {
			return Outcome{}, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return Outcome{}, fmt.Errorf("read junit report: %w", err)
		}
		return ParseJUnit(data)
	}
	return ParseGoTestJSON(bytes.NewReader(output))
}

func (v *Validator) env(ws *sandbox.Workspace) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + ws.Dir,
		"FIXPLAN_PLAN_ID=" + ws.PlanID,
		"FIXPLAN_WORKSPACE=" + ws.Dir,
	}
	for _, e := range v.cfg.Env {
		if strings.Contains(e, "=") {
			env = append(env, e)
		} else if val, ok := os.LookupEnv(e); ok {
			env = append(env, e+"="+val)
		}
	}
	return env
}

func logLines(ctx context.Context, hooks sandbox.Hooks, lines ...string) error {
	if hooks.Log == nil || len(lines) == 0 {
		return nil
	}
	return hooks.Log(ctx, lines...)
}

func tail(output []byte, n int) []string {
	var lines []string
	for _, l := range strings.Split(string(output), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
