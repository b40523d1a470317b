// Package sandbox runs an approved plan's steps inside a fresh clone of the
// mainline, on a branch named after the plan.
//
// A workspace is acquired when a worker claims a plan and released on every
// exit path: Discard after a failure (remote branch and directory removed),
// Release after the branch has been pushed.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixplan/internal/config"
	"github.com/fyrsmithlabs/fixplan/internal/logging"
	"github.com/fyrsmithlabs/fixplan/internal/metrics"
	"github.com/fyrsmithlabs/fixplan/internal/plan"
	"github.com/fyrsmithlabs/fixplan/internal/telemetry"
)

// Config controls where workspaces live and how steps run.
type Config struct {
	Root         string
	BranchPrefix string
	StepTimeout  time.Duration
	Env          []string
	MaxLineBytes int
}

// ConfigFrom maps the sandbox section of the daemon configuration.
func ConfigFrom(c config.SandboxConfig) Config {
	return Config{
		Root:         c.Root,
		BranchPrefix: c.BranchPrefix,
		StepTimeout:  c.StepTimeout.Duration(),
		Env:          c.Env,
		MaxLineBytes: c.MaxLineBytes,
	}
}

// Hooks connect a run to the plan store.
type Hooks struct {
	// Log appends lines to the execution log. An error aborts the run.
	Log func(ctx context.Context, lines ...string) error
	// Cancelled reports whether an operator asked to stop the plan. It is
	// consulted before every step.
	Cancelled func(ctx context.Context) (bool, error)
}

func (h Hooks) log(ctx context.Context, lines ...string) error {
	if h.Log == nil {
		return nil
	}
	return h.Log(ctx, lines...)
}

// CheckCancelled returns a Cancelled error when the hook says so.
func (h Hooks) CheckCancelled(ctx context.Context) error {
	if h.Cancelled == nil {
		return nil
	}
	yes, err := h.Cancelled(ctx)
	if err != nil {
		return err
	}
	if yes {
		return plan.Errorf(plan.CodeCancelled, "sandbox", "cancellation requested")
	}
	return nil
}

// Workspace is one plan's checkout.
type Workspace struct {
	PlanID string
	Dir    string
	Branch string
}

// Executor prepares workspaces and applies steps.
type Executor struct {
	cfg    Config
	repo   Repo
	logger *logging.Logger
}

// NewExecutor creates the workspace root if needed.
func NewExecutor(cfg Config, repo Repo, logger *logging.Logger) (*Executor, error) {
	if repo == nil {
		return nil, errors.New("sandbox: repo is required")
	}
	if cfg.Root == "" {
		return nil, errors.New("sandbox: root is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("sandbox root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("sandbox root: %w", err)
	}
	cfg.Root = root
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Executor{cfg: cfg, repo: repo, logger: logger.Named("sandbox")}, nil
}

// Prepare clones a fresh workspace for planID. Every attempt gets its own
// directory, so a worker that lost its lease can release its checkout
// without touching the one a new owner is using.
func (e *Executor) Prepare(ctx context.Context, planID string) (ws *Workspace, err error) {
	ctx, span := telemetry.Start(ctx, "sandbox", "Prepare", attribute.String("plan.id", planID))
	defer func() { telemetry.End(span, err) }()

	ws = &Workspace{
		PlanID: planID,
		Dir:    filepath.Join(e.cfg.Root, workspacePrefix(planID)+uuid.NewString()[:suffixLen]),
		Branch: plan.BranchName(e.cfg.BranchPrefix, planID),
	}
	if err := e.repo.CreateBranch(ctx, ws.Dir, ws.Branch); err != nil {
		_ = os.RemoveAll(ws.Dir)
		return nil, err
	}
	e.logger.Debug(ctx, "workspace ready", zap.String("dir", ws.Dir), zap.String("branch", ws.Branch))
	return ws, nil
}

// Run applies steps in order and stops at the first failure. Progress and
// command output go through hooks.Log as they happen.
func (e *Executor) Run(ctx context.Context, ws *Workspace, steps []plan.Step, hooks Hooks) (err error) {
	ctx, span := telemetry.Start(ctx, "sandbox", "Run",
		attribute.String("plan.id", ws.PlanID), attribute.Int("steps", len(steps)))
	defer func() { telemetry.End(span, err) }()

	n := len(steps)
	for i, s := range steps {
		if err := hooks.CheckCancelled(ctx); err != nil {
			return err
		}
		label := fmt.Sprintf("step %d/%d", i+1, n)
		if err := hooks.log(ctx, label+": "+s.Summary()); err != nil {
			return err
		}
		start := time.Now()
		stepErr := e.runStep(ctx, ws, i+1, s, hooks)
		metrics.Since(metrics.Get().StepDuration.WithLabelValues(string(s.Kind), metrics.Outcome(stepErr)), start)
		if stepErr != nil {
			if ctx.Err() == nil {
				if lerr := hooks.log(ctx, fmt.Sprintf("%s failed: %v", label, stepErr)); lerr != nil {
					e.logger.Warn(ctx, "step failure not logged", zap.Error(lerr))
				}
			}
			return stepErr
		}
		if err := hooks.log(ctx, fmt.Sprintf("%s ok (%s)", label, time.Since(start).Round(time.Millisecond))); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) runStep(ctx context.Context, ws *Workspace, n int, s plan.Step, hooks Hooks) error {
	switch s.Kind {
	case plan.StepFileEdit:
		return applyFileEdit(ws.Dir, s)
	case plan.StepShellCommand:
		wd := s.WorkingDir
		if wd == "" {
			wd = "."
		}
		dir, err := Resolve(ws.Dir, wd)
		if err != nil {
			return err
		}
		env := commandEnv(ws.Dir, ws.PlanID, e.cfg.Env)
		prefix := fmt.Sprintf("step %d | ", n)
		return runCommand(ctx, dir, s.Argv, env, e.cfg.StepTimeout, e.cfg.MaxLineBytes, func(line string) error {
			return hooks.log(ctx, prefix+line)
		})
	}
	return plan.Errorf(plan.CodeStepApplication, "sandbox", "unknown step kind %q", s.Kind)
}

// Commit records the workspace changes on the plan branch.
func (e *Executor) Commit(ctx context.Context, ws *Workspace, message string) (string, error) {
	return e.repo.Commit(ctx, ws.Dir, message)
}

// Push publishes the plan branch.
func (e *Executor) Push(ctx context.Context, ws *Workspace) error {
	return e.repo.Push(ctx, ws.Dir, ws.Branch)
}

// Discard deletes the plan branch from the remote and removes every
// workspace of the plan. Both are attempted; the first error is returned.
func (e *Executor) Discard(ctx context.Context, planID string) error {
	branch := plan.BranchName(e.cfg.BranchPrefix, planID)
	derr := e.repo.DeleteBranch(ctx, branch)
	if derr != nil {
		e.logger.Warn(ctx, "remote branch not deleted", zap.String("branch", branch), zap.Error(derr))
	}
	rerr := e.removeWorkspaces(planID)
	if derr != nil {
		return derr
	}
	return rerr
}

const suffixLen = 8

func workspacePrefix(planID string) string { return "plan-" + planID + "-" }

func (e *Executor) removeWorkspaces(planID string) error {
	entries, err := os.ReadDir(e.cfg.Root)
	if err != nil {
		return err
	}
	prefix := workspacePrefix(planID)
	var first error
	for _, ent := range entries {
		name := ent.Name()
		if !ent.IsDir() || len(name) != len(prefix)+suffixLen || !strings.HasPrefix(name, prefix) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(e.cfg.Root, name)); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Release removes the workspace and keeps the branch.
func (e *Executor) Release(ws *Workspace) error {
	return os.RemoveAll(ws.Dir)
}
