package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/fyrsmithlabs/fixplan/internal/plan"
)

// lineFunc receives one line of command output.
type lineFunc func(line string) error

// commandEnv builds the minimal environment a step runs with. extra entries
// are KEY=VALUE, or a bare KEY copied from the daemon's environment.
func commandEnv(workspace, planID string, extra []string) []string {
	env := []string{
		"PATH=" + envOr("PATH", "/usr/local/bin:/usr/bin:/bin"),
		"HOME=" + workspace,
		"LANG=" + envOr("LANG", "C.UTF-8"),
		"FIXPLAN_PLAN_ID=" + planID,
		"FIXPLAN_WORKSPACE=" + workspace,
	}
	for _, e := range extra {
		if strings.Contains(e, "=") {
			env = append(env, e)
			continue
		}
		if v, ok := os.LookupEnv(e); ok {
			env = append(env, e+"="+v)
		}
	}
	return env
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// runCommand runs argv in dir and hands every output line to emit as it is
// produced. stdout and stderr share one stream so their relative order is
// kept. Lines longer than maxLine are split.
func runCommand(ctx context.Context, dir string, argv, env []string, timeout time.Duration, maxLine int, emit lineFunc) error {
	const op = "sandbox.shell_command"
	stepCtx, stop := context.WithCancel(ctx)
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(stepCtx, timeout)
		defer cancel()
	}

	pr, pw := io.Pipe()
	cmd := exec.CommandContext(stepCtx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdin = nil
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.WaitDelay = time.Second

	if err := cmd.Start(); err != nil {
		pw.Close()
		return &plan.Error{Code: plan.CodeStepApplication, Op: op, Message: "start " + argv[0], Err: err}
	}

	readErr := make(chan error, 1)
	go func() {
		err := scanLines(pr, maxLine, emit)
		if err != nil {
			stop()
		}
		// Keep draining so the child never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, pr)
		readErr <- err
	}()

	waitErr := cmd.Wait()
	pw.Close()
	emitErr := <-readErr

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if emitErr != nil {
		return emitErr
	}
	if errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		return plan.Errorf(plan.CodeStepApplication, op, "%s timed out after %s", argv[0], timeout)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return plan.Errorf(plan.CodeStepApplication, op, "%s exited with status %d", argv[0], exitErr.ExitCode())
		}
		return &plan.Error{Code: plan.CodeStepApplication, Op: op, Message: argv[0], Err: waitErr}
	}
	return nil
}

func scanLines(r io.Reader, maxLine int, emit lineFunc) error {
	if maxLine <= 0 {
		maxLine = 4096
	}
	br := bufio.NewReaderSize(r, maxLine)
	for {
		line, isPrefix, err := br.ReadLine()
		if len(line) > 0 || (err == nil && !isPrefix) {
			text := strings.TrimRight(string(line), "\r")
			if isPrefix {
				text += " ..."
			}
			if eerr := emit(text); eerr != nil {
				return fmt.Errorf("record output: %w", eerr)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
