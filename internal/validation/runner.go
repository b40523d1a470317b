package validation

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"time"
)

// Runner executes the test command. out receives combined stdout and
// stderr. A non-zero exit is reported through exitCode, not err.
type Runner interface {
	Run(ctx context.Context, dir string, argv, env []string) (out []byte, exitCode int, err error)
}

// CommandRunner runs the command as a child process.
type CommandRunner struct {
	// MaxOutput caps the captured output; the tail beyond it is dropped.
	MaxOutput int
}

// Run starts argv in dir and waits for it. The context bounds the run.
func (r CommandRunner) Run(ctx context.Context, dir string, argv, env []string) ([]byte, int, error) {
	if len(argv) == 0 {
		return nil, -1, errors.New("validation command is empty")
	}
	limit := r.MaxOutput
	if limit <= 0 {
		limit = 32 << 20
	}
	buf := &cappedBuffer{limit: limit}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdout = buf
	cmd.Stderr = buf
	cmd.WaitDelay = 2 * time.Second

	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return buf.Bytes(), 0, nil
	case ctx.Err() != nil:
		return buf.Bytes(), -1, ctx.Err()
	case errors.As(err, &exitErr):
		return buf.Bytes(), exitErr.ExitCode(), nil
	}
	return buf.Bytes(), -1, err
}

// cappedBuffer keeps the first limit bytes written to it. The buffer is a
// named field so exec's io.Copy cannot bypass Write through ReadFrom.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room < len(p) {
		if room > 0 {
			b.buf.Write(p[:room])
		}
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) Bytes() []byte { return b.buf.Bytes() }

var _ io.Writer = (*cappedBuffer)(nil)
