// Package inbox submits plan files dropped into a watched directory.
//
// A file is picked up once it has been quiet for the settle period. After
// submission it moves to processed/; a file that fails to decode or is
// rejected moves to failed/ next to a .err file holding the reason.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixplan/internal/engine"
	"github.com/fyrsmithlabs/fixplan/internal/logging"
	"github.com/fyrsmithlabs/fixplan/internal/plan"
)

const (
	ProcessedDir = "processed"
	FailedDir    = "failed"
)

var ErrWatcherFailed = errors.New("inbox: failed to initialize filesystem watcher")

// Submitter accepts decoded plans.
type Submitter interface {
	Submit(ctx context.Context, sub *plan.Submission, actor string, opts engine.SubmitOptions) (*plan.Plan, error)
}

type Config struct {
	Dir    string
	Author string
	// Settle is how long a file must go without writes before it is read.
	Settle time.Duration
}

// Inbox watches one directory.
type Inbox struct {
	cfg    Config
	sub    Submitter
	logger *logging.Logger

	mu      sync.Mutex
	pending map[string]time.Time
}

// New creates the inbox directory and its processed/ and failed/ folders.
func New(cfg Config, sub Submitter, logger *logging.Logger) (*Inbox, error) {
	if cfg.Dir == "" {
		return nil, errors.New("inbox: dir is required")
	}
	if cfg.Author == "" {
		cfg.Author = "inbox"
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 250 * time.Millisecond
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	for _, d := range []string{cfg.Dir, filepath.Join(cfg.Dir, ProcessedDir), filepath.Join(cfg.Dir, FailedDir)} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return nil, fmt.Errorf("inbox: %w", err)
		}
	}
	return &Inbox{cfg: cfg, sub: sub, logger: logger.Named("inbox"), pending: make(map[string]time.Time)}, nil
}

// Supported reports whether name is a plan file. Hidden and editor backup
// files are skipped.
func Supported(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return false
	}
	return plan.SupportedFile(base)
}

// Run watches the directory until ctx is done. Files already present when
// it starts are processed first.
func (in *Inbox) Run(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	defer w.Close()
	if err := w.Add(in.cfg.Dir); err != nil {
		return fmt.Errorf("inbox: watch %s: %w", in.cfg.Dir, err)
	}
	in.logger.Info(ctx, "inbox watching", zap.String("dir", in.cfg.Dir))

	if _, err := in.Scan(ctx); err != nil {
		in.logger.Warn(ctx, "initial inbox scan failed", zap.Error(err))
	}

	tick := time.NewTicker(in.cfg.Settle / 2)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 && Supported(ev.Name) {
				in.touch(ev.Name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			in.logger.Warn(ctx, "inbox watcher error", zap.Error(err))
		case now := <-tick.C:
			for _, path := range in.settled(now) {
				in.Process(ctx, path)
			}
		}
	}
}

func (in *Inbox) touch(path string) {
	in.mu.Lock()
	in.pending[path] = time.Now()
	in.mu.Unlock()
}

func (in *Inbox) settled(now time.Time) []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	var ready []string
	for path, at := range in.pending {
		if now.Sub(at) >= in.cfg.Settle {
			ready = append(ready, path)
			delete(in.pending, path)
		}
	}
	return ready
}

// Scan processes every supported file currently in the directory and
// returns how many it submitted.
func (in *Inbox) Scan(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(in.cfg.Dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() || !Supported(e.Name()) {
			continue
		}
		if _, err := in.Process(ctx, filepath.Join(in.cfg.Dir, e.Name())); err == nil {
			n++
		}
	}
	return n, nil
}

// Process submits one file and moves it out of the inbox.
func (in *Inbox) Process(ctx context.Context, path string) (*plan.Plan, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		// Already moved by an earlier event.
		return nil, err
	}
	var p *plan.Plan
	if err == nil {
		var sub *plan.Submission
		sub, err = plan.DecodeFile(path, data)
		if err == nil {
			p, err = in.sub.Submit(ctx, sub, in.cfg.Author, engine.SubmitOptions{Source: "inbox"})
		}
	}

	name := filepath.Base(path)
	if err != nil {
		in.logger.Warn(ctx, "inbox file rejected", zap.String("file", name), zap.Error(err))
		dest := in.destination(FailedDir, name)
		if merr := os.Rename(path, dest); merr != nil {
			in.logger.Error(ctx, "cannot move rejected file", zap.String("file", name), zap.Error(merr))
			return nil, err
		}
		reason := fmt.Sprintf("%s: %v\n", plan.CodeOf(err), err)
		if werr := os.WriteFile(dest+".err", []byte(reason), 0o640); werr != nil {
			in.logger.Error(ctx, "cannot write rejection reason", zap.String("file", name), zap.Error(werr))
		}
		return nil, err
	}

	pctx := logging.WithPlanID(ctx, p.ID)
	if merr := os.Rename(path, in.destination(ProcessedDir, name)); merr != nil {
		in.logger.Error(pctx, "cannot move submitted file", zap.String("file", name), zap.Error(merr))
	}
	in.logger.Info(pctx, "inbox file submitted", zap.String("file", name))
	return p, nil
}

// destination picks a free name under sub, suffixing a timestamp when a
// file of the same name was handled before.
func (in *Inbox) destination(sub, name string) string {
	dest := filepath.Join(in.cfg.Dir, sub, name)
	if _, err := os.Stat(dest); errors.Is(err, os.ErrNotExist) {
		return dest
	}
	ext := filepath.Ext(name)
	stamp := time.Now().UTC().Format("20060102T150405.000000000")
	return filepath.Join(in.cfg.Dir, sub, strings.TrimSuffix(name, ext)+"."+stamp+ext)
}
