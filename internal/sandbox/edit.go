package sandbox

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bluekeyes/go-gitdiff/gitdiff"

	"github.com/fyrsmithlabs/fixplan/internal/plan"
)

// applyFileEdit writes s.Content to the target, or applies s.Diff to its
// current content. Parent directories are created and an existing file keeps
// its mode.
func applyFileEdit(root string, s plan.Step) error {
	const op = "sandbox.file_edit"
	target, err := Resolve(root, s.Path)
	if err != nil {
		return err
	}
	mode := fs.FileMode(0o644)
	current, err := os.ReadFile(target)
	switch {
	case err == nil:
		if fi, serr := os.Stat(target); serr == nil {
			mode = fi.Mode().Perm()
		}
	case errors.Is(err, fs.ErrNotExist):
		current = nil
	default:
		return &plan.Error{Code: plan.CodeStepApplication, Op: op, Message: s.Path, Err: err}
	}

	if !s.IsPatch() {
		return writeFile(target, []byte(s.Content), mode)
	}

	f, err := parseSingleFileDiff(s.Diff)
	if err != nil {
		return &plan.Error{Code: plan.CodeStepApplication, Op: op, Message: s.Path, Err: err}
	}
	if current == nil && !f.IsNew {
		return plan.Errorf(plan.CodeStepApplication, op, "%s does not exist and the diff does not create it", s.Path)
	}
	if f.IsDelete {
		if err := os.Remove(target); err != nil {
			return &plan.Error{Code: plan.CodeStepApplication, Op: op, Message: s.Path, Err: err}
		}
		return nil
	}
	var out bytes.Buffer
	if err := gitdiff.Apply(&out, bytes.NewReader(current), f); err != nil {
		return &plan.Error{Code: plan.CodeStepApplication, Op: op, Message: "diff does not apply to " + s.Path, Err: err}
	}
	return writeFile(target, out.Bytes(), mode)
}

func parseSingleFileDiff(diff string) (*gitdiff.File, error) {
	files, _, err := gitdiff.Parse(strings.NewReader(diff))
	if err != nil {
		return nil, fmt.Errorf("parse diff: %w", err)
	}
	switch len(files) {
	case 0:
		return nil, errors.New("diff has no file sections")
	case 1:
	default:
		return nil, fmt.Errorf("diff touches %d files, a step edits one", len(files))
	}
	f := files[0]
	if f.IsBinary {
		return nil, errors.New("binary diffs are not supported")
	}
	return f, nil
}

func writeFile(target string, data []byte, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return &plan.Error{Code: plan.CodeStepApplication, Op: "sandbox.file_edit", Err: err}
	}
	if err := os.WriteFile(target, data, mode); err != nil {
		return &plan.Error{Code: plan.CodeStepApplication, Op: "sandbox.file_edit", Err: err}
	}
	return nil
}
