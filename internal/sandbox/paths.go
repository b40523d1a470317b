package sandbox

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/fyrsmithlabs/fixplan/internal/plan"
)

// Resolve maps a workspace-relative path onto the file system. It rejects
// lexical escapes (absolute, "..", .git), paths whose existing prefix
// resolves through a symlink to somewhere outside root, and absolute links.
func Resolve(root, rel string) (string, error) {
	const op = "sandbox.Resolve"
	clean, err := plan.CleanRelPath(rel)
	if err != nil {
		return "", err
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", &plan.Error{Code: plan.CodeInternal, Op: op, Message: "workspace root", Err: err}
	}
	lexical := filepath.Join(realRoot, filepath.FromSlash(clean))
	real, err := evalExisting(lexical)
	if err != nil {
		return "", &plan.Error{Code: plan.CodeStepApplication, Op: op, Message: rel, Err: err}
	}
	if !within(realRoot, real) {
		return "", plan.Errorf(plan.CodePathEscape, op, "%q resolves outside the workspace", rel)
	}
	// SecureJoin evaluates links as if root were "/", so it disagrees with
	// the host view only for absolute links.
	safe, err := securejoin.SecureJoin(realRoot, clean)
	if err != nil {
		return "", &plan.Error{Code: plan.CodePathEscape, Op: op, Message: rel, Err: err}
	}
	if safe != real {
		return "", plan.Errorf(plan.CodePathEscape, op, "%q resolves through an absolute link", rel)
	}
	if rp, _ := filepath.Rel(realRoot, safe); rp == ".git" || strings.HasPrefix(rp, ".git"+string(filepath.Separator)) {
		return "", plan.Errorf(plan.CodePathEscape, op, "%q resolves inside .git", rel)
	}
	return safe, nil
}

// evalExisting resolves symlinks in the longest existing prefix of p and
// appends the rest unchanged.
func evalExisting(p string) (string, error) {
	rest := ""
	cur := p
	for {
		_, err := os.Lstat(cur)
		if err == nil {
			real, err := filepath.EvalSymlinks(cur)
			if err != nil {
				// Dangling link: judge it by its target.
				target, lerr := os.Readlink(cur)
				if lerr != nil {
					return "", err
				}
				if !filepath.IsAbs(target) {
					target = filepath.Join(filepath.Dir(cur), target)
				}
				real = filepath.Clean(target)
			}
			return filepath.Join(real, rest), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p, nil
		}
		rest = filepath.Join(filepath.Base(cur), rest)
		cur = parent
	}
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
