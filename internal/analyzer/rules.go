package analyzer

import (
	"fmt"
	"path"
	"strings"

	"github.com/fyrsmithlabs/fixplan/internal/plan"
)

// Rule inspects one step. index is 1-based.
type Rule struct {
	ID    string
	Check func(index int, s plan.Step, opts RuleOptions) []Finding
}

// RuleOptions carries the tunables rules read.
type RuleOptions struct {
	LargeEditBytes int
}

// Finding is a risk or a suggestion raised by a rule.
type Finding struct {
	RuleID     string
	Risk       string
	Suggestion string
}

// DefaultRules returns the built-in checks.
func DefaultRules() []Rule {
	return []Rule{
		{ID: "destructive-command", Check: destructiveCommand},
		{ID: "privilege-escalation", Check: privilegeEscalation},
		{ID: "shell-interpreter", Check: shellInterpreter},
		{ID: "history-rewrite", Check: historyRewrite},
		{ID: "ci-workflow-edit", Check: ciWorkflowEdit},
		{ID: "dependency-manifest-edit", Check: manifestEdit},
		{ID: "large-edit", Check: largeEdit},
	}
}

func risk(id string, index int, format string, args ...any) []Finding {
	return []Finding{{RuleID: id, Risk: fmt.Sprintf("step %d: ", index) + fmt.Sprintf(format, args...)}}
}

// command returns argv with leading wrappers ("env", "nice", "time",
// "nohup") and env assignments stripped.
func command(s plan.Step) []string {
	if s.Kind != plan.StepShellCommand {
		return nil
	}
	argv := s.Argv
	for len(argv) > 1 {
		switch base := path.Base(argv[0]); {
		case base == "env" || base == "nice" || base == "time" || base == "nohup":
			argv = argv[1:]
		case strings.Contains(argv[0], "=") && !strings.HasPrefix(argv[0], "-"):
			argv = argv[1:]
		default:
			return argv
		}
	}
	return argv
}

func hasFlag(args []string, flags ...string) bool {
	for _, a := range args {
		for _, f := range flags {
			if a == f {
				return true
			}
		}
	}
	return false
}

// hasShortFlags reports whether any single-dash argument contains all of
// letters, so "-rf", "-fr" and "-Rf" all match "rf" case-insensitively.
func hasShortFlags(args []string, letters string) bool {
	for _, a := range args {
		if !strings.HasPrefix(a, "-") || strings.HasPrefix(a, "--") {
			continue
		}
		lower := strings.ToLower(a[1:])
		ok := true
		for _, l := range letters {
			if !strings.ContainsRune(lower, l) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

func destructiveCommand(i int, s plan.Step, _ RuleOptions) []Finding {
	argv := command(s)
	if len(argv) == 0 {
		return nil
	}
	const id = "destructive-command"
	name := path.Base(argv[0])
	args := argv[1:]
	switch {
	case name == "rm" && (hasShortFlags(args, "rf") || (hasFlag(args, "--recursive") && hasFlag(args, "--force"))):
		return risk(id, i, "recursive forced delete (%s)", strings.Join(argv, " "))
	case strings.HasPrefix(name, "mkfs"):
		return risk(id, i, "formats a filesystem (%s)", name)
	case name == "dd":
		return risk(id, i, "raw block copy with dd")
	case name == "shred":
		return risk(id, i, "irrecoverably overwrites files with shred")
	case name == "chmod" && (hasShortFlags(args, "r") || hasFlag(args, "--recursive")) && hasFlag(args, "777", "a+rwx"):
		return risk(id, i, "recursively makes files world-writable")
	}
	return nil
}

func privilegeEscalation(i int, s plan.Step, _ RuleOptions) []Finding {
	argv := command(s)
	if len(argv) == 0 {
		return nil
	}
	switch path.Base(argv[0]) {
	case "sudo", "su", "doas", "pkexec":
		return risk("privilege-escalation", i, "runs with elevated privileges via %s", path.Base(argv[0]))
	}
	return nil
}

func shellInterpreter(i int, s plan.Step, _ RuleOptions) []Finding {
	argv := command(s)
	if len(argv) < 3 {
		return nil
	}
	switch path.Base(argv[0]) {
	case "sh", "bash", "zsh", "dash", "ksh":
	default:
		return nil
	}
	if !hasFlag(argv[1:], "-c") {
		return nil
	}
	script := argv[len(argv)-1]
	out := []Finding{{
		RuleID:     "shell-interpreter",
		Risk:       fmt.Sprintf("step %d: runs an inline shell script, so its effects are opaque to review", i),
		Suggestion: fmt.Sprintf("step %d: split the script into separate shell_command steps", i),
	}}
	if fetchAndRun(script) {
		out = append(out, risk("remote-execution", i, "pipes downloaded content into an interpreter")...)
	}
	return out
}

func fetchAndRun(script string) bool {
	if !strings.Contains(script, "curl") && !strings.Contains(script, "wget") {
		return false
	}
	_, after, ok := strings.Cut(script, "|")
	if !ok {
		return false
	}
	for _, f := range strings.Fields(after) {
		switch path.Base(f) {
		case "sh", "bash", "zsh", "python", "python3", "perl", "ruby", "node":
			return true
		}
	}
	return false
}

func historyRewrite(i int, s plan.Step, _ RuleOptions) []Finding {
	argv := command(s)
	if len(argv) < 2 || path.Base(argv[0]) != "git" {
		return nil
	}
	const id = "history-rewrite"
	args := argv[2:]
	switch argv[1] {
	case "push":
		if hasFlag(args, "--force", "-f", "--force-with-lease", "--mirror") || hasPlusRefspec(args) {
			return risk(id, i, "force-pushes and may discard remote history")
		}
	case "reset":
		if hasFlag(args, "--hard") {
			return risk(id, i, "hard reset discards uncommitted work")
		}
	case "rebase", "filter-branch", "filter-repo":
		return risk(id, i, "rewrites history with git %s", argv[1])
	case "clean":
		if hasShortFlags(args, "f") {
			return risk(id, i, "git clean deletes untracked files")
		}
	}
	return nil
}

func hasPlusRefspec(args []string) bool {
	for _, a := range args {
		if strings.HasPrefix(a, "+") {
			return true
		}
	}
	return false
}

func ciWorkflowEdit(i int, s plan.Step, _ RuleOptions) []Finding {
	if s.Kind != plan.StepFileEdit {
		return nil
	}
	p := path.Clean(s.Path)
	switch {
	case strings.HasPrefix(p, ".github/workflows/"),
		strings.HasPrefix(p, ".circleci/"),
		strings.HasPrefix(p, ".buildkite/"),
		p == ".gitlab-ci.yml",
		p == "Jenkinsfile",
		p == "azure-pipelines.yml":
		return risk("ci-workflow-edit", i, "modifies CI configuration %s", p)
	}
	return nil
}

var manifests = map[string]bool{
	"go.mod": true, "go.sum": true,
	"package.json": true, "package-lock.json": true, "yarn.lock": true, "pnpm-lock.yaml": true,
	"requirements.txt": true, "poetry.lock": true, "pyproject.toml": true, "Pipfile.lock": true,
	"Cargo.toml": true, "Cargo.lock": true,
	"pom.xml": true, "build.gradle": true, "Gemfile": true, "Gemfile.lock": true,
	"Dockerfile": true,
}

func manifestEdit(i int, s plan.Step, _ RuleOptions) []Finding {
	if s.Kind != plan.StepFileEdit || !manifests[path.Base(s.Path)] {
		return nil
	}
	return []Finding{{
		RuleID:     "dependency-manifest-edit",
		Risk:       fmt.Sprintf("step %d: changes dependency manifest %s", i, path.Clean(s.Path)),
		Suggestion: fmt.Sprintf("step %d: pin exact versions and review the lockfile diff", i),
	}}
}

func largeEdit(i int, s plan.Step, opts RuleOptions) []Finding {
	if s.Kind != plan.StepFileEdit || opts.LargeEditBytes <= 0 {
		return nil
	}
	n := len(s.Content) + len(s.Diff)
	if n <= opts.LargeEditBytes {
		return nil
	}
	f := Finding{
		RuleID: "large-edit",
		Risk:   fmt.Sprintf("step %d: edits %s with %d bytes, above the %d byte review threshold", i, s.Path, n, opts.LargeEditBytes),
	}
	if !s.IsPatch() {
		f.Suggestion = fmt.Sprintf("step %d: express the change to %s as a diff", i, s.Path)
	}
	return []Finding{f}
}

// planRules look across steps.
func planRules(steps []plan.Step) []Finding {
	var out []Finding
	seen := map[string]int{}
	for i, s := range steps {
		if s.Kind != plan.StepFileEdit {
			continue
		}
		p := path.Clean(s.Path)
		if first, ok := seen[p]; ok {
			out = append(out, Finding{
				RuleID:     "repeated-edit",
				Suggestion: fmt.Sprintf("steps %d and %d both edit %s; consider merging them", first, i+1, p),
			})
			continue
		}
		seen[p] = i + 1
	}
	return out
}
