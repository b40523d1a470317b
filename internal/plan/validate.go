package plan

import (
	"fmt"
	"path"
	"strings"
	"unicode/utf8"
)

// Submission limits.
const (
	MaxTitleLen       = 200
	MaxDescriptionLen = 64 << 10
	MaxSteps          = 200
	MaxStepBytes      = 1 << 20
	MaxArgs           = 256
)

// Submission is the author-controlled part of a plan.
type Submission struct {
	Title       string   `json:"title" yaml:"title" toml:"title"`
	Description string   `json:"description" yaml:"description" toml:"description"`
	Steps       []Step   `json:"steps" yaml:"steps" toml:"steps"`
	Priority    Priority `json:"priority,omitempty" yaml:"priority,omitempty" toml:"priority,omitempty"`
	Author      string   `json:"author,omitempty" yaml:"author,omitempty" toml:"author,omitempty"`
	Supersedes  string   `json:"supersedes,omitempty" yaml:"supersedes,omitempty" toml:"supersedes,omitempty"`
}

// Validate checks a submission and reports every violation at once.
func (s *Submission) Validate() error {
	var v []string

	title := strings.TrimSpace(s.Title)
	switch {
	case title == "":
		v = append(v, "title is required")
	case utf8.RuneCountInString(title) > MaxTitleLen:
		v = append(v, fmt.Sprintf("title exceeds %d characters", MaxTitleLen))
	}
	if strings.TrimSpace(s.Description) == "" {
		v = append(v, "description is required")
	} else if len(s.Description) > MaxDescriptionLen {
		v = append(v, fmt.Sprintf("description exceeds %d bytes", MaxDescriptionLen))
	}
	if s.Priority != "" {
		if _, err := ParsePriority(string(s.Priority)); err != nil {
			v = append(v, err.Error())
		}
	}

	switch {
	case len(s.Steps) == 0:
		v = append(v, "plan has no steps")
	case len(s.Steps) > MaxSteps:
		v = append(v, fmt.Sprintf("plan has %d steps, limit is %d", len(s.Steps), MaxSteps))
	}
	for i, st := range s.Steps {
		for _, msg := range validateStep(st) {
			v = append(v, fmt.Sprintf("step %d: %s", i+1, msg))
		}
	}

	if len(v) > 0 {
		return &Error{Code: CodeValidation, Op: "validate", Message: "invalid plan", Violations: v}
	}
	return nil
}

func validateStep(st Step) []string {
	var v []string
	switch st.Kind {
	case StepFileEdit:
		if clean, err := CleanRelPath(st.Path); err != nil {
			v = append(v, err.Error())
		} else if clean == "." {
			v = append(v, "file_edit path must name a file")
		}
		if st.Content != "" && st.Diff != "" {
			v = append(v, "file_edit takes content or diff, not both")
		}
		if len(st.Content)+len(st.Diff) > MaxStepBytes {
			v = append(v, fmt.Sprintf("file_edit payload exceeds %d bytes", MaxStepBytes))
		}
		if len(st.Argv) > 0 || st.WorkingDir != "" {
			v = append(v, "file_edit does not take argv or working_dir")
		}
	case StepShellCommand:
		switch {
		case len(st.Argv) == 0:
			v = append(v, "shell_command requires argv")
		case strings.TrimSpace(st.Argv[0]) == "":
			v = append(v, "shell_command argv[0] is empty")
		case len(st.Argv) > MaxArgs:
			v = append(v, fmt.Sprintf("shell_command has more than %d arguments", MaxArgs))
		}
		if st.WorkingDir != "" {
			if _, err := CleanRelPath(st.WorkingDir); err != nil {
				v = append(v, "working_dir: "+err.Error())
			}
		}
		if st.Path != "" || st.Content != "" || st.Diff != "" {
			v = append(v, "shell_command does not take path, content or diff")
		}
	case "":
		v = append(v, "kind is required")
	default:
		v = append(v, fmt.Sprintf("unknown kind %q", st.Kind))
	}
	return v
}

// CleanRelPath lexically normalizes a workspace-relative path. It rejects
// absolute paths, paths that climb out of the workspace and anything inside
// the repository metadata directory. "." is accepted and denotes the root.
func CleanRelPath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", Errorf(CodePathEscape, "path", "empty path")
	}
	if strings.ContainsRune(p, 0) {
		return "", Errorf(CodePathEscape, "path", "path contains NUL")
	}
	slashed := strings.ReplaceAll(p, `\`, "/")
	if path.IsAbs(slashed) || (len(slashed) >= 2 && slashed[1] == ':') {
		return "", Errorf(CodePathEscape, "path", "%q is absolute", p)
	}
	clean := path.Clean(slashed)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", Errorf(CodePathEscape, "path", "%q escapes the workspace", p)
	}
	first, _, _ := strings.Cut(clean, "/")
	if first == ".git" {
		return "", Errorf(CodePathEscape, "path", "%q is inside .git", p)
	}
	return clean, nil
}
