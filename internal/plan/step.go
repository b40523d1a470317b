package plan

import (
	"fmt"
	"strings"
)

// StepKind tags the variant carried by a Step.
type StepKind string

const (
	// StepFileEdit replaces a file's content or applies a unified diff to it.
	StepFileEdit StepKind = "file_edit"
	// StepShellCommand runs argv inside the workspace without a shell.
	StepShellCommand StepKind = "shell_command"
)

// Step is one action of a plan. Only the fields of its Kind are meaningful.
type Step struct {
	Kind StepKind `json:"kind" yaml:"kind" toml:"kind"`

	// file_edit
	Path    string `json:"path,omitempty" yaml:"path,omitempty" toml:"path,omitempty"`
	Content string `json:"content,omitempty" yaml:"content,omitempty" toml:"content,omitempty"`
	Diff    string `json:"diff,omitempty" yaml:"diff,omitempty" toml:"diff,omitempty"`

	// shell_command
	Argv       []string `json:"argv,omitempty" yaml:"argv,omitempty" toml:"argv,omitempty"`
	WorkingDir string   `json:"working_dir,omitempty" yaml:"working_dir,omitempty" toml:"working_dir,omitempty"`
}

// IsPatch reports whether a file_edit step applies a diff rather than
// replacing content.
func (s Step) IsPatch() bool {
	return s.Diff != ""
}

// Summary renders the step as a single log-friendly line.
func (s Step) Summary() string {
	switch s.Kind {
	case StepFileEdit:
		if s.IsPatch() {
			return fmt.Sprintf("file_edit %s (diff, %d bytes)", s.Path, len(s.Diff))
		}
		return fmt.Sprintf("file_edit %s (%d bytes)", s.Path, len(s.Content))
	case StepShellCommand:
		dir := s.WorkingDir
		if dir == "" {
			dir = "."
		}
		return fmt.Sprintf("shell_command [%s] in %s", strings.Join(s.Argv, " "), dir)
	}
	return fmt.Sprintf("unknown step kind %q", s.Kind)
}

// Text returns the free text carried by the step, used by scanners.
func (s Step) Text() string {
	switch s.Kind {
	case StepFileEdit:
		if s.IsPatch() {
			return s.Diff
		}
		return s.Content
	case StepShellCommand:
		return strings.Join(s.Argv, " ")
	}
	return ""
}
