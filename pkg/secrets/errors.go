// Package secrets detects and redacts credentials with the gitleaks rule
// set, optionally narrowed by a TOML allowlist.
package secrets

import "errors"

var (
	// ErrInvalidRegex means an allowlist pattern failed to compile.
	ErrInvalidRegex = errors.New("invalid regex pattern")

	// ErrInvalidTOML means an allowlist file could not be parsed.
	ErrInvalidTOML = errors.New("invalid TOML format")
)
