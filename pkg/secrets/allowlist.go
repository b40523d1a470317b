package secrets

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
)

// Allowlist lists path and content patterns exempt from detection.
type Allowlist struct {
	Paths   []string
	Regexes []string
}

// LoadAllowlists merges the allowlist files that exist among paths.
// Missing files are skipped; invalid TOML or patterns are errors.
func LoadAllowlists(paths ...string) (*Allowlist, error) {
	merged := &Allowlist{}
	for _, p := range paths {
		if p == "" {
			continue
		}
		a, err := loadTOML(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		merged.Paths = append(merged.Paths, a.Paths...)
		merged.Regexes = append(merged.Regexes, a.Regexes...)
	}
	return merged, nil
}

func loadTOML(path string) (*Allowlist, error) {
	var file struct {
		Allowlist struct {
			Paths   []string
			Regexes []string
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if _, err := toml.Decode(string(data), &file); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}
	for _, group := range [][]string{file.Allowlist.Paths, file.Allowlist.Regexes} {
		for _, pattern := range group {
			if _, err := regexp.Compile(pattern); err != nil {
				return nil, fmt.Errorf("%w: %q in %s: %v", ErrInvalidRegex, pattern, path, err)
			}
		}
	}
	return &Allowlist{Paths: file.Allowlist.Paths, Regexes: file.Allowlist.Regexes}, nil
}
