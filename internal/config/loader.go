package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024
	envPrefix         = "FIXPLAN_"
)

// DefaultPath is ~/.config/fixplan/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "fixplan", "config.yaml"), nil
}

// LoadWithFile reads configPath (DefaultPath when empty), overlays FIXPLAN_
// environment variables, applies defaults and validates.
//
// A missing file is not an error. An existing file must live under
// ~/.config/fixplan or /etc/fixplan, be mode 0600 or 0400 and be at most
// 1MB.
//
// Environment names map to keys by dropping the prefix, splitting the
// section at the first underscore and treating a double underscore as a
// further level:
//
//	FIXPLAN_SANDBOX_STEP_TIMEOUT    -> sandbox.step_timeout
//	FIXPLAN_KNOWLEDGE_QDRANT__HOST  -> knowledge.qdrant.host
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		configPath = p
	}
	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	section, field, ok := strings.Cut(s, "_")
	if !ok {
		return section
	}
	return section + "." + strings.ReplaceAll(field, "__", ".")
}

// readConfigFile validates and reads through one descriptor so the checked
// file is the file read.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}
	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return content, nil
}

// EnsureConfigDir creates ~/.config/fixplan with mode 0700.
func EnsureConfigDir() error {
	p, err := DefaultPath()
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	return nil
}

func validateConfigPath(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// Not created yet.
		resolved = abs
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}
	for _, dir := range []string{filepath.Join(home, ".config", "fixplan"), "/etc/fixplan"} {
		if resolved == dir || strings.HasPrefix(resolved, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/fixplan/ or /etc/fixplan/")
}

func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0o600 && perm != 0o400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}
