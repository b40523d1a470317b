package config

import (
	"encoding/json"
	"fmt"
	"time"
)

const redactedText = "[REDACTED]"

// Duration is a time.Duration that decodes from strings such as "90s" in
// YAML files and environment variables.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("negative duration %q", text)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration().String())
}

// Duration returns the value as a time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Secret holds a credential. Every textual rendering is redacted; call Value
// to get the real string.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redactedText
}

func (s Secret) GoString() string { return "Secret(" + redactedText + ")" }

// Value returns the secret itself.
func (s Secret) Value() string { return string(s) }

// IsSet reports whether a value was configured.
func (s Secret) IsSet() bool { return s != "" }

func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s Secret) MarshalYAML() (any, error) {
	return s.String(), nil
}

func (s *Secret) UnmarshalText(text []byte) error {
	*s = Secret(text)
	return nil
}

func (s *Secret) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Secret(raw)
	return nil
}
