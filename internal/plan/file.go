package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// DecodeFile parses a plan file. The format is chosen by extension:
// .yaml/.yml, .json or .toml. Unknown fields are rejected so typos in step
// definitions surface as errors instead of silently empty steps.
func DecodeFile(name string, data []byte) (*Submission, error) {
	var sub Submission
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&sub); err != nil {
			return nil, Wrap(CodeValidation, "decode yaml", err)
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&sub); err != nil {
			return nil, Wrap(CodeValidation, "decode json", err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), &sub)
		if err != nil {
			return nil, Wrap(CodeValidation, "decode toml", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, Errorf(CodeValidation, "decode toml", "unknown keys %v", undecoded)
		}
	default:
		return nil, Errorf(CodeValidation, "decode", "unsupported plan file extension %q", filepath.Ext(name))
	}
	return &sub, nil
}

// SupportedFile reports whether DecodeFile understands name's extension.
func SupportedFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json", ".toml":
		return true
	}
	return false
}

// String renders the submission as indented JSON, mainly for debugging.
func (s *Submission) String() string {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Sprintf("<submission: %v>", err)
	}
	return string(b)
}
