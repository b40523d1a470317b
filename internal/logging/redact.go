package logging

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/fixplan/internal/config"
)

const redacted = "[REDACTED]"

// Secret logs a config.Secret as a redaction marker with its length.
func Secret(key string, val config.Secret) zap.Field {
	return zap.String(key, fmt.Sprintf("[REDACTED:%d]", len(val.Value())))
}

// RedactingEncoder masks values of sensitive keys and any substring of a
// string value matching a configured pattern.
type RedactingEncoder struct {
	zapcore.Encoder
	keys     map[string]bool
	patterns []*regexp.Regexp
}

// NewRedactingEncoder wraps base with cfg's rules.
func NewRedactingEncoder(base zapcore.Encoder, cfg RedactionConfig) (*RedactingEncoder, error) {
	e := &RedactingEncoder{Encoder: base, keys: map[string]bool{}}
	if !cfg.Enabled {
		return e, nil
	}
	for _, k := range cfg.Fields {
		e.keys[strings.ToLower(k)] = true
	}
	for _, p := range cfg.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		e.patterns = append(e.patterns, re)
	}
	return e, nil
}

func (e *RedactingEncoder) sensitive(key string) bool {
	return e.keys[strings.ToLower(key)]
}

func (e *RedactingEncoder) scrub(s string) string {
	for _, re := range e.patterns {
		s = re.ReplaceAllString(s, redacted)
	}
	return s
}

func (e *RedactingEncoder) AddString(key, val string) {
	if e.sensitive(key) {
		e.Encoder.AddString(key, redacted)
		return
	}
	e.Encoder.AddString(key, e.scrub(val))
}

func (e *RedactingEncoder) AddByteString(key string, val []byte) {
	if e.sensitive(key) {
		e.Encoder.AddString(key, redacted)
		return
	}
	e.Encoder.AddString(key, e.scrub(string(val)))
}

func (e *RedactingEncoder) AddBinary(key string, val []byte) {
	if e.sensitive(key) {
		e.Encoder.AddString(key, redacted)
		return
	}
	e.Encoder.AddBinary(key, val)
}

func (e *RedactingEncoder) AddReflected(key string, val any) error {
	if e.sensitive(key) {
		e.Encoder.AddString(key, redacted)
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

func (e *RedactingEncoder) AddObject(key string, obj zapcore.ObjectMarshaler) error {
	if e.sensitive(key) {
		e.Encoder.AddString(key, redacted)
		return nil
	}
	return e.Encoder.AddObject(key, obj)
}

func (e *RedactingEncoder) AddArray(key string, arr zapcore.ArrayMarshaler) error {
	if e.sensitive(key) {
		e.Encoder.AddString(key, redacted)
		return nil
	}
	return e.Encoder.AddArray(key, arr)
}

// EncodeEntry scrubs the message and the per-entry fields. The wrapped
// encoder adds those fields to its own clone, bypassing the Add* overrides
// above, so they are rewritten here first.
func (e *RedactingEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	ent.Message = e.scrub(ent.Message)
	clean := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		switch {
		case e.sensitive(f.Key):
			clean[i] = zap.String(f.Key, redacted)
		case f.Type == zapcore.StringType:
			clean[i] = zap.String(f.Key, e.scrub(f.String))
		case f.Type == zapcore.ErrorType:
			if err, ok := f.Interface.(error); ok && err != nil {
				clean[i] = zap.String(f.Key, e.scrub(err.Error()))
			} else {
				clean[i] = f
			}
		default:
			clean[i] = f
		}
	}
	return e.Encoder.EncodeEntry(ent, clean)
}

func (e *RedactingEncoder) Clone() zapcore.Encoder {
	return &RedactingEncoder{Encoder: e.Encoder.Clone(), keys: e.keys, patterns: e.patterns}
}
