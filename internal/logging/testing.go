package logging

import (
	"reflect"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger records every entry for assertions.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

// NewTestLogger returns a logger that keeps entries at every level.
func NewTestLogger() *TestLogger {
	core, observed := observer.New(TraceLevel)
	return &TestLogger{
		Logger:   &Logger{zap: zap.New(core), config: NewDefaultConfig()},
		observed: observed,
	}
}

// All returns all recorded entries.
func (t *TestLogger) All() []observer.LoggedEntry { return t.observed.All() }

// FilterMessage returns entries whose message contains msg.
func (t *TestLogger) FilterMessage(msg string) *observer.ObservedLogs {
	return t.observed.FilterMessageSnippet(msg)
}

// Reset drops recorded entries.
func (t *TestLogger) Reset() { t.observed.TakeAll() }

// AssertLogged fails tb unless an entry at level contains msg.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	for _, e := range t.observed.All() {
		if e.Level == level && strings.Contains(e.Message, msg) {
			return
		}
	}
	tb.Errorf("expected %v log containing %q, got %d entries: %v", level, msg, t.observed.Len(), messages(t.observed.All()))
}

// AssertNotLogged fails tb if an entry at level contains msg.
func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	for _, e := range t.observed.All() {
		if e.Level == level && strings.Contains(e.Message, msg) {
			tb.Errorf("unexpected %v log containing %q", level, msg)
		}
	}
}

// AssertField fails tb unless an entry containing msg carries key=want.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, want any) {
	tb.Helper()
	for _, e := range t.observed.FilterMessageSnippet(msg).All() {
		got, ok := e.ContextMap()[key]
		if ok && reflect.DeepEqual(got, want) {
			return
		}
	}
	tb.Errorf("field %s=%v not found on %q", key, want, msg)
}

func messages(entries []observer.LoggedEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}
