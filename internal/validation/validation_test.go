package validation

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/fixplan/internal/logging"
	"github.com/fyrsmithlabs/fixplan/internal/plan"
	"github.com/fyrsmithlabs/fixplan/internal/sandbox"
)

const passingEvents = `{"Action":"start","Package":"example.com/app"}
{"Action":"run","Package":"example.com/app","Test":"TestPool"}
{"Action":"output","Package":"example.com/app","Test":"TestPool","Output":"=== RUN   TestPool\n"}
{"Action":"output","Package":"example.com/app","Test":"TestPool","Output":"--- PASS: TestPool (0.00s)\n"}
{"Action":"pass","Package":"example.com/app","Test":"TestPool","Elapsed":0}
{"Action":"run","Package":"example.com/app","Test":"TestTimeout"}
{"Action":"output","Package":"example.com/app","Test":"TestTimeout","Output":"=== RUN   TestTimeout\n"}
{"Action":"output","Package":"example.com/app","Test":"TestTimeout","Output":"--- PASS: TestTimeout (0.00s)\n"}
{"Action":"pass","Package":"example.com/app","Test":"TestTimeout","Elapsed":0}
{"Action":"output","Package":"example.com/app","Output":"PASS\n"}
{"Action":"output","Package":"example.com/app","Output":"ok  \texample.com/app\t0.012s\n"}
{"Action":"pass","Package":"example.com/app","Elapsed":0.012}
`

const failingEvents = `{"Action":"start","Package":"example.com/app"}
{"Action":"run","Package":"example.com/app","Test":"TestPool"}
{"Action":"output","Package":"example.com/app","Test":"TestPool","Output":"=== RUN   TestPool\n"}
{"Action":"output","Package":"example.com/app","Test":"TestPool","Output":"    pool_test.go:12: pool size = 10, want 50\n"}
{"Action":"output","Package":"example.com/app","Test":"TestPool","Output":"--- FAIL: TestPool (0.00s)\n"}
{"Action":"fail","Package":"example.com/app","Test":"TestPool","Elapsed":0}
{"Action":"run","Package":"example.com/app","Test":"TestTimeout"}
{"Action":"output","Package":"example.com/app","Test":"TestTimeout","Output":"=== RUN   TestTimeout\n"}
{"Action":"output","Package":"example.com/app","Test":"TestTimeout","Output":"--- PASS: TestTimeout (0.00s)\n"}
{"Action":"pass","Package":"example.com/app","Test":"TestTimeout","Elapsed":0}
{"Action":"output","Package":"example.com/app","Output":"FAIL\n"}
{"Action":"output","Package":"example.com/app","Output":"FAIL\texample.com/app\t0.012s\n"}
{"Action":"fail","Package":"example.com/app","Elapsed":0.012}
`

const junitReport = `<?xml version="1.0" encoding="UTF-8"?>
<testsuites>
  <testsuite name="api" tests="3" failures="1" errors="1" id="0" time="0.3">
    <testcase name="test_health" classname="api.health" time="0.1"></testcase>
    <testcase name="test_pool" classname="api.pool" time="0.1">
      <failure message="expected 50 got 10" type="AssertionError">trace</failure>
    </testcase>
    <testcase name="test_db" classname="api.db" time="0.1">
      <error type="ConnectionError"><![CDATA[connection refused
at db.py:3]]></error>
    </testcase>
  </testsuite>
</testsuites>
`

type fakeRunner struct {
	out   string
	code  int
	err   error
	calls int
	argv  []string
	env   []string
}

func (f *fakeRunner) Run(_ context.Context, _ string, argv, env []string) ([]byte, int, error) {
	f.calls++
	f.argv, f.env = argv, env
	return []byte(f.out), f.code, f.err
}

type logSink struct{ lines []string }

func (s *logSink) hooks() sandbox.Hooks {
	return sandbox.Hooks{Log: func(_ context.Context, lines ...string) error {
		s.lines = append(s.lines, lines...)
		return nil
	}}
}

func (s *logSink) text() string { return strings.Join(s.lines, "\n") }

func workspace(t *testing.T) *sandbox.Workspace {
	return &sandbox.Workspace{PlanID: "p1", Dir: t.TempDir(), Branch: "fixplan/plan-p1"}
}

func goTestValidator(t *testing.T, r Runner, logger *logging.Logger) *Validator {
	t.Helper()
	v, err := New(Config{Command: []string{"go", "test", "-json", "./..."}, Timeout: time.Minute}, r, logger)
	require.NoError(t, err)
	return v
}

func TestValidatePasses(t *testing.T) {
	logger := logging.NewTestLogger()
	r := &fakeRunner{out: passingEvents}
	v := goTestValidator(t, r, logger.Logger)
	sink := &logSink{}

	out, err := v.Validate(context.Background(), workspace(t), sink.hooks())
	require.NoError(t, err)
	assert.Equal(t, 2, out.Tests)
	assert.True(t, out.Passed())
	assert.Contains(t, sink.text(), "validation: running go test -json ./...")
	assert.Contains(t, sink.text(), "validation: passed (2 tests, 0 failed, 0 skipped)")
	assert.Contains(t, r.env, "FIXPLAN_PLAN_ID=p1")
	logger.AssertField(t, "validation finished", "verdict", "passed")
}

func TestValidateReportsFailingTests(t *testing.T) {
	v := goTestValidator(t, &fakeRunner{out: failingEvents, code: 1}, nil)
	sink := &logSink{}

	out, err := v.Validate(context.Background(), workspace(t), sink.hooks())
	assert.ErrorIs(t, err, plan.ErrTestFailure)
	require.NotNil(t, out)
	require.Len(t, out.Failures, 1)
	assert.Contains(t, out.Failures[0].Name, "TestPool")
	assert.Contains(t, out.Failures[0].Message, "pool size = 10, want 50")
	assert.Contains(t, sink.text(), "validation: FAIL example.com/app.TestPool")
	assert.Contains(t, sink.text(), "validation: failed (2 tests, 1 failed, 0 skipped)")
}

func TestValidateNonZeroExitWithoutFailures(t *testing.T) {
	v := goTestValidator(t, &fakeRunner{out: "go: cannot find main module\n", code: 1}, nil)
	sink := &logSink{}

	_, err := v.Validate(context.Background(), workspace(t), sink.hooks())
	assert.ErrorIs(t, err, plan.ErrTestFailure)
	assert.Contains(t, sink.text(), "validation: command exited with status 1")
	assert.Contains(t, sink.text(), "validation: | go: cannot find main module")
}

func TestValidateJUnitReport(t *testing.T) {
	ws := workspace(t)
	require.NoError(t, os.MkdirAll(filepath.Join(ws.Dir, "reports"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws.Dir, "reports", "junit.xml"), []byte(junitReport), 0o644))

	v, err := New(Config{Command: []string{"pytest"}, Format: FormatJUnit, ReportPath: "reports/junit.xml"},
		&fakeRunner{code: 1}, nil)
	require.NoError(t, err)
	sink := &logSink{}

	out, err := v.Validate(context.Background(), ws, sink.hooks())
	assert.ErrorIs(t, err, plan.ErrTestFailure)
	require.NotNil(t, out)
	assert.Equal(t, 3, out.Tests)
	require.Len(t, out.Failures, 2)
	assert.Equal(t, Failure{Name: "api.pool.test_pool", Message: "expected 50 got 10"}, out.Failures[0])
	assert.Equal(t, "api.db.test_db", out.Failures[1].Name)
	assert.Equal(t, "connection refused | at db.py:3", out.Failures[1].Message)
	assert.Contains(t, sink.text(), "validation: FAIL api.pool.test_pool: expected 50 got 10")
}

func TestValidateMissingJUnitReport(t *testing.T) {
	v, err := New(Config{Command: []string{"pytest"}, Format: FormatJUnit, ReportPath: "junit.xml"},
		&fakeRunner{}, nil)
	require.NoError(t, err)
	_, err = v.Validate(context.Background(), workspace(t), sandbox.Hooks{})
	assert.ErrorIs(t, err, plan.ErrTestFailure)
}

func TestValidateTimeout(t *testing.T) {
	v, err := New(Config{Command: []string{"sleep", "10"}, Timeout: 200 * time.Millisecond}, CommandRunner{}, nil)
	require.NoError(t, err)
	sink := &logSink{}

	start := time.Now()
	_, err = v.Validate(context.Background(), workspace(t), sink.hooks())
	assert.ErrorIs(t, err, plan.ErrValidationTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Contains(t, sink.text(), "validation: timed out after 200ms")
}

func TestValidateChecksCancellationBetweenPhases(t *testing.T) {
	tests := []struct {
		name      string
		cancelAt  int
		wantCalls int
	}{
		{"before run", 1, 0},
		{"after run", 2, 1},
		{"after parse", 3, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRunner{out: passingEvents}
			v := goTestValidator(t, r, nil)
			checks := 0
			hooks := sandbox.Hooks{Cancelled: func(context.Context) (bool, error) {
				checks++
				return checks == tt.cancelAt, nil
			}}
			_, err := v.Validate(context.Background(), workspace(t), hooks)
			assert.ErrorIs(t, err, plan.ErrCancelled)
			assert.Equal(t, tt.wantCalls, r.calls)
		})
	}
}

func TestCommandRunnerExitCode(t *testing.T) {
	out, code, err := CommandRunner{}.Run(context.Background(), t.TempDir(), []string{"sh", "-c", "echo hi; exit 4"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, code)
	assert.Equal(t, "hi\n", string(out))

	out, _, err = CommandRunner{MaxOutput: 3}.Run(context.Background(), t.TempDir(), []string{"sh", "-c", "echo abcdef"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(out))
}

func TestCommandRunnerCapsLargeOutput(t *testing.T) {
	out, code, err := CommandRunner{MaxOutput: 1024}.Run(context.Background(), t.TempDir(),
		[]string{"sh", "-c", "head -c 5000000 /dev/zero"}, nil)
	require.NoError(t, err)
	assert.Zero(t, code)
	assert.Len(t, out, 1024)

	_, inherited := any(&cappedBuffer{}).(io.ReaderFrom)
	assert.False(t, inherited, "ReadFrom would skip the cap")
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{}, nil, nil)
	assert.Error(t, err)
	_, err = New(Config{Command: []string{"x"}, Format: FormatJUnit}, nil, nil)
	assert.Error(t, err)
	_, err = New(Config{Command: []string{"x"}, Format: "tap"}, nil, nil)
	assert.Error(t, err)
}

func TestParseJUnitSingleSuite(t *testing.T) {
	out, err := ParseJUnit([]byte(`<testsuite name="unit" tests="2"><testcase name="a"/><testcase name="b"><skipped/></testcase></testsuite>`))
	require.NoError(t, err)
	assert.Equal(t, 2, out.Tests)
	assert.Equal(t, 1, out.Skipped)
	assert.True(t, out.Passed())

	_, err = ParseJUnit([]byte(`<html></html>`))
	assert.Error(t, err)
	_, err = ParseJUnit(nil)
	assert.Error(t, err)
}

func TestValidateNoTestsRanFails(t *testing.T) {
	logger := logging.NewTestLogger()
	v := goTestValidator(t, &fakeRunner{out: "no test files\n"}, logger.Logger)
	sink := &logSink{}

	out, err := v.Validate(context.Background(), workspace(t), sink.hooks())
	assert.ErrorIs(t, err, plan.ErrTestFailure)
	require.NotNil(t, out)
	assert.Zero(t, out.Tests)
	assert.Contains(t, sink.text(), "validation: no tests ran")
	assert.Contains(t, sink.text(), "validation: failed (0 tests, 0 failed, 0 skipped)")
	logger.AssertField(t, "validation finished", "verdict", "failed")
}

func TestValidateAllowEmpty(t *testing.T) {
	v, err := New(Config{Command: []string{"make", "check"}, AllowEmpty: true}, &fakeRunner{out: "no test files\n"}, nil)
	require.NoError(t, err)

	out, err := v.Validate(context.Background(), workspace(t), sandbox.Hooks{})
	require.NoError(t, err)
	assert.Zero(t, out.Tests)
}

func TestLogsAtInfo(t *testing.T) {
	logger := logging.NewTestLogger()
	v := goTestValidator(t, &fakeRunner{out: failingEvents, code: 1}, logger.Logger)
	_, _ = v.Validate(context.Background(), workspace(t), sandbox.Hooks{})
	logger.AssertLogged(t, zapcore.InfoLevel, "validation finished")
	logger.AssertField(t, "validation finished", "verdict", "failed")
}
