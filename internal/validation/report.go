package validation

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jstemmer/go-junit-report/v2/gtr"
	"github.com/jstemmer/go-junit-report/v2/junit"
	"github.com/jstemmer/go-junit-report/v2/parser/gotest"
)

// Report formats.
const (
	FormatGoTestJSON = "go-test-json"
	FormatJUnit      = "junit"
)

// Failure is one failing or erroring test case.
type Failure struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// Outcome summarizes a parsed report.
type Outcome struct {
	Tests    int       `json:"tests"`
	Failures []Failure `json:"failures,omitempty"`
	Skipped  int       `json:"skipped"`
}

// Passed reports whether no case failed.
func (o Outcome) Passed() bool { return len(o.Failures) == 0 }

func (o Outcome) String() string {
	return fmt.Sprintf("%d tests, %d failed, %d skipped", o.Tests, len(o.Failures), o.Skipped)
}

// maxMessageLines bounds how much test output becomes a failure message.
const maxMessageLines = 5

// ParseGoTestJSON reads a `go test -json` event stream. Lines that are not
// JSON events, such as build output, are kept as package output.
func ParseGoTestJSON(r io.Reader) (Outcome, error) {
	report, err := gotest.NewJSONParser().Parse(r)
	if err != nil {
		return Outcome{}, fmt.Errorf("parse go test events: %w", err)
	}
	return fromReport(report), nil
}

func fromReport(report gtr.Report) Outcome {
	var o Outcome
	for _, pkg := range report.Packages {
		if pkg.BuildError.Name != "" {
			o.Failures = append(o.Failures, Failure{
				Name:    pkg.BuildError.Name,
				Message: "build failed: " + firstLines(pkg.BuildError.Output, pkg.BuildError.Cause),
			})
		}
		if pkg.RunError.Name != "" {
			o.Failures = append(o.Failures, Failure{
				Name:    pkg.RunError.Name,
				Message: firstLines(pkg.RunError.Output, pkg.RunError.Cause),
			})
		}
		for _, t := range pkg.Tests {
			o.Tests++
			switch t.Result {
			case gtr.Skip:
				o.Skipped++
			case gtr.Fail, gtr.Unknown:
				o.Failures = append(o.Failures, Failure{
					Name:    qualified(pkg.Name, t.Name),
					Message: firstLines(t.Output, t.Result.String()),
				})
			}
		}
	}
	return o
}

// ParseJUnit reads a JUnit XML report whose root is either <testsuites> or a
// single <testsuite>.
func ParseJUnit(data []byte) (Outcome, error) {
	root, err := rootElement(data)
	if err != nil {
		return Outcome{}, err
	}
	var suites junit.Testsuites
	switch root {
	case "testsuites":
		if err := xml.Unmarshal(data, &suites); err != nil {
			return Outcome{}, fmt.Errorf("parse junit report: %w", err)
		}
	case "testsuite":
		var s junit.Testsuite
		if err := xml.Unmarshal(data, &s); err != nil {
			return Outcome{}, fmt.Errorf("parse junit report: %w", err)
		}
		suites.Suites = []junit.Testsuite{s}
	default:
		return Outcome{}, fmt.Errorf("junit report has unexpected root <%s>", root)
	}

	var o Outcome
	for _, s := range suites.Suites {
		for _, tc := range s.Testcases {
			o.Tests++
			switch {
			case tc.Failure != nil:
				o.Failures = append(o.Failures, Failure{Name: caseName(s, tc), Message: resultMessage(tc.Failure)})
			case tc.Error != nil:
				o.Failures = append(o.Failures, Failure{Name: caseName(s, tc), Message: resultMessage(tc.Error)})
			case tc.Skipped != nil:
				o.Skipped++
			}
		}
	}
	return o, nil
}

func rootElement(data []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", errors.New("junit report is empty")
			}
			return "", fmt.Errorf("parse junit report: %w", err)
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se.Name.Local, nil
		}
	}
}

func caseName(s junit.Testsuite, tc junit.Testcase) string {
	class := tc.Classname
	if class == "" {
		class = s.Name
	}
	return qualified(class, tc.Name)
}

func resultMessage(r *junit.Result) string {
	if msg := strings.TrimSpace(r.Message); msg != "" {
		return msg
	}
	return firstLines(strings.Split(r.Data, "\n"), r.Type)
}

func qualified(pkg, name string) string {
	if pkg == "" {
		return name
	}
	return pkg + "." + name
}

// firstLines joins the first few non-blank lines of out, or returns def.
func firstLines(out []string, def string) string {
	var kept []string
	for _, l := range out {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		kept = append(kept, l)
		if len(kept) == maxMessageLines {
			break
		}
	}
	if len(kept) == 0 {
		return def
	}
	return strings.Join(kept, " | ")
}
