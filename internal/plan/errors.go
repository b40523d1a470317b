package plan

import (
	"errors"
	"fmt"
	"strings"
)

// Code classifies an error in the plan lifecycle. Codes are stable strings
// persisted as failure reasons and exposed over the API.
type Code string

// Error codes.
const (
	CodeValidation           Code = "ValidationError"
	CodeAnalysisUnavailable  Code = "AnalysisUnavailable"
	CodeNotPending           Code = "NotPending"
	CodeMissingJustification Code = "MissingJustification"
	CodePathEscape           Code = "PathEscape"
	CodeStepApplication      Code = "StepApplicationError"
	CodeValidationTimeout    Code = "ValidationTimeout"
	CodeTestFailure          Code = "TestFailure"
	CodeMaxRetriesExceeded   Code = "MaxRetriesExceeded"
	CodeDistillationPending  Code = "DistillationPending"
	CodeCancelled            Code = "Cancelled"
	CodeNotFound             Code = "NotFound"
	CodeConflict             Code = "Conflict"
	CodeUnauthenticated      Code = "Unauthenticated"
	CodeNotCancellable       Code = "NotCancellable"
	CodeInternal             Code = "Internal"
)

// Error is a coded lifecycle error. Two Errors match under errors.Is when
// their codes are equal, so the sentinels below work as match targets.
type Error struct {
	Code       Code
	Op         string
	Message    string
	Violations []string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Code))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Violations) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(e.Violations, "; "))
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is matching.
var (
	ErrValidation           = &Error{Code: CodeValidation}
	ErrAnalysisUnavailable  = &Error{Code: CodeAnalysisUnavailable}
	ErrNotPending           = &Error{Code: CodeNotPending}
	ErrMissingJustification = &Error{Code: CodeMissingJustification}
	ErrPathEscape           = &Error{Code: CodePathEscape}
	ErrStepApplication      = &Error{Code: CodeStepApplication}
	ErrValidationTimeout    = &Error{Code: CodeValidationTimeout}
	ErrTestFailure          = &Error{Code: CodeTestFailure}
	ErrMaxRetriesExceeded   = &Error{Code: CodeMaxRetriesExceeded}
	ErrDistillationPending  = &Error{Code: CodeDistillationPending}
	ErrCancelled            = &Error{Code: CodeCancelled}
	ErrNotFound             = &Error{Code: CodeNotFound}
	ErrConflict             = &Error{Code: CodeConflict}
	ErrUnauthenticated      = &Error{Code: CodeUnauthenticated}
	ErrNotCancellable       = &Error{Code: CodeNotCancellable}
)

// Errorf builds a coded error with a formatted message.
func Errorf(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to err. A nil err yields nil.
func Wrap(code Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Err: err}
}

// CodeOf extracts the code from err, returning CodeInternal for uncoded
// errors and "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeInternal
}
