package run

import (
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"strings"
	"unicode/utf8"

	pkgerrors "github.com/pkg/errors"
)

const maxBacktraceLen = 16 * 1024

// classifier lets an error choose the class recorded on the run.
type classifier interface {
	ErrorClass() string
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Value any
	Stack []byte
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", p.Value)
}

func NewPanicError(value any) *PanicError {
	return &PanicError{Value: value, Stack: debug.Stack()}
}

// CaptureFailure converts err into the persisted error payload.
func CaptureFailure(err error) Failure {
	if err == nil {
		return Failure{}
	}
	return Failure{
		Class:     errorClass(err),
		Message:   err.Error(),
		Backtrace: truncate(backtrace(err), maxBacktraceLen),
	}
}

func errorClass(err error) string {
	var p *PanicError
	if errors.As(err, &p) {
		return "panic"
	}
	var c classifier
	if errors.As(err, &c) {
		return c.ErrorClass()
	}
	// The innermost domain error names the failure better than its wrappers.
	class := "error"
	for e := err; e != nil; e = errors.Unwrap(e) {
		t := reflect.TypeOf(e)
		if t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		switch t.PkgPath() {
		case "errors", "fmt", "github.com/pkg/errors":
			continue
		}
		class = t.String()
	}
	return class
}

func backtrace(err error) string {
	var p *PanicError
	if errors.As(err, &p) && len(p.Stack) > 0 {
		return string(p.Stack)
	}
	var st stackTracer
	if errors.As(err, &st) {
		return strings.TrimSpace(fmt.Sprintf("%+v", st.StackTrace()))
	}
	var chain []string
	for e := err; e != nil; e = errors.Unwrap(e) {
		chain = append(chain, e.Error())
	}
	return strings.Join(chain, "\n")
}

func truncate(value string, maxLen int) string {
	if maxLen <= 0 || len(value) <= maxLen {
		return value
	}
	for maxLen > 0 && !utf8.RuneStart(value[maxLen]) {
		maxLen--
	}
	return value[:maxLen]
}
