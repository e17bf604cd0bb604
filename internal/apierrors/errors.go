// Package apierrors implements the error-kind/code/HTTP-status model of
// spec.md §7, generalizing the teacher's commands.ComplexError (a single
// hardcoded MustStopContainer code) into the full kind enumeration.
package apierrors

import (
	"errors"
	"fmt"
	"net/http"

	goerrors "github.com/go-errors/errors"
	"golang.org/x/xerrors"
)

// Code enumerates the error kinds of spec.md §7.
type Code string

const (
	ValidationFailed   Code = "VALIDATION_FAILED"
	InvalidCommand     Code = "INVALID_COMMAND"
	InvalidPort        Code = "INVALID_PORT"
	InvalidProxyURL    Code = "INVALID_PROXY_URL"
	PortAlreadyExposed Code = "PORT_ALREADY_EXPOSED"
	PortNotExposed     Code = "PORT_NOT_EXPOSED"
	ResourceNotFound   Code = "RESOURCE_NOT_FOUND"
	SessionTerminated  Code = "SESSION_TERMINATED"
	NotInitialized     Code = "NOT_INITIALIZED"
	Timeout            Code = "TIMEOUT"
	ProcessStartError  Code = "PROCESS_START_ERROR"
	FilesystemError    Code = "FILESYSTEM_ERROR"
	FileNotFound       Code = "FILE_NOT_FOUND"
	GitInvalidRef      Code = "GIT_INVALID_REF"
	RepoNotFound       Code = "REPO_NOT_FOUND"
	GitOperationFailed Code = "GIT_OPERATION_FAILED"
	InterpreterNotReady Code = "INTERPRETER_NOT_READY"
	PoolExhausted      Code = "POOL_EXHAUSTED"
	CircuitOpen        Code = "CIRCUIT_OPEN"
	UpstreamUnreachable Code = "UPSTREAM_UNREACHABLE"
	Unknown            Code = "UNKNOWN"
)

// statusTable is the Code→HTTP status mapping of spec.md §6/§7.
var statusTable = map[Code]int{
	ValidationFailed:    http.StatusBadRequest,
	InvalidCommand:      http.StatusBadRequest,
	InvalidPort:         http.StatusBadRequest,
	InvalidProxyURL:     http.StatusInternalServerError,
	PortAlreadyExposed:  http.StatusConflict,
	PortNotExposed:      http.StatusNotFound,
	ResourceNotFound:    http.StatusNotFound,
	SessionTerminated:   http.StatusInternalServerError,
	NotInitialized:      http.StatusInternalServerError,
	Timeout:             http.StatusGatewayTimeout,
	ProcessStartError:   http.StatusInternalServerError,
	FilesystemError:     http.StatusInternalServerError,
	FileNotFound:        http.StatusNotFound,
	GitInvalidRef:       http.StatusBadRequest,
	RepoNotFound:        http.StatusNotFound,
	GitOperationFailed:  http.StatusInternalServerError,
	InterpreterNotReady: http.StatusServiceUnavailable,
	PoolExhausted:       http.StatusServiceUnavailable,
	CircuitOpen:         http.StatusServiceUnavailable,
	UpstreamUnreachable: http.StatusBadGateway,
	Unknown:             http.StatusInternalServerError,
}

// Error is the discriminated success-or-error result core components
// return, carrying a frame the way the teacher's ComplexError does via
// xerrors.Frame, so a top-level log line can print a stack trace.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	frame   xerrors.Frame
}

// New builds an Error, capturing the caller's frame.
func New(code Code, message string, details map[string]any) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Details: details,
		frame:   xerrors.Caller(1),
	}
}

// FormatError implements xerrors.Formatter, matching ComplexError's shape.
func (e *Error) FormatError(p xerrors.Printer) error {
	p.Printf("%s: %s", e.Code, e.Message)
	e.frame.Format(p)
	return nil
}

// Format implements fmt.Formatter via xerrors.FormatError.
func (e *Error) Format(f fmt.State, c rune) {
	xerrors.FormatError(e, f, c)
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Status maps the Error's Code to an HTTP status per spec.md §6/§7.
func (e *Error) Status() int {
	if s, ok := statusTable[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Is lets errors.Is(err, apierrors.New(code, "", nil)) match by Code.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == other.Code
}

// As extracts an *Error from err, unwrapping go-errors wraps along the way.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// Wrap stack-wraps a plain error at a component boundary, the same thing
// the teacher's commands.WrapError does before letting an error bubble to
// a top-level log line. If err is already an *Error it passes through
// unchanged, to avoid double-wrapping a result that's already
// discriminated.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := As(err); ok {
		return err
	}
	return goerrors.Wrap(err, 1)
}

// CodeOf extracts the Code from err, falling back to Unknown.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return Unknown
}
