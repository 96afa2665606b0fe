// Package apperr defines the coded error type shared by the registry,
// the session manager and the HTTP surfaces. Every code carries a stable
// tag, an HTTP status, a default public message and a retry hint.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
)

// Code is the stable taxonomy tag reported to clients.
type Code string

const (
	CodeInternal           Code = "internal"
	CodeValidation         Code = "validation_error"
	CodeNotFound           Code = "not_found"
	CodeLogsUnavailable    Code = "logs_unavailable"
	CodeConflict           Code = "conflict"
	CodeBackendUnavailable Code = "backend_unavailable"
	CodeBackendFailure     Code = "backend_failure"
	CodePersistence        Code = "persistence_error"
)

// Attributes describe the default behaviour of a code.
type Attributes struct {
	Message    string
	HTTPStatus int
	Retryable  bool
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeInternal:           {Message: "internal error", HTTPStatus: http.StatusInternalServerError},
		CodeValidation:         {Message: "invalid request", HTTPStatus: http.StatusBadRequest},
		CodeNotFound:           {Message: "not found", HTTPStatus: http.StatusNotFound},
		CodeLogsUnavailable:    {Message: "logs are no longer available", HTTPStatus: http.StatusNotFound},
		CodeConflict:           {Message: "conflict", HTTPStatus: http.StatusConflict},
		CodeBackendUnavailable: {Message: "job backend unavailable", HTTPStatus: http.StatusGatewayTimeout, Retryable: true},
		CodeBackendFailure:     {Message: "job backend rejected the request", HTTPStatus: http.StatusBadGateway},
		CodePersistence:        {Message: "persistence failure", HTTPStatus: http.StatusInternalServerError, Retryable: true},
	}
)

// Register adds or replaces the attributes for a code.
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf returns the attributes for code, falling back to CodeInternal.
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeInternal]
}

// Error is a coded error. The message is safe to show to callers; the
// cause is kept for logs and errors.Is/As chains only.
type Error struct {
	code      Code
	message   string
	cause     error
	retryable *bool
}

// Option customises an Error.
type Option func(*Error)

// WithRetryable overrides the retry hint of the code.
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.retryable = &retryable }
}

// New creates an Error. An empty message uses the code's default.
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Newf is New with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates an Error around cause.
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches another *Error with the same code, so sentinel values such as
// ErrNotFound work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.code == t.code
}

// Code returns the taxonomy tag.
func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

// Message returns the public message.
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Retryable reports whether the operation may succeed when repeated.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

// HTTPStatus returns the status code the HTTP layer should answer with.
func (e *Error) HTTPStatus() int {
	return AttributesOf(e.Code()).HTTPStatus
}

// Sentinels for errors.Is checks.
var (
	ErrValidation         = New(CodeValidation, "")
	ErrNotFound           = New(CodeNotFound, "")
	ErrLogsUnavailable    = New(CodeLogsUnavailable, "")
	ErrConflict           = New(CodeConflict, "")
	ErrBackendUnavailable = New(CodeBackendUnavailable, "")
	ErrBackendFailure     = New(CodeBackendFailure, "")
	ErrPersistence        = New(CodePersistence, "")
)

// From extracts the first *Error in err's chain.
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf returns the code of err, or CodeInternal for uncoded errors.
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeInternal
}

// IsCode reports whether err carries code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Retryable reports whether err is a retryable coded error.
func Retryable(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// Public returns the code, HTTP status and caller-safe message for err.
// Uncoded errors collapse to CodeInternal with its default message so
// backend text never reaches the client.
func Public(err error) (Code, int, string) {
	if e, ok := From(err); ok {
		return e.Code(), e.HTTPStatus(), e.Message()
	}
	attr := AttributesOf(CodeInternal)
	return CodeInternal, attr.HTTPStatus, attr.Message
}
