/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package contracts

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind is the stable, client-visible error category. The set is closed:
// handlers must not surface any kind outside of it.
type ErrorKind string

const (
	// ErrValidation indicates malformed or out-of-range arguments
	ErrValidation ErrorKind = "validation"
	// ErrNotFound indicates a missing VM, snapshot, medium, session or job
	ErrNotFound ErrorKind = "not_found"
	// ErrAlreadyExists indicates a name collision
	ErrAlreadyExists ErrorKind = "already_exists"
	// ErrInvalidState indicates the operation is illegal in the current VM state
	ErrInvalidState ErrorKind = "invalid_state"
	// ErrBusy indicates VirtualBox holds a conflicting session lock (retriable)
	ErrBusy ErrorKind = "busy"
	// ErrPermissionDenied indicates a host permission failure
	ErrPermissionDenied ErrorKind = "permission_denied"
	// ErrTimeout indicates a deadline elapsed
	ErrTimeout ErrorKind = "timeout"
	// ErrCancelled indicates the caller cancelled the operation
	ErrCancelled ErrorKind = "cancelled"
	// ErrHostError indicates a host OS resource failure
	ErrHostError ErrorKind = "host_error"
	// ErrPoolExhausted indicates no connection slot became available in time
	ErrPoolExhausted ErrorKind = "pool_exhausted"
	// ErrConfig indicates unusable configuration (e.g. missing VBoxManage binary)
	ErrConfig ErrorKind = "config_error"
	// ErrUnparseable indicates VBoxManage output the adapter could not parse
	ErrUnparseable ErrorKind = "unparseable"
	// ErrInternal indicates an unexpected server-side failure
	ErrInternal ErrorKind = "internal"
)

// Error is a categorized error carried from the adapter and handlers up to the
// dispatcher, which maps it into the response envelope.
type Error struct {
	// Kind categorizes the error
	Kind ErrorKind
	// Message describes the error
	Message string
	// Cause contains the underlying error
	Cause error
	// Details carries structured context added by handlers (action, VM, field)
	Details map[string]any
	// Retryable indicates if the operation may be retried
	Retryable bool
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsRetryable returns true if the error is retryable
func (e *Error) IsRetryable() bool {
	return e.Retryable || e.Kind == ErrBusy
}

// WithDetail attaches a structured detail and returns the error for chaining.
// Handlers use it to add context without changing the kind.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates an error with the given kind
func New(kind ErrorKind, format string, args ...any) *Error {
	return &Error{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Retryable: kind == ErrBusy,
	}
}

// Wrap creates an error with the given kind and underlying cause
func Wrap(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Cause:     cause,
		Retryable: kind == ErrBusy,
	}
}

// KindOf extracts the kind from an error chain. Unrecognized errors map to
// ErrInternal; context deadline and cancellation map to their own kinds so
// callers never have to special-case them.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return ErrCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	}
	return ErrInternal
}

// AsError extracts a *Error from the chain, or wraps err with the kind KindOf
// assigns it.
func AsError(err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Wrap(ErrCancelled, err, "operation cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(ErrTimeout, err, "operation timed out")
	}
	return Wrap(ErrInternal, err, "unexpected error")
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}
