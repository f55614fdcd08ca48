// Package faults defines the stable error codes callers dispatch on.
package faults

import (
	"errors"
	"fmt"
)

// Code identifies a failure class. Codes are stable strings, not Go types,
// so they survive serialization into events and messages.
type Code string

const (
	ValidationFailed      Code = "validation_failed"
	DependencyMissing     Code = "dependency_missing"
	PolicyBlocked         Code = "policy_blocked"
	ExternalCommandFailed Code = "external_command_failed"
	IOFailed              Code = "io_failed"
	UnexpectedState       Code = "unexpected_state"
	ClaimConflict         Code = "claim_conflict"
)

// Fault carries a code alongside a normal error chain.
type Fault struct {
	Code Code
	Msg  string
	Err  error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Msg, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Msg)
}

func (f *Fault) Unwrap() error { return f.Err }

func New(code Code, format string, args ...any) error {
	return &Fault{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, format string, args ...any) error {
	return &Fault{Code: code, Msg: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the code of the outermost Fault in err's chain, or ""
// when err carries no code.
func CodeOf(err error) Code {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
