package types

import (
	"errors"
	"fmt"
)

// ErrorKind is the failure taxonomy surfaced to callers.
type ErrorKind string

const (
	KindNotFound              ErrorKind = "NotFound"
	KindIncompatibleHost      ErrorKind = "IncompatibleHost"
	KindParameterValidation   ErrorKind = "ParameterValidation"
	KindTemplateConfiguration ErrorKind = "TemplateConfiguration"
	KindHostConfiguration     ErrorKind = "HostConfiguration"
	KindUnreachable           ErrorKind = "Unreachable"
	KindAuthFailed            ErrorKind = "AuthFailed"
	KindElevationFailed       ErrorKind = "ElevationFailed"
	KindTimeout               ErrorKind = "Timeout"
	KindRemoteNonZeroExit     ErrorKind = "RemoteNonZeroExit"
)

// Phase distinguishes connection-phase from command-phase timeouts.
type Phase string

const (
	PhaseConnect Phase = "connect"
	PhaseCommand Phase = "command"
)

// Error is a structured, reportable failure. Messages never contain secrets.
type Error struct {
	Kind    ErrorKind
	Phase   Phase  // set for KindTimeout
	Param   string // set for KindParameterValidation
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Phase != "" {
		msg += "(" + string(e.Phase) + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error of the given kind.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around err.
func Wrap(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// TimeoutError builds a Timeout error for the given phase.
func TimeoutError(phase Phase, format string, args ...interface{}) *Error {
	return &Error{Kind: KindTimeout, Phase: phase, Message: fmt.Sprintf(format, args...)}
}

// AsError extracts the structured error from err, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the ErrorKind carried by err, or "" if err is not structured.
func KindOf(err error) ErrorKind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return ""
}
