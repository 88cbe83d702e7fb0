package tele

import (
	"errors"
	"fmt"
)

// Error taxonomy. Auth and transport errors stay inside the state machine,
// only CommandError reaches Submit callers.

type AuthErrorKind uint8

const (
	AuthInvalidCredentials AuthErrorKind = iota + 1
	AuthUnreachable
)

func (k AuthErrorKind) String() string {
	switch k {
	case AuthInvalidCredentials:
		return "invalid-credentials"
	case AuthUnreachable:
		return "unreachable"
	}
	return "unknown"
}

type AuthError struct {
	Kind  AuthErrorKind
	Cause error
}

func (e *AuthError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("auth %s", e.Kind)
	}
	return fmt.Sprintf("auth %s: %v", e.Kind, e.Cause)
}
func (e *AuthError) Unwrap() error { return e.Cause }

func NewAuthError(kind AuthErrorKind, cause error) *AuthError {
	return &AuthError{Kind: kind, Cause: cause}
}

// IsAuthInvalid reports credential rejection, the only non-retryable auth failure.
func IsAuthInvalid(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae) && ae.Kind == AuthInvalidCredentials
}

func IsAuthUnreachable(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae) && ae.Kind == AuthUnreachable
}

type TransportErrorKind uint8

const (
	TransportUnauthorized TransportErrorKind = iota + 1
	TransportProtocolViolation
	TransportTimeout
	TransportConnectionLost
)

func (k TransportErrorKind) String() string {
	switch k {
	case TransportUnauthorized:
		return "unauthorized"
	case TransportProtocolViolation:
		return "protocol-violation"
	case TransportTimeout:
		return "timeout"
	case TransportConnectionLost:
		return "connection-lost"
	}
	return "unknown"
}

type TransportError struct {
	Kind  TransportErrorKind
	Cause error
}

func (e *TransportError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("transport %s", e.Kind)
	}
	return fmt.Sprintf("transport %s: %v", e.Kind, e.Cause)
}
func (e *TransportError) Unwrap() error { return e.Cause }

func NewTransportError(kind TransportErrorKind, cause error) *TransportError {
	return &TransportError{Kind: kind, Cause: cause}
}

func IsUnauthorized(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Kind == TransportUnauthorized
}

func IsProtocolViolation(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Kind == TransportProtocolViolation
}

func IsConnectionLost(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Kind == TransportConnectionLost
}

type CommandErrorKind uint8

const (
	CommandTimeout CommandErrorKind = iota + 1
	CommandRejected
	CommandCancelled
)

func (k CommandErrorKind) String() string {
	switch k {
	case CommandTimeout:
		return "timeout"
	case CommandRejected:
		return "rejected"
	case CommandCancelled:
		return "cancelled"
	}
	return "unknown"
}

type CommandError struct {
	Kind     CommandErrorKind
	DeviceID string
	Seq      uint64
	Reason   string
}

func (e *CommandError) Error() string {
	s := fmt.Sprintf("command %s device=%s seq=%d", e.Kind, e.DeviceID, e.Seq)
	if e.Reason != "" {
		s += " reason=" + e.Reason
	}
	return s
}

func NewCommandError(kind CommandErrorKind, deviceID string, seq uint64, reason string) *CommandError {
	return &CommandError{Kind: kind, DeviceID: deviceID, Seq: seq, Reason: reason}
}

func IsCommandTimeout(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce) && ce.Kind == CommandTimeout
}

func IsCommandRejected(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce) && ce.Kind == CommandRejected
}

func IsCommandCancelled(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce) && ce.Kind == CommandCancelled
}
