// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the typed failures returned by the grant engine.
//
// Every failure carries a Type that the transport layer maps to a protocol
// response. Sentinel values such as ErrScopeExceeded match any *Error of the
// same Type through errors.Is, so callers can write
//
//	if errors.Is(err, grantErrors.ErrCodeAlreadyUsed) { ... }
//
// regardless of the message or cause attached at the failure site.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Type identifies a class of failure.
type Type string

// Error types
const (
	// TypeUnsupportedGrantType is returned for grant types missing from the policy table
	// or disabled by configuration.
	TypeUnsupportedGrantType Type = "unsupported_grant_type"

	// TypeInvalidGrantConstruction is returned when a grant is built with an identity
	// combination its type does not allow.
	TypeInvalidGrantConstruction Type = "invalid_grant_construction"

	// TypeUnsupportedOperation is returned for protocol-mandated refusals.
	TypeUnsupportedOperation Type = "unsupported_operation"

	// TypeScopeExceeded is returned when requested scopes exceed what was authorized.
	TypeScopeExceeded Type = "scope_exceeded"

	// TypeNotApplicable is returned when an operation does not apply to the grant's profile.
	TypeNotApplicable Type = "not_applicable"

	// TypeTokenGenerationFailure is returned when entropy or signing keys are unavailable.
	TypeTokenGenerationFailure Type = "token_generation_failure"

	// TypeDuplicateGrant is returned when a grant ID, code or token value already exists.
	TypeDuplicateGrant Type = "duplicate_grant"

	// TypeCodeAlreadyUsed is returned when an authorization code was already exchanged.
	TypeCodeAlreadyUsed Type = "code_already_used"

	// TypeCodeExpired is returned when an authorization code passed its deadline.
	TypeCodeExpired Type = "code_expired"

	// TypeCodeRevoked is returned when an authorization code was revoked before use.
	TypeCodeRevoked Type = "code_revoked"

	// TypeNotFound is returned when a grant, code, token, client or owner is unknown.
	TypeNotFound Type = "not_found"

	// TypeInvalidGrant is returned when a presented grant or credential is no longer usable.
	TypeInvalidGrant Type = "invalid_grant"

	// TypeUnauthorizedClient is returned when a client is not registered for a grant type.
	TypeUnauthorizedClient Type = "unauthorized_client"

	// TypeInvalidRequest is returned when a request is missing required parameters.
	TypeInvalidRequest Type = "invalid_request"

	// TypeRateLimited is returned when a client exceeds its issuance rate.
	TypeRateLimited Type = "rate_limited"
)

// Sentinels for use with errors.Is.
var (
	ErrUnsupportedGrantType     = &Error{Type: TypeUnsupportedGrantType}
	ErrInvalidGrantConstruction = &Error{Type: TypeInvalidGrantConstruction}
	ErrUnsupportedOperation     = &Error{Type: TypeUnsupportedOperation}
	ErrScopeExceeded            = &Error{Type: TypeScopeExceeded}
	ErrNotApplicable            = &Error{Type: TypeNotApplicable}
	ErrTokenGenerationFailure   = &Error{Type: TypeTokenGenerationFailure}
	ErrDuplicateGrant           = &Error{Type: TypeDuplicateGrant}
	ErrCodeAlreadyUsed          = &Error{Type: TypeCodeAlreadyUsed}
	ErrCodeExpired              = &Error{Type: TypeCodeExpired}
	ErrCodeRevoked              = &Error{Type: TypeCodeRevoked}
	ErrNotFound                 = &Error{Type: TypeNotFound}
	ErrInvalidGrant             = &Error{Type: TypeInvalidGrant}
	ErrUnauthorizedClient       = &Error{Type: TypeUnauthorizedClient}
	ErrInvalidRequest           = &Error{Type: TypeInvalidRequest}
	ErrRateLimited              = &Error{Type: TypeRateLimited}
)

// Error represents a typed engine failure
type Error struct {
	// Type is the error type
	Type Type

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	msg := string(e.Type)
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same Type.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Type == e.Type
}

// New creates a new error
func New(errorType Type, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// Newf creates a new error with a formatted message and no cause
func Newf(errorType Type, format string, args ...any) *Error {
	return New(errorType, fmt.Sprintf(format, args...), nil)
}

// TypeOf returns the Type of the first *Error in err's chain, or "" if there is none.
func TypeOf(err error) Type {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type
	}
	return ""
}

// IsFatal reports whether err must abort the current request without retry.
// Only token generation failures are request-fatal; every other type is an
// ordinary protocol outcome the caller handles.
func IsFatal(err error) bool {
	return TypeOf(err) == TypeTokenGenerationFailure
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return stderrors.Is(err, ErrNotFound)
}

// IsScopeExceeded checks if the error is a scope exceeded error
func IsScopeExceeded(err error) bool {
	return stderrors.Is(err, ErrScopeExceeded)
}

// IsUnsupportedOperation checks if the error is an unsupported operation error
func IsUnsupportedOperation(err error) bool {
	return stderrors.Is(err, ErrUnsupportedOperation)
}

// IsCodeTerminal checks if the error reports an authorization code that can no longer be exchanged
func IsCodeTerminal(err error) bool {
	return stderrors.Is(err, ErrCodeAlreadyUsed) ||
		stderrors.Is(err, ErrCodeExpired) ||
		stderrors.Is(err, ErrCodeRevoked)
}
