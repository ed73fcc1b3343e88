// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"errors"
	"fmt"
)

// Sentinel errors for oracle failures.
var (
	// ErrTransport indicates the backend could not be reached or answered
	// with an error status.
	ErrTransport = errors.New("oracle transport failure")

	// ErrBadEnvelope indicates the backend answered but its response could
	// not be decoded, or held no usable text.
	ErrBadEnvelope = errors.New("oracle response envelope invalid")

	// ErrUnknownBackend indicates a backend name with no implementation.
	ErrUnknownBackend = errors.New("unknown oracle backend")
)

// OracleErrorKind classifies an OracleError.
type OracleErrorKind int

const (
	OracleTransport OracleErrorKind = iota
	OracleBadEnvelope
)

// String returns the kind name.
func (k OracleErrorKind) String() string {
	if k == OracleBadEnvelope {
		return "BadEnvelope"
	}
	return "Transport"
}

func (k OracleErrorKind) sentinel() error {
	if k == OracleBadEnvelope {
		return ErrBadEnvelope
	}
	return ErrTransport
}

// OracleError is a failed oracle call.
//
// It matches errors.Is against ErrTransport or ErrBadEnvelope by Kind and
// unwraps to the underlying cause.
type OracleError struct {
	Kind       OracleErrorKind
	Backend    string
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *OracleError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Backend, e.Kind.sentinel())
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is reports whether target is the sentinel for e.Kind.
func (e *OracleError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// Unwrap returns the underlying cause.
func (e *OracleError) Unwrap() error {
	return e.Err
}

func transportError(backend string, status int, err error) *OracleError {
	return &OracleError{Kind: OracleTransport, Backend: backend, StatusCode: status, Err: err}
}

func envelopeError(backend string, err error) *OracleError {
	return &OracleError{Kind: OracleBadEnvelope, Backend: backend, Err: err}
}
