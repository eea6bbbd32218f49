// Copyright 2024 The ktllog Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package kerrors implements the log engine's error model: a small set
// of interpretable error kinds (one per failure mode the write
// pipeline and recovery engine can produce) plus a severity, so that
// callers can decide whether a failed operation is worth retrying.
// Errors can be chained with E, attributing one error to another.
package kerrors

import (
	"bytes"
	"errors"
	"fmt"
)

// Kind classifies the failure. Each Kind corresponds to one row of the
// error table.
type Kind int

const (
	// Other is an unclassified error.
	Other Kind = iota
	// VersionStale is returned when a write supplies a version lower
	// than the current version of the ASN entry it targets.
	VersionStale
	// LogFull is returned when a write (or a reservation increase)
	// would consume more space than the log has free.
	LogFull
	// ReserveTooSmall is returned when a write consumes more bytes
	// than the reservation the caller declared, or when a reservation
	// decrease exceeds what the stream currently holds.
	ReserveTooSmall
	// BufferOverflow is returned when a record exceeds configured
	// per-record size limits.
	BufferOverflow
	// DeviceConfigurationError is returned when the quota a write would
	// need exceeds the configured quota gate bound.
	DeviceConfigurationError
	// LogStructureFault is returned once the log has entered the
	// failed state: a physical write failed to start, a CRC failed to
	// validate during replay, or stream linkage was inconsistent.
	// It is sticky until the log is closed and reopened.
	LogStructureFault
	// DeletePending is returned for operations against a stream whose
	// state is Deleting.
	DeletePending
	// NotFound is returned when an ASN or stream lookup misses.
	NotFound

	maxKind
)

var kindStrings = map[Kind]string{
	Other:                    "unknown error",
	VersionStale:             "version stale",
	LogFull:                  "log full",
	ReserveTooSmall:          "reservation too small",
	BufferOverflow:           "buffer overflow",
	DeviceConfigurationError: "device configuration error",
	LogStructureFault:        "log structure fault",
	DeletePending:            "delete pending",
	NotFound:                 "not found",
}

// String returns a human-readable description of the kind.
func (k Kind) String() string {
	if s, ok := kindStrings[k]; ok {
		return s
	}
	return "unknown error"
}

// Severity tells a caller whether retrying an operation that failed
// with this error is worthwhile.
type Severity int

const (
	// Unknown is the default severity.
	Unknown Severity = 0
	// Temporary conditions may clear on their own, e.g. after a
	// truncation or checkpoint frees space; retrying later may help.
	Temporary Severity = -1
	// Fatal conditions will not clear without closing and reopening
	// the log (running recovery).
	Fatal Severity = 1
)

func (s Severity) String() string {
	switch s {
	case Temporary:
		return "temporary"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// defaultSeverity gives each Kind its natural severity when E is
// called without an explicit Severity argument.
var defaultSeverity = map[Kind]Severity{
	LogFull:           Temporary,
	ReserveTooSmall:   Temporary,
	LogStructureFault: Fatal,
}

// Error is the error type produced by this module. It is constructed
// with E, which interprets its arguments positionally by type.
type Error struct {
	Kind     Kind
	Severity Severity
	Message  string
	Err      error
}

// E constructs an *Error from its arguments. A Kind argument sets the
// error's kind; a Severity argument overrides the kind's default
// severity; string arguments are joined (space-separated) into the
// message; an error argument becomes the wrapped cause. At least one
// Kind or error argument is expected; E panics if called with no
// arguments.
func E(args ...interface{}) error {
	if len(args) == 0 {
		panic("kerrors.E: no arguments")
	}
	e := &Error{}
	haveSeverity := false
	var msg bytes.Buffer
	for _, arg := range args {
		switch v := arg.(type) {
		case Kind:
			e.Kind = v
		case Severity:
			e.Severity = v
			haveSeverity = true
		case string:
			if msg.Len() > 0 {
				msg.WriteByte(' ')
			}
			msg.WriteString(v)
		case *Error:
			cp := *v
			e.Err = &cp
		case error:
			e.Err = v
		default:
			return &Error{Kind: Other, Message: fmt.Sprintf("kerrors.E: bad argument type %T", arg)}
		}
	}
	e.Message = msg.String()
	if !haveSeverity {
		if sev, ok := defaultSeverity[e.Kind]; ok {
			e.Severity = sev
		}
	}
	return e
}

// Error implements error.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b bytes.Buffer
	if e.Message != "" {
		b.WriteString(e.Message)
	}
	if e.Kind != Other {
		pad(&b)
		b.WriteString(e.Kind.String())
	}
	if e.Severity != Unknown {
		pad(&b)
		b.WriteByte('(')
		b.WriteString(e.Severity.String())
		b.WriteByte(')')
	}
	if e.Err != nil {
		pad(&b)
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func pad(b *bytes.Buffer) {
	if b.Len() == 0 {
		return
	}
	b.WriteString(": ")
}

// Unwrap lets errors.Is/errors.As traverse the chain.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether err's kind is k, recursing through the chain of
// wrapped *Error values.
func Is(k Kind, err error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Kind == k {
				return true
			}
			err = e.Err
			continue
		}
		return false
	}
	return false
}

// KindOf returns the Kind of err, or Other if err is not (or does not
// wrap) a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Other
}

// New is synonymous with errors.New.
func New(msg string) error { return errors.New(msg) }
