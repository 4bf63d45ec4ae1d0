// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrKind classifies the failure modes the core distinguishes (spec §7).
type ErrKind int

const (
	ErrUnknown ErrKind = iota
	ErrNotAnArchive
	ErrUnsupportedVersion
	ErrCorrupt
	ErrNotFound
	ErrAlreadyExists
	ErrUnknownKey
	ErrChecksumMismatch
	ErrNoSpace
	ErrReadOnly
	ErrAccessDenied
	ErrInvalidArgument
	ErrIO
	ErrOutOfMemory
	ErrUnsupportedCodec
)

func (k ErrKind) String() string {
	switch k {
	case ErrNotAnArchive:
		return "NotAnArchive"
	case ErrUnsupportedVersion:
		return "UnsupportedVersion"
	case ErrCorrupt:
		return "Corrupt"
	case ErrNotFound:
		return "NotFound"
	case ErrAlreadyExists:
		return "AlreadyExists"
	case ErrUnknownKey:
		return "UnknownKey"
	case ErrChecksumMismatch:
		return "ChecksumMismatch"
	case ErrNoSpace:
		return "NoSpace"
	case ErrReadOnly:
		return "ReadOnly"
	case ErrAccessDenied:
		return "AccessDenied"
	case ErrInvalidArgument:
		return "InvalidArgument"
	case ErrIO:
		return "IoError"
	case ErrOutOfMemory:
		return "OutOfMemory"
	case ErrUnsupportedCodec:
		return "UnsupportedCodec"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned by every exported operation.
// Op names the failing operation ("Open", "AddFile", ...); Err, when
// present, is the wrapped underlying cause (carrying a stack trace when it
// originates at a Stream boundary, via github.com/pkg/errors).
type Error struct {
	Kind ErrKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mpq: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("mpq: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// newErr builds an *Error, attaching a stack trace to non-nil causes that
// don't already carry one so the original Stream call site stays visible.
func newErr(kind ErrKind, op string, cause error) error {
	if cause == nil {
		return &Error{Kind: kind, Op: op}
	}
	return &Error{Kind: kind, Op: op, Err: errors.WithStack(cause)}
}

// Kind extracts the ErrKind from err, or ErrUnknown if err isn't (or doesn't
// wrap) an *Error.
func Kind(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrUnknown
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrKind) bool {
	return Kind(err) == kind
}
