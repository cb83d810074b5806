// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package regerr classifies registry errors into a closed set of kinds
// and flattens wrapped error chains into the per-cause detail strings
// that registry responses carry.
package regerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies one of the failure classes the registry can report.
type Kind int

const (
	// KindIndexInit indicates the registry root could not be created or
	// is not usable as a directory.
	KindIndexInit Kind = iota
	// KindBind indicates the listen address was unavailable even after
	// falling back to the originally requested address.
	KindBind
	// KindDecode indicates a malformed or truncated upload body.
	KindDecode
	// KindValidation indicates bad crate metadata: invalid name or
	// version, a bad dependency spec, or a duplicate/non-monotonic
	// version.
	KindValidation
	// KindPersist indicates an artifact or index write I/O error.
	KindPersist
	// KindInternalEncoding indicates the error chain itself could not
	// be serialized to the response format.
	KindInternalEncoding
)

func (k Kind) String() string {
	switch k {
	case KindIndexInit:
		return "index_init"
	case KindBind:
		return "bind"
	case KindDecode:
		return "decode"
	case KindValidation:
		return "validation"
	case KindPersist:
		return "persist"
	case KindInternalEncoding:
		return "internal_encoding"
	default:
		return "unknown"
	}
}

// Error is an error with a Kind and an optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return e.Msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a kinded error with no cause.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf is New with fmt.Sprintf formatting.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap returns a kinded error wrapping err. It returns nil if err is
// nil so call sites can wrap unconditionally.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Is reports whether any error in err's chain carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Details flattens err's wrap chain into one human-readable string per
// cause, ordered outermost to innermost. Each entry is the message that
// level added, with the repeated suffix of its cause stripped.
func Details(err error) []string {
	var details []string
	for err != nil {
		msg := err.Error()
		next := errors.Unwrap(err)
		if next != nil {
			if s, ok := strings.CutSuffix(msg, ": "+next.Error()); ok {
				msg = s
			}
		}
		details = append(details, msg)
		err = next
	}
	return details
}
