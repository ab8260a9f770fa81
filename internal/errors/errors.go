// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package errors

import (
	"errors"
	"fmt"
)

// Kind defines the category of error.
type Kind int

const (
	KindUnknown Kind = iota
	KindInternal
	KindNotFound
	KindConflict

	// KindResourceExhausted means the host could not allocate an isolation
	// context or interface. Callers retry once with backoff.
	KindResourceExhausted
	// KindInvalidParameter is returned before any host call is made.
	KindInvalidParameter
	// KindImpairmentRejected means the host refused a traffic-control rule.
	KindImpairmentRejected
	// KindTimeout means a command did not complete before its deadline.
	KindTimeout
	KindUnresolvedReference
	KindInvalidTransition
	// KindOutOfOrder is a peer sequence gap; the receiver requests a resync.
	KindOutOfOrder
	KindPeerUnreachable
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindInvalidParameter:
		return "invalid_parameter"
	case KindImpairmentRejected:
		return "impairment_rejected"
	case KindTimeout:
		return "timeout"
	case KindUnresolvedReference:
		return "unresolved_reference"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindOutOfOrder:
		return "out_of_order_transition"
	case KindPeerUnreachable:
		return "peer_unreachable"
	default:
		return "unknown"
	}
}

// Retryable reports whether errors of this kind may be retried by the caller.
func (k Kind) Retryable() bool {
	return k == KindResourceExhausted
}

// Error represents a structured error in the emulation core.
type Error struct {
	Kind       Kind
	Message    string
	Underlying error
	Attributes map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Underlying)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// Is matches another *Error of the same kind with no message, so callers can
// write errors.Is(err, errors.New(errors.KindTimeout, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Kind == e.Kind
}

// New creates a new Error of the specified kind.
func New(kind Kind, msg string) error {
	return &Error{
		Kind:    kind,
		Message: msg,
	}
}

// Errorf creates a new Error of the specified kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error as a new Error of the specified kind.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:       kind,
		Message:    msg,
		Underlying: err,
	}
}

// Wrapf wraps an existing error as a new Error of the specified kind with a formatted message.
func Wrapf(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:       kind,
		Message:    fmt.Sprintf(format, args...),
		Underlying: err,
	}
}

// Attr attaches an attribute to the first *Error in err's chain. If there is
// none, err is wrapped as KindInternal.
func Attr(err error, key string, val any) error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		// set on the first structured error but keep the caller's chain
		e.setAttr(key, val)
		return err
	}
	e = &Error{
		Kind:       KindInternal,
		Message:    err.Error(),
		Underlying: err,
	}
	e.setAttr(key, val)
	return e
}

func (e *Error) setAttr(key string, val any) {
	if e.Attributes == nil {
		e.Attributes = make(map[string]any)
	}
	e.Attributes[key] = val
}

// GetKind returns the Kind of the error, or KindUnknown if it's not a structured error.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// HasKind reports whether any structured error in err's chain has the given kind.
// Unlike GetKind it also looks inside joined errors.
func HasKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	if e, ok := err.(*Error); ok {
		if e.Kind == kind {
			return true
		}
		return HasKind(e.Underlying, kind)
	}
	switch x := err.(type) {
	case interface{ Unwrap() []error }:
		for _, inner := range x.Unwrap() {
			if HasKind(inner, kind) {
				return true
			}
		}
		return false
	case interface{ Unwrap() error }:
		return HasKind(x.Unwrap(), kind)
	}
	return false
}

// GetAttributes returns all attributes associated with the error and its chain.
func GetAttributes(err error) map[string]any {
	attrs := make(map[string]any)
	var e *Error

	tempErr := err
	for tempErr != nil {
		if errors.As(tempErr, &e) {
			for k, v := range e.Attributes {
				if _, ok := attrs[k]; !ok {
					attrs[k] = v
				}
			}
			tempErr = e.Underlying
		} else {
			break
		}
	}

	return attrs
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target, and if so, sets target to that error value and returns true.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err, if err's type contains an Unwrap method returning error.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// Join returns an error that wraps the given errors, discarding nils.
func Join(errs ...error) error {
	return errors.Join(errs...)
}
