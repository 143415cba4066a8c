package pebble

import (
	"errors"
	"fmt"
)

// Sentinel errors. Typed errors below wrap these so callers can use
// errors.Is without caring about the concrete type.
var (
	// ErrMalformedPayload means the payload could not be parsed at all.
	ErrMalformedPayload = errors.New("pebble: malformed payload")

	// ErrMissingField means a required field was absent or not a string.
	ErrMissingField = errors.New("pebble: missing field")

	// ErrStore marks a persistence fault. It is distinct from "not found".
	ErrStore = errors.New("pebble: store failure")

	// ErrPreconditionRejected marks a business-rule rejection.
	ErrPreconditionRejected = errors.New("pebble: precondition rejected")

	ErrAlreadyRegistered = errors.New("pebble: device already registered")
	ErrNotRegistered     = errors.New("pebble: device not registered")
	ErrNotBound          = errors.New("pebble: device not bound")

	// ErrPayloadUnavailable means the event reference could not be resolved.
	ErrPayloadUnavailable = errors.New("pebble: payload unavailable")

	ErrUnknownEventKind = errors.New("pebble: unknown event kind")
	ErrInvalidRelation  = errors.New("pebble: invalid relation name")
)

// MissingFieldError names the first required field that was absent or not
// a string.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("pebble: missing field %q", e.Field)
}

func (e *MissingFieldError) Unwrap() error {
	return ErrMissingField
}

// DecodeError reports a payload that is not a well-formed record in the
// configured encoding.
type DecodeError struct {
	Codec string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("pebble: decoding %s payload: %v", e.Codec, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrMalformedPayload, e.Err}
}

// StoreError wraps a persistence fault with the store operation that hit it.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("pebble: store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() []error {
	return []error{ErrStore, e.Err}
}

// RejectionError is a deterministic refusal to apply a transition because
// the device is in the wrong state. Reason is ErrAlreadyRegistered,
// ErrNotRegistered or ErrNotBound.
type RejectionError struct {
	Kind     EventKind
	DeviceID string
	Reason   error
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("pebble: %s rejected for %q: %v", e.Kind, e.DeviceID, e.Reason)
}

func (e *RejectionError) Unwrap() []error {
	return []error{ErrPreconditionRejected, e.Reason}
}

func reject(kind EventKind, deviceID string, reason error) error {
	return &RejectionError{Kind: kind, DeviceID: deviceID, Reason: reason}
}

// storeFault wraps err as a StoreError unless it already is one.
func storeFault(op string, err error) error {
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// ErrorKind classifies a handler failure for logs, metrics and audit.
type ErrorKind string

const (
	ErrorKindNone               ErrorKind = ""
	ErrorKindDecode             ErrorKind = "decode"
	ErrorKindStore              ErrorKind = "store"
	ErrorKindPrecondition       ErrorKind = "precondition"
	ErrorKindPayloadUnavailable ErrorKind = "payload_unavailable"
	ErrorKindInternal           ErrorKind = "internal"
)

// Retryable reports whether redelivering the same event could succeed.
// Only transient store faults and unresolved payloads qualify.
func (k ErrorKind) Retryable() bool {
	return k == ErrorKindStore || k == ErrorKindPayloadUnavailable
}

// KindOf classifies err. A store fault caused by a unique-constraint race
// is still ErrorKindStore.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorKindNone
	case errors.Is(err, ErrPayloadUnavailable):
		return ErrorKindPayloadUnavailable
	case errors.Is(err, ErrMalformedPayload), errors.Is(err, ErrMissingField):
		return ErrorKindDecode
	case errors.Is(err, ErrStore):
		return ErrorKindStore
	case errors.Is(err, ErrPreconditionRejected):
		return ErrorKindPrecondition
	default:
		return ErrorKindInternal
	}
}

// Reason returns the most specific rejection sentinel in err, or nil.
func Reason(err error) error {
	for _, s := range []error{ErrAlreadyRegistered, ErrNotRegistered, ErrNotBound} {
		if errors.Is(err, s) {
			return s
		}
	}
	return nil
}
