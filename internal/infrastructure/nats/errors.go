package nats

import "errors"

// Domain-specific errors for NATS operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrDisabled is returned by Connect when NATS is disabled in config.
	ErrDisabled = errors.New("nats: disabled in configuration")

	// ErrNotConnected is returned when attempting operations on a disconnected client.
	ErrNotConnected = errors.New("nats: client not connected")

	// ErrConnectionFailed is returned when the initial connection attempt fails.
	ErrConnectionFailed = errors.New("nats: connection failed")

	// ErrSubscribeFailed is returned when a subscription cannot be created.
	ErrSubscribeFailed = errors.New("nats: subscribe failed")

	// ErrPublishFailed is returned when a publish operation fails.
	ErrPublishFailed = errors.New("nats: publish failed")

	// ErrInvalidSubject is returned for an empty subject.
	ErrInvalidSubject = errors.New("nats: subject cannot be empty")
)
