package core

import (
	"errors"
	"fmt"
	"time"
)

// FailureClass categorizes a connection failure for retry decisions.
type FailureClass int

// Failure classes, from most to least retryable.
const (
	// ClassTransient covers network blips and abnormal closures. Always retried with backoff.
	ClassTransient FailureClass = iota
	// ClassCredential covers expired client credentials. Retried once per cycle through the refresh hook.
	ClassCredential
	// ClassGraceful covers normal and going-away closures. Never retried.
	ClassGraceful
	// ClassProtocol covers protocol violations and unsupported data. Suspended until a manual reconnect.
	ClassProtocol
	// ClassAuthorization covers handshake-time HTTP rejections. Suspended and surfaced to collaborators.
	ClassAuthorization
)

// String returns the string representation of the failure class.
func (c FailureClass) String() string {
	names := [...]string{
		"TRANSIENT",
		"CREDENTIAL",
		"GRACEFUL",
		"PROTOCOL",
		"AUTHORIZATION",
	}
	if c < 0 || int(c) >= len(names) {
		return "UNKNOWN"
	}
	return names[c]
}

// Retryable reports whether the class is retried automatically, possibly after a refresh.
func (c FailureClass) Retryable() bool {
	return c == ClassTransient || c == ClassCredential
}

// Sentinel errors for common error conditions.
var (
	// ErrEngineClosed is returned when using an engine that has been disposed.
	ErrEngineClosed = errors.New("engine is closed")
	// ErrNotConnected is returned when no stream is active.
	ErrNotConnected = errors.New("stream not connected")
	// ErrSendUnsupported is returned when the active stream cannot send.
	ErrSendUnsupported = errors.New("stream does not support sending")
	// ErrNilFactory is returned when an engine is created without a stream factory.
	ErrNilFactory = errors.New("stream factory is required")
	// ErrStreamClosed is returned when writing to a closed stream.
	ErrStreamClosed = errors.New("stream is closed")
)

// HandshakeError is returned by stream factories when the server rejects the
// opening handshake with an HTTP status.
type HandshakeError struct {
	// StatusCode is the HTTP status the server answered with.
	StatusCode int
	// URL is the endpoint that rejected the handshake.
	URL string
	// Err is the underlying transport error, if any.
	Err error
}

// Error implements the error interface.
func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handshake %s rejected with status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("handshake %s rejected with status %d", e.URL, e.StatusCode)
}

// Unwrap returns the underlying error.
func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// ConnectionError is a classified connection failure. It is what the engine
// records as its last error and what collaborators inspect after a suspension.
type ConnectionError struct {
	// Class is the failure category that drove the state transition.
	Class FailureClass
	// Code is the close code, zero when the failure was not a closure.
	Code CloseCode
	// StatusCode is the handshake HTTP status, zero when none was observed.
	StatusCode int
	// Reason is the close reason or a short description.
	Reason string
	// Err is the original error, if any.
	Err error
	// Timestamp is when the failure was classified.
	Timestamp time.Time
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("[%s] handshake status %d: %s", e.Class, e.StatusCode, e.describe())
	case e.Code != 0:
		return fmt.Sprintf("[%s] closed %d (%s): %s", e.Class, uint16(e.Code), e.Code, e.describe())
	default:
		return fmt.Sprintf("[%s] %s", e.Class, e.describe())
	}
}

func (e *ConnectionError) describe() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Reason
}

// Unwrap returns the original error.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ClassOf returns the failure class carried by err. Unclassified errors are transient.
func ClassOf(err error) FailureClass {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return connErr.Class
	}
	return ClassTransient
}

// IsClass reports whether err is a ConnectionError of the given class.
func IsClass(err error, class FailureClass) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr) && connErr.Class == class
}
