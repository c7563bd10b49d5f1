package core

import (
	"errors"
	"strconv"
)

// CloseCode is a transport close status code. Values are the RFC 6455 status codes
// and are shared bit-exact with stream factories and their collaborators.
type CloseCode uint16

// Close codes consumed by failure classification.
const (
	// CloseNormal indicates the purpose of the connection has been fulfilled.
	CloseNormal CloseCode = 1000
	// CloseGoingAway indicates the peer is going away, e.g. a server shutting down.
	CloseGoingAway CloseCode = 1001
	// CloseProtocolError indicates the peer terminated the connection due to a protocol error.
	CloseProtocolError CloseCode = 1002
	// CloseUnsupportedData indicates the peer received a type of data it cannot accept.
	CloseUnsupportedData CloseCode = 1003
	// CloseNoStatus indicates no status code was present in the close frame.
	CloseNoStatus CloseCode = 1005
	// CloseAbnormal indicates the connection dropped without a close frame.
	CloseAbnormal CloseCode = 1006
	// CloseInvalidPayload indicates data inconsistent with the message type.
	CloseInvalidPayload CloseCode = 1007
	// ClosePolicyViolation indicates a message violated the peer's policy.
	ClosePolicyViolation CloseCode = 1008
	// CloseMessageTooBig indicates a message was too big to process.
	CloseMessageTooBig CloseCode = 1009
	// CloseMandatoryExtension indicates the server did not negotiate a required extension.
	CloseMandatoryExtension CloseCode = 1010
	// CloseInternalError indicates the server hit an unexpected condition.
	CloseInternalError CloseCode = 1011
	// CloseServiceRestart indicates the server is restarting.
	CloseServiceRestart CloseCode = 1012
	// CloseTryAgainLater indicates the server is temporarily overloaded.
	CloseTryAgainLater CloseCode = 1013
	// CloseTLSHandshake indicates a TLS handshake failure.
	CloseTLSHandshake CloseCode = 1015
)

// String returns the symbolic name of the close code.
func (c CloseCode) String() string {
	switch c {
	case CloseNormal:
		return "NORMAL_CLOSURE"
	case CloseGoingAway:
		return "GOING_AWAY"
	case CloseProtocolError:
		return "PROTOCOL_ERROR"
	case CloseUnsupportedData:
		return "UNSUPPORTED_DATA"
	case CloseNoStatus:
		return "NO_STATUS"
	case CloseAbnormal:
		return "ABNORMAL_CLOSURE"
	case CloseInvalidPayload:
		return "INVALID_PAYLOAD"
	case ClosePolicyViolation:
		return "POLICY_VIOLATION"
	case CloseMessageTooBig:
		return "MESSAGE_TOO_BIG"
	case CloseMandatoryExtension:
		return "MANDATORY_EXTENSION"
	case CloseInternalError:
		return "INTERNAL_ERROR"
	case CloseServiceRestart:
		return "SERVICE_RESTART"
	case CloseTryAgainLater:
		return "TRY_AGAIN_LATER"
	case CloseTLSHandshake:
		return "TLS_HANDSHAKE"
	default:
		return "CLOSE_" + strconv.Itoa(int(c))
	}
}

// HandshakeStatus is an HTTP status code observed while opening a stream.
type HandshakeStatus int

// Handshake statuses with a fixed meaning for collaborators. StatusNotFound is the
// signal used to fall back to the server-sent-event transport.
const (
	StatusBadRequest       HandshakeStatus = 400
	StatusUnauthorized     HandshakeStatus = 401
	StatusForbidden        HandshakeStatus = 403
	StatusNotFound         HandshakeStatus = 404
	StatusMethodNotAllowed HandshakeStatus = 405
	StatusRequestTimeout   HandshakeStatus = 408
	StatusGone             HandshakeStatus = 410
	StatusUpgradeRequired  HandshakeStatus = 426
	StatusTooManyRequests  HandshakeStatus = 429
)

// String returns the symbolic name of the status.
func (s HandshakeStatus) String() string {
	switch s {
	case StatusBadRequest:
		return "BAD_REQUEST"
	case StatusUnauthorized:
		return "UNAUTHORIZED"
	case StatusForbidden:
		return "FORBIDDEN"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	case StatusRequestTimeout:
		return "REQUEST_TIMEOUT"
	case StatusGone:
		return "GONE"
	case StatusUpgradeRequired:
		return "UPGRADE_REQUIRED"
	case StatusTooManyRequests:
		return "TOO_MANY_REQUESTS"
	default:
		return "STATUS_" + strconv.Itoa(int(s))
	}
}

// IsHandshakeStatus reports whether err carries the given handshake status,
// either directly or through a ConnectionError.
func IsHandshakeStatus(err error, status HandshakeStatus) bool {
	var hsErr *HandshakeError
	if errors.As(err, &hsErr) {
		return HandshakeStatus(hsErr.StatusCode) == status
	}
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return connErr.StatusCode == int(status)
	}
	return false
}

// IsCloseCode reports whether err is a ConnectionError raised by the given close code.
func IsCloseCode(err error, code CloseCode) bool {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return connErr.Code == code
	}
	return false
}
