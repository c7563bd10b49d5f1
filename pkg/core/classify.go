package core

import (
	"errors"
	"regexp"
	"time"
)

// DefaultCredentialPattern matches error text produced when a TLS client
// certificate has expired and a refresh may help.
var DefaultCredentialPattern = regexp.MustCompile(`(?i)(certificate (has )?expired|expired certificate|certificate is not yet valid)`)

var closeClasses = map[CloseCode]FailureClass{
	CloseNormal:             ClassGraceful,
	CloseGoingAway:          ClassGraceful,
	CloseProtocolError:      ClassProtocol,
	CloseUnsupportedData:    ClassProtocol,
	CloseInvalidPayload:     ClassProtocol,
	ClosePolicyViolation:    ClassProtocol,
	CloseMessageTooBig:      ClassProtocol,
	CloseMandatoryExtension: ClassProtocol,
}

var statusClasses = map[HandshakeStatus]FailureClass{
	StatusBadRequest:       ClassAuthorization,
	StatusUnauthorized:     ClassAuthorization,
	StatusForbidden:        ClassAuthorization,
	StatusNotFound:         ClassAuthorization,
	StatusMethodNotAllowed: ClassAuthorization,
	StatusRequestTimeout:   ClassTransient,
	StatusGone:             ClassAuthorization,
	StatusUpgradeRequired:  ClassAuthorization,
	StatusTooManyRequests:  ClassTransient,
}

// CloseClass returns the class of a close code. Codes outside the table,
// including CloseAbnormal, are transient.
func CloseClass(code CloseCode) FailureClass {
	if class, ok := closeClasses[code]; ok {
		return class
	}
	return ClassTransient
}

// StatusClass returns the class of a handshake status. Client errors other than
// 408 and 429 are unrecoverable; everything else is transient.
func StatusClass(status int) FailureClass {
	if class, ok := statusClasses[HandshakeStatus(status)]; ok {
		return class
	}
	if status >= 400 && status < 500 {
		return ClassAuthorization
	}
	return ClassTransient
}

// Classifier turns stream lifecycle signals into ConnectionErrors.
type Classifier struct {
	credential *regexp.Regexp
}

// NewClassifier creates a classifier. A nil pattern uses DefaultCredentialPattern.
func NewClassifier(credential *regexp.Regexp) *Classifier {
	if credential == nil {
		credential = DefaultCredentialPattern
	}
	return &Classifier{credential: credential}
}

// IsCredentialError reports whether the text of err looks like an expired credential.
func (c *Classifier) IsCredentialError(err error) bool {
	return err != nil && c.credential.MatchString(err.Error())
}

// ClassifyClose classifies a close signal. A reason matching the credential
// pattern takes precedence over the code table.
func (c *Classifier) ClassifyClose(code CloseCode, reason string) *ConnectionError {
	class := CloseClass(code)
	if reason != "" && c.credential.MatchString(reason) {
		class = ClassCredential
	}
	return &ConnectionError{
		Class:     class,
		Code:      code,
		Reason:    reason,
		Timestamp: time.Now(),
	}
}

// ClassifyError classifies an error reported by a stream or returned by a factory.
func (c *Classifier) ClassifyError(err error) *ConnectionError {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return connErr
	}

	result := &ConnectionError{
		Class:     ClassTransient,
		Err:       err,
		Timestamp: time.Now(),
	}

	var hsErr *HandshakeError
	switch {
	case errors.As(err, &hsErr):
		result.StatusCode = hsErr.StatusCode
		result.Class = StatusClass(hsErr.StatusCode)
	case c.IsCredentialError(err):
		result.Class = ClassCredential
	}
	return result
}
