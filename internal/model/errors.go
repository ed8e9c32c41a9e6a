package model

import (
	"errors"
	"fmt"
)

// AuthenticationError reports a missing or rejected API credential.
type AuthenticationError struct {
	StatusCode int
	Message    string
}

func (e *AuthenticationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("authentication failed status=%d: %s", e.StatusCode, e.Message)
	}
	return "authentication failed: " + e.Message
}

// ServiceError reports a failed, timed out, or malformed remote call.
type ServiceError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *ServiceError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s failed status=%d: %s", e.Op, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s failed: %s", e.Op, msg)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// IsAuthentication reports whether err is or wraps an AuthenticationError.
func IsAuthentication(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}

// IsService reports whether err is or wraps a ServiceError.
func IsService(err error) bool {
	var svcErr *ServiceError
	return errors.As(err, &svcErr)
}

// ErrorClass buckets an error for journaling.
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return ""
	case IsAuthentication(err):
		return "authentication"
	case IsService(err):
		return "service"
	default:
		return "unknown"
	}
}
