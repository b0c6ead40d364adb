// services/sensor/internal/core/errors.go
package core

import (
	"errors"
	"fmt"
)

// Business errors.
var (
	// Ownership errors.
	ErrDeviceAlreadyAttached = errors.New("device already has an active attachment")
	ErrAlreadyDetached       = errors.New("attachment already detached")
	ErrAttachmentNotFound    = errors.New("attachment not found")
	ErrTokenInvalid          = errors.New("unknown or detached access token")

	// Lookup errors.
	ErrDeviceNotFound = errors.New("device not found")
	ErrUserNotFound   = errors.New("user not found")
	ErrAlertNotFound  = errors.New("alert not found")

	// Device errors.
	ErrDeviceAlreadyExists = errors.New("device already registered")
)

// BusinessError represents a business logic error with a code.
type BusinessError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e BusinessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ValidationError marks a reading or request rejected before any write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// TransientError wraps storage or queue I/O failures that are safe to retry
// from the caller.
type TransientError struct {
	Op  string
	Err error
}

func (e TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e TransientError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a validation rejection.
func IsValidation(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// IsTransient reports whether err is retryable from the caller's side.
func IsTransient(err error) bool {
	var te TransientError
	return errors.As(err, &te)
}
