package platform

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors
var (
	ErrNoPlatforms           = errors.New("no voice platforms configured")
	ErrPlatformNotFound      = errors.New("platform not registered")
	ErrAllPlatformsExhausted = errors.New("all platforms exhausted")
	ErrReconnectExhausted    = errors.New("reconnect attempts exhausted")
	ErrCloneFailed           = errors.New("voice clone failed")
	ErrCloneUnsupported      = errors.New("platform does not support voice cloning")
	ErrEmptyText             = errors.New("text cannot be empty")
)

// Provider error codes
const (
	CodeTimeout        = "timeout"
	CodeQuotaExceeded  = "quota_exceeded"
	CodeUnavailable    = "unavailable"
	CodeInvalidRequest = "invalid_request"
	CodeUnauthorized   = "unauthorized"
	CodeMalformed      = "malformed_response"
	CodeUnsupported    = "unsupported"
	CodeCircuitOpen    = "circuit_open"
	CodeRateLimited    = "rate_limited"
	CodeNetwork        = "network"
	CodeUnknown        = "unknown"
)

// ProviderError is a failure reported by (or on behalf of) one platform.
// Retryable means another platform may succeed where this one failed.
type ProviderError struct {
	Platform  string
	Code      string
	Retryable bool
	Err       error
}

// NewProviderError creates a provider error
func NewProviderError(platformID, code string, retryable bool, err error) *ProviderError {
	return &ProviderError{Platform: platformID, Code: code, Retryable: retryable, Err: err}
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	if e.Platform != "" {
		b.WriteString(e.Platform)
		b.WriteString(": ")
	}
	b.WriteString(e.Code)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ConnectionError is a transport-level failure, not a provider decision
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// AllPlatformsExhaustedError reports that every platform in a fallback chain
// failed. Only the last error is kept; earlier ones are in the logs.
type AllPlatformsExhaustedError struct {
	Attempted []string
	Last      error
}

func (e *AllPlatformsExhaustedError) Error() string {
	if e.Last == nil {
		return ErrAllPlatformsExhausted.Error()
	}
	return fmt.Sprintf("%s after %d attempt(s): %v", ErrAllPlatformsExhausted, len(e.Attempted), e.Last)
}

func (e *AllPlatformsExhaustedError) Unwrap() error {
	return e.Last
}

// Is lets errors.Is match ErrAllPlatformsExhausted
func (e *AllPlatformsExhaustedError) Is(target error) bool {
	return target == ErrAllPlatformsExhausted
}

// CloneFailedError is a terminal provider-side clone failure
type CloneFailedError struct {
	CloneID string
	Message string
}

func (e *CloneFailedError) Error() string {
	return fmt.Sprintf("clone %s failed: %s", e.CloneID, e.Message)
}

// Is lets errors.Is match ErrCloneFailed
func (e *CloneFailedError) Is(target error) bool {
	return target == ErrCloneFailed
}

// IsRetryable reports whether trying another platform makes sense after err.
// Errors that are not provider errors are treated as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}

// FromContext converts a context failure into the matching provider error.
// Returns nil when err is not a context error.
func FromContext(platformID string, err error) *ProviderError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewProviderError(platformID, CodeTimeout, true, err)
	case errors.Is(err, context.Canceled):
		return NewProviderError(platformID, CodeUnknown, false, err)
	}
	return nil
}
