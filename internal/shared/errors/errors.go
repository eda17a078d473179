// Package errors provides the tunnel-facing error taxonomy from spec §7:
// a small set of kinds the HTTP router and tunnel core map to concrete
// client-facing status codes without leaking internal detail.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the kind of error the tunnel core surfaces.
type ErrorType string

const (
	ErrorTypeNoTunnel        ErrorType = "no_tunnel" // no active session for the host
	ErrorTypePayloadTooLarge ErrorType = "payload_too_large"
	ErrorTypeUpstreamTimeout ErrorType = "upstream_timeout"
	ErrorTypeBadGateway      ErrorType = "bad_gateway"
	ErrorTypeTunnelClosed    ErrorType = "tunnel_closed"
	ErrorTypeInternal        ErrorType = "internal_error"
)

// AppError represents a tunnel error with an HTTP status mapping.
type AppError struct {
	Type    ErrorType
	Message string
	Code    int
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// NewNoTunnelError creates the 503 returned when no mapping/session exists.
func NewNoTunnelError(message string) *AppError {
	return &AppError{Type: ErrorTypeNoTunnel, Message: message, Code: http.StatusServiceUnavailable}
}

// NewPayloadTooLargeError creates the 413 for oversized request bodies.
func NewPayloadTooLargeError(message string) *AppError {
	return &AppError{Type: ErrorTypePayloadTooLarge, Message: message, Code: http.StatusRequestEntityTooLarge}
}

// NewUpstreamTimeoutError creates the 504 for a forward that never completed.
func NewUpstreamTimeoutError(message string) *AppError {
	return &AppError{Type: ErrorTypeUpstreamTimeout, Message: message, Code: http.StatusGatewayTimeout}
}

// NewBadGatewayError creates the generic 502 for any other forward failure.
func NewBadGatewayError(message string) *AppError {
	return &AppError{Type: ErrorTypeBadGateway, Message: message, Code: http.StatusBadGateway}
}

// ErrTunnelClosed is returned to pending requests when their session is
// disposed (superseded, socket closed, or explicit Disconnect).
var ErrTunnelClosed = &AppError{
	Type:    ErrorTypeTunnelClosed,
	Message: "tunnel closed",
	Code:    http.StatusBadGateway,
}

// GetAppError extracts an *AppError from err, if any.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}
