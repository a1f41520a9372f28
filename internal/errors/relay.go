package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
)

// Codes shared by relay-facing packages.
const (
	CodeConnection     = "RELAY_CONNECTION_FAILED"
	CodeOpenTimeout    = "RELAY_OPEN_TIMEOUT"
	CodeSocketClosed   = "SOCKET_CLOSED"
	CodeProtocol       = "PROTOCOL_ERROR"
	CodeSign           = "SIGN_FAILED"
	CodeSelection      = "SELECTION_FAILED"
	CodeInvalidTarget  = "INVALID_TARGET"
	CodeInvalidFilter  = "FILTER_ERROR"
	CodePublishTimeout = "PUBLISH_TIMEOUT"
	CodeNotFound       = "NOT_FOUND"
)

// Sentinels for errors.Is. Matching is by type and code.
var (
	ErrSocketClosed = New(ErrorTypeNetwork, CodeSocketClosed, "socket closed")
	ErrNoSigner     = New(ErrorTypeAuthentication, CodeSign, "no signer available")
	ErrNoRelays     = New(ErrorTypeExternal, CodeSelection, "no relay answered")
	ErrNotFound     = New(ErrorTypeNotFound, CodeNotFound, "not found")
)

// ConnectionError reports a relay that could not be reached or dropped.
// It is recovered locally by every caller: the relay is marked failed and
// the operation continues with the remaining relays.
func ConnectionError(url string, cause error) *AppError {
	code := CodeConnection
	msg := "relay connection failed"
	if stderrors.Is(cause, context.DeadlineExceeded) || isTimeout(cause) {
		code = CodeOpenTimeout
		msg = "relay open timed out"
	}
	return Wrap(cause, ErrorTypeNetwork, code, msg).
		WithRelay(url).
		WithSeverity(SeverityMedium).
		WithUserMessage("The relay could not be reached.")
}

// ProtocolError reports a frame that violates the relay wire protocol.
func ProtocolError(url, reason string) *AppError {
	return New(ErrorTypeValidation, CodeProtocol, fmt.Sprintf("relay protocol error: %s", reason)).
		WithRelay(url).
		WithSeverity(SeverityLow)
}

// SignError reports a failure to obtain a signature. It is surfaced to the
// caller.
func SignError(reason string, cause error) *AppError {
	var e *AppError
	if cause != nil {
		e = Wrap(cause, ErrorTypeAuthentication, CodeSign, fmt.Sprintf("signing failed: %s", reason))
	} else {
		e = New(ErrorTypeAuthentication, CodeSign, fmt.Sprintf("signing failed: %s", reason))
	}
	return e.WithSeverity(SeverityHigh).
		WithUserMessage("The event could not be signed.")
}

// SelectionFailure reports that no relay answered a selection operation.
func SelectionFailure(op string, attempted int) *AppError {
	return New(ErrorTypeExternal, CodeSelection, fmt.Sprintf("%s: no relay answered", op)).
		WithDetails(fmt.Sprintf("attempted %d relays", attempted)).
		WithSeverity(SeverityMedium).
		WithUserMessage("No relay could be reached.")
}

// TargetError reports an invalid relay target selector.
func TargetError(reason string) *AppError {
	return New(ErrorTypeValidation, CodeInvalidTarget, fmt.Sprintf("invalid relay target: %s", reason)).
		WithSeverity(SeverityLow)
}

// FilterError creates an error for filter validation issues
func FilterError(reason string) *AppError {
	return New(ErrorTypeValidation, CodeInvalidFilter, fmt.Sprintf("filter validation failed: %s", reason)).
		WithSeverity(SeverityLow).
		WithUserMessage("The filter parameters are invalid.")
}

// PublishTimeout reports a relay that never acknowledged an event.
func PublishTimeout(url, eventID string) *AppError {
	return New(ErrorTypeTimeout, CodePublishTimeout, "relay did not acknowledge event").
		WithRelay(url).
		WithDetails(fmt.Sprintf("event %s", eventID)).
		WithSeverity(SeverityLow)
}

// WebSocketError creates an error for WebSocket-related issues
func WebSocketError(operation string, cause error) *AppError {
	var code string
	var severity ErrorSeverity

	switch {
	case websocket.IsCloseError(cause, websocket.CloseNormalClosure):
		code, severity = "WS_NORMAL_CLOSURE", SeverityLow
	case websocket.IsCloseError(cause, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		code, severity = "WS_ABNORMAL_CLOSURE", SeverityMedium
	case websocket.IsUnexpectedCloseError(cause, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		code, severity = "WS_UNEXPECTED_CLOSURE", SeverityMedium
	default:
		code, severity = "WS_ERROR", SeverityMedium
	}

	return Wrap(cause, ErrorTypeNetwork, code, fmt.Sprintf("websocket %s failed", operation)).
		WithSeverity(severity)
}

// NetworkError creates an error for network-related issues
func NetworkError(operation string, cause error) *AppError {
	code := "NETWORK_UNKNOWN"
	severity := SeverityMedium

	var opErr *net.OpError
	var errno syscall.Errno
	switch {
	case isTimeout(cause):
		code = "NETWORK_TIMEOUT"
	case stderrors.As(cause, &errno):
		switch errno {
		case syscall.ECONNREFUSED:
			code, severity = "CONNECTION_REFUSED", SeverityHigh
		case syscall.ECONNRESET:
			code = "CONNECTION_RESET"
		case syscall.ETIMEDOUT:
			code = "CONNECTION_TIMEOUT"
		default:
			code = "SYSTEM_ERROR"
		}
	case stderrors.As(cause, &opErr):
		switch opErr.Op {
		case "dial":
			code, severity = "NETWORK_DIAL_FAILED", SeverityHigh
		case "read":
			code = "NETWORK_READ_FAILED"
		case "write":
			code = "NETWORK_WRITE_FAILED"
		default:
			code = "NETWORK_OP_FAILED"
		}
	case isTemporaryNetError(cause):
		code, severity = "NETWORK_TEMPORARY", SeverityLow
	}

	return Wrap(cause, ErrorTypeNetwork, code, fmt.Sprintf("network %s failed", operation)).
		WithSeverity(severity)
}

// ValidationError creates a validation error
func ValidationError(code, message string) *AppError {
	return New(ErrorTypeValidation, code, message).
		WithSeverity(SeverityLow).
		WithUserMessage("Please check your input and try again.")
}

// NotFoundError creates a not found error
func NotFoundError(resource string) *AppError {
	return New(ErrorTypeNotFound, CodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithSeverity(SeverityLow)
}

// DatabaseError creates a storage backend error
func DatabaseError(backend, operation string, cause error) *AppError {
	return Wrap(cause, ErrorTypeDatabase, "DATABASE_ERROR", fmt.Sprintf("%s %s failed", backend, operation)).
		WithSeverity(SeverityHigh).
		WithUserMessage("A storage error occurred. Please try again later.")
}

// RateLimitError creates a rate limit error
func RateLimitError(resource string) *AppError {
	return New(ErrorTypeRateLimit, "RATE_LIMIT_EXCEEDED", fmt.Sprintf("rate limit exceeded for %s", resource)).
		WithSeverity(SeverityMedium).
		WithUserMessage("Too many requests. Please wait before trying again.")
}

// ClientBannedError creates an error for ports banned by the limiter
func ClientBannedError(key string, duration string) *AppError {
	return New(ErrorTypeRateLimit, "CLIENT_BANNED", fmt.Sprintf("client %s banned", key)).
		WithSeverity(SeverityMedium).
		WithDetails(fmt.Sprintf("ban duration: %s", duration)).
		WithUserMessage("Your client has been temporarily banned due to excessive requests.")
}

// ExternalServiceError creates an error for external service failures
func ExternalServiceError(service, operation string, cause error) *AppError {
	return Wrap(cause, ErrorTypeExternal, "EXTERNAL_SERVICE_ERROR",
		fmt.Sprintf("external service %s failed during %s", service, operation)).
		WithSeverity(SeverityMedium).
		WithUserMessage("An external service is temporarily unavailable. Please try again later.")
}

// ConfigurationError creates an error for configuration issues
func ConfigurationError(field, reason string) *AppError {
	return New(ErrorTypeInternal, "CONFIGURATION_ERROR", fmt.Sprintf("configuration error in %s: %s", field, reason)).
		WithSeverity(SeverityCritical)
}

// InternalError creates an internal error
func InternalError(message string, cause error) *AppError {
	return Wrap(cause, ErrorTypeInternal, "INTERNAL_ERROR", message).
		WithSeverity(SeverityHigh).
		WithUserMessage("An internal error occurred. Please try again.")
}

// IsRecoverable determines if an error is recoverable (can be retried)
func IsRecoverable(err error) bool {
	appErr, ok := AsApp(err)
	if !ok {
		return false
	}
	switch appErr.Type {
	case ErrorTypeTimeout, ErrorTypeNetwork, ErrorTypeDatabase:
		return appErr.Severity != SeverityCritical
	case ErrorTypeRateLimit, ErrorTypeExternal:
		return true
	case ErrorTypeValidation, ErrorTypeAuthentication, ErrorTypeAuthorization, ErrorTypeNotFound:
		return false
	case ErrorTypeInternal:
		return appErr.Severity == SeverityLow || appErr.Severity == SeverityMedium
	}
	return false
}

// ShouldRetry determines if an operation should be retried based on the error
func ShouldRetry(err error, attemptCount int, maxAttempts int) bool {
	if attemptCount >= maxAttempts {
		return false
	}
	return IsRecoverable(err)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}

// isTemporaryNetError checks if a network error is temporary
func isTemporaryNetError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"no route to host",
		"network is unreachable",
		"connection reset by peer",
		"broken pipe",
		"i/o timeout",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
