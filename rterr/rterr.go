// Package rterr is the error taxonomy shared by every component (§7).
// Components return these kinds rather than bare errors so propagation
// policy (retry, reconnect, fail-fast) can be decided by inspecting Kind
// instead of string-matching messages.
package rterr

import (
	"errors"
	"fmt"
	"time"
)

// Kind enumerates the taxonomy from §7.
type Kind int

const (
	KindConnectionFailed Kind = iota
	KindNotConnected
	KindProtocolError
	KindSendFailed
	KindReceiveFailed
	KindQueueFull
	KindTimeout
	KindRateLimited
	KindValidationError
	KindAuthError
	KindThreatBlocked
	KindRpcError
	KindInvalidResponse
	KindCircuitOpen
	KindAllFallbacksFailed
)

func (k Kind) String() string {
	switch k {
	case KindConnectionFailed:
		return "ConnectionFailed"
	case KindNotConnected:
		return "NotConnected"
	case KindProtocolError:
		return "ProtocolError"
	case KindSendFailed:
		return "SendFailed"
	case KindReceiveFailed:
		return "ReceiveFailed"
	case KindQueueFull:
		return "QueueFull"
	case KindTimeout:
		return "Timeout"
	case KindRateLimited:
		return "RateLimited"
	case KindValidationError:
		return "ValidationError"
	case KindAuthError:
		return "AuthError"
	case KindThreatBlocked:
		return "ThreatBlocked"
	case KindRpcError:
		return "RpcError"
	case KindInvalidResponse:
		return "InvalidResponse"
	case KindCircuitOpen:
		return "CircuitOpen"
	case KindAllFallbacksFailed:
		return "AllFallbacksFailed"
	default:
		return "Unknown"
	}
}

// Error is the concrete shape every Kind takes. Fields not relevant to a
// given Kind are left zero.
type Error struct {
	Kind Kind

	// Cause wraps the underlying error for ConnectionFailed/SendFailed/
	// ReceiveFailed.
	Cause error

	// Detail carries ProtocolError's free-form description.
	Detail string

	// Operation + Duration populate Timeout{operation, duration}.
	Operation string
	Duration  time.Duration

	// RetryAfter populates RateLimited{retry_after}.
	RetryAfter time.Duration

	// Reason populates ValidationError{reason} and AuthError{reason}.
	Reason string

	// Level populates ThreatBlocked{level} (see security.ThreatLevel).
	Level int

	// Code/Message/Data populate RpcError{code, message, data}.
	Code    int
	Message string
	Data    any
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindConnectionFailed:
		return fmt.Sprintf("connection failed: %v", e.Cause)
	case KindNotConnected:
		return "not connected"
	case KindProtocolError:
		return fmt.Sprintf("protocol error: %s", e.Detail)
	case KindSendFailed:
		return fmt.Sprintf("send failed: %v", e.Cause)
	case KindReceiveFailed:
		return fmt.Sprintf("receive failed: %v", e.Cause)
	case KindQueueFull:
		return "outbound queue full"
	case KindTimeout:
		return fmt.Sprintf("%s timed out after %s", e.Operation, e.Duration)
	case KindRateLimited:
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	case KindValidationError:
		return fmt.Sprintf("validation error: %s", e.Reason)
	case KindAuthError:
		return fmt.Sprintf("auth error: %s", e.Reason)
	case KindThreatBlocked:
		return fmt.Sprintf("threat blocked at level %d", e.Level)
	case KindRpcError:
		return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
	case KindInvalidResponse:
		return "invalid response: exactly one of result/error must be present"
	case KindCircuitOpen:
		return "circuit open"
	case KindAllFallbacksFailed:
		return "all fallback transports failed"
	default:
		return "unknown runtime error"
	}
}

func (e *Error) Unwrap() error { return e.Cause }

func ConnectionFailed(cause error) *Error { return &Error{Kind: KindConnectionFailed, Cause: cause} }
func NotConnected() *Error                { return &Error{Kind: KindNotConnected} }
func ProtocolError(detail string) *Error  { return &Error{Kind: KindProtocolError, Detail: detail} }
func SendFailed(cause error) *Error       { return &Error{Kind: KindSendFailed, Cause: cause} }
func ReceiveFailed(cause error) *Error    { return &Error{Kind: KindReceiveFailed, Cause: cause} }
func QueueFull() *Error                  { return &Error{Kind: KindQueueFull} }
func Timeout(op string, d time.Duration) *Error {
	return &Error{Kind: KindTimeout, Operation: op, Duration: d}
}
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, RetryAfter: retryAfter}
}
func ValidationError(reason string) *Error { return &Error{Kind: KindValidationError, Reason: reason} }
func AuthError(reason string) *Error       { return &Error{Kind: KindAuthError, Reason: reason} }
func ThreatBlocked(level int) *Error       { return &Error{Kind: KindThreatBlocked, Level: level} }
func RpcError(code int, message string, data any) *Error {
	return &Error{Kind: KindRpcError, Code: code, Message: message, Data: data}
}
func InvalidResponse() *Error    { return &Error{Kind: KindInvalidResponse} }
func CircuitOpen() *Error        { return &Error{Kind: KindCircuitOpen} }
func AllFallbacksFailed() *Error { return &Error{Kind: KindAllFallbacksFailed} }

// As extracts an *Error via errors.As, for callers that want to switch on
// Kind without caring about wrapping depth.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// defaultRetryable mirrors §7's propagation policy: retryable by default
// are ConnectionFailed, SendFailed, ReceiveFailed, Timeout, QueueFull.
// RpcError is retryable only if its code is in the caller-supplied
// retryable-codes set, checked separately by rpcx.
var defaultRetryable = map[Kind]bool{
	KindConnectionFailed: true,
	KindSendFailed:       true,
	KindReceiveFailed:    true,
	KindTimeout:          true,
	KindQueueFull:        true,
}

// Retryable reports whether err is retryable under the default policy.
// RpcError requires the caller to separately consult its retryable-codes
// configuration (rpcx.RetryPolicy.RetryableCodes) since retryability there
// is code-dependent, not kind-dependent.
func Retryable(err error) bool {
	e, ok := As(err)
	if !ok {
		return false
	}
	return defaultRetryable[e.Kind]
}
