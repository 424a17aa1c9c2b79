// Package fault defines the error taxonomy shared by the registry and broker
// planes. The HTTP layer maps codes to status codes; domain code only ever
// raises and matches faults.
package fault

import "fmt"

// Code identifies a fault kind.
type Code string

const (
	CodeBadRequest      Code = "BAD_REQUEST"
	CodeUnauthorized    Code = "UNAUTHORIZED"
	CodeInvalidToken    Code = "INVALID_TOKEN"
	CodeForbidden       Code = "FORBIDDEN"
	CodeNotFound        Code = "NOT_FOUND"
	CodeGone            Code = "GONE"
	CodeConflict        Code = "CONFLICT"
	CodeTooManyRequests Code = "TOO_MANY_REQUESTS"
	CodeUnknown         Code = "UNKNOWN"
)

// Error is a typed service error carrying a taxonomy code and a message safe
// to return to clients. Internal detail never rides in Message.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Is supports errors.Is matching on the code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// BadRequest covers malformed payloads, unknown service names, invalid IPs
// and ports.
func BadRequest(format string, args ...any) *Error {
	return newf(CodeBadRequest, format, args...)
}

// Unauthorized covers missing or non-matching instance tokens.
func Unauthorized(format string, args ...any) *Error {
	return newf(CodeUnauthorized, format, args...)
}

// InvalidToken covers a present but non-matching credential on token
// endpoints.
func InvalidToken(format string, args ...any) *Error {
	return newf(CodeInvalidToken, format, args...)
}

// Forbidden covers mTLS authorization failures.
func Forbidden(format string, args ...any) *Error {
	return newf(CodeForbidden, format, args...)
}

// NotFound covers unknown (serviceName, instanceId) pairs and unknown names.
func NotFound(format string, args ...any) *Error {
	return newf(CodeNotFound, format, args...)
}

// Gone covers names that are known but have no live instances.
func Gone(format string, args ...any) *Error {
	return newf(CodeGone, format, args...)
}

// Conflict is reserved in the taxonomy; no surface raises it today.
func Conflict(format string, args ...any) *Error {
	return newf(CodeConflict, format, args...)
}

// TooManyRequests covers rate-limit rejections.
func TooManyRequests(format string, args ...any) *Error {
	return newf(CodeTooManyRequests, format, args...)
}

// Unknown is the bucket for unexpected failures, bubbled up with minimal
// detail externally.
func Unknown(format string, args ...any) *Error {
	return newf(CodeUnknown, format, args...)
}
