package protocol

// ErrorCode identifies a fabric failure class on the wire.
type ErrorCode string

// Protocol errors.
const (
	ErrInvalidFormat        ErrorCode = "INVALID_FORMAT"
	ErrUnsupportedVersion   ErrorCode = "UNSUPPORTED_VERSION"
	ErrMissingRequiredField ErrorCode = "MISSING_REQUIRED_FIELD"
)

// Authentication and authorization errors.
const (
	ErrInvalidToken            ErrorCode = "INVALID_TOKEN"
	ErrTokenExpired            ErrorCode = "TOKEN_EXPIRED"
	ErrInsufficientPermissions ErrorCode = "INSUFFICIENT_PERMISSIONS"
)

// Routing errors.
const (
	ErrAgentNotFound    ErrorCode = "AGENT_NOT_FOUND"
	ErrAgentUnavailable ErrorCode = "AGENT_UNAVAILABLE"
	ErrDeliveryTimeout  ErrorCode = "DELIVERY_TIMEOUT"
)

// Application errors.
const (
	ErrMethodNotSupported ErrorCode = "METHOD_NOT_SUPPORTED"
	ErrInvalidParameters  ErrorCode = "INVALID_PARAMETERS"
	ErrResourceNotFound   ErrorCode = "RESOURCE_NOT_FOUND"
)

// System errors.
const (
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrRateLimitExceeded  ErrorCode = "RATE_LIMIT_EXCEEDED"
)

// errorNumbers assigns each code a number in its group's range:
// protocol 10xx, auth 11xx, routing 12xx, application 13xx, system 15xx.
var errorNumbers = map[ErrorCode]int{
	ErrInvalidFormat:        1001,
	ErrUnsupportedVersion:   1002,
	ErrMissingRequiredField: 1003,

	ErrInvalidToken:            1101,
	ErrTokenExpired:            1102,
	ErrInsufficientPermissions: 1103,

	ErrAgentNotFound:    1201,
	ErrAgentUnavailable: 1202,
	ErrDeliveryTimeout:  1203,

	ErrMethodNotSupported: 1301,
	ErrInvalidParameters:  1302,
	ErrResourceNotFound:   1303,

	ErrInternalError:      1501,
	ErrServiceUnavailable: 1502,
	ErrRateLimitExceeded:  1503,
}

// Numeric returns the numeric form of the code, or 0 for unknown codes.
func (c ErrorCode) Numeric() int {
	return errorNumbers[c]
}

// Group names the taxonomy group the code belongs to.
func (c ErrorCode) Group() string {
	switch n := errorNumbers[c]; {
	case n >= 1500:
		return "system"
	case n >= 1300:
		return "application"
	case n >= 1200:
		return "routing"
	case n >= 1100:
		return "auth"
	case n >= 1000:
		return "protocol"
	default:
		return "unknown"
	}
}

// Retryable reports whether callers may reasonably retry after this code.
func (c ErrorCode) Retryable() bool {
	switch c {
	case ErrDeliveryTimeout, ErrAgentUnavailable, ErrServiceUnavailable,
		ErrRateLimitExceeded, ErrInternalError:
		return true
	}
	return false
}

// Error is a structured fabric error.
type Error struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// NewError creates a new Error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithDetails attaches structured details to the error.
func (e *Error) WithDetails(details interface{}) *Error {
	e.Details = details
	return e
}

// CodeOf extracts the fabric error code from err, or empty for foreign errors.
func CodeOf(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
