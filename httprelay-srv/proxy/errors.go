package proxy

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"syscall"

	"github.com/codefionn/httprelay/httprelay-srv/codec"
)

// Error represents a proxy-specific error with a code and description
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewProxyError creates a new Error with the given code and description
func NewProxyError(code, description string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Cause:       cause,
	}
}

// Proxy Error Codes
const (
	// Configuration and Initialization Errors (E1000-E1999)
	ErrCodeNoEnabledServers      = "E1001"
	ErrCodeUnknownProxyType      = "E1007"
	ErrCodeListenerCreateFailed  = "E1008"
	ErrCodeInterceptorInitFailed = "E1009"
	ErrCodeInvalidServerConfig   = "E1010"

	// Connection and Network Errors (E2000-E2999)
	ErrCodeConnectionFailed      = "E2001"
	ErrCodeConnectionTimeout     = "E2002"
	ErrCodeConnectionRefused     = "E2003"
	ErrCodeHostUnreachable       = "E2004"
	ErrCodeNetworkUnreachable    = "E2005"
	ErrCodeInvalidAddress        = "E2006"
	ErrCodeInvalidPort           = "E2007"
	ErrCodeConnectionClosed      = "E2008"
	ErrCodeDialFailed            = "E2009"
	ErrCodeUpstreamConnectFailed = "E2010"
	ErrCodeConnectCancelled      = "E2011"

	// HTTP Processing Errors (E4000-E4999)
	ErrCodeHTTPRequestReadFailed   = "E4001"
	ErrCodeHTTPResponseReadFailed  = "E4002"
	ErrCodeHTTPRequestWriteFailed  = "E4003"
	ErrCodeHTTPResponseWriteFailed = "E4004"
	ErrCodeHTTPForwardFailed       = "E4007"
	ErrCodeInvalidRequestTarget    = "E4012"
	ErrCodeUnknownMessage          = "E4013"

	// Proxy Chain and Forwarding Errors (E6000-E6999)
	ErrCodeSOCKS5DialerFailed     = "E6001"
	ErrCodeSOCKS5ConnectFailed    = "E6002"
	ErrCodeHTTPProxyDialFailed    = "E6003"
	ErrCodeHTTPProxyConnectFailed = "E6004"
	ErrCodeCONNECTRequestFailed   = "E6005"
	ErrCodeCONNECTResponseFailed  = "E6006"
	ErrCodeProxyAuthFailed        = "E6007"
	ErrCodeProxyDenied            = "E6008"
	ErrCodeForwardRuleError       = "E6009"

	// Access Control Errors (E7000-E7999)
	ErrCodeClassifierError = "E7004"

	// Interception Errors (E8000-E8999)
	ErrCodeInterceptionSetupFailed = "E8005"
	ErrCodeInterceptQueueFull      = "E8008"

	// Resource and Limit Errors (E9000-E9999)
	ErrCodeTimeoutExceeded         = "E9003"
	ErrCodeConcurrencyLimitReached = "E9006"

	// Internal and System Errors (E9900-E9999)
	ErrCodeInternalError      = "E9901"
	ErrCodeUnexpectedError    = "E9902"
	ErrCodeConfigurationError = "E9905"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	ErrCodeNoEnabledServers:      "No enabled proxy servers configured",
	ErrCodeUnknownProxyType:      "Unknown or unsupported proxy type",
	ErrCodeListenerCreateFailed:  "Failed to create network listener",
	ErrCodeInterceptorInitFailed: "Failed to initialize traffic interceptor",
	ErrCodeInvalidServerConfig:   "Invalid server configuration",

	ErrCodeConnectionFailed:      "Failed to establish network connection",
	ErrCodeConnectionTimeout:     "Connection attempt timed out",
	ErrCodeConnectionRefused:     "Connection refused by target server",
	ErrCodeHostUnreachable:       "Target host is unreachable",
	ErrCodeNetworkUnreachable:    "Target network is unreachable",
	ErrCodeInvalidAddress:        "Invalid network address format",
	ErrCodeInvalidPort:           "Invalid port number",
	ErrCodeConnectionClosed:      "Connection closed unexpectedly",
	ErrCodeDialFailed:            "Failed to dial target address",
	ErrCodeUpstreamConnectFailed: "Failed to connect to upstream server",
	ErrCodeConnectCancelled:      "Connection attempt was cancelled",

	ErrCodeHTTPRequestReadFailed:   "Failed to read HTTP request",
	ErrCodeHTTPResponseReadFailed:  "Failed to read HTTP response",
	ErrCodeHTTPRequestWriteFailed:  "Failed to write HTTP request",
	ErrCodeHTTPResponseWriteFailed: "Failed to write HTTP response",
	ErrCodeHTTPForwardFailed:       "Failed to forward HTTP request",
	ErrCodeInvalidRequestTarget:    "Request target is not an absolute URL",
	ErrCodeUnknownMessage:          "Unknown HTTP message type",

	ErrCodeSOCKS5DialerFailed:     "Failed to create SOCKS5 dialer",
	ErrCodeSOCKS5ConnectFailed:    "SOCKS5 connection failed",
	ErrCodeHTTPProxyDialFailed:    "Failed to dial HTTP proxy server",
	ErrCodeHTTPProxyConnectFailed: "HTTP proxy connection failed",
	ErrCodeCONNECTRequestFailed:   "Failed to send CONNECT request",
	ErrCodeCONNECTResponseFailed:  "Failed to read CONNECT response",
	ErrCodeProxyAuthFailed:        "Proxy authentication failed",
	ErrCodeProxyDenied:            "Proxy request denied",
	ErrCodeForwardRuleError:       "Error in forwarding rule evaluation",

	ErrCodeClassifierError: "Error in access control classifier",

	ErrCodeInterceptionSetupFailed: "Failed to setup traffic interception",
	ErrCodeInterceptQueueFull:      "Interception queue is full",

	ErrCodeTimeoutExceeded:         "Operation timeout exceeded",
	ErrCodeConcurrencyLimitReached: "Concurrency limit reached",

	ErrCodeInternalError:      "Internal proxy error",
	ErrCodeUnexpectedError:    "Unexpected error occurred",
	ErrCodeConfigurationError: "Configuration error",
}

// Helper functions to create common errors

// NewConfigurationError creates a configuration-related error
func NewConfigurationError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// NewConnectionError creates a connection-related error
func NewConnectionError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// NewHTTPError creates an HTTP-related error
func NewHTTPError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// NewProxyChainError creates a proxy chain-related error
func NewProxyChainError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// NewInternalError creates an internal error
func NewInternalError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// GetErrorDescription returns the description for a given error code
func GetErrorDescription(code string) string {
	if desc, exists := ErrorDescriptions[code]; exists {
		return desc
	}
	return "Unknown error code"
}

// ErrorCode returns the code of the first *Error in err's chain, or
// ErrCodeUnexpectedError when there is none.
func ErrorCode(err error) string {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr.Code
	}
	return ErrCodeUnexpectedError
}

func codeInRange(err error, lo, hi string) bool {
	var proxyErr *Error
	if !errors.As(err, &proxyErr) {
		return false
	}
	return proxyErr.Code >= lo && proxyErr.Code < hi
}

// IsConnectionError checks if the error is connection-related
func IsConnectionError(err error) bool {
	return codeInRange(err, "E2000", "E3000")
}

// IsHTTPError checks if the error is HTTP-related
func IsHTTPError(err error) bool {
	return codeInRange(err, "E4000", "E5000")
}

// IsProxyChainError checks if the error is proxy chain-related
func IsProxyChainError(err error) bool {
	return codeInRange(err, "E6000", "E7000")
}

// IsRoutingError reports errors that only drop the offending message.
func IsRoutingError(err error) bool {
	code := ErrorCode(err)
	return code == ErrCodeInvalidRequestTarget || code == ErrCodeUnknownMessage
}

// IsPeerClosed reports whether err means the remote end went away first:
// EOF, connection reset, broken pipe or a use of an already closed
// connection. Such errors are logged at debug level.
func IsPeerClosed(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE)
}

// classifyDialError maps a dial failure onto the connection error catalogue.
func classifyDialError(addr string, err error) *Error {
	code := ErrCodeDialFailed
	var netErr net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		code = ErrCodeConnectionRefused
	case errors.Is(err, syscall.EHOSTUNREACH):
		code = ErrCodeHostUnreachable
	case errors.Is(err, syscall.ENETUNREACH):
		code = ErrCodeNetworkUnreachable
	case errors.As(err, &netErr) && netErr.Timeout():
		code = ErrCodeConnectionTimeout
	}
	return NewConnectionError(code, GetErrorDescription(code), fmt.Errorf("dial %s: %w", addr, err))
}

// NewBadGatewayResponse creates an HTTP 502 Bad Gateway response from an error code.
// The body is a small HTML page naming the code and its description; the
// response always carries Connection: close because the proxy closes the
// client connection after sending it.
func NewBadGatewayResponse(errorCode string) (*codec.ResponseHead, *codec.Content) {
	description := GetErrorDescription(errorCode)
	title := "502 Bad Gateway"
	htmlBody := fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>%s</title>
</head>
<body>
    <h1>%s</h1>
    <p>The proxy could not reach the upstream server for this request.</p>
    <p><b>Error Code:</b> %s</p>
    <p><b>Description:</b> %s</p>
</body>
</html>
`, title, title, errorCode, description)

	bodyBytes := []byte(htmlBody)

	head := &codec.ResponseHead{
		Proto:      "HTTP/1.1",
		StatusCode: http.StatusBadGateway,
		Reason:     http.StatusText(http.StatusBadGateway),
		Header: codec.NewHeaders(
			"Content-Type", "text/html; charset=utf-8",
			"Content-Length", strconv.Itoa(len(bodyBytes)),
			"X-Proxy-Error", errorCode,
			"Connection", "close",
		),
	}
	return head, codec.NewContent(bodyBytes, true)
}
