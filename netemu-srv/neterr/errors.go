package neterr

import (
	"errors"
	"fmt"
)

// Error is a coded failure reason. Every failure surfaced by netemu to its
// owner (a rejected configuration write, a failed flow) carries one.
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

// New creates a new Error with the given code and description
func New(code, description string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Cause:       cause,
	}
}

// Wrap creates an Error using the registered description of code.
func Wrap(code string, cause error) *Error {
	return New(code, Description(code), cause)
}

// Errorf creates an Error whose cause is built from format.
// Arguments are handled in the manner of [fmt.Errorf].
func Errorf(code, format string, v ...any) *Error {
	return New(code, Description(code), fmt.Errorf(format, v...))
}

// Error codes
const (
	// Configuration errors (E1000-E1999)
	ErrCodeInvalidShaping      = "E1001"
	ErrCodeInvalidRadio        = "E1002"
	ErrCodeInvalidServerConfig = "E1003"
	ErrCodeInvalidPresetTable  = "E1004"
	ErrCodeInvalidUpstream     = "E1005"
	ErrCodeNoEnabledServers    = "E1006"

	// Resolution errors (E2000-E2999)
	ErrCodeInvalidLiteral  = "E2001"
	ErrCodeDNSFailure      = "E2002"
	ErrCodeInvalidPort     = "E2003"
	ErrCodeNoUsableAddress = "E2004"

	// Connect errors (E3000-E3999)
	ErrCodeDialFailed           = "E3001"
	ErrCodeUpstreamDialFailed   = "E3002"
	ErrCodeCONNECTRefused       = "E3003"
	ErrCodeSOCKS5ConnectFailed  = "E3004"
	ErrCodeProxyAuthRequired    = "E3005"
	ErrCodeListenerCreateFailed = "E3006"

	// Classification (E4000-E4999)
	ErrCodeClassificationTimeout = "E4001"
	ErrCodeClassificationRead    = "E4002"

	// Codec (E5000-E5999)
	ErrCodeBufferTooSmall = "E5001"

	// Resource and internal errors (E9000-E9999)
	ErrCodeQuiesced                = "E9001"
	ErrCodeGatewayStopped          = "E9002"
	ErrCodeConcurrencyLimitReached = "E9006"
	ErrCodeInternalError           = "E9901"
	ErrCodeUnsupportedPlatform     = "E9904"
)

// Descriptions maps error codes to human-readable descriptions.
var Descriptions = map[string]string{
	ErrCodeInvalidShaping:      "Invalid network shaping value",
	ErrCodeInvalidRadio:        "Invalid radio state value",
	ErrCodeInvalidServerConfig: "Invalid server configuration",
	ErrCodeInvalidPresetTable:  "Invalid radio preset table",
	ErrCodeInvalidUpstream:     "Invalid upstream proxy configuration",
	ErrCodeNoEnabledServers:    "No enabled listeners configured",

	ErrCodeInvalidLiteral:  "Unparseable address literal",
	ErrCodeDNSFailure:      "DNS resolution failed",
	ErrCodeInvalidPort:     "Port out of range 1-65535",
	ErrCodeNoUsableAddress: "No address of a usable family",

	ErrCodeDialFailed:           "Failed to connect to destination",
	ErrCodeUpstreamDialFailed:   "Failed to connect to upstream proxy",
	ErrCodeCONNECTRefused:       "Upstream proxy refused CONNECT",
	ErrCodeSOCKS5ConnectFailed:  "SOCKS5 connection failed",
	ErrCodeProxyAuthRequired:    "Upstream proxy requires authentication",
	ErrCodeListenerCreateFailed: "Failed to create network listener",

	ErrCodeClassificationTimeout: "Classification window timed out",
	ErrCodeClassificationRead:    "Failed to read classification window",

	ErrCodeBufferTooSmall: "Destination buffer too small",

	ErrCodeQuiesced:                "Conditioner is quiesced",
	ErrCodeGatewayStopped:          "Gateway is stopped",
	ErrCodeConcurrencyLimitReached: "Concurrency limit reached",
	ErrCodeInternalError:           "Internal error",
	ErrCodeUnsupportedPlatform:     "Not supported on this platform",
}

// Description returns the description for a given error code
func Description(code string) string {
	if desc, exists := Descriptions[code]; exists {
		return desc
	}
	return "Unknown error code"
}

// Code returns the code of the first *Error in err's chain, or "" if none.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func inRange(err error, lo, hi string) bool {
	code := Code(err)
	return code != "" && code >= lo && code < hi
}

// IsConfigError checks if the error is a rejected configuration write
func IsConfigError(err error) bool {
	return inRange(err, "E1000", "E2000")
}

// IsResolutionError checks if the error is address resolution related
func IsResolutionError(err error) bool {
	return inRange(err, "E2000", "E3000")
}

// IsConnectError checks if the error is connection related
func IsConnectError(err error) bool {
	return inRange(err, "E3000", "E4000")
}

// IsClassificationError checks if the error came from the classification step
func IsClassificationError(err error) bool {
	return inRange(err, "E4000", "E5000")
}

func IsBufferTooSmall(err error) bool {
	return Code(err) == ErrCodeBufferTooSmall
}

// IsResourceError checks if the error is a resource or internal error
func IsResourceError(err error) bool {
	return inRange(err, "E9000", "E9999")
}
