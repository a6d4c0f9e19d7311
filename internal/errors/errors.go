// Package errors provides structured error types for the pwnmcp server.
// These errors include helpful hints and suggestions that guide the LLM
// to correct course when something goes wrong.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a category of error for programmatic handling
type ErrorCode string

const (
	// Control channel errors
	CodeProtocolParse  ErrorCode = "PROTOCOL_PARSE_ERROR"
	CodeCommandTimeout ErrorCode = "COMMAND_TIMEOUT"
	CodeChannelClosed  ErrorCode = "CHANNEL_CLOSED"
	CodeGdbError       ErrorCode = "GDB_ERROR"

	// Session errors
	CodeInvalidState ErrorCode = "INVALID_STATE"
	CodeSpawnFailed  ErrorCode = "SPAWN_FAILED"

	// PTY errors
	CodePTYUnavailable ErrorCode = "PTY_UNAVAILABLE"

	// Symbol relay errors
	CodeRelayUnavailable ErrorCode = "RELAY_UNAVAILABLE"

	// Parameter errors
	CodeMissingParameter ErrorCode = "MISSING_PARAMETER"
	CodeInvalidParameter ErrorCode = "INVALID_PARAMETER"

	// Payload helper errors
	CodePayloadEval ErrorCode = "PAYLOAD_EVAL_FAILED"
)

// DebugError is a structured error type that includes helpful information
// for the LLM to understand what went wrong and how to fix it.
type DebugError struct {
	// Code is a machine-readable error category
	Code ErrorCode `json:"code"`

	// Message is a human/LLM-readable description of what went wrong
	Message string `json:"message"`

	// Hint provides actionable guidance on how to fix the error
	Hint string `json:"hint,omitempty"`

	// Details contains additional context (e.g., the invalid value, expected format)
	Details map[string]interface{} `json:"details,omitempty"`

	// Cause is the underlying error, if any
	Cause error `json:"-"`
}

// Error implements the error interface
func (e *DebugError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)

	if e.Hint != "" {
		sb.WriteString(" | Hint: ")
		sb.WriteString(e.Hint)
	}

	return sb.String()
}

// Unwrap returns the underlying error for error chaining
func (e *DebugError) Unwrap() error {
	return e.Cause
}

// WithDetails adds details to the error
func (e *DebugError) WithDetails(key string, value interface{}) *DebugError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying cause
func (e *DebugError) WithCause(err error) *DebugError {
	e.Cause = err
	return e
}

// IsCode reports whether err is a *DebugError carrying the given code.
func IsCode(err error, code ErrorCode) bool {
	var de *DebugError
	if stderrors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// --- Control channel errors ---

// CommandTimeout creates an error for a control command whose reply never arrived
func CommandTimeout(command string, timeout time.Duration) *DebugError {
	return &DebugError{
		Code:    CodeCommandTimeout,
		Message: fmt.Sprintf("command did not complete within %s", timeout),
		Hint:    "The debugger may be busy or the target may be running. Use interrupt_process to stop the target, or session_status to check state.",
		Details: map[string]interface{}{
			"command": command,
			"timeout": timeout.String(),
		},
	}
}

// ChannelClosed creates an error for operations against a dead control channel
func ChannelClosed(reason string) *DebugError {
	msg := "debugger control channel is closed"
	if reason != "" {
		msg = fmt.Sprintf("debugger control channel is closed: %s", reason)
	}
	return &DebugError{
		Code:    CodeChannelClosed,
		Message: msg,
		Hint:    "The debugger process terminated. Use reset_session to spawn a fresh session.",
	}
}

// GdbError creates an error from a ^error result record
func GdbError(command, msg string) *DebugError {
	if msg == "" {
		msg = "unknown error"
	}
	return &DebugError{
		Code:    CodeGdbError,
		Message: fmt.Sprintf("gdb rejected the command: %s", msg),
		Hint:    "Check the command syntax. Raw CLI commands can be issued through execute_command without the MI dash prefix.",
		Details: map[string]interface{}{
			"command": command,
		},
	}
}

// --- Session errors ---

// InvalidState creates an error for an operation issued in the wrong lifecycle state
func InvalidState(operation string, state string) *DebugError {
	return &DebugError{
		Code:    CodeInvalidState,
		Message: fmt.Sprintf("%s is not valid while the session is %s", operation, state),
		Hint:    "Use session_status to inspect the current state. load_executable is required before run; reset_session recovers from exited or terminated states.",
		Details: map[string]interface{}{
			"operation": operation,
			"state":     state,
		},
	}
}

// SpawnFailed creates an error when the debugger process cannot be started
func SpawnFailed(path string, err error) *DebugError {
	return &DebugError{
		Code:    CodeSpawnFailed,
		Message: fmt.Sprintf("failed to spawn debugger %q: %v", path, err),
		Hint:    "Ensure gdb (or pwndbg's gdb) is installed and the configured path is correct.",
		Cause:   err,
		Details: map[string]interface{}{
			"path": path,
		},
	}
}

// --- PTY errors ---

// PTYUnavailable creates an error for process I/O without an open PTY
func PTYUnavailable(err error) *DebugError {
	return &DebugError{
		Code:    CodePTYUnavailable,
		Message: "target process terminal is not available",
		Hint:    "The session may not be started or the terminal was torn down. Use reset_session to reinitialize.",
		Cause:   err,
	}
}

// --- Symbol relay errors ---

// RelayUnavailable creates a non-fatal error for symbol relay failures
func RelayUnavailable(addr string, err error) *DebugError {
	return &DebugError{
		Code:    CodeRelayUnavailable,
		Message: fmt.Sprintf("symbol relay at %s is unavailable: %v", addr, err),
		Hint:    "Debugging continues without the relay. Check that the decompiler-side listener is running, then retry connect_symbol_relay.",
		Cause:   err,
		Details: map[string]interface{}{
			"address": addr,
		},
	}
}

// --- Parameter errors ---

// MissingParameter creates an error for missing required parameters
func MissingParameter(paramName, description string) *DebugError {
	return &DebugError{
		Code:    CodeMissingParameter,
		Message: fmt.Sprintf("required parameter '%s' is missing", paramName),
		Hint:    description,
		Details: map[string]interface{}{
			"parameter": paramName,
		},
	}
}

// InvalidParameter creates an error for invalid parameter values
func InvalidParameter(paramName string, value interface{}, expected string) *DebugError {
	return &DebugError{
		Code:    CodeInvalidParameter,
		Message: fmt.Sprintf("invalid value for parameter '%s': %v", paramName, value),
		Hint:    fmt.Sprintf("Expected: %s", expected),
		Details: map[string]interface{}{
			"parameter": paramName,
			"value":     value,
			"expected":  expected,
		},
	}
}

// --- Payload helper errors ---

// PayloadEvalFailed creates an error for expression expansion failures in send_to_process
func PayloadEvalFailed(expr string, err error) *DebugError {
	return &DebugError{
		Code:    CodePayloadEval,
		Message: fmt.Sprintf("payload expression %q failed: %v", expr, err),
		Hint:    "Expressions inside $( ) are Lua. Packing helpers: p8, p16, p32, p64 (little endian; add 'be' suffix for big endian), rep(s, n), cyclic(n).",
		Cause:   err,
		Details: map[string]interface{}{
			"expression": expr,
		},
	}
}

// --- Helper for wrapping generic errors ---

// Wrap wraps a generic error with context
func Wrap(code ErrorCode, message string, hint string, err error) *DebugError {
	return &DebugError{
		Code:    code,
		Message: message,
		Hint:    hint,
		Cause:   err,
	}
}

// FromError creates a DebugError from a generic error, attempting to preserve any existing structure
func FromError(err error) *DebugError {
	var de *DebugError
	if stderrors.As(err, &de) {
		return de
	}
	return &DebugError{
		Code:    "UNKNOWN_ERROR",
		Message: err.Error(),
		Hint:    "An unexpected error occurred. Please check the error message for details.",
		Cause:   err,
	}
}
