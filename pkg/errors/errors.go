// Unified error handling for the GRBL host
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Configuration errors
	ErrConfigSection    ErrorCode = "CONFIG_SECTION"
	ErrConfigOption     ErrorCode = "CONFIG_OPTION"
	ErrConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrConfigType       ErrorCode = "CONFIG_TYPE"

	// Protocol errors
	ErrProtocolSyntax ErrorCode = "PROTOCOL_SYNTAX"
	ErrDeviceReported ErrorCode = "DEVICE_ERROR"
	ErrDeviceAlarm    ErrorCode = "DEVICE_ALARM"

	// Command errors
	ErrEncoding     ErrorCode = "ENCODING"
	ErrTransport    ErrorCode = "TRANSPORT"
	ErrPrecondition ErrorCode = "PRECONDITION"
	ErrSequence     ErrorCode = "SEQUENCE"

	// Runtime errors
	ErrRuntime       ErrorCode = "RUNTIME"
	ErrRuntimeClosed ErrorCode = "RUNTIME_CLOSED"
)

// HostError is the unified error type for the host system
type HostError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Line is the line number in a config file (if available)
	Line int

	// Section is the config section or context
	Section string

	// Option is the config option name (if applicable)
	Option string

	// DeviceCode is the numeric code reported by the device
	DeviceCode int

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *HostError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Section != "" {
		msg = fmt.Sprintf("[%s:%s] %s", e.Code, e.Section, e.Message)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *HostError) Unwrap() error {
	return e.Err
}

// SetLine sets the line number
func (e *HostError) SetLine(line int) *HostError {
	e.Line = line
	return e
}

// SetSection sets the context section
func (e *HostError) SetSection(section string) *HostError {
	e.Section = section
	return e
}

// SetOption sets the config option
func (e *HostError) SetOption(option string) *HostError {
	e.Option = option
	return e
}

// SetDeviceCode sets the code reported by the device
func (e *HostError) SetDeviceCode(code int) *HostError {
	e.DeviceCode = code
	return e
}

// SetContext adds additional context
func (e *HostError) SetContext(key string, value interface{}) *HostError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// New creates a new HostError
func New(code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
	}
}

// Config errors

// ConfigSectionError creates an error for missing config section
func ConfigSectionError(section string) *HostError {
	return New(ErrConfigSection, fmt.Sprintf("section '%s' not found", section)).
		SetSection(section)
}

// ConfigOptionError creates an error for missing or invalid config option
func ConfigOptionError(section, option string) *HostError {
	return New(ErrConfigOption, fmt.Sprintf("option '%s' not found in section '%s'", option, section)).
		SetSection(section).
		SetOption(option)
}

// ConfigValidationError creates an error for config validation failure
func ConfigValidationError(section, option string, reason string) *HostError {
	return New(ErrConfigValidation, fmt.Sprintf("option '%s' in section '%s': %s", option, section, reason)).
		SetSection(section).
		SetOption(option)
}

// ConfigTypeError creates an error for config type conversion failure
func ConfigTypeError(section, option, value string, targetType string, err error) *HostError {
	return Wrap(err, ErrConfigType, fmt.Sprintf("option '%s' in section '%s': failed to parse '%s' as %s", option, section, value, targetType)).
		SetSection(section).
		SetOption(option)
}

// Protocol errors

// SyntaxError creates an error for a device line that matched a known
// prefix but could not be parsed.
func SyntaxError(line string, reason string) *HostError {
	return New(ErrProtocolSyntax, fmt.Sprintf("malformed line %q: %s", line, reason)).
		SetContext("line", line)
}

// DeviceError creates an error for an error:<code> response.
func DeviceError(code int, message string) *HostError {
	return New(ErrDeviceReported, fmt.Sprintf("device error %d: %s", code, message)).
		SetDeviceCode(code)
}

// AlarmError creates an error for an ALARM:<code> report.
func AlarmError(code int, message string) *HostError {
	return New(ErrDeviceAlarm, fmt.Sprintf("alarm %d: %s", code, message)).
		SetDeviceCode(code)
}

// Command errors

// EncodingError creates an error for a command without a protocol mapping
func EncodingError(command string, reason string) *HostError {
	return New(ErrEncoding, fmt.Sprintf("cannot encode %s: %s", command, reason))
}

// TransportError wraps a failed send or receive
func TransportError(operation string, err error) *HostError {
	return Wrap(err, ErrTransport, fmt.Sprintf("transport %s failed", operation))
}

// PreconditionError creates an error for an operation refused in the current state
func PreconditionError(operation string, reason string) *HostError {
	return New(ErrPrecondition, fmt.Sprintf("%s refused: %s", operation, reason))
}

// SequenceError creates an error for a configuration sequence failure
func SequenceError(message string) *HostError {
	return New(ErrSequence, message)
}

// Runtime errors

// RuntimeError creates a general runtime error
func RuntimeError(message string) *HostError {
	return New(ErrRuntime, message)
}

// ClosedError creates an error for use of a stopped component
func ClosedError(component string) *HostError {
	return New(ErrRuntimeClosed, fmt.Sprintf("%s is closed", component))
}

// Helper functions for adding context

// WithConfigPath adds config file path to error context
func WithConfigPath(err *HostError, path string) *HostError {
	if err == nil {
		return nil
	}
	err.SetContext("config_path", path)
	return err
}

// RecoverPanic safely recovers from panic and converts to error
func RecoverPanic() *HostError {
	if r := recover(); r != nil {
		switch x := r.(type) {
		case runtime.Error:
			return RuntimeError(x.Error())
		case error:
			return RuntimeError(x.Error())
		case string:
			return RuntimeError(fmt.Sprintf("panic: %s", x))
		default:
			return RuntimeError(fmt.Sprintf("panic: %v", x))
		}
	}
	return nil
}

// CodeOf returns the code of the first HostError in err's chain
func CodeOf(err error) ErrorCode {
	var hostErr *HostError
	if stderrors.As(err, &hostErr) {
		return hostErr.Code
	}
	return ""
}

// Is checks if error matches given error code
func Is(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsConfig checks if error is a config error
func IsConfig(err error) bool {
	return Is(err, ErrConfigSection) ||
		Is(err, ErrConfigOption) ||
		Is(err, ErrConfigValidation) ||
		Is(err, ErrConfigType)
}

// IsDevice checks if error was reported by the device
func IsDevice(err error) bool {
	return Is(err, ErrDeviceReported) ||
		Is(err, ErrDeviceAlarm)
}

// IsCommand checks if error came from issuing a command
func IsCommand(err error) bool {
	return Is(err, ErrEncoding) ||
		Is(err, ErrTransport) ||
		Is(err, ErrPrecondition) ||
		Is(err, ErrSequence)
}
