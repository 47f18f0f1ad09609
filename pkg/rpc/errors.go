package rpc

import (
	"fmt"
)

// JSON-RPC 2.0 standard error codes.
const (
	// ParseError indicates invalid JSON was received.
	ParseError = -32700

	// InvalidRequest indicates the JSON sent is not a valid Request object.
	InvalidRequest = -32600

	// MethodNotFound indicates the method does not exist.
	MethodNotFound = -32601

	// InvalidParams indicates invalid method parameters.
	InvalidParams = -32602

	// InternalError indicates an internal JSON-RPC error.
	InternalError = -32603
)

// Inspector error codes.
const (
	// TechniqueNotFound indicates no loaded technique matches the key.
	TechniqueNotFound = -32001

	// EvaluationFailed indicates the evaluation aborted.
	EvaluationFailed = -32002

	// CaptureNotAvailable indicates capture is disabled or the frame is missing.
	CaptureNotAvailable = -32003

	// NodeUnhealthy indicates the server is unhealthy.
	NodeUnhealthy = -32005
)

// Common error messages.
var (
	ErrParseError     = NewRPCError(ParseError, "Parse error")
	ErrInvalidRequest = NewRPCError(InvalidRequest, "Invalid Request")
	ErrMethodNotFound = NewRPCError(MethodNotFound, "Method not found")
	ErrInvalidParams  = NewRPCError(InvalidParams, "Invalid params")
	ErrInternalError  = NewRPCError(InternalError, "Internal error")
	ErrNodeUnhealthy  = NewRPCError(NodeUnhealthy, "Node is unhealthy")
	ErrCaptureOff     = NewRPCError(CaptureNotAvailable, "Capture is not enabled")
)

// NewRPCError creates a new RPC error.
func NewRPCError(code int, message string) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
	}
}

// NewRPCErrorWithData creates a new RPC error with additional data.
func NewRPCErrorWithData(code int, message string, data interface{}) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("RPC error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// InvalidParamsError creates an invalid params error with a custom message.
func InvalidParamsError(msg string) *RPCError {
	return NewRPCError(InvalidParams, msg)
}

// InvalidParamsErrorf creates an invalid params error with a formatted message.
func InvalidParamsErrorf(format string, args ...interface{}) *RPCError {
	return NewRPCError(InvalidParams, fmt.Sprintf(format, args...))
}

// InternalServerErrorf creates an internal server error with a formatted message.
func InternalServerErrorf(format string, args ...interface{}) *RPCError {
	return NewRPCError(InternalError, fmt.Sprintf(format, args...))
}

// TechniqueNotFoundError creates an error for an unknown technique key.
func TechniqueNotFoundError(key string) *RPCError {
	return NewRPCErrorWithData(TechniqueNotFound,
		fmt.Sprintf("Technique not found: %s", key),
		map[string]string{"technique": key})
}

// FrameNotFoundError creates an error for a frame missing from capture.
func FrameNotFoundError(frame uint64) *RPCError {
	return NewRPCErrorWithData(CaptureNotAvailable,
		fmt.Sprintf("Frame %d not captured", frame),
		map[string]uint64{"frame": frame})
}
