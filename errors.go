package mlxdispatch

import (
	"errors"
	"fmt"
)

// Code enumerates the dispatcher's error taxonomy. It is a closed set:
// every public-facing failure is translated to one of these before it
// crosses the facade boundary.
type Code string

const (
	CodeTransport      Code = "transport"
	CodeTimeout        Code = "timeout"
	CodeCancelled      Code = "cancelled"
	CodeBackpressure   Code = "backpressure"
	CodeAtCapacity     Code = "at_capacity"
	CodeCircuitOpen    Code = "circuit_open"
	CodeModelNotLoaded Code = "model_not_loaded"
	CodeModelLoadError Code = "model_load_error"
	CodeTokenizer      Code = "tokenizer_error"
	CodeGeneration     Code = "generation_error"
	CodeValidation     Code = "validation_error"
	CodeRuntime        Code = "runtime_error"
)

// EngineError is the compact {code, message, details} shape every public
// method returns on failure.
type EngineError struct {
	Code       Code
	Message    string
	Details    map[string]any
	RetryAfter int64 // milliseconds, 0 if not applicable
	cause      error
}

func (e *EngineError) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("mlxdispatch: %s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("mlxdispatch: %s: %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error { return e.cause }

// Is matches on Code alone, so callers can write errors.Is(err,
// &EngineError{Code: CodeTimeout}) without needing the exact message.
func (e *EngineError) Is(target error) bool {
	var other *EngineError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

func newErr(code Code, cause error, msg string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(msg, args...), cause: cause}
}

func errTransport(cause error, msg string, args ...any) *EngineError {
	return newErr(CodeTransport, cause, msg, args...)
}

func errTimeout(msg string, args ...any) *EngineError {
	return newErr(CodeTimeout, nil, msg, args...)
}

func errCancelled(msg string, args ...any) *EngineError {
	return newErr(CodeCancelled, nil, msg, args...)
}

func errBackpressure(retryAfterMs int64, msg string, args ...any) *EngineError {
	e := newErr(CodeBackpressure, nil, msg, args...)
	e.RetryAfter = retryAfterMs
	return e
}

func errAtCapacity(reason string) *EngineError {
	e := newErr(CodeAtCapacity, nil, "admission denied: %s", reason)
	return e
}

func errCircuitOpen(retryAfterMs int64) *EngineError {
	e := newErr(CodeCircuitOpen, nil, "reconciliation circuit is open")
	e.RetryAfter = retryAfterMs
	return e
}

func errModelNotLoaded(modelID string) *EngineError {
	return newErr(CodeModelNotLoaded, nil, "model %q is not loaded", modelID)
}

func errModelLoad(cause error, modelID string) *EngineError {
	return newErr(CodeModelLoadError, cause, "failed to load model %q", modelID)
}

func errTokenizer(cause error, modelID string) *EngineError {
	return newErr(CodeTokenizer, cause, "tokenizer failure for model %q", modelID)
}

func errGeneration(cause error, streamID string) *EngineError {
	return newErr(CodeGeneration, cause, "generation failure for stream %q", streamID)
}

func errValidation(msg string, args ...any) *EngineError {
	return newErr(CodeValidation, nil, msg, args...)
}

func errRuntime(cause error, msg string, args ...any) *EngineError {
	return newErr(CodeRuntime, cause, msg, args...)
}
