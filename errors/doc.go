// Package errors provides structured error types for the carrier bridge.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type carries the failing action, the handle involved, the argument
// path for malformed requests, and the native cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseOperation, errors.KindMalformedRequest).
//		Action("addStream").
//		Path("args", "1").
//		Detail("unknown stream type %d", 9).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.HandleNotFound(errors.PhaseOperation, "stream", 42)
//	err := errors.NativeFailed("sessionStart", cause)
//
// Every error crossing the bridge boundary is a value: Code() returns a short
// stable classification and Error() a human-readable description.
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
