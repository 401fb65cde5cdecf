package errors

import (
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseOperation   Phase = "operation"   // caller-issued bridge operation
	PhaseEvent       Phase = "event"       // native delegate to router
	PhaseDispatch    Phase = "dispatch"    // router to caller object
	PhaseCorrelation Phase = "correlation" // one-shot request/response
	PhaseConfig      Phase = "config"      // option loading and validation
	PhaseHost        Phase = "host"        // WASM host boundary
	PhaseNative      Phase = "native"      // native SDK call
)

// Kind categorizes the error
type Kind string

const (
	KindHandleNotFound   Kind = "handle_not_found"
	KindNativeFailed     Kind = "native_failed"
	KindDuplicateFire    Kind = "duplicate_fire"
	KindMalformedRequest Kind = "malformed_request"
	KindNotFound         Kind = "not_found"
	KindClosed           Kind = "closed"
	KindExhausted        Kind = "exhausted"
	KindInvalidConfig    Kind = "invalid_config"
	KindUnroutable       Kind = "unroutable"
)

// Error is the structured error type used throughout the bridge
type Error struct {
	Value    any
	Cause    error
	Phase    Phase
	Kind     Kind
	Action   string
	Category string
	Detail   string
	Path     []string
	Handle   uint64
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Action != "" {
		b.WriteString(" in ")
		b.WriteString(e.Action)
	}

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.Category != "" {
		b.WriteString(": ")
		b.WriteString(e.Category)
		if e.Handle != 0 {
			b.WriteByte(' ')
			b.WriteString(strconv.FormatUint(e.Handle, 10))
		}
	}

	if e.Detail != "" {
		if e.Category != "" {
			b.WriteString(" - ")
		} else {
			b.WriteString(": ")
		}
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Code returns the short stable classification reported to callers.
func (e *Error) Code() string {
	return string(e.Kind)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// IsKind reports whether err is (or wraps) an *Error of the given kind,
// regardless of phase.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !stderrors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// KindOf returns the kind of err, or KindNativeFailed for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindNativeFailed
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the argument path
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Action sets the bridge action name
func (b *Builder) Action(name string) *Builder {
	b.err.Action = name
	return b
}

// Handle sets the category and handle involved
func (b *Builder) Handle(category string, h uint64) *Builder {
	b.err.Category = category
	b.err.Handle = h
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// HandleNotFound reports a handle absent from its category table
func HandleNotFound(phase Phase, category string, h uint64) *Error {
	return &Error{
		Phase:    phase,
		Kind:     KindHandleNotFound,
		Category: category,
		Handle:   h,
		Detail:   "invalid id",
		Value:    h,
	}
}

// NativeFailed wraps an error returned by the native SDK
func NativeFailed(action string, cause error) *Error {
	detail := "native call failed"
	if cause != nil {
		detail = cause.Error()
	}
	return &Error{
		Phase:  PhaseNative,
		Kind:   KindNativeFailed,
		Action: action,
		Detail: detail,
		Cause:  cause,
	}
}

// MalformedArg reports a caller argument of the wrong shape, type, or range
func MalformedArg(action string, index int, detail string, value any) *Error {
	return &Error{
		Phase:  PhaseOperation,
		Kind:   KindMalformedRequest,
		Action: action,
		Path:   []string{"args", strconv.Itoa(index)},
		Detail: detail,
		Value:  value,
	}
}

// InvalidEnum reports an unknown enumeration value in a caller argument
func InvalidEnum(action string, index int, value any, enumType string) *Error {
	return &Error{
		Phase:  PhaseOperation,
		Kind:   KindMalformedRequest,
		Action: action,
		Path:   []string{"args", strconv.Itoa(index)},
		Detail: fmt.Sprintf("invalid enum value %v for %s", value, enumType),
		Value:  value,
	}
}

// MalformedRequest reports a request that cannot be decoded as a whole
func MalformedRequest(action, detail string) *Error {
	return &Error{
		Phase:  PhaseOperation,
		Kind:   KindMalformedRequest,
		Action: action,
		Detail: detail,
	}
}

// CorrelationNotFound reports a fire or cancel for an ID that is not pending
func CorrelationNotFound(id uint64) *Error {
	return &Error{
		Phase:  PhaseCorrelation,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("correlation %d not pending", id),
		Value:  id,
	}
}

// DuplicateFire reports a fire for an ID that was already retired
func DuplicateFire(id uint64) *Error {
	return &Error{
		Phase:  PhaseCorrelation,
		Kind:   KindDuplicateFire,
		Detail: fmt.Sprintf("correlation %d already retired", id),
		Value:  id,
	}
}

// Closed reports use of a component after Close
func Closed(phase Phase, component string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindClosed,
		Detail: fmt.Sprintf("%s closed", component),
	}
}

// Exhausted reports a counter that can no longer issue fresh values
func Exhausted(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindExhausted,
		Detail: fmt.Sprintf("%s counter exhausted", what),
	}
}

// InvalidConfig reports configuration that failed decoding or validation
func InvalidConfig(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseConfig,
		Kind:   KindInvalidConfig,
		Detail: detail,
		Cause:  cause,
	}
}
