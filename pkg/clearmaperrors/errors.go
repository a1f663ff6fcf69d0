// Package clearmaperrors provides structured error handling for clearmap with
// error categorization, key-value context and stack traces.
//
// # Overview
//
// Every failure in the extraction pipeline is wrapped once at the point where
// it is first observed, tagged with the stage that produced it and the
// relation or job it belongs to, and then propagated to the owning scope:
//
//	rows, err := tx.Query(ctx, sql)
//	if err != nil {
//	    return clearmaperrors.Wrap(err, clearmaperrors.ErrorTypeCursor, "failed to fetch batch").
//	        WithDetail("database", rel.Database).
//	        WithDetail("table", rel.Table)
//	}
//
// # Error Types
//
// The type tells the retry queue and the logs which stage failed: catalog and
// extraction queries, cursor reads, the sink feeding the external process, the
// process itself, or publishing the output artifact.
//
// # Thread Safety
//
// Error instances are not safe for concurrent modification. Add details before
// sharing an error across goroutines.
package clearmaperrors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorType represents the category of an error.
type ErrorType string

const (
	// ErrorTypeInternal represents internal failures, including recovered panics
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeValidation represents invalid input
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeConnection represents connection and pool errors
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeQuery represents catalog and extraction query errors
	ErrorTypeQuery ErrorType = "query"
	// ErrorTypeCursor represents server-side cursor read errors
	ErrorTypeCursor ErrorType = "cursor"
	// ErrorTypeData represents row decoding and transformation errors
	ErrorTypeData ErrorType = "data"
	// ErrorTypeSink represents failures writing to the tile builder input
	ErrorTypeSink ErrorType = "sink"
	// ErrorTypeProcess represents external process spawn and exit failures
	ErrorTypeProcess ErrorType = "process"
	// ErrorTypeFile represents output artifact file operation errors
	ErrorTypeFile ErrorType = "file"
	// ErrorTypePublish represents artifact upload errors
	ErrorTypePublish ErrorType = "publish"
)

// Error is a structured error with a category, context details and the call
// stack captured where it was created.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack.
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error. Calls can be chained.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given type and message.
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates a new error with a formatted message.
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps err with a type and message. Details of a wrapped *Error are
// carried over so context added deeper in the stack is not lost. Returns nil
// if err is nil.
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	var existingErr *Error
	if errors.As(err, &existingErr) {
		wrapped := &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
		}
		for k, v := range existingErr.Details {
			wrapped.WithDetail(k, v)
		}
		return wrapped
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// IsRetryable reports whether a job that failed with err may be attempted
// again. Configuration and validation errors fail the same way on every
// attempt; everything else, including errors from outside this package, is
// retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if !errors.As(err, &e) {
		return true
	}

	switch e.Type {
	case ErrorTypeConfig, ErrorTypeValidation:
		return false
	default:
		return true
	}
}

// IsType reports whether any error in err's chain is an *Error of errType.
func IsType(err error, errType ErrorType) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Type == errType {
			return true
		}
		err = e.Cause
	}
	return false
}

// DetailsOf returns the details of the outermost *Error in err's chain.
func DetailsOf(err error) map[string]interface{} {
	var e *Error
	if !errors.As(err, &e) {
		return nil
	}
	return e.Details
}

func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
