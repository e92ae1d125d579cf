// Package errors provides structured error reporting for propbridge.
//
// Most conditions in the subscription core are not returned to callers:
// a failed subscribe simply never delivers, a stale record is dropped. The
// ones worth knowing about are reported through a process-wide ErrorHandler
// instead, so that a consumer goroutine never sees an error value crossing
// into its callbacks.
package errors

import (
	"fmt"
	"time"
)

// ErrorKind identifies the category of an error.
type ErrorKind int

const (
	// KindUnknown indicates an error of unknown type.
	KindUnknown ErrorKind = iota
	// KindResolution indicates the engine could not resolve a subscription
	// path or was shutting down. Non-fatal.
	KindResolution
	// KindDesync indicates a node mirror no longer matches the engine.
	KindDesync
	// KindDecode indicates a record or payload could not be decoded.
	KindDecode
	// KindLeak indicates a subscription was still active at shutdown.
	KindLeak
	// KindPlatform indicates a failure in the native engine boundary.
	KindPlatform
	// KindPanic indicates a recovered panic.
	KindPanic
)

func (k ErrorKind) String() string {
	switch k {
	case KindResolution:
		return "resolution"
	case KindDesync:
		return "desync"
	case KindDecode:
		return "decode"
	case KindLeak:
		return "leak"
	case KindPlatform:
		return "platform"
	case KindPanic:
		return "panic"
	default:
		return "unknown"
	}
}

// BridgeError represents a structured error in the subscription core.
type BridgeError struct {
	// Op is the operation that failed (e.g., "prop.Subscribe").
	Op string
	// Kind categorizes the error.
	Kind ErrorKind
	// Err is the underlying error.
	Err error
	// Sub is the subscription id, if applicable.
	Sub uint32
	// Path is the subscribed property path, if applicable.
	Path string
	// StackTrace contains the call stack at the time of the error.
	StackTrace string
	// Timestamp is when the error occurred.
	Timestamp time.Time
}

func (e *BridgeError) Error() string {
	switch {
	case e.Sub != 0 && e.Path != "":
		return fmt.Sprintf("%s [%s] sub=%d path=%s: %v", e.Op, e.Kind, e.Sub, e.Path, e.Err)
	case e.Sub != 0:
		return fmt.Sprintf("%s [%s] sub=%d: %v", e.Op, e.Kind, e.Sub, e.Err)
	case e.Path != "":
		return fmt.Sprintf("%s [%s] path=%s: %v", e.Op, e.Kind, e.Path, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %v", e.Op, e.Kind, e.Err)
}

func (e *BridgeError) Unwrap() error {
	return e.Err
}

// DesyncError describes a node operation that referenced state the local
// mirror does not have.
type DesyncError struct {
	// Op is the node operation ("add", "delete" or "move").
	Op string
	// ID is the offending property id.
	ID uint64
	// Reason says what was wrong with it.
	Reason string
}

func (e *DesyncError) Error() string {
	return fmt.Sprintf("mirror desync on %s of %d: %s", e.Op, e.ID, e.Reason)
}

// PanicError represents a recovered panic.
type PanicError struct {
	// Op is the operation that panicked (e.g., "courier.Drain").
	Op string
	// Value is the value passed to panic().
	Value any
	// StackTrace contains the call stack at the time of the panic.
	StackTrace string
	// Timestamp is when the panic occurred.
	Timestamp time.Time
}

func (e *PanicError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("panic in %s: %v", e.Op, e.Value)
	}
	return fmt.Sprintf("panic: %v", e.Value)
}

// ErrorHandler receives errors reported by propbridge.
type ErrorHandler interface {
	// HandleError is called when an error occurs.
	HandleError(err *BridgeError)
	// HandlePanic is called when a panic is recovered.
	HandlePanic(err *PanicError)
}
