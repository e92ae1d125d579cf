package errors

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogHandler is an ErrorHandler that writes through zerolog.
//
// Desync and panics are logged at error level, leaks at warn, resolution
// failures at debug since an unresolved path is an expected outcome.
type LogHandler struct {
	// Logger overrides the global zerolog logger when non-nil.
	Logger *zerolog.Logger
	// Verbose enables stack traces in the output.
	Verbose bool
}

func (h *LogHandler) logger() *zerolog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return &log.Logger
}

// HandleError logs a BridgeError.
func (h *LogHandler) HandleError(err *BridgeError) {
	if err == nil {
		return
	}
	l := h.logger()
	var ev *zerolog.Event
	switch err.Kind {
	case KindResolution:
		ev = l.Debug()
	case KindLeak:
		ev = l.Warn()
	default:
		ev = l.Error()
	}
	ev = ev.Str("op", err.Op).Stringer("kind", err.Kind)
	if err.Sub != 0 {
		ev = ev.Uint32("sub", err.Sub)
	}
	if err.Path != "" {
		ev = ev.Str("path", err.Path)
	}
	if h.Verbose && err.StackTrace != "" {
		ev = ev.Str("stack", err.StackTrace)
	}
	ev.Err(err.Err).Msg("propbridge error")
}

// HandlePanic logs a PanicError.
func (h *LogHandler) HandlePanic(err *PanicError) {
	if err == nil {
		return
	}
	ev := h.logger().Error().Interface("value", err.Value)
	if err.Op != "" {
		ev = ev.Str("op", err.Op)
	}
	if h.Verbose && err.StackTrace != "" {
		ev = ev.Str("stack", err.StackTrace)
	}
	ev.Msg("propbridge panic")
}
