package bcemu

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gogpu/wgpu/hal"
)

// nopHandler is a slog.Handler that silently discards all log records.
// The Enabled method returns false so the caller skips message formatting
// entirely, making disabled logging effectively zero-cost.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// newNopLogger creates a logger that silently discards all output.
func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine.
var loggerPtr atomic.Pointer[slog.Logger]

// live holds the layers that follow the package logger.
var (
	liveMu sync.Mutex
	live   = make(map[loggerSetter]struct{})
)

func init() {
	l := newNopLogger()
	loggerPtr.Store(l)
}

// SetLogger configures the logger for bcemu, its sub-packages and the wgpu
// HAL. By default, bcemu produces no log output. Call SetLogger to enable
// logging.
//
// SetLogger is safe for concurrent use: it stores the new logger atomically.
// Pass nil to disable logging (restore default silent behavior). Layers
// created with [WithLogger] keep their own logger.
//
// Log levels used by bcemu:
//   - [slog.LevelDebug]: per-image lifecycle (registered, captured, decompressed)
//   - [slog.LevelInfo]: layer and device lifecycle, device tuning
//   - [slog.LevelWarn]: CPU fallback, unknown images, settle failures
//   - [slog.LevelError]: decompression failures, state machine violations
//
// Example:
//
//	// Enable debug-level logging for full diagnostics:
//	bcemu.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)
	hal.SetLogger(l)

	liveMu.Lock()
	defer liveMu.Unlock()
	for s := range live {
		s.SetLogger(l)
	}
}

// Logger returns the current logger used by bcemu.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}

// loggerSetter is implemented by components that accept a logger.
type loggerSetter interface {
	SetLogger(*slog.Logger)
}

// follow makes s track the package logger until unfollow is called.
func follow(s loggerSetter) {
	liveMu.Lock()
	live[s] = struct{}{}
	liveMu.Unlock()
	s.SetLogger(Logger())
}

func unfollow(s loggerSetter) {
	liveMu.Lock()
	delete(live, s)
	liveMu.Unlock()
}
