// Package log provides a context-carrying, severity-filtered logging system.
//
// Every rank process routes its diagnostics through this package instead of
// the standard library's log package, so that a single call site can carry
// structured values (rank, frame id, rendering set key) and so the handler
// and filter can be swapped centrally (tests redirect it to a buffer; the
// CLI driver points it at stderr).
//
// Basic usage:
//
//	log.I(ctx, "enqueued %d rays for rank %d", n, rank)
//	err := log.Err(ctx, cause, "commit failed")
package log

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gxy-project/gxy/core/fault/severity"
)

// Severity re-exports the severity levels for convenience so callers rarely
// need to import core/fault/severity directly.
type Severity = severity.Level

const (
	Emergency = severity.Emergency
	Alert     = severity.Alert
	Critical  = severity.Critical
	Error     = severity.Error
	Warning   = severity.Warning
	Notice    = severity.Notice
	Info      = severity.Info
	Debug     = severity.Debug
)

// Handler receives a fully formatted log record.
type Handler func(t time.Time, s Severity, tag string, msg string)

// Message is a single formatted log record, passed to a Handler.
type Message struct {
	Time     time.Time
	Severity Severity
	Tag      string
	Text     string
}

var (
	mu      sync.RWMutex
	handler Handler = stderrHandler
	filter          = Info
)

func stderrHandler(t time.Time, s Severity, tag string, msg string) {
	if tag != "" {
		fmt.Fprintf(os.Stderr, "%s %-7s [%s] %s\n", t.Format("15:04:05.000"), s, tag, msg)
		return
	}
	fmt.Fprintf(os.Stderr, "%s %-7s %s\n", t.Format("15:04:05.000"), s, msg)
}

// SetHandler replaces the global log sink. Returns the previous handler so
// it can be restored (tests do this to capture output).
func SetHandler(h Handler) Handler {
	mu.Lock()
	defer mu.Unlock()
	prev := handler
	handler = h
	return prev
}

// SetFilter sets the minimum severity that is passed to the handler.
// Higher-numbered (less urgent) levels than filter are suppressed.
func SetFilter(s Severity) { mu.Lock(); filter = s; mu.Unlock() }

type tagKeyType struct{}

// WithTag returns a context that attaches tag to every subsequent log call,
// e.g. the owning rank or rendering-set key.
func WithTag(ctx context.Context, tag string) context.Context {
	return context.WithValue(ctx, tagKeyType{}, tag)
}

func tagOf(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if t, ok := ctx.Value(tagKeyType{}).(string); ok {
		return t
	}
	return ""
}

func emit(ctx context.Context, s Severity, msg string) {
	mu.RLock()
	f, h := filter, handler
	mu.RUnlock()
	if s > f {
		return
	}
	h(time.Now(), s, tagOf(ctx), msg)
}

func logf(ctx context.Context, s Severity, format string, args ...interface{}) {
	emit(ctx, s, fmt.Sprintf(format, args...))
}

// I logs an Info-severity message.
func I(ctx context.Context, format string, args ...interface{}) { logf(ctx, Info, format, args...) }

// D logs a Debug-severity message.
func D(ctx context.Context, format string, args ...interface{}) { logf(ctx, Debug, format, args...) }

// N logs a Notice-severity message.
func N(ctx context.Context, format string, args ...interface{}) { logf(ctx, Notice, format, args...) }

// W logs a Warning-severity message. Used for Protocol errors (§7): the
// message references an unknown key or a stale frame and is dropped.
func W(ctx context.Context, format string, args ...interface{}) {
	logf(ctx, Warning, format, args...)
}

// E logs an Error-severity message.
func E(ctx context.Context, format string, args ...interface{}) { logf(ctx, Error, format, args...) }

// F logs a Critical-severity message then panics, which core/app/crash turns
// into a clean, logged process abort. Use for Resource errors (§7): a
// condition a single rank cannot locally recover from.
func F(ctx context.Context, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	emit(ctx, Critical, msg)
	panic(msg)
}

// Err wraps cause with msg, recording it at Error severity. The returned
// error's Error() string includes both msg and the cause, and Cause()
// returns the original error for errors.Unwrap-style inspection.
func Err(ctx context.Context, cause error, msg string) error {
	emit(ctx, Error, compose(msg, cause))
	return &wrapped{cause: cause, msg: msg}
}

// Errf is like Err but with a format string.
func Errf(ctx context.Context, cause error, format string, args ...interface{}) error {
	return Err(ctx, cause, fmt.Sprintf(format, args...))
}

func compose(msg string, cause error) string {
	if cause == nil {
		return msg
	}
	return fmt.Sprintf("%s: %v", msg, cause)
}

type wrapped struct {
	cause error
	msg   string
}

func (e *wrapped) Error() string { return compose(e.msg, e.cause) }
func (e *wrapped) Unwrap() error { return e.cause }
func (e *wrapped) Cause() error  { return e.cause }
