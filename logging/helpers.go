package logging

import (
	"fmt"
	"time"
)

// The helpers below route through the richer BusLogger methods when the
// backend offers them and degrade to the plain Logger interface otherwise.

type contextLogger interface {
	withContext(key string, value any) Logger
	withComponent(c string) Logger
}

func (l *BusLogger) withContext(key string, value any) Logger { return l.WithContext(key, value) }
func (l *BusLogger) withComponent(c string) Logger            { return l.WithComponent(c) }

// With returns l with key=value attached to every entry. Backends without
// contextual cloning get l back unchanged.
func With(l Logger, key string, value any) Logger {
	if cl, ok := l.(contextLogger); ok {
		return cl.withContext(key, value)
	}
	return OrNoOp(l)
}

// Component returns l tagged with the logical component name.
func Component(l Logger, c string) Logger {
	if cl, ok := l.(contextLogger); ok {
		return cl.withComponent(c)
	}
	return OrNoOp(l)
}

// Dispatch records the outcome of delivering an envelope to a service.
func Dispatch(l Logger, service, envelopeID string, attempts int, dur time.Duration, success bool) {
	if dl, ok := l.(interface {
		LogDispatch(string, string, int, time.Duration, bool)
	}); ok {
		dl.LogDispatch(service, envelopeID, attempts, dur, success)
		return
	}
	args := []any{"service", service, "envelope_id", envelopeID, "attempts", attempts, "duration", dur}
	if success {
		l.Debug("Dispatch completed", args...)
		return
	}
	l.Warn("Dispatch failed", args...)
}

// DeadLetter records an envelope that was terminally discarded.
func DeadLetter(l Logger, envelopeID string, reason error, args ...any) {
	if dl, ok := l.(interface {
		LogDeadLetter(string, error, ...any)
	}); ok {
		dl.LogDeadLetter(envelopeID, reason, args...)
		return
	}
	l.Warn("Envelope dead-lettered", append([]any{"envelope_id", envelopeID, "reason", reason.Error()}, args...)...)
}

// ErrorWithStack logs err together with the current goroutine's stack when
// the backend supports it.
func ErrorWithStack(l Logger, err error, msg string, args ...any) {
	if sl, ok := l.(interface {
		ErrorWithStack(error, string, ...any)
	}); ok {
		sl.ErrorWithStack(err, msg, args...)
		return
	}
	l.Error(msg, append(args, "error", err.Error(), "error_type", fmt.Sprintf("%T", err))...)
}

// Timer returns a closure that logs how long op took once invoked.
func Timer(l Logger, op string) func() {
	if tl, ok := l.(interface{ StartTimer(string) func() }); ok {
		return tl.StartTimer(op)
	}
	start := time.Now()
	return func() { l.Info("Operation completed", "operation", op, "duration", time.Since(start)) }
}
