// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package log // import "go.opentelemetry.io/pt-tracer/internal/log"

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
)

// globalLogger holds the [slog.Logger] used by the capture and decode packages.
// It starts out as a text logger on stderr at Info level.
var globalLogger = func() *atomic.Pointer[slog.Logger] {
	l := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	p := new(atomic.Pointer[slog.Logger])
	p.Store(l)
	return p
}()

// SetLogger replaces the global logger.
func SetLogger(l slog.Logger) {
	globalLogger.Store(&l)
}

// SetLevelLogger installs a stderr text logger filtering at level.
func SetLevelLogger(level slog.Level) {
	SetLogger(*slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

func logf(level slog.Level, msg string, args ...any) {
	l := globalLogger.Load()
	if !l.Enabled(context.Background(), level) {
		return
	}
	if len(args) != 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	l.Log(context.Background(), level, msg)
}

// Debugf logs detailed information about decoder and capture internals.
func Debugf(msg string, args ...any) {
	logf(slog.LevelDebug, msg, args...)
}

// Infof logs informational messages.
func Infof(msg string, args ...any) {
	logf(slog.LevelInfo, msg, args...)
}

// Warnf logs conditions that lose data but do not abort the current operation,
// e.g. truncated AUX records or skipped sideband mappings.
func Warnf(msg string, args ...any) {
	logf(slog.LevelWarn, msg, args...)
}

// Errorf logs failures.
func Errorf(msg string, args ...any) {
	logf(slog.LevelError, msg, args...)
}
