// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package log provides a public logging interface for go.opentelemetry.io/pt-tracer.
package log // import "go.opentelemetry.io/pt-tracer/log"

import (
	"log/slog"

	"go.opentelemetry.io/pt-tracer/internal/log"
)

// SetLevel configures the log level for the internal logger.
func SetLevel(level slog.Level) {
	log.SetLevelLogger(level)
}

// SetLogger configures the internal logger.
func SetLogger(l slog.Logger) {
	log.SetLogger(l)
}
