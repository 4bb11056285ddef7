// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pmu // import "go.opentelemetry.io/pt-tracer/pmu"

import "fmt"

// Mode selects which privilege levels are traced.
type Mode uint8

const (
	ModeUserOnly Mode = iota
	ModeKernelOnly
	ModeUserKernel

	numModes
)

// Modes lists all valid tracing modes.
var Modes = []Mode{ModeUserOnly, ModeKernelOnly, ModeUserKernel}

// Valid reports whether m names a known mode.
func (m Mode) Valid() bool {
	return m < numModes
}

// IncludesUser reports whether user space is traced.
func (m Mode) IncludesUser() bool {
	return m == ModeUserOnly || m == ModeUserKernel
}

// IncludesKernel reports whether the kernel is traced.
func (m Mode) IncludesKernel() bool {
	return m == ModeKernelOnly || m == ModeUserKernel
}

func (m Mode) String() string {
	switch m {
	case ModeUserOnly:
		return "user"
	case ModeKernelOnly:
		return "kernel"
	case ModeUserKernel:
		return "user+kernel"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseMode is the inverse of Mode.String.
func ParseMode(s string) (Mode, error) {
	for _, m := range Modes {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown tracing mode %q", s)
}
