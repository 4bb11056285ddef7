// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package capture records Intel PT for the calling OS thread through
// perf_event_open.
//
// A Handle owns two kernel rings: the AUX ring the hardware writes PT packets
// into, and the perf data ring carrying sideband records such as mmap and
// context switch events. Both are drained into a caller-owned OutputBuffer
// when tracing stops.
package capture // import "go.opentelemetry.io/pt-tracer/capture"

import (
	"errors"

	"go.opentelemetry.io/pt-tracer/pt"
	"go.opentelemetry.io/pt-tracer/times"
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrOpenEvent        = errors.New("failed to open perf event")
	ErrMmapHeader       = errors.New("failed to map perf header and data ring")
	ErrMmapAux          = errors.New("failed to map AUX ring")
	ErrResetEvent       = errors.New("failed to reset perf event")
	ErrEnableEvent      = errors.New("failed to enable perf event")
	ErrDisableEvent     = errors.New("failed to disable perf event")
	// ErrOverwritten means the kernel lapped the reader. The data is gone; a
	// larger ring is needed next time.
	ErrOverwritten = errors.New("trace data overwritten")
)

// MaxSizeShift bounds the ring size shifts accepted by CreateHandle.
const MaxSizeShift = 20

// OutputBuffer receives the drained rings. The capacities of PT and Sideband
// are fixed by the caller; PTSize and SidebandSize report the valid bytes.
type OutputBuffer struct {
	PT           []byte
	PTSize       int
	Sideband     []byte
	SidebandSize int
}

// NewOutputBuffer allocates an OutputBuffer with the given capacities.
func NewOutputBuffer(ptCap, sidebandCap int) *OutputBuffer {
	return &OutputBuffer{
		PT:       make([]byte, ptCap),
		Sideband: make([]byte, sidebandCap),
	}
}

// PTData returns the valid PT bytes.
func (o *OutputBuffer) PTData() []byte {
	return o.PT[:o.PTSize]
}

// SidebandData returns the valid sideband bytes.
func (o *OutputBuffer) SidebandData() []byte {
	return o.Sideband[:o.SidebandSize]
}

// Metadata describes a capture for the decoder: the CPU the trace was
// recorded on and the perf clock parameters needed to order sideband records
// against PT time stamps.
type Metadata struct {
	CPU       pt.CPU `json:"cpu"`
	TimeShift uint16 `json:"time_shift"`
	TimeMult  uint32 `json:"time_mult"`
	TimeZero  uint64 `json:"time_zero"`
	// SampleType is the sample_type of the sideband records, 0 when the
	// capture has no sideband.
	SampleType uint64 `json:"sample_type"`
}

// Conversion returns the perf time conversion parameters.
func (m Metadata) Conversion() times.Conversion {
	return times.Conversion{Shift: m.TimeShift, Mult: m.TimeMult, Zero: m.TimeZero}
}
