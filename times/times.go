// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package times converts between perf event time stamps and the time stamp
// counter used by Intel PT.
package times // import "go.opentelemetry.io/pt-tracer/times"

import "errors"

// ErrBadConversion is returned for a conversion without a multiplier.
var ErrBadConversion = errors.New("perf time conversion needs a non-zero multiplier")

// Conversion holds the time_shift, time_mult and time_zero parameters the
// kernel publishes in the perf mmap header page.
type Conversion struct {
	Shift uint16
	Mult  uint32
	Zero  uint64
	// Offset is added to every converted TSC value, for traces recorded in a
	// guest or after a TSC adjustment.
	Offset uint64
}

// Validate checks whether the parameters describe a usable conversion.
func (c Conversion) Validate() error {
	if c.Mult == 0 {
		return ErrBadConversion
	}
	return nil
}

// PerfToTSC converts a perf time stamp in nanoseconds into TSC ticks.
func (c Conversion) PerfToTSC(ns uint64) (uint64, error) {
	if err := c.Validate(); err != nil {
		return 0, err
	}
	t := ns - c.Zero
	mult := uint64(c.Mult)
	quot := t / mult
	rem := t % mult
	quot <<= c.Shift
	rem <<= c.Shift
	rem /= mult
	return quot + rem + c.Offset, nil
}

// TSCToPerf converts TSC ticks into a perf time stamp in nanoseconds.
func (c Conversion) TSCToPerf(tsc uint64) (uint64, error) {
	if err := c.Validate(); err != nil {
		return 0, err
	}
	tsc -= c.Offset
	mask := uint64(1)<<c.Shift - 1
	mult := uint64(c.Mult)
	ns := (tsc >> c.Shift) * mult
	ns += ((tsc & mask) * mult) >> c.Shift
	return ns + c.Zero, nil
}
