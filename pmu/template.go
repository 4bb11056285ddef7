// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pmu // import "go.opentelemetry.io/pt-tracer/pmu"

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SidebandSampleType is the sample_type requested for sideband records. With
// sample_id_all set, every non-sample record carries a trailer with these
// fields, which the sideband decoder uses to order records in time.
const SidebandSampleType = unix.PERF_SAMPLE_TID | unix.PERF_SAMPLE_TIME | unix.PERF_SAMPLE_CPU

// Format field names used by the templates.
const (
	FormatNoRetComp = "noretcomp"
	FormatCyc       = "cyc"
	FormatTSC       = "tsc"
)

// Template is an immutable perf_event_attr for one tracing mode.
type Template struct {
	mode Mode
	attr unix.PerfEventAttr
}

// NewTemplate builds the attribute template for mode from the PMU described
// in dir.
func NewTemplate(dir string, mode Mode) (*Template, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("invalid tracing mode %d", mode)
	}
	typ, err := ReadType(dir)
	if err != nil {
		return nil, err
	}

	attr := unix.PerfEventAttr{
		Type: typ,
		Size: uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Bits: unix.PerfBitDisabled | unix.PerfBitExcludeHv,
	}
	if mode.IncludesKernel() {
		// Return compression needs a call stack the decoder cannot rebuild
		// after entering the kernel mid-function.
		if err := applyFormat(dir, FormatNoRetComp, 1, &attr.Config); err != nil {
			return nil, err
		}
	} else {
		attr.Bits |= unix.PerfBitExcludeKernel
	}
	if mode.IncludesUser() {
		if err := applyFormat(dir, FormatCyc, 1, &attr.Config); err != nil {
			return nil, err
		}
		// Sideband records are applied at the TSC of trace events.
		if err := applyFormat(dir, FormatTSC, 1, &attr.Config); err != nil {
			return nil, err
		}
		attr.Sample_type = SidebandSampleType
		attr.Bits |= unix.PerfBitMmap | unix.PerfBitMmap2 | unix.PerfBitComm |
			unix.PerfBitCommExec | unix.PerfBitContextSwitch | unix.PerfBitSampleIDAll
	} else {
		attr.Bits |= unix.PerfBitExcludeUser
	}

	return &Template{mode: mode, attr: attr}, nil
}

func applyFormat(dir, name string, val uint64, config *uint64) error {
	f, err := ReadFormat(dir, name)
	if err != nil {
		return err
	}
	return f.Apply(config, val)
}

// Mode returns the tracing mode of the template.
func (t *Template) Mode() Mode {
	return t.mode
}

// Attr returns a copy of the attribute record, ready for perf_event_open.
func (t *Template) Attr() unix.PerfEventAttr {
	return t.attr
}

// SampleType returns the sample_type of sideband records, or 0 if the mode
// produces no sideband.
func (t *Template) SampleType() uint64 {
	return t.attr.Sample_type
}
