// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package pmu reads the sysfs description of the Intel PT performance
// monitoring unit and builds perf_event_attr templates from it.
//
// The kernel exposes the PMU under /sys/bus/event_source/devices/intel_pt:
//
//	type            ASCII integer, the perf event type of the PMU
//	format/<field>  "config:<start>-<end>" or "config:<bit>", the location of
//	                a named field inside perf_event_attr.config
package pmu // import "go.opentelemetry.io/pt-tracer/pmu"

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultDir is the sysfs directory of the Intel PT PMU.
const DefaultDir = "/sys/bus/event_source/devices/intel_pt"

var (
	// ErrMalformedFormat is returned for sysfs content that does not follow
	// the documented layout.
	ErrMalformedFormat = errors.New("malformed PMU format")

	// ErrValueOutOfRange is returned when a value does not fit its field.
	ErrValueOutOfRange = errors.New("value out of range for PMU format field")
)

// Field is an inclusive bit range inside perf_event_attr.config.
type Field struct {
	Start, End uint
}

// Width returns the number of bits covered by the field.
func (f Field) Width() uint {
	return f.End - f.Start + 1
}

func (f Field) mask() uint64 {
	if f.Width() >= 64 {
		return ^uint64(0)
	}
	return 1<<f.Width() - 1
}

// Apply stores val into the field's bits of config.
func (f Field) Apply(config *uint64, val uint64) error {
	mask := f.mask()
	if val&^mask != 0 {
		return fmt.Errorf("0x%x does not fit config:%d-%d: %w",
			val, f.Start, f.End, ErrValueOutOfRange)
	}
	*config |= (val & mask) << f.Start
	return nil
}

// ReadType returns the perf event type assigned to the PMU.
func ReadType(dir string) (uint32, error) {
	path := filepath.Join(dir, "type")
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read PMU type: %w", err)
	}
	typ, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%s: %w: %v", path, ErrMalformedFormat, err)
	}
	return uint32(typ), nil
}

// ParseFormat parses the content of a format file.
func ParseFormat(content string) (Field, error) {
	content = strings.TrimSpace(content)
	bits, ok := strings.CutPrefix(content, "config:")
	if !ok {
		return Field{}, fmt.Errorf("%q: %w", content, ErrMalformedFormat)
	}
	startStr, endStr, isRange := strings.Cut(bits, "-")
	start, err := strconv.ParseUint(startStr, 10, 8)
	if err != nil {
		return Field{}, fmt.Errorf("%q: %w: %v", content, ErrMalformedFormat, err)
	}
	end := start
	if isRange {
		if end, err = strconv.ParseUint(endStr, 10, 8); err != nil {
			return Field{}, fmt.Errorf("%q: %w: %v", content, ErrMalformedFormat, err)
		}
	}
	if end < start || end > 63 {
		return Field{}, fmt.Errorf("%q: %w: bad bit range", content, ErrMalformedFormat)
	}
	return Field{Start: uint(start), End: uint(end)}, nil
}

// ReadFormat reads and parses format/<name>.
func ReadFormat(dir, name string) (Field, error) {
	data, err := os.ReadFile(filepath.Join(dir, "format", name))
	if err != nil {
		return Field{}, fmt.Errorf("failed to read PMU format %s: %w", name, err)
	}
	f, err := ParseFormat(string(data))
	if err != nil {
		return Field{}, fmt.Errorf("format %s: %w", name, err)
	}
	return f, nil
}

// Available reports whether the PMU directory exists.
func Available(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, "type"))
	return err == nil
}
