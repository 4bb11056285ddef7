// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package pt holds the definitions shared by the Intel Processor Trace
// decoding layers.
package pt // import "go.opentelemetry.io/pt-tracer/pt"

import (
	"errors"
	"fmt"
)

// ErrEOS marks the end of the trace. It is not a failure.
var ErrEOS = errors.New("end of trace stream")

// Vendor identifies the CPU manufacturer.
type Vendor uint8

const (
	VendorUnknown Vendor = iota
	VendorIntel
)

func (v Vendor) String() string {
	switch v {
	case VendorIntel:
		return "intel"
	default:
		return "unknown"
	}
}

// CPU identifies the processor a trace was recorded on. Decoders use it to
// enable workarounds for known errata.
type CPU struct {
	Vendor   Vendor `json:"vendor"`
	Family   uint16 `json:"family"`
	Model    uint8  `json:"model"`
	Stepping uint8  `json:"stepping"`
}

func (c CPU) String() string {
	return fmt.Sprintf("%s/%d/%d/%d", c.Vendor, c.Family, c.Model, c.Stepping)
}
