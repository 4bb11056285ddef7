// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pt2ir // import "go.opentelemetry.io/pt-tracer/pt2ir"

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned for empty input or input exceeding the
	// raw buffer.
	ErrInvalidInput = errors.New("invalid trace input")
	// ErrNotInitialized is returned by Convert before a successful Init.
	ErrNotInitialized = errors.New("session not initialized")
	// ErrAlreadyInitialized is returned by a second Init.
	ErrAlreadyInitialized = errors.New("session already initialized")
	// ErrInvalidConfig is returned by Init for unusable configurations.
	ErrInvalidConfig = errors.New("invalid session configuration")
)

// Step names the part of a conversion that failed.
type Step uint8

const (
	StepInvalidParameter Step = iota + 1
	StepNotInitialized
	StepSync
	StepGetPendingEvent
	StepSidebandEvent
	StepSetImage
	StepDecodeInsn
)

var stepNames = [...]string{
	StepInvalidParameter: "invalid parameter",
	StepNotInitialized:   "not initialized",
	StepSync:             "sync forward",
	StepGetPendingEvent:  "get pending event",
	StepSidebandEvent:    "apply sideband event",
	StepSetImage:         "set image",
	StepDecodeInsn:       "decode instruction",
}

func (s Step) String() string {
	if int(s) < len(stepNames) && stepNames[s] != "" {
		return stepNames[s]
	}
	return fmt.Sprintf("step(%d)", uint8(s))
}

// ConvertError describes a failed conversion.
type ConvertError struct {
	Step Step
	// Offset is the trace offset at the failure. It is only valid when
	// HasOffset is set.
	Offset    int
	HasOffset bool
	// IP is the address of the instruction being decoded, if any.
	IP  uint64
	Err error
}

func (e *ConvertError) Error() string {
	offset := "?"
	if e.HasOffset {
		offset = fmt.Sprintf("%08x", e.Offset)
	}
	return fmt.Sprintf("[%s, %016x: %s: %v]", offset, e.IP, e.Step, e.Err)
}

func (e *ConvertError) Unwrap() error {
	return e.Err
}
