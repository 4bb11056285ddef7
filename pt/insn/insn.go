// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package insn reconstructs the executed instruction flow from an Intel PT
// packet stream and a memory image of the traced program.
//
// The decoder follows the model of the Intel SDM: conditional branches
// consume TNT bits, indirect branches and far transfers consume TIP packets,
// and asynchronous events are bound to the instruction at the IP of a FUP.
package insn // import "go.opentelemetry.io/pt-tracer/pt/insn"

import (
	"errors"
	"fmt"

	"go.opentelemetry.io/pt-tracer/image"
	"go.opentelemetry.io/pt-tracer/pt"
	"go.opentelemetry.io/pt-tracer/pt/ild"
)

var (
	// ErrNoSync is returned before the first successful SyncForward.
	ErrNoSync = errors.New("decoder not synchronized")
	// ErrEventPending is returned by Next while events must be fetched first.
	ErrEventPending = errors.New("event pending")
	// ErrNoEvent is returned by Event when no event is pending.
	ErrNoEvent = errors.New("no event pending")
	// ErrNoEnable is returned by Next while tracing is disabled.
	ErrNoEnable = errors.New("tracing not enabled")
	// ErrBadQuery is returned when the trace does not match the control
	// flow found in the memory image.
	ErrBadQuery = errors.New("trace does not match control flow")
	// ErrRetStackEmpty is returned for a compressed return without a
	// matching call.
	ErrRetStackEmpty = errors.New("return compression without call")
)

// Status flags returned along with decoder results.
type Status uint8

const (
	// StatusEventPending means Event must be called before Next.
	StatusEventPending Status = 1 << iota
	// StatusEOS means the trace is exhausted.
	StatusEOS
)

func (s Status) String() string {
	switch s {
	case 0:
		return "-"
	case StatusEventPending:
		return "event"
	case StatusEOS:
		return "eos"
	case StatusEventPending | StatusEOS:
		return "event|eos"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Config configures a Decoder.
type Config struct {
	CPU pt.CPU
	// Errata overrides the workarounds derived from CPU when non-nil.
	Errata *Errata
	Buffer []byte
	Image  *image.Image
}

// Insn is one executed instruction.
type Insn struct {
	IP   uint64
	Size uint8
	Raw  [ild.MaxLen]byte
	Mode ild.Mode
	// Class is the control flow class of the instruction.
	Class ild.Class
	// Speculative is set for instructions executed inside a transaction.
	Speculative bool
}

// Bytes returns the encoding of the instruction.
func (in *Insn) Bytes() []byte {
	return in.Raw[:in.Size]
}

func (in Insn) String() string {
	return fmt.Sprintf("%016x %s % x", in.IP, in.Class, in.Raw[:in.Size])
}

// ErrEmptyBuffer is returned by NewDecoder for an empty trace.
var ErrEmptyBuffer = errors.New("empty trace buffer")
