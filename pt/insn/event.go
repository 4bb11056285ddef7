// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package insn // import "go.opentelemetry.io/pt-tracer/pt/insn"

import (
	"fmt"

	"go.opentelemetry.io/pt-tracer/pt/ild"
)

// EventType identifies the variant of an Event.
type EventType uint8

const (
	EventEnabled EventType = iota + 1
	EventDisabled
	EventAsyncDisabled
	EventAsyncBranch
	EventPaging
	EventOverflow
	EventExecMode
	EventTSX
	EventStop
	EventVMCS
	EventPTWrite
	EventCBR
	EventPower
)

var eventNames = [...]string{
	EventEnabled:       "enabled",
	EventDisabled:      "disabled",
	EventAsyncDisabled: "async-disabled",
	EventAsyncBranch:   "async-branch",
	EventPaging:        "paging",
	EventOverflow:      "overflow",
	EventExecMode:      "exec-mode",
	EventTSX:           "tsx",
	EventStop:          "stop",
	EventVMCS:          "vmcs",
	EventPTWrite:       "ptwrite",
	EventCBR:           "cbr",
	EventPower:         "power",
}

func (t EventType) String() string {
	if int(t) < len(eventNames) && eventNames[t] != "" {
		return eventNames[t]
	}
	return fmt.Sprintf("event(%d)", uint8(t))
}

// Event is a decoder event. The concrete types are the *...Event structs of
// this package.
type Event interface {
	Type() EventType
	Header() EventHeader
}

// EventHeader holds the fields common to all events.
type EventHeader struct {
	// TSC is the last timestamp seen before the event.
	TSC    uint64
	HasTSC bool
	// StatusUpdate marks events that restate the processor state at a PSB
	// rather than report a change.
	StatusUpdate bool
}

func (h EventHeader) Header() EventHeader { return h }

func (h *EventHeader) setTime(tsc uint64, ok bool) {
	h.TSC, h.HasTSC = tsc, ok
}

// EnabledEvent reports that tracing was enabled at IP.
type EnabledEvent struct {
	EventHeader
	IP uint64
}

// DisabledEvent reports that tracing was disabled by a branch. IP is the
// branch destination, if known.
type DisabledEvent struct {
	EventHeader
	IP    uint64
	HasIP bool
}

// AsyncDisabledEvent reports that tracing was disabled asynchronously
// before the instruction at At.
type AsyncDisabledEvent struct {
	EventHeader
	At    uint64
	IP    uint64
	HasIP bool
}

// AsyncBranchEvent reports an interrupt or exception at From.
type AsyncBranchEvent struct {
	EventHeader
	From uint64
	To   uint64
}

// PagingEvent reports a CR3 change.
type PagingEvent struct {
	EventHeader
	CR3     uint64
	NonRoot bool
}

// OverflowEvent reports lost trace. Decoding resumes at IP if HasIP is set,
// else with the next enable.
type OverflowEvent struct {
	EventHeader
	IP    uint64
	HasIP bool
}

// ExecModeEvent reports the execution mode after a far transfer.
type ExecModeEvent struct {
	EventHeader
	IP   uint64
	Mode ild.Mode
}

// TSXEvent reports a transaction state change.
type TSXEvent struct {
	EventHeader
	IP          uint64
	Speculative bool
	Aborted     bool
}

// StopEvent reports a TraceStop.
type StopEvent struct {
	EventHeader
}

// VMCSEvent reports a VMCS base change.
type VMCSEvent struct {
	EventHeader
	Base uint64
}

// PTWriteEvent reports the payload of a ptwrite instruction.
type PTWriteEvent struct {
	EventHeader
	IP      uint64
	HasIP   bool
	Size    uint8
	Payload uint64
}

// CBREvent reports a core:bus ratio change.
type CBREvent struct {
	EventHeader
	Ratio uint8
}

// PowerKind distinguishes power events.
type PowerKind uint8

const (
	PowerExStop PowerKind = iota
	PowerMWait
	PowerEntry
	PowerExit
)

// PowerEvent reports an execution stop or a C-state transition. Payload and
// Extra are those of the underlying packet.
type PowerEvent struct {
	EventHeader
	Kind    PowerKind
	IP      uint64
	HasIP   bool
	Payload uint64
	Extra   uint32
}

func (*EnabledEvent) Type() EventType       { return EventEnabled }
func (*DisabledEvent) Type() EventType      { return EventDisabled }
func (*AsyncDisabledEvent) Type() EventType { return EventAsyncDisabled }
func (*AsyncBranchEvent) Type() EventType   { return EventAsyncBranch }
func (*PagingEvent) Type() EventType        { return EventPaging }
func (*OverflowEvent) Type() EventType      { return EventOverflow }
func (*ExecModeEvent) Type() EventType      { return EventExecMode }
func (*TSXEvent) Type() EventType           { return EventTSX }
func (*StopEvent) Type() EventType          { return EventStop }
func (*VMCSEvent) Type() EventType          { return EventVMCS }
func (*PTWriteEvent) Type() EventType       { return EventPTWrite }
func (*CBREvent) Type() EventType           { return EventCBR }
func (*PowerEvent) Type() EventType         { return EventPower }

// stamped is implemented by the event structs through the embedded header.
type stamped interface {
	Event
	setTime(tsc uint64, ok bool)
}
