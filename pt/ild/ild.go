// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package ild determines the length of x86 instructions and classifies the
// control flow transfers the PT flow decoder has to follow. It does not
// decode operands beyond what is needed for that.
package ild // import "go.opentelemetry.io/pt-tracer/pt/ild"

import (
	"errors"
	"fmt"
)

// MaxLen is the architectural limit for the length of an instruction.
const MaxLen = 15

var (
	// ErrBadInsn is returned for byte sequences that are not a valid
	// instruction in the given mode.
	ErrBadInsn = errors.New("invalid instruction")
	// ErrTruncated is returned when the instruction extends beyond the
	// available bytes.
	ErrTruncated = errors.New("truncated instruction")
)

// Mode is the execution mode, as signaled by MODE.Exec packets.
type Mode uint8

const (
	ModeUnknown Mode = iota
	Mode16
	Mode32
	Mode64
)

func (m Mode) String() string {
	switch m {
	case Mode16:
		return "16-bit"
	case Mode32:
		return "32-bit"
	case Mode64:
		return "64-bit"
	default:
		return "unknown"
	}
}

// Bits returns the width of the instruction pointer in mode.
func (m Mode) Bits() int {
	switch m {
	case Mode16:
		return 16
	case Mode32:
		return 32
	default:
		return 64
	}
}

// ModeFromCS returns the mode for the CS.L and CS.D bits.
func ModeFromCS(csl, csd bool) Mode {
	switch {
	case csl:
		return Mode64
	case csd:
		return Mode32
	default:
		return Mode16
	}
}

// Class is the control flow class of an instruction.
type Class uint8

const (
	ClassOther Class = iota
	ClassCondJump
	ClassJump
	ClassCall
	ClassReturn
	ClassFarCall
	ClassFarJump
	ClassFarReturn
	ClassSyscall
	ClassSysret
	ClassInterrupt
	ClassPtwrite
)

var classNames = [...]string{
	ClassOther:     "other",
	ClassCondJump:  "cond-jump",
	ClassJump:      "jump",
	ClassCall:      "call",
	ClassReturn:    "return",
	ClassFarCall:   "far-call",
	ClassFarJump:   "far-jump",
	ClassFarReturn: "far-return",
	ClassSyscall:   "syscall",
	ClassSysret:    "sysret",
	ClassInterrupt: "interrupt",
	ClassPtwrite:   "ptwrite",
}

func (c Class) String() string {
	if int(c) < len(classNames) {
		return classNames[c]
	}
	return fmt.Sprintf("class(%d)", uint8(c))
}

// IsBranch reports whether instructions of class c change the flow of
// control.
func (c Class) IsBranch() bool {
	return c != ClassOther && c != ClassPtwrite
}

// IsFar reports whether c transfers control through a far branch, which
// PT always reports with a TIP.
func (c Class) IsFar() bool {
	switch c {
	case ClassFarCall, ClassFarJump, ClassFarReturn, ClassSyscall, ClassSysret, ClassInterrupt:
		return true
	}
	return false
}

// Insn is a decoded instruction.
type Insn struct {
	Len   int
	Class Class
	// Indirect is set when the branch target is not encoded in the
	// instruction.
	Indirect bool
	// Rel is the displacement of direct near branches.
	Rel int64
	// Map is the opcode map: 0 for one-byte opcodes, 1 for 0F, 2 for 0F38,
	// 3 for 0F3A; VEX/EVEX/XOP encodings report their map field.
	Map    uint8
	Opcode uint8
	Mode   Mode
}

// Target returns the destination of a direct branch at ip.
func (i Insn) Target(ip uint64) uint64 {
	next := ip + uint64(i.Len) + uint64(i.Rel)
	if bits := i.Mode.Bits(); bits < 64 {
		next &= 1<<bits - 1
	}
	return next
}

// IsEndbr64 returns true if code starts with the endbr64 instruction, which
// some disassemblers do not know.
func IsEndbr64(code []byte) bool {
	return len(code) >= 4 &&
		code[0] == 0xf3 && code[1] == 0x0f && code[2] == 0x1e && code[3] == 0xfa
}
