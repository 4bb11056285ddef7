// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pt2ir // import "go.opentelemetry.io/pt-tracer/pt2ir"

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"go.opentelemetry.io/pt-tracer/metrics"
	"go.opentelemetry.io/pt-tracer/pt/ild"
	"go.opentelemetry.io/pt-tracer/pt/insn"
)

// Instr is a decoded instruction of the output list.
type Instr struct {
	Addr  uint64
	Len   uint8
	Mode  ild.Mode
	Class ild.Class
	// Inst is only valid when Decoded is set. Otherwise the instruction is
	// a placeholder for an encoding that could not be identified; its bytes
	// are still recorded in the list.
	Inst    x86asm.Inst
	Decoded bool
}

func (i Instr) String() string {
	if !i.Decoded {
		return fmt.Sprintf("%016x (bad)", i.Addr)
	}
	return fmt.Sprintf("%016x %s", i.Addr, x86asm.IntelSyntax(i.Inst, i.Addr, nil))
}

// translate converts a decoded trace instruction.
func translate(in *insn.Insn) Instr {
	instr := Instr{Addr: in.IP, Len: in.Size, Mode: in.Mode, Class: in.Class}
	raw := in.Bytes()

	if ild.IsEndbr64(raw) {
		// Executes as a nop without CET.
		instr.Inst = x86asm.Inst{Op: x86asm.NOP, Len: len(raw), Mode: 64}
		instr.Decoded = true
		return instr
	}

	// Unknown or cut off encodings come back as a prefix(0xNN) pseudo
	// instruction without an error.
	inst, err := x86asm.Decode(raw, in.Mode.Bits())
	if err != nil || inst.Op == 0 || inst.Len != len(raw) {
		metrics.Add(metrics.IDPlaceholderInstructions, 1)
		return instr
	}
	instr.Inst, instr.Decoded = inst, true
	return instr
}
