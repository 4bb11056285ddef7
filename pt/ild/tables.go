// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package ild // import "go.opentelemetry.io/pt-tracer/pt/ild"

type immKind uint8

const (
	immNone immKind = iota
	imm8
	imm16
	immZ        // 16 or 32 bit, by operand size
	immV        // 16, 32 or 64 bit, by operand size
	immEnter    // imm16 + imm8
	immMoffs    // address size
	immFarPtr   // 16 bit selector + z
	immGroup3b  // imm8 for /0 and /1
	immGroup3v  // immz for /0 and /1
	immRel8     // 8 bit branch displacement
	immRelZ     // 16 or 32 bit branch displacement
	immExtrq    // 66 0F 78: imm8 + imm8
	imm3DNow    // suffix opcode byte
)

type opTable struct {
	modrm [256]bool
	imm   [256]immKind
	// inv64 marks opcodes invalid in 64-bit mode.
	inv64 [256]bool
}

func set[T any](tbl *[256]T, v T, ops ...int) {
	for _, op := range ops {
		tbl[op] = v
	}
}

func span(lo, hi int) []int {
	ops := make([]int, 0, hi-lo+1)
	for op := lo; op <= hi; op++ {
		ops = append(ops, op)
	}
	return ops
}

var map0, map1 = buildMap0(), buildMap1()

func buildMap0() *opTable {
	t := &opTable{}

	// ALU rows: x0-x3 and x8-xb take ModRM; x4/xc imm8, x5/xd immz.
	for row := 0x00; row <= 0x38; row += 0x08 {
		set(&t.modrm, true, row, row+1, row+2, row+3)
		t.imm[row+4] = imm8
		t.imm[row+5] = immZ
	}
	set(&t.modrm, true, 0x62, 0x63, 0x69, 0x6b, 0xc0, 0xc1, 0xc4, 0xc5, 0xc6, 0xc7,
		0xf6, 0xf7, 0xfe, 0xff)
	set(&t.modrm, true, span(0x80, 0x8f)...)
	set(&t.modrm, true, span(0xd0, 0xd3)...)
	set(&t.modrm, true, span(0xd8, 0xdf)...)

	set(&t.imm, imm8, 0x6a, 0x6b, 0x80, 0x82, 0x83, 0xa8, 0xc0, 0xc1, 0xc6, 0xcd,
		0xd4, 0xd5, 0xe4, 0xe5, 0xe6, 0xe7)
	set(&t.imm, imm8, span(0xb0, 0xb7)...)
	set(&t.imm, immZ, 0x68, 0x69, 0x81, 0xa9, 0xc7)
	set(&t.imm, immV, span(0xb8, 0xbf)...)
	set(&t.imm, imm16, 0xc2, 0xca)
	t.imm[0xc8] = immEnter
	set(&t.imm, immMoffs, 0xa0, 0xa1, 0xa2, 0xa3)
	set(&t.imm, immFarPtr, 0x9a, 0xea)
	t.imm[0xf6] = immGroup3b
	t.imm[0xf7] = immGroup3v
	set(&t.imm, immRel8, span(0x70, 0x7f)...)
	set(&t.imm, immRel8, 0xe0, 0xe1, 0xe2, 0xe3, 0xeb)
	set(&t.imm, immRelZ, 0xe8, 0xe9)

	set(&t.inv64, true, 0x06, 0x07, 0x0e, 0x16, 0x17, 0x1e, 0x1f, 0x27, 0x2f, 0x37,
		0x3f, 0x60, 0x61, 0x82, 0x9a, 0xce, 0xd4, 0xd5, 0xd6, 0xea)
	return t
}

func buildMap1() *opTable {
	t := &opTable{}
	for op := range 256 {
		t.modrm[op] = true
	}
	set(&t.modrm, false, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0b, 0x0e, 0x77,
		0xa0, 0xa1, 0xa2, 0xa8, 0xa9, 0xaa)
	set(&t.modrm, false, span(0x30, 0x37)...)
	set(&t.modrm, false, span(0x80, 0x8f)...)
	set(&t.modrm, false, span(0xc8, 0xcf)...)

	set(&t.imm, imm8, 0x70, 0x71, 0x72, 0x73, 0xa4, 0xac, 0xba, 0xc2, 0xc4, 0xc5, 0xc6)
	set(&t.imm, immRelZ, span(0x80, 0x8f)...)
	t.imm[0x78] = immExtrq
	t.imm[0x0f] = imm3DNow
	return t
}

// vexImm8 reports whether a VEX or EVEX encoded opcode in map takes an imm8.
func vexImm8(m, op uint8) bool {
	switch m {
	case 1:
		switch op {
		case 0x70, 0x71, 0x72, 0x73, 0xc2, 0xc4, 0xc5, 0xc6:
			return true
		}
	case 3:
		return true
	}
	return false
}
