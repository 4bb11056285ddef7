// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package ild // import "go.opentelemetry.io/pt-tracer/pt/ild"

import "fmt"

type decoder struct {
	code []byte
	mode Mode
	pos  int

	osz, asz   bool
	rep, repne bool
	rexW       bool
	modrm      byte
	insn       Insn
}

func (d *decoder) byteAt(i int) (byte, error) {
	if i >= MaxLen {
		return 0, fmt.Errorf("longer than %d bytes: %w", MaxLen, ErrBadInsn)
	}
	if i >= len(d.code) {
		return 0, ErrTruncated
	}
	return d.code[i], nil
}

func (d *decoder) next() (byte, error) {
	b, err := d.byteAt(d.pos)
	if err == nil {
		d.pos++
	}
	return b, err
}

// skip consumes n bytes and returns them as a little-endian signed value.
func (d *decoder) skip(n int) (int64, error) {
	if n == 0 {
		return 0, nil
	}
	if _, err := d.byteAt(d.pos + n - 1); err != nil {
		return 0, err
	}
	var v uint64
	for i := n - 1; i >= 0; i-- {
		v = v<<8 | uint64(d.code[d.pos+i])
	}
	d.pos += n
	shift := 64 - 8*n
	return int64(v<<shift) >> shift, nil
}

// opsize returns the effective operand size in bytes.
func (d *decoder) opsize() int {
	switch d.mode {
	case Mode64:
		if d.rexW {
			return 8
		}
		if d.osz {
			return 2
		}
		return 4
	case Mode32:
		if d.osz {
			return 2
		}
		return 4
	default:
		if d.osz {
			return 4
		}
		return 2
	}
}

// addrsize returns the effective address size in bytes.
func (d *decoder) addrsize() int {
	switch d.mode {
	case Mode64:
		if d.asz {
			return 4
		}
		return 8
	case Mode32:
		if d.asz {
			return 2
		}
		return 4
	default:
		if d.asz {
			return 4
		}
		return 2
	}
}

func (d *decoder) zsize() int {
	if d.opsize() == 2 {
		return 2
	}
	return 4
}

// Decode decodes the instruction at the start of code.
func Decode(code []byte, mode Mode) (Insn, error) {
	if mode == ModeUnknown {
		return Insn{}, fmt.Errorf("unknown execution mode: %w", ErrBadInsn)
	}
	d := decoder{code: code, mode: mode}
	d.insn.Mode = mode
	if err := d.decode(); err != nil {
		return Insn{}, err
	}
	d.insn.Len = d.pos
	return d.insn, nil
}

func (d *decoder) decode() error {
	b, err := d.prefixes()
	if err != nil {
		return err
	}

	switch b {
	case 0xc4, 0xc5, 0x62:
		vex, err := d.isVEX()
		if err != nil {
			return err
		}
		if vex {
			return d.decodeVEX(b)
		}
	case 0x8f:
		next, err := d.byteAt(d.pos + 1)
		if err != nil {
			return err
		}
		if (next>>3)&7 != 0 {
			return d.decodeXOP()
		}
	case 0x0f:
		return d.decodeEscape()
	}
	return d.decodeMap0()
}

func (d *decoder) prefixes() (byte, error) {
	for {
		b, err := d.byteAt(d.pos)
		if err != nil {
			return 0, err
		}
		switch b {
		case 0x66:
			d.osz = true
		case 0x67:
			d.asz = true
		case 0x26, 0x2e, 0x36, 0x3e, 0x64, 0x65, 0xf0:
		case 0xf2:
			d.repne, d.rep = true, false
		case 0xf3:
			d.rep, d.repne = true, false
		default:
			if d.mode == Mode64 && b&0xf0 == 0x40 {
				d.rexW = b&0x08 != 0
				d.pos++
				continue
			}
			return b, nil
		}
		// A REX prefix only applies right before the opcode.
		d.rexW = false
		d.pos++
	}
}

// isVEX tells C4/C5/62 VEX and EVEX prefixes from LES/LDS/BOUND, which
// outside of 64-bit mode need a memory operand.
func (d *decoder) isVEX() (bool, error) {
	if d.mode == Mode64 {
		return true, nil
	}
	next, err := d.byteAt(d.pos + 1)
	if err != nil {
		return false, err
	}
	return next&0xc0 == 0xc0, nil
}

func (d *decoder) decodeVEX(prefix byte) error {
	var m uint8
	switch prefix {
	case 0xc5:
		d.pos += 2
		m = 1
	case 0xc4:
		p1, err := d.byteAt(d.pos + 1)
		if err != nil {
			return err
		}
		d.pos += 3
		m = p1 & 0x1f
		if m < 1 || m > 3 {
			return fmt.Errorf("vex map %d: %w", m, ErrBadInsn)
		}
	case 0x62:
		p0, err := d.byteAt(d.pos + 1)
		if err != nil {
			return err
		}
		d.pos += 4
		m = p0 & 0x7
		switch m {
		case 1, 2, 3, 5, 6:
		default:
			return fmt.Errorf("evex map %d: %w", m, ErrBadInsn)
		}
	}
	op, err := d.next()
	if err != nil {
		return err
	}
	d.insn.Map, d.insn.Opcode = m, op
	// vzeroupper and vzeroall have no ModRM.
	if !(prefix != 0x62 && m == 1 && op == 0x77) {
		if err := d.modRM(); err != nil {
			return err
		}
	}
	if vexImm8(m, op) {
		_, err = d.skip(1)
	}
	return err
}

func (d *decoder) decodeXOP() error {
	p1, err := d.byteAt(d.pos + 1)
	if err != nil {
		return err
	}
	d.pos += 3
	m := p1 & 0x1f
	op, err := d.next()
	if err != nil {
		return err
	}
	d.insn.Map, d.insn.Opcode = m, op
	if err := d.modRM(); err != nil {
		return err
	}
	switch m {
	case 8:
		_, err = d.skip(1)
	case 9:
	case 10:
		_, err = d.skip(4)
	default:
		return fmt.Errorf("xop map %d: %w", m, ErrBadInsn)
	}
	return err
}

func (d *decoder) decodeEscape() error {
	d.pos++
	b, err := d.next()
	if err != nil {
		return err
	}
	switch b {
	case 0x38, 0x3a:
		op, err := d.next()
		if err != nil {
			return err
		}
		d.insn.Map, d.insn.Opcode = 2, op
		if err := d.modRM(); err != nil {
			return err
		}
		if b == 0x3a {
			d.insn.Map = 3
			_, err = d.skip(1)
		}
		return err
	}

	d.insn.Map, d.insn.Opcode = 1, b
	if map1.modrm[b] {
		if err := d.modRM(); err != nil {
			return err
		}
	}
	rel, err := d.immediate(map1.imm[b])
	if err != nil {
		return err
	}
	d.classifyMap1(b, rel)
	return nil
}

func (d *decoder) decodeMap0() error {
	op, err := d.next()
	if err != nil {
		return err
	}
	if d.mode == Mode64 && map0.inv64[op] {
		return fmt.Errorf("opcode 0x%02x in 64-bit mode: %w", op, ErrBadInsn)
	}
	d.insn.Map, d.insn.Opcode = 0, op
	if map0.modrm[op] {
		if err := d.modRM(); err != nil {
			return err
		}
	}
	rel, err := d.immediate(map0.imm[op])
	if err != nil {
		return err
	}
	d.classifyMap0(op, rel)
	return nil
}

func (d *decoder) modRM() error {
	modrm, err := d.next()
	if err != nil {
		return err
	}
	d.modrm = modrm
	mod, rm := modrm>>6, modrm&7
	if mod == 3 {
		return nil
	}

	if d.addrsize() == 2 {
		switch {
		case mod == 0 && rm == 6, mod == 2:
			_, err = d.skip(2)
		case mod == 1:
			_, err = d.skip(1)
		}
		return err
	}

	base := rm
	if rm == 4 {
		sib, err := d.next()
		if err != nil {
			return err
		}
		base = sib & 7
	}
	switch {
	case mod == 0 && base == 5, mod == 2:
		_, err = d.skip(4)
	case mod == 1:
		_, err = d.skip(1)
	}
	return err
}

func (d *decoder) reg() uint8 {
	return (d.modrm >> 3) & 7
}

// immediate consumes the immediate operand and returns it if it is a branch
// displacement.
func (d *decoder) immediate(kind immKind) (int64, error) {
	var err error
	switch kind {
	case immNone:
	case imm8, imm3DNow:
		_, err = d.skip(1)
	case imm16:
		_, err = d.skip(2)
	case immZ:
		_, err = d.skip(d.zsize())
	case immV:
		n := d.zsize()
		if d.opsize() == 8 {
			n = 8
		}
		_, err = d.skip(n)
	case immEnter:
		_, err = d.skip(3)
	case immMoffs:
		_, err = d.skip(d.addrsize())
	case immFarPtr:
		_, err = d.skip(2 + d.zsize())
	case immGroup3b:
		if d.reg() <= 1 {
			_, err = d.skip(1)
		}
	case immGroup3v:
		if d.reg() <= 1 {
			_, err = d.skip(d.zsize())
		}
	case immExtrq:
		if d.osz || d.repne {
			_, err = d.skip(2)
		}
	case immRel8:
		return d.skip(1)
	case immRelZ:
		if d.mode == Mode64 {
			return d.skip(4)
		}
		return d.skip(d.zsize())
	}
	return 0, err
}

func (d *decoder) classifyMap0(op byte, rel int64) {
	in := &d.insn
	switch {
	case op >= 0x70 && op <= 0x7f, op >= 0xe0 && op <= 0xe3:
		in.Class, in.Rel = ClassCondJump, rel
	case op == 0xeb, op == 0xe9:
		in.Class, in.Rel = ClassJump, rel
	case op == 0xe8:
		in.Class, in.Rel = ClassCall, rel
	case op == 0xc2, op == 0xc3:
		in.Class, in.Indirect = ClassReturn, true
	case op == 0xca, op == 0xcb, op == 0xcf:
		in.Class, in.Indirect = ClassFarReturn, true
	case op == 0x9a:
		in.Class, in.Indirect = ClassFarCall, true
	case op == 0xea:
		in.Class, in.Indirect = ClassFarJump, true
	case op == 0xcc, op == 0xcd, op == 0xce, op == 0xf1:
		in.Class, in.Indirect = ClassInterrupt, true
	case op == 0xff:
		switch d.reg() {
		case 2:
			in.Class, in.Indirect = ClassCall, true
		case 3:
			in.Class, in.Indirect = ClassFarCall, true
		case 4:
			in.Class, in.Indirect = ClassJump, true
		case 5:
			in.Class, in.Indirect = ClassFarJump, true
		}
	}
}

func (d *decoder) classifyMap1(op byte, rel int64) {
	in := &d.insn
	switch {
	case op >= 0x80 && op <= 0x8f:
		in.Class, in.Rel = ClassCondJump, rel
	case op == 0x05, op == 0x34:
		in.Class, in.Indirect = ClassSyscall, true
	case op == 0x07, op == 0x35:
		in.Class, in.Indirect = ClassSysret, true
	case op == 0x01:
		switch d.modrm {
		case 0xc1:
			// vmcall
			in.Class, in.Indirect = ClassFarCall, true
		case 0xc2, 0xc3:
			// vmlaunch, vmresume
			in.Class, in.Indirect = ClassFarJump, true
		}
	case op == 0xae:
		if d.rep && d.reg() == 4 {
			in.Class = ClassPtwrite
		}
	}
}
