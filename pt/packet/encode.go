// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package packet // import "go.opentelemetry.io/pt-tracer/pt/packet"

import (
	"fmt"
	"math/bits"
)

func appendLE(dst []byte, v uint64, n int) []byte {
	for range n {
		dst = append(dst, byte(v))
		v >>= 8
	}
	return dst
}

// Append encodes p and appends it to dst. Size is ignored; it follows from
// the other fields.
func Append(dst []byte, p Packet) ([]byte, error) {
	switch p.Type {
	case TypePad:
		return append(dst, opPad), nil
	case TypePSB:
		return append(dst, psbPattern...), nil
	case TypePSBEnd:
		return append(dst, opExt, extPSBEnd), nil
	case TypeOVF:
		return append(dst, opExt, extOVF), nil
	case TypeTraceStop:
		return append(dst, opExt, extStop), nil
	case TypeTNT8:
		if p.TNT.Count == 0 || p.TNT.Count > 6 || bits.Len64(p.TNT.Bits) > int(p.TNT.Count) {
			return dst, fmt.Errorf("%d tnt bits in tnt.8: %w", p.TNT.Count, ErrBadPacket)
		}
		return append(dst, byte((p.TNT.Bits|1<<p.TNT.Count)<<1)), nil
	case TypeTNT64:
		if p.TNT.Count == 0 || p.TNT.Count > 47 || bits.Len64(p.TNT.Bits) > int(p.TNT.Count) {
			return dst, fmt.Errorf("%d tnt bits in tnt.64: %w", p.TNT.Count, ErrBadPacket)
		}
		return appendLE(append(dst, opExt, extTNT64), p.TNT.Bits|1<<p.TNT.Count, 6), nil
	case TypeTIP, TypeTIPPGE, TypeTIPPGD, TypeFUP:
		n, ok := p.IPC.payloadSize()
		if !ok {
			return dst, fmt.Errorf("ip compression %d: %w", p.IPC, ErrBadPacket)
		}
		op := map[Type]byte{TypeTIP: opTIP, TypeTIPPGE: opTIPPE,
			TypeTIPPGD: opTIPPG, TypeFUP: opFUP}[p.Type]
		return appendLE(append(dst, op|byte(p.IPC)<<5), p.Payload, n), nil
	case TypeModeExec:
		return append(dst, opMode, p.Flags&(ExecCSL|ExecCSD|ExecIFlag)), nil
	case TypeModeTSX:
		return append(dst, opMode, 1<<5|p.Flags&(TSXInTX|TSXAbort)), nil
	case TypeTSC:
		return appendLE(append(dst, opTSC), p.Payload, 7), nil
	case TypeMTC:
		return append(dst, opMTC, byte(p.Payload)), nil
	case TypeCBR:
		return append(dst, opExt, extCBR, byte(p.Payload), 0), nil
	case TypePIP:
		return appendLE(append(dst, opExt, extPIP), p.Payload>>5<<1|uint64(p.Flags&1), 6), nil
	case TypeVMCS:
		return appendLE(append(dst, opExt, extVMCS), p.Payload>>12, 5), nil
	case TypeTMA:
		dst = appendLE(append(dst, opExt, extTMA), p.Payload, 2)
		return appendLE(append(dst, 0), uint64(p.Extra&0x1ff), 2), nil
	case TypeMNT:
		return appendLE(append(dst, opExt, extMNT, extMNTSub), p.Payload, 8), nil
	case TypeCYC:
		return appendCYC(dst, p.Payload), nil
	case TypeExStop:
		return append(dst, opExt, extExStop|(p.Flags&1)<<7), nil
	case TypePTW:
		var size byte
		switch p.Extra {
		case 4:
		case 8:
			size = 1
		default:
			return dst, fmt.Errorf("ptw payload size %d: %w", p.Extra, ErrBadPacket)
		}
		return appendLE(append(dst, opExt, extPTW|size<<5|(p.Flags&1)<<7), p.Payload, int(p.Extra)), nil
	case TypeMWait:
		dst = appendLE(append(dst, opExt, extMWait), p.Payload, 4)
		return appendLE(dst, uint64(p.Extra), 4), nil
	case TypePwrE:
		return append(dst, opExt, extPwrE, (p.Flags&1)<<7, byte(p.Payload)), nil
	case TypePwrX:
		return append(dst, opExt, extPwrX, byte(p.Payload), byte(p.Extra&0xf), 0, 0, 0), nil
	}
	return dst, fmt.Errorf("cannot encode %s: %w", p.Type, ErrBadOpcode)
}

func appendCYC(dst []byte, value uint64) []byte {
	first := byte(value&0x1f)<<3 | 3
	value >>= 5
	if value == 0 {
		return append(dst, first)
	}
	dst = append(dst, first|0x4)
	for {
		b := byte(value&0x7f) << 1
		value >>= 7
		if value == 0 {
			return append(dst, b)
		}
		dst = append(dst, b|1)
	}
}

// Builder assembles a trace stream, mainly for tests and tools.
type Builder struct {
	buf []byte
	err error
}

// Add appends packets, recording the first encoding error.
func (b *Builder) Add(packets ...Packet) *Builder {
	for _, p := range packets {
		if b.err != nil {
			return b
		}
		b.buf, b.err = Append(b.buf, p)
	}
	return b
}

// Raw appends raw bytes.
func (b *Builder) Raw(data ...byte) *Builder {
	b.buf = append(b.buf, data...)
	return b
}

// Bytes returns the stream or the first encoding error.
func (b *Builder) Bytes() ([]byte, error) {
	return b.buf, b.err
}

// Convenience constructors.

func PSB() Packet    { return Packet{Type: TypePSB} }
func PSBEnd() Packet { return Packet{Type: TypePSBEnd} }
func OVF() Packet    { return Packet{Type: TypeOVF} }
func Pad() Packet    { return Packet{Type: TypePad} }

// TNTBits builds a TNT packet from branch outcomes in execution order.
func TNTBits(taken ...bool) Packet {
	var v uint64
	for _, t := range taken {
		v <<= 1
		if t {
			v |= 1
		}
	}
	typ := TypeTNT8
	if len(taken) > 6 {
		typ = TypeTNT64
	}
	return Packet{Type: typ, TNT: TNT{Bits: v, Count: uint8(len(taken))}}
}

// IP builds an IP packet of type typ.
func IP(typ Type, ipc IPCompression, ip uint64) Packet {
	return Packet{Type: typ, IPC: ipc, Payload: ip}
}

// ModeExec builds a MODE.Exec packet for 64-bit code when csl is set.
func ModeExec(csl, csd bool) Packet {
	var flags uint8
	if csl {
		flags |= ExecCSL
	}
	if csd {
		flags |= ExecCSD
	}
	return Packet{Type: TypeModeExec, Flags: flags}
}

// TSC builds a TSC packet.
func TSC(tsc uint64) Packet {
	return Packet{Type: TypeTSC, Payload: tsc & (1<<56 - 1)}
}
