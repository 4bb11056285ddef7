// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package packet // import "go.opentelemetry.io/pt-tracer/pt/packet"

import (
	"bytes"
	"fmt"
	"math/bits"

	"go.opentelemetry.io/pt-tracer/pt"
)

// Opcodes.
const (
	opPad   = 0x00
	opExt   = 0x02
	opTIPPG = 0x01
	opTIP   = 0x0d
	opTIPPE = 0x11
	opFUP   = 0x1d
	opMode  = 0x99
	opTSC   = 0x19
	opMTC   = 0x59

	opIPMask = 0x1f

	extPSB    = 0x82
	extPSBEnd = 0x23
	extTNT64  = 0xa3
	extPIP    = 0x43
	extCBR    = 0x03
	extOVF    = 0xf3
	extStop   = 0x83
	extVMCS   = 0xc8
	extTMA    = 0x73
	extMNT    = 0xc3
	extMNTSub = 0x88
	extExStop = 0x62
	extMWait  = 0xc2
	extPwrE   = 0x22
	extPwrX   = 0xa2
	extPTW    = 0x12
	extPTWMsk = 0x1f
)

// Fixed packet sizes.
const (
	PSBSize    = 16
	sizePSBEnd = 2
	sizeTNT64  = 8
	sizePIP    = 8
	sizeCBR    = 4
	sizeOVF    = 2
	sizeStop   = 2
	sizeVMCS   = 7
	sizeTMA    = 7
	sizeMNT    = 11
	sizeExStop = 2
	sizeMWait  = 10
	sizePwrE   = 4
	sizePwrX   = 7
	sizeMode   = 2
	sizeTSC    = 8
	sizeMTC    = 2

	maxCYCSize = 15
)

// psbPattern is the full PSB packet.
var psbPattern = bytes.Repeat([]byte{opExt, extPSB}, PSBSize/2)

// le reads a little-endian integer of len(b) <= 8 bytes.
func le(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func need(buf []byte, size int) error {
	if len(buf) < size {
		return pt.ErrEOS
	}
	return nil
}

// Decode decodes the packet at the start of buf. A packet cut off by the end
// of buf yields pt.ErrEOS.
func Decode(buf []byte) (Packet, error) {
	if len(buf) == 0 {
		return Packet{}, pt.ErrEOS
	}
	b := buf[0]
	switch {
	case b == opPad:
		return Packet{Type: TypePad, Size: 1}, nil
	case b == opExt:
		return decodeExt(buf)
	case b&1 == 0:
		return decodeTNT8(b), nil
	case b&3 == 3:
		return decodeCYC(buf)
	}

	switch b & opIPMask {
	case opTIPPG:
		return decodeIP(buf, TypeTIPPGD)
	case opTIP:
		return decodeIP(buf, TypeTIP)
	case opTIPPE:
		return decodeIP(buf, TypeTIPPGE)
	case opFUP:
		return decodeIP(buf, TypeFUP)
	}

	switch b {
	case opMode:
		return decodeMode(buf)
	case opTSC:
		if err := need(buf, sizeTSC); err != nil {
			return Packet{}, err
		}
		return Packet{Type: TypeTSC, Size: sizeTSC, Payload: le(buf[1:sizeTSC])}, nil
	case opMTC:
		if err := need(buf, sizeMTC); err != nil {
			return Packet{}, err
		}
		return Packet{Type: TypeMTC, Size: sizeMTC, Payload: uint64(buf[1])}, nil
	}
	return Packet{}, fmt.Errorf("0x%02x: %w", b, ErrBadOpcode)
}

func decodeTNT8(b byte) Packet {
	payload := uint64(b >> 1)
	// The highest set bit is the stop bit.
	count := uint8(bits.Len64(payload) - 1)
	return Packet{
		Type: TypeTNT8,
		Size: 1,
		TNT:  TNT{Bits: payload &^ (1 << count), Count: count},
	}
}

func decodeCYC(buf []byte) (Packet, error) {
	value := uint64(buf[0] >> 3)
	size := 1
	shift := 5
	ext := buf[0]&0x4 != 0
	for ext {
		if size >= maxCYCSize {
			return Packet{}, fmt.Errorf("cyc exceeds %d bytes: %w", maxCYCSize, ErrBadPacket)
		}
		if err := need(buf, size+1); err != nil {
			return Packet{}, err
		}
		b := buf[size]
		value |= uint64(b>>1) << shift
		shift += 7
		size++
		ext = b&1 != 0
	}
	return Packet{Type: TypeCYC, Size: uint8(size), Payload: value}, nil
}

func decodeIP(buf []byte, typ Type) (Packet, error) {
	ipc := IPCompression(buf[0] >> 5)
	n, ok := ipc.payloadSize()
	if !ok {
		return Packet{}, fmt.Errorf("%s with ip compression %d: %w", typ, ipc, ErrBadPacket)
	}
	if err := need(buf, 1+n); err != nil {
		return Packet{}, err
	}
	return Packet{Type: typ, Size: uint8(1 + n), IPC: ipc, Payload: le(buf[1 : 1+n])}, nil
}

func decodeMode(buf []byte) (Packet, error) {
	if err := need(buf, sizeMode); err != nil {
		return Packet{}, err
	}
	payload := buf[1]
	switch leaf := payload >> 5; leaf {
	case 0:
		return Packet{Type: TypeModeExec, Size: sizeMode,
			Flags: payload & (ExecCSL | ExecCSD | ExecIFlag)}, nil
	case 1:
		return Packet{Type: TypeModeTSX, Size: sizeMode,
			Flags: payload & (TSXInTX | TSXAbort)}, nil
	default:
		return Packet{}, fmt.Errorf("mode leaf %d: %w", leaf, ErrBadPacket)
	}
}

func decodeExt(buf []byte) (Packet, error) {
	if err := need(buf, 2); err != nil {
		return Packet{}, err
	}
	b := buf[1]
	if b&extPTWMsk == extPTW {
		return decodePTW(buf)
	}
	switch b {
	case extPSB:
		if err := need(buf, PSBSize); err != nil {
			return Packet{}, err
		}
		if !bytes.Equal(buf[:PSBSize], psbPattern) {
			return Packet{}, fmt.Errorf("incomplete psb: %w", ErrBadPacket)
		}
		return Packet{Type: TypePSB, Size: PSBSize}, nil
	case extPSBEnd:
		return Packet{Type: TypePSBEnd, Size: sizePSBEnd}, nil
	case extOVF:
		return Packet{Type: TypeOVF, Size: sizeOVF}, nil
	case extStop:
		return Packet{Type: TypeTraceStop, Size: sizeStop}, nil
	case extExStop, extExStop | 0x80:
		return Packet{Type: TypeExStop, Size: sizeExStop, Flags: b >> 7}, nil
	case extTNT64:
		if err := need(buf, sizeTNT64); err != nil {
			return Packet{}, err
		}
		payload := le(buf[2:sizeTNT64])
		if payload == 0 {
			return Packet{}, fmt.Errorf("tnt.64 without stop bit: %w", ErrBadPacket)
		}
		count := uint8(bits.Len64(payload) - 1)
		return Packet{Type: TypeTNT64, Size: sizeTNT64,
			TNT: TNT{Bits: payload &^ (1 << count), Count: count}}, nil
	case extPIP:
		if err := need(buf, sizePIP); err != nil {
			return Packet{}, err
		}
		payload := le(buf[2:sizePIP])
		return Packet{Type: TypePIP, Size: sizePIP,
			Payload: payload >> 1 << 5, Flags: uint8(payload & 1)}, nil
	case extCBR:
		if err := need(buf, sizeCBR); err != nil {
			return Packet{}, err
		}
		return Packet{Type: TypeCBR, Size: sizeCBR, Payload: uint64(buf[2])}, nil
	case extVMCS:
		if err := need(buf, sizeVMCS); err != nil {
			return Packet{}, err
		}
		return Packet{Type: TypeVMCS, Size: sizeVMCS, Payload: le(buf[2:sizeVMCS]) << 12}, nil
	case extTMA:
		if err := need(buf, sizeTMA); err != nil {
			return Packet{}, err
		}
		return Packet{Type: TypeTMA, Size: sizeTMA,
			Payload: le(buf[2:4]), Extra: uint32(le(buf[5:7]) & 0x1ff)}, nil
	case extMNT:
		if err := need(buf, sizeMNT); err != nil {
			return Packet{}, err
		}
		if buf[2] != extMNTSub {
			return Packet{}, fmt.Errorf("mnt sub-opcode 0x%02x: %w", buf[2], ErrBadOpcode)
		}
		return Packet{Type: TypeMNT, Size: sizeMNT, Payload: le(buf[3:sizeMNT])}, nil
	case extMWait:
		if err := need(buf, sizeMWait); err != nil {
			return Packet{}, err
		}
		return Packet{Type: TypeMWait, Size: sizeMWait,
			Payload: le(buf[2:6]), Extra: uint32(le(buf[6:10]))}, nil
	case extPwrE:
		if err := need(buf, sizePwrE); err != nil {
			return Packet{}, err
		}
		return Packet{Type: TypePwrE, Size: sizePwrE,
			Payload: uint64(buf[3]), Flags: buf[2] >> 7}, nil
	case extPwrX:
		if err := need(buf, sizePwrX); err != nil {
			return Packet{}, err
		}
		return Packet{Type: TypePwrX, Size: sizePwrX,
			Payload: uint64(buf[2]), Extra: uint32(buf[3] & 0xf)}, nil
	}
	return Packet{}, fmt.Errorf("0x02 0x%02x: %w", b, ErrBadOpcode)
}

func decodePTW(buf []byte) (Packet, error) {
	b := buf[1]
	var n int
	switch (b >> 5) & 3 {
	case 0:
		n = 4
	case 1:
		n = 8
	default:
		return Packet{}, fmt.Errorf("ptw payload size %d: %w", (b>>5)&3, ErrBadPacket)
	}
	if err := need(buf, 2+n); err != nil {
		return Packet{}, err
	}
	return Packet{Type: TypePTW, Size: uint8(2 + n),
		Payload: le(buf[2 : 2+n]), Extra: uint32(n), Flags: b >> 7}, nil
}
