// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package packet decodes the Intel Processor Trace packet layer.
//
// Packet layouts follow the Intel SDM, volume 3, chapter "Intel Processor
// Trace", section "Trace Packets and Data Types".
package packet // import "go.opentelemetry.io/pt-tracer/pt/packet"

import (
	"errors"
	"fmt"
)

var (
	// ErrBadOpcode is returned for bytes that do not start a known packet.
	ErrBadOpcode = errors.New("unknown packet opcode")
	// ErrBadPacket is returned for a known packet with an invalid payload.
	ErrBadPacket = errors.New("malformed packet")
	// ErrNoSync is returned when decoding before the first synchronization.
	ErrNoSync = errors.New("decoder not synchronized")
)

// Type identifies a packet.
type Type uint8

const (
	TypeInvalid Type = iota
	TypePad
	TypeTNT8
	TypeTNT64
	TypeTIP
	TypeTIPPGE
	TypeTIPPGD
	TypeFUP
	TypePIP
	TypeModeExec
	TypeModeTSX
	TypeTraceStop
	TypeCBR
	TypeTSC
	TypeMTC
	TypeTMA
	TypeCYC
	TypeVMCS
	TypeOVF
	TypePSB
	TypePSBEnd
	TypeMNT
	TypePTW
	TypeExStop
	TypeMWait
	TypePwrE
	TypePwrX
)

var typeNames = [...]string{
	TypeInvalid:   "invalid",
	TypePad:       "pad",
	TypeTNT8:      "tnt.8",
	TypeTNT64:     "tnt.64",
	TypeTIP:       "tip",
	TypeTIPPGE:    "tip.pge",
	TypeTIPPGD:    "tip.pgd",
	TypeFUP:       "fup",
	TypePIP:       "pip",
	TypeModeExec:  "mode.exec",
	TypeModeTSX:   "mode.tsx",
	TypeTraceStop: "stop",
	TypeCBR:       "cbr",
	TypeTSC:       "tsc",
	TypeMTC:       "mtc",
	TypeTMA:       "tma",
	TypeCYC:       "cyc",
	TypeVMCS:      "vmcs",
	TypeOVF:       "ovf",
	TypePSB:       "psb",
	TypePSBEnd:    "psbend",
	TypeMNT:       "mnt",
	TypePTW:       "ptw",
	TypeExStop:    "exstop",
	TypeMWait:     "mwait",
	TypePwrE:      "pwre",
	TypePwrX:      "pwrx",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// IsIP reports whether packets of type t carry a compressed IP.
func (t Type) IsIP() bool {
	switch t {
	case TypeTIP, TypeTIPPGE, TypeTIPPGD, TypeFUP:
		return true
	}
	return false
}

// IPCompression is the IPBytes field of an IP packet.
type IPCompression uint8

const (
	IPSuppressed IPCompression = 0
	IPUpdate16   IPCompression = 1
	IPUpdate32   IPCompression = 2
	IPSext48     IPCompression = 3
	IPUpdate48   IPCompression = 4
	IPFull       IPCompression = 6
)

// payloadSize returns the number of IP bytes following the header.
func (c IPCompression) payloadSize() (int, bool) {
	switch c {
	case IPSuppressed:
		return 0, true
	case IPUpdate16:
		return 2, true
	case IPUpdate32:
		return 4, true
	case IPSext48, IPUpdate48:
		return 6, true
	case IPFull:
		return 8, true
	}
	return 0, false
}

// Execution mode bits of MODE.Exec.
const (
	ExecCSL   = 1 << 0
	ExecCSD   = 1 << 1
	ExecIFlag = 1 << 2
)

// Transaction state bits of MODE.TSX.
const (
	TSXInTX  = 1 << 0
	TSXAbort = 1 << 1
)

// TNT holds taken/not-taken bits. Bit Count-1 is the oldest.
type TNT struct {
	Bits  uint64
	Count uint8
}

// Packet is one decoded packet. Which fields are meaningful depends on Type:
//
//	TNT8/TNT64          TNT
//	TIP*, FUP           IPC, Payload (raw IP bytes)
//	ModeExec, ModeTSX   Flags
//	PIP                 Payload (CR3), Flags (NR)
//	TSC, MTC, CYC, CBR  Payload
//	TMA                 Payload (CTC), Extra (fast counter)
//	VMCS                Payload (base address)
//	MNT                 Payload
//	PTW                 Payload, Extra (payload bytes), Flags (IP follows)
//	ExStop              Flags (IP follows)
//	MWait               Payload (hints), Extra (extensions)
//	PwrE                Payload (state<<4|sub-state), Flags (hw)
//	PwrX                Payload (last<<4|deepest), Extra (wake reason)
type Packet struct {
	Type    Type
	Size    uint8
	IPC     IPCompression
	TNT     TNT
	Payload uint64
	Extra   uint32
	Flags   uint8
}

func (p Packet) String() string {
	switch p.Type {
	case TypePad, TypePSB, TypePSBEnd, TypeOVF, TypeTraceStop:
		return p.Type.String()
	case TypeTNT8, TypeTNT64:
		s := make([]byte, p.TNT.Count)
		for i := range s {
			s[i] = '.'
			if p.TNT.Bits&(1<<(int(p.TNT.Count)-1-i)) != 0 {
				s[i] = '!'
			}
		}
		return fmt.Sprintf("%s %s", p.Type, s)
	case TypeTIP, TypeTIPPGE, TypeTIPPGD, TypeFUP:
		if p.IPC == IPSuppressed {
			return fmt.Sprintf("%s %d: ????????????????", p.Type, p.IPC)
		}
		return fmt.Sprintf("%s %d: %016x", p.Type, p.IPC, p.Payload)
	case TypeModeExec, TypeModeTSX:
		return fmt.Sprintf("%s %x", p.Type, p.Flags)
	case TypePIP:
		return fmt.Sprintf("%s %x nr=%d", p.Type, p.Payload, p.Flags)
	case TypeTMA:
		return fmt.Sprintf("%s %x %x", p.Type, p.Payload, p.Extra)
	case TypePTW:
		return fmt.Sprintf("%s %d: %x", p.Type, p.Extra, p.Payload)
	default:
		return fmt.Sprintf("%s %x", p.Type, p.Payload)
	}
}
