// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package packet // import "go.opentelemetry.io/pt-tracer/pt/packet"

import (
	"errors"
	"fmt"
)

var (
	// ErrNoIP is returned when no IP has been seen since the last PSB.
	ErrNoIP = errors.New("no ip")
	// ErrIPSuppressed is returned after an IP packet with suppressed IP.
	ErrIPSuppressed = errors.New("ip suppressed")
)

// LastIP reconstructs full addresses from compressed IP packets.
type LastIP struct {
	ip         uint64
	have       bool
	suppressed bool
}

// Reset forgets the last IP, as a PSB does.
func (l *LastIP) Reset() {
	*l = LastIP{}
}

// Update applies the IP payload of p.
func (l *LastIP) Update(p Packet) error {
	switch p.IPC {
	case IPSuppressed:
		l.suppressed = true
		return nil
	case IPUpdate16:
		l.ip = l.ip&^0xffff | p.Payload&0xffff
	case IPUpdate32:
		l.ip = l.ip&^0xffffffff | p.Payload&0xffffffff
	case IPSext48:
		l.ip = uint64(int64(p.Payload<<16) >> 16)
	case IPUpdate48:
		l.ip = l.ip&^0xffffffffffff | p.Payload&0xffffffffffff
	case IPFull:
		l.ip = p.Payload
	default:
		return fmt.Errorf("ip compression %d: %w", p.IPC, ErrBadPacket)
	}
	l.have = true
	l.suppressed = false
	return nil
}

// IP returns the current IP.
func (l *LastIP) IP() (uint64, error) {
	if l.suppressed {
		return 0, ErrIPSuppressed
	}
	if !l.have {
		return 0, ErrNoIP
	}
	return l.ip, nil
}
