// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package insn // import "go.opentelemetry.io/pt-tracer/pt/insn"

import (
	"errors"
	"fmt"

	"go.opentelemetry.io/pt-tracer/image"
	"go.opentelemetry.io/pt-tracer/pt"
	"go.opentelemetry.io/pt-tracer/pt/ild"
	"go.opentelemetry.io/pt-tracer/pt/packet"
)

// errOverflowed aborts the flow of the current instruction after an OVF.
var errOverflowed = errors.New("trace overflow")

// Decoder decodes the instructions of one trace buffer.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	errata Errata
	pkt    *packet.Decoder
	image  *image.Image

	synced  bool
	enabled bool
	eos     bool

	lastIP packet.LastIP
	tnt    packet.TNT
	stack  retStack

	ip   uint64
	mode ild.Mode
	// pendingMode is applied with the next TIP or TIP.PGE.
	pendingMode ild.Mode
	intx        bool

	tsc    uint64
	hasTSC bool

	events []Event
}

// NewDecoder returns a decoder over cfg.Buffer. It must be synchronized with
// SyncForward before use.
func NewDecoder(cfg Config) (*Decoder, error) {
	if len(cfg.Buffer) == 0 {
		return nil, ErrEmptyBuffer
	}
	errata := ErrataFor(cfg.CPU)
	if cfg.Errata != nil {
		errata = *cfg.Errata
	}
	return &Decoder{
		errata: errata,
		pkt:    packet.NewDecoder(cfg.Buffer),
		image:  cfg.Image,
	}, nil
}

// SetImage replaces the memory image instructions are read from.
func (d *Decoder) SetImage(img *image.Image) {
	d.image = img
}

// Image returns the current memory image.
func (d *Decoder) Image() *image.Image {
	return d.image
}

// Offset returns the offset of the next packet in the trace buffer.
func (d *Decoder) Offset() (int, error) {
	return d.pkt.Offset()
}

// SyncOffset returns the offset of the PSB the decoder last synchronized on.
func (d *Decoder) SyncOffset() (int, error) {
	return d.pkt.SyncOffset()
}

// SyncForward synchronizes on the next PSB. It returns pt.ErrEOS when there
// is none.
func (d *Decoder) SyncForward() (Status, error) {
	d.reset()
	if err := d.pkt.SyncForward(); err != nil {
		if errors.Is(err, pt.ErrEOS) {
			d.eos = true
		}
		return d.status(), err
	}
	d.synced = true
	d.skip()
	if err := d.psbPlus(); err != nil && !errors.Is(err, pt.ErrEOS) {
		return d.status(), err
	}
	if len(d.events) > 0 {
		return d.status(), nil
	}
	err := d.settle()
	return d.status(), err
}

// Event returns the next pending event.
func (d *Decoder) Event() (Event, Status, error) {
	if !d.synced {
		return nil, 0, ErrNoSync
	}
	if len(d.events) == 0 {
		return nil, d.status(), ErrNoEvent
	}
	ev := d.events[0]
	d.events[0] = nil
	d.events = d.events[1:]

	var err error
	if len(d.events) == 0 {
		err = d.settle()
	}
	return ev, d.status(), err
}

// Next returns the next executed instruction. On error the returned Insn
// holds the IP of the failing instruction.
func (d *Decoder) Next() (Insn, Status, error) {
	var in Insn
	if !d.synced {
		return in, 0, ErrNoSync
	}
	if len(d.events) > 0 {
		return in, d.status(), ErrEventPending
	}
	if !d.enabled {
		if d.eos {
			return in, d.status(), pt.ErrEOS
		}
		return in, d.status(), ErrNoEnable
	}

	in.IP, in.Mode, in.Speculative = d.ip, d.mode, d.intx
	dec, err := d.fetch(&in)
	if err != nil {
		return in, d.status(), err
	}

	switch err := d.proceed(dec); {
	case err == nil, errors.Is(err, errOverflowed):
	case errors.Is(err, pt.ErrEOS):
		// The trace ends before the successor of this instruction.
		d.enabled = false
	default:
		return in, d.status(), err
	}

	if len(d.events) == 0 {
		err = d.settle()
	}
	return in, d.status(), err
}

func (d *Decoder) reset() {
	d.enabled, d.eos, d.intx = false, false, false
	d.lastIP.Reset()
	d.tnt = packet.TNT{}
	d.stack.reset()
	d.mode, d.pendingMode = ild.ModeUnknown, ild.ModeUnknown
	clear(d.events)
	d.events = d.events[:0]
}

func (d *Decoder) status() Status {
	var s Status
	if len(d.events) > 0 {
		s |= StatusEventPending
	}
	if d.eos && !d.enabled {
		s |= StatusEOS
	}
	return s
}

func (d *Decoder) push(ev stamped) {
	ev.setTime(d.tsc, d.hasTSC)
	d.events = append(d.events, ev)
}

// skip consumes the packet returned by the last successful peek.
func (d *Decoder) skip() {
	_, _ = d.pkt.Next()
}

// peek returns the next packet that matters to the instruction flow without
// consuming it. Timing and status packets before it are consumed.
func (d *Decoder) peek() (packet.Packet, error) {
	for {
		p, err := d.pkt.Peek()
		if err != nil {
			if errors.Is(err, pt.ErrEOS) {
				d.eos = true
			}
			return p, err
		}

		switch p.Type {
		case packet.TypePad, packet.TypeMTC, packet.TypeTMA, packet.TypeCYC, packet.TypeMNT:
		case packet.TypeTSC:
			d.tsc, d.hasTSC = p.Payload, true
		case packet.TypeCBR:
			d.push(&CBREvent{Ratio: uint8(p.Payload)})
		case packet.TypePIP:
			d.push(&PagingEvent{CR3: p.Payload, NonRoot: p.Flags != 0})
		case packet.TypeVMCS:
			d.push(&VMCSEvent{Base: p.Payload})
		case packet.TypeTraceStop:
			d.push(&StopEvent{})
		case packet.TypeModeExec:
			d.pendingMode = execMode(p.Flags)
		case packet.TypePSB:
			d.skip()
			if err := d.psbPlus(); err != nil {
				return packet.Packet{}, err
			}
			continue
		default:
			return p, nil
		}
		d.skip()
	}
}

// settle moves the decoder to the next point where either an instruction or
// an event can be returned.
func (d *Decoder) settle() error {
	var err error
	if d.enabled {
		err = d.scanEvents()
	} else {
		err = d.proceedDisabled()
	}
	if errors.Is(err, pt.ErrEOS) {
		return nil
	}
	return err
}

func execMode(flags uint8) ild.Mode {
	return ild.ModeFromCS(flags&packet.ExecCSL != 0, flags&packet.ExecCSD != 0)
}

func (d *Decoder) applyMode(ip uint64) {
	if d.pendingMode == ild.ModeUnknown {
		return
	}
	d.mode, d.pendingMode = d.pendingMode, ild.ModeUnknown
	d.push(&ExecModeEvent{IP: ip, Mode: d.mode})
}

// updateIP applies the IP payload of p. ok is false when the IP was
// suppressed.
func (d *Decoder) updateIP(p packet.Packet) (ip uint64, ok bool, err error) {
	if err := d.lastIP.Update(p); err != nil {
		return 0, false, err
	}
	ip, err = d.lastIP.IP()
	return ip, err == nil, nil
}

// psbPlus reads the packets following a PSB up to the PSBEND. The PSB itself
// has been consumed.
func (d *Decoder) psbPlus() error {
	d.lastIP.Reset()
	d.tnt = packet.TNT{}

	var (
		fup    bool
		mode   = ild.ModeUnknown
		tsx    *TSXEvent
		status []stamped
	)
	update := EventHeader{StatusUpdate: true}

loop:
	for {
		p, err := d.pkt.Next()
		if err != nil {
			if errors.Is(err, pt.ErrEOS) {
				d.eos = true
			}
			return err
		}

		switch p.Type {
		case packet.TypePSBEnd:
			break loop
		case packet.TypeFUP:
			if err := d.lastIP.Update(p); err != nil {
				return err
			}
			fup = true
		case packet.TypeModeExec:
			mode = execMode(p.Flags)
		case packet.TypeModeTSX:
			tsx = &TSXEvent{EventHeader: update,
				Speculative: p.Flags&packet.TSXInTX != 0,
				Aborted:     p.Flags&packet.TSXAbort != 0}
		case packet.TypeTSC:
			d.tsc, d.hasTSC = p.Payload, true
		case packet.TypeCBR:
			status = append(status, &CBREvent{EventHeader: update, Ratio: uint8(p.Payload)})
		case packet.TypePIP:
			status = append(status, &PagingEvent{EventHeader: update,
				CR3: p.Payload, NonRoot: p.Flags != 0})
		case packet.TypeVMCS:
			status = append(status, &VMCSEvent{EventHeader: update, Base: p.Payload})
		case packet.TypePad, packet.TypeMTC, packet.TypeTMA, packet.TypeCYC, packet.TypeMNT:
		case packet.TypeOVF:
			return d.overflow()
		default:
			if d.errata.BDM70 {
				continue
			}
			return fmt.Errorf("unexpected %s in psb+: %w", p.Type, packet.ErrBadPacket)
		}
	}

	if mode != ild.ModeUnknown {
		d.mode, d.pendingMode = mode, ild.ModeUnknown
	}
	ip, err := d.lastIP.IP()
	switch {
	case fup && err == nil:
		if !d.enabled {
			d.enabled = true
			d.ip = ip
		}
	default:
		d.enabled = false
	}
	if tsx != nil {
		tsx.IP = ip
		d.intx = tsx.Speculative
	}

	if d.enabled {
		d.push(&ExecModeEvent{EventHeader: update, IP: d.ip, Mode: d.mode})
		if tsx != nil {
			d.push(tsx)
		}
	}
	for _, ev := range status {
		d.push(ev)
	}
	return nil
}

// overflow recovers from an OVF, which has been consumed. Tracing resumes at
// the next FUP or at the next TIP.PGE.
func (d *Decoder) overflow() error {
	d.enabled, d.intx = false, false
	d.tnt = packet.TNT{}
	d.stack.reset()

	for {
		p, err := d.peek()
		if d.enabled {
			// Resumed in a PSB+.
			d.push(&OverflowEvent{IP: d.ip, HasIP: true})
			return nil
		}
		if err != nil {
			d.push(&OverflowEvent{})
			return err
		}

		switch p.Type {
		case packet.TypeFUP:
			d.skip()
			ip, ok, err := d.updateIP(p)
			if err != nil {
				return err
			}
			if !ok {
				d.push(&OverflowEvent{})
				return nil
			}
			d.ip, d.enabled = ip, true
			if d.pendingMode != ild.ModeUnknown {
				d.mode, d.pendingMode = d.pendingMode, ild.ModeUnknown
			}
			d.push(&OverflowEvent{IP: ip, HasIP: true})
			return nil
		case packet.TypeTIPPGD:
			if d.errata.APL12 {
				d.skip()
				continue
			}
		case packet.TypeTIP:
			if d.errata.APL11 {
				d.skip()
				continue
			}
		}
		d.push(&OverflowEvent{})
		return nil
	}
}

// proceedDisabled reads packets while tracing is disabled until an event is
// pending or tracing is enabled.
func (d *Decoder) proceedDisabled() error {
	for !d.enabled && len(d.events) == 0 {
		p, err := d.peek()
		if err != nil {
			return err
		}
		if d.enabled || len(d.events) > 0 {
			return nil
		}
		d.skip()

		switch p.Type {
		case packet.TypeTIPPGE:
			ip, ok, err := d.updateIP(p)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			d.ip, d.enabled = ip, true
			d.push(&EnabledEvent{IP: ip})
			d.applyMode(ip)
		case packet.TypeOVF:
			if err := d.overflow(); err != nil {
				return err
			}
		case packet.TypeModeTSX:
			d.intx = p.Flags&packet.TSXInTX != 0
		case packet.TypeFUP, packet.TypeTIP, packet.TypeTIPPGD:
			// Keep the last IP current for later compressed IPs.
			if _, _, err := d.updateIP(p); err != nil {
				return err
			}
		default:
			if isStandalone(p.Type) {
				if err := d.standalone(p); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// scanEvents handles the events bound to the current instruction boundary.
func (d *Decoder) scanEvents() error {
	for d.enabled {
		p, err := d.peek()
		if err != nil {
			return err
		}

		switch p.Type {
		case packet.TypeFUP:
			bound, err := d.async(p)
			if err != nil || !bound {
				return err
			}
		case packet.TypeModeTSX:
			d.skip()
			if err := d.tsx(p); err != nil {
				return err
			}
		case packet.TypeOVF:
			d.skip()
			if err := d.overflow(); err != nil {
				return err
			}
		default:
			if !isStandalone(p.Type) {
				return nil
			}
			d.skip()
			if err := d.standalone(p); err != nil {
				return err
			}
		}
	}
	return nil
}

// async handles a FUP at the current IP, which is followed by the TIP or
// TIP.PGD of an asynchronous transfer. bound is false when the FUP belongs
// to a later instruction.
func (d *Decoder) async(fup packet.Packet) (bound bool, err error) {
	last := d.lastIP
	if err := last.Update(fup); err != nil {
		return false, err
	}
	from, err := last.IP()
	if err != nil || from != d.ip {
		return false, nil
	}
	d.skip()
	d.lastIP = last

	p, err := d.peek()
	if err != nil {
		return true, err
	}
	switch p.Type {
	case packet.TypeTIP:
		d.skip()
		to, ok, err := d.updateIP(p)
		if err != nil {
			return true, err
		}
		if !ok {
			return true, fmt.Errorf("0x%x: async branch without target: %w", from, ErrBadQuery)
		}
		d.push(&AsyncBranchEvent{From: from, To: to})
		d.ip = to
		d.applyMode(to)
	case packet.TypeTIPPGD:
		d.skip()
		to, ok, err := d.updateIP(p)
		if err != nil {
			return true, err
		}
		d.enabled = false
		if d.errata.SKD022 && d.isVMEntry(from) {
			d.push(&DisabledEvent{IP: to, HasIP: ok})
		} else {
			d.push(&AsyncDisabledEvent{At: from, IP: to, HasIP: ok})
		}
	default:
		return true, fmt.Errorf("0x%x: fup followed by %s: %w", from, p.Type, ErrBadQuery)
	}
	return true, nil
}

// isVMEntry reports whether the instruction at ip is vmlaunch or vmresume.
func (d *Decoder) isVMEntry(ip uint64) bool {
	if d.image == nil {
		return false
	}
	var raw [ild.MaxLen]byte
	n, err := d.image.Read(raw[:], ip)
	if err != nil {
		return false
	}
	dec, err := ild.Decode(raw[:n], d.mode)
	return err == nil && dec.Map == 1 && dec.Opcode == 0x01 && dec.Class == ild.ClassFarJump
}

// tsx handles a MODE.TSX, which has been consumed, and its FUP.
func (d *Decoder) tsx(mode packet.Packet) error {
	ip, _, err := d.boundFUP()
	if err != nil {
		return err
	}
	ev := &TSXEvent{IP: ip,
		Speculative: mode.Flags&packet.TSXInTX != 0,
		Aborted:     mode.Flags&packet.TSXAbort != 0}
	d.intx = ev.Speculative
	d.push(ev)
	if !ev.Aborted {
		return nil
	}

	// An abort branches to the fallback path.
	p, err := d.peek()
	if err != nil {
		return err
	}
	switch p.Type {
	case packet.TypeTIP:
		d.skip()
		to, ok, err := d.updateIP(p)
		if err != nil || !ok {
			return err
		}
		d.push(&AsyncBranchEvent{From: ip, To: to})
		d.ip = to
	case packet.TypeTIPPGD:
		d.skip()
		to, ok, err := d.updateIP(p)
		if err != nil {
			return err
		}
		d.enabled = false
		d.push(&AsyncDisabledEvent{At: ip, IP: to, HasIP: ok})
	}
	return nil
}

func (d *Decoder) boundFUP() (uint64, bool, error) {
	p, err := d.peek()
	if err != nil {
		return 0, false, err
	}
	if p.Type != packet.TypeFUP {
		return 0, false, fmt.Errorf("expected fup, found %s: %w", p.Type, ErrBadQuery)
	}
	d.skip()
	return d.updateIP(p)
}

func isStandalone(t packet.Type) bool {
	switch t {
	case packet.TypePTW, packet.TypeExStop, packet.TypeMWait, packet.TypePwrE, packet.TypePwrX:
		return true
	}
	return false
}

// standalone handles event packets that do not change the instruction flow.
// p has been consumed.
func (d *Decoder) standalone(p packet.Packet) error {
	switch p.Type {
	case packet.TypePTW:
		ev := &PTWriteEvent{Size: uint8(p.Extra), Payload: p.Payload}
		if p.Flags != 0 {
			var err error
			if ev.IP, ev.HasIP, err = d.boundFUP(); err != nil {
				return err
			}
		}
		d.push(ev)
	case packet.TypeExStop:
		ev := &PowerEvent{Kind: PowerExStop}
		if p.Flags != 0 {
			var err error
			if ev.IP, ev.HasIP, err = d.boundFUP(); err != nil {
				return err
			}
		}
		d.push(ev)
	case packet.TypeMWait:
		d.push(&PowerEvent{Kind: PowerMWait, Payload: p.Payload, Extra: p.Extra})
	case packet.TypePwrE:
		d.push(&PowerEvent{Kind: PowerEntry, Payload: p.Payload, Extra: uint32(p.Flags)})
	case packet.TypePwrX:
		d.push(&PowerEvent{Kind: PowerExit, Payload: p.Payload, Extra: p.Extra})
	}
	return nil
}

// fetch reads and decodes the instruction at the current IP into in.
func (d *Decoder) fetch(in *Insn) (ild.Insn, error) {
	if d.image == nil {
		return ild.Insn{}, fmt.Errorf("0x%x: %w", d.ip, image.ErrNoMap)
	}
	n := 0
	for n < len(in.Raw) {
		m, err := d.image.Read(in.Raw[n:], d.ip+uint64(n))
		if err != nil {
			if n > 0 && errors.Is(err, image.ErrNoMap) {
				break
			}
			return ild.Insn{}, err
		}
		n += m
	}

	dec, err := ild.Decode(in.Raw[:n], d.mode)
	if err != nil {
		return dec, fmt.Errorf("0x%x: %w", d.ip, err)
	}
	in.Size = uint8(dec.Len)
	in.Class = dec.Class
	clear(in.Raw[dec.Len:])
	return dec, nil
}

func (d *Decoder) mask(ip uint64) uint64 {
	if bits := d.mode.Bits(); bits < 64 {
		return ip & (1<<bits - 1)
	}
	return ip
}

// proceed moves the IP past dec, consuming the packets its flow requires.
func (d *Decoder) proceed(dec ild.Insn) error {
	next := d.mask(d.ip + uint64(dec.Len))

	switch dec.Class {
	case ild.ClassOther, ild.ClassPtwrite:
		d.ip = next
	case ild.ClassCondJump:
		taken, err := d.takenBit()
		if err != nil {
			return err
		}
		if taken {
			d.ip = dec.Target(d.ip)
		} else {
			d.ip = next
		}
	case ild.ClassJump:
		if dec.Indirect {
			return d.branchTarget()
		}
		d.ip = dec.Target(d.ip)
	case ild.ClassCall:
		// Calls to the next instruction only read the IP.
		if dec.Indirect || dec.Rel != 0 {
			d.stack.push(next)
		}
		if dec.Indirect {
			return d.branchTarget()
		}
		d.ip = dec.Target(d.ip)
	case ild.ClassReturn:
		return d.ret()
	default:
		// Far transfers always report their destination.
		return d.branchTarget()
	}
	return nil
}

func isTNT(t packet.Type) bool {
	return t == packet.TypeTNT8 || t == packet.TypeTNT64
}

func (d *Decoder) takenBit() (bool, error) {
	for d.tnt.Count == 0 {
		p, err := d.peek()
		if err != nil {
			return false, err
		}
		switch {
		case isTNT(p.Type):
			d.skip()
			d.tnt = p.TNT
		case p.Type == packet.TypeOVF:
			d.skip()
			if err := d.overflow(); err != nil {
				return false, err
			}
			return false, errOverflowed
		default:
			return false, fmt.Errorf("0x%x: expected tnt, found %s: %w", d.ip, p.Type, ErrBadQuery)
		}
	}
	d.tnt.Count--
	return d.tnt.Bits>>d.tnt.Count&1 != 0, nil
}

// ret follows a near return. Compressed returns consume a taken TNT bit and
// return to the address pushed by the matching call.
func (d *Decoder) ret() error {
	if d.tnt.Count == 0 {
		p, err := d.peek()
		if err != nil {
			return err
		}
		if !isTNT(p.Type) {
			return d.branchTarget()
		}
	}
	taken, err := d.takenBit()
	if err != nil {
		return err
	}
	if !taken {
		return fmt.Errorf("0x%x: compressed return not taken: %w", d.ip, ErrBadQuery)
	}
	ip, ok := d.stack.pop()
	if !ok {
		return fmt.Errorf("0x%x: %w", d.ip, ErrRetStackEmpty)
	}
	d.ip = ip
	return nil
}

// branchTarget consumes the TIP or TIP.PGD reporting the destination of an
// indirect branch or far transfer.
func (d *Decoder) branchTarget() error {
	p, err := d.peek()
	if err != nil {
		return err
	}
	switch p.Type {
	case packet.TypeTIP:
		d.skip()
		ip, ok, err := d.updateIP(p)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("0x%x: branch target suppressed: %w", d.ip, ErrBadQuery)
		}
		d.ip = ip
		d.applyMode(ip)
	case packet.TypeTIPPGD:
		d.skip()
		ip, ok, err := d.updateIP(p)
		if err != nil {
			return err
		}
		d.enabled = false
		d.push(&DisabledEvent{IP: ip, HasIP: ok})
	case packet.TypeOVF:
		d.skip()
		if err := d.overflow(); err != nil {
			return err
		}
		return errOverflowed
	default:
		return fmt.Errorf("0x%x: expected tip, found %s: %w", d.ip, p.Type, ErrBadQuery)
	}
	return nil
}
