// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package packet // import "go.opentelemetry.io/pt-tracer/pt/packet"

import (
	"bytes"
	"fmt"

	"go.opentelemetry.io/pt-tracer/pt"
)

// Decoder iterates over the packets of a trace buffer.
type Decoder struct {
	buf  []byte
	pos  int
	sync int
}

// NewDecoder returns a decoder over buf. It must be synchronized before the
// first Next.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf, pos: -1, sync: -1}
}

// Buffer returns the trace buffer.
func (d *Decoder) Buffer() []byte {
	return d.buf
}

// SyncForward moves to the next PSB. The first call searches from the start
// of the buffer; later calls search after the current position, skipping the
// PSB the decoder is synchronized on. It returns pt.ErrEOS when no further
// PSB exists.
func (d *Decoder) SyncForward() error {
	start := 0
	if d.pos >= 0 {
		start = d.pos
		if start == d.sync {
			start += PSBSize
		}
	}
	if start > len(d.buf) {
		return pt.ErrEOS
	}
	idx := bytes.Index(d.buf[start:], psbPattern)
	if idx < 0 {
		return pt.ErrEOS
	}
	d.pos = start + idx
	d.sync = d.pos
	return nil
}

// SyncSet synchronizes on the PSB at offset off.
func (d *Decoder) SyncSet(off int) error {
	if off < 0 || off > len(d.buf) {
		return fmt.Errorf("sync offset %d outside of %d byte buffer: %w",
			off, len(d.buf), ErrBadPacket)
	}
	p, err := Decode(d.buf[off:])
	if err != nil {
		return err
	}
	if p.Type != TypePSB {
		return fmt.Errorf("no psb at offset %d: %w", off, ErrBadPacket)
	}
	d.pos = off
	d.sync = off
	return nil
}

// Offset returns the offset of the next packet.
func (d *Decoder) Offset() (int, error) {
	if d.pos < 0 {
		return 0, ErrNoSync
	}
	return d.pos, nil
}

// SyncOffset returns the offset of the last synchronization point.
func (d *Decoder) SyncOffset() (int, error) {
	if d.sync < 0 {
		return 0, ErrNoSync
	}
	return d.sync, nil
}

// Peek decodes the next packet without consuming it.
func (d *Decoder) Peek() (Packet, error) {
	if d.pos < 0 {
		return Packet{}, ErrNoSync
	}
	return Decode(d.buf[d.pos:])
}

// Next decodes and consumes the next packet.
func (d *Decoder) Next() (Packet, error) {
	p, err := d.Peek()
	if err != nil {
		return Packet{}, err
	}
	d.pos += int(p.Size)
	return p, nil
}
