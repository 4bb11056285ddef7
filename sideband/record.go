// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package sideband applies perf event sideband records to the memory images
// used for decoding Intel PT traces.
package sideband // import "go.opentelemetry.io/pt-tracer/sideband"

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	// ErrTruncated is returned for records extending beyond the input.
	ErrTruncated = errors.New("truncated sideband record")
	// ErrBadRecord is returned for records whose size does not match their
	// type.
	ErrBadRecord = errors.New("malformed sideband record")
)

const sizeofHeader = 8

// Header is the perf_event_header of a record.
type Header struct {
	Type uint32
	Misc uint16
	Size uint16
}

// SampleID is the sample_id trailer of a record. Which fields are present
// depends on the sample type of the event.
type SampleID struct {
	PID      uint32
	TID      uint32
	Time     uint64
	ID       uint64
	StreamID uint64
	CPU      uint32
}

// Common holds the parts shared by all records.
type Common struct {
	Hdr    Header
	Sample SampleID
}

func (c *Common) common() *Common { return c }

// Record is one perf event record. The concrete types are the *...Record
// structs of this package.
type Record interface {
	common() *Common
}

// CommonOf returns the header and sample of r.
func CommonOf(r Record) Common {
	return *r.common()
}

// MmapRecord is a PERF_RECORD_MMAP or PERF_RECORD_MMAP2.
type MmapRecord struct {
	Common
	PID, TID uint32
	Addr     uint64
	Len      uint64
	PgOff    uint64
	// The following are only set for PERF_RECORD_MMAP2.
	Maj, Min      uint32
	Ino           uint64
	InoGeneration uint64
	BuildID       []byte
	Prot, Flags   uint32
	Filename      string
}

// Kernel reports whether the mapping was recorded in kernel mode.
func (r *MmapRecord) Kernel() bool {
	return r.Hdr.Misc&unix.PERF_RECORD_MISC_CPUMODE_MASK == unix.PERF_RECORD_MISC_KERNEL
}

// CommRecord is a PERF_RECORD_COMM.
type CommRecord struct {
	Common
	PID, TID uint32
	Comm     string
}

// Exec reports whether the record was caused by an exec.
func (r *CommRecord) Exec() bool {
	return r.Hdr.Misc&unix.PERF_RECORD_MISC_COMM_EXEC != 0
}

// ExitRecord is a PERF_RECORD_EXIT.
type ExitRecord struct {
	Common
	PID, PPID uint32
	TID, PTID uint32
	Time      uint64
}

// ForkRecord is a PERF_RECORD_FORK.
type ForkRecord struct {
	Common
	PID, PPID uint32
	TID, PTID uint32
	Time      uint64
}

// AuxRecord is a PERF_RECORD_AUX.
type AuxRecord struct {
	Common
	Offset uint64
	Size   uint64
	Flags  uint64
}

// Truncated reports whether trace data was lost.
func (r *AuxRecord) Truncated() bool {
	return r.Flags&unix.PERF_AUX_FLAG_TRUNCATED != 0
}

// ItraceStartRecord is a PERF_RECORD_ITRACE_START.
type ItraceStartRecord struct {
	Common
	PID, TID uint32
}

// LostRecord is a PERF_RECORD_LOST.
type LostRecord struct {
	Common
	ID   uint64
	Lost uint64
}

// LostSamplesRecord is a PERF_RECORD_LOST_SAMPLES.
type LostSamplesRecord struct {
	Common
	Lost uint64
}

// SwitchRecord is a PERF_RECORD_SWITCH or PERF_RECORD_SWITCH_CPU_WIDE.
type SwitchRecord struct {
	Common
	CPUWide bool
	// NextPrevPID and NextPrevTID are only set for CPU wide records.
	NextPrevPID uint32
	NextPrevTID uint32
}

// Out reports whether the record is for a task switched out.
func (r *SwitchRecord) Out() bool {
	return r.Hdr.Misc&unix.PERF_RECORD_MISC_SWITCH_OUT != 0
}

// UnknownRecord is any other record type.
type UnknownRecord struct {
	Common
	Data []byte
}

// sampleIDSize returns the size of the sample_id trailer for sampleType.
func sampleIDSize(sampleType uint64) int {
	size := 0
	for _, bit := range []uint64{unix.PERF_SAMPLE_TID, unix.PERF_SAMPLE_TIME,
		unix.PERF_SAMPLE_ID, unix.PERF_SAMPLE_STREAM_ID, unix.PERF_SAMPLE_CPU,
		unix.PERF_SAMPLE_IDENTIFIER} {
		if sampleType&bit != 0 {
			size += 8
		}
	}
	return size
}

// reader is a bounds checked little-endian cursor.
type reader struct {
	buf []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n > len(r.buf) {
		r.err = ErrBadRecord
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

// cstring reads the NUL terminated, 8 byte padded string at the end of a
// record body.
func (r *reader) cstring() string {
	b := r.buf
	r.buf = nil
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func readSampleID(b []byte, sampleType uint64) SampleID {
	var sid SampleID
	r := reader{buf: b}
	if sampleType&unix.PERF_SAMPLE_TID != 0 {
		sid.PID = r.u32()
		sid.TID = r.u32()
	}
	if sampleType&unix.PERF_SAMPLE_TIME != 0 {
		sid.Time = r.u64()
	}
	if sampleType&unix.PERF_SAMPLE_ID != 0 {
		sid.ID = r.u64()
	}
	if sampleType&unix.PERF_SAMPLE_STREAM_ID != 0 {
		sid.StreamID = r.u64()
	}
	if sampleType&unix.PERF_SAMPLE_CPU != 0 {
		sid.CPU = r.u32()
		_ = r.u32()
	}
	if sampleType&unix.PERF_SAMPLE_IDENTIFIER != 0 {
		sid.ID = r.u64()
	}
	return sid
}

// ParseRecords parses the perf event records in data. Every record carries a
// sample_id trailer as described by sampleType.
func ParseRecords(data []byte, sampleType uint64) ([]Record, error) {
	var records []Record
	trailer := sampleIDSize(sampleType)

	for off := 0; off < len(data); {
		if len(data)-off < sizeofHeader {
			return records, fmt.Errorf("header at offset %d: %w", off, ErrTruncated)
		}
		hdr := Header{
			Type: binary.LittleEndian.Uint32(data[off:]),
			Misc: binary.LittleEndian.Uint16(data[off+4:]),
			Size: binary.LittleEndian.Uint16(data[off+6:]),
		}
		size := int(hdr.Size)
		if size < sizeofHeader+trailer {
			return records, fmt.Errorf("record at offset %d: size %d: %w", off, size, ErrBadRecord)
		}
		if size > len(data)-off {
			return records, fmt.Errorf("record at offset %d: size %d: %w", off, size, ErrTruncated)
		}

		rec := data[off : off+size]
		c := Common{Hdr: hdr, Sample: readSampleID(rec[size-trailer:], sampleType)}
		r, err := parseRecord(c, rec[sizeofHeader:size-trailer])
		if err != nil {
			return records, fmt.Errorf("%d record at offset %d: %w", hdr.Type, off, err)
		}
		records = append(records, r)
		off += size
	}
	return records, nil
}

func parseRecord(c Common, body []byte) (Record, error) {
	r := reader{buf: body}
	var rec Record

	switch c.Hdr.Type {
	case unix.PERF_RECORD_MMAP:
		m := &MmapRecord{Common: c, PID: r.u32(), TID: r.u32(), Addr: r.u64(), Len: r.u64(),
			PgOff: r.u64()}
		m.Filename = r.cstring()
		rec = m
	case unix.PERF_RECORD_MMAP2:
		m := &MmapRecord{Common: c, PID: r.u32(), TID: r.u32(), Addr: r.u64(), Len: r.u64(),
			PgOff: r.u64()}
		if c.Hdr.Misc&unix.PERF_RECORD_MISC_MMAP_BUILD_ID != 0 {
			id := r.take(24)
			if id != nil {
				m.BuildID = bytes.Clone(id[4 : 4+min(int(id[0]), 20)])
			}
		} else {
			m.Maj, m.Min = r.u32(), r.u32()
			m.Ino, m.InoGeneration = r.u64(), r.u64()
		}
		m.Prot, m.Flags = r.u32(), r.u32()
		m.Filename = r.cstring()
		rec = m
	case unix.PERF_RECORD_COMM:
		cr := &CommRecord{Common: c, PID: r.u32(), TID: r.u32()}
		cr.Comm = r.cstring()
		rec = cr
	case unix.PERF_RECORD_EXIT:
		rec = &ExitRecord{Common: c, PID: r.u32(), PPID: r.u32(), TID: r.u32(), PTID: r.u32(),
			Time: r.u64()}
	case unix.PERF_RECORD_FORK:
		rec = &ForkRecord{Common: c, PID: r.u32(), PPID: r.u32(), TID: r.u32(), PTID: r.u32(),
			Time: r.u64()}
	case unix.PERF_RECORD_AUX:
		rec = &AuxRecord{Common: c, Offset: r.u64(), Size: r.u64(), Flags: r.u64()}
	case unix.PERF_RECORD_ITRACE_START:
		rec = &ItraceStartRecord{Common: c, PID: r.u32(), TID: r.u32()}
	case unix.PERF_RECORD_LOST:
		rec = &LostRecord{Common: c, ID: r.u64(), Lost: r.u64()}
	case unix.PERF_RECORD_LOST_SAMPLES:
		rec = &LostSamplesRecord{Common: c, Lost: r.u64()}
	case unix.PERF_RECORD_SWITCH:
		rec = &SwitchRecord{Common: c}
	case unix.PERF_RECORD_SWITCH_CPU_WIDE:
		rec = &SwitchRecord{Common: c, CPUWide: true, NextPrevPID: r.u32(), NextPrevTID: r.u32()}
	default:
		rec = &UnknownRecord{Common: c, Data: bytes.Clone(body)}
	}
	return rec, r.err
}
