// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package sideband // import "go.opentelemetry.io/pt-tracer/sideband"

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"go.opentelemetry.io/pt-tracer/image"
	log "go.opentelemetry.io/pt-tracer/internal/log"
	"go.opentelemetry.io/pt-tracer/metrics"
	"go.opentelemetry.io/pt-tracer/pt/insn"
	"go.opentelemetry.io/pt-tracer/times"
)

var (
	// ErrNoInput is returned for a decoder without file name and data.
	ErrNoInput = errors.New("sideband decoder needs a file or data")
	// ErrPrimaryExists is returned when adding a second primary decoder.
	ErrPrimaryExists = errors.New("session already has a primary sideband decoder")
)

// Config describes how the sideband was recorded. It is the link between
// the capture metadata and the decoder.
type Config struct {
	// SampleType is the perf sample_type of the recording event.
	SampleType uint64 `json:"sample_type"`
	// KernelStart is the lowest kernel address. Mappings at or above it are
	// kernel mappings. Zero means only the record's cpu mode decides.
	KernelStart uint64 `json:"kernel_start"`
	// Sysroot is prepended to the file names in mmap records.
	Sysroot   string `json:"sysroot,omitempty"`
	TimeShift uint16 `json:"time_shift"`
	TimeMult  uint32 `json:"time_mult"`
	TimeZero  uint64 `json:"time_zero"`
	TSCOffset uint64 `json:"tsc_offset"`
}

// Conversion returns the perf time to TSC conversion of c.
func (c Config) Conversion() times.Conversion {
	return times.Conversion{Shift: c.TimeShift, Mult: c.TimeMult, Zero: c.TimeZero,
		Offset: c.TSCOffset}
}

// DecoderConfig configures one sideband decoder.
type DecoderConfig struct {
	Config
	// Filename names a file holding the records. Data is used when empty.
	Filename string
	Data     []byte
	// Primary decoders switch the current process image.
	Primary bool
}

type decoder struct {
	name    string
	cfg     Config
	primary bool
	records []Record
	// tscs holds the time of each record converted to TSC.
	tscs []uint64
	next int
}

type process struct {
	pid   uint32
	comm  string
	image *image.Image
}

// Session tracks the memory images of the traced processes.
//
// A Session is not safe for concurrent use.
type Session struct {
	sink     image.Sink
	kernel   *image.Image
	procs    map[uint32]*process
	retired  []*image.Image
	decoders []*decoder
	primary  *decoder
	current  *process
	switched bool
}

// NewSession returns a session adding file sections through cache. A nil
// cache makes every section keep a private copy of its bytes.
func NewSession(cache *image.SectionCache) *Session {
	var sink image.Sink = image.PrivateSink{}
	if cache != nil {
		sink = image.SharedSink{Cache: cache}
	}
	return &Session{
		sink:   sink,
		kernel: image.New("kernel"),
		procs:  make(map[uint32]*process),
	}
}

// KernelImage returns the image holding the kernel sections. Sections added
// to it before the first process is seen are visible in all process images.
func (s *Session) KernelImage() *image.Image {
	return s.kernel
}

// ProcessImage returns the image of pid, if known.
func (s *Session) ProcessImage(pid uint32) (*image.Image, bool) {
	p, ok := s.procs[pid]
	if !ok {
		return nil, false
	}
	return p.image, true
}

// AddDecoder reads the records of one sideband stream.
func (s *Session) AddDecoder(cfg DecoderConfig) error {
	if cfg.Primary && s.primary != nil {
		return ErrPrimaryExists
	}

	data, name := cfg.Data, "data"
	if cfg.Filename != "" {
		var err error
		if data, err = os.ReadFile(cfg.Filename); err != nil {
			return err
		}
		name = cfg.Filename
	} else if data == nil {
		return ErrNoInput
	}

	records, err := ParseRecords(data, cfg.SampleType)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	dec := &decoder{name: name, cfg: cfg.Config, primary: cfg.Primary, records: records,
		tscs: make([]uint64, len(records))}
	if cfg.SampleType&unix.PERF_SAMPLE_TIME != 0 && len(records) > 0 {
		conv := cfg.Conversion()
		for i, rec := range records {
			if dec.tscs[i], err = conv.PerfToTSC(rec.common().Sample.Time); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
	}

	s.decoders = append(s.decoders, dec)
	if dec.primary {
		s.primary = dec
	}
	log.Debugf("Sideband decoder %s: %d records (primary: %t)", name, len(records), cfg.Primary)
	return nil
}

// Apply applies all records up to the time of ev, merging the decoders in
// time order. It returns the image of the current process when the primary
// decoder switched to another one, else nil.
func (s *Session) Apply(ev insn.Event) (*image.Image, error) {
	h := ev.Header()
	if !h.HasTSC {
		return nil, nil
	}

	s.switched = false
	for {
		dec := s.nextDecoder(h.TSC)
		if dec == nil {
			break
		}
		rec := dec.records[dec.next]
		dec.next++
		if err := s.apply(dec, rec); err != nil {
			return nil, fmt.Errorf("%s: %w", dec.name, err)
		}
		metrics.Add(metrics.IDSidebandRecords, 1)
	}

	if !s.switched || s.current == nil {
		return nil, nil
	}
	metrics.Add(metrics.IDImageSwitches, 1)
	return s.current.image, nil
}

// nextDecoder returns the decoder with the oldest record not after tsc.
func (s *Session) nextDecoder(tsc uint64) *decoder {
	var next *decoder
	for _, dec := range s.decoders {
		if dec.next >= len(dec.records) || dec.tscs[dec.next] > tsc {
			continue
		}
		if next == nil || dec.tscs[dec.next] < next.tscs[next.next] {
			next = dec
		}
	}
	return next
}

func (s *Session) apply(dec *decoder, rec Record) error {
	switch r := rec.(type) {
	case *MmapRecord:
		return s.mmap(dec, r)
	case *CommRecord:
		p := s.process(r.PID)
		p.comm = r.Comm
		if r.Exec() {
			// The address space is replaced.
			s.retired = append(s.retired, p.image)
			p.image = s.kernel.Clone(p.imageName())
			if p == s.current {
				s.switched = true
			}
		}
	case *ForkRecord:
		if r.PID == r.PPID {
			// A new thread shares the address space.
			return nil
		}
		child := &process{pid: r.PID}
		if parent, ok := s.procs[r.PPID]; ok {
			child.comm = parent.comm
			child.image = parent.image.Clone(child.imageName())
		} else {
			child.image = s.kernel.Clone(child.imageName())
		}
		if old, ok := s.procs[r.PID]; ok {
			s.retire(old)
		}
		s.procs[r.PID] = child
	case *ExitRecord:
		if p, ok := s.procs[r.PID]; ok && r.PID == r.TID {
			delete(s.procs, r.PID)
			s.retire(p)
		}
	case *SwitchRecord:
		if !dec.primary {
			return nil
		}
		switch {
		case r.CPUWide && r.Out():
			s.switchTo(r.NextPrevPID)
		case !r.Out() && dec.cfg.SampleType&unix.PERF_SAMPLE_TID != 0:
			s.switchTo(r.Sample.PID)
		}
	case *ItraceStartRecord:
		if dec.primary {
			s.switchTo(r.PID)
		}
	case *AuxRecord:
		if r.Truncated() {
			log.Warnf("Trace data lost at aux offset 0x%x", r.Offset)
		}
	case *LostRecord:
		log.Warnf("%d sideband records lost", r.Lost)
	case *LostSamplesRecord:
		log.Warnf("%d samples lost", r.Lost)
	}
	return nil
}

func (p *process) imageName() string {
	return fmt.Sprintf("pid-%d", p.pid)
}

func (s *Session) process(pid uint32) *process {
	if p, ok := s.procs[pid]; ok {
		return p
	}
	p := &process{pid: pid}
	p.image = s.kernel.Clone(p.imageName())
	s.procs[pid] = p
	return p
}

// retire keeps the image of a process that is gone alive until the session
// is closed, since the decoder may still read from it.
func (s *Session) retire(p *process) {
	s.retired = append(s.retired, p.image)
	if p == s.current {
		s.current = nil
	}
}

func (s *Session) switchTo(pid uint32) {
	p := s.process(pid)
	if p == s.current {
		return
	}
	s.current = p
	s.switched = true
}

// ignoredMapping reports whether name is not backed by a regular file.
func ignoredMapping(name string) bool {
	switch {
	case name == "", strings.HasPrefix(name, "["), strings.HasPrefix(name, "//anon"),
		strings.HasPrefix(name, "/dev/zero"), strings.HasPrefix(name, "/SYSV"),
		strings.HasPrefix(name, "anon_inode:"), strings.HasPrefix(name, "/memfd:"):
		return true
	}
	return false
}

func (s *Session) mmap(dec *decoder, r *MmapRecord) error {
	if ignoredMapping(r.Filename) {
		log.Debugf("Skipping mapping %s at 0x%x", r.Filename, r.Addr)
		return nil
	}
	path := r.Filename
	if dec.cfg.Sysroot != "" {
		path = filepath.Join(dec.cfg.Sysroot, path)
	}

	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Debugf("Skipping mapping of missing %s", path)
			return nil
		}
		return err
	}
	// Mappings may extend beyond the end of the file.
	fileSize := uint64(fi.Size())
	if r.PgOff >= fileSize {
		return nil
	}
	size := min(r.Len, fileSize-r.PgOff)

	kernel := r.Kernel() || (dec.cfg.KernelStart != 0 && r.Addr >= dec.cfg.KernelStart)
	if !kernel {
		return s.sink.AddFile(s.process(r.PID).image, path, r.PgOff, size, r.Addr)
	}

	if err := s.sink.AddFile(s.kernel, path, r.PgOff, size, r.Addr); err != nil {
		return err
	}
	for _, p := range s.procs {
		if err := s.sink.AddFile(p.image, path, r.PgOff, size, r.Addr); err != nil {
			return err
		}
	}
	return nil
}

// Close releases all images.
func (s *Session) Close() {
	for _, p := range s.procs {
		p.image.Close()
	}
	for _, img := range s.retired {
		img.Close()
	}
	s.kernel.Close()
	clear(s.procs)
	s.retired = nil
	s.current = nil
}
