// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package kcore copies the kernel text out of /proc/kcore into a small ELF
// core file, so kernel traces can be decoded after the capture.
package kcore // import "go.opentelemetry.io/pt-tracer/kcore"

import (
	"bufio"
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"unsafe"

	log "go.opentelemetry.io/pt-tracer/internal/log"
	"go.opentelemetry.io/pt-tracer/kallsyms"
)

// DefaultPath is the kernel core image of the running system.
const DefaultPath = "/proc/kcore"

var ErrNothingToCopy = errors.New("no kernel text in core image")

// Range is a half-open kernel address range.
type Range struct {
	Start, End uint64
}

// TextRanges returns the text ranges of the kernel and its modules.
func TextRanges(syms *kallsyms.Symbols) []Range {
	var ranges []Range
	for _, m := range syms.Modules() {
		if m.End() > m.Start() {
			ranges = append(ranges, Range{Start: m.Start(), End: m.End()})
		}
	}
	return ranges
}

// merge sorts ranges and joins the ones that overlap or touch.
func merge(ranges []Range) []Range {
	sorted := slices.Clone(ranges)
	slices.SortFunc(sorted, func(a, b Range) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		}
		return 0
	})
	var out []Range
	for _, r := range sorted {
		if r.End <= r.Start {
			continue
		}
		if n := len(out); n > 0 && r.Start <= out[n-1].End {
			out[n-1].End = max(out[n-1].End, r.End)
			continue
		}
		out = append(out, r)
	}
	return out
}

type segment struct {
	src   io.ReaderAt
	off   uint64
	vaddr uint64
	size  uint64
}

// Copy writes the parts of the PT_LOAD segments of the core image src that
// overlap ranges to a new ELF core file dst. It returns the number of
// segments written.
func Copy(dst, src string, ranges []Range) (int, error) {
	f, err := elf.Open(src)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	ranges = merge(ranges)
	var segs []segment
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Filesz == 0 {
			continue
		}
		for _, r := range ranges {
			start := max(r.Start, p.Vaddr)
			end := min(r.End, p.Vaddr+p.Filesz)
			if start >= end {
				continue
			}
			segs = append(segs, segment{src: p, off: start - p.Vaddr, vaddr: start,
				size: end - start})
		}
	}
	if len(segs) == 0 {
		return 0, fmt.Errorf("%s: %w", src, ErrNothingToCopy)
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	if err := write(out, f.Machine, segs); err != nil {
		out.Close()
		os.Remove(dst)
		return 0, fmt.Errorf("failed to write %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return 0, err
	}
	log.Debugf("Copied %d kernel segments from %s to %s", len(segs), src, dst)
	return len(segs), nil
}

func write(w io.Writer, machine elf.Machine, segs []segment) error {
	const (
		headerSize = uint64(unsafe.Sizeof(elf.Header64{}))
		progSize   = uint64(unsafe.Sizeof(elf.Prog64{}))
	)
	bw := bufio.NewWriter(w)
	hdr := elf.Header64{
		Ident: [elf.EI_NIDENT]byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64),
			byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)},
		Type:      uint16(elf.ET_CORE),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     headerSize,
		Ehsize:    uint16(headerSize),
		Phentsize: uint16(progSize),
		Phnum:     uint16(len(segs)),
	}
	if err := binary.Write(bw, binary.LittleEndian, &hdr); err != nil {
		return err
	}

	off := headerSize + progSize*uint64(len(segs))
	for _, s := range segs {
		p := elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(elf.PF_R | elf.PF_X),
			Off:    off,
			Vaddr:  s.vaddr,
			Filesz: s.size,
			Memsz:  s.size,
			Align:  1,
		}
		if err := binary.Write(bw, binary.LittleEndian, &p); err != nil {
			return err
		}
		off += s.size
	}
	for _, s := range segs {
		r := io.NewSectionReader(s.src, int64(s.off), int64(s.size))
		if _, err := io.Copy(bw, r); err != nil {
			return fmt.Errorf("segment at 0x%x: %w", s.vaddr, err)
		}
	}
	return bw.Flush()
}

// Dump copies the kernel symbol table and the kernel text of the running
// system into dir. It returns the paths of the written files.
func Dump(dir, kcorePath, kallsymsPath string) (kcoreFile, kallsymsFile string, err error) {
	data, err := os.ReadFile(kallsymsPath)
	if err != nil {
		return "", "", err
	}
	syms, err := kallsyms.Read(bytes.NewReader(data))
	if err != nil {
		return "", "", err
	}
	kallsymsFile = filepath.Join(dir, "kallsyms")
	if err := os.WriteFile(kallsymsFile, data, 0o644); err != nil {
		return "", "", err
	}
	kcoreFile = filepath.Join(dir, "kcore")
	if _, err := Copy(kcoreFile, kcorePath, TextRanges(syms)); err != nil {
		return "", "", err
	}
	return kcoreFile, kallsymsFile, nil
}
