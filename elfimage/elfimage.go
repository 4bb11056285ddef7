// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package elfimage loads the PT_LOAD segments of an ELF file into a memory
// image.
package elfimage // import "go.opentelemetry.io/pt-tracer/elfimage"

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"unsafe"

	"go.opentelemetry.io/pt-tracer/image"
	log "go.opentelemetry.io/pt-tracer/internal/log"
)

var (
	ErrNotELF             = errors.New("not an ELF file")
	ErrUnsupported        = errors.New("unsupported ELF file")
	ErrTruncated          = errors.New("truncated ELF file")
	ErrNoLoadableSegments = errors.New("no loadable segments")
)

// fileHeader abstracts over elf.Header32 and elf.Header64.
type fileHeader interface {
	phoff() uint64
	phnum() int
	phentsize() int
}

// progHeader abstracts over elf.Prog32 and elf.Prog64.
type progHeader interface {
	segment() segment
}

type (
	header32 elf.Header32
	header64 elf.Header64
	prog32   elf.Prog32
	prog64   elf.Prog64
)

func (h *header32) phoff() uint64   { return uint64(h.Phoff) }
func (h *header32) phnum() int      { return int(h.Phnum) }
func (h *header32) phentsize() int  { return int(h.Phentsize) }
func (h *header64) phoff() uint64   { return h.Phoff }
func (h *header64) phnum() int      { return int(h.Phnum) }
func (h *header64) phentsize() int  { return int(h.Phentsize) }

func (p *prog32) segment() segment {
	return segment{typ: elf.ProgType(p.Type), off: uint64(p.Off),
		filesz: uint64(p.Filesz), vaddr: uint64(p.Vaddr)}
}

func (p *prog64) segment() segment {
	return segment{typ: elf.ProgType(p.Type), off: p.Off, filesz: p.Filesz, vaddr: p.Vaddr}
}

type segment struct {
	typ    elf.ProgType
	off    uint64
	filesz uint64
	vaddr  uint64
}

// asBytes returns the memory of *v as a byte slice to read into.
func asBytes[T any](v *T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), int(unsafe.Sizeof(*v)))
}

func asBytesSlice[T any](v []T) []byte {
	if len(v) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&v[0])), len(v)*int(unsafe.Sizeof(v[0])))
}

func readFull(r io.ReaderAt, buf []byte, off int64) error {
	n, err := r.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return fmt.Errorf("read %d of %d bytes at 0x%x: %w", n, len(buf), off, ErrTruncated)
	}
	return err
}

// readSegments reads the program headers of one ELF class. H and P are the
// on-disk header and program header layouts.
func readSegments[H any, PH interface {
	*H
	fileHeader
}, P any, PP interface {
	*P
	progHeader
}](r io.ReaderAt) ([]segment, error) {
	var hdr H
	if err := readFull(r, asBytes(&hdr), 0); err != nil {
		return nil, fmt.Errorf("ELF header: %w", err)
	}
	h := PH(&hdr)
	if h.phnum() == 0 {
		return nil, nil
	}
	if size := int(unsafe.Sizeof(*new(P))); h.phentsize() != size {
		return nil, fmt.Errorf("program header size %d, expected %d: %w",
			h.phentsize(), size, ErrUnsupported)
	}

	progs := make([]P, h.phnum())
	if err := readFull(r, asBytesSlice(progs), int64(h.phoff())); err != nil {
		return nil, fmt.Errorf("program headers: %w", err)
	}
	segs := make([]segment, len(progs))
	for i := range progs {
		segs[i] = PP(&progs[i]).segment()
	}
	return segs, nil
}

// readProgramHeaders returns the program headers of the ELF file read from r.
func readProgramHeaders(r io.ReaderAt) ([]segment, error) {
	var ident [elf.EI_NIDENT]byte
	if err := readFull(r, ident[:], 0); err != nil {
		return nil, fmt.Errorf("ELF ident: %w", err)
	}
	if !bytes.Equal(ident[:4], []byte(elf.ELFMAG)) {
		return nil, ErrNotELF
	}
	if elf.Data(ident[elf.EI_DATA]) != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("%v: %w", elf.Data(ident[elf.EI_DATA]), ErrUnsupported)
	}

	switch class := elf.Class(ident[elf.EI_CLASS]); class {
	case elf.ELFCLASS32:
		return readSegments[header32, *header32, prog32, *prog32](r)
	case elf.ELFCLASS64:
		return readSegments[header64, *header64, prog64, *prog64](r)
	default:
		return nil, fmt.Errorf("%v: %w", class, ErrUnsupported)
	}
}

// Load registers one section per PT_LOAD segment with file content of the
// ELF file at path into img. If base is not 0, the segments are moved so the
// lowest PT_LOAD address lands on base. Either all sections are registered or
// img is left untouched. Load returns the number of registered sections.
func Load(img *image.Image, sink image.Sink, path string, base uint64) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	segs, err := readProgramHeaders(f)
	f.Close()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}

	var rebase uint64
	if base != 0 {
		minVaddr := ^uint64(0)
		for _, s := range segs {
			if s.typ == elf.PT_LOAD && s.vaddr < minVaddr {
				minVaddr = s.vaddr
			}
		}
		if minVaddr != ^uint64(0) {
			rebase = base - minVaddr
		}
	}

	staging := image.New(img.Name)
	defer staging.Close()
	count := 0
	for _, s := range segs {
		if s.typ != elf.PT_LOAD || s.filesz == 0 {
			continue
		}
		if err := sink.AddFile(staging, path, s.off, s.filesz, s.vaddr+rebase); err != nil {
			return 0, fmt.Errorf("%s: segment at 0x%x: %w", path, s.vaddr, err)
		}
		count++
	}
	if count == 0 {
		return 0, fmt.Errorf("%s: %w", path, ErrNoLoadableSegments)
	}

	img.AddImage(staging)
	log.Debugf("Loaded %d sections of %s (rebase 0x%x)", count, path, rebase)
	return count, nil
}
