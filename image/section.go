// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package image // import "go.opentelemetry.io/pt-tracer/image"

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrNoMap is returned when no section maps the requested address.
	ErrNoMap = errors.New("no section maps the address")

	// ErrOutOfRange is returned for sections extending past their backing file.
	ErrOutOfRange = errors.New("section out of range")

	// ErrClosed is returned by a section cache after Close.
	ErrClosed = errors.New("section cache closed")
)

// Section is a contiguous piece of a backing file loaded at VAddr.
//
// Shared sections come from a SectionCache and reference the cache's mapping
// of the file. Private sections own a copy of their bytes.
type Section struct {
	Filename string
	Offset   uint64
	Size     uint64
	VAddr    uint64

	data []byte

	// Only set for shared sections.
	cache *SectionCache
	file  *mappedFile
	refs  atomic.Int32
}

// NewPrivateSection returns a section owning a copy of data.
func NewPrivateSection(filename string, offset, vaddr uint64, data []byte) *Section {
	return &Section{
		Filename: filename,
		Offset:   offset,
		Size:     uint64(len(data)),
		VAddr:    vaddr,
		data:     append([]byte(nil), data...),
	}
}

// Shared reports whether the section references a cached file mapping.
func (s *Section) Shared() bool {
	return s.file != nil
}

// End returns the first address past the section.
func (s *Section) End() uint64 {
	return s.VAddr + s.Size
}

// Bytes returns the section content. The slice is only valid while a
// reference to the section is held.
func (s *Section) Bytes() []byte {
	return s.data
}

func (s *Section) String() string {
	return fmt.Sprintf("%s[0x%x+0x%x]@0x%x", s.Filename, s.Offset, s.Size, s.VAddr)
}

func (s *Section) acquire() {
	if s.file != nil {
		s.refs.Add(1)
	}
}

// Release drops a reference obtained from SectionCache.AddFile. Private
// sections ignore it.
func (s *Section) Release() {
	if s.file == nil {
		return
	}
	switch refs := s.refs.Add(-1); {
	case refs == 0:
		s.data = nil
		s.cache.unrefFile(s.file)
	case refs < 0:
		panic(fmt.Sprintf("section %v released too often", s))
	}
}
