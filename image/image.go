// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package image models the memory of a traced program as a set of sections
// loaded at virtual addresses.
package image // import "go.opentelemetry.io/pt-tracer/image"

import (
	"cmp"
	"fmt"
	"slices"
)

// mapping is the part [start, end) of a section still visible in an image.
type mapping struct {
	start, end uint64
	sec        *Section
}

// Image is a named set of sections. Sections added later hide the parts of
// earlier sections they overlap.
//
// An Image is not safe for concurrent use.
type Image struct {
	Name string

	// Sorted by start, non-overlapping.
	maps []mapping
}

// New returns an empty image.
func New(name string) *Image {
	return &Image{Name: name}
}

// Add loads sec into the image at sec.VAddr.
func (img *Image) Add(sec *Section) {
	if sec.Size == 0 {
		return
	}
	img.insert(mapping{start: sec.VAddr, end: sec.End(), sec: sec})
}

// AddImage adds all sections visible in other.
func (img *Image) AddImage(other *Image) {
	if other == nil || other == img {
		return
	}
	for _, m := range other.maps {
		img.insert(m)
	}
}

func (img *Image) insert(nm mapping) {
	kept := make([]mapping, 0, len(img.maps)+2)
	for _, m := range img.maps {
		if m.end <= nm.start || m.start >= nm.end {
			kept = append(kept, m)
			continue
		}
		if m.start < nm.start {
			m.sec.acquire()
			kept = append(kept, mapping{start: m.start, end: nm.start, sec: m.sec})
		}
		if m.end > nm.end {
			m.sec.acquire()
			kept = append(kept, mapping{start: nm.end, end: m.end, sec: m.sec})
		}
		m.sec.Release()
	}
	nm.sec.acquire()
	kept = append(kept, nm)
	slices.SortFunc(kept, func(a, b mapping) int {
		return cmp.Compare(a.start, b.start)
	})
	img.maps = kept
}

// Remove drops all mappings of sec.
func (img *Image) Remove(sec *Section) int {
	return img.removeFunc(func(s *Section) bool { return s == sec })
}

// RemoveByFilename drops all sections backed by filename.
func (img *Image) RemoveByFilename(filename string) int {
	return img.removeFunc(func(s *Section) bool { return s.Filename == filename })
}

func (img *Image) removeFunc(match func(*Section) bool) int {
	removed := 0
	img.maps = slices.DeleteFunc(img.maps, func(m mapping) bool {
		if !match(m.sec) {
			return false
		}
		m.sec.Release()
		removed++
		return true
	})
	return removed
}

func (img *Image) find(addr uint64) (mapping, bool) {
	i, found := slices.BinarySearchFunc(img.maps, addr, func(m mapping, addr uint64) int {
		switch {
		case m.end <= addr:
			return -1
		case m.start > addr:
			return 1
		}
		return 0
	})
	if !found {
		return mapping{}, false
	}
	return img.maps[i], true
}

// Read copies memory at addr into p. It stops at the end of the section
// mapping addr and returns the number of bytes read.
func (img *Image) Read(p []byte, addr uint64) (int, error) {
	m, ok := img.find(addr)
	if !ok {
		return 0, fmt.Errorf("%s: 0x%x: %w", img.Name, addr, ErrNoMap)
	}
	data := m.sec.data[addr-m.sec.VAddr : m.end-m.sec.VAddr]
	return copy(p, data), nil
}

// SectionAt returns the section visible at addr.
func (img *Image) SectionAt(addr uint64) (*Section, bool) {
	m, ok := img.find(addr)
	return m.sec, ok
}

// Len returns the number of visible mappings.
func (img *Image) Len() int {
	return len(img.maps)
}

// Clone returns an image with the same content.
func (img *Image) Clone(name string) *Image {
	clone := &Image{Name: name, maps: slices.Clone(img.maps)}
	for _, m := range clone.maps {
		m.sec.acquire()
	}
	return clone
}

// Close releases all sections.
func (img *Image) Close() {
	for _, m := range img.maps {
		m.sec.Release()
	}
	img.maps = nil
}
