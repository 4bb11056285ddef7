// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package image // import "go.opentelemetry.io/pt-tracer/image"

import (
	"fmt"
	"io"
	"os"
)

// Sink registers file-backed sections into an image.
type Sink interface {
	AddFile(img *Image, filename string, offset, size, vaddr uint64) error
}

// SharedSink adds sections by reference through a SectionCache.
type SharedSink struct {
	Cache *SectionCache
}

var _ Sink = SharedSink{}

func (s SharedSink) AddFile(img *Image, filename string, offset, size, vaddr uint64) error {
	sec, err := s.Cache.AddFile(filename, offset, size, vaddr)
	if err != nil {
		return err
	}
	img.Add(sec)
	sec.Release()
	return nil
}

// PrivateSink adds sections owning a copy of the file content.
type PrivateSink struct{}

var _ Sink = PrivateSink{}

func (PrivateSink) AddFile(img *Image, filename string, offset, size, vaddr uint64) error {
	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	data := make([]byte, size)
	if _, err := f.ReadAt(data, int64(offset)); err != nil {
		if err == io.EOF {
			return fmt.Errorf("%s: 0x%x bytes at 0x%x: %w", filename, size, offset, ErrOutOfRange)
		}
		return err
	}
	img.Add(&Section{
		Filename: filename,
		Offset:   offset,
		Size:     size,
		VAddr:    vaddr,
		data:     data,
	})
	return nil
}
