// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package image // import "go.opentelemetry.io/pt-tracer/image"

import (
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"syscall"
)

// mappedFile is a read-only memory mapping of a whole backing file shared by
// all sections cut from it. It is unmapped once the last reference is gone.
type mappedFile struct {
	name string
	data []byte
	refs atomic.Int32
}

func openMapped(name string) (*mappedFile, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	size := fi.Size()
	if size == 0 {
		// mmap rejects zero lengths, so there is nothing to unmap later.
		return &mappedFile{name: name, data: make([]byte, 0)}, nil
	}
	if size != int64(int(size)) {
		return nil, fmt.Errorf("mmap: file %q is too large", name)
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(size), syscall.PROT_READ, syscall.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", name, err)
	}
	m := &mappedFile{name: name, data: data}
	runtime.SetFinalizer(m, (*mappedFile).unmap)
	return m, nil
}

// slice returns the mapped bytes [offset, offset+size).
func (m *mappedFile) slice(offset, size uint64) ([]byte, error) {
	if offset > uint64(len(m.data)) || size > uint64(len(m.data))-offset {
		return nil, fmt.Errorf("%s: 0x%x bytes at 0x%x exceed file size 0x%x: %w",
			m.name, size, offset, len(m.data), ErrOutOfRange)
	}
	return m.data[offset : offset+size : offset+size], nil
}

func (m *mappedFile) unmap() error {
	if len(m.data) == 0 {
		m.data = nil
		return nil
	}
	data := m.data
	m.data = nil
	runtime.SetFinalizer(m, nil)
	return syscall.Munmap(data)
}
