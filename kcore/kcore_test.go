// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package kcore

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/pt-tracer/elfimage"
	"go.opentelemetry.io/pt-tracer/image"
)

const (
	textAddr   = 0xffffffff81000000
	moduleAddr = 0xffffffffc0000000
)

// writeCore writes a core file with a text and a module segment of 0x100
// bytes each. Byte i of a segment holds i, the module bytes are inverted.
func writeCore(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, elf.Header64{
		Ident: [elf.EI_NIDENT]byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64),
			byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)},
		Type:      uint16(elf.ET_CORE),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     64,
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     3,
	}))
	for _, p := range []elf.Prog64{
		{Type: uint32(elf.PT_NOTE), Off: 0x100, Filesz: 0x10},
		{Type: uint32(elf.PT_LOAD), Off: 0x200, Vaddr: textAddr, Filesz: 0x100, Memsz: 0x100},
		{Type: uint32(elf.PT_LOAD), Off: 0x300, Vaddr: moduleAddr, Filesz: 0x100, Memsz: 0x100},
	} {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, p))
	}
	data := make([]byte, 0x400)
	copy(data, buf.Bytes())
	for i := range 0x100 {
		data[0x200+i] = byte(i)
		data[0x300+i] = ^byte(i)
	}

	name := filepath.Join(t.TempDir(), "kcore")
	require.NoError(t, os.WriteFile(name, data, 0o600))
	return name
}

func TestMerge(t *testing.T) {
	got := merge([]Range{{0x30, 0x40}, {0x10, 0x20}, {0x20, 0x28}, {0x50, 0x50},
		{0x35, 0x38}})
	assert.Equal(t, []Range{{0x10, 0x28}, {0x30, 0x40}}, got)
}

func TestCopy(t *testing.T) {
	src := writeCore(t)
	dst := filepath.Join(t.TempDir(), "kcore")

	n, err := Copy(dst, src, []Range{
		{textAddr + 0x10, textAddr + 0x20},
		// Extends past the end of the segment.
		{moduleAddr + 0x80, moduleAddr + 0x1000},
		{0x1000, 0x2000},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	img := image.New("kernel")
	defer img.Close()
	n, err = elfimage.Load(img, image.PrivateSink{}, dst, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	buf := make([]byte, 0x100)
	n, err = img.Read(buf, textAddr+0x10)
	require.NoError(t, err)
	require.Equal(t, 0x10, n)
	assert.Equal(t, byte(0x10), buf[0])
	assert.Equal(t, byte(0x1f), buf[0xf])

	n, err = img.Read(buf, moduleAddr+0x80)
	require.NoError(t, err)
	require.Equal(t, 0x80, n)
	assert.Equal(t, ^byte(0x80), buf[0])

	_, err = img.Read(buf, textAddr)
	assert.ErrorIs(t, err, image.ErrNoMap)
}

func TestCopyNothing(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "kcore")
	_, err := Copy(dst, writeCore(t), []Range{{0x1000, 0x2000}})
	require.ErrorIs(t, err, ErrNothingToCopy)
	_, err = os.Stat(dst)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDump(t *testing.T) {
	syms := filepath.Join(t.TempDir(), "kallsyms")
	require.NoError(t, os.WriteFile(syms, []byte(
		"ffffffff81000000 T _stext\n"+
			"ffffffff81000040 T start_kernel\n"+
			"ffffffff81000080 T _etext\n"+
			"ffffffffc0000000 t mod_init\t[mod]\n"), 0o600))

	dir := t.TempDir()
	kcoreFile, kallsymsFile, err := Dump(dir, writeCore(t), syms)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "kcore"), kcoreFile)

	data, err := os.ReadFile(kallsymsFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "start_kernel")

	img := image.New("kernel")
	defer img.Close()
	_, err = elfimage.Load(img, image.PrivateSink{}, kcoreFile, 0)
	require.NoError(t, err)
	buf := make([]byte, 1)
	_, err = img.Read(buf, textAddr+0x40)
	require.NoError(t, err)
	assert.Equal(t, byte(0x40), buf[0])
	_, err = img.Read(buf, textAddr+0x80)
	assert.ErrorIs(t, err, image.ErrNoMap)

	_, _, err = Dump(dir, writeCore(t), filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
