// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pt2ir

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/pt-tracer/ilist"
	"go.opentelemetry.io/pt-tracer/image"
	"go.opentelemetry.io/pt-tracer/metrics"
	"go.opentelemetry.io/pt-tracer/pt/ild"
	"go.opentelemetry.io/pt-tracer/pt/insn"
	"go.opentelemetry.io/pt-tracer/pt/packet"
	"go.opentelemetry.io/pt-tracer/sideband"
	"go.opentelemetry.io/pt-tracer/tracer"
)

const codeAddr = 0x401000

// nop; mov %rax,%rbx; jz +2; nop; nop; ret
var code = []byte{0x90, 0x48, 0x89, 0xc3, 0x74, 0x02, 0x90, 0x90, 0xc3}

// writeELF writes an executable with code in its only PT_LOAD segment.
func writeELF(t *testing.T) string {
	t.Helper()
	return writeText(t, code)
}

// writeText writes an executable with text at codeAddr.
func writeText(t *testing.T, text []byte) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, elf.Header64{
		Ident: [elf.EI_NIDENT]byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64),
			byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)},
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     codeAddr,
		Phoff:     64,
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     1,
	}))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Off:    0x1000,
		Vaddr:  codeAddr,
		Paddr:  codeAddr,
		Filesz: 0x1000,
		Memsz:  0x1000,
		Align:  0x1000,
	}))
	data := make([]byte, 0x2000)
	copy(data, buf.Bytes())
	copy(data[0x1000:], text)

	name := filepath.Join(t.TempDir(), "a.out")
	require.NoError(t, os.WriteFile(name, data, 0o600))
	return name
}

func newRuntime(t *testing.T) *tracer.Runtime {
	t.Helper()
	rt, err := tracer.New(tracer.Config{PMUDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(rt.Close)
	return rt
}

func newSession(t *testing.T, rt *tracer.Runtime, cfg Config) *Session {
	t.Helper()
	s := New(rt)
	require.NoError(t, s.Init(cfg))
	t.Cleanup(s.Close)
	return s
}

// trace enables tracing at ip, takes the jz and disables at the ret.
func trace(t *testing.T, ip uint64) []byte {
	t.Helper()
	buf, err := new(packet.Builder).Add(
		packet.Pad(),
		packet.PSB(),
		packet.ModeExec(true, false),
		packet.IP(packet.TypeFUP, packet.IPFull, ip),
		packet.PSBEnd(),
		packet.TNTBits(true),
		packet.IP(packet.TypeTIPPGD, packet.IPSuppressed, 0),
	).Bytes()
	require.NoError(t, err)
	return buf
}

func addrs(l *ilist.List[Instr]) []uint64 {
	var out []uint64
	for _, in := range l.Instrs() {
		out = append(out, in.Addr)
	}
	return out
}

func TestConvert(t *testing.T) {
	rt := newRuntime(t)
	s := newSession(t, rt, Config{RawBufferSize: 4096, ELFFile: writeELF(t)})

	var out ilist.List[Instr]
	require.NoError(t, s.Convert(trace(t, codeAddr), &out))

	assert.Equal(t, []uint64{0x401000, 0x401001, 0x401004, 0x401008}, addrs(&out))
	var ops []x86asm.Op
	for _, in := range out.Instrs() {
		require.True(t, in.Decoded, in)
		assert.Equal(t, ild.Mode64, in.Mode)
		ops = append(ops, in.Inst.Op)
	}
	assert.Equal(t, []x86asm.Op{x86asm.NOP, x86asm.MOV, x86asm.JE, x86asm.RET}, ops)
	assert.Equal(t, ild.ClassCondJump, out.Instrs()[2].Class)

	enc, ok := out.DecodePC(0x401001)
	require.True(t, ok)
	assert.Equal(t, []byte{0x48, 0x89, 0xc3}, enc)

	// A second call appends and records no new encodings.
	require.NoError(t, s.Convert(trace(t, codeAddr), &out))
	assert.Equal(t, 8, out.Len())
	assert.Equal(t, 1, out.Arenas())
}

func TestConvertEnableAfterPSB(t *testing.T) {
	rt := newRuntime(t)
	s := newSession(t, rt, Config{ELFFile: writeELF(t)})

	// Tracing is filtered out at the PSB and enabled later.
	data, err := new(packet.Builder).Add(
		packet.PSB(),
		packet.PSBEnd(),
		packet.ModeExec(true, false),
		packet.IP(packet.TypeTIPPGE, packet.IPFull, codeAddr),
		packet.TNTBits(true),
		packet.IP(packet.TypeTIPPGD, packet.IPSuppressed, 0),
	).Bytes()
	require.NoError(t, err)

	var out ilist.List[Instr]
	require.NoError(t, s.Convert(data, &out))
	assert.Equal(t, []uint64{0x401000, 0x401001, 0x401004, 0x401008}, addrs(&out))
	for _, in := range out.Instrs() {
		assert.True(t, in.Decoded, in)
		assert.Equal(t, ild.Mode64, in.Mode)
	}
}

func TestConvertPlaceholder(t *testing.T) {
	// nop; vmovups %zmm1,%zmm0 (EVEX); nop; ret
	evex := []byte{0x62, 0xf1, 0x7c, 0x48, 0x10, 0xc1}
	text := append(append([]byte{0x90}, evex...), 0x90, 0xc3)

	rt := newRuntime(t)
	s := newSession(t, rt, Config{ELFFile: writeText(t, text)})

	data, err := new(packet.Builder).Add(
		packet.PSB(),
		packet.ModeExec(true, false),
		packet.IP(packet.TypeFUP, packet.IPFull, codeAddr),
		packet.PSBEnd(),
		packet.IP(packet.TypeTIPPGD, packet.IPSuppressed, 0),
	).Bytes()
	require.NoError(t, err)

	before := metrics.Totals()[metrics.IDPlaceholderInstructions]
	var out ilist.List[Instr]
	require.NoError(t, s.Convert(data, &out))

	assert.Equal(t, []uint64{0x401000, 0x401001, 0x401007, 0x401008}, addrs(&out))
	instrs := out.Instrs()
	assert.True(t, instrs[0].Decoded)
	assert.False(t, instrs[1].Decoded)
	assert.Equal(t, uint8(6), instrs[1].Len)
	assert.Equal(t, "0000000000401001 (bad)", instrs[1].String())
	assert.True(t, instrs[2].Decoded)
	assert.Equal(t, x86asm.RET, instrs[3].Inst.Op)

	enc, ok := out.DecodePC(0x401001)
	require.True(t, ok)
	assert.Equal(t, evex, enc)
	assert.GreaterOrEqual(t,
		metrics.Totals()[metrics.IDPlaceholderInstructions]-before, metrics.MetricValue(1))
}

// sidebandRecord appends a perf record with a TID|TIME|CPU sample trailer.
func sidebandRecord(buf []byte, typ uint32, pid uint32, time uint64, body []byte) []byte {
	for len(body)%8 != 0 {
		body = append(body, 0)
	}
	buf = binary.LittleEndian.AppendUint32(buf, typ)
	buf = binary.LittleEndian.AppendUint16(buf, unix.PERF_RECORD_MISC_USER)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(8+len(body)+24))
	buf = append(buf, body...)
	buf = binary.LittleEndian.AppendUint32(buf, pid)
	buf = binary.LittleEndian.AppendUint32(buf, pid)
	buf = binary.LittleEndian.AppendUint64(buf, time)
	return binary.LittleEndian.AppendUint64(buf, 0)
}

// writeSideband maps elfFile into pid 42 at time 100 and switches to it at
// time 200.
func writeSideband(t *testing.T, elfFile string) string {
	t.Helper()
	body := binary.LittleEndian.AppendUint32(nil, 42)
	body = binary.LittleEndian.AppendUint32(body, 42)
	body = binary.LittleEndian.AppendUint64(body, 0x400000)
	body = binary.LittleEndian.AppendUint64(body, 0x2000)
	body = binary.LittleEndian.AppendUint64(body, 0)
	body = append(body, elfFile...)
	body = append(body, 0)
	data := sidebandRecord(nil, unix.PERF_RECORD_MMAP, 42, 100, body)
	data = sidebandRecord(data, unix.PERF_RECORD_SWITCH, 42, 200, nil)

	name := filepath.Join(t.TempDir(), "sideband")
	require.NoError(t, os.WriteFile(name, data, 0o600))
	return name
}

func TestConvertSidebandSwitch(t *testing.T) {
	rt := newRuntime(t)
	cfg := Config{
		Sideband: sideband.Config{
			SampleType: unix.PERF_SAMPLE_TID | unix.PERF_SAMPLE_TIME | unix.PERF_SAMPLE_CPU,
			TimeMult:   1,
		},
		SidebandPrimary: writeSideband(t, writeELF(t)),
	}

	timed := func(tsc bool) []byte {
		b := new(packet.Builder).Add(packet.PSB())
		if tsc {
			b.Add(packet.TSC(500))
		}
		data, err := b.Add(
			packet.ModeExec(true, false),
			packet.IP(packet.TypeFUP, packet.IPFull, codeAddr),
			packet.PSBEnd(),
			packet.TNTBits(true),
			packet.IP(packet.TypeTIPPGD, packet.IPSuppressed, 0),
		).Bytes()
		require.NoError(t, err)
		return data
	}

	// The mapping only becomes visible once an event is timestamped.
	var out ilist.List[Instr]
	var cerr *ConvertError
	err := newSession(t, rt, cfg).Convert(timed(false), &out)
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, StepDecodeInsn, cerr.Step)
	assert.ErrorIs(t, err, image.ErrNoMap)

	s := newSession(t, rt, cfg)
	out.ClearIList()
	require.NoError(t, s.Convert(timed(true), &out))
	assert.Equal(t, []uint64{0x401000, 0x401001, 0x401004, 0x401008}, addrs(&out))
}

func TestConvertReportsCacheStatistics(t *testing.T) {
	rt := newRuntime(t)
	before := metrics.Totals()[metrics.IDSectionCacheMisses]
	s := newSession(t, rt, Config{ELFFile: writeELF(t)})

	var out ilist.List[Instr]
	require.NoError(t, s.Convert(trace(t, codeAddr), &out))
	// The ELF segment was loaded through the runtime cache.
	assert.GreaterOrEqual(t, metrics.Totals()[metrics.IDSectionCacheMisses]-before,
		metrics.MetricValue(1))
}

func TestConvertDeterministic(t *testing.T) {
	rt := newRuntime(t)
	elfFile := writeELF(t)
	data := trace(t, codeAddr)

	var first, second ilist.List[Instr]
	require.NoError(t, newSession(t, rt, Config{ELFFile: elfFile}).Convert(data, &first))
	require.NoError(t, newSession(t, rt, Config{ELFFile: elfFile}).Convert(data, &second))
	require.NotZero(t, first.Len())
	assert.Equal(t, first.Instrs(), second.Instrs())
}

func TestConvertRebase(t *testing.T) {
	rt := newRuntime(t)
	s := newSession(t, rt, Config{ELFFile: writeELF(t), ELFBase: 0x7f0000000000})

	var out ilist.List[Instr]
	require.NoError(t, s.Convert(trace(t, 0x7f0000000000), &out))
	assert.Equal(t, []uint64{0x7f0000000000, 0x7f0000000001, 0x7f0000000004,
		0x7f0000000008}, addrs(&out))
}

func TestConvertWithoutPSB(t *testing.T) {
	rt := newRuntime(t)
	s := newSession(t, rt, Config{})

	var out ilist.List[Instr]
	require.NoError(t, s.Convert([]byte{0, 0, 0, 0}, &out))
	assert.Zero(t, out.Len())
}

func TestConvertErrors(t *testing.T) {
	rt := newRuntime(t)

	var out ilist.List[Instr]
	var cerr *ConvertError

	err := New(rt).Convert(trace(t, codeAddr), &out)
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, StepNotInitialized, cerr.Step)
	assert.ErrorIs(t, err, ErrNotInitialized)

	s := newSession(t, rt, Config{RawBufferSize: 16, ELFFile: writeELF(t)})
	for name, data := range map[string][]byte{
		"empty":    nil,
		"too long": make([]byte, 17),
	} {
		err := s.Convert(data, &out)
		require.ErrorAs(t, err, &cerr, name)
		assert.Equal(t, StepInvalidParameter, cerr.Step, name)
		assert.ErrorIs(t, err, ErrInvalidInput, name)
	}

	// Tracing starts outside of the image.
	s = newSession(t, rt, Config{ELFFile: writeELF(t)})
	err = s.Convert(trace(t, 0x500000), &out)
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, StepDecodeInsn, cerr.Step)
	assert.Equal(t, uint64(0x500000), cerr.IP)
	assert.True(t, cerr.HasOffset)
	assert.ErrorIs(t, err, image.ErrNoMap)
	assert.Zero(t, out.Len())
}

func TestInitErrors(t *testing.T) {
	rt := newRuntime(t)
	dir := t.TempDir()

	tests := map[string]Config{
		"negative buffer":       {RawBufferSize: -1},
		"missing elf":           {ELFFile: filepath.Join(dir, "missing")},
		"missing kcore":         {KCoreFile: filepath.Join(dir, "kcore")},
		"missing sideband":      {SidebandPrimary: filepath.Join(dir, "sideband")},
		"secondary without one": {SidebandSecondary: []string{filepath.Join(dir, "sb")}},
	}
	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			s := New(rt)
			require.Error(t, s.Init(cfg))

			var out ilist.List[Instr]
			var cerr *ConvertError
			require.ErrorAs(t, s.Convert([]byte{0}, &out), &cerr)
			assert.Equal(t, StepNotInitialized, cerr.Step)
		})
	}
}

func TestInitTwice(t *testing.T) {
	rt := newRuntime(t)
	s := newSession(t, rt, Config{})
	require.ErrorIs(t, s.Init(Config{}), ErrAlreadyInitialized)
	assert.Equal(t, DefaultRawBufferSize, s.Config().RawBufferSize)
}

func TestTranslate(t *testing.T) {
	endbr := insn.Insn{IP: 0x1000, Size: 4, Mode: ild.Mode64}
	copy(endbr.Raw[:], []byte{0xf3, 0x0f, 0x1e, 0xfa})
	instr := translate(&endbr)
	assert.True(t, instr.Decoded)
	assert.Equal(t, x86asm.NOP, instr.Inst.Op)
	assert.Equal(t, uint8(4), instr.Len)

	// A call with its displacement cut off.
	bad := insn.Insn{IP: 0x2000, Size: 2, Mode: ild.Mode64, Class: ild.ClassCall}
	copy(bad.Raw[:], []byte{0xe8, 0x03})
	instr = translate(&bad)
	assert.False(t, instr.Decoded)
	assert.Equal(t, ild.ClassCall, instr.Class)
	assert.Equal(t, "0000000000002000 (bad)", instr.String())

	// A byte x86asm only knows as a prefix.
	unknown := insn.Insn{IP: 0x3000, Size: 1, Mode: ild.Mode64}
	unknown.Raw[0] = 0xd6
	assert.False(t, translate(&unknown).Decoded)

	ret := insn.Insn{IP: 0x4000, Size: 1, Mode: ild.Mode64, Class: ild.ClassReturn}
	ret.Raw[0] = 0xc3
	instr = translate(&ret)
	require.True(t, instr.Decoded)
	assert.Equal(t, x86asm.RET, instr.Inst.Op)
}

func TestConvertErrorString(t *testing.T) {
	err := &ConvertError{Step: StepSync, Offset: 0x40, HasOffset: true, IP: 0x1000,
		Err: insn.ErrBadQuery}
	assert.Equal(t, "[00000040, 0000000000001000: sync forward: "+
		"trace does not match control flow]", err.Error())

	err = &ConvertError{Step: StepDecodeInsn, Err: image.ErrNoMap}
	assert.Equal(t, "[?, 0000000000000000: decode instruction: "+
		"no section maps the address]", err.Error())
	assert.Equal(t, "step(42)", Step(42).String())
}
