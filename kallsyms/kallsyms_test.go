// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package kallsyms

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const table = `0000000000000000 A __per_cpu_start
0000000000001000 A cpu_debug_store
0000000000002000 A irq_stack_backing_store
ffffffffb5000000 t pvh_start_xen
ffffffffb5000000 T _stext
ffffffffb5000000 T _text
ffffffffb5000123 T startup_64
ffffffffb5000180 T __pfx___startup_64
ffffffffb5000190 T __startup_64
ffffffffb5000460 T __pfx_startup_64_setup_gdt_idt
ffffffffb5000470 T startup_64_setup_gdt_idt
ffffffffb5001000 T __pfx___traceiter_initcall_level
ffffffffb6000000 T _etext
ffffffffc13cc610 t perf_trace_xfs_attr_list_class	[xfs]
ffffffffc13cc770 t perf_trace_xfs_perag_class	[xfs]
ffffffffc13cc8b0 t perf_trace_xfs_inodegc_worker	[xfs]
ffffffffc13cc9d0 t perf_trace_xfs_fs_class	[xfs]
ffffffffc13ccb20 t perf_trace_xfs_inodegc_shrinker_scan	[xfs]
ffffffffc1400000 t foo	[foo]
ffffffffc13fcb20 t init_xfs_fs	[xfs]`

func assertSymbol(t *testing.T, s *Symbols, pc uint64, eModName, eFuncName string,
	eOffset uint64) {
	kmod, err := s.ModuleByAddress(pc)
	if assert.NoError(t, err) && assert.Equal(t, eModName, kmod.Name()) {
		funcName, offset, err := kmod.Lookup(pc)
		if assert.NoError(t, err) {
			assert.Equal(t, eFuncName, funcName)
			assert.Equal(t, eOffset, offset)
		}
	}
}

func TestKallSyms(t *testing.T) {
	// override the module size lookup to avoid mixing data from running system
	moduleSize = func(string) (uint64, bool) { return 0, false }

	_, err := Read(strings.NewReader(`0000000000000000 t pvh_start_xen
0000000000000000 T _stext
0000000000000000 T _text
0000000000000000 T startup_64
0000000000000000 T __pfx___startup_64
0000000000000000 T _etext`))
	assert.Equal(t, ErrSymbolPermissions, err)

	s, err := Read(strings.NewReader(table))
	require.NoError(t, err)

	_, err = s.ModuleByName("bar")
	assert.Equal(t, ErrNoModule, err)

	_, err = s.ModuleByAddress(0x1010)
	assert.Equal(t, ErrNoModule, err)

	// Only the first block of a module is loaded.
	_, err = s.ModuleByAddress(0xffffffffc13fcb20)
	assert.Equal(t, ErrNoModule, err)

	assertSymbol(t, s, 0xffffffffb5000470, Kernel, "startup_64_setup_gdt_idt", 0)
	assertSymbol(t, s, 0xffffffffb5000200, Kernel, "__startup_64", 0x70)
	assertSymbol(t, s, 0xffffffffc13cc610+1, "xfs", "perf_trace_xfs_attr_list_class", 1)

	start, err := s.KernelStart()
	require.NoError(t, err)
	assert.Equal(t, uint64(0xffffffffb5000000), start)

	kernel, err := s.ModuleByName(Kernel)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xffffffffb6000000), kernel.End())

	var names []string
	for _, m := range s.Modules() {
		names = append(names, m.Name())
	}
	assert.Equal(t, []string{"foo", "xfs", Kernel}, names)

	assert.Equal(t, "startup_64+0x1", s.Symbolize(0xffffffffb5000124))
	assert.Equal(t, "perf_trace_xfs_fs_class [xfs]", s.Symbolize(0xffffffffc13cc9d0))
	assert.Empty(t, s.Symbolize(0x400000))
}

func TestModuleSize(t *testing.T) {
	moduleSize = func(name string) (uint64, bool) {
		return 0x100, name == "xfs"
	}

	s, err := Read(strings.NewReader(table))
	require.NoError(t, err)
	xfs, err := s.ModuleByName("xfs")
	require.NoError(t, err)
	assert.Equal(t, uint64(0xffffffffc13cc710), xfs.End())

	_, err = s.ModuleByAddress(0xffffffffc13cc770)
	assert.Equal(t, ErrNoModule, err)
}

func TestReadErrors(t *testing.T) {
	for name, input := range map[string]string{
		"short line":  "ffffffffb5000000 T",
		"bad address": "zzzz T _stext",
		"bad module":  "ffffffffc13cc610 t foo xfs",
	} {
		_, err := Read(strings.NewReader(input))
		assert.Error(t, err, name)
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
