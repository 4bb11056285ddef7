// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package kallsyms reads /proc/kallsyms to locate the kernel text and to
// symbolize kernel addresses of decoded traces.
package kallsyms // import "go.opentelemetry.io/pt-tracer/kallsyms"

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"slices"
	"strconv"
	"strings"
)

// Kernel is the internal name for "module" containing the built-in symbols
const Kernel = "vmlinux"

// DefaultPath is the kernel symbol table of the running system.
const DefaultPath = "/proc/kallsyms"

var ErrSymbolPermissions = errors.New("unable to read kallsyms addresses - check capabilities")

var ErrNoModule = errors.New("module not found")

var ErrNoSymbol = errors.New("symbol not found")

// symbol is the per-symbol structure. The size should be minimal as
// a typical installation has 100k-200k kernel symbols.
type symbol struct {
	// offset is the symbol offset from the Module start address
	offset uint32
	// index is the offset to the symbol name within the Module names slice
	index uint32
}

// Module contains the text symbols of the kernel or of one kernel module.
type Module struct {
	name    string
	start   uint64
	end     uint64
	names   []byte
	symbols []symbol
}

// Symbols is a parsed kernel symbol table.
type Symbols struct {
	// modules is sorted by descending start address.
	modules []Module
}

// moduleSize returns the size of a loaded kernel module.
// Overridable for the test suite.
var moduleSize = func(name string) (uint64, bool) {
	text, err := os.ReadFile(path.Join("/sys/module", name, "coresize"))
	if err != nil {
		return 0, false
	}
	size, err := strconv.ParseUint(strings.TrimSpace(string(text)), 0, 64)
	return size, err == nil
}

// addName appends the 'name' to the module's string slice, and returns
// an index suitable for storing in the `symbol` struct.
func (m *Module) addName(name string) uint32 {
	index := len(m.names)
	m.names = append(m.names, byte(len(name)))
	m.names = append(m.names, name...)
	return uint32(index)
}

func (m *Module) stringAt(index uint32) string {
	i := int(index)
	l := int(m.names[i])
	return string(m.names[i+1 : i+1+l])
}

func (m *Module) finish() {
	slices.SortFunc(m.symbols, func(a, b symbol) int {
		return int(a.offset) - int(b.offset)
	})
	if m.end != ^uint64(0) {
		return
	}
	if size, ok := moduleSize(m.name); ok && m.name != Kernel {
		m.end = m.start + size
	} else if n := len(m.symbols); n > 0 {
		// Assume the last function is no larger than a page.
		m.end = m.start + uint64(m.symbols[n-1].offset) + 4096
	}
}

// Name returns the name of the module.
func (m *Module) Name() string {
	return m.name
}

// Start returns the lowest text address of the module.
func (m *Module) Start() uint64 {
	return m.start
}

// End returns the end of the module text.
func (m *Module) End() uint64 {
	return m.end
}

// Lookup returns the symbol containing addr and the offset into it.
func (m *Module) Lookup(addr uint64) (name string, offset uint64, err error) {
	if addr < m.start || addr >= m.end {
		return "", 0, ErrNoSymbol
	}
	off := uint32(addr - m.start)
	i, found := slices.BinarySearchFunc(m.symbols, off, func(s symbol, off uint32) int {
		return int(s.offset) - int(off)
	})
	if !found {
		if i == 0 {
			return "", 0, ErrNoSymbol
		}
		i--
	}
	sym := m.symbols[i]
	return m.stringAt(sym.index), uint64(off - sym.offset), nil
}

// Load reads the symbol table at path.
func Load(path string) (*Symbols, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// Read parses a symbol table in the /proc/kallsyms format. Only text
// symbols are kept.
func Read(r io.Reader) (*Symbols, error) {
	var (
		mods      []Module
		mod       *Module
		noSymbols = true
	)

	// Modules show up again after their main block with the ftrace clones of
	// their __init symbols. Those are not loaded.
	seen := make(map[string]bool)

	for scanner := bufio.NewScanner(r); scanner.Scan(); {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			return nil, fmt.Errorf("unexpected line in kallsyms: '%s'", scanner.Text())
		}

		// Skip non-text symbols, see 'man nm'.
		// Special case for 'etext', which can be of type `D` (data) in some kernels.
		if strings.IndexByte("TtVvWw", fields[1][0]) == -1 && fields[2] != "_etext" {
			continue
		}

		address, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse address value: '%s'", fields[0])
		}
		if address != 0 {
			noSymbols = false
		}

		moduleName := Kernel
		if len(fields) > 3 {
			moduleName = fields[3]
			if len(moduleName) < 2 || moduleName[0] != '[' ||
				moduleName[len(moduleName)-1] != ']' {
				return nil, fmt.Errorf("failed to parse module name: '%s'", moduleName)
			}
			moduleName = moduleName[1 : len(moduleName)-1]
		}

		if mod == nil || mod.name != moduleName {
			if mod != nil && mod.name == Kernel && noSymbols {
				return nil, ErrSymbolPermissions
			}
			if mod != nil {
				mod.finish()
				seen[mod.name] = true
				mod = nil
			}
			if seen[moduleName] {
				continue
			}
			mods = append(mods, Module{name: moduleName, end: ^uint64(0)})
			mod = &mods[len(mods)-1]
		}

		switch fields[2] {
		case "_stext", "_text":
			if mod.start == 0 {
				mod.start = address
			}
		case "_etext":
			if mod.end == ^uint64(0) {
				mod.end = address
			}
		case "_sinittext", "_einittext":
		default:
			if mod.start == 0 {
				mod.start = address
			}
			if address >= mod.start && address < mod.end {
				mod.symbols = append(mod.symbols, symbol{
					offset: uint32(address - mod.start),
					index:  mod.addName(fields[2]),
				})
			}
		}
	}
	if mod != nil {
		mod.finish()
	}
	if noSymbols {
		return nil, ErrSymbolPermissions
	}

	slices.SortFunc(mods, func(a, b Module) int {
		switch {
		case a.start > b.start:
			return -1
		case a.start < b.start:
			return 1
		}
		return 0
	})
	return &Symbols{modules: mods}, nil
}

// ModuleByAddress returns the module whose text contains addr.
func (s *Symbols) ModuleByAddress(addr uint64) (*Module, error) {
	for i := range s.modules {
		m := &s.modules[i]
		if addr >= m.start {
			if addr < m.end {
				return m, nil
			}
			break
		}
	}
	return nil, ErrNoModule
}

// Modules returns the kernel and the loaded modules, ordered by descending
// start address.
func (s *Symbols) Modules() []*Module {
	mods := make([]*Module, len(s.modules))
	for i := range s.modules {
		mods[i] = &s.modules[i]
	}
	return mods
}

// ModuleByName returns the module called name.
func (s *Symbols) ModuleByName(name string) (*Module, error) {
	for i := range s.modules {
		if s.modules[i].name == name {
			return &s.modules[i], nil
		}
	}
	return nil, ErrNoModule
}

// KernelStart returns the start of the kernel text.
func (s *Symbols) KernelStart() (uint64, error) {
	m, err := s.ModuleByName(Kernel)
	if err != nil {
		return 0, err
	}
	return m.start, nil
}

// Symbolize formats addr as symbol+offset, or returns "" for addresses
// without a symbol.
func (s *Symbols) Symbolize(addr uint64) string {
	m, err := s.ModuleByAddress(addr)
	if err != nil {
		return ""
	}
	name, off, err := m.Lookup(addr)
	if err != nil {
		return ""
	}
	if off != 0 {
		name = fmt.Sprintf("%s+0x%x", name, off)
	}
	if m.name != Kernel {
		name = fmt.Sprintf("%s [%s]", name, m.name)
	}
	return name
}
