// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracer holds the process-wide state shared by all capture handles
// and decoder sessions.
package tracer // import "go.opentelemetry.io/pt-tracer/tracer"

import (
	"fmt"
	"sync"

	"github.com/klauspost/cpuid/v2"

	"go.opentelemetry.io/pt-tracer/image"
	log "go.opentelemetry.io/pt-tracer/internal/log"
	"go.opentelemetry.io/pt-tracer/pmu"
	"go.opentelemetry.io/pt-tracer/pt"
)

// Config configures a Runtime.
type Config struct {
	// PMUDir is the sysfs directory of the Intel PT PMU. Defaults to
	// pmu.DefaultDir.
	PMUDir string
	// SectionCacheSize is the number of sections the shared section cache
	// keeps mapped. Defaults to image.DefaultCacheSize.
	SectionCacheSize uint32
}

type templateResult struct {
	tmpl *pmu.Template
	err  error
}

// Runtime is created once per process and passed explicitly to capture
// handles and decoder sessions.
//
// Attribute templates are built on first use and read-only afterwards.
type Runtime struct {
	pmuDir    string
	sections  *image.SectionCache
	templates [len(modeList)]func() (*pmu.Template, error)
	cpu       func() pt.CPU
}

var modeList = [...]pmu.Mode{pmu.ModeUserOnly, pmu.ModeKernelOnly, pmu.ModeUserKernel}

// New creates the runtime.
func New(cfg Config) (*Runtime, error) {
	if cfg.PMUDir == "" {
		cfg.PMUDir = pmu.DefaultDir
	}
	if cfg.SectionCacheSize == 0 {
		cfg.SectionCacheSize = image.DefaultCacheSize
	}
	sections, err := image.NewSectionCache(cfg.SectionCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create section cache: %w", err)
	}

	rt := &Runtime{
		pmuDir:   cfg.PMUDir,
		sections: sections,
		cpu:      sync.OnceValue(hostCPU),
	}
	for i, mode := range modeList {
		rt.templates[i] = sync.OnceValues(func() (*pmu.Template, error) {
			tmpl, err := pmu.NewTemplate(rt.pmuDir, mode)
			if err != nil {
				return nil, fmt.Errorf("failed to build %s template: %w", mode, err)
			}
			log.Debugf("Built %s attribute template (config 0x%x)", mode, tmpl.Attr().Config)
			return tmpl, nil
		})
	}
	return rt, nil
}

// Template returns the perf_event_attr template for mode.
func (rt *Runtime) Template(mode pmu.Mode) (*pmu.Template, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("invalid tracing mode %d", mode)
	}
	return rt.templates[mode]()
}

// PMUDir returns the sysfs directory the templates are read from.
func (rt *Runtime) PMUDir() string {
	return rt.pmuDir
}

// CPU returns the identification of the host processor.
func (rt *Runtime) CPU() pt.CPU {
	return rt.cpu()
}

// Sections returns the process-wide section cache.
func (rt *Runtime) Sections() *image.SectionCache {
	return rt.sections
}

// Close releases the shared section cache.
func (rt *Runtime) Close() {
	rt.sections.Close()
}

func hostCPU() pt.CPU {
	cpu := pt.CPU{
		Family:   uint16(cpuid.CPU.Family),
		Model:    uint8(cpuid.CPU.Model),
		Stepping: uint8(cpuid.CPU.Stepping),
	}
	if cpuid.CPU.VendorID == cpuid.Intel {
		cpu.Vendor = pt.VendorIntel
	}
	return cpu
}
