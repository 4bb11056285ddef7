// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package pt2ir converts raw Intel PT traces into ordered instruction lists.
package pt2ir // import "go.opentelemetry.io/pt-tracer/pt2ir"

import (
	"errors"
	"fmt"

	"go.opentelemetry.io/pt-tracer/elfimage"
	"go.opentelemetry.io/pt-tracer/ilist"
	"go.opentelemetry.io/pt-tracer/image"
	log "go.opentelemetry.io/pt-tracer/internal/log"
	"go.opentelemetry.io/pt-tracer/metrics"
	"go.opentelemetry.io/pt-tracer/pt"
	"go.opentelemetry.io/pt-tracer/pt/insn"
	"go.opentelemetry.io/pt-tracer/sideband"
	"go.opentelemetry.io/pt-tracer/tracer"
)

// Config configures a Session.
type Config struct {
	// CPU is the processor the trace was recorded on. Errata workarounds
	// are only applied for known vendors.
	CPU pt.CPU `json:"cpu"`

	// Timing parameters of the recording. They are informational: Init logs
	// them, but the instruction flow is reconstructed without cycle accurate
	// timing, and captures do not record them.
	MTCFreq    uint8  `json:"mtc_freq"`
	NomFreq    uint8  `json:"nom_freq"`
	CPUIDEax15 uint32 `json:"cpuid_0x15_eax"`
	CPUIDEbx15 uint32 `json:"cpuid_0x15_ebx"`

	// RawBufferSize is the capacity of the trace buffer. Each Convert call
	// accepts at most this many bytes.
	RawBufferSize int `json:"raw_buffer_size"`

	// ELFFile is an optional user space binary loaded at ELFBase. A zero
	// ELFBase keeps the link addresses.
	ELFFile string `json:"elf_file,omitempty"`
	ELFBase uint64 `json:"elf_base,omitempty"`
	// KCoreFile is an optional kernel core image, such as a copy of
	// /proc/kcore.
	KCoreFile string `json:"kcore_file,omitempty"`

	Sideband          sideband.Config `json:"sideband"`
	SidebandPrimary   string          `json:"sideband_primary,omitempty"`
	SidebandSecondary []string        `json:"sideband_secondary,omitempty"`
}

// DefaultRawBufferSize is used when Config.RawBufferSize is 0.
const DefaultRawBufferSize = 16 << 20

// Session decodes traces of one thread. It must be initialized with Init
// before Convert is called.
//
// A Session is not safe for concurrent use.
type Session struct {
	rt          *tracer.Runtime
	initialized bool
	cfg         Config

	raw []byte
	// sbCache backs the sections the sideband session maps.
	sbCache *image.SectionCache
	sb      *sideband.Session
	// base holds the ELF and kernel sections. It is used until the sideband
	// selects a process image.
	base    *image.Image
	current *image.Image
}

// New returns an uninitialized session. Sections of ELF files are shared
// through the section cache of rt.
func New(rt *tracer.Runtime) *Session {
	return &Session{rt: rt}
}

// Init prepares the session for decoding. On error the session stays
// uninitialized and may be initialized again.
func (s *Session) Init(cfg Config) error {
	if s.initialized {
		return ErrAlreadyInitialized
	}
	if cfg.RawBufferSize < 0 {
		return fmt.Errorf("%w: raw buffer size %d", ErrInvalidConfig, cfg.RawBufferSize)
	}
	if cfg.RawBufferSize == 0 {
		cfg.RawBufferSize = DefaultRawBufferSize
	}
	if cfg.SidebandPrimary == "" && len(cfg.SidebandSecondary) > 0 {
		return fmt.Errorf("%w: secondary sideband without primary", ErrInvalidConfig)
	}

	err := s.init(cfg)
	if err != nil {
		s.release()
		return err
	}
	s.cfg, s.initialized = cfg, true
	log.Debugf("Initialized decoder session: cpu %s, mtc %d, nom %d, cpuid[0x15] %d/%d",
		cfg.CPU, cfg.MTCFreq, cfg.NomFreq, cfg.CPUIDEax15, cfg.CPUIDEbx15)
	return nil
}

func (s *Session) init(cfg Config) error {
	s.raw = make([]byte, cfg.RawBufferSize)

	var err error
	if s.sbCache, err = image.NewSectionCache(image.DefaultCacheSize); err != nil {
		return fmt.Errorf("failed to create sideband section cache: %w", err)
	}
	s.sb = sideband.NewSession(s.sbCache)

	if cfg.KCoreFile != "" {
		if _, err = elfimage.Load(s.sb.KernelImage(), image.SharedSink{Cache: s.sbCache},
			cfg.KCoreFile, 0); err != nil {
			return fmt.Errorf("failed to load kernel image: %w", err)
		}
	}
	if cfg.SidebandPrimary != "" {
		if err = s.sb.AddDecoder(sideband.DecoderConfig{Config: cfg.Sideband,
			Filename: cfg.SidebandPrimary, Primary: true}); err != nil {
			return fmt.Errorf("failed to add primary sideband: %w", err)
		}
	}
	for _, name := range cfg.SidebandSecondary {
		if err = s.sb.AddDecoder(sideband.DecoderConfig{Config: cfg.Sideband,
			Filename: name}); err != nil {
			return fmt.Errorf("failed to add secondary sideband: %w", err)
		}
	}

	s.base = image.New("pt2ir")
	s.base.AddImage(s.sb.KernelImage())
	if cfg.ELFFile != "" {
		if _, err = elfimage.Load(s.base, image.SharedSink{Cache: s.rt.Sections()},
			cfg.ELFFile, cfg.ELFBase); err != nil {
			return fmt.Errorf("failed to load ELF image: %w", err)
		}
	}
	s.current = s.base
	return nil
}

func (s *Session) release() {
	if s.base != nil {
		s.base.Close()
		s.base = nil
	}
	if s.sb != nil {
		s.sb.Close()
		s.sb = nil
	}
	if s.sbCache != nil {
		s.sbCache.Close()
		s.sbCache = nil
	}
	s.current, s.raw = nil, nil
}

// Config returns the configuration of an initialized session.
func (s *Session) Config() Config {
	return s.cfg
}

// Convert decodes the trace in data and appends the executed instructions to
// out in execution order. Each call replaces the content of the raw buffer.
// Failures are reported as *ConvertError.
func (s *Session) Convert(data []byte, out *ilist.List[Instr]) error {
	if !s.initialized {
		return s.fail(&ConvertError{Step: StepNotInitialized, Err: ErrNotInitialized})
	}
	if len(data) == 0 || len(data) > len(s.raw) || out == nil {
		return s.fail(&ConvertError{Step: StepInvalidParameter,
			Err: fmt.Errorf("%w: %d bytes, capacity %d", ErrInvalidInput, len(data), len(s.raw))})
	}

	n := copy(s.raw, data)
	dec, err := insn.NewDecoder(insn.Config{CPU: s.cfg.CPU, Buffer: s.raw[:n],
		Image: s.current})
	if err != nil {
		return s.fail(&ConvertError{Step: StepInvalidParameter, Err: err})
	}

	decoded := 0
	defer func() {
		metrics.Add(metrics.IDDecodedInstructions, metrics.MetricValue(decoded))
		s.reportCacheStatistics()
	}()

	for {
		status, err := dec.SyncForward()
		if errors.Is(err, pt.ErrEOS) {
			return nil
		}
		if err != nil {
			return s.fail(offsetError(dec, StepSync, 0, err))
		}
		metrics.Add(metrics.IDDecodeSyncs, 1)

		for {
			for status&insn.StatusEventPending != 0 {
				var ev insn.Event
				ev, status, err = dec.Event()
				if err != nil {
					return s.fail(offsetError(dec, StepGetPendingEvent, 0, err))
				}
				img, err := s.sb.Apply(ev)
				if err != nil {
					return s.fail(offsetError(dec, StepSidebandEvent, 0, err))
				}
				if img != nil {
					if err := s.setImage(dec, img); err != nil {
						return s.fail(offsetError(dec, StepSetImage, 0, err))
					}
				}
			}
			if status&insn.StatusEOS != 0 {
				break
			}

			var in insn.Insn
			in, status, err = dec.Next()
			if err != nil {
				return s.fail(offsetError(dec, StepDecodeInsn, in.IP, err))
			}
			out.Append(translate(&in), in.IP, in.Bytes())
			decoded++
		}
	}
}

func (s *Session) reportCacheStatistics() {
	summary := make(metrics.Summary)
	s.sbCache.UpdateMetricSummary(summary)
	s.rt.Sections().UpdateMetricSummary(summary)
	for id, value := range summary {
		metrics.Add(id, value)
	}
}

// setImage switches to the process image img.
func (s *Session) setImage(dec *insn.Decoder, img *image.Image) error {
	if img == nil {
		return fmt.Errorf("%w: nil image", ErrInvalidInput)
	}
	log.Debugf("Switching to image %s (%d sections)", img.Name, img.Len())
	s.current = img
	dec.SetImage(img)
	return nil
}

func offsetError(dec *insn.Decoder, step Step, ip uint64, err error) *ConvertError {
	ce := &ConvertError{Step: step, IP: ip, Err: err}
	if off, oerr := dec.Offset(); oerr == nil {
		ce.Offset, ce.HasOffset = off, true
	}
	return ce
}

func (s *Session) fail(err *ConvertError) error {
	metrics.Add(metrics.IDDecodeErrors, 1)
	log.Errorf("%v", err)
	return err
}

// Close releases the images of the session.
func (s *Session) Close() {
	s.release()
	s.initialized = false
}
