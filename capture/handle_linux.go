// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package capture // import "go.opentelemetry.io/pt-tracer/capture"

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	log "go.opentelemetry.io/pt-tracer/internal/log"
	"go.opentelemetry.io/pt-tracer/metrics"
	"go.opentelemetry.io/pt-tracer/pmu"
	"go.opentelemetry.io/pt-tracer/rlimit"
	"go.opentelemetry.io/pt-tracer/ringbuf"
	"go.opentelemetry.io/pt-tracer/tracer"
)

// Handle traces one OS thread. It must only be used from the thread that
// created it; callers pin the goroutine with runtime.LockOSThread.
type Handle struct {
	rt   *tracer.Runtime
	tmpl *pmu.Template
	tid  int
	fd   int

	// ring holds the header page followed by the sideband data ring.
	ring   []byte
	header *unix.PerfEventMmapPage
	aux    []byte
}

// CreateHandle opens a PT event for the calling thread with a sideband ring
// of 2^sidebandSizeShift pages and an AUX ring of 2^ptSizeShift pages.
func CreateHandle(rt *tracer.Runtime, mode pmu.Mode, ptSizeShift,
	sidebandSizeShift uint) (*Handle, error) {
	if rt == nil {
		return nil, fmt.Errorf("no runtime: %w", ErrInvalidParameter)
	}
	if ptSizeShift == 0 || sidebandSizeShift == 0 ||
		ptSizeShift > MaxSizeShift || sidebandSizeShift > MaxSizeShift {
		return nil, fmt.Errorf("size shifts %d/%d not in [1,%d]: %w",
			ptSizeShift, sidebandSizeShift, MaxSizeShift, ErrInvalidParameter)
	}
	tmpl, err := rt.Template(mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenEvent, err)
	}

	pageSize := unix.Getpagesize()
	headerLen := (1<<sidebandSizeShift + 1) * pageSize
	auxLen := (1 << ptSizeShift) * pageSize

	// Unprivileged callers are still covered by perf_event_mlock_kb.
	if restore, err := rlimit.EnsureMemlock(uint64(headerLen + auxLen)); err != nil {
		log.Debugf("Proceeding with current memlock limit: %v", err)
	} else {
		defer restore()
	}

	h := &Handle{rt: rt, tmpl: tmpl, tid: unix.Gettid(), fd: -1}
	attr := tmpl.Attr()
	h.fd, err = unix.PerfEventOpen(&attr, h.tid, -1, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenEvent, os.NewSyscallError("perf_event_open", err))
	}

	h.ring, err = unix.Mmap(h.fd, 0, headerLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		h.release()
		return nil, fmt.Errorf("%w: %w", ErrMmapHeader, os.NewSyscallError("mmap", err))
	}
	h.header = (*unix.PerfEventMmapPage)(unsafe.Pointer(&h.ring[0]))
	h.header.Aux_offset = h.header.Data_offset + h.header.Data_size
	h.header.Aux_size = uint64(auxLen)

	h.aux, err = unix.Mmap(h.fd, int64(h.header.Aux_offset), auxLen,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		h.release()
		return nil, fmt.Errorf("%w: %w", ErrMmapAux, os.NewSyscallError("mmap", err))
	}

	log.Debugf("Opened %s PT event for thread %d (aux %d bytes, data %d bytes)",
		mode, h.tid, auxLen, h.header.Data_size)
	return h, nil
}

// release frees whatever was acquired so far.
func (h *Handle) release() {
	if h.aux != nil {
		if err := unix.Munmap(h.aux); err != nil {
			log.Errorf("Failed to unmap AUX ring: %v", err)
		}
		h.aux = nil
	}
	if h.ring != nil {
		if err := unix.Munmap(h.ring); err != nil {
			log.Errorf("Failed to unmap perf ring: %v", err)
		}
		h.ring = nil
		h.header = nil
	}
	if h.fd >= 0 {
		if err := unix.Close(h.fd); err != nil {
			log.Errorf("Failed to close perf event: %v", err)
		}
		h.fd = -1
	}
}

// Mode returns the tracing mode of the handle.
func (h *Handle) Mode() pmu.Mode {
	return h.tmpl.Mode()
}

// TID returns the traced thread.
func (h *Handle) TID() int {
	return h.tid
}

func (h *Handle) ioctl(req uint) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(h.fd), uintptr(req), 0); errno != 0 {
		return os.NewSyscallError("ioctl", errno)
	}
	return nil
}

// StartTracing resets and enables the event.
func (h *Handle) StartTracing() error {
	if err := h.ioctl(unix.PERF_EVENT_IOC_RESET); err != nil {
		return fmt.Errorf("%w: %w", ErrResetEvent, err)
	}
	if err := h.ioctl(unix.PERF_EVENT_IOC_ENABLE); err != nil {
		return fmt.Errorf("%w: %w", ErrEnableEvent, err)
	}
	return nil
}

// StopTracing disables the event and drains the rings into out. On success
// the ring tails are advanced so the handle can trace again.
func (h *Handle) StopTracing(out *OutputBuffer) error {
	if out == nil {
		return fmt.Errorf("no output buffer: %w", ErrInvalidParameter)
	}
	if err := h.ioctl(unix.PERF_EVENT_IOC_DISABLE); err != nil {
		return fmt.Errorf("%w: %w", ErrDisableEvent, err)
	}

	auxHead := atomic.LoadUint64(&h.header.Aux_head)
	auxTail := atomic.LoadUint64(&h.header.Aux_tail)
	ptSize, err := drain(out.PT, h.aux, auxHead, auxTail)
	if err != nil {
		return fmt.Errorf("AUX ring: %w", err)
	}

	var (
		sbSize           int
		dataHead, drained uint64
	)
	includesUser := h.Mode().IncludesUser()
	if includesUser {
		dataHead = atomic.LoadUint64(&h.header.Data_head)
		dataTail := atomic.LoadUint64(&h.header.Data_tail)
		data := h.ring[h.header.Data_offset : h.header.Data_offset+h.header.Data_size]
		if sbSize, err = drain(out.Sideband, data, dataHead, dataTail); err != nil {
			return fmt.Errorf("sideband ring: %w", err)
		}
		drained = dataHead
	}

	out.PTSize = ptSize
	out.SidebandSize = sbSize
	atomic.StoreUint64(&h.header.Aux_tail, auxHead)
	if includesUser {
		atomic.StoreUint64(&h.header.Data_tail, drained)
	}

	metrics.AddSlice([]metrics.Metric{
		{ID: metrics.IDCapturedPTBytes, Value: metrics.MetricValue(ptSize)},
		{ID: metrics.IDCapturedSidebandBytes, Value: metrics.MetricValue(sbSize)},
	})
	return nil
}

// drain checks for an overwritten ring before copying, so a lapped ring is
// reported as such even when out is also too small.
func drain(dst, ring []byte, head, tail uint64) (int, error) {
	if _, err := ringbuf.Pending(uint64(len(ring)), head, tail); err != nil {
		return 0, drainError(err)
	}
	n, err := ringbuf.Copy(dst, ring, head, tail)
	if err != nil {
		return 0, drainError(err)
	}
	return n, nil
}

func drainError(err error) error {
	if errors.Is(err, ringbuf.ErrOverwritten) {
		metrics.Add(metrics.IDCaptureOverwritten, 1)
		return fmt.Errorf("%w: %w", ErrOverwritten, err)
	}
	return fmt.Errorf("%w: %w", ErrInvalidParameter, err)
}

// Metadata returns the CPU identification and the perf clock parameters of
// the handle.
func (h *Handle) Metadata() Metadata {
	return Metadata{
		CPU:        h.rt.CPU(),
		TimeShift:  h.header.Time_shift,
		TimeMult:   h.header.Time_mult,
		TimeZero:   h.header.Time_zero,
		SampleType: h.tmpl.SampleType(),
	}
}

// Destroy unmaps both rings and closes the event. Destroying a handle twice
// is a programming error.
func (h *Handle) Destroy() error {
	if h.ring == nil || h.aux == nil {
		panic("capture: destroying a handle without mapped rings")
	}
	var errs []error
	if err := unix.Munmap(h.aux); err != nil {
		errs = append(errs, os.NewSyscallError("munmap", err))
	}
	if err := unix.Munmap(h.ring); err != nil {
		errs = append(errs, os.NewSyscallError("munmap", err))
	}
	if err := unix.Close(h.fd); err != nil {
		errs = append(errs, os.NewSyscallError("close", err))
	}
	h.aux, h.ring, h.header, h.fd = nil, nil, nil, -1
	return errors.Join(errs...)
}
