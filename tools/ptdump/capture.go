// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/pt-tracer/capture"
	"go.opentelemetry.io/pt-tracer/kallsyms"
	"go.opentelemetry.io/pt-tracer/kcore"
	"go.opentelemetry.io/pt-tracer/pmu"
)

// defaultKernelStart is the start of the x86-64 kernel half.
const defaultKernelStart = 0xffff800000000000

type captureCmd struct {
	root *rootCmd

	// User-specified command line arguments.
	out              string
	mode             string
	ptShift, sbShift uint
	syscalls         int
	compress         bool
	kernelStart      uint64
	dumpKernel       bool
}

func newCaptureCmd(root *rootCmd) *ffcli.Command {
	cmd := captureCmd{root: root}
	set := flag.NewFlagSet("capture", flag.ExitOnError)
	set.StringVar(&cmd.out, "out", "", "Directory to write the capture to")
	set.StringVar(&cmd.mode, "mode", pmu.ModeKernelOnly.String(),
		"Tracing mode: user, kernel or user+kernel")
	set.UintVar(&cmd.ptShift, "pt-size-shift", 4, "AUX ring size as a power of two of pages")
	set.UintVar(&cmd.sbShift, "sideband-size-shift", 4,
		"Sideband ring size as a power of two of pages")
	set.IntVar(&cmd.syscalls, "syscalls", 16, "Number of system calls to trace")
	set.BoolVar(&cmd.compress, "zstd", false, "Compress the trace files")
	set.Uint64Var(&cmd.kernelStart, "kernel-start", 0,
		"Lowest kernel address recorded for the decoder, 0 to look it up in kallsyms")
	set.BoolVar(&cmd.dumpKernel, "dump-kernel", true,
		"Copy the kernel text and kallsyms into the capture when tracing the kernel")
	return &ffcli.Command{
		Name:       "capture",
		ShortUsage: "capture -out <dir> [flags]",
		ShortHelp:  "Trace a burst of system calls of the calling thread",
		FlagSet:    set,
		Exec:       cmd.exec,
	}
}

func (cmd *captureCmd) exec(context.Context, []string) error {
	if cmd.out == "" {
		return errors.New("missing required argument `out`")
	}
	mode, err := pmu.ParseMode(cmd.mode)
	if err != nil {
		return err
	}
	rt, err := cmd.root.runtime()
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := os.MkdirAll(cmd.out, 0o755); err != nil {
		return err
	}

	// The handle traces the thread it was created on.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	h, err := capture.CreateHandle(rt, mode, cmd.ptShift, cmd.sbShift)
	if err != nil {
		return err
	}
	defer func() {
		if err := h.Destroy(); err != nil {
			log.Errorf("Failed to destroy handle: %v", err)
		}
	}()

	pageSize := unix.Getpagesize()
	out := capture.NewOutputBuffer(pageSize<<cmd.ptShift, pageSize<<cmd.sbShift)
	if err := h.StartTracing(); err != nil {
		return err
	}
	for range cmd.syscalls {
		_ = unix.Getppid()
	}
	if err := h.StopTracing(out); err != nil {
		return err
	}
	log.Infof("Captured %d PT bytes and %d sideband bytes on thread %d",
		out.PTSize, out.SidebandSize, h.TID())

	if err := writeData(cmd.out, ptFile, out.PTData(), cmd.compress); err != nil {
		return fmt.Errorf("failed to write PT data: %w", err)
	}
	if out.SidebandSize > 0 {
		if err := writeData(cmd.out, sidebandFile, out.SidebandData(), cmd.compress); err != nil {
			return fmt.Errorf("failed to write sideband data: %w", err)
		}
	}
	md := &captureMetadata{
		Metadata:    h.Metadata(),
		Mode:        mode.String(),
		KernelStart: cmd.lookupKernelStart(),
		Compressed:  cmd.compress,
	}
	if cmd.dumpKernel && mode.IncludesKernel() {
		cmd.dump(md)
	}
	return writeMetadata(cmd.out, md)
}

// dump copies the kernel text and symbols next to the trace. Without them
// kernel traces need a -kcore argument to be decoded.
func (cmd *captureCmd) dump(md *captureMetadata) {
	kcoreFile, kallsymsFile, err := kcore.Dump(cmd.out, kcore.DefaultPath,
		kallsyms.DefaultPath)
	if err != nil {
		log.Warnf("Failed to dump the kernel image: %v", err)
		return
	}
	md.KCore, md.Kallsyms = filepath.Base(kcoreFile), filepath.Base(kallsymsFile)
	log.Infof("Dumped kernel image to %s", kcoreFile)
}

func (cmd *captureCmd) lookupKernelStart() uint64 {
	if cmd.kernelStart != 0 {
		return cmd.kernelStart
	}
	syms, err := kallsyms.Load(kallsyms.DefaultPath)
	if err == nil {
		var start uint64
		if start, err = syms.KernelStart(); err == nil {
			return start
		}
	}
	log.Warnf("Using default kernel start 0x%x: %v", uint64(defaultKernelStart), err)
	return defaultKernelStart
}
