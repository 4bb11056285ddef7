// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/pt-tracer/ilist"
	"go.opentelemetry.io/pt-tracer/kallsyms"
	"go.opentelemetry.io/pt-tracer/pt2ir"
	"go.opentelemetry.io/pt-tracer/sideband"
	"go.opentelemetry.io/pt-tracer/tracer"
)

type decodeCmd struct {
	root *rootCmd

	// User-specified command line arguments.
	elfFile   string
	elfBase   uint64
	kcore     string
	sysroot   string
	jobs      int
	list      bool
	tscOffset uint64
	kallsyms  string
}

func newDecodeCmd(root *rootCmd) *ffcli.Command {
	cmd := decodeCmd{root: root}
	set := flag.NewFlagSet("decode", flag.ExitOnError)
	set.StringVar(&cmd.elfFile, "elf", "", "User space binary the trace was recorded in")
	set.Uint64Var(&cmd.elfBase, "elf-base", 0, "Load address of the binary, 0 for its link address")
	set.StringVar(&cmd.kcore, "kcore", "",
		"Copy of /proc/kcore for kernel traces, defaults to the dump in the capture")
	set.StringVar(&cmd.sysroot, "sysroot", "", "Prefix for the files named in mmap records")
	set.IntVar(&cmd.jobs, "j", runtime.NumCPU(), "Number of captures decoded in parallel")
	set.BoolVar(&cmd.list, "list", false, "Print the decoded instructions")
	set.Uint64Var(&cmd.tscOffset, "tsc-offset", 0, "Offset added to converted sideband times")
	set.StringVar(&cmd.kallsyms, "kallsyms", "",
		"Kernel symbol table used to annotate -list, defaults to the dump in the capture")
	return &ffcli.Command{
		Name:       "decode",
		ShortUsage: "decode [flags] <capture-dir>...",
		ShortHelp:  "Decode captures into instruction listings",
		FlagSet:    set,
		Exec:       cmd.exec,
	}
}

type decodeResult struct {
	dir    string
	instrs []pt2ir.Instr
	syms   *kallsyms.Symbols
}

func (cmd *decodeCmd) exec(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("no capture directories given")
	}
	rt, err := cmd.root.runtime()
	if err != nil {
		return err
	}
	defer rt.Close()

	results := make([]decodeResult, len(args))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(cmd.jobs, 1))
	for i, dir := range args {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := cmd.decode(rt, dir)
			if err != nil {
				return fmt.Errorf("%s: %w", dir, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var syms *kallsyms.Symbols
	if cmd.kallsyms != "" {
		if syms, err = kallsyms.Load(cmd.kallsyms); err != nil {
			return err
		}
	}
	for _, res := range results {
		if syms != nil {
			res.syms = syms
		}
		printResult(os.Stdout, res, cmd.list)
	}
	return nil
}

// decode converts one capture with its own session.
func (cmd *decodeCmd) decode(rt *tracer.Runtime, dir string) (decodeResult, error) {
	res := decodeResult{dir: dir}
	md, err := readMetadata(dir)
	if err != nil {
		return res, err
	}
	data, err := readData(dir, ptFile)
	if err != nil {
		return res, err
	}

	kcoreFile, kallsymsFile := md.kernelFiles(dir)
	if cmd.kcore != "" {
		kcoreFile = cmd.kcore
	}
	if cmd.list && cmd.kallsyms == "" && kallsymsFile != "" {
		if res.syms, err = kallsyms.Load(kallsymsFile); err != nil {
			return res, err
		}
	}

	cfg := pt2ir.Config{
		CPU:           md.CPU,
		RawBufferSize: len(data),
		ELFFile:       cmd.elfFile,
		ELFBase:       cmd.elfBase,
		KCoreFile:     kcoreFile,
		Sideband: sideband.Config{
			SampleType:  md.SampleType,
			KernelStart: md.KernelStart,
			Sysroot:     cmd.sysroot,
			TimeShift:   md.TimeShift,
			TimeMult:    md.TimeMult,
			TimeZero:    md.TimeZero,
			TSCOffset:   cmd.tscOffset,
		},
	}
	if md.SampleType != 0 {
		path, cleanup, err := sidebandPath(dir)
		switch {
		case err == nil:
			defer cleanup()
			cfg.SidebandPrimary = path
		case errors.Is(err, os.ErrNotExist):
			log.Debugf("%s: capture has no sideband", dir)
		default:
			return res, err
		}
	}

	s := pt2ir.New(rt)
	if err := s.Init(cfg); err != nil {
		return res, err
	}
	defer s.Close()

	var out ilist.List[pt2ir.Instr]
	if len(data) > 0 {
		if err := s.Convert(data, &out); err != nil {
			return res, err
		}
	}
	log.Debugf("%s: decoded %d instructions", dir, out.Len())
	res.instrs = out.Instrs()
	return res, nil
}

func printResult(w io.Writer, res decodeResult, list bool) {
	placeholders := 0
	for _, in := range res.instrs {
		if !in.Decoded {
			placeholders++
		}
	}
	fmt.Fprintf(w, "%s: %d instructions, %d not identified\n", res.dir, len(res.instrs),
		placeholders)
	if !list {
		return
	}
	for _, in := range res.instrs {
		if sym := symbolize(res.syms, in.Addr); sym != "" {
			fmt.Fprintf(w, "  %s <%s>\n", in, sym)
			continue
		}
		fmt.Fprintf(w, "  %s\n", in)
	}
}

func symbolize(syms *kallsyms.Symbols, addr uint64) string {
	if syms == nil {
		return ""
	}
	return syms.Symbolize(addr)
}
