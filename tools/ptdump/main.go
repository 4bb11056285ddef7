// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// ptdump records Intel PT traces of its own thread and decodes them into
// instruction listings.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"

	ptlog "go.opentelemetry.io/pt-tracer/log"
	"go.opentelemetry.io/pt-tracer/pmu"
	"go.opentelemetry.io/pt-tracer/tracer"
)

// rootCmd holds the flags shared by all subcommands.
type rootCmd struct {
	verbose bool
	pmuDir  string
}

func (r *rootCmd) runtime() (*tracer.Runtime, error) {
	if r.verbose {
		log.SetLevel(log.DebugLevel)
		ptlog.SetLevel(slog.LevelDebug)
	}
	return tracer.New(tracer.Config{PMUDir: r.pmuDir})
}

func main() {
	log.SetReportCaller(false)
	log.SetFormatter(&log.TextFormatter{})

	root := &rootCmd{}
	set := flag.NewFlagSet("ptdump", flag.ExitOnError)
	set.BoolVar(&root.verbose, "v", false, "Enable debug logging")
	set.StringVar(&root.pmuDir, "pmu-dir", pmu.DefaultDir, "Sysfs directory of the Intel PT PMU")

	cmd := ffcli.Command{
		Name:       "ptdump",
		ShortUsage: "ptdump [-v] <subcommand> [flags]",
		ShortHelp:  "Tool for recording and decoding Intel PT traces",
		FlagSet:    set,
		Options:    []ff.Option{ff.WithEnvVarPrefix("PTDUMP")},
		Subcommands: []*ffcli.Command{
			newProbeCmd(root),
			newCaptureCmd(root),
			newDecodeCmd(root),
		},
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
	}

	if err := cmd.ParseAndRun(context.Background(), os.Args[1:]); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			log.Fatalf("%v", err)
		}
	}
}
