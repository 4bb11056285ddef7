// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/pt-tracer/capture"
	"go.opentelemetry.io/pt-tracer/internal/linux"
	"go.opentelemetry.io/pt-tracer/pmu"
)

type probeCmd struct {
	root *rootCmd
}

func newProbeCmd(root *rootCmd) *ffcli.Command {
	cmd := probeCmd{root: root}
	return &ffcli.Command{
		Name:       "probe",
		ShortUsage: "probe",
		ShortHelp:  "Check whether Intel PT can be recorded on this host",
		FlagSet:    flag.NewFlagSet("probe", flag.ExitOnError),
		Exec:       cmd.exec,
	}
}

func (cmd *probeCmd) exec(context.Context, []string) error {
	rt, err := cmd.root.runtime()
	if err != nil {
		return err
	}
	defer rt.Close()

	kernel, err := linux.ProbeIntelPT()
	if err != nil {
		return err
	}
	fmt.Printf("kernel: %s\n", kernel)

	if !pmu.Available(rt.PMUDir()) {
		return fmt.Errorf("no Intel PT PMU at %s", rt.PMUDir())
	}
	fmt.Printf("cpu: %s\n", rt.CPU())
	for _, mode := range pmu.Modes {
		tmpl, err := rt.Template(mode)
		if err != nil {
			return err
		}
		attr := tmpl.Attr()
		fmt.Printf("%-12s type %d config 0x%x\n", mode, attr.Type, attr.Config)
	}

	if err := capture.ProbePerfEvents(); err != nil {
		return fmt.Errorf("perf events not permitted: %w", err)
	}
	log.Info("Perf events are permitted")
	return nil
}
