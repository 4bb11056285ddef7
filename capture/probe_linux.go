// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package capture // import "go.opentelemetry.io/pt-tracer/capture"

import (
	"fmt"

	"github.com/elastic/go-perf"
)

// ProbePerfEvents checks whether the calling thread may open, enable and
// disable a perf event. It catches perf_event_paranoid restrictions before
// any ring is allocated.
func ProbePerfEvents() error {
	attr := new(perf.Attr)
	if err := perf.Dummy.Configure(attr); err != nil {
		return fmt.Errorf("failed to configure dummy perf event: %w", err)
	}
	attr.Options.Disabled = true
	attr.Options.ExcludeKernel = true
	attr.Options.ExcludeHypervisor = true

	event, err := perf.Open(attr, perf.CallingThread, perf.AnyCPU, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOpenEvent, err)
	}
	defer event.Close()

	if err := event.Enable(); err != nil {
		return fmt.Errorf("%w: %w", ErrEnableEvent, err)
	}
	if err := event.Disable(); err != nil {
		return fmt.Errorf("%w: %w", ErrDisableEvent, err)
	}
	return nil
}
