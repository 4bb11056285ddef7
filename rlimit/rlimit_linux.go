//go:build linux

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package rlimit // import "go.opentelemetry.io/pt-tracer/rlimit"

import (
	"fmt"

	"golang.org/x/sys/unix"

	log "go.opentelemetry.io/pt-tracer/internal/log"
)

// EnsureMemlock makes sure the memlock resource limit allows locking at least
// need additional bytes. The soft limit is raised up to the hard limit first;
// only privileged callers can go beyond. It returns a function restoring the
// previous limit.
func EnsureMemlock(need uint64) (func(), error) {
	var cur unix.Rlimit
	if err := unix.Prlimit(0, unix.RLIMIT_MEMLOCK, nil, &cur); err != nil {
		return nil, fmt.Errorf("failed to read memlock rlimit: %w", err)
	}
	if cur.Cur == unix.RLIM_INFINITY || cur.Cur >= need {
		return func() {}, nil
	}

	want := unix.Rlimit{Cur: unix.RLIM_INFINITY, Max: unix.RLIM_INFINITY}
	if cur.Max != unix.RLIM_INFINITY {
		if cur.Max >= need {
			want = unix.Rlimit{Cur: cur.Max, Max: cur.Max}
		} else {
			want = unix.Rlimit{Cur: need, Max: need}
		}
	}

	var old unix.Rlimit
	if err := unix.Prlimit(0, unix.RLIMIT_MEMLOCK, &want, &old); err != nil {
		return nil, fmt.Errorf("failed to raise memlock rlimit to %d: %w", want.Cur, err)
	}
	log.Debugf("Raised memlock rlimit from %d to %d", old.Cur, want.Cur)

	return func() {
		if err := unix.Setrlimit(unix.RLIMIT_MEMLOCK, &old); err != nil {
			log.Errorf("Failed to restore memlock rlimit: %v", err)
		}
	}, nil
}
