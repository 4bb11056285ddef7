//go:build linux

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package linux // import "go.opentelemetry.io/pt-tracer/internal/linux"

import (
	"bytes"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// KernelVersion is the release of a Linux kernel.
type KernelVersion struct {
	Major, Minor, Patch uint32
}

func (v KernelVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// AtLeast reports whether v is major.minor or newer.
func (v KernelVersion) AtLeast(major, minor uint32) bool {
	return v.Major > major || (v.Major == major && v.Minor >= minor)
}

// ParseRelease parses the version prefix of a kernel release string such as
// "6.8.0-45-generic".
func ParseRelease(release []byte) KernelVersion {
	var v KernelVersion
	_, _ = fmt.Fscanf(bytes.NewReader(release), "%d.%d.%d", &v.Major, &v.Minor, &v.Patch)
	return v
}

var getKernelVersion = sync.OnceValues(func() (KernelVersion, error) {
	var uname unix.Utsname
	if err := unix.Uname(&uname); err != nil {
		return KernelVersion{}, err
	}
	return ParseRelease(bytes.TrimRight(uname.Release[:], "\x00")), nil
})

// GetCurrentKernelVersion returns the version of the running kernel.
func GetCurrentKernelVersion() (KernelVersion, error) {
	return getKernelVersion()
}

// ProbeIntelPT checks whether the running kernel can record Intel PT into an
// AUX ring.
func ProbeIntelPT() (KernelVersion, error) {
	v, err := getKernelVersion()
	if err != nil {
		return v, err
	}
	if !v.AtLeast(4, 1) {
		return v, fmt.Errorf("kernel %s is too old for Intel PT, need 4.1", v)
	}
	return v, nil
}
