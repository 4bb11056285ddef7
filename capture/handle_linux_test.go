// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"os"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/pt-tracer/pmu"
	"go.opentelemetry.io/pt-tracer/tracer"
)

func newRuntime(t *testing.T) *tracer.Runtime {
	t.Helper()
	rt, err := tracer.New(tracer.Config{})
	require.NoError(t, err)
	t.Cleanup(rt.Close)
	return rt
}

func TestCreateHandleInvalidShift(t *testing.T) {
	rt := newRuntime(t)
	tests := map[string]struct {
		pt, sb uint
	}{
		"zero pt shift":       {pt: 0, sb: 4},
		"zero sideband shift": {pt: 4, sb: 0},
		"huge pt shift":       {pt: MaxSizeShift + 1, sb: 4},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			h, err := CreateHandle(rt, pmu.ModeKernelOnly, tc.pt, tc.sb)
			require.ErrorIs(t, err, ErrInvalidParameter)
			assert.Nil(t, h)
		})
	}

	_, err := CreateHandle(nil, pmu.ModeKernelOnly, 4, 4)
	require.ErrorIs(t, err, ErrInvalidParameter)
}

func TestStopTracingNilOutput(t *testing.T) {
	h := &Handle{fd: -1}
	require.ErrorIs(t, h.StopTracing(nil), ErrInvalidParameter)
}

func TestDrainOverwriteWins(t *testing.T) {
	ring := make([]byte, 8)
	// Lapped and too large for the output at the same time.
	_, err := drain(make([]byte, 4), ring, 20, 0)
	require.ErrorIs(t, err, ErrOverwritten)

	_, err = drain(make([]byte, 4), ring, 6, 0)
	require.ErrorIs(t, err, ErrInvalidParameter)

	copy(ring, "01234567")
	n, err := drain(make([]byte, 8), ring, 10, 4)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
}

func TestCaptureKernelOnly(t *testing.T) {
	if !pmu.Available(pmu.DefaultDir) {
		t.Skip("Intel PT is not available")
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	rt := newRuntime(t)
	h, err := CreateHandle(rt, pmu.ModeKernelOnly, 4, 4)
	if err != nil {
		t.Skipf("Tracing not permitted: %v", err)
	}
	defer func() {
		require.NoError(t, h.Destroy())
	}()

	pageSize := os.Getpagesize()
	out := NewOutputBuffer(16*pageSize, 16*pageSize)

	require.NoError(t, h.StartTracing())
	for range 10 {
		_ = unix.Getppid()
		_, _ = unix.Getcwd(make([]byte, 256))
	}
	require.NoError(t, h.StopTracing(out))

	assert.Positive(t, out.PTSize)
	assert.Zero(t, out.SidebandSize)

	md := h.Metadata()
	assert.Zero(t, md.SampleType)
	assert.Equal(t, rt.CPU(), md.CPU)

	// The rings were consumed; the handle can trace again.
	require.NoError(t, h.StartTracing())
	_ = unix.Getppid()
	require.NoError(t, h.StopTracing(out))
}
