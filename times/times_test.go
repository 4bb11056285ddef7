// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package times

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversionRoundTrip(t *testing.T) {
	// Parameters observed on a 2.1 GHz TSC.
	c := Conversion{Shift: 31, Mult: 1022611243, Zero: 18446742560483463474}

	for _, tsc := range []uint64{0, 1, 2100, 1 << 32, 0x123456789ab} {
		ns, err := c.TSCToPerf(tsc)
		require.NoError(t, err)
		back, err := c.PerfToTSC(ns)
		require.NoError(t, err)
		// Converting to nanoseconds drops sub-nanosecond precision.
		assert.InDelta(t, float64(tsc), float64(back), 4)
	}
}

func TestConversionIdentity(t *testing.T) {
	c := Conversion{Shift: 0, Mult: 1}
	ns, err := c.TSCToPerf(12345)
	require.NoError(t, err)
	assert.Equal(t, uint64(12345), ns)

	tsc, err := c.PerfToTSC(12345)
	require.NoError(t, err)
	assert.Equal(t, uint64(12345), tsc)
}

func TestConversionOffset(t *testing.T) {
	c := Conversion{Shift: 1, Mult: 1, Zero: 100, Offset: 1000}
	tsc, err := c.PerfToTSC(150)
	require.NoError(t, err)
	assert.Equal(t, uint64(1100), tsc)

	ns, err := c.TSCToPerf(1100)
	require.NoError(t, err)
	assert.Equal(t, uint64(150), ns)
}

func TestConversionInvalid(t *testing.T) {
	_, err := Conversion{}.PerfToTSC(1)
	require.ErrorIs(t, err, ErrBadConversion)
	_, err = Conversion{}.TSCToPerf(1)
	require.ErrorIs(t, err, ErrBadConversion)
}
