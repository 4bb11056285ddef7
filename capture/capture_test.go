// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/pt-tracer/pt"
)

func TestOutputBuffer(t *testing.T) {
	out := NewOutputBuffer(16, 8)
	assert.Len(t, out.PT, 16)
	assert.Len(t, out.Sideband, 8)
	assert.Empty(t, out.PTData())

	copy(out.PT, "abc")
	out.PTSize = 3
	assert.Equal(t, []byte("abc"), out.PTData())
	assert.Empty(t, out.SidebandData())
}

func TestMetadataJSON(t *testing.T) {
	md := Metadata{
		CPU:        pt.CPU{Vendor: pt.VendorIntel, Family: 6, Model: 0x55, Stepping: 4},
		TimeShift:  31,
		TimeMult:   1022611243,
		TimeZero:   42,
		SampleType: 0x182,
	}
	data, err := json.Marshal(md)
	require.NoError(t, err)
	assert.JSONEq(t, `{"cpu":{"vendor":1,"family":6,"model":85,"stepping":4},
		"time_shift":31,"time_mult":1022611243,"time_zero":42,"sample_type":386}`, string(data))

	conv := md.Conversion()
	assert.Equal(t, uint16(31), conv.Shift)
	assert.Equal(t, uint32(1022611243), conv.Mult)
	assert.Equal(t, uint64(42), conv.Zero)
}
