// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tracer

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/pt-tracer/pmu"
)

func fakePMU(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "format"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "type"), []byte("10\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "format", "cyc"),
		[]byte("config:1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "format", "tsc"),
		[]byte("config:10\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "format", "noretcomp"),
		[]byte("config:11\n"), 0o644))
	return dir
}

func TestRuntimeTemplatesBuiltOnce(t *testing.T) {
	dir := fakePMU(t)
	rt, err := New(Config{PMUDir: dir})
	require.NoError(t, err)
	defer rt.Close()

	var wg sync.WaitGroup
	results := make([]*pmu.Template, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tmpl, err := rt.Template(pmu.ModeKernelOnly)
			assert.NoError(t, err)
			results[i] = tmpl
		}()
	}
	wg.Wait()
	for _, tmpl := range results {
		assert.Same(t, results[0], tmpl)
	}

	// Later changes to sysfs are not observed.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "type"), []byte("11\n"), 0o644))
	tmpl, err := rt.Template(pmu.ModeKernelOnly)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), tmpl.Attr().Type)

	tmpl, err = rt.Template(pmu.ModeUserOnly)
	require.NoError(t, err)
	assert.Equal(t, uint32(11), tmpl.Attr().Type)
}

func TestRuntimeTemplateErrors(t *testing.T) {
	rt, err := New(Config{PMUDir: filepath.Join(t.TempDir(), "missing")})
	require.NoError(t, err)
	defer rt.Close()

	_, err = rt.Template(pmu.ModeUserKernel)
	require.ErrorIs(t, err, os.ErrNotExist)
	_, err = rt.Template(pmu.Mode(42))
	require.Error(t, err)
}

func TestRuntimeDefaults(t *testing.T) {
	rt, err := New(Config{})
	require.NoError(t, err)
	defer rt.Close()

	assert.Equal(t, pmu.DefaultDir, rt.PMUDir())
	assert.NotNil(t, rt.Sections())
	assert.Equal(t, rt.CPU(), rt.CPU())
}
