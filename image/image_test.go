// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package image

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/pt-tracer/metrics"
)

func read(t *testing.T, img *Image, addr uint64, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	got, err := img.Read(buf, addr)
	require.NoError(t, err)
	return buf[:got]
}

func TestImageRead(t *testing.T) {
	img := New("test")
	img.Add(NewPrivateSection("a", 0, 0x1000, []byte{1, 2, 3, 4}))
	img.Add(NewPrivateSection("b", 0, 0x2000, []byte{5, 6}))

	assert.Equal(t, []byte{1, 2, 3, 4}, read(t, img, 0x1000, 16))
	assert.Equal(t, []byte{3, 4}, read(t, img, 0x1002, 16))
	assert.Equal(t, []byte{6}, read(t, img, 0x2001, 1))

	_, err := img.Read(make([]byte, 1), 0x1004)
	require.ErrorIs(t, err, ErrNoMap)
	_, err = img.Read(make([]byte, 1), 0xfff)
	require.ErrorIs(t, err, ErrNoMap)
}

func TestImageOverlapNewestWins(t *testing.T) {
	img := New("test")
	img.Add(NewPrivateSection("old", 0, 0x1000, []byte{1, 1, 1, 1, 1, 1}))
	img.Add(NewPrivateSection("new", 0, 0x1002, []byte{2, 2}))

	assert.Equal(t, 3, img.Len())
	assert.Equal(t, []byte{1, 1}, read(t, img, 0x1000, 16))
	assert.Equal(t, []byte{2, 2}, read(t, img, 0x1002, 16))
	assert.Equal(t, []byte{1, 1}, read(t, img, 0x1004, 16))

	sec, ok := img.SectionAt(0x1003)
	require.True(t, ok)
	assert.Equal(t, "new", sec.Filename)

	// Fully covering replaces everything below.
	img.Add(NewPrivateSection("top", 0, 0x0fff, make([]byte, 8)))
	assert.Equal(t, 1, img.Len())
}

func TestImageAddImageAndRemove(t *testing.T) {
	lib := New("lib")
	lib.Add(NewPrivateSection("libc.so", 0, 0x7000, []byte{7, 7}))
	lib.Add(NewPrivateSection("libm.so", 0, 0x8000, []byte{8}))

	img := New("proc")
	img.Add(NewPrivateSection("exe", 0, 0x1000, []byte{9}))
	img.AddImage(lib)
	assert.Equal(t, 3, img.Len())
	assert.Equal(t, []byte{7, 7}, read(t, img, 0x7000, 2))

	assert.Equal(t, 1, img.RemoveByFilename("libc.so"))
	_, err := img.Read(make([]byte, 1), 0x7000)
	require.ErrorIs(t, err, ErrNoMap)
	assert.Equal(t, 2, lib.Len())

	clone := img.Clone("copy")
	img.Close()
	assert.Equal(t, []byte{8}, read(t, clone, 0x8000, 1))
}

func writeFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backing.bin")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func TestSectionCacheDedup(t *testing.T) {
	path := writeFile(t, []byte("0123456789"))
	cache, err := NewSectionCache(8)
	require.NoError(t, err)
	defer cache.Close()

	a, err := cache.AddFile(path, 2, 4, 0x4000)
	require.NoError(t, err)
	b, err := cache.AddFile(path, 2, 4, 0x4000)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.True(t, a.Shared())
	assert.Equal(t, []byte("2345"), a.Bytes())

	c, err := cache.AddFile(path, 0, 2, 0x4000)
	require.NoError(t, err)
	assert.NotSame(t, a, c)
	assert.Equal(t, 1, cache.MappedFiles())
	assert.Equal(t, 2, cache.Len())

	stats := cache.GetAndResetStatistics()
	assert.Equal(t, Statistics{Hit: 1, Miss: 2, Added: 2}, stats)

	a.Release()
	b.Release()
	c.Release()

	_, err = cache.AddFile(path, 8, 4, 0)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestSectionCacheEvictionKeepsUsedSections(t *testing.T) {
	path := writeFile(t, []byte("abcdefgh"))
	cache, err := NewSectionCache(1)
	require.NoError(t, err)

	img := New("proc")
	sink := SharedSink{Cache: cache}
	require.NoError(t, sink.AddFile(img, path, 0, 4, 0x1000))
	require.NoError(t, sink.AddFile(img, path, 4, 4, 0x2000))

	assert.Equal(t, 1, cache.Len())
	summary := metrics.Summary{metrics.IDSectionCacheEvicted: 2}
	cache.UpdateMetricSummary(summary)
	assert.Equal(t, metrics.Summary{
		metrics.IDSectionCacheHits:    0,
		metrics.IDSectionCacheMisses:  2,
		metrics.IDSectionCacheAdded:   2,
		metrics.IDSectionCacheEvicted: 3,
	}, summary)
	assert.Equal(t, Statistics{}, cache.GetAndResetStatistics())
	// The evicted section is still referenced by the image.
	assert.Equal(t, []byte("abcd"), read(t, img, 0x1000, 4))
	assert.Equal(t, []byte("efgh"), read(t, img, 0x2000, 4))

	cache.Close()
	assert.Equal(t, []byte("efgh"), read(t, img, 0x2000, 4))
	assert.Equal(t, 1, cache.MappedFiles())

	img.Close()
	assert.Equal(t, 0, cache.MappedFiles())

	_, err = cache.AddFile(path, 0, 4, 0)
	require.ErrorIs(t, err, ErrClosed)
}

func TestPrivateSink(t *testing.T) {
	path := writeFile(t, []byte("abcdefgh"))
	img := New("private")
	require.NoError(t, PrivateSink{}.AddFile(img, path, 2, 3, 0x10))
	assert.Equal(t, []byte("cde"), read(t, img, 0x10, 8))

	sec, ok := img.SectionAt(0x10)
	require.True(t, ok)
	assert.False(t, sec.Shared())

	err := PrivateSink{}.AddFile(img, path, 6, 8, 0x10)
	require.ErrorIs(t, err, ErrOutOfRange)
}
